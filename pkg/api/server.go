package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/mscluster/pkg/log"
	"github.com/cuemby/mscluster/pkg/manager"
	"github.com/cuemby/mscluster/pkg/metrics"
	"github.com/cuemby/mscluster/pkg/storage"
	"github.com/cuemby/mscluster/pkg/transport"
	"github.com/cuemby/mscluster/pkg/types"
	"github.com/rs/zerolog"
)

// Cluster is the part of a management server exposed to operators
type Cluster interface {
	Self() *types.ManagementServerNode
	LocalState() types.LocalState
	ListNodes(ctx context.Context, includeRemoved bool) ([]*types.ManagementServerNode, error)
	RemoveNode(ctx context.Context, msid int64) error
	Call(ctx context.Context, c transport.Call) (string, error)
	Ping(ctx context.Context, peer string) error
}

// ExecRequest is the body of POST /exec
type ExecRequest struct {
	Peer        string `json:"peer"`
	Dispatcher  string `json:"dispatcher,omitempty"`
	AgentID     int64  `json:"agent_id,omitempty"`
	Payload     string `json:"payload"`
	StopOnError bool   `json:"stop_on_error,omitempty"`
	TimeoutMs   int64  `json:"timeout_ms,omitempty"`
}

// ExecResponse is the body returned by a successful POST /exec
type ExecResponse struct {
	Peer   string `json:"peer"`
	Result string `json:"result"`
}

// PingRequest is the body of POST /ping
type PingRequest struct {
	Peer string `json:"peer"`
}

// NodesResponse is the body returned by GET /nodes
type NodesResponse struct {
	Self  int64                         `json:"self,omitempty"`
	Nodes []*types.ManagementServerNode `json:"nodes"`
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server is the admin HTTP server of a management server
type Server struct {
	cluster Cluster
	mux     *http.ServeMux
	server  *http.Server
	logger  zerolog.Logger
}

// NewServer creates the admin server for cluster
func NewServer(cluster Cluster) *Server {
	s := &Server{
		cluster: cluster,
		mux:     http.NewServeMux(),
		logger:  log.WithComponent("api"),
	}

	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("GET /ready", s.readyHandler)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /nodes", s.listNodesHandler)
	s.mux.HandleFunc("DELETE /nodes/{msid}", s.removeNodeHandler)
	s.mux.HandleFunc("POST /exec", s.execHandler)
	s.mux.HandleFunc("POST /ping", s.pingHandler)

	s.server = &http.Server{
		Handler:      Instrument(s.mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: transport.DefaultRequestTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on addr and serves until Shutdown
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentAPI, false, err.Error())
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves the admin API on lis until Shutdown
func (s *Server) Serve(lis net.Listener) error {
	metrics.UpdateComponent(metrics.ComponentAPI, true, "")
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Admin API listening")

	err := s.server.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) listNodesHandler(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))

	nodes, err := s.cluster.ListNodes(r.Context(), all)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := NodesResponse{Nodes: nodes}
	if self := s.cluster.Self(); self != nil {
		resp.Self = self.MsID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) removeNodeHandler(w http.ResponseWriter, r *http.Request) {
	msid, err := types.ParsePeerName(r.PathValue("msid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err = s.cluster.RemoveNode(r.Context(), msid)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, storage.ErrNodeNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, manager.ErrNodeNotDown):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) execHandler(w http.ResponseWriter, r *http.Request) {
	var req ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Peer == "" {
		writeError(w, http.StatusBadRequest, errors.New("peer is required"))
		return
	}

	result, err := s.cluster.Call(r.Context(), transport.Call{
		Peer:        req.Peer,
		AgentID:     req.AgentID,
		Dispatcher:  req.Dispatcher,
		Payload:     req.Payload,
		StopOnError: req.StopOnError,
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		writeError(w, callStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ExecResponse{Peer: req.Peer, Result: result})
}

func (s *Server) pingHandler(w http.ResponseWriter, r *http.Request) {
	var req PingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Peer == "" {
		writeError(w, http.StatusBadRequest, errors.New("peer is required"))
		return
	}
	if err := s.cluster.Ping(r.Context(), req.Peer); err != nil {
		writeError(w, callStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// callStatus maps transport failures to HTTP status codes
func callStatus(err error) int {
	var remote *transport.RemoteError
	switch {
	case errors.Is(err, transport.ErrPeerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, transport.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &remote):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}
