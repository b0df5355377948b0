package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/mscluster/pkg/manager"
	"github.com/cuemby/mscluster/pkg/metrics"
	"github.com/cuemby/mscluster/pkg/storage"
	"github.com/cuemby/mscluster/pkg/transport"
	"github.com/cuemby/mscluster/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCluster struct {
	self     *types.ManagementServerNode
	state    types.LocalState
	nodes    []*types.ManagementServerNode
	removeFn func(msid int64) error
	callFn   func(c transport.Call) (string, error)
	pingErr  error
	lastCall transport.Call
	lastAll  bool
}

func (f *fakeCluster) Self() *types.ManagementServerNode { return f.self }

func (f *fakeCluster) LocalState() types.LocalState {
	if f.state == "" {
		return types.LocalStateUp
	}
	return f.state
}

func (f *fakeCluster) ListNodes(ctx context.Context, includeRemoved bool) ([]*types.ManagementServerNode, error) {
	f.lastAll = includeRemoved
	return f.nodes, nil
}

func (f *fakeCluster) RemoveNode(ctx context.Context, msid int64) error {
	return f.removeFn(msid)
}

func (f *fakeCluster) Call(ctx context.Context, c transport.Call) (string, error) {
	f.lastCall = c
	return f.callFn(c)
}

func (f *fakeCluster) Ping(ctx context.Context, peer string) error {
	return f.pingErr
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func markCriticalHealthy() {
	metrics.UpdateComponent(metrics.ComponentRegistry, true, "")
	metrics.UpdateComponent(metrics.ComponentHeartbeat, true, "")
	metrics.UpdateComponent(metrics.ComponentTransport, true, "")
}

func TestHealthAndReady(t *testing.T) {
	markCriticalHealthy()

	tests := []struct {
		name       string
		cluster    *fakeCluster
		path       string
		wantStatus int
		wantBody   string
	}{
		{"health up", &fakeCluster{self: &types.ManagementServerNode{MsID: 1}}, "/health", http.StatusOK, `"status":"healthy"`},
		{"health isolated", &fakeCluster{self: &types.ManagementServerNode{MsID: 1}, state: types.LocalStateIsolated}, "/health", http.StatusServiceUnavailable, "isolated"},
		{"ready", &fakeCluster{self: &types.ManagementServerNode{MsID: 1}}, "/ready", http.StatusOK, `"status":"ready"`},
		{"not registered", &fakeCluster{}, "/ready", http.StatusServiceUnavailable, "not registered"},
		{"ready isolated", &fakeCluster{self: &types.ManagementServerNode{MsID: 1}, state: types.LocalStateIsolated}, "/ready", http.StatusServiceUnavailable, "isolated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, NewServer(tt.cluster), http.MethodGet, tt.path, "")
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Contains(t, w.Body.String(), tt.wantBody)
		})
	}
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	w := do(t, NewServer(&fakeCluster{}), http.MethodPost, "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(&fakeCluster{})
	do(t, s, http.MethodGet, "/health", "")

	w := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mscluster_api_requests_total")
}

func TestListNodes(t *testing.T) {
	removed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	cluster := &fakeCluster{
		self: &types.ManagementServerNode{MsID: 1},
		nodes: []*types.ManagementServerNode{
			{MsID: 1, State: types.NodeStateUp},
			{MsID: 2, State: types.NodeStateDown, Removed: &removed},
		},
	}
	s := NewServer(cluster)

	w := do(t, s, http.MethodGet, "/nodes?all=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, cluster.lastAll)

	var resp NodesResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, int64(1), resp.Self)
	require.Len(t, resp.Nodes, 2)
	assert.True(t, resp.Nodes[1].IsRemoved())

	do(t, s, http.MethodGet, "/nodes", "")
	assert.False(t, cluster.lastAll)
}

func TestRemoveNode(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		err        error
		wantStatus int
	}{
		{"removed", "/nodes/2", nil, http.StatusNoContent},
		{"invalid msid", "/nodes/abc", nil, http.StatusBadRequest},
		{"unknown", "/nodes/9", storage.ErrNodeNotFound, http.StatusNotFound},
		{"still up", "/nodes/1", fmt.Errorf("management server 1: %w", manager.ErrNodeNotDown), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster := &fakeCluster{removeFn: func(msid int64) error { return tt.err }}
			w := do(t, NewServer(cluster), http.MethodDelete, tt.path, "")
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestExec(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{"success", `{"peer":"2","payload":"hi","dispatcher":"echo","agent_id":5,"stop_on_error":true,"timeout_ms":1500}`, nil, http.StatusOK},
		{"missing peer", `{"payload":"hi"}`, nil, http.StatusBadRequest},
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"peer down", `{"peer":"2"}`, transport.ErrPeerUnavailable, http.StatusServiceUnavailable},
		{"timeout", `{"peer":"2"}`, transport.ErrRequestTimeout, http.StatusGatewayTimeout},
		{"remote failure", `{"peer":"2"}`, &transport.RemoteError{Peer: "2", Message: "boom"}, http.StatusUnprocessableEntity},
		{"post failed", `{"peer":"2"}`, fmt.Errorf("connection refused"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster := &fakeCluster{callFn: func(c transport.Call) (string, error) {
				if tt.err != nil {
					return "", tt.err
				}
				return "result:" + c.Payload, nil
			}}
			w := do(t, NewServer(cluster), http.MethodPost, "/exec", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)

			if tt.wantStatus == http.StatusOK {
				var resp ExecResponse
				require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
				assert.Equal(t, "result:hi", resp.Result)
				assert.Equal(t, transport.Call{
					Peer: "2", AgentID: 5, Dispatcher: "echo", Payload: "hi", StopOnError: true, Timeout: 1500 * time.Millisecond,
				}, cluster.lastCall)
			} else if tt.err != nil {
				var resp ErrorResponse
				require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
				assert.NotEmpty(t, resp.Error)
			}
		})
	}
}

func TestPing(t *testing.T) {
	s := NewServer(&fakeCluster{})
	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodPost, "/ping", `{"peer":"2"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/ping", `{}`).Code)

	s = NewServer(&fakeCluster{pingErr: transport.ErrPeerUnavailable})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodPost, "/ping", `{"peer":"2"}`).Code)
}

func TestUnknownRoute(t *testing.T) {
	w := do(t, NewServer(&fakeCluster{}), http.MethodGet, "/services", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
