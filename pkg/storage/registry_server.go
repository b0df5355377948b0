package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cuemby/mscluster/pkg/log"
	"github.com/cuemby/mscluster/pkg/metrics"
	"github.com/cuemby/mscluster/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	registryServiceName = "mscluster.registry.v1.Registry"
	applyMethod         = "/" + registryServiceName + "/Apply"
)

// registryService is the server side of the registry protocol
type registryService interface {
	Apply(ctx context.Context, cmd *Command) (*Result, error)
}

var registryServiceDesc = grpc.ServiceDesc{
	ServiceName: registryServiceName,
	HandlerType: (*registryService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Apply", Handler: applyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "registry",
}

func applyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Command)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(registryService).Apply(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: applyMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(registryService).Apply(ctx, req.(*Command))
	}
	return interceptor(ctx, in, info, handler)
}

// RegistryServerOptions configures a RegistryServer
type RegistryServerOptions struct {
	// ReadOnly rejects every mutating operation
	ReadOnly bool
}

// RegistryServer exposes a local Store to management servers on other hosts
type RegistryServer struct {
	store Store
	grpc  *grpc.Server
}

// NewRegistryServer creates a registry server backed by store
func NewRegistryServer(store Store, opts RegistryServerOptions) *RegistryServer {
	interceptors := []grpc.UnaryServerInterceptor{MetricsInterceptor()}
	if opts.ReadOnly {
		interceptors = append(interceptors, ReadOnlyInterceptor())
	}

	s := &RegistryServer{
		store: store,
		grpc:  grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...)),
	}
	s.grpc.RegisterService(&registryServiceDesc, s)
	return s
}

// Start listens on addr and serves until Stop is called
func (s *RegistryServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	logger := log.WithComponent("registry")
	logger.Info().Str("addr", lis.Addr().String()).Msg("Registry server listening")
	return s.Serve(lis)
}

// Serve serves registry requests on an existing listener
func (s *RegistryServer) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server
func (s *RegistryServer) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// Apply executes one registry command against the local store
func (s *RegistryServer) Apply(ctx context.Context, cmd *Command) (*Result, error) {
	res, err := s.apply(ctx, cmd)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s *RegistryServer) apply(ctx context.Context, cmd *Command) (*Result, error) {
	var args rowArgs

	switch cmd.Op {
	case OpRegisterNode:
		var node types.ManagementServerNode
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return nil, err
		}
		row, err := s.store.RegisterNode(ctx, &node)
		if err != nil {
			return nil, err
		}
		return resultWith(1, row)

	case OpUpdatePeerState:
		var ps types.PeerState
		if err := json.Unmarshal(cmd.Data, &ps); err != nil {
			return nil, err
		}
		if err := s.store.UpdatePeerState(ctx, &ps); err != nil {
			return nil, err
		}
		return &Result{Affected: 1}, nil
	}

	if err := json.Unmarshal(cmd.Data, &args); err != nil {
		return nil, err
	}

	switch cmd.Op {
	case OpGetNode:
		node, err := s.store.GetNode(ctx, args.MsID)
		if err != nil {
			return nil, err
		}
		return resultWith(1, node)

	case OpListNodes:
		nodes, err := s.store.ListNodes(ctx, args.IncludeRemoved)
		if err != nil {
			return nil, err
		}
		return resultWith(len(nodes), nodes)

	case OpListActive:
		nodes, err := s.store.ListActive(ctx, args.At)
		if err != nil {
			return nil, err
		}
		return resultWith(len(nodes), nodes)

	case OpListInactive:
		nodes, err := s.store.ListInactive(ctx, args.At)
		if err != nil {
			return nil, err
		}
		return resultWith(len(nodes), nodes)

	case OpUpdateHeartbeat:
		return affected(s.store.UpdateHeartbeat(ctx, args.MsID, args.RunID, args.At))

	case OpTransitionState:
		return affected(s.store.TransitionState(ctx, args.MsID, args.RunID, args.From, args.To))

	case OpIncrementAlertCount:
		return affected(s.store.IncrementAlertCount(ctx, args.MsID))

	case OpRemoveNode:
		return affected(s.store.RemoveNode(ctx, args.MsID, args.At))

	case OpListPeerStates:
		peers, err := s.store.ListPeerStates(ctx, args.MsID)
		if err != nil {
			return nil, err
		}
		return resultWith(len(peers), peers)

	case OpClearPeerStates:
		return affected(s.store.ClearPeerStates(ctx, args.MsID))

	case OpCountStateSeenInPeers:
		return affected(s.store.CountStateSeenInPeers(ctx, args.MsID, args.RunID, args.State))

	default:
		return nil, status.Errorf(codes.Unimplemented, "unknown registry operation: %s", cmd.Op)
	}
}

func resultWith(n int, v interface{}) (*Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Result{Affected: n, Data: data}, nil
}

func affected(n int, err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	return &Result{Affected: n}, nil
}

// toStatus maps store errors onto gRPC status codes the remote client understands
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrNodeNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrInvalidNode):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ReadOnlyInterceptor creates a gRPC unary interceptor that only allows read-only registry operations.
// It is used for registry replicas exposed to operators rather than to management servers.
func ReadOnlyInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		cmd, ok := req.(*Command)
		if !ok || !IsReadOnlyOp(cmd.Op) {
			op := "unknown"
			if ok {
				op = cmd.Op
			}
			return nil, status.Errorf(codes.PermissionDenied, "write operation %s not allowed on a read-only registry", op)
		}
		return handler(ctx, req)
	}
}

// MetricsInterceptor records the count and latency of every registry operation
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		op := info.FullMethod[strings.LastIndex(info.FullMethod, "/")+1:]
		if cmd, ok := req.(*Command); ok {
			op = cmd.Op
		}

		start := time.Now()
		resp, err := handler(ctx, req)
		metrics.RegistryRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		metrics.RegistryRequestsTotal.WithLabelValues(op, status.Code(err).String()).Inc()
		return resp, err
	}
}
