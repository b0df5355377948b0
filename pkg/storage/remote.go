package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/mscluster/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// ErrReadOnly is returned when a mutating operation reaches a read-only registry server
var ErrReadOnly = errors.New("registry is read-only")

// RemoteStore implements Store by forwarding every operation to a RegistryServer
type RemoteStore struct {
	conn *grpc.ClientConn
}

// NewRemoteStore connects to the registry server at addr.
// Extra dial options are appended after the defaults.
func NewRemoteStore(addr string, opts ...grpc.DialOption) (*RemoteStore, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to registry %s: %w", addr, err)
	}
	return &RemoteStore{conn: conn}, nil
}

// Close closes the connection to the registry server
func (s *RemoteStore) Close() error {
	return s.conn.Close()
}

// apply sends one command and decodes the result data into out (if non-nil)
func (s *RemoteStore) apply(ctx context.Context, op string, data, out interface{}) (int, error) {
	cmd, err := newCommand(op, data)
	if err != nil {
		return 0, err
	}
	var res Result
	if err := s.conn.Invoke(ctx, applyMethod, cmd, &res); err != nil {
		return 0, fromStatus(op, err)
	}
	if out != nil && len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, out); err != nil {
			return 0, fmt.Errorf("failed to decode %s result: %w", op, err)
		}
	}
	return res.Affected, nil
}

// fromStatus maps gRPC status codes back onto the package's sentinel errors
func fromStatus(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("registry %s failed: %w", op, err)
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrNodeNotFound, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidNode, st.Message())
	case codes.PermissionDenied:
		return fmt.Errorf("%w: %s", ErrReadOnly, st.Message())
	case codes.Canceled:
		return fmt.Errorf("registry %s: %w", op, context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("registry %s: %w", op, context.DeadlineExceeded)
	default:
		return fmt.Errorf("registry %s failed: %w", op, err)
	}
}

// Management server operations
func (s *RemoteStore) RegisterNode(ctx context.Context, node *types.ManagementServerNode) (*types.ManagementServerNode, error) {
	if err := validateNode(node); err != nil {
		return nil, err
	}
	var row types.ManagementServerNode
	if _, err := s.apply(ctx, OpRegisterNode, node, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *RemoteStore) GetNode(ctx context.Context, msid int64) (*types.ManagementServerNode, error) {
	var node types.ManagementServerNode
	if _, err := s.apply(ctx, OpGetNode, rowArgs{MsID: msid}, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *RemoteStore) listNodes(ctx context.Context, op string, args rowArgs) ([]*types.ManagementServerNode, error) {
	var nodes []*types.ManagementServerNode
	if _, err := s.apply(ctx, op, args, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *RemoteStore) ListNodes(ctx context.Context, includeRemoved bool) ([]*types.ManagementServerNode, error) {
	return s.listNodes(ctx, OpListNodes, rowArgs{IncludeRemoved: includeRemoved})
}

func (s *RemoteStore) UpdateHeartbeat(ctx context.Context, msid, runID int64, at time.Time) (int, error) {
	return s.apply(ctx, OpUpdateHeartbeat, rowArgs{MsID: msid, RunID: runID, At: at}, nil)
}

func (s *RemoteStore) TransitionState(ctx context.Context, msid, runID int64, from, to types.NodeState) (int, error) {
	return s.apply(ctx, OpTransitionState, rowArgs{MsID: msid, RunID: runID, From: from, To: to}, nil)
}

func (s *RemoteStore) ListActive(ctx context.Context, cutoff time.Time) ([]*types.ManagementServerNode, error) {
	return s.listNodes(ctx, OpListActive, rowArgs{At: cutoff})
}

func (s *RemoteStore) ListInactive(ctx context.Context, cutoff time.Time) ([]*types.ManagementServerNode, error) {
	return s.listNodes(ctx, OpListInactive, rowArgs{At: cutoff})
}

func (s *RemoteStore) IncrementAlertCount(ctx context.Context, msid int64) (int, error) {
	return s.apply(ctx, OpIncrementAlertCount, rowArgs{MsID: msid}, nil)
}

func (s *RemoteStore) RemoveNode(ctx context.Context, msid int64, at time.Time) (int, error) {
	return s.apply(ctx, OpRemoveNode, rowArgs{MsID: msid, At: at}, nil)
}

// Peer state operations
func (s *RemoteStore) UpdatePeerState(ctx context.Context, ps *types.PeerState) error {
	_, err := s.apply(ctx, OpUpdatePeerState, ps, nil)
	return err
}

func (s *RemoteStore) ListPeerStates(ctx context.Context, ownerMsID int64) ([]*types.PeerState, error) {
	var peers []*types.PeerState
	if _, err := s.apply(ctx, OpListPeerStates, rowArgs{MsID: ownerMsID}, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

func (s *RemoteStore) ClearPeerStates(ctx context.Context, ownerMsID int64) (int, error) {
	return s.apply(ctx, OpClearPeerStates, rowArgs{MsID: ownerMsID}, nil)
}

func (s *RemoteStore) CountStateSeenInPeers(ctx context.Context, msid, runID int64, state types.NodeState) (int, error) {
	return s.apply(ctx, OpCountStateSeenInPeers, rowArgs{MsID: msid, RunID: runID, State: state}, nil)
}
