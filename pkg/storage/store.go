package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/mscluster/pkg/types"
)

var (
	// ErrNodeNotFound is returned when no registry row exists for a management server id
	ErrNodeNotFound = errors.New("management server not found")
	// ErrInvalidNode is returned when a node cannot be registered
	ErrInvalidNode = errors.New("invalid management server")
)

// Store defines the peer registry shared by every management server.
// Guarded updates report the number of rows they changed: zero means the
// guard no longer matched (another node won the race) and is not an error.
type Store interface {
	// Management servers
	RegisterNode(ctx context.Context, node *types.ManagementServerNode) (*types.ManagementServerNode, error)
	GetNode(ctx context.Context, msid int64) (*types.ManagementServerNode, error)
	ListNodes(ctx context.Context, includeRemoved bool) ([]*types.ManagementServerNode, error)
	UpdateHeartbeat(ctx context.Context, msid, runID int64, at time.Time) (int, error)
	TransitionState(ctx context.Context, msid, runID int64, from, to types.NodeState) (int, error)
	ListActive(ctx context.Context, cutoff time.Time) ([]*types.ManagementServerNode, error)
	ListInactive(ctx context.Context, cutoff time.Time) ([]*types.ManagementServerNode, error)
	IncrementAlertCount(ctx context.Context, msid int64) (int, error)
	RemoveNode(ctx context.Context, msid int64, at time.Time) (int, error)

	// Peer views
	UpdatePeerState(ctx context.Context, ps *types.PeerState) error
	ListPeerStates(ctx context.Context, ownerMsID int64) ([]*types.PeerState, error)
	ClearPeerStates(ctx context.Context, ownerMsID int64) (int, error)
	CountStateSeenInPeers(ctx context.Context, msid, runID int64, state types.NodeState) (int, error)

	// Utility
	Close() error
}

// Registry backends
const (
	BackendBolt   = "bolt"
	BackendBadger = "badger"
	BackendRemote = "remote"
)

// Options selects and configures a registry backend
type Options struct {
	Backend      string
	DataDir      string
	RegistryAddr string
}

// Open opens the registry backend described by opts
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case BackendBolt, "":
		return NewBoltStore(opts.DataDir)
	case BackendBadger:
		return NewBadgerStore(opts.DataDir)
	case BackendRemote:
		if opts.RegistryAddr == "" {
			return nil, errors.New("remote registry backend requires a registry address")
		}
		return NewRemoteStore(opts.RegistryAddr)
	default:
		return nil, fmt.Errorf("unknown registry backend %q", opts.Backend)
	}
}
