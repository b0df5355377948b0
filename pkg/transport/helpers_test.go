package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/mscluster/pkg/dispatch"
	"github.com/cuemby/mscluster/pkg/types"
	"github.com/stretchr/testify/require"
)

// staticResolver resolves peers from an in-memory table
type staticResolver struct {
	mu    sync.RWMutex
	nodes map[string]*types.ManagementServerNode
}

func newStaticResolver() *staticResolver {
	return &staticResolver{nodes: make(map[string]*types.ManagementServerNode)}
}

func (r *staticResolver) add(msid int64, addr net.Addr) {
	tcp := addr.(*net.TCPAddr)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[types.PeerNameOf(msid)] = &types.ManagementServerNode{
		MsID:        msid,
		RunID:       1,
		ServiceIP:   tcp.IP.String(),
		ServicePort: tcp.Port,
		State:       types.NodeStateUp,
	}
}

func (r *staticResolver) ResolvePeer(ctx context.Context, peer string) (*types.ManagementServerNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[peer]
	if !ok || !node.IsLive() {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnavailable, peer)
	}
	return node, nil
}

func (r *staticResolver) LivePeers(ctx context.Context) ([]*types.ManagementServerNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var nodes []*types.ManagementServerNode
	for _, n := range r.nodes {
		if n.IsLive() {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

// observerFunc adapts a function into a PeerObserver
type observerFunc func(ctx context.Context, peer string)

func (f observerFunc) ObservePeer(ctx context.Context, peer string) { f(ctx, peer) }

type peerOptions struct {
	observer       PeerObserver
	requestTimeout time.Duration
	workers        int
}

// startPeer starts a transport for msid listening on loopback and adds it to res
func startPeer(t *testing.T, res *staticResolver, msid int64, registry *dispatch.Registry, opts peerOptions) *Transport {
	t.Helper()
	if opts.requestTimeout == 0 {
		opts.requestTimeout = 5 * time.Second
	}
	if opts.workers == 0 {
		opts.workers = 4
	}
	tr, err := New(Config{
		Self:              types.PeerNameOf(msid),
		Resolver:          res,
		Dispatcher:        registry,
		Observer:          opts.observer,
		DefaultDispatcher: "echo",
		RequestTimeout:    opts.requestTimeout,
		PingTimeout:       time.Second,
		Workers:           opts.workers,
	})
	require.NoError(t, err)
	require.NoError(t, tr.Start("127.0.0.1:0"))
	res.add(msid, tr.Addr())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tr.Stop(ctx)
	})
	return tr
}

// echoRegistry answers "<self>:<payload>" on the "echo" dispatcher
func echoRegistry(t *testing.T, self string) *dispatch.Registry {
	registry := dispatch.NewRegistry()
	require.NoError(t, registry.Register(dispatch.NewDispatcherFunc("echo", func(ctx context.Context, pdu *types.ClusterServicePdu) (string, error) {
		return self + ":" + pdu.Package, nil
	})))
	return registry
}
