package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/mscluster/pkg/dispatch"
	"github.com/cuemby/mscluster/pkg/heartbeat"
	"github.com/cuemby/mscluster/pkg/membership"
	"github.com/cuemby/mscluster/pkg/storage"
	"github.com/cuemby/mscluster/pkg/transport"
	"github.com/cuemby/mscluster/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type cluster struct {
	store storage.Store
	clock *clock.Mock
}

func newCluster(t *testing.T) *cluster {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mock := clock.NewMock()
	mock.Set(testStart)
	return &cluster{store: store, clock: mock}
}

func (c *cluster) manager(t *testing.T, msid int64) *Manager {
	m, err := NewManager(&Config{
		MsID:           msid,
		Version:        "test",
		ServiceIP:      "127.0.0.1",
		Heartbeat:      heartbeat.Config{Interval: time.Second, Threshold: 10 * time.Second},
		RequestTimeout: 5 * time.Second,
		Store:          c.store,
		Clock:          c.clock,
		Exit: func(code int) {
			t.Errorf("management server %d fenced itself with status %d", msid, code)
		},
	})
	require.NoError(t, err)
	return m
}

func (c *cluster) start(t *testing.T, msid int64) *Manager {
	m := c.manager(t, msid)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

func TestNewManager_Validation(t *testing.T) {
	c := newCluster(t)

	_, err := NewManager(&Config{MsID: 0, Store: c.store})
	assert.Error(t, err)

	_, err = NewManager(&Config{MsID: 1})
	assert.Error(t, err)

	m, err := NewManager(&Config{MsID: 1, Store: c.store})
	require.NoError(t, err)
	assert.Nil(t, m.Self())
	assert.Equal(t, "ms-1", m.cfg.Name)
	assert.Equal(t, PingDispatcher, m.cfg.DefaultDispatcher)
}

func TestStart_RegistersNewRun(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()

	first := c.manager(t, 1)
	require.NoError(t, first.Start(ctx))
	run1 := first.Self()
	require.NotNil(t, run1)
	assert.Equal(t, types.NodeStateUp, run1.State)
	assert.NotZero(t, run1.ServicePort, "a free port is recorded in the registry")
	assert.Error(t, first.Start(ctx), "a manager starts once")

	require.NoError(t, first.Stop(ctx))
	require.NoError(t, first.Stop(ctx))

	row, err := c.store.GetNode(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStateDown, row.State, "a clean stop leaves the cluster")

	second := c.start(t, 1)
	run2 := second.Self()
	assert.Greater(t, run2.RunID, run1.RunID)
	assert.Equal(t, types.NodeStateUp, run2.State)
}

func TestTwoNodes_ExecuteAndCall(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	m1 := c.start(t, 1)
	m2 := c.start(t, 2)

	result, err := m1.Execute(ctx, "2", 42, "hello", false)
	require.NoError(t, err)
	assert.Equal(t, "pong", result)

	seen := make(chan *types.ClusterServicePdu, 1)
	require.NoError(t, m2.RegisterDispatcher(dispatch.NewDispatcherFunc("echo", func(ctx context.Context, pdu *types.ClusterServicePdu) (string, error) {
		seen <- pdu
		return "echo:" + pdu.Package, nil
	})))
	assert.ErrorIs(t, m2.RegisterDispatcher(dispatch.NewDispatcherFunc("echo", nil)), dispatch.ErrDuplicateDispatcher)

	result, err = m1.Call(ctx, transport.Call{Peer: "2", AgentID: 7, Dispatcher: "echo", Payload: "cmd", StopOnError: true})
	require.NoError(t, err)
	assert.Equal(t, "echo:cmd", result)
	got := <-seen
	assert.Equal(t, "1", got.SourcePeer)
	assert.Equal(t, int64(7), got.AgentID)
	assert.True(t, got.StopOnError)

	_, err = m1.Call(ctx, transport.Call{Peer: "2", Dispatcher: "missing", Payload: "cmd"})
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "unknown dispatcher")

	assert.True(t, m2.UnregisterDispatcher("echo"))
	require.NoError(t, m1.Ping(ctx, "2"))

	// Receiving a PDU refreshes the receiver's view of the sender
	views, err := c.store.ListPeerStates(ctx, 2)
	require.NoError(t, err)
	require.NotEmpty(t, views)
	assert.Equal(t, int64(1), views[0].PeerMsID)
	assert.Equal(t, m1.Self().RunID, views[0].PeerRunID)
	assert.Equal(t, types.NodeStateUp, views[0].PeerState)
}

func TestTwoNodes_Broadcast(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	m1 := c.start(t, 1)
	m2 := c.start(t, 2)

	// Broadcasts go to the default dispatcher
	received := make(chan *types.ClusterServicePdu, 1)
	require.True(t, m2.UnregisterDispatcher(PingDispatcher))
	require.NoError(t, m2.RegisterDispatcher(dispatch.NewDispatcherFunc(PingDispatcher, func(ctx context.Context, pdu *types.ClusterServicePdu) (string, error) {
		received <- pdu
		return "", nil
	})))

	results := m1.Broadcast(ctx, 3, "config-changed")
	require.Len(t, results, 1)
	assert.Equal(t, "2", results[0].Peer)
	assert.NoError(t, results[0].Err)

	select {
	case pdu := <-received:
		assert.Equal(t, types.PduTypeMessage, pdu.Type)
		assert.Equal(t, "config-changed", pdu.Package)
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast was not delivered")
	}
}

func TestStoppedPeerIsUnavailable(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	m1 := c.start(t, 1)
	m2 := c.manager(t, 2)
	require.NoError(t, m2.Start(ctx))
	require.NoError(t, m2.Stop(ctx))

	_, err := m1.Execute(ctx, "2", 0, "hello", false)
	assert.ErrorIs(t, err, transport.ErrPeerUnavailable)

	_, err = m1.Execute(ctx, "99", 0, "hello", false)
	assert.ErrorIs(t, err, transport.ErrPeerUnavailable)

	assert.Empty(t, m1.Broadcast(ctx, 0, "nobody listening"))
}

func TestRemoveNode(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	m1 := c.start(t, 1)
	m2 := c.manager(t, 2)
	require.NoError(t, m2.Start(ctx))
	require.NoError(t, m2.Stop(ctx))

	assert.ErrorIs(t, m1.RemoveNode(ctx, 1), ErrNodeNotDown)
	assert.ErrorIs(t, m1.RemoveNode(ctx, 99), storage.ErrNodeNotFound)
	require.NoError(t, m1.RemoveNode(ctx, 2))
	assert.ErrorIs(t, m1.RemoveNode(ctx, 2), ErrNodeNotDown, "removal happens once")

	visible, err := m1.ListNodes(ctx, false)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, int64(1), visible[0].MsID)

	all, err := m1.ListNodes(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = m1.ResolvePeer(ctx, "2")
	assert.ErrorIs(t, err, transport.ErrPeerUnavailable)
}

func TestMembershipListeners(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	m1 := c.start(t, 1)

	var mu sync.Mutex
	var joined, left []int64
	handle := m1.RegisterListener(membership.Listener{
		Name: "test",
		OnNodeJoined: func(ctx context.Context, nodes []*types.ManagementServerNode, selfMsID int64) error {
			mu.Lock()
			defer mu.Unlock()
			for _, n := range nodes {
				joined = append(joined, n.MsID)
			}
			return nil
		},
		OnNodeLeft: func(ctx context.Context, nodes []*types.ManagementServerNode, selfMsID int64) error {
			mu.Lock()
			defer mu.Unlock()
			for _, n := range nodes {
				left = append(left, n.MsID)
			}
			return nil
		},
	})

	m2 := c.manager(t, 2)
	require.NoError(t, m2.Start(ctx))
	require.NoError(t, m1.engine.ScanForDeadPeers(ctx))

	require.NoError(t, m2.Stop(ctx))
	require.NoError(t, m1.engine.ScanForDeadPeers(ctx))

	mu.Lock()
	assert.Equal(t, []int64{2}, joined)
	assert.Equal(t, []int64{2}, left)
	mu.Unlock()

	assert.True(t, m1.UnregisterListener(handle))
	assert.False(t, m1.UnregisterListener(handle))
}

func TestLivePeers(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	m1 := c.start(t, 1)
	c.start(t, 2)
	m3 := c.manager(t, 3)
	require.NoError(t, m3.Start(ctx))
	require.NoError(t, m3.Stop(ctx))

	live, err := m1.LivePeers(ctx)
	require.NoError(t, err)
	var ids []int64
	for _, n := range live {
		ids = append(ids, n.MsID)
	}
	assert.Equal(t, []int64{1, 2}, ids)
}

func TestNodeCounts(t *testing.T) {
	removed := testStart
	nodes := []*types.ManagementServerNode{
		{MsID: 1, State: types.NodeStateUp},
		{MsID: 2, State: types.NodeStateUp},
		{MsID: 3, State: types.NodeStateDown},
		{MsID: 4, State: types.NodeStateDown, Removed: &removed},
	}
	assert.Equal(t, map[string]int{"up": 2, "down": 1, "removed": 1}, nodeCounts(nodes))
	assert.Equal(t, map[string]int{"up": 0, "down": 0, "removed": 0}, nodeCounts(nil))
}
