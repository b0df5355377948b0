package storage

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/mscluster/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T) Store

func newTestBoltStore(t *testing.T) Store {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestBadgerStore(t *testing.T) Store {
	store, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// startRegistry serves backing over an in-memory listener and returns a connected client
func startRegistry(t *testing.T, backing Store, opts RegistryServerOptions) *RemoteStore {
	lis := bufconn.Listen(1 << 20)
	srv := NewRegistryServer(backing, opts)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := NewRemoteStore("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestRemoteStore(t *testing.T) Store {
	return startRegistry(t, newTestBoltStore(t), RegistryServerOptions{})
}

var backends = map[string]storeFactory{
	BackendBolt:   newTestBoltStore,
	BackendBadger: newTestBadgerStore,
	BackendRemote: newTestRemoteStore,
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store Store)) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func testNode(msid, runID int64, at time.Time) *types.ManagementServerNode {
	return &types.ManagementServerNode{
		MsID:        msid,
		RunID:       runID,
		Name:        "ms-" + types.PeerNameOf(msid),
		ServiceIP:   "127.0.0.1",
		ServicePort: 9090,
		Version:     "4.19.0",
		LastUpdate:  at,
	}
}

func TestRegisterNode(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		row, err := store.RegisterNode(ctx, testNode(1, 100, baseTime))
		require.NoError(t, err)
		assert.Equal(t, int64(100), row.RunID)
		assert.Equal(t, types.NodeStateUp, row.State)
		assert.True(t, row.Created.Equal(baseTime))

		// A stale RunID is bumped past the stored one
		row, err = store.RegisterNode(ctx, testNode(1, 50, baseTime.Add(time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, int64(101), row.RunID)
		assert.True(t, row.Created.Equal(baseTime), "created is kept across registrations")

		row, err = store.RegisterNode(ctx, testNode(1, 500, baseTime.Add(2*time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, int64(500), row.RunID)

		got, err := store.GetNode(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(500), got.RunID)
		assert.Equal(t, "ms-1", got.Name)
		assert.Equal(t, "127.0.0.1:9090", got.ServiceAddr())
	})
}

func TestRegisterNode_Invalid(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		_, err := store.RegisterNode(context.Background(), testNode(0, 1, baseTime))
		assert.ErrorIs(t, err, ErrInvalidNode)
	})
}

func TestGetNode_NotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		_, err := store.GetNode(context.Background(), 42)
		assert.ErrorIs(t, err, ErrNodeNotFound)
	})
}

func TestUpdateHeartbeat(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		_, err := store.RegisterNode(ctx, testNode(1, 100, baseTime))
		require.NoError(t, err)

		tests := []struct {
			name     string
			msid     int64
			runID    int64
			at       time.Time
			affected int
			want     time.Time
		}{
			{"current run", 1, 100, baseTime.Add(2 * time.Second), 1, baseTime.Add(2 * time.Second)},
			{"older timestamp keeps last update", 1, 100, baseTime.Add(time.Second), 1, baseTime.Add(2 * time.Second)},
			{"superseded run", 1, 99, baseTime.Add(3 * time.Second), 0, baseTime.Add(2 * time.Second)},
			{"unknown node", 7, 100, baseTime.Add(3 * time.Second), 0, baseTime.Add(2 * time.Second)},
		}

		for _, tt := range tests {
			n, err := store.UpdateHeartbeat(ctx, tt.msid, tt.runID, tt.at)
			require.NoError(t, err, tt.name)
			assert.Equal(t, tt.affected, n, tt.name)

			got, err := store.GetNode(ctx, 1)
			require.NoError(t, err)
			assert.True(t, got.LastUpdate.Equal(tt.want), "%s: last update %v", tt.name, got.LastUpdate)
		}

		// Once marked Down the node can no longer heartbeat
		n, err := store.TransitionState(ctx, 1, 100, types.NodeStateUp, types.NodeStateDown)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		n, err = store.UpdateHeartbeat(ctx, 1, 100, baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestTransitionState(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		_, err := store.RegisterNode(ctx, testNode(1, 100, baseTime))
		require.NoError(t, err)

		n, err := store.TransitionState(ctx, 1, 99, types.NodeStateUp, types.NodeStateDown)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "wrong run id does not match")

		n, err = store.TransitionState(ctx, 1, 100, types.NodeStateUp, types.NodeStateDown)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = store.TransitionState(ctx, 1, 100, types.NodeStateUp, types.NodeStateDown)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "second transition loses")

		got, err := store.GetNode(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, types.NodeStateDown, got.State)
	})
}

func TestTransitionState_ConcurrentScanners(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		_, err := store.RegisterNode(ctx, testNode(1, 100, baseTime))
		require.NoError(t, err)

		const scanners = 12
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < scanners; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := store.TransitionState(ctx, 1, 100, types.NodeStateUp, types.NodeStateDown)
				assert.NoError(t, err)
				mu.Lock()
				wins += n
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins, "exactly one scanner wins the transition")
	})
}

func TestListActiveInactive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		cutoff := baseTime

		for _, n := range []*types.ManagementServerNode{
			testNode(1, 1, cutoff.Add(time.Second)),       // fresh
			testNode(2, 1, cutoff),                        // exactly at cutoff
			testNode(3, 1, cutoff.Add(-time.Millisecond)), // stale
			testNode(4, 1, cutoff.Add(-time.Hour)),        // stale, will be Down
		} {
			_, err := store.RegisterNode(ctx, n)
			require.NoError(t, err)
		}
		_, err := store.TransitionState(ctx, 4, 1, types.NodeStateUp, types.NodeStateDown)
		require.NoError(t, err)

		active, err := store.ListActive(ctx, cutoff)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{1, 2}, msids(active))

		inactive, err := store.ListInactive(ctx, cutoff)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{3}, msids(inactive))
	})
}

func TestIncrementAlertCount(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		_, err := store.RegisterNode(ctx, testNode(1, 1, baseTime))
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			n, err := store.IncrementAlertCount(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		}

		// Alert count survives a restart
		row, err := store.RegisterNode(ctx, testNode(1, 2, baseTime.Add(time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, 3, row.AlertCount)

		n, err := store.IncrementAlertCount(ctx, 99)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestRemoveNode(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		_, err := store.RegisterNode(ctx, testNode(1, 1, baseTime))
		require.NoError(t, err)
		_, err = store.RegisterNode(ctx, testNode(2, 1, baseTime))
		require.NoError(t, err)

		n, err := store.RemoveNode(ctx, 1, baseTime)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "live nodes cannot be removed")

		_, err = store.TransitionState(ctx, 1, 1, types.NodeStateUp, types.NodeStateDown)
		require.NoError(t, err)

		n, err = store.RemoveNode(ctx, 1, baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = store.RemoveNode(ctx, 1, baseTime.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 0, n, "already removed")

		_, err = store.RemoveNode(ctx, 9, baseTime)
		assert.ErrorIs(t, err, ErrNodeNotFound)

		live, err := store.ListNodes(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, msids(live))

		all, err := store.ListNodes(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, msids(all))
		require.NotNil(t, all[0].Removed)
		assert.True(t, all[0].Removed.Equal(baseTime.Add(time.Minute)))

		// Registering again brings the node back
		row, err := store.RegisterNode(ctx, testNode(1, 5, baseTime.Add(time.Hour)))
		require.NoError(t, err)
		assert.Nil(t, row.Removed)
		assert.Equal(t, types.NodeStateUp, row.State)
	})
}

func TestPeerStates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		views := []*types.PeerState{
			{OwnerMsID: 1, PeerMsID: 2, PeerRunID: 20, PeerState: types.NodeStateDown, LastUpdate: baseTime},
			{OwnerMsID: 1, PeerMsID: 3, PeerRunID: 30, PeerState: types.NodeStateUp, LastUpdate: baseTime},
			{OwnerMsID: 3, PeerMsID: 2, PeerRunID: 20, PeerState: types.NodeStateDown, LastUpdate: baseTime},
			{OwnerMsID: 4, PeerMsID: 2, PeerRunID: 19, PeerState: types.NodeStateDown, LastUpdate: baseTime},
		}
		for _, ps := range views {
			require.NoError(t, store.UpdatePeerState(ctx, ps))
		}

		owned, err := store.ListPeerStates(ctx, 1)
		require.NoError(t, err)
		require.Len(t, owned, 2)
		assert.Equal(t, int64(2), owned[0].PeerMsID)
		assert.Equal(t, int64(3), owned[1].PeerMsID)

		count, err := store.CountStateSeenInPeers(ctx, 2, 20, types.NodeStateDown)
		require.NoError(t, err)
		assert.Equal(t, 2, count, "views of an older run do not count")

		// Overwrite the owner's view
		require.NoError(t, store.UpdatePeerState(ctx, &types.PeerState{
			OwnerMsID: 1, PeerMsID: 2, PeerRunID: 20, PeerState: types.NodeStateUp, LastUpdate: baseTime.Add(time.Second),
		}))
		count, err = store.CountStateSeenInPeers(ctx, 2, 20, types.NodeStateDown)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		cleared, err := store.ClearPeerStates(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, 1, cleared)

		count, err = store.CountStateSeenInPeers(ctx, 2, 20, types.NodeStateDown)
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		owned, err = store.ListPeerStates(ctx, 3)
		require.NoError(t, err)
		assert.Empty(t, owned)
	})
}

func TestRemoteStore_ReadOnly(t *testing.T) {
	backing := newTestBoltStore(t)
	_, err := backing.RegisterNode(context.Background(), testNode(1, 1, baseTime))
	require.NoError(t, err)

	client := startRegistry(t, backing, RegistryServerOptions{ReadOnly: true})
	ctx := context.Background()

	nodes, err := client.ListNodes(ctx, false)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	_, err = client.UpdateHeartbeat(ctx, 1, 1, baseTime.Add(time.Second))
	assert.ErrorIs(t, err, ErrReadOnly)

	_, err = client.RegisterNode(ctx, testNode(2, 1, baseTime))
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestIsReadOnlyOp(t *testing.T) {
	tests := []struct {
		op   string
		want bool
	}{
		{OpListNodes, true},
		{OpGetNode, true},
		{OpCountStateSeenInPeers, true},
		{OpRegisterNode, false},
		{OpTransitionState, false},
		{OpClearPeerStates, false},
		{"drop_everything", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsReadOnlyOp(tt.op), tt.op)
	}
}

func TestOpen(t *testing.T) {
	store, err := Open(Options{Backend: BackendBolt, DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, store)
	require.NoError(t, store.Close())

	_, err = Open(Options{Backend: BackendRemote})
	assert.Error(t, err)

	_, err = Open(Options{Backend: "etcd"})
	assert.Error(t, err)
}

func msids(nodes []*types.ManagementServerNode) []int64 {
	ids := make([]int64, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.MsID)
	}
	return ids
}
