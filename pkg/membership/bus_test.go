package membership

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/mscluster/pkg/events"
	"github.com/cuemby/mscluster/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodes(ids ...int64) []*types.ManagementServerNode {
	var out []*types.ManagementServerNode
	for _, id := range ids {
		out = append(out, &types.ManagementServerNode{MsID: id, RunID: 1, State: types.NodeStateUp})
	}
	return out
}

type recorder struct {
	joined   [][]int64
	left     [][]int64
	self     []int64
	isolated int
}

func (r *recorder) listener(name string) Listener {
	ids := func(ns []*types.ManagementServerNode) []int64 {
		var out []int64
		for _, n := range ns {
			out = append(out, n.MsID)
		}
		return out
	}
	return Listener{
		Name: name,
		OnNodeJoined: func(ctx context.Context, ns []*types.ManagementServerNode, self int64) error {
			r.joined = append(r.joined, ids(ns))
			r.self = append(r.self, self)
			return nil
		},
		OnNodeLeft: func(ctx context.Context, ns []*types.ManagementServerNode, self int64) error {
			r.left = append(r.left, ids(ns))
			r.self = append(r.self, self)
			return nil
		},
		OnNodeIsolated: func(ctx context.Context) error {
			r.isolated++
			return nil
		},
	}
}

func TestBus_Notify(t *testing.T) {
	bus := NewBus(nil)
	rec := &recorder{}
	bus.Register(rec.listener("recorder"))

	ctx := context.Background()
	bus.NotifyNodeJoined(ctx, nodes(2, 3), 1)
	bus.NotifyNodeLeft(ctx, nodes(3), 1)
	bus.NotifyNodeIsolated(ctx, 1)

	assert.Equal(t, [][]int64{{2, 3}}, rec.joined)
	assert.Equal(t, [][]int64{{3}}, rec.left)
	assert.Equal(t, []int64{1, 1}, rec.self)
	assert.Equal(t, 1, rec.isolated)
}

func TestBus_EmptyListsAreNotDelivered(t *testing.T) {
	bus := NewBus(nil)
	rec := &recorder{}
	bus.Register(rec.listener("recorder"))

	bus.NotifyNodeJoined(context.Background(), nil, 1)
	bus.NotifyNodeLeft(context.Background(), nil, 1)

	assert.Empty(t, rec.joined)
	assert.Empty(t, rec.left)
}

func TestBus_FailingListenersDoNotStopOthers(t *testing.T) {
	bus := NewBus(nil)

	bus.Register(Listener{
		Name: "erroring",
		OnNodeLeft: func(ctx context.Context, ns []*types.ManagementServerNode, self int64) error {
			return errors.New("release failed")
		},
		OnNodeIsolated: func(ctx context.Context) error {
			return errors.New("release failed")
		},
	})
	bus.Register(Listener{
		Name: "panicking",
		OnNodeLeft: func(ctx context.Context, ns []*types.ManagementServerNode, self int64) error {
			panic("boom")
		},
		OnNodeIsolated: func(ctx context.Context) error {
			panic("boom")
		},
	})
	rec := &recorder{}
	bus.Register(rec.listener("recorder"))

	require.NotPanics(t, func() {
		bus.NotifyNodeLeft(context.Background(), nodes(2), 1)
		bus.NotifyNodeIsolated(context.Background(), 1)
	})

	assert.Equal(t, [][]int64{{2}}, rec.left)
	assert.Equal(t, 1, rec.isolated)
}

func TestBus_Unregister(t *testing.T) {
	bus := NewBus(nil)
	first := &recorder{}
	second := &recorder{}

	h1 := bus.Register(first.listener("first"))
	bus.Register(second.listener("second"))
	assert.Equal(t, 2, bus.Len())

	assert.True(t, bus.Unregister(h1))
	assert.False(t, bus.Unregister(h1), "second unregister is a no-op")
	assert.Equal(t, 1, bus.Len())

	bus.NotifyNodeJoined(context.Background(), nodes(5), 1)
	assert.Empty(t, first.joined)
	assert.Equal(t, [][]int64{{5}}, second.joined)
}

func TestBus_RegisterFromCallback(t *testing.T) {
	bus := NewBus(nil)
	late := &recorder{}

	bus.Register(Listener{
		Name: "registrar",
		OnNodeJoined: func(ctx context.Context, ns []*types.ManagementServerNode, self int64) error {
			bus.Register(late.listener("late"))
			return nil
		},
	})

	bus.NotifyNodeJoined(context.Background(), nodes(2), 1)
	assert.Empty(t, late.joined, "listeners added during delivery only see later events")

	bus.NotifyNodeLeft(context.Background(), nodes(2), 1)
	assert.Equal(t, [][]int64{{2}}, late.left)
}

func TestBus_MirrorsToBroker(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	bus := NewBus(broker)
	bus.NotifyNodeJoined(context.Background(), nodes(2, 3), 1)

	select {
	case event := <-sub:
		assert.Equal(t, events.EventNodeJoined, event.Type)
		assert.Equal(t, "2,3", event.Metadata["nodes"])
		assert.Equal(t, "1", event.Metadata["self"])
		assert.NotEmpty(t, event.ID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for membership event")
	}
}
