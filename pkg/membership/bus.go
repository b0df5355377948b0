package membership

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/mscluster/pkg/events"
	"github.com/cuemby/mscluster/pkg/log"
	"github.com/cuemby/mscluster/pkg/metrics"
	"github.com/cuemby/mscluster/pkg/types"
	"github.com/rs/zerolog"
)

// NodesFunc receives the nodes that joined or left, and the local MsID
type NodesFunc func(ctx context.Context, nodes []*types.ManagementServerNode, selfMsID int64) error

// Listener reacts to membership changes. Any callback may be nil.
type Listener struct {
	// Name identifies the listener in logs
	Name string

	OnNodeJoined   NodesFunc
	OnNodeLeft     NodesFunc
	OnNodeIsolated func(ctx context.Context) error
}

// Handle identifies a registered listener
type Handle uint64

type registration struct {
	handle   Handle
	listener Listener
}

// Bus delivers membership notifications to registered listeners.
// Delivery is synchronous: Notify* returns once every listener has run.
type Bus struct {
	mu        sync.RWMutex
	next      Handle
	listeners []registration
	broker    *events.Broker
	logger    zerolog.Logger
}

// NewBus creates a bus. Notifications are mirrored to broker when it is not nil.
func NewBus(broker *events.Broker) *Bus {
	return &Bus{
		broker: broker,
		logger: log.WithComponent("membership"),
	}
}

// Register adds a listener and returns the handle used to remove it
func (b *Bus) Register(l Listener) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	b.listeners = append(b.listeners, registration{handle: b.next, listener: l})
	return b.next
}

// Unregister removes a listener. It reports whether the handle was registered.
func (b *Bus) Unregister(h Handle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, r := range b.listeners {
		if r.handle == h {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered listeners
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

func (b *Bus) snapshot() []registration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]registration(nil), b.listeners...)
}

// NotifyNodeJoined tells every listener that nodes joined the cluster
func (b *Bus) NotifyNodeJoined(ctx context.Context, nodes []*types.ManagementServerNode, selfMsID int64) {
	if len(nodes) == 0 {
		return
	}
	b.publish(events.EventNodeJoined, nodes, selfMsID)
	for _, r := range b.snapshot() {
		if r.listener.OnNodeJoined == nil {
			continue
		}
		fn := r.listener.OnNodeJoined
		b.invoke(r, "joined", func() error { return fn(ctx, nodes, selfMsID) })
	}
}

// NotifyNodeLeft tells every listener that nodes left the cluster
func (b *Bus) NotifyNodeLeft(ctx context.Context, nodes []*types.ManagementServerNode, selfMsID int64) {
	if len(nodes) == 0 {
		return
	}
	b.publish(events.EventNodeLeft, nodes, selfMsID)
	for _, r := range b.snapshot() {
		if r.listener.OnNodeLeft == nil {
			continue
		}
		fn := r.listener.OnNodeLeft
		b.invoke(r, "left", func() error { return fn(ctx, nodes, selfMsID) })
	}
}

// NotifyNodeIsolated tells every listener that this node has isolated itself
func (b *Bus) NotifyNodeIsolated(ctx context.Context, selfMsID int64) {
	b.publish(events.EventNodeIsolated, nil, selfMsID)
	for _, r := range b.snapshot() {
		if r.listener.OnNodeIsolated == nil {
			continue
		}
		fn := r.listener.OnNodeIsolated
		b.invoke(r, "isolated", func() error { return fn(ctx) })
	}
}

// invoke runs one callback; failures are logged and never reach other listeners
func (b *Bus) invoke(r registration, event string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error().
				Str("listener", r.listener.Name).
				Str("event", event).
				Interface("panic", p).
				Msg("Membership listener panicked")
		}
	}()

	if err := fn(); err != nil {
		b.logger.Warn().
			Err(err).
			Str("listener", r.listener.Name).
			Str("event", event).
			Msg("Membership listener failed")
	}
}

func (b *Bus) publish(eventType events.EventType, nodes []*types.ManagementServerNode, selfMsID int64) {
	metrics.MembershipEvents.WithLabelValues(string(eventType)).Inc()
	if b.broker == nil {
		return
	}
	b.broker.Publish(&events.Event{
		Type:    eventType,
		Message: describe(eventType, nodes),
		Metadata: map[string]string{
			"self":  strconv.FormatInt(selfMsID, 10),
			"nodes": peerNames(nodes),
		},
	})
}

func describe(eventType events.EventType, nodes []*types.ManagementServerNode) string {
	switch eventType {
	case events.EventNodeJoined:
		return fmt.Sprintf("%d management server(s) joined: %s", len(nodes), peerNames(nodes))
	case events.EventNodeLeft:
		return fmt.Sprintf("%d management server(s) left: %s", len(nodes), peerNames(nodes))
	default:
		return "local management server isolated"
	}
}

func peerNames(nodes []*types.ManagementServerNode) string {
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.PeerName())
	}
	return strings.Join(names, ",")
}
