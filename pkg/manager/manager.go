package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/mscluster/pkg/dispatch"
	"github.com/cuemby/mscluster/pkg/events"
	"github.com/cuemby/mscluster/pkg/heartbeat"
	"github.com/cuemby/mscluster/pkg/log"
	"github.com/cuemby/mscluster/pkg/membership"
	"github.com/cuemby/mscluster/pkg/metrics"
	"github.com/cuemby/mscluster/pkg/storage"
	"github.com/cuemby/mscluster/pkg/transport"
	"github.com/cuemby/mscluster/pkg/types"
	"github.com/rs/zerolog"
)

// PingDispatcher is the name of the built-in diagnostic dispatcher
const PingDispatcher = "ping"

var (
	// ErrNotStarted is returned by operations that need a registered node
	ErrNotStarted = errors.New("manager not started")
	// ErrNodeNotDown is returned when removing a node that is still Up
	ErrNodeNotDown = errors.New("only Down management servers can be removed")
)

// Config holds configuration for creating a Manager
type Config struct {
	MsID        int64
	Name        string
	Version     string
	ServiceIP   string
	ServicePort int // 0 picks a free port at Start

	Heartbeat         heartbeat.Config
	RequestTimeout    time.Duration
	PingTimeout       time.Duration
	Workers           int
	DefaultDispatcher string
	CollectInterval   time.Duration

	Store  storage.Store
	Broker *events.Broker // optional: the manager creates and owns one when nil
	Clock  clock.Clock    // optional
	Exit   func(code int) // optional: called after self-fencing
}

// Manager represents one management server in the cluster
type Manager struct {
	cfg         Config
	store       storage.Store
	broker      *events.Broker
	ownsBroker  bool
	bus         *membership.Bus
	dispatchers *dispatch.Registry
	transport   *transport.Transport
	collector   *MetricsCollector
	clock       clock.Clock
	logger      zerolog.Logger

	mu      sync.RWMutex
	self    *types.ManagementServerNode
	engine  *heartbeat.Engine
	started bool
	stopped bool
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config) (*Manager, error) {
	if cfg.MsID <= 0 {
		return nil, fmt.Errorf("invalid msid %d", cfg.MsID)
	}
	if cfg.Store == nil {
		return nil, errors.New("manager requires a registry store")
	}
	if cfg.Name == "" {
		cfg.Name = "ms-" + types.PeerNameOf(cfg.MsID)
	}
	if cfg.ServiceIP == "" {
		cfg.ServiceIP = "127.0.0.1"
	}
	if cfg.DefaultDispatcher == "" {
		cfg.DefaultDispatcher = PingDispatcher
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	m := &Manager{
		cfg:         *cfg,
		store:       cfg.Store,
		broker:      cfg.Broker,
		dispatchers: dispatch.NewRegistry(),
		clock:       cfg.Clock,
		logger:      log.WithNodeID(cfg.MsID).With().Str("component", "manager").Logger(),
	}
	if m.broker == nil {
		m.broker = events.NewBroker()
		m.ownsBroker = true
	}
	m.bus = membership.NewBus(m.broker)

	err := m.dispatchers.Register(dispatch.NewDispatcherFunc(PingDispatcher, func(ctx context.Context, pdu *types.ClusterServicePdu) (string, error) {
		return "pong", nil
	}))
	if err != nil {
		return nil, err
	}

	t, err := transport.New(transport.Config{
		Self:              types.PeerNameOf(cfg.MsID),
		Resolver:          m,
		Dispatcher:        m.dispatchers,
		Observer:          m,
		DefaultDispatcher: cfg.DefaultDispatcher,
		RequestTimeout:    cfg.RequestTimeout,
		PingTimeout:       cfg.PingTimeout,
		Workers:           cfg.Workers,
		Clock:             cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	m.transport = t
	m.collector = NewMetricsCollector(m, cfg.CollectInterval)

	return m, nil
}

// Start opens the cluster service listener, registers this process under a
// fresh RunID and starts the heartbeat loop
func (m *Manager) Start(ctx context.Context) error {
	engine, err := m.register(ctx)
	if err != nil {
		return err
	}

	// The first scan reports the peers already in the cluster. It runs
	// outside the lock since listeners may call back into the manager.
	if err := engine.ScanForDeadPeers(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Initial peer scan failed")
	}
	engine.Start()
	m.collector.Start()

	self := m.Self()
	m.logger.Info().
		Int64("run_id", self.RunID).
		Str("addr", self.ServiceAddr()).
		Msg("Management server started")
	return nil
}

func (m *Manager) register(ctx context.Context) (*heartbeat.Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil, errors.New("manager already started")
	}

	addr := net.JoinHostPort(m.cfg.ServiceIP, strconv.Itoa(m.cfg.ServicePort))
	if err := m.transport.Start(addr); err != nil {
		metrics.UpdateComponent(metrics.ComponentTransport, false, err.Error())
		return nil, fmt.Errorf("failed to start cluster service: %w", err)
	}
	metrics.UpdateComponent(metrics.ComponentTransport, true, "")

	port := m.cfg.ServicePort
	if tcp, ok := m.transport.Addr().(*net.TCPAddr); ok && port == 0 {
		port = tcp.Port
	}

	now := m.clock.Now()
	self, err := m.store.RegisterNode(ctx, &types.ManagementServerNode{
		MsID:        m.cfg.MsID,
		RunID:       now.UnixMilli(),
		Name:        m.cfg.Name,
		ServiceIP:   m.cfg.ServiceIP,
		ServicePort: port,
		Version:     m.cfg.Version,
		LastUpdate:  now,
	})
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentRegistry, false, err.Error())
		_ = m.transport.Stop(ctx)
		return nil, fmt.Errorf("failed to register management server: %w", err)
	}
	metrics.UpdateComponent(metrics.ComponentRegistry, true, "")

	engine, err := heartbeat.New(self, heartbeat.Options{
		Config: m.cfg.Heartbeat,
		Store:  m.store,
		Bus:    m.bus,
		Broker: m.broker,
		Prober: m.transport,
		Clock:  m.clock,
		Exit:   m.cfg.Exit,
	})
	if err != nil {
		_ = m.transport.Stop(ctx)
		return nil, fmt.Errorf("failed to create heartbeat engine: %w", err)
	}

	if m.ownsBroker {
		m.broker.Start()
	}
	m.self = self
	m.engine = engine
	m.started = true
	return engine, nil
}

// Stop leaves the cluster cleanly: the heartbeat loop stops, the registry row
// is marked Down and the cluster service listener shuts down
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	self, engine := m.self, m.engine
	m.mu.Unlock()

	engine.Stop()
	m.collector.Stop()

	var errs []error
	if engine.LocalState() != types.LocalStateIsolated {
		if _, err := m.store.TransitionState(ctx, self.MsID, self.RunID, types.NodeStateUp, types.NodeStateDown); err != nil {
			errs = append(errs, fmt.Errorf("failed to mark management server Down: %w", err))
		}
	}
	if err := m.transport.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop cluster service: %w", err))
	}
	if m.ownsBroker {
		m.broker.Stop()
	}

	m.logger.Info().Int64("run_id", self.RunID).Msg("Management server stopped")
	return errors.Join(errs...)
}

// Self returns a copy of the registry row written at Start, or nil before Start
func (m *Manager) Self() *types.ManagementServerNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.self == nil {
		return nil
	}
	return m.self.Clone()
}

// LocalState returns this process's view of its own liveness
func (m *Manager) LocalState() types.LocalState {
	m.mu.RLock()
	engine := m.engine
	m.mu.RUnlock()
	if engine == nil {
		return types.LocalStateUp
	}
	return engine.LocalState()
}

// Broker returns the event broker carrying membership events and alerts
func (m *Manager) Broker() *events.Broker {
	return m.broker
}

// Execute runs payload on peer through the default dispatcher
func (m *Manager) Execute(ctx context.Context, peer string, agentID int64, payload string, stopOnError bool) (string, error) {
	return m.transport.Execute(ctx, peer, agentID, payload, stopOnError)
}

// Call runs a request on a peer through an explicit dispatcher
func (m *Manager) Call(ctx context.Context, c transport.Call) (string, error) {
	return m.transport.Call(ctx, c)
}

// Broadcast delivers payload to every live peer as a Message PDU
func (m *Manager) Broadcast(ctx context.Context, agentID int64, payload string) []transport.DeliveryResult {
	return m.transport.Broadcast(ctx, agentID, payload)
}

// Ping checks that peer's cluster service answers
func (m *Manager) Ping(ctx context.Context, peer string) error {
	return m.transport.Ping(ctx, peer)
}

// RegisterListener subscribes l to membership notifications
func (m *Manager) RegisterListener(l membership.Listener) membership.Handle {
	return m.bus.Register(l)
}

// UnregisterListener removes a listener added by RegisterListener
func (m *Manager) UnregisterListener(h membership.Handle) bool {
	return m.bus.Unregister(h)
}

// RegisterDispatcher makes d reachable by PDUs naming it
func (m *Manager) RegisterDispatcher(d dispatch.Dispatcher) error {
	return m.dispatchers.Register(d)
}

// UnregisterDispatcher removes the dispatcher registered under name
func (m *Manager) UnregisterDispatcher(name string) bool {
	return m.dispatchers.Unregister(name)
}

// ListNodes returns the registry rows, optionally including removed nodes
func (m *Manager) ListNodes(ctx context.Context, includeRemoved bool) ([]*types.ManagementServerNode, error) {
	return m.store.ListNodes(ctx, includeRemoved)
}

// RemoveNode soft-deletes a Down management server
func (m *Manager) RemoveNode(ctx context.Context, msid int64) error {
	n, err := m.store.RemoveNode(ctx, msid, m.clock.Now())
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("management server %d: %w", msid, ErrNodeNotDown)
	}

	m.logger.Info().Int64("removed_msid", msid).Msg("Removed management server")
	m.broker.Publish(&events.Event{
		Type:    events.EventNodeRemoved,
		Message: "management server " + types.PeerNameOf(msid) + " removed",
		Metadata: map[string]string{
			"msid": types.PeerNameOf(m.cfg.MsID),
			"peer": types.PeerNameOf(msid),
		},
	})
	return nil
}

// ResolvePeer implements transport.PeerResolver over the registry
func (m *Manager) ResolvePeer(ctx context.Context, peer string) (*types.ManagementServerNode, error) {
	msid, err := types.ParsePeerName(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrPeerUnavailable, err)
	}
	node, err := m.store.GetNode(ctx, msid)
	if errors.Is(err, storage.ErrNodeNotFound) {
		return nil, fmt.Errorf("%w: management server %s is not registered", transport.ErrPeerUnavailable, peer)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve peer %s: %w", peer, err)
	}
	if !node.IsLive() {
		return nil, fmt.Errorf("%w: management server %s is %s", transport.ErrPeerUnavailable, peer, describeState(node))
	}
	return node, nil
}

// LivePeers implements transport.PeerResolver over the registry
func (m *Manager) LivePeers(ctx context.Context) ([]*types.ManagementServerNode, error) {
	nodes, err := m.store.ListNodes(ctx, false)
	if err != nil {
		return nil, err
	}
	live := nodes[:0]
	for _, n := range nodes {
		if n.IsLive() {
			live = append(live, n)
		}
	}
	return live, nil
}

// ObservePeer refreshes this node's view of a peer it heard from
func (m *Manager) ObservePeer(ctx context.Context, peer string) {
	self := m.Self()
	if self == nil {
		return
	}
	node, err := m.ResolvePeer(ctx, peer)
	if err != nil {
		m.logger.Debug().Err(err).Str("peer", peer).Msg("PDU from unresolvable peer")
		return
	}
	err = m.store.UpdatePeerState(ctx, &types.PeerState{
		OwnerMsID:  self.MsID,
		PeerMsID:   node.MsID,
		PeerRunID:  node.RunID,
		PeerState:  types.NodeStateUp,
		LastUpdate: m.clock.Now(),
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("peer", peer).Msg("Failed to record peer state")
	}
}

func describeState(node *types.ManagementServerNode) string {
	if node.IsRemoved() {
		return "removed"
	}
	return string(node.State)
}
