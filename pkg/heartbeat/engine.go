package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/mscluster/pkg/events"
	"github.com/cuemby/mscluster/pkg/log"
	"github.com/cuemby/mscluster/pkg/membership"
	"github.com/cuemby/mscluster/pkg/metrics"
	"github.com/cuemby/mscluster/pkg/storage"
	"github.com/cuemby/mscluster/pkg/types"
	"github.com/rs/zerolog"
)

// SelfFencingExitCode is the process exit status used after isolation is detected
const SelfFencingExitCode = 219

// Defaults applied when the corresponding Config field is zero
const (
	DefaultInterval  = 1500 * time.Millisecond
	DefaultThreshold = 150 * time.Second
)

// ErrHeartbeatRejected is returned when the heartbeat write matched no row:
// the local row was marked Down, superseded by a newer run, or removed
var ErrHeartbeatRejected = errors.New("heartbeat matched no registry row")

// Prober confirms that a peer with a stale heartbeat is really gone
type Prober interface {
	PingNode(ctx context.Context, node *types.ManagementServerNode) error
}

// Config holds heartbeat timing
type Config struct {
	Interval  time.Duration
	Threshold time.Duration
	// PingBeforeDown probes a stale peer before marking it Down
	PingBeforeDown bool
}

// Options holds the collaborators of an Engine
type Options struct {
	Config Config
	Store  storage.Store
	Bus    *membership.Bus
	Broker *events.Broker // optional
	Prober Prober         // optional
	Clock  clock.Clock    // optional: defaults to the real clock
	Exit   func(code int) // optional: defaults to os.Exit
}

// Engine keeps the local node's heartbeat fresh, detects dead peers and
// fences the local process when it can no longer prove it is alive
type Engine struct {
	cfg    Config
	store  storage.Store
	bus    *membership.Bus
	broker *events.Broker
	prober Prober
	clock  clock.Clock
	exit   func(int)
	logger zerolog.Logger

	msid  int64
	runID int64

	mu          sync.Mutex
	localState  types.LocalState
	lastSuccess time.Time
	known       map[int64]*types.ManagementServerNode
	started     bool

	isolateOnce sync.Once
	startOnce   sync.Once
	stopOnce    sync.Once
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New creates an engine for the registered row self
func New(self *types.ManagementServerNode, opts Options) (*Engine, error) {
	if self == nil || self.MsID <= 0 || self.RunID <= 0 {
		return nil, errors.New("heartbeat engine requires a registered node")
	}
	if opts.Store == nil || opts.Bus == nil {
		return nil, errors.New("heartbeat engine requires a store and a membership bus")
	}
	if opts.Config.Interval <= 0 {
		opts.Config.Interval = DefaultInterval
	}
	if opts.Config.Threshold <= 0 {
		opts.Config.Threshold = DefaultThreshold
	}
	if opts.Config.Threshold <= opts.Config.Interval {
		return nil, fmt.Errorf("heartbeat threshold %s must exceed interval %s", opts.Config.Threshold, opts.Config.Interval)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Exit == nil {
		opts.Exit = exitProcess
	}

	return &Engine{
		cfg:         opts.Config,
		store:       opts.Store,
		bus:         opts.Bus,
		broker:      opts.Broker,
		prober:      opts.Prober,
		clock:       opts.Clock,
		exit:        opts.Exit,
		logger:      log.WithNodeID(self.MsID).With().Str("component", "heartbeat").Int64("run_id", self.RunID).Logger(),
		msid:        self.MsID,
		runID:       self.RunID,
		localState:  types.LocalStateUp,
		lastSuccess: opts.Clock.Now(),
		known:       make(map[int64]*types.ManagementServerNode),
		stopCh:      make(chan struct{}),
	}, nil
}

// Start begins the heartbeat loop and the silence watchdog
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.mu.Lock()
		e.started = true
		e.mu.Unlock()

		metrics.UpdateComponent(metrics.ComponentHeartbeat, true, "")

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-e.stopCh
			cancel()
		}()

		e.wg.Add(2)
		go e.run(ctx)
		go e.watch(ctx)
	})
}

// Stop stops the heartbeat loop and waits for the current tick to finish
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})

	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if started {
		e.wg.Wait()
	}
}

// run is the heartbeat loop. A single goroutine runs every tick so ticks
// never overlap; a slow tick delays the next one.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := e.clock.Ticker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Tick(ctx)
		case <-e.stopCh:
			return
		}
	}
}

// watch fences the node when no heartbeat has succeeded within the threshold.
// It runs apart from the tick loop so that a registry call that never returns
// cannot hold off isolation.
func (e *Engine) watch(ctx context.Context) {
	defer e.wg.Done()

	ticker := e.clock.Ticker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.checkSilence(ctx)
		case <-e.stopCh:
			return
		}
	}
}

// Tick runs one heartbeat followed by one peer scan. The scan is bounded by
// the threshold on the engine clock.
func (e *Engine) Tick(ctx context.Context) {
	if e.LocalState() == types.LocalStateIsolated {
		return
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HeartbeatDuration)

	if err := e.Heartbeat(ctx); err != nil {
		e.logger.Debug().Err(err).Msg("Heartbeat failed")
	}
	if e.LocalState() == types.LocalStateIsolated {
		return
	}

	scanCtx, cancel := e.clock.WithTimeout(ctx, e.cfg.Threshold)
	defer cancel()
	if err := e.ScanForDeadPeers(scanCtx); err != nil {
		e.logger.Warn().Err(err).Msg("Peer scan failed")
	}
}

// Heartbeat records the local node's liveness in the registry.
// A write that fails or takes longer than the interval is retried on the next
// tick; once the last successful write is older than the threshold the node
// isolates itself.
func (e *Engine) Heartbeat(ctx context.Context) error {
	now := e.clock.Now()

	n, err := e.writeHeartbeat(ctx, now)
	if err != nil {
		metrics.HeartbeatFailures.WithLabelValues("error").Inc()
		e.logger.Warn().Err(err).Dur("since_last_success", e.silence()).Msg("Heartbeat write failed")
		metrics.UpdateComponent(metrics.ComponentHeartbeat, false, err.Error())

		e.checkSilence(ctx)
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}

	if n == 0 {
		metrics.HeartbeatFailures.WithLabelValues("zero_rows").Inc()
		e.logger.Error().Msg("Heartbeat updated no rows, registry no longer considers this run alive")
		e.publish(events.EventAlertZeroRows, "heartbeat of management server "+types.PeerNameOf(e.msid)+" updated no rows", nil)
		e.OnIsolationDetected(ctx, "heartbeat updated no rows")
		return ErrHeartbeatRejected
	}

	e.mu.Lock()
	e.lastSuccess = now
	e.mu.Unlock()
	metrics.UpdateComponent(metrics.ComponentHeartbeat, true, "")
	return nil
}

// writeHeartbeat runs the registry write with a deadline of one interval.
// A store that ignores cancellation is abandoned and left to finish on its own.
func (e *Engine) writeHeartbeat(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := e.clock.WithTimeout(ctx, e.cfg.Interval)
	defer cancel()

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := e.store.UpdateHeartbeat(ctx, e.msid, e.runID, now)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		return r.n, r.err
	case <-ctx.Done():
		return 0, fmt.Errorf("heartbeat write abandoned: %w", ctx.Err())
	}
}

// silence returns the time since the last successful heartbeat write
func (e *Engine) silence() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock.Now().Sub(e.lastSuccess)
}

func (e *Engine) checkSilence(ctx context.Context) {
	if e.LocalState() == types.LocalStateIsolated {
		return
	}
	if silence := e.silence(); silence > e.cfg.Threshold {
		e.OnIsolationDetected(ctx, fmt.Sprintf("no successful heartbeat for %s", silence))
	}
}

// ScanForDeadPeers marks peers with stale heartbeats Down, reports membership
// changes since the previous scan and checks whether a majority of peers
// consider this node dead
func (e *Engine) ScanForDeadPeers(ctx context.Context) error {
	now := e.clock.Now()
	cutoff := now.Add(-e.cfg.Threshold)

	inactive, err := e.store.ListInactive(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list inactive peers: %w", err)
	}

	markedDown := make(map[int64]*types.ManagementServerNode)
	reachable := make(map[int64]*types.ManagementServerNode)
	for _, peer := range inactive {
		if peer.MsID == e.msid {
			continue
		}
		if e.answersPing(ctx, peer) {
			reachable[peer.MsID] = peer
			continue
		}
		if e.markDown(ctx, peer, now) {
			markedDown[peer.MsID] = peer
		}
	}

	active, err := e.store.ListActive(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list active peers: %w", err)
	}

	// A stale peer that answers ping is still Up in the registry and stays a member
	current := make(map[int64]*types.ManagementServerNode, len(active)+len(reachable))
	for _, node := range active {
		if node.MsID != e.msid {
			current[node.MsID] = node
		}
	}
	for msid, node := range reachable {
		current[msid] = node
	}

	left, joined := e.diff(current, markedDown)
	if len(left) > 0 {
		e.logger.Info().Str("peers", peerList(left)).Msg("Management servers left the cluster")
		e.bus.NotifyNodeLeft(ctx, left, e.msid)
	}
	if len(joined) > 0 {
		e.logger.Info().Str("peers", peerList(joined)).Msg("Management servers joined the cluster")
		e.bus.NotifyNodeJoined(ctx, joined, e.msid)
	}

	for _, peer := range current {
		e.recordView(ctx, peer, types.NodeStateUp, now)
	}

	return e.checkMajority(ctx, len(current))
}

// answersPing probes a stale peer when ping-before-down is enabled
func (e *Engine) answersPing(ctx context.Context, peer *types.ManagementServerNode) bool {
	if !e.cfg.PingBeforeDown || e.prober == nil {
		return false
	}
	if err := e.prober.PingNode(ctx, peer); err != nil {
		return false
	}
	e.logger.Warn().
		Str("peer", peer.PeerName()).
		Time("last_update", peer.LastUpdate).
		Msg("Peer heartbeat is stale but it answers ping, leaving it Up")
	return true
}

// markDown handles one peer whose heartbeat is older than the threshold.
// It reports whether this node won the Up to Down transition.
func (e *Engine) markDown(ctx context.Context, peer *types.ManagementServerNode, now time.Time) bool {
	logger := e.logger.With().Str("peer", peer.PeerName()).Int64("peer_run_id", peer.RunID).Logger()

	e.recordView(ctx, peer, types.NodeStateDown, now)

	n, err := e.store.TransitionState(ctx, peer.MsID, peer.RunID, types.NodeStateUp, types.NodeStateDown)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to mark peer Down")
		return false
	}
	if n == 0 {
		logger.Debug().Msg("Peer already marked Down by another node")
		return false
	}

	if _, err := e.store.IncrementAlertCount(ctx, peer.MsID); err != nil {
		logger.Warn().Err(err).Msg("Failed to increment alert count")
	}
	if _, err := e.store.ClearPeerStates(ctx, peer.MsID); err != nil {
		logger.Warn().Err(err).Msg("Failed to clear peer views of dead node")
	}

	metrics.PeersMarkedDown.Inc()
	logger.Warn().Time("last_update", peer.LastUpdate).Msg("Marked management server Down")
	e.publish(events.EventNodeMarkedDown, "management server "+peer.PeerName()+" marked Down", map[string]string{
		"peer":   peer.PeerName(),
		"run_id": strconv.FormatInt(peer.RunID, 10),
	})
	return true
}

// diff compares the active peers with the ones seen by the previous scan.
// A peer whose RunID changed restarted and is reported as both left and joined.
func (e *Engine) diff(current, markedDown map[int64]*types.ManagementServerNode) (left, joined []*types.ManagementServerNode) {
	e.mu.Lock()
	defer e.mu.Unlock()

	gone := make(map[int64]*types.ManagementServerNode)
	for msid, prev := range e.known {
		if cur, ok := current[msid]; !ok || cur.RunID != prev.RunID {
			gone[msid] = prev
		}
	}
	for msid, peer := range markedDown {
		if _, ok := gone[msid]; !ok {
			gone[msid] = peer
		}
	}
	for msid, cur := range current {
		if prev, ok := e.known[msid]; !ok || prev.RunID != cur.RunID {
			joined = append(joined, cur)
		}
	}
	for _, peer := range gone {
		left = append(left, peer)
	}

	e.known = current

	sortNodes(left)
	sortNodes(joined)
	return left, joined
}

// recordView writes this node's view of peer
func (e *Engine) recordView(ctx context.Context, peer *types.ManagementServerNode, state types.NodeState, now time.Time) {
	err := e.store.UpdatePeerState(ctx, &types.PeerState{
		OwnerMsID:  e.msid,
		PeerMsID:   peer.MsID,
		PeerRunID:  peer.RunID,
		PeerState:  state,
		LastUpdate: now,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("peer", peer.PeerName()).Msg("Failed to record peer state")
	}
}

// checkMajority isolates this node when more than half of the other active
// peers record its current run as Down
func (e *Engine) checkMajority(ctx context.Context, others int) error {
	if others == 0 {
		return nil
	}
	seenDown, err := e.store.CountStateSeenInPeers(ctx, e.msid, e.runID, types.NodeStateDown)
	if err != nil {
		return fmt.Errorf("failed to count peer views: %w", err)
	}
	if seenDown*2 > others {
		e.OnIsolationDetected(ctx, fmt.Sprintf("%d of %d peers see this node as Down", seenDown, others))
	}
	return nil
}

// OnIsolationDetected fences the local process. It runs at most once:
// the local state moves to Isolated, listeners are notified synchronously,
// and the process exits with SelfFencingExitCode.
func (e *Engine) OnIsolationDetected(ctx context.Context, reason string) {
	e.isolateOnce.Do(func() {
		e.mu.Lock()
		e.localState = types.LocalStateIsolated
		e.mu.Unlock()

		e.logger.Error().Str("reason", reason).Msg("Isolation detected, fencing this management server")

		e.bus.NotifyNodeIsolated(ctx, e.msid)

		metrics.SelfFences.Inc()
		metrics.LocalIsolated.Set(1)
		metrics.UpdateComponent(metrics.ComponentHeartbeat, false, "isolated: "+reason)
		e.publish(events.EventAlertSelfFence, "management server "+types.PeerNameOf(e.msid)+" fenced itself: "+reason, map[string]string{
			"reason": reason,
		})

		e.exit(SelfFencingExitCode)
	})
}

// LocalState returns this process's view of its own liveness
func (e *Engine) LocalState() types.LocalState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localState
}

// KnownPeers returns the active peers seen by the last scan, ordered by MsID
func (e *Engine) KnownPeers() []*types.ManagementServerNode {
	e.mu.Lock()
	defer e.mu.Unlock()

	peers := make([]*types.ManagementServerNode, 0, len(e.known))
	for _, p := range e.known {
		peers = append(peers, p.Clone())
	}
	sortNodes(peers)
	return peers
}

func (e *Engine) publish(eventType events.EventType, message string, metadata map[string]string) {
	if e.broker == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["msid"] = types.PeerNameOf(e.msid)
	e.broker.Publish(&events.Event{
		Type:     eventType,
		Message:  message,
		Metadata: metadata,
	})
}

func sortNodes(nodes []*types.ManagementServerNode) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].MsID < nodes[j].MsID })
}

func peerList(nodes []*types.ManagementServerNode) string {
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.PeerName())
	}
	return strings.Join(names, ",")
}

func exitProcess(code int) {
	os.Exit(code)
}
