package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/mscluster/pkg/log"
	"github.com/cuemby/mscluster/pkg/types"
	"github.com/rs/zerolog"
)

// Defaults applied by New when the corresponding Config field is zero
const (
	DefaultRequestTimeout = 300 * time.Second
	DefaultPingTimeout    = 5 * time.Second
	DefaultWorkers        = 16
	DefaultPostTimeout    = 30 * time.Second
)

// PeerResolver maps peer names to registry rows
type PeerResolver interface {
	// ResolvePeer returns the node addressed by peer, or an error wrapping
	// ErrPeerUnavailable when it is unknown, Down or removed
	ResolvePeer(ctx context.Context, peer string) (*types.ManagementServerNode, error)
	// LivePeers returns every Up, non-removed node including the local one
	LivePeers(ctx context.Context) ([]*types.ManagementServerNode, error)
}

// PeerObserver is told about every peer the transport hears from
type PeerObserver interface {
	ObservePeer(ctx context.Context, peer string)
}

// Dispatcher executes inbound PDUs
type Dispatcher interface {
	Dispatch(ctx context.Context, pdu *types.ClusterServicePdu) (string, error)
}

// Config configures a Transport
type Config struct {
	// Self is the local peer name
	Self              string
	Resolver          PeerResolver
	Dispatcher        Dispatcher
	Observer          PeerObserver // optional
	DefaultDispatcher string
	RequestTimeout    time.Duration
	PingTimeout       time.Duration
	Workers           int
	QueueSize         int
	HTTPClient        *http.Client
	Clock             clock.Clock
}

type pendingRequest struct {
	peer string
	ch   chan *types.ClusterServicePdu
}

// Transport sends and receives cluster service PDUs over HTTP
type Transport struct {
	cfg    Config
	client *http.Client
	clock  clock.Clock
	logger zerolog.Logger

	seq     atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]*pendingRequest

	queue       chan *types.ClusterServicePdu
	server      *http.Server
	addr        net.Addr
	workersOnce sync.Once
	stopCh      chan struct{}
	stopOnce    sync.Once
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a transport. Call Start or Serve to accept inbound PDUs.
func New(cfg Config) (*Transport, error) {
	if cfg.Self == "" {
		return nil, errors.New("transport requires the local peer name")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("transport requires a peer resolver")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("transport requires a dispatcher")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 64
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultPostTimeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:     cfg,
		client:  cfg.HTTPClient,
		clock:   cfg.Clock,
		logger:  log.WithComponent("transport").With().Str("self", cfg.Self).Logger(),
		pending: make(map[uint64]*pendingRequest),
		queue:   make(chan *types.ClusterServicePdu, cfg.QueueSize),
		stopCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	mux := http.NewServeMux()
	mux.Handle(ServicePath, t)
	t.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return t, nil
}

// Self returns the local peer name
func (t *Transport) Self() string {
	return t.cfg.Self
}

// Start listens on addr and serves PDUs in the background
func (t *Transport) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	t.addr = lis.Addr()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.Serve(lis); err != nil {
			t.logger.Error().Err(err).Msg("Cluster service listener failed")
		}
	}()

	t.logger.Info().Str("addr", lis.Addr().String()).Msg("Cluster service listening")
	return nil
}

// Addr returns the address the transport listens on, or nil before Start
func (t *Transport) Addr() net.Addr {
	return t.addr
}

// Serve accepts PDUs on lis until Stop is called
func (t *Transport) Serve(lis net.Listener) error {
	t.startWorkers()
	err := t.server.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (t *Transport) startWorkers() {
	t.workersOnce.Do(func() {
		for i := 0; i < t.cfg.Workers; i++ {
			t.wg.Add(1)
			go t.worker()
		}
	})
}

// Stop stops accepting PDUs, fails pending requests and waits for workers.
// PDUs still queued are dropped.
func (t *Transport) Stop(ctx context.Context) error {
	var err error
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.cancel()
		err = t.server.Shutdown(ctx)

		done := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}

		if dropped := len(t.queue); dropped > 0 {
			t.logger.Warn().Int("dropped", dropped).Msg("Dropped queued PDUs on shutdown")
		}
	})
	return err
}

func (t *Transport) closed() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

// nextSeq returns a fresh sequence id; ids start at 1
func (t *Transport) nextSeq() uint64 {
	return t.seq.Add(1)
}
