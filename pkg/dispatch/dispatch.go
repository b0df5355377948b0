package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/mscluster/pkg/types"
)

var (
	// ErrUnknownDispatcher is returned when no dispatcher is registered under a name
	ErrUnknownDispatcher = errors.New("unknown dispatcher")
	// ErrDuplicateDispatcher is returned when a name is registered twice
	ErrDuplicateDispatcher = errors.New("dispatcher already registered")
)

// Dispatcher executes the payload of an inbound PDU and returns the result
// sent back to the caller. Callers may time out and give up while the
// dispatcher is still running, so dispatchers should be idempotent.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, pdu *types.ClusterServicePdu) (string, error)
}

// DispatcherFunc adapts a function into a named Dispatcher
type DispatcherFunc struct {
	name string
	fn   func(ctx context.Context, pdu *types.ClusterServicePdu) (string, error)
}

// NewDispatcherFunc returns a Dispatcher named name that calls fn
func NewDispatcherFunc(name string, fn func(ctx context.Context, pdu *types.ClusterServicePdu) (string, error)) *DispatcherFunc {
	return &DispatcherFunc{name: name, fn: fn}
}

func (d *DispatcherFunc) Name() string {
	return d.name
}

func (d *DispatcherFunc) Dispatch(ctx context.Context, pdu *types.ClusterServicePdu) (string, error) {
	return d.fn(ctx, pdu)
}

// Registry maps dispatcher names to dispatchers
type Registry struct {
	mu          sync.RWMutex
	dispatchers map[string]Dispatcher
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		dispatchers: make(map[string]Dispatcher),
	}
}

// Register adds d under d.Name()
func (r *Registry) Register(d Dispatcher) error {
	name := d.Name()
	if name == "" {
		return errors.New("dispatcher name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.dispatchers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDispatcher, name)
	}
	r.dispatchers[name] = d
	return nil
}

// Unregister removes the dispatcher registered under name.
// It reports whether one was registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.dispatchers[name]; !exists {
		return false
	}
	delete(r.dispatchers, name)
	return true
}

// Lookup returns the dispatcher registered under exactly name
func (r *Registry) Lookup(name string) (Dispatcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.dispatchers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDispatcher, name)
	}
	return d, nil
}

// Names returns the registered dispatcher names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.dispatchers))
	for name := range r.dispatchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch routes pdu to the dispatcher named in pdu.Dispatcher
func (r *Registry) Dispatch(ctx context.Context, pdu *types.ClusterServicePdu) (string, error) {
	d, err := r.Lookup(pdu.Dispatcher)
	if err != nil {
		return "", err
	}
	return d.Dispatch(ctx, pdu)
}
