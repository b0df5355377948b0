package manager

import (
	"context"
	"time"

	"github.com/cuemby/mscluster/pkg/metrics"
	"github.com/cuemby/mscluster/pkg/types"
)

// DefaultCollectInterval is how often registry gauges are refreshed
const DefaultCollectInterval = 15 * time.Second

// MetricsCollector periodically exports registry state as gauges
type MetricsCollector struct {
	manager  *Manager
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(mgr *Manager, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	return &MetricsCollector{
		manager:  mgr,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer close(c.doneCh)
		defer ticker.Stop()

		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector and waits for an in-flight collection
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *MetricsCollector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	c.collectNodeMetrics(ctx)
	c.collectLocalState()
}

func (c *MetricsCollector) collectNodeMetrics(ctx context.Context) {
	nodes, err := c.manager.ListNodes(ctx, true)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentRegistry, false, err.Error())
		return
	}
	metrics.UpdateComponent(metrics.ComponentRegistry, true, "")

	counts := nodeCounts(nodes)

	metrics.NodesTotal.Reset()
	for state, count := range counts {
		metrics.NodesTotal.WithLabelValues(state).Set(float64(count))
	}
}

func (c *MetricsCollector) collectLocalState() {
	if c.manager.LocalState() == types.LocalStateIsolated {
		metrics.LocalIsolated.Set(1)
	} else {
		metrics.LocalIsolated.Set(0)
	}
}

// nodeCounts groups registry rows by the state label exported in NodesTotal
func nodeCounts(nodes []*types.ManagementServerNode) map[string]int {
	counts := map[string]int{"up": 0, "down": 0, "removed": 0}
	for _, node := range nodes {
		switch {
		case node.IsRemoved():
			counts["removed"]++
		case node.State == types.NodeStateUp:
			counts["up"]++
		default:
			counts["down"]++
		}
	}
	return counts
}
