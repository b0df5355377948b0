package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mscluster_nodes_total",
			Help: "Total number of management servers in the registry by state",
		},
		[]string{"state"},
	)

	LocalIsolated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mscluster_local_isolated",
			Help: "Whether this management server has detected its own isolation (1 = isolated)",
		},
	)

	// Heartbeat metrics
	HeartbeatDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mscluster_heartbeat_duration_seconds",
			Help:    "Time taken by one heartbeat tick (own heartbeat plus peer scan)",
			Buckets: prometheus.DefBuckets,
		},
	)

	HeartbeatFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mscluster_heartbeat_failures_total",
			Help: "Total number of failed heartbeat writes by reason",
		},
		[]string{"reason"},
	)

	PeersMarkedDown = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mscluster_peers_marked_down_total",
			Help: "Total number of peers this node marked Down",
		},
	)

	SelfFences = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mscluster_self_fences_total",
			Help: "Total number of self-fencing decisions",
		},
	)

	MembershipEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mscluster_membership_events_total",
			Help: "Total number of membership notifications by event",
		},
		[]string{"event"},
	)

	// Transport metrics
	PDUsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mscluster_pdus_sent_total",
			Help: "Total number of PDUs sent by type and result",
		},
		[]string{"type", "result"},
	)

	PDUsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mscluster_pdus_received_total",
			Help: "Total number of PDUs received by type and result",
		},
		[]string{"type", "result"},
	)

	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mscluster_pending_requests",
			Help: "Number of outbound requests waiting for a response",
		},
	)

	ExecuteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mscluster_execute_duration_seconds",
			Help:    "Round-trip time of synchronous remote executions by dispatcher",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dispatcher"},
	)

	DispatchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mscluster_dispatch_errors_total",
			Help: "Total number of inbound PDUs whose dispatch failed by dispatcher",
		},
		[]string{"dispatcher"},
	)

	// Registry server metrics
	RegistryRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mscluster_registry_requests_total",
			Help: "Total number of registry operations served by operation and status code",
		},
		[]string{"op", "code"},
	)

	RegistryRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mscluster_registry_request_duration_seconds",
			Help:    "Registry operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Admin API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mscluster_api_requests_total",
			Help: "Total number of admin API requests by path and status",
		},
		[]string{"path", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(LocalIsolated)
	prometheus.MustRegister(HeartbeatDuration)
	prometheus.MustRegister(HeartbeatFailures)
	prometheus.MustRegister(PeersMarkedDown)
	prometheus.MustRegister(SelfFences)
	prometheus.MustRegister(MembershipEvents)
	prometheus.MustRegister(PDUsSent)
	prometheus.MustRegister(PDUsReceived)
	prometheus.MustRegister(PendingRequests)
	prometheus.MustRegister(ExecuteDuration)
	prometheus.MustRegister(DispatchErrors)
	prometheus.MustRegister(RegistryRequestsTotal)
	prometheus.MustRegister(RegistryRequestDuration)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
