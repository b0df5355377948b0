/*
Package metrics provides Prometheus metrics and component health for mscluster.

All metrics are registered with the default Prometheus registry at package
init and exposed through Handler on the admin server's /metrics path.

# Metric Categories

	Cluster:    mscluster_nodes_total{state}, mscluster_local_isolated
	Heartbeat:  mscluster_heartbeat_duration_seconds,
	            mscluster_heartbeat_failures_total{reason},
	            mscluster_peers_marked_down_total, mscluster_self_fences_total,
	            mscluster_membership_events_total{event}
	Transport:  mscluster_pdus_sent_total{type,result},
	            mscluster_pdus_received_total{type,result},
	            mscluster_pending_requests,
	            mscluster_execute_duration_seconds{dispatcher},
	            mscluster_dispatch_errors_total{dispatcher}
	Registry:   mscluster_registry_requests_total{op,code},
	            mscluster_registry_request_duration_seconds{op}
	Admin API:  mscluster_api_requests_total{path,status}

A useful alert is any increase of mscluster_self_fences_total or
mscluster_peers_marked_down_total; both mean the cluster lost a member.

# Timing

	timer := metrics.NewTimer()
	err := engine.Heartbeat(ctx)
	timer.ObserveDuration(metrics.HeartbeatDuration)

# Health

Components report their state with UpdateComponent. /health is unhealthy when
any component is; /ready additionally requires the registry, heartbeat and
transport components to have reported healthy at least once. A node that has
fenced itself reports the heartbeat component unhealthy until the process
exits.
*/
package metrics
