/*
Package types defines the data model shared by every mscluster component.

# Management servers

A ManagementServerNode is the registry row for one management-server process.
MsID is its durable identity; RunID is re-issued on every process start so that
peers can tell a restart (RunID changed) apart from a crash (heartbeat silence).
State is the registry-wide view (Up or Down) while LocalState is a process's
view of itself: a process that cannot prove its liveness moves to Isolated and
fences itself.

	registry state:  Up ──(heartbeat older than threshold)──► Down
	local state:     Up ──(isolation detected)──► Isolated ──► process exit

Rows are soft-deleted through the Removed timestamp and are never physically
removed, since alerting and audit tooling may still reference them.

# Peer state

PeerState records how one node (the owner) last observed another node. The
owner is the only writer of its rows, so the view may be stale. When a node is
declared Down its own rows are cleared so that its stale opinions stop counting
in isolation votes.

# PDUs

ClusterServicePdu is the transient unit exchanged over the cluster service:

	Message   fire and forget, no reply
	Request   answered by a Response whose AckSequenceID equals the request's SequenceID
	Response  carries the dispatcher result, or Error when the dispatch failed

Sequence ids are assigned by the sender and are only meaningful for matching a
response to its request; they impose no ordering across the cluster.
*/
package types
