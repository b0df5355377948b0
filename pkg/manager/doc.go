/*
Package manager wires a management server together.

A Manager owns one process's view of the cluster: it registers the process in
the peer registry, keeps it alive through the heartbeat engine, and exposes
the cluster service used to run commands on peers.

# Architecture

	┌──────────────────── MANAGEMENT SERVER ────────────────────┐
	│                                                            │
	│  ┌──────────────────────────────────────────────┐         │
	│  │                  Manager                      │         │
	│  │  - Execute / Call / Broadcast / Ping          │         │
	│  │  - RegisterListener / RegisterDispatcher      │         │
	│  │  - ListNodes / RemoveNode                     │         │
	│  └──────┬──────────────┬──────────────┬─────────┘         │
	│         │              │              │                    │
	│  ┌──────▼──────┐ ┌─────▼──────┐ ┌─────▼───────────┐       │
	│  │  transport  │ │ heartbeat  │ │  membership bus │       │
	│  │  POST /cs   │ │ engine     │ │  + event broker │       │
	│  └──────┬──────┘ └─────┬──────┘ └─────────────────┘       │
	│         │              │                                   │
	│  ┌──────▼──────┐ ┌─────▼──────────────────────────┐       │
	│  │  dispatch   │ │  storage.Store                  │       │
	│  │  registry   │ │  bolt | badger | remote (gRPC)  │       │
	│  └─────────────┘ └─────────────────────────────────┘       │
	└────────────────────────────────────────────────────────────┘

# Lifecycle

Start:
  - opens the cluster service listener (a zero port picks a free one)
  - registers the node; the registry issues a RunID larger than any previous run
  - runs one peer scan so listeners learn about the existing cluster
  - starts the heartbeat loop and the metrics collector

Stop:
  - stops the heartbeat loop
  - marks the registry row Down so peers see a clean leave at once
  - shuts the listener down and fails pending requests

A process that fences itself never returns to Up. The heartbeat engine calls
Config.Exit (os.Exit by default) and the supervisor starts a new run.

# Peer resolution

Manager implements transport.PeerResolver over the registry. A peer name is
the decimal MsID. Unknown, Down and removed peers fail with
transport.ErrPeerUnavailable. Every PDU received from a live peer refreshes
this node's PeerState row for that peer.

# Dispatchers

A "ping" dispatcher answering "pong" is always registered and is the default
dispatcher unless Config.DefaultDispatcher names another one. Requests can
time out on the caller while the remote dispatcher keeps running, so
dispatchers must tolerate running a command twice.

# Usage

	store, _ := storage.Open(storage.Options{DataDir: "/var/lib/mscluster"})
	mgr, err := manager.NewManager(&manager.Config{
		MsID:        1,
		ServiceIP:   "10.0.0.5",
		ServicePort: 9090,
		Store:       store,
	})
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Stop(context.Background())

	out, err := mgr.Execute(ctx, "2", agentID, `{"cmd":"sync"}`, true)
*/
package manager
