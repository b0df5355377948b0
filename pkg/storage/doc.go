/*
Package storage provides the peer registry shared by every management server.

The registry holds one row per management server (ManagementServerNode) and
one row per observer/observed pair (PeerState). Every node reads and writes the
same registry, so state changes that more than one node may attempt are
expressed as guarded updates: the write only happens if the row still matches
the expected state and RunID, and the caller learns from the affected count
whether it won.

# Backends

	┌─────────────────────── PEER REGISTRY ────────────────────────┐
	│                                                                │
	│   management server A        management server B               │
	│          │                          │                          │
	│          ▼                          ▼                          │
	│   ┌─────────────┐            ┌─────────────┐                   │
	│   │ RemoteStore │            │ RemoteStore │   gRPC, JSON codec │
	│   └──────┬──────┘            └──────┬──────┘                   │
	│          └────────────┬─────────────┘                          │
	│                       ▼                                        │
	│              ┌────────────────┐                                │
	│              │ RegistryServer │  Apply(Command{op, data})      │
	│              └───────┬────────┘                                │
	│                      ▼                                         │
	│          BoltStore  or  BadgerStore                            │
	└────────────────────────────────────────────────────────────────┘

BoltStore keeps rows as JSON in the "nodes" and "peers" buckets of
<dataDir>/registry.db. Bolt serializes writers, so a guarded update is simply
read, check and put inside one db.Update.

BadgerStore uses badger's optimistic transactions. Two transactions touching
the same row conflict at commit time; the loser is replayed against the fresh
row, where its guard usually no longer matches.

RemoteStore forwards every call to a RegistryServer over gRPC. There is a
single unary method, Apply, carrying an operation name and its JSON arguments.
Store errors travel as gRPC status codes and are mapped back to ErrNodeNotFound,
ErrInvalidNode and ErrReadOnly on the client.

# Row rules

  - RegisterNode upserts by MsID, sets State=Up, clears Removed and always
    stores a RunID greater than the previous one
  - UpdateHeartbeat only touches a live row owned by the given RunID and never
    moves LastUpdate backwards
  - TransitionState matches on current state and RunID; zero affected rows
    means another node got there first
  - ListInactive returns live rows strictly older than the cutoff, ListActive
    returns the rest
  - RemoveNode soft-deletes Down rows; removed rows only show up in
    ListNodes(ctx, true)

# Usage

	store, err := storage.Open(storage.Options{
		Backend: storage.BackendBolt,
		DataDir: "/var/lib/mscluster",
	})
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.TransitionState(ctx, peer.MsID, peer.RunID, types.NodeStateUp, types.NodeStateDown)
	if err == nil && n == 1 {
		// this node marked the peer Down
	}
*/
package storage
