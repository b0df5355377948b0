package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/mscluster/pkg/log"
	"github.com/cuemby/mscluster/pkg/types"
	"github.com/dgraph-io/badger/v4"
)

const (
	badgerNodePrefix = "n/"
	badgerPeerPrefix = "p/"

	// maxConflictRetries bounds how often a guarded update is replayed after
	// a concurrent transaction touched the same row
	maxConflictRetries = 16
)

// BadgerStore implements Store interface using BadgerDB optimistic transactions.
// A guarded update that races with another writer fails with badger.ErrConflict
// and is replayed against the fresh row.
type BadgerStore struct {
	db       *badger.DB
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBadgerStore creates a new BadgerDB-backed store in dataDir
func NewBadgerStore(dataDir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dataDir).
		WithLogger(nil).
		WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		stopCh: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.runGC()

	return s, nil
}

// runGC runs the value log garbage collector periodically
func (s *BadgerStore) runGC() {
	defer s.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.db.RunValueLogGC(0.7); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logger := log.WithComponent("storage")
				logger.Debug().Err(err).Msg("Value log GC failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Close stops background GC and closes the database
func (s *BadgerStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return s.db.Close()
}

func badgerNodeKey(msid int64) []byte {
	return append([]byte(badgerNodePrefix), nodeKey(msid)...)
}

func badgerPeerKey(owner, peer int64) []byte {
	return append([]byte(badgerPeerPrefix), peerKey(owner, peer)...)
}

// update runs fn in a read-write transaction, replaying it on conflict
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if attempt >= maxConflictRetries {
			return fmt.Errorf("giving up after %d conflicting transactions: %w", attempt+1, err)
		}
	}
}

func getBadgerNode(txn *badger.Txn, msid int64) (*types.ManagementServerNode, error) {
	item, err := txn.Get(badgerNodeKey(msid))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	var node types.ManagementServerNode
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &node)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode node %d: %w", msid, err)
	}
	return &node, nil
}

func putBadgerNode(txn *badger.Txn, node *types.ManagementServerNode) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return txn.Set(badgerNodeKey(node.MsID), data)
}

func (s *BadgerStore) updateNode(ctx context.Context, msid int64, fn func(*types.ManagementServerNode) bool) (int, error) {
	affected := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		affected = 0
		node, err := getBadgerNode(txn, msid)
		if err != nil {
			return err
		}
		if node == nil || !fn(node) {
			return nil
		}
		affected = 1
		return putBadgerNode(txn, node)
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// scan iterates over every value under prefix
func (s *BadgerStore) scan(prefix string, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// Management server operations
func (s *BadgerStore) RegisterNode(ctx context.Context, node *types.ManagementServerNode) (*types.ManagementServerNode, error) {
	if err := validateNode(node); err != nil {
		return nil, err
	}
	var row *types.ManagementServerNode
	err := s.update(ctx, func(txn *badger.Txn) error {
		existing, err := getBadgerNode(txn, node.MsID)
		if err != nil {
			return err
		}
		row = registerRow(existing, node)
		return putBadgerNode(txn, row)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// RestoreNode writes a row verbatim, bypassing registration rules.
// It is used when importing a registry from another backend.
func (s *BadgerStore) RestoreNode(ctx context.Context, node *types.ManagementServerNode) error {
	if err := validateNode(node); err != nil {
		return err
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return putBadgerNode(txn, node)
	})
}

func (s *BadgerStore) GetNode(ctx context.Context, msid int64) (*types.ManagementServerNode, error) {
	var node *types.ManagementServerNode
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		node, err = getBadgerNode(txn, msid)
		return err
	})
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, msid)
	}
	return node, nil
}

func (s *BadgerStore) listNodes(filter func(*types.ManagementServerNode) bool) ([]*types.ManagementServerNode, error) {
	var nodes []*types.ManagementServerNode
	err := s.scan(badgerNodePrefix, func(val []byte) error {
		var node types.ManagementServerNode
		if err := json.Unmarshal(val, &node); err != nil {
			return err
		}
		if filter(&node) {
			nodes = append(nodes, &node)
		}
		return nil
	})
	return nodes, err
}

func (s *BadgerStore) ListNodes(ctx context.Context, includeRemoved bool) ([]*types.ManagementServerNode, error) {
	return s.listNodes(func(n *types.ManagementServerNode) bool {
		return includeRemoved || !n.IsRemoved()
	})
}

func (s *BadgerStore) UpdateHeartbeat(ctx context.Context, msid, runID int64, at time.Time) (int, error) {
	return s.updateNode(ctx, msid, func(n *types.ManagementServerNode) bool {
		return heartbeatRow(n, runID, at)
	})
}

func (s *BadgerStore) TransitionState(ctx context.Context, msid, runID int64, from, to types.NodeState) (int, error) {
	return s.updateNode(ctx, msid, func(n *types.ManagementServerNode) bool {
		return transitionRow(n, runID, from, to)
	})
}

func (s *BadgerStore) ListActive(ctx context.Context, cutoff time.Time) ([]*types.ManagementServerNode, error) {
	return s.listNodes(func(n *types.ManagementServerNode) bool { return isActive(n, cutoff) })
}

func (s *BadgerStore) ListInactive(ctx context.Context, cutoff time.Time) ([]*types.ManagementServerNode, error) {
	return s.listNodes(func(n *types.ManagementServerNode) bool { return isInactive(n, cutoff) })
}

func (s *BadgerStore) IncrementAlertCount(ctx context.Context, msid int64) (int, error) {
	return s.updateNode(ctx, msid, func(n *types.ManagementServerNode) bool {
		n.AlertCount++
		return true
	})
}

func (s *BadgerStore) RemoveNode(ctx context.Context, msid int64, at time.Time) (int, error) {
	if _, err := s.GetNode(ctx, msid); err != nil {
		return 0, err
	}
	return s.updateNode(ctx, msid, func(n *types.ManagementServerNode) bool {
		return removeRow(n, at)
	})
}

// Peer state operations
func (s *BadgerStore) UpdatePeerState(ctx context.Context, ps *types.PeerState) error {
	data, err := json.Marshal(ps)
	if err != nil {
		return err
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(badgerPeerKey(ps.OwnerMsID, ps.PeerMsID), data)
	})
}

func (s *BadgerStore) ListPeerStates(ctx context.Context, ownerMsID int64) ([]*types.PeerState, error) {
	var peers []*types.PeerState
	prefix := badgerPeerPrefix + string(nodeKey(ownerMsID))
	err := s.scan(prefix, func(val []byte) error {
		var ps types.PeerState
		if err := json.Unmarshal(val, &ps); err != nil {
			return err
		}
		peers = append(peers, &ps)
		return nil
	})
	return peers, err
}

func (s *BadgerStore) ClearPeerStates(ctx context.Context, ownerMsID int64) (int, error) {
	prefix := []byte(badgerPeerPrefix + string(nodeKey(ownerMsID)))
	affected := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		affected = 0
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		var keys [][]byte
		it := txn.NewIterator(opts)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		affected = len(keys)
		return nil
	})
	return affected, err
}

func (s *BadgerStore) CountStateSeenInPeers(ctx context.Context, msid, runID int64, state types.NodeState) (int, error) {
	count := 0
	err := s.scan(badgerPeerPrefix, func(val []byte) error {
		var ps types.PeerState
		if err := json.Unmarshal(val, &ps); err != nil {
			return err
		}
		if ps.PeerMsID == msid && ps.PeerRunID == runID && ps.PeerState == state {
			count++
		}
		return nil
	})
	return count, err
}
