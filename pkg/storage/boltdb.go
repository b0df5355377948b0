package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/mscluster/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketNodes = []byte("nodes")
	bucketPeers = []byte("peers")
)

// BoltFileName is the registry file created inside the data directory
const BoltFileName = "registry.db"

// BoltStore implements Store interface using BoltDB.
// Bolt allows a single writer at a time, so every guarded update is a
// read-check-write inside one db.Update and cannot interleave with another.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, BoltFileName)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNodes, bucketPeers} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func getBoltNode(b *bolt.Bucket, msid int64) (*types.ManagementServerNode, error) {
	data := b.Get(nodeKey(msid))
	if data == nil {
		return nil, nil
	}
	var node types.ManagementServerNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to decode node %d: %w", msid, err)
	}
	return &node, nil
}

func putBoltNode(b *bolt.Bucket, node *types.ManagementServerNode) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return b.Put(nodeKey(node.MsID), data)
}

// updateNode applies fn to the stored row and persists it when fn reports a change
func (s *BoltStore) updateNode(ctx context.Context, msid int64, fn func(*types.ManagementServerNode) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	affected := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		node, err := getBoltNode(b, msid)
		if err != nil {
			return err
		}
		if node == nil || !fn(node) {
			return nil
		}
		affected = 1
		return putBoltNode(b, node)
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// Management server operations
func (s *BoltStore) RegisterNode(ctx context.Context, node *types.ManagementServerNode) (*types.ManagementServerNode, error) {
	if err := validateNode(node); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var row *types.ManagementServerNode
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		existing, err := getBoltNode(b, node.MsID)
		if err != nil {
			return err
		}
		row = registerRow(existing, node)
		return putBoltNode(b, row)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *BoltStore) GetNode(ctx context.Context, msid int64) (*types.ManagementServerNode, error) {
	var node *types.ManagementServerNode
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		node, err = getBoltNode(tx.Bucket(bucketNodes), msid)
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

func (s *BoltStore) listNodes(filter func(*types.ManagementServerNode) bool) ([]*types.ManagementServerNode, error) {
	var nodes []*types.ManagementServerNode
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.ManagementServerNode
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if filter(&node) {
				nodes = append(nodes, &node)
			}
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) ListNodes(ctx context.Context, includeRemoved bool) ([]*types.ManagementServerNode, error) {
	return s.listNodes(func(n *types.ManagementServerNode) bool {
		return includeRemoved || !n.IsRemoved()
	})
}

func (s *BoltStore) UpdateHeartbeat(ctx context.Context, msid, runID int64, at time.Time) (int, error) {
	return s.updateNode(ctx, msid, func(n *types.ManagementServerNode) bool {
		return heartbeatRow(n, runID, at)
	})
}

func (s *BoltStore) TransitionState(ctx context.Context, msid, runID int64, from, to types.NodeState) (int, error) {
	return s.updateNode(ctx, msid, func(n *types.ManagementServerNode) bool {
		return transitionRow(n, runID, from, to)
	})
}

func (s *BoltStore) ListActive(ctx context.Context, cutoff time.Time) ([]*types.ManagementServerNode, error) {
	return s.listNodes(func(n *types.ManagementServerNode) bool { return isActive(n, cutoff) })
}

func (s *BoltStore) ListInactive(ctx context.Context, cutoff time.Time) ([]*types.ManagementServerNode, error) {
	return s.listNodes(func(n *types.ManagementServerNode) bool { return isInactive(n, cutoff) })
}

func (s *BoltStore) IncrementAlertCount(ctx context.Context, msid int64) (int, error) {
	return s.updateNode(ctx, msid, func(n *types.ManagementServerNode) bool {
		n.AlertCount++
		return true
	})
}

func (s *BoltStore) RemoveNode(ctx context.Context, msid int64, at time.Time) (int, error) {
	if _, err := s.GetNode(ctx, msid); err != nil {
		return 0, err
	}
	return s.updateNode(ctx, msid, func(n *types.ManagementServerNode) bool {
		return removeRow(n, at)
	})
}

// Peer state operations
func (s *BoltStore) UpdatePeerState(ctx context.Context, ps *types.PeerState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		data, err := json.Marshal(ps)
		if err != nil {
			return err
		}
		return b.Put(peerKey(ps.OwnerMsID, ps.PeerMsID), data)
	})
}

func (s *BoltStore) ListPeerStates(ctx context.Context, ownerMsID int64) ([]*types.PeerState, error) {
	var peers []*types.PeerState
	prefix := nodeKey(ownerMsID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPeers).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ps types.PeerState
			if err := json.Unmarshal(v, &ps); err != nil {
				return err
			}
			peers = append(peers, &ps)
		}
		return nil
	})
	return peers, err
}

func (s *BoltStore) ClearPeerStates(ctx context.Context, ownerMsID int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prefix := nodeKey(ownerMsID)
	affected := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		affected = len(keys)
		return nil
	})
	return affected, err
}

func (s *BoltStore) CountStateSeenInPeers(ctx context.Context, msid, runID int64, state types.NodeState) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(k, v []byte) error {
			var ps types.PeerState
			if err := json.Unmarshal(v, &ps); err != nil {
				return err
			}
			if ps.PeerMsID == msid && ps.PeerRunID == runID && ps.PeerState == state {
				count++
			}
			return nil
		})
	})
	return count, err
}
