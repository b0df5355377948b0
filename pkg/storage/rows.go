package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cuemby/mscluster/pkg/types"
)

// Row-level rules shared by every backend. Backends load the current row,
// apply one of these inside a write transaction and persist the result.

func validateNode(node *types.ManagementServerNode) error {
	if node == nil {
		return fmt.Errorf("%w: nil node", ErrInvalidNode)
	}
	if node.MsID <= 0 {
		return fmt.Errorf("%w: msid must be positive", ErrInvalidNode)
	}
	if node.ServicePort < 0 || node.ServicePort > 65535 {
		return fmt.Errorf("%w: service port %d out of range", ErrInvalidNode, node.ServicePort)
	}
	return nil
}

// registerRow merges an incoming registration into the existing row (nil if
// none). The stored RunID always increases across registrations.
func registerRow(existing, incoming *types.ManagementServerNode) *types.ManagementServerNode {
	row := incoming.Clone()
	if row.LastUpdate.IsZero() {
		row.LastUpdate = time.Now()
	}
	row.State = types.NodeStateUp
	row.Removed = nil
	row.Created = row.LastUpdate

	if existing != nil {
		row.Created = existing.Created
		row.AlertCount = existing.AlertCount
		if row.RunID <= existing.RunID {
			row.RunID = existing.RunID + 1
		}
	}
	if row.RunID <= 0 {
		row.RunID = row.LastUpdate.UnixMilli()
	}
	return row
}

// heartbeatRow refreshes LastUpdate when the row still belongs to runID.
// LastUpdate never moves backwards.
func heartbeatRow(row *types.ManagementServerNode, runID int64, at time.Time) bool {
	if row.RunID != runID || row.State != types.NodeStateUp || row.IsRemoved() {
		return false
	}
	if at.After(row.LastUpdate) {
		row.LastUpdate = at
	}
	return true
}

// transitionRow moves the row from one state to another if it is still in
// the expected state under the expected RunID. A zero runID matches any run.
func transitionRow(row *types.ManagementServerNode, runID int64, from, to types.NodeState) bool {
	if row.IsRemoved() || row.State != from {
		return false
	}
	if runID != 0 && row.RunID != runID {
		return false
	}
	row.State = to
	return true
}

// removeRow soft-deletes a row that is already Down
func removeRow(row *types.ManagementServerNode, at time.Time) bool {
	if row.IsRemoved() || row.State != types.NodeStateDown {
		return false
	}
	removed := at
	row.Removed = &removed
	return true
}

func isActive(row *types.ManagementServerNode, cutoff time.Time) bool {
	return row.IsLive() && !row.LastUpdate.Before(cutoff)
}

func isInactive(row *types.ManagementServerNode, cutoff time.Time) bool {
	return row.IsLive() && row.LastUpdate.Before(cutoff)
}

func nodeKey(msid int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(msid))
	return b
}

func peerKey(owner, peer int64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], uint64(owner))
	binary.BigEndian.PutUint64(b[8:], uint64(peer))
	return b
}
