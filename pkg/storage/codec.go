package storage

import (
	"encoding/json"
	"time"

	"github.com/cuemby/mscluster/pkg/types"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype used by the registry protocol
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets the registry service exchange plain Go structs without
// generated protobuf messages
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

// Registry operations carried in Command.Op
const (
	OpRegisterNode          = "register_node"
	OpGetNode               = "get_node"
	OpListNodes             = "list_nodes"
	OpUpdateHeartbeat       = "update_heartbeat"
	OpTransitionState       = "transition_state"
	OpListActive            = "list_active"
	OpListInactive          = "list_inactive"
	OpIncrementAlertCount   = "increment_alert_count"
	OpRemoveNode            = "remove_node"
	OpUpdatePeerState       = "update_peer_state"
	OpListPeerStates        = "list_peer_states"
	OpClearPeerStates       = "clear_peer_states"
	OpCountStateSeenInPeers = "count_state_seen_in_peers"
)

var readOnlyOps = map[string]bool{
	OpGetNode:               true,
	OpListNodes:             true,
	OpListActive:            true,
	OpListInactive:          true,
	OpListPeerStates:        true,
	OpCountStateSeenInPeers: true,
}

// IsReadOnlyOp reports whether op leaves the registry unchanged
func IsReadOnlyOp(op string) bool {
	return readOnlyOps[op]
}

// Command is a single registry operation sent to a registry server
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Result is the registry server's answer to a Command
type Result struct {
	Affected int             `json:"affected"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// rowArgs carries the arguments of row-level operations
type rowArgs struct {
	MsID           int64           `json:"msid,omitempty"`
	RunID          int64           `json:"run_id,omitempty"`
	At             time.Time       `json:"at,omitempty"`
	From           types.NodeState `json:"from,omitempty"`
	To             types.NodeState `json:"to,omitempty"`
	State          types.NodeState `json:"state,omitempty"`
	IncludeRemoved bool            `json:"include_removed,omitempty"`
}

func newCommand(op string, data interface{}) (*Command, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Command{Op: op, Data: raw}, nil
}
