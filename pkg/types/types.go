package types

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// ManagementServerNode represents one management-server process registered in the peer registry
type ManagementServerNode struct {
	MsID        int64      `json:"msid"`
	RunID       int64      `json:"run_id"` // Changes on every process start
	Name        string     `json:"name"`
	ServiceIP   string     `json:"service_ip"`
	ServicePort int        `json:"service_port"`
	Version     string     `json:"version"`
	State       NodeState  `json:"state"`
	LastUpdate  time.Time  `json:"last_update"` // Last heartbeat
	AlertCount  int        `json:"alert_count"`
	Created     time.Time  `json:"created"`
	Removed     *time.Time `json:"removed,omitempty"` // Soft-delete marker
}

// PeerName returns the name other nodes use to address this node
func (n *ManagementServerNode) PeerName() string {
	return PeerNameOf(n.MsID)
}

// ServiceAddr returns the host:port of the node's PDU listener
func (n *ManagementServerNode) ServiceAddr() string {
	return net.JoinHostPort(n.ServiceIP, strconv.Itoa(n.ServicePort))
}

// IsRemoved reports whether the node has been soft-deleted
func (n *ManagementServerNode) IsRemoved() bool {
	return n.Removed != nil
}

// IsLive reports whether the node is Up and not removed
func (n *ManagementServerNode) IsLive() bool {
	return n.State == NodeStateUp && !n.IsRemoved()
}

// Clone returns a deep copy of the node
func (n *ManagementServerNode) Clone() *ManagementServerNode {
	c := *n
	if n.Removed != nil {
		removed := *n.Removed
		c.Removed = &removed
	}
	return &c
}

// NodeState represents the registry state of a management server
type NodeState string

const (
	NodeStateUp   NodeState = "Up"
	NodeStateDown NodeState = "Down"
)

// LocalState is a node's view of its own liveness. It is never persisted.
type LocalState string

const (
	LocalStateUp       LocalState = "Up"
	LocalStateIsolated LocalState = "Isolated"
)

// PeerState is one node's local view of another node
type PeerState struct {
	OwnerMsID  int64     `json:"owner_msid"`
	PeerMsID   int64     `json:"peer_msid"`
	PeerRunID  int64     `json:"peer_run_id"`
	PeerState  NodeState `json:"peer_state"`
	LastUpdate time.Time `json:"last_update"`
}

// PeerNameOf converts a management server id into its peer name
func PeerNameOf(msid int64) string {
	return strconv.FormatInt(msid, 10)
}

// ParsePeerName converts a peer name back into a management server id
func ParsePeerName(name string) (int64, error) {
	msid, err := strconv.ParseInt(name, 10, 64)
	if err != nil || msid <= 0 {
		return 0, fmt.Errorf("invalid peer name %q", name)
	}
	return msid, nil
}

// PduType identifies the role of a ClusterServicePdu
type PduType int

const (
	PduTypeMessage  PduType = 0
	PduTypeRequest  PduType = 1
	PduTypeResponse PduType = 2
)

func (t PduType) String() string {
	switch t {
	case PduTypeMessage:
		return "message"
	case PduTypeRequest:
		return "request"
	case PduTypeResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Valid reports whether t is a known PDU type
func (t PduType) Valid() bool {
	return t >= PduTypeMessage && t <= PduTypeResponse
}

// ClusterServicePdu is a single message exchanged between management servers
type ClusterServicePdu struct {
	SequenceID    uint64
	AckSequenceID uint64 // For responses, the SequenceID of the request being answered
	SourcePeer    string
	DestPeer      string
	AgentID       int64
	Dispatcher    string
	Package       string // Serialized command payload
	StopOnError   bool
	Type          PduType
	Error         string // Set on responses when the remote dispatch failed
}

// RemoteMethod is the method code carried in the "method" field of a cluster service request
type RemoteMethod int

const (
	MethodUnknown    RemoteMethod = 0
	MethodPing       RemoteMethod = 4
	MethodDeliverPdu RemoteMethod = 5
)

func (m RemoteMethod) String() string {
	switch m {
	case MethodPing:
		return "PING"
	case MethodDeliverPdu:
		return "DELIVER_PDU"
	default:
		return "UNKNOWN"
	}
}
