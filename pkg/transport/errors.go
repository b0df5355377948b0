package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrPeerUnavailable is returned when a peer is unknown, not Up, or cannot be reached
	ErrPeerUnavailable = errors.New("peer unavailable")
	// ErrRequestTimeout is returned when no response arrives within the request timeout.
	// The remote side may still execute the request.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrTransportClosed is returned once the transport has been stopped
	ErrTransportClosed = errors.New("transport closed")
	// ErrMalformedPdu is returned when a cluster service form cannot be decoded
	ErrMalformedPdu = errors.New("malformed pdu")
)

// RemoteError is the failure reported by a peer's dispatcher
type RemoteError struct {
	Peer       string
	Dispatcher string
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer %s dispatcher %q failed: %s", e.Peer, e.Dispatcher, e.Message)
}
