// Package dispatch routes inbound PDUs to named handlers.
//
// Every PDU names the dispatcher that should execute its payload. Names are
// matched exactly. A Request whose dispatcher is unknown, or whose dispatcher
// returns an error, is still answered: the error text travels back in the
// Response PDU and surfaces on the caller as a transport.RemoteError.
package dispatch
