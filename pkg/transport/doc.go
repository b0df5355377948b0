/*
Package transport carries PDUs between management servers.

Every management server serves POST /clusterservice with a form-encoded body.
The "method" field selects the operation:

	4  PING         callingPeer
	5  DELIVER_PDU  pduSeq, pduAckSeq, sourcePeer, destPeer, agentId,
	                gsonPackage, stopOnError ("1" is true), pduType (0/1/2),
	                dispatcher (optional), pduError (optional)

A successful request is answered with 200 and the body "true". An unknown
method gets 400 "bad request", a PDU that fails to decode gets 500 and a
stopping server answers 503.

# Request/response

Delivery is acknowledged before the PDU is processed. A synchronous Call
therefore takes two HTTP requests:

	caller                                   callee
	  │ POST Request{seq=7}                     │
	  │────────────────────────────────────────►│ queue, 200 "true"
	  │                                         │ worker: dispatch
	  │                  POST Response{ack=7}   │
	  │◄────────────────────────────────────────│
	  │ pending[7] completes inline, 200 "true" │

Responses never enter the worker queue, so a dispatcher may itself Call
another peer without starving the pool. The caller waits up to the request
timeout (300s by default), which also bounds delivery of the request. A timeout only
abandons the request locally: the callee still runs it and its late response
is discarded. Dispatchers should therefore be idempotent.

Message PDUs are dispatched without a response. Broadcast sends one Message to
every live peer concurrently and reports per-peer failures without aborting.

# Peers

Peer names are decimal management server ids. A PeerResolver maps names to
registry rows; unknown, Down and removed peers fail with ErrPeerUnavailable.
An optional PeerObserver hears about every peer the transport receives from,
which the manager uses to keep its PeerState view fresh.
*/
package transport
