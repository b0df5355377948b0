/*
Package api implements the admin HTTP server of a management server.

The admin API is for operators and the mscluster CLI. It is separate from the
cluster service that peers use to exchange PDUs.

# Endpoints

	GET    /health        liveness; 503 once the node has fenced itself
	GET    /ready         readiness; 503 until registered and critical components are healthy
	GET    /metrics       Prometheus metrics
	GET    /nodes         registry rows; ?all=true includes removed nodes
	DELETE /nodes/{msid}  soft-delete a Down node (409 if it is still Up)
	POST   /exec          run a payload on a peer and wait for the result
	POST   /ping          check that a peer's cluster service answers

Errors are returned as {"error": "..."}. POST /exec maps transport failures to
status codes:

	503  peer unknown, Down or removed
	504  request timed out; the peer may still run it
	422  the remote dispatcher failed
	502  the request could not be delivered

Every request is counted in mscluster_api_requests_total by route pattern
and status code.
*/
package api
