package api

import (
	"net/http"

	"github.com/cuemby/mscluster/pkg/metrics"
	"github.com/cuemby/mscluster/pkg/types"
)

// healthHandler implements the /health endpoint.
// It is a liveness check: unhealthy components are reported but only an
// isolated node fails it, since a fenced process must be restarted.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := metrics.GetHealth()
	if s.cluster != nil && s.cluster.LocalState() == types.LocalStateIsolated {
		health.Status = "unhealthy"
		health.Message = "management server is isolated"
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// readyHandler implements the /ready endpoint.
// A node is ready once it is registered and every critical component is healthy.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	readiness := metrics.GetReadiness()

	switch {
	case s.cluster == nil || s.cluster.Self() == nil:
		readiness.Status = "not_ready"
		readiness.Message = "management server not registered"
	case s.cluster.LocalState() == types.LocalStateIsolated:
		readiness.Status = "not_ready"
		readiness.Message = "management server is isolated"
	}

	code := http.StatusOK
	if readiness.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, readiness)
}
