package api

import (
	"net/http"
	"strconv"

	"github.com/cuemby/mscluster/pkg/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument counts admin API requests by route pattern and status code.
// Requests that match no route are counted under "unmatched".
func Instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		_, pattern := mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}

		mux.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(pattern, strconv.Itoa(rec.status)).Inc()
	})
}
