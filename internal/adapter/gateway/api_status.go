package gateway

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Version is reported by the status endpoint; set by cmd/wanctl.
var Version = "dev"

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service ServiceStatus `json:"service"`
	Job     JobState      `json:"job"`
}

// ServiceStatus holds process overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Metrics tracks job counters for the status API and Prometheus metrics.
type Metrics struct {
	JobsStarted   atomic.Int64
	JobsSucceeded atomic.Int64
	JobsFailed    atomic.Int64
	JobsCancelled atomic.Int64
	OutputBytes   atomic.Int64
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(deps HandlerDeps, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := StatusResponse{
			Service: ServiceStatus{
				Name:          "wanctl",
				Version:       Version,
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
			},
			Job: currentState(deps.Jobs),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
