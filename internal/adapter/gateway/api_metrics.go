package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
// This uses the lightweight text format to avoid pulling in the full prometheus client.
func metricsHandler(deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		fmt.Fprintf(w, "# HELP wanctl_jobs_started_total Jobs launched.\n")
		fmt.Fprintf(w, "# TYPE wanctl_jobs_started_total counter\n")
		fmt.Fprintf(w, "wanctl_jobs_started_total %d\n", metrics.JobsStarted.Load())

		fmt.Fprintf(w, "# HELP wanctl_jobs_finished_total Jobs that exited, by outcome.\n")
		fmt.Fprintf(w, "# TYPE wanctl_jobs_finished_total counter\n")
		fmt.Fprintf(w, "wanctl_jobs_finished_total{outcome=\"success\"} %d\n", metrics.JobsSucceeded.Load())
		fmt.Fprintf(w, "wanctl_jobs_finished_total{outcome=\"failed\"} %d\n", metrics.JobsFailed.Load())
		fmt.Fprintf(w, "wanctl_jobs_finished_total{outcome=\"cancelled\"} %d\n", metrics.JobsCancelled.Load())

		fmt.Fprintf(w, "# HELP wanctl_output_bytes_total Bytes of child output received.\n")
		fmt.Fprintf(w, "# TYPE wanctl_output_bytes_total counter\n")
		fmt.Fprintf(w, "wanctl_output_bytes_total %d\n", metrics.OutputBytes.Load())

		running := 0
		if h, ok := deps.Jobs.Current(); ok && h.State.Active() {
			running = 1
		}
		fmt.Fprintf(w, "# HELP wanctl_job_running Whether a job is active.\n")
		fmt.Fprintf(w, "# TYPE wanctl_job_running gauge\n")
		fmt.Fprintf(w, "wanctl_job_running %d\n", running)

		fmt.Fprintf(w, "# HELP wanctl_job_progress_percent Derived progress of the current job.\n")
		fmt.Fprintf(w, "# TYPE wanctl_job_progress_percent gauge\n")
		fmt.Fprintf(w, "wanctl_job_progress_percent %d\n", deps.Jobs.State().Percent)

		fmt.Fprintf(w, "# HELP wanctl_uptime_seconds Seconds since the gateway started.\n")
		fmt.Fprintf(w, "# TYPE wanctl_uptime_seconds gauge\n")
		fmt.Fprintf(w, "wanctl_uptime_seconds %.0f\n", time.Since(startTime).Seconds())

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)
	}
}
