package dispatch

import "github.com/prometheus/client_golang/prometheus"

// promMetrics are the process-wide Prometheus counters backing every
// Backend's activity, labeled by backend name so a multi-backend
// dispatcher (e.g. "default" plus a GPU pool) exposes per-pool rates
// alongside the in-process Metrics() snapshot each Backend also returns.
var (
	dispatchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowengine_dispatch_dispatched_total",
		Help: "Ready events handed to a backend's Execute.",
	}, []string{"backend"})
	succeededTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowengine_dispatch_succeeded_total",
		Help: "Task attempts a backend completed successfully.",
	}, []string{"backend"})
	failedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowengine_dispatch_failed_total",
		Help: "Task attempts a backend reported as failed, including timeouts.",
	}, []string{"backend"})
	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowengine_dispatch_rejected_total",
		Help: "Execute calls that could not acquire a worker permit.",
	}, []string{"backend"})
)

func init() {
	prometheus.MustRegister(dispatchedTotal, succeededTotal, failedTotal, rejectedTotal)
}
