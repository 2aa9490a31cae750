// Package metrics records pdoflow's operational counters and gauges behind
// a small interface so the jobs package never depends on a concrete
// backend. The Prometheus implementation lives alongside; tests and
// metric-less deployments use Noop.
package metrics

// Names of the standard pdoflow metrics.
const (
	LiveWorkers      = "pdoflow_live_workers"
	JobsClaimed      = "pdoflow_jobs_claimed_total"
	JobsExecuted     = "pdoflow_jobs_executed_total"
	JobsFailed       = "pdoflow_jobs_failed_total"
	ProfilesCaptured = "pdoflow_profiles_captured_total"
	WorkerRespawns   = "pdoflow_worker_respawns_total"
)

type Metrics interface {
	Register(name, metricType, help string)
	Record(name string, value float64)
}

// RegisterStandard registers the full pdoflow metric set on m. Callers that
// only want a subset can register names individually instead.
func RegisterStandard(m Metrics) {
	m.Register(LiveWorkers, "Gauge", "Number of live workers in this pool")
	m.Register(JobsClaimed, "Counter", "Job records claimed by this process")
	m.Register(JobsExecuted, "Counter", "Job records executed successfully")
	m.Register(JobsFailed, "Counter", "Job record executions that failed")
	m.Register(ProfilesCaptured, "Counter", "Execution profiles persisted")
	m.Register(WorkerRespawns, "Counter", "Dead worker slots respawned")
}

// Noop discards every recording.
type Noop struct{}

func (Noop) Register(name, metricType, help string) {}
func (Noop) Record(name string, value float64)      {}
