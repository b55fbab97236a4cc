package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// JoinCounter tracks document joins (first presence per user+document).
	JoinCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_presence_join_total",
		Help: "Total number of document joins",
	})
	// HeartbeatCounter tracks presence renewals.
	HeartbeatCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_presence_heartbeat_total",
		Help: "Total number of presence heartbeats",
	})
	// LockAcquireCounter tracks granted lock acquisitions (including
	// re-entrant refreshes).
	LockAcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_lock_acquire_total",
		Help: "Total number of granted section lock acquisitions",
	})
	// LockConflictCounter tracks acquisitions rejected because the section
	// was held by another user.
	LockConflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_lock_conflict_total",
		Help: "Total number of section lock conflicts",
	})
	// LockReleaseCounter tracks explicit lock releases.
	LockReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_lock_release_total",
		Help: "Total number of section lock releases",
	})
	// SweepPresenceEvictions tracks presence entries evicted by the sweeper.
	SweepPresenceEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_sweep_presence_evictions_total",
		Help: "Total number of presence entries evicted by the sweeper",
	})
	// SweepLockEvictions tracks locks evicted by the sweeper, cascades
	// included.
	SweepLockEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_sweep_lock_evictions_total",
		Help: "Total number of section locks evicted by the sweeper",
	})
	// WatcherGauge reports the number of active event stream watchers.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coedit_watchers",
		Help: "Current number of active event watchers",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers coordinator metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		JoinCounter, HeartbeatCounter,
		LockAcquireCounter, LockConflictCounter, LockReleaseCounter,
		SweepPresenceEvictions, SweepLockEvictions,
		WatcherGauge,
	)
}
