package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the runner's core counters.
type Metrics struct {
	tasks      *prometheus.CounterVec
	claimRaces prometheus.Counter
	heartbeats prometheus.Counter
	zombies    prometheus.Counter
	controls   *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	tasks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leaseq_tasks_total",
		Help: "Total committed task results by outcome.",
	}, []string{"outcome"})
	claimRaces := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leaseq_claim_races_total",
		Help: "Total claim attempts lost to a concurrent rename.",
	})
	heartbeats := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leaseq_heartbeats_total",
		Help: "Total heartbeat records written.",
	})
	zombies := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leaseq_zombies_recovered_total",
		Help: "Total claimed-without-result files returned to the inbox.",
	})
	controls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leaseq_control_commands_total",
		Help: "Total control files consumed by verb.",
	}, []string{"verb"})

	tasks = registerCounterVec(registerer, tasks)
	claimRaces = registerCounter(registerer, claimRaces)
	heartbeats = registerCounter(registerer, heartbeats)
	zombies = registerCounter(registerer, zombies)
	controls = registerCounterVec(registerer, controls)

	return &Metrics{
		tasks:      tasks,
		claimRaces: claimRaces,
		heartbeats: heartbeats,
		zombies:    zombies,
		controls:   controls,
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncTask(outcome string) {
	if m == nil || m.tasks == nil {
		return
	}
	m.tasks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncClaimRace() {
	if m == nil || m.claimRaces == nil {
		return
	}
	m.claimRaces.Inc()
}

func (m *Metrics) IncHeartbeat() {
	if m == nil || m.heartbeats == nil {
		return
	}
	m.heartbeats.Inc()
}

func (m *Metrics) IncZombie() {
	if m == nil || m.zombies == nil {
		return
	}
	m.zombies.Inc()
}

func (m *Metrics) IncControl(verb string) {
	if m == nil || m.controls == nil {
		return
	}
	m.controls.WithLabelValues(verb).Inc()
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}

func registerCounter(registerer prometheus.Registerer, counter prometheus.Counter) prometheus.Counter {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				return existing
			}
		}
	}
	return counter
}
