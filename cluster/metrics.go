package cluster

import (
	"net/http"

	"github.com/krantius/anki/membership"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are registered on a per node registry so several nodes can live in
// one process
type Metrics struct {
	registry *prometheus.Registry

	nodes     *prometheus.GaugeVec
	term      prometheus.Gauge
	leader    prometheus.Gauge
	proposals *prometheus.CounterVec
	votes     prometheus.Counter
	tasks     *prometheus.CounterVec
	load      *prometheus.GaugeVec
	health    *prometheus.CounterVec
}

func newMetrics(id string) *Metrics {
	labels := prometheus.Labels{"node": id}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "anki_members",
			Help:        "Known cluster members by role and status.",
			ConstLabels: labels,
		}, []string{"role", "status"}),
		term: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "anki_election_term",
			Help:        "Current election term.",
			ConstLabels: labels,
		}),
		leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "anki_is_leader",
			Help:        "1 when this node leads the current term.",
			ConstLabels: labels,
		}),
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "anki_proposals_total",
			Help:        "Proposals by final outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		votes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "anki_votes_total",
			Help:        "Distinct votes recorded.",
			ConstLabels: labels,
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "anki_tasks_total",
			Help:        "Task state transitions.",
			ConstLabels: labels,
		}, []string{"state"}),
		load: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "anki_worker_tasks",
			Help:        "In flight tasks per worker as seen by the load balancer.",
			ConstLabels: labels,
		}, []string{"worker"}),
		health: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "anki_health_events_total",
			Help:        "Health events by type.",
			ConstLabels: labels,
		}, []string{"event"}),
	}

	m.registry.MustRegister(m.nodes, m.term, m.leader, m.proposals, m.votes, m.tasks, m.load, m.health)

	return m
}

// watch registers gauges computed on scrape
func (m *Metrics) watch(name, help string, id string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{"node": id},
	}, fn))
}

func (m *Metrics) setMembers(nodes []membership.Node) {
	m.nodes.Reset()
	for _, n := range nodes {
		m.nodes.WithLabelValues(string(n.Role), string(n.Status)).Inc()
	}
}

func (m *Metrics) setLeader(term uint64, isLeader bool) {
	m.term.Set(float64(term))
	if isLeader {
		m.leader.Set(1)
	} else {
		m.leader.Set(0)
	}
}

// Gatherer exposes the registry, mostly for tests
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
