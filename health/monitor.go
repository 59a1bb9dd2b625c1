// Package health turns heartbeat samples into per-node liveness events.
//
// Failures are counted per node: every unhealthy sample adds one and so does
// every heartbeat interval that passes without a sample. A healthy sample
// resets the count. Events are edge triggered, Suspected fires once when the
// count reaches the unhealthy threshold and not again until the node has
// recovered.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Sample is a single heartbeat observation
type Sample struct {
	NodeID  string
	At      time.Time
	Healthy bool
}

type EventType string

const (
	Suspected EventType = "suspected"
	Dead      EventType = "dead"
	Recovered EventType = "recovered"
)

type Event struct {
	Type     EventType
	NodeID   string
	Failures int
}

// Config for the monitor
type Config struct {
	// Interval is the expected time between heartbeats
	Interval time.Duration
	// UnhealthyThreshold is the failure count that makes a node suspect
	UnhealthyThreshold int
	// DeadThreshold is the failure count that makes a node dead. Zero disables it.
	DeadThreshold int
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("health: interval must be positive")
	}
	if c.UnhealthyThreshold < 1 {
		return errors.New("health: unhealthy threshold must be at least 1")
	}
	if c.DeadThreshold != 0 && c.DeadThreshold < c.UnhealthyThreshold {
		return errors.New("health: dead threshold below unhealthy threshold")
	}
	return nil
}

type nodeHealth struct {
	failures  int
	last      time.Time
	suspected bool
	dead      bool
}

// Monitor tracks consecutive failures per node
type Monitor struct {
	cfg     Config
	mu      sync.Mutex
	nodes   map[string]*nodeHealth
	handler func(Event)

	now func() time.Time
	log log.FieldLogger
}

// NewMonitor creates a monitor. handler is called for every event, outside
// the monitor lock, and may be nil.
func NewMonitor(cfg Config, handler func(Event), logger log.FieldLogger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Monitor{
		cfg:     cfg,
		nodes:   make(map[string]*nodeHealth),
		handler: handler,
		now:     time.Now,
		log:     logger.WithField("component", "health"),
	}, nil
}

// Track starts the silence clock for a node that has not sent a sample yet
func (m *Monitor) Track(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[id]; !ok {
		m.nodes[id] = &nodeHealth{last: m.now()}
	}
}

// Forget drops all state for a node
func (m *Monitor) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.nodes, id)
}

// Failures returns the effective failure count for a node right now
func (m *Monitor) Failures(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok {
		return 0
	}

	return n.failures + m.missed(n, m.now())
}

// Observe consumes one sample and returns the events it caused
func (m *Monitor) Observe(s Sample) []Event {
	at := s.At
	if at.IsZero() {
		at = m.now()
	}

	m.mu.Lock()

	n, ok := m.nodes[s.NodeID]
	if !ok {
		n = &nodeHealth{last: at}
		m.nodes[s.NodeID] = n
	}

	if at.Before(n.last) {
		// Late delivery of an older sample, the silence clock already moved on
		m.mu.Unlock()
		m.log.WithField("node", s.NodeID).Debug("Dropping out of order health sample")
		return nil
	}

	if s.Healthy {
		n.failures = 0
	} else {
		// The sample fills the latest slot, only the ones before it were silent
		silent := m.missed(n, at) - 1
		if silent < 0 {
			silent = 0
		}
		n.failures += silent + 1
	}
	n.last = at
	failures := n.failures

	events := m.evaluate(s.NodeID, n, failures)
	m.mu.Unlock()

	if !s.Healthy {
		m.log.WithField("node", s.NodeID).WithField("failures", failures).Debug("Unhealthy sample")
	}

	m.deliver(events)

	return events
}

// Sweep accounts for missed heartbeats up to now
func (m *Monitor) Sweep(now time.Time) []Event {
	m.mu.Lock()

	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var events []Event
	for _, id := range ids {
		n := m.nodes[id]
		events = append(events, m.evaluate(id, n, n.failures+m.missed(n, now))...)
	}

	m.mu.Unlock()

	m.deliver(events)

	return events
}

// Run consumes samples and sweeps every interval until ctx is done
func (m *Monitor) Run(ctx context.Context, samples <-chan Sample) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case s, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			m.Observe(s)
		case <-ticker.C:
			m.Sweep(m.now())
		case <-ctx.Done():
			m.log.Info("Health monitor stopping")
			return nil
		}
	}
}

// missed is the number of whole heartbeat intervals without a sample
func (m *Monitor) missed(n *nodeHealth, now time.Time) int {
	elapsed := now.Sub(n.last)
	if elapsed <= 0 {
		return 0
	}

	return int(elapsed / m.cfg.Interval)
}

// evaluate must be called with m.mu held
func (m *Monitor) evaluate(id string, n *nodeHealth, failures int) []Event {
	var events []Event

	if failures == 0 {
		if n.suspected || n.dead {
			n.suspected = false
			n.dead = false
			events = append(events, Event{Type: Recovered, NodeID: id})
		}
		return events
	}

	if failures >= m.cfg.UnhealthyThreshold && !n.suspected {
		n.suspected = true
		events = append(events, Event{Type: Suspected, NodeID: id, Failures: failures})
	}

	if m.cfg.DeadThreshold > 0 && failures >= m.cfg.DeadThreshold && !n.dead {
		n.dead = true
		events = append(events, Event{Type: Dead, NodeID: id, Failures: failures})
	}

	return events
}

func (m *Monitor) deliver(events []Event) {
	for _, e := range events {
		m.log.WithField("node", e.NodeID).WithField("failures", e.Failures).Warnf("Node %s", e.Type)

		if m.handler != nil {
			m.handler(e)
		}
	}
}
