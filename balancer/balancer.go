package balancer

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrUnknownNode is returned for node ids the balancer does not track. It is
// expected while the balancer catches up with membership changes.
var ErrUnknownNode = errors.New("balancer: unknown node")

// Balancer tracks in-flight task counts per node and picks the least loaded one
type Balancer struct {
	mu        sync.RWMutex
	counts    map[string]int
	anomalies int

	observer func(id string, count int)
	log      log.FieldLogger
}

// Option configures a Balancer
type Option func(*Balancer)

// WithObserver sets a function called with the new count whenever a node's
// count changes. It runs outside the balancer lock.
func WithObserver(fn func(id string, count int)) Option {
	return func(b *Balancer) { b.observer = fn }
}

// New creates an empty balancer
func New(logger log.FieldLogger, opts ...Option) *Balancer {
	b := &Balancer{
		counts: make(map[string]int),
		log:    logger.WithField("component", "balancer"),
	}

	for _, o := range opts {
		o(b)
	}

	return b
}

// Add starts tracking a node with no tasks. Adding a tracked node keeps its count.
func (b *Balancer) Add(id string) {
	b.mu.Lock()
	_, ok := b.counts[id]
	if !ok {
		b.counts[id] = 0
	}
	b.mu.Unlock()

	if !ok {
		b.log.WithField("node", id).Info("Added node to load balancer")
		b.notify(id, 0)
	}
}

// Remove stops tracking a node
func (b *Balancer) Remove(id string) error {
	b.mu.Lock()
	_, ok := b.counts[id]
	delete(b.counts, id)
	b.mu.Unlock()

	if !ok {
		b.log.WithField("node", id).Warn("Failed to remove node from load balancer: node not found")
		return errors.Wrapf(ErrUnknownNode, "remove %s", id)
	}

	b.log.WithField("node", id).Info("Removed node from load balancer")

	return nil
}

// Assign picks the node with the fewest tasks, lowest id on ties, and
// increments its count. It returns false when no nodes are tracked.
func (b *Balancer) Assign() (string, bool) {
	b.mu.Lock()

	best := ""
	bestCount := 0
	for id, c := range b.counts {
		if best == "" || c < bestCount || (c == bestCount && id < best) {
			best = id
			bestCount = c
		}
	}

	if best == "" {
		b.mu.Unlock()
		b.log.Warn("No nodes available to assign task")
		return "", false
	}

	b.counts[best]++
	count := b.counts[best]
	b.mu.Unlock()

	b.log.WithField("node", best).WithField("tasks", count).Debug("Assigned task")
	b.notify(best, count)

	return best, true
}

// Complete releases one task from a node. The count never goes below zero,
// a completion that would do so is logged as an anomaly.
func (b *Balancer) Complete(id string) (int, error) {
	b.mu.Lock()

	c, ok := b.counts[id]
	if !ok {
		b.mu.Unlock()
		b.log.WithField("node", id).Warn("Failed to complete task: node not found")
		return 0, errors.Wrapf(ErrUnknownNode, "complete %s", id)
	}

	if c == 0 {
		b.anomalies++
		b.mu.Unlock()
		b.log.WithField("node", id).Warn("Task completion with no tasks in flight, clamping at zero")
		return 0, nil
	}

	c--
	b.counts[id] = c
	b.mu.Unlock()

	b.log.WithField("node", id).WithField("tasks", c).Debug("Completed task")
	b.notify(id, c)

	return c, nil
}

// Sync overwrites a node's count from an authoritative report
func (b *Balancer) Sync(id string, count int) error {
	if count < 0 {
		b.log.WithField("node", id).WithField("reported", count).Warn("Negative task count reported, clamping at zero")
		count = 0

		b.mu.Lock()
		b.anomalies++
		b.mu.Unlock()
	}

	b.mu.Lock()
	old, ok := b.counts[id]
	if ok {
		b.counts[id] = count
	}
	b.mu.Unlock()

	if !ok {
		b.log.WithField("node", id).Warn("Node not found in load balancer for update")
		return errors.Wrapf(ErrUnknownNode, "sync %s", id)
	}

	if old != count {
		b.log.WithField("node", id).WithField("from", old).WithField("to", count).Info("Reconciled task count")
		b.notify(id, count)
	}

	return nil
}

// Load returns a node's current count
func (b *Balancer) Load(id string) (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.counts[id]
	return c, ok
}

// Counts returns a copy of the load table
func (b *Balancer) Counts() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]int, len(b.counts))
	for id, c := range b.counts {
		out[id] = c
	}
	return out
}

// Nodes returns the tracked ids in order
func (b *Balancer) Nodes() []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.counts))
	for id := range b.counts {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len is the number of tracked nodes
func (b *Balancer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.counts)
}

// Anomalies is how many times a count had to be clamped
func (b *Balancer) Anomalies() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.anomalies
}

func (b *Balancer) notify(id string, count int) {
	if b.observer != nil {
		b.observer(id, count)
	}
}
