package membership

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned for operations on ids the registry does not know
var ErrNotFound = errors.New("membership: node not found")

type Role string

const (
	Coordinator Role = "coordinator"
	Worker      Role = "worker"
)

type Status string

const (
	Alive   Status = "alive"
	Suspect Status = "suspect"
	Dead    Status = "dead"
)

// Node is a cluster member as seen by the registry
type Node struct {
	ID        string    `json:"id" msgpack:"id"`
	Addr      string    `json:"address" msgpack:"address"`
	Role      Role      `json:"role" msgpack:"role"`
	TaskCount int       `json:"task_count" msgpack:"task_count"`
	LastSeen  time.Time `json:"last_seen" msgpack:"last_seen"`
	Status    Status    `json:"status" msgpack:"status"`
	DeadSince time.Time `json:"dead_since,omitempty" msgpack:"dead_since,omitempty"`
}

type EventType string

const (
	Joined    EventType = "joined"
	Left      EventType = "left"
	Suspected EventType = "suspected"
	Died      EventType = "dead"
	Recovered EventType = "recovered"
)

// Event describes a membership change. Node is the state after the change,
// or the last known state for Left.
type Event struct {
	Type EventType
	Node Node
}

// Registry is the authoritative set of known nodes
type Registry struct {
	mu        sync.RWMutex
	nodes     map[string]*Node
	listeners []func(Event)

	now func() time.Time
	log log.FieldLogger
}

// NewRegistry creates an empty registry
func NewRegistry(logger log.FieldLogger) *Registry {
	return &Registry{
		nodes: make(map[string]*Node),
		now:   time.Now,
		log:   logger.WithField("component", "registry"),
	}
}

// OnChange adds a listener called after every membership change. Listeners
// run outside the registry lock, in the goroutine making the change.
func (r *Registry) OnChange(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, fn)
}

// Register upserts a node and refreshes its last seen time
func (r *Registry) Register(id, addr string, role Role) {
	r.mu.Lock()

	now := r.now()
	n, ok := r.nodes[id]
	if !ok {
		n = &Node{ID: id}
		r.nodes[id] = n
	}

	wasAlive := ok && n.Status == Alive

	if addr != "" {
		n.Addr = addr
	}
	n.Role = role
	n.LastSeen = now
	n.Status = Alive
	n.DeadSince = time.Time{}

	snap := *n
	r.mu.Unlock()

	switch {
	case !ok:
		r.log.WithField("node", id).WithField("role", role).Info("Registered node")
		r.emit(Event{Type: Joined, Node: snap})
	case !wasAlive:
		r.log.WithField("node", id).Info("Node re-registered")
		r.emit(Event{Type: Recovered, Node: snap})
	}
}

// Touch refreshes the last seen time of a known node
func (r *Registry) Touch(id string) error {
	r.mu.Lock()

	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "touch %s", id)
	}

	recovered := n.Status != Alive
	n.LastSeen = r.now()
	n.Status = Alive
	n.DeadSince = time.Time{}

	snap := *n
	r.mu.Unlock()

	if recovered {
		r.emit(Event{Type: Recovered, Node: snap})
	}

	return nil
}

// Deregister removes a node
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()

	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "deregister %s", id)
	}

	delete(r.nodes, id)
	snap := *n
	r.mu.Unlock()

	r.log.WithField("node", id).Info("Deregistered node")
	r.emit(Event{Type: Left, Node: snap})

	return nil
}

// MarkSuspect flags a node as likely dead
func (r *Registry) MarkSuspect(id string) error {
	return r.setStatus(id, Suspect, Suspected)
}

// MarkDead flags a node as dead, it stays listed until pruned
func (r *Registry) MarkDead(id string) error {
	return r.setStatus(id, Dead, Died)
}

func (r *Registry) setStatus(id string, s Status, et EventType) error {
	r.mu.Lock()

	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "mark %s %s", id, s)
	}

	if n.Status == s {
		r.mu.Unlock()
		return nil
	}

	n.Status = s
	if s == Dead {
		n.DeadSince = r.now()
	}

	snap := *n
	r.mu.Unlock()

	r.log.WithField("node", id).WithField("status", s).Warn("Node status changed")
	r.emit(Event{Type: et, Node: snap})

	return nil
}

// Prune deregisters dead nodes that have been dead for longer than retention
func (r *Registry) Prune(retention time.Duration) []string {
	cutoff := r.now().Add(-retention)

	r.mu.RLock()
	var expired []string
	for id, n := range r.nodes {
		if n.Status == Dead && !n.DeadSince.After(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	sort.Strings(expired)

	pruned := expired[:0]
	for _, id := range expired {
		// Someone else may have removed it between the scan and now
		if err := r.Deregister(id); err == nil {
			pruned = append(pruned, id)
		}
	}

	return pruned
}

// SetTaskCount mirrors the load balancer's view onto the node record
func (r *Registry) SetTaskCount(id string, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "set task count %s", id)
	}

	n.TaskCount = count

	return nil
}

// Get returns a copy of the node
func (r *Registry) Get(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}

	return *n, true
}

// IsMember reports whether the registry knows id, dead or not
func (r *Registry) IsMember(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.nodes[id]
	return ok
}

// List returns a snapshot ordered by id
func (r *Registry) List() []Node {
	r.mu.RLock()
	list := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		list = append(list, *n)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	return list
}

// LiveCount is the number of members not marked dead
func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, n := range r.nodes {
		if n.Status != Dead {
			count++
		}
	}

	return count
}

// Len is the number of known nodes
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.nodes)
}

// Restore replaces the registry contents. Listeners see a Joined event for
// every restored node and a Left event for every node that disappeared.
func (r *Registry) Restore(nodes []Node) {
	r.mu.Lock()

	old := r.nodes
	r.nodes = make(map[string]*Node, len(nodes))

	events := make([]Event, 0, len(nodes)+len(old))
	for i := range nodes {
		n := nodes[i]
		r.nodes[n.ID] = &n

		if _, ok := old[n.ID]; !ok {
			events = append(events, Event{Type: Joined, Node: n})
		}
	}

	for id, n := range old {
		if _, ok := r.nodes[id]; !ok {
			events = append(events, Event{Type: Left, Node: *n})
		}
	}

	r.mu.Unlock()

	r.log.WithField("nodes", len(nodes)).Info("Restored membership")

	for _, e := range events {
		r.emit(e)
	}
}

func (r *Registry) emit(e Event) {
	r.mu.RLock()
	listeners := make([]func(Event), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn(e)
	}
}

// RoleView counts and recognises only the members holding one role
type RoleView struct {
	r    *Registry
	role Role
}

// WithRole returns a view of the registry restricted to role
func (r *Registry) WithRole(role Role) RoleView {
	return RoleView{r: r, role: role}
}

// LiveCount is the number of non dead members with the role
func (v RoleView) LiveCount() int {
	v.r.mu.RLock()
	defer v.r.mu.RUnlock()

	count := 0
	for _, n := range v.r.nodes {
		if n.Role == v.role && n.Status != Dead {
			count++
		}
	}

	return count
}

// IsMember reports whether id is known with the role
func (v RoleView) IsMember(id string) bool {
	v.r.mu.RLock()
	defer v.r.mu.RUnlock()

	n, ok := v.r.nodes[id]
	return ok && n.Role == v.role
}
