package transport

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Hub connects endpoints inside one process
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	log       log.FieldLogger
}

func NewHub(logger log.FieldLogger) *Hub {
	return &Hub{
		endpoints: make(map[string]*Endpoint),
		log:       logger.WithField("component", "hub"),
	}
}

// Join attaches a node to the hub. Joining twice returns the same endpoint.
func (h *Hub) Join(id string) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ep, ok := h.endpoints[id]; ok {
		return ep
	}

	ep := &Endpoint{id: id, hub: h, inbox: newInbox()}
	h.endpoints[id] = ep

	return ep
}

// Members returns the attached node ids in order
func (h *Hub) Members() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.endpoints))
	for id := range h.endpoints {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (h *Hub) leave(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.endpoints, id)
}

func (h *Hub) targets() []*Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Endpoint, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })

	return out
}

func (h *Hub) get(id string) (*Endpoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ep, ok := h.endpoints[id]
	return ep, ok
}

// Endpoint is one node's view of the hub
type Endpoint struct {
	id    string
	hub   *Hub
	inbox *inbox
}

func (e *Endpoint) ID() string {
	return e.id
}

func (e *Endpoint) Broadcast(ctx context.Context, env Envelope) error {
	if e.inbox.closed() {
		return ErrClosed
	}

	env.From = e.id

	for _, ep := range e.hub.targets() {
		env.To = ep.id
		if err := ep.inbox.deliver(ctx, env); err != nil {
			if errors.Is(err, ErrClosed) {
				continue
			}
			return errors.Wrapf(err, "broadcast %s to %s", env.Topic, ep.id)
		}
	}

	return nil
}

func (e *Endpoint) Send(ctx context.Context, to string, env Envelope) error {
	if e.inbox.closed() {
		return ErrClosed
	}

	ep, ok := e.hub.get(to)
	if !ok {
		e.hub.log.WithField("from", e.id).WithField("to", to).WithField("topic", env.Topic).Warn("Send to unknown node")
		return errors.Wrapf(ErrUnknownPeer, "send %s to %s", env.Topic, to)
	}

	env.From = e.id
	env.To = to

	if err := ep.inbox.deliver(ctx, env); err != nil {
		return errors.Wrapf(err, "send %s to %s", env.Topic, to)
	}

	return nil
}

func (e *Endpoint) Receive(topic Topic) <-chan Envelope {
	return e.inbox.channel(topic)
}

// Close detaches the endpoint, pending messages stay readable
func (e *Endpoint) Close() error {
	e.inbox.close()
	e.hub.leave(e.id)
	return nil
}
