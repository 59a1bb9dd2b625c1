// Package cluster wires the coordination components of an An node together
// and connects them to a transport.
package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/krantius/anki/balancer"
	"github.com/krantius/anki/consensus"
	"github.com/krantius/anki/election"
	"github.com/krantius/anki/health"
	"github.com/krantius/anki/membership"
	"github.com/krantius/anki/scheduler"
	"github.com/krantius/anki/snapshot"
	"github.com/krantius/anki/transport"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const leaveTimeout = time.Second

type Option func(*Node)

// WithProbe overrides the local health probe
func WithProbe(p health.Probe) Option {
	return func(n *Node) { n.probe = p }
}

// WithResultHandler receives the results of tasks this node submitted
func WithResultHandler(fn func(scheduler.Result)) Option {
	return func(n *Node) { n.onResult = fn }
}

// Node is a coordinator
type Node struct {
	cfg      Config
	tr       transport.Transport
	peers    transport.PeerBook
	probe    health.Probe
	onResult func(scheduler.Result)

	registry  *membership.Registry
	monitor   *health.Monitor
	balancer  *balancer.Balancer
	election  *election.Election
	consensus *consensus.Engine
	scheduler *scheduler.Scheduler
	metrics   *Metrics
	early     *earlyVotes

	mu  sync.RWMutex
	ctx context.Context

	log log.FieldLogger
}

// New builds a coordinator on top of tr
func New(cfg Config, tr transport.Transport, logger log.FieldLogger, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Role != membership.Coordinator {
		return nil, errors.Errorf("cluster: %s has role %s, coordinators only", cfg.ID, cfg.Role)
	}

	logger = logger.WithField("node", cfg.ID)

	n := &Node{
		cfg:     cfg,
		tr:      tr,
		metrics: newMetrics(cfg.ID),
		early:   newEarlyVotes(),
		ctx:     context.Background(),
		log:     logger,
	}

	if pb, ok := tr.(transport.PeerBook); ok {
		n.peers = pb
	}

	for _, o := range opts {
		o(n)
	}

	if n.probe == nil {
		n.probe = health.AlwaysHealthy
		if cfg.MinAvailableMemory > 0 {
			n.probe = health.MemoryProbe{MinAvailable: cfg.MinAvailableMemory, Log: logger}
		}
	}

	n.registry = membership.NewRegistry(logger)
	voters := n.registry.WithRole(membership.Coordinator)

	n.balancer = balancer.New(logger, balancer.WithObserver(n.onLoad))

	var err error
	n.monitor, err = health.NewMonitor(cfg.healthConfig(), n.onHealth, logger)
	if err != nil {
		return nil, err
	}

	n.election, err = election.New(cfg.ID, cfg.electionConfig(), voters, n, logger)
	if err != nil {
		return nil, err
	}

	n.consensus, err = consensus.New(cfg.consensusConfig(), voters, logger,
		consensus.WithApply(n.onCommit),
		consensus.WithAbandon(n.onAbandon),
		consensus.WithLeadership(n.election),
	)
	if err != nil {
		return nil, err
	}

	n.scheduler, err = scheduler.New(cfg.schedulerConfig(), n.balancer, n, logger,
		scheduler.WithLeadership(n.election),
		scheduler.WithResultSink(n),
		scheduler.WithProposer(n),
		scheduler.WithObserver(n.onAssignment),
	)
	if err != nil {
		return nil, err
	}

	n.registry.OnChange(n.onMembership)
	n.election.OnChange(n.onElection)

	n.metrics.watch("anki_tasks_queued", "Tasks waiting for placement.", cfg.ID, func() float64 {
		return float64(n.scheduler.Queued())
	})
	n.metrics.watch("anki_proposals_pending", "Proposals waiting for votes.", cfg.ID, func() float64 {
		return float64(len(n.consensus.Pending()))
	})
	n.metrics.watch("anki_balancer_anomalies", "Task counts clamped at zero.", cfg.ID, func() float64 {
		return float64(n.balancer.Anomalies())
	})

	return n, nil
}

func (n *Node) ID() string                      { return n.cfg.ID }
func (n *Node) Registry() *membership.Registry  { return n.registry }
func (n *Node) Balancer() *balancer.Balancer    { return n.balancer }
func (n *Node) Election() *election.Election    { return n.election }
func (n *Node) Consensus() *consensus.Engine    { return n.consensus }
func (n *Node) Scheduler() *scheduler.Scheduler { return n.scheduler }
func (n *Node) Monitor() *health.Monitor        { return n.monitor }
func (n *Node) Metrics() *Metrics               { return n.metrics }

func (n *Node) context() context.Context {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.ctx
}

// Run joins the cluster and runs every loop until ctx is done. In flight
// proposals are abandoned on the way out.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	n.ctx = ctx
	n.mu.Unlock()

	n.registry.Register(n.cfg.ID, n.cfg.Addr, membership.Coordinator)

	if err := n.broadcast(ctx, transport.TopicJoin, n.join()); err != nil {
		n.log.WithError(err).Warn("Failed to announce join")
	}

	g, gctx := errgroup.WithContext(ctx)

	for topic, h := range n.handlers() {
		topic, h := topic, h
		g.Go(func() error { return n.consume(gctx, topic, h) })
	}

	g.Go(func() error { return n.monitor.Run(gctx, nil) })
	g.Go(func() error { return n.election.Run(gctx) })
	g.Go(func() error { return n.scheduler.Run(gctx, nil) })
	g.Go(func() error {
		return health.Heartbeat(gctx, n.cfg.ID, n.cfg.HeartbeatInterval, n.probe, n.sendHeartbeat, n.log)
	})
	g.Go(func() error { return n.maintain(gctx) })

	n.log.Info("Coordinator running")

	err := g.Wait()

	n.shutdown()

	return err
}

func (n *Node) shutdown() {
	abandoned := n.consensus.AbandonAll()

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()

	if err := n.broadcast(ctx, transport.TopicLeave, transport.Leave{ID: n.cfg.ID}); err != nil {
		n.log.WithError(err).Debug("Failed to announce leave")
	}

	n.log.WithField("abandoned", len(abandoned)).Info("Coordinator stopped")
}

// maintain expires proposals and prunes dead members
func (n *Node) maintain(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			n.consensus.Expire(now)
			n.early.expire(now.Add(-n.cfg.ProposalTimeout))

			if n.cfg.DeadRetention > 0 {
				for _, id := range n.registry.Prune(n.cfg.DeadRetention) {
					n.log.WithField("pruned", id).Info("Pruned dead node")
				}
			}

			n.metrics.setMembers(n.registry.List())
		case <-ctx.Done():
			return nil
		}
	}
}

// Submit hands a task to the leader, or queues it until one is known
func (n *Node) Submit(ctx context.Context, t scheduler.Task) error {
	if t.ID == "" {
		return errors.New("cluster: task without id")
	}
	if t.Origin == "" {
		t.Origin = n.cfg.ID
	}

	leader, _, ok := n.election.Leader()
	if ok && leader != n.cfg.ID {
		err := n.send(ctx, leader, transport.TopicSubmit, t)
		if err == nil {
			n.log.WithField("task", t.ID).WithField("leader", leader).Debug("Forwarded task to leader")
			return nil
		}
		n.log.WithError(err).WithField("task", t.ID).Warn("Failed to forward task, keeping it")
	}

	n.scheduler.Submit(t)

	return nil
}

// Snapshot captures the state needed to resume after a restart
func (n *Node) Snapshot() snapshot.View {
	leader, term, _ := n.election.Leader()

	return snapshot.View{
		Membership:  n.registry.List(),
		Committed:   n.consensus.Committed(),
		Assignments: n.scheduler.Assignments(),
		Term:        term,
		Leader:      leader,
		TakenAt:     time.Now().UTC(),
	}
}

// Restore loads a snapshot, call it before Run
func (n *Node) Restore(v snapshot.View) {
	n.election.Restore(v.Term)
	n.registry.Restore(v.Membership)
	n.consensus.RestoreCommitted(v.Committed)
	n.scheduler.Restore(v.Assignments)
	n.reconcile()

	n.log.WithField("term", v.Term).WithField("taken_at", v.TakenAt).Info("Restored snapshot")
}

// reconcile makes the balancer agree with the assignment table
func (n *Node) reconcile() {
	for id, c := range n.scheduler.InFlight() {
		if err := n.balancer.Sync(id, c); err != nil {
			n.log.WithError(err).Debug("Skipping load reconcile")
		}
	}
}

func (n *Node) join() transport.Join {
	return transport.Join{ID: n.cfg.ID, Addr: n.cfg.Addr, Role: string(membership.Coordinator)}
}

func (n *Node) addPeer(id, addr string) {
	if n.peers != nil && id != n.cfg.ID {
		n.peers.AddPeer(id, addr)
	}
}

func (n *Node) dropWorker(id string) {
	if _, ok := n.balancer.Load(id); ok {
		n.balancer.Remove(id)
	}
}

// onMembership keeps every derived view in step with the registry
func (n *Node) onMembership(e membership.Event) {
	id := e.Node.ID
	worker := e.Node.Role == membership.Worker

	switch e.Type {
	case membership.Joined, membership.Recovered:
		n.addPeer(id, e.Node.Addr)
		if id != n.cfg.ID {
			n.monitor.Track(id)
		}
		if worker && e.Node.Status != membership.Dead {
			n.balancer.Add(id)
			n.reconcile()
		}
	case membership.Suspected:
		if worker {
			n.dropWorker(id)
		}
		n.election.LeaderLost(id)
	case membership.Died:
		if worker {
			n.dropWorker(id)
			n.scheduler.Evacuate(id)
		}
		n.election.LeaderLost(id)
		n.consensus.Reevaluate()
	case membership.Left:
		n.monitor.Forget(id)
		if n.peers != nil {
			n.peers.RemovePeer(id)
		}
		if worker {
			n.dropWorker(id)
			n.scheduler.Evacuate(id)
		}
		n.election.LeaderLost(id)
		n.consensus.Reevaluate()
	}

	n.metrics.setMembers(n.registry.List())
}

func (n *Node) onHealth(e health.Event) {
	n.metrics.health.WithLabelValues(string(e.Type)).Inc()

	var err error
	switch e.Type {
	case health.Suspected:
		err = n.registry.MarkSuspect(e.NodeID)
	case health.Dead:
		err = n.registry.MarkDead(e.NodeID)
	case health.Recovered:
		err = n.registry.Touch(e.NodeID)
	}

	if err != nil {
		n.log.WithError(err).WithField("event", e.Type).Debug("Health event for unknown node")
	}
}

func (n *Node) onElection(info election.Info) {
	n.metrics.setLeader(info.Term, info.IsLeader)

	if info.IsLeader {
		n.reconcile()
		return
	}

	if info.Leader == "" {
		return
	}

	ctx := n.context()
	for _, t := range n.scheduler.Handoff() {
		if err := n.send(ctx, info.Leader, transport.TopicSubmit, t); err != nil {
			n.log.WithError(err).WithField("task", t.ID).Warn("Failed to hand task to leader")
			n.scheduler.Submit(t)
		}
	}
}

func (n *Node) onCommit(p consensus.Proposal) {
	n.metrics.proposals.WithLabelValues(string(consensus.Committed)).Inc()

	if _, err := n.scheduler.OnCommitted(n.context(), p); err != nil {
		n.log.WithError(err).WithField("proposal", p.ID).Error("Failed to apply committed proposal")
	}
}

func (n *Node) onAbandon(p consensus.Proposal) {
	n.metrics.proposals.WithLabelValues(string(consensus.Abandoned)).Inc()
	n.scheduler.OnAbandoned(p)
}

func (n *Node) onAssignment(a scheduler.Assignment) {
	n.metrics.tasks.WithLabelValues(string(a.State)).Inc()
}

func (n *Node) onLoad(id string, count int) {
	n.metrics.load.WithLabelValues(id).Set(float64(count))

	if err := n.registry.SetTaskCount(id, count); err != nil {
		n.log.WithError(err).Debug("Load update for unknown node")
	}
}
