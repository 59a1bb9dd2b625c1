// Package worker runs a Ki node: it joins the cluster, reports health and
// load, and executes the tasks coordinators dispatch to it.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/krantius/anki/election"
	"github.com/krantius/anki/health"
	"github.com/krantius/anki/membership"
	"github.com/krantius/anki/scheduler"
	"github.com/krantius/anki/transport"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const leaveTimeout = time.Second

// Handler executes one task and returns its output
type Handler func(ctx context.Context, t scheduler.Task) ([]byte, error)

// Process is the default handler
func Process(_ context.Context, t scheduler.Task) ([]byte, error) {
	return append([]byte("Processed data: "), t.Data...), nil
}

type Config struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"address"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// LoadInterval between load reports, zero disables them
	LoadInterval time.Duration `yaml:"load_interval"`
	// Concurrency caps tasks executing at once
	Concurrency int `yaml:"concurrency"`
	// TaskTimeout bounds a single task, zero means no limit
	TaskTimeout        time.Duration `yaml:"task_timeout"`
	MinAvailableMemory float64       `yaml:"min_available_memory"`
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: time.Second,
		LoadInterval:      5 * time.Second,
		Concurrency:       4,
	}
}

func (c Config) Validate() error {
	if c.ID == "" {
		return errors.New("worker: node id required")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("worker: heartbeat interval must be positive")
	}
	if c.LoadInterval < 0 {
		return errors.New("worker: negative load interval")
	}
	if c.Concurrency < 1 {
		return errors.New("worker: concurrency must be at least 1")
	}
	if c.TaskTimeout < 0 {
		return errors.New("worker: negative task timeout")
	}
	return nil
}

type Option func(*Agent)

func WithHandler(h Handler) Option {
	return func(a *Agent) { a.handler = h }
}

func WithProbe(p health.Probe) Option {
	return func(a *Agent) { a.probe = p }
}

// Agent is a Ki node
type Agent struct {
	cfg     Config
	tr      transport.Transport
	peers   transport.PeerBook
	handler Handler
	probe   health.Probe

	running  int64
	executed int64

	mu     sync.RWMutex
	leader string

	log log.FieldLogger
}

func New(cfg Config, tr transport.Transport, logger log.FieldLogger, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger = logger.WithField("node", cfg.ID).WithField("component", "worker")

	a := &Agent{
		cfg:     cfg,
		tr:      tr,
		handler: Process,
		log:     logger,
	}

	if pb, ok := tr.(transport.PeerBook); ok {
		a.peers = pb
	}

	for _, o := range opts {
		o(a)
	}

	if a.probe == nil {
		a.probe = health.AlwaysHealthy
		if cfg.MinAvailableMemory > 0 {
			a.probe = health.MemoryProbe{MinAvailable: cfg.MinAvailableMemory, Log: logger}
		}
	}

	return a, nil
}

func (a *Agent) ID() string { return a.cfg.ID }

// Running is the number of tasks received and not yet answered
func (a *Agent) Running() int {
	return int(atomic.LoadInt64(&a.running))
}

// Executed is the number of tasks answered since start
func (a *Agent) Executed() int {
	return int(atomic.LoadInt64(&a.executed))
}

// Leader is the last coordinator that claimed leadership
func (a *Agent) Leader() string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.leader
}

// Run joins the cluster and serves tasks until ctx is done
func (a *Agent) Run(ctx context.Context) error {
	join := transport.Join{ID: a.cfg.ID, Addr: a.cfg.Addr, Role: string(membership.Worker)}
	if err := a.broadcast(ctx, transport.TopicJoin, join); err != nil {
		a.log.WithError(err).Warn("Failed to announce join")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.serve(gctx) })
	g.Go(func() error {
		return health.Heartbeat(gctx, a.cfg.ID, a.cfg.HeartbeatInterval, a.probe, a.sendHeartbeat, a.log)
	})
	if a.cfg.LoadInterval > 0 {
		g.Go(func() error { return a.reportLoad(gctx) })
	}

	for _, topic := range transport.Topics {
		switch topic {
		case transport.TopicTask, transport.TopicStatus, transport.TopicJoin, transport.TopicHealth, transport.TopicLeave:
			continue
		}
		topic := topic
		// Broadcasts reach workers too, an unread topic would back up the senders
		g.Go(func() error { return a.discard(gctx, topic) })
	}
	g.Go(func() error { return a.watchLeader(gctx) })
	g.Go(func() error { return a.trackPeers(gctx) })

	a.log.WithField("concurrency", a.cfg.Concurrency).Info("Worker running")

	err := g.Wait()

	lctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()

	if err := a.broadcast(lctx, transport.TopicLeave, transport.Leave{ID: a.cfg.ID}); err != nil {
		a.log.WithError(err).Debug("Failed to announce leave")
	}

	a.log.WithField("executed", a.Executed()).Info("Worker stopped")

	return err
}

// serve runs tasks with bounded concurrency. Tasks already started finish
// before serve returns.
func (a *Agent) serve(ctx context.Context) error {
	pool := &errgroup.Group{}
	pool.SetLimit(a.cfg.Concurrency)

	tasks := a.tr.Receive(transport.TopicTask)

	for {
		select {
		case env := <-tasks:
			var t scheduler.Task
			if err := env.Decode(&t); err != nil {
				a.log.WithError(err).WithField("from", env.From).Warn("Dropping malformed task")
				continue
			}

			atomic.AddInt64(&a.running, 1)
			from := env.From
			pool.Go(func() error {
				a.execute(ctx, from, t)
				return nil
			})
		case <-ctx.Done():
			return pool.Wait()
		}
	}
}

func (a *Agent) execute(ctx context.Context, from string, t scheduler.Task) {
	defer atomic.AddInt64(&a.running, -1)

	logger := a.log.WithField("task", t.ID).WithField("from", from)
	logger.Debug("Executing task")

	tctx := ctx
	if a.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, a.cfg.TaskTimeout)
		defer cancel()
	}

	res := scheduler.Result{TaskID: t.ID, NodeID: a.cfg.ID}

	out, err := a.handler(tctx, t)
	if err != nil {
		res.Error = err.Error()
		logger.WithError(err).Warn("Task failed")
	} else {
		res.Output = out
	}

	// The answer goes out even while shutting down
	sctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()

	if err := a.send(sctx, from, transport.TopicResult, res); err != nil {
		logger.WithError(err).Error("Failed to send result")
		return
	}

	atomic.AddInt64(&a.executed, 1)
	logger.Info("Task finished")
}

func (a *Agent) reportLoad(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.LoadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l := transport.Load{NodeID: a.cfg.ID, Tasks: a.Running()}
			if err := a.broadcast(ctx, transport.TopicLoad, l); err != nil {
				a.log.WithError(err).Warn("Failed to report load")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Agent) watchLeader(ctx context.Context) error {
	ch := a.tr.Receive(transport.TopicStatus)

	for {
		select {
		case env := <-ch:
			var s election.Status
			if err := env.Decode(&s); err != nil || !s.IsLeader {
				continue
			}

			a.mu.Lock()
			changed := a.leader != s.NodeID
			a.leader = s.NodeID
			a.mu.Unlock()

			if changed {
				a.log.WithField("leader", s.NodeID).WithField("term", s.Term).Info("Leader changed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// trackPeers learns where coordinators are so results can reach the leader
func (a *Agent) trackPeers(ctx context.Context) error {
	joins := a.tr.Receive(transport.TopicJoin)
	beats := a.tr.Receive(transport.TopicHealth)
	leaves := a.tr.Receive(transport.TopicLeave)

	for {
		select {
		case env := <-joins:
			var j transport.Join
			if err := env.Decode(&j); err == nil {
				a.addPeer(j.ID, j.Addr)
			}
		case env := <-beats:
			var hb transport.Heartbeat
			if err := env.Decode(&hb); err == nil {
				a.addPeer(hb.ID, hb.Addr)
			}
		case env := <-leaves:
			var l transport.Leave
			if err := env.Decode(&l); err == nil && a.peers != nil && l.ID != a.cfg.ID {
				a.peers.RemovePeer(l.ID)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Agent) addPeer(id, addr string) {
	if a.peers == nil || id == a.cfg.ID || addr == "" {
		return
	}
	a.peers.AddPeer(id, addr)
}

func (a *Agent) discard(ctx context.Context, topic transport.Topic) error {
	ch := a.tr.Receive(topic)

	for {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context, s health.Sample) error {
	return a.broadcast(ctx, transport.TopicHealth, transport.Heartbeat{
		ID:      a.cfg.ID,
		Addr:    a.cfg.Addr,
		Role:    string(membership.Worker),
		Healthy: s.Healthy,
		At:      s.At,
	})
}

func (a *Agent) broadcast(ctx context.Context, topic transport.Topic, v interface{}) error {
	env, err := transport.NewEnvelope(topic, a.cfg.ID, v)
	if err != nil {
		return err
	}
	return a.tr.Broadcast(ctx, env)
}

func (a *Agent) send(ctx context.Context, to string, topic transport.Topic, v interface{}) error {
	env, err := transport.NewEnvelope(topic, a.cfg.ID, v)
	if err != nil {
		return err
	}
	return a.tr.Send(ctx, to, env)
}
