// Package scheduler places tasks on the least loaded worker and tracks them to
// completion.
//
// Delivery is at-least-once in both directions: the same task may be
// scheduled twice and the same result may arrive twice, both are absorbed
// here. In strict mode a placement is first agreed on as a consensus proposal
// and only dispatched once it commits.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/krantius/anki/consensus"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/time/rate"
)

var (
	// ErrNoAvailableNodes means no worker could take the task, the caller keeps it queued
	ErrNoAvailableNodes = errors.New("scheduler: no available nodes")
	ErrUnknownTask      = errors.New("scheduler: unknown task")
	ErrNoLeader         = errors.New("scheduler: no leader")
	ErrNotLeader        = errors.New("scheduler: not the leader")
	ErrNotFinished      = errors.New("scheduler: task not finished")
)

type State string

const (
	Pending   State = "pending"
	Assigned  State = "assigned"
	Completed State = "completed"
	Failed    State = "failed"
)

// Task is an opaque unit of work. Origin is the node the result goes back to.
type Task struct {
	ID     string `json:"id" msgpack:"id"`
	Data   []byte `json:"data" msgpack:"data"`
	Origin string `json:"origin,omitempty" msgpack:"origin,omitempty"`
}

// Assignment is the scheduler's record of a task
type Assignment struct {
	Task      Task      `json:"task" msgpack:"task"`
	NodeID    string    `json:"node_id,omitempty" msgpack:"node_id,omitempty"`
	State     State     `json:"state" msgpack:"state"`
	Attempts  int       `json:"attempts" msgpack:"attempts"`
	UpdatedAt time.Time `json:"updated_at" msgpack:"updated_at"`
}

// Result reports the outcome of a task from the worker that ran it
type Result struct {
	TaskID string `json:"task_id" msgpack:"task_id"`
	NodeID string `json:"node_id" msgpack:"node_id"`
	Output []byte `json:"output,omitempty" msgpack:"output,omitempty"`
	Error  string `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Placement is the content of a strict mode assignment proposal
type Placement struct {
	TaskID  string `msgpack:"task_id"`
	NodeID  string `msgpack:"node_id"`
	Data    []byte `msgpack:"data"`
	Origin  string `msgpack:"origin"`
	Attempt int    `msgpack:"attempt"`
}

// Balancer is the part of the load balancer the scheduler uses
type Balancer interface {
	Assign() (string, bool)
	Complete(id string) (int, error)
}

// Dispatcher delivers a task to a worker
type Dispatcher interface {
	Dispatch(ctx context.Context, nodeID string, t Task) error
}

// ResultSink delivers a result back to the task origin
type ResultSink interface {
	Deliver(ctx context.Context, origin string, r Result) error
}

// Leadership gates scheduling on this node being the leader
type Leadership interface {
	Leader() (string, uint64, bool)
	IsLeader() bool
}

// Proposer submits strict mode placements for agreement
type Proposer interface {
	Propose(p consensus.Proposal) error
}

type Config struct {
	// NodeID is the local node, used as proposer in strict mode
	NodeID string
	// Interval between queue drains
	Interval time.Duration
	// Rate limits dispatches per second, zero disables the limit
	Rate  float64
	Burst int
	// MaxAttempts stops reassigning a task after that many failures, zero retries forever
	MaxAttempts int
	// Strict makes every placement a consensus proposal
	Strict bool
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("scheduler: interval must be positive")
	}
	if c.Rate < 0 {
		return errors.New("scheduler: negative rate")
	}
	if c.MaxAttempts < 0 {
		return errors.New("scheduler: negative max attempts")
	}
	return nil
}

type Option func(*Scheduler)

func WithLeadership(l Leadership) Option {
	return func(s *Scheduler) { s.leadership = l }
}

func WithResultSink(r ResultSink) Option {
	return func(s *Scheduler) { s.sink = r }
}

// WithProposer is required for strict mode
func WithProposer(p Proposer) Option {
	return func(s *Scheduler) { s.proposer = p }
}

// WithObserver sets a function called with every assignment state change
func WithObserver(fn func(Assignment)) Option {
	return func(s *Scheduler) { s.observer = fn }
}

type record struct {
	Assignment
	// reserved is true while the balancer holds capacity for this task
	reserved bool
	// proposal is the pending strict mode proposal id
	proposal string
}

// Scheduler owns the assignment table and the retry queue
type Scheduler struct {
	cfg        Config
	balancer   Balancer
	dispatcher Dispatcher
	sink       ResultSink
	leadership Leadership
	proposer   Proposer
	observer   func(Assignment)
	limiter    *rate.Limiter

	mu      sync.Mutex
	records map[string]*record
	queue   []string
	// withdrawn holds strict mode proposals whose placement was given up
	// before they committed
	withdrawn map[string]struct{}

	now func() time.Time
	log log.FieldLogger
}

// New creates a scheduler placing tasks through b and delivering them through d
func New(cfg Config, b Balancer, d Dispatcher, logger log.FieldLogger, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:        cfg,
		balancer:   b,
		dispatcher: d,
		records:    make(map[string]*record),
		withdrawn:  make(map[string]struct{}),
		now:        time.Now,
		log:        logger.WithField("component", "scheduler"),
	}

	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}

	for _, o := range opts {
		o(s)
	}

	if cfg.Strict && s.proposer == nil {
		return nil, errors.New("scheduler: strict mode without a proposer")
	}

	return s, nil
}

func (s *Scheduler) gate() error {
	if s.leadership == nil {
		return nil
	}

	if _, _, ok := s.leadership.Leader(); !ok {
		return ErrNoLeader
	}
	if !s.leadership.IsLeader() {
		return ErrNotLeader
	}

	return nil
}

// Schedule places a task on the least loaded node. Scheduling a task that is
// already assigned or finished returns the existing assignment. When no node
// is available the task is recorded as pending and ErrNoAvailableNodes is
// returned so the caller can requeue it.
func (s *Scheduler) Schedule(ctx context.Context, t Task) (Assignment, error) {
	if t.ID == "" {
		return Assignment{}, errors.New("scheduler: task without id")
	}

	if err := s.gate(); err != nil {
		return Assignment{}, errors.Wrapf(err, "schedule %s", t.ID)
	}

	s.mu.Lock()

	r, ok := s.records[t.ID]
	if !ok {
		r = &record{Assignment: Assignment{Task: t, State: Pending}}
		s.records[t.ID] = r
	}

	// Already placed, or a placement is in flight
	if r.State == Assigned || r.State == Completed || r.reserved {
		a := r.Assignment
		s.mu.Unlock()

		s.log.WithField("task", t.ID).WithField("state", a.State).Debug("Task already scheduled")
		return a, nil
	}

	node, ok := s.balancer.Assign()
	if !ok {
		r.State = Pending
		r.NodeID = ""
		r.UpdatedAt = s.now()
		a := r.Assignment
		s.mu.Unlock()

		s.log.WithField("task", t.ID).Warn("No worker available for task")
		return a, errors.Wrapf(ErrNoAvailableNodes, "schedule %s", t.ID)
	}

	r.State = Pending
	r.NodeID = node
	r.reserved = true
	r.Attempts++
	r.UpdatedAt = s.now()
	attempt := r.Attempts
	s.mu.Unlock()

	if s.cfg.Strict {
		return s.propose(t, node, attempt)
	}

	return s.dispatch(ctx, t, node, attempt)
}

// dispatch marks the task assigned and delivers it. The task is assigned
// before delivery so a result racing back from a fast worker is accepted.
func (s *Scheduler) dispatch(ctx context.Context, t Task, node string, attempt int) (Assignment, error) {
	s.mu.Lock()
	r, ok := s.records[t.ID]
	if !ok {
		s.mu.Unlock()
		return Assignment{}, errors.Wrapf(ErrUnknownTask, "dispatch %s", t.ID)
	}
	if !r.holds(node, attempt) || r.State != Pending {
		a := r.Assignment
		s.mu.Unlock()

		s.log.WithField("task", t.ID).WithField("node", node).Debug("Placement withdrawn before dispatch")
		return a, nil
	}
	r.State = Assigned
	r.UpdatedAt = s.now()
	s.mu.Unlock()

	if err := s.dispatcher.Dispatch(ctx, node, t); err != nil {
		a := s.release(t.ID, node, attempt)

		s.log.WithError(err).WithField("task", t.ID).WithField("node", node).Error("Failed to dispatch task")
		return a, errors.Wrapf(err, "dispatch %s to %s", t.ID, node)
	}

	a, _ := s.Get(t.ID)
	if a.State != Assigned {
		// A result came back during delivery
		return a, nil
	}

	s.log.WithField("task", t.ID).WithField("node", node).Info("Assigned task")
	s.notify(a)

	return a, nil
}

func (s *Scheduler) propose(t Task, node string, attempt int) (Assignment, error) {
	content, err := msgpack.Marshal(Placement{
		TaskID:  t.ID,
		NodeID:  node,
		Data:    t.Data,
		Origin:  t.Origin,
		Attempt: attempt,
	})
	if err != nil {
		a := s.release(t.ID, node, attempt)
		return a, errors.Wrapf(err, "encode placement of %s", t.ID)
	}

	p := consensus.NewProposal(content, s.cfg.NodeID, 0)

	s.mu.Lock()
	if r, ok := s.records[t.ID]; ok {
		r.proposal = p.ID
	}
	s.mu.Unlock()

	if err := s.proposer.Propose(p); err != nil {
		a := s.release(t.ID, node, attempt)

		s.log.WithError(err).WithField("task", t.ID).Error("Failed to propose placement")
		return a, errors.Wrapf(err, "propose placement of %s", t.ID)
	}

	s.log.WithField("task", t.ID).WithField("node", node).WithField("proposal", p.ID).Info("Proposed task placement")

	a, _ := s.Get(t.ID)

	return a, nil
}

// holds reports whether the record still carries the reservation made for
// the given placement attempt
func (r *record) holds(node string, attempt int) bool {
	return r.reserved && r.NodeID == node && r.Attempts == attempt
}

// release hands capacity back after a placement fell through and leaves the
// task pending. It does nothing once the placement attempt has been
// superseded, for instance by a result that already arrived.
func (s *Scheduler) release(id, node string, attempt int) Assignment {
	s.mu.Lock()
	r, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return Assignment{}
	}
	if !r.holds(node, attempt) {
		a := r.Assignment
		s.mu.Unlock()
		return a
	}
	s.withdraw(r)
	r.reserved = false
	r.State = Pending
	r.NodeID = ""
	r.UpdatedAt = s.now()
	a := r.Assignment
	s.mu.Unlock()

	s.balancer.Complete(node)

	return a
}

// withdraw forgets the record's pending proposal so a late commit of it is
// not acted on. Callers hold s.mu.
func (s *Scheduler) withdraw(r *record) {
	if r.proposal != "" {
		s.withdrawn[r.proposal] = struct{}{}
		r.proposal = ""
	}
}

// OnCommitted dispatches a placement once it has been agreed on. Followers
// record the placement without dispatching it. It returns false for
// proposals that are not placements.
func (s *Scheduler) OnCommitted(ctx context.Context, p consensus.Proposal) (bool, error) {
	var pl Placement
	if err := msgpack.Unmarshal(p.Content, &pl); err != nil || pl.TaskID == "" {
		return false, nil
	}

	logger := s.log.WithField("task", pl.TaskID).WithField("node", pl.NodeID).WithField("proposal", p.ID)

	s.mu.Lock()
	if _, ok := s.withdrawn[p.ID]; ok {
		delete(s.withdrawn, p.ID)
		s.mu.Unlock()

		logger.Info("Ignoring commit of withdrawn placement")
		return true, nil
	}

	r, ok := s.records[pl.TaskID]
	if !ok || r.proposal != p.ID {
		if !ok {
			r = &record{}
			s.records[pl.TaskID] = r
		}
		if r.State != Completed && !r.reserved && pl.Attempt >= r.Attempts {
			r.Task = Task{ID: pl.TaskID, Data: pl.Data, Origin: pl.Origin}
			r.NodeID = pl.NodeID
			r.State = Assigned
			r.Attempts = pl.Attempt
			r.UpdatedAt = s.now()
			s.dequeue(pl.TaskID)
		}
		s.mu.Unlock()

		logger.Debug("Recorded agreed placement")
		return true, nil
	}
	r.proposal = ""
	t := r.Task
	attempt := r.Attempts
	s.mu.Unlock()

	_, err := s.dispatch(ctx, t, pl.NodeID, attempt)

	return true, err
}

// OnAbandoned releases the capacity held by a placement that never reached
// agreement and queues the task again
func (s *Scheduler) OnAbandoned(p consensus.Proposal) bool {
	var pl Placement
	if err := msgpack.Unmarshal(p.Content, &pl); err != nil || pl.TaskID == "" {
		return false
	}

	s.mu.Lock()
	delete(s.withdrawn, p.ID)
	r, ok := s.records[pl.TaskID]
	mine := ok && r.proposal == p.ID
	attempt := 0
	if mine {
		attempt = r.Attempts
	}
	s.mu.Unlock()

	if !mine {
		return true
	}

	s.release(pl.TaskID, pl.NodeID, attempt)
	s.requeue(pl.TaskID)

	s.log.WithField("task", pl.TaskID).WithField("proposal", p.ID).Warn("Placement abandoned, task requeued")

	return true
}

// Complete records a successful result and forwards it to the origin.
// Repeated or stale completions are ignored.
func (s *Scheduler) Complete(ctx context.Context, res Result) error {
	return s.finish(ctx, res, Completed)
}

// Fail records a failed attempt. The task is queued for reassignment until it
// runs out of attempts, then the failure is forwarded to the origin.
func (s *Scheduler) Fail(ctx context.Context, res Result) error {
	return s.finish(ctx, res, Failed)
}

func (s *Scheduler) finish(ctx context.Context, res Result, state State) error {
	logger := s.log.WithField("task", res.TaskID).WithField("node", res.NodeID)

	s.mu.Lock()

	r, ok := s.records[res.TaskID]
	if !ok {
		s.mu.Unlock()
		logger.Warn("Result for unknown task")
		return errors.Wrapf(ErrUnknownTask, "%s result for %s", state, res.TaskID)
	}

	if r.State != Assigned || (res.NodeID != "" && res.NodeID != r.NodeID) {
		s.mu.Unlock()
		logger.WithField("state", r.State).Debug("Ignoring duplicate or stale result")
		return nil
	}

	node := r.NodeID
	reserved := r.reserved
	r.reserved = false
	r.State = state
	r.UpdatedAt = s.now()

	retry := state == Failed && (s.cfg.MaxAttempts == 0 || r.Attempts < s.cfg.MaxAttempts)
	a := r.Assignment
	s.mu.Unlock()

	if reserved {
		if _, err := s.balancer.Complete(node); err != nil {
			logger.WithError(err).Warn("Failed to release capacity")
		}
	}

	s.notify(a)

	if retry {
		logger.WithField("attempts", a.Attempts).Warn("Task failed, queued for reassignment")
		s.requeue(res.TaskID)
		return nil
	}

	if state == Completed {
		logger.Info("Task completed")
	} else {
		logger.WithField("attempts", a.Attempts).Error("Task failed, giving up")
	}

	if s.sink == nil || a.Task.Origin == "" {
		return nil
	}

	if err := s.sink.Deliver(ctx, a.Task.Origin, res); err != nil {
		return errors.Wrapf(err, "deliver result of %s to %s", res.TaskID, a.Task.Origin)
	}

	return nil
}

// Acknowledge archives a finished task
func (s *Scheduler) Acknowledge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return errors.Wrapf(ErrUnknownTask, "acknowledge %s", id)
	}

	if r.State != Completed && r.State != Failed {
		return errors.Wrapf(ErrNotFinished, "acknowledge %s in state %s", id, r.State)
	}

	if r.State == Failed && s.queued(id) {
		return errors.Wrapf(ErrNotFinished, "acknowledge %s awaiting retry", id)
	}

	delete(s.records, id)

	return nil
}

// Submit queues a task for the next drain
func (s *Scheduler) Submit(t Task) {
	s.mu.Lock()
	if _, ok := s.records[t.ID]; !ok {
		s.records[t.ID] = &record{Assignment: Assignment{Task: t, State: Pending, UpdatedAt: s.now()}}
	}
	s.mu.Unlock()

	s.requeue(t.ID)
}

func (s *Scheduler) requeue(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.queued(id) {
		s.queue = append(s.queue, id)
	}
}

// dequeue drops id from the retry queue. Callers hold s.mu.
func (s *Scheduler) dequeue(id string) {
	for i, q := range s.queue {
		if q == id {
			s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) queued(id string) bool {
	for _, q := range s.queue {
		if q == id {
			return true
		}
	}
	return false
}

// Queued is the number of tasks waiting for placement
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue)
}

// Drain tries to place every queued task. It stops early when placement is
// impossible for all tasks, or the rate limit is exhausted.
func (s *Scheduler) Drain(ctx context.Context) int {
	s.mu.Lock()
	ids := s.queue
	s.queue = nil
	s.mu.Unlock()

	placed := 0
	for i, id := range ids {
		if s.limiter != nil && !s.limiter.Allow() {
			s.putBack(ids[i:])
			break
		}

		s.mu.Lock()
		r, ok := s.records[id]
		var t Task
		if ok {
			t = r.Task
		}
		s.mu.Unlock()

		if !ok {
			continue
		}

		_, err := s.Schedule(ctx, t)
		if err == nil {
			placed++
			continue
		}

		if errors.Is(err, ErrNoAvailableNodes) || errors.Is(err, ErrNoLeader) || errors.Is(err, ErrNotLeader) {
			s.putBack(ids[i:])
			break
		}

		s.putBack([]string{id})
	}

	return placed
}

func (s *Scheduler) putBack(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Keep the original order ahead of anything queued meanwhile
	var rest []string
	for _, q := range s.queue {
		found := false
		for _, id := range ids {
			if q == id {
				found = true
				break
			}
		}
		if !found {
			rest = append(rest, q)
		}
	}
	s.queue = append(append([]string(nil), ids...), rest...)
}

// Run drains the queue every interval and accepts new tasks from in, which
// may be nil
func (s *Scheduler) Run(ctx context.Context, in <-chan Task) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case t, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			s.Submit(t)
		case <-ticker.C:
			if n := s.Drain(ctx); n > 0 {
				s.log.WithField("placed", n).Debug("Drained task queue")
			}
		case <-ctx.Done():
			s.log.Info("Scheduler stopping")
			return nil
		}
	}
}

// Evacuate queues again every unfinished task placed on a node that is gone.
// The node's capacity is not released, it is expected to have left the
// balancer already.
func (s *Scheduler) Evacuate(node string) []string {
	s.mu.Lock()

	var ids []string
	for id, r := range s.records {
		if r.NodeID != node || r.State == Completed || r.State == Failed {
			continue
		}

		s.withdraw(r)
		r.State = Pending
		r.NodeID = ""
		r.reserved = false
		r.UpdatedAt = s.now()
		ids = append(ids, id)
	}

	sort.Strings(ids)
	s.mu.Unlock()

	for _, id := range ids {
		s.requeue(id)
	}

	if len(ids) > 0 {
		s.log.WithField("node", node).WithField("tasks", len(ids)).Warn("Evacuated tasks from lost node")
	}

	return ids
}

// Handoff removes and returns queued tasks that were never placed, so a
// follower can pass them on to the leader
func (s *Scheduler) Handoff() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Task
	var keep []string
	for _, id := range s.queue {
		r, ok := s.records[id]
		if !ok {
			continue
		}
		if r.State == Pending && !r.reserved && r.Attempts == 0 {
			out = append(out, r.Task)
			delete(s.records, id)
			continue
		}
		keep = append(keep, id)
	}
	s.queue = keep

	return out
}

// Assignments returns the assignment table ordered by task id
func (s *Scheduler) Assignments() []Assignment {
	s.mu.Lock()
	out := make([]Assignment, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Assignment)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Task.ID < out[j].Task.ID })

	return out
}

// Get returns one assignment
func (s *Scheduler) Get(id string) (Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return Assignment{}, false
	}
	return r.Assignment, true
}

// InFlight counts assigned tasks per node, used to reconcile the balancer
func (s *Scheduler) InFlight() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int)
	for _, r := range s.records {
		if (r.State == Assigned || r.reserved) && r.NodeID != "" {
			out[r.NodeID]++
		}
	}
	return out
}

// Restore replaces the assignment table. Pending tasks are queued again,
// assigned tasks keep their node.
func (s *Scheduler) Restore(as []Assignment) {
	s.mu.Lock()

	s.records = make(map[string]*record, len(as))
	s.queue = nil

	sort.Slice(as, func(i, j int) bool { return as[i].Task.ID < as[j].Task.ID })

	for _, a := range as {
		r := &record{Assignment: a, reserved: a.State == Assigned}
		if a.State == Pending {
			r.NodeID = ""
			s.queue = append(s.queue, a.Task.ID)
		}
		s.records[a.Task.ID] = r
	}

	s.mu.Unlock()

	s.log.WithField("tasks", len(as)).Info("Restored assignments")
}

func (s *Scheduler) notify(a Assignment) {
	if s.observer != nil {
		s.observer(a)
	}
}
