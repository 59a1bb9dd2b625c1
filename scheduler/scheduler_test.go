package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/krantius/anki/balancer"
	"github.com/krantius/anki/consensus"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type dispatch struct {
	node string
	task Task
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []dispatch
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, node string, t Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, dispatch{node: node, task: t})
	return nil
}

func (d *recordingDispatcher) list() []dispatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatch(nil), d.sent...)
}

// replyingDispatcher reports the result back before Dispatch returns, the
// way a fast worker on a local transport can
type replyingDispatcher struct {
	s    *Scheduler
	fail bool
}

func (d *replyingDispatcher) Dispatch(ctx context.Context, node string, t Task) error {
	res := Result{TaskID: t.ID, NodeID: node, Output: []byte("done")}
	if d.fail {
		return d.s.Fail(ctx, Result{TaskID: t.ID, NodeID: node, Error: "boom"})
	}
	return d.s.Complete(ctx, res)
}

type recordingSink struct {
	mu        sync.Mutex
	delivered map[string][]Result
}

func (s *recordingSink) Deliver(_ context.Context, origin string, r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.delivered == nil {
		s.delivered = map[string][]Result{}
	}
	s.delivered[origin] = append(s.delivered[origin], r)
	return nil
}

type recordingProposer struct {
	proposals []consensus.Proposal
}

func (p *recordingProposer) Propose(pr consensus.Proposal) error {
	p.proposals = append(p.proposals, pr)
	return nil
}

type fixedLeadership struct {
	leader string
	self   string
}

func (l fixedLeadership) Leader() (string, uint64, bool) { return l.leader, 1, l.leader != "" }
func (l fixedLeadership) IsLeader() bool                 { return l.leader != "" && l.leader == l.self }

func testConfig() Config {
	return Config{NodeID: "an-1", Interval: 10 * time.Millisecond}
}

type fixture struct {
	s *Scheduler
	b *balancer.Balancer
	d *recordingDispatcher
	r *recordingSink
}

func newFixture(t *testing.T, cfg Config, nodes []string, opts ...Option) fixture {
	logger, _ := test.NewNullLogger()

	b := balancer.New(logger)
	for _, n := range nodes {
		b.Add(n)
	}

	d := &recordingDispatcher{}
	r := &recordingSink{}

	opts = append([]Option{WithResultSink(r)}, opts...)
	s, err := New(cfg, b, d, logger, opts...)
	require.NoError(t, err)

	return fixture{s: s, b: b, d: d, r: r}
}

func load(b *balancer.Balancer, id string) int {
	c, _ := b.Load(id)
	return c
}

func TestScheduleAssignsLeastLoaded(t *testing.T) {
	f := newFixture(t, testConfig(), []string{"ki-2", "ki-1"})
	ctx := context.Background()

	a, err := f.s.Schedule(ctx, Task{ID: "t1", Data: []byte("a")})
	require.NoError(t, err)
	require.Equal(t, Assigned, a.State)
	require.Equal(t, "ki-1", a.NodeID)
	require.Equal(t, 1, a.Attempts)

	a, err = f.s.Schedule(ctx, Task{ID: "t2"})
	require.NoError(t, err)
	require.Equal(t, "ki-2", a.NodeID)

	sent := f.d.list()
	require.Len(t, sent, 2)
	require.Equal(t, "ki-1", sent[0].node)
	require.Equal(t, []byte("a"), sent[0].task.Data)
}

func TestScheduleSameTaskTwice(t *testing.T) {
	f := newFixture(t, testConfig(), []string{"ki-1"})
	ctx := context.Background()

	_, err := f.s.Schedule(ctx, Task{ID: "t1"})
	require.NoError(t, err)

	a, err := f.s.Schedule(ctx, Task{ID: "t1"})
	require.NoError(t, err)
	require.Equal(t, Assigned, a.State)
	require.Len(t, f.d.list(), 1)
	require.Equal(t, 1, load(f.b, "ki-1"))
}

func TestNoAvailableNodes(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	a, err := f.s.Schedule(context.Background(), Task{ID: "t1"})
	require.True(t, errors.Is(err, ErrNoAvailableNodes))
	require.Equal(t, Pending, a.State)

	got, ok := f.s.Get("t1")
	require.True(t, ok)
	require.Equal(t, Pending, got.State)
}

func TestCompleteReleasesAndDelivers(t *testing.T) {
	f := newFixture(t, testConfig(), []string{"ki-1"})
	ctx := context.Background()

	_, err := f.s.Schedule(ctx, Task{ID: "t1", Origin: "an-1"})
	require.NoError(t, err)
	require.Equal(t, 1, load(f.b, "ki-1"))

	res := Result{TaskID: "t1", NodeID: "ki-1", Output: []byte("done")}
	require.NoError(t, f.s.Complete(ctx, res))
	require.Equal(t, 0, load(f.b, "ki-1"))

	// Duplicate completion is a no-op
	require.NoError(t, f.s.Complete(ctx, res))
	require.Equal(t, 0, load(f.b, "ki-1"))
	require.Equal(t, 0, f.b.Anomalies())

	require.Len(t, f.r.delivered["an-1"], 1)
	require.Equal(t, []byte("done"), f.r.delivered["an-1"][0].Output)

	a, _ := f.s.Get("t1")
	require.Equal(t, Completed, a.State)

	require.True(t, errors.Is(f.s.Complete(ctx, Result{TaskID: "ghost"}), ErrUnknownTask))
}

func TestResultDuringDispatch(t *testing.T) {
	cases := []struct {
		name   string
		fail   bool
		state  State
		queued int
	}{
		{"completed", false, Completed, 0},
		{"failed", true, Failed, 1},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			logger, _ := test.NewNullLogger()
			ctx := context.Background()

			b := balancer.New(logger)
			b.Add("ki-1")
			r := &recordingSink{}
			d := &replyingDispatcher{fail: c.fail}

			s, err := New(testConfig(), b, d, logger, WithResultSink(r))
			require.NoError(t, err)
			d.s = s

			a, err := s.Schedule(ctx, Task{ID: "t1", Origin: "an-2"})
			require.NoError(t, err)
			require.Equal(t, c.state, a.State)
			require.Equal(t, 0, load(b, "ki-1"))
			require.Equal(t, 0, b.Anomalies())
			require.Equal(t, c.queued, s.Queued())

			got, _ := s.Get("t1")
			require.Equal(t, c.state, got.State)

			if !c.fail {
				require.Len(t, r.delivered["an-2"], 1)
				require.NoError(t, s.Acknowledge("t1"))
			}
		})
	}
}

func TestStaleResultIgnored(t *testing.T) {
	f := newFixture(t, testConfig(), []string{"ki-1"})
	ctx := context.Background()

	_, err := f.s.Schedule(ctx, Task{ID: "t1"})
	require.NoError(t, err)

	require.NoError(t, f.s.Complete(ctx, Result{TaskID: "t1", NodeID: "ki-9"}))

	a, _ := f.s.Get("t1")
	require.Equal(t, Assigned, a.State)
	require.Equal(t, 1, load(f.b, "ki-1"))
}

func TestFailedTaskIsReassigned(t *testing.T) {
	f := newFixture(t, testConfig(), []string{"ki-1", "ki-2"})
	ctx := context.Background()

	a, err := f.s.Schedule(ctx, Task{ID: "t1", Origin: "an-1"})
	require.NoError(t, err)
	require.Equal(t, "ki-1", a.NodeID)

	_, err = f.s.Schedule(ctx, Task{ID: "t2"})
	require.NoError(t, err)
	_, err = f.s.Schedule(ctx, Task{ID: "t3"})
	require.NoError(t, err)

	require.NoError(t, f.s.Fail(ctx, Result{TaskID: "t1", NodeID: "ki-1", Error: "boom"}))
	require.Equal(t, 1, f.s.Queued())
	require.Empty(t, f.r.delivered["an-1"])

	// ki-1 now has 1 task, ki-2 has 1, ki-1 wins the tie
	require.Equal(t, 1, f.s.Drain(ctx))

	a, _ = f.s.Get("t1")
	require.Equal(t, Assigned, a.State)
	require.Equal(t, 2, a.Attempts)
	require.Equal(t, 0, f.s.Queued())
}

func TestMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	f := newFixture(t, cfg, []string{"ki-1"})
	ctx := context.Background()

	_, err := f.s.Schedule(ctx, Task{ID: "t1", Origin: "an-2"})
	require.NoError(t, err)

	require.NoError(t, f.s.Fail(ctx, Result{TaskID: "t1", NodeID: "ki-1", Error: "boom"}))
	require.Equal(t, 0, f.s.Queued())
	require.Len(t, f.r.delivered["an-2"], 1)
	require.Equal(t, "boom", f.r.delivered["an-2"][0].Error)

	require.NoError(t, f.s.Acknowledge("t1"))
	_, ok := f.s.Get("t1")
	require.False(t, ok)
}

func TestAcknowledge(t *testing.T) {
	f := newFixture(t, testConfig(), []string{"ki-1"})
	ctx := context.Background()

	require.True(t, errors.Is(f.s.Acknowledge("t1"), ErrUnknownTask))

	_, err := f.s.Schedule(ctx, Task{ID: "t1"})
	require.NoError(t, err)
	require.True(t, errors.Is(f.s.Acknowledge("t1"), ErrNotFinished))

	require.NoError(t, f.s.Complete(ctx, Result{TaskID: "t1", NodeID: "ki-1"}))
	require.NoError(t, f.s.Acknowledge("t1"))
	require.Empty(t, f.s.Assignments())
}

func TestDispatchFailureReleasesCapacity(t *testing.T) {
	f := newFixture(t, testConfig(), []string{"ki-1"})
	f.d.err = errors.New("connection refused")

	a, err := f.s.Schedule(context.Background(), Task{ID: "t1"})
	require.Error(t, err)
	require.Equal(t, Pending, a.State)
	require.Equal(t, 0, load(f.b, "ki-1"))
}

func TestDrainKeepsOrderWhenNoNodes(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	f.s.Submit(Task{ID: "t1"})
	f.s.Submit(Task{ID: "t2"})
	f.s.Submit(Task{ID: "t1"})
	require.Equal(t, 2, f.s.Queued())

	require.Equal(t, 0, f.s.Drain(ctx))
	require.Equal(t, 2, f.s.Queued())

	f.b.Add("ki-1")
	require.Equal(t, 2, f.s.Drain(ctx))

	sent := f.d.list()
	require.Equal(t, "t1", sent[0].task.ID)
	require.Equal(t, "t2", sent[1].task.ID)
}

func TestDrainRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Rate = 0.001
	cfg.Burst = 2
	f := newFixture(t, cfg, []string{"ki-1"})

	for _, id := range []string{"t1", "t2", "t3"} {
		f.s.Submit(Task{ID: id})
	}

	require.Equal(t, 2, f.s.Drain(context.Background()))
	require.Equal(t, 1, f.s.Queued())
}

func TestLeadershipGate(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, testConfig(), []string{"ki-1"}, WithLeadership(fixedLeadership{self: "an-1"}))
	_, err := f.s.Schedule(ctx, Task{ID: "t1"})
	require.True(t, errors.Is(err, ErrNoLeader))

	f = newFixture(t, testConfig(), []string{"ki-1"}, WithLeadership(fixedLeadership{leader: "an-2", self: "an-1"}))
	_, err = f.s.Schedule(ctx, Task{ID: "t1"})
	require.True(t, errors.Is(err, ErrNotLeader))

	f = newFixture(t, testConfig(), []string{"ki-1"}, WithLeadership(fixedLeadership{leader: "an-1", self: "an-1"}))
	_, err = f.s.Schedule(ctx, Task{ID: "t1"})
	require.NoError(t, err)
}

func TestStrictModeDispatchesOnCommit(t *testing.T) {
	cfg := testConfig()
	cfg.Strict = true
	p := &recordingProposer{}
	f := newFixture(t, cfg, []string{"ki-1"}, WithProposer(p))
	ctx := context.Background()

	a, err := f.s.Schedule(ctx, Task{ID: "t1", Data: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, Pending, a.State)
	require.Equal(t, "ki-1", a.NodeID)
	require.Empty(t, f.d.list())
	require.Len(t, p.proposals, 1)

	var pl Placement
	require.NoError(t, msgpack.Unmarshal(p.proposals[0].Content, &pl))
	require.Equal(t, "t1", pl.TaskID)
	require.Equal(t, "ki-1", pl.NodeID)
	require.Equal(t, "an-1", p.proposals[0].Proposer)

	ok, err := f.s.OnCommitted(ctx, p.proposals[0])
	require.True(t, ok)
	require.NoError(t, err)
	require.Len(t, f.d.list(), 1)

	a, _ = f.s.Get("t1")
	require.Equal(t, Assigned, a.State)

	ok, err = f.s.OnCommitted(ctx, consensus.Proposal{ID: "other", Content: []byte("not a placement")})
	require.False(t, ok)
	require.NoError(t, err)
}

func TestStrictModeAbandonRequeues(t *testing.T) {
	cfg := testConfig()
	cfg.Strict = true
	p := &recordingProposer{}
	f := newFixture(t, cfg, []string{"ki-1"}, WithProposer(p))

	_, err := f.s.Schedule(context.Background(), Task{ID: "t1"})
	require.NoError(t, err)
	require.Equal(t, 1, load(f.b, "ki-1"))

	require.True(t, f.s.OnAbandoned(p.proposals[0]))
	require.Equal(t, 0, load(f.b, "ki-1"))
	require.Equal(t, 1, f.s.Queued())

	a, _ := f.s.Get("t1")
	require.Equal(t, Pending, a.State)
}

func TestWithdrawnPlacementCommitIgnored(t *testing.T) {
	cfg := testConfig()
	cfg.Strict = true
	p := &recordingProposer{}
	f := newFixture(t, cfg, []string{"ki-1", "ki-2"}, WithProposer(p))
	ctx := context.Background()

	_, err := f.s.Schedule(ctx, Task{ID: "t1"})
	require.NoError(t, err)
	require.Len(t, p.proposals, 1)

	require.NoError(t, f.b.Remove("ki-1"))
	require.Equal(t, []string{"t1"}, f.s.Evacuate("ki-1"))

	// The placement on the lost node commits after the evacuation
	ok, err := f.s.OnCommitted(ctx, p.proposals[0])
	require.True(t, ok)
	require.NoError(t, err)
	require.Empty(t, f.d.list())

	a, _ := f.s.Get("t1")
	require.Equal(t, Pending, a.State)
	require.Empty(t, a.NodeID)
	require.Equal(t, 1, f.s.Queued())

	require.Equal(t, 1, f.s.Drain(ctx))
	require.Len(t, p.proposals, 2)

	ok, err = f.s.OnCommitted(ctx, p.proposals[1])
	require.True(t, ok)
	require.NoError(t, err)

	sent := f.d.list()
	require.Len(t, sent, 1)
	require.Equal(t, "ki-2", sent[0].node)

	a, _ = f.s.Get("t1")
	require.Equal(t, Assigned, a.State)
	require.Equal(t, "ki-2", a.NodeID)
}

func TestFollowerIgnoresOlderPlacement(t *testing.T) {
	cfg := testConfig()
	cfg.Strict = true
	f := newFixture(t, cfg, nil, WithProposer(&recordingProposer{}))
	ctx := context.Background()

	newer, err := msgpack.Marshal(Placement{TaskID: "t9", NodeID: "ki-4", Attempt: 2})
	require.NoError(t, err)
	older, err := msgpack.Marshal(Placement{TaskID: "t9", NodeID: "ki-3", Attempt: 1})
	require.NoError(t, err)

	_, err = f.s.OnCommitted(ctx, consensus.Proposal{ID: "p2", Content: newer, Proposer: "an-2"})
	require.NoError(t, err)
	_, err = f.s.OnCommitted(ctx, consensus.Proposal{ID: "p1", Content: older, Proposer: "an-2"})
	require.NoError(t, err)

	a, _ := f.s.Get("t9")
	require.Equal(t, "ki-4", a.NodeID)
	require.Equal(t, 2, a.Attempts)
}

func TestFollowerRecordsCommittedPlacement(t *testing.T) {
	cfg := testConfig()
	cfg.Strict = true
	f := newFixture(t, cfg, []string{"ki-1"}, WithProposer(&recordingProposer{}))

	content, err := msgpack.Marshal(Placement{TaskID: "t9", NodeID: "ki-3", Data: []byte("d"), Attempt: 1})
	require.NoError(t, err)

	ok, err := f.s.OnCommitted(context.Background(), consensus.Proposal{ID: "p", Content: content, Proposer: "an-2"})
	require.True(t, ok)
	require.NoError(t, err)
	require.Empty(t, f.d.list())

	a, found := f.s.Get("t9")
	require.True(t, found)
	require.Equal(t, Assigned, a.State)
	require.Equal(t, "ki-3", a.NodeID)
}

func TestStrictModeNeedsProposer(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cfg := testConfig()
	cfg.Strict = true

	_, err := New(cfg, balancer.New(logger), &recordingDispatcher{}, logger)
	require.Error(t, err)
}

func TestRestore(t *testing.T) {
	f := newFixture(t, testConfig(), []string{"ki-1"})

	f.s.Restore([]Assignment{
		{Task: Task{ID: "b"}, NodeID: "ki-1", State: Assigned, Attempts: 1},
		{Task: Task{ID: "a"}, State: Pending},
		{Task: Task{ID: "c"}, NodeID: "ki-1", State: Completed, Attempts: 1},
	})

	require.Equal(t, 1, f.s.Queued())
	require.Equal(t, map[string]int{"ki-1": 1}, f.s.InFlight())

	as := f.s.Assignments()
	require.Len(t, as, 3)
	require.Equal(t, "a", as[0].Task.ID)
}

func TestRunDrainsSubmittedTasks(t *testing.T) {
	f := newFixture(t, testConfig(), []string{"ki-1"})

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan Task)
	done := make(chan error)
	go func() { done <- f.s.Run(ctx, in) }()

	in <- Task{ID: "t1"}

	require.Eventually(t, func() bool { return len(f.d.list()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", testConfig(), true},
		{"no interval", Config{}, false},
		{"negative rate", Config{Interval: time.Second, Rate: -1}, false},
		{"negative attempts", Config{Interval: time.Second, MaxAttempts: -1}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.cfg.Validate()
			if c.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestEvacuate(t *testing.T) {
	f := newFixture(t, testConfig(), []string{"ki-1", "ki-2"})
	ctx := context.Background()

	_, err := f.s.Schedule(ctx, Task{ID: "t1"})
	require.NoError(t, err)
	_, err = f.s.Schedule(ctx, Task{ID: "t2"})
	require.NoError(t, err)
	_, err = f.s.Schedule(ctx, Task{ID: "t3"})
	require.NoError(t, err)
	require.NoError(t, f.s.Complete(ctx, Result{TaskID: "t3", NodeID: "ki-1"}))

	require.NoError(t, f.b.Remove("ki-1"))
	require.Equal(t, []string{"t1"}, f.s.Evacuate("ki-1"))
	require.Equal(t, 1, f.s.Queued())

	require.Equal(t, 1, f.s.Drain(ctx))
	a, _ := f.s.Get("t1")
	require.Equal(t, "ki-2", a.NodeID)
	require.Equal(t, Assigned, a.State)

	c, _ := f.s.Get("t3")
	require.Equal(t, Completed, c.State)
}

func TestHandoff(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	f.s.Submit(Task{ID: "t1", Data: []byte("a")})
	f.s.Submit(Task{ID: "t2"})

	out := f.s.Handoff()
	require.Len(t, out, 2)
	require.Equal(t, "t1", out[0].ID)
	require.Equal(t, 0, f.s.Queued())
	require.Empty(t, f.s.Assignments())
}
