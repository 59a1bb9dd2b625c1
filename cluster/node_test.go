package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/krantius/anki/election"
	"github.com/krantius/anki/health"
	"github.com/krantius/anki/membership"
	"github.com/krantius/anki/scheduler"
	"github.com/krantius/anki/snapshot"
	"github.com/krantius/anki/transport"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func testConfig(id string) Config {
	c := DefaultConfig()
	c.ID = id
	c.ElectionInterval = 20 * time.Millisecond
	c.ElectionJitter = 30 * time.Millisecond
	c.LeaderTimeout = 300 * time.Millisecond
	c.HeartbeatInterval = 50 * time.Millisecond
	c.SchedulerInterval = 10 * time.Millisecond
	c.ProposalTimeout = time.Second
	return c
}

func newTestNode(t *testing.T, hub *transport.Hub, cfg Config, opts ...Option) *Node {
	logger, _ := test.NewNullLogger()

	n, err := New(cfg, hub.Join(cfg.ID), logger, opts...)
	require.NoError(t, err)

	return n
}

// run starts the node and stops it when the test ends
func run(t *testing.T, n *Node) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- n.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("node did not stop")
		}
	})
}

// lead makes a freshly built node the leader of term 1 without running it
func lead(t *testing.T, n *Node) {
	ctx := context.Background()

	n.Registry().Register(n.ID(), "", membership.Coordinator)
	require.NoError(t, n.Election().Campaign(ctx))

	won, err := n.Election().Acknowledge(ctx, election.Ack{Term: 1, VoterID: n.ID(), CandidateID: n.ID(), Granted: true})
	require.NoError(t, err)
	require.True(t, won)
}

func joinWorker(t *testing.T, hub *transport.Hub, id string) *transport.Endpoint {
	ep := hub.Join(id)

	env, err := transport.NewEnvelope(transport.TopicJoin, id, transport.Join{ID: id, Role: string(membership.Worker)})
	require.NoError(t, err)
	require.NoError(t, ep.Broadcast(context.Background(), env))

	return ep
}

func TestNewRejectsWorkerRole(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := transport.NewHub(logger)

	cfg := testConfig("ki-1")
	cfg.Role = membership.Worker

	_, err := New(cfg, hub.Join("ki-1"), logger)
	require.Error(t, err)
}

func TestCoordinatorsElectOneLeader(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := transport.NewHub(logger)

	ids := []string{"an-1", "an-2", "an-3"}
	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, newTestNode(t, hub, testConfig(id)))
	}
	for _, n := range nodes {
		run(t, n)
	}

	require.Eventually(t, func() bool {
		leaders := 0
		first := nodes[0].Election().Info()

		for _, n := range nodes {
			info := n.Election().Info()
			if info.IsLeader {
				leaders++
			}
			if info.Leader == "" || info.Leader != first.Leader || info.Term != first.Term {
				return false
			}
		}

		return leaders == 1
	}, 5*time.Second, 10*time.Millisecond)

	for _, n := range nodes {
		require.Equal(t, 3, n.Registry().WithRole(membership.Coordinator).LiveCount())
	}
}

func TestSuspectedLeaderIsReplaced(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := transport.NewHub(logger)

	cfg := testConfig("an-1")
	cfg.HeartbeatInterval = time.Second
	cfg.LeaderTimeout = 3 * time.Second
	n := newTestNode(t, hub, cfg)

	for _, id := range []string{"an-1", "an-2", "an-3"} {
		n.Registry().Register(id, "", membership.Coordinator)
	}

	require.NoError(t, n.Election().HandleStatus(election.Status{NodeID: "an-2", Term: 5, IsLeader: true}))
	leader, term, ok := n.Election().Leader()
	require.True(t, ok)
	require.Equal(t, "an-2", leader)
	require.Equal(t, uint64(5), term)

	// Three heartbeat intervals of silence
	events := n.Monitor().Sweep(time.Now().Add(3*time.Second + 100*time.Millisecond))
	require.Contains(t, events, health.Event{Type: health.Suspected, NodeID: "an-2", Failures: 3})

	node, _ := n.Registry().Get("an-2")
	require.Equal(t, membership.Suspect, node.Status)

	_, _, ok = n.Election().Leader()
	require.False(t, ok)

	require.NoError(t, n.Election().Tick(context.Background()))
	require.Equal(t, uint64(6), n.Election().Term())
	require.Equal(t, election.Candidate, n.Election().Info().State)

	require.NoError(t, n.Election().HandleStatus(election.Status{NodeID: "an-3", Term: 6, IsLeader: true}))
	leader, term, _ = n.Election().Leader()
	require.Equal(t, "an-3", leader)
	require.Equal(t, uint64(6), term)

	err := n.Election().HandleStatus(election.Status{NodeID: "an-2", Term: 5, IsLeader: true})
	require.True(t, errors.Is(err, election.ErrStaleTerm))
}

func TestDeadWorkerTasksAreRequeued(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := transport.NewHub(logger)

	n := newTestNode(t, hub, testConfig("an-1"))
	lead(t, n)

	hub.Join("ki-1")
	n.Registry().Register("ki-1", "", membership.Worker)

	require.NoError(t, n.Submit(context.Background(), scheduler.Task{ID: "task-1", Data: []byte("x")}))
	require.Equal(t, 1, n.Scheduler().Drain(context.Background()))

	require.NoError(t, n.Registry().MarkDead("ki-1"))

	a, ok := n.Scheduler().Get("task-1")
	require.True(t, ok)
	require.Equal(t, scheduler.Pending, a.State)
	require.Equal(t, 1, n.Scheduler().Queued())
	require.Equal(t, 0, n.Balancer().Len())
}

func TestSnapshotRestore(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := transport.NewHub(logger)

	n := newTestNode(t, hub, testConfig("an-1"))
	lead(t, n)

	hub.Join("ki-1")
	n.Registry().Register("ki-1", "10.0.0.7:9000", membership.Worker)

	require.NoError(t, n.Submit(context.Background(), scheduler.Task{ID: "task-1", Data: []byte("x")}))
	require.Equal(t, 1, n.Scheduler().Drain(context.Background()))

	view := n.Snapshot()
	require.Equal(t, uint64(1), view.Term)
	require.Equal(t, "an-1", view.Leader)

	codec, err := snapshot.GetCodec(snapshot.CodecNameMsgpack)
	require.NoError(t, err)

	data, err := codec.Encode(&view)
	require.NoError(t, err)
	restored, err := codec.Decode(data)
	require.NoError(t, err)

	m := newTestNode(t, transport.NewHub(logger), testConfig("an-1"))
	m.Restore(*restored)

	require.Equal(t, uint64(1), m.Election().Term())
	require.False(t, m.Election().IsLeader())

	node, ok := m.Registry().Get("ki-1")
	require.True(t, ok)
	require.Equal(t, "10.0.0.7:9000", node.Addr)

	a, ok := m.Scheduler().Get("task-1")
	require.True(t, ok)
	require.Equal(t, scheduler.Assigned, a.State)
	require.Equal(t, "ki-1", a.NodeID)

	load, ok := m.Balancer().Load("ki-1")
	require.True(t, ok)
	require.Equal(t, 1, load)
}

func TestStrictAssignmentGoesThroughConsensus(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := transport.NewHub(logger)

	cfg := testConfig("an-1")
	cfg.StrictAssignment = true
	cfg.HeartbeatInterval = time.Second
	cfg.LeaderTimeout = 3 * time.Second

	results := make(chan scheduler.Result, 1)
	n := newTestNode(t, hub, cfg, WithResultHandler(func(r scheduler.Result) { results <- r }))
	run(t, n)

	require.Eventually(t, n.Election().IsLeader, 2*time.Second, 10*time.Millisecond)

	w := joinWorker(t, hub, "ki-1")
	require.Eventually(t, func() bool { return n.Balancer().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, n.Submit(ctx, scheduler.Task{ID: "task-1", Data: []byte("payload")}))

	var task scheduler.Task
	select {
	case env := <-w.Receive(transport.TopicTask):
		require.NoError(t, env.Decode(&task))
	case <-time.After(2 * time.Second):
		t.Fatal("task never dispatched")
	}
	require.Equal(t, "task-1", task.ID)
	require.Equal(t, "an-1", task.Origin)

	committed := n.Consensus().Committed()
	require.Len(t, committed, 1)

	env, err := transport.NewEnvelope(transport.TopicResult, "ki-1", scheduler.Result{
		TaskID: "task-1",
		NodeID: "ki-1",
		Output: []byte("Processed data: payload"),
	})
	require.NoError(t, err)
	require.NoError(t, w.Send(ctx, "an-1", env))

	select {
	case r := <-results:
		require.Equal(t, "Processed data: payload", string(r.Output))
	case <-time.After(2 * time.Second):
		t.Fatal("result never delivered")
	}

	a, ok := n.Scheduler().Get("task-1")
	require.True(t, ok)
	require.Equal(t, scheduler.Completed, a.State)
}

func TestFollowerForwardsSubmissions(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := transport.NewHub(logger)

	n := newTestNode(t, hub, testConfig("an-1"))
	leader := hub.Join("an-2")

	for _, id := range []string{"an-1", "an-2"} {
		n.Registry().Register(id, "", membership.Coordinator)
	}
	require.NoError(t, n.Election().HandleStatus(election.Status{NodeID: "an-2", Term: 1, IsLeader: true}))

	require.NoError(t, n.Submit(context.Background(), scheduler.Task{ID: "task-1"}))
	require.Equal(t, 0, n.Scheduler().Queued())

	select {
	case env := <-leader.Receive(transport.TopicSubmit):
		var task scheduler.Task
		require.NoError(t, env.Decode(&task))
		require.Equal(t, "task-1", task.ID)
		require.Equal(t, "an-1", task.Origin)
	default:
		t.Fatal("task was not forwarded")
	}
}
