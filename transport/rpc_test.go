package transport

import (
	"context"
	"testing"
	"time"

	"github.com/krantius/anki/shared/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func startRPC(t *testing.T, ctx context.Context, id string) *RPC {
	t.Helper()

	logger, _ := test.NewNullLogger()
	r, err := NewRPC(RPCConfig{
		ID:       id,
		Listen:   "127.0.0.1:0",
		Attempts: 2,
		Backoff:  backoff.Constant{Interval: time.Millisecond},
	}, logger)
	require.NoError(t, err)
	require.NoError(t, r.Start())

	go r.Serve(ctx)
	t.Cleanup(func() { r.Close() })

	return r
}

func TestRPCSendAndBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startRPC(t, ctx, "a")
	b := startRPC(t, ctx, "b")

	a.AddPeer("b", b.Addr())
	b.AddPeer("a", a.Addr())
	require.Equal(t, []string{"b"}, a.Peers())

	env, err := NewEnvelope(TopicVote, "", Vote{ProposalID: "p1", VoterID: "a"})
	require.NoError(t, err)
	require.NoError(t, a.Send(ctx, "b", env))

	got := recv(t, b.Receive(TopicVote))
	require.Equal(t, "a", got.From)
	require.Equal(t, "b", got.To)

	var v Vote
	require.NoError(t, got.Decode(&v))
	require.Equal(t, "p1", v.ProposalID)

	require.NoError(t, b.Broadcast(ctx, env))
	require.Equal(t, "b", recv(t, a.Receive(TopicVote)).From)
	require.Equal(t, "b", recv(t, b.Receive(TopicVote)).From)

	// Sending to ourselves stays local
	require.NoError(t, a.Send(ctx, "a", env))
	require.Equal(t, "a", recv(t, a.Receive(TopicVote)).To)
}

func TestRPCUnknownPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startRPC(t, ctx, "a")

	err := a.Send(ctx, "ghost", Envelope{Topic: TopicTask})
	require.True(t, errors.Is(err, ErrUnknownPeer))

	a.AddPeer("b", "127.0.0.1:1")
	a.RemovePeer("b")
	require.Empty(t, a.Peers())
}

func TestRPCUnreachablePeerFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startRPC(t, ctx, "a")

	// Grab a free port and release it so nothing listens there
	dead := startRPC(t, ctx, "dead")
	addr := dead.Addr()
	dead.Close()

	a.AddPeer("dead", addr)

	err := a.Send(ctx, "dead", Envelope{Topic: TopicTask})
	require.Error(t, err)

	// Broadcast still loops back even when a peer fails
	require.Error(t, a.Broadcast(ctx, Envelope{Topic: TopicTask}))
	recv(t, a.Receive(TopicTask))
}

func TestRPCClosed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startRPC(t, ctx, "a")
	require.NoError(t, a.Close())

	require.True(t, errors.Is(a.Send(ctx, "a", Envelope{}), ErrClosed))
	require.True(t, errors.Is(a.Broadcast(ctx, Envelope{}), ErrClosed))
}

func TestNewRPCNeedsID(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := NewRPC(RPCConfig{}, logger)
	require.Error(t, err)
}
