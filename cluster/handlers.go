package cluster

import (
	"context"
	"time"

	"github.com/krantius/anki/consensus"
	"github.com/krantius/anki/election"
	"github.com/krantius/anki/health"
	"github.com/krantius/anki/membership"
	"github.com/krantius/anki/scheduler"
	"github.com/krantius/anki/transport"
	"github.com/pkg/errors"
)

type handler func(ctx context.Context, env transport.Envelope) error

func (n *Node) handlers() map[transport.Topic]handler {
	return map[transport.Topic]handler{
		transport.TopicJoin:      n.handleJoin,
		transport.TopicLeave:     n.handleLeave,
		transport.TopicHealth:    n.handleHealth,
		transport.TopicStatus:    n.handleStatus,
		transport.TopicCandidacy: n.handleCandidacy,
		transport.TopicAck:       n.handleAck,
		transport.TopicProposal:  n.handleProposal,
		transport.TopicVote:      n.handleVote,
		transport.TopicSubmit:    n.handleSubmit,
		transport.TopicResult:    n.handleResult,
		transport.TopicDone:      n.handleDone,
		transport.TopicLoad:      n.handleLoad,
	}
}

// consume feeds one topic to its handler. Handler errors are logged, one bad
// message never stops the loop.
func (n *Node) consume(ctx context.Context, topic transport.Topic, h handler) error {
	ch := n.tr.Receive(topic)

	for {
		select {
		case env := <-ch:
			if err := h(ctx, env); err != nil {
				n.log.WithError(err).WithField("topic", topic).WithField("from", env.From).Warn("Failed to handle message")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (n *Node) broadcast(ctx context.Context, topic transport.Topic, v interface{}) error {
	env, err := transport.NewEnvelope(topic, n.cfg.ID, v)
	if err != nil {
		return err
	}
	return n.tr.Broadcast(ctx, env)
}

func (n *Node) send(ctx context.Context, to string, topic transport.Topic, v interface{}) error {
	env, err := transport.NewEnvelope(topic, n.cfg.ID, v)
	if err != nil {
		return err
	}
	return n.tr.Send(ctx, to, env)
}

func (n *Node) sendHeartbeat(ctx context.Context, s health.Sample) error {
	return n.broadcast(ctx, transport.TopicHealth, transport.Heartbeat{
		ID:      n.cfg.ID,
		Addr:    n.cfg.Addr,
		Role:    string(membership.Coordinator),
		Healthy: s.Healthy,
		At:      s.At,
	})
}

// AnnounceCandidacy implements election.Announcer
func (n *Node) AnnounceCandidacy(ctx context.Context, c election.Candidacy) error {
	return n.broadcast(ctx, transport.TopicCandidacy, c)
}

// ClaimLeadership implements election.Announcer
func (n *Node) ClaimLeadership(ctx context.Context, s election.Status) error {
	return n.broadcast(ctx, transport.TopicStatus, s)
}

// Dispatch implements scheduler.Dispatcher
func (n *Node) Dispatch(ctx context.Context, node string, t scheduler.Task) error {
	return n.send(ctx, node, transport.TopicTask, t)
}

// Deliver implements scheduler.ResultSink
func (n *Node) Deliver(ctx context.Context, origin string, r scheduler.Result) error {
	if origin == n.cfg.ID {
		n.finished(r)
		return nil
	}
	return n.send(ctx, origin, transport.TopicDone, r)
}

// Propose implements scheduler.Proposer. The proposal reaches the local
// engine through the broadcast loopback like everybody else's.
func (n *Node) Propose(p consensus.Proposal) error {
	if p.Term == 0 {
		p.Term = n.election.Term()
	}

	ctx, cancel := context.WithTimeout(n.context(), n.cfg.ProposalTimeout)
	defer cancel()

	return n.broadcast(ctx, transport.TopicProposal, p)
}

func (n *Node) handleJoin(_ context.Context, env transport.Envelope) error {
	var j transport.Join
	if err := env.Decode(&j); err != nil {
		return err
	}

	known := n.registry.IsMember(j.ID)

	n.addPeer(j.ID, j.Addr)
	n.registry.Register(j.ID, j.Addr, membership.Role(j.Role))

	if known || j.ID == n.cfg.ID {
		return nil
	}

	// Introduce ourselves to the newcomer
	return n.send(n.context(), j.ID, transport.TopicJoin, n.join())
}

func (n *Node) handleLeave(_ context.Context, env transport.Envelope) error {
	var l transport.Leave
	if err := env.Decode(&l); err != nil {
		return err
	}

	if l.ID == n.cfg.ID {
		return nil
	}

	if err := n.registry.Deregister(l.ID); err != nil {
		n.log.WithError(err).Debug("Leave from unknown node")
	}

	return nil
}

func (n *Node) handleHealth(_ context.Context, env transport.Envelope) error {
	var hb transport.Heartbeat
	if err := env.Decode(&hb); err != nil {
		return err
	}

	if hb.ID == n.cfg.ID {
		return nil
	}

	if !n.registry.IsMember(hb.ID) {
		n.addPeer(hb.ID, hb.Addr)
		n.registry.Register(hb.ID, hb.Addr, membership.Role(hb.Role))
	} else if hb.Healthy {
		n.registry.Touch(hb.ID)
	}

	// Sender clocks are not trusted, silence is measured locally
	n.monitor.Observe(health.Sample{NodeID: hb.ID, At: time.Now(), Healthy: hb.Healthy})

	return nil
}

func (n *Node) handleStatus(_ context.Context, env transport.Envelope) error {
	var s election.Status
	if err := env.Decode(&s); err != nil {
		return err
	}

	if err := n.election.HandleStatus(s); err != nil {
		n.log.WithError(err).WithField("claimant", s.NodeID).Debug("Rejected leader claim")
	}

	return nil
}

func (n *Node) handleCandidacy(ctx context.Context, env transport.Envelope) error {
	var c election.Candidacy
	if err := env.Decode(&c); err != nil {
		return err
	}

	ack := n.election.HandleCandidacy(c)

	return n.send(ctx, c.CandidateID, transport.TopicAck, ack)
}

func (n *Node) handleAck(ctx context.Context, env transport.Envelope) error {
	var a election.Ack
	if err := env.Decode(&a); err != nil {
		return err
	}

	if _, err := n.election.Acknowledge(ctx, a); err != nil {
		if errors.Is(err, election.ErrNotCandidate) {
			n.log.WithField("voter", a.VoterID).WithField("term", a.Term).Debug("Late election ack")
			return nil
		}
		return err
	}

	return nil
}

func (n *Node) handleProposal(ctx context.Context, env transport.Envelope) error {
	var p consensus.Proposal
	if err := env.Decode(&p); err != nil {
		return err
	}

	if err := n.consensus.Propose(p); err != nil {
		if errors.Is(err, consensus.ErrDuplicateProposal) {
			n.log.WithField("proposal", p.ID).Debug("Duplicate proposal")
			return nil
		}
		n.log.WithError(err).WithField("proposal", p.ID).Warn("Refused proposal")
		return nil
	}

	for _, voter := range n.early.take(p.ID) {
		n.vote(p.ID, voter)
	}

	return n.broadcast(ctx, transport.TopicVote, transport.Vote{ProposalID: p.ID, VoterID: n.cfg.ID})
}

func (n *Node) handleVote(_ context.Context, env transport.Envelope) error {
	var v transport.Vote
	if err := env.Decode(&v); err != nil {
		return err
	}

	n.vote(v.ProposalID, v.VoterID)

	return nil
}

func (n *Node) vote(id, voter string) {
	logger := n.log.WithField("proposal", id).WithField("voter", voter)

	_, err := n.consensus.Vote(id, voter)
	switch {
	case err == nil:
		n.metrics.votes.Inc()
	case errors.Is(err, consensus.ErrUnknownProposal):
		// The vote overtook the proposal
		n.early.add(id, voter, time.Now())
		logger.Debug("Holding vote for unknown proposal")
	case errors.Is(err, consensus.ErrDuplicateVote):
		logger.Debug("Duplicate vote")
	default:
		logger.WithError(err).Warn("Refused vote")
	}
}

func (n *Node) handleSubmit(ctx context.Context, env transport.Envelope) error {
	var t scheduler.Task
	if err := env.Decode(&t); err != nil {
		return err
	}

	if t.Origin == "" {
		t.Origin = env.From
	}

	return n.Submit(ctx, t)
}

func (n *Node) handleResult(ctx context.Context, env transport.Envelope) error {
	var r scheduler.Result
	if err := env.Decode(&r); err != nil {
		return err
	}

	if r.NodeID == "" {
		r.NodeID = env.From
	}

	var err error
	if r.Error != "" {
		err = n.scheduler.Fail(ctx, r)
	} else {
		err = n.scheduler.Complete(ctx, r)
	}

	if errors.Is(err, scheduler.ErrUnknownTask) {
		return nil
	}

	return err
}

func (n *Node) handleDone(_ context.Context, env transport.Envelope) error {
	var r scheduler.Result
	if err := env.Decode(&r); err != nil {
		return err
	}

	n.finished(r)

	return nil
}

func (n *Node) finished(r scheduler.Result) {
	logger := n.log.WithField("task", r.TaskID).WithField("worker", r.NodeID)
	if r.Error != "" {
		logger.WithField("error", r.Error).Warn("Task failed")
	} else {
		logger.Info("Task result received")
	}

	if n.onResult != nil {
		n.onResult(r)
	}
}

func (n *Node) handleLoad(_ context.Context, env transport.Envelope) error {
	var l transport.Load
	if err := env.Decode(&l); err != nil {
		return err
	}

	if err := n.balancer.Sync(l.NodeID, l.Tasks); err != nil {
		n.log.WithError(err).Debug("Load report for untracked node")
	}

	return nil
}
