package election

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/krantius/anki/membership"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrStaleTerm rejects messages from a term older than ours
	ErrStaleTerm = errors.New("election: stale term")
	// ErrConflictingClaim rejects a second leader for a term that already has one
	ErrConflictingClaim = errors.New("election: conflicting leader claim")
	// ErrUnratifiedClaim rejects a claim naming this node that it never won
	ErrUnratifiedClaim = errors.New("election: leader claim without majority")
	// ErrNotCandidate rejects acknowledgements for a candidacy we are not running
	ErrNotCandidate = errors.New("election: not a candidate for that term")
)

type State string

const (
	Follower  State = "follower"
	Candidate State = "candidate"
	Leader    State = "leader"
)

// Status is a node's leadership statement
type Status struct {
	NodeID   string
	Term     uint64
	IsLeader bool
}

// Candidacy announces that CandidateID wants to lead Term
type Candidacy struct {
	Term        uint64
	CandidateID string
}

// Ack answers a candidacy
type Ack struct {
	Term        uint64
	VoterID     string
	CandidateID string
	Granted     bool
}

// Info is a point in time view of the local election state
type Info struct {
	Term     uint64 `json:"term"`
	Leader   string `json:"leader,omitempty"`
	State    State  `json:"state"`
	IsLeader bool   `json:"is_leader"`
}

// Announcer delivers election messages to the rest of the cluster
type Announcer interface {
	AnnounceCandidacy(ctx context.Context, c Candidacy) error
	ClaimLeadership(ctx context.Context, s Status) error
}

// Members is the electorate: its live size sets the majority, and only its
// members' acknowledgements count
type Members interface {
	LiveCount() int
	IsMember(id string) bool
}

type Config struct {
	// Interval between election ticks
	Interval time.Duration
	// LeaderTimeout is how long a follower trusts a leader it has not heard from
	LeaderTimeout time.Duration
	// Jitter adds up to this much random delay to each tick
	Jitter time.Duration
	Quorum membership.QuorumRule
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("election: interval must be positive")
	}
	if c.LeaderTimeout < c.Interval {
		return errors.New("election: leader timeout shorter than interval")
	}
	return c.Quorum.Validate()
}

// Election runs the follower/candidate/leader state machine for one node
type Election struct {
	id        string
	cfg       Config
	members   Members
	announcer Announcer

	mu        sync.RWMutex
	term      uint64
	leader    string
	state     State
	votedFor  string
	acks      map[string]struct{}
	lastHeard time.Time

	onChange func(Info)

	now func() time.Time
	log log.FieldLogger
}

// New creates an election for node id, starting as a follower in term 0
func New(id string, cfg Config, members Members, announcer Announcer, logger log.FieldLogger) (*Election, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Election{
		id:        id,
		cfg:       cfg,
		members:   members,
		announcer: announcer,
		state:     Follower,
		now:       time.Now,
		log:       logger.WithField("component", "election").WithField("node", id),
	}, nil
}

// OnChange sets a function called whenever the term, leader or state changes
func (e *Election) OnChange(fn func(Info)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onChange = fn
}

// Tick is the periodic check. Leaders re-broadcast their claim, everybody
// else starts a campaign when no leader has been heard from recently.
func (e *Election) Tick(ctx context.Context) error {
	e.mu.Lock()

	if e.state == Leader {
		s := Status{NodeID: e.id, Term: e.term, IsLeader: true}
		e.mu.Unlock()

		return e.claim(ctx, s)
	}

	wait := e.cfg.Interval
	if e.leader != "" {
		wait = e.cfg.LeaderTimeout
	}

	if !e.lastHeard.IsZero() && e.now().Sub(e.lastHeard) < wait {
		e.mu.Unlock()
		return nil
	}

	e.mu.Unlock()

	return e.Campaign(ctx)
}

// Campaign starts a new term with this node as candidate. Candidacy is not
// leadership, the node only leads after a majority acknowledges it.
func (e *Election) Campaign(ctx context.Context) error {
	e.mu.Lock()

	if e.state == Leader {
		e.mu.Unlock()
		return nil
	}

	e.term++
	e.state = Candidate
	e.leader = ""
	e.votedFor = e.id
	e.acks = make(map[string]struct{})
	e.lastHeard = e.now()

	c := Candidacy{Term: e.term, CandidateID: e.id}
	info := e.infoLocked()
	e.mu.Unlock()

	e.log.WithField("term", c.Term).Info("No current leader, starting election")
	e.changed(info)

	if err := e.announcer.AnnounceCandidacy(ctx, c); err != nil {
		return errors.Wrapf(err, "announce candidacy for term %d", c.Term)
	}

	return nil
}

// HandleCandidacy decides whether to back a candidate. A node grants at most
// one candidate per term.
func (e *Election) HandleCandidacy(c Candidacy) Ack {
	e.mu.Lock()

	if c.Term > e.term {
		e.stepDownLocked(c.Term)
	}

	ack := Ack{Term: e.term, VoterID: e.id, CandidateID: c.CandidateID}

	if c.Term == e.term && (e.votedFor == "" || e.votedFor == c.CandidateID) {
		e.votedFor = c.CandidateID
		e.lastHeard = e.now()
		ack.Granted = true
	}

	info := e.infoLocked()
	e.mu.Unlock()

	e.log.WithField("candidate", c.CandidateID).WithField("term", c.Term).WithField("granted", ack.Granted).Debug("Answered candidacy")
	e.changed(info)

	return ack
}

// Acknowledge records a vote for our candidacy. It returns true when this
// acknowledgement made the node leader.
func (e *Election) Acknowledge(ctx context.Context, a Ack) (bool, error) {
	e.mu.Lock()

	if a.Term > e.term {
		e.stepDownLocked(a.Term)
		info := e.infoLocked()
		e.mu.Unlock()

		e.changed(info)
		return false, nil
	}

	if e.state != Candidate || a.Term != e.term || a.CandidateID != e.id {
		e.mu.Unlock()
		return false, errors.Wrapf(ErrNotCandidate, "ack from %s for %s term %d", a.VoterID, a.CandidateID, a.Term)
	}

	if !a.Granted {
		e.mu.Unlock()
		return false, nil
	}

	if !e.members.IsMember(a.VoterID) {
		e.mu.Unlock()
		e.log.WithField("voter", a.VoterID).WithField("term", a.Term).Debug("Ignoring ack from outside the electorate")
		return false, nil
	}

	e.acks[a.VoterID] = struct{}{}

	need := e.cfg.Quorum.Threshold(e.members.LiveCount())
	if len(e.acks) < need {
		e.mu.Unlock()
		return false, nil
	}

	e.state = Leader
	e.leader = e.id
	e.acks = nil
	e.lastHeard = e.now()

	s := Status{NodeID: e.id, Term: e.term, IsLeader: true}
	info := e.infoLocked()
	e.mu.Unlock()

	e.log.WithField("term", s.Term).WithField("votes", need).Info("Won election, becoming leader")
	e.changed(info)

	return true, e.claim(ctx, s)
}

// HandleStatus processes another node's leadership statement. Claims for an
// older term are rejected, and within one term the first accepted leader wins.
func (e *Election) HandleStatus(s Status) error {
	e.mu.Lock()

	if !s.IsLeader {
		if s.Term > e.term {
			e.stepDownLocked(s.Term)
			info := e.infoLocked()
			e.mu.Unlock()

			e.changed(info)
			return nil
		}
		e.mu.Unlock()
		return nil
	}

	if s.Term < e.term {
		e.mu.Unlock()
		return errors.Wrapf(ErrStaleTerm, "claim by %s for term %d, current %d", s.NodeID, s.Term, e.term)
	}

	if s.NodeID == e.id {
		ok := e.state == Leader && e.term == s.Term
		e.mu.Unlock()

		if !ok {
			return errors.Wrapf(ErrUnratifiedClaim, "term %d", s.Term)
		}
		return nil
	}

	if s.Term == e.term && e.leader != "" && e.leader != s.NodeID {
		current := e.leader
		e.mu.Unlock()
		return errors.Wrapf(ErrConflictingClaim, "claim by %s for term %d, already following %s", s.NodeID, s.Term, current)
	}

	changed := e.leader != s.NodeID || e.term != s.Term

	// Following a leader uses up this node's vote for the term
	if s.Term > e.term || e.votedFor == "" {
		e.votedFor = s.NodeID
	}
	e.term = s.Term
	e.leader = s.NodeID
	e.state = Follower
	e.acks = nil
	e.lastHeard = e.now()

	info := e.infoLocked()
	e.mu.Unlock()

	if changed {
		e.log.WithField("leader", s.NodeID).WithField("term", s.Term).Info("Following new leader")
		e.changed(info)
	}

	return nil
}

// LeaderLost forgets the leader if it is id, so the next tick campaigns
func (e *Election) LeaderLost(id string) bool {
	e.mu.Lock()

	if e.leader != id || id == e.id {
		e.mu.Unlock()
		return false
	}

	e.leader = ""
	e.lastHeard = time.Time{}

	info := e.infoLocked()
	e.mu.Unlock()

	e.log.WithField("leader", id).WithField("term", info.Term).Warn("Leader lost")
	e.changed(info)

	return true
}

// Restore moves the term forward after a restart so old terms are never reused
func (e *Election) Restore(term uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if term > e.term {
		e.term = term
	}
}

// Info returns the current election state
func (e *Election) Info() Info {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.infoLocked()
}

// Leader returns the current leader and term, ok is false when there is none
func (e *Election) Leader() (string, uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.leader, e.term, e.leader != ""
}

// IsLeader reports whether this node leads the current term
func (e *Election) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.state == Leader
}

// Term returns the current term
func (e *Election) Term() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.term
}

// Run ticks every interval plus jitter until ctx is done
func (e *Election) Run(ctx context.Context) error {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	next := func() time.Duration {
		d := e.cfg.Interval
		if e.cfg.Jitter > 0 {
			d += time.Duration(r.Int63n(int64(e.cfg.Jitter)))
		}
		return d
	}

	timer := time.NewTimer(next())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if err := e.Tick(ctx); err != nil {
				e.log.WithError(err).Error("Election tick failed")
			}
			timer.Reset(next())
		case <-ctx.Done():
			e.log.Info("Election stopping")
			return nil
		}
	}
}

func (e *Election) claim(ctx context.Context, s Status) error {
	if err := e.announcer.ClaimLeadership(ctx, s); err != nil {
		return errors.Wrapf(err, "claim leadership for term %d", s.Term)
	}
	return nil
}

// stepDownLocked moves to a newer term as follower with no known leader
func (e *Election) stepDownLocked(term uint64) {
	if e.state == Leader {
		e.log.WithField("term", term).Info("Stepping down, newer term seen")
	}

	e.term = term
	e.state = Follower
	e.leader = ""
	e.votedFor = ""
	e.acks = nil
}

func (e *Election) infoLocked() Info {
	return Info{
		Term:     e.term,
		Leader:   e.leader,
		State:    e.state,
		IsLeader: e.state == Leader,
	}
}

func (e *Election) changed(info Info) {
	e.mu.RLock()
	fn := e.onChange
	e.mu.RUnlock()

	if fn != nil {
		fn(info)
	}
}
