// Package consensus implements majority voting over proposals.
//
// The quorum is derived from the live membership every time a decision is
// made, never cached. Votes are kept as sets of voter ids so a node can not be
// counted twice, and a proposal commits at most once: the vote that brings the
// set to quorum flips the outcome under the same lock that inserted it.
package consensus

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/krantius/anki/membership"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	ErrDuplicateProposal = errors.New("consensus: duplicate proposal")
	ErrUnknownProposal   = errors.New("consensus: unknown proposal")
	ErrDuplicateVote     = errors.New("consensus: duplicate vote")
	ErrUnknownVoter      = errors.New("consensus: voter is not a member")
	ErrNoLeader          = errors.New("consensus: no leader")
	ErrStaleTerm         = errors.New("consensus: proposal from a stale term")
)

const (
	defaultShards  = 16
	defaultHistory = 1024
)

// Proposal is a unit of agreement. It is immutable once proposed.
type Proposal struct {
	ID        string    `json:"id" msgpack:"id"`
	Content   []byte    `json:"content" msgpack:"content"`
	Proposer  string    `json:"proposer" msgpack:"proposer"`
	Term      uint64    `json:"term" msgpack:"term"`
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
}

// NewProposal creates a proposal with a fresh id
func NewProposal(content []byte, proposer string, term uint64) Proposal {
	return Proposal{
		ID:        uuid.NewString(),
		Content:   content,
		Proposer:  proposer,
		Term:      term,
		CreatedAt: time.Now().UTC(),
	}
}

type Outcome string

const (
	Pending   Outcome = "pending"
	Committed Outcome = "committed"
	Abandoned Outcome = "abandoned"
)

// Tally is the vote state of one proposal
type Tally struct {
	ProposalID string   `json:"proposal_id"`
	Voters     []string `json:"voters"`
	Quorum     int      `json:"quorum"`
	Outcome    Outcome  `json:"outcome"`
}

// Count is the number of distinct voters
func (t Tally) Count() int {
	return len(t.Voters)
}

// Members is the live membership the quorum is computed from
type Members interface {
	LiveCount() int
	IsMember(id string) bool
}

// Leadership gates proposals on a known leader
type Leadership interface {
	Leader() (id string, term uint64, ok bool)
}

type Config struct {
	// Timeout after which a pending proposal is abandoned
	Timeout time.Duration
	Quorum  membership.QuorumRule
	// Shards is the number of independently locked proposal tables
	Shards int
	// History is how many committed proposals are kept, zero means 1024
	History int
}

func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return errors.New("consensus: timeout must be positive")
	}
	if c.History < 0 {
		return errors.New("consensus: negative history")
	}
	return c.Quorum.Validate()
}

type Option func(*Engine)

// WithApply sets the function receiving committed proposals. It is called
// exactly once per proposal, outside any engine lock.
func WithApply(fn func(Proposal)) Option {
	return func(e *Engine) { e.apply = fn }
}

// WithAbandon sets the function receiving abandoned proposals
func WithAbandon(fn func(Proposal)) Option {
	return func(e *Engine) { e.abandon = fn }
}

// WithLeadership refuses proposals while no leader is known
func WithLeadership(l Leadership) Option {
	return func(e *Engine) { e.leadership = l }
}

type entry struct {
	proposal    Proposal
	voters      map[string]struct{}
	outcome     Outcome
	deadline    time.Time
	committedAt time.Time
}

func (en *entry) tally(quorum int) Tally {
	voters := make([]string, 0, len(en.voters))
	for v := range en.voters {
		voters = append(voters, v)
	}
	sort.Strings(voters)

	return Tally{
		ProposalID: en.proposal.ID,
		Voters:     voters,
		Quorum:     quorum,
		Outcome:    en.outcome,
	}
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Engine holds proposals and their vote tallies
type Engine struct {
	cfg        Config
	members    Members
	leadership Leadership
	shards     []*shard

	apply   func(Proposal)
	abandon func(Proposal)

	// history lists committed ids oldest first
	histMu  sync.Mutex
	history []string

	now func() time.Time
	log log.FieldLogger
}

// New creates an engine over the given membership
func New(cfg Config, members Members, logger log.FieldLogger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	if cfg.History == 0 {
		cfg.History = defaultHistory
	}

	e := &Engine{
		cfg:     cfg,
		members: members,
		shards:  make([]*shard, cfg.Shards),
		now:     time.Now,
		log:     logger.WithField("component", "consensus"),
	}

	for i := range e.shards {
		e.shards[i] = &shard{entries: make(map[string]*entry)}
	}

	for _, o := range opts {
		o(e)
	}

	return e, nil
}

func (e *Engine) shard(id string) *shard {
	return e.shards[xxhash.Sum64String(id)%uint64(len(e.shards))]
}

func (e *Engine) quorum() int {
	return e.cfg.Quorum.Threshold(e.members.LiveCount())
}

// Propose registers a proposal with no votes
func (e *Engine) Propose(p Proposal) error {
	if p.ID == "" {
		return errors.New("consensus: proposal without id")
	}

	if e.leadership != nil {
		_, term, ok := e.leadership.Leader()
		if !ok {
			return errors.Wrapf(ErrNoLeader, "propose %s", p.ID)
		}
		if p.Term == 0 {
			p.Term = term
		}
		if p.Term < term {
			return errors.Wrapf(ErrStaleTerm, "propose %s in term %d, current %d", p.ID, p.Term, term)
		}
	}

	now := e.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	sh := e.shard(p.ID)
	sh.mu.Lock()

	if _, ok := sh.entries[p.ID]; ok {
		sh.mu.Unlock()
		return errors.Wrapf(ErrDuplicateProposal, "propose %s", p.ID)
	}

	sh.entries[p.ID] = &entry{
		proposal: p,
		voters:   make(map[string]struct{}),
		outcome:  Pending,
		deadline: now.Add(e.cfg.Timeout),
	}

	sh.mu.Unlock()

	e.log.WithField("proposal", p.ID).WithField("proposer", p.Proposer).WithField("term", p.Term).Info("Added new proposal")

	return nil
}

// Vote records voter's vote and returns the updated tally. Votes on a
// committed proposal are recorded but do not commit it again.
func (e *Engine) Vote(id, voter string) (Tally, error) {
	sh := e.shard(id)
	sh.mu.Lock()

	en, ok := sh.entries[id]
	if !ok {
		sh.mu.Unlock()
		return Tally{}, errors.Wrapf(ErrUnknownProposal, "vote by %s on %s", voter, id)
	}

	quorum := e.quorum()

	if _, dup := en.voters[voter]; dup {
		t := en.tally(quorum)
		sh.mu.Unlock()
		return t, errors.Wrapf(ErrDuplicateVote, "vote by %s on %s", voter, id)
	}

	if !e.members.IsMember(voter) {
		t := en.tally(quorum)
		sh.mu.Unlock()
		return t, errors.Wrapf(ErrUnknownVoter, "vote by %s on %s", voter, id)
	}

	en.voters[voter] = struct{}{}

	commit := en.outcome == Pending && len(en.voters) >= quorum
	if commit {
		en.outcome = Committed
		en.committedAt = e.now()
	}

	t := en.tally(quorum)
	p := en.proposal
	sh.mu.Unlock()

	e.log.WithField("proposal", id).WithField("voter", voter).WithField("votes", t.Count()).WithField("quorum", quorum).Debug("Cast vote")

	if commit {
		e.committed(p, t)
	}

	return t, nil
}

// HasQuorum reports whether the proposal's distinct voters meet the quorum of
// the current live membership
func (e *Engine) HasQuorum(id string) (bool, error) {
	sh := e.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	en, ok := sh.entries[id]
	if !ok {
		return false, errors.Wrapf(ErrUnknownProposal, "quorum of %s", id)
	}

	return len(en.voters) >= e.quorum(), nil
}

// Tally returns the vote state of a proposal
func (e *Engine) Tally(id string) (Tally, error) {
	sh := e.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	en, ok := sh.entries[id]
	if !ok {
		return Tally{}, errors.Wrapf(ErrUnknownProposal, "tally of %s", id)
	}

	return en.tally(e.quorum()), nil
}

// Reevaluate commits pending proposals that reach quorum under the current
// membership. A shrinking membership lowers the quorum, so a proposal can
// commit without any new vote.
func (e *Engine) Reevaluate() []string {
	var ids []string

	for _, sh := range e.shards {
		type commit struct {
			p Proposal
			t Tally
		}
		var commits []commit

		sh.mu.Lock()
		quorum := e.quorum()
		for _, en := range sh.entries {
			if en.outcome == Pending && len(en.voters) >= quorum {
				en.outcome = Committed
				en.committedAt = e.now()
				commits = append(commits, commit{p: en.proposal, t: en.tally(quorum)})
			}
		}
		sh.mu.Unlock()

		for _, c := range commits {
			e.committed(c.p, c.t)
			ids = append(ids, c.p.ID)
		}
	}

	sort.Strings(ids)

	return ids
}

// Expire abandons and evicts pending proposals past their deadline
func (e *Engine) Expire(now time.Time) []Proposal {
	return e.evict(func(en *entry) bool { return !now.Before(en.deadline) })
}

// AbandonAll abandons every pending proposal, used on shutdown
func (e *Engine) AbandonAll() []Proposal {
	return e.evict(func(*entry) bool { return true })
}

func (e *Engine) evict(match func(*entry) bool) []Proposal {
	var out []Proposal

	for _, sh := range e.shards {
		var evicted []Proposal

		sh.mu.Lock()
		for id, en := range sh.entries {
			if en.outcome == Pending && match(en) {
				en.outcome = Abandoned
				delete(sh.entries, id)
				evicted = append(evicted, en.proposal)
			}
		}
		sh.mu.Unlock()

		for _, p := range evicted {
			e.log.WithField("proposal", p.ID).Warn("Proposal abandoned without quorum")
			if e.abandon != nil {
				e.abandon(p)
			}
		}

		out = append(out, evicted...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Pending returns the tallies of proposals still waiting for votes
func (e *Engine) Pending() []Tally {
	var out []Tally

	for _, sh := range e.shards {
		sh.mu.Lock()
		quorum := e.quorum()
		for _, en := range sh.entries {
			if en.outcome == Pending {
				out = append(out, en.tally(quorum))
			}
		}
		sh.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ProposalID < out[j].ProposalID })

	return out
}

// Committed returns committed proposals in commit order
func (e *Engine) Committed() []Proposal {
	type committed struct {
		p  Proposal
		at time.Time
	}
	var list []committed

	for _, sh := range e.shards {
		sh.mu.Lock()
		for _, en := range sh.entries {
			if en.outcome == Committed {
				list = append(list, committed{p: en.proposal, at: en.committedAt})
			}
		}
		sh.mu.Unlock()
	}

	sort.Slice(list, func(i, j int) bool {
		if !list[i].at.Equal(list[j].at) {
			return list[i].at.Before(list[j].at)
		}
		return list[i].p.ID < list[j].p.ID
	})

	out := make([]Proposal, len(list))
	for i, c := range list {
		out[i] = c.p
	}

	return out
}

// RestoreCommitted loads previously committed proposals without applying
// them again. Proposals the engine already holds are left alone.
func (e *Engine) RestoreCommitted(ps []Proposal) {
	now := e.now()

	restored := 0
	for i, p := range ps {
		sh := e.shard(p.ID)
		sh.mu.Lock()
		if _, ok := sh.entries[p.ID]; ok {
			sh.mu.Unlock()
			e.log.WithField("proposal", p.ID).Debug("Skipping restore of known proposal")
			continue
		}
		sh.entries[p.ID] = &entry{
			proposal: p,
			voters:   make(map[string]struct{}),
			outcome:  Committed,
			// Keep the restored order stable
			committedAt: now.Add(time.Duration(i-len(ps)) * time.Nanosecond),
		}
		sh.mu.Unlock()

		e.remember(p.ID)
		restored++
	}

	e.log.WithField("proposals", restored).Info("Restored committed proposals")
}

// remember records a commit and forgets the oldest ones beyond the history size
func (e *Engine) remember(id string) {
	e.histMu.Lock()
	e.history = append(e.history, id)

	var drop []string
	if over := len(e.history) - e.cfg.History; over > 0 {
		drop = append(drop, e.history[:over]...)
		e.history = append([]string(nil), e.history[over:]...)
	}
	e.histMu.Unlock()

	for _, old := range drop {
		sh := e.shard(old)
		sh.mu.Lock()
		if en, ok := sh.entries[old]; ok && en.outcome == Committed {
			delete(sh.entries, old)
		}
		sh.mu.Unlock()
	}
}

func (e *Engine) committed(p Proposal, t Tally) {
	e.log.WithField("proposal", p.ID).WithField("votes", t.Count()).WithField("quorum", t.Quorum).Info("Consensus reached")

	e.remember(p.ID)

	if e.apply != nil {
		e.apply(p)
	}
}
