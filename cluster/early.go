package cluster

import (
	"sync"
	"time"
)

// earlyVotes holds votes that arrived before their proposal
type earlyVotes struct {
	mu    sync.Mutex
	votes map[string]*heldVotes
}

type heldVotes struct {
	voters []string
	first  time.Time
}

func newEarlyVotes() *earlyVotes {
	return &earlyVotes{votes: make(map[string]*heldVotes)}
}

func (e *earlyVotes) add(id, voter string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.votes[id]
	if !ok {
		h = &heldVotes{first: now}
		e.votes[id] = h
	}

	for _, v := range h.voters {
		if v == voter {
			return
		}
	}
	h.voters = append(h.voters, voter)
}

func (e *earlyVotes) take(id string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.votes[id]
	if !ok {
		return nil
	}
	delete(e.votes, id)

	return h.voters
}

// expire drops votes held since before cutoff
func (e *earlyVotes) expire(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	dropped := 0
	for id, h := range e.votes {
		if h.first.Before(cutoff) {
			delete(e.votes, id)
			dropped++
		}
	}

	return dropped
}
