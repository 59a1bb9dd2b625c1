package membership

import (
	"github.com/pkg/errors"
)

// QuorumRule turns a live membership size into a vote threshold
type QuorumRule string

const (
	// Majority is floor(n/2)+1
	Majority QuorumRule = "majority"
	// Half is ceil(n/2), never below 1. It lets an even cluster split evenly,
	// only use it when ties are resolved elsewhere.
	Half QuorumRule = "half"
)

// Threshold returns the number of distinct votes needed out of n members
func (q QuorumRule) Threshold(n int) int {
	if n < 0 {
		n = 0
	}

	switch q {
	case Half:
		t := (n + 1) / 2
		if t < 1 {
			return 1
		}
		return t
	default:
		return n/2 + 1
	}
}

// Validate checks the rule is one we know
func (q QuorumRule) Validate() error {
	switch q {
	case Majority, Half:
		return nil
	}

	return errors.Errorf("membership: unknown quorum rule %q", q)
}
