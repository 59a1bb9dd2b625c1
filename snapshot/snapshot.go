// Package snapshot defines the serialisable view of a node's state used for
// backups and restarts.
package snapshot

import (
	"time"

	"github.com/krantius/anki/consensus"
	"github.com/krantius/anki/membership"
	"github.com/krantius/anki/scheduler"
)

// View is everything a node needs to resume after a restart
type View struct {
	Membership  []membership.Node      `json:"membership" msgpack:"membership"`
	Committed   []consensus.Proposal   `json:"committed" msgpack:"committed"`
	Assignments []scheduler.Assignment `json:"assignments" msgpack:"assignments"`
	Term        uint64                 `json:"term" msgpack:"term"`
	Leader      string                 `json:"leader,omitempty" msgpack:"leader,omitempty"`
	TakenAt     time.Time              `json:"taken_at" msgpack:"taken_at"`
}

// Empty reports whether the view carries no state
func (v View) Empty() bool {
	return len(v.Membership) == 0 && len(v.Committed) == 0 && len(v.Assignments) == 0 && v.Term == 0
}
