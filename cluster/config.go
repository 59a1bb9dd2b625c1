package cluster

import (
	"time"

	"github.com/krantius/anki/consensus"
	"github.com/krantius/anki/election"
	"github.com/krantius/anki/health"
	"github.com/krantius/anki/membership"
	"github.com/krantius/anki/scheduler"
	"github.com/pkg/errors"
)

// Config holds every tunable of a coordinator node
type Config struct {
	ID   string          `yaml:"id"`
	Role membership.Role `yaml:"role"`
	// Addr is where other nodes reach this one
	Addr string `yaml:"address"`

	ElectionInterval time.Duration `yaml:"election_interval"`
	LeaderTimeout    time.Duration `yaml:"leader_timeout"`
	ElectionJitter   time.Duration `yaml:"election_jitter"`

	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	DeadThreshold      int           `yaml:"dead_threshold"`
	DeadRetention      time.Duration `yaml:"dead_retention"`
	// MinAvailableMemory is the free memory percentage below which this node reports unhealthy, zero disables the check
	MinAvailableMemory float64 `yaml:"min_available_memory"`

	ProposalTimeout time.Duration         `yaml:"proposal_timeout"`
	QuorumRule      membership.QuorumRule `yaml:"quorum_rule"`

	StrictAssignment  bool          `yaml:"strict_assignment"`
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`
	DispatchRate      float64       `yaml:"dispatch_rate"`
	DispatchBurst     int           `yaml:"dispatch_burst"`
	MaxAttempts       int           `yaml:"max_attempts"`
}

// DefaultConfig documents every fallback
func DefaultConfig() Config {
	return Config{
		Role:               membership.Coordinator,
		ElectionInterval:   time.Second,
		LeaderTimeout:      3 * time.Second,
		ElectionJitter:     500 * time.Millisecond,
		HeartbeatInterval:  time.Second,
		UnhealthyThreshold: 3,
		DeadThreshold:      6,
		DeadRetention:      time.Minute,
		ProposalTimeout:    10 * time.Second,
		QuorumRule:         membership.Majority,
		SchedulerInterval:  500 * time.Millisecond,
		DispatchRate:       100,
		DispatchBurst:      10,
		MaxAttempts:        3,
	}
}

func (c Config) Validate() error {
	if c.ID == "" {
		return errors.New("cluster: node id required")
	}

	switch c.Role {
	case membership.Coordinator, membership.Worker:
	default:
		return errors.Errorf("cluster: unknown role %q", c.Role)
	}

	if c.DeadRetention < 0 {
		return errors.New("cluster: negative dead retention")
	}

	for _, err := range []error{
		c.electionConfig().Validate(),
		c.healthConfig().Validate(),
		c.consensusConfig().Validate(),
		c.schedulerConfig().Validate(),
	} {
		if err != nil {
			return err
		}
	}

	return nil
}

func (c Config) electionConfig() election.Config {
	return election.Config{
		Interval:      c.ElectionInterval,
		LeaderTimeout: c.LeaderTimeout,
		Jitter:        c.ElectionJitter,
		Quorum:        c.QuorumRule,
	}
}

func (c Config) healthConfig() health.Config {
	return health.Config{
		Interval:           c.HeartbeatInterval,
		UnhealthyThreshold: c.UnhealthyThreshold,
		DeadThreshold:      c.DeadThreshold,
	}
}

func (c Config) consensusConfig() consensus.Config {
	return consensus.Config{
		Timeout: c.ProposalTimeout,
		Quorum:  c.QuorumRule,
	}
}

func (c Config) schedulerConfig() scheduler.Config {
	return scheduler.Config{
		NodeID:      c.ID,
		Interval:    c.SchedulerInterval,
		Rate:        c.DispatchRate,
		Burst:       c.DispatchBurst,
		MaxAttempts: c.MaxAttempts,
		Strict:      c.StrictAssignment,
	}
}
