package health

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sirupsen/logrus"
)

// Probe decides whether the local node is healthy
type Probe interface {
	Healthy(ctx context.Context) bool
}

// ProbeFunc adapts a function to Probe
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) Healthy(ctx context.Context) bool {
	return f(ctx)
}

// AlwaysHealthy reports healthy unconditionally
var AlwaysHealthy = ProbeFunc(func(context.Context) bool { return true })

// MemoryProbe reports unhealthy when available memory drops below MinAvailable
// percent of the total
type MemoryProbe struct {
	MinAvailable float64
	Log          log.FieldLogger
}

func (p MemoryProbe) Healthy(ctx context.Context) bool {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		if p.Log != nil {
			p.Log.WithError(err).Warn("Failed to read memory stats")
		}
		// Not being able to measure is not a reason to get evicted
		return true
	}

	if vm.Total == 0 {
		return true
	}

	available := float64(vm.Available) / float64(vm.Total) * 100

	return available >= p.MinAvailable
}

// Heartbeat sends a sample for nodeID every interval until ctx is done.
// Send failures are logged and the next tick tries again.
func Heartbeat(ctx context.Context, nodeID string, interval time.Duration, probe Probe, send func(context.Context, Sample) error, logger log.FieldLogger) error {
	logger = logger.WithField("component", "heartbeat").WithField("node", nodeID)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	beat := func() {
		s := Sample{NodeID: nodeID, At: time.Now(), Healthy: probe.Healthy(ctx)}
		if err := send(ctx, s); err != nil {
			logger.WithError(err).Error("Failed to send heartbeat")
			return
		}
		logger.WithField("healthy", s.Healthy).Debug("Sent heartbeat")
	}

	beat()

	for {
		select {
		case <-ticker.C:
			beat()
		case <-ctx.Done():
			return nil
		}
	}
}
