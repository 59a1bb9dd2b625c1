package backup

import (
	"context"
	"time"

	"github.com/krantius/anki/snapshot"
	"github.com/pkg/errors"
	cronlib "github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule accepts five field cron expressions and descriptors like
// "@every 5m" or "@hourly"
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "backup: invalid schedule %q", expr)
	}
	return s, nil
}

// Schedule saves a snapshot from source every time the cron expression fires
type Schedule struct {
	sched  cronlib.Schedule
	store  *Store
	source func() snapshot.View

	now func() time.Time
	log log.FieldLogger
}

func NewSchedule(expr string, store *Store, source func() snapshot.View, logger log.FieldLogger) (*Schedule, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	return &Schedule{
		sched:  sched,
		store:  store,
		source: source,
		now:    time.Now,
		log:    logger.WithField("component", "backup").WithField("schedule", expr),
	}, nil
}

// Next is the first fire time after t
func (s *Schedule) Next(t time.Time) time.Time {
	return s.sched.Next(t)
}

// Run takes backups until ctx is done. A failed backup is logged and the
// schedule carries on.
func (s *Schedule) Run(ctx context.Context) error {
	for {
		next := s.sched.Next(s.now())
		if next.IsZero() {
			s.log.Warn("Backup schedule never fires again")
			<-ctx.Done()
			return nil
		}

		timer := time.NewTimer(next.Sub(s.now()))

		select {
		case <-timer.C:
			if _, err := s.store.Save(s.source()); err != nil {
				s.log.WithError(err).Error("Scheduled backup failed")
			}
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}
