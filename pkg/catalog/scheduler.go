package catalog

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler re-syncs the catalogue on a cron schedule
type Scheduler struct {
	cron   *cron.Cron
	syncer *Syncer
	logger logrus.FieldLogger
}

// NewScheduler schedules SyncIfChanged with a standard five-field cron spec
// or a descriptor such as "@every 5m"
func NewScheduler(spec string, syncer *Syncer, logger logrus.FieldLogger) (*Scheduler, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Scheduler{cron: cron.New(), syncer: syncer, logger: logger}

	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	if _, err := s.syncer.SyncIfChanged(context.Background()); err != nil {
		s.logger.WithError(err).Warn("Scheduled catalog sync failed")
	}
}

// Start runs the schedule in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and returns a context that is done once a
// running sync has finished
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
