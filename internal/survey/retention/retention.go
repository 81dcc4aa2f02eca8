// Package retention removes abandoned survey drafts: surveys that never
// received a title and have passed a minimum age.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"surveybot/internal/storage"
	logx "surveybot/pkg/logx"
)

type Service struct {
	store    storage.Store
	schedule string
	minAge   time.Duration
	cron     *cron.Cron
	log      logx.Logger
}

func New(store storage.Store, schedule string, minAge time.Duration, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:    store,
		schedule: schedule,
		minAge:   minAge,
		log:      log.With(logx.String("comp", "retention")),
	}
}

// Start schedules the cleanup. It fails fast on a bad cron expression.
func (s *Service) Start() error {
	c := cron.New()
	_, err := c.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduled cleanup failed", logx.Err(err))
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.log.Info("retention scheduled",
		logx.String("schedule", s.schedule),
		logx.Duration("min_age", s.minAge))
	return nil
}

func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunOnce deletes untitled surveys older than the minimum age. It also
// backs the manual cleanup command.
func (s *Service) RunOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.minAge)
	n, err := s.store.DeleteUntitledSurveysBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("untitled surveys removed", logx.Int64("count", n))
	}
	return n, nil
}
