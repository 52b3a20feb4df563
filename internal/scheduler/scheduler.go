// Package scheduler provides cron-based scheduling for CoachRelay
// maintenance jobs, such as the periodic expired-reply cache cleanup.
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultCleanupSpec runs maintenance at the top of every hour.
const DefaultCleanupSpec = "0 * * * *"

// Scheduler wraps a cron runner. Jobs recover from panics so one failing
// maintenance task cannot take the scheduler down.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler using the standard
// 5-field expression format.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	slog.Debug("scheduler.NewScheduler: cron runner started")
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	if _, err := s.cron.AddFunc(expr, task); err != nil {
		slog.Error("scheduler.AddJob: invalid cron expression", "error", err, "expr", expr)
		return err
	}
	slog.Debug("scheduler.AddJob: job scheduled", "expr", expr)
	return nil
}

// Stop stops the cron scheduler; running jobs finish in the background.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	slog.Debug("scheduler.Stop: cron runner stopped")
}
