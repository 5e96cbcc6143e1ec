package migrate

import (
	"context"
	"errors"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Runner starts one migration run.
type Runner func(ctx context.Context) (*RunReport, error)

// Scheduler triggers incremental runs on a cron schedule. A trigger that
// fires while the previous run is still going is skipped.
type Scheduler struct {
	cron   *cron.Cron
	run    Runner
	logger *slog.Logger
}

// NewScheduler creates a scheduler for run.
func NewScheduler(run Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger}))),
		run:    run,
		logger: logger,
	}
}

// Add registers the schedule.
func (s *Scheduler) Add(ctx context.Context, spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		report, err := s.run(ctx)
		var failed *CheckFailedError
		switch {
		case errors.As(err, &failed):
			s.logger.Warn("scheduled run blocked by plan check", "error", err)
		case err != nil:
			s.logger.Warn("scheduled run failed", "error", err)
		default:
			s.logger.Info("scheduled run finished", "run_id", report.RunID, "tables", len(report.Tables))
		}
	})
	if err != nil {
		return err
	}
	s.logger.Info("scheduled migration", "schedule", spec)
	return nil
}

// Start runs the scheduler until ctx is done, then waits for a running
// migration to finish.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("migration scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("migration scheduler stopped")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) { c.l.Debug(msg, keysAndValues...) }

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
