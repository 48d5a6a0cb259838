package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"rental_dedupe/config"
)

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

// Scheduler triggers the periodic duplicate scan and the image hash backfill
type Scheduler struct {
	cfg    config.SchedulerConfig
	cron   *cron.Cron
	logger *zap.Logger

	scanWorker     Triggerable
	backfillWorker Triggerable
}

func New(cfg config.SchedulerConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:    cfg,
		cron:   cron.New(),
		logger: logger,
	}
}

// SetWorkers registers background workers. Either may be nil.
func (s *Scheduler) SetWorkers(scan, backfill Triggerable) {
	s.scanWorker = scan
	s.backfillWorker = backfill
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.scanWorker != nil {
		schedule := scanSchedule(s.cfg)
		if schedule == "" {
			s.logger.Info("no scan schedule configured, scan runs only on demand")
		} else {
			if _, err := s.cron.AddFunc(schedule, s.scanWorker.Trigger); err != nil {
				return fmt.Errorf("invalid scan schedule %q: %w", schedule, err)
			}
			s.logger.Info("scan scheduled", zap.String("schedule", schedule))
		}
	}

	if s.backfillWorker != nil && s.cfg.BackfillInterval > 0 {
		schedule := every(s.cfg.BackfillInterval)
		if _, err := s.cron.AddFunc(schedule, s.backfillWorker.Trigger); err != nil {
			return fmt.Errorf("invalid backfill schedule %q: %w", schedule, err)
		}
		s.logger.Info("image backfill scheduled", zap.String("schedule", schedule))
	}

	s.cron.Start()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron and waits for running trigger calls to return
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// TriggerScan starts a scan pass outside the schedule
func (s *Scheduler) TriggerScan() {
	if s.scanWorker != nil {
		s.scanWorker.Trigger()
		s.logger.Info("scan triggered")
	}
}

// TriggerBackfill starts an image backfill batch outside the schedule
func (s *Scheduler) TriggerBackfill() {
	if s.backfillWorker != nil {
		s.backfillWorker.Trigger()
		s.logger.Info("image backfill triggered")
	}
}

// scanSchedule prefers the cron expression and falls back to the interval
func scanSchedule(cfg config.SchedulerConfig) string {
	if cfg.ScanCron != "" {
		return cfg.ScanCron
	}
	if cfg.ScanInterval > 0 {
		return every(cfg.ScanInterval)
	}
	return ""
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
