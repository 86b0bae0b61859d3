// Package scheduler запускает плановую обработку баллов и уровней по
// cron-расписанию.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/service"
)

// Processor описывает контракт плановой обработки, запускаемой по
// расписанию.
type Processor interface {
	RunProcessing(ctx context.Context, now time.Time) (*service.ProcessingReport, error)
}

// Scheduler управляет cron-заданием плановой обработки.
type Scheduler struct {
	cron      *cron.Cron
	processor Processor
	logger    *zap.Logger
	schedule  string
}

// NewScheduler создаёт планировщик с указанным cron-расписанием.
func NewScheduler(processor Processor, schedule string, logger *zap.Logger) *Scheduler {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))

	return &Scheduler{
		cron:      c,
		processor: processor,
		logger:    logger,
		schedule:  schedule,
	}
}

// Start регистрирует задание и запускает планировщик.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		now := time.Now()
		report, err := s.processor.RunProcessing(context.Background(), now)
		if err != nil {
			s.logger.Error("scheduled processing failed", zap.Error(err))
			return
		}
		s.logger.Info("scheduled processing finished",
			zap.String("runID", report.RunID),
			zap.Int("expiredEntries", report.ExpiredEntries),
			zap.Int("downgrades", report.Downgrades),
			zap.Int("protectionUpgrades", report.ProtectionUpgrades),
		)
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("processing scheduler started", zap.String("schedule", s.schedule))
	return nil
}

// Stop останавливает планировщик и возвращает контекст, закрывающийся
// после завершения запущенных заданий.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
