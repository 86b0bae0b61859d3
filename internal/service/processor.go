package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/model"
	"github.com/mmeshcher/loyalty-system/internal/repository"
	"github.com/mmeshcher/loyalty-system/internal/tier"
)

// ProcessingReport — итог планового прогона обработки баллов и уровней.
type ProcessingReport struct {
	RunID              string    `json:"run_id"`
	StartedAt          time.Time `json:"started_at"`
	ExpiredEntries     int       `json:"expired_entries"`
	ExpiredPoints      int64     `json:"expired_points"`
	Downgrades         int       `json:"downgrades"`
	ProtectionUpgrades int       `json:"protection_upgrades"`
	SkippedEntries     int       `json:"skipped_entries"`
	SkippedCustomers   int       `json:"skipped_customers"`
}

// RunProcessing выполняет плановую обработку: сгорание просроченных
// записей реестра, затем оценку удержания уровней для всех клиентов выше
// базового уровня и клиентов с активной защитой уровня. Момент времени
// now передаётся извне, что позволяет детерминированно проверять границы
// периодов.
//
// Весь прогон выполняется в одной транзакции БД: либо фиксируются все
// изменения, либо ни одного. Доменные ошибки по отдельной записи или
// клиенту логируются и пропускаются; ошибки хранилища и контекста
// фатальны и откатывают прогон целиком. Повторный прогон по уже
// обработанному состоянию ничего не меняет.
func (s *Service) RunProcessing(ctx context.Context, now time.Time) (*ProcessingReport, error) {
	unit, err := s.repo.BeginProcessing(ctx)
	if err != nil {
		return nil, err
	}
	defer unit.Rollback(ctx)

	report := &ProcessingReport{
		RunID:     uuid.NewString(),
		StartedAt: now,
	}

	if err := s.expireSweep(ctx, unit, now, report); err != nil {
		return nil, err
	}

	if err := s.evaluateTiers(ctx, unit, now, report); err != nil {
		return nil, err
	}

	if err := unit.Commit(ctx); err != nil {
		return nil, err
	}

	s.logger.Info("processing run committed",
		zap.String("runID", report.RunID),
		zap.Int("expiredEntries", report.ExpiredEntries),
		zap.Int64("expiredPoints", report.ExpiredPoints),
		zap.Int("downgrades", report.Downgrades),
		zap.Int("protectionUpgrades", report.ProtectionUpgrades),
		zap.Int("skippedEntries", report.SkippedEntries),
		zap.Int("skippedCustomers", report.SkippedCustomers),
	)

	return report, nil
}

func (s *Service) expireSweep(ctx context.Context, unit repository.ProcessingUnit, now time.Time, report *ProcessingReport) error {
	entries, err := unit.ExpiredEntries(ctx, now)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := unit.ExpireEntry(ctx, e, now, report.RunID); err != nil {
			if isFatal(err) {
				return fmt.Errorf("expire entry %d: %w", e.ID, err)
			}
			s.logger.Error("expire entry failed, skipping",
				zap.Int64("entryID", e.ID),
				zap.Int64("customerID", e.CustomerID),
				zap.Int64("points", e.Points),
				zap.Error(err),
			)
			report.SkippedEntries++
			continue
		}
		report.ExpiredEntries++
		report.ExpiredPoints += e.Points
	}

	return nil
}

func (s *Service) evaluateTiers(ctx context.Context, unit repository.ProcessingUnit, now time.Time, report *ProcessingReport) error {
	tiers, err := unit.Tiers(ctx)
	if err != nil {
		return err
	}
	if len(tiers) == 0 {
		return errors.New("no tiers configured")
	}

	base := tier.BaseTier(tiers)
	tierByID := make(map[int64]model.Tier, len(tiers))
	for _, t := range tiers {
		tierByID[t.ID] = t
	}

	criteria, err := unit.CriteriaByTier(ctx)
	if err != nil {
		return err
	}

	// Клиенты выбираются после сгорания, чтобы балансы уже учитывали
	// списанные остатки. Клиенты с активной защитой уровня попадают в
	// выборку и на базовом уровне: восстановление гарантированного
	// минимума не зависит от оценки удержания.
	customers, err := unit.CustomersForEvaluation(ctx, base.HierarchyLevel)
	if err != nil {
		return err
	}

	ev := tier.NewEvaluator(unit, s.logger)

	for _, c := range customers {
		err := s.processCustomerTier(ctx, unit, ev, c, tiers, tierByID, criteria, now, report)
		if err != nil {
			if isFatal(err) {
				return fmt.Errorf("process customer %d: %w", c.ID, err)
			}
			s.logger.Error("customer tier processing failed, skipping",
				zap.Int64("customerID", c.ID),
				zap.Error(err),
			)
			report.SkippedCustomers++
		}
	}

	return nil
}

func (s *Service) processCustomerTier(
	ctx context.Context,
	unit repository.ProcessingUnit,
	ev *tier.Evaluator,
	c model.Customer,
	tiers []model.Tier,
	tierByID map[int64]model.Tier,
	criteria map[int64]*model.TierEligibilityCriteria,
	now time.Time,
	report *ProcessingReport,
) error {
	current, ok := tierByID[c.TierID]
	if !ok {
		return fmt.Errorf("customer references unknown tier %d", c.TierID)
	}

	protection, err := unit.ActivePriorityCustomer(ctx, c.ID)
	if err != nil {
		return err
	}

	var minimum *model.Tier
	if protection != nil {
		mt, ok := tierByID[protection.TierID]
		if !ok {
			return fmt.Errorf("priority record references unknown tier %d", protection.TierID)
		}
		minimum = &mt
	}

	// Гарантированный минимум восстанавливается немедленно и отменяет
	// оценку удержания для этого клиента.
	if minimum != nil && current.HierarchyLevel < minimum.HierarchyLevel {
		err := unit.ChangeTier(ctx, repository.TierChangeParams{
			CustomerID: c.ID,
			ToTierID:   minimum.ID,
			Type:       model.TransactionTierProtection,
			Note:       "priority protection restored",
			Metadata: model.TierChangeMetadata{
				FromTierID: current.ID,
				ToTierID:   minimum.ID,
				FromLevel:  current.HierarchyLevel,
				ToLevel:    minimum.HierarchyLevel,
				Reason:     protection.Reason,
				RunID:      report.RunID,
			},
			At: now,
		})
		if err != nil {
			return err
		}
		report.ProtectionUpgrades++
		return nil
	}

	if ev.Evaluate(ctx, c, current, criteria[current.ID], now) == tier.Retain {
		return nil
	}

	target := ev.DowngradeTarget(ctx, c, current, tiers, criteria, now)
	if minimum != nil {
		target = tier.ClampToProtection(target, *minimum)
	}
	if target.ID == current.ID {
		return nil
	}

	err = unit.ChangeTier(ctx, repository.TierChangeParams{
		CustomerID: c.ID,
		ToTierID:   target.ID,
		Type:       model.TransactionTierDowngrade,
		Note:       "retention criteria not met",
		Metadata: model.TierChangeMetadata{
			FromTierID: current.ID,
			ToTierID:   target.ID,
			FromLevel:  current.HierarchyLevel,
			ToLevel:    target.HierarchyLevel,
			Reason:     "retention criteria not met",
			RunID:      report.RunID,
		},
		At: now,
	})
	if err != nil {
		return err
	}

	report.Downgrades++
	return nil
}

// isFatal отделяет ошибки хранилища и контекста, требующие отката всего
// прогона, от доменных ошибок, допускающих пропуск записи или клиента.
func isFatal(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
