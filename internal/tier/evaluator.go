// Package tier реализует оценку удержания уровня и выбор уровня
// при понижении.
package tier

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/model"
)

// Decision — результат оценки удержания уровня.
type Decision int

const (
	// Retain — клиент сохраняет текущий уровень.
	Retain Decision = iota
	// Downgrade — клиент не удержал уровень и подлежит понижению.
	Downgrade
)

// EarnHistory предоставляет сумму начислений клиента за период.
// Оценщик привязывается к нему, чтобы плановая обработка могла
// выполнять запросы в рамках своей транзакции.
type EarnHistory interface {
	EarnedBetween(ctx context.Context, customerID int64, from, to time.Time) (int64, error)
}

// Evaluator принимает решения об удержании уровня клиента.
type Evaluator struct {
	history EarnHistory
	logger  *zap.Logger
}

// NewEvaluator создаёт оценщик с указанным источником истории начислений.
func NewEvaluator(history EarnHistory, logger *zap.Logger) *Evaluator {
	return &Evaluator{history: history, logger: logger}
}

// Evaluate решает, удерживает ли клиент уровень t на момент now.
//
// Без активных критериев уровень удерживается по порогу баллов.
// При наличии критериев единственным путём удержания является проверка
// подряд идущих окон: каждое из criteria.ConsecutivePeriodsRequired
// окон длиной criteria.EvaluationPeriodDays (начиная с самого свежего)
// должно содержать начисления не менее criteria.NetEarningRequired.
// Первое же провальное окно прерывает проверку.
//
// Ошибка получения истории трактуется в пользу клиента: уровень
// удерживается, чтобы временный сбой не приводил к понижению.
func (e *Evaluator) Evaluate(ctx context.Context, customer model.Customer, t model.Tier, criteria *model.TierEligibilityCriteria, now time.Time) Decision {
	if criteria == nil || !criteria.IsActive {
		if customer.TotalPoints >= t.PointsRequired {
			return Retain
		}
		return Downgrade
	}

	period := time.Duration(criteria.EvaluationPeriodDays) * 24 * time.Hour

	for i := 0; i < criteria.ConsecutivePeriodsRequired; i++ {
		to := now.Add(-time.Duration(i) * period)
		from := to.Add(-period)

		earned, err := e.history.EarnedBetween(ctx, customer.ID, from, to)
		if err != nil {
			e.logger.Warn("earn history unavailable, retaining tier",
				zap.Int64("customerID", customer.ID),
				zap.Int64("tierID", t.ID),
				zap.Error(err),
			)
			return Retain
		}

		if earned < criteria.NetEarningRequired {
			return Downgrade
		}
	}

	return Retain
}

// DowngradeTarget выбирает уровень, на который понижается клиент, не
// удержавший current: уровни ниже текущего перебираются по убыванию
// иерархии, первым подходит тот, чьи собственные критерии клиент
// проходит; если таких нет — базовый уровень.
func (e *Evaluator) DowngradeTarget(ctx context.Context, customer model.Customer, current model.Tier, tiers []model.Tier, criteriaByTier map[int64]*model.TierEligibilityCriteria, now time.Time) model.Tier {
	candidates := make([]model.Tier, 0, len(tiers))
	for _, t := range tiers {
		if t.HierarchyLevel < current.HierarchyLevel {
			candidates = append(candidates, t)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].HierarchyLevel > candidates[j].HierarchyLevel
	})

	for _, t := range candidates {
		if e.Evaluate(ctx, customer, t, criteriaByTier[t.ID], now) == Retain {
			return t
		}
	}

	return BaseTier(tiers)
}

// ClampToProtection поднимает целевой уровень до гарантированного
// минимума, если активная защита требует более высокого уровня.
func ClampToProtection(target, minimum model.Tier) model.Tier {
	if minimum.HierarchyLevel > target.HierarchyLevel {
		return minimum
	}
	return target
}

// BaseTier возвращает уровень с минимальной иерархией.
func BaseTier(tiers []model.Tier) model.Tier {
	base := tiers[0]
	for _, t := range tiers[1:] {
		if t.HierarchyLevel < base.HierarchyLevel {
			base = t
		}
	}
	return base
}
