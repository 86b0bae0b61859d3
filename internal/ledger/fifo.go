// Package ledger реализует чистую логику реестра баллов: подсчёт
// доступного остатка и планирование FIFO-списания. Применение плана
// к хранилищу выполняет репозиторий в рамках одной транзакции.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/mmeshcher/loyalty-system/internal/model"
)

// InsufficientPointsError возвращается, когда запрошенная сумма списания
// превышает доступный остаток активных несгоревших баллов.
type InsufficientPointsError struct {
	Available int64
	Requested int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: available %d, requested %d", e.Available, e.Requested)
}

// Available возвращает сумму остатков по активным записям, срок действия
// которых не истёк на момент now.
func Available(entries []model.LedgerEntry, now time.Time) int64 {
	var sum int64
	for _, e := range entries {
		if !usable(e, now) {
			continue
		}
		sum += e.Points
	}
	return sum
}

// PlanRedemption строит план FIFO-списания amount баллов: записи
// потребляются в порядке возрастания earned_at, сначала полностью,
// последняя — возможно частично. План не изменяет входные записи.
// При нехватке баллов возвращается InsufficientPointsError, и ни одна
// запись не считается потреблённой.
func PlanRedemption(entries []model.LedgerEntry, amount int64, now time.Time) ([]model.ConsumedEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("redemption amount must be positive, got %d", amount)
	}

	usableEntries := make([]model.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		if usable(e, now) {
			usableEntries = append(usableEntries, e)
		}
	}

	sort.Slice(usableEntries, func(i, j int) bool {
		if usableEntries[i].EarnedAt.Equal(usableEntries[j].EarnedAt) {
			return usableEntries[i].ID < usableEntries[j].ID
		}
		return usableEntries[i].EarnedAt.Before(usableEntries[j].EarnedAt)
	})

	available := Available(usableEntries, now)
	if available < amount {
		return nil, &InsufficientPointsError{Available: available, Requested: amount}
	}

	remaining := amount
	plan := make([]model.ConsumedEntry, 0, len(usableEntries))

	for _, e := range usableEntries {
		if remaining == 0 {
			break
		}

		used := e.Points
		if used > remaining {
			used = remaining
		}

		plan = append(plan, model.ConsumedEntry{
			EntryID:        e.ID,
			OriginalPoints: e.OriginalPoints,
			PointsUsed:     used,
			FullyRedeemed:  used == e.Points,
			EarnedAt:       e.EarnedAt,
			ExpiresAt:      e.ExpiresAt,
		})

		remaining -= used
	}

	return plan, nil
}

func usable(e model.LedgerEntry, now time.Time) bool {
	return e.Status == model.LedgerEntryActive && e.Points > 0 && !e.ExpiresAt.Before(now)
}
