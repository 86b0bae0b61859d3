package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/loyalty-system/internal/model"
)

// ProcessingUnit — атомарная единица работы плановой обработки: все
// запросы и изменения выполняются в одной транзакции БД и фиксируются
// единым Commit. Откат снимает все изменения прогона.
type ProcessingUnit interface {
	ExpiredEntries(ctx context.Context, now time.Time) ([]model.LedgerEntry, error)
	ExpireEntry(ctx context.Context, e model.LedgerEntry, now time.Time, runID string) error
	Tiers(ctx context.Context) ([]model.Tier, error)
	CustomersForEvaluation(ctx context.Context, baseLevel int) ([]model.Customer, error)
	CriteriaByTier(ctx context.Context) (map[int64]*model.TierEligibilityCriteria, error)
	ActivePriorityCustomer(ctx context.Context, customerID int64) (*model.PriorityCustomer, error)
	EarnedBetween(ctx context.Context, customerID int64, from, to time.Time) (int64, error)
	ChangeTier(ctx context.Context, p TierChangeParams) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// BeginProcessing открывает транзакцию плановой обработки.
func (r *PostgresRepository) BeginProcessing(ctx context.Context) (ProcessingUnit, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin processing tx: %w", err)
	}
	return &processingTx{tx: tx}, nil
}

type processingTx struct {
	tx pgx.Tx
}

// ExpiredEntries возвращает активные записи реестра с истёкшим сроком
// действия на момент now.
func (p *processingTx) ExpiredEntries(ctx context.Context, now time.Time) ([]model.LedgerEntry, error) {
	rows, err := p.tx.Query(ctx,
		`SELECT id, customer_id, points, original_points, status, earned_at, expires_at, transaction_id
		 FROM point_ledger
		 WHERE status = $1 AND expires_at < $2
		 ORDER BY customer_id, earned_at, id`,
		string(model.LedgerEntryActive), now,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired entries: %w", err)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// ExpireEntry помечает запись сгоревшей, списывает её остаток с баланса
// клиента и фиксирует транзакцию сгорания. Остаток записи сохраняется
// как история.
func (p *processingTx) ExpireEntry(ctx context.Context, e model.LedgerEntry, now time.Time, runID string) error {
	cmdTag, err := p.tx.Exec(ctx,
		`UPDATE point_ledger SET status = $2 WHERE id = $1 AND status = $3`,
		e.ID, string(model.LedgerEntryExpired), string(model.LedgerEntryActive),
	)
	if err != nil {
		return fmt.Errorf("mark entry expired: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		// Запись уже обработана — повторный прогон ничего не меняет.
		return nil
	}

	meta, err := model.EncodeMetadata(model.ExpireMetadata{
		EntryID:   e.ID,
		Points:    e.Points,
		ExpiredAt: e.ExpiresAt,
		RunID:     runID,
	})
	if err != nil {
		return err
	}

	_, err = p.tx.Exec(ctx,
		`INSERT INTO transactions (customer_id, type, points, status, note, metadata, transaction_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.CustomerID, string(model.TransactionExpire), -e.Points, string(model.TransactionCompleted),
		"points expired", meta, now,
	)
	if err != nil {
		return fmt.Errorf("insert expire transaction: %w", err)
	}

	_, err = p.tx.Exec(ctx,
		`UPDATE customers SET total_points = total_points - $2 WHERE id = $1`,
		e.CustomerID, e.Points,
	)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}

	return nil
}

// Tiers возвращает все уровни по возрастанию иерархии.
func (p *processingTx) Tiers(ctx context.Context) ([]model.Tier, error) {
	rows, err := p.tx.Query(ctx,
		`SELECT id, name, hierarchy_level, points_required FROM tiers ORDER BY hierarchy_level`,
	)
	if err != nil {
		return nil, fmt.Errorf("select tiers: %w", err)
	}
	defer rows.Close()

	return scanTiers(rows)
}

// CustomersForEvaluation возвращает кандидатов на обработку уровней:
// клиентов выше базовой иерархии, а также клиентов с активной защитой
// уровня независимо от текущего уровня — защищённый клиент, опущенный
// до базового уровня, обязан быть восстановлен до гарантированного
// минимума.
func (p *processingTx) CustomersForEvaluation(ctx context.Context, baseLevel int) ([]model.Customer, error) {
	rows, err := p.tx.Query(ctx,
		`SELECT c.id, c.card_number, c.name, c.tier_id, c.total_points, c.coins, c.created_at
		 FROM customers c
		 JOIN tiers t ON t.id = c.tier_id
		 WHERE t.hierarchy_level > $1
		    OR EXISTS (
		         SELECT 1 FROM priority_customers p
		         WHERE p.customer_id = c.id AND p.is_active
		       )
		 ORDER BY c.id`,
		baseLevel,
	)
	if err != nil {
		return nil, fmt.Errorf("select customers: %w", err)
	}
	defer rows.Close()

	var res []model.Customer
	for rows.Next() {
		var c model.Customer
		if err := rows.Scan(&c.ID, &c.CardNumber, &c.Name, &c.TierID, &c.TotalPoints, &c.Coins, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CriteriaByTier возвращает активные критерии удержания по уровням.
func (p *processingTx) CriteriaByTier(ctx context.Context) (map[int64]*model.TierEligibilityCriteria, error) {
	rows, err := p.tx.Query(ctx,
		`SELECT id, tier_id, evaluation_period_days, consecutive_periods_required, net_earning_required, is_active
		 FROM tier_criteria
		 WHERE is_active`,
	)
	if err != nil {
		return nil, fmt.Errorf("select tier criteria: %w", err)
	}
	defer rows.Close()

	res := make(map[int64]*model.TierEligibilityCriteria)
	for rows.Next() {
		var c model.TierEligibilityCriteria
		if err := rows.Scan(&c.ID, &c.TierID, &c.EvaluationPeriodDays, &c.ConsecutivePeriodsRequired, &c.NetEarningRequired, &c.IsActive); err != nil {
			return nil, fmt.Errorf("scan criteria: %w", err)
		}
		res[c.TierID] = &c
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ActivePriorityCustomer возвращает активную защиту уровня клиента в
// рамках транзакции прогона.
func (p *processingTx) ActivePriorityCustomer(ctx context.Context, customerID int64) (*model.PriorityCustomer, error) {
	return activePriority(ctx, p.tx, customerID)
}

// EarnedBetween возвращает сумму начислений клиента за интервал
// (from, to] по завершённым транзакциям начисления.
func (p *processingTx) EarnedBetween(ctx context.Context, customerID int64, from, to time.Time) (int64, error) {
	var sum int64
	err := p.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(points), 0)
		 FROM transactions
		 WHERE customer_id = $1 AND type = $2 AND status = $3
		   AND transaction_date > $4 AND transaction_date <= $5`,
		customerID, string(model.TransactionEarn), string(model.TransactionCompleted), from, to,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum earned: %w", err)
	}
	return sum, nil
}

// ChangeTier меняет уровень клиента внутри транзакции прогона.
func (p *processingTx) ChangeTier(ctx context.Context, params TierChangeParams) error {
	return changeTierInTx(ctx, p.tx, params)
}

// Commit фиксирует все изменения прогона.
func (p *processingTx) Commit(ctx context.Context) error {
	if err := p.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit processing tx: %w", err)
	}
	return nil
}

// Rollback откатывает прогон. Безопасен после Commit.
func (p *processingTx) Rollback(ctx context.Context) error {
	return p.tx.Rollback(ctx)
}
