package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/loyalty-system/internal/ledger"
	"github.com/mmeshcher/loyalty-system/internal/model"
)

// GrantParams описывает одно начисление баллов.
type GrantParams struct {
	CustomerID int64
	Points     int64
	Note       string
	Metadata   model.EarnMetadata
	EarnedAt   time.Time
	ExpiresAt  time.Time
}

// GrantOutcome — результат зафиксированного начисления.
type GrantOutcome struct {
	CustomerID    int64
	TransactionID int64
	EntryID       int64
	NewBalance    int64
}

// RedeemParams описывает списание баллов клиента.
type RedeemParams struct {
	CustomerID int64
	Amount     int64
	OriginApp  string
	Note       string
	Now        time.Time
}

// RedeemOutcome — результат зафиксированного списания.
type RedeemOutcome struct {
	TransactionID int64
	NewBalance    int64
	Consumed      []model.ConsumedEntry
}

// TierChangeParams описывает смену уровня клиента.
type TierChangeParams struct {
	CustomerID int64
	ToTierID   int64
	Type       model.TransactionType
	Note       string
	Metadata   model.TierChangeMetadata
	At         time.Time
}

// GrantPoints выполняет начисление в одной транзакции БД: запись журнала,
// запись реестра и обновление баланса фиксируются атомарно. Строка клиента
// блокируется для сериализации операций по одному клиенту.
func (r *PostgresRepository) GrantPoints(ctx context.Context, p GrantParams) (*GrantOutcome, error) {
	var outcome *GrantOutcome
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		outcome, err = grantInTx(ctx, tx, p)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// GrantPointsBatch выполняет пакет начислений в одной транзакции БД:
// либо фиксируются все строки, либо ни одной. Вставки идут порциями
// по chunkSize с короткой паузой между порциями.
func (r *PostgresRepository) GrantPointsBatch(ctx context.Context, params []GrantParams, chunkSize int, pause time.Duration) ([]GrantOutcome, error) {
	if chunkSize <= 0 {
		chunkSize = len(params)
	}

	var outcomes []GrantOutcome
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		outcomes = make([]GrantOutcome, 0, len(params))
		for i, p := range params {
			if i > 0 && i%chunkSize == 0 && pause > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(pause):
				}
			}

			o, err := grantInTx(ctx, tx, p)
			if err != nil {
				return fmt.Errorf("grant row %d: %w", i+1, err)
			}
			outcomes = append(outcomes, *o)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

func grantInTx(ctx context.Context, tx pgx.Tx, p GrantParams) (*GrantOutcome, error) {
	var balance int64
	err := tx.QueryRow(ctx,
		`SELECT total_points FROM customers WHERE id = $1 FOR UPDATE`,
		p.CustomerID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("lock customer: %w", err)
	}

	meta, err := model.EncodeMetadata(p.Metadata)
	if err != nil {
		return nil, err
	}

	var txID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO transactions (customer_id, type, points, status, note, metadata, transaction_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		p.CustomerID, string(model.TransactionEarn), p.Points, string(model.TransactionCompleted),
		p.Note, meta, p.EarnedAt,
	).Scan(&txID)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	var entryID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO point_ledger (customer_id, points, original_points, status, earned_at, expires_at, transaction_id)
		 VALUES ($1, $2, $2, $3, $4, $5, $6)
		 RETURNING id`,
		p.CustomerID, p.Points, string(model.LedgerEntryActive), p.EarnedAt, p.ExpiresAt, txID,
	).Scan(&entryID)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE customers SET total_points = total_points + $2, coins = coins + $2 WHERE id = $1`,
		p.CustomerID, p.Points,
	)
	if err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	return &GrantOutcome{
		CustomerID:    p.CustomerID,
		TransactionID: txID,
		EntryID:       entryID,
		NewBalance:    balance + p.Points,
	}, nil
}

// RedeemPoints списывает баллы по принципу FIFO в одной транзакции БД.
// Строка клиента блокируется, состояние реестра перечитывается уже внутри
// транзакции, поэтому план строится по актуальному снимку. При нехватке
// баллов возвращается ledger.InsufficientPointsError и ничего не меняется.
func (r *PostgresRepository) RedeemPoints(ctx context.Context, p RedeemParams) (*RedeemOutcome, error) {
	var outcome *RedeemOutcome
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var balance int64
		err = tx.QueryRow(ctx,
			`SELECT total_points FROM customers WHERE id = $1 FOR UPDATE`,
			p.CustomerID,
		).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrCustomerNotFound
			}
			return fmt.Errorf("lock customer: %w", err)
		}

		entries, err := activeEntriesInTx(ctx, tx, p.CustomerID, p.Now)
		if err != nil {
			return err
		}

		plan, err := ledger.PlanRedemption(entries, p.Amount, p.Now)
		if err != nil {
			return err
		}

		for _, c := range plan {
			status := model.LedgerEntryActive
			if c.FullyRedeemed {
				status = model.LedgerEntryRedeemed
			}
			if _, err := tx.Exec(ctx,
				`UPDATE point_ledger SET points = points - $2, status = $3 WHERE id = $1`,
				c.EntryID, c.PointsUsed, string(status),
			); err != nil {
				return fmt.Errorf("consume ledger entry %d: %w", c.EntryID, err)
			}
		}

		meta, err := model.EncodeMetadata(model.RedeemMetadata{
			OriginApp: p.OriginApp,
			Consumed:  plan,
		})
		if err != nil {
			return err
		}

		var txID int64
		err = tx.QueryRow(ctx,
			`INSERT INTO transactions (customer_id, type, points, status, note, metadata, transaction_date)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id`,
			p.CustomerID, string(model.TransactionRedeem), -p.Amount, string(model.TransactionCompleted),
			p.Note, meta, p.Now,
		).Scan(&txID)
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE customers SET total_points = total_points - $2 WHERE id = $1`,
			p.CustomerID, p.Amount,
		); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		outcome = &RedeemOutcome{
			TransactionID: txID,
			NewBalance:    balance - p.Amount,
			Consumed:      plan,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func activeEntriesInTx(ctx context.Context, tx pgx.Tx, customerID int64, now time.Time) ([]model.LedgerEntry, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, customer_id, points, original_points, status, earned_at, expires_at, transaction_id
		 FROM point_ledger
		 WHERE customer_id = $1 AND status = $2 AND expires_at >= $3
		 ORDER BY earned_at, id`,
		customerID, string(model.LedgerEntryActive), now,
	)
	if err != nil {
		return nil, fmt.Errorf("select active entries: %w", err)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var status string
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.Points, &e.OriginalPoints, &status, &e.EarnedAt, &e.ExpiresAt, &e.TransactionID); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Status = model.LedgerEntryStatus(status)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return entries, nil
}

// ApplyTierChange меняет уровень клиента и фиксирует транзакцию смены
// уровня атомарно.
func (r *PostgresRepository) ApplyTierChange(ctx context.Context, p TierChangeParams) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := changeTierInTx(ctx, tx, p); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func changeTierInTx(ctx context.Context, tx pgx.Tx, p TierChangeParams) error {
	cmdTag, err := tx.Exec(ctx,
		`UPDATE customers SET tier_id = $2 WHERE id = $1`,
		p.CustomerID, p.ToTierID,
	)
	if err != nil {
		return fmt.Errorf("update tier: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCustomerNotFound
	}

	meta, err := model.EncodeMetadata(p.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (customer_id, type, points, status, note, metadata, transaction_date)
		 VALUES ($1, $2, 0, $3, $4, $5, $6)`,
		p.CustomerID, string(p.Type), string(model.TransactionCompleted), p.Note, meta, p.At,
	)
	if err != nil {
		return fmt.Errorf("insert tier transaction: %w", err)
	}

	return nil
}

// AggregateBalance возвращает сумму баллов по завершённым транзакциям
// клиента на указанную дату. На текущий момент агрегат обязан совпадать
// с кэшем customers.total_points.
func (r *PostgresRepository) AggregateBalance(ctx context.Context, customerID int64, asOf time.Time) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(points), 0)
		 FROM transactions
		 WHERE customer_id = $1 AND status = $2 AND transaction_date <= $3`,
		customerID, string(model.TransactionCompleted), asOf,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("aggregate balance: %w", err)
	}
	return sum, nil
}

// ActiveLedgerSum возвращает сумму остатков активных записей реестра.
func (r *PostgresRepository) ActiveLedgerSum(ctx context.Context, customerID int64) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(points), 0)
		 FROM point_ledger
		 WHERE customer_id = $1 AND status = $2`,
		customerID, string(model.LedgerEntryActive),
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum active ledger: %w", err)
	}
	return sum, nil
}
