// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/loyalty-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrCustomerNotFound возвращается, если клиент не найден.
var (
	ErrCustomerNotFound = errors.New("customer not found")
	// ErrTierNotFound возвращается, если уровень не найден.
	ErrTierNotFound = errors.New("tier not found")
	// ErrCriteriaNotFound возвращается, если критерий начисления не найден
	// или неактивен.
	ErrCriteriaNotFound = errors.New("point criteria not found")
	// ErrPriorityNotFound возвращается при деактивации отсутствующей
	// активной защиты уровня.
	ErrPriorityNotFound = errors.New("active priority record not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при сбоях сериализации, дедлоках и сетевых
// ошибках соединения. Прочие ошибки возвращаются сразу.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(1*time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CustomerByID возвращает клиента по идентификатору.
func (r *PostgresRepository) CustomerByID(ctx context.Context, id int64) (*model.Customer, error) {
	return r.scanCustomer(r.pool.QueryRow(ctx,
		`SELECT id, card_number, name, tier_id, total_points, coins, created_at
		 FROM customers WHERE id = $1`,
		id,
	))
}

// CustomerByCard возвращает клиента по номеру карты лояльности.
func (r *PostgresRepository) CustomerByCard(ctx context.Context, cardNumber string) (*model.Customer, error) {
	return r.scanCustomer(r.pool.QueryRow(ctx,
		`SELECT id, card_number, name, tier_id, total_points, coins, created_at
		 FROM customers WHERE card_number = $1`,
		cardNumber,
	))
}

func (r *PostgresRepository) scanCustomer(row pgx.Row) (*model.Customer, error) {
	var c model.Customer
	err := row.Scan(&c.ID, &c.CardNumber, &c.Name, &c.TierID, &c.TotalPoints, &c.Coins, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}

// TierByID возвращает уровень по идентификатору.
func (r *PostgresRepository) TierByID(ctx context.Context, id int64) (*model.Tier, error) {
	var t model.Tier
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, hierarchy_level, points_required FROM tiers WHERE id = $1`,
		id,
	).Scan(&t.ID, &t.Name, &t.HierarchyLevel, &t.PointsRequired)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTierNotFound
		}
		return nil, fmt.Errorf("get tier: %w", err)
	}
	return &t, nil
}

// Tiers возвращает все уровни, упорядоченные по возрастанию иерархии.
func (r *PostgresRepository) Tiers(ctx context.Context) ([]model.Tier, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, hierarchy_level, points_required FROM tiers ORDER BY hierarchy_level`,
	)
	if err != nil {
		return nil, fmt.Errorf("select tiers: %w", err)
	}
	defer rows.Close()

	return scanTiers(rows)
}

func scanTiers(rows pgx.Rows) ([]model.Tier, error) {
	var tiers []model.Tier
	for rows.Next() {
		var t model.Tier
		if err := rows.Scan(&t.ID, &t.Name, &t.HierarchyLevel, &t.PointsRequired); err != nil {
			return nil, fmt.Errorf("scan tier: %w", err)
		}
		tiers = append(tiers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return tiers, nil
}

// PointCriteriaByCode возвращает активный критерий начисления по коду.
func (r *PostgresRepository) PointCriteriaByCode(ctx context.Context, code string) (*model.PointCriteria, error) {
	var c model.PointCriteria
	err := r.pool.QueryRow(ctx,
		`SELECT id, code, name, points, is_active
		 FROM point_criteria WHERE code = $1 AND is_active`,
		code,
	).Scan(&c.ID, &c.Code, &c.Name, &c.Points, &c.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCriteriaNotFound
		}
		return nil, fmt.Errorf("get point criteria: %w", err)
	}
	return &c, nil
}

// AppTypeByName возвращает каноническое приложение-источник по имени
// без учёта регистра. Отсутствие записи не является ошибкой.
func (r *PostgresRepository) AppTypeByName(ctx context.Context, name string) (*model.AppType, error) {
	var a model.AppType
	err := r.pool.QueryRow(ctx,
		`SELECT id, name FROM app_types WHERE lower(name) = lower($1)`,
		name,
	).Scan(&a.ID, &a.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get app type: %w", err)
	}
	return &a, nil
}

// ActivePriorityCustomer возвращает активную защиту уровня клиента,
// либо nil при её отсутствии.
func (r *PostgresRepository) ActivePriorityCustomer(ctx context.Context, customerID int64) (*model.PriorityCustomer, error) {
	return activePriority(ctx, r.pool, customerID)
}

func activePriority(ctx context.Context, q querier, customerID int64) (*model.PriorityCustomer, error) {
	var p model.PriorityCustomer
	err := q.QueryRow(ctx,
		`SELECT id, customer_id, tier_id, is_active, reason, created_by, created_at
		 FROM priority_customers
		 WHERE customer_id = $1 AND is_active`,
		customerID,
	).Scan(&p.ID, &p.CustomerID, &p.TierID, &p.IsActive, &p.Reason, &p.CreatedBy, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get priority customer: %w", err)
	}
	return &p, nil
}

// querier объединяет пул и транзакцию для общих запросов.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// UpsertPriorityCustomer создаёт или реактивирует защиту уровня клиента.
// Единственность активной записи обеспечивается на уровне приложения:
// все прежние записи клиента деактивируются в той же транзакции.
func (r *PostgresRepository) UpsertPriorityCustomer(ctx context.Context, customerID, tierID int64, reason, createdBy string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var exists bool
		err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM customers WHERE id = $1)`, customerID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check customer: %w", err)
		}
		if !exists {
			return ErrCustomerNotFound
		}

		if _, err := tx.Exec(ctx,
			`UPDATE priority_customers SET is_active = FALSE, updated_at = now()
			 WHERE customer_id = $1 AND is_active`,
			customerID,
		); err != nil {
			return fmt.Errorf("deactivate previous priority: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO priority_customers (customer_id, tier_id, is_active, reason, created_by)
			 VALUES ($1, $2, TRUE, $3, $4)`,
			customerID, tierID, reason, createdBy,
		); err != nil {
			return fmt.Errorf("insert priority: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// DeactivatePriorityCustomer деактивирует защиту уровня клиента.
// Запись сохраняется в истории.
func (r *PostgresRepository) DeactivatePriorityCustomer(ctx context.Context, customerID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE priority_customers SET is_active = FALSE, updated_at = now()
		 WHERE customer_id = $1 AND is_active`,
		customerID,
	)
	if err != nil {
		return fmt.Errorf("deactivate priority: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrPriorityNotFound
	}
	return nil
}

// TransactionsByCustomer возвращает историю транзакций клиента,
// новые первыми.
func (r *PostgresRepository) TransactionsByCustomer(ctx context.Context, customerID int64) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, customer_id, type, points, status, note, metadata, transaction_date
		 FROM transactions
		 WHERE customer_id = $1
		 ORDER BY transaction_date DESC, id DESC`,
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(&t.ID, &t.CustomerID, &t.Type, &t.Points, &t.Status, &t.Note, &t.Metadata, &t.TransactionDate); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
