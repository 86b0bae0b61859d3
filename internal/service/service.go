// Package service реализует бизнес-логику системы лояльности: ручные
// начисления и списания, плановую обработку сгорания и уровней,
// отчётные запросы.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/expiry"
	"github.com/mmeshcher/loyalty-system/internal/model"
	"github.com/mmeshcher/loyalty-system/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CustomerByID(ctx context.Context, id int64) (*model.Customer, error)
	CustomerByCard(ctx context.Context, cardNumber string) (*model.Customer, error)
	TierByID(ctx context.Context, id int64) (*model.Tier, error)
	Tiers(ctx context.Context) ([]model.Tier, error)
	PointCriteriaByCode(ctx context.Context, code string) (*model.PointCriteria, error)
	AppTypeByName(ctx context.Context, name string) (*model.AppType, error)
	ActivePriorityCustomer(ctx context.Context, customerID int64) (*model.PriorityCustomer, error)
	UpsertPriorityCustomer(ctx context.Context, customerID, tierID int64, reason, createdBy string) error
	DeactivatePriorityCustomer(ctx context.Context, customerID int64) error
	GrantPoints(ctx context.Context, p repository.GrantParams) (*repository.GrantOutcome, error)
	GrantPointsBatch(ctx context.Context, params []repository.GrantParams, chunkSize int, pause time.Duration) ([]repository.GrantOutcome, error)
	RedeemPoints(ctx context.Context, p repository.RedeemParams) (*repository.RedeemOutcome, error)
	ApplyTierChange(ctx context.Context, p repository.TierChangeParams) error
	AggregateBalance(ctx context.Context, customerID int64, asOf time.Time) (int64, error)
	ActiveLedgerSum(ctx context.Context, customerID int64) (int64, error)
	TransactionsByCustomer(ctx context.Context, customerID int64) ([]model.Transaction, error)
	BeginProcessing(ctx context.Context) (repository.ProcessingUnit, error)
}

// ValidationError — отклонение запроса до каких-либо изменений данных.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// Service содержит бизнес-логику системы лояльности.
type Service struct {
	repo   Repository
	expiry expiry.Resolver
	logger *zap.Logger
}

// NewService создаёт сервис с указанным репозиторием и политикой
// сгорания баллов.
func NewService(repo Repository, expiryResolver expiry.Resolver, logger *zap.Logger) *Service {
	if expiryResolver == nil {
		expiryResolver = expiry.Static{TTLDays: expiry.DefaultTTLDays}
	}
	return &Service{
		repo:   repo,
		expiry: expiryResolver,
		logger: logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// IndividualGrantRequest — запрос ручного начисления одному клиенту.
// Клиент задаётся идентификатором либо номером карты.
type IndividualGrantRequest struct {
	CustomerID   int64
	CardNumber   string
	CriteriaCode string
	OriginApp    string
	Note         string
}

// TierCheckResult — итог необязательной проверки уровня после начисления.
// Ошибка проверки не отменяет начисление и возвращается отдельно от
// основного результата.
type TierCheckResult struct {
	Performed  bool   `json:"performed"`
	UpgradedTo *int64 `json:"upgraded_to,omitempty"`
	Error      string `json:"error,omitempty"`
}

// GrantResult — результат ручного начисления.
type GrantResult struct {
	CustomerID    int64           `json:"customer_id"`
	TransactionID int64           `json:"transaction_id"`
	Points        int64           `json:"points"`
	NewBalance    int64           `json:"new_balance"`
	TierCheck     TierCheckResult `json:"tier_check"`
}

// AddIndividualPoints начисляет клиенту баллы по критерию с фиксированной
// ставкой. После фиксации начисления выполняется необязательная проверка
// повышения уровня; её сбой логируется и попадает в результат, но не
// отменяет начисление.
func (s *Service) AddIndividualPoints(ctx context.Context, req IndividualGrantRequest) (*GrantResult, error) {
	customer, err := s.resolveCustomer(ctx, req.CustomerID, req.CardNumber)
	if err != nil {
		return nil, err
	}

	criteria, err := s.repo.PointCriteriaByCode(ctx, req.CriteriaCode)
	if err != nil {
		return nil, err
	}
	if criteria.Points <= 0 {
		return nil, &ValidationError{Field: "criteria_code", Message: "criteria has no valid fixed-rate rule"}
	}

	origin := s.resolveOriginApp(ctx, req.OriginApp)
	now := time.Now()

	outcome, err := s.repo.GrantPoints(ctx, repository.GrantParams{
		CustomerID: customer.ID,
		Points:     criteria.Points,
		Note:       req.Note,
		Metadata: model.EarnMetadata{
			OriginApp:    origin,
			CriteriaCode: criteria.Code,
		},
		EarnedAt:  now,
		ExpiresAt: s.expiryFor(ctx, customer.TierID, now),
	})
	if err != nil {
		return nil, err
	}

	res := &GrantResult{
		CustomerID:    customer.ID,
		TransactionID: outcome.TransactionID,
		Points:        criteria.Points,
		NewBalance:    outcome.NewBalance,
	}
	res.TierCheck = s.checkTierUpgrade(ctx, customer, outcome.NewBalance, now)

	return res, nil
}

// ReduceRequest — запрос ручного списания баллов клиента.
type ReduceRequest struct {
	CustomerID int64
	Amount     int64
	OriginApp  string
	Note       string
}

// ReduceResult — результат зафиксированного списания.
type ReduceResult struct {
	CustomerID    int64                 `json:"customer_id"`
	TransactionID int64                 `json:"transaction_id"`
	Amount        int64                 `json:"amount"`
	NewBalance    int64                 `json:"new_balance"`
	Consumed      []model.ConsumedEntry `json:"consumed"`
}

// ReducePoints списывает баллы клиента по принципу FIFO. При нехватке
// баллов ничего не меняется и возвращается ledger.InsufficientPointsError
// с доступной и запрошенной суммами.
func (s *Service) ReducePoints(ctx context.Context, req ReduceRequest) (*ReduceResult, error) {
	if req.Amount <= 0 {
		return nil, &ValidationError{Field: "amount", Message: "must be positive"}
	}

	customer, err := s.repo.CustomerByID(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}

	outcome, err := s.repo.RedeemPoints(ctx, repository.RedeemParams{
		CustomerID: customer.ID,
		Amount:     req.Amount,
		OriginApp:  s.resolveOriginApp(ctx, req.OriginApp),
		Note:       req.Note,
		Now:        time.Now(),
	})
	if err != nil {
		return nil, err
	}

	return &ReduceResult{
		CustomerID:    customer.ID,
		TransactionID: outcome.TransactionID,
		Amount:        req.Amount,
		NewBalance:    outcome.NewBalance,
		Consumed:      outcome.Consumed,
	}, nil
}

// CustomerBalance возвращает кэшированный баланс клиента вместе с
// агрегатом по журналу транзакций на указанную дату и суммой остатков
// активных записей реестра.
func (s *Service) CustomerBalance(ctx context.Context, customerID int64, asOf time.Time) (*model.Balance, error) {
	customer, err := s.repo.CustomerByID(ctx, customerID)
	if err != nil {
		return nil, err
	}

	aggregated, err := s.repo.AggregateBalance(ctx, customerID, asOf)
	if err != nil {
		return nil, err
	}

	active, err := s.repo.ActiveLedgerSum(ctx, customerID)
	if err != nil {
		return nil, err
	}

	return &model.Balance{
		CustomerID: customer.ID,
		Total:      customer.TotalPoints,
		Aggregated: aggregated,
		Active:     active,
		AsOf:       asOf,
	}, nil
}

// CustomerTransactions возвращает историю транзакций клиента.
func (s *Service) CustomerTransactions(ctx context.Context, customerID int64) ([]model.Transaction, error) {
	if _, err := s.repo.CustomerByID(ctx, customerID); err != nil {
		return nil, err
	}
	return s.repo.TransactionsByCustomer(ctx, customerID)
}

// SetPriorityProtection закрепляет за клиентом гарантированный
// минимальный уровень.
func (s *Service) SetPriorityProtection(ctx context.Context, customerID, tierID int64, reason, createdBy string) error {
	if _, err := s.repo.TierByID(ctx, tierID); err != nil {
		return err
	}
	return s.repo.UpsertPriorityCustomer(ctx, customerID, tierID, reason, createdBy)
}

// RemovePriorityProtection деактивирует защиту уровня клиента.
func (s *Service) RemovePriorityProtection(ctx context.Context, customerID int64) error {
	return s.repo.DeactivatePriorityCustomer(ctx, customerID)
}

func (s *Service) resolveCustomer(ctx context.Context, id int64, cardNumber string) (*model.Customer, error) {
	switch {
	case id > 0:
		return s.repo.CustomerByID(ctx, id)
	case cardNumber != "":
		return s.repo.CustomerByCard(ctx, cardNumber)
	default:
		return nil, &ValidationError{Field: "customer", Message: "customer_id or card_number is required"}
	}
}

// resolveOriginApp возвращает каноническое имя приложения-источника.
// Нераспознанное имя сохраняется как есть.
func (s *Service) resolveOriginApp(ctx context.Context, name string) string {
	if name == "" {
		return ""
	}

	app, err := s.repo.AppTypeByName(ctx, name)
	if err != nil {
		s.logger.Warn("app type lookup failed", zap.String("name", name), zap.Error(err))
		return name
	}
	if app == nil {
		return name
	}
	return app.Name
}

// expiryFor вычисляет дату сгорания начисления по правилу уровня.
// Сбой внешнего сервиса правил не блокирует начисление: применяется
// срок по умолчанию.
func (s *Service) expiryFor(ctx context.Context, tierID int64, earnedAt time.Time) time.Time {
	t, err := s.repo.TierByID(ctx, tierID)
	if err != nil {
		s.logger.Warn("tier lookup for expiry failed", zap.Int64("tierID", tierID), zap.Error(err))
		return earnedAt.AddDate(0, 0, expiry.DefaultTTLDays)
	}

	expiresAt, err := s.expiry.ExpiryFor(ctx, *t, earnedAt)
	if err != nil {
		s.logger.Warn("expiry rule lookup failed, using default",
			zap.Int64("tierID", tierID),
			zap.Error(err),
		)
		return earnedAt.AddDate(0, 0, expiry.DefaultTTLDays)
	}

	return expiresAt
}

// checkTierUpgrade проверяет, достиг ли клиент порога более высокого
// уровня, и при достижении повышает его. Выполняется по возможности:
// любая ошибка логируется и возвращается в результате, не затрагивая
// уже зафиксированное начисление.
func (s *Service) checkTierUpgrade(ctx context.Context, customer *model.Customer, newBalance int64, now time.Time) TierCheckResult {
	tiers, err := s.repo.Tiers(ctx)
	if err != nil {
		s.logger.Error("tier check: list tiers failed",
			zap.Int64("customerID", customer.ID),
			zap.Error(err),
		)
		return TierCheckResult{Error: err.Error()}
	}

	var current *model.Tier
	var target *model.Tier
	for i := range tiers {
		t := &tiers[i]
		if t.ID == customer.TierID {
			current = t
		}
		if t.PointsRequired <= newBalance && (target == nil || t.HierarchyLevel > target.HierarchyLevel) {
			target = t
		}
	}

	if current == nil {
		err := fmt.Errorf("customer %d references unknown tier %d", customer.ID, customer.TierID)
		s.logger.Error("tier check failed", zap.Error(err))
		return TierCheckResult{Error: err.Error()}
	}

	if target == nil || target.HierarchyLevel <= current.HierarchyLevel {
		return TierCheckResult{Performed: true}
	}

	err = s.repo.ApplyTierChange(ctx, repository.TierChangeParams{
		CustomerID: customer.ID,
		ToTierID:   target.ID,
		Type:       model.TransactionTierUpgrade,
		Note:       "points threshold reached",
		Metadata: model.TierChangeMetadata{
			FromTierID: current.ID,
			ToTierID:   target.ID,
			FromLevel:  current.HierarchyLevel,
			ToLevel:    target.HierarchyLevel,
			Reason:     "points threshold reached",
		},
		At: now,
	})
	if err != nil {
		s.logger.Error("tier check: upgrade failed",
			zap.Int64("customerID", customer.ID),
			zap.Int64("targetTierID", target.ID),
			zap.Error(err),
		)
		return TierCheckResult{Error: err.Error()}
	}

	return TierCheckResult{Performed: true, UpgradedTo: &target.ID}
}

// IsNotFound сообщает, означает ли ошибка отсутствие сущности.
func IsNotFound(err error) bool {
	return errors.Is(err, repository.ErrCustomerNotFound) ||
		errors.Is(err, repository.ErrTierNotFound) ||
		errors.Is(err, repository.ErrCriteriaNotFound) ||
		errors.Is(err, repository.ErrPriorityNotFound)
}
