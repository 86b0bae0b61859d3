package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/model"
	"github.com/mmeshcher/loyalty-system/internal/repository"
	"github.com/mmeshcher/loyalty-system/internal/validation"
)

const (
	bulkChunkSize  = 100
	bulkChunkPause = 100 * time.Millisecond
)

// BulkGrantRow — строка пакетного импорта начислений. Клиент задаётся
// номером карты лояльности, как в выгрузках из Excel.
type BulkGrantRow struct {
	CardNumber   string `json:"card_number"`
	CriteriaCode string `json:"criteria_code"`
	Note         string `json:"note"`
}

// RowError — ошибка валидации одной строки пакета.
type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// BulkValidationError возвращается, когда хотя бы одна строка пакета не
// прошла валидацию: пакет отклоняется целиком, записи не создаются.
type BulkValidationError struct {
	Rows []RowError
}

func (e *BulkValidationError) Error() string {
	return fmt.Sprintf("bulk validation failed: %d invalid rows", len(e.Rows))
}

// BulkRowResult — результат начисления по одной строке пакета.
type BulkRowResult struct {
	Row           int             `json:"row"`
	CustomerID    int64           `json:"customer_id"`
	TransactionID int64           `json:"transaction_id"`
	Points        int64           `json:"points"`
	NewBalance    int64           `json:"new_balance"`
	TierCheck     TierCheckResult `json:"tier_check"`
}

// BulkGrantResult — итог пакетного начисления.
type BulkGrantResult struct {
	BatchID string          `json:"batch_id"`
	Rows    []BulkRowResult `json:"rows"`
}

// AddBulkPoints выполняет пакет начислений. Сначала валидируются все
// строки; любая невалидная строка отклоняет пакет целиком без единой
// записи, с перечнем ошибок по номерам строк. Валидный пакет фиксируется
// одной атомарной единицей работы; последующие проверки уровня по
// строкам выполняются по возможности и не отменяют пакет.
func (s *Service) AddBulkPoints(ctx context.Context, rows []BulkGrantRow, originApp string) (*BulkGrantResult, error) {
	if len(rows) == 0 {
		return nil, &ValidationError{Field: "rows", Message: "batch is empty"}
	}

	origin := s.resolveOriginApp(ctx, originApp)
	batchID := uuid.NewString()
	now := time.Now()

	var rowErrors []RowError
	grants := make([]repository.GrantParams, 0, len(rows))
	customers := make([]*model.Customer, 0, len(rows))

	for i, row := range rows {
		n := i + 1

		card := strings.TrimSpace(row.CardNumber)
		if !validation.IsValidCardNumber(card) {
			rowErrors = append(rowErrors, RowError{Row: n, Field: "card_number", Message: "invalid card number"})
			continue
		}
		if row.CriteriaCode == "" {
			rowErrors = append(rowErrors, RowError{Row: n, Field: "criteria_code", Message: "criteria code is required"})
			continue
		}

		customer, err := s.repo.CustomerByCard(ctx, card)
		if err != nil {
			if errors.Is(err, repository.ErrCustomerNotFound) {
				rowErrors = append(rowErrors, RowError{Row: n, Field: "card_number", Message: "customer not found"})
				continue
			}
			return nil, fmt.Errorf("resolve row %d customer: %w", n, err)
		}

		criteria, err := s.repo.PointCriteriaByCode(ctx, row.CriteriaCode)
		if err != nil {
			if errors.Is(err, repository.ErrCriteriaNotFound) {
				rowErrors = append(rowErrors, RowError{Row: n, Field: "criteria_code", Message: "criteria not found"})
				continue
			}
			return nil, fmt.Errorf("resolve row %d criteria: %w", n, err)
		}
		if criteria.Points <= 0 {
			rowErrors = append(rowErrors, RowError{Row: n, Field: "criteria_code", Message: "criteria has no valid fixed-rate rule"})
			continue
		}

		grants = append(grants, repository.GrantParams{
			CustomerID: customer.ID,
			Points:     criteria.Points,
			Note:       row.Note,
			Metadata: model.EarnMetadata{
				OriginApp:    origin,
				CriteriaCode: criteria.Code,
				BatchID:      batchID,
			},
			EarnedAt:  now,
			ExpiresAt: s.expiryFor(ctx, customer.TierID, now),
		})
		customers = append(customers, customer)
	}

	if len(rowErrors) > 0 {
		return nil, &BulkValidationError{Rows: rowErrors}
	}

	outcomes, err := s.repo.GrantPointsBatch(ctx, grants, bulkChunkSize, bulkChunkPause)
	if err != nil {
		return nil, err
	}

	result := &BulkGrantResult{
		BatchID: batchID,
		Rows:    make([]BulkRowResult, 0, len(outcomes)),
	}

	for i, o := range outcomes {
		rowRes := BulkRowResult{
			Row:           i + 1,
			CustomerID:    o.CustomerID,
			TransactionID: o.TransactionID,
			Points:        grants[i].Points,
			NewBalance:    o.NewBalance,
		}
		rowRes.TierCheck = s.checkTierUpgrade(ctx, customers[i], o.NewBalance, now)
		if rowRes.TierCheck.Error != "" {
			s.logger.Warn("bulk tier check failed",
				zap.String("batchID", batchID),
				zap.Int("row", i+1),
				zap.Int64("customerID", o.CustomerID),
			)
		}
		result.Rows = append(result.Rows, rowRes)
	}

	return result, nil
}
