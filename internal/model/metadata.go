package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Типизированные метаданные транзакций. Дискриминатором служит тип
// транзакции: для каждого типа в журнале хранится своя структура.

// EarnMetadata сопровождает транзакции начисления.
type EarnMetadata struct {
	OriginApp    string `json:"origin_app,omitempty"`
	CriteriaCode string `json:"criteria_code,omitempty"`
	BatchID      string `json:"batch_id,omitempty"`
}

// ConsumedEntry описывает расход одной записи реестра при списании.
type ConsumedEntry struct {
	EntryID        int64     `json:"entry_id"`
	OriginalPoints int64     `json:"original_points"`
	PointsUsed     int64     `json:"points_used"`
	FullyRedeemed  bool      `json:"fully_redeemed"`
	EarnedAt       time.Time `json:"earned_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// RedeemMetadata сопровождает транзакции списания: из каких записей
// реестра и в каком объёме были потреблены баллы.
type RedeemMetadata struct {
	OriginApp string          `json:"origin_app,omitempty"`
	Consumed  []ConsumedEntry `json:"consumed"`
}

// ExpireMetadata сопровождает транзакции сгорания баллов.
type ExpireMetadata struct {
	EntryID   int64     `json:"entry_id"`
	Points    int64     `json:"points"`
	ExpiredAt time.Time `json:"expired_at"`
	RunID     string    `json:"run_id,omitempty"`
}

// TierChangeMetadata сопровождает транзакции смены уровня: состояние
// до и после, причина и идентификатор планового прогона.
type TierChangeMetadata struct {
	FromTierID int64  `json:"from_tier_id"`
	ToTierID   int64  `json:"to_tier_id"`
	FromLevel  int    `json:"from_level"`
	ToLevel    int    `json:"to_level"`
	Reason     string `json:"reason,omitempty"`
	RunID      string `json:"run_id,omitempty"`
}

// EncodeMetadata сериализует метаданные для записи в журнал.
func EncodeMetadata(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return raw, nil
}

// DecodeMetadata разбирает метаданные транзакции в структуру,
// соответствующую её типу.
func DecodeMetadata(t TransactionType, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var v any
	switch t {
	case TransactionEarn:
		v = &EarnMetadata{}
	case TransactionRedeem:
		v = &RedeemMetadata{}
	case TransactionExpire:
		v = &ExpireMetadata{}
	case TransactionTierUpgrade, TransactionTierDowngrade, TransactionTierProtection:
		v = &TierChangeMetadata{}
	default:
		return nil, fmt.Errorf("unknown transaction type: %s", t)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	return v, nil
}
