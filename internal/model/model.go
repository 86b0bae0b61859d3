// Package model содержит доменные сущности системы лояльности.
package model

import (
	"encoding/json"
	"time"
)

// Customer представляет клиента программы лояльности.
// TotalPoints — денормализованный кэш суммы активных баллов,
// источником истины служит журнал транзакций.
type Customer struct {
	ID          int64
	CardNumber  string
	Name        string
	TierID      int64
	TotalPoints int64
	Coins       int64
	CreatedAt   time.Time
}

// Tier описывает уровень программы лояльности.
// Чем больше HierarchyLevel, тем выше уровень.
type Tier struct {
	ID             int64
	Name           string
	HierarchyLevel int
	PointsRequired int64
}

// LedgerEntryStatus описывает состояние записи реестра баллов.
type LedgerEntryStatus string

const (
	LedgerEntryActive   LedgerEntryStatus = "active"
	LedgerEntryRedeemed LedgerEntryStatus = "redeemed"
	LedgerEntryExpired  LedgerEntryStatus = "expired"
)

// LedgerEntry представляет одно начисление баллов со своим сроком действия.
// Points — остаток баллов, уменьшается при списании; OriginalPoints хранит
// исходную величину начисления. Записи никогда не удаляются.
type LedgerEntry struct {
	ID             int64
	CustomerID     int64
	Points         int64
	OriginalPoints int64
	Status         LedgerEntryStatus
	EarnedAt       time.Time
	ExpiresAt      time.Time
	TransactionID  int64
}

// TransactionType описывает тип события, повлиявшего на баланс или уровень.
type TransactionType string

const (
	TransactionEarn           TransactionType = "earn"
	TransactionRedeem         TransactionType = "redeem"
	TransactionExpire         TransactionType = "expire"
	TransactionTierUpgrade    TransactionType = "tier_upgrade"
	TransactionTierDowngrade  TransactionType = "tier_downgrade"
	TransactionTierProtection TransactionType = "tier_protection"
)

// TransactionStatus описывает статус транзакции.
type TransactionStatus string

// TransactionCompleted — финальный статус, присваивается при создании.
const TransactionCompleted TransactionStatus = "completed"

// Transaction — неизменяемый факт журнала: начисление, списание, сгорание
// или смена уровня. Points подписаны: положительные для начислений,
// отрицательные для списаний и сгораний, ноль для смены уровня.
type Transaction struct {
	ID              int64
	CustomerID      int64
	Type            TransactionType
	Points          int64
	Status          TransactionStatus
	Note            string
	Metadata        json.RawMessage
	TransactionDate time.Time
}

// TierEligibilityCriteria задаёт политику удержания уровня: клиент обязан
// в каждом из ConsecutivePeriodsRequired подряд идущих окон длиной
// EvaluationPeriodDays заработать не менее NetEarningRequired баллов.
type TierEligibilityCriteria struct {
	ID                         int64
	TierID                     int64
	EvaluationPeriodDays       int
	ConsecutivePeriodsRequired int
	NetEarningRequired         int64
	IsActive                   bool
}

// PriorityCustomer закрепляет за клиентом гарантированный минимальный
// уровень. Для клиента допустима не более одной активной записи;
// удаление выполняется деактивацией, а не физическим удалением.
type PriorityCustomer struct {
	ID         int64
	CustomerID int64
	TierID     int64
	IsActive   bool
	Reason     string
	CreatedBy  string
	CreatedAt  time.Time
}

// AppType — каноническое имя приложения-источника начислений.
type AppType struct {
	ID   int64
	Name string
}

// PointCriteria — конфигурация начисления с фиксированной ставкой баллов.
type PointCriteria struct {
	ID       int64
	Code     string
	Name     string
	Points   int64
	IsActive bool
}

// Balance содержит кэшированный баланс клиента, агрегат по журналу
// транзакций на указанную дату и сумму остатков активных записей реестра.
type Balance struct {
	CustomerID int64     `json:"customer_id"`
	Total      int64     `json:"total"`
	Aggregated int64     `json:"aggregated"`
	Active     int64     `json:"active"`
	AsOf       time.Time `json:"as_of"`
}
