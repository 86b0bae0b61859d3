// Package expiry предоставляет вычисление срока действия начисляемых
// баллов: клиент внешнего сервиса правил сгорания и статическая
// политика по умолчанию.
package expiry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mmeshcher/loyalty-system/internal/model"
)

// DefaultTTLDays — срок действия баллов, применяемый при отсутствии
// правила для уровня.
const DefaultTTLDays = 365

// Resolver вычисляет дату сгорания для свежего начисления. Правило
// зависит от уровня клиента и фиксируется в момент начисления.
type Resolver interface {
	ExpiryFor(ctx context.Context, tier model.Tier, earnedAt time.Time) (time.Time, error)
}

// Client инкапсулирует HTTP-взаимодействие с сервисом правил сгорания.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// tierRule описывает ответ сервиса правил по одному уровню.
type tierRule struct {
	TierID  int64 `json:"tier_id"`
	TTLDays int   `json:"ttl_days"`
}

// NewClient создаёт клиент сервиса правил сгорания по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// ExpiryFor запрашивает правило сгорания для уровня и возвращает дату
// сгорания начисления, сделанного в earnedAt.
func (c *Client) ExpiryFor(ctx context.Context, tier model.Tier, earnedAt time.Time) (time.Time, error) {
	if c == nil || c.baseURL == "" {
		return time.Time{}, fmt.Errorf("expiry client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/api/tiers/%d/expiry", base, tier.ID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return earnedAt.AddDate(0, 0, DefaultTTLDays), nil
	}

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var rule tierRule
	if err := json.NewDecoder(resp.Body).Decode(&rule); err != nil {
		return time.Time{}, fmt.Errorf("decode response: %w", err)
	}

	if rule.TTLDays <= 0 {
		return time.Time{}, fmt.Errorf("invalid ttl_days: %d", rule.TTLDays)
	}

	return earnedAt.AddDate(0, 0, rule.TTLDays), nil
}

// Static — резервная политика с фиксированным сроком действия в днях.
type Static struct {
	TTLDays int
}

// ExpiryFor возвращает дату сгорания через TTLDays после earnedAt.
func (s Static) ExpiryFor(_ context.Context, _ model.Tier, earnedAt time.Time) (time.Time, error) {
	days := s.TTLDays
	if days <= 0 {
		days = DefaultTTLDays
	}
	return earnedAt.AddDate(0, 0, days), nil
}
