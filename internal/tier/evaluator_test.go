package tier

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/model"
)

type windowEarn struct {
	// earned по окнам: индекс 0 — самое свежее окно.
	earned []int64
	err    error

	calls int
}

func (h *windowEarn) EarnedBetween(ctx context.Context, customerID int64, from, to time.Time) (int64, error) {
	if h.err != nil {
		return 0, h.err
	}
	idx := h.calls
	h.calls++
	if idx >= len(h.earned) {
		return 0, nil
	}
	return h.earned[idx], nil
}

var (
	bronze = model.Tier{ID: 1, Name: "Bronze", HierarchyLevel: 1, PointsRequired: 0}
	silver = model.Tier{ID: 2, Name: "Silver", HierarchyLevel: 2, PointsRequired: 500}
	gold   = model.Tier{ID: 3, Name: "Gold", HierarchyLevel: 3, PointsRequired: 2000}
)

func allTiers() []model.Tier {
	return []model.Tier{bronze, silver, gold}
}

func goldCriteria() *model.TierEligibilityCriteria {
	return &model.TierEligibilityCriteria{
		ID:                         1,
		TierID:                     gold.ID,
		EvaluationPeriodDays:       30,
		ConsecutivePeriodsRequired: 3,
		NetEarningRequired:         100,
		IsActive:                   true,
	}
}

func newTestEvaluator(t *testing.T, history EarnHistory) *Evaluator {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return NewEvaluator(history, logger)
}

func TestEvaluate_NoCriteriaUsesThreshold(t *testing.T) {
	e := newTestEvaluator(t, &windowEarn{})
	now := time.Now()

	rich := model.Customer{ID: 1, TierID: gold.ID, TotalPoints: 2500}
	if got := e.Evaluate(context.Background(), rich, gold, nil, now); got != Retain {
		t.Errorf("decision = %v, want Retain", got)
	}

	poor := model.Customer{ID: 2, TierID: gold.ID, TotalPoints: 100}
	if got := e.Evaluate(context.Background(), poor, gold, nil, now); got != Downgrade {
		t.Errorf("decision = %v, want Downgrade", got)
	}
}

func TestEvaluate_InactiveCriteriaUsesThreshold(t *testing.T) {
	criteria := goldCriteria()
	criteria.IsActive = false

	history := &windowEarn{earned: []int64{0, 0, 0}}
	e := newTestEvaluator(t, history)

	customer := model.Customer{ID: 1, TierID: gold.ID, TotalPoints: 2500}
	if got := e.Evaluate(context.Background(), customer, gold, criteria, time.Now()); got != Retain {
		t.Errorf("decision = %v, want Retain via threshold", got)
	}
	if history.calls != 0 {
		t.Errorf("history calls = %d, want 0 for inactive criteria", history.calls)
	}
}

func TestEvaluate_AllWindowsPass(t *testing.T) {
	history := &windowEarn{earned: []int64{150, 120, 100}}
	e := newTestEvaluator(t, history)

	// Порог уровня не пройден, но окна проходят — уровень удержан.
	customer := model.Customer{ID: 1, TierID: gold.ID, TotalPoints: 50}
	if got := e.Evaluate(context.Background(), customer, gold, goldCriteria(), time.Now()); got != Retain {
		t.Errorf("decision = %v, want Retain", got)
	}
	if history.calls != 3 {
		t.Errorf("history calls = %d, want 3", history.calls)
	}
}

func TestEvaluate_FirstFailedWindowShortCircuits(t *testing.T) {
	history := &windowEarn{earned: []int64{150, 40, 200}}
	e := newTestEvaluator(t, history)

	customer := model.Customer{ID: 1, TierID: gold.ID, TotalPoints: 5000}
	if got := e.Evaluate(context.Background(), customer, gold, goldCriteria(), time.Now()); got != Downgrade {
		t.Errorf("decision = %v, want Downgrade", got)
	}
	if history.calls != 2 {
		t.Errorf("history calls = %d, want 2 after short circuit", history.calls)
	}
}

func TestEvaluate_HistoryErrorRetains(t *testing.T) {
	history := &windowEarn{err: errors.New("storage unavailable")}
	e := newTestEvaluator(t, history)

	customer := model.Customer{ID: 1, TierID: gold.ID, TotalPoints: 0}
	if got := e.Evaluate(context.Background(), customer, gold, goldCriteria(), time.Now()); got != Retain {
		t.Errorf("decision = %v, want Retain on history error", got)
	}
}

func TestEvaluate_WindowBounds(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	period := 30 * 24 * time.Hour

	var got [][2]time.Time
	history := &boundsEarn{record: &got}
	e := newTestEvaluator(t, history)

	criteria := goldCriteria()
	criteria.ConsecutivePeriodsRequired = 2

	customer := model.Customer{ID: 1, TierID: gold.ID}
	e.Evaluate(context.Background(), customer, gold, criteria, now)

	if len(got) != 2 {
		t.Fatalf("windows = %d, want 2", len(got))
	}
	if !got[0][1].Equal(now) || !got[0][0].Equal(now.Add(-period)) {
		t.Errorf("first window = %v..%v, want %v..%v", got[0][0], got[0][1], now.Add(-period), now)
	}
	if !got[1][1].Equal(now.Add(-period)) || !got[1][0].Equal(now.Add(-2*period)) {
		t.Errorf("second window = %v..%v, want %v..%v", got[1][0], got[1][1], now.Add(-2*period), now.Add(-period))
	}
}

type boundsEarn struct {
	record *[][2]time.Time
}

func (h *boundsEarn) EarnedBetween(ctx context.Context, customerID int64, from, to time.Time) (int64, error) {
	*h.record = append(*h.record, [2]time.Time{from, to})
	return 1000, nil
}

func TestDowngradeTarget_FirstPassingBelow(t *testing.T) {
	e := newTestEvaluator(t, &windowEarn{})

	// Клиент проходит порог Silver, но не Gold.
	customer := model.Customer{ID: 1, TierID: gold.ID, TotalPoints: 700}
	target := e.DowngradeTarget(context.Background(), customer, gold, allTiers(), map[int64]*model.TierEligibilityCriteria{}, time.Now())

	if target.ID != silver.ID {
		t.Errorf("target = %s, want Silver", target.Name)
	}
}

func TestDowngradeTarget_FallsBackToBase(t *testing.T) {
	e := newTestEvaluator(t, &windowEarn{})

	customer := model.Customer{ID: 1, TierID: gold.ID, TotalPoints: 0}
	target := e.DowngradeTarget(context.Background(), customer, gold, allTiers(), map[int64]*model.TierEligibilityCriteria{}, time.Now())

	if target.ID != bronze.ID {
		t.Errorf("target = %s, want Bronze", target.Name)
	}
}

func TestClampToProtection(t *testing.T) {
	if got := ClampToProtection(bronze, silver); got.ID != silver.ID {
		t.Errorf("clamp = %s, want Silver", got.Name)
	}
	if got := ClampToProtection(gold, silver); got.ID != gold.ID {
		t.Errorf("clamp = %s, want Gold", got.Name)
	}
}

func TestBaseTier(t *testing.T) {
	if got := BaseTier([]model.Tier{gold, bronze, silver}); got.ID != bronze.ID {
		t.Errorf("base tier = %s, want Bronze", got.Name)
	}
}
