package usecase_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/crypto_paper_trader/internal/domain"
	"github.com/vitos/crypto_paper_trader/internal/usecase"
)

type journalCall struct {
	kind   string
	reason domain.CloseReason
	pnl    float64
}

type fakeJournal struct {
	mu    sync.Mutex
	calls []journalCall
}

func (f *fakeJournal) RecordEntry(ctx context.Context, pos domain.Position, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, journalCall{kind: "entry"})
	return nil
}

func (f *fakeJournal) RecordExit(ctx context.Context, pos domain.Position, price float64, ts time.Time, reason domain.CloseReason, pnl float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, journalCall{kind: "exit", reason: reason, pnl: pnl})
	return nil
}

func (f *fakeJournal) snapshot() []journalCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]journalCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeKnowledge struct {
	mu      sync.Mutex
	results []domain.TradeResult
}

func (f *fakeKnowledge) ProcessTradeClose(ctx context.Context, result domain.TradeResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	return nil
}

type fakeStateRepo struct {
	saved *domain.EngineState
}

func (f *fakeStateRepo) SaveState(ctx context.Context, state *domain.EngineState) error {
	f.saved = state
	return nil
}

func (f *fakeStateRepo) LoadState(ctx context.Context) (*domain.EngineState, error) {
	if f.saved == nil {
		return nil, domain.ErrNoState
	}
	return f.saved, nil
}

func newEngine(balance float64, limits usecase.RiskLimits) *usecase.ExecutionEngine {
	return usecase.NewExecutionEngine(balance, limits, zap.NewNop())
}

func longCondition(coin string, trigger, size float64) domain.Condition {
	now := time.Now()
	return domain.Condition{
		Coin:          coin,
		Direction:     domain.DirectionLong,
		TriggerPrice:  trigger,
		Comparator:    domain.CompareAbove,
		StopLossPct:   2,
		TakeProfitPct: 3,
		Size:          size,
		Strategy:      "breakout",
		CreatedAt:     now,
		ValidUntil:    now.Add(time.Hour),
	}
}

func tick(coin string, price float64) domain.PriceTick {
	return domain.PriceTick{Coin: coin, Price: price, Timestamp: time.Now().UnixMilli()}
}

func TestTriggerAboveOpensPosition(t *testing.T) {
	engine := newEngine(10000, usecase.RiskLimits{})
	_, err := engine.AddCondition(longCondition("BTC", 70000, 50))
	require.NoError(t, err)

	// Below the trigger: no-op.
	engine.OnPriceTick(tick("BTC", 69999.99))
	require.Empty(t, engine.Positions())
	require.Len(t, engine.Conditions(), 1)

	// Scenario: trigger=70000 ABOVE, sl=2%, tp=3%, size=50, tick at 76274.
	engine.OnPriceTick(tick("BTC", 76274))

	positions := engine.Positions()
	require.Len(t, positions, 1)
	pos := positions[0]
	require.Equal(t, "BTC", pos.Coin)
	require.Equal(t, domain.DirectionLong, pos.Direction)
	require.InDelta(t, 76274.0, pos.EntryPrice, 1e-9)
	require.InDelta(t, 74748.52, pos.StopLoss, 0.01)
	require.InDelta(t, 78562.22, pos.TakeProfit, 0.01)
	require.NotEmpty(t, pos.ID)

	// Condition consumed, notional reserved.
	require.Empty(t, engine.Conditions())
	require.InDelta(t, 9950.0, engine.Status().Balance, 1e-9)
}

func TestStopLossClosesPosition(t *testing.T) {
	engine := newEngine(10000, usecase.RiskLimits{})
	journal := &fakeJournal{}
	knowledge := &fakeKnowledge{}
	engine.SetJournal(journal)
	engine.SetKnowledgeSink(knowledge)

	_, err := engine.AddCondition(longCondition("BTC", 70000, 50))
	require.NoError(t, err)
	engine.OnPriceTick(tick("BTC", 76274))
	require.Len(t, engine.Positions(), 1)

	// 74700 is below the 2% stop (74748.52).
	engine.OnPriceTick(tick("BTC", 74700))
	require.Empty(t, engine.Positions())

	wantPnL := 50 * (74700.0 - 76274.0) / 76274.0
	status := engine.Status()
	require.InDelta(t, wantPnL, status.TotalPnL, 1e-9)
	require.InDelta(t, 9950.0+50+wantPnL, status.Balance, 1e-9)
	require.Equal(t, 1, status.TradeCount)

	calls := journal.snapshot()
	require.Len(t, calls, 2)
	require.Equal(t, "entry", calls[0].kind)
	require.Equal(t, domain.CloseStopLoss, calls[1].reason)
	require.InDelta(t, wantPnL, calls[1].pnl, 1e-9)

	require.Len(t, knowledge.results, 1)
	require.Equal(t, domain.CloseStopLoss, knowledge.results[0].Reason)
}

func TestTakeProfitLong(t *testing.T) {
	engine := newEngine(10000, usecase.RiskLimits{})
	_, err := engine.AddCondition(longCondition("BTC", 70000, 50))
	require.NoError(t, err)
	engine.OnPriceTick(tick("BTC", 76274))

	engine.OnPriceTick(tick("BTC", 78600)) // above tp 78562.22
	require.Empty(t, engine.Positions())

	wantPnL := 50 * (78600.0 - 76274.0) / 76274.0
	require.InDelta(t, wantPnL, engine.Status().TotalPnL, 1e-9)
}

func TestShortAccounting(t *testing.T) {
	engine := newEngine(10000, usecase.RiskLimits{})
	now := time.Now()
	_, err := engine.AddCondition(domain.Condition{
		Coin:          "ETH",
		Direction:     domain.DirectionShort,
		TriggerPrice:  3000,
		Comparator:    domain.CompareBelow,
		StopLossPct:   2,
		TakeProfitPct: 3,
		Size:          100,
		CreatedAt:     now,
		ValidUntil:    now.Add(time.Hour),
	})
	require.NoError(t, err)

	engine.OnPriceTick(tick("ETH", 2990))
	positions := engine.Positions()
	require.Len(t, positions, 1)
	pos := positions[0]
	// Signs invert for shorts: stop above entry, target below.
	require.InDelta(t, 2990*1.02, pos.StopLoss, 1e-9)
	require.InDelta(t, 2990*0.97, pos.TakeProfit, 1e-9)

	// Price drops to the target: short profits.
	engine.OnPriceTick(tick("ETH", 2900))
	require.Empty(t, engine.Positions())
	wantPnL := 100 * (2990.0 - 2900.0) / 2990.0
	require.InDelta(t, wantPnL, engine.Status().TotalPnL, 1e-9)
	require.InDelta(t, 10000+wantPnL, engine.Status().Balance, 1e-9)
}

func TestStopCheckedBeforeTakeProfit(t *testing.T) {
	// A degenerate position whose stop and target are both crossed by one
	// tick must exit exactly once, as a stop.
	engine := newEngine(10000, usecase.RiskLimits{})
	journal := &fakeJournal{}
	engine.SetJournal(journal)

	now := time.Now()
	_, err := engine.AddCondition(domain.Condition{
		Coin:          "BTC",
		Direction:     domain.DirectionLong,
		TriggerPrice:  100,
		Comparator:    domain.CompareBelow,
		StopLossPct:   50,  // stop at 50
		TakeProfitPct: -60, // target at 40, below the stop
		Size:          10,
		CreatedAt:     now,
		ValidUntil:    now.Add(time.Hour),
	})
	require.NoError(t, err)

	engine.OnPriceTick(tick("BTC", 100))
	require.Len(t, engine.Positions(), 1)

	engine.OnPriceTick(tick("BTC", 40)) // crosses both levels at once
	require.Empty(t, engine.Positions())
	calls := journal.snapshot()
	require.Equal(t, domain.CloseStopLoss, calls[len(calls)-1].reason)
}

func TestMaxPositionsLimit(t *testing.T) {
	// Six immediately-triggerable conditions on distinct coins with a cap of
	// five: exactly five open, the sixth stays active.
	engine := newEngine(10000, usecase.RiskLimits{MaxPositions: 5, MaxPerCoin: 2, MaxExposure: 0.9})
	coins := []string{"BTC", "ETH", "SOL", "DOGE", "XRP", "ADA"}
	for _, coin := range coins {
		_, err := engine.AddCondition(longCondition(coin, 100, 50))
		require.NoError(t, err)
	}

	for _, coin := range coins {
		engine.OnPriceTick(tick(coin, 150))
	}

	require.Len(t, engine.Positions(), 5)
	require.Len(t, engine.Conditions(), 1)
}

func TestPerCoinLimit(t *testing.T) {
	engine := newEngine(10000, usecase.RiskLimits{MaxPositions: 10, MaxPerCoin: 1, MaxExposure: 0.9})
	_, err := engine.AddCondition(longCondition("BTC", 100, 50))
	require.NoError(t, err)
	_, err = engine.AddCondition(longCondition("BTC", 110, 50))
	require.NoError(t, err)

	engine.OnPriceTick(tick("BTC", 150))
	require.Len(t, engine.Positions(), 1)
	require.Len(t, engine.Conditions(), 1)

	exp := engine.Exposure()
	require.InDelta(t, 50.0, exp.OpenNotional, 1e-9)
	require.InDelta(t, 50.0, exp.PerCoin["BTC"], 1e-9)
}

func TestExposureLimit(t *testing.T) {
	engine := newEngine(1000, usecase.RiskLimits{MaxPositions: 10, MaxPerCoin: 10, MaxExposure: 0.5})
	_, err := engine.AddCondition(longCondition("BTC", 100, 400))
	require.NoError(t, err)
	_, err = engine.AddCondition(longCondition("ETH", 100, 400))
	require.NoError(t, err)

	engine.OnPriceTick(tick("BTC", 150))
	require.Len(t, engine.Positions(), 1)

	// 400 reserved, balance 600: a second 400 would exceed 600*0.5.
	engine.OnPriceTick(tick("ETH", 150))
	require.Len(t, engine.Positions(), 1)
	require.Len(t, engine.Conditions(), 1)
}

func TestSizeAboveBalanceRejected(t *testing.T) {
	engine := newEngine(100, usecase.RiskLimits{MaxPositions: 10, MaxPerCoin: 10, MaxExposure: 5})
	_, err := engine.AddCondition(longCondition("BTC", 100, 500))
	require.NoError(t, err)

	engine.OnPriceTick(tick("BTC", 150))
	require.Empty(t, engine.Positions())
	// Rejection is not consumption: the condition stays active.
	require.Len(t, engine.Conditions(), 1)
}

func TestSetConditionsDropsExpired(t *testing.T) {
	engine := newEngine(10000, usecase.RiskLimits{})
	now := time.Now()
	expired := domain.Condition{
		Coin:         "BTC",
		Direction:    domain.DirectionLong,
		TriggerPrice: 100,
		Comparator:   domain.CompareAbove,
		Size:         10,
		CreatedAt:    now.Add(-2 * time.Hour),
		ValidUntil:   now.Add(-time.Hour),
	}

	require.Equal(t, 0, engine.SetConditions([]domain.Condition{expired}))
	require.Equal(t, 0, engine.SetConditions([]domain.Condition{expired}))
	require.Empty(t, engine.Conditions())

	_, err := engine.AddCondition(expired)
	require.Error(t, err)
}

func TestSetConditionsReplacesAtomically(t *testing.T) {
	engine := newEngine(10000, usecase.RiskLimits{})
	_, err := engine.AddCondition(longCondition("BTC", 100, 10))
	require.NoError(t, err)

	kept := engine.SetConditions([]domain.Condition{
		longCondition("ETH", 100, 10),
		longCondition("SOL", 100, 10),
	})
	require.Equal(t, 2, kept)

	for _, c := range engine.Conditions() {
		require.NotEqual(t, "BTC", c.Coin)
		require.NotEmpty(t, c.ID)
	}
}

func TestClearConditionsByCoin(t *testing.T) {
	engine := newEngine(10000, usecase.RiskLimits{})
	engine.SetConditions([]domain.Condition{
		longCondition("BTC", 100, 10),
		longCondition("BTC", 110, 10),
		longCondition("ETH", 100, 10),
	})

	require.Equal(t, 2, engine.ClearConditions("BTC"))
	require.Len(t, engine.Conditions(), 1)
	require.Equal(t, 1, engine.ClearConditions(""))
	require.Empty(t, engine.Conditions())
}

func TestManualClose(t *testing.T) {
	engine := newEngine(10000, usecase.RiskLimits{})
	journal := &fakeJournal{}
	engine.SetJournal(journal)

	_, err := engine.AddCondition(longCondition("BTC", 100, 50))
	require.NoError(t, err)
	engine.OnPriceTick(tick("BTC", 150))
	positions := engine.Positions()
	require.Len(t, positions, 1)

	require.Error(t, engine.ClosePosition("missing", 150, time.Time{}))

	require.NoError(t, engine.ClosePosition(positions[0].ID, 151.5, time.Time{}))
	require.Empty(t, engine.Positions())
	calls := journal.snapshot()
	require.Equal(t, domain.CloseManual, calls[len(calls)-1].reason)
	wantPnL := 50 * (151.5 - 150.0) / 150.0
	require.InDelta(t, wantPnL, calls[len(calls)-1].pnl, 1e-9)
}

func TestCloseAllPositions(t *testing.T) {
	engine := newEngine(10000, usecase.RiskLimits{})
	engine.SetConditions([]domain.Condition{
		longCondition("BTC", 100, 50),
		longCondition("ETH", 100, 50),
	})
	engine.OnPriceTick(tick("BTC", 150))
	engine.OnPriceTick(tick("ETH", 150))
	require.Len(t, engine.Positions(), 2)

	// Only coins present in the price map are closed.
	closed := engine.CloseAllPositions(map[string]float64{"BTC": 155})
	require.Equal(t, 1, closed)
	require.Len(t, engine.Positions(), 1)

	closed = engine.CloseAllPositions(map[string]float64{"BTC": 155, "ETH": 149})
	require.Equal(t, 1, closed)
	require.Empty(t, engine.Positions())
}

func TestExpiredConditionPurgedOnTick(t *testing.T) {
	engine := newEngine(10000, usecase.RiskLimits{})
	c := longCondition("BTC", 100, 50)
	c.ValidUntil = time.Now().Add(30 * time.Millisecond)
	_, err := engine.AddCondition(c)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	engine.OnPriceTick(tick("BTC", 150))
	require.Empty(t, engine.Positions())
	require.Empty(t, engine.Conditions())
}

func TestSubscriberPanicIsolated(t *testing.T) {
	engine := newEngine(10000, usecase.RiskLimits{})
	var seen []domain.ExecutionEvent
	engine.Subscribe(func(domain.ExecutionEvent) { panic("boom") })
	engine.Subscribe(func(ev domain.ExecutionEvent) { seen = append(seen, ev) })

	_, err := engine.AddCondition(longCondition("BTC", 100, 50))
	require.NoError(t, err)
	engine.OnPriceTick(tick("BTC", 150))

	require.Len(t, engine.Positions(), 1)
	require.Len(t, seen, 1)
	require.Equal(t, domain.EventEntry, seen[0].Type)

	// Future ticks keep flowing to the healthy subscriber.
	engine.OnPriceTick(tick("BTC", 200))
	require.Len(t, seen, 2)
	require.Equal(t, domain.EventExit, seen[1].Type)
}

type reentrantKnowledge struct {
	engine   *usecase.ExecutionEngine
	balances []float64
}

func (r *reentrantKnowledge) ProcessTradeClose(ctx context.Context, result domain.TradeResult) error {
	r.balances = append(r.balances, r.engine.Status().Balance)
	return nil
}

func TestSubscriberMayCallBackIntoEngine(t *testing.T) {
	engine := newEngine(10000, usecase.RiskLimits{})
	knowledge := &reentrantKnowledge{engine: engine}
	engine.SetKnowledgeSink(knowledge)

	var statuses []domain.EngineStatus
	engine.Subscribe(func(ev domain.ExecutionEvent) {
		// Listeners reading engine state from the callback must not stall
		// tick processing.
		statuses = append(statuses, engine.Status())
		_ = engine.Positions()
	})

	_, err := engine.AddCondition(longCondition("BTC", 100, 50))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		engine.OnPriceTick(tick("BTC", 150))  // entry
		engine.OnPriceTick(tick("BTC", 94.5)) // stop-loss exit
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tick processing stalled on a reentrant subscriber")
	}

	require.Len(t, statuses, 2)
	require.Equal(t, 1, statuses[0].OpenPositions)
	require.Equal(t, 0, statuses[1].OpenPositions)
	require.Len(t, knowledge.balances, 1)
	require.InDelta(t, engine.Status().Balance, knowledge.balances[0], 1e-9)
}

func TestStateRoundTrip(t *testing.T) {
	repo := &fakeStateRepo{}
	engine := newEngine(10000, usecase.RiskLimits{})
	engine.SetStateRepository(repo)

	engine.SetConditions([]domain.Condition{
		longCondition("ETH", 3000, 100),
	})
	_, err := engine.AddCondition(longCondition("BTC", 100, 50))
	require.NoError(t, err)
	engine.OnPriceTick(tick("BTC", 150))
	require.NoError(t, engine.SaveState(context.Background()))

	restored := newEngine(99, usecase.RiskLimits{})
	restored.SetStateRepository(repo)
	require.True(t, restored.LoadState(context.Background()))

	status := restored.Status()
	require.InDelta(t, 9950.0, status.Balance, 1e-9)
	require.InDelta(t, 10000.0, status.InitialBalance, 1e-9)
	require.Equal(t, 1, status.OpenPositions)
	require.Equal(t, 1, status.ActiveConditions)
}

func TestLoadStateDropsExpiredConditions(t *testing.T) {
	now := time.Now()
	repo := &fakeStateRepo{saved: &domain.EngineState{
		Balance:        5000,
		InitialBalance: 10000,
		Conditions: []domain.Condition{
			{
				ID: "gone", Coin: "BTC", Direction: domain.DirectionLong,
				TriggerPrice: 100, Comparator: domain.CompareAbove, Size: 10,
				CreatedAt: now.Add(-2 * time.Hour), ValidUntil: now.Add(-time.Hour),
			},
			{
				ID: "kept", Coin: "ETH", Direction: domain.DirectionLong,
				TriggerPrice: 100, Comparator: domain.CompareAbove, Size: 10,
				CreatedAt: now, ValidUntil: now.Add(time.Hour),
			},
		},
	}}

	engine := newEngine(10000, usecase.RiskLimits{})
	engine.SetStateRepository(repo)
	require.True(t, engine.LoadState(context.Background()))

	conditions := engine.Conditions()
	require.Len(t, conditions, 1)
	require.Equal(t, "kept", conditions[0].ID)
}

func TestLoadStateWithoutSnapshot(t *testing.T) {
	engine := newEngine(10000, usecase.RiskLimits{})
	require.False(t, engine.LoadState(context.Background()))

	engine.SetStateRepository(&fakeStateRepo{})
	require.False(t, engine.LoadState(context.Background()))
	// In-memory state untouched.
	require.InDelta(t, 10000.0, engine.Status().Balance, 1e-9)
}

func TestTickForUnknownCoinIsNoOp(t *testing.T) {
	engine := newEngine(10000, usecase.RiskLimits{})
	_, err := engine.AddCondition(longCondition("BTC", 100, 50))
	require.NoError(t, err)

	engine.OnPriceTick(tick("ETH", 99999))
	require.Empty(t, engine.Positions())
	require.Len(t, engine.Conditions(), 1)
	require.InDelta(t, 10000.0, engine.Status().Balance, 1e-9)
}
