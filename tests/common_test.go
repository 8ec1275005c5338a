package tests

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/crypto_paper_trader/internal/domain"
	"github.com/vitos/crypto_paper_trader/internal/infrastructure/storage"
	"github.com/vitos/crypto_paper_trader/internal/usecase"
)

// harness wires an engine to a real sqlite store with the async journal in
// between, the same shape cmd/bot assembles in production.
type harness struct {
	engine  *usecase.ExecutionEngine
	store   *storage.SQLiteStore
	journal *storage.AsyncJournal
}

func newHarness(t *testing.T, balance float64, limits usecase.RiskLimits) *harness {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "trader.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	journal := storage.NewAsyncJournal(store, zap.NewNop())

	engine := usecase.NewExecutionEngine(balance, limits, zap.NewNop())
	engine.SetJournal(journal)
	engine.SetStateRepository(store)

	return &harness{engine: engine, store: store, journal: journal}
}

// MockKnowledge captures the closed-trade results handed to the collaborator.
type MockKnowledge struct {
	mu      sync.Mutex
	Results []domain.TradeResult
}

func (m *MockKnowledge) ProcessTradeClose(ctx context.Context, result domain.TradeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Results = append(m.Results, result)
	return nil
}

func condition(coin string, dir domain.Direction, trigger float64, cmp domain.Comparator, sl, tp, size float64) domain.Condition {
	now := time.Now()
	return domain.Condition{
		Coin:          coin,
		Direction:     dir,
		TriggerPrice:  trigger,
		Comparator:    cmp,
		StopLossPct:   sl,
		TakeProfitPct: tp,
		Size:          size,
		Strategy:      "test",
		CreatedAt:     now,
		ValidUntil:    now.Add(time.Hour),
	}
}

func priceTick(coin string, price float64) domain.PriceTick {
	return domain.PriceTick{Coin: coin, Price: price, Timestamp: time.Now().UnixMilli()}
}

func zapNop() *zap.Logger { return zap.NewNop() }
