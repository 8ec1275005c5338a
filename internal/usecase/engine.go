// Package usecase hosts the execution engine: the sole consumer of price
// ticks allowed to open and close paper positions.
package usecase

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/vitos/crypto_paper_trader/internal/domain"
	"github.com/vitos/crypto_paper_trader/internal/metrics"
)

// RiskLimits bound what the engine may open. All checks are evaluated
// strictly before any mutation.
type RiskLimits struct {
	MaxPositions int     // open positions across all coins
	MaxPerCoin   int     // open positions per coin
	MaxExposure  float64 // fraction of balance committed to open notional
}

// DefaultRiskLimits mirror the production configuration defaults.
var DefaultRiskLimits = RiskLimits{
	MaxPositions: 5,
	MaxPerCoin:   2,
	MaxExposure:  0.8,
}

// ExecutionEngine evaluates pending entry conditions and open positions on
// every tick. The tick path does no blocking I/O: journal and knowledge
// callouts are expected to be asynchronous (see storage.AsyncJournal).
type ExecutionEngine struct {
	log    *zap.Logger
	limits RiskLimits

	mu             sync.Mutex
	balance        float64
	initialBalance float64
	totalPnL       float64
	tradeCount     int
	conditions     map[string]*domain.Condition
	positions      map[string]*domain.Position
	lastTick       time.Time
	subscribers    []func(domain.ExecutionEvent)

	journal   domain.Journal
	knowledge domain.KnowledgeSink
	states    domain.StateRepository

	now     func() time.Time
	entropy *ulid.MonotonicEntropy
}

// NewExecutionEngine creates an engine with the given starting balance.
func NewExecutionEngine(initialBalance float64, limits RiskLimits, log *zap.Logger) *ExecutionEngine {
	if limits.MaxPositions <= 0 {
		limits.MaxPositions = DefaultRiskLimits.MaxPositions
	}
	if limits.MaxPerCoin <= 0 {
		limits.MaxPerCoin = DefaultRiskLimits.MaxPerCoin
	}
	if limits.MaxExposure <= 0 {
		limits.MaxExposure = DefaultRiskLimits.MaxExposure
	}
	return &ExecutionEngine{
		log:            log,
		limits:         limits,
		balance:        initialBalance,
		initialBalance: initialBalance,
		conditions:     make(map[string]*domain.Condition),
		positions:      make(map[string]*domain.Position),
		now:            time.Now,
		entropy:        ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// SetJournal attaches the trade journal invoked on entry and exit.
func (e *ExecutionEngine) SetJournal(j domain.Journal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.journal = j
}

// SetKnowledgeSink attaches the optional post-trade knowledge collaborator.
func (e *ExecutionEngine) SetKnowledgeSink(k domain.KnowledgeSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.knowledge = k
}

// SetStateRepository attaches the snapshot store used by SaveState/LoadState.
func (e *ExecutionEngine) SetStateRepository(r domain.StateRepository) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = r
}

// Subscribe registers an execution-event listener. A panicking listener is
// caught and logged; it never aborts tick processing.
func (e *ExecutionEngine) Subscribe(cb func(domain.ExecutionEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, cb)
}

// --- Condition management ---

// SetConditions atomically replaces the active set, discarding entries that
// are expired or invalid. Returns the number kept.
func (e *ExecutionEngine) SetConditions(list []domain.Condition) int {
	now := e.now()
	e.mu.Lock()
	e.conditions = make(map[string]*domain.Condition, len(list))
	for i := range list {
		c := list[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.Validate() != nil || c.Expired(now) {
			continue
		}
		e.conditions[c.ID] = &c
	}
	kept := len(e.conditions)
	e.mu.Unlock()

	metrics.ConditionsActive.Set(float64(kept))
	e.log.Info("conditions replaced", zap.Int("kept", kept), zap.Int("received", len(list)))
	return kept
}

// AddCondition adds one pending condition and returns its id. An
// already-expired or invalid condition is rejected without mutating state.
func (e *ExecutionEngine) AddCondition(c domain.Condition) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := c.Validate(); err != nil {
		return "", err
	}
	if c.Expired(e.now()) {
		return "", fmt.Errorf("condition %s already expired", c.ID)
	}

	e.mu.Lock()
	e.conditions[c.ID] = &c
	count := len(e.conditions)
	e.mu.Unlock()

	metrics.ConditionsActive.Set(float64(count))
	return c.ID, nil
}

// RemoveCondition deletes a pending condition by id.
func (e *ExecutionEngine) RemoveCondition(id string) bool {
	e.mu.Lock()
	_, ok := e.conditions[id]
	delete(e.conditions, id)
	count := len(e.conditions)
	e.mu.Unlock()

	metrics.ConditionsActive.Set(float64(count))
	return ok
}

// ClearConditions removes all pending conditions, or only those for coin when
// coin is non-empty. Returns the number removed.
func (e *ExecutionEngine) ClearConditions(coin string) int {
	e.mu.Lock()
	removed := 0
	for id, c := range e.conditions {
		if coin == "" || c.Coin == coin {
			delete(e.conditions, id)
			removed++
		}
	}
	count := len(e.conditions)
	e.mu.Unlock()

	metrics.ConditionsActive.Set(float64(count))
	return removed
}

// --- Tick processing ---

// OnPriceTick is the hot path. For the tick's coin it purges expired
// conditions, evaluates the remaining ones for trigger, then refreshes
// unrealized P&L and evaluates stop-loss/take-profit for every open position
// on that coin. One tick is processed to completion before the next.
func (e *ExecutionEngine) OnPriceTick(tick domain.PriceTick) {
	now := e.now()

	e.mu.Lock()
	e.lastTick = now

	var pending []pendingCallout
	for id, c := range e.conditions {
		if c.Coin != tick.Coin {
			continue
		}
		if c.Expired(now) {
			delete(e.conditions, id)
			continue
		}
		if !c.Triggered(tick.Price) {
			continue
		}
		if !e.riskChecksPass(c.Coin, c.Size) {
			// Expected business outcome, not an error. The condition stays
			// active and may re-trigger on a later tick.
			continue
		}
		pending = append(pending, e.openLocked(c, tick.Price, now))
		delete(e.conditions, id)
	}

	for _, p := range e.positions {
		if p.Coin != tick.Coin {
			continue
		}
		p.Mark(tick.Price)
		// Stop before take-profit; at most one exit per tick per position.
		if p.HitStopLoss(tick.Price) {
			pending = append(pending, e.closeLocked(p, tick.Price, domain.CloseStopLoss, now))
		} else if p.HitTakeProfit(tick.Price) {
			pending = append(pending, e.closeLocked(p, tick.Price, domain.CloseTakeProfit, now))
		}
	}

	metrics.ConditionsActive.Set(float64(len(e.conditions)))
	e.mu.Unlock()

	e.dispatch(pending)
}

// riskChecksPass evaluates every limit against current state. Callers hold the lock.
func (e *ExecutionEngine) riskChecksPass(coin string, size float64) bool {
	if len(e.positions) >= e.limits.MaxPositions {
		return false
	}
	perCoin := 0
	openNotional := 0.0
	for _, p := range e.positions {
		openNotional += p.Size
		if p.Coin == coin {
			perCoin++
		}
	}
	if perCoin >= e.limits.MaxPerCoin {
		return false
	}
	if openNotional+size > e.balance*e.limits.MaxExposure {
		return false
	}
	if size > e.balance {
		return false
	}
	return true
}

// pendingCallout carries everything a subscriber, journal, or knowledge
// callout needs, captured under the lock and delivered after it is released.
type pendingCallout struct {
	event    domain.ExecutionEvent
	position domain.Position
}

func (e *ExecutionEngine) openLocked(c *domain.Condition, price float64, now time.Time) pendingCallout {
	stop := price * (1 - c.StopLossPct/100)
	target := price * (1 + c.TakeProfitPct/100)
	if c.Direction == domain.DirectionShort {
		stop = price * (1 + c.StopLossPct/100)
		target = price * (1 - c.TakeProfitPct/100)
	}

	pos := &domain.Position{
		ID:           ulid.MustNew(ulid.Timestamp(now), e.entropy).String(),
		Coin:         c.Coin,
		Direction:    c.Direction,
		EntryPrice:   price,
		EntryTime:    now,
		Size:         c.Size,
		StopLoss:     stop,
		TakeProfit:   target,
		ConditionID:  c.ID,
		Strategy:     c.Strategy,
		CurrentPrice: price,
	}

	// Notional is reserved from balance immediately.
	e.balance -= c.Size
	e.positions[pos.ID] = pos

	metrics.PositionsOpened.WithLabelValues(pos.Coin).Inc()
	metrics.EngineBalance.Set(e.balance)
	e.log.Info("position opened",
		zap.String("id", pos.ID),
		zap.String("coin", pos.Coin),
		zap.String("direction", string(pos.Direction)),
		zap.Float64("entry", price),
		zap.Float64("stop", stop),
		zap.Float64("take_profit", target),
		zap.Float64("size", pos.Size))

	return pendingCallout{
		event: domain.ExecutionEvent{
			Type:       domain.EventEntry,
			PositionID: pos.ID,
			Coin:       pos.Coin,
			Direction:  pos.Direction,
			Price:      price,
			Size:       pos.Size,
			Timestamp:  now,
		},
		position: *pos,
	}
}

func (e *ExecutionEngine) closeLocked(p *domain.Position, price float64, reason domain.CloseReason, now time.Time) pendingCallout {
	pnl := p.PnLAt(price)
	e.balance += p.Size + pnl
	e.totalPnL += pnl
	e.tradeCount++
	delete(e.positions, p.ID)

	metrics.PositionsClosed.WithLabelValues(p.Coin, string(reason)).Inc()
	metrics.EngineBalance.Set(e.balance)
	e.log.Info("position closed",
		zap.String("id", p.ID),
		zap.String("coin", p.Coin),
		zap.String("reason", string(reason)),
		zap.Float64("exit", price),
		zap.Float64("pnl", pnl))

	return pendingCallout{
		event: domain.ExecutionEvent{
			Type:        domain.EventExit,
			PositionID:  p.ID,
			Coin:        p.Coin,
			Direction:   p.Direction,
			Price:       price,
			Size:        p.Size,
			Timestamp:   now,
			ExitReason:  reason,
			RealizedPnL: pnl,
		},
		position: *p,
	}
}

// dispatch runs subscriber, journal, and knowledge callouts with the engine
// lock released, so a listener may call back into the engine (Status,
// Positions, AddCondition) without stalling the tick path. Callouts are
// delivered in action order with per-callback panic isolation.
func (e *ExecutionEngine) dispatch(pending []pendingCallout) {
	if len(pending) == 0 {
		return
	}

	e.mu.Lock()
	subs := make([]func(domain.ExecutionEvent), len(e.subscribers))
	copy(subs, e.subscribers)
	journal := e.journal
	knowledge := e.knowledge
	e.mu.Unlock()

	for _, pc := range pending {
		for _, cb := range subs {
			e.safeNotify(cb, pc.event)
		}
		switch pc.event.Type {
		case domain.EventEntry:
			if journal != nil {
				if err := journal.RecordEntry(context.Background(), pc.position, pc.event.Timestamp); err != nil {
					e.log.Error("journal entry failed", zap.Error(err))
				}
			}
		case domain.EventExit:
			if journal != nil {
				if err := journal.RecordExit(context.Background(), pc.position, pc.event.Price, pc.event.Timestamp, pc.event.ExitReason, pc.event.RealizedPnL); err != nil {
					e.log.Error("journal exit failed", zap.Error(err))
				}
			}
			if knowledge != nil {
				result := domain.TradeResult{
					Position:  pc.position,
					ExitPrice: pc.event.Price,
					Reason:    pc.event.ExitReason,
					PnL:       pc.event.RealizedPnL,
					ClosedAt:  pc.event.Timestamp,
				}
				if err := knowledge.ProcessTradeClose(context.Background(), result); err != nil {
					e.log.Warn("knowledge sink rejected trade close", zap.Error(err))
				}
			}
		}
	}
}

func (e *ExecutionEngine) safeNotify(cb func(domain.ExecutionEvent), event domain.ExecutionEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("execution subscriber panicked", zap.Any("panic", r))
		}
	}()
	cb(event)
}

// --- Manual exits ---

// ClosePosition exits one position at the given price with reason "manual".
func (e *ExecutionEngine) ClosePosition(id string, price float64, ts time.Time) error {
	if ts.IsZero() {
		ts = e.now()
	}
	if price <= 0 {
		return fmt.Errorf("close price must be positive")
	}

	e.mu.Lock()
	p, ok := e.positions[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("position %s not found", id)
	}
	pc := e.closeLocked(p, price, domain.CloseManual, ts)
	e.mu.Unlock()

	e.dispatch([]pendingCallout{pc})
	return nil
}

// CloseAllPositions exits every open position whose coin has a price in the
// map. Returns the number closed.
func (e *ExecutionEngine) CloseAllPositions(prices map[string]float64) int {
	now := e.now()
	e.mu.Lock()
	var pending []pendingCallout
	for _, p := range e.positions {
		price, ok := prices[p.Coin]
		if !ok || price <= 0 {
			continue
		}
		pending = append(pending, e.closeLocked(p, price, domain.CloseManual, now))
	}
	e.mu.Unlock()

	e.dispatch(pending)
	return len(pending)
}

// --- Persistence ---

// SaveState snapshots balance, totals, active conditions, and open positions.
func (e *ExecutionEngine) SaveState(ctx context.Context) error {
	e.mu.Lock()
	states := e.states
	if states == nil {
		e.mu.Unlock()
		return fmt.Errorf("no state repository attached")
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	if err := states.SaveState(ctx, snap); err != nil {
		return fmt.Errorf("save engine state: %w", err)
	}
	e.log.Info("engine state saved",
		zap.Int("conditions", len(snap.Conditions)),
		zap.Int("positions", len(snap.Positions)))
	return nil
}

// LoadState restores a persisted snapshot, silently dropping conditions whose
// validity window has elapsed. A missing or corrupt snapshot leaves in-memory
// state untouched and returns false.
func (e *ExecutionEngine) LoadState(ctx context.Context) bool {
	e.mu.Lock()
	states := e.states
	e.mu.Unlock()
	if states == nil {
		return false
	}

	snap, err := states.LoadState(ctx)
	if err != nil {
		if err != domain.ErrNoState {
			e.log.Warn("engine state load failed", zap.Error(err))
		}
		return false
	}

	now := e.now()
	e.mu.Lock()
	e.balance = snap.Balance
	e.initialBalance = snap.InitialBalance
	e.totalPnL = snap.TotalPnL
	e.tradeCount = snap.TradeCount
	e.conditions = make(map[string]*domain.Condition, len(snap.Conditions))
	for i := range snap.Conditions {
		c := snap.Conditions[i]
		if c.Expired(now) {
			continue
		}
		e.conditions[c.ID] = &c
	}
	e.positions = make(map[string]*domain.Position, len(snap.Positions))
	for i := range snap.Positions {
		p := snap.Positions[i]
		e.positions[p.ID] = &p
	}
	counts := []int{len(e.conditions), len(e.positions)}
	balance := e.balance
	e.mu.Unlock()

	metrics.ConditionsActive.Set(float64(counts[0]))
	metrics.EngineBalance.Set(balance)
	e.log.Info("engine state restored",
		zap.Int("conditions", counts[0]),
		zap.Int("positions", counts[1]),
		zap.Float64("balance", balance))
	return true
}

func (e *ExecutionEngine) snapshotLocked() *domain.EngineState {
	snap := &domain.EngineState{
		Balance:        e.balance,
		InitialBalance: e.initialBalance,
		TotalPnL:       e.totalPnL,
		TradeCount:     e.tradeCount,
		SavedAt:        e.now(),
	}
	for _, c := range e.conditions {
		snap.Conditions = append(snap.Conditions, *c)
	}
	for _, p := range e.positions {
		snap.Positions = append(snap.Positions, *p)
	}
	return snap
}

// --- Diagnostics ---

// Status returns the engine's diagnostic snapshot.
func (e *ExecutionEngine) Status() domain.EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.EngineStatus{
		Balance:          e.balance,
		InitialBalance:   e.initialBalance,
		TotalPnL:         e.totalPnL,
		TradeCount:       e.tradeCount,
		OpenPositions:    len(e.positions),
		ActiveConditions: len(e.conditions),
	}
}

// Exposure reports open notional as an absolute sum and a fraction of balance.
func (e *ExecutionEngine) Exposure() domain.Exposure {
	e.mu.Lock()
	defer e.mu.Unlock()
	exp := domain.Exposure{PerCoin: make(map[string]float64)}
	for _, p := range e.positions {
		exp.OpenNotional += p.Size
		exp.PerCoin[p.Coin] += p.Size
	}
	if e.balance > 0 {
		exp.Fraction = exp.OpenNotional / e.balance
	}
	return exp
}

// Health derives a monitoring view.
func (e *ExecutionEngine) Health() domain.EngineHealth {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.EngineHealth{
		OK:               e.balance >= 0,
		OpenPositions:    len(e.positions),
		ActiveConditions: len(e.conditions),
		LastTickAt:       e.lastTick,
	}
}

// Positions returns copies of the open positions.
func (e *ExecutionEngine) Positions() []domain.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	return out
}

// Conditions returns copies of the pending conditions.
func (e *ExecutionEngine) Conditions() []domain.Condition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Condition, 0, len(e.conditions))
	for _, c := range e.conditions {
		out = append(out, *c)
	}
	return out
}
