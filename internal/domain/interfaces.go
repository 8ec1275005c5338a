package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNoState is returned by StateRepository.LoadState when no snapshot exists.
var ErrNoState = errors.New("no persisted engine state")

// Feed is the market-data surface consumed by the engine and the web layer.
type Feed interface {
	Connect(ctx context.Context) error
	Disconnect()
	SubscribePrices(cb func(PriceTick))
	SubscribeTrades(cb func(TradeEvent))
	SubscribeStatus(cb func(FeedStatusEvent))
	GetPrice(coin string) (PriceTick, bool)
	GetAllPrices() map[string]PriceTick
	Status() FeedStatus
	Health() FeedHealth
}

// Journal records executed paper trades for later analysis.
// Implementations invoked from the engine's tick path must not block;
// wrap a slow backend with storage.AsyncJournal.
type Journal interface {
	RecordEntry(ctx context.Context, pos Position, ts time.Time) error
	RecordExit(ctx context.Context, pos Position, price float64, ts time.Time, reason CloseReason, pnl float64) error
}

// KnowledgeSink receives closed-trade results for post-trade learning.
// Optional collaborator; must return quickly when called from the exit path.
type KnowledgeSink interface {
	ProcessTradeClose(ctx context.Context, result TradeResult) error
}

// StateRepository persists and restores engine snapshots.
type StateRepository interface {
	SaveState(ctx context.Context, state *EngineState) error
	LoadState(ctx context.Context) (*EngineState, error)
}
