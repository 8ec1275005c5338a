package domain

import "time"

type CloseReason string

const (
	CloseStopLoss   CloseReason = "stop_loss"
	CloseTakeProfit CloseReason = "take_profit"
	CloseManual     CloseReason = "manual"
)

// Position is an open paper trade tracked for stop-loss/take-profit exit.
// Created once per triggered condition and mutated only by the execution engine.
type Position struct {
	ID            string    `json:"id"`
	Coin          string    `json:"coin"`
	Direction     Direction `json:"direction"`
	EntryPrice    float64   `json:"entry_price"`
	EntryTime     time.Time `json:"entry_time"`
	Size          float64   `json:"size"`
	StopLoss      float64   `json:"stop_loss"`   // absolute price
	TakeProfit    float64   `json:"take_profit"` // absolute price
	ConditionID   string    `json:"condition_id"`
	Strategy      string    `json:"strategy"`
	CurrentPrice  float64   `json:"current_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
}

// PnLAt returns the profit or loss realized if the position exits at price.
func (p *Position) PnLAt(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	pnl := p.Size * (price - p.EntryPrice) / p.EntryPrice
	if p.Direction == DirectionShort {
		pnl = -pnl
	}
	return pnl
}

// Mark refreshes the cached current price and unrealized P&L.
func (p *Position) Mark(price float64) {
	p.CurrentPrice = price
	p.UnrealizedPnL = p.PnLAt(price)
}

// HitStopLoss reports whether price breaches the stop level.
func (p *Position) HitStopLoss(price float64) bool {
	if p.Direction == DirectionLong {
		return price <= p.StopLoss
	}
	return price >= p.StopLoss
}

// HitTakeProfit reports whether price reaches the take-profit level.
func (p *Position) HitTakeProfit(price float64) bool {
	if p.Direction == DirectionLong {
		return price >= p.TakeProfit
	}
	return price <= p.TakeProfit
}
