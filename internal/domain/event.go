package domain

import "time"

type EventType string

const (
	EventEntry EventType = "entry"
	EventExit  EventType = "exit"
)

// ExecutionEvent describes an entry or exit performed by the engine.
// Events are append-only; exit events carry the reason and realized P&L.
type ExecutionEvent struct {
	Type        EventType   `json:"type"`
	PositionID  string      `json:"position_id"`
	Coin        string      `json:"coin"`
	Direction   Direction   `json:"direction"`
	Price       float64     `json:"price"`
	Size        float64     `json:"size"`
	Timestamp   time.Time   `json:"timestamp"`
	ExitReason  CloseReason `json:"exit_reason,omitempty"`
	RealizedPnL float64     `json:"realized_pnl,omitempty"`
}

// TradeResult is the closed-trade record handed to the knowledge collaborator.
type TradeResult struct {
	Position  Position    `json:"position"`
	ExitPrice float64     `json:"exit_price"`
	Reason    CloseReason `json:"reason"`
	PnL       float64     `json:"pnl"`
	ClosedAt  time.Time   `json:"closed_at"`
}
