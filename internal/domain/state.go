package domain

import "time"

// EngineState is the persisted snapshot of the execution engine, sufficient to
// resume paper trading after a restart. Expired conditions are dropped on load,
// never resurrected.
type EngineState struct {
	Balance        float64     `json:"balance"`
	InitialBalance float64     `json:"initial_balance"`
	TotalPnL       float64     `json:"total_pnl"`
	TradeCount     int         `json:"trade_count"`
	Conditions     []Condition `json:"conditions"`
	Positions      []Position  `json:"positions"`
	SavedAt        time.Time   `json:"saved_at"`
}
