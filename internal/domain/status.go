package domain

import "time"

// FeedState enumerates lifecycle transitions the feed reports to subscribers.
type FeedState string

const (
	FeedConnected    FeedState = "connected"
	FeedDisconnected FeedState = "disconnected"
	FeedStale        FeedState = "stale"
	FeedError        FeedState = "error"
)

// FeedStatusEvent is pushed to status subscribers on every state transition.
type FeedStatusEvent struct {
	State     FeedState `json:"state"`
	Exchange  string    `json:"exchange"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// FeedStatus is the feed client's diagnostic snapshot.
type FeedStatus struct {
	Connected     bool      `json:"connected"`
	Exchange      string    `json:"exchange"`
	LastMessageAt time.Time `json:"last_message_at"`
	Reconnects    int64     `json:"reconnects"`
	Messages      int64     `json:"messages"`
	Errors        int64     `json:"errors"`
}

// FeedHealth is a derived view used by external monitoring.
type FeedHealth struct {
	OK           bool    `json:"ok"`
	Connected    bool    `json:"connected"`
	StalenessSec float64 `json:"staleness_sec"`
	Coins        int     `json:"coins"`
	Reconnects   int64   `json:"reconnects"`
	Errors       int64   `json:"errors"`
}

// EngineStatus is the execution engine's diagnostic snapshot.
type EngineStatus struct {
	Balance          float64 `json:"balance"`
	InitialBalance   float64 `json:"initial_balance"`
	TotalPnL         float64 `json:"total_pnl"`
	TradeCount       int     `json:"trade_count"`
	OpenPositions    int     `json:"open_positions"`
	ActiveConditions int     `json:"active_conditions"`
}

// Exposure reports how much of the balance is committed to open positions.
type Exposure struct {
	OpenNotional float64            `json:"open_notional"`
	Fraction     float64            `json:"fraction"`
	PerCoin      map[string]float64 `json:"per_coin"`
}

// EngineHealth is a derived view used by external monitoring.
type EngineHealth struct {
	OK               bool      `json:"ok"`
	OpenPositions    int       `json:"open_positions"`
	ActiveConditions int       `json:"active_conditions"`
	LastTickAt       time.Time `json:"last_tick_at"`
}
