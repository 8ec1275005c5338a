package domain

// PriceTick is a normalized price observation for one coin.
// Ticks are immutable once published; the feed keeps the latest one per coin.
type PriceTick struct {
	Coin      string  `json:"coin"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"` // milliseconds since epoch
	Volume24h float64 `json:"volume_24h"`
	Change24h float64 `json:"change_24h"` // percent over the last 24h
}

// TradeEvent is a single trade print from the exchange stream.
type TradeEvent struct {
	Coin       string  `json:"coin"`
	Price      float64 `json:"price"`
	Quantity   float64 `json:"quantity"`
	TakerIsBuy bool    `json:"taker_is_buy"`
	Timestamp  int64   `json:"timestamp"` // milliseconds since epoch
}
