package domain

import (
	"fmt"
	"time"
)

type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

type Comparator string

const (
	CompareAbove Comparator = "ABOVE"
	CompareBelow Comparator = "BELOW"
)

// Condition is a pending entry rule awaiting a trigger-price crossing.
// Conditions are produced externally and consumed by the execution engine;
// a condition is removed when it triggers, expires, or is replaced.
type Condition struct {
	ID            string     `json:"id"`
	Coin          string     `json:"coin"`
	Direction     Direction  `json:"direction"`
	TriggerPrice  float64    `json:"trigger_price"`
	Comparator    Comparator `json:"comparator"`
	StopLossPct   float64    `json:"stop_loss_pct"`
	TakeProfitPct float64    `json:"take_profit_pct"`
	Size          float64    `json:"size"`
	Strategy      string     `json:"strategy"`
	Reasoning     string     `json:"reasoning,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ValidUntil    time.Time  `json:"valid_until"`
}

// Validate checks structural invariants. The validity window must be open:
// valid_until strictly after created_at.
func (c *Condition) Validate() error {
	if c.Coin == "" {
		return fmt.Errorf("condition: missing coin")
	}
	if c.Direction != DirectionLong && c.Direction != DirectionShort {
		return fmt.Errorf("condition: invalid direction %q", c.Direction)
	}
	if c.Comparator != CompareAbove && c.Comparator != CompareBelow {
		return fmt.Errorf("condition: invalid comparator %q", c.Comparator)
	}
	if c.TriggerPrice <= 0 {
		return fmt.Errorf("condition: trigger price must be positive")
	}
	if c.Size <= 0 {
		return fmt.Errorf("condition: size must be positive")
	}
	if !c.ValidUntil.After(c.CreatedAt) {
		return fmt.Errorf("condition: valid_until must be after created_at")
	}
	return nil
}

// Expired reports whether the validity window has elapsed at the given instant.
func (c *Condition) Expired(now time.Time) bool {
	return !now.Before(c.ValidUntil)
}

// Triggered reports whether the given price crosses the trigger.
// ABOVE fires on price >= trigger, BELOW on price <= trigger.
func (c *Condition) Triggered(price float64) bool {
	switch c.Comparator {
	case CompareAbove:
		return price >= c.TriggerPrice
	case CompareBelow:
		return price <= c.TriggerPrice
	}
	return false
}
