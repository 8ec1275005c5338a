package domain

import (
	"testing"
	"time"
)

func validCondition() Condition {
	now := time.Now()
	return Condition{
		ID:            "c-1",
		Coin:          "BTC",
		Direction:     DirectionLong,
		TriggerPrice:  70000,
		Comparator:    CompareAbove,
		StopLossPct:   2,
		TakeProfitPct: 3,
		Size:          50,
		Strategy:      "breakout",
		CreatedAt:     now,
		ValidUntil:    now.Add(time.Hour),
	}
}

func TestConditionValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Condition)
		wantErr bool
	}{
		{"valid", func(c *Condition) {}, false},
		{"missing coin", func(c *Condition) { c.Coin = "" }, true},
		{"bad direction", func(c *Condition) { c.Direction = "SIDEWAYS" }, true},
		{"bad comparator", func(c *Condition) { c.Comparator = "NEAR" }, true},
		{"zero trigger", func(c *Condition) { c.TriggerPrice = 0 }, true},
		{"zero size", func(c *Condition) { c.Size = 0 }, true},
		{"window closed", func(c *Condition) { c.ValidUntil = c.CreatedAt }, true},
		{"window inverted", func(c *Condition) { c.ValidUntil = c.CreatedAt.Add(-time.Minute) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCondition()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConditionExpired(t *testing.T) {
	c := validCondition()
	if c.Expired(c.CreatedAt) {
		t.Error("condition expired at creation")
	}
	if !c.Expired(c.ValidUntil) {
		t.Error("condition not expired at valid_until")
	}
	if !c.Expired(c.ValidUntil.Add(time.Second)) {
		t.Error("condition not expired after valid_until")
	}
}

func TestConditionTriggered(t *testing.T) {
	tests := []struct {
		name       string
		comparator Comparator
		trigger    float64
		price      float64
		want       bool
	}{
		{"above fires at trigger", CompareAbove, 70000, 70000, true},
		{"above fires over trigger", CompareAbove, 70000, 76274, true},
		{"above holds under trigger", CompareAbove, 70000, 69999.99, false},
		{"below fires at trigger", CompareBelow, 70000, 70000, true},
		{"below fires under trigger", CompareBelow, 70000, 65000, true},
		{"below holds over trigger", CompareBelow, 70000, 70000.01, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCondition()
			c.Comparator = tt.comparator
			c.TriggerPrice = tt.trigger
			if got := c.Triggered(tt.price); got != tt.want {
				t.Errorf("Triggered(%v) = %v, want %v", tt.price, got, tt.want)
			}
		})
	}
}
