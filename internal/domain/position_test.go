package domain

import (
	"math"
	"testing"
)

func TestPositionPnLAt(t *testing.T) {
	long := Position{Direction: DirectionLong, EntryPrice: 100, Size: 50}
	short := Position{Direction: DirectionShort, EntryPrice: 100, Size: 50}

	tests := []struct {
		name  string
		pos   Position
		price float64
		want  float64
	}{
		{"long gain", long, 110, 5},
		{"long loss", long, 90, -5},
		{"long flat", long, 100, 0},
		{"short gain", short, 90, 5},
		{"short loss", short, 110, -5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.pos.PnLAt(tt.price)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("PnLAt(%v) = %v, want %v", tt.price, got, tt.want)
			}
		})
	}

	zero := Position{Direction: DirectionLong, EntryPrice: 0, Size: 50}
	if zero.PnLAt(100) != 0 {
		t.Error("zero entry price must yield zero pnl")
	}
}

func TestPositionExitLevels(t *testing.T) {
	long := Position{Direction: DirectionLong, StopLoss: 98, TakeProfit: 103}
	short := Position{Direction: DirectionShort, StopLoss: 102, TakeProfit: 97}

	if !long.HitStopLoss(98) || !long.HitStopLoss(90) {
		t.Error("long stop must fire at or below the stop price")
	}
	if long.HitStopLoss(98.01) {
		t.Error("long stop fired above the stop price")
	}
	if !long.HitTakeProfit(103) || long.HitTakeProfit(102.99) {
		t.Error("long take-profit boundary wrong")
	}

	if !short.HitStopLoss(102) || short.HitStopLoss(101.99) {
		t.Error("short stop boundary wrong")
	}
	if !short.HitTakeProfit(97) || short.HitTakeProfit(97.01) {
		t.Error("short take-profit boundary wrong")
	}
}

func TestPositionMark(t *testing.T) {
	p := Position{Direction: DirectionLong, EntryPrice: 100, Size: 200}
	p.Mark(105)
	if p.CurrentPrice != 105 {
		t.Errorf("CurrentPrice = %v, want 105", p.CurrentPrice)
	}
	if math.Abs(p.UnrealizedPnL-10) > 1e-9 {
		t.Errorf("UnrealizedPnL = %v, want 10", p.UnrealizedPnL)
	}
}
