package strategy

import (
	"math/big"
	"testing"
	"time"
)

func observe(g *Grid, price float64) []Signal {
	return g.GenerateSignals(Observation{Price: price, ObservedAt: time.Now().UTC()})
}

func mustGrid(t *testing.T, prices ...float64) *Grid {
	t.Helper()
	g, err := NewGridFromLevels(prices, big.NewInt(1_000_000), nil)
	if err != nil {
		t.Fatalf("NewGridFromLevels returned error: %v", err)
	}
	return g
}

func TestGridFirstObservationOnlyAnchors(t *testing.T) {
	g := mustGrid(t, 90, 95, 100, 105, 110)

	if signals := observe(g, 100); len(signals) != 0 {
		t.Fatalf("expected no signals on anchoring observation, got %d", len(signals))
	}

	for _, lvl := range g.Levels() {
		want := SideSell
		if lvl.Price < 100 {
			want = SideBuy
		}
		if lvl.Side != want {
			t.Errorf("level %v: expected side %s, got %s", lvl.Price, want, lvl.Side)
		}
		if lvl.Filled {
			t.Errorf("level %v: expected unfilled after anchoring", lvl.Price)
		}
	}
}

func TestGridUpwardMoveEmitsSellsInAscendingOrder(t *testing.T) {
	g := mustGrid(t, 90, 95, 100, 105, 110)
	observe(g, 100)

	signals := observe(g, 112)
	if len(signals) != 2 {
		t.Fatalf("expected exactly 2 sell signals, got %d", len(signals))
	}
	if signals[0].Side != SideSell || signals[0].Price != 105 {
		t.Errorf("first signal: expected sell@105, got %s@%v", signals[0].Side, signals[0].Price)
	}
	if signals[1].Side != SideSell || signals[1].Price != 110 {
		t.Errorf("second signal: expected sell@110, got %s@%v", signals[1].Side, signals[1].Price)
	}

	for _, lvl := range g.Levels() {
		if lvl.Price == 105 || lvl.Price == 110 {
			if !lvl.Filled {
				t.Errorf("level %v: expected filled after crossing", lvl.Price)
			}
		} else if lvl.Filled {
			t.Errorf("level %v: expected unfilled", lvl.Price)
		}
	}
}

func TestGridFilledLevelDoesNotRetrigger(t *testing.T) {
	g := mustGrid(t, 90, 95, 100, 105, 110)
	observe(g, 100)
	observe(g, 112)

	// 回落到买档之上再上穿，已触发的卖档保持沉默。
	if signals := observe(g, 101); len(signals) != 0 {
		t.Fatalf("expected no signals moving down to 101, got %d", len(signals))
	}
	if signals := observe(g, 112); len(signals) != 0 {
		t.Fatalf("expected no signals re-crossing filled levels, got %d", len(signals))
	}
}

func TestGridDownwardMoveEmitsBuysInDescendingOrder(t *testing.T) {
	g := mustGrid(t, 90, 95, 100, 105, 110)
	observe(g, 100)

	signals := observe(g, 88)
	if len(signals) != 2 {
		t.Fatalf("expected exactly 2 buy signals, got %d", len(signals))
	}
	if signals[0].Side != SideBuy || signals[0].Price != 95 {
		t.Errorf("first signal: expected buy@95, got %s@%v", signals[0].Side, signals[0].Price)
	}
	if signals[1].Side != SideBuy || signals[1].Price != 90 {
		t.Errorf("second signal: expected buy@90, got %s@%v", signals[1].Side, signals[1].Price)
	}
}

func TestGridOnFillRearmsOppositeLevel(t *testing.T) {
	g := mustGrid(t, 90, 95, 100, 105, 110)
	observe(g, 100)
	observe(g, 88)

	sells := observe(g, 112)
	if len(sells) != 3 {
		t.Fatalf("expected 3 sell signals after full sweep, got %d", len(sells))
	}

	// 卖档 105 成交后，其下方最近的买档 95 被重新布置。
	g.OnFill(Signal{Side: SideSell, Price: 105})
	for _, lvl := range g.Levels() {
		if lvl.Price == 95 && lvl.Filled {
			t.Errorf("expected buy level 95 re-armed after sell fill")
		}
		if lvl.Price == 90 && !lvl.Filled {
			t.Errorf("expected buy level 90 to stay filled")
		}
	}

	// 买档 90 成交后，其上方最近的卖档 100 被重新布置。
	g.OnFill(Signal{Side: SideBuy, Price: 90})
	for _, lvl := range g.Levels() {
		if lvl.Price == 100 && lvl.Filled {
			t.Errorf("expected sell level 100 re-armed after buy fill")
		}
	}
}

func TestGridRebalanceClearsFilledAndReanchors(t *testing.T) {
	g := mustGrid(t, 90, 95, 100, 105, 110)
	observe(g, 100)
	observe(g, 112)

	g.Rebalance(107)
	for _, lvl := range g.Levels() {
		if lvl.Filled {
			t.Errorf("level %v: expected unfilled after rebalance", lvl.Price)
		}
		want := SideSell
		if lvl.Price < 107 {
			want = SideBuy
		}
		if lvl.Side != want {
			t.Errorf("level %v: expected side %s after rebalance, got %s", lvl.Price, want, lvl.Side)
		}
	}

	// 重锚定后从新的上次价格出发继续穿越。
	signals := observe(g, 111)
	if len(signals) != 1 || signals[0].Price != 110 {
		t.Fatalf("expected single sell@110 after rebalance, got %v", signals)
	}
}

func TestLadderGeometricSpacing(t *testing.T) {
	prices, err := Ladder(100, 110, 2)
	if err != nil {
		t.Fatalf("Ladder returned error: %v", err)
	}
	if len(prices) != 5 {
		t.Fatalf("expected 5 levels in [100,110] at 2%%, got %d", len(prices))
	}
	if prices[0] != 100 {
		t.Errorf("expected first level at lower bound, got %v", prices[0])
	}
	for i := 1; i < len(prices); i++ {
		ratio := prices[i] / prices[i-1]
		if diff := ratio - 1.02; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("level %d: expected ratio 1.02, got %v", i, ratio)
		}
	}

	if _, err := Ladder(110, 100, 2); err == nil {
		t.Errorf("expected error for inverted bounds")
	}
	if _, err := Ladder(100, 110, 0); err == nil {
		t.Errorf("expected error for zero step")
	}
	if _, err := Ladder(100, 110, 50); err == nil {
		t.Errorf("expected error when step exceeds range")
	}
}

func TestATRStepPercent(t *testing.T) {
	n := 40
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		highs[i] = 102
		lows[i] = 98
		closes[i] = 100
	}

	// 恒定 4 点真实波幅、收盘 100，1 倍系数下步长应为 4%。
	step, err := ATRStepPercent(highs, lows, closes, 14, 1.0)
	if err != nil {
		t.Fatalf("ATRStepPercent returned error: %v", err)
	}
	if diff := step - 4.0; diff > 0.01 || diff < -0.01 {
		t.Errorf("expected step around 4%%, got %v", step)
	}

	if _, err := ATRStepPercent(highs[:10], lows[:10], closes[:10], 14, 1.0); err == nil {
		t.Errorf("expected error for insufficient history")
	}
}
