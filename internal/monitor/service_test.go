package monitor

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"gridswap/internal/config"
	"gridswap/internal/engine"
	"gridswap/internal/store"
	"gridswap/internal/strategy"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return svc, st
}

func testOrder(state engine.OrderState) *engine.Order {
	now := time.Now().UTC()
	return &engine.Order{
		ID: "order-1",
		Request: engine.TradeRequest{
			ID:             "req-1",
			Wallet:         "w1",
			TokenIn:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
			TokenOut:       common.HexToAddress("0x2222222222222222222222222222222222222222"),
			AmountIn:       big.NewInt(1_000_000),
			MaxSlippageBps: 50,
		},
		State:     state,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRecordOrderAppendsAuditRows(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	svc.RecordOrder(ctx, testOrder(engine.StateSubmitted))
	svc.RecordOrder(ctx, testOrder(engine.StateConfirmed))

	rows, err := st.DB().Query(`SELECT state FROM orders WHERE order_id = ? ORDER BY id`, "order-1")
	if err != nil {
		t.Fatalf("query orders: %v", err)
	}
	defer rows.Close()

	var states []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			t.Fatalf("scan: %v", err)
		}
		states = append(states, s)
	}
	if len(states) != 2 || states[0] != "submitted" || states[1] != "confirmed" {
		t.Fatalf("expected append-only state history [submitted confirmed], got %v", states)
	}
}

func TestListEventsFiltersByType(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	svc.RecordObservation(ctx, "ETH/USDT", strategy.Observation{Price: 2000, ObservedAt: time.Now().UTC()}, 2)
	svc.RecordSignal(ctx, strategy.Signal{Side: strategy.SideSell, Price: 2010, SizeBase: big.NewInt(100)})
	svc.RecordSignal(ctx, strategy.Signal{Side: strategy.SideBuy, Price: 1990, SizeBase: big.NewInt(100)})

	events, err := svc.ListEvents(ctx, EventGridSignal, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 grid signal events, got %d", len(events))
	}

	raw, ok := events[0].Payload.(json.RawMessage)
	if !ok {
		t.Fatalf("expected raw payload, got %T", events[0].Payload)
	}
	var payload GridSignalPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.SizeBase != "100" {
		t.Errorf("expected size recorded as string, got %q", payload.SizeBase)
	}

	all, err := svc.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events in total, got %d", len(all))
	}
}

func TestRecordErrorToleratesNilError(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	svc.RecordError(ctx, "网格构建跳过", nil, map[string]interface{}{"reason": "missing candles"})

	events, err := svc.ListEvents(ctx, EventError, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(events))
	}

	raw, ok := events[0].Payload.(json.RawMessage)
	if !ok {
		t.Fatalf("expected raw payload, got %T", events[0].Payload)
	}
	var payload ErrorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Message != "网格构建跳过" || payload.Error != "" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}
