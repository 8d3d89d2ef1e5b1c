package monitor

import (
	"time"

	"gridswap/internal/batch"
	"gridswap/internal/engine"
	"gridswap/internal/risk"
	"gridswap/internal/strategy"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventObservation    EventType = "observation"
	EventGridSignal     EventType = "grid_signal"
	EventRiskEvaluation EventType = "risk_evaluation"
	EventOrder          EventType = "order"
	EventBatch          EventType = "batch"
	EventError          EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// ObservationPayload 记录参考价观测。
type ObservationPayload struct {
	Market      string    `json:"market"`
	Price       float64   `json:"price"`
	ObservedAt  time.Time `json:"observed_at"`
	GridSignals int       `json:"grid_signals"`
}

// GridSignalPayload 记录网格触发的信号。
type GridSignalPayload struct {
	Side     strategy.Side `json:"side"`
	Price    float64       `json:"price"`
	SizeBase string        `json:"size_base"`
}

// RiskEvaluationPayload 记录风控评估过程。
type RiskEvaluationPayload struct {
	Request risk.Request     `json:"request"`
	Result  risk.CheckResult `json:"result"`
}

// OrderPayload 记录订单终态。
type OrderPayload struct {
	Order *engine.Order `json:"order"`
}

// BatchPayload 记录批次汇总。
type BatchPayload struct {
	BatchID   string `json:"batch_id"`
	Items     int    `json:"items"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Pending   int    `json:"pending"`
	Cancelled int    `json:"cancelled"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func batchPayload(result *batch.Result) BatchPayload {
	return BatchPayload{
		BatchID:   result.BatchID,
		Items:     len(result.Orders),
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
		Pending:   result.Pending,
		Cancelled: result.Cancelled,
	}
}
