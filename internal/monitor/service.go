package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"gridswap/internal/batch"
	"gridswap/internal/engine"
	"gridswap/internal/risk"
	"gridswap/internal/store"
	"gridswap/internal/strategy"
)

// Service 负责持久化监控事件与订单审计流。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ engine.Recorder = (*Service)(nil)

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
CREATE TABLE IF NOT EXISTS orders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id TEXT NOT NULL,
	wallet TEXT NOT NULL,
	token_in TEXT NOT NULL,
	token_out TEXT NOT NULL,
	amount_in TEXT NOT NULL,
	state TEXT NOT NULL,
	tx_hash TEXT,
	attempts INTEGER NOT NULL,
	last_error TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_order_id ON orders(order_id);
CREATE INDEX IF NOT EXISTS idx_orders_wallet ON orders(wallet);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordOrder 将订单快照追加进审计流。订单每次到达新状态都会追加一行，
// 不做原地更新。
func (s *Service) RecordOrder(ctx context.Context, order *engine.Order) {
	if order == nil {
		return
	}

	txHash := ""
	if order.TxHash != (common.Hash{}) {
		txHash = order.TxHash.Hex()
	}

	amount := "0"
	if order.Request.AmountIn != nil {
		amount = order.Request.AmountIn.String()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (order_id, wallet, token_in, token_out, amount_in, state, tx_hash, attempts, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID,
		order.Request.Wallet,
		order.Request.TokenIn.Hex(),
		order.Request.TokenOut.Hex(),
		amount,
		string(order.State),
		txHash,
		order.Attempts,
		order.LastError,
		order.CreatedAt.UTC().Format(time.RFC3339),
		order.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		s.logger.Warn("写入订单审计失败", zap.String("order_id", order.ID), zap.Error(err))
	}

	if recErr := s.Record(ctx, Event{
		Type:      EventOrder,
		Timestamp: order.UpdatedAt,
		Payload:   OrderPayload{Order: order},
	}); recErr != nil {
		s.logger.Warn("记录订单事件失败", zap.Error(recErr))
	}

	if order.RiskResult != nil {
		s.RecordRisk(ctx, risk.Request{
			Wallet:         order.Request.Wallet,
			AmountIn:       order.Request.AmountIn,
			MaxSlippageBps: order.Request.MaxSlippageBps,
		}, *order.RiskResult)
	}
}

// RecordObservation 记录一轮参考价观测。
func (s *Service) RecordObservation(ctx context.Context, market string, obs strategy.Observation, signals int) {
	if err := s.Record(ctx, Event{
		Type:      EventObservation,
		Timestamp: time.Now().UTC(),
		Payload: ObservationPayload{
			Market:      market,
			Price:       obs.Price,
			ObservedAt:  obs.ObservedAt,
			GridSignals: signals,
		},
	}); err != nil {
		s.logger.Warn("记录观测事件失败", zap.Error(err))
	}
}

// RecordSignal 记录网格信号。
func (s *Service) RecordSignal(ctx context.Context, signal strategy.Signal) {
	size := "0"
	if signal.SizeBase != nil {
		size = signal.SizeBase.String()
	}
	if err := s.Record(ctx, Event{
		Type:      EventGridSignal,
		Timestamp: time.Now().UTC(),
		Payload: GridSignalPayload{
			Side:     signal.Side,
			Price:    signal.Price,
			SizeBase: size,
		},
	}); err != nil {
		s.logger.Warn("记录信号事件失败", zap.Error(err))
	}
}

// RecordRisk 记录风控评估。
func (s *Service) RecordRisk(ctx context.Context, request risk.Request, result risk.CheckResult) {
	if err := s.Record(ctx, Event{
		Type:      EventRiskEvaluation,
		Timestamp: time.Now().UTC(),
		Payload:   RiskEvaluationPayload{Request: request, Result: result},
	}); err != nil {
		s.logger.Warn("记录风控事件失败", zap.Error(err))
	}
}

// RecordBatch 记录批次汇总。
func (s *Service) RecordBatch(ctx context.Context, result *batch.Result) {
	if result == nil {
		return
	}
	if err := s.Record(ctx, Event{
		Type:      EventBatch,
		Timestamp: time.Now().UTC(),
		Payload:   batchPayload(result),
	}); err != nil {
		s.logger.Warn("记录批次事件失败", zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	payload := ErrorPayload{
		Message: msg,
		Error:   detail,
		Context: ctxMap,
	}
	if recErr := s.Record(ctx, Event{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 遍历事件失败: %w", err)
	}

	return events, nil
}
