package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gridswap/internal/config"
	"gridswap/internal/dex"
	"gridswap/internal/engine"
)

// Evaluator 抽象单笔订单的编排，由 engine.Engine 实现。
type Evaluator interface {
	Evaluate(ctx context.Context, req engine.TradeRequest) (*engine.Order, error)
}

// Executor 以受限并发执行一批相互独立的交易请求。同一钱包的请求严格按请求
// 顺序串行（一个签名者的 nonce 分配在并发提交下不安全），不同钱包的请求在
// 全局并发上限内完全并行。该上限同时充当对 RPC 提供方的跨钱包限流。
type Executor struct {
	eval   Evaluator
	cfg    config.BatchConfig
	logger *zap.Logger
}

// NewExecutor 创建批量执行器。
func NewExecutor(eval Evaluator, cfg config.BatchConfig, logger *zap.Logger) (*Executor, error) {
	if eval == nil {
		return nil, errors.New("batch: evaluator 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 500 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}

	return &Executor{
		eval:   eval,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// NewOperation 组装一次批量操作。
func NewOperation(items []engine.TradeRequest, concurrencyLimit int) *Operation {
	return &Operation{
		ID:               uuid.NewString(),
		Items:            items,
		ConcurrencyLimit: concurrencyLimit,
		State:            StateCreated,
	}
}

// Run 执行批量操作。批量从不原子失败：每个条目独立到达终态，已确认的交易
// 不因兄弟条目失败而回滚。ctx 取消后，尚未开始的条目标记为 Cancelled 而非
// 提交。所有条目终态后批量进入 Completed。
func (x *Executor) Run(ctx context.Context, op *Operation, onItem func(ItemResult)) (*Result, error) {
	if op == nil || len(op.Items) == 0 {
		return nil, errors.New("batch: 批量条目不能为空")
	}

	limit := op.ConcurrencyLimit
	if limit <= 0 || limit > x.cfg.Concurrency {
		limit = x.cfg.Concurrency
	}

	op.State = StateRunning
	x.logger.Info("批量执行开始",
		zap.String("batch", op.ID),
		zap.Int("items", len(op.Items)),
		zap.Int("concurrency", limit),
	)

	result := &Result{
		BatchID: op.ID,
		Orders:  make(map[int]*engine.Order, len(op.Items)),
	}
	var mu sync.Mutex

	// 每钱包一条 FIFO 通道：通道内条目顺序执行，通道之间并行。并发上限按
	// 通道计数，通道内部串行，因此在途条目数不会超过上限。
	lanes, laneOrder := groupByWallet(op.Items)

	group := new(errgroup.Group)
	group.SetLimit(limit)

	for _, wallet := range laneOrder {
		indices := lanes[wallet]
		group.Go(func() error {
			for _, idx := range indices {
				item := x.runItem(ctx, op.ID, idx, op.Items[idx])
				mu.Lock()
				result.Orders[idx] = item.Order
				mu.Unlock()
				if onItem != nil {
					onItem(item)
				}
			}
			return nil
		})
	}

	_ = group.Wait()

	for _, order := range result.Orders {
		switch order.State {
		case engine.StateConfirmed:
			result.Succeeded++
		case engine.StateCancelled:
			result.Cancelled++
		case engine.StateTimedOut:
			result.Pending++
		default:
			result.Failed++
		}
	}

	op.State = StateCompleted
	x.logger.Info("批量执行完成",
		zap.String("batch", op.ID),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("pending", result.Pending),
		zap.Int("cancelled", result.Cancelled),
	)

	return result, nil
}

// runItem 对单个条目执行有界重试：瞬时故障按指数退避重试，永久失败立即
// 记录。
func (x *Executor) runItem(ctx context.Context, batchID string, idx int, req engine.TradeRequest) ItemResult {
	delay := x.cfg.BackoffMin

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return ItemResult{Index: idx, Order: engine.NewCancelled(req), Attempts: attempt - 1}
		}

		order, err := x.eval.Evaluate(ctx, req)
		if err == nil {
			return ItemResult{Index: idx, Order: order, Attempts: attempt}
		}

		if !dex.IsTransient(err) || attempt >= x.cfg.MaxAttempts {
			x.logger.Warn("批量条目最终失败",
				zap.String("batch", batchID),
				zap.Int("index", idx),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return ItemResult{Index: idx, Order: order, Attempts: attempt}
		}

		x.logger.Info("批量条目瞬时失败，退避后重试",
			zap.String("batch", batchID),
			zap.Int("index", idx),
			zap.Int("attempt", attempt),
			zap.Duration("wait", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ItemResult{Index: idx, Order: engine.NewCancelled(req), Attempts: attempt}
		case <-timer.C:
		}

		delay *= 2
		if delay > x.cfg.BackoffMax {
			delay = x.cfg.BackoffMax
		}
	}
}

func groupByWallet(items []engine.TradeRequest) (map[string][]int, []string) {
	lanes := make(map[string][]int)
	order := make([]string, 0)
	for i, item := range items {
		if _, ok := lanes[item.Wallet]; !ok {
			order = append(order, item.Wallet)
		}
		lanes[item.Wallet] = append(lanes[item.Wallet], i)
	}
	return lanes, order
}
