package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gridswap/internal/config"
	"gridswap/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 初始化编排器并按行情轮询周期驱动主循环，阻塞直至收到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("网格兑换系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Bool("simulation", a.cfg.App.Simulation),
		zap.String("market", a.cfg.Feed.Market),
		zap.String("wallet", a.cfg.Grid.Wallet),
	)

	orch, err := newOrchestrator(ctx, a.cfg, a.logger, a.store)
	if err != nil {
		return err
	}
	defer orch.Close()

	loopInterval := a.cfg.Feed.Interval
	if loopInterval <= 0 {
		loopInterval = 5 * time.Second
	}

	if err = orch.Tick(ctx); err != nil {
		a.logger.Error("首次执行失败", zap.Error(err))
	}

	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			if err = orch.Tick(ctx); err != nil {
				a.logger.Error("执行调度失败", zap.Error(err))
			}
		}
	}
}
