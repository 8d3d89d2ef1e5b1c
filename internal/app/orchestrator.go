package app

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gridswap/internal/batch"
	"gridswap/internal/chain"
	"gridswap/internal/config"
	"gridswap/internal/dex"
	"gridswap/internal/engine"
	"gridswap/internal/feed"
	"gridswap/internal/monitor"
	"gridswap/internal/risk"
	"gridswap/internal/store"
	"gridswap/internal/strategy"
)

// orchestrator 串联行情、网格策略、订单引擎与批量执行器，驱动一轮轮
// 观测到下单的闭环。
type orchestrator struct {
	cfg      *config.Config
	feed     *feed.Client
	grid     *strategy.Grid
	engine   *engine.Engine
	executor *batch.Executor
	monitor  *monitor.Service
	chainCl  *chain.Client
	sim      *dex.SimBackend
	logger   *zap.Logger

	baseToken  common.Address
	quoteToken common.Address
}

func newOrchestrator(ctx context.Context, cfg *config.Config, logger *zap.Logger, st *store.Store) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	monitorSvc, err := monitor.NewService(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	riskMgr, err := risk.NewManager(cfg.Risk, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化风控失败: %w", err)
	}

	feedClient, err := feed.NewClient(cfg.Feed, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化行情客户端失败: %w", err)
	}

	o := &orchestrator{
		cfg:        cfg,
		feed:       feedClient,
		monitor:    monitorSvc,
		logger:     logger,
		baseToken:  common.HexToAddress(cfg.Grid.BaseToken),
		quoteToken: common.HexToAddress(cfg.Grid.QuoteToken),
	}

	var (
		signer  chain.Signer
		pricer  dex.PathPricer
		backend dex.Backend
		wallets engine.WalletReader
	)

	opts := engine.OptionsFromConfig(cfg.Engine, cfg.Quote, cfg.Risk, cfg.Wallets)

	if cfg.App.Simulation {
		walletIDs := make([]string, 0, len(cfg.Wallets))
		for _, w := range cfg.Wallets {
			walletIDs = append(walletIDs, w.ID)
		}
		ephemeral, err := chain.NewEphemeralSigner(cfg.Chain.ChainID, walletIDs)
		if err != nil {
			return nil, fmt.Errorf("初始化模拟签名器失败: %w", err)
		}
		signer = ephemeral

		sim := dex.NewSimBackend()
		o.seedSim(sim, ephemeral, walletIDs)
		o.sim = sim
		pricer, backend, wallets = sim, sim, sim

		// 模拟后端每次广播只推进一个区块。
		opts.MinConfirmations = 1
		logger.Info("编排器处于模拟模式")
	} else {
		keyring, err := chain.NewKeyringSigner(cfg.Chain.ChainID, cfg.Wallets)
		if err != nil {
			return nil, fmt.Errorf("初始化签名器失败: %w", err)
		}
		signer = keyring

		chainClient, err := chain.NewClient(ctx, cfg.Chain, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化链上客户端失败: %w", err)
		}
		o.chainCl = chainClient

		onChainPricer, err := dex.NewOnChainPricer(chainClient, common.HexToAddress(cfg.Chain.RouterAddress))
		if err != nil {
			chainClient.Close()
			return nil, fmt.Errorf("初始化链上询价失败: %w", err)
		}
		pricer, backend, wallets = onChainPricer, chainClient, chainClient
	}

	baseTokens := make([]common.Address, 0, len(cfg.Chain.BaseTokens))
	for _, token := range cfg.Chain.BaseTokens {
		baseTokens = append(baseTokens, common.HexToAddress(token))
	}

	router, err := dex.NewRouter(dex.Config{
		RouterAddress:       common.HexToAddress(cfg.Chain.RouterAddress),
		BaseTokens:          baseTokens,
		ProbeDivisor:        cfg.Quote.ProbeDivisor,
		ConfirmTimeout:      cfg.Engine.ConfirmTimeout,
		ConfirmPollInterval: cfg.Engine.ConfirmPollInterval,
	}, pricer, backend, signer, logger)
	if err != nil {
		o.Close()
		return nil, fmt.Errorf("初始化路由失败: %w", err)
	}

	eng, err := engine.New(router, router, riskMgr, wallets, signer, monitorSvc, opts, logger)
	if err != nil {
		o.Close()
		return nil, fmt.Errorf("初始化订单引擎失败: %w", err)
	}
	o.engine = eng

	executor, err := batch.NewExecutor(eng, cfg.Batch, logger)
	if err != nil {
		o.Close()
		return nil, fmt.Errorf("初始化批量执行器失败: %w", err)
	}
	o.executor = executor

	if !cfg.Grid.AutoSpacing {
		grid, err := strategy.NewGrid(cfg.Grid, logger)
		if err != nil {
			o.Close()
			return nil, fmt.Errorf("初始化网格失败: %w", err)
		}
		o.grid = grid
	}

	return o, nil
}

// Close 释放编排器持有的连接。
func (o *orchestrator) Close() {
	if o.chainCl != nil {
		o.chainCl.Close()
	}
}

// Tick 执行一轮闭环：拉取参考价，生成网格信号，构造请求并批量执行，
// 最后将成交档位回灌给策略补档。
func (o *orchestrator) Tick(ctx context.Context) error {
	if err := o.ensureGrid(ctx); err != nil {
		o.monitor.RecordError(ctx, "构建网格失败", err, nil)
		return err
	}

	obs, err := o.feed.LatestObservation(ctx)
	if err != nil {
		o.monitor.RecordError(ctx, "拉取参考价失败", err, map[string]interface{}{"market": o.feed.Market()})
		return err
	}

	signals := o.grid.GenerateSignals(obs)
	o.monitor.RecordObservation(ctx, o.feed.Market(), obs, len(signals))
	if len(signals) == 0 {
		return nil
	}

	requests := make([]engine.TradeRequest, 0, len(signals))
	for _, sig := range signals {
		o.monitor.RecordSignal(ctx, sig)
		requests = append(requests, o.requestFromSignal(sig))
	}

	op := batch.NewOperation(requests, o.cfg.Batch.Concurrency)
	o.logger.Info("开始执行批次",
		zap.String("batch_id", op.ID),
		zap.Int("items", len(requests)),
		zap.Float64("price", obs.Price),
	)

	result, err := o.executor.Run(ctx, op, func(item batch.ItemResult) {
		if item.Order != nil && item.Order.State == engine.StateConfirmed {
			o.grid.OnFill(signals[item.Index])
		}
	})
	if result != nil {
		o.monitor.RecordBatch(ctx, result)
	}
	if err != nil {
		return fmt.Errorf("批次执行失败: %w", err)
	}

	o.logger.Info("批次执行完成",
		zap.String("batch_id", result.BatchID),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("pending", result.Pending),
		zap.Int("cancelled", result.Cancelled),
	)
	return nil
}

// ensureGrid 在开启自动步长时用 ATR 推导网格间距，首次调用时构建网格。
func (o *orchestrator) ensureGrid(ctx context.Context) error {
	if o.grid != nil {
		return nil
	}

	limit := int64(o.cfg.Grid.ATRPeriod * 3)
	candles, err := o.feed.FetchCandles(ctx, feed.TimeframeSpacing, limit)
	if err != nil {
		return fmt.Errorf("拉取K线历史失败: %w", err)
	}

	highs, lows, closes := feed.Series(candles)
	step, err := strategy.ATRStepPercent(highs, lows, closes, o.cfg.Grid.ATRPeriod, o.cfg.Grid.ATRMultiplier)
	if err != nil {
		return err
	}

	gridCfg := o.cfg.Grid
	gridCfg.StepPercent = step
	grid, err := strategy.NewGrid(gridCfg, o.logger)
	if err != nil {
		return err
	}

	o.logger.Info("已按 ATR 推导网格步长",
		zap.Float64("step_percent", step),
		zap.Int("atr_period", o.cfg.Grid.ATRPeriod),
	)
	o.grid = grid
	return nil
}

// requestFromSignal 将网格信号转换为兑换请求：卖出以基础代币计量，
// 买入把下单量换算成报价代币。
func (o *orchestrator) requestFromSignal(sig strategy.Signal) engine.TradeRequest {
	req := engine.TradeRequest{
		ID:             uuid.NewString(),
		Wallet:         o.cfg.Grid.Wallet,
		MaxSlippageBps: o.cfg.Grid.MaxSlippageBps,
		Deadline:       time.Now().UTC().Add(o.cfg.Grid.DeadlineOffset),
	}

	if sig.Side == strategy.SideSell {
		req.TokenIn = o.baseToken
		req.TokenOut = o.quoteToken
		req.AmountIn = new(big.Int).Set(sig.SizeBase)
	} else {
		req.TokenIn = o.quoteToken
		req.TokenOut = o.baseToken
		req.AmountIn = mulPrice(sig.SizeBase, sig.Price)
	}
	return req
}

// seedSim 为模拟后端注入流动性与钱包资金，锚定价取网格区间中值。
func (o *orchestrator) seedSim(sim *dex.SimBackend, signer chain.Signer, walletIDs []string) {
	midPrice := (o.cfg.Grid.LowerPrice + o.cfg.Grid.UpperPrice) / 2

	reserveBase, _ := new(big.Int).SetString("1000000000000000000000000", 10)
	reserveQuote := mulPrice(reserveBase, midPrice)
	sim.AddPool(o.baseToken, o.quoteToken, reserveBase, reserveQuote)

	nativeFund, _ := new(big.Int).SetString("1000000000000000000000", 10)
	tokenFund, _ := new(big.Int).SetString("1000000000000000000000000", 10)
	for _, id := range walletIDs {
		addr, err := signer.Address(id)
		if err != nil {
			continue
		}
		sim.FundNative(addr, nativeFund)
		sim.FundToken(o.baseToken, addr, tokenFund)
		sim.FundToken(o.quoteToken, addr, tokenFund)
	}
}

func mulPrice(amount *big.Int, price float64) *big.Int {
	f := new(big.Float).SetInt(amount)
	f.Mul(f, big.NewFloat(price))
	out, _ := f.Int(nil)
	return out
}
