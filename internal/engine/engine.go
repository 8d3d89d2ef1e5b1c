package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gridswap/internal/config"
	"gridswap/internal/dex"
	"gridswap/internal/risk"
)

// ErrValidation 表示请求在询价之前即被判定为非法。
var ErrValidation = errors.New("engine: invalid trade request")

// Quoter 抽象询价能力。
type Quoter interface {
	Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (dex.Quote, error)
}

// Swapper 抽象提交、费用估算与确认等待。
type Swapper interface {
	Submit(ctx context.Context, p dex.SubmitParams) (common.Hash, error)
	EstimateFee(ctx context.Context, p dex.SubmitParams) (*big.Int, error)
	AwaitConfirmation(ctx context.Context, txHash common.Hash, minConfirmations uint64) (dex.Receipt, error)
}

// Checker 抽象准入控制。
type Checker interface {
	Check(req risk.Request, quote dex.Quote, wallet risk.WalletState) risk.CheckResult
}

// WalletReader 提供余额与 nonce 查询。nonce 每次尝试前重新获取，禁止缓存。
type WalletReader interface {
	PendingNonceAt(ctx context.Context, wallet common.Address) (uint64, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	BalanceAt(ctx context.Context, wallet common.Address) (*big.Int, error)
}

// AddressBook 将钱包 id 映射为链上地址。
type AddressBook interface {
	Address(walletID string) (common.Address, error)
}

// Recorder 接收终态订单的只追加记录流，由监控/审计层实现。
type Recorder interface {
	RecordOrder(ctx context.Context, order *Order)
}

// Engine 将交易请求推进到终态：询价、风控、费用守卫、提交与确认追踪。
type Engine struct {
	quoter  Quoter
	swapper Swapper
	checker Checker
	wallets WalletReader
	addrs   AddressBook
	rec     Recorder
	cfg     Options
	logger  *zap.Logger

	cacheMu sync.Mutex
	quotes  map[string]dex.Quote
}

// Options 控制引擎行为。
type Options struct {
	QuoteMaxAge      time.Duration
	MaxFeeBps        int
	NonceRetry       int
	SubmitTimeout    time.Duration
	MinConfirmations uint64
	WalletTiers      map[string]string
}

// OptionsFromConfig 从配置快照推导引擎参数。
func OptionsFromConfig(engineCfg config.EngineConfig, quoteCfg config.QuoteConfig, riskCfg config.RiskConfig, wallets []config.WalletConfig) Options {
	tiers := make(map[string]string, len(wallets))
	for _, w := range wallets {
		tiers[w.ID] = w.Tier
	}
	return Options{
		QuoteMaxAge:      quoteCfg.MaxAge,
		MaxFeeBps:        riskCfg.MaxFeeBps,
		NonceRetry:       engineCfg.NonceRetry,
		SubmitTimeout:    engineCfg.SubmitTimeout,
		MinConfirmations: engineCfg.MinConfirmations,
		WalletTiers:      tiers,
	}
}

// New 创建交易引擎。
func New(quoter Quoter, swapper Swapper, checker Checker, wallets WalletReader, addrs AddressBook, rec Recorder, cfg Options, logger *zap.Logger) (*Engine, error) {
	if quoter == nil || swapper == nil || checker == nil || wallets == nil || addrs == nil {
		return nil, errors.New("engine: 依赖不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QuoteMaxAge <= 0 {
		cfg.QuoteMaxAge = 10 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 15 * time.Second
	}
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 1
	}

	return &Engine{
		quoter:  quoter,
		swapper: swapper,
		checker: checker,
		wallets: wallets,
		addrs:   addrs,
		rec:     rec,
		cfg:     cfg,
		logger:  logger,
		quotes:  make(map[string]dex.Quote),
	}, nil
}

// Evaluate 将一次交易请求推进到终态并返回订单。返回的 error 仅表示基础设施
// 故障（可供上层按瞬时/永久分类重试）；风控拒绝、revert 等业务终态编码在订单
// 状态里，error 为 nil。
func (e *Engine) Evaluate(ctx context.Context, req TradeRequest) (*Order, error) {
	order := newOrder(req)

	if err := validateRequest(&order.Request); err != nil {
		order.LastError = err.Error()
		e.record(ctx, order)
		return order, err
	}

	quote, err := e.freshQuote(ctx, order.Request)
	if err != nil {
		order.LastError = err.Error()
		e.record(ctx, order)
		return order, err
	}
	order.Quote = &quote
	order.setState(StateQuoted)

	walletState, addr, err := e.walletState(ctx, order.Request)
	if err != nil {
		order.LastError = err.Error()
		e.record(ctx, order)
		return order, err
	}

	result := e.checker.Check(risk.Request{
		Wallet:         order.Request.Wallet,
		AmountIn:       order.Request.AmountIn,
		MaxSlippageBps: order.Request.MaxSlippageBps,
	}, quote, walletState)
	order.RiskResult = &result
	if !result.Approved {
		order.setState(StateRiskRejected)
		order.LastError = result.Detail
		e.record(ctx, order)
		return order, nil
	}
	order.setState(StateRiskApproved)

	submitParams := dex.SubmitParams{
		WalletID:       order.Request.Wallet,
		Quote:          quote,
		MaxSlippageBps: order.Request.MaxSlippageBps,
		Deadline:       order.Request.Deadline,
	}

	fee, err := e.swapper.EstimateFee(ctx, submitParams)
	if err != nil {
		order.LastError = err.Error()
		e.record(ctx, order)
		return order, err
	}
	order.GasEstimate = fee

	if exceedsFeeCeiling(fee, order.Request.AmountIn, e.cfg.MaxFeeBps) {
		rejected := risk.CheckResult{
			Approved:     false,
			ViolatedRule: risk.RuleFeeValue,
			Detail: fmt.Sprintf("预估手续费 %s wei 超过下单量的 %dbps 上限",
				fee, e.cfg.MaxFeeBps),
			CheckedAt: time.Now().UTC(),
		}
		order.RiskResult = &rejected
		order.setState(StateRiskRejected)
		order.LastError = rejected.Detail
		e.record(ctx, order)
		return order, nil
	}

	txHash, err := e.submitWithFreshNonce(ctx, order, addr, submitParams)
	if err != nil {
		order.LastError = err.Error()
		e.record(ctx, order)
		return order, err
	}
	order.TxHash = txHash
	order.setState(StateSubmitted)

	return e.await(ctx, order)
}

// Repoll 继续追踪一笔超时订单的回执。交易可能在超时之后仍然确认，此时订单
// 被回溯翻转到 Confirmed；重新提交一笔已广播的交易会重复占用 nonce 槽位，
// 因此永远不会发生。
func (e *Engine) Repoll(ctx context.Context, order *Order) error {
	if order == nil {
		return errors.New("engine: 订单不能为空")
	}
	if order.State != StateTimedOut {
		return fmt.Errorf("engine: 订单 %s 状态 %s 不可重新轮询", order.ID, order.State)
	}
	_, err := e.await(ctx, order)
	return err
}

func (e *Engine) await(ctx context.Context, order *Order) (*Order, error) {
	receipt, err := e.swapper.AwaitConfirmation(ctx, order.TxHash, e.cfg.MinConfirmations)
	switch {
	case err == nil:
		order.Receipt = &receipt
		order.setState(StateConfirmed)
		order.LastError = ""
		e.logger.Info("订单已确认",
			zap.String("order", order.ID),
			zap.String("tx_hash", order.TxHash.Hex()),
			zap.Uint64("confirmations", receipt.Confirmations),
		)
	case errors.Is(err, dex.ErrReverted):
		order.setState(StateReverted)
		order.LastError = err.Error()
	case errors.Is(err, dex.ErrConfirmTimeout):
		order.setState(StateTimedOut)
		order.LastError = err.Error()
		e.logger.Warn("确认等待超时，订单可重新轮询",
			zap.String("order", order.ID),
			zap.String("tx_hash", order.TxHash.Hex()),
		)
	default:
		order.LastError = err.Error()
		e.record(ctx, order)
		return order, err
	}

	e.record(ctx, order)
	return order, nil
}

// submitWithFreshNonce 提交交易。nonce 冲突在同钱包并发提交下属预期情况，
// 以新 nonce 重试至多 NonceRetry 次后才上报失败。
func (e *Engine) submitWithFreshNonce(ctx context.Context, order *Order, addr common.Address, p dex.SubmitParams) (common.Hash, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.NonceRetry; attempt++ {
		nonce, err := e.wallets.PendingNonceAt(ctx, addr)
		if err != nil {
			return common.Hash{}, err
		}
		p.Nonce = nonce

		order.Attempts++
		// 提交走独立超时预算，不与链上其它 RPC 共享。
		submitCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		txHash, err := e.swapper.Submit(submitCtx, p)
		cancel()
		if err == nil {
			return txHash, nil
		}
		lastErr = err

		if !dex.IsNonceConflict(err) || attempt >= e.cfg.NonceRetry {
			return common.Hash{}, err
		}
		e.logger.Warn("nonce 冲突，以新 nonce 重试提交",
			zap.String("order", order.ID),
			zap.Uint64("nonce", nonce),
			zap.Int("attempt", attempt+1),
		)
	}
	return common.Hash{}, lastErr
}

// freshQuote 带新鲜度校验的报价缓存：阈值内的报价直接复用，过期报价在提交
// 前必须重新获取。
func (e *Engine) freshQuote(ctx context.Context, req TradeRequest) (dex.Quote, error) {
	key := req.TokenIn.Hex() + "|" + req.TokenOut.Hex() + "|" + req.AmountIn.String()
	now := time.Now().UTC()

	e.cacheMu.Lock()
	cached, ok := e.quotes[key]
	e.cacheMu.Unlock()
	if ok && cached.Age(now) <= e.cfg.QuoteMaxAge {
		return cached, nil
	}

	quote, err := e.quoter.Quote(ctx, req.TokenIn, req.TokenOut, req.AmountIn)
	if err != nil {
		return dex.Quote{}, err
	}

	e.cacheMu.Lock()
	e.quotes[key] = quote
	e.cacheMu.Unlock()
	return quote, nil
}

func (e *Engine) walletState(ctx context.Context, req TradeRequest) (risk.WalletState, common.Address, error) {
	addr, err := e.addrs.Address(req.Wallet)
	if err != nil {
		return risk.WalletState{}, common.Address{}, err
	}

	available, err := e.wallets.TokenBalance(ctx, req.TokenIn, addr)
	if err != nil {
		return risk.WalletState{}, common.Address{}, err
	}
	feeBudget, err := e.wallets.BalanceAt(ctx, addr)
	if err != nil {
		return risk.WalletState{}, common.Address{}, err
	}

	return risk.WalletState{
		Tier:      e.cfg.WalletTiers[req.Wallet],
		Available: available,
		FeeBudget: feeBudget,
	}, addr, nil
}

func (e *Engine) record(ctx context.Context, order *Order) {
	if e.rec == nil {
		return
	}
	e.rec.RecordOrder(ctx, order)
}

// NewCancelled 为从未开始执行的请求生成已取消订单。已提交的订单不可取消，
// 链上交易一经广播无法撤回。
func NewCancelled(req TradeRequest) *Order {
	order := newOrder(req)
	order.setState(StateCancelled)
	return order
}

func newOrder(req TradeRequest) *Order {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Deadline.IsZero() {
		req.Deadline = time.Now().UTC().Add(5 * time.Minute)
	}
	now := time.Now().UTC()
	return &Order{
		ID:        uuid.NewString(),
		Request:   req,
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (o *Order) setState(state OrderState) {
	o.State = state
	o.UpdatedAt = time.Now().UTC()
}

func validateRequest(req *TradeRequest) error {
	if req.Wallet == "" {
		return fmt.Errorf("%w: 缺少钱包 id", ErrValidation)
	}
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return fmt.Errorf("%w: 下单量必须为正", ErrValidation)
	}
	if req.TokenIn == req.TokenOut {
		return fmt.Errorf("%w: 输入输出代币不能相同", ErrValidation)
	}
	if req.MaxSlippageBps <= 0 || req.MaxSlippageBps >= 10000 {
		return fmt.Errorf("%w: 滑点上限必须位于(0,10000)bps", ErrValidation)
	}
	if time.Until(req.Deadline) <= 0 {
		return fmt.Errorf("%w: deadline 已过期", ErrValidation)
	}
	return nil
}

func exceedsFeeCeiling(fee, amountIn *big.Int, maxFeeBps int) bool {
	if fee == nil || maxFeeBps <= 0 {
		return false
	}
	// fee * 10000 > amountIn * maxFeeBps
	lhs := new(big.Int).Mul(fee, big.NewInt(10000))
	rhs := new(big.Int).Mul(amountIn, big.NewInt(int64(maxFeeBps)))
	return lhs.Cmp(rhs) > 0
}
