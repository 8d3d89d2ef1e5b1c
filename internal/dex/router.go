package dex

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"gridswap/internal/chain"
)

const routerABI = `[
{"name":"getAmountsOut","type":"function","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
{"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

// PathPricer 为路由合约的只读询价路径。
type PathPricer interface {
	AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error)
}

// Backend 汇总提交与确认所需的链上操作，由 chain.Client 或模拟后端实现。
type Backend interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config 控制路由行为。
type Config struct {
	RouterAddress       common.Address
	BaseTokens          []common.Address
	ProbeDivisor        int64
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration
}

// Router 实现询价、提交与确认等待。
type Router struct {
	cfg     Config
	pricer  PathPricer
	backend Backend
	signer  chain.Signer
	abi     abi.ABI
	logger  *zap.Logger
}

// NewRouter 创建 DEX 路由集成。
func NewRouter(cfg Config, pricer PathPricer, backend Backend, signer chain.Signer, logger *zap.Logger) (*Router, error) {
	if pricer == nil {
		return nil, errors.New("dex: pricer 不能为空")
	}
	if backend == nil {
		return nil, errors.New("dex: backend 不能为空")
	}
	if signer == nil {
		return nil, errors.New("dex: signer 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProbeDivisor <= 1 {
		cfg.ProbeDivisor = 1000
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 3 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}

	parsed, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		return nil, fmt.Errorf("dex: 解析路由 ABI 失败: %w", err)
	}

	return &Router{
		cfg:     cfg,
		pricer:  pricer,
		backend: backend,
		signer:  signer,
		abi:     parsed,
		logger:  logger,
	}, nil
}

// Quote 对候选路径逐一询价并确定性选路：产出最高者优先，产出相同时取跳数
// 更少的路径。候选按跳数升序枚举，因此相同产出不会被更长路径取代。
func (r *Router) Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (Quote, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return Quote{}, errors.New("dex: 询价数量必须为正")
	}
	if tokenIn == tokenOut {
		return Quote{}, errors.New("dex: 输入输出代币不能相同")
	}

	var (
		best  Quote
		found bool
	)

	for _, path := range r.candidatePaths(tokenIn, tokenOut) {
		amounts, err := r.pricer.AmountsOut(ctx, amountIn, path)
		if err != nil {
			if ctx.Err() != nil {
				return Quote{}, ctx.Err()
			}
			r.logger.Debug("候选路径询价失败",
				zap.Int("hops", len(path)-1),
				zap.Error(err),
			)
			continue
		}
		if len(amounts) != len(path) {
			continue
		}
		out := amounts[len(amounts)-1]
		if out == nil || out.Sign() <= 0 {
			continue
		}

		if !found || out.Cmp(best.ExpectedOut) > 0 {
			best = Quote{
				TokenIn:     tokenIn,
				TokenOut:    tokenOut,
				AmountIn:    new(big.Int).Set(amountIn),
				ExpectedOut: new(big.Int).Set(out),
				Route:       Route{Path: path},
			}
			found = true
		}
	}

	if !found {
		return Quote{}, fmt.Errorf("%w: %s -> %s", ErrNoRoute, tokenIn.Hex(), tokenOut.Hex())
	}

	impact, err := r.priceImpact(ctx, best)
	if err != nil {
		return Quote{}, err
	}
	best.PriceImpactBps = impact
	best.QuotedAt = time.Now().UTC()

	r.logger.Debug("询价完成",
		zap.String("token_in", tokenIn.Hex()),
		zap.String("token_out", tokenOut.Hex()),
		zap.String("amount_in", best.AmountIn.String()),
		zap.String("expected_out", best.ExpectedOut.String()),
		zap.Int("hops", best.Route.Hops()),
		zap.Int("price_impact_bps", impact),
	)

	return best, nil
}

// Submit 构造 swapExactTokensForTokens 交易并广播。最低产出下限与 deadline
// 由链上合约强制执行：超过 deadline 或低于下限的兑换会在链上失败，而不会以
// 更差的价格静默成交。
func (r *Router) Submit(ctx context.Context, p SubmitParams) (common.Hash, error) {
	from, err := r.signer.Address(p.WalletID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %w", ErrSubmissionRejected, err)
	}

	minOut := MinAmountOut(p.Quote.ExpectedOut, p.MaxSlippageBps)
	deadline := big.NewInt(p.Deadline.Unix())

	data, err := r.abi.Pack("swapExactTokensForTokens",
		p.Quote.AmountIn, minOut, p.Quote.Route.Path, from, deadline)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: 编码兑换调用失败: %v", ErrSubmissionRejected, err)
	}

	gasPrice := p.GasPrice
	if gasPrice == nil {
		gasPrice, err = r.backend.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("%w: %w", ErrSubmissionRejected, err)
		}
	}

	gasLimit := p.GasLimit
	if gasLimit == 0 {
		gasLimit, err = r.backend.EstimateGas(ctx, gethcore.CallMsg{
			From: from,
			To:   &r.cfg.RouterAddress,
			Data: data,
		})
		if err != nil {
			// 估算失败通常意味着模拟执行 revert。
			return common.Hash{}, fmt.Errorf("%w: %w", ErrSubmissionRejected, err)
		}
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    p.Nonce,
		To:       &r.cfg.RouterAddress,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := r.signer.SignTx(p.WalletID, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %w", ErrSubmissionRejected, err)
	}

	if err := r.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %w", ErrSubmissionRejected, err)
	}

	r.logger.Info("兑换交易已广播",
		zap.String("wallet", p.WalletID),
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.Uint64("nonce", p.Nonce),
		zap.String("min_out", minOut.String()),
	)

	return signed.Hash(), nil
}

// EstimateFee 返回按当前 gas 价格估算的手续费（wei）。
func (r *Router) EstimateFee(ctx context.Context, p SubmitParams) (*big.Int, error) {
	from, err := r.signer.Address(p.WalletID)
	if err != nil {
		return nil, err
	}

	minOut := MinAmountOut(p.Quote.ExpectedOut, p.MaxSlippageBps)
	data, err := r.abi.Pack("swapExactTokensForTokens",
		p.Quote.AmountIn, minOut, p.Quote.Route.Path, from, big.NewInt(p.Deadline.Unix()))
	if err != nil {
		return nil, fmt.Errorf("dex: 编码兑换调用失败: %w", err)
	}

	gasPrice, err := r.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	gasLimit, err := r.backend.EstimateGas(ctx, gethcore.CallMsg{
		From: from,
		To:   &r.cfg.RouterAddress,
		Data: data,
	})
	if err != nil {
		return nil, err
	}

	return new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit)), nil
}

// AwaitConfirmation 轮询回执直至达到目标确认数或超出等待预算。该轮询按交易
// 哈希无状态可重入：Timeout 之后可由同一或另一调用方继续轮询，无需重新提交。
func (r *Router) AwaitConfirmation(ctx context.Context, txHash common.Hash, minConfirmations uint64) (Receipt, error) {
	deadline := time.Now().Add(r.cfg.ConfirmTimeout)
	ticker := time.NewTicker(r.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := r.backend.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == coretypes.ReceiptStatusFailed {
				return Receipt{}, fmt.Errorf("%w: tx=%s", ErrReverted, txHash.Hex())
			}
			head, headErr := r.backend.BlockNumber(ctx)
			if headErr == nil && head >= receipt.BlockNumber.Uint64() {
				confirmations := head - receipt.BlockNumber.Uint64() + 1
				if confirmations >= minConfirmations {
					return Receipt{
						TxHash:        txHash,
						BlockNumber:   receipt.BlockNumber.Uint64(),
						GasUsed:       receipt.GasUsed,
						Confirmations: confirmations,
					}, nil
				}
			}
		case errors.Is(err, gethcore.NotFound):
			// 尚未上链，继续等待。
		case err != nil:
			r.logger.Debug("查询回执失败", zap.String("tx_hash", txHash.Hex()), zap.Error(err))
		}

		if time.Now().After(deadline) {
			return Receipt{}, fmt.Errorf("%w: tx=%s", ErrConfirmTimeout, txHash.Hex())
		}

		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Router) candidatePaths(tokenIn, tokenOut common.Address) [][]common.Address {
	paths := [][]common.Address{{tokenIn, tokenOut}}
	for _, base := range r.cfg.BaseTokens {
		if base == tokenIn || base == tokenOut {
			continue
		}
		paths = append(paths, []common.Address{tokenIn, base, tokenOut})
	}
	return paths
}

// priceImpact 用一笔小额探针报价对比边际价格：大单成交率相对探针成交率的
// 折损即为价格冲击。
func (r *Router) priceImpact(ctx context.Context, q Quote) (int, error) {
	probe := new(big.Int).Div(q.AmountIn, big.NewInt(r.cfg.ProbeDivisor))
	if probe.Sign() <= 0 {
		return 0, nil
	}

	amounts, err := r.pricer.AmountsOut(ctx, probe, q.Route.Path)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		// 探针失败不阻塞报价，冲击按 0 处理并由滑点下限兜底。
		r.logger.Debug("价格冲击探针询价失败", zap.Error(err))
		return 0, nil
	}
	if len(amounts) != len(q.Route.Path) {
		r.logger.Debug("价格冲击探针返回长度异常",
			zap.Int("amounts", len(amounts)),
			zap.Int("path", len(q.Route.Path)),
		)
		return 0, nil
	}
	probeOut := amounts[len(amounts)-1]
	if probeOut == nil || probeOut.Sign() <= 0 {
		return 0, nil
	}

	// impact = (1 - (out/amountIn) / (probeOut/probe)) * 10000
	lhs := new(big.Int).Mul(q.ExpectedOut, probe)
	rhs := new(big.Int).Mul(probeOut, q.AmountIn)
	if rhs.Sign() == 0 {
		return 0, nil
	}
	ratio := new(big.Int).Mul(lhs, big.NewInt(10000))
	ratio.Div(ratio, rhs)
	impact := 10000 - ratio.Int64()
	if impact < 0 {
		impact = 0
	}
	return int(impact), nil
}
