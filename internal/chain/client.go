package chain

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
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"gridswap/internal/config"
)

const erc20ABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

// Client 负责与 EVM 节点交互并对只读调用实现重试机制。
type Client struct {
	cfg    config.ChainConfig
	eth    *ethclient.Client
	erc20  abi.ABI
	logger *zap.Logger
}

// NewClient 连接配置的 RPC 节点。
func NewClient(ctx context.Context, cfg config.ChainConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置链上 RPC 地址")
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接链上节点失败: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ERC20 ABI 失败: %w", err)
	}

	return &Client{
		cfg:    cfg,
		eth:    eth,
		erc20:  parsed,
		logger: logger,
	}, nil
}

// Close 释放底层连接。
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

// PendingNonceAt 查询钱包的下一个可用 nonce。每次提交前都应重新获取，禁止跨重试缓存。
func (c *Client) PendingNonceAt(ctx context.Context, wallet common.Address) (uint64, error) {
	var nonce uint64
	err := c.callWithRetry(ctx, "pending_nonce", func(callCtx context.Context) error {
		value, err := c.eth.PendingNonceAt(callCtx, wallet)
		if err != nil {
			return err
		}
		nonce = value
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("查询 nonce 失败: %w", err)
	}
	return nonce, nil
}

// BalanceAt 查询原生币余额。
func (c *Client) BalanceAt(ctx context.Context, wallet common.Address) (*big.Int, error) {
	var balance *big.Int
	err := c.callWithRetry(ctx, "native_balance", func(callCtx context.Context) error {
		value, err := c.eth.BalanceAt(callCtx, wallet, nil)
		if err != nil {
			return err
		}
		balance = value
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// TokenBalance 通过 balanceOf 查询 ERC20 余额。
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	input, err := c.erc20.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("编码 balanceOf 调用失败: %w", err)
	}

	var output []byte
	err = c.callWithRetry(ctx, "token_balance", func(callCtx context.Context) error {
		result, callErr := c.eth.CallContract(callCtx, gethcore.CallMsg{To: &token, Data: input}, nil)
		if callErr != nil {
			return callErr
		}
		output = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("查询代币余额失败: %w", err)
	}

	values, err := c.erc20.Unpack("balanceOf", output)
	if err != nil {
		return nil, fmt.Errorf("解码 balanceOf 返回失败: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, errors.New("balanceOf 返回类型异常")
	}
	return balance, nil
}

// SuggestGasPrice 返回节点建议的 gas 价格。
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.callWithRetry(ctx, "gas_price", func(callCtx context.Context) error {
		value, err := c.eth.SuggestGasPrice(callCtx)
		if err != nil {
			return err
		}
		price = value
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("查询 gas 价格失败: %w", err)
	}
	return price, nil
}

// EstimateGas 模拟执行并估算 gas 用量。
func (c *Client) EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error) {
	var gas uint64
	err := c.callWithRetry(ctx, "estimate_gas", func(callCtx context.Context) error {
		value, err := c.eth.EstimateGas(callCtx, msg)
		if err != nil {
			return err
		}
		gas = value
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("估算 gas 失败: %w", err)
	}
	return gas, nil
}

// CallContract 执行只读合约调用。
func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg) ([]byte, error) {
	var output []byte
	err := c.callWithRetry(ctx, "call_contract", func(callCtx context.Context) error {
		result, callErr := c.eth.CallContract(callCtx, msg, nil)
		if callErr != nil {
			return callErr
		}
		output = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("合约调用失败: %w", err)
	}
	return output, nil
}

// SendTransaction 广播已签名交易。发送不做自动重试：一笔已广播的交易重发会
// 占用同一 nonce 槽位，重试决策交由上层按错误分类处理。
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	if err := c.eth.SendTransaction(sendCtx, tx); err != nil {
		return fmt.Errorf("广播交易失败: %w", err)
	}
	return nil
}

// TransactionReceipt 查询交易回执，未上链时返回 ethereum.NotFound。
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	receiptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	return c.eth.TransactionReceipt(receiptCtx, hash)
}

// BlockNumber 返回最新区块高度。
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var number uint64
	err := c.callWithRetry(ctx, "block_number", func(callCtx context.Context) error {
		value, err := c.eth.BlockNumber(callCtx)
		if err != nil {
			return err
		}
		number = value
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("查询区块高度失败: %w", err)
	}
	return number, nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func(context.Context) error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		err := fn(callCtx)
		cancel()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("链上调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		if !IsTransient(err) || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("链上调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(err),
			)
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("链上调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
