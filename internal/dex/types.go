package dex

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Route 描述从 tokenIn 到 tokenOut 的兑换路径，Path 为依次经过的代币序列。
type Route struct {
	Path []common.Address
}

// Hops 返回路径经过的池子数量。
func (r Route) Hops() int {
	if len(r.Path) < 2 {
		return 0
	}
	return len(r.Path) - 1
}

// Quote 为一次路径询价的结果。报价具有时效性，提交前必须校验新鲜度。
type Quote struct {
	TokenIn        common.Address
	TokenOut       common.Address
	AmountIn       *big.Int
	ExpectedOut    *big.Int
	Route          Route
	PriceImpactBps int
	QuotedAt       time.Time
}

// Age 返回报价距当前时刻的年龄。
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.QuotedAt)
}

// SubmitParams 描述一次链上兑换提交。Nonce 由调用方每次尝试前重新获取。
type SubmitParams struct {
	WalletID       string
	Quote          Quote
	MaxSlippageBps int
	Deadline       time.Time
	Nonce          uint64
	GasLimit       uint64
	GasPrice       *big.Int
}

// Receipt 为确认后的交易回执摘要。
type Receipt struct {
	TxHash        common.Hash
	BlockNumber   uint64
	GasUsed       uint64
	Confirmations uint64
}

// MinAmountOut 根据滑点上限计算最低成交量下限。该下限与 deadline 一起构成
// 报价与成交之间价格变动的唯一硬性保护。
func MinAmountOut(expectedOut *big.Int, maxSlippageBps int) *big.Int {
	if expectedOut == nil {
		return big.NewInt(0)
	}
	numerator := big.NewInt(int64(10000 - maxSlippageBps))
	floor := new(big.Int).Mul(expectedOut, numerator)
	return floor.Div(floor, big.NewInt(10000))
}
