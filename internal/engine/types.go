package engine

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"gridswap/internal/dex"
	"gridswap/internal/risk"
)

// TradeRequest 描述一次待执行的兑换请求，创建后不可变。一个请求恰好产生
// 一个订单。
type TradeRequest struct {
	ID             string
	Wallet         string
	TokenIn        common.Address
	TokenOut       common.Address
	AmountIn       *big.Int
	MaxSlippageBps int
	Deadline       time.Time
}

// OrderState 为订单状态机的状态。
type OrderState string

const (
	StateCreated      OrderState = "created"
	StateQuoted       OrderState = "quoted"
	StateRiskApproved OrderState = "risk_approved"
	StateRiskRejected OrderState = "risk_rejected"
	StateSubmitted    OrderState = "submitted"
	StateConfirmed    OrderState = "confirmed"
	StateReverted     OrderState = "reverted"
	StateTimedOut     OrderState = "timed_out"
	StateCancelled    OrderState = "cancelled"
)

// Terminal 判断状态是否为终态。TimedOut 计入终态做批量收尾，但订单仍可
// 通过 Repoll 继续追踪回执。
func (s OrderState) Terminal() bool {
	switch s {
	case StateRiskRejected, StateConfirmed, StateReverted, StateTimedOut, StateCancelled:
		return true
	default:
		return false
	}
}

// Order 为一次请求的执行记录。在到达终态前由创建它的引擎独占持有，
// 批量执行器只读聚合。
type Order struct {
	ID          string
	Request     TradeRequest
	Quote       *dex.Quote
	RiskResult  *risk.CheckResult
	GasEstimate *big.Int
	TxHash      common.Hash
	Receipt     *dex.Receipt
	State       OrderState
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
