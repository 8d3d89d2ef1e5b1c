package strategy

import (
	"math/big"
	"time"
)

// Side 表示信号方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Observation 为一次价格观测。
type Observation struct {
	Price      float64
	ObservedAt time.Time
}

// Signal 为策略产生的交易信号。
type Signal struct {
	Side        Side
	Price       float64
	SizeBase    *big.Int
	GeneratedAt time.Time
}

// Strategy 为信号生成器的统一能力接口。新策略作为新的实现变体加入，
// 共享同一生命周期。
type Strategy interface {
	GenerateSignals(obs Observation) []Signal
	OnFill(signal Signal)
}
