package risk

import (
	"math/big"
	"time"
)

// Rule 标识一条风控规则，数值即固定的评估优先级。
type Rule string

const (
	RuleAmountBounds Rule = "amount_bounds"
	RuleSlippage     Rule = "slippage"
	RuleFrequency    Rule = "frequency"
	RuleBalance      Rule = "balance"

	// RuleFeeValue 由引擎在名义风控之后评估：预估手续费相对下单量超限时，
	// 同样按风控拒绝处理。
	RuleFeeValue Rule = "fee_value"
)

// CheckResult 为一次准入评估的结论，创建后不再修改，随订单留档。
type CheckResult struct {
	Approved     bool
	ViolatedRule Rule
	Detail       string
	CheckedAt    time.Time
}

// WalletState 为评估时刻的钱包资金快照，由调用方提供。
type WalletState struct {
	Tier      string
	Available *big.Int // tokenIn 可用余额
	FeeBudget *big.Int // 原生币余额，用于手续费余量检查
}

// TierLimits 为单个档位解析后的额度区间。
type TierLimits struct {
	MinOrder *big.Int
	MaxOrder *big.Int
}
