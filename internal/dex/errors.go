package dex

import (
	"errors"

	"gridswap/internal/chain"
)

var (
	// ErrNoRoute 表示两个代币之间没有可用兑换路径。
	ErrNoRoute = errors.New("dex: no route found")

	// ErrSubmissionRejected 表示签名或 RPC 层拒绝了本次提交。
	ErrSubmissionRejected = errors.New("dex: submission rejected")

	// ErrReverted 表示交易已上链但执行失败。
	ErrReverted = errors.New("dex: transaction reverted")

	// ErrConfirmTimeout 表示在等待预算内未达到目标确认数。交易仍可能在之后
	// 确认，调用方应重新轮询回执而非重新提交。
	ErrConfirmTimeout = errors.New("dex: confirmation timeout")
)

// IsNonceConflict 判断提交失败是否由 nonce 冲突引起。
func IsNonceConflict(err error) bool {
	return chain.IsNonceConflict(err)
}

// IsTransient 判断错误是否为瞬时故障。风控拒绝、回执 revert、路径缺失均为
// 永久失败；网络抖动、限流与 nonce 冲突可重试。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoRoute) || errors.Is(err, ErrReverted) {
		return false
	}
	if errors.Is(err, ErrConfirmTimeout) {
		return true
	}
	return chain.IsTransient(err)
}
