package chain

import (
	"context"
	"errors"
	"net"
	"strings"
)

var (
	// ErrKeyUnavailable 表示钱包私钥缺失或无法解密。
	ErrKeyUnavailable = errors.New("chain: wallet key unavailable")

	// ErrUnknownWallet 表示钱包未在配置中注册。
	ErrUnknownWallet = errors.New("chain: unknown wallet")
)

// nonce 冲突在同一钱包并发提交时是常态，需要换用新 nonce 重试而非直接失败。
var nonceConflictMarkers = []string{
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
	"already known",
}

var transientMarkers = []string{
	"too many requests",
	"429",
	"rate limit",
	"limit exceeded",
	"connection refused",
	"connection reset",
	"eof",
	"timeout",
	"temporarily unavailable",
}

// IsNonceConflict 判断错误是否为 nonce 冲突。
func IsNonceConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range nonceConflictMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsTransient 判断错误是否为瞬时故障，可在上层退避后重试。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if IsNonceConflict(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
