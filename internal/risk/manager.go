package risk

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridswap/internal/config"
	"gridswap/internal/dex"
)

// Request 为准入评估所需的交易请求字段。
type Request struct {
	Wallet         string
	AmountIn       *big.Int
	MaxSlippageBps int
}

// Manager 负责交易前的准入控制。规则按固定优先级评估，首个失败即返回，
// 保证结果可复现。
type Manager struct {
	tiers        map[string]TierLimits
	defaultTier  string
	cooldown     time.Duration
	window       time.Duration
	maxPerWindow int
	feeHeadroom  *big.Int
	logger       *zap.Logger

	// 每钱包限频状态是跨请求唯一的共享可变资源，读-改-写必须原子。
	mu      sync.Mutex
	wallets map[string]*walletWindow
}

type walletWindow struct {
	lastApproved time.Time
	stamps       []time.Time
}

// NewManager 解析风控配置并创建管理器。
func NewManager(cfg config.RiskConfig, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	tiers := make(map[string]TierLimits, len(cfg.Tiers))
	for name, tier := range cfg.Tiers {
		minOrder, err := config.ParseWei(tier.MinOrderWei)
		if err != nil {
			return nil, fmt.Errorf("risk: 档位 %s: %w", name, err)
		}
		maxOrder, err := config.ParseWei(tier.MaxOrderWei)
		if err != nil {
			return nil, fmt.Errorf("risk: 档位 %s: %w", name, err)
		}
		tiers[name] = TierLimits{MinOrder: minOrder, MaxOrder: maxOrder}
	}
	if _, ok := tiers[cfg.DefaultTier]; !ok {
		return nil, fmt.Errorf("risk: 默认档位 %q 未定义", cfg.DefaultTier)
	}

	feeHeadroom, err := config.ParseWei(cfg.FeeHeadroomWei)
	if err != nil {
		return nil, fmt.Errorf("risk: fee_headroom: %w", err)
	}

	return &Manager{
		tiers:        tiers,
		defaultTier:  cfg.DefaultTier,
		cooldown:     cfg.Cooldown,
		window:       cfg.Window,
		maxPerWindow: cfg.MaxTradesPerWindow,
		feeHeadroom:  feeHeadroom,
		logger:       logger,
		wallets:      make(map[string]*walletWindow),
	}, nil
}

// Check 依次评估额度、滑点、频率与余额四条规则。批准时在同一临界区内更新
// 该钱包的最近成交时间与滑动窗口计数，同一钱包的并发评估不会同时通过限频。
func (m *Manager) Check(req Request, quote dex.Quote, wallet WalletState) CheckResult {
	now := time.Now().UTC()

	limits := m.limitsFor(wallet.Tier)
	if req.AmountIn.Cmp(limits.MinOrder) < 0 || req.AmountIn.Cmp(limits.MaxOrder) > 0 {
		return m.reject(req, RuleAmountBounds, fmt.Sprintf(
			"下单量 %s 超出档位区间 [%s, %s]",
			req.AmountIn, limits.MinOrder, limits.MaxOrder), now)
	}

	if quote.PriceImpactBps > req.MaxSlippageBps {
		return m.reject(req, RuleSlippage, fmt.Sprintf(
			"价格冲击 %dbps 超过滑点上限 %dbps",
			quote.PriceImpactBps, req.MaxSlippageBps), now)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.wallets[req.Wallet]
	if state == nil {
		state = &walletWindow{}
		m.wallets[req.Wallet] = state
	}

	if !state.lastApproved.IsZero() && now.Sub(state.lastApproved) < m.cooldown {
		return m.reject(req, RuleFrequency, fmt.Sprintf(
			"距上次成交 %s，冷却期 %s 未满",
			now.Sub(state.lastApproved).Round(time.Millisecond), m.cooldown), now)
	}

	state.stamps = pruneWindow(state.stamps, now.Add(-m.window))
	if len(state.stamps) >= m.maxPerWindow {
		return m.reject(req, RuleFrequency, fmt.Sprintf(
			"滑动窗口 %s 内已有 %d 笔，达到上限 %d",
			m.window, len(state.stamps), m.maxPerWindow), now)
	}

	required := new(big.Int).Set(req.AmountIn)
	if wallet.Available == nil || wallet.Available.Cmp(required) < 0 {
		return m.reject(req, RuleBalance, fmt.Sprintf(
			"tokenIn 可用余额不足，需要 %s", required), now)
	}
	if wallet.FeeBudget == nil || wallet.FeeBudget.Cmp(m.feeHeadroom) < 0 {
		return m.reject(req, RuleBalance, fmt.Sprintf(
			"手续费余量不足，至少需要 %s wei", m.feeHeadroom), now)
	}

	// 批准与限频状态更新在同一临界区内完成。
	state.lastApproved = now
	state.stamps = append(state.stamps, now)

	return CheckResult{Approved: true, CheckedAt: now}
}

func (m *Manager) reject(req Request, rule Rule, detail string, now time.Time) CheckResult {
	m.logger.Info("风控拒绝交易",
		zap.String("wallet", req.Wallet),
		zap.String("rule", string(rule)),
		zap.String("detail", detail),
	)
	return CheckResult{
		Approved:     false,
		ViolatedRule: rule,
		Detail:       detail,
		CheckedAt:    now,
	}
}

func (m *Manager) limitsFor(tier string) TierLimits {
	if tier != "" {
		if limits, ok := m.tiers[tier]; ok {
			return limits
		}
	}
	return m.tiers[m.defaultTier]
}

func pruneWindow(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
