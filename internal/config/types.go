package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Wallets  []WalletConfig `mapstructure:"wallets"`
	Quote    QuoteConfig    `mapstructure:"quote"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Grid     GridConfig     `mapstructure:"grid"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	Simulation  bool   `mapstructure:"simulation"`
}

// ChainConfig 描述链上 RPC 与路由合约信息。
type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	RouterAddress  string        `mapstructure:"router_address"`
	BaseTokens     []string      `mapstructure:"base_tokens"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// WalletConfig 描述一个可签名钱包。
type WalletConfig struct {
	ID         string `mapstructure:"id"`
	PrivateKey string `mapstructure:"private_key"`
	Tier       string `mapstructure:"tier"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// QuoteConfig 控制询价行为。
type QuoteConfig struct {
	MaxAge       time.Duration `mapstructure:"max_age"`
	ProbeDivisor int64         `mapstructure:"probe_divisor"`
}

// TierConfig 定义单个风控档位的下单额度区间（wei 字符串）。
type TierConfig struct {
	MinOrderWei string `mapstructure:"min_order_wei"`
	MaxOrderWei string `mapstructure:"max_order_wei"`
}

// RiskConfig 管理风控参数。
type RiskConfig struct {
	Tiers              map[string]TierConfig `mapstructure:"tiers"`
	DefaultTier        string                `mapstructure:"default_tier"`
	Cooldown           time.Duration         `mapstructure:"cooldown"`
	Window             time.Duration         `mapstructure:"window"`
	MaxTradesPerWindow int                   `mapstructure:"max_trades_per_window"`
	FeeHeadroomWei     string                `mapstructure:"fee_headroom_wei"`
	MaxFeeBps          int                   `mapstructure:"max_fee_bps"`
}

// EngineConfig 控制单笔订单的编排行为。
type EngineConfig struct {
	NonceRetry          int           `mapstructure:"nonce_retry"`
	MinConfirmations    uint64        `mapstructure:"min_confirmations"`
	ConfirmTimeout      time.Duration `mapstructure:"confirm_timeout"`
	ConfirmPollInterval time.Duration `mapstructure:"confirm_poll_interval"`
	SubmitTimeout       time.Duration `mapstructure:"submit_timeout"`
}

// BatchConfig 控制批量执行器。
type BatchConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffMin  time.Duration `mapstructure:"backoff_min"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// GridConfig 描述网格策略的价格区间、步长与下单参数。
type GridConfig struct {
	BaseToken      string        `mapstructure:"base_token"`
	QuoteToken     string        `mapstructure:"quote_token"`
	Wallet         string        `mapstructure:"wallet"`
	LowerPrice     float64       `mapstructure:"lower_price"`
	UpperPrice     float64       `mapstructure:"upper_price"`
	StepPercent    float64       `mapstructure:"step_percent"`
	SizeBaseWei    string        `mapstructure:"size_base_wei"`
	MaxSlippageBps int           `mapstructure:"max_slippage_bps"`
	DeadlineOffset time.Duration `mapstructure:"deadline_offset"`
	AutoSpacing    bool          `mapstructure:"auto_spacing"`
	ATRPeriod      int           `mapstructure:"atr_period"`
	ATRMultiplier  float64       `mapstructure:"atr_multiplier"`
}

// FeedConfig 描述参考价格行情源。
type FeedConfig struct {
	Exchange   string        `mapstructure:"exchange"`
	Market     string        `mapstructure:"market"`
	APIKey     string        `mapstructure:"api_key"`
	APISecret  string        `mapstructure:"api_secret"`
	UseSandbox bool          `mapstructure:"use_sandbox"`
	Interval   time.Duration `mapstructure:"interval"`
	Retry      RetryConfig   `mapstructure:"retry"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// ParseWei 将十进制 wei 字符串解析为 big.Int。
func ParseWei(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("无效的 wei 数值 %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("wei 数值不能为负: %q", value)
	}
	return amount, nil
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if !c.App.Simulation && c.Chain.RPCURL == "" {
		err = multierr.Append(err, errors.New("chain.rpc_url 不能为空"))
	}
	if c.Chain.ChainID <= 0 {
		err = multierr.Append(err, errors.New("chain.chain_id 必须大于0"))
	}
	if c.Chain.RouterAddress == "" || !common.IsHexAddress(c.Chain.RouterAddress) {
		err = multierr.Append(err, errors.New("chain.router_address 必须为合法地址"))
	}
	for _, token := range c.Chain.BaseTokens {
		if !common.IsHexAddress(token) {
			err = multierr.Append(err, fmt.Errorf("chain.base_tokens 含非法地址 %q", token))
		}
	}
	if c.Chain.RequestTimeout <= 0 {
		err = multierr.Append(err, errors.New("chain.request_timeout 必须大于0"))
	}
	if c.Chain.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("chain.retry.max_attempts 必须大于0"))
	}
	if c.Chain.Retry.MinDelay <= 0 || c.Chain.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("chain.retry.delay 必须为正"))
	}
	if c.Chain.Retry.MinDelay > c.Chain.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("chain.retry.min_delay 不能大于 max_delay"))
	}

	if len(c.Wallets) == 0 {
		err = multierr.Append(err, errors.New("wallets 至少配置一个钱包"))
	}
	seen := make(map[string]struct{}, len(c.Wallets))
	for i, w := range c.Wallets {
		if w.ID == "" {
			err = multierr.Append(err, fmt.Errorf("wallets[%d].id 不能为空", i))
			continue
		}
		if _, dup := seen[w.ID]; dup {
			err = multierr.Append(err, fmt.Errorf("wallets 中存在重复 id %q", w.ID))
		}
		seen[w.ID] = struct{}{}
		if !c.App.Simulation && w.PrivateKey == "" {
			err = multierr.Append(err, fmt.Errorf("wallets[%d].private_key 不能为空", i))
		}
		if w.Tier != "" {
			if _, ok := c.Risk.Tiers[w.Tier]; !ok {
				err = multierr.Append(err, fmt.Errorf("wallets[%d].tier %q 未在 risk.tiers 中定义", i, w.Tier))
			}
		}
	}

	if c.Quote.MaxAge <= 0 {
		err = multierr.Append(err, errors.New("quote.max_age 必须大于0"))
	}
	if c.Quote.ProbeDivisor <= 1 {
		err = multierr.Append(err, errors.New("quote.probe_divisor 必须大于1"))
	}

	if len(c.Risk.Tiers) == 0 {
		err = multierr.Append(err, errors.New("risk.tiers 至少配置一个档位"))
	}
	if c.Risk.DefaultTier == "" {
		err = multierr.Append(err, errors.New("risk.default_tier 不能为空"))
	} else if _, ok := c.Risk.Tiers[c.Risk.DefaultTier]; !ok {
		err = multierr.Append(err, fmt.Errorf("risk.default_tier %q 未在 risk.tiers 中定义", c.Risk.DefaultTier))
	}
	for name, tier := range c.Risk.Tiers {
		minOrder, minErr := ParseWei(tier.MinOrderWei)
		if minErr != nil {
			err = multierr.Append(err, fmt.Errorf("risk.tiers.%s.min_order_wei: %v", name, minErr))
		}
		maxOrder, maxErr := ParseWei(tier.MaxOrderWei)
		if maxErr != nil {
			err = multierr.Append(err, fmt.Errorf("risk.tiers.%s.max_order_wei: %v", name, maxErr))
		}
		if minErr == nil && maxErr == nil && minOrder.Cmp(maxOrder) > 0 {
			err = multierr.Append(err, fmt.Errorf("risk.tiers.%s min_order_wei 不能大于 max_order_wei", name))
		}
	}
	if c.Risk.Cooldown < 0 {
		err = multierr.Append(err, errors.New("risk.cooldown 不能为负"))
	}
	if c.Risk.Window <= 0 {
		err = multierr.Append(err, errors.New("risk.window 必须大于0"))
	}
	if c.Risk.MaxTradesPerWindow <= 0 {
		err = multierr.Append(err, errors.New("risk.max_trades_per_window 必须大于0"))
	}
	if _, headErr := ParseWei(c.Risk.FeeHeadroomWei); headErr != nil {
		err = multierr.Append(err, fmt.Errorf("risk.fee_headroom_wei: %v", headErr))
	}
	if c.Risk.MaxFeeBps <= 0 || c.Risk.MaxFeeBps > 10000 {
		err = multierr.Append(err, errors.New("risk.max_fee_bps 必须位于(0,10000]"))
	}

	if c.Engine.NonceRetry < 0 {
		err = multierr.Append(err, errors.New("engine.nonce_retry 不能为负"))
	}
	if c.Engine.MinConfirmations == 0 {
		err = multierr.Append(err, errors.New("engine.min_confirmations 必须大于0"))
	}
	if c.Engine.ConfirmTimeout <= 0 {
		err = multierr.Append(err, errors.New("engine.confirm_timeout 必须大于0"))
	}
	if c.Engine.ConfirmPollInterval <= 0 {
		err = multierr.Append(err, errors.New("engine.confirm_poll_interval 必须大于0"))
	}
	if c.Engine.ConfirmPollInterval > c.Engine.ConfirmTimeout {
		err = multierr.Append(err, errors.New("engine.confirm_poll_interval 不能大于 confirm_timeout"))
	}
	if c.Engine.SubmitTimeout <= 0 {
		err = multierr.Append(err, errors.New("engine.submit_timeout 必须大于0"))
	}

	if c.Batch.Concurrency <= 0 {
		err = multierr.Append(err, errors.New("batch.concurrency 必须大于0"))
	}
	if c.Batch.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("batch.max_attempts 必须大于0"))
	}
	if c.Batch.BackoffMin <= 0 || c.Batch.BackoffMax <= 0 {
		err = multierr.Append(err, errors.New("batch.backoff 必须为正"))
	}
	if c.Batch.BackoffMin > c.Batch.BackoffMax {
		err = multierr.Append(err, errors.New("batch.backoff_min 不能大于 backoff_max"))
	}

	if !common.IsHexAddress(c.Grid.BaseToken) {
		err = multierr.Append(err, errors.New("grid.base_token 必须为合法地址"))
	}
	if !common.IsHexAddress(c.Grid.QuoteToken) {
		err = multierr.Append(err, errors.New("grid.quote_token 必须为合法地址"))
	}
	if c.Grid.Wallet == "" {
		err = multierr.Append(err, errors.New("grid.wallet 不能为空"))
	} else if _, ok := seen[c.Grid.Wallet]; !ok {
		err = multierr.Append(err, fmt.Errorf("grid.wallet %q 未在 wallets 中定义", c.Grid.Wallet))
	}
	if c.Grid.MaxSlippageBps <= 0 || c.Grid.MaxSlippageBps > 10000 {
		err = multierr.Append(err, errors.New("grid.max_slippage_bps 必须位于(0,10000]"))
	}
	if c.Grid.DeadlineOffset <= 0 {
		err = multierr.Append(err, errors.New("grid.deadline_offset 必须大于0"))
	}
	if c.Grid.LowerPrice <= 0 || c.Grid.UpperPrice <= 0 {
		err = multierr.Append(err, errors.New("grid 价格区间必须为正"))
	}
	if c.Grid.LowerPrice >= c.Grid.UpperPrice {
		err = multierr.Append(err, errors.New("grid.lower_price 必须小于 upper_price"))
	}
	if c.Grid.StepPercent <= 0 && !c.Grid.AutoSpacing {
		err = multierr.Append(err, errors.New("grid.step_percent 必须大于0"))
	}
	if _, sizeErr := ParseWei(c.Grid.SizeBaseWei); sizeErr != nil {
		err = multierr.Append(err, fmt.Errorf("grid.size_base_wei: %v", sizeErr))
	}
	if c.Grid.AutoSpacing {
		if c.Grid.ATRPeriod <= 1 {
			err = multierr.Append(err, errors.New("grid.atr_period 开启自动步长时必须大于1"))
		}
		if c.Grid.ATRMultiplier <= 0 {
			err = multierr.Append(err, errors.New("grid.atr_multiplier 开启自动步长时必须大于0"))
		}
	}

	if c.Feed.Exchange == "" {
		err = multierr.Append(err, errors.New("feed.exchange 不能为空"))
	}
	if c.Feed.Market == "" {
		err = multierr.Append(err, errors.New("feed.market 不能为空"))
	}
	if c.Feed.Interval <= 0 {
		err = multierr.Append(err, errors.New("feed.interval 必须大于0"))
	}
	if c.Feed.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("feed.retry.max_attempts 必须大于0"))
	}
	if c.Feed.Retry.MinDelay <= 0 || c.Feed.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("feed.retry.delay 必须为正"))
	}
	if c.Feed.Retry.MinDelay > c.Feed.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("feed.retry.min_delay 不能大于 max_delay"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
