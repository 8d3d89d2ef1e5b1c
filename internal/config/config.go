package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "gridswap"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.simulation", false)

	v.SetDefault("chain.chain_id", 1)
	v.SetDefault("chain.request_timeout", "10s")
	v.SetDefault("chain.retry.max_attempts", 5)
	v.SetDefault("chain.retry.min_delay", "500ms")
	v.SetDefault("chain.retry.max_delay", "5s")

	v.SetDefault("quote.max_age", "10s")
	v.SetDefault("quote.probe_divisor", 1000)

	v.SetDefault("risk.default_tier", "standard")
	v.SetDefault("risk.cooldown", "30s")
	v.SetDefault("risk.window", "10m")
	v.SetDefault("risk.max_trades_per_window", 10)
	v.SetDefault("risk.fee_headroom_wei", "5000000000000000")
	v.SetDefault("risk.max_fee_bps", 100)

	v.SetDefault("engine.nonce_retry", 1)
	v.SetDefault("engine.min_confirmations", 2)
	v.SetDefault("engine.confirm_timeout", "2m")
	v.SetDefault("engine.confirm_poll_interval", "3s")
	v.SetDefault("engine.submit_timeout", "15s")

	v.SetDefault("batch.concurrency", 4)
	v.SetDefault("batch.max_attempts", 3)
	v.SetDefault("batch.backoff_min", "500ms")
	v.SetDefault("batch.backoff_max", "8s")

	v.SetDefault("grid.step_percent", 1.0)
	v.SetDefault("grid.max_slippage_bps", 50)
	v.SetDefault("grid.deadline_offset", "2m")
	v.SetDefault("grid.size_base_wei", "100000000000000000")
	v.SetDefault("grid.auto_spacing", false)
	v.SetDefault("grid.atr_period", 14)
	v.SetDefault("grid.atr_multiplier", 1.0)

	v.SetDefault("feed.exchange", "binance")
	v.SetDefault("feed.market", "ETH/USDT")
	v.SetDefault("feed.use_sandbox", false)
	v.SetDefault("feed.interval", "5s")
	v.SetDefault("feed.retry.max_attempts", 5)
	v.SetDefault("feed.retry.min_delay", "500ms")
	v.SetDefault("feed.retry.max_delay", "5s")

	v.SetDefault("database.path", "data/gridswap.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
