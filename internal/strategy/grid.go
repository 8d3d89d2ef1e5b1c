package strategy

import (
	"fmt"
	"math/big"
	"sync"

	"go.uber.org/zap"

	"gridswap/internal/config"
)

// GridLevel 为网格中的一档挂单位。Filled 置位后该档不再重复触发，
// 直到被 OnFill 对侧补档或 Rebalance 重置。
type GridLevel struct {
	Price    float64
	Side     Side
	SizeBase *big.Int
	Filled   bool
}

// Grid 基于价格穿越网格档位生成买卖信号。档位方向在收到第一笔
// 观测时以该价格为锚定确定：锚定价下方为买档，上方为卖档。
type Grid struct {
	mu        sync.Mutex
	levels    []*GridLevel
	sizeBase  *big.Int
	lastPrice float64
	primed    bool
	logger    *zap.Logger
}

var _ Strategy = (*Grid)(nil)

// NewGrid 按配置构建网格。档位按步长从下界到上界等比铺设。
func NewGrid(cfg config.GridConfig, logger *zap.Logger) (*Grid, error) {
	size, err := config.ParseWei(cfg.SizeBaseWei)
	if err != nil {
		return nil, fmt.Errorf("strategy: 解析网格单档数量失败: %w", err)
	}
	prices, err := Ladder(cfg.LowerPrice, cfg.UpperPrice, cfg.StepPercent)
	if err != nil {
		return nil, err
	}

	levels := make([]*GridLevel, 0, len(prices))
	for _, p := range prices {
		levels = append(levels, &GridLevel{Price: p, SizeBase: size})
	}
	return &Grid{
		levels:   levels,
		sizeBase: size,
		logger:   logger,
	}, nil
}

// NewGridFromLevels 以显式档位价格构建网格，价格须严格升序。
func NewGridFromLevels(prices []float64, sizeBase *big.Int, logger *zap.Logger) (*Grid, error) {
	if len(prices) < 2 {
		return nil, fmt.Errorf("strategy: 至少需要两档价格")
	}
	if sizeBase == nil || sizeBase.Sign() <= 0 {
		return nil, fmt.Errorf("strategy: 单档数量必须为正")
	}

	levels := make([]*GridLevel, 0, len(prices))
	for i, p := range prices {
		if p <= 0 {
			return nil, fmt.Errorf("strategy: 档位价格必须为正: %v", p)
		}
		if i > 0 && p <= prices[i-1] {
			return nil, fmt.Errorf("strategy: 档位价格必须严格升序")
		}
		levels = append(levels, &GridLevel{Price: p, SizeBase: sizeBase})
	}
	return &Grid{
		levels:   levels,
		sizeBase: sizeBase,
		logger:   logger,
	}, nil
}

// GenerateSignals 处理一笔观测。第一笔观测只做锚定不产生信号；
// 之后每次观测将本次价格与上次价格之间被穿越的未触发档位按价格
// 移动方向依次发出信号，并将这些档位置为已触发。
func (g *Grid) GenerateSignals(obs Observation) []Signal {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.primed {
		g.anchorLocked(obs.Price)
		g.primed = true
		g.lastPrice = obs.Price
		return nil
	}

	prev := g.lastPrice
	cur := obs.Price
	g.lastPrice = cur

	var signals []Signal
	switch {
	case cur > prev:
		// 上穿：按价格升序触发卖档。
		for _, lvl := range g.levels {
			if lvl.Side != SideSell || lvl.Filled {
				continue
			}
			if lvl.Price > prev && lvl.Price <= cur {
				lvl.Filled = true
				signals = append(signals, Signal{
					Side:        SideSell,
					Price:       lvl.Price,
					SizeBase:    new(big.Int).Set(lvl.SizeBase),
					GeneratedAt: obs.ObservedAt,
				})
			}
		}
	case cur < prev:
		// 下穿：按价格降序触发买档。
		for i := len(g.levels) - 1; i >= 0; i-- {
			lvl := g.levels[i]
			if lvl.Side != SideBuy || lvl.Filled {
				continue
			}
			if lvl.Price < prev && lvl.Price >= cur {
				lvl.Filled = true
				signals = append(signals, Signal{
					Side:        SideBuy,
					Price:       lvl.Price,
					SizeBase:    new(big.Int).Set(lvl.SizeBase),
					GeneratedAt: obs.ObservedAt,
				})
			}
		}
	}

	if len(signals) > 0 && g.logger != nil {
		g.logger.Info("网格触发信号",
			zap.Float64("prev_price", prev),
			zap.Float64("price", cur),
			zap.Int("signals", len(signals)))
	}
	return signals
}

// OnFill 在某档成交后为其重新布置对侧档位：卖档成交则复位其下方
// 最近的买档，买档成交则复位其上方最近的卖档。
func (g *Grid) OnFill(signal Signal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch signal.Side {
	case SideSell:
		for i := len(g.levels) - 1; i >= 0; i-- {
			lvl := g.levels[i]
			if lvl.Side == SideBuy && lvl.Price < signal.Price {
				lvl.Filled = false
				return
			}
		}
	case SideBuy:
		for _, lvl := range g.levels {
			if lvl.Side == SideSell && lvl.Price > signal.Price {
				lvl.Filled = false
				return
			}
		}
	}
}

// Rebalance 以给定价格为新锚定重建档位方向，并清除全部已触发标记。
func (g *Grid) Rebalance(price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.anchorLocked(price)
	g.lastPrice = price
	g.primed = true
}

// Levels 返回档位快照，供监控与测试观察。
func (g *Grid) Levels() []GridLevel {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]GridLevel, len(g.levels))
	for i, lvl := range g.levels {
		out[i] = *lvl
	}
	return out
}

func (g *Grid) anchorLocked(anchor float64) {
	for _, lvl := range g.levels {
		if lvl.Price < anchor {
			lvl.Side = SideBuy
		} else {
			lvl.Side = SideSell
		}
		lvl.Filled = false
	}
}
