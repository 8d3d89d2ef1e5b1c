package strategy

import (
	"fmt"

	"github.com/markcheno/go-talib"
)

// Ladder 从下界到上界按百分比步长等比铺设档位价格。
func Ladder(lower, upper, stepPercent float64) ([]float64, error) {
	if lower <= 0 || upper <= lower {
		return nil, fmt.Errorf("strategy: 网格价格区间非法: [%v, %v]", lower, upper)
	}
	if stepPercent <= 0 {
		return nil, fmt.Errorf("strategy: 网格步长必须为正: %v", stepPercent)
	}

	ratio := 1 + stepPercent/100
	var prices []float64
	for p := lower; p <= upper*(1+1e-9); p *= ratio {
		prices = append(prices, p)
	}
	if len(prices) < 2 {
		return nil, fmt.Errorf("strategy: 步长过大，区间内不足两档")
	}
	return prices, nil
}

// ATRStepPercent 用 ATR 从 K 线历史推导网格步长：以最近一根 ATR
// 相对收盘价的比例乘以放大系数，作为相邻档位的百分比间距。
func ATRStepPercent(highs, lows, closes []float64, period int, multiplier float64) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("strategy: ATR 周期必须为正: %d", period)
	}
	if len(closes) <= period || len(highs) != len(closes) || len(lows) != len(closes) {
		return 0, fmt.Errorf("strategy: K 线数量不足以计算 %d 周期 ATR", period)
	}

	atr := talib.Atr(highs, lows, closes, period)
	last := atr[len(atr)-1]
	anchor := closes[len(closes)-1]
	if last <= 0 || anchor <= 0 {
		return 0, fmt.Errorf("strategy: ATR 计算结果非法")
	}
	return last / anchor * multiplier * 100, nil
}
