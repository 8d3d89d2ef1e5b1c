package feed

import "time"

const (
	// TimeframeTick 为参考价轮询周期。
	TimeframeTick = "1m"
	// TimeframeSpacing 为网格间距推导所用周期。
	TimeframeSpacing = "1h"
)

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Series 将K线序列拆成 talib 所需的平行数组。
func Series(candles []Candle) (highs, lows, closes []float64) {
	highs = make([]float64, len(candles))
	lows = make([]float64, len(candles))
	closes = make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}
	return highs, lows, closes
}
