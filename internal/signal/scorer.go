package signal

import (
	"mt5-scalper-bot-go/internal/models"
)

// 每侧参与计票的组件信号数量
const componentCount = 5

// Assessment 是信号计分的结果
type Assessment struct {
	Direction    models.Direction
	Strength     float64 // 获胜方向的强度; 无方向时取两侧较大值
	BullStrength float64
	BearStrength float64
}

// Score 将固定的布尔组件信号合成为归一化强度并给出买卖决策。
//
// 多头组件: EMA金叉 / RSI多头区间(25,60) / 随机指标K上穿D且未超买 /
// MACD在信号线上方 / ATR高于波动率下限; 空头组件对称。ATR下限同时参与两侧。
// strength = 满足数 / 总数。方向成立需要 strength >= threshold 且趋势兼容
// (BULLISH/NEUTRAL 允许做多, BEARISH/NEUTRAL 允许做空)。
// 两侧同时过阈值视为内部矛盾, 本轮不交易。
func Score(ind *models.IndicatorSet, pip, atrThresholdPips, threshold float64, trend models.Trend) Assessment {
	last := len(ind.FastEMA) - 1
	prev := last - 1

	atrOK := ind.ATR[last] > atrThresholdPips*pip

	emaBull := ind.FastEMA[prev] <= ind.SlowEMA[prev] && ind.FastEMA[last] > ind.SlowEMA[last]
	emaBear := ind.FastEMA[prev] >= ind.SlowEMA[prev] && ind.FastEMA[last] < ind.SlowEMA[last]

	rsi := ind.RSI[last]
	rsiBull := rsi > 25 && rsi < 60
	rsiBear := rsi > 40 && rsi < 75

	k, d := ind.StochK[last], ind.StochD[last]
	stochBull := k > d && k < 75
	stochBear := k < d && k > 25

	macdBull := ind.MACD[last] > ind.MACDSignal[last]
	macdBear := ind.MACD[last] < ind.MACDSignal[last]

	bull := countTrue(emaBull, rsiBull, stochBull, macdBull, atrOK)
	bear := countTrue(emaBear, rsiBear, stochBear, macdBear, atrOK)

	a := Assessment{
		BullStrength: float64(bull) / componentCount,
		BearStrength: float64(bear) / componentCount,
	}

	buyOK := a.BullStrength >= threshold && (trend == models.Bullish || trend == models.Neutral)
	sellOK := a.BearStrength >= threshold && (trend == models.Bearish || trend == models.Neutral)

	switch {
	case buyOK && sellOK:
		// 矛盾信号, 不选边
		a.Direction = models.None
	case buyOK:
		a.Direction = models.Buy
		a.Strength = a.BullStrength
	case sellOK:
		a.Direction = models.Sell
		a.Strength = a.BearStrength
	default:
		a.Direction = models.None
	}

	if a.Direction == models.None {
		if a.BullStrength >= a.BearStrength {
			a.Strength = a.BullStrength
		} else {
			a.Strength = a.BearStrength
		}
	}
	return a
}

func countTrue(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
