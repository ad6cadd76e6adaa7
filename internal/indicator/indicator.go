package indicator

import (
	"fmt"
	"math"

	"mt5-scalper-bot-go/internal/models"
)

// 各指标的固定周期
const (
	FastEMAPeriod    = 5
	SlowEMAPeriod    = 13
	HTFEMAPeriod     = 21
	RSIPeriod        = 14
	StochKPeriod     = 5
	StochDPeriod     = 3
	ATRPeriod        = 14
	BBPeriod         = 20
	BBStdDev         = 2.0
	MACDFastPeriod   = 12
	MACDSlowPeriod   = 26
	MACDSignalPeriod = 9

	// MinBars 是产生任何指标输出所需的最小窗口长度, 不足时整轮跳过
	MinBars = 100
)

// Compute 从K线窗口推导全部指标序列。输入不足 MinBars 根时返回错误,
// 调用方必须跳过本轮, 不允许产生部分指标。纯函数, 相同输入结果确定。
func Compute(bars []models.MarketBar) (*models.IndicatorSet, error) {
	if len(bars) < MinBars {
		return nil, fmt.Errorf("K线数量不足: %d < %d", len(bars), MinBars)
	}

	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
	}

	set := &models.IndicatorSet{
		FastEMA: EMA(closes, FastEMAPeriod),
		SlowEMA: EMA(closes, SlowEMAPeriod),
		EMA21:   EMA(closes, HTFEMAPeriod),
		RSI:     RSI(closes, RSIPeriod),
		ATR:     ATR(highs, lows, closes, ATRPeriod),
	}

	set.StochK, set.StochD = Stochastic(highs, lows, closes, StochKPeriod, StochDPeriod)
	set.MACD, set.MACDSignal, set.MACDHist = MACD(closes, MACDFastPeriod, MACDSlowPeriod, MACDSignalPeriod)
	set.BBUpper, set.BBMiddle, set.BBLower = Bollinger(closes, BBPeriod, BBStdDev)

	return set, nil
}

// EMA 计算指数移动平均, 以首个值为种子
func EMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	alpha := 2.0 / (float64(period) + 1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// RSI 计算Wilder平滑的相对强弱指标。
// 平均跌幅为零时RSI饱和于100, 不产生除零。
func RSI(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	if len(closes) < 2 {
		return out
	}

	var avgGain, avgLoss float64
	n := float64(period)

	for i := 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}

		if i == 1 {
			avgGain, avgLoss = gain, loss
		} else {
			avgGain = (avgGain*(n-1) + gain) / n
			avgLoss = (avgLoss*(n-1) + loss) / n
		}

		if avgLoss == 0 {
			out[i] = 100
		} else {
			rs := avgGain / avgLoss
			out[i] = 100 - 100/(1+rs)
		}
	}
	out[0] = 50 // 首根没有涨跌可言, 置为中性
	return out
}

// Stochastic 计算随机指标 %K 与其SMA平滑 %D
func Stochastic(highs, lows, closes []float64, kPeriod, dPeriod int) (k, d []float64) {
	k = make([]float64, len(closes))
	d = make([]float64, len(closes))

	for i := range closes {
		start := i - kPeriod + 1
		if start < 0 {
			start = 0
		}
		hh, ll := highs[i], lows[i]
		for j := start; j <= i; j++ {
			if highs[j] > hh {
				hh = highs[j]
			}
			if lows[j] < ll {
				ll = lows[j]
			}
		}
		if hh == ll {
			k[i] = 50 // 区间为零时取中值, 避免除零
		} else {
			k[i] = (closes[i] - ll) / (hh - ll) * 100
		}
	}

	for i := range k {
		start := i - dPeriod + 1
		if start < 0 {
			start = 0
		}
		sum := 0.0
		for j := start; j <= i; j++ {
			sum += k[j]
		}
		d[i] = sum / float64(i-start+1)
	}
	return k, d
}

// ATR 计算Wilder平滑的平均真实波幅
func ATR(highs, lows, closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	if len(closes) == 0 {
		return out
	}

	n := float64(period)
	out[0] = highs[0] - lows[0]
	for i := 1; i < len(closes); i++ {
		tr := highs[i] - lows[i]
		if hc := math.Abs(highs[i] - closes[i-1]); hc > tr {
			tr = hc
		}
		if lc := math.Abs(lows[i] - closes[i-1]); lc > tr {
			tr = lc
		}
		out[i] = (out[i-1]*(n-1) + tr) / n
	}
	return out
}

// MACD 计算MACD线、信号线与柱状图
func MACD(closes []float64, fast, slow, signal int) (macd, sig, hist []float64) {
	fastEMA := EMA(closes, fast)
	slowEMA := EMA(closes, slow)

	macd = make([]float64, len(closes))
	for i := range closes {
		macd[i] = fastEMA[i] - slowEMA[i]
	}

	sig = EMA(macd, signal)
	hist = make([]float64, len(closes))
	for i := range closes {
		hist[i] = macd[i] - sig[i]
	}
	return macd, sig, hist
}

// Bollinger 计算布林带 (SMA ± k·σ)
func Bollinger(closes []float64, period int, stdDev float64) (upper, middle, lower []float64) {
	upper = make([]float64, len(closes))
	middle = make([]float64, len(closes))
	lower = make([]float64, len(closes))

	for i := range closes {
		start := i - period + 1
		if start < 0 {
			start = 0
		}
		window := closes[start : i+1]

		sum := 0.0
		for _, v := range window {
			sum += v
		}
		mean := sum / float64(len(window))

		variance := 0.0
		for _, v := range window {
			variance += (v - mean) * (v - mean)
		}
		sd := math.Sqrt(variance / float64(len(window)))

		middle[i] = mean
		upper[i] = mean + stdDev*sd
		lower[i] = mean - stdDev*sd
	}
	return upper, middle, lower
}
