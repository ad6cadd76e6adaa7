package signal

import (
	"mt5-scalper-bot-go/internal/models"
)

// 市场结构判定的回看长度
const structureLookback = 20

// Confluence 汇总最近几根K线上检测到的聪明钱形态
type Confluence struct {
	SweepHigh bool // 上侧流动性扫荡: 前一根K线的高点超过再往前三根的最高点
	SweepLow  bool // 下侧流动性扫荡

	OrderBlock models.Direction // 订单块方向, 无则为 NONE
	OBLow      float64
	OBHigh     float64

	FVG     models.Direction // 公允价值缺口方向, 无则为 NONE
	FVGLow  float64
	FVGHigh float64

	Structure models.Direction // 结构突破方向, 无则为 NONE
}

// Detect 在K线窗口尾部做纯形态检查。minGap 是FVG成立所需的最小缺口 (价格单位)。
func Detect(bars []models.MarketBar, minGap float64) Confluence {
	var c Confluence
	c.OrderBlock = models.None
	c.FVG = models.None
	c.Structure = models.None

	n := len(bars)
	if n < 5 {
		return c
	}

	// 流动性扫荡: bar[-2] 相对它之前三根K线的极值
	maxHigh, minLow := bars[n-5].High, bars[n-5].Low
	for _, b := range bars[n-4 : n-2] {
		if b.High > maxHigh {
			maxHigh = b.High
		}
		if b.Low < minLow {
			minLow = b.Low
		}
	}
	c.SweepHigh = bars[n-2].High > maxHigh
	c.SweepLow = bars[n-2].Low < minLow

	// 订单块: 冲量前最后一根反向K线。阴线构成看涨块, 阳线构成看跌块。
	ob := bars[n-2]
	if ob.Close < ob.Open {
		c.OrderBlock = models.Buy
		c.OBLow, c.OBHigh = ob.Low, ob.High
	} else if ob.Close > ob.Open {
		c.OrderBlock = models.Sell
		c.OBLow, c.OBHigh = ob.Low, ob.High
	}

	// 公允价值缺口: 三根K线的不平衡
	c1, c3 := bars[n-3], bars[n-1]
	if c3.Low-c1.High > minGap {
		c.FVG = models.Buy
		c.FVGLow, c.FVGHigh = c1.High, c3.Low
	} else if c1.Low-c3.High > minGap {
		c.FVG = models.Sell
		c.FVGLow, c.FVGHigh = c3.High, c1.Low
	}

	// 结构突破: 收盘价越过之前20根K线的极值
	if n > structureLookback+1 {
		window := bars[n-1-structureLookback : n-1]
		hh, ll := window[0].High, window[0].Low
		for _, b := range window[1:] {
			if b.High > hh {
				hh = b.High
			}
			if b.Low < ll {
				ll = b.Low
			}
		}
		if bars[n-1].Close > hh {
			c.Structure = models.Buy
		} else if bars[n-1].Close < ll {
			c.Structure = models.Sell
		}
	}

	return c
}

// Tags 返回形态的可读标签集合, 写入 TradeSignal.Confluences
func (c Confluence) Tags() []string {
	var tags []string
	if c.SweepHigh {
		tags = append(tags, "SWEEP_HIGH")
	}
	if c.SweepLow {
		tags = append(tags, "SWEEP_LOW")
	}
	switch c.OrderBlock {
	case models.Buy:
		tags = append(tags, "OB_BULLISH")
	case models.Sell:
		tags = append(tags, "OB_BEARISH")
	}
	switch c.FVG {
	case models.Buy:
		tags = append(tags, "FVG_BULLISH")
	case models.Sell:
		tags = append(tags, "FVG_BEARISH")
	}
	switch c.Structure {
	case models.Buy:
		tags = append(tags, "BOS_BULLISH")
	case models.Sell:
		tags = append(tags, "BOS_BEARISH")
	}
	return tags
}

// Confirmed 判断一个方向是否被聪明钱形态确认:
// 趋势同向 + 对侧流动性扫荡 + (同向订单块 或 同向FVG)。
func Confirmed(dir models.Direction, trend models.Trend, c Confluence) bool {
	switch dir {
	case models.Buy:
		return trend == models.Bullish && c.SweepLow &&
			(c.OrderBlock == models.Buy || c.FVG == models.Buy)
	case models.Sell:
		return trend == models.Bearish && c.SweepHigh &&
			(c.OrderBlock == models.Sell || c.FVG == models.Sell)
	}
	return false
}

// Quality 把指标强度与形态吻合度合成为 [0,10] 的质量分:
// round(5×strength) 作为基础分, 趋势同向/对侧扫荡/同向订单块/同向FVG/同向结构突破
// 各加1分, 上限10。无方向时只保留基础分。
func Quality(dir models.Direction, strength float64, trend models.Trend, c Confluence) int {
	score := int(strength*5 + 0.5)

	if dir == models.Buy {
		if trend == models.Bullish {
			score++
		}
		if c.SweepLow {
			score++
		}
		if c.OrderBlock == models.Buy {
			score++
		}
		if c.FVG == models.Buy {
			score++
		}
		if c.Structure == models.Buy {
			score++
		}
	} else if dir == models.Sell {
		if trend == models.Bearish {
			score++
		}
		if c.SweepHigh {
			score++
		}
		if c.OrderBlock == models.Sell {
			score++
		}
		if c.FVG == models.Sell {
			score++
		}
		if c.Structure == models.Sell {
			score++
		}
	}

	if score > 10 {
		score = 10
	}
	if score < 0 {
		score = 0
	}
	return score
}
