package risk

import (
	"math"
	"strings"
)

const (
	MinLot = 0.01
	MaxLot = 1.00
)

// PipValuePerLot 返回一标准手每pip的价值 (USD)。
// 黄金与日元交叉盘使用各自的惯例, 其余品种按10处理。
func PipValuePerLot(symbol string) float64 {
	s := strings.ToUpper(symbol)
	switch {
	case strings.HasPrefix(s, "XAU"):
		return 10
	case strings.HasSuffix(s, "JPY"):
		return 1000
	default:
		return 10
	}
}

// Lot 根据余额、风险百分比和信号置信度计算下单手数。
// 结果始终被钳制在 [MinLot, MaxLot] 并保留两位小数;
// 余额为零或负数时返回最小手数, 绝不返回零或负值。
func Lot(balance, riskPercent, confidence, stopLossPips, pipValuePerLot float64) float64 {
	if balance <= 0 || stopLossPips <= 0 || pipValuePerLot <= 0 {
		return MinLot
	}

	riskMoney := balance * (riskPercent / 100) * confidence
	lot := riskMoney / (stopLossPips * pipValuePerLot)

	lot = math.Round(lot*100) / 100
	if lot < MinLot {
		return MinLot
	}
	if lot > MaxLot {
		return MaxLot
	}
	return lot
}
