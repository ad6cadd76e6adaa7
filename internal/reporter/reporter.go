package reporter

import (
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"mt5-scalper-bot-go/internal/broker"
	"mt5-scalper-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Metrics 汇总一次回测的全部绩效指标
type Metrics struct {
	InitialBalance float64
	FinalBalance   float64
	TotalProfit    float64
	ProfitPercent  float64
	TotalTrades    int
	WinningTrades  int
	LosingTrades   int
	StopOuts       int // 以止损离场的次数
	TakeProfits    int // 以止盈离场的次数
	WinRate        float64
	AvgProfitLoss  float64 // 平均盈利 / 平均亏损
	MaxDrawdown    float64 // 百分比
	StartTime      time.Time
	EndTime        time.Time
}

// Calculate 从回测终端的成交记录与权益曲线推导绩效指标
func Calculate(sim *broker.SimTerminal) *Metrics {
	m := &Metrics{
		InitialBalance: firstEquity(sim.EquityCurve),
		FinalBalance:   sim.Balance,
		TotalTrades:    len(sim.TradeLog),
	}

	var totalWin, totalLoss float64
	for _, trade := range sim.TradeLog {
		if trade.Profit > 0 {
			m.WinningTrades++
			totalWin += trade.Profit
		} else {
			m.LosingTrades++
			totalLoss += trade.Profit
		}
		switch trade.ExitReason {
		case "SL":
			m.StopOuts++
		case "TP":
			m.TakeProfits++
		}
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
		m.StartTime = sim.TradeLog[0].EntryTime
		m.EndTime = sim.TradeLog[len(sim.TradeLog)-1].ExitTime
	}
	if m.WinningTrades > 0 && m.LosingTrades > 0 {
		avgWin := totalWin / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		if avgLoss > 0 {
			m.AvgProfitLoss = avgWin / avgLoss
		}
	}

	m.TotalProfit = m.FinalBalance - m.InitialBalance
	if m.InitialBalance != 0 {
		m.ProfitPercent = m.TotalProfit / m.InitialBalance * 100
	}
	m.MaxDrawdown = calculateMaxDrawdown(sim.EquityCurve) * 100

	return m
}

func firstEquity(curve []float64) float64 {
	if len(curve) == 0 {
		return 0
	}
	return curve[0]
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if drawdown := (peak - equity) / peak; drawdown > maxDrawdown {
				maxDrawdown = drawdown
			}
		}
	}
	return maxDrawdown
}

// GenerateReport 计算并把回测报告打印到标准输出
func GenerateReport(sim *broker.SimTerminal, dataDesc string) {
	m := Calculate(sim)
	Render(os.Stdout, m, sim.TradeLog, dataDesc)
}

// 明细表最多展示的最近交易条数
const maxTradeRows = 20

// Render 输出摘要表与最近交易明细表
func Render(w io.Writer, m *Metrics, trades []models.ClosedTrade, dataDesc string) {
	summary := table.NewWriter()
	summary.SetOutputMirror(w)
	summary.SetTitle("回测结果报告")
	summary.AppendRows([]table.Row{
		{"数据来源", dataDesc},
		{"回测周期", fmt.Sprintf("%s 至 %s",
			m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))},
	})
	summary.AppendSeparator()
	summary.AppendRows([]table.Row{
		{"初始资金", fmt.Sprintf("%.2f USD", m.InitialBalance)},
		{"最终资金", fmt.Sprintf("%.2f USD", m.FinalBalance)},
		{"总盈亏", fmt.Sprintf("%.2f USD", m.TotalProfit)},
		{"收益率", fmt.Sprintf("%.2f%%", m.ProfitPercent)},
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
	})
	summary.AppendSeparator()
	summary.AppendRows([]table.Row{
		{"总交易次数", m.TotalTrades},
		{"盈利次数", m.WinningTrades},
		{"亏损次数", m.LosingTrades},
		{"止损离场", m.StopOuts},
		{"止盈离场", m.TakeProfits},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
	})
	summary.Render()

	if len(trades) == 0 {
		return
	}

	detail := table.NewWriter()
	detail.SetOutputMirror(w)
	detail.SetTitle("最近交易明细")
	detail.AppendHeader(table.Row{"#", "品种", "方向", "手数", "开仓价", "平仓价", "盈亏", "离场"})
	start := 0
	if len(trades) > maxTradeRows {
		start = len(trades) - maxTradeRows
	}
	for _, tr := range trades[start:] {
		detail.AppendRow(table.Row{
			tr.Ticket, tr.Symbol, tr.Side,
			fmt.Sprintf("%.2f", tr.Volume),
			fmt.Sprintf("%.5f", tr.EntryPrice),
			fmt.Sprintf("%.5f", tr.ExitPrice),
			fmt.Sprintf("%.2f", tr.Profit),
			tr.ExitReason,
		})
	}
	detail.Render()
}
