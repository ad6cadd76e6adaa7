package broker

import (
	"testing"
	"time"

	"mt5-scalper-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func simConfig() *models.Config {
	cfg := &models.Config{}
	cfg.Normalize()
	cfg.SpreadPips = 2
	cfg.SlippagePips = 1
	return cfg
}

func newSim(t *testing.T) *SimTerminal {
	t.Helper()
	return NewSimTerminal(simConfig(), zap.NewNop().Sugar())
}

func simBar(at time.Time, o, h, l, c float64) models.MarketBar {
	return models.MarketBar{Time: at, Open: o, High: h, Low: l, Close: c, Volume: 1}
}

var t0 = time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

func TestSubmitOrderAppliesSpreadAndSlippage(t *testing.T) {
	sim := newSim(t)
	sim.AppendBar("EURUSD", simBar(t0, 1.1, 1.1, 1.1, 1.10000))

	// 默认五位小数规则: pip=0.0001, 点差2pips + 滑点1pip
	result, err := sim.SubmitOrder(models.OrderRequest{
		Symbol: "EURUSD", Side: models.Buy, Volume: 0.1,
		StopLoss: 1.095, TakeProfit: 1.105,
	})
	require.NoError(t, err)
	assert.True(t, result.Success())
	assert.InDelta(t, 1.10030, result.Price, 1e-9)

	result, err = sim.SubmitOrder(models.OrderRequest{Symbol: "EURUSD", Side: models.Sell, Volume: 0.1})
	require.NoError(t, err)
	assert.InDelta(t, 1.09990, result.Price, 1e-9) // bid侧只扣滑点
}

func TestSubmitOrderRejections(t *testing.T) {
	sim := newSim(t)

	result, err := sim.SubmitOrder(models.OrderRequest{Symbol: "EURUSD", Side: models.Buy, Volume: 0.1})
	require.NoError(t, err)
	assert.Equal(t, models.RetCodeRejected, result.RetCode, "没有行情数据时拒单")

	sim.AppendBar("EURUSD", simBar(t0, 1.1, 1.1, 1.1, 1.1))
	result, err = sim.SubmitOrder(models.OrderRequest{Symbol: "EURUSD", Side: models.Buy, Volume: 0})
	require.NoError(t, err)
	assert.Equal(t, models.RetCodeInvalid, result.RetCode)
}

func TestBuyStopLossTriggersBeforeTakeProfit(t *testing.T) {
	sim := newSim(t)
	sim.AppendBar("EURUSD", simBar(t0, 1.1, 1.1, 1.1, 1.10000))

	_, err := sim.SubmitOrder(models.OrderRequest{
		Symbol: "EURUSD", Side: models.Buy, Volume: 0.1,
		StopLoss: 1.09500, TakeProfit: 1.10500,
	})
	require.NoError(t, err)

	// 一根K线同时扫过止损与止盈: 多单沿 开->低->高->收 先触发止损
	sim.AppendBar("EURUSD", simBar(t0.Add(5*time.Minute), 1.1, 1.106, 1.094, 1.105))

	require.Len(t, sim.TradeLog, 1)
	trade := sim.TradeLog[0]
	assert.Equal(t, "SL", trade.ExitReason)
	assert.Equal(t, 1.09500, trade.ExitPrice)
	// 入场1.10030, 离场1.09500: -53pips × 1USD/pip (0.1手) = -53
	assert.InDelta(t, -53.0, trade.Profit, 1e-6)
	assert.InDelta(t, 10000-53.0, sim.Balance, 1e-6)
}

func TestSellTakeProfitTriggersBeforeStopLoss(t *testing.T) {
	sim := newSim(t)
	sim.AppendBar("EURUSD", simBar(t0, 1.1, 1.1, 1.1, 1.10000))

	_, err := sim.SubmitOrder(models.OrderRequest{
		Symbol: "EURUSD", Side: models.Sell, Volume: 0.1,
		StopLoss: 1.10500, TakeProfit: 1.09500,
	})
	require.NoError(t, err)

	// 空单沿同一路径先走到低点, 止盈先于止损触发
	sim.AppendBar("EURUSD", simBar(t0.Add(5*time.Minute), 1.1, 1.106, 1.094, 1.105))

	require.Len(t, sim.TradeLog, 1)
	assert.Equal(t, "TP", sim.TradeLog[0].ExitReason)
	assert.True(t, sim.TradeLog[0].Profit > 0)
}

func TestGetBarsResamplesToHigherTimeframe(t *testing.T) {
	sim := newSim(t)
	// 6根M5 -> 2根M15
	closes := []float64{1.1, 1.2, 1.3, 1.4, 1.5, 1.6}
	for i, c := range closes {
		sim.AppendBar("EURUSD", simBar(t0.Add(time.Duration(i)*5*time.Minute), c, c+0.05, c-0.05, c))
	}

	bars, err := sim.GetBars("EURUSD", "M15", 10)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 1.1, bars[0].Open)
	assert.Equal(t, 1.3, bars[0].Close)
	assert.InDelta(t, 1.35, bars[0].High, 1e-9) // 1.3+0.05
	assert.InDelta(t, 1.05, bars[0].Low, 1e-9)  // 1.1-0.05
	assert.Equal(t, 1.6, bars[1].Close)
	assert.True(t, bars[0].Time.Equal(t0))

	// 基础周期原样返回并截断到count
	m5, err := sim.GetBars("EURUSD", "M5", 4)
	require.NoError(t, err)
	assert.Len(t, m5, 4)
	assert.Equal(t, 1.6, m5[3].Close)
}

func TestGetTickSynthesizesQuote(t *testing.T) {
	sim := newSim(t)
	_, err := sim.GetTick("EURUSD")
	assert.Error(t, err, "没有行情数据时报错")

	sim.AppendBar("EURUSD", simBar(t0, 1.1, 1.1, 1.1, 1.10000))
	tick, err := sim.GetTick("EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 1.10000, tick.Bid)
	assert.InDelta(t, 1.10020, tick.Ask, 1e-9) // bid + 2pips点差
}

func TestModifyStopAndClosePosition(t *testing.T) {
	sim := newSim(t)
	sim.AppendBar("EURUSD", simBar(t0, 1.1, 1.1, 1.1, 1.10000))

	result, err := sim.SubmitOrder(models.OrderRequest{Symbol: "EURUSD", Side: models.Buy, Volume: 0.1})
	require.NoError(t, err)

	require.NoError(t, sim.ModifyStop(result.Ticket, 1.098, 0))
	positions, err := sim.GetOpenPositions("EURUSD")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 1.098, positions[0].StopLoss)

	require.NoError(t, sim.ClosePosition(result.Ticket))
	require.Len(t, sim.TradeLog, 1)
	assert.Equal(t, "CLOSE", sim.TradeLog[0].ExitReason)

	assert.Error(t, sim.ModifyStop(999999, 1.0, 0))
	assert.Error(t, sim.ClosePosition(999999))
}

func TestEquityCurveTracksUnrealized(t *testing.T) {
	sim := newSim(t)
	assert.Equal(t, []float64{10000}, sim.EquityCurve)

	sim.AppendBar("EURUSD", simBar(t0, 1.1, 1.1, 1.1, 1.1))
	assert.Len(t, sim.EquityCurve, 2)
	assert.Equal(t, 10000.0, sim.EquityCurve[1])
}
