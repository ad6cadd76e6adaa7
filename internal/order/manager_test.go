package order

import (
	"strings"
	"sync"
	"testing"
	"time"

	"mt5-scalper-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockTerminal 是 Terminal 接口的手写mock, 记录所有调用以供断言
type mockTerminal struct {
	sync.Mutex
	tick         *models.Tick
	spec         *models.SymbolSpec
	positions    []models.Position
	submitResult *models.OrderResult
	submitted    []models.OrderRequest
	modified     []stopChange
	closed       []int64
}

type stopChange struct {
	ticket int64
	sl     float64
	tp     float64
}

func newMockTerminal() *mockTerminal {
	return &mockTerminal{
		// 类似XAUUSD的规则: point=0.01, pip=0.1
		spec:         &models.SymbolSpec{Symbol: "XAUUSD", Point: 0.01, Digits: 2, StopLevel: 0.5},
		tick:         &models.Tick{Bid: 2000.0, Ask: 2000.5, Time: time.Now()},
		submitResult: &models.OrderResult{Ticket: 1, RetCode: models.RetCodeDone},
	}
}

func (m *mockTerminal) Connect() error { return nil }
func (m *mockTerminal) Close() error   { return nil }

func (m *mockTerminal) GetBars(symbol, timeframe string, count int) ([]models.MarketBar, error) {
	return nil, nil
}

func (m *mockTerminal) GetTick(symbol string) (*models.Tick, error) {
	m.Lock()
	defer m.Unlock()
	t := *m.tick
	return &t, nil
}

func (m *mockTerminal) GetAccountSnapshot() (*models.AccountSnapshot, error) {
	return &models.AccountSnapshot{Balance: 10000, Equity: 10000}, nil
}

func (m *mockTerminal) GetOpenPositions(symbol string) ([]models.Position, error) {
	m.Lock()
	defer m.Unlock()
	out := make([]models.Position, len(m.positions))
	copy(out, m.positions)
	return out, nil
}

func (m *mockTerminal) SubmitOrder(req models.OrderRequest) (*models.OrderResult, error) {
	m.Lock()
	defer m.Unlock()
	m.submitted = append(m.submitted, req)
	r := *m.submitResult
	return &r, nil
}

func (m *mockTerminal) ModifyStop(ticket int64, stopLoss, takeProfit float64) error {
	m.Lock()
	defer m.Unlock()
	m.modified = append(m.modified, stopChange{ticket, stopLoss, takeProfit})
	return nil
}

func (m *mockTerminal) ClosePosition(ticket int64) error {
	m.Lock()
	defer m.Unlock()
	m.closed = append(m.closed, ticket)
	return nil
}

func (m *mockTerminal) SymbolSpec(symbol string) (*models.SymbolSpec, error) {
	m.Lock()
	defer m.Unlock()
	s := *m.spec
	return &s, nil
}

func testConfig() *models.Config {
	cfg := &models.Config{}
	cfg.Normalize()
	cfg.TrailingDistance = 15
	cfg.StopLossPips = 20
	cfg.TakeProfitPips = 40
	return cfg
}

func newTestManager(term *mockTerminal) *Manager {
	return NewManager(term, testConfig(), zap.NewNop().Sugar())
}

func TestOpenComputesStopsFromPips(t *testing.T) {
	term := newMockTerminal()
	m := newTestManager(term)

	result, err := m.Open("XAUUSD", models.Buy, 0.5, 0)
	require.NoError(t, err)
	assert.True(t, result.Success())

	require.Len(t, term.submitted, 1)
	req := term.submitted[0]
	assert.Equal(t, models.Buy, req.Side)
	assert.Equal(t, 0.5, req.Volume)
	// pip=0.1: SL = ask-2.0, TP = ask+4.0
	assert.InDelta(t, 1998.5, req.StopLoss, 1e-9)
	assert.InDelta(t, 2004.5, req.TakeProfit, 1e-9)
	assert.True(t, strings.HasPrefix(req.Tag, "smc-scalper-"))
}

func TestOpenSellSideStops(t *testing.T) {
	term := newMockTerminal()
	m := newTestManager(term)

	_, err := m.Open("XAUUSD", models.Sell, 0.1, 0)
	require.NoError(t, err)

	req := term.submitted[0]
	assert.InDelta(t, 2002.0, req.StopLoss, 1e-9)   // bid+2.0
	assert.InDelta(t, 1996.0, req.TakeProfit, 1e-9) // bid-4.0
}

func TestOpenATRVariantOverridesPips(t *testing.T) {
	term := newMockTerminal()
	cfg := testConfig()
	cfg.ATRStopFactor = 1.5
	m := NewManager(term, cfg, zap.NewNop().Sugar())

	_, err := m.Open("XAUUSD", models.Buy, 0.1, 2.0) // ATR=2.0价格单位
	require.NoError(t, err)

	req := term.submitted[0]
	assert.InDelta(t, 2000.5-3.0, req.StopLoss, 1e-9) // ask - 1.5*ATR
	assert.InDelta(t, 2000.5+6.0, req.TakeProfit, 1e-9)
}

func TestOpenRejectionIsLoggedNotRetried(t *testing.T) {
	term := newMockTerminal()
	term.submitResult = &models.OrderResult{RetCode: models.RetCodeNoMoney, Comment: "not enough money"}
	m := newTestManager(term)

	result, err := m.Open("XAUUSD", models.Buy, 0.5, 0)
	require.NoError(t, err) // 拒单不是传输错误
	assert.False(t, result.Success())
	assert.Len(t, term.submitted, 1) // 没有同轮重试
}

func TestTrailingTightensTowardProfit(t *testing.T) {
	term := newMockTerminal()
	term.positions = []models.Position{{
		Ticket: 7, Symbol: "XAUUSD", Side: models.Buy,
		Volume: 0.1, EntryPrice: 2000.0, StopLoss: 0,
	}}
	term.tick = &models.Tick{Bid: 2002.0, Ask: 2002.5}
	m := newTestManager(term)

	require.NoError(t, m.ManageStops("XAUUSD"))

	require.Len(t, term.modified, 1)
	// 浮盈20pips: 锁利档 2000 + 20*40%*0.1 = 2000.8 优于移动止损档 2000.5
	assert.InDelta(t, 2000.8, term.modified[0].sl, 1e-9)
	assert.GreaterOrEqual(t, term.modified[0].sl, 2000.0) // 保本或更好
}

func TestTrailingNeverLoosens(t *testing.T) {
	term := newMockTerminal()
	term.positions = []models.Position{{
		Ticket: 7, Symbol: "XAUUSD", Side: models.Buy,
		Volume: 0.1, EntryPrice: 2000.0, StopLoss: 2001.0, // 已经锁得很紧
	}}
	term.tick = &models.Tick{Bid: 2001.2, Ask: 2001.7}
	m := newTestManager(term)

	require.NoError(t, m.ManageStops("XAUUSD"))
	assert.Empty(t, term.modified, "放松止损的候选价必须被跳过")
}

func TestTrailingSkippedBelowBreakeven(t *testing.T) {
	term := newMockTerminal()
	term.positions = []models.Position{{
		Ticket: 7, Symbol: "XAUUSD", Side: models.Buy,
		Volume: 0.1, EntryPrice: 2000.0, StopLoss: 0,
	}}
	// 浮盈仅3pips, 所有候选价都低于开仓价
	term.tick = &models.Tick{Bid: 2000.3, Ask: 2000.8}
	m := newTestManager(term)

	require.NoError(t, m.ManageStops("XAUUSD"))
	assert.Empty(t, term.modified)
}

func TestTrailingRespectsMinStopDistance(t *testing.T) {
	term := newMockTerminal()
	term.spec.StopLevel = 5.0 // 距现价至少5.0
	term.positions = []models.Position{{
		Ticket: 7, Symbol: "XAUUSD", Side: models.Buy,
		Volume: 0.1, EntryPrice: 2000.0, StopLoss: 0,
	}}
	term.tick = &models.Tick{Bid: 2002.0, Ask: 2002.5}
	m := newTestManager(term)

	require.NoError(t, m.ManageStops("XAUUSD"))
	assert.Empty(t, term.modified)
}

func TestTrailingSellSide(t *testing.T) {
	term := newMockTerminal()
	term.positions = []models.Position{{
		Ticket: 9, Symbol: "XAUUSD", Side: models.Sell,
		Volume: 0.1, EntryPrice: 2000.0, StopLoss: 0,
	}}
	term.tick = &models.Tick{Bid: 1997.5, Ask: 1998.0}
	m := newTestManager(term)

	require.NoError(t, m.ManageStops("XAUUSD"))

	require.Len(t, term.modified, 1)
	// 浮盈20pips: 锁利档 2000 - 0.8 = 1999.2
	assert.InDelta(t, 1999.2, term.modified[0].sl, 1e-9)
	assert.LessOrEqual(t, term.modified[0].sl, 2000.0)
}

func TestReconcileClosesOpposingOnly(t *testing.T) {
	term := newMockTerminal()
	term.positions = []models.Position{
		{Ticket: 1, Symbol: "XAUUSD", Side: models.Buy, EntryPrice: 2000},
		{Ticket: 2, Symbol: "XAUUSD", Side: models.Sell, EntryPrice: 2000},
	}
	m := newTestManager(term)

	require.NoError(t, m.ReconcileTrend("XAUUSD", models.Bearish))
	assert.Equal(t, []int64{1}, term.closed, "趋势转空只平多单")

	term.closed = nil
	require.NoError(t, m.ReconcileTrend("XAUUSD", models.Neutral))
	assert.Empty(t, term.closed, "中性趋势不触发对账平仓")
}

func TestCountOpen(t *testing.T) {
	term := newMockTerminal()
	term.positions = []models.Position{
		{Ticket: 1, Symbol: "XAUUSD", Side: models.Buy},
		{Ticket: 2, Symbol: "XAUUSD", Side: models.Buy},
	}
	m := newTestManager(term)

	n, err := m.CountOpen("XAUUSD")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
