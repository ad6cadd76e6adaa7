package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"mt5-scalper-bot-go/internal/broker"
	"mt5-scalper-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTerminal 返回预置的K线数据并记录全部下单请求
type fakeTerminal struct {
	sync.Mutex
	bars         map[string][]models.MarketBar // 按周期索引
	positions    []models.Position
	submitted    []models.OrderRequest
	submitResult *models.OrderResult // 预置应答, 为空时按成交处理
	nextTicket   int64
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{
		bars:       make(map[string][]models.MarketBar),
		nextTicket: 100,
	}
}

func (f *fakeTerminal) Connect() error { return nil }
func (f *fakeTerminal) Close() error   { return nil }

func (f *fakeTerminal) GetBars(symbol, timeframe string, count int) ([]models.MarketBar, error) {
	f.Lock()
	defer f.Unlock()
	out := make([]models.MarketBar, len(f.bars[timeframe]))
	copy(out, f.bars[timeframe])
	return out, nil
}

func (f *fakeTerminal) GetTick(symbol string) (*models.Tick, error) {
	return &models.Tick{Bid: 100.0, Ask: 100.0002, Time: time.Now()}, nil
}

func (f *fakeTerminal) GetAccountSnapshot() (*models.AccountSnapshot, error) {
	return &models.AccountSnapshot{Balance: 10000, Equity: 10000}, nil
}

func (f *fakeTerminal) GetOpenPositions(symbol string) ([]models.Position, error) {
	f.Lock()
	defer f.Unlock()
	out := make([]models.Position, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

func (f *fakeTerminal) SubmitOrder(req models.OrderRequest) (*models.OrderResult, error) {
	f.Lock()
	defer f.Unlock()
	f.submitted = append(f.submitted, req)
	if f.submitResult != nil {
		return f.submitResult, nil
	}
	f.nextTicket++
	return &models.OrderResult{Ticket: f.nextTicket, RetCode: models.RetCodeDone}, nil
}

func (f *fakeTerminal) ModifyStop(ticket int64, stopLoss, takeProfit float64) error { return nil }
func (f *fakeTerminal) ClosePosition(ticket int64) error                            { return nil }

func (f *fakeTerminal) SymbolSpec(symbol string) (*models.SymbolSpec, error) {
	return &models.SymbolSpec{Symbol: symbol, Point: 0.0001, Digits: 5}, nil
}

type stubProvider struct {
	term broker.Terminal
}

func (p stubProvider) Terminal(user string) (broker.Terminal, error) {
	return p.term, nil
}

// multiProvider 按用户名区分终端
type multiProvider struct {
	terms map[string]broker.Terminal
}

func (p multiProvider) Terminal(user string) (broker.Terminal, error) {
	t, ok := p.terms[user]
	if !ok {
		return nil, fmt.Errorf("用户 %s 没有配置终端", user)
	}
	return t, nil
}

// slowTerminal 的连接耗时显著, 用于验证慢连接的隔离性
type slowTerminal struct {
	*fakeTerminal
	connectDelay time.Duration
}

func (s *slowTerminal) Connect() error {
	time.Sleep(s.connectDelay)
	return nil
}

// flakyTerminal 前若干次连接失败, 之后成功
type flakyTerminal struct {
	*fakeTerminal
	failures int
}

func (f *flakyTerminal) Connect() error {
	if f.failures > 0 {
		f.failures--
		return fmt.Errorf("网关超时")
	}
	return nil
}

// flatBars 生成价格完全不动的K线序列, 不会触发任何信号
func flatBars(n int) []models.MarketBar {
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	bars := make([]models.MarketBar, n)
	for i := range bars {
		bars[i] = models.MarketBar{
			Time: start.Add(time.Duration(i) * 5 * time.Minute),
			Open: 100, High: 100, Low: 100, Close: 100,
		}
	}
	return bars
}

// risingBars 生成持续上涨的K线序列, 高级别收盘价远超EMA缓冲带
func risingBars(n int) []models.MarketBar {
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	bars := make([]models.MarketBar, n)
	price := 100.0
	for i := range bars {
		bars[i] = models.MarketBar{
			Time: start.Add(time.Duration(i) * 5 * time.Minute),
			Open: price, High: price + 0.6, Low: price - 0.1, Close: price + 0.5,
		}
		price += 0.5
	}
	return bars
}

func engineConfig() *models.Config {
	cfg := &models.Config{}
	cfg.Normalize()
	cfg.Symbols = []string{"EURUSD"}
	cfg.ScanSymbols = []string{"EURUSD"}
	cfg.SignalSymbols = []string{"EURUSD"}
	cfg.CheckIntervalSec = 1
	cfg.ScanIntervalSec = 1
	cfg.SignalIntervalSec = 1
	return cfg
}

func newTestEngine(term *fakeTerminal) *Engine {
	return New(engineConfig(), stubProvider{term: term}, zap.NewNop().Sugar())
}

func TestStartIsIdempotent(t *testing.T) {
	term := newFakeTerminal()
	term.bars["M5"] = flatBars(120)
	term.bars["M15"] = flatBars(120)
	e := newTestEngine(term)

	assert.True(t, e.Start("dylan", KindScan))
	assert.False(t, e.Start("dylan", KindScan), "第二次启动必须被忽略")

	e.mu.Lock()
	count := len(e.runtimes)
	e.mu.Unlock()
	assert.Equal(t, 1, count)
	assert.True(t, e.Running("dylan", KindScan))

	assert.True(t, e.Stop("dylan", KindScan))
	assert.False(t, e.Running("dylan", KindScan))
	assert.Eventually(t, func() bool {
		return !e.ScanStatus("dylan").Scanning
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, "已停止", e.ScanStatus("dylan").Message)
}

func TestStopWithoutStartIsNoOp(t *testing.T) {
	e := newTestEngine(newFakeTerminal())

	assert.False(t, e.Stop("dylan", KindBot))
	assert.Equal(t, statusNotStarted, e.BotStatus("dylan").Message)
	assert.False(t, e.BotStatus("dylan").Running)
}

func TestSlowConnectDoesNotBlockOtherUsers(t *testing.T) {
	slow := &slowTerminal{fakeTerminal: newFakeTerminal(), connectDelay: 1500 * time.Millisecond}
	fast := newFakeTerminal()
	fast.bars["M5"] = flatBars(120)
	fast.bars["M15"] = flatBars(120)
	e := New(engineConfig(), multiProvider{terms: map[string]broker.Terminal{
		"alice": slow,
		"bob":   fast,
	}}, zap.NewNop().Sugar())

	done := make(chan struct{})
	go func() {
		_, _ = e.session("alice")
		close(done)
	}()
	time.Sleep(50 * time.Millisecond) // 让alice进入连接阶段

	start := time.Now()
	assert.True(t, e.Start("bob", KindScan))
	assert.True(t, e.Running("bob", KindScan))
	assert.True(t, e.Stop("bob", KindScan))
	assert.Less(t, time.Since(start), 500*time.Millisecond,
		"alice的慢连接不允许拖住bob的控制操作")

	<-done
}

func TestSessionRetriesAfterConnectFailure(t *testing.T) {
	term := &flakyTerminal{fakeTerminal: newFakeTerminal(), failures: 1}
	e := New(engineConfig(), stubProvider{term: term}, zap.NewNop().Sugar())

	_, err := e.session("dylan")
	require.Error(t, err, "首次连接失败必须上报错误")

	s, err := e.session("dylan")
	require.NoError(t, err, "连接失败不是终态, 下次调用重试")
	assert.NotNil(t, s.orders)
}

func TestDedupSetTrimsOldest(t *testing.T) {
	d := newDedupSet(3)

	assert.True(t, d.MarkIfNew("a"))
	assert.False(t, d.MarkIfNew("a"))
	assert.True(t, d.MarkIfNew("b"))
	assert.True(t, d.MarkIfNew("c"))
	assert.True(t, d.MarkIfNew("d")) // 挤掉a

	assert.True(t, d.MarkIfNew("a"), "被淘汰的键可以重新进入")
	assert.False(t, d.MarkIfNew("d"))
}

func TestDedupSetClampsBadCapacity(t *testing.T) {
	d := newDedupSet(0)

	assert.True(t, d.MarkIfNew("a"))
	assert.False(t, d.MarkIfNew("a"), "非法容量不允许让去重失效")
}

func TestAutoExecRejectUpdatesStatus(t *testing.T) {
	term := newFakeTerminal()
	term.submitResult = &models.OrderResult{RetCode: models.RetCodeNoMoney, Comment: "资金不足"}
	e := newTestEngine(term)

	sig := &models.TradeSignal{Symbol: "EURUSD", Direction: models.Buy, Strength: 1.0, BarTime: time.Now()}
	e.executeDedupedSignal("dylan", "EURUSD", sig)

	st := e.SignalStatus("dylan")
	assert.Contains(t, st.Message, "执行失败")
	assert.Contains(t, st.Message, "资金不足")
}

func TestSignalKeyComposition(t *testing.T) {
	barTime := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	sig := &models.TradeSignal{Symbol: "XAUUSD", Direction: models.Buy, BarTime: barTime}
	assert.Equal(t, fmt.Sprintf("XAUUSD_BUY_%d", barTime.Unix()), signalKey(sig))
}

func TestEvaluateSignalLeavesTrendUntouched(t *testing.T) {
	term := newFakeTerminal()
	term.bars["M5"] = risingBars(120)
	term.bars["M15"] = risingBars(120)
	e := newTestEngine(term)

	sig, err := e.EvaluateSignal("dylan", "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, models.Bullish, sig.Trend)
	// 只读评估不落状态, 跟踪器仍是初始的NEUTRAL
	assert.Equal(t, models.Neutral, e.trends.Current("dylan", "EURUSD"))
}

func TestRunCycleUpdatesStatusWithoutTrades(t *testing.T) {
	term := newFakeTerminal()
	term.bars["M5"] = flatBars(120)
	term.bars["M15"] = flatBars(120)
	e := newTestEngine(term)

	require.NoError(t, e.RunCycle("dylan"))

	st := e.BotStatus("dylan")
	assert.Equal(t, "运行中", st.Message)
	assert.Equal(t, models.Neutral, st.Trends["EURUSD"])
	assert.Equal(t, 0, st.TradesToday)
	assert.False(t, st.LastCycleTime.IsZero())
	assert.Empty(t, term.submitted, "横盘行情不允许产生订单")
}

func TestRunCycleSkipsSymbolOnShortWindow(t *testing.T) {
	term := newFakeTerminal()
	term.bars["M5"] = flatBars(30) // 低于指标所需的最小窗口
	term.bars["M15"] = flatBars(30)
	e := newTestEngine(term)

	require.NoError(t, e.RunCycle("dylan"), "数据不足只跳过品种, 不构成整轮错误")
	assert.Empty(t, term.submitted)
	assert.NotContains(t, e.BotStatus("dylan").Trends, "EURUSD")
}

func TestExecuteSignalSizingAndCaps(t *testing.T) {
	term := newFakeTerminal()
	e := newTestEngine(term)

	sig := &models.TradeSignal{
		Symbol:    "EURUSD",
		Direction: models.Buy,
		Strength:  1.0,
		BarTime:   time.Now(),
	}

	res, err := e.executeSignal("dylan", sig, 0)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, term.submitted, 1)
	// 10000余额 × 1%风险 × 1.0置信度 / (20pips × 10) = 0.50手
	assert.Equal(t, 0.50, term.submitted[0].Volume)

	// 指定手数时跳过风险推算
	res, err = e.executeSignal("dylan", sig, 0.07)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0.07, term.submitted[1].Volume)

	// 持仓已满时拒绝执行
	term.Lock()
	term.positions = []models.Position{
		{Ticket: 1, Symbol: "EURUSD", Side: models.Buy},
		{Ticket: 2, Symbol: "EURUSD", Side: models.Buy},
		{Ticket: 3, Symbol: "EURUSD", Side: models.Buy},
	}
	term.Unlock()
	res, err = e.executeSignal("dylan", sig, 0)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "持仓已满")
}

func TestExecuteSignalDailyCap(t *testing.T) {
	term := newFakeTerminal()
	cfg := engineConfig()
	cfg.MaxDailyTrades = 1
	e := New(cfg, stubProvider{term: term}, zap.NewNop().Sugar())

	sig := &models.TradeSignal{Symbol: "EURUSD", Direction: models.Sell, Strength: 1.0, BarTime: time.Now()}

	res, err := e.executeSignal("dylan", sig, 0)
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = e.executeSignal("dylan", sig, 0)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "当日开仓上限")
	assert.Len(t, term.submitted, 1)
}

func TestExecuteSignalWithoutDirection(t *testing.T) {
	e := newTestEngine(newFakeTerminal())

	res, err := e.executeSignal("dylan", &models.TradeSignal{Symbol: "EURUSD", Direction: models.None}, 0)
	require.NoError(t, err)
	assert.False(t, res.Success)
}
