package engine

import (
	"fmt"
	"sync"
	"time"

	"mt5-scalper-bot-go/internal/broker"
	"mt5-scalper-bot-go/internal/indicator"
	"mt5-scalper-bot-go/internal/models"
	"mt5-scalper-bot-go/internal/order"
	"mt5-scalper-bot-go/internal/risk"
	"mt5-scalper-bot-go/internal/signal"
	"mt5-scalper-bot-go/internal/trend"

	"go.uber.org/zap"
)

// 循环出错后的退避时长 (秒)
const errorBackoffSec = 5

// TerminalProvider 按用户标识提供交易终端。
// 同一个用户多次调用必须返回同一个终端实例。
type TerminalProvider interface {
	Terminal(user string) (broker.Terminal, error)
}

// ManagerKind 标识三类后台循环
type ManagerKind string

const (
	KindBot    ManagerKind = "bot"    // 主交易循环
	KindScan   ManagerKind = "scan"   // 后台机会扫描器
	KindSignal ManagerKind = "signal" // 信号自动执行器
)

type runtimeKey struct {
	user string
	kind ManagerKind
}

// runtime 是一个在跑的循环, 关闭stop通道即请求其退出
type runtime struct {
	stop chan struct{}
}

// session 持有一个用户的终端连接、订单管理器和当日开仓计数。
// connMu只串行同一用户的连接建立, 与引擎锁互不嵌套。
type session struct {
	connMu sync.Mutex
	term   broker.Terminal
	orders *order.Manager

	mu     sync.Mutex
	trades int
	day    string // UTC日期, 跨日时计数归零
}

// tradeAllowed 判断当日开仓次数是否仍在上限以内
func (s *session) tradeAllowed(max int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDay()
	return s.trades < max
}

// recordTrade 在成功开仓后递增当日计数
func (s *session) recordTrade() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDay()
	s.trades++
}

func (s *session) todayCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDay()
	return s.trades
}

func (s *session) rollDay() {
	today := time.Now().UTC().Format("2006-01-02")
	if s.day != today {
		s.day = today
		s.trades = 0
	}
}

// Engine 编排多用户的三类循环: 每个 (用户, 循环类型) 至多一个运行实例。
// 启动是幂等的, 停止是即发即忘的: 循环在下一个休眠切片醒来时退出。
type Engine struct {
	cfg       *models.Config
	terminals TerminalProvider
	trends    *trend.Tracker
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	runtimes map[runtimeKey]*runtime
	sessions map[string]*session

	bots    *botStatusStore
	scans   *scanStatusStore
	signals *signalStatusStore
	dedup   *dedupSet
}

// New 创建编排引擎
func New(cfg *models.Config, terminals TerminalProvider, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		cfg:       cfg,
		terminals: terminals,
		trends:    trend.NewTracker(logger),
		logger:    logger,
		runtimes:  make(map[runtimeKey]*runtime),
		sessions:  make(map[string]*session),
		bots:      newBotStatusStore(),
		scans:     newScanStatusStore(),
		signals:   newSignalStatusStore(),
		dedup:     newDedupSet(cfg.DedupCapacity),
	}
}

// session 按用户惰性创建会话。引擎锁只保护会话表本身;
// 终端获取与连接在会话自己的锁下进行, 一个用户的慢连接
// 不会拖住其他用户的启停与评估。连接失败时下次调用重试。
func (e *Engine) session(user string) (*session, error) {
	e.mu.Lock()
	s, ok := e.sessions[user]
	if !ok {
		s = &session{}
		e.sessions[user] = s
	}
	e.mu.Unlock()

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.term != nil {
		return s, nil
	}
	term, err := e.terminals.Terminal(user)
	if err != nil {
		return nil, fmt.Errorf("获取用户 %s 的终端失败: %v", user, err)
	}
	if err := term.Connect(); err != nil {
		return nil, fmt.Errorf("连接用户 %s 的终端失败: %v", user, err)
	}
	s.term = term
	s.orders = order.NewManager(term, e.cfg, e.logger)
	return s, nil
}

// Start 启动一个用户的指定循环, 返回是否真的拉起了新实例。
// 重复启动不产生第二个实例, 只记录一条日志。
func (e *Engine) Start(user string, kind ManagerKind) bool {
	e.mu.Lock()
	k := runtimeKey{user: user, kind: kind}
	if _, ok := e.runtimes[k]; ok {
		e.mu.Unlock()
		e.logger.Infof("[%s] %s 循环已在运行, 忽略重复启动", user, kind)
		return false
	}
	rt := &runtime{stop: make(chan struct{})}
	e.runtimes[k] = rt
	e.mu.Unlock()

	e.logger.Infof("[%s] 启动 %s 循环", user, kind)
	switch kind {
	case KindBot:
		go e.runBotLoop(user, rt)
	case KindScan:
		go e.runScanLoop(user, rt)
	case KindSignal:
		go e.runSignalLoop(user, rt)
	default:
		e.logger.Errorf("未知的循环类型: %s", kind)
		e.removeRuntime(k)
		return false
	}
	return true
}

// Stop 请求停止一个用户的指定循环后立即返回, 不等待循环实际退出。
// 循环未在运行时是无害的空操作, 返回false。
func (e *Engine) Stop(user string, kind ManagerKind) bool {
	k := runtimeKey{user: user, kind: kind}
	e.mu.Lock()
	rt, ok := e.runtimes[k]
	if ok {
		delete(e.runtimes, k)
	}
	e.mu.Unlock()

	if !ok {
		e.logger.Infof("[%s] %s 循环未在运行, 忽略停止请求", user, kind)
		return false
	}
	e.logger.Infof("[%s] 已请求停止 %s 循环", user, kind)
	close(rt.stop)
	return true
}

func (e *Engine) removeRuntime(k runtimeKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runtimes, k)
}

// Running 报告一个 (用户, 循环类型) 是否有注册在案的运行实例
func (e *Engine) Running(user string, kind ManagerKind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runtimes[runtimeKey{user: user, kind: kind}]
	return ok
}

// BotStatus 返回主循环的状态快照
func (e *Engine) BotStatus(user string) models.BotStatus {
	return e.bots.snapshot(user)
}

// ScanStatus 返回扫描器的状态快照
func (e *Engine) ScanStatus(user string) models.ScanStatus {
	return e.scans.snapshot(user)
}

// SignalStatus 返回信号自动执行器的状态快照
func (e *Engine) SignalStatus(user string) models.SignalExecStatus {
	return e.signals.snapshot(user)
}

// waitOrStop 以1秒为切片休眠, 以便及时响应停止请求。
// 返回false表示停止被请求, 调用方必须立即退出循环。
func waitOrStop(stop <-chan struct{}, seconds int) bool {
	for i := 0; i < seconds; i++ {
		select {
		case <-stop:
			return false
		case <-time.After(time.Second):
		}
	}
	return true
}

// stopped 非阻塞地检查停止请求
func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// EvaluateSignal 对一个品种做一次只读的信号评估。
// 不改动趋势跟踪器, 不下单, 可以安全地反复调用。
func (e *Engine) EvaluateSignal(user, symbol string) (*models.TradeSignal, error) {
	s, err := e.session(user)
	if err != nil {
		return nil, err
	}
	sig, _, err := e.evaluateSymbol(user, s, symbol, false)
	return sig, err
}

// ExecuteSignal 评估一个品种并按结果开仓。lotOverride 大于零时直接使用
// 该手数, 否则由余额、风险百分比和信号强度推出。
// 持仓已满或当日次数用尽时返回不成功的结果而不是错误。
func (e *Engine) ExecuteSignal(user, symbol string, lotOverride float64) (*models.ExecResult, error) {
	sig, err := e.EvaluateSignal(user, symbol)
	if err != nil {
		return nil, err
	}
	return e.executeSignal(user, sig, lotOverride)
}

// executeSignal 对一个已评估好的信号执行开仓
func (e *Engine) executeSignal(user string, sig *models.TradeSignal, lotOverride float64) (*models.ExecResult, error) {
	if sig == nil || sig.Direction == models.None {
		return &models.ExecResult{Success: false, Reason: "信号没有交易方向"}, nil
	}
	s, err := e.session(user)
	if err != nil {
		return nil, err
	}

	open, err := s.orders.CountOpen(sig.Symbol)
	if err != nil {
		return nil, fmt.Errorf("获取持仓数失败: %v", err)
	}
	if open >= e.cfg.MaxPositions {
		return &models.ExecResult{Success: false, Reason: fmt.Sprintf("%s 持仓已满 (%d)", sig.Symbol, open)}, nil
	}
	if !s.tradeAllowed(e.cfg.MaxDailyTrades) {
		return &models.ExecResult{Success: false, Reason: fmt.Sprintf("已达当日开仓上限 %d", e.cfg.MaxDailyTrades)}, nil
	}

	lot := lotOverride
	if lot <= 0 {
		acct, err := s.term.GetAccountSnapshot()
		if err != nil {
			return nil, fmt.Errorf("获取账户快照失败: %v", err)
		}
		lot = risk.Lot(acct.Balance, e.cfg.RiskPercent, sig.Strength,
			e.cfg.StopLossPips, risk.PipValuePerLot(sig.Symbol))
	}

	result, err := s.orders.Open(sig.Symbol, sig.Direction, lot, 0)
	if err != nil {
		return nil, err
	}
	if !result.Success() {
		return &models.ExecResult{Success: false, Reason: result.Comment}, nil
	}
	s.recordTrade()
	return &models.ExecResult{Success: true, Ticket: result.Ticket}, nil
}

// evaluateSymbol 拉取K线、计算指标并合成完整的信号。
// commit 为真时把高级别趋势写入跟踪器 (主循环语义);
// 为假时只做只读判定, 供扫描与信号检查使用。
func (e *Engine) evaluateSymbol(user string, s *session, symbol string, commit bool) (*models.TradeSignal, *models.IndicatorSet, error) {
	bars, err := s.term.GetBars(symbol, e.cfg.Timeframe, e.cfg.BarCount)
	if err != nil {
		return nil, nil, fmt.Errorf("获取K线失败: %v", err)
	}
	ind, err := indicator.Compute(bars)
	if err != nil {
		return nil, nil, err
	}

	htf, err := s.term.GetBars(symbol, e.cfg.HTFTimeframe, e.cfg.BarCount)
	if err != nil {
		return nil, nil, fmt.Errorf("获取高级别K线失败: %v", err)
	}
	if len(htf) < indicator.HTFEMAPeriod {
		return nil, nil, fmt.Errorf("高级别K线数量不足: %d < %d", len(htf), indicator.HTFEMAPeriod)
	}
	htfCloses := make([]float64, len(htf))
	for i, b := range htf {
		htfCloses[i] = b.Close
	}
	htfEMA := indicator.EMA(htfCloses, indicator.HTFEMAPeriod)

	spec, err := s.term.SymbolSpec(symbol)
	if err != nil {
		return nil, nil, fmt.Errorf("获取品种规则失败: %v", err)
	}
	pip := spec.Pip()

	last := len(htf) - 1
	var tr models.Trend
	if commit {
		tr, _ = e.trends.Apply(user, symbol, htfCloses[last], htfEMA[last])
	} else {
		tr = trend.Classify(e.trends.Current(user, symbol), htfCloses[last], htfEMA[last])
	}

	a := signal.Score(ind, pip, e.cfg.ATRThresholdPips, e.cfg.ConfidenceThreshold, tr)
	conf := signal.Detect(bars, e.cfg.FVGMinGapPips*pip)

	n := len(bars)
	sig := &models.TradeSignal{
		Symbol:       symbol,
		Direction:    a.Direction,
		Strength:     a.Strength,
		BullStrength: a.BullStrength,
		BearStrength: a.BearStrength,
		Confluences:  conf.Tags(),
		SMCConfirmed: signal.Confirmed(a.Direction, tr, conf),
		QualityScore: signal.Quality(a.Direction, a.Strength, tr, conf),
		Trend:        tr,
		Price:        bars[n-1].Close,
		BarTime:      bars[n-1].Time,
	}
	return sig, ind, nil
}
