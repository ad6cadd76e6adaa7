package models

import (
	"fmt"
	"time"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	BridgeAPIURL string          `json:"bridge_api_url"` // MT5网关REST基础地址
	BridgeWSURL  string          `json:"bridge_ws_url"`  // MT5网关WebSocket基础地址
	Accounts     []AccountConfig `json:"accounts"`       // 参与交易的账户列表

	Symbols      []string `json:"symbols"`       // 主循环交易品种, 如 ["XAUUSD","EURUSD"]
	Timeframe    string   `json:"timeframe"`     // 信号周期, 如 "M5"
	HTFTimeframe string   `json:"htf_timeframe"` // 趋势判定的高级别周期, 如 "M15"
	BarCount     int      `json:"bar_count"`     // 每次拉取的K线数量

	RiskPercent         float64 `json:"risk_percent"`          // 单笔风险占余额百分比
	StopLossPips        float64 `json:"stop_loss_pips"`        // 止损距离 (pips)
	TakeProfitPips      float64 `json:"take_profit_pips"`      // 止盈距离 (pips)
	MaxPositions        int     `json:"max_positions"`         // 单品种最大持仓数
	MaxDailyTrades      int     `json:"max_daily_trades"`      // 每日最大开仓次数
	ConfidenceThreshold float64 `json:"confidence_threshold"`  // 信号强度阈值 [0,1]
	ATRThresholdPips    float64 `json:"atr_threshold_pips"`    // 波动率下限 (pips)
	FVGMinGapPips       float64 `json:"fvg_min_gap_pips"`      // 公允价值缺口的最小间隔 (pips)
	TrailingDistance    float64 `json:"trailing_distance_pips"` // 移动止损距离 (pips)

	// 利润保护阶梯
	BreakevenTriggerPips float64 `json:"breakeven_trigger_pips"` // 移动到保本位的触发盈利
	BreakevenOffsetPips  float64 `json:"breakeven_offset_pips"`  // 保本位相对开仓价的偏移
	ProfitLockStartPips  float64 `json:"profit_lock_start_pips"` // 开始锁定利润的盈利水平
	ProfitLockPercent    float64 `json:"profit_lock_percent"`    // 锁定最大浮盈的百分比

	CheckIntervalSec int    `json:"check_interval_sec"` // 主循环轮询间隔 (秒)
	OrderTag         string `json:"order_tag"`          // 订单注释中的策略标识

	// 后台扫描器
	ScanSymbols     []string `json:"scan_symbols"`      // 扫描品种列表 (轮询)
	ScanIntervalSec int      `json:"scan_interval_sec"` // 扫描间隔 (秒)
	MinQualityScore int      `json:"min_quality_score"` // 自动执行的最低质量分 [0,10]

	// 信号自动执行器
	SignalSymbols     []string `json:"signal_symbols"`      // 信号检查品种列表 (每轮全量)
	SignalIntervalSec int      `json:"signal_interval_sec"` // 信号检查间隔 (秒)
	SignalMinScore    int      `json:"signal_min_score"`    // 自动执行的最低信号分 [0,10]
	DedupCapacity     int      `json:"dedup_capacity"`      // 去重集合保留的最近信号数

	LogConfig LogConfig `json:"log"` // 日志配置

	// 回测引擎特定配置
	InitialBalance float64 `json:"initial_balance"` // 回测初始资金
	SpreadPips     float64 `json:"spread_pips"`     // 模拟点差 (pips)
	SlippagePips   float64 `json:"slippage_pips"`   // 模拟滑点 (pips)
	ATRStopFactor  float64 `json:"atr_stop_factor"` // 回测模式下以ATR倍数计算止损, 0表示沿用固定pips
	DBPath         string  `json:"db_path"`         // K线缓存数据库路径
}

// AccountConfig 描述一个接入网关的交易账户。密码只允许来自环境变量。
type AccountConfig struct {
	User        string `json:"user"`         // 引擎内的用户标识
	Login       int64  `json:"login"`        // 终端账号
	Server      string `json:"server"`       // 终端服务器名
	PasswordEnv string `json:"password_env"` // 存放密码的环境变量名
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Normalize 为未填写的配置项补上默认值
func (c *Config) Normalize() {
	if c.Timeframe == "" {
		c.Timeframe = "M5"
	}
	if c.HTFTimeframe == "" {
		c.HTFTimeframe = "M15"
	}
	if c.BarCount <= 0 {
		c.BarCount = 200
	}
	if c.RiskPercent <= 0 {
		c.RiskPercent = 1.0
	}
	if c.StopLossPips <= 0 {
		c.StopLossPips = 20
	}
	if c.TakeProfitPips <= 0 {
		c.TakeProfitPips = 40
	}
	if c.MaxPositions <= 0 {
		c.MaxPositions = 3
	}
	if c.MaxDailyTrades <= 0 {
		c.MaxDailyTrades = 30
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.5
	}
	if c.ATRThresholdPips <= 0 {
		c.ATRThresholdPips = 5
	}
	if c.FVGMinGapPips <= 0 {
		c.FVGMinGapPips = 5
	}
	if c.TrailingDistance <= 0 {
		c.TrailingDistance = 15
	}
	if c.BreakevenTriggerPips <= 0 {
		c.BreakevenTriggerPips = 5
	}
	if c.BreakevenOffsetPips <= 0 {
		c.BreakevenOffsetPips = 1
	}
	if c.ProfitLockStartPips <= 0 {
		c.ProfitLockStartPips = 8
	}
	if c.ProfitLockPercent <= 0 {
		c.ProfitLockPercent = 40
	}
	if c.CheckIntervalSec <= 0 {
		c.CheckIntervalSec = 3
	}
	if c.OrderTag == "" {
		c.OrderTag = "smc-scalper"
	}
	if len(c.Symbols) == 0 {
		c.Symbols = []string{"XAUUSD", "EURUSD", "GBPUSD", "USDJPY", "BTCUSD"}
	}
	if len(c.ScanSymbols) == 0 {
		c.ScanSymbols = []string{"XAUUSD", "BTCUSD", "EURUSD", "GBPUSD", "XAGUSD"}
	}
	if c.ScanIntervalSec <= 0 {
		c.ScanIntervalSec = 15
	}
	if c.MinQualityScore <= 0 {
		c.MinQualityScore = 7
	}
	if len(c.SignalSymbols) == 0 {
		c.SignalSymbols = []string{"XAUUSD", "XAGUSD", "BTCUSD", "EURUSD", "GBPUSD", "USDJPY"}
	}
	if c.SignalIntervalSec <= 0 {
		c.SignalIntervalSec = 15
	}
	if c.SignalMinScore <= 0 {
		c.SignalMinScore = 7
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = 50
	}
	if c.InitialBalance <= 0 {
		c.InitialBalance = 10000
	}
	if c.DBPath == "" {
		c.DBPath = "data/klines"
	}
}

// Direction 定义了交易方向的类型
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
	None Direction = "NONE"
)

// Trend 定义了趋势状态
type Trend string

const (
	Bullish Trend = "BULLISH"
	Bearish Trend = "BEARISH"
	Neutral Trend = "NEUTRAL"
)

// MarketBar 是一根OHLC K线。序列必须按时间升序排列。
type MarketBar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Tick 是一个买卖双边报价
type Tick struct {
	Bid  float64   `json:"bid"`
	Ask  float64   `json:"ask"`
	Time time.Time `json:"time"`
}

// AccountSnapshot 是账户的即时快照
type AccountSnapshot struct {
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"free_margin"`
}

// Position 定义了持仓信息。权威记录归终端所有，引擎只读取并请求修改。
type Position struct {
	Ticket     int64     `json:"ticket"`
	Symbol     string    `json:"symbol"`
	Side       Direction `json:"side"`
	Volume     float64   `json:"volume"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Profit     float64   `json:"profit"` // 未实现盈亏
	OpenTime   time.Time `json:"open_time"`
}

// SymbolSpec 描述一个品种的报价规则
type SymbolSpec struct {
	Symbol    string  `json:"symbol"`
	Point     float64 `json:"point"`      // 最小报价单位
	Digits    int     `json:"digits"`     // 报价小数位
	StopLevel float64 `json:"stop_level"` // 止损距当前价的最小距离 (价格单位)
}

// Pip 返回该品种1个pip对应的价格增量 (10个point)
func (s *SymbolSpec) Pip() float64 {
	return s.Point * 10
}

// 终端返回码, 与MT5的trade retcode对齐
const (
	RetCodeDone     = 10009 // 请求完成
	RetCodeRejected = 10006 // 请求被拒绝
	RetCodeNoMoney  = 10019 // 资金不足
	RetCodeInvalid  = 10013 // 非法请求
)

// OrderRequest 是提交给终端的市价单请求
type OrderRequest struct {
	Symbol     string    `json:"symbol"`
	Side       Direction `json:"side"`
	Volume     float64   `json:"volume"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Tag        string    `json:"tag"` // 策略标识, 写入订单注释
}

// OrderResult 是终端对下单请求的应答
type OrderResult struct {
	Ticket  int64  `json:"ticket"`
	RetCode int    `json:"ret_code"`
	Comment string `json:"comment"`
	Price   float64 `json:"price"` // 实际成交价
}

// Success 判断终端是否接受了该请求
func (r *OrderResult) Success() bool {
	return r != nil && r.RetCode == RetCodeDone
}

// ExecResult 是 ExecuteSignal 的显式结果记录
type ExecResult struct {
	Success bool   `json:"success"`
	Ticket  int64  `json:"ticket,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// IndicatorSet 是由K线窗口推导出的指标序列, 各切片与输入窗口等长对齐。
// 每轮重新计算, 从不持久化。
type IndicatorSet struct {
	FastEMA    []float64
	SlowEMA    []float64
	EMA21      []float64 // 基础周期上的慢速确认均线
	RSI        []float64
	StochK     []float64
	StochD     []float64
	ATR        []float64
	MACD       []float64
	MACDSignal []float64
	MACDHist   []float64
	BBUpper    []float64
	BBMiddle   []float64
	BBLower    []float64
}

// TradeSignal 是一次信号评估的完整结果
type TradeSignal struct {
	Symbol       string    `json:"symbol"`
	Direction    Direction `json:"direction"`
	Strength     float64   `json:"strength"` // 获胜方向的强度 [0,1]
	BullStrength float64   `json:"bull_strength"`
	BearStrength float64   `json:"bear_strength"`
	Confluences  []string  `json:"confluences"`   // SMC形态标签
	SMCConfirmed bool      `json:"smc_confirmed"` // 趋势+对侧扫荡+同向OB/FVG全部满足
	QualityScore int       `json:"quality_score"` // [0,10]
	Trend        Trend     `json:"trend"`
	Price        float64   `json:"price"`    // 评估时的收盘价
	BarTime      time.Time `json:"bar_time"` // 信号所属K线的时间, 用于去重
}

// BotStatus 是主循环的每用户状态快照, 每轮整体覆写
type BotStatus struct {
	Running       bool             `json:"running"`
	Message       string           `json:"message"`
	CurrentSymbol string           `json:"current_symbol"`
	Trends        map[string]Trend `json:"trends"`
	LastSignal    *TradeSignal     `json:"last_signal,omitempty"`
	LastCycleTime time.Time        `json:"last_cycle_time"`
	TradesToday   int              `json:"trades_today"`
}

// ScanStatus 是后台扫描器的每用户状态快照
type ScanStatus struct {
	Scanning      bool         `json:"scanning"`
	Message       string       `json:"message"`
	CurrentSymbol string       `json:"current_symbol"`
	LastScanTime  time.Time    `json:"last_scan_time"`
	LastEntry     *TradeSignal `json:"last_entry,omitempty"`
}

// SignalExecStatus 是信号自动执行器的每用户状态快照
type SignalExecStatus struct {
	Running       bool         `json:"running"`
	Message       string       `json:"message"`
	CurrentSymbol string       `json:"current_symbol"`
	LastCheckTime time.Time    `json:"last_check_time"`
	LastSignal    *TradeSignal `json:"last_signal,omitempty"`
}

// ClosedTrade 记录回测中一笔完整的平仓交易
type ClosedTrade struct {
	Ticket     int64
	Symbol     string
	Side       Direction
	Volume     float64
	EntryTime  time.Time
	ExitTime   time.Time
	EntryPrice float64
	ExitPrice  float64
	Profit     float64
	ExitReason string // "SL", "TP", "CLOSE"
}

// Error 定义了网关API返回的错误信息结构
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得该结构实现了 error 接口
func (e *Error) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}
