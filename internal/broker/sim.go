package broker

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"mt5-scalper-bot-go/internal/models"
	"mt5-scalper-bot-go/internal/risk"

	"go.uber.org/zap"
)

// SimTerminal 实现了 Terminal 接口，用于在历史K线上回放整个交易流水线。
// 持仓的止损/止盈按每根K线 开->低->高->收 的路径触发，这与悲观填充一致：
// 同一根K线内同时触及止损和止盈时，多单先触发止损，空单先触发止盈。
type SimTerminal struct {
	mu sync.Mutex

	cfg    *models.Config
	logger *zap.SugaredLogger

	baseTF   string                        // 喂入序列的周期
	bars     map[string][]models.MarketBar // 每品种已回放的K线
	specs    map[string]*models.SymbolSpec
	ticketID int64

	Balance     float64
	positions   map[int64]*models.Position
	EquityCurve []float64
	TradeLog    []models.ClosedTrade
}

// NewSimTerminal 创建一个回测模拟终端
func NewSimTerminal(cfg *models.Config, logger *zap.SugaredLogger) *SimTerminal {
	return &SimTerminal{
		cfg:         cfg,
		logger:      logger,
		baseTF:      cfg.Timeframe,
		bars:        make(map[string][]models.MarketBar),
		specs:       make(map[string]*models.SymbolSpec),
		ticketID:    1000,
		Balance:     cfg.InitialBalance,
		positions:   make(map[int64]*models.Position),
		EquityCurve: []float64{cfg.InitialBalance},
	}
}

// SetSymbolSpec 注册品种的报价规则。未注册的品种使用五位小数的默认规则。
func (s *SimTerminal) SetSymbolSpec(spec models.SymbolSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[spec.Symbol] = &spec
}

// AppendBar 推进回测一根K线：先用新K线的路径结算现有持仓，再将其加入序列。
func (s *SimTerminal) AppendBar(symbol string, bar models.MarketBar) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settlePositions(symbol, bar)
	s.bars[symbol] = append(s.bars[symbol], bar)

	// 记录权益曲线 (余额 + 未实现盈亏)
	equity := s.Balance
	for _, p := range s.positions {
		if p.Symbol == symbol {
			p.Profit = s.unrealized(p, bar.Close)
		}
		equity += p.Profit
	}
	s.EquityCurve = append(s.EquityCurve, equity)
}

// settlePositions 沿 开->低->高->收 的价格路径检查止损/止盈触发
func (s *SimTerminal) settlePositions(symbol string, bar models.MarketBar) {
	for ticket, p := range s.positions {
		if p.Symbol != symbol {
			continue
		}
		switch p.Side {
		case models.Buy:
			if p.StopLoss > 0 && bar.Low <= p.StopLoss {
				s.closeAt(ticket, p.StopLoss, bar.Time, "SL")
			} else if p.TakeProfit > 0 && bar.High >= p.TakeProfit {
				s.closeAt(ticket, p.TakeProfit, bar.Time, "TP")
			}
		case models.Sell:
			if p.TakeProfit > 0 && bar.Low <= p.TakeProfit {
				s.closeAt(ticket, p.TakeProfit, bar.Time, "TP")
			} else if p.StopLoss > 0 && bar.High >= p.StopLoss {
				s.closeAt(ticket, p.StopLoss, bar.Time, "SL")
			}
		}
	}
}

// unrealized 计算持仓以给定价格结算时的盈亏
func (s *SimTerminal) unrealized(p *models.Position, price float64) float64 {
	spec := s.specLocked(p.Symbol)
	pipValue := risk.PipValuePerLot(p.Symbol)
	diff := price - p.EntryPrice
	if p.Side == models.Sell {
		diff = -diff
	}
	return diff / spec.Pip() * pipValue * p.Volume
}

// closeAt 以指定价格平仓并记入交易日志
func (s *SimTerminal) closeAt(ticket int64, price float64, at time.Time, reason string) {
	p, ok := s.positions[ticket]
	if !ok {
		return
	}
	profit := s.unrealized(p, price)
	s.Balance += profit
	s.TradeLog = append(s.TradeLog, models.ClosedTrade{
		Ticket:     p.Ticket,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Volume:     p.Volume,
		EntryTime:  p.OpenTime,
		ExitTime:   at,
		EntryPrice: p.EntryPrice,
		ExitPrice:  price,
		Profit:     profit,
		ExitReason: reason,
	})
	delete(s.positions, ticket)
	s.logger.Infof("[回测] 平仓 #%d %s %s %.2f手 @%.5f, 盈亏 %.2f (%s)",
		p.Ticket, p.Symbol, p.Side, p.Volume, price, profit, reason)
}

// --- Terminal 接口实现 ---

// Connect 在回测中无需建立会话
func (s *SimTerminal) Connect() error { return nil }

// GetBars 返回指定周期的K线窗口。请求的周期若高于喂入周期则按整数倍聚合。
func (s *SimTerminal) GetBars(symbol, timeframe string, count int) ([]models.MarketBar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	series := s.bars[symbol]
	if timeframe != s.baseTF {
		baseMin, err1 := timeframeMinutes(s.baseTF)
		wantMin, err2 := timeframeMinutes(timeframe)
		if err1 != nil || err2 != nil || wantMin%baseMin != 0 {
			return nil, fmt.Errorf("无法从 %s 聚合到 %s", s.baseTF, timeframe)
		}
		series = resample(series, wantMin/baseMin)
	}

	if len(series) > count {
		series = series[len(series)-count:]
	}
	out := make([]models.MarketBar, len(series))
	copy(out, series)
	return out, nil
}

// GetTick 以最新K线收盘价合成双边报价
func (s *SimTerminal) GetTick(symbol string) (*models.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	series := s.bars[symbol]
	if len(series) == 0 {
		return nil, fmt.Errorf("品种 %s 尚无行情数据", symbol)
	}
	last := series[len(series)-1]
	spread := s.cfg.SpreadPips * s.specLocked(symbol).Pip()
	return &models.Tick{
		Bid:  last.Close,
		Ask:  last.Close + spread,
		Time: last.Time,
	}, nil
}

// GetAccountSnapshot 返回模拟账户快照
func (s *SimTerminal) GetAccountSnapshot() (*models.AccountSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	equity := s.Balance
	for _, p := range s.positions {
		equity += p.Profit
	}
	return &models.AccountSnapshot{
		Balance:    s.Balance,
		Equity:     equity,
		Margin:     0,
		FreeMargin: equity,
	}, nil
}

// GetOpenPositions 返回指定品种的持仓
func (s *SimTerminal) GetOpenPositions(symbol string) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Position
	for _, p := range s.positions {
		if p.Symbol == symbol {
			out = append(out, *p)
		}
	}
	return out, nil
}

// SubmitOrder 以当前合成报价成交市价单, 并计入滑点
func (s *SimTerminal) SubmitOrder(req models.OrderRequest) (*models.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	series := s.bars[req.Symbol]
	if len(series) == 0 {
		return &models.OrderResult{RetCode: models.RetCodeRejected, Comment: "no market data"}, nil
	}
	if req.Volume <= 0 {
		return &models.OrderResult{RetCode: models.RetCodeInvalid, Comment: "invalid volume"}, nil
	}

	spec := s.specLocked(req.Symbol)
	last := series[len(series)-1]
	slip := s.cfg.SlippagePips * spec.Pip()
	spread := s.cfg.SpreadPips * spec.Pip()

	var price float64
	switch req.Side {
	case models.Buy:
		price = last.Close + spread + slip
	case models.Sell:
		price = last.Close - slip
	default:
		return &models.OrderResult{RetCode: models.RetCodeInvalid, Comment: "invalid side"}, nil
	}

	s.ticketID++
	s.positions[s.ticketID] = &models.Position{
		Ticket:     s.ticketID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Volume:     req.Volume,
		EntryPrice: price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenTime:   last.Time,
	}

	s.logger.Infof("[回测] 开仓 #%d %s %s %.2f手 @%.5f SL=%.5f TP=%.5f (%s)",
		s.ticketID, req.Symbol, req.Side, req.Volume, price, req.StopLoss, req.TakeProfit, req.Tag)

	return &models.OrderResult{Ticket: s.ticketID, RetCode: models.RetCodeDone, Price: price}, nil
}

// ModifyStop 修改持仓止损/止盈
func (s *SimTerminal) ModifyStop(ticket int64, stopLoss, takeProfit float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[ticket]
	if !ok {
		return fmt.Errorf("持仓 %d 不存在", ticket)
	}
	p.StopLoss = stopLoss
	if takeProfit > 0 {
		p.TakeProfit = takeProfit
	}
	return nil
}

// ClosePosition 以当前合成报价平仓
func (s *SimTerminal) ClosePosition(ticket int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[ticket]
	if !ok {
		return fmt.Errorf("持仓 %d 不存在", ticket)
	}
	series := s.bars[p.Symbol]
	if len(series) == 0 {
		return fmt.Errorf("品种 %s 尚无行情数据", p.Symbol)
	}
	s.closeAt(ticket, series[len(series)-1].Close, series[len(series)-1].Time, "CLOSE")
	return nil
}

// SymbolSpec 返回品种的报价规则
func (s *SimTerminal) SymbolSpec(symbol string) (*models.SymbolSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.specLocked(symbol), nil
}

// Close 在回测中无需释放资源
func (s *SimTerminal) Close() error { return nil }

// specLocked 返回已注册的规则, 否则给出默认的五位小数规则。调用者必须持有锁。
func (s *SimTerminal) specLocked(symbol string) *models.SymbolSpec {
	if spec, ok := s.specs[symbol]; ok {
		return spec
	}
	spec := &models.SymbolSpec{Symbol: symbol, Point: 0.00001, Digits: 5}
	s.specs[symbol] = spec
	return spec
}

// timeframeMinutes 将 "M5"/"M15"/"H1" 形式的周期解析为分钟数
func timeframeMinutes(tf string) (int, error) {
	if len(tf) < 2 {
		return 0, fmt.Errorf("无效的周期: %s", tf)
	}
	n, err := strconv.Atoi(tf[1:])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("无效的周期: %s", tf)
	}
	switch strings.ToUpper(tf[:1]) {
	case "M":
		return n, nil
	case "H":
		return n * 60, nil
	case "D":
		return n * 1440, nil
	}
	return 0, fmt.Errorf("无效的周期: %s", tf)
}

// resample 将K线按 factor 根一组聚合为更高周期
func resample(bars []models.MarketBar, factor int) []models.MarketBar {
	if factor <= 1 {
		return bars
	}
	var out []models.MarketBar
	for i := 0; i+factor <= len(bars); i += factor {
		chunk := bars[i : i+factor]
		agg := models.MarketBar{
			Time: chunk[0].Time,
			Open: chunk[0].Open,
			High: chunk[0].High,
			Low:  chunk[0].Low,
		}
		for _, b := range chunk {
			if b.High > agg.High {
				agg.High = b.High
			}
			if b.Low < agg.Low {
				agg.Low = b.Low
			}
			agg.Volume += b.Volume
		}
		agg.Close = chunk[len(chunk)-1].Close
		out = append(out, agg)
	}
	return out
}
