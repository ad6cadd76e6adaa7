package order

import (
	"fmt"
	"sync"
	"time"

	"mt5-scalper-bot-go/internal/broker"
	"mt5-scalper-bot-go/internal/models"

	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// Manager 负责订单生命周期: 入场、移动止损的单调收紧、趋势反转的持仓清理。
// 每个用户会话持有一个实例; 持仓的权威记录始终在终端侧。
type Manager struct {
	term   broker.Terminal
	cfg    *models.Config
	logger *zap.SugaredLogger

	mu         sync.Mutex
	maxProfits map[int64]*profitRecord // 每张持仓出现过的最大浮盈
}

type profitRecord struct {
	symbol string
	pips   float64
}

// NewManager 创建一个订单管理器
func NewManager(term broker.Terminal, cfg *models.Config, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		term:       term,
		cfg:        cfg,
		logger:     logger,
		maxProfits: make(map[int64]*profitRecord),
	}
}

// clientTag 生成带base62时间后缀的订单注释, 便于在终端侧区分每次入场
func (m *Manager) clientTag() string {
	return fmt.Sprintf("%s-%s", m.cfg.OrderTag, string(base62.FormatInt(time.Now().UnixNano())))
}

// Open 以市价入场。止损/止盈从pip距离推出; 配置了ATR倍数时 (回测变体) 改用
// ATR倍数。终端拒单只记录日志, 本轮不重试。
func (m *Manager) Open(symbol string, dir models.Direction, lot float64, atr float64) (*models.OrderResult, error) {
	spec, err := m.term.SymbolSpec(symbol)
	if err != nil {
		return nil, fmt.Errorf("获取品种规则失败: %v", err)
	}
	tick, err := m.term.GetTick(symbol)
	if err != nil {
		return nil, fmt.Errorf("获取报价失败: %v", err)
	}

	pip := spec.Pip()
	slDist := m.cfg.StopLossPips * pip
	tpDist := m.cfg.TakeProfitPips * pip
	if m.cfg.ATRStopFactor > 0 && atr > 0 {
		slDist = atr * m.cfg.ATRStopFactor
		tpDist = slDist * 2
	}

	req := models.OrderRequest{
		Symbol: symbol,
		Side:   dir,
		Volume: lot,
		Tag:    m.clientTag(),
	}
	switch dir {
	case models.Buy:
		req.StopLoss = tick.Ask - slDist
		req.TakeProfit = tick.Ask + tpDist
	case models.Sell:
		req.StopLoss = tick.Bid + slDist
		req.TakeProfit = tick.Bid - tpDist
	default:
		return nil, fmt.Errorf("无效的交易方向: %s", dir)
	}

	result, err := m.term.SubmitOrder(req)
	if err != nil {
		return nil, fmt.Errorf("提交订单失败: %v", err)
	}
	if !result.Success() {
		m.logger.Warnf("%s %s 订单被终端拒绝 (code=%d): %s, 本轮不重试",
			symbol, dir, result.RetCode, result.Comment)
		return result, nil
	}

	m.logger.Infof("开仓成功: #%d %s %s %.2f手 SL=%.5f TP=%.5f",
		result.Ticket, symbol, dir, lot, req.StopLoss, req.TakeProfit)
	return result, nil
}

// CountOpen 返回品种的当前持仓数, 每轮在入场评估前重新查询
func (m *Manager) CountOpen(symbol string) (int, error) {
	positions, err := m.term.GetOpenPositions(symbol)
	if err != nil {
		return 0, err
	}
	return len(positions), nil
}

// ReconcileTrend 在趋势翻转后平掉反向持仓: 趋势转空平掉所有多单, 反之亦然。
// 每轮在评估新入场之前运行一次。
func (m *Manager) ReconcileTrend(symbol string, trend models.Trend) error {
	if trend == models.Neutral {
		return nil
	}

	positions, err := m.term.GetOpenPositions(symbol)
	if err != nil {
		return fmt.Errorf("获取持仓失败: %v", err)
	}

	for _, p := range positions {
		opposing := (trend == models.Bearish && p.Side == models.Buy) ||
			(trend == models.Bullish && p.Side == models.Sell)
		if !opposing {
			continue
		}
		m.logger.Infof("趋势转为 %s, 平掉反向持仓 #%d (%s %s)", trend, p.Ticket, p.Symbol, p.Side)
		if err := m.term.ClosePosition(p.Ticket); err != nil {
			// 平仓失败记录后继续处理其余持仓, 下一轮会重新对账
			m.logger.Errorf("平仓 #%d 失败: %v", p.Ticket, err)
		} else {
			m.forget(p.Ticket)
		}
	}
	return nil
}

// ManageStops 对每张持仓应用止损阶梯。候选价取三档中最有利的一档:
// 常规移动止损、保本位、按最大浮盈比例的锁利位; 随后统一经过单调性检查:
// 只收紧不放松、不得低于开仓价 (保本或更好)、满足终端的最小止损距离。
// 任一条件不满足时本轮跳过, 不构成错误。
func (m *Manager) ManageStops(symbol string) error {
	positions, err := m.term.GetOpenPositions(symbol)
	if err != nil {
		return fmt.Errorf("获取持仓失败: %v", err)
	}
	if len(positions) == 0 {
		m.pruneTo(symbol, nil)
		return nil
	}

	spec, err := m.term.SymbolSpec(symbol)
	if err != nil {
		return fmt.Errorf("获取品种规则失败: %v", err)
	}
	tick, err := m.term.GetTick(symbol)
	if err != nil {
		return fmt.Errorf("获取报价失败: %v", err)
	}

	for _, p := range positions {
		candidate, ok := m.stopCandidate(&p, tick, spec)
		if !ok {
			continue
		}
		if err := m.term.ModifyStop(p.Ticket, candidate, p.TakeProfit); err != nil {
			m.logger.Warnf("修改止损 #%d -> %.5f 失败: %v", p.Ticket, candidate, err)
			continue
		}
		m.logger.Infof("止损收紧: #%d %s %.5f -> %.5f", p.Ticket, p.Symbol, p.StopLoss, candidate)
	}

	m.pruneTo(symbol, positions)
	return nil
}

// stopCandidate 计算一张持仓本轮的止损候选价, ok=false表示本轮跳过
func (m *Manager) stopCandidate(p *models.Position, tick *models.Tick, spec *models.SymbolSpec) (float64, bool) {
	pip := spec.Pip()

	if p.Side == models.Buy {
		profitPips := (tick.Bid - p.EntryPrice) / pip
		maxProfit := m.recordProfit(p.Ticket, p.Symbol, profitPips)

		candidate := tick.Bid - m.cfg.TrailingDistance*pip
		if profitPips >= m.cfg.BreakevenTriggerPips {
			if be := p.EntryPrice + m.cfg.BreakevenOffsetPips*pip; be > candidate {
				candidate = be
			}
		}
		if maxProfit >= m.cfg.ProfitLockStartPips {
			if lock := p.EntryPrice + maxProfit*m.cfg.ProfitLockPercent/100*pip; lock > candidate {
				candidate = lock
			}
		}

		if p.StopLoss != 0 && candidate <= p.StopLoss {
			return 0, false // 只收紧, 不放松
		}
		if candidate < p.EntryPrice {
			return 0, false // 保本或更好
		}
		if tick.Bid-candidate < spec.StopLevel {
			return 0, false // 距离现价太近, 终端会拒绝
		}
		return candidate, true
	}

	if p.Side == models.Sell {
		profitPips := (p.EntryPrice - tick.Ask) / pip
		maxProfit := m.recordProfit(p.Ticket, p.Symbol, profitPips)

		candidate := tick.Ask + m.cfg.TrailingDistance*pip
		if profitPips >= m.cfg.BreakevenTriggerPips {
			if be := p.EntryPrice - m.cfg.BreakevenOffsetPips*pip; be < candidate {
				candidate = be
			}
		}
		if maxProfit >= m.cfg.ProfitLockStartPips {
			if lock := p.EntryPrice - maxProfit*m.cfg.ProfitLockPercent/100*pip; lock < candidate {
				candidate = lock
			}
		}

		if p.StopLoss != 0 && candidate >= p.StopLoss {
			return 0, false
		}
		if candidate > p.EntryPrice {
			return 0, false
		}
		if candidate-tick.Ask < spec.StopLevel {
			return 0, false
		}
		return candidate, true
	}

	return 0, false
}

// recordProfit 更新并返回该持仓出现过的最大浮盈
func (m *Manager) recordProfit(ticket int64, symbol string, profitPips float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.maxProfits[ticket]
	if !ok {
		rec = &profitRecord{symbol: symbol}
		m.maxProfits[ticket] = rec
	}
	if profitPips > rec.pips {
		rec.pips = profitPips
	}
	return rec.pips
}

// forget 丢弃一张持仓的浮盈记录
func (m *Manager) forget(ticket int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.maxProfits, ticket)
}

// pruneTo 清掉该品种下已不在持仓列表中的浮盈记录
func (m *Manager) pruneTo(symbol string, positions []models.Position) {
	alive := make(map[int64]bool, len(positions))
	for _, p := range positions {
		alive[p.Ticket] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for ticket, rec := range m.maxProfits {
		if rec.symbol == symbol && !alive[ticket] {
			delete(m.maxProfits, ticket)
		}
	}
}
