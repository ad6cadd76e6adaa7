package engine

import (
	"fmt"
	"time"

	"mt5-scalper-bot-go/internal/models"
	"mt5-scalper-bot-go/internal/risk"
)

// runBotLoop 是一个用户的主交易循环: 每轮遍历全部主循环品种,
// 更新趋势、对账持仓、收紧止损, 并在信号成立时开仓。
func (e *Engine) runBotLoop(user string, rt *runtime) {
	defer func() {
		e.bots.update(user, func(st *models.BotStatus) {
			st.Running = false
			st.Message = "已停止"
		})
		e.trends.Reset(user)
		e.logger.Infof("[%s] 主循环已退出", user)
	}()

	e.bots.update(user, func(st *models.BotStatus) {
		st.Running = true
		st.Message = "正在启动..."
	})

	s, err := e.session(user)
	if err != nil {
		e.logger.Errorf("[%s] 主循环启动失败: %v", user, err)
		e.bots.update(user, func(st *models.BotStatus) {
			st.Message = fmt.Sprintf("错误: %v", err)
		})
		e.removeRuntime(runtimeKey{user: user, kind: KindBot})
		return
	}

	for {
		if stopped(rt.stop) {
			return
		}
		if err := e.runBotCycle(user, s); err != nil {
			e.logger.Errorf("[%s] 交易循环出错: %v", user, err)
			e.bots.update(user, func(st *models.BotStatus) {
				st.Message = fmt.Sprintf("错误: %v", err)
			})
			if !waitOrStop(rt.stop, errorBackoffSec) {
				return
			}
			continue
		}
		if !waitOrStop(rt.stop, e.cfg.CheckIntervalSec) {
			return
		}
	}
}

// RunCycle 同步执行一轮完整的主循环逻辑, 供回测驱动器逐根K线推进
func (e *Engine) RunCycle(user string) error {
	s, err := e.session(user)
	if err != nil {
		return err
	}
	return e.runBotCycle(user, s)
}

// runBotCycle 处理一轮全部品种。单个品种的数据不足或瞬时错误只跳过该品种,
// 下一轮自然重试, 不中断整轮。
func (e *Engine) runBotCycle(user string, s *session) error {
	trends := make(map[string]models.Trend, len(e.cfg.Symbols))
	var lastSignal *models.TradeSignal

	for _, symbol := range e.cfg.Symbols {
		e.bots.update(user, func(st *models.BotStatus) {
			st.CurrentSymbol = symbol
		})

		sig, ind, err := e.evaluateSymbol(user, s, symbol, true)
		if err != nil {
			e.logger.Warnf("[%s] %s 本轮跳过: %v", user, symbol, err)
			continue
		}
		trends[symbol] = sig.Trend
		lastSignal = sig

		if err := s.orders.ReconcileTrend(symbol, sig.Trend); err != nil {
			e.logger.Errorf("[%s] %s 趋势对账失败: %v", user, symbol, err)
		}
		if err := s.orders.ManageStops(symbol); err != nil {
			e.logger.Errorf("[%s] %s 止损管理失败: %v", user, symbol, err)
		}

		if sig.Direction == models.None {
			continue
		}

		open, err := s.orders.CountOpen(symbol)
		if err != nil {
			e.logger.Errorf("[%s] 获取 %s 持仓数失败: %v", user, symbol, err)
			continue
		}
		if open >= e.cfg.MaxPositions {
			e.logger.Debugf("[%s] %s 持仓已满 (%d), 跳过信号", user, symbol, open)
			continue
		}
		if !s.tradeAllowed(e.cfg.MaxDailyTrades) {
			e.logger.Infof("[%s] 已达当日开仓上限 %d, 跳过 %s 信号", user, e.cfg.MaxDailyTrades, symbol)
			continue
		}

		acct, err := s.term.GetAccountSnapshot()
		if err != nil {
			e.logger.Errorf("[%s] 获取账户快照失败: %v", user, err)
			continue
		}
		lot := risk.Lot(acct.Balance, e.cfg.RiskPercent, sig.Strength,
			e.cfg.StopLossPips, risk.PipValuePerLot(symbol))
		atr := ind.ATR[len(ind.ATR)-1]

		result, err := s.orders.Open(symbol, sig.Direction, lot, atr)
		if err != nil {
			e.logger.Errorf("[%s] %s 开仓失败: %v", user, symbol, err)
			continue
		}
		if result.Success() {
			s.recordTrade()
		}
	}

	e.bots.update(user, func(st *models.BotStatus) {
		st.Running = true
		st.Message = "运行中"
		st.Trends = trends
		st.LastSignal = lastSignal
		st.LastCycleTime = time.Now()
		st.TradesToday = s.todayCount()
	})
	return nil
}
