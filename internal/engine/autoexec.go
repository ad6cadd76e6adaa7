package engine

import (
	"fmt"
	"time"

	"mt5-scalper-bot-go/internal/models"
)

// runSignalLoop 是信号自动执行器: 每轮遍历全部信号品种,
// 高分信号经过去重后自动下单。
func (e *Engine) runSignalLoop(user string, rt *runtime) {
	defer func() {
		e.signals.update(user, func(st *models.SignalExecStatus) {
			st.Running = false
			st.Message = "已停止"
		})
		e.logger.Infof("[%s] 信号执行器已退出", user)
	}()

	e.signals.update(user, func(st *models.SignalExecStatus) {
		st.Running = true
		st.Message = "正在启动..."
	})

	s, err := e.session(user)
	if err != nil {
		e.logger.Errorf("[%s] 信号执行器启动失败: %v", user, err)
		e.signals.update(user, func(st *models.SignalExecStatus) {
			st.Message = fmt.Sprintf("错误: %v", err)
		})
		e.removeRuntime(runtimeKey{user: user, kind: KindSignal})
		return
	}

	for {
		if stopped(rt.stop) {
			return
		}

		e.signals.update(user, func(st *models.SignalExecStatus) {
			st.Running = true
			st.Message = "检查信号中..."
			st.LastCheckTime = time.Now()
		})

		backoff := false
		for _, symbol := range e.cfg.SignalSymbols {
			if stopped(rt.stop) {
				return
			}
			e.signals.update(user, func(st *models.SignalExecStatus) {
				st.CurrentSymbol = symbol
			})

			sig, _, err := e.evaluateSymbol(user, s, symbol, false)
			if err != nil {
				e.logger.Warnf("[%s] 信号检查 %s 出错: %v", user, symbol, err)
				e.signals.update(user, func(st *models.SignalExecStatus) {
					st.Message = fmt.Sprintf("错误: %v", err)
				})
				backoff = true
				break
			}

			if sig.Direction == models.None || sig.QualityScore < e.cfg.SignalMinScore {
				continue
			}
			e.executeDedupedSignal(user, symbol, sig)
		}

		if backoff {
			if !waitOrStop(rt.stop, errorBackoffSec) {
				return
			}
			continue
		}
		if !waitOrStop(rt.stop, e.cfg.SignalIntervalSec) {
			return
		}
	}
}

// executeDedupedSignal 先把信号标记进去重集合再执行, 同一根K线的
// 同向信号绝不会被下单两次。
func (e *Engine) executeDedupedSignal(user, symbol string, sig *models.TradeSignal) {
	key := signalKey(sig)
	if !e.dedup.MarkIfNew(key) {
		e.logger.Debugf("[%s] 重复信号忽略: %s", user, key)
		return
	}

	res, err := e.executeSignal(user, sig, 0)
	if err != nil {
		e.logger.Errorf("[%s] 信号执行 %s 失败: %v", user, symbol, err)
		e.signals.update(user, func(st *models.SignalExecStatus) {
			st.Message = fmt.Sprintf("错误: %v", err)
		})
		return
	}
	if !res.Success {
		e.logger.Infof("[%s] %s 信号被跳过: %s", user, symbol, res.Reason)
		e.signals.update(user, func(st *models.SignalExecStatus) {
			st.Message = fmt.Sprintf("执行失败: %s", res.Reason)
		})
		return
	}

	e.logger.Infof("[%s] 信号执行器已在 %s 开仓 #%d (评分 %d/10)", user, symbol, res.Ticket, sig.QualityScore)
	e.signals.update(user, func(st *models.SignalExecStatus) {
		st.Message = fmt.Sprintf("已在 %s 执行交易!", symbol)
		st.LastSignal = sig
	})
}
