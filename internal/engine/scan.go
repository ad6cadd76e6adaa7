package engine

import (
	"fmt"
	"time"

	"mt5-scalper-bot-go/internal/models"
)

// runScanLoop 是后台机会扫描器: 每轮只看扫描列表中的下一个品种 (轮询),
// 发现高质量入场点时自动执行。
func (e *Engine) runScanLoop(user string, rt *runtime) {
	defer func() {
		e.scans.update(user, func(st *models.ScanStatus) {
			st.Scanning = false
			st.Message = "已停止"
		})
		e.logger.Infof("[%s] 扫描器已退出", user)
	}()

	e.scans.update(user, func(st *models.ScanStatus) {
		st.Scanning = true
		st.Message = "正在启动..."
	})

	s, err := e.session(user)
	if err != nil {
		e.logger.Errorf("[%s] 扫描器启动失败: %v", user, err)
		e.scans.update(user, func(st *models.ScanStatus) {
			st.Message = fmt.Sprintf("错误: %v", err)
		})
		e.removeRuntime(runtimeKey{user: user, kind: KindScan})
		return
	}

	idx := 0
	for {
		if stopped(rt.stop) {
			return
		}

		symbol := e.cfg.ScanSymbols[idx%len(e.cfg.ScanSymbols)]
		idx++

		e.scans.update(user, func(st *models.ScanStatus) {
			st.Scanning = true
			st.CurrentSymbol = symbol
			st.Message = fmt.Sprintf("正在扫描 %s...", symbol)
			st.LastScanTime = time.Now()
		})

		sig, _, err := e.evaluateSymbol(user, s, symbol, false)
		if err != nil {
			e.logger.Warnf("[%s] 扫描 %s 出错: %v", user, symbol, err)
			e.scans.update(user, func(st *models.ScanStatus) {
				st.Message = fmt.Sprintf("错误: %v", err)
			})
			if !waitOrStop(rt.stop, errorBackoffSec) {
				return
			}
			continue
		}

		if sig.Direction != models.None {
			e.handleScanEntry(user, symbol, sig)
		}

		if !waitOrStop(rt.stop, e.cfg.ScanIntervalSec) {
			return
		}
	}
}

// handleScanEntry 对扫描发现的入场点做质量把关并尝试执行
func (e *Engine) handleScanEntry(user, symbol string, sig *models.TradeSignal) {
	if sig.QualityScore < e.cfg.MinQualityScore {
		e.logger.Infof("[%s] %s 入场点质量 %d/10 低于 %d, 不执行",
			user, symbol, sig.QualityScore, e.cfg.MinQualityScore)
		e.scans.update(user, func(st *models.ScanStatus) {
			st.Message = fmt.Sprintf("发现入场点但质量 %d/10 低于 %d", sig.QualityScore, e.cfg.MinQualityScore)
		})
		return
	}
	if !sig.SMCConfirmed {
		e.logger.Infof("[%s] %s 入场点缺少聪明钱形态确认, 不执行", user, symbol)
		e.scans.update(user, func(st *models.ScanStatus) {
			st.Message = fmt.Sprintf("%s 缺少形态确认, 放弃入场", symbol)
		})
		return
	}

	res, err := e.executeSignal(user, sig, 0)
	if err != nil {
		e.logger.Errorf("[%s] 扫描入场 %s 失败: %v", user, symbol, err)
		e.scans.update(user, func(st *models.ScanStatus) {
			st.Message = fmt.Sprintf("错误: %v", err)
		})
		return
	}
	if !res.Success {
		e.logger.Infof("[%s] %s 入场被跳过: %s", user, symbol, res.Reason)
		e.scans.update(user, func(st *models.ScanStatus) {
			st.Message = fmt.Sprintf("%s 入场被跳过: %s", symbol, res.Reason)
		})
		return
	}

	e.logger.Infof("[%s] 扫描器已在 %s 开仓 #%d (质量 %d/10)", user, symbol, res.Ticket, sig.QualityScore)
	e.scans.update(user, func(st *models.ScanStatus) {
		st.Message = fmt.Sprintf("已在 %s 执行交易!", symbol)
		st.LastEntry = sig
	})
}
