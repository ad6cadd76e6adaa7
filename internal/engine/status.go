package engine

import (
	"sync"

	"mt5-scalper-bot-go/internal/models"
)

// 每类循环各有一个状态存储, 按用户保存最近一轮写入的快照。
// 从未启动过的用户返回带默认提示的零值, 绝不返回空消息。

const statusNotStarted = "未启动"

type botStatusStore struct {
	mu     sync.Mutex
	byUser map[string]*models.BotStatus
}

func newBotStatusStore() *botStatusStore {
	return &botStatusStore{byUser: make(map[string]*models.BotStatus)}
}

func (s *botStatusStore) update(user string, fn func(*models.BotStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byUser[user]
	if !ok {
		st = &models.BotStatus{Message: statusNotStarted}
		s.byUser[user] = st
	}
	fn(st)
}

func (s *botStatusStore) snapshot(user string) models.BotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byUser[user]
	if !ok {
		return models.BotStatus{Message: statusNotStarted}
	}
	out := *st
	if st.Trends != nil {
		out.Trends = make(map[string]models.Trend, len(st.Trends))
		for k, v := range st.Trends {
			out.Trends[k] = v
		}
	}
	out.LastSignal = copySignal(st.LastSignal)
	return out
}

type scanStatusStore struct {
	mu     sync.Mutex
	byUser map[string]*models.ScanStatus
}

func newScanStatusStore() *scanStatusStore {
	return &scanStatusStore{byUser: make(map[string]*models.ScanStatus)}
}

func (s *scanStatusStore) update(user string, fn func(*models.ScanStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byUser[user]
	if !ok {
		st = &models.ScanStatus{Message: statusNotStarted}
		s.byUser[user] = st
	}
	fn(st)
}

func (s *scanStatusStore) snapshot(user string) models.ScanStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byUser[user]
	if !ok {
		return models.ScanStatus{Message: statusNotStarted}
	}
	out := *st
	out.LastEntry = copySignal(st.LastEntry)
	return out
}

type signalStatusStore struct {
	mu     sync.Mutex
	byUser map[string]*models.SignalExecStatus
}

func newSignalStatusStore() *signalStatusStore {
	return &signalStatusStore{byUser: make(map[string]*models.SignalExecStatus)}
}

func (s *signalStatusStore) update(user string, fn func(*models.SignalExecStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byUser[user]
	if !ok {
		st = &models.SignalExecStatus{Message: statusNotStarted}
		s.byUser[user] = st
	}
	fn(st)
}

func (s *signalStatusStore) snapshot(user string) models.SignalExecStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byUser[user]
	if !ok {
		return models.SignalExecStatus{Message: statusNotStarted}
	}
	out := *st
	out.LastSignal = copySignal(st.LastSignal)
	return out
}

func copySignal(sig *models.TradeSignal) *models.TradeSignal {
	if sig == nil {
		return nil
	}
	out := *sig
	out.Confluences = append([]string(nil), sig.Confluences...)
	return &out
}
