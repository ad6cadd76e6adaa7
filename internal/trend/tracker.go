package trend

import (
	"fmt"
	"sync"

	"mt5-scalper-bot-go/internal/models"

	"go.uber.org/zap"
)

// Buffer 是趋势翻转所需突破的相对缓冲带 (±0.1%)
const Buffer = 0.001

// Classify 是纯函数形式的趋势判定: 收盘价严格越过缓冲带才改变状态,
// 落在 [EMA×0.999, EMA×1.001] 区间内时维持之前的状态, 以避免来回震荡。
func Classify(prev models.Trend, closePrice, ema float64) models.Trend {
	switch {
	case closePrice > ema*(1+Buffer):
		return models.Bullish
	case closePrice < ema*(1-Buffer):
		return models.Bearish
	default:
		return prev
	}
}

// Tracker 维护每个 (用户, 品种) 的趋势状态。初始状态为 NEUTRAL。
// 状态只会被 Apply 修改, 整个存储由一把互斥锁保护。
type Tracker struct {
	mu     sync.Mutex
	states map[string]models.Trend
	logger *zap.SugaredLogger
}

// NewTracker 创建一个趋势跟踪器
func NewTracker(logger *zap.SugaredLogger) *Tracker {
	return &Tracker{
		states: make(map[string]models.Trend),
		logger: logger,
	}
}

func key(user, symbol string) string {
	return fmt.Sprintf("%s|%s", user, symbol)
}

// Current 返回当前趋势状态, 未知组合返回 NEUTRAL
func (t *Tracker) Current(user, symbol string) models.Trend {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.states[key(user, symbol)]; ok {
		return state
	}
	return models.Neutral
}

// Apply 用最新的高级别收盘价与EMA更新趋势状态, 返回新状态和是否发生了翻转。
// 每次翻转都会被记录, 但跟踪器只暴露当前状态, 不保留历史。
func (t *Tracker) Apply(user, symbol string, closePrice, ema float64) (models.Trend, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(user, symbol)
	prev, ok := t.states[k]
	if !ok {
		prev = models.Neutral
	}

	next := Classify(prev, closePrice, ema)
	t.states[k] = next

	changed := next != prev
	if changed {
		t.logger.Infof("[%s] %s 趋势切换: %s -> %s (close=%.5f, ema=%.5f)",
			user, symbol, prev, next, closePrice, ema)
	}
	return next, changed
}

// Reset 清除某个用户的全部趋势状态 (用户循环停止后调用)
func (t *Tracker) Reset(user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.states {
		if len(k) > len(user) && k[:len(user)] == user && k[len(user)] == '|' {
			delete(t.states, k)
		}
	}
}
