package engine

import (
	"fmt"
	"sync"

	"mt5-scalper-bot-go/internal/models"
)

// dedupSet 记录最近执行过的信号键, 防止同一根K线的信号被重复下单。
// 超出容量时按插入顺序淘汰最旧的键。
type dedupSet struct {
	mu    sync.Mutex
	cap   int
	seen  map[string]bool
	order []string
}

// 容量未配置或非法时的兜底值
const defaultDedupCapacity = 50

func newDedupSet(capacity int) *dedupSet {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	return &dedupSet{
		cap:  capacity,
		seen: make(map[string]bool, capacity),
	}
}

// signalKey 由 (品种, 方向, K线时间) 组成信号的去重键
func signalKey(sig *models.TradeSignal) string {
	return fmt.Sprintf("%s_%s_%d", sig.Symbol, sig.Direction, sig.BarTime.Unix())
}

// MarkIfNew 在键未出现过时记录它并返回true; 已出现过则返回false。
// 先标记后执行, 保证同一个信号绝不会被执行两次。
func (d *dedupSet) MarkIfNew(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.seen[key] {
		return false
	}
	d.seen[key] = true
	d.order = append(d.order, key)

	for len(d.order) > d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return true
}
