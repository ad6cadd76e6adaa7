package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mt5-scalper-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// Store 抽象K线缓存, 把底层存储与下载逻辑隔离开
type Store interface {
	// Load 读取一段缓存过的K线, 未命中时返回 (nil, nil)
	Load(symbol, timeframe string, start, end time.Time) ([]models.MarketBar, error)

	// Save 原子地写入一段K线
	Save(symbol, timeframe string, start, end time.Time, bars []models.MarketBar) error

	// Close 优雅地关闭底层数据库
	Close() error
}

// badgerStore 是 Store 的BadgerDB实现, 以 (品种, 周期, 起止时间) 为键
type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore 打开 (或创建) 位于dbPath的缓存数据库
func NewBadgerStore(dbPath string) (Store, error) {
	opts := badger.DefaultOptions(dbPath)
	// 关掉Badger自己的日志, 错误仍会从操作中返回
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

func cacheKey(symbol, timeframe string, start, end time.Time) []byte {
	return []byte(fmt.Sprintf("bars:%s:%s:%d:%d", symbol, timeframe, start.Unix(), end.Unix()))
}

func (s *badgerStore) Load(symbol, timeframe string, start, end time.Time) ([]models.MarketBar, error) {
	var bars []models.MarketBar

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(symbol, timeframe, start, end))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &bars)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil // 未命中不是错误
	}
	if err != nil {
		return nil, err
	}
	return bars, nil
}

func (s *badgerStore) Save(symbol, timeframe string, start, end time.Time, bars []models.MarketBar) error {
	data, err := json.Marshal(bars)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cacheKey(symbol, timeframe, start, end), data)
	})
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}
