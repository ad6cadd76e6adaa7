package history

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"mt5-scalper-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// 引擎周期到币安interval的映射
var intervals = map[string]string{
	"M1":  "1m",
	"M5":  "5m",
	"M15": "15m",
	"M30": "30m",
	"H1":  "1h",
}

// Downloader 从币安下载历史K线用于回测。
// 同一段数据只下载一次, 之后从缓存读取。
type Downloader struct {
	client *binance.Client
	store  Store
	logger *zap.SugaredLogger
}

// NewDownloader 创建下载器。store可以为nil, 此时不做缓存。
func NewDownloader(store Store, logger *zap.SugaredLogger) *Downloader {
	return &Downloader{
		client: binance.NewClient("", ""), // 公共行情接口不需要API Key
		store:  store,
		logger: logger,
	}
}

// Fetch 返回 [start, end) 范围内的K线, 优先命中缓存
func (d *Downloader) Fetch(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]models.MarketBar, error) {
	interval, ok := intervals[timeframe]
	if !ok {
		return nil, fmt.Errorf("不支持的周期: %s", timeframe)
	}

	if d.store != nil {
		cached, err := d.store.Load(symbol, timeframe, start, end)
		if err != nil {
			return nil, fmt.Errorf("读取K线缓存失败: %v", err)
		}
		if cached != nil {
			d.logger.Infof("从缓存加载 %s %s K线 %d 根", symbol, timeframe, len(cached))
			return cached, nil
		}
	}

	d.logger.Infof("开始下载 %s %s 从 %s 到 %s 的K线...",
		symbol, timeframe, start.Format("2006-01-02"), end.Format("2006-01-02"))

	var bars []models.MarketBar
	for t := start; t.Before(end); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(t.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(1000). // 币安单次请求上限
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("下载K线失败: %v", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			bar, err := parseKline(k)
			if err != nil {
				return nil, err
			}
			bars = append(bars, bar)
		}

		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debugf("已下载至 %s", t.Format("2006-01-02 15:04:05"))
		time.Sleep(200 * time.Millisecond) // 避免触发接口限频
	}

	if d.store != nil && len(bars) > 0 {
		if err := d.store.Save(symbol, timeframe, start, end, bars); err != nil {
			d.logger.Warnf("写入K线缓存失败: %v", err)
		}
	}

	d.logger.Infof("共获得 %s %s K线 %d 根", symbol, timeframe, len(bars))
	return bars, nil
}

func parseKline(k *binance.Kline) (models.MarketBar, error) {
	var bar models.MarketBar
	var err error

	if bar.Open, err = strconv.ParseFloat(k.Open, 64); err != nil {
		return bar, fmt.Errorf("解析开盘价失败: %v", err)
	}
	if bar.High, err = strconv.ParseFloat(k.High, 64); err != nil {
		return bar, fmt.Errorf("解析最高价失败: %v", err)
	}
	if bar.Low, err = strconv.ParseFloat(k.Low, 64); err != nil {
		return bar, fmt.Errorf("解析最低价失败: %v", err)
	}
	if bar.Close, err = strconv.ParseFloat(k.Close, 64); err != nil {
		return bar, fmt.Errorf("解析收盘价失败: %v", err)
	}
	if bar.Volume, err = strconv.ParseFloat(k.Volume, 64); err != nil {
		return bar, fmt.Errorf("解析成交量失败: %v", err)
	}
	bar.Time = time.UnixMilli(k.OpenTime).UTC()
	return bar, nil
}
