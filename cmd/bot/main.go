package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"mt5-scalper-bot-go/internal/broker"
	"mt5-scalper-bot-go/internal/config"
	"mt5-scalper-bot-go/internal/engine"
	"mt5-scalper-bot-go/internal/history"
	"mt5-scalper-bot-go/internal/logger"
	"mt5-scalper-bot-go/internal/models"
	"mt5-scalper-bot-go/internal/reporter"

	"github.com/joho/godotenv"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or backtest")
	dataPath := flag.String("data", "", "path to historical data file for backtesting")
	symbol := flag.String("symbol", "", "symbol to backtest (e.g., BTCUSDT)")
	startDate := flag.String("start", "", "start date for backtesting (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for backtesting (YYYY-MM-DD)")
	flag.Parse()

	// 先用默认配置初始化日志, 以便加载.env和配置文件时就能输出
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// 使用文件中的配置重新初始化日志
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	switch *mode {
	case "live":
		runLiveMode(cfg)
	case "backtest":
		runBacktestMode(cfg, *dataPath, *symbol, *startDate, *endDate)
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live' 或 'backtest'。", *mode)
	}
}

// accountProvider 把配置中的账户映射为各自的网关终端
type accountProvider struct {
	terminals map[string]*broker.BridgeTerminal
}

func newAccountProvider(cfg *models.Config, apiKey, secretKey string) (*accountProvider, error) {
	p := &accountProvider{terminals: make(map[string]*broker.BridgeTerminal)}
	for _, acct := range cfg.Accounts {
		password := os.Getenv(acct.PasswordEnv)
		if password == "" {
			return nil, fmt.Errorf("账户 %s 的密码环境变量 %s 未设置", acct.User, acct.PasswordEnv)
		}
		p.terminals[acct.User] = broker.NewBridgeTerminal(
			apiKey, secretKey, cfg.BridgeAPIURL, cfg.BridgeWSURL,
			acct.Login, acct.Server, password, logger.S())
	}
	return p, nil
}

func (p *accountProvider) Terminal(user string) (broker.Terminal, error) {
	term, ok := p.terminals[user]
	if !ok {
		return nil, fmt.Errorf("未知的用户: %s", user)
	}
	return term, nil
}

// runLiveMode 为配置中的每个账户启动全部三类循环
func runLiveMode(cfg *models.Config) {
	logger.S().Info("--- 启动实时交易模式 ---")

	apiKey := os.Getenv("MT5_BRIDGE_API_KEY")
	secretKey := os.Getenv("MT5_BRIDGE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		logger.S().Fatal("错误：MT5_BRIDGE_API_KEY 和 MT5_BRIDGE_SECRET_KEY 环境变量必须被设置。")
	}
	if len(cfg.Accounts) == 0 {
		logger.S().Fatal("配置中没有任何交易账户。")
	}

	provider, err := newAccountProvider(cfg, apiKey, secretKey)
	if err != nil {
		logger.S().Fatalf("初始化账户失败: %v", err)
	}

	eng := engine.New(cfg, provider, logger.S())
	kinds := []engine.ManagerKind{engine.KindBot, engine.KindScan, engine.KindSignal}
	for _, acct := range cfg.Accounts {
		for _, kind := range kinds {
			eng.Start(acct.User, kind)
		}
	}

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.S().Info("收到退出信号，正在停止所有循环...")
	for _, acct := range cfg.Accounts {
		for _, kind := range kinds {
			eng.Stop(acct.User, kind)
		}
	}
	// 停止是即发即忘的，给循环一点时间在休眠切片上醒来
	time.Sleep(2 * time.Second)

	for _, term := range provider.terminals {
		if err := term.Close(); err != nil {
			logger.S().Warnf("关闭终端失败: %v", err)
		}
	}
	logger.S().Info("所有循环已停止。")
}

// runBacktestMode 在历史K线上回放主循环
func runBacktestMode(cfg *models.Config, dataPath, symbol, startDate, endDate string) {
	logger.S().Info("--- 启动回测模式 ---")

	var bars []models.MarketBar
	var dataDesc string
	var err error

	switch {
	case symbol != "" && startDate != "" && endDate != "":
		bars, err = downloadBars(cfg, symbol, startDate, endDate)
		dataDesc = fmt.Sprintf("%s %s %s~%s", symbol, cfg.Timeframe, startDate, endDate)
	case dataPath != "":
		symbol = extractSymbolFromPath(dataPath)
		if symbol == "" {
			logger.S().Fatalf("无法从数据文件路径 %s 中提取品种", dataPath)
		}
		bars, err = loadCSVBars(dataPath)
		dataDesc = dataPath
	default:
		logger.S().Fatal("回测模式需要通过 --data 或 --symbol/start/end 参数指定数据源")
	}
	if err != nil {
		logger.S().Fatalf("加载历史数据失败: %v", err)
	}
	if len(bars) == 0 {
		logger.S().Fatal("历史数据为空。")
	}

	// 回测只跑单品种主循环
	cfg.Symbols = []string{symbol}

	sim := broker.NewSimTerminal(cfg, logger.S())
	sim.SetSymbolSpec(specForSymbol(symbol))
	eng := engine.New(cfg, simProvider{sim: sim}, logger.S())

	const user = "backtest"
	logger.S().Infof("开始回测 %s, 共 %d 根K线...", symbol, len(bars))
	for _, bar := range bars {
		sim.AppendBar(symbol, bar)
		if err := eng.RunCycle(user); err != nil {
			logger.S().Errorf("回测轮次失败: %v", err)
			break
		}
	}
	logger.S().Info("回测结束。")

	reporter.GenerateReport(sim, dataDesc)
}

// simProvider 把同一个模拟终端提供给回测用户
type simProvider struct {
	sim *broker.SimTerminal
}

func (p simProvider) Terminal(user string) (broker.Terminal, error) {
	return p.sim, nil
}

// downloadBars 经由币安下载回测K线, 命中本地缓存时直接读取
func downloadBars(cfg *models.Config, symbol, startDate, endDate string) ([]models.MarketBar, error) {
	start, err1 := time.Parse("2006-01-02", startDate)
	end, err2 := time.Parse("2006-01-02", endDate)
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}

	store, err := history.NewBadgerStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("打开K线缓存失败: %v", err)
	}
	defer store.Close()

	dl := history.NewDownloader(store, logger.S())
	return dl.Fetch(context.Background(), symbol, cfg.Timeframe, start, end)
}

// loadCSVBars 读取币安导出格式的CSV历史数据
func loadCSVBars(path string) ([]models.MarketBar, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) <= 1 {
		return nil, fmt.Errorf("历史数据文件为空或只有表头")
	}

	var bars []models.MarketBar
	for _, record := range records[1:] {
		if len(record) < 6 {
			continue
		}
		timestampMs, errT := strconv.ParseInt(record[0], 10, 64)
		open, errO := strconv.ParseFloat(record[1], 64)
		high, errH := strconv.ParseFloat(record[2], 64)
		low, errL := strconv.ParseFloat(record[3], 64)
		closePrice, errC := strconv.ParseFloat(record[4], 64)
		volume, errV := strconv.ParseFloat(record[5], 64)
		if errT != nil || errO != nil || errH != nil || errL != nil || errC != nil || errV != nil {
			logger.S().Warnf("无法解析K线数据，跳过此条记录: %v", record)
			continue
		}
		bars = append(bars, models.MarketBar{
			Time: time.UnixMilli(timestampMs).UTC(),
			Open: open, High: high, Low: low, Close: closePrice, Volume: volume,
		})
	}
	return bars, nil
}

// extractSymbolFromPath 从数据文件路径中提取品种名
// 例如: "data/BTCUSDT-2026-01-01-2026-02-01.csv" -> "BTCUSDT"
func extractSymbolFromPath(path string) string {
	name := strings.TrimSuffix(path, ".csv")
	parts := strings.Split(name, "/")
	fileName := parts[len(parts)-1]

	symbolParts := strings.Split(fileName, "-")
	if len(symbolParts) > 0 {
		return symbolParts[0]
	}
	return ""
}

// specForSymbol 给回测品种一个合理的报价规则
func specForSymbol(symbol string) models.SymbolSpec {
	s := strings.ToUpper(symbol)
	switch {
	case strings.HasPrefix(s, "XAU"), strings.HasPrefix(s, "XAG"):
		return models.SymbolSpec{Symbol: symbol, Point: 0.01, Digits: 2}
	case strings.HasPrefix(s, "BTC"):
		return models.SymbolSpec{Symbol: symbol, Point: 0.1, Digits: 1}
	case strings.HasSuffix(s, "JPY"):
		return models.SymbolSpec{Symbol: symbol, Point: 0.001, Digits: 3}
	default:
		return models.SymbolSpec{Symbol: symbol, Point: 0.00001, Digits: 5}
	}
}
