package broker

import "mt5-scalper-bot-go/internal/models"

// Terminal 定义了所有行情/交易终端实现必须提供的通用方法。
// 这使得引擎可以在真实网关和回测模拟器之间轻松切换。
type Terminal interface {
	// Connect 建立到终端的会话。重复调用应是幂等的。
	Connect() error
	// GetBars 返回按时间升序排列的K线, 数量可能少于请求值, 失败时返回错误。
	GetBars(symbol, timeframe string, count int) ([]models.MarketBar, error)
	// GetTick 返回最新的双边报价
	GetTick(symbol string) (*models.Tick, error)
	// GetAccountSnapshot 返回账户即时快照
	GetAccountSnapshot() (*models.AccountSnapshot, error)
	// GetOpenPositions 返回指定品种的全部持仓
	GetOpenPositions(symbol string) ([]models.Position, error)
	// SubmitOrder 提交市价单。应答中的RetCode表明终端是否接受。
	SubmitOrder(req models.OrderRequest) (*models.OrderResult, error)
	// ModifyStop 修改持仓的止损/止盈价
	ModifyStop(ticket int64, stopLoss, takeProfit float64) error
	// ClosePosition 按市价平掉指定持仓
	ClosePosition(ticket int64) error
	// SymbolSpec 返回品种的报价规则
	SymbolSpec(symbol string) (*models.SymbolSpec, error)
	// Close 关闭会话并释放后台任务
	Close() error
}
