package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"mt5-scalper-bot-go/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// BridgeTerminal 实现了 Terminal 接口，通过REST网关与真实的MT5终端交互。
// 网关对每个请求要求HMAC-SHA256签名，并提供一条推送最新报价的WebSocket流。
type BridgeTerminal struct {
	apiKey     string
	secretKey  string
	baseURL    string
	wsBaseURL  string
	login      int64
	server     string
	password   string
	httpClient *http.Client
	logger     *zap.SugaredLogger

	timeOffset int64

	mu        sync.RWMutex
	ticks     map[string]*models.Tick // 来自WebSocket流的最新报价
	specs     map[string]*models.SymbolSpec
	connected bool
	stopChan  chan struct{}
}

// NewBridgeTerminal 创建一个新的网关终端实例
func NewBridgeTerminal(apiKey, secretKey, baseURL, wsBaseURL string, login int64, server, password string, logger *zap.SugaredLogger) *BridgeTerminal {
	return &BridgeTerminal{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		wsBaseURL:  wsBaseURL,
		login:      login,
		server:     server,
		password:   password,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		ticks:      make(map[string]*models.Tick),
		specs:      make(map[string]*models.SymbolSpec),
		stopChan:   make(chan struct{}),
	}
}

// Connect 与网关同步时间并登录终端账号。重复调用是幂等的。
func (t *BridgeTerminal) Connect() error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.syncTime(); err != nil {
		return fmt.Errorf("与网关同步时间失败: %v", err)
	}

	params := url.Values{}
	params.Set("login", strconv.FormatInt(t.login, 10))
	params.Set("server", t.server)
	params.Set("password", t.password)
	if _, err := t.doRequest("POST", "/api/v1/connect", params, true); err != nil {
		return fmt.Errorf("终端登录失败: %v", err)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	go t.tickStreamLoop()

	t.logger.Infof("已连接到MT5网关, 账号: %d, 服务器: %s", t.login, t.server)
	return nil
}

// syncTime 与网关服务器同步时间，计算时间偏移。
func (t *BridgeTerminal) syncTime() error {
	data, err := t.doRequest("GET", "/api/v1/time", nil, false)
	if err != nil {
		return err
	}
	var serverTime struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(data, &serverTime); err != nil {
		return err
	}
	t.timeOffset = serverTime.ServerTime - time.Now().UnixMilli()
	t.logger.Infow("与网关时间同步完成", "timeOffset(ms)", t.timeOffset)
	return nil
}

// doRequest 是一个通用的请求处理函数，用于向网关API发送请求。
func (t *BridgeTerminal) doRequest(method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	fullURL := fmt.Sprintf("%s%s", t.baseURL, endpoint)
	queryParams := url.Values{}
	if params != nil {
		for k, v := range params {
			queryParams[k] = v
		}
	}

	var encodedParams string
	if signed {
		// 签名请求需要附加时间戳后对整个参数串做HMAC
		timestamp := time.Now().UnixMilli() + t.timeOffset
		queryParams.Set("timestamp", strconv.FormatInt(timestamp, 10))
		payloadToSign := queryParams.Encode()
		signature := t.sign(payloadToSign)
		encodedParams = fmt.Sprintf("%s&signature=%s", payloadToSign, signature)
	} else {
		encodedParams = queryParams.Encode()
	}

	var req *http.Request
	var err error
	if method == "GET" {
		finalURL := fullURL
		if encodedParams != "" {
			finalURL = fmt.Sprintf("%s?%s", fullURL, encodedParams)
		}
		req, err = http.NewRequest(method, finalURL, nil)
	} else {
		req, err = http.NewRequest(method, fullURL, strings.NewReader(encodedParams))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %v", err)
	}

	req.Header.Set("X-API-KEY", t.apiKey)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("执行请求失败: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %v", err)
	}

	var apiError models.Error
	if json.Unmarshal(body, &apiError) == nil && apiError.Code != 0 {
		return body, &apiError
	}

	if resp.StatusCode != http.StatusOK {
		// 非200时连同响应体一起返回，便于上层记录详细错误
		return body, fmt.Errorf("API请求失败, 状态码: %d, 响应: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// sign 对请求参数进行签名。
func (t *BridgeTerminal) sign(data string) string {
	h := hmac.New(sha256.New, []byte(t.secretKey))
	h.Write([]byte(data))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// --- Terminal 接口实现 ---

// GetBars 拉取指定品种与周期的K线序列。
func (t *BridgeTerminal) GetBars(symbol, timeframe string, count int) ([]models.MarketBar, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("timeframe", timeframe)
	params.Set("count", strconv.Itoa(count))
	data, err := t.doRequest("GET", "/api/v1/bars", params, true)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Time   int64   `json:"time"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume float64 `json:"volume"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("解析K线响应失败: %v", err)
	}

	bars := make([]models.MarketBar, 0, len(raw))
	for _, r := range raw {
		bars = append(bars, models.MarketBar{
			Time:   time.Unix(r.Time, 0).UTC(),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		})
	}
	return bars, nil
}

// GetTick 返回最新报价。优先使用WebSocket流推送的缓存，过期或缺失时回退到REST查询。
func (t *BridgeTerminal) GetTick(symbol string) (*models.Tick, error) {
	t.mu.RLock()
	cached, ok := t.ticks[symbol]
	t.mu.RUnlock()
	if ok && time.Since(cached.Time) < 5*time.Second {
		tick := *cached
		return &tick, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := t.doRequest("GET", "/api/v1/tick", params, true)
	if err != nil {
		return nil, err
	}

	var tick models.Tick
	if err := json.Unmarshal(data, &tick); err != nil {
		return nil, fmt.Errorf("解析报价响应失败: %v", err)
	}
	if tick.Time.IsZero() {
		tick.Time = time.Now()
	}
	return &tick, nil
}

// GetAccountSnapshot 获取账户信息。
func (t *BridgeTerminal) GetAccountSnapshot() (*models.AccountSnapshot, error) {
	data, err := t.doRequest("GET", "/api/v1/account", nil, true)
	if err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %v", err)
	}

	var snapshot models.AccountSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("解析账户信息失败: %v", err)
	}
	return &snapshot, nil
}

// GetOpenPositions 获取指定品种的持仓信息。
func (t *BridgeTerminal) GetOpenPositions(symbol string) ([]models.Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := t.doRequest("GET", "/api/v1/positions", params, true)
	if err != nil {
		return nil, err
	}

	var positions []models.Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("解析持仓响应失败: %v", err)
	}
	return positions, nil
}

// SubmitOrder 提交市价单。
func (t *BridgeTerminal) SubmitOrder(req models.OrderRequest) (*models.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("volume", strconv.FormatFloat(req.Volume, 'f', 2, 64))
	params.Set("sl", strconv.FormatFloat(req.StopLoss, 'f', -1, 64))
	params.Set("tp", strconv.FormatFloat(req.TakeProfit, 'f', -1, 64))
	params.Set("comment", req.Tag)

	data, err := t.doRequest("POST", "/api/v1/order", params, true)
	if err != nil {
		t.logger.Errorw("下单请求失败, 网关返回错误", "error", err, "raw_response", string(data))
		return nil, err
	}

	var result models.OrderResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("解析下单响应失败: %v", err)
	}
	return &result, nil
}

// ModifyStop 修改持仓的止损/止盈。
func (t *BridgeTerminal) ModifyStop(ticket int64, stopLoss, takeProfit float64) error {
	params := url.Values{}
	params.Set("ticket", strconv.FormatInt(ticket, 10))
	params.Set("sl", strconv.FormatFloat(stopLoss, 'f', -1, 64))
	params.Set("tp", strconv.FormatFloat(takeProfit, 'f', -1, 64))
	_, err := t.doRequest("POST", "/api/v1/modify", params, true)
	return err
}

// ClosePosition 按市价平仓。
func (t *BridgeTerminal) ClosePosition(ticket int64) error {
	params := url.Values{}
	params.Set("ticket", strconv.FormatInt(ticket, 10))
	_, err := t.doRequest("POST", "/api/v1/close", params, true)
	return err
}

// SymbolSpec 获取品种的报价规则, 结果按品种缓存。
func (t *BridgeTerminal) SymbolSpec(symbol string) (*models.SymbolSpec, error) {
	t.mu.RLock()
	spec, ok := t.specs[symbol]
	t.mu.RUnlock()
	if ok {
		return spec, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := t.doRequest("GET", "/api/v1/symbol", params, true)
	if err != nil {
		return nil, err
	}

	var s models.SymbolSpec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("解析品种规则失败: %v", err)
	}

	t.mu.Lock()
	t.specs[symbol] = &s
	t.mu.Unlock()
	return &s, nil
}

// Close 关闭后台报价流。
func (t *BridgeTerminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	t.connected = false
	close(t.stopChan)
	return nil
}

// tickStreamLoop 是一个守护goroutine，负责维持报价WebSocket的连接和重连。
func (t *BridgeTerminal) tickStreamLoop() {
	for {
		select {
		case <-t.stopChan:
			t.logger.Info("报价流循环已停止。")
			return
		default:
			conn, err := t.connectTickStream()
			if err != nil {
				t.logger.Warnf("报价流连接失败: %v。5秒后重试...", err)
				time.Sleep(5 * time.Second)
				continue
			}

			t.logger.Info("报价流连接成功。")
			// handleTickMessages会阻塞直到连接断开
			if err := t.handleTickMessages(conn); err != nil {
				t.logger.Warnf("报价流处理时发生错误: %v", err)
			}
			conn.Close()
			t.logger.Info("报价流连接已断开，准备重连...")
			time.Sleep(5 * time.Second)
		}
	}
}

// connectTickStream 建立到网关报价流的WebSocket连接
func (t *BridgeTerminal) connectTickStream() (*websocket.Conn, error) {
	wsURL := fmt.Sprintf("%s/ws/ticks?key=%s", t.wsBaseURL, url.QueryEscape(t.apiKey))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("无法连接到报价流: %v", err)
	}
	return conn, nil
}

// handleTickMessages 为一个已建立的连接处理报价消息，并实现心跳机制
func (t *BridgeTerminal) handleTickMessages(conn *websocket.Conn) error {
	const (
		pongWait   = 60 * time.Second
		pingPeriod = (pongWait * 9) / 10 // 必须小于pongWait
	)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-t.stopChan:
				return
			}
		}
	}()

	for {
		select {
		case <-t.stopChan:
			err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				return fmt.Errorf("发送WebSocket关闭帧失败: %v", err)
			}
			return nil
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("读取报价消息失败: %v", err)
			}

			var tick struct {
				Symbol string  `json:"s"`
				Bid    float64 `json:"b"`
				Ask    float64 `json:"a"`
				Time   int64   `json:"t"` // 毫秒时间戳
			}
			if err := json.Unmarshal(message, &tick); err != nil {
				t.logger.Warnf("解析报价消息失败: %v", err)
				continue
			}

			t.mu.Lock()
			t.ticks[tick.Symbol] = &models.Tick{
				Bid:  tick.Bid,
				Ask:  tick.Ask,
				Time: time.UnixMilli(tick.Time),
			}
			t.mu.Unlock()
		}
	}
}
