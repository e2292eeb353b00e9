package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dual-grid-bot-go/internal/idgen"
	"dual-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait           = 60 * time.Second
	pingPeriod         = (pongWait * 9) / 10 // 必须小于 pongWait
	reconnectDelay     = 5 * time.Second
	listenKeyKeepAlive = 25 * time.Minute
	requestTimeout     = 10 * time.Second
	positionCloseEps   = 1e-8
	cleanupSettleDelay = 2 * time.Second
)

// LiveConnector 通过币安USDT/USDC本位合约API实现 Connector 接口。
// REST 部分走 go-binance SDK，用户数据流用 gorilla/websocket 自行维护，
// 以便完全掌控心跳、重连与事件投递时机。
type LiveConnector struct {
	account   string
	symbol    string
	quote     string
	client    *futures.Client
	wsBaseURL string
	rules     models.TradingRules
	logger    *zap.SugaredLogger

	mu        sync.Mutex
	wsConn    *websocket.Conn
	listenKey string
	publish   func(models.OrderSnapshot)
	alive     atomic.Bool
	stopChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewLiveConnector 创建一个账户连接器：校验连通性、缓存交易规则、
// 设置杠杆与单向持仓模式。任何一步失败都直接返回错误，不允许半初始化。
func NewLiveConnector(account, symbol, apiKey, secretKey string, cfg *models.Config, logger *zap.SugaredLogger) (*LiveConnector, error) {
	if cfg.IsTestnet {
		futures.UseTestnet = true
	}

	client := futures.NewClient(apiKey, secretKey)
	if cfg.IsTestnet && cfg.TestnetAPIURL != "" {
		client.BaseURL = cfg.TestnetAPIURL
	} else if !cfg.IsTestnet && cfg.LiveAPIURL != "" {
		client.BaseURL = cfg.LiveAPIURL
	}

	wsBaseURL := cfg.LiveWSURL
	if cfg.IsTestnet {
		wsBaseURL = cfg.TestnetWSURL
	}

	c := &LiveConnector{
		account:   account,
		symbol:    symbol,
		quote:     quoteAsset(symbol),
		client:    client,
		wsBaseURL: wsBaseURL,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := c.loadTradingRules(ctx); err != nil {
		return nil, fmt.Errorf("获取 %s 交易规则失败: %w", symbol, err)
	}

	if cfg.Leverage > 0 {
		if _, err := client.NewChangeLeverageService().Symbol(symbol).Leverage(cfg.Leverage).Do(ctx); err != nil {
			return nil, fmt.Errorf("设置杠杆失败: %w", err)
		}
	}

	// 双账户对冲方案中每个账户只持有一个方向，单向持仓模式即可
	if err := client.NewChangePositionModeService().DualSide(false).Do(ctx); err != nil {
		// -4059: 已经是目标模式，无需更改
		if apiErr, ok := err.(*common.APIError); !ok || apiErr.Code != -4059 {
			return nil, fmt.Errorf("设置持仓模式失败: %w", err)
		}
	}

	logger.Infof("账户 %s 连接器初始化完成: %s tick=%s step=%s", account, symbol, c.rules.TickSize, c.rules.StepSize)
	return c, nil
}

func (c *LiveConnector) loadTradingRules(ctx context.Context) error {
	info, err := c.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return err
	}

	for i := range info.Symbols {
		s := info.Symbols[i]
		if s.Symbol != c.symbol {
			continue
		}
		rules := models.TradingRules{Symbol: c.symbol, TickSize: "0.00000001", StepSize: "1"}
		if pf := s.PriceFilter(); pf != nil {
			rules.TickSize = pf.TickSize
			rules.PriceIncrement, _ = strconv.ParseFloat(pf.TickSize, 64)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			rules.StepSize = lf.StepSize
			rules.MinQty, _ = strconv.ParseFloat(lf.MinQuantity, 64)
		}
		if nf := s.MinNotionalFilter(); nf != nil {
			rules.MinNotional, _ = strconv.ParseFloat(nf.Notional, 64)
		}
		c.rules = rules
		return nil
	}
	return fmt.Errorf("交易所未返回交易对 %s 的规则", c.symbol)
}

// Account 返回账户标识
func (c *LiveConnector) Account() string { return c.account }

// TradingRules 返回缓存的交易规则
func (c *LiveConnector) TradingRules() models.TradingRules { return c.rules }

// MidPrice 返回最新成交价作为市场参考价
func (c *LiveConnector) MidPrice(ctx context.Context) (float64, error) {
	prices, err := c.client.NewListPricesService().Symbol(c.symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取 %s 价格失败: %w", c.symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("交易所未返回 %s 的价格", c.symbol)
	}
	return strconv.ParseFloat(prices[0].Price, 64)
}

// PlaceOrder 下限价单。价格和数量按交易规则对齐后提交。
func (c *LiveConnector) PlaceOrder(ctx context.Context, side models.Side, price, amount float64, correlationKey string) (*Ack, error) {
	resp, err := c.client.NewCreateOrderService().
		Symbol(c.symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(FormatByStep(amount, c.rules.StepSize)).
		Price(FormatByStep(price, c.rules.TickSize)).
		NewClientOrderID(correlationKey).
		Do(ctx)
	if err != nil {
		if apiErr, ok := err.(*common.APIError); ok {
			return nil, &models.APIError{Code: int(apiErr.Code), Msg: apiErr.Message}
		}
		return nil, err
	}
	return &Ack{Accepted: true, ExchangeID: resp.OrderID, Status: string(resp.Status)}, nil
}

// CancelOrder 按关联键撤单
func (c *LiveConnector) CancelOrder(ctx context.Context, correlationKey string) error {
	_, err := c.client.NewCancelOrderService().
		Symbol(c.symbol).
		OrigClientOrderID(correlationKey).
		Do(ctx)
	if err != nil {
		if apiErr, ok := err.(*common.APIError); ok && (apiErr.Code == -2011 || apiErr.Code == -2013) {
			// 订单已不存在：可能早已成交或被撤，对撤单方而言等价于成功
			return ErrOrderNotFound
		}
		return err
	}
	return nil
}

// GetOrderStatus 按关联键查询订单的权威快照
func (c *LiveConnector) GetOrderStatus(ctx context.Context, correlationKey string) (*models.OrderSnapshot, error) {
	order, err := c.client.NewGetOrderService().
		Symbol(c.symbol).
		OrigClientOrderID(correlationKey).
		Do(ctx)
	if err != nil {
		if apiErr, ok := err.(*common.APIError); ok && apiErr.Code == -2013 {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	snap := c.orderToSnapshot(order)
	return &snap, nil
}

func (c *LiveConnector) orderToSnapshot(order *futures.Order) models.OrderSnapshot {
	filledBase, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	filledQuote, _ := strconv.ParseFloat(order.CumQuote, 64)
	return models.OrderSnapshot{
		CorrelationID: order.ClientOrderID,
		ExchangeID:    order.OrderID,
		Status:        string(order.Status),
		FilledBase:    filledBase,
		FilledQuote:   filledQuote,
		EventTime:     time.UnixMilli(order.UpdateTime),
		Raw:           order,
	}
}

// GetOpenOrders 返回账户当前全部挂单
func (c *LiveConnector) GetOpenOrders(ctx context.Context) ([]models.OrderSnapshot, error) {
	orders, err := c.client.NewListOpenOrdersService().Symbol(c.symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取挂单列表失败: %w", err)
	}
	snaps := make([]models.OrderSnapshot, 0, len(orders))
	for _, o := range orders {
		snaps = append(snaps, c.orderToSnapshot(o))
	}
	return snaps, nil
}

// CancelAllOrders 撤销全部挂单并返回撤销数量
func (c *LiveConnector) CancelAllOrders(ctx context.Context) (int, error) {
	open, err := c.GetOpenOrders(ctx)
	if err != nil {
		return 0, err
	}
	if len(open) == 0 {
		return 0, nil
	}
	if err := c.client.NewCancelAllOpenOrdersService().Symbol(c.symbol).Do(ctx); err != nil {
		return 0, fmt.Errorf("撤销全部挂单失败: %w", err)
	}
	return len(open), nil
}

// PositionAmount 返回当前净持仓数量（带方向）
func (c *LiveConnector) PositionAmount(ctx context.Context) (float64, error) {
	positions, err := c.client.NewGetPositionRiskService().Symbol(c.symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取持仓失败: %w", err)
	}
	var total float64
	for _, p := range positions {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		total += amt
	}
	return total, nil
}

// CloseAllPositions 市价平掉全部持仓，返回平仓笔数
func (c *LiveConnector) CloseAllPositions(ctx context.Context) (int, error) {
	positions, err := c.client.NewGetPositionRiskService().Symbol(c.symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取持仓失败: %w", err)
	}

	closed := 0
	for _, p := range positions {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if math.Abs(amt) < positionCloseEps {
			continue
		}
		side := futures.SideTypeSell
		if amt < 0 {
			side = futures.SideTypeBuy
		}
		_, err := c.client.NewCreateOrderService().
			Symbol(c.symbol).
			Side(side).
			Type(futures.OrderTypeMarket).
			Quantity(FormatByStep(math.Abs(amt), c.rules.StepSize)).
			ReduceOnly(true).
			Do(ctx)
		if err != nil {
			return closed, fmt.Errorf("市价平仓失败 (数量 %.8f): %w", amt, err)
		}
		closed++
	}
	return closed, nil
}

// GetBalance 返回计价货币余额
func (c *LiveConnector) GetBalance(ctx context.Context) (*models.Balance, error) {
	balances, err := c.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取余额失败: %w", err)
	}
	for _, b := range balances {
		if b.Asset != c.quote {
			continue
		}
		total, _ := strconv.ParseFloat(b.Balance, 64)
		free, _ := strconv.ParseFloat(b.AvailableBalance, 64)
		return &models.Balance{Free: free, Used: total - free}, nil
	}
	return nil, fmt.Errorf("未找到 %s 余额", c.quote)
}

// Cleanup 撤销全部挂单、平掉全部持仓，并验证账户确实干净。
// 这是双账户配对启停的基石：验证不通过就报错，绝不带着残留敞口继续。
func (c *LiveConnector) Cleanup(ctx context.Context) error {
	resting, err := c.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("账户 %s 撤单清理失败: %w", c.account, err)
	}
	if len(resting) > 0 {
		// 区分自有残留订单和人工挂单，后者同样会被撤掉，但要记录在案
		foreign := 0
		for _, o := range resting {
			if !idgen.IsOurs(o.CorrelationID) {
				foreign++
			}
		}
		if foreign > 0 {
			c.logger.Warnf("账户 %s 清理: 发现 %d 个非本程序挂出的订单, 将一并撤销", c.account, foreign)
		}
		if err := c.client.NewCancelAllOpenOrdersService().Symbol(c.symbol).Do(ctx); err != nil {
			return fmt.Errorf("账户 %s 撤单清理失败: %w", c.account, err)
		}
		c.logger.Infof("账户 %s 清理: 已撤销 %d 个挂单", c.account, len(resting))
	}

	closed, err := c.CloseAllPositions(ctx)
	if err != nil {
		return fmt.Errorf("账户 %s 平仓清理失败: %w", c.account, err)
	}
	if closed > 0 {
		c.logger.Infof("账户 %s 清理: 已平掉 %d 笔持仓", c.account, closed)
		// 市价平仓生效需要一点时间，等一等再验证
		select {
		case <-time.After(cleanupSettleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// 验证清理结果
	open, err := c.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("账户 %s 清理验证失败: %w", c.account, err)
	}
	if len(open) != 0 {
		return fmt.Errorf("账户 %s 清理验证失败: 仍有 %d 个挂单", c.account, len(open))
	}
	pos, err := c.PositionAmount(ctx)
	if err != nil {
		return fmt.Errorf("账户 %s 清理验证失败: %w", c.account, err)
	}
	if math.Abs(pos) > positionCloseEps {
		return fmt.Errorf("账户 %s 清理验证失败: 仍有持仓 %.8f", c.account, pos)
	}

	c.logger.Infof("账户 %s 清理完成并验证通过", c.account)
	return nil
}

// SubscribeOrderEvents 启动用户数据流订阅。
// 连接断开后自动重连；listenKey 由后台任务定期续期。
func (c *LiveConnector) SubscribeOrderEvents(publish func(models.OrderSnapshot)) error {
	c.publish = publish

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	listenKey, err := c.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return fmt.Errorf("账户 %s 创建 listenKey 失败: %w", c.account, err)
	}
	c.mu.Lock()
	c.listenKey = listenKey
	c.mu.Unlock()

	c.wg.Add(2)
	go c.streamLoop()
	go c.keepAliveLoop()
	return nil
}

// Alive 返回推送流当前是否在线
func (c *LiveConnector) Alive() bool { return c.alive.Load() }

// streamLoop 是推送流的守护循环，负责连接、消费与重连
func (c *LiveConnector) streamLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		if err := c.connectStream(); err != nil {
			c.logger.Warnf("账户 %s 推送流连接失败: %v，%s 后重试", c.account, err, reconnectDelay)
			select {
			case <-time.After(reconnectDelay):
			case <-c.stopChan:
				return
			}
			continue
		}

		c.alive.Store(true)
		c.logger.Infof("账户 %s 推送流已连接", c.account)

		// readMessages 阻塞到连接断开
		if err := c.readMessages(); err != nil {
			c.logger.Warnf("账户 %s 推送流断开: %v", c.account, err)
		}
		c.alive.Store(false)

		c.mu.Lock()
		if c.wsConn != nil {
			c.wsConn.Close()
			c.wsConn = nil
		}
		c.mu.Unlock()

		select {
		case <-time.After(reconnectDelay):
		case <-c.stopChan:
			return
		}
	}
}

func (c *LiveConnector) connectStream() error {
	c.mu.Lock()
	listenKey := c.listenKey
	c.mu.Unlock()

	wsURL := fmt.Sprintf("%s/ws/%s", c.wsBaseURL, listenKey)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("无法连接到用户数据流: %w", err)
	}

	c.mu.Lock()
	c.wsConn = conn
	c.mu.Unlock()
	return nil
}

// readMessages 为一个已建立的连接处理消息，并实现心跳机制
func (c *LiveConnector) readMessages() error {
	c.mu.Lock()
	conn := c.wsConn
	c.mu.Unlock()

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
			case <-c.stopChan:
				return
			}
		}
	}()

	for {
		select {
		case <-c.stopChan:
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("读取消息失败: %w", err)
			}
			c.handleStreamMessage(message)
		}
	}
}

func (c *LiveConnector) handleStreamMessage(message []byte) {
	var probe struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(message, &probe); err != nil {
		c.logger.Debugf("账户 %s 收到无法解析的消息: %v", c.account, err)
		return
	}
	if probe.EventType != "ORDER_TRADE_UPDATE" {
		return
	}

	var event models.OrderUpdateEvent
	if err := json.Unmarshal(message, &event); err != nil {
		c.logger.Warnf("账户 %s 解析订单事件失败: %v", c.account, err)
		return
	}
	if event.Order.Symbol != c.symbol {
		return
	}

	o := event.Order
	filledBase, _ := strconv.ParseFloat(o.CumQty, 64)
	avgPrice, _ := strconv.ParseFloat(o.AvgPrice, 64)
	fee, _ := strconv.ParseFloat(o.CommissionAmt, 64)

	snap := models.OrderSnapshot{
		CorrelationID: o.ClientOrderID,
		ExchangeID:    o.OrderID,
		Status:        o.Status,
		FilledBase:    filledBase,
		FilledQuote:   filledBase * avgPrice,
		Fee:           fee,
		TradeID:       o.TradeID,
		EventTime:     time.UnixMilli(event.EventTime),
		Raw:           o,
	}
	if c.publish != nil {
		c.publish(snap)
	}
}

// keepAliveLoop 定期续期 listenKey，防止用户数据流被交易所关闭
func (c *LiveConnector) keepAliveLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			listenKey := c.listenKey
			c.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			err := c.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
			cancel()
			if err != nil {
				c.logger.Warnf("账户 %s 续期 listenKey 失败: %v，尝试重建", c.account, err)
				ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
				newKey, nerr := c.client.NewStartUserStreamService().Do(ctx)
				cancel()
				if nerr != nil {
					c.logger.Errorf("账户 %s 重建 listenKey 失败: %v", c.account, nerr)
					continue
				}
				c.mu.Lock()
				c.listenKey = newKey
				if c.wsConn != nil {
					// 强制断开，让 streamLoop 用新 key 重连
					c.wsConn.Close()
				}
				c.mu.Unlock()
			}
		case <-c.stopChan:
			return
		}
	}
}

// Close 停止后台任务并关闭推送流
func (c *LiveConnector) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopChan)
		c.mu.Lock()
		if c.wsConn != nil {
			c.wsConn.Close()
		}
		listenKey := c.listenKey
		c.mu.Unlock()

		if listenKey != "" {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			if err := c.client.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				c.logger.Debugf("账户 %s 关闭 listenKey 失败: %v", c.account, err)
			}
			cancel()
		}
		c.wg.Wait()
	})
	return nil
}

// quoteAsset 从交易对符号推断计价货币
func quoteAsset(symbol string) string {
	for _, q := range []string{"USDT", "USDC", "FDUSD", "BUSD"} {
		if strings.HasSuffix(symbol, q) {
			return q
		}
	}
	return "USDT"
}
