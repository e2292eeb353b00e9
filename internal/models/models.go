package models

import "fmt"

// Config 结构体定义了双账户对冲网格机器人的所有配置参数
type Config struct {
	IsTestnet     bool   `json:"is_testnet"` // 是否使用测试网
	DBPath        string `json:"db_path"`    // 状态快照数据库目录
	LiveAPIURL    string `json:"live_api_url"`
	LiveWSURL     string `json:"live_ws_url"`
	TestnetAPIURL string `json:"testnet_api_url"`
	TestnetWSURL  string `json:"testnet_ws_url"`
	Symbol        string `json:"symbol"`   // 交易对，如 "DOGEUSDC"
	Leverage      int    `json:"leverage"` // 杠杆倍数

	Grid    GridConfig    `json:"grid"`    // 网格参数
	Monitor MonitorConfig `json:"monitor"` // 控制器监控参数
	Log     LogConfig     `json:"log"`     // 日志配置
}

// GridConfig 定义了单侧网格执行器的参数，两条腿共用同一份配置
type GridConfig struct {
	StartPrice             float64 `json:"start_price"`               // 网格起始价格
	EndPrice               float64 `json:"end_price"`                 // 网格结束价格
	TotalNotional          float64 `json:"total_notional"`            // 单账户总投入资金 (计价货币)
	MaxOpenOrders          int     `json:"max_open_orders"`           // 最大同时开仓挂单数量
	MinOrderNotional       float64 `json:"min_order_notional"`        // 最小订单金额
	MinSpreadBetweenLevels float64 `json:"min_spread_between_levels"` // 相邻层级间最小价差比例
	ActivationDistance     float64 `json:"activation_distance"`       // 距离中间价多远以内的层级才激活 (0=不限制)
	TakeProfitPct          float64 `json:"take_profit_pct"`           // 每层网格的止盈百分比
	SafeExtraSpread        float64 `json:"safe_extra_spread"`         // 防止止盈单立即吃单的安全价差
	StaleOrderAgeSec       int     `json:"stale_order_age_sec"`       // 挂单超过该秒数视为过期，撤单重挂 (0=不限制)
	TickIntervalMs         int     `json:"tick_interval_ms"`          // 决策循环周期(毫秒)
	FallbackIntervalSec    int     `json:"fallback_interval_sec"`     // 兜底对账周期(秒)
	MaxPlacementFailures   int     `json:"max_placement_failures"`    // 同一层级连续下单失败多少次后标记为 FAILED
}

// MonitorConfig 定义了策略控制器的监控与风控参数
type MonitorConfig struct {
	SyncIntervalSec      int     `json:"sync_interval_sec"`      // 状态同步(打印快照)间隔(秒)
	MaxNotionalImbalance float64 `json:"max_notional_imbalance"` // 两腿已占用名义价值允许的最大偏差比例
	BoundaryStopEnabled  bool    `json:"boundary_stop_enabled"`  // 价格触碰网格边界时是否紧急停止
	CleanupRetries       int     `json:"cleanup_retries"`        // 启停时清理账户的最大重试次数
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Balance 定义了账户可用/占用资金
type Balance struct {
	Free float64 `json:"free"`
	Used float64 `json:"used"`
}

// TradingRules 封装了从交易所获取的交易规则，供网格生成时量化价格和数量
type TradingRules struct {
	Symbol         string  `json:"symbol"`
	TickSize       string  `json:"tick_size"` // PRICE_FILTER 的最小价格增量
	StepSize       string  `json:"step_size"` // LOT_SIZE 的最小数量增量
	MinQty         float64 `json:"min_qty"`
	MinNotional    float64 `json:"min_notional"`
	PriceIncrement float64 `json:"price_increment"` // TickSize 的数值形式
}

// APIError 定义了币安API返回的错误信息结构
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得 APIError 实现了 error 接口
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}

// OrderUpdateEvent 是从用户数据流接收到的订单更新事件的完整结构
type OrderUpdateEvent struct {
	EventType       string          `json:"e"` // Event type, e.g., "ORDER_TRADE_UPDATE"
	EventTime       int64           `json:"E"` // Event time
	TransactionTime int64           `json:"T"` // Transaction time
	Order           OrderUpdateInfo `json:"o"` // Order information
}

// OrderUpdateInfo 包含了订单更新的具体信息
type OrderUpdateInfo struct {
	Symbol          string `json:"s"`  // Symbol
	ClientOrderID   string `json:"c"`  // Client Order ID (即本地关联键)
	Side            string `json:"S"`  // Side
	OrderType       string `json:"o"`  // Order Type
	TimeInForce     string `json:"f"`  // Time in Force
	OrigQty         string `json:"q"`  // Original Quantity
	Price           string `json:"p"`  // Price
	AvgPrice        string `json:"ap"` // Average Price
	ExecutionType   string `json:"x"`  // Execution Type
	Status          string `json:"X"`  // Order Status
	OrderID         int64  `json:"i"`  // Order ID
	LastQty         string `json:"l"`  // Last Executed Quantity
	CumQty          string `json:"z"`  // Cumulative Filled Quantity
	LastPrice       string `json:"L"`  // Last Executed Price
	CommissionAmt   string `json:"n"`  // Commission Amount
	CommissionAsset string `json:"N"`  // Commission Asset
	TradeTime       int64  `json:"T"`  // Trade Time
	TradeID         int64  `json:"t"`  // Trade ID
	RealizedProfit  string `json:"rp"` // Realized Profit of the trade
}
