package connector

import (
	"context"
	"errors"
	"math"
	"net"
	"strconv"
	"strings"

	"dual-grid-bot-go/internal/models"
)

// ErrOrderNotFound 表示交易所查询不到指定订单。
// 对兜底对账来说这是一个有效答案：超过确认窗口仍查不到的订单视为被拒绝。
var ErrOrderNotFound = errors.New("交易所未找到该订单")

// Ack 是下单请求的同步确认结果
type Ack struct {
	Accepted   bool
	ExchangeID int64
	Status     string
}

// Connector 定义了网格执行器与单个交易账户交互所需的全部能力。
// 每个账户持有一个独立实例；推送流的重连与心跳由实现方负责，
// 上层只消费投递到手的快照，并容忍任意的延迟、重复与乱序。
type Connector interface {
	// Account 返回账户标识，用于事件路由
	Account() string

	// MidPrice 返回当前市场参考价
	MidPrice(ctx context.Context) (float64, error)

	// TradingRules 返回缓存的交易规则
	TradingRules() models.TradingRules

	// PlaceOrder 以限价单下单。correlationKey 由调用方在调用前生成并记录，
	// 交易所回报通过它与本地订单配对。交易所明确拒绝时返回 *models.APIError，
	// 超时或网络类错误由调用方用 IsTimeout 判别后按"结果未知"处理。
	PlaceOrder(ctx context.Context, side models.Side, price, amount float64, correlationKey string) (*Ack, error)

	// CancelOrder 按关联键撤单。订单已不存在时返回 ErrOrderNotFound。
	CancelOrder(ctx context.Context, correlationKey string) error

	// GetOrderStatus 按关联键查询订单的权威快照
	GetOrderStatus(ctx context.Context, correlationKey string) (*models.OrderSnapshot, error)

	// GetOpenOrders 返回账户当前所有挂单的快照
	GetOpenOrders(ctx context.Context) ([]models.OrderSnapshot, error)

	// CancelAllOrders 撤销账户全部挂单，返回撤销数量
	CancelAllOrders(ctx context.Context) (int, error)

	// CloseAllPositions 市价平掉账户全部持仓，返回平仓数量
	CloseAllPositions(ctx context.Context) (int, error)

	// PositionAmount 返回当前净持仓数量（基础货币，带方向）
	PositionAmount(ctx context.Context) (float64, error)

	// GetBalance 返回计价货币的可用/占用余额
	GetBalance(ctx context.Context) (*models.Balance, error)

	// Cleanup 撤销全部挂单并平掉全部持仓，随后验证账户确实干净。
	// 验证失败返回错误——残留敞口必须暴露给控制器，绝不静默继续。
	Cleanup(ctx context.Context) error

	// SubscribeOrderEvents 订阅订单推送流，每收到一个订单快照调用一次 publish。
	// 断线重连由实现方负责，推送丢失由兜底对账纠正。
	SubscribeOrderEvents(publish func(models.OrderSnapshot)) error

	// Alive 返回推送流当前是否在线
	Alive() bool

	// Close 停止后台任务并释放连接
	Close() error
}

// IsTimeout 判断一个错误是否为超时。超时意味着结果未知：
// 调用方不得重试同一笔指令，必须等兜底对账给出权威答案。
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// AdjustToStep 通过字符串操作把数值对齐到交易所要求的步长，避免浮点误差。
// 例如 step="0.001" 时 0.12345 -> 0.123。
func AdjustToStep(value float64, step string) float64 {
	if !strings.Contains(step, ".") {
		// 步长是 "1", "10" 等整数时直接向下取整
		return math.Floor(value)
	}
	decimalPlaces := len(step) - strings.Index(step, ".") - 1

	factor := math.Pow(10, float64(decimalPlaces))
	// 加一个极小量再向下取整，抵消二进制浮点表示带来的 2.9999... 类误差
	adjusted := math.Floor(value*factor+1e-9) / factor

	// 最终用 strconv 格式化一次，消除乘除带来的尾差
	final, _ := strconv.ParseFloat(strconv.FormatFloat(adjusted, 'f', decimalPlaces, 64), 64)
	return final
}

// FormatByStep 将数值按步长的小数位数格式化为API参数字符串
func FormatByStep(value float64, step string) string {
	decimalPlaces := 0
	if i := strings.Index(step, "."); i >= 0 {
		decimalPlaces = len(step) - i - 1
	}
	return strconv.FormatFloat(AdjustToStep(value, step), 'f', decimalPlaces, 64)
}
