package models

import (
	"strings"
	"time"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite 返回相反的交易方向
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus 定义了订单生命周期状态。
// 状态之间存在优先级偏序，低优先级的更新不能覆盖已到达的高优先级状态，
// 以此容忍推送事件的乱序与重复投递。
type OrderStatus string

const (
	StatusUnknown         OrderStatus = "UNKNOWN"          // 无法识别的状态，不推进也不回退
	StatusPendingAck      OrderStatus = "PENDING_ACK"      // 已提交，尚未收到交易所确认
	StatusOpen            OrderStatus = "OPEN"             // 已挂出
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED" // 部分成交
	StatusFilled          OrderStatus = "FILLED"           // 完全成交 (终态)
	StatusCanceled        OrderStatus = "CANCELED"         // 已取消 (终态)
	StatusExpired         OrderStatus = "EXPIRED"          // 已过期 (终态)
	StatusRejected        OrderStatus = "REJECTED"         // 被拒绝 (终态)
)

// statusRank 定义了状态优先级: PENDING_ACK < OPEN < PARTIALLY_FILLED < 终态。
// UNKNOWN 的优先级最低，永远不会改变已有状态。
var statusRank = map[OrderStatus]int{
	StatusUnknown:         0,
	StatusPendingAck:      1,
	StatusOpen:            2,
	StatusPartiallyFilled: 3,
	StatusCanceled:        4,
	StatusExpired:         4,
	StatusRejected:        4,
	StatusFilled:          5,
}

// IsTerminal 判断状态是否为终态
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// Rank 返回状态的优先级
func (s OrderStatus) Rank() int {
	return statusRank[s]
}

// ParseOrderStatus 将交易所返回的状态字符串规范化为 OrderStatus。
// 同时兼容 WebSocket 推送 (币安原生大写) 与 REST 查询的写法，
// 无法识别的字符串一律映射为 UNKNOWN。
func ParseOrderStatus(raw string) OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "NEW", "OPEN", "PENDING_NEW":
		return StatusOpen
	case "PARTIALLY_FILLED":
		return StatusPartiallyFilled
	case "FILLED", "CLOSED":
		return StatusFilled
	case "CANCELED", "CANCELLED", "PENDING_CANCEL":
		return StatusCanceled
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return StatusExpired
	case "REJECTED":
		return StatusRejected
	default:
		return StatusUnknown
	}
}

// OrderSnapshot 是一次订单状态快照，来源可能是推送事件，也可能是兜底轮询。
// 关联键在订单提交前就已生成，因此快照总能与本地订单匹配，即使交易所ID还未知。
type OrderSnapshot struct {
	CorrelationID string      `json:"correlation_id"`
	ExchangeID    int64       `json:"exchange_id,omitempty"`
	Status        string      `json:"status"`
	FilledBase    float64     `json:"filled_base"`
	FilledQuote   float64     `json:"filled_quote"`
	Fee           float64     `json:"fee"`      // 本笔成交的手续费 (非累计值)，仅推送事件携带
	TradeID       int64       `json:"trade_id"` // 逐笔成交ID，交易所保证单调递增；非成交事件为零
	EventTime     time.Time   `json:"event_time"`
	Raw           interface{} `json:"-"` // 原始负载，仅用于调试
}

// TrackedOrder 是对一笔在途订单生命周期的本地镜像。
// 所有变更只能通过 Merge 进行，Merge 对乱序和重复投递是幂等且合流的。
type TrackedOrder struct {
	CorrelationID string      `json:"correlation_id"` // 本地生成的关联键，提交前分配，生命周期内不变
	ExchangeID    int64       `json:"exchange_id"`    // 交易所分配的ID，确认后才可知
	Side          Side        `json:"side"`
	Price         float64     `json:"price"`  // 请求价格
	Amount        float64     `json:"amount"` // 请求数量 (基础货币)
	ExecutedBase  float64     `json:"executed_base"`
	ExecutedQuote float64     `json:"executed_quote"`
	CumFee        float64     `json:"cum_fee"`                 // 累计手续费，由逐笔成交按 TradeID 去重累加
	LastTradeID   int64       `json:"last_trade_id,omitempty"` // 最近一笔已计费成交的ID
	Status        OrderStatus `json:"status"`
	// AwaitingConfirm 表示下单/撤单调用超时，结果未知。
	// 在兜底对账给出权威答案之前，决策循环不得对该订单做任何补偿动作。
	AwaitingConfirm bool `json:"awaiting_confirm"`
	// CancelRequestedAt 记录撤单指令的发出时间，防止决策循环反复撤同一张单。
	// 订单终结后该字段不再有意义。
	CancelRequestedAt time.Time   `json:"cancel_requested_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	Raw               interface{} `json:"-"`
}

// NewTrackedOrder 创建一个处于 PENDING_ACK 状态的追踪订单。
// 必须在 submit 调用返回之前创建，这样先于确认到达的事件也能被匹配。
func NewTrackedOrder(correlationID string, side Side, price, amount float64) *TrackedOrder {
	now := time.Now()
	return &TrackedOrder{
		CorrelationID: correlationID,
		Side:          side,
		Price:         price,
		Amount:        amount,
		Status:        StatusPendingAck,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsDone 判断订单是否已终结
func (o *TrackedOrder) IsDone() bool {
	return o.Status.IsTerminal()
}

// IsFilled 判断订单是否完全成交
func (o *TrackedOrder) IsFilled() bool {
	return o.Status == StatusFilled
}

// RemainingBase 返回剩余未成交数量
func (o *TrackedOrder) RemainingBase() float64 {
	if r := o.Amount - o.ExecutedBase; r > 0 {
		return r
	}
	return 0
}

// Merge 将一次状态快照合并进本地镜像，返回是否有可观测字段发生了变化。
//
// 合并规则：
//   - 终态一旦写入即不可变，之后的任何状态更新都被丢弃；
//   - 非终态只能向更高优先级推进，UNKNOWN 永远不推进状态；
//   - 成交数量/金额单调递增，比已记录值小的更新被丢弃；
//   - 手续费按逐笔成交ID去重后累加，重复投递的成交只计一次。
//
// 该规则使 Merge 对任意排列和重复的快照集合收敛到同一结果，
// 因此推送丢失、乱序、重复都不会破坏状态正确性。
// Merge 从不因输入畸形而 panic 或返回错误。
func (o *TrackedOrder) Merge(snap OrderSnapshot) bool {
	changed := false

	// 交易所ID可能晚于首个事件到达，首次见到即补记。
	if o.ExchangeID == 0 && snap.ExchangeID != 0 {
		o.ExchangeID = snap.ExchangeID
		changed = true
	}

	if !o.Status.IsTerminal() {
		if ns := ParseOrderStatus(snap.Status); ns != StatusUnknown && ns.Rank() > o.Status.Rank() {
			o.Status = ns
			changed = true
		}
	}

	// 数量类字段只增不减，丢弃迟到的小值副本。
	// 即便状态更新被终态冻结拒绝，同一快照里更大的成交量仍然是有效信息。
	if snap.FilledBase > o.ExecutedBase {
		o.ExecutedBase = snap.FilledBase
		changed = true
	}
	if snap.FilledQuote > o.ExecutedQuote {
		o.ExecutedQuote = snap.FilledQuote
		changed = true
	}
	// 手续费在推送事件里是逐笔值而非累计值，按单调递增的成交ID去重后累加。
	// 轮询快照不携带手续费 (TradeID 为零)，不会扰动已累计的值。
	if snap.TradeID > o.LastTradeID {
		o.LastTradeID = snap.TradeID
		if snap.Fee > 0 {
			o.CumFee += snap.Fee
		}
		changed = true
	}

	if changed {
		o.UpdatedAt = time.Now()
		if snap.Raw != nil {
			o.Raw = snap.Raw
		}
		// 任何权威来源的有效更新都可以解除"结果未知"标记
		o.AwaitingConfirm = false
	}
	return changed
}
