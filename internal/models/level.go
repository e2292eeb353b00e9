package models

// LevelState 定义了网格层级的生命周期状态
type LevelState string

const (
	LevelIdle         LevelState = "IDLE"          // 空闲，可以挂开仓单
	LevelOpenPending  LevelState = "OPEN_PENDING"  // 开仓单已挂出
	LevelOpenFilled   LevelState = "OPEN_FILLED"   // 开仓单已成交
	LevelClosePending LevelState = "CLOSE_PENDING" // 平仓(止盈)单已挂出
	LevelComplete     LevelState = "COMPLETE"      // 平仓单已成交，一个完整循环结束
	LevelFailed       LevelState = "FAILED"        // 不可恢复失败 (终态)，从决策中剔除
)

// GridLevel 代表网格中的一个固定价格档位。
// 层级在策略启动时一次性构建，进程生命周期内不变；只有其持有的追踪订单会更替。
// 不变式：任一时刻最多持有一张未终结的开仓单和一张未终结的平仓单。
type GridLevel struct {
	Index    int        `json:"index"`    // 在有序层级序列中的下标
	Price    float64    `json:"price"`    // 理论挂单价格
	Notional float64    `json:"notional"` // 每层级投入的计价货币金额
	Side     Side       `json:"side"`     // 开仓方向: 多头网格 BUY, 空头网格 SELL
	State    LevelState `json:"state"`

	OpenOrder  *TrackedOrder `json:"open_order,omitempty"`
	CloseOrder *TrackedOrder `json:"close_order,omitempty"`

	FailStreak int    `json:"fail_streak"` // 连续下单失败次数
	LastError  string `json:"last_error,omitempty"`
}

// SyncState 根据关联订单的当前状态推导层级状态。
// FAILED 是终态，一旦进入不再参与推导。
func (l *GridLevel) SyncState() {
	if l.State == LevelFailed {
		return
	}

	switch {
	case l.OpenOrder == nil:
		l.State = LevelIdle
	case !l.OpenOrder.IsDone():
		l.State = LevelOpenPending
	case l.OpenOrder.IsFilled():
		switch {
		case l.CloseOrder == nil:
			l.State = LevelOpenFilled
		case !l.CloseOrder.IsDone():
			l.State = LevelClosePending
		case l.CloseOrder.IsFilled():
			l.State = LevelComplete
		default:
			// 平仓单被取消或过期 -> 回到已开仓状态，等待重新挂止盈单
			l.State = LevelOpenFilled
		}
	default:
		// 开仓单被取消/过期/拒绝 -> 回到空闲状态，层级可以重试
		l.State = LevelIdle
	}
}

// ResetOpen 在开仓单终结但未成交后释放它，使层级可以重试
func (l *GridLevel) ResetOpen() {
	l.OpenOrder = nil
	if l.State != LevelFailed {
		l.State = LevelIdle
	}
}

// ResetClose 在平仓单终结但未成交后释放它，保留已成交的开仓单
func (l *GridLevel) ResetClose() {
	l.CloseOrder = nil
	if l.State != LevelFailed {
		l.State = LevelOpenFilled
	}
}

// Rearm 在一个完整循环结束后复位层级，使其进入下一个循环。
// 层级是复用的：COMPLETE 不是终态，资金利用率依赖于此。
func (l *GridLevel) Rearm() {
	l.OpenOrder = nil
	l.CloseOrder = nil
	l.FailStreak = 0
	if l.State != LevelFailed {
		l.State = LevelIdle
	}
}

// Fail 将层级标记为不可恢复失败，之后它被排除在所有决策之外
func (l *GridLevel) Fail(reason string) {
	l.State = LevelFailed
	l.LastError = reason
}

// HasLiveOpenOrder 判断层级是否持有未终结的开仓单
func (l *GridLevel) HasLiveOpenOrder() bool {
	return l.OpenOrder != nil && !l.OpenOrder.IsDone()
}

// HasLiveCloseOrder 判断层级是否持有未终结的平仓单
func (l *GridLevel) HasLiveCloseOrder() bool {
	return l.CloseOrder != nil && !l.CloseOrder.IsDone()
}

// CommittedNotional 返回该层级当前占用的名义资金：
// 未终结的开仓挂单按请求金额计，已成交未平仓的按成交金额计。
func (l *GridLevel) CommittedNotional() float64 {
	if l.State == LevelFailed {
		return 0
	}
	if l.HasLiveOpenOrder() {
		return l.Notional
	}
	if l.OpenOrder != nil && l.OpenOrder.IsFilled() && (l.CloseOrder == nil || !l.CloseOrder.IsFilled()) {
		if l.OpenOrder.ExecutedQuote > 0 {
			return l.OpenOrder.ExecutedQuote
		}
		return l.Notional
	}
	return 0
}
