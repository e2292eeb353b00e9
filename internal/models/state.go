package models

import "time"

// ExecutorState 是单个账户执行器的完整可恢复状态。
// 网格级别内嵌了各自的在途订单，因此一份快照就能还原整个对账循环的输入。
type ExecutorState struct {
	Account string       `json:"account"`
	Symbol  string       `json:"symbol"`
	Levels  []*GridLevel `json:"levels"`
	SavedAt time.Time    `json:"saved_at"`
}
