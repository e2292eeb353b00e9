// Package reporter 负责把执行器的时点快照渲染成人可读的状态报表，
// 由控制器按同步间隔输出到日志。
package reporter

import (
	"fmt"
	"time"

	"dual-grid-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
)

// RenderExecutorTable 将一个执行器的层级快照渲染为表格字符串
func RenderExecutorTable(state *models.ExecutorState) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("账户 %s  %s  %s", state.Account, state.Symbol,
		state.SavedAt.Format("15:04:05")))
	t.AppendHeader(table.Row{"层级", "价格", "金额", "状态", "开仓单", "平仓单", "失败", "备注"})

	for _, l := range state.Levels {
		t.AppendRow(table.Row{
			l.Index,
			fmt.Sprintf("%.8f", l.Price),
			fmt.Sprintf("%.2f", l.Notional),
			l.State,
			describeOrder(l.OpenOrder),
			describeOrder(l.CloseOrder),
			l.FailStreak,
			l.LastError,
		})
	}
	return t.Render()
}

// RenderPairSummary 渲染两腿的对冲概览
func RenderPairSummary(longAcct, shortAcct string, longNotional, shortNotional, imbalance float64) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("对冲概览 " + time.Now().Format("15:04:05"))
	t.AppendHeader(table.Row{"腿", "账户", "已占用名义资金"})
	t.AppendRow(table.Row{"多头", longAcct, fmt.Sprintf("%.2f", longNotional)})
	t.AppendRow(table.Row{"空头", shortAcct, fmt.Sprintf("%.2f", shortNotional)})
	t.AppendFooter(table.Row{"", "偏差", fmt.Sprintf("%.2f%%", imbalance*100)})
	return t.Render()
}

func describeOrder(o *models.TrackedOrder) string {
	if o == nil {
		return "-"
	}
	s := fmt.Sprintf("%s %.8f x %.8f [%s]", o.Side, o.Price, o.Amount, o.Status)
	if o.ExecutedBase > 0 {
		s += fmt.Sprintf(" 成交 %.8f", o.ExecutedBase)
	}
	if o.AwaitingConfirm {
		s += " (待确认)"
	}
	return s
}
