package executor

import (
	"fmt"
	"math"

	"dual-grid-bot-go/internal/connector"
	"dual-grid-bot-go/internal/models"
)

// GenerateLevels 在 [start_price, end_price] 上构建一侧网格的全部层级。
// 层级在启动时一次性生成，进程生命周期内不变。
//
// 层级数量取两个约束的较小值：
//   - 资金约束: 每层金额 = total_notional / 层数，不得低于最小订单金额；
//   - 价差约束: 相邻层级间距不得低于 min_spread_between_levels 比例。
//
// 价格线性分布并按交易所 tickSize 对齐，两端各落一个层级。
func GenerateLevels(grid models.GridConfig, side models.Side, rules models.TradingRules) ([]*models.GridLevel, error) {
	span := grid.EndPrice - grid.StartPrice
	if span <= 0 {
		return nil, fmt.Errorf("网格区间非法: [%.8f, %.8f]", grid.StartPrice, grid.EndPrice)
	}

	minNotional := grid.MinOrderNotional
	if rules.MinNotional > minNotional {
		minNotional = rules.MinNotional
	}

	maxByCapital := int(grid.TotalNotional / minNotional)
	if maxByCapital < 2 {
		return nil, fmt.Errorf("资金不足以支撑至少两个层级: total=%.2f min=%.2f",
			grid.TotalNotional, minNotional)
	}

	count := maxByCapital
	if grid.MinSpreadBetweenLevels > 0 {
		minStep := grid.StartPrice * grid.MinSpreadBetweenLevels
		maxBySpacing := int(span/minStep+1e-9) + 1
		if maxBySpacing < 2 {
			return nil, fmt.Errorf("网格区间过窄，无法满足最小价差 %.4f%%",
				grid.MinSpreadBetweenLevels*100)
		}
		if maxBySpacing < count {
			count = maxBySpacing
		}
	}

	notionalPerLevel := grid.TotalNotional / float64(count)
	step := span / float64(count-1)

	levels := make([]*models.GridLevel, 0, count)
	prev := math.Inf(-1)
	for i := 0; i < count; i++ {
		price := connector.AdjustToStep(grid.StartPrice+step*float64(i), rules.TickSize)
		if price <= prev {
			// tickSize 对齐后与上一层级重合，说明网格粒度超出交易所精度
			return nil, fmt.Errorf("层级 %d 价格 %.8f 对齐后与上一层级重合, 请增大层间距", i, price)
		}
		prev = price

		levels = append(levels, &models.GridLevel{
			Index:    i,
			Price:    price,
			Notional: notionalPerLevel,
			Side:     side,
			State:    models.LevelIdle,
		})
	}
	return levels, nil
}
