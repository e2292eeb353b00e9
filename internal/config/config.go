package config

import (
	"encoding/json"
	"fmt"
	"os"

	"dual-grid-bot-go/internal/models"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := &models.Config{}
	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, err
	}

	applyDefaults(config)

	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// applyDefaults 为未填写的可选参数填入默认值
func applyDefaults(cfg *models.Config) {
	if cfg.Grid.TickIntervalMs <= 0 {
		cfg.Grid.TickIntervalMs = 1000
	}
	if cfg.Grid.FallbackIntervalSec <= 0 {
		cfg.Grid.FallbackIntervalSec = 30
	}
	if cfg.Grid.MaxPlacementFailures <= 0 {
		cfg.Grid.MaxPlacementFailures = 3
	}
	if cfg.Grid.MaxOpenOrders <= 0 {
		cfg.Grid.MaxOpenOrders = 5
	}
	if cfg.Monitor.SyncIntervalSec <= 0 {
		cfg.Monitor.SyncIntervalSec = 10
	}
	if cfg.Monitor.CleanupRetries <= 0 {
		cfg.Monitor.CleanupRetries = 3
	}
	if cfg.Monitor.MaxNotionalImbalance <= 0 {
		cfg.Monitor.MaxNotionalImbalance = 0.2
	}
}

// Validate 校验配置的有效性，网格参数非法时直接拒绝启动
func Validate(cfg *models.Config) error {
	if cfg.Symbol == "" {
		return fmt.Errorf("配置错误: symbol 不能为空")
	}
	if cfg.Grid.StartPrice <= 0 || cfg.Grid.EndPrice <= 0 {
		return fmt.Errorf("配置错误: 网格边界价格必须为正数")
	}
	if cfg.Grid.StartPrice >= cfg.Grid.EndPrice {
		return fmt.Errorf("配置错误: start_price (%.8f) 必须小于 end_price (%.8f)",
			cfg.Grid.StartPrice, cfg.Grid.EndPrice)
	}
	if cfg.Grid.TotalNotional <= 0 {
		return fmt.Errorf("配置错误: total_notional 必须为正数")
	}
	if cfg.Grid.MinOrderNotional <= 0 {
		return fmt.Errorf("配置错误: min_order_notional 必须为正数")
	}
	if cfg.Grid.MinOrderNotional > cfg.Grid.TotalNotional {
		return fmt.Errorf("配置错误: min_order_notional 不能大于 total_notional")
	}
	if cfg.Grid.MinSpreadBetweenLevels < 0 || cfg.Grid.ActivationDistance < 0 {
		return fmt.Errorf("配置错误: 价差/激活范围不能为负数")
	}
	if cfg.Grid.TakeProfitPct <= 0 {
		return fmt.Errorf("配置错误: take_profit_pct 必须为正数")
	}
	if cfg.Leverage < 0 {
		return fmt.Errorf("配置错误: leverage 不能为负数")
	}
	return nil
}
