// Package controller 实现双账户对冲的策略控制器：
// 它持有两个网格执行器（多头腿与空头腿）、它们各自的交易所连接器、
// 共享事件分发器与状态仓库，负责配对的启动/停机协议与跨账户约束。
// 两条腿要么一起运行，要么都不运行——绝不允许单腿裸奔。
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dual-grid-bot-go/internal/connector"
	"dual-grid-bot-go/internal/dispatcher"
	"dual-grid-bot-go/internal/executor"
	"dual-grid-bot-go/internal/models"
	"dual-grid-bot-go/internal/persistence"
	"dual-grid-bot-go/internal/reporter"

	"go.uber.org/zap"
)

const (
	cleanupTimeout    = 60 * time.Second
	cleanupRetryDelay = time.Second
	priceTimeout      = 10 * time.Second
)

// StrategyController 协调两条对冲腿的完整生命周期
type StrategyController struct {
	cfg    *models.Config
	connA  connector.Connector // 多头腿
	connB  connector.Connector // 空头腿
	repo   persistence.StateRepository
	logger *zap.SugaredLogger

	dispatcher *dispatcher.Dispatcher
	longExec   *executor.GridExecutor
	shortExec  *executor.GridExecutor

	fatal    chan error
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New 创建策略控制器。connA 运行多头网格，connB 运行空头网格。
func New(cfg *models.Config, connA, connB connector.Connector,
	repo persistence.StateRepository, logger *zap.SugaredLogger) *StrategyController {
	return &StrategyController{
		cfg:      cfg,
		connA:    connA,
		connB:    connB,
		repo:     repo,
		logger:   logger,
		fatal:    make(chan error, 1),
		stopChan: make(chan struct{}),
	}
}

// Done 返回一个通道，监控循环检测到致命问题（越界、对冲失衡、执行器异常）
// 时会向其投递错误。调用方收到后应调用 Stop。
func (c *StrategyController) Done() <-chan error {
	return c.fatal
}

// Start 执行配对启动协议：
//  1. 并行清理两个账户（撤全部挂单、平全部持仓、验证干净）；
//  2. 任一账户清理失败则整体中止，两条腿都不启动；
//  3. 校验两个账户的可用资金都能覆盖网格投入；
//  4. 构建两个执行器的层级集合并接通事件分发；
//  5. 两边全部就绪后才开始事件分发循环和两个执行器的决策循环。
func (c *StrategyController) Start(ctx context.Context) error {
	c.logger.Info("配对启动: 开始清理两个账户")
	if err := c.cleanupBoth(ctx); err != nil {
		return fmt.Errorf("配对启动中止: %w", err)
	}

	if err := c.validateBalances(ctx); err != nil {
		return fmt.Errorf("配对启动中止: %w", err)
	}

	var err error
	c.longExec, err = executor.New(c.connA.Account(), models.Buy, c.cfg.Grid, c.connA, c.repo, c.logger)
	if err != nil {
		return fmt.Errorf("构建多头执行器失败: %w", err)
	}
	c.shortExec, err = executor.New(c.connB.Account(), models.Sell, c.cfg.Grid, c.connB, c.repo, c.logger)
	if err != nil {
		return fmt.Errorf("构建空头执行器失败: %w", err)
	}

	c.dispatcher = dispatcher.New(0, c.logger)
	c.dispatcher.Register(c.connA.Account(), c.longExec)
	c.dispatcher.Register(c.connB.Account(), c.shortExec)

	if err := c.subscribe(c.connA); err != nil {
		return fmt.Errorf("账户 %s 订阅推送流失败: %w", c.connA.Account(), err)
	}
	if err := c.subscribe(c.connB); err != nil {
		return fmt.Errorf("账户 %s 订阅推送流失败: %w", c.connB.Account(), err)
	}

	c.dispatcher.Start()
	if err := c.longExec.Start(); err != nil {
		return err
	}
	if err := c.shortExec.Start(); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.monitorLoop()

	c.logger.Infof("双账户对冲网格已启动: %s 多头=%s 空头=%s",
		c.cfg.Symbol, c.connA.Account(), c.connB.Account())
	return nil
}

func (c *StrategyController) subscribe(conn connector.Connector) error {
	account := conn.Account()
	return conn.SubscribeOrderEvents(func(snap models.OrderSnapshot) {
		c.dispatcher.Publish(dispatcher.OrderEvent{Account: account, Snapshot: snap})
	})
}

// cleanupBoth 并行清理两个账户。任一失败整体报错——这是对冲配对的底线。
func (c *StrategyController) cleanupBoth(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()

	errCh := make(chan error, 2)
	for _, conn := range []connector.Connector{c.connA, c.connB} {
		go func(conn connector.Connector) {
			errCh <- conn.Cleanup(cctx)
		}(conn)
	}

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// validateBalances 校验两个账户的可用资金都足以覆盖网格的保证金需求
func (c *StrategyController) validateBalances(ctx context.Context) error {
	leverage := c.cfg.Leverage
	if leverage < 1 {
		leverage = 1
	}
	required := c.cfg.Grid.TotalNotional / float64(leverage)

	for _, conn := range []connector.Connector{c.connA, c.connB} {
		bal, err := conn.GetBalance(ctx)
		if err != nil {
			return fmt.Errorf("账户 %s 查询余额失败: %w", conn.Account(), err)
		}
		if bal.Free < required {
			return fmt.Errorf("账户 %s 可用资金不足: 需要 %.2f, 实有 %.2f",
				conn.Account(), required, bal.Free)
		}
		c.logger.Infof("账户 %s 资金校验通过: 可用 %.2f / 需要 %.2f", conn.Account(), bal.Free, required)
	}
	return nil
}

// monitorLoop 按同步间隔输出状态报表，并执行跨账户风控检查
func (c *StrategyController) monitorLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Duration(c.cfg.Monitor.SyncIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.checkOnce(); err != nil {
				c.logger.Errorf("监控检查触发停机: %v", err)
				select {
				case c.fatal <- err:
				default:
				}
				return
			}
		case <-c.stopChan:
			return
		}
	}
}

func (c *StrategyController) checkOnce() error {
	longNotional := c.longExec.CommittedNotional()
	shortNotional := c.shortExec.CommittedNotional()
	imbalance := notionalImbalance(longNotional, shortNotional)

	c.logger.Infof("\n%s", reporter.RenderExecutorTable(c.longExec.Snapshot()))
	c.logger.Infof("\n%s", reporter.RenderExecutorTable(c.shortExec.Snapshot()))
	c.logger.Infof("\n%s", reporter.RenderPairSummary(
		c.connA.Account(), c.connB.Account(), longNotional, shortNotional, imbalance))

	// 对冲平衡校验: 两腿已占用名义资金的偏差超限说明一条腿掉队了
	if imbalance > c.cfg.Monitor.MaxNotionalImbalance {
		return fmt.Errorf("两腿对冲失衡: 多头 %.2f 空头 %.2f 偏差 %.2f%% 超过上限 %.2f%%",
			longNotional, shortNotional, imbalance*100, c.cfg.Monitor.MaxNotionalImbalance*100)
	}

	// 边界保护: 价格离开网格区间后网格已无法自愈，必须人工介入
	if c.cfg.Monitor.BoundaryStopEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), priceTimeout)
		mid, err := c.connA.MidPrice(ctx)
		cancel()
		if err != nil {
			c.logger.Warnf("监控获取价格失败: %v", err)
		} else if mid < c.cfg.Grid.StartPrice || mid > c.cfg.Grid.EndPrice {
			return fmt.Errorf("价格 %.8f 已越出网格区间 [%.8f, %.8f]",
				mid, c.cfg.Grid.StartPrice, c.cfg.Grid.EndPrice)
		}
	}

	for _, e := range []*executor.GridExecutor{c.longExec, c.shortExec} {
		if !e.Healthy() {
			return fmt.Errorf("账户 %s 执行器不健康 (状态 %s)", e.Account(), e.Status())
		}
	}
	for _, conn := range []connector.Connector{c.connA, c.connB} {
		if !conn.Alive() {
			c.logger.Warnf("账户 %s 推送流离线, 状态靠兜底对账维持", conn.Account())
		}
	}
	return nil
}

// notionalImbalance 计算两腿占用资金的相对偏差。两腿都为零视为完全平衡。
func notionalImbalance(long, short float64) float64 {
	base := long
	if short > base {
		base = short
	}
	if base == 0 {
		return 0
	}
	diff := long - short
	if diff < 0 {
		diff = -diff
	}
	return diff / base
}

// Stop 执行配对停机协议：先停决策与分发循环，再清理两个账户。
// 任一账户未能清理干净时返回错误——残留敞口必须暴露给调用方。
func (c *StrategyController) Stop() error {
	var result error
	c.stopOnce.Do(func() {
		c.logger.Info("配对停机: 停止决策循环")
		close(c.stopChan)
		c.wg.Wait()

		if c.longExec != nil {
			c.longExec.Stop()
		}
		if c.shortExec != nil {
			c.shortExec.Stop()
		}
		if c.dispatcher != nil {
			c.dispatcher.Stop()
		}

		for _, conn := range []connector.Connector{c.connA, c.connB} {
			if err := c.cleanupWithRetries(conn); err != nil {
				c.logger.Errorf("账户 %s 停机清理失败, 可能存在残留敞口: %v", conn.Account(), err)
				if result == nil {
					result = err
				} else {
					result = fmt.Errorf("%v; %v", result, err)
				}
			}
		}

		for _, conn := range []connector.Connector{c.connA, c.connB} {
			if err := conn.Close(); err != nil {
				c.logger.Warnf("账户 %s 关闭连接器失败: %v", conn.Account(), err)
			}
		}

		if result == nil {
			c.logger.Info("配对停机完成, 两个账户均已清理干净")
		}
	})
	return result
}

// cleanupWithRetries 有限次重试一个账户的清理，全部失败后把错误上抛
func (c *StrategyController) cleanupWithRetries(conn connector.Connector) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.Monitor.CleanupRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		lastErr = conn.Cleanup(ctx)
		cancel()
		if lastErr == nil {
			return nil
		}
		c.logger.Warnf("账户 %s 清理失败 (第 %d/%d 次): %v",
			conn.Account(), attempt, c.cfg.Monitor.CleanupRetries, lastErr)
		if attempt < c.cfg.Monitor.CleanupRetries {
			time.Sleep(cleanupRetryDelay)
		}
	}
	return fmt.Errorf("账户 %s 清理在 %d 次尝试后仍未成功: %w",
		conn.Account(), c.cfg.Monitor.CleanupRetries, lastErr)
}
