package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"dual-grid-bot-go/internal/connector"
	"dual-grid-bot-go/internal/idgen"
	"dual-grid-bot-go/internal/models"
	"dual-grid-bot-go/internal/persistence"

	"go.uber.org/zap"
)

const (
	callTimeout = 10 * time.Second
	notionalEps = 1e-9
)

// RunState 表示执行器的运行阶段
type RunState int32

const (
	StateNotStarted RunState = iota
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s RunState) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateRunning:
		return "RUNNING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// GridExecutor 为单个账户运行一侧网格：持有有序的层级集合，
// 周期性决策循环与事件消费路径通过同一把互斥锁串行化，
// 两个账户的执行器之间不共享任何可变状态。
type GridExecutor struct {
	account string
	symbol  string
	side    models.Side
	cfg     models.GridConfig
	conn    connector.Connector
	repo    persistence.StateRepository
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	levels []*models.GridLevel

	state    atomic.Int32
	stopChan chan struct{}
	wg       sync.WaitGroup
	saveChan chan *models.ExecutorState
}

// New 构建一个执行器并生成其层级集合。层级生成失败直接报错，不允许半初始化。
func New(account string, side models.Side, cfg models.GridConfig, conn connector.Connector,
	repo persistence.StateRepository, logger *zap.SugaredLogger) (*GridExecutor, error) {

	rules := conn.TradingRules()
	levels, err := GenerateLevels(cfg, side, rules)
	if err != nil {
		return nil, fmt.Errorf("账户 %s 生成网格层级失败: %w", account, err)
	}

	logger.Infof("账户 %s 网格构建完成: %d 个层级, [%.8f, %.8f], 每层 %.2f",
		account, len(levels), levels[0].Price, levels[len(levels)-1].Price, levels[0].Notional)

	return &GridExecutor{
		account:  account,
		symbol:   rules.Symbol,
		side:     side,
		cfg:      cfg,
		conn:     conn,
		repo:     repo,
		logger:   logger,
		levels:   levels,
		stopChan: make(chan struct{}),
		saveChan: make(chan *models.ExecutorState, 1),
	}, nil
}

// Account 返回账户标识
func (e *GridExecutor) Account() string { return e.account }

// Side 返回该侧网格的开仓方向
func (e *GridExecutor) Side() models.Side { return e.side }

// Status 返回当前运行阶段
func (e *GridExecutor) Status() RunState { return RunState(e.state.Load()) }

// Healthy 返回执行器是否仍在正常工作：运行中且还有可用层级
func (e *GridExecutor) Healthy() bool {
	if e.Status() != StateRunning {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, l := range e.levels {
		if l.State != models.LevelFailed {
			return true
		}
	}
	return false
}

// Start 启动决策循环、兜底对账循环与异步持久化循环
func (e *GridExecutor) Start() error {
	if !e.state.CompareAndSwap(int32(StateNotStarted), int32(StateRunning)) {
		return fmt.Errorf("账户 %s 执行器已启动过 (当前状态 %s)", e.account, e.Status())
	}

	e.wg.Add(3)
	go e.tickLoop()
	go e.reconcileLoop()
	go e.saveLoop()

	e.logger.Infof("账户 %s 执行器已启动: %s 侧, tick=%dms, 对账=%ds",
		e.account, e.side, e.cfg.TickIntervalMs, e.cfg.FallbackIntervalSec)
	return nil
}

// Stop 协作式停机：当前 tick 完成后退出，停止后不再发出任何订单指令
func (e *GridExecutor) Stop() {
	if !e.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown)) {
		return
	}
	close(e.stopChan)
	e.wg.Wait()
	e.state.Store(int32(StateTerminated))
	e.logger.Infof("账户 %s 执行器已停止", e.account)
}

func (e *GridExecutor) stopping() bool {
	select {
	case <-e.stopChan:
		return true
	default:
		return false
	}
}

func (e *GridExecutor) tickLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Duration(e.cfg.TickIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.tick()
		case <-e.stopChan:
			return
		}
	}
}

// tick 执行一轮决策。指令发出顺序固定：先撤单，再挂平仓单，最后挂开仓单，
// 避免资金被瞬时超额占用。
func (e *GridExecutor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	mid, err := e.conn.MidPrice(ctx)
	cancel()
	if err != nil {
		e.logger.Warnf("账户 %s 获取市场参考价失败, 跳过本轮: %v", e.account, err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// 先消费已终结订单的结果，保证决策基于最新的层级状态
	for _, l := range e.levels {
		e.consumeOutcomes(l)
	}

	now := time.Now()
	for _, o := range e.staleOrders(now, mid) {
		if e.stopping() {
			return
		}
		e.requestCancel(o)
	}

	for _, l := range e.closeCandidates(mid) {
		if e.stopping() {
			return
		}
		e.placeClose(l, mid)
	}

	liveOpen, committed := e.exposure()
	for _, l := range e.openCandidates(mid) {
		if e.stopping() {
			return
		}
		if liveOpen >= e.cfg.MaxOpenOrders {
			break
		}
		if committed+l.Notional > e.cfg.TotalNotional+notionalEps {
			break
		}
		if e.placeOpen(l) {
			liveOpen++
			committed += l.Notional
		} else if l.State != models.LevelFailed {
			// 交易所拒单多半出于全局性原因(保证金不足、连通性), 本轮不再继续尝试,
			// 避免一次故障烧掉所有层级的失败计数
			break
		}
	}

	e.persistLocked()
}

// exposure 统计当前在途开仓单数量与已占用名义资金
func (e *GridExecutor) exposure() (liveOpen int, committed float64) {
	for _, l := range e.levels {
		if l.HasLiveOpenOrder() {
			liveOpen++
		}
		committed += l.CommittedNotional()
	}
	return liveOpen, committed
}

// staleOrders 返回需要撤掉的在途挂单，最早挂出的排在最前：
//   - 开仓单：价格漂出激活范围，或挂单超龄；
//   - 平仓单：价格漂出激活范围。撤掉后层级回到已开仓状态，
//     等止盈价回到激活范围内由 closeCandidates 重挂。
//
// 只撤完全未成交的单，部分成交的留给成交/终态路径处理。
func (e *GridExecutor) staleOrders(now time.Time, mid float64) []*models.TrackedOrder {
	cancelable := func(o *models.TrackedOrder) bool {
		return o != nil && !o.IsDone() && !o.AwaitingConfirm &&
			o.CancelRequestedAt.IsZero() &&
			o.Status == models.StatusOpen && o.ExecutedBase == 0
	}
	drifted := func(price float64) bool {
		return e.cfg.ActivationDistance > 0 &&
			math.Abs(price-mid)/mid > e.cfg.ActivationDistance
	}

	var stale []*models.TrackedOrder
	for _, l := range e.levels {
		if o := l.OpenOrder; cancelable(o) {
			aged := e.cfg.StaleOrderAgeSec > 0 &&
				now.Sub(o.CreatedAt) > time.Duration(e.cfg.StaleOrderAgeSec)*time.Second
			if drifted(o.Price) || aged {
				stale = append(stale, o)
			}
		}
		if o := l.CloseOrder; cancelable(o) && drifted(o.Price) {
			stale = append(stale, o)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})
	return stale
}

// closeCandidates 返回需要挂止盈单的层级：已开仓且没有在途平仓单，
// 并且止盈价在激活范围内——止盈价漂得太远时先不挂，等价格回来再挂
func (e *GridExecutor) closeCandidates(mid float64) []*models.GridLevel {
	var out []*models.GridLevel
	for _, l := range e.levels {
		if l.State != models.LevelOpenFilled || l.HasLiveCloseOrder() {
			continue
		}
		if l.OpenOrder != nil && l.OpenOrder.AwaitingConfirm {
			continue
		}
		if e.cfg.ActivationDistance > 0 &&
			math.Abs(e.takeProfitPrice(l)-mid)/mid > e.cfg.ActivationDistance {
			continue
		}
		out = append(out, l)
	}
	return out
}

// takeProfitPrice 返回层级的理论止盈价，不含安全价差的钳制
func (e *GridExecutor) takeProfitPrice(l *models.GridLevel) float64 {
	if l.Side == models.Buy {
		return l.Price * (1 + e.cfg.TakeProfitPct)
	}
	return l.Price * (1 - e.cfg.TakeProfitPct)
}

// openCandidates 返回可以激活的空闲层级，离市场参考价最近的优先
func (e *GridExecutor) openCandidates(mid float64) []*models.GridLevel {
	var out []*models.GridLevel
	for _, l := range e.levels {
		if l.State != models.LevelIdle || l.OpenOrder != nil {
			continue
		}
		if e.cfg.ActivationDistance > 0 &&
			math.Abs(l.Price-mid)/mid > e.cfg.ActivationDistance {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		di := math.Abs(out[i].Price - mid)
		dj := math.Abs(out[j].Price - mid)
		if di != dj {
			return di < dj
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// placeOpen 为一个空闲层级挂开仓单，返回是否成功占用了一个挂单名额。
// 关联键在提交前生成并写入追踪订单，先于确认到达的推送事件也能配对。
func (e *GridExecutor) placeOpen(l *models.GridLevel) bool {
	rules := e.conn.TradingRules()
	amount := connector.AdjustToStep(l.Notional/l.Price, rules.StepSize)
	if amount <= 0 || amount < rules.MinQty {
		l.Fail(fmt.Sprintf("订单数量 %.8f 低于交易所下限 %.8f", amount, rules.MinQty))
		e.logger.Errorf("账户 %s 层级 %d 不可用: %s", e.account, l.Index, l.LastError)
		return false
	}

	key := idgen.NewCorrelationKey(e.account)
	order := models.NewTrackedOrder(key, l.Side, l.Price, amount)
	l.OpenOrder = order
	l.SyncState()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	ack, err := e.conn.PlaceOrder(ctx, l.Side, l.Price, amount, key)
	cancel()
	if err != nil {
		if connector.IsTimeout(err) {
			// 结果未知：保留订单，等兜底对账给出权威答案，绝不重发
			order.AwaitingConfirm = true
			e.logger.Warnf("账户 %s 层级 %d 开仓下单超时, 等待对账确认: %s", e.account, l.Index, key)
			return true
		}
		e.recordPlacementFailure(l, "开仓", err)
		return false
	}

	l.FailStreak = 0
	order.Merge(models.OrderSnapshot{
		CorrelationID: key,
		ExchangeID:    ack.ExchangeID,
		Status:        ack.Status,
		EventTime:     time.Now(),
	})
	e.logger.Infof("账户 %s 层级 %d 开仓单已挂出: %s %.8f x %.8f (%s)",
		e.account, l.Index, l.Side, l.Price, amount, key)
	return true
}

// placeClose 为已成交的开仓挂对应的止盈平仓单。
// 价格 = 层级价按止盈比例偏移，且不越过市场参考价的安全价差，防止立即吃单。
func (e *GridExecutor) placeClose(l *models.GridLevel, mid float64) {
	open := l.OpenOrder
	if open == nil || !open.IsFilled() {
		return
	}

	amount := open.ExecutedBase
	if amount <= 0 {
		amount = open.Amount
	}
	rules := e.conn.TradingRules()
	amount = connector.AdjustToStep(amount, rules.StepSize)
	if amount <= 0 {
		return
	}

	price := e.takeProfitPrice(l)
	if l.Side == models.Buy {
		if floor := mid * (1 + e.cfg.SafeExtraSpread); price < floor {
			price = floor
		}
	} else {
		if ceil := mid * (1 - e.cfg.SafeExtraSpread); price > ceil {
			price = ceil
		}
	}
	price = connector.AdjustToStep(price, rules.TickSize)

	key := idgen.NewCorrelationKey(e.account)
	order := models.NewTrackedOrder(key, l.Side.Opposite(), price, amount)
	l.CloseOrder = order
	l.SyncState()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	ack, err := e.conn.PlaceOrder(ctx, order.Side, price, amount, key)
	cancel()
	if err != nil {
		if connector.IsTimeout(err) {
			order.AwaitingConfirm = true
			e.logger.Warnf("账户 %s 层级 %d 平仓下单超时, 等待对账确认: %s", e.account, l.Index, key)
			return
		}
		l.CloseOrder = nil
		l.SyncState()
		e.recordPlacementFailure(l, "平仓", err)
		return
	}

	l.FailStreak = 0
	order.Merge(models.OrderSnapshot{
		CorrelationID: key,
		ExchangeID:    ack.ExchangeID,
		Status:        ack.Status,
		EventTime:     time.Now(),
	})
	e.logger.Infof("账户 %s 层级 %d 止盈单已挂出: %s %.8f x %.8f (%s)",
		e.account, l.Index, order.Side, price, amount, key)
}

// recordPlacementFailure 记录一次下单失败；连续失败达到上限后层级进入 FAILED
func (e *GridExecutor) recordPlacementFailure(l *models.GridLevel, what string, err error) {
	if l.OpenOrder != nil && !l.OpenOrder.IsDone() && l.State == models.LevelOpenPending {
		l.ResetOpen()
	}
	l.FailStreak++
	l.LastError = err.Error()
	e.logger.Warnf("账户 %s 层级 %d %s下单失败 (第 %d 次): %v",
		e.account, l.Index, what, l.FailStreak, err)

	if l.FailStreak >= e.cfg.MaxPlacementFailures {
		l.Fail(fmt.Sprintf("连续 %d 次下单失败, 最后错误: %v", l.FailStreak, err))
		e.logger.Errorf("账户 %s 层级 %d 已标记为不可用: %s", e.account, l.Index, l.LastError)
	}
}

// requestCancel 发出撤单指令。撤单结果由推送事件或兜底对账确认，
// 本地不预判订单状态。
func (e *GridExecutor) requestCancel(o *models.TrackedOrder) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	err := e.conn.CancelOrder(ctx, o.CorrelationID)
	cancel()

	switch {
	case err == nil, errors.Is(err, connector.ErrOrderNotFound):
		o.CancelRequestedAt = time.Now()
		e.logger.Infof("账户 %s 已请求撤单: %s", e.account, o.CorrelationID)
	case connector.IsTimeout(err):
		o.CancelRequestedAt = time.Now()
		o.AwaitingConfirm = true
		e.logger.Warnf("账户 %s 撤单超时, 等待对账确认: %s", e.account, o.CorrelationID)
	default:
		e.logger.Warnf("账户 %s 撤单失败, 下轮重试: %s: %v", e.account, o.CorrelationID, err)
	}
}

// HandleOrderEvent 是事件分发路径的入口，与 tick 在同一把锁下互斥。
// 找不到归属层级的事件（已脱钩的旧单、上次运行的残留）无害，直接丢弃。
func (e *GridExecutor) HandleOrderEvent(snap models.OrderSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.applySnapshotLocked(snap) {
		e.persistLocked()
	}
}

// applySnapshotLocked 将一份订单快照合并进所属层级并驱动状态转移。
// 返回是否有状态实际发生了变化。调用方必须持有 e.mu。
func (e *GridExecutor) applySnapshotLocked(snap models.OrderSnapshot) bool {
	l, o := e.findByKeyLocked(snap.CorrelationID)
	if l == nil {
		e.logger.Debugf("账户 %s 丢弃无归属的订单事件: %s (%s)",
			e.account, snap.CorrelationID, snap.Status)
		return false
	}

	prev := l.State
	if !o.Merge(snap) {
		// 重复或迟到的事件，没有携带新信息
		return false
	}

	e.consumeOutcomes(l)
	if l.State != prev {
		e.logger.Infof("账户 %s 层级 %d 状态: %s -> %s (订单 %s: %s)",
			e.account, l.Index, prev, l.State, snap.CorrelationID, snap.Status)
	}
	return true
}

// consumeOutcomes 根据订单的终结结果驱动层级转移：
// 完整循环结束后复位层级进入下一循环；未成交即终结的订单被脱钩释放。
func (e *GridExecutor) consumeOutcomes(l *models.GridLevel) {
	l.SyncState()

	switch {
	case l.State == models.LevelComplete:
		e.logCycleProfit(l)
		l.Rearm()
	case l.OpenOrder != nil && l.OpenOrder.IsDone() && !l.OpenOrder.IsFilled():
		l.ResetOpen()
	case l.CloseOrder != nil && l.CloseOrder.IsDone() && !l.CloseOrder.IsFilled():
		l.ResetClose()
	}
}

// logCycleProfit 在一个层级完成开平循环后记录已实现盈亏
func (e *GridExecutor) logCycleProfit(l *models.GridLevel) {
	openOrd, closeOrd := l.OpenOrder, l.CloseOrder
	if openOrd == nil || closeOrd == nil {
		return
	}
	fees := openOrd.CumFee + closeOrd.CumFee
	var profit float64
	if l.Side == models.Buy {
		profit = closeOrd.ExecutedQuote - openOrd.ExecutedQuote - fees
	} else {
		profit = openOrd.ExecutedQuote - closeOrd.ExecutedQuote - fees
	}
	e.logger.Infof("账户 %s 层级 %d 循环完成: 开 %.4f 平 %.4f 手续费 %.4f 盈亏 %.4f",
		e.account, l.Index, openOrd.ExecutedQuote, closeOrd.ExecutedQuote, fees, profit)
}

func (e *GridExecutor) findByKeyLocked(key string) (*models.GridLevel, *models.TrackedOrder) {
	for _, l := range e.levels {
		if l.OpenOrder != nil && l.OpenOrder.CorrelationID == key {
			return l, l.OpenOrder
		}
		if l.CloseOrder != nil && l.CloseOrder.CorrelationID == key {
			return l, l.CloseOrder
		}
	}
	return nil, nil
}

// CommittedNotional 返回当前占用的名义资金总额，供控制器做两腿对冲校验
func (e *GridExecutor) CommittedNotional() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var total float64
	for _, l := range e.levels {
		total += l.CommittedNotional()
	}
	return total
}

// Snapshot 返回当前全部层级的时点快照（深拷贝），供状态报表与持久化使用
func (e *GridExecutor) Snapshot() *models.ExecutorState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *GridExecutor) snapshotLocked() *models.ExecutorState {
	levels := make([]*models.GridLevel, len(e.levels))
	for i, l := range e.levels {
		cp := *l
		if l.OpenOrder != nil {
			o := *l.OpenOrder
			cp.OpenOrder = &o
		}
		if l.CloseOrder != nil {
			o := *l.CloseOrder
			cp.CloseOrder = &o
		}
		levels[i] = &cp
	}
	return &models.ExecutorState{
		Account: e.account,
		Symbol:  e.symbol,
		Levels:  levels,
		SavedAt: time.Now(),
	}
}

// persistLocked 异步保存一份状态快照，快照队列始终只保留最新一份
func (e *GridExecutor) persistLocked() {
	if e.repo == nil {
		return
	}
	st := e.snapshotLocked()
	for {
		select {
		case e.saveChan <- st:
			return
		default:
			select {
			case <-e.saveChan: // 丢弃过期快照
			default:
			}
		}
	}
}

func (e *GridExecutor) saveLoop() {
	defer e.wg.Done()
	if e.repo == nil {
		return
	}
	for {
		select {
		case st := <-e.saveChan:
			if err := e.repo.SaveState(st); err != nil {
				e.logger.Warnf("账户 %s 保存状态快照失败: %v", e.account, err)
			}
		case <-e.stopChan:
			// 停机前把最后一份快照落盘
			select {
			case st := <-e.saveChan:
				if err := e.repo.SaveState(st); err != nil {
					e.logger.Warnf("账户 %s 保存状态快照失败: %v", e.account, err)
				}
			default:
			}
			return
		}
	}
}
