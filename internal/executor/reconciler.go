package executor

import (
	"context"
	"errors"
	"time"

	"dual-grid-bot-go/internal/connector"
	"dual-grid-bot-go/internal/models"
)

// reconcileTarget 是一次兜底对账要检查的订单。
// 在持锁阶段收集，网络查询在锁外进行，避免对账拖慢事件处理。
type reconcileTarget struct {
	key             string
	status          models.OrderStatus
	createdAt       time.Time
	cancelRequested bool
}

func (e *GridExecutor) reconcileLoop() {
	defer e.wg.Done()
	interval := time.Duration(e.cfg.FallbackIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.reconcile()
		case <-e.stopChan:
			return
		}
	}
}

// reconcile 对每一张未终结的追踪订单向交易所拉取权威快照并合并。
// 这是推送丢失时的纠偏机制：正确性从不依赖推送必达，只依赖这里的收敛。
// 对下单/撤单超时造成的"结果未知"订单，也只有这里有资格给出答案。
func (e *GridExecutor) reconcile() {
	targets := e.collectTargets()
	if len(targets) == 0 {
		return
	}

	changed := 0
	for _, t := range targets {
		if e.stopping() {
			break
		}

		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		snap, err := e.conn.GetOrderStatus(ctx, t.key)
		cancel()

		switch {
		case err == nil:
			e.mu.Lock()
			fixed := e.applySnapshotLocked(*snap)
			// 权威答案已到手，即使不携带新信息，歧义也已经消除。
			// 订单还活着说明之前的撤单请求没有生效，放行下一轮重撤。
			if _, o := e.findByKeyLocked(t.key); o != nil {
				if o.AwaitingConfirm {
					o.AwaitingConfirm = false
					fixed = true
				}
				if !o.IsDone() && !o.CancelRequestedAt.IsZero() {
					o.CancelRequestedAt = time.Time{}
					fixed = true
				}
			}
			if fixed {
				changed++
			}
			e.mu.Unlock()

		case errors.Is(err, connector.ErrOrderNotFound):
			if synth, ok := e.resolveNotFound(t); ok {
				e.mu.Lock()
				if e.applySnapshotLocked(synth) {
					changed++
				}
				e.mu.Unlock()
			}

		default:
			e.logger.Warnf("账户 %s 对账查询失败, 下轮重试: %s: %v", e.account, t.key, err)
		}
	}

	if changed > 0 {
		e.logger.Infof("账户 %s 兜底对账纠正了 %d 张订单的状态", e.account, changed)
		e.mu.Lock()
		e.persistLocked()
		e.mu.Unlock()
	}
}

// collectTargets 收集所有未终结订单的对账目标
func (e *GridExecutor) collectTargets() []reconcileTarget {
	e.mu.Lock()
	defer e.mu.Unlock()

	var targets []reconcileTarget
	add := func(o *models.TrackedOrder) {
		if o == nil || o.IsDone() {
			return
		}
		targets = append(targets, reconcileTarget{
			key:             o.CorrelationID,
			status:          o.Status,
			createdAt:       o.CreatedAt,
			cancelRequested: !o.CancelRequestedAt.IsZero(),
		})
	}
	for _, l := range e.levels {
		add(l.OpenOrder)
		add(l.CloseOrder)
	}
	return targets
}

// resolveNotFound 决定"交易所查无此单"的含义：
//   - 已请求撤单的订单查不到，视为撤单已生效；
//   - 提交后始终未被确认、且已超过一个对账周期的订单，视为被拒绝；
//   - 其余情况可能只是查询与下单之间的竞态，留到下一轮再判。
func (e *GridExecutor) resolveNotFound(t reconcileTarget) (models.OrderSnapshot, bool) {
	confirmWindow := time.Duration(e.cfg.FallbackIntervalSec) * time.Second

	switch {
	case t.cancelRequested:
		return models.OrderSnapshot{
			CorrelationID: t.key,
			Status:        string(models.StatusCanceled),
			EventTime:     time.Now(),
		}, true
	case t.status == models.StatusPendingAck && time.Since(t.createdAt) > confirmWindow:
		e.logger.Warnf("账户 %s 订单 %s 提交后始终未见于交易所, 判定为被拒绝", e.account, t.key)
		return models.OrderSnapshot{
			CorrelationID: t.key,
			Status:        string(models.StatusRejected),
			EventTime:     time.Now(),
		}, true
	default:
		return models.OrderSnapshot{}, false
	}
}
