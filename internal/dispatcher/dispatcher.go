package dispatcher

import (
	"sync"

	"dual-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// OrderEvent 是共享收件箱中的一个条目：
// 账户标识决定路由目标，快照携带以关联键为主键的订单状态。
type OrderEvent struct {
	Account  string
	Snapshot models.OrderSnapshot
}

// Sink 是事件的消费端，由各账户的网格执行器实现。
// 实现方必须自行保证事件处理与自身决策循环的互斥。
type Sink interface {
	HandleOrderEvent(snap models.OrderSnapshot)
}

// Dispatcher 持有两个账户的推送事件共用的收件箱，并按账户标识把事件
// 路由到所属执行器。单一消费循环天然保持了同一账户内事件的先后顺序；
// 不同账户的事件操作互不相交的数据，先后顺序无关紧要。
type Dispatcher struct {
	inbox    chan OrderEvent
	mu       sync.RWMutex
	sinks    map[string]Sink
	started  bool
	stopChan chan struct{}
	done     chan struct{}
	logger   *zap.SugaredLogger
}

// New 创建一个带缓冲收件箱的事件分发器
func New(buffer int, logger *zap.SugaredLogger) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Dispatcher{
		inbox:    make(chan OrderEvent, buffer),
		sinks:    make(map[string]Sink),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Register 注册一个账户的事件消费端，必须在 Start 之前完成
func (d *Dispatcher) Register(account string, sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[account] = sink
}

// Publish 将一个事件放入共享收件箱。
// 收件箱满时阻塞调用方（连接器的读循环），以背压代替丢事件。
func (d *Dispatcher) Publish(ev OrderEvent) {
	select {
	case d.inbox <- ev:
	case <-d.stopChan:
		// 停机后到达的事件直接丢弃，兜底对账会在下次启动时纠正
	}
}

// Start 启动分发循环
func (d *Dispatcher) Start() {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	go d.dispatchLoop()
	d.logger.Info("事件分发器已启动")
}

// Stop 停止分发循环，等待当前事件处理完成后返回。
// 启动前调用也是安全的，例如启动协议中途失败后的回滚路径。
func (d *Dispatcher) Stop() {
	close(d.stopChan)
	d.mu.RLock()
	started := d.started
	d.mu.RUnlock()
	if started {
		<-d.done
	}
	d.logger.Info("事件分发器已停止")
}

func (d *Dispatcher) dispatchLoop() {
	defer close(d.done)
	for {
		select {
		case ev := <-d.inbox:
			d.dispatch(ev)
		case <-d.stopChan:
			// 排空已入队的事件再退出，避免停机时丢掉已收到的状态
			for {
				select {
				case ev := <-d.inbox:
					d.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) dispatch(ev OrderEvent) {
	d.mu.RLock()
	sink, ok := d.sinks[ev.Account]
	d.mu.RUnlock()

	if !ok {
		// 未知账户的事件（例如上一次运行的残留订单）无害，丢弃即可
		d.logger.Debugf("丢弃未知账户 %s 的订单事件: %s", ev.Account, ev.Snapshot.CorrelationID)
		return
	}
	sink.HandleOrderEvent(ev.Snapshot)
}
