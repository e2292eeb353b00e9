package dispatcher

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"dual-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingSink captures delivered snapshots in arrival order.
type recordingSink struct {
	mu    sync.Mutex
	seen  []models.OrderSnapshot
	notif chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notif: make(chan struct{}, 1024)}
}

func (s *recordingSink) HandleOrderEvent(snap models.OrderSnapshot) {
	s.mu.Lock()
	s.seen = append(s.seen, snap)
	s.mu.Unlock()
	s.notif <- struct{}{}
}

func (s *recordingSink) snapshots() []models.OrderSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OrderSnapshot, len(s.seen))
	copy(out, s.seen)
	return out
}

func (s *recordingSink) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-s.notif:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events (got %d)", n, i)
		}
	}
}

func TestDispatchRoutesByAccount(t *testing.T) {
	d := New(16, zap.NewNop().Sugar())
	sinkA, sinkB := newRecordingSink(), newRecordingSink()
	d.Register("A", sinkA)
	d.Register("B", sinkB)
	d.Start()
	defer d.Stop()

	d.Publish(OrderEvent{Account: "A", Snapshot: models.OrderSnapshot{CorrelationID: "ka"}})
	d.Publish(OrderEvent{Account: "B", Snapshot: models.OrderSnapshot{CorrelationID: "kb"}})

	sinkA.waitFor(t, 1)
	sinkB.waitFor(t, 1)

	require.Len(t, sinkA.snapshots(), 1)
	require.Len(t, sinkB.snapshots(), 1)
	assert.Equal(t, "ka", sinkA.snapshots()[0].CorrelationID)
	assert.Equal(t, "kb", sinkB.snapshots()[0].CorrelationID)
}

func TestDispatchPreservesPerAccountOrder(t *testing.T) {
	d := New(256, zap.NewNop().Sugar())
	sink := newRecordingSink()
	d.Register("A", sink)
	d.Start()
	defer d.Stop()

	const n = 100
	for i := 0; i < n; i++ {
		d.Publish(OrderEvent{Account: "A", Snapshot: models.OrderSnapshot{
			CorrelationID: fmt.Sprintf("k%03d", i),
		}})
	}
	sink.waitFor(t, n)

	seen := sink.snapshots()
	require.Len(t, seen, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("k%03d", i), seen[i].CorrelationID, "event %d out of order", i)
	}
}

func TestDispatchDropsUnknownAccount(t *testing.T) {
	d := New(16, zap.NewNop().Sugar())
	sink := newRecordingSink()
	d.Register("A", sink)
	d.Start()

	// An event from an account nobody registered must be dropped silently.
	d.Publish(OrderEvent{Account: "GHOST", Snapshot: models.OrderSnapshot{CorrelationID: "kx"}})
	d.Publish(OrderEvent{Account: "A", Snapshot: models.OrderSnapshot{CorrelationID: "ka"}})
	sink.waitFor(t, 1)
	d.Stop()

	seen := sink.snapshots()
	require.Len(t, seen, 1)
	assert.Equal(t, "ka", seen[0].CorrelationID)
}

func TestStopDrainsQueuedEvents(t *testing.T) {
	d := New(64, zap.NewNop().Sugar())
	sink := newRecordingSink()
	d.Register("A", sink)
	d.Start()

	for i := 0; i < 10; i++ {
		d.Publish(OrderEvent{Account: "A", Snapshot: models.OrderSnapshot{CorrelationID: fmt.Sprintf("k%d", i)}})
	}
	d.Stop()

	assert.Len(t, sink.snapshots(), 10, "events accepted before Stop must be delivered")

	// Publishing after Stop must not block or panic.
	done := make(chan struct{})
	go func() {
		d.Publish(OrderEvent{Account: "A", Snapshot: models.OrderSnapshot{CorrelationID: "late"}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish after Stop must not block")
	}
}

// TestStopWithoutStartReturns: the paired startup protocol may fail after the
// dispatcher is built but before it is started; the rollback path calls Stop
// and must not hang waiting for a loop that never ran.
func TestStopWithoutStartReturns(t *testing.T) {
	d := New(8, zap.NewNop().Sugar())

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop without Start must return")
	}
}
