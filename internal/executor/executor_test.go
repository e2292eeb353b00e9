package executor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"dual-grid-bot-go/internal/connector"
	"dual-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type placedOrder struct {
	Side   models.Side
	Price  float64
	Amount float64
	Key    string
}

// mockConnector is an in-memory implementation of connector.Connector.
type mockConnector struct {
	mu       sync.Mutex
	account  string
	mid      float64
	rules    models.TradingRules
	placed    []placedOrder
	canceled  []string
	placeErr  error
	cancelErr error
	statuses  map[string]models.OrderSnapshot
	nextID    int64
}

func newMockConnector(account string, mid float64) *mockConnector {
	return &mockConnector{
		account:  account,
		mid:      mid,
		rules:    testRules(),
		statuses: make(map[string]models.OrderSnapshot),
	}
}

func (m *mockConnector) Account() string                   { return m.account }
func (m *mockConnector) TradingRules() models.TradingRules { return m.rules }

func (m *mockConnector) MidPrice(context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mid, nil
}

func (m *mockConnector) PlaceOrder(_ context.Context, side models.Side, price, amount float64, key string) (*connector.Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.placeErr != nil {
		return nil, m.placeErr
	}
	m.nextID++
	m.placed = append(m.placed, placedOrder{Side: side, Price: price, Amount: amount, Key: key})
	return &connector.Ack{Accepted: true, ExchangeID: m.nextID, Status: "NEW"}, nil
}

func (m *mockConnector) CancelOrder(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.canceled = append(m.canceled, key)
	return nil
}

func (m *mockConnector) setMid(mid float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mid = mid
}

func (m *mockConnector) GetOrderStatus(_ context.Context, key string) (*models.OrderSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap, ok := m.statuses[key]; ok {
		return &snap, nil
	}
	return nil, connector.ErrOrderNotFound
}

func (m *mockConnector) GetOpenOrders(context.Context) ([]models.OrderSnapshot, error) {
	return nil, nil
}
func (m *mockConnector) CancelAllOrders(context.Context) (int, error)    { return 0, nil }
func (m *mockConnector) CloseAllPositions(context.Context) (int, error)  { return 0, nil }
func (m *mockConnector) PositionAmount(context.Context) (float64, error) { return 0, nil }
func (m *mockConnector) GetBalance(context.Context) (*models.Balance, error) {
	return &models.Balance{Free: 1000}, nil
}
func (m *mockConnector) Cleanup(context.Context) error                         { return nil }
func (m *mockConnector) SubscribeOrderEvents(func(models.OrderSnapshot)) error { return nil }
func (m *mockConnector) Alive() bool                                           { return true }
func (m *mockConnector) Close() error                                          { return nil }

func (m *mockConnector) placedOrders() []placedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]placedOrder, len(m.placed))
	copy(out, m.placed)
	return out
}

func (m *mockConnector) canceledKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.canceled))
	copy(out, m.canceled)
	return out
}

func newTestExecutor(t *testing.T, cfg models.GridConfig, conn *mockConnector) *GridExecutor {
	t.Helper()
	e, err := New(conn.account, models.Buy, cfg, conn, nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	return e
}

// TestTickActivatesClosestLevelsFirst verifies the activation order around a
// mid price of 0.2650: levels 0.2600 and 0.2700 are opened before 0.2500 and
// 0.2800, each sized 25 in quote terms.
func TestTickActivatesClosestLevelsFirst(t *testing.T) {
	conn := newMockConnector("A", 0.2650)
	e := newTestExecutor(t, testGridConfig(), conn)

	e.tick()

	placed := conn.placedOrders()
	require.Len(t, placed, 4)
	assert.InDelta(t, 0.26, placed[0].Price, 1e-9)
	assert.InDelta(t, 0.27, placed[1].Price, 1e-9)
	assert.InDelta(t, 0.25, placed[2].Price, 1e-9)
	assert.InDelta(t, 0.28, placed[3].Price, 1e-9)

	for _, p := range placed {
		assert.Equal(t, models.Buy, p.Side)
		// 25 quote per level, quantized down to whole units.
		assert.InDelta(t, float64(int(25/p.Price)), p.Amount, 1.0)
		assert.NotEmpty(t, p.Key)
	}

	for _, l := range e.levels {
		assert.Equal(t, models.LevelOpenPending, l.State)
		require.NotNil(t, l.OpenOrder)
		assert.Equal(t, models.StatusOpen, l.OpenOrder.Status)
	}
}

func TestMaxOpenOrdersCap(t *testing.T) {
	cfg := testGridConfig()
	cfg.MaxOpenOrders = 2
	conn := newMockConnector("A", 0.2650)
	e := newTestExecutor(t, cfg, conn)

	e.tick()
	require.Len(t, conn.placedOrders(), 2)

	// Further ticks must not exceed the cap while both orders are live.
	e.tick()
	e.tick()
	assert.Len(t, conn.placedOrders(), 2)

	live, _ := e.exposure()
	assert.Equal(t, 2, live)
}

func TestCapitalCeiling(t *testing.T) {
	conn := newMockConnector("A", 0.2650)
	e := newTestExecutor(t, testGridConfig(), conn)
	// Tighten the ceiling after level construction: only two 25-quote levels fit.
	e.cfg.TotalNotional = 60

	e.tick()
	assert.Len(t, conn.placedOrders(), 2)

	_, committed := e.exposure()
	assert.LessOrEqual(t, committed, 60.0)
}

func TestNoDoubleOpen(t *testing.T) {
	conn := newMockConnector("A", 0.2650)
	e := newTestExecutor(t, testGridConfig(), conn)

	e.tick()
	e.tick()

	assert.Len(t, conn.placedOrders(), 4, "a level with a live open order must not be re-activated")
	for _, l := range e.levels {
		require.NotNil(t, l.OpenOrder)
		assert.False(t, l.HasLiveCloseOrder())
	}
}

// TestOpenFillPlacesCloseExactlyOnce walks one level through fill and verifies
// that a duplicate FILLED event with a smaller amount does not re-trigger the
// close-order placement.
func TestOpenFillPlacesCloseExactlyOnce(t *testing.T) {
	conn := newMockConnector("A", 0.2650)
	e := newTestExecutor(t, testGridConfig(), conn)

	e.tick()
	placed := conn.placedOrders()
	require.Len(t, placed, 4)
	key := placed[0].Key // the 0.26 level

	e.HandleOrderEvent(models.OrderSnapshot{
		CorrelationID: key, Status: "FILLED",
		FilledBase: placed[0].Amount, FilledQuote: placed[0].Amount * 0.26,
	})
	assert.Equal(t, models.LevelOpenFilled, e.levels[1].State)

	e.tick()
	placed = conn.placedOrders()
	require.Len(t, placed, 5, "exactly one close order placed")
	closeOrd := placed[4]
	assert.Equal(t, models.Sell, closeOrd.Side)
	// The raw take-profit price (0.26*1.005) sits below the mid, so the safety
	// spread lifts it just above the market before tick-size quantization.
	assert.InDelta(t, 0.2652, closeOrd.Price, 1e-9)
	assert.Equal(t, placed[0].Amount, closeOrd.Amount)
	assert.Equal(t, models.LevelClosePending, e.levels[1].State)

	// Duplicate fill with a smaller amount must be a no-op.
	e.HandleOrderEvent(models.OrderSnapshot{
		CorrelationID: key, Status: "FILLED",
		FilledBase: placed[0].Amount / 2, FilledQuote: placed[0].Amount * 0.13,
	})
	e.tick()
	assert.Len(t, conn.placedOrders(), 5, "the duplicate must not trigger a second close order")
	assert.Equal(t, models.LevelClosePending, e.levels[1].State)
}

// TestCompleteCycleRearmsLevel verifies COMPLETE levels return to IDLE and get
// re-activated on a later tick.
func TestCompleteCycleRearmsLevel(t *testing.T) {
	cfg := testGridConfig()
	cfg.MaxOpenOrders = 1
	conn := newMockConnector("A", 0.2650)
	e := newTestExecutor(t, cfg, conn)

	e.tick()
	placed := conn.placedOrders()
	require.Len(t, placed, 1)
	openKey := placed[0].Key

	e.HandleOrderEvent(models.OrderSnapshot{
		CorrelationID: openKey, Status: "FILLED",
		FilledBase: placed[0].Amount, FilledQuote: placed[0].Amount * 0.26,
	})
	e.tick() // places the close order
	placed = conn.placedOrders()
	require.Len(t, placed, 2)
	closeKey := placed[1].Key

	e.HandleOrderEvent(models.OrderSnapshot{
		CorrelationID: closeKey, Status: "FILLED",
		FilledBase: placed[1].Amount, FilledQuote: placed[1].Amount * placed[1].Price,
	})

	l := e.levels[1]
	assert.Equal(t, models.LevelIdle, l.State, "a completed cycle re-arms the level")
	assert.Nil(t, l.OpenOrder)
	assert.Nil(t, l.CloseOrder)

	e.tick()
	assert.Len(t, conn.placedOrders(), 3, "the re-armed level is eligible again")
}

func TestPlacementFailuresMarkLevelFailed(t *testing.T) {
	cfg := testGridConfig()
	cfg.MaxOpenOrders = 1
	conn := newMockConnector("A", 0.2650)
	e := newTestExecutor(t, cfg, conn)
	conn.placeErr = &models.APIError{Code: -2019, Msg: "Margin is insufficient."}

	for i := 0; i < 3; i++ {
		e.tick()
	}

	l := e.levels[1] // closest to mid, retried every tick
	assert.Equal(t, models.LevelFailed, l.State)
	assert.Equal(t, 3, l.FailStreak)
	assert.NotEmpty(t, l.LastError)

	// The failed level is excluded; the next closest level is attempted instead.
	e.tick()
	assert.Equal(t, models.LevelFailed, e.levels[1].State)
	assert.NotEqual(t, models.LevelFailed, e.levels[2].State)
}

// TestTimeoutIsNeverRetriedBlindly covers the unknown-outcome rule: a timed-out
// placement leaves the order awaiting confirmation and no new command is issued
// for that level until the reconciler resolves it.
func TestTimeoutIsNeverRetriedBlindly(t *testing.T) {
	cfg := testGridConfig()
	cfg.MaxOpenOrders = 1
	cfg.FallbackIntervalSec = 0 // confirmation window elapses immediately
	conn := newMockConnector("A", 0.2650)
	e := newTestExecutor(t, cfg, conn)
	conn.placeErr = context.DeadlineExceeded

	e.tick()
	l := e.levels[1]
	require.NotNil(t, l.OpenOrder)
	assert.True(t, l.OpenOrder.AwaitingConfirm)
	assert.Equal(t, models.StatusPendingAck, l.OpenOrder.Status)
	assert.Empty(t, conn.placedOrders())

	// Subsequent ticks must not issue a fresh command for the ambiguous order.
	conn.placeErr = nil
	e.tick()
	assert.Empty(t, conn.placedOrders())
	assert.Empty(t, conn.canceledKeys())

	// The reconciler finds no such order on the exchange after the confirmation
	// window: the placement is deemed rejected and the level freed.
	e.reconcile()
	assert.Nil(t, l.OpenOrder)
	assert.Equal(t, models.LevelIdle, l.State)

	// Only now may the level be retried with a fresh correlation key.
	e.tick()
	assert.Len(t, conn.placedOrders(), 1)
}

func TestStaleOrdersCanceledOldestFirst(t *testing.T) {
	cfg := testGridConfig()
	cfg.StaleOrderAgeSec = 1
	conn := newMockConnector("A", 0.2650)
	e := newTestExecutor(t, cfg, conn)

	e.tick()
	require.Len(t, conn.placedOrders(), 4)

	// Age all open orders past the threshold, with distinct creation times.
	now := time.Now()
	for i, l := range e.levels {
		l.OpenOrder.CreatedAt = now.Add(-time.Duration(10-i) * time.Second)
	}

	e.tick()
	canceled := conn.canceledKeys()
	require.Len(t, canceled, 4)
	assert.Equal(t, e.levels[0].OpenOrder.CorrelationID, canceled[0], "oldest placed first")
	assert.Equal(t, e.levels[3].OpenOrder.CorrelationID, canceled[3])

	// Cancels are requested once; the next tick must not repeat them.
	e.tick()
	assert.Len(t, conn.canceledKeys(), 4)
}

// TestDriftedCloseOrderCanceledAndRepriced: a resting take-profit whose price
// drifts outside the activation band is canceled like any other stale order,
// and re-placed only once the take-profit price is back within the band.
func TestDriftedCloseOrderCanceledAndRepriced(t *testing.T) {
	conn := newMockConnector("A", 0.2650)
	e := newTestExecutor(t, testGridConfig(), conn)

	e.tick()
	require.Len(t, conn.placedOrders(), 4)

	// Fill the 0.26 level and let the next tick place its take-profit order.
	openKey := e.levels[1].OpenOrder.CorrelationID
	e.HandleOrderEvent(models.OrderSnapshot{CorrelationID: openKey, Status: "FILLED", FilledBase: 96, FilledQuote: 24.96})
	e.tick()
	require.NotNil(t, e.levels[1].CloseOrder)
	closeKey := e.levels[1].CloseOrder.CorrelationID

	// The market collapses far below the grid: the resting take-profit is now
	// outside the activation band and must be canceled.
	conn.setMid(0.20)
	e.tick()
	assert.Contains(t, conn.canceledKeys(), closeKey)

	e.HandleOrderEvent(models.OrderSnapshot{CorrelationID: closeKey, Status: "CANCELED"})
	assert.Equal(t, models.LevelOpenFilled, e.levels[1].State)

	// While the take-profit price stays outside the band, no close is re-placed.
	placedBefore := len(conn.placedOrders())
	e.tick()
	assert.Len(t, conn.placedOrders(), placedBefore)

	// Once the market comes back, the take-profit is placed again.
	conn.setMid(0.2650)
	e.tick()
	placed := conn.placedOrders()
	require.Len(t, placed, placedBefore+1)
	last := placed[len(placed)-1]
	assert.Equal(t, models.Sell, last.Side)
	assert.InDelta(t, 0.2652, last.Price, 1e-9)
	assert.Equal(t, models.LevelClosePending, e.levels[1].State)
}

// TestLostCancelIsReissuedAfterReconcile covers a cancel that times out and was
// lost on the wire: the reconciler's authoritative "still resting" answer must
// clear the ambiguity even though it carries no new information, so the next
// tick can issue the cancel again.
func TestLostCancelIsReissuedAfterReconcile(t *testing.T) {
	cfg := testGridConfig()
	cfg.StaleOrderAgeSec = 1
	conn := newMockConnector("A", 0.2650)
	e := newTestExecutor(t, cfg, conn)

	e.tick()
	require.Len(t, conn.placedOrders(), 4)
	o := e.levels[1].OpenOrder
	o.CreatedAt = time.Now().Add(-time.Minute)

	// The cancel request times out: outcome unknown, no retry allowed yet.
	conn.cancelErr = context.DeadlineExceeded
	e.tick()
	assert.Empty(t, conn.canceledKeys())
	require.True(t, o.AwaitingConfirm)
	require.False(t, o.CancelRequestedAt.IsZero())

	// The exchange never received the cancel: the authoritative fetch reports
	// the order still resting, byte-for-byte unchanged.
	conn.statuses[o.CorrelationID] = models.OrderSnapshot{
		CorrelationID: o.CorrelationID,
		ExchangeID:    o.ExchangeID,
		Status:        "NEW",
	}
	e.reconcile()
	assert.False(t, o.AwaitingConfirm)
	assert.True(t, o.CancelRequestedAt.IsZero())

	// With the ambiguity resolved, the stale order is canceled again.
	conn.cancelErr = nil
	e.tick()
	assert.Contains(t, conn.canceledKeys(), o.CorrelationID)
}

// TestReconciliationConvergence drops 30% of push events at random and checks
// that a reconciler pass converges to the same per-level states as lossless
// delivery.
func TestReconciliationConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	connFull := newMockConnector("A", 0.2650)
	full := newTestExecutor(t, testGridConfig(), connFull)
	connLossy := newMockConnector("B", 0.2650)
	lossy := newTestExecutor(t, testGridConfig(), connLossy)

	full.tick()
	lossy.tick()
	require.Len(t, connFull.placedOrders(), 4)
	require.Len(t, connLossy.placedOrders(), 4)

	// Build per-order event streams keyed by level index so both executors see
	// equivalent histories.
	makeStream := func(p placedOrder) []models.OrderSnapshot {
		return []models.OrderSnapshot{
			{CorrelationID: p.Key, Status: "NEW"},
			{CorrelationID: p.Key, Status: "PARTIALLY_FILLED", FilledBase: p.Amount / 2, FilledQuote: p.Amount / 2 * p.Price},
			{CorrelationID: p.Key, Status: "FILLED", FilledBase: p.Amount, FilledQuote: p.Amount * p.Price},
		}
	}

	for i := 0; i < 4; i++ {
		pf := connFull.placedOrders()[i]
		pl := connLossy.placedOrders()[i]

		for _, snap := range makeStream(pf) {
			full.HandleOrderEvent(snap)
		}
		for _, snap := range makeStream(pl) {
			if rng.Float64() < 0.3 {
				continue // dropped push event
			}
			lossy.HandleOrderEvent(snap)
		}
		// The exchange always knows the authoritative final snapshot.
		finalSnap := makeStream(pl)[2]
		connLossy.statuses[pl.Key] = finalSnap
	}

	lossy.reconcile()

	for i := 0; i < 4; i++ {
		lf, ll := full.levels[i], lossy.levels[i]
		assert.Equal(t, lf.State, ll.State, "level %d state", i)
		require.NotNil(t, ll.OpenOrder)
		assert.Equal(t, lf.OpenOrder.Status, ll.OpenOrder.Status, "level %d status", i)
		assert.InDelta(t, lf.OpenOrder.ExecutedBase, ll.OpenOrder.ExecutedBase, 1e-9, "level %d executed", i)
	}
}

func TestUnmatchedEventIsDropped(t *testing.T) {
	conn := newMockConnector("A", 0.2650)
	e := newTestExecutor(t, testGridConfig(), conn)
	e.tick()

	before := e.Snapshot()
	e.HandleOrderEvent(models.OrderSnapshot{CorrelationID: "DGA_stale_from_last_run", Status: "FILLED", FilledBase: 10})
	after := e.Snapshot()

	for i := range before.Levels {
		assert.Equal(t, before.Levels[i].State, after.Levels[i].State)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	conn := newMockConnector("A", 0.2650)
	e := newTestExecutor(t, testGridConfig(), conn)
	require.Equal(t, StateNotStarted, e.Status())

	require.NoError(t, e.Start())
	assert.Equal(t, StateRunning, e.Status())
	assert.Error(t, e.Start(), "double start must be rejected")
	assert.True(t, e.Healthy())

	e.Stop()
	assert.Equal(t, StateTerminated, e.Status())
	assert.False(t, e.Healthy())
	e.Stop() // idempotent
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	conn := newMockConnector("A", 0.2650)
	e := newTestExecutor(t, testGridConfig(), conn)
	e.tick()

	snap := e.Snapshot()
	require.Len(t, snap.Levels, 4)
	snap.Levels[0].State = models.LevelFailed
	snap.Levels[0].OpenOrder.Status = models.StatusCanceled

	assert.NotEqual(t, models.LevelFailed, e.levels[0].State)
	assert.NotEqual(t, models.StatusCanceled, e.levels[0].OpenOrder.Status)
}

func TestCommittedNotionalTracksLifecycle(t *testing.T) {
	conn := newMockConnector("A", 0.2650)
	e := newTestExecutor(t, testGridConfig(), conn)
	assert.Zero(t, e.CommittedNotional())

	e.tick()
	assert.InDelta(t, 100, e.CommittedNotional(), 1e-6)

	// A canceled open order releases its level's capital.
	key := e.levels[0].OpenOrder.CorrelationID
	e.HandleOrderEvent(models.OrderSnapshot{CorrelationID: key, Status: "CANCELED"})
	assert.InDelta(t, 75, e.CommittedNotional(), 1e-6)
}

func TestFailedAmountBelowExchangeMinimum(t *testing.T) {
	cfg := testGridConfig()
	conn := newMockConnector("A", 0.2650)
	conn.rules.MinQty = 1000 // 25 quote at ~0.26 can never reach 1000 units
	e, err := New("A", models.Buy, cfg, conn, nil, zap.NewNop().Sugar())
	require.NoError(t, err)

	e.tick()
	assert.Empty(t, conn.placedOrders())
	for _, l := range e.levels {
		assert.Equal(t, models.LevelFailed, l.State, fmt.Sprintf("level %d", l.Index))
	}
}
