package ledger

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"grid-engine-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAPI records placements and cancels without touching any network.
type fakeAPI struct {
	mu        sync.Mutex
	requests  []models.OrderRequest
	cancelled []string
	failNext  error
	nextID    int
}

func (f *fakeAPI) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.ExchangeOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return models.ExchangeOrder{}, err
	}
	f.nextID++
	return models.ExchangeOrder{
		OrderID:       strconv.Itoa(f.nextID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Price:         req.Price,
		Quantity:      req.Quantity,
		Status:        "NEW",
	}, nil
}

func (f *fakeAPI) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func testLedger(t *testing.T) (*Ledger, *fakeAPI) {
	t.Helper()
	cfg := &models.Config{
		Symbol:         "BTCUSDT",
		OrderType:      "LIMIT",
		TimeInForce:    "GTC",
		PriceTolerance: 1.0,
	}
	limits := models.SymbolLimits{Symbol: "BTCUSDT", TickSize: 0.01, StepSize: 0.001}
	api := &fakeAPI{}
	return New(cfg, limits, api, zap.NewNop().Sugar()), api
}

func testLevels() []models.GridLevel {
	return []models.GridLevel{
		{Index: 0, Price: 100, Side: models.Buy, Quantity: 0.5},
		{Index: 1, Price: 104, Side: models.Buy, Quantity: 0.5},
		{Index: 2, Price: 105, Skipped: true, Quantity: 0.5},
		{Index: 3, Price: 106, Side: models.Sell, Quantity: 0.5},
	}
}

func TestReconcileFlagsDuplicatesKeepingFirst(t *testing.T) {
	l, _ := testLedger(t)

	open := []models.ExchangeOrder{
		{OrderID: "1", Side: models.Buy, Price: 104.00, Quantity: 0.5},
		{OrderID: "2", Side: models.Buy, Price: 104.004, Quantity: 0.5}, // same tick slot
		{OrderID: "3", Side: models.Sell, Price: 106.00, Quantity: 0.5},
	}

	duplicates, missing, _ := l.Reconcile(open, testLevels())

	require.Len(t, duplicates, 1)
	assert.Equal(t, "2", duplicates[0].OrderID)

	// Level 0 has no order; levels 1 and 3 matched, level 2 is skipped.
	require.Len(t, missing, 1)
	assert.Equal(t, 0, missing[0].Index)

	e, ok := l.Entry(1)
	require.True(t, ok)
	assert.Equal(t, models.EntryOpen, e.Status)
	assert.Equal(t, "1", e.ExchangeOrderID)
}

func TestReconcileFlagsOffGridOrders(t *testing.T) {
	l, _ := testLedger(t)

	open := []models.ExchangeOrder{
		{OrderID: "9", Side: models.Buy, Price: 50, Quantity: 0.5}, // far outside tolerance
	}
	duplicates, _, _ := l.Reconcile(open, testLevels())
	require.Len(t, duplicates, 1)
	assert.Equal(t, "9", duplicates[0].OrderID)
}

func TestReconcileIsIdempotent(t *testing.T) {
	l, _ := testLedger(t)
	open := []models.ExchangeOrder{
		{OrderID: "1", Side: models.Buy, Price: 100, Quantity: 0.5},
		{OrderID: "2", Side: models.Buy, Price: 104, Quantity: 0.5},
		{OrderID: "3", Side: models.Sell, Price: 106, Quantity: 0.5},
	}

	duplicates, missing, filled := l.Reconcile(open, testLevels())
	assert.Empty(t, duplicates)
	assert.Empty(t, missing)
	assert.Empty(t, filled)

	duplicates, missing, filled = l.Reconcile(open, testLevels())
	assert.Empty(t, duplicates)
	assert.Empty(t, missing)
	assert.Empty(t, filled)
}

func TestPlaceOpensEntry(t *testing.T) {
	l, api := testLedger(t)
	lvl := models.GridLevel{Index: 1, Price: 104, Side: models.Buy, Quantity: 0.5}

	require.NoError(t, l.Place(context.Background(), lvl))

	e, ok := l.Entry(1)
	require.True(t, ok)
	assert.Equal(t, models.EntryOpen, e.Status)
	assert.NotEmpty(t, e.ExchangeOrderID)
	assert.Contains(t, e.ClientOrderID, "gbtcusdt-1b-")

	require.Len(t, api.requests, 1)
	assert.Equal(t, "LIMIT", api.requests[0].Type)
	assert.Equal(t, "GTC", api.requests[0].TimeInForce)
}

func TestPlaceRejectsSecondLiveOrder(t *testing.T) {
	l, _ := testLedger(t)
	lvl := models.GridLevel{Index: 1, Price: 104, Side: models.Buy, Quantity: 0.5}

	require.NoError(t, l.Place(context.Background(), lvl))
	assert.Error(t, l.Place(context.Background(), lvl))
}

func TestPlaceRetryReusesClientOrderID(t *testing.T) {
	l, api := testLedger(t)
	lvl := models.GridLevel{Index: 1, Price: 104, Side: models.Buy, Quantity: 0.5}

	api.failNext = errors.New("rate limited")
	err := l.Place(context.Background(), lvl)
	require.ErrorIs(t, err, models.ErrOrderRejected)

	e, ok := l.Entry(1)
	require.True(t, ok)
	assert.Equal(t, models.EntryPending, e.Status)
	assert.NotEmpty(t, e.LastError)
	assert.Equal(t, 1, e.RetryCount)

	require.NoError(t, l.Place(context.Background(), lvl))

	// Same client order ID both attempts: the venue can de-duplicate a
	// request that reached it before the error came back.
	require.Len(t, api.requests, 2)
	assert.Equal(t, api.requests[0].ClientOrderID, api.requests[1].ClientOrderID)
}

func TestReconcileRetriesFailedPlacements(t *testing.T) {
	l, api := testLedger(t)
	lvl := models.GridLevel{Index: 1, Price: 104, Side: models.Buy, Quantity: 0.5}

	api.failNext = errors.New("down")
	require.Error(t, l.Place(context.Background(), lvl))

	_, missing, _ := l.Reconcile(nil, testLevels())
	found := false
	for _, m := range missing {
		if m.Index == 1 {
			found = true
		}
	}
	assert.True(t, found, "failed placement should be offered for retry")
}

func TestOnFill(t *testing.T) {
	l, _ := testLedger(t)
	lvl := models.GridLevel{Index: 1, Price: 104, Side: models.Buy, Quantity: 0.5}
	require.NoError(t, l.Place(context.Background(), lvl))
	e, _ := l.Entry(1)

	trade, ok := l.OnFill(e.ExchangeOrderID, 0.5, 103.98, time.Now())
	require.True(t, ok)
	assert.Equal(t, 1, trade.LevelIndex)
	assert.Equal(t, models.Buy, trade.Side)
	assert.Equal(t, 103.98, trade.FilledPrice)

	after, _ := l.Entry(1)
	assert.Equal(t, models.EntryFilled, after.Status)

	// Replayed fills and fills for unknown orders are both ignored.
	_, ok = l.OnFill(e.ExchangeOrderID, 0.5, 103.98, time.Now())
	assert.False(t, ok)
	_, ok = l.OnFill("no-such-order", 0.5, 100, time.Now())
	assert.False(t, ok)
}

func TestCancelAllOpen(t *testing.T) {
	l, api := testLedger(t)
	for _, lvl := range []models.GridLevel{
		{Index: 0, Price: 100, Side: models.Buy, Quantity: 0.5},
		{Index: 3, Price: 106, Side: models.Sell, Quantity: 0.5},
	} {
		require.NoError(t, l.Place(context.Background(), lvl))
	}
	require.Equal(t, 2, l.OpenCount())

	n := l.CancelAllOpen(context.Background())
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, l.OpenCount())
	assert.Len(t, api.cancelled, 2)
}

func TestReconcileResolvesVanishedOpenOrders(t *testing.T) {
	l, _ := testLedger(t)
	l.Restore(map[int]models.LedgerEntry{
		1: {LevelIndex: 1, Side: models.Buy, Price: 104, Quantity: 0.5, Status: models.EntryOpen, ExchangeOrderID: "dead-7"},
	})

	// The order filled while the process was down: it is on no open-order
	// list, so reconciliation must surface the fill instead of leaving the
	// level stuck behind a ghost entry.
	duplicates, missing, filled := l.Reconcile(nil, testLevels())
	assert.Empty(t, duplicates)
	require.Len(t, filled, 1)
	assert.Equal(t, 1, filled[0].LevelIndex)
	assert.Equal(t, models.Buy, filled[0].Side)
	assert.Equal(t, 104.0, filled[0].FilledPrice)
	assert.Equal(t, 0.5, filled[0].Quantity)
	for _, m := range missing {
		assert.NotEqual(t, 1, m.Index)
	}

	e, ok := l.Entry(1)
	require.True(t, ok)
	assert.Equal(t, models.EntryFilled, e.Status)

	// The entry is terminal now, so the next pass offers the level again.
	_, missing, filled = l.Reconcile(nil, testLevels())
	assert.Empty(t, filled)
	found := false
	for _, m := range missing {
		if m.Index == 1 {
			found = true
		}
	}
	assert.True(t, found)

	// A late stream replay of the same fill is a no-op.
	_, ok = l.OnFill("dead-7", 0.5, 104, time.Now())
	assert.False(t, ok)
}

func TestRestoreDropsTerminalEntries(t *testing.T) {
	l, _ := testLedger(t)
	l.Restore(map[int]models.LedgerEntry{
		0: {LevelIndex: 0, Side: models.Buy, Price: 100, Quantity: 0.5, Status: models.EntryOpen, ExchangeOrderID: "7"},
		1: {LevelIndex: 1, Side: models.Buy, Price: 104, Quantity: 0.5, Status: models.EntryFilled},
	})

	_, ok := l.Entry(0)
	assert.True(t, ok)
	_, ok = l.Entry(1)
	assert.False(t, ok)

	// The restored exchange ID is live again for fills.
	_, ok = l.OnFill("7", 0.5, 100, time.Now())
	assert.True(t, ok)
}
