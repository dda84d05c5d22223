package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"grid-engine-go/internal/config"
	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *models.Config {
	t.Helper()
	cfg := &models.Config{
		Symbol:             "BTCUSDT",
		Direction:          models.Neutral,
		LowerPrice:         100,
		UpperPrice:         110,
		GridCount:          11,
		TotalInvestment:    1000,
		Leverage:           1,
		CancelOrdersOnStop: true,
		SnapshotPath:       filepath.Join(t.TempDir(), "snapshot.json"),
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testLimits() models.SymbolLimits {
	return models.SymbolLimits{
		Symbol:      "BTCUSDT",
		TickSize:    0.01,
		StepSize:    0.001,
		MinQuantity: 0.001,
	}
}

func startEngine(t *testing.T, cfg *models.Config, sim *exchange.Sim) *Engine {
	t.Helper()
	repo := persistence.NewFileRepository(cfg.SnapshotPath)
	eng := New(cfg, sim, nil, repo, nil, zap.NewNop().Sugar())
	require.NoError(t, eng.Start(context.Background()))
	require.Equal(t, models.StateRunning, eng.State())
	return eng
}

func findOrder(t *testing.T, sim *exchange.Sim, side models.Side, price float64) models.ExchangeOrder {
	t.Helper()
	open, err := sim.FetchOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	for _, o := range open {
		if o.Side == side && o.Price == price {
			return o
		}
	}
	t.Fatalf("no %s order at %.2f among %d open orders", side, price, len(open))
	return models.ExchangeOrder{}
}

func deliverFill(eng *Engine, o models.ExchangeOrder) {
	eng.Deliver(models.OrderEvent{
		Symbol:      o.Symbol,
		OrderID:     o.OrderID,
		Side:        o.Side,
		Status:      "FILLED",
		Price:       o.Price,
		FilledQty:   o.Quantity,
		FilledPrice: o.Price,
		Time:        time.Now(),
	})
}

func TestStartPlacesLadderAndInitialPosition(t *testing.T) {
	cfg := testConfig(t)
	sim := exchange.NewSim(testLimits(), 105)
	eng := startEngine(t, cfg, sim)
	defer eng.Stop(context.Background(), "test over")

	// 10 sided levels placed, the reference level skipped.
	open, err := sim.FetchOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 10)
	assert.Equal(t, 10, eng.OpenOrders())

	// The five SELL levels above entry are backed by a market buy.
	pos, err := sim.FetchPosition(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 5*0.848, pos.SignedSize, 1e-9)
}

func TestBuyFillReplenishesSellOneStepUp(t *testing.T) {
	cfg := testConfig(t)
	sim := exchange.NewSim(testLimits(), 105)
	eng := startEngine(t, cfg, sim)
	defer eng.Stop(context.Background(), "test over")

	// Fill the BUY at 104 (level 4).
	buy := findOrder(t, sim, models.Buy, 104)
	filled, ok := sim.SimulateFill(buy.OrderID)
	require.True(t, ok)
	deliverFill(eng, filled)

	// One SELL appears at 105 (level 5), the ladder is back to 10 orders.
	require.Eventually(t, func() bool {
		open, err := sim.FetchOpenOrders(context.Background(), "BTCUSDT")
		if err != nil || len(open) != 10 {
			return false
		}
		for _, o := range open {
			if o.Side == models.Sell && o.Price == 105 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// An opening fill moves volume but realizes no profit yet.
	stats := eng.Stats()
	assert.Equal(t, 0, stats.TotalTrades)
	assert.Greater(t, stats.TotalVolume, 0.0)
}

func TestRoundTripRealizesProfit(t *testing.T) {
	cfg := testConfig(t)
	sim := exchange.NewSim(testLimits(), 105)
	eng := startEngine(t, cfg, sim)
	defer eng.Stop(context.Background(), "test over")

	buy := findOrder(t, sim, models.Buy, 104)
	filled, ok := sim.SimulateFill(buy.OrderID)
	require.True(t, ok)
	deliverFill(eng, filled)

	// Wait for the replenished SELL, then fill it too.
	var sell models.ExchangeOrder
	require.Eventually(t, func() bool {
		open, err := sim.FetchOpenOrders(context.Background(), "BTCUSDT")
		if err != nil {
			return false
		}
		for _, o := range open {
			if o.Side == models.Sell && o.Price == 105 {
				sell = o
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	filled, ok = sim.SimulateFill(sell.OrderID)
	require.True(t, ok)
	deliverFill(eng, filled)

	require.Eventually(t, func() bool {
		return eng.Stats().TotalTrades == 1
	}, time.Second, 5*time.Millisecond)

	stats := eng.Stats()
	assert.Equal(t, 1, stats.WinningTrades)
	assert.Greater(t, stats.GridProfit, 0.0)
	assert.Zero(t, stats.CurrentDrawdown)
}

func TestDuplicateFillEventIsIgnored(t *testing.T) {
	cfg := testConfig(t)
	sim := exchange.NewSim(testLimits(), 105)
	eng := startEngine(t, cfg, sim)
	defer eng.Stop(context.Background(), "test over")

	buy := findOrder(t, sim, models.Buy, 104)
	filled, ok := sim.SimulateFill(buy.OrderID)
	require.True(t, ok)

	// The stream and the REST fallback may both report the same fill.
	deliverFill(eng, filled)
	deliverFill(eng, filled)

	require.Eventually(t, func() bool {
		open, err := sim.FetchOpenOrders(context.Background(), "BTCUSDT")
		return err == nil && len(open) == 10
	}, time.Second, 5*time.Millisecond)

	// Only one replenishment SELL at 105.
	open, err := sim.FetchOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	count := 0
	for _, o := range open {
		if o.Side == models.Sell && o.Price == 105 {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestStopLossTickerStopsEngine(t *testing.T) {
	cfg := testConfig(t)
	cfg.StopLoss = 95
	sim := exchange.NewSim(testLimits(), 105)
	eng := startEngine(t, cfg, sim)

	eng.Deliver(models.TickerEvent{Symbol: "BTCUSDT", Price: 94, Time: time.Now()})

	require.Eventually(t, func() bool {
		return eng.State() == models.StateStopped
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, eng.StopReason(), "stop loss")

	// cancel_orders_on_stop pulled the ladder.
	open, err := sim.FetchOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestStopWritesFinalSnapshot(t *testing.T) {
	cfg := testConfig(t)
	sim := exchange.NewSim(testLimits(), 105)
	eng := startEngine(t, cfg, sim)

	eng.Stop(context.Background(), "operator shutdown")
	require.Equal(t, models.StateStopped, eng.State())

	data, err := os.ReadFile(cfg.SnapshotPath)
	require.NoError(t, err)
	var snap models.PersistedSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, models.StateStopped, snap.State)
	assert.Equal(t, eng.RunID(), snap.RunID)
	assert.Len(t, snap.Levels, 11)
}

func TestRiskCheckBlocksStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Leverage = 50
	cfg.StopLoss = 97 // far beyond the ~1.99% liquidation distance at 50x
	sim := exchange.NewSim(testLimits(), 105)
	repo := persistence.NewFileRepository(cfg.SnapshotPath)
	eng := New(cfg, sim, nil, repo, nil, zap.NewNop().Sugar())

	err := eng.Start(context.Background())
	var riskErr *models.RiskCheckError
	require.True(t, errors.As(err, &riskErr))
	assert.Equal(t, models.StateError, eng.State())
	assert.Zero(t, sim.PlaceCalls)
}

func TestInsufficientResolutionBlocksStart(t *testing.T) {
	cfg := testConfig(t)
	limits := testLimits()
	limits.MinQuantity = 10
	sim := exchange.NewSim(limits, 105)
	repo := persistence.NewFileRepository(cfg.SnapshotPath)
	eng := New(cfg, sim, nil, repo, nil, zap.NewNop().Sugar())

	err := eng.Start(context.Background())
	var resErr *models.InsufficientGridResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, models.StateError, eng.State())
}

func TestResumeAdoptsSurvivingOrders(t *testing.T) {
	cfg := testConfig(t)
	sim := exchange.NewSim(testLimits(), 105)

	// A previous run left one live BUY at level 4 and a position behind.
	sim.SeedOrder(models.ExchangeOrder{
		OrderID:       "old-7",
		ClientOrderID: "gbtcusdt-4b-abc",
		Symbol:        "BTCUSDT",
		Side:          models.Buy,
		Type:          "LIMIT",
		Price:         104,
		Quantity:      0.848,
	})
	prev := &models.PersistedSnapshot{
		RunID:   "prev-run",
		Version: 1,
		State:   models.StateRunning,
		Config:  *cfg,
		Entries: map[int]models.LedgerEntry{
			4: {LevelIndex: 4, Side: models.Buy, Price: 104, Quantity: 0.848,
				ClientOrderID: "gbtcusdt-4b-abc", ExchangeOrderID: "old-7", Status: models.EntryOpen},
		},
		Position:  models.PositionSnapshot{Symbol: "BTCUSDT", SignedSize: 4.24},
		UpdatedAt: time.Now(),
	}
	repo := persistence.NewFileRepository(cfg.SnapshotPath)
	require.NoError(t, repo.Save(prev))

	eng := New(cfg, sim, nil, repo, nil, zap.NewNop().Sugar())
	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop(context.Background(), "test over")

	// The run identity carries over and the surviving order is adopted, not
	// duplicated: nine placements fill the other levels and no market order
	// re-opens the position.
	assert.Equal(t, "prev-run", eng.RunID())
	assert.Equal(t, 9, sim.PlaceCalls)
	assert.Equal(t, 10, eng.OpenOrders())
}

func TestResumeSettlesFillThatHappenedWhileDown(t *testing.T) {
	cfg := testConfig(t)
	sim := exchange.NewSim(testLimits(), 105)

	// The snapshot says the BUY at level 4 was open, but the order filled
	// while the process was down: the venue no longer lists it.
	prev := &models.PersistedSnapshot{
		RunID:   "prev-run",
		Version: 1,
		State:   models.StateRunning,
		Config:  *cfg,
		Entries: map[int]models.LedgerEntry{
			4: {LevelIndex: 4, Side: models.Buy, Price: 104, Quantity: 0.848,
				ClientOrderID: "gbtcusdt-4b-abc", ExchangeOrderID: "dead-7", Status: models.EntryOpen},
		},
		Position:  models.PositionSnapshot{Symbol: "BTCUSDT", SignedSize: 4.24},
		UpdatedAt: time.Now(),
	}
	repo := persistence.NewFileRepository(cfg.SnapshotPath)
	require.NoError(t, repo.Save(prev))

	eng := New(cfg, sim, nil, repo, nil, zap.NewNop().Sugar())
	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop(context.Background(), "test over")

	// The ghost entry settles as a fill instead of blocking its level, so
	// the full ladder is rebuilt and the fill shows up in volume and size.
	assert.Equal(t, 10, eng.OpenOrders())
	assert.Greater(t, eng.Stats().TotalVolume, 0.0)
	assert.InDelta(t, 4.24+0.848, eng.Position().SignedSize, 1e-9)
}

func TestDeliverAfterStopDoesNotBlock(t *testing.T) {
	cfg := testConfig(t)
	sim := exchange.NewSim(testLimits(), 105)
	eng := startEngine(t, cfg, sim)
	eng.Stop(context.Background(), "test over")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 2000; i++ {
			eng.Deliver(models.TickerEvent{Symbol: "BTCUSDT", Price: 105})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Deliver blocked after Stop")
	}
}
