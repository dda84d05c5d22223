package position

import (
	"fmt"
	"math"
	"sync"
	"time"

	"grid-engine-go/internal/models"

	"go.uber.org/zap"
)

// Reconciler merges exchange-reported position state with the position the
// ledger implies. It never corrects the exchange position itself; it only
// flags divergence for an operator.
type Reconciler struct {
	cfg    *models.Config
	logger *zap.SugaredLogger

	mu       sync.Mutex
	snapshot models.PositionSnapshot

	// OnImbalance, when set, receives the divergence whenever it exceeds
	// the configured tolerance. Observability only, never fatal.
	OnImbalance func(actual, expected float64)
}

// NewReconciler builds a reconciler for one symbol.
func NewReconciler(cfg *models.Config, logger *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		cfg:    cfg,
		logger: logger,
		snapshot: models.PositionSnapshot{
			Symbol: cfg.Symbol,
		},
	}
}

// ExpectedNet returns the signed base quantity the account should converge
// to once every live entry fills: BUY quantities minus SELL quantities over
// all non-terminal entries.
func ExpectedNet(entries map[int]models.LedgerEntry) float64 {
	var net float64
	for _, e := range entries {
		if e.Status.Terminal() {
			continue
		}
		if e.Side == models.Buy {
			net += e.Quantity
		} else {
			net -= e.Quantity
		}
	}
	return net
}

// OnPositionUpdate overwrites the position snapshot from a position-channel
// event and checks the exchange position against expectation. Divergence
// beyond the tolerance raises an imbalance event; the engine does not
// auto-correct.
func (r *Reconciler) OnPositionUpdate(evt models.PositionEvent, entries map[int]models.LedgerEntry, filledNet float64) {
	r.mu.Lock()
	r.snapshot = models.PositionSnapshot{
		Symbol:        evt.Symbol,
		SignedSize:    evt.SignedSize,
		EntryPrice:    evt.EntryPrice,
		MarkPrice:     evt.MarkPrice,
		UnrealizedPnl: evt.UnrealizedPnl,
		UpdatedAt:     evt.Time,
	}
	r.mu.Unlock()

	// What the exchange should hold right now is what our fills produced;
	// unfilled ladder entries account for the rest of the drift budget.
	expected := filledNet
	tolerance := r.tolerance(entries)
	if diff := math.Abs(evt.SignedSize - expected); diff > tolerance {
		r.logger.Warnf("imbalance detected: exchange position %.6f, expected %.6f (diff %.6f > tolerance %.6f)",
			evt.SignedSize, expected, diff, tolerance)
		if r.OnImbalance != nil {
			r.OnImbalance(evt.SignedSize, expected)
		}
	}
}

// ApplyFill folds a confirmed fill into the snapshot immediately so reads
// between position-channel updates stay close to reality.
func (r *Reconciler) ApplyFill(trade models.GridTrade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if trade.Side == models.Buy {
		r.snapshot.SignedSize += trade.Quantity
	} else {
		r.snapshot.SignedSize -= trade.Quantity
	}
	r.snapshot.UpdatedAt = time.Now()
}

// Snapshot returns a copy of the current position snapshot.
func (r *Reconciler) Snapshot() models.PositionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

// SetSnapshot seeds the snapshot, used on resume and REST fallback polls.
func (r *Reconciler) SetSnapshot(s models.PositionSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot = s
}

// tolerance is the allowed divergence: the configured value, or one
// grid-level quantity when unset.
func (r *Reconciler) tolerance(entries map[int]models.LedgerEntry) float64 {
	if r.cfg.ImbalanceTolerance > 0 {
		return r.cfg.ImbalanceTolerance
	}
	for _, e := range entries {
		if e.Quantity > 0 {
			return e.Quantity
		}
	}
	return 0
}

// InitialPosition computes the market order needed before placing the
// ladder when entering mid-range: every SELL level must be backed by
// inventory (for long grids), and every BUY level by short inventory (for
// short grids), or the first fills would flip the account the wrong way.
// The explanation is meant for logs and operator review.
func InitialPosition(cfg *models.Config, levels []models.GridLevel, referencePrice float64) (models.Side, float64, string) {
	var sellAbove, buyBelow float64
	var sellCount, buyCount int
	for _, lvl := range levels {
		if lvl.Skipped {
			continue
		}
		switch lvl.Side {
		case models.Sell:
			if lvl.Price > referencePrice {
				sellAbove += lvl.Quantity
				sellCount++
			}
		case models.Buy:
			if lvl.Price < referencePrice {
				buyBelow += lvl.Quantity
				buyCount++
			}
		}
	}

	switch cfg.Direction {
	case models.Short:
		if buyBelow <= 0 {
			return "", 0, "no BUY levels below entry, no initial short position required"
		}
		return models.Sell, buyBelow, fmt.Sprintf(
			"%d BUY levels below %.4f need %.6f short inventory to buy back: market SELL %.6f",
			buyCount, referencePrice, buyBelow, buyBelow)
	default: // LONG and NEUTRAL ladders sell from long inventory
		if sellAbove <= 0 {
			return "", 0, "no SELL levels above entry, no initial position required"
		}
		return models.Buy, sellAbove, fmt.Sprintf(
			"%d SELL levels above %.4f need %.6f inventory to sell (%d BUY levels below will add on dips): market BUY %.6f",
			sellCount, referencePrice, sellAbove, buyCount, sellAbove)
	}
}
