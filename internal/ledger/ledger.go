package ledger

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"grid-engine-go/internal/grid"
	"grid-engine-go/internal/models"

	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// OrderAPI is the slice of the exchange surface the ledger submits through.
type OrderAPI interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.ExchangeOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// Ledger tracks the mapping between grid levels, client order IDs and
// exchange order IDs, and enforces at most one live order per level. All
// mutation goes through the ledger; entries handed out are copies.
type Ledger struct {
	cfg    *models.Config
	limits models.SymbolLimits
	api    OrderAPI
	logger *zap.SugaredLogger

	mu             sync.Mutex
	entries        map[int]*models.LedgerEntry // keyed by level index
	byExchangeID   map[string]int
	processedFills map[string]struct{} // exchange order IDs already applied
	epoch          int64               // monotonic placement token
}

// New builds an empty ledger.
func New(cfg *models.Config, limits models.SymbolLimits, api OrderAPI, logger *zap.SugaredLogger) *Ledger {
	return &Ledger{
		cfg:            cfg,
		limits:         limits,
		api:            api,
		logger:         logger,
		entries:        make(map[int]*models.LedgerEntry),
		byExchangeID:   make(map[string]int),
		processedFills: make(map[string]struct{}),
		epoch:          time.Now().Unix(),
	}
}

// Restore seeds the ledger from a persisted snapshot. Terminal entries are
// dropped; live ones are re-checked against the exchange by the next
// Reconcile call rather than trusted blindly.
func (l *Ledger) Restore(entries map[int]models.LedgerEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for idx, e := range entries {
		if e.Status.Terminal() {
			continue
		}
		entry := e
		l.entries[idx] = &entry
		if entry.ExchangeOrderID != "" {
			l.byExchangeID[entry.ExchangeOrderID] = idx
		}
	}
}

// Reconcile compares the exchange's open orders with the expected grid.
// Orders sharing a (side, tick-rounded price) slot beyond the first are
// returned as duplicates to cancel; expected levels with no live order
// within the price tolerance are returned as missing. An OPEN entry whose
// order is no longer on the book resolves as filled at its limit price and
// comes back as a trade, since a limit order only leaves the book by
// filling or by a cancel this ledger issued. Matched orders are adopted
// into the ledger, so running Reconcile twice without intervening exchange
// changes yields empty sets the second time.
func (l *Ledger) Reconcile(open []models.ExchangeOrder, levels []models.GridLevel) (duplicates []models.ExchangeOrder, missing []models.GridLevel, filled []models.GridTrade) {
	l.mu.Lock()
	defer l.mu.Unlock()

	liveIDs := make(map[string]bool, len(open))
	for _, o := range open {
		liveIDs[o.OrderID] = true
	}

	// Partition open orders into one keeper per price slot plus extras.
	keepers := make([]models.ExchangeOrder, 0, len(open))
	seen := make(map[string]bool)
	for _, o := range open {
		key := fmt.Sprintf("%s@%.8f", o.Side, grid.RoundToStep(o.Price, l.limits.TickSize))
		if seen[key] {
			duplicates = append(duplicates, o)
			continue
		}
		seen[key] = true
		keepers = append(keepers, o)
	}

	// Match keepers to expected levels and adopt them.
	matched := make(map[int]bool)
	for _, o := range keepers {
		idx, ok := l.closestLevel(levels, o)
		if !ok {
			// A live order outside the grid is not ours to manage; flag it
			// as a duplicate so the caller cancels it.
			l.logger.Warnf("open order %s (%s %.4f) matches no grid level, scheduling cancel", o.OrderID, o.Side, o.Price)
			duplicates = append(duplicates, o)
			continue
		}
		matched[idx] = true
		l.adopt(idx, levels[idx], o)
	}

	// Expected levels without a live entry are missing. Entries stuck in
	// PENDING with an error are retried here, never silently dropped.
	for _, lvl := range levels {
		if lvl.Skipped || matched[lvl.Index] {
			continue
		}
		if e, ok := l.entries[lvl.Index]; ok && !e.Status.Terminal() {
			if e.Status == models.EntryOpen && e.ExchangeOrderID != "" && !liveIDs[e.ExchangeOrderID] {
				filled = append(filled, l.resolveFillLocked(e))
				continue
			}
			if e.Status == models.EntryPending && e.LastError != "" {
				missing = append(missing, lvl)
			}
			continue
		}
		missing = append(missing, lvl)
	}
	return duplicates, missing, filled
}

// resolveFillLocked settles an entry whose order vanished from the book
// while no stream was watching, typically across a restart.
func (l *Ledger) resolveFillLocked(e *models.LedgerEntry) models.GridTrade {
	l.logger.Infof("order %s for level %d left the book unobserved, resolving as filled at %.4f",
		e.ExchangeOrderID, e.LevelIndex, e.Price)
	now := time.Now()
	e.Status = models.EntryFilled
	e.UpdatedAt = now
	delete(l.byExchangeID, e.ExchangeOrderID)
	l.processedFills[e.ExchangeOrderID] = struct{}{}
	return models.GridTrade{
		LevelIndex:  e.LevelIndex,
		Side:        e.Side,
		Price:       e.Price,
		Quantity:    e.Quantity,
		FilledPrice: e.Price,
		Time:        now,
	}
}

// closestLevel finds the expected level matching an open order: same side,
// nearest price within the configured tolerance.
func (l *Ledger) closestLevel(levels []models.GridLevel, o models.ExchangeOrder) (int, bool) {
	best, bestDist := -1, math.MaxFloat64
	for _, lvl := range levels {
		if lvl.Skipped || lvl.Side != o.Side {
			continue
		}
		dist := math.Abs(lvl.Price - o.Price)
		if dist <= l.cfg.PriceTolerance && dist < bestDist {
			best, bestDist = lvl.Index, dist
		}
	}
	return best, best >= 0
}

// adopt records an exchange order discovered during reconciliation as the
// live entry for a level.
func (l *Ledger) adopt(idx int, lvl models.GridLevel, o models.ExchangeOrder) {
	if prev, ok := l.entries[idx]; ok && prev.ExchangeOrderID != "" {
		delete(l.byExchangeID, prev.ExchangeOrderID)
	}
	clientID := o.ClientOrderID
	if clientID == "" {
		clientID = l.clientOrderIDLocked(idx, o.Side)
	}
	l.entries[idx] = &models.LedgerEntry{
		LevelIndex:      idx,
		Side:            o.Side,
		Price:           lvl.Price,
		Quantity:        o.Quantity,
		ClientOrderID:   clientID,
		ExchangeOrderID: o.OrderID,
		Status:          models.EntryOpen,
		UpdatedAt:       time.Now(),
	}
	l.byExchangeID[o.OrderID] = idx
}

// Place submits a limit order for one level. The entry is written PENDING
// before the network call and finalized after it, and the ledger lock is
// never held across the call itself. A placement failure leaves the entry
// PENDING with the error recorded for the next reconciliation pass.
func (l *Ledger) Place(ctx context.Context, lvl models.GridLevel) error {
	if lvl.Skipped || lvl.Side == "" {
		return fmt.Errorf("level %d has no side assigned", lvl.Index)
	}

	l.mu.Lock()
	if e, ok := l.entries[lvl.Index]; ok && !e.Status.Terminal() {
		if e.Status != models.EntryPending || e.LastError == "" {
			l.mu.Unlock()
			return fmt.Errorf("level %d already has a live order (%s)", lvl.Index, e.Status)
		}
		// Retry of a failed placement reuses the client order ID so a
		// request that actually reached the exchange cannot double-place.
	}
	entry, ok := l.entries[lvl.Index]
	if !ok || entry.Status.Terminal() {
		entry = &models.LedgerEntry{
			LevelIndex:    lvl.Index,
			Side:          lvl.Side,
			Price:         lvl.Price,
			Quantity:      lvl.Quantity,
			ClientOrderID: l.clientOrderIDLocked(lvl.Index, lvl.Side),
		}
		l.entries[lvl.Index] = entry
	}
	entry.Status = models.EntryPending
	entry.UpdatedAt = time.Now()
	req := models.OrderRequest{
		Symbol:        l.cfg.Symbol,
		Side:          entry.Side,
		Type:          l.cfg.OrderType,
		TimeInForce:   l.cfg.TimeInForce,
		PostOnly:      l.cfg.PostOnly,
		Quantity:      entry.Quantity,
		Price:         entry.Price,
		ClientOrderID: entry.ClientOrderID,
	}
	l.mu.Unlock()

	placed, err := l.api.PlaceOrder(ctx, req)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		entry.LastError = err.Error()
		entry.RetryCount++
		entry.UpdatedAt = time.Now()
		l.logger.Warnf("placing %s level %d @ %.4f failed (attempt %d): %v",
			entry.Side, entry.LevelIndex, entry.Price, entry.RetryCount, err)
		return fmt.Errorf("%w: level %d: %v", models.ErrOrderRejected, lvl.Index, err)
	}

	entry.Status = models.EntryOpen
	entry.ExchangeOrderID = placed.OrderID
	entry.LastError = ""
	entry.UpdatedAt = time.Now()
	l.byExchangeID[placed.OrderID] = entry.LevelIndex
	l.logger.Infof("placed %s level %d: %.6f @ %.4f (order %s)",
		entry.Side, entry.LevelIndex, entry.Quantity, entry.Price, placed.OrderID)
	return nil
}

// Cancel cancels one exchange order and marks the owning entry CANCELLED.
func (l *Ledger) Cancel(ctx context.Context, orderID string) error {
	if err := l.api.CancelOrder(ctx, l.cfg.Symbol, orderID); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx, ok := l.byExchangeID[orderID]; ok {
		if e := l.entries[idx]; e != nil && e.ExchangeOrderID == orderID {
			e.Status = models.EntryCancelled
			e.UpdatedAt = time.Now()
		}
		delete(l.byExchangeID, orderID)
	}
	return nil
}

// CancelAllOpen cancels every OPEN entry, continuing past individual
// failures. Returns the number of orders cancelled.
func (l *Ledger) CancelAllOpen(ctx context.Context) int {
	l.mu.Lock()
	ids := make([]string, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Status == models.EntryOpen && e.ExchangeOrderID != "" {
			ids = append(ids, e.ExchangeOrderID)
		}
	}
	l.mu.Unlock()

	cancelled := 0
	for _, id := range ids {
		if err := l.Cancel(ctx, id); err != nil {
			l.logger.Warnf("cancel order %s failed: %v", id, err)
			continue
		}
		cancelled++
	}
	return cancelled
}

// OnFill applies a fill event. It returns the resulting grid trade and true
// when the order belongs to this ledger; fills for unknown orders (for
// example from a previous process instance) are logged and ignored, as are
// fills already applied via the REST fallback path.
func (l *Ledger) OnFill(exchangeOrderID string, filledQty, filledPrice float64, at time.Time) (models.GridTrade, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, done := l.processedFills[exchangeOrderID]; done {
		return models.GridTrade{}, false
	}
	idx, ok := l.byExchangeID[exchangeOrderID]
	if !ok {
		l.logger.Infof("fill for unknown order %s ignored (likely pre-restart order awaiting reconcile)", exchangeOrderID)
		return models.GridTrade{}, false
	}

	entry := l.entries[idx]
	entry.Status = models.EntryFilled
	entry.UpdatedAt = time.Now()
	delete(l.byExchangeID, exchangeOrderID)
	l.processedFills[exchangeOrderID] = struct{}{}

	if filledPrice == 0 {
		filledPrice = entry.Price
	}
	if filledQty == 0 {
		filledQty = entry.Quantity
	}
	return models.GridTrade{
		LevelIndex:  idx,
		Side:        entry.Side,
		Price:       entry.Price,
		Quantity:    filledQty,
		FilledPrice: filledPrice,
		Time:        at,
	}, true
}

// Entry returns a copy of the entry for a level.
func (l *Ledger) Entry(levelIndex int) (models.LedgerEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[levelIndex]
	if !ok {
		return models.LedgerEntry{}, false
	}
	return *e, true
}

// Snapshot returns a copy of every entry, keyed by level index.
func (l *Ledger) Snapshot() map[int]models.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int]models.LedgerEntry, len(l.entries))
	for idx, e := range l.entries {
		out[idx] = *e
	}
	return out
}

// OpenCount returns the number of entries currently OPEN.
func (l *Ledger) OpenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Status == models.EntryOpen {
			n++
		}
	}
	return n
}

// clientOrderIDLocked builds the deterministic client order ID for a level:
// symbol, level index, side letter, plus a base62-encoded monotonic
// placement token so each placement generation stays unique.
func (l *Ledger) clientOrderIDLocked(levelIndex int, side models.Side) string {
	l.epoch++
	token := string(base62.FormatInt(l.epoch))
	return fmt.Sprintf("g%s-%d%s-%s", strings.ToLower(l.cfg.Symbol), levelIndex, strings.ToLower(string(side[0])), token)
}
