package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/grid"
	"grid-engine-go/internal/ledger"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/persistence"
	"grid-engine-go/internal/position"
	"grid-engine-go/internal/risk"
	"grid-engine-go/internal/storage"
	"grid-engine-go/internal/stream"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	snapshotVersion = 1

	// Snapshot writes beyond this budget are logged; persistence must never
	// stall event handling.
	slowSnapshotBudget = 500 * time.Millisecond

	monitorInterval = 30 * time.Second
)

// Engine owns the grid run lifecycle: it prepares the ladder, keeps it
// replenished from fill events, enforces the continuous risk conditions and
// persists a snapshot after every state-changing event.
//
// All event handling runs on a single goroutine fed through Deliver, so the
// ledger, stats and position views never see concurrent mutation from the
// stream and the REST fallback at once.
type Engine struct {
	cfg     *models.Config
	ex      exchange.Exchange
	streams exchange.StreamProvider // nil disables streaming (simulations)
	repo    persistence.SnapshotRepository
	journal *storage.Journal // optional
	logger  *zap.SugaredLogger

	runID  string
	limits models.SymbolLimits
	calc   *grid.Calculator
	book   *ledger.Ledger
	recon  *position.Reconciler
	gate   *risk.Gate
	client *stream.Client

	mu             sync.Mutex
	state          models.BotState
	levels         []models.GridLevel
	referencePrice float64
	lastPrice      float64
	filledNet      float64 // signed base quantity our fills produced
	stats          models.GridStats
	peakProfit     float64
	stopReason     string
	startedAt      time.Time

	events    chan interface{}
	snapshots chan *models.PersistedSnapshot
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// New builds an engine. The stream provider may be nil, in which case market
// and account events must be fed through Deliver (tests, simulations) or
// arrive via the REST fallback poll.
func New(cfg *models.Config, ex exchange.Exchange, streams exchange.StreamProvider,
	repo persistence.SnapshotRepository, journal *storage.Journal, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		cfg:       cfg,
		ex:        ex,
		streams:   streams,
		repo:      repo,
		journal:   journal,
		logger:    logger,
		state:     models.StateInitializing,
		events:    make(chan interface{}, 1024),
		snapshots: make(chan *models.PersistedSnapshot, 16),
		done:      make(chan struct{}),
	}
}

// Start runs the full startup sequence: resume, risk check, ladder
// calculation, order reconciliation, initial position, order placement and
// stream connection. Any failure before RUNNING leaves the engine in ERROR
// with nothing half-started beyond what the log records.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.StartTimeoutSec)*time.Second)
	defer cancel()

	e.mu.Lock()
	e.startedAt = time.Now()
	e.mu.Unlock()

	resumed := e.loadSnapshot()
	if resumed != nil {
		e.runID = resumed.RunID
		e.mu.Lock()
		e.stats = resumed.Stats
		e.peakProfit = resumed.Stats.GridProfit + resumed.Stats.CurrentDrawdown/100*e.cfg.TotalInvestment
		e.mu.Unlock()
	} else {
		e.runID = uuid.NewString()
	}
	e.logger.Infow("starting grid engine", "run_id", e.runID, "symbol", e.cfg.Symbol, "resumed", resumed != nil)

	limits, err := e.ex.FetchSymbolLimits(ctx, e.cfg.Symbol)
	if err != nil {
		return e.failStart(fmt.Errorf("fetch symbol limits: %w", err))
	}
	e.limits = limits
	e.calc = grid.NewCalculator(e.cfg, limits)
	e.gate = risk.NewGate(e.cfg, limits, e.logger)
	e.book = ledger.New(e.cfg, limits, e.ex, e.logger)
	e.recon = position.NewReconciler(e.cfg, e.logger)

	ticker, err := e.ex.FetchTicker(ctx, e.cfg.Symbol)
	if err != nil {
		return e.failStart(fmt.Errorf("fetch ticker: %w", err))
	}
	ref := ticker.Last

	// Resolution failures are fatal and carry their own error type, so the
	// ladder is computed before the overridable risk checks run.
	levels, err := e.calc.Levels(ref)
	if err != nil {
		return e.failStart(err)
	}

	if ok, reasons := e.gate.PreStartCheck(ref); !ok {
		e.setState(models.StateError)
		return &models.RiskCheckError{Reasons: reasons}
	}

	if err := e.ex.SetLeverage(ctx, e.cfg.Symbol, e.cfg.Leverage); err != nil {
		return e.failStart(fmt.Errorf("set leverage %dx: %w", e.cfg.Leverage, err))
	}

	e.mu.Lock()
	e.levels = levels
	e.referencePrice = ref
	e.lastPrice = ref
	e.mu.Unlock()

	if resumed != nil {
		e.book.Restore(resumed.Entries)
		e.recon.SetSnapshot(resumed.Position)
		e.mu.Lock()
		e.filledNet = resumed.Position.SignedSize
		e.mu.Unlock()
	}

	if err := e.reconcileOrders(ctx, levels); err != nil {
		return e.failStart(err)
	}

	if resumed == nil {
		if err := e.openInitialPosition(ctx, levels, ref); err != nil {
			return e.failStart(err)
		}
	}

	e.placeMissing(ctx, levels)

	if e.streams != nil {
		if err := e.connectStream(ctx); err != nil {
			return e.failStart(err)
		}
	}

	e.setState(models.StateRunning)
	e.wg.Add(3)
	go e.loop()
	go e.snapshotLoop()
	go e.monitorLoop()
	e.requestSnapshot()

	e.logger.Infow("grid running",
		"levels", len(levels), "open_orders", e.book.OpenCount(), "reference_price", ref)
	return nil
}

// loadSnapshot reads the persisted snapshot. A corrupt or mismatched
// snapshot is ignored with a warning; a fresh start is always possible.
func (e *Engine) loadSnapshot() *models.PersistedSnapshot {
	snap, err := e.repo.Load()
	if err != nil {
		e.logger.Warnf("snapshot load failed, starting fresh: %v", err)
		return nil
	}
	if snap == nil {
		return nil
	}
	if snap.Config.Symbol != e.cfg.Symbol {
		e.logger.Warnf("snapshot is for %s, not %s, ignoring it", snap.Config.Symbol, e.cfg.Symbol)
		return nil
	}
	if snap.State == models.StateStopped {
		e.logger.Info("previous run stopped cleanly, starting fresh")
		return nil
	}
	return snap
}

// reconcileOrders aligns the exchange's open orders with the expected
// ladder: surplus and off-grid orders are cancelled, matched ones adopted,
// and restored entries whose orders filled while the process was down are
// settled as trades. Missing levels are placed later by placeMissing.
func (e *Engine) reconcileOrders(ctx context.Context, levels []models.GridLevel) error {
	open, err := e.ex.FetchOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	duplicates, _, filled := e.book.Reconcile(open, levels)
	for _, d := range duplicates {
		if err := e.book.Cancel(ctx, d.OrderID); err != nil {
			e.logger.Warnf("cancel surplus order %s failed: %v", d.OrderID, err)
		}
	}
	if len(duplicates) > 0 {
		e.logger.Infof("reconciliation cancelled %d surplus orders", len(duplicates))
	}
	for _, trade := range filled {
		e.applyTrade(trade)
	}
	return nil
}

// openInitialPosition buys (or sells, for short grids) the inventory the
// ladder's first fills will need. Skipped when the account already holds a
// position; the reconciler flags any divergence instead.
func (e *Engine) openInitialPosition(ctx context.Context, levels []models.GridLevel, ref float64) error {
	pos, err := e.ex.FetchPosition(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("fetch position: %w", err)
	}
	e.recon.SetSnapshot(models.PositionSnapshot{
		Symbol:        e.cfg.Symbol,
		SignedSize:    pos.SignedSize,
		EntryPrice:    pos.EntryPrice,
		MarkPrice:     pos.MarkPrice,
		UnrealizedPnl: pos.UnrealizedPnl,
		UpdatedAt:     time.Now(),
	})
	e.mu.Lock()
	e.filledNet = pos.SignedSize
	e.mu.Unlock()

	if pos.SignedSize != 0 {
		e.logger.Infof("existing position %.6f found, skipping initial entry", pos.SignedSize)
		return nil
	}

	side, qty, why := position.InitialPosition(e.cfg, levels, ref)
	e.logger.Infof("initial position: %s", why)
	if qty <= 0 {
		return nil
	}

	order, err := e.ex.PlaceOrder(ctx, models.OrderRequest{
		Symbol:        e.cfg.Symbol,
		Side:          side,
		Type:          "MARKET",
		Quantity:      qty,
		ClientOrderID: fmt.Sprintf("ginit-%s", e.runID[:8]),
	})
	if err != nil {
		return fmt.Errorf("initial position order: %w", err)
	}
	e.logger.Infow("initial position filled",
		"side", side, "quantity", qty, "order_id", order.OrderID)

	e.mu.Lock()
	if side == models.Buy {
		e.filledNet += qty
	} else {
		e.filledNet -= qty
	}
	net := e.filledNet
	e.mu.Unlock()
	snap := e.recon.Snapshot()
	snap.SignedSize = net
	snap.UpdatedAt = time.Now()
	e.recon.SetSnapshot(snap)
	return nil
}

// placeMissing submits an order for every reconciled-missing level. A
// single rejected level does not abort the start; it stays PENDING in the
// ledger and is retried on the next reconciliation pass.
func (e *Engine) placeMissing(ctx context.Context, levels []models.GridLevel) {
	open, err := e.ex.FetchOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.Warnf("fetch open orders before placement failed: %v", err)
		open = nil
	}
	_, missing, filled := e.book.Reconcile(open, levels)
	for _, trade := range filled {
		e.applyTrade(trade)
	}
	placed := 0
	for _, lvl := range missing {
		if err := e.book.Place(ctx, lvl); err != nil {
			e.logger.Warnf("level %d placement failed, will retry: %v", lvl.Index, err)
			continue
		}
		placed++
		e.journalEntry(lvl.Index)
	}
	if placed > 0 {
		e.logger.Infof("placed %d grid orders", placed)
	}
}

// connectStream dials the exchange stream and subscribes the market
// channels. Order and position events for the account arrive unsolicited on
// the same connection.
func (e *Engine) connectStream(ctx context.Context) error {
	url, err := e.streams.StreamURL(ctx, e.cfg.Symbol)
	if err != nil {
		return err
	}
	sc := e.cfg.Stream
	opts := stream.Options{
		HeartbeatInterval:  time.Duration(sc.HeartbeatIntervalSec) * time.Second,
		ReconnectInitial:   time.Duration(sc.ReconnectInitialMs) * time.Millisecond,
		ReconnectMax:       time.Duration(sc.ReconnectMaxMs) * time.Millisecond,
		ReconnectFactor:    sc.ReconnectMultiplier,
		MaxReconnects:      sc.MaxReconnectAttempts,
		MaxSubscriptions:   sc.MaxSubscriptions,
		SubscribeBatchSize: sc.SubscribeBatchSize,
	}
	handlers := stream.Handlers{
		OnMessage: e.Deliver,
		OnStateChange: func(s stream.State) {
			e.logger.Infow("stream state changed", "state", s)
		},
		OnError: func(err error) {
			e.logger.Warnf("stream error: %v", err)
		},
	}
	dialer := &stream.WebsocketDialer{
		WriteTimeout: time.Duration(sc.WriteTimeoutMs) * time.Millisecond,
	}
	e.client = stream.NewClient(dialer, e.streams.StreamCodec(e.cfg.Symbol), opts, handlers, e.logger)

	if err := e.client.Connect(url); err != nil {
		return err
	}
	return e.client.Subscribe(e.streams.StreamChannels(e.cfg.Symbol))
}

// Deliver feeds one event into the engine's serialized dispatch path. The
// stream client, the REST fallback poll and tests all enter here.
func (e *Engine) Deliver(msg interface{}) {
	select {
	case e.events <- msg:
	case <-e.done:
	}
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		select {
		case msg := <-e.events:
			e.process(msg)
		case <-e.done:
			return
		}
	}
}

func (e *Engine) process(msg interface{}) {
	switch m := msg.(type) {
	case models.TickerEvent:
		e.onTicker(m)
	case models.OrderEvent:
		e.onOrder(m)
	case models.PositionEvent:
		e.onPosition(m)
	default:
		e.logger.Debugf("unhandled event %T", msg)
	}
}

func (e *Engine) onTicker(evt models.TickerEvent) {
	e.mu.Lock()
	e.lastPrice = evt.Price
	drawdown := e.stats.CurrentDrawdown
	e.mu.Unlock()

	if reason, stop := e.gate.StopReason(evt.Price, drawdown); stop {
		e.logger.Warnf("stop condition met: %s", reason)
		// Stop waits for this loop to exit, so it must not run on it.
		go e.Stop(context.Background(), reason)
		return
	}

	if e.State() != models.StateRunning {
		return
	}
	if lower, upper, ok := grid.Recenter(e.cfg, evt.Price); ok {
		e.recenter(lower, upper, evt.Price)
	}
}

func (e *Engine) onOrder(evt models.OrderEvent) {
	if evt.Symbol != "" && evt.Symbol != e.cfg.Symbol {
		return
	}
	if evt.Status != "FILLED" {
		return
	}
	trade, ok := e.book.OnFill(evt.OrderID, evt.FilledQty, evt.FilledPrice, evt.Time)
	if !ok {
		return
	}
	e.applyTrade(trade)
}

func (e *Engine) onPosition(evt models.PositionEvent) {
	if evt.Symbol != "" && evt.Symbol != e.cfg.Symbol {
		return
	}
	e.mu.Lock()
	net := e.filledNet
	e.mu.Unlock()
	e.recon.OnPositionUpdate(evt, e.book.Snapshot(), net)
	e.requestSnapshot()
}

// applyTrade folds one confirmed fill into position, stats and journal, and
// replenishes the opposite side of the ladder.
func (e *Engine) applyTrade(trade models.GridTrade) {
	e.recon.ApplyFill(trade)
	e.journalEntry(trade.LevelIndex)

	profit := e.recordStats(trade)
	if e.journal != nil {
		if err := e.journal.RecordTrade(e.cfg.Symbol, trade, profit); err != nil {
			e.logger.Warnf("journal trade failed: %v", err)
		}
	}

	e.logger.Infow("grid fill",
		"level", trade.LevelIndex, "side", trade.Side,
		"price", trade.FilledPrice, "quantity", trade.Quantity, "profit", profit)

	if e.State() == models.StateRunning {
		e.replenish(trade)
	}
	e.requestSnapshot()
}

// recordStats updates volume, fees and, on the closing side of a pair,
// realized profit and drawdown. It returns the realized profit of this fill
// (zero for opening fills).
func (e *Engine) recordStats(trade models.GridTrade) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if trade.Side == models.Buy {
		e.filledNet += trade.Quantity
	} else {
		e.filledNet -= trade.Quantity
	}

	notional := trade.FilledPrice * trade.Quantity
	e.stats.TotalVolume += notional
	e.stats.FeesPaid += notional * e.cfg.TakerFeeRate

	closing := models.Sell
	if e.cfg.Direction == models.Short {
		closing = models.Buy
	}
	if trade.Side != closing {
		return 0
	}

	// The paired entry sits one replenish step back on the opening side.
	pairIdx := trade.LevelIndex - e.cfg.ReplenishStep
	if closing == models.Buy {
		pairIdx = trade.LevelIndex + e.cfg.ReplenishStep
	}
	counter, ok := e.levelPriceLocked(pairIdx)
	if !ok {
		return 0
	}
	buyPrice, sellPrice := counter, trade.FilledPrice
	if closing == models.Buy {
		buyPrice, sellPrice = trade.FilledPrice, counter
	}
	profit, _ := grid.GridProfit(buyPrice, sellPrice, trade.Quantity, e.cfg.TakerFeeRate)

	e.stats.TotalTrades++
	if profit >= 0 {
		e.stats.WinningTrades++
	} else {
		e.stats.LosingTrades++
	}
	e.stats.GridProfit += profit

	if e.stats.GridProfit >= e.peakProfit {
		e.peakProfit = e.stats.GridProfit
		e.stats.CurrentDrawdown = 0
	} else {
		dd := (e.peakProfit - e.stats.GridProfit) / e.cfg.TotalInvestment * 100
		e.stats.CurrentDrawdown = dd
		if dd > e.stats.MaxDrawdown {
			e.stats.MaxDrawdown = dd
		}
	}
	return profit
}

func (e *Engine) levelPriceLocked(idx int) (float64, bool) {
	if idx < 0 || idx >= len(e.levels) {
		return 0, false
	}
	return e.levels[idx].Price, true
}

// replenish places the opposite order one replenish step away from a filled
// level. A fill at the edge of the grid has nowhere to replenish to and is
// left alone.
func (e *Engine) replenish(trade models.GridTrade) {
	target := trade.LevelIndex
	if trade.Side == models.Buy {
		target += e.cfg.ReplenishStep
	} else {
		target -= e.cfg.ReplenishStep
	}

	e.mu.Lock()
	var lvl models.GridLevel
	ok := target >= 0 && target < len(e.levels)
	if ok {
		lvl = e.levels[target]
	}
	e.mu.Unlock()
	if !ok {
		e.logger.Infof("fill at level %d is at the grid edge, nothing to replenish", trade.LevelIndex)
		return
	}

	lvl.Side = trade.Side.Opposite()
	lvl.Skipped = false
	lvl.Quantity = trade.Quantity

	ctx, cancel := context.WithTimeout(context.Background(), e.stopTimeout())
	defer cancel()
	if err := e.book.Place(ctx, lvl); err != nil {
		e.logger.Warnf("replenish %s at level %d failed: %v", lvl.Side, target, err)
		return
	}
	e.journalEntry(target)
}

// recenter moves the grid range after a sustained breakout: open orders are
// cancelled, the ladder is recomputed around the current price and replaced.
func (e *Engine) recenter(lower, upper, price float64) {
	e.logger.Infow("recentering grid", "price", price, "new_lower", lower, "new_upper", upper)

	ctx, cancel := context.WithTimeout(context.Background(), e.stopTimeout())
	defer cancel()
	e.book.CancelAllOpen(ctx)

	e.cfg.LowerPrice = lower
	e.cfg.UpperPrice = upper
	levels, err := e.calc.Levels(price)
	if err != nil {
		e.logger.Errorf("recenter failed, grid left empty until next pass: %v", err)
		return
	}
	e.mu.Lock()
	e.levels = levels
	e.referencePrice = price
	e.mu.Unlock()

	e.placeMissing(ctx, levels)
	e.requestSnapshot()
}

// monitorLoop periodically logs status, retries failed placements and, when
// the stream is down, polls the venue over REST so stop conditions and
// fills are still observed.
func (e *Engine) monitorLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.logStatus()
			if e.State() != models.StateRunning {
				continue
			}
			if e.streamDown() {
				e.pollFallback()
			} else {
				e.retryPending()
			}
		case <-e.done:
			return
		}
	}
}

func (e *Engine) streamDown() bool {
	if e.client == nil {
		return e.streams != nil
	}
	s := e.client.State()
	return s != stream.StateConnected && s != stream.StateAuthenticated
}

// pollFallback substitutes REST polling for the stream. Limit orders leave
// the book only by filling or by a cancel this process issued, so an OPEN
// entry absent from the venue's open orders is treated as filled at its
// limit price. Duplicate delivery after the stream recovers is absorbed by
// the ledger's fill de-duplication.
func (e *Engine) pollFallback() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if t, err := e.ex.FetchTicker(ctx, e.cfg.Symbol); err == nil {
		e.Deliver(models.TickerEvent{Symbol: t.Symbol, Price: t.Last, Time: time.Now()})
	} else {
		e.logger.Warnf("fallback ticker poll failed: %v", err)
	}

	open, err := e.ex.FetchOpenOrders(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.Warnf("fallback order poll failed: %v", err)
		return
	}
	live := make(map[string]bool, len(open))
	for _, o := range open {
		live[o.OrderID] = true
	}
	for _, entry := range e.book.Snapshot() {
		if entry.Status != models.EntryOpen || live[entry.ExchangeOrderID] {
			continue
		}
		e.Deliver(models.OrderEvent{
			Symbol:      e.cfg.Symbol,
			OrderID:     entry.ExchangeOrderID,
			Side:        entry.Side,
			Status:      "FILLED",
			Price:       entry.Price,
			FilledQty:   entry.Quantity,
			FilledPrice: entry.Price,
			Time:        time.Now(),
		})
	}

	if pos, err := e.ex.FetchPosition(ctx, e.cfg.Symbol); err == nil {
		e.Deliver(models.PositionEvent{
			Symbol:        pos.Symbol,
			SignedSize:    pos.SignedSize,
			EntryPrice:    pos.EntryPrice,
			MarkPrice:     pos.MarkPrice,
			UnrealizedPnl: pos.UnrealizedPnl,
			Time:          time.Now(),
		})
	}
}

// retryPending re-runs reconciliation so levels stuck in PENDING after a
// failed placement get another attempt.
func (e *Engine) retryPending() {
	e.mu.Lock()
	levels := e.levels
	e.mu.Unlock()
	if len(levels) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.placeMissing(ctx, levels)
}

func (e *Engine) logStatus() {
	e.mu.Lock()
	stats := e.stats
	price := e.lastPrice
	e.mu.Unlock()
	e.logger.Infow("status",
		"state", e.State(),
		"price", price,
		"open_orders", e.book.OpenCount(),
		"position", e.recon.Snapshot().SignedSize,
		"trades", stats.TotalTrades,
		"grid_profit", stats.GridProfit,
	)
}

// Stop shuts the run down: the event loops drain, open orders are cancelled
// and the position closed when configured, and a final snapshot is written.
// Shutdown I/O is bounded by the configured stop timeout. Stop is
// idempotent and safe to call from any goroutine except the event loop.
func (e *Engine) Stop(ctx context.Context, reason string) {
	e.stopOnce.Do(func() {
		e.logger.Infow("stopping grid engine", "reason", reason)
		e.mu.Lock()
		e.stopReason = reason
		e.mu.Unlock()
		e.setState(models.StateStopped)

		close(e.done)
		if e.client != nil {
			e.client.Disconnect()
		}
		e.wg.Wait()

		ctx, cancel := context.WithTimeout(ctx, e.stopTimeout())
		defer cancel()

		if e.cfg.CancelOrdersOnStop && e.book != nil {
			n := e.book.CancelAllOpen(ctx)
			e.logger.Infof("cancelled %d open orders", n)
		}
		if e.cfg.ClosePositionOnStop {
			e.closePosition(ctx)
		}

		e.writeSnapshot(e.buildSnapshot())
		if e.journal != nil {
			e.journal.Close()
		}
		if err := e.repo.Close(); err != nil {
			e.logger.Warnf("closing snapshot store: %v", err)
		}
	})
}

// closePosition flattens whatever the account still holds with a
// reduce-only market order.
func (e *Engine) closePosition(ctx context.Context) {
	size := e.recon.Snapshot().SignedSize
	qty := grid.RoundToStep(math.Abs(size), e.limits.StepSize)
	if qty <= 0 || qty < e.limits.MinQuantity {
		e.logger.Info("no position to close")
		return
	}
	side := models.Sell
	if size < 0 {
		side = models.Buy
	}
	_, err := e.ex.PlaceOrder(ctx, models.OrderRequest{
		Symbol:        e.cfg.Symbol,
		Side:          side,
		Type:          "MARKET",
		ReduceOnly:    true,
		Quantity:      qty,
		ClientOrderID: fmt.Sprintf("gclose-%s", e.runID[:8]),
	})
	if err != nil {
		e.logger.Errorf("closing position failed, %.6f still held: %v", size, err)
		return
	}
	e.logger.Infof("closed position: %s %.6f", side, qty)
	e.recon.SetSnapshot(models.PositionSnapshot{Symbol: e.cfg.Symbol, UpdatedAt: time.Now()})
	e.mu.Lock()
	e.filledNet = 0
	e.mu.Unlock()
}

// Pause suspends replenishment and recentering. Fills and position updates
// are still recorded, and the safety stop conditions stay armed.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == models.StateRunning {
		e.state = models.StatePaused
		e.logger.Info("engine paused")
	}
}

// Resume re-enables replenishment after a pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == models.StatePaused {
		e.state = models.StateRunning
		e.logger.Info("engine resumed")
	}
}

// requestSnapshot schedules an asynchronous snapshot write. When the writer
// is behind, requests coalesce; only the newest state matters.
func (e *Engine) requestSnapshot() {
	select {
	case e.snapshots <- e.buildSnapshot():
	default:
	}
}

func (e *Engine) snapshotLoop() {
	defer e.wg.Done()
	for {
		select {
		case snap := <-e.snapshots:
			e.writeSnapshot(snap)
		case <-e.done:
			// The final snapshot is written synchronously by Stop.
			return
		}
	}
}

func (e *Engine) writeSnapshot(snap *models.PersistedSnapshot) {
	start := time.Now()
	if err := e.repo.Save(snap); err != nil {
		e.logger.Errorf("snapshot save failed: %v", err)
		return
	}
	if d := time.Since(start); d > slowSnapshotBudget {
		e.logger.Warnf("snapshot save took %s, over the %s budget", d, slowSnapshotBudget)
	}
}

func (e *Engine) buildSnapshot() *models.PersistedSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := &models.PersistedSnapshot{
		RunID:          e.runID,
		Version:        snapshotVersion,
		State:          e.state,
		Config:         *e.cfg,
		ReferencePrice: e.referencePrice,
		Levels:         append([]models.GridLevel(nil), e.levels...),
		UpdatedAt:      time.Now(),
	}
	if e.book != nil {
		snap.Entries = e.book.Snapshot()
	}
	if e.recon != nil {
		snap.Position = e.recon.Snapshot()
	}
	snap.Stats = e.stats
	return snap
}

func (e *Engine) journalEntry(levelIndex int) {
	if e.journal == nil {
		return
	}
	entry, ok := e.book.Entry(levelIndex)
	if !ok {
		return
	}
	if err := e.journal.RecordOrder(e.cfg.Symbol, entry); err != nil {
		e.logger.Warnf("journal order failed: %v", err)
	}
}

func (e *Engine) failStart(err error) error {
	e.setState(models.StateError)
	return err
}

func (e *Engine) setState(s models.BotState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == s {
		return
	}
	e.logger.Infow("state transition", "from", e.state, "to", s)
	e.state = s
}

func (e *Engine) stopTimeout() time.Duration {
	return time.Duration(e.cfg.StopTimeoutSec) * time.Second
}

// State returns the engine's lifecycle state.
func (e *Engine) State() models.BotState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns a copy of the run statistics.
func (e *Engine) Stats() models.GridStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Position returns the current reconciled position snapshot.
func (e *Engine) Position() models.PositionSnapshot {
	if e.recon == nil {
		return models.PositionSnapshot{Symbol: e.cfg.Symbol}
	}
	return e.recon.Snapshot()
}

// RunID returns this run's identifier.
func (e *Engine) RunID() string { return e.runID }

// LastPrice returns the most recent observed price.
func (e *Engine) LastPrice() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPrice
}

// StopReason returns why the engine stopped, or empty while it has not.
func (e *Engine) StopReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopReason
}

// StartedAt returns when Start was called.
func (e *Engine) StartedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startedAt
}

// OpenOrders returns the number of OPEN ledger entries.
func (e *Engine) OpenOrders() int {
	if e.book == nil {
		return 0
	}
	return e.book.OpenCount()
}
