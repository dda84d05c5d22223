package models

import "time"

// Side is the order side.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Direction is the grid's position direction.
type Direction string

const (
	Long    Direction = "LONG"
	Short   Direction = "SHORT"
	Neutral Direction = "NEUTRAL"
)

// GridType selects how level prices are spaced across the range.
type GridType string

const (
	Arithmetic GridType = "arithmetic" // equal price intervals
	Geometric  GridType = "geometric"  // equal percentage intervals
)

// Config holds every parameter of one grid run. It is immutable after
// construction; Validate reports every violation, not just the first.
type Config struct {
	Symbol          string    `json:"symbol"`
	Direction       Direction `json:"direction"`
	GridType        GridType  `json:"grid_type,omitempty"`
	LowerPrice      float64   `json:"lower_price"`
	UpperPrice      float64   `json:"upper_price"`
	GridCount       int       `json:"grid_count"`
	TotalInvestment float64   `json:"total_investment"`
	Leverage        int       `json:"leverage"`

	StopLoss        float64 `json:"stop_loss,omitempty"`
	TakeProfit      float64 `json:"take_profit,omitempty"`
	MaxPositionSize float64 `json:"max_position_size,omitempty"`
	MaxDrawdownPct  float64 `json:"max_drawdown_pct,omitempty"`

	OrderType   string `json:"order_type,omitempty"`    // LIMIT by default
	TimeInForce string `json:"time_in_force,omitempty"` // GTC by default
	PostOnly    bool   `json:"post_only,omitempty"`

	TrailingUp          bool `json:"trailing_up,omitempty"`
	TrailingDown        bool `json:"trailing_down,omitempty"`
	CancelOrdersOnStop  bool `json:"cancel_orders_on_stop"`
	ClosePositionOnStop bool `json:"close_position_on_stop"`
	AcceptHighRisk      bool `json:"accept_high_risk,omitempty"`

	// SideBuffer is the no-order band around the reference price, as a
	// fraction of that price. Levels inside it get no side for the pass.
	SideBuffer float64 `json:"side_buffer,omitempty"` // default 0.001

	// PriceTolerance is the quote-currency distance within which an open
	// exchange order is considered to match a grid level.
	PriceTolerance float64 `json:"price_tolerance,omitempty"` // default 1.0

	// ReplenishStep is how many levels toward the opposite side a fill
	// replenishes. 0 reuses the filled level itself.
	ReplenishStep int `json:"replenish_step,omitempty"` // default 1

	// ImbalanceTolerance is the base-quantity divergence between expected
	// and exchange-reported position that triggers an observability event.
	ImbalanceTolerance float64 `json:"imbalance_tolerance,omitempty"`

	MaintenanceMarginRate float64 `json:"maintenance_margin_rate,omitempty"` // default 0.005
	TakerFeeRate          float64 `json:"taker_fee_rate,omitempty"`          // default 0.0004

	SnapshotPath string `json:"snapshot_path,omitempty"`
	JournalPath  string `json:"journal_path,omitempty"`
	UseBadger    bool   `json:"use_badger,omitempty"` // badger snapshot store instead of a flat file

	Stream StreamConfig `json:"stream"`
	Log    LogConfig    `json:"log"`

	StartTimeoutSec int `json:"start_timeout_sec,omitempty"` // default 30
	StopTimeoutSec  int `json:"stop_timeout_sec,omitempty"`  // default 5
}

// StreamConfig configures the streaming client's reconnect and heartbeat
// behaviour.
type StreamConfig struct {
	URL                  string  `json:"url"`
	HeartbeatIntervalSec int     `json:"heartbeat_interval_sec,omitempty"` // default 30
	ReconnectInitialMs   int     `json:"reconnect_initial_ms,omitempty"`   // default 1000
	ReconnectMaxMs       int     `json:"reconnect_max_ms,omitempty"`       // default 30000
	ReconnectMultiplier  float64 `json:"reconnect_multiplier,omitempty"`   // default 1.5
	MaxReconnectAttempts int     `json:"max_reconnect_attempts,omitempty"` // <=0 means infinite
	MaxSubscriptions     int     `json:"max_subscriptions,omitempty"`      // default 250
	SubscribeBatchSize   int     `json:"subscribe_batch_size,omitempty"`   // default 250
	WriteTimeoutMs       int     `json:"write_timeout_ms,omitempty"`       // default 5000
}

// LogConfig defines the logging setup.
type LogConfig struct {
	Level      string `json:"level"`       // "debug", "info", "warn", "error"
	Output     string `json:"output"`      // "console", "file", "both"
	File       string `json:"file"`        // log file path
	MaxSize    int    `json:"max_size"`    // max size of one log file (MB)
	MaxBackups int    `json:"max_backups"` // rotated files to keep
	MaxAge     int    `json:"max_age"`     // days to keep rotated files
	Compress   bool   `json:"compress"`
}

// SymbolLimits carries the exchange trading rules the engine needs.
type SymbolLimits struct {
	Symbol            string
	TickSize          float64 // price increment
	StepSize          float64 // quantity increment
	MinQuantity       float64
	MinNotional       float64
	PricePrecision    int
	QuantityPrecision int
}

// Ticker is a point-in-time market quote.
type Ticker struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
}

// ExchangeOrder is an order as reported by the exchange.
type ExchangeOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          string
	Price         float64
	Quantity      float64
	ExecutedQty   float64
	Status        string
	UpdateTime    time.Time
}

// OrderRequest is a new-order submission.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          string // LIMIT or MARKET
	TimeInForce   string
	PostOnly      bool
	ReduceOnly    bool
	Quantity      float64
	Price         float64 // ignored for MARKET
	ClientOrderID string
}

// ExchangePosition is a position as reported by the exchange. SignedSize is
// positive for long, negative for short.
type ExchangePosition struct {
	Symbol        string
	SignedSize    float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnl float64
}

// TickerEvent is the typed payload of a ticker channel message.
type TickerEvent struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// OrderEvent is the typed payload of an order channel message.
type OrderEvent struct {
	Symbol        string
	OrderID       string
	ClientOrderID string
	Side          Side
	Status        string // NEW, PARTIALLY_FILLED, FILLED, CANCELED, ...
	Price         float64
	FilledQty     float64
	FilledPrice   float64
	Time          time.Time
}

// PositionEvent is the typed payload of a position channel message.
type PositionEvent struct {
	Symbol        string
	SignedSize    float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnl float64
	Time          time.Time
}

// GridTrade is emitted by the ledger when a grid order fills. The engine
// consumes it to replenish the ladder.
type GridTrade struct {
	LevelIndex  int
	Side        Side
	Price       float64
	Quantity    float64
	FilledPrice float64
	Time        time.Time
}

// GridStats accumulates per-run trading statistics.
type GridStats struct {
	TotalTrades     int     `json:"total_trades"`
	WinningTrades   int     `json:"winning_trades"`
	LosingTrades    int     `json:"losing_trades"`
	TotalVolume     float64 `json:"total_volume"`
	GridProfit      float64 `json:"grid_profit"`
	FeesPaid        float64 `json:"fees_paid"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	CurrentDrawdown float64 `json:"current_drawdown"`
}

// WinRate returns the winning percentage of completed grid trades.
func (s *GridStats) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.WinningTrades) / float64(s.TotalTrades) * 100
}
