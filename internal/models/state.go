package models

import "time"

// BotState is the engine's lifecycle state. A single authoritative copy is
// owned by the engine.
type BotState string

const (
	StateInitializing BotState = "INITIALIZING"
	StateRunning      BotState = "RUNNING"
	StatePaused       BotState = "PAUSED"
	StateStopped      BotState = "STOPPED"
	StateError        BotState = "ERROR"
)

// GridLevel is one price point of the computed grid. Levels are derived from
// the config and the reference price and are immutable for a pass. A level
// inside the side buffer has no side (Skipped true).
type GridLevel struct {
	Index    int     `json:"index"`
	Price    float64 `json:"price"`
	Side     Side    `json:"side,omitempty"`
	Quantity float64 `json:"quantity"`
	Skipped  bool    `json:"skipped,omitempty"` // within the buffer at calculation time
}

// EntryStatus is the lifecycle status of a ledger entry.
type EntryStatus string

const (
	EntryPending   EntryStatus = "PENDING"
	EntryOpen      EntryStatus = "OPEN"
	EntryFilled    EntryStatus = "FILLED"
	EntryCancelled EntryStatus = "CANCELLED"
)

// Terminal reports whether the status is final for the entry.
func (s EntryStatus) Terminal() bool {
	return s == EntryFilled || s == EntryCancelled
}

// LedgerEntry tracks one grid order through its lifetime. Entries are owned
// exclusively by the order ledger.
type LedgerEntry struct {
	LevelIndex      int         `json:"level_index"`
	Side            Side        `json:"side"`
	Price           float64     `json:"price"`
	Quantity        float64     `json:"quantity"`
	ClientOrderID   string      `json:"client_order_id"`
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"` // empty until acknowledged
	Status          EntryStatus `json:"status"`
	LastError       string      `json:"last_error,omitempty"`
	RetryCount      int         `json:"retry_count,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// PositionSnapshot mirrors the exchange-reported position. It is written
// only by the position reconciler and read by everyone else.
type PositionSnapshot struct {
	Symbol        string    `json:"symbol"`
	SignedSize    float64   `json:"signed_size"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PersistedSnapshot is the point-in-time serialization written after every
// state-changing event and loaded once at startup when resuming. Unknown
// fields in older/newer files are ignored on decode.
type PersistedSnapshot struct {
	RunID          string              `json:"run_id"`
	Version        int                 `json:"version"`
	State          BotState            `json:"state"`
	Config         Config              `json:"config"`
	ReferencePrice float64             `json:"reference_price"`
	Levels         []GridLevel         `json:"levels"`
	Entries        map[int]LedgerEntry `json:"entries"` // keyed by level index
	Position       PositionSnapshot    `json:"position"`
	Stats          GridStats           `json:"stats"`
	UpdatedAt      time.Time           `json:"updated_at"`
}
