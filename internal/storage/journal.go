package storage

import (
	"database/sql"
	"fmt"
	"time"

	"grid-engine-go/internal/models"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// Journal is an append-mostly SQLite record of every order the engine
// placed and every grid trade it completed. It exists for recovery
// inspection and offline analysis; the engine never reads it on the hot
// path.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (or creates) the journal database and its tables.
func OpenJournal(dataSourceName string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect journal: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal tables: %w", err)
	}
	return &Journal{db: db}, nil
}

func createTables(db *sql.DB) error {
	createOrdersSQL := `
	CREATE TABLE IF NOT EXISTS orders (
		client_order_id TEXT PRIMARY KEY,
		exchange_order_id TEXT,
		symbol TEXT NOT NULL,
		level_index INTEGER NOT NULL,
		side TEXT NOT NULL,
		price REAL NOT NULL,
		quantity REAL NOT NULL,
		status TEXT NOT NULL,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createOrdersSQL); err != nil {
		return err
	}

	createTradesSQL := `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		level_index INTEGER NOT NULL,
		side TEXT NOT NULL,
		price REAL NOT NULL,
		filled_price REAL NOT NULL,
		quantity REAL NOT NULL,
		profit REAL,
		traded_at INTEGER NOT NULL
	);`
	_, err := db.Exec(createTradesSQL)
	return err
}

// RecordOrder upserts the current state of a ledger entry.
func (j *Journal) RecordOrder(symbol string, e models.LedgerEntry) error {
	query := `
	INSERT INTO orders (client_order_id, exchange_order_id, symbol, level_index, side, price, quantity, status, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(client_order_id) DO UPDATE SET
		exchange_order_id = excluded.exchange_order_id,
		status = excluded.status,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at;`

	now := time.Now().UnixMilli()
	_, err := j.db.Exec(query,
		e.ClientOrderID, e.ExchangeOrderID, symbol, e.LevelIndex, string(e.Side),
		e.Price, e.Quantity, string(e.Status), e.LastError, now, now,
	)
	if err != nil {
		return fmt.Errorf("record order %s: %w", e.ClientOrderID, err)
	}
	return nil
}

// RecordTrade appends a completed grid trade.
func (j *Journal) RecordTrade(symbol string, t models.GridTrade, profit float64) error {
	query := `
	INSERT INTO trades (symbol, level_index, side, price, filled_price, quantity, profit, traded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := j.db.Exec(query,
		symbol, t.LevelIndex, string(t.Side), t.Price, t.FilledPrice, t.Quantity, profit, t.Time.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record trade: %w", err)
	}
	return nil
}

// TradeCount returns the number of journaled trades for a symbol.
func (j *Journal) TradeCount(symbol string) (int, error) {
	var n int
	err := j.db.QueryRow(`SELECT COUNT(*) FROM trades WHERE symbol = ?`, symbol).Scan(&n)
	return n, err
}

// ActiveOrders returns journaled orders not yet in a terminal state, used
// when inspecting what a crashed run left behind.
func (j *Journal) ActiveOrders(symbol string) ([]models.LedgerEntry, error) {
	query := `
	SELECT client_order_id, exchange_order_id, level_index, side, price, quantity, status, COALESCE(last_error, '')
	FROM orders
	WHERE symbol = ? AND status NOT IN ('FILLED', 'CANCELLED')`

	rows, err := j.db.Query(query, symbol)
	if err != nil {
		return nil, fmt.Errorf("query active orders: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var side, status string
		if err := rows.Scan(&e.ClientOrderID, &e.ExchangeOrderID, &e.LevelIndex, &side, &e.Price, &e.Quantity, &status, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		e.Side = models.Side(side)
		e.Status = models.EntryStatus(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
