// Package storage provides SQLite-backed persistence for trades, proposals,
// orders, the portfolio mirror, settings, and audit logs.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// Store is the SQLite implementation of Interface. All methods are safe for
// concurrent use; SQLite serializes writers and WAL mode keeps readers open.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open creates (or opens) the database at path and applies the schema.
func Open(path string, log zerolog.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)

	s := &Store{db: db, log: log.With().Str("component", "storage").Logger()}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			proposal_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			expiration TEXT NOT NULL,
			strategy TEXT NOT NULL,
			status TEXT NOT NULL,
			origin TEXT NOT NULL DEFAULT 'ENGINE',
			managed INTEGER NOT NULL DEFAULT 1,
			short_strike REAL NOT NULL,
			long_strike REAL NOT NULL,
			width REAL NOT NULL,
			quantity INTEGER NOT NULL,
			entry_price REAL NOT NULL DEFAULT 0,
			exit_price REAL,
			max_profit REAL NOT NULL DEFAULT 0,
			max_loss REAL NOT NULL DEFAULT 0,
			realized_pnl REAL,
			iv_entry REAL NOT NULL DEFAULT 0,
			max_seen_profit_fraction REAL NOT NULL DEFAULT 0,
			broker_order_id_open TEXT,
			broker_order_id_close TEXT,
			exit_reason TEXT,
			created_at TEXT NOT NULL,
			opened_at TEXT,
			closed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			expiration TEXT NOT NULL,
			strategy TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'ENTRY',
			status TEXT NOT NULL,
			outcome TEXT NOT NULL DEFAULT 'PENDING',
			short_strike REAL NOT NULL,
			long_strike REAL NOT NULL,
			width REAL NOT NULL,
			quantity INTEGER NOT NULL,
			credit_target REAL NOT NULL,
			score REAL NOT NULL,
			components TEXT NOT NULL DEFAULT '{}',
			linked_trade_id TEXT,
			client_order_id TEXT,
			invalid_reason TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			proposal_id TEXT NOT NULL,
			trade_id TEXT,
			client_order_id TEXT NOT NULL UNIQUE,
			tradier_order_id TEXT,
			side TEXT NOT NULL,
			status TEXT NOT NULL,
			avg_fill_price REAL NOT NULL DEFAULT 0,
			filled_qty INTEGER NOT NULL DEFAULT 0,
			remaining_qty INTEGER NOT NULL DEFAULT 0,
			snapshot_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_trade ON orders(trade_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_tradier ON orders(tradier_order_id)`,
		`CREATE TABLE IF NOT EXISTS portfolio_positions (
			option_symbol TEXT PRIMARY KEY,
			underlying TEXT NOT NULL,
			expiration TEXT NOT NULL,
			option_type TEXT NOT NULL,
			strike REAL NOT NULL,
			side TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			cost_basis REAL NOT NULL DEFAULT 0,
			last_price REAL NOT NULL DEFAULT 0,
			bid REAL NOT NULL DEFAULT 0,
			ask REAL NOT NULL DEFAULT 0,
			snapshot_id TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS broker_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			operation TEXT NOT NULL,
			symbol TEXT,
			order_id TEXT,
			status_code INTEGER,
			ok INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			mode TEXT,
			strategy TEXT,
			error TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS system_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			log_type TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS account_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cash REAL NOT NULL,
			buying_power REAL NOT NULL,
			equity REAL NOT NULL,
			margin_requirement REAL NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daily_summaries (
			day TEXT PRIMARY KEY,
			realized_pnl REAL NOT NULL DEFAULT 0,
			trades_opened INTEGER NOT NULL DEFAULT 0,
			trades_closed INTEGER NOT NULL DEFAULT 0,
			emergency_exits INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
