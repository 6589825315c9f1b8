package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BrokerEvent is one audit row per broker API call.
type BrokerEvent struct {
	Operation  string
	Symbol     string
	OrderID    string
	StatusCode int
	OK         bool
	Duration   time.Duration
	Mode       string
	Strategy   string
	Error      string
}

// RecordBrokerEvent appends a broker audit row. Failures are logged, not
// returned; audit writes must never break a trading cycle.
func (s *Store) RecordBrokerEvent(ev BrokerEvent) {
	_, err := s.db.Exec(`INSERT INTO broker_events
		(operation, symbol, order_id, status_code, ok, duration_ms, mode, strategy, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Operation, nullString(ev.Symbol), nullString(ev.OrderID), ev.StatusCode,
		boolToInt(ev.OK), ev.Duration.Milliseconds(), nullString(ev.Mode),
		nullString(ev.Strategy), nullString(ev.Error),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		s.log.Error().Err(err).Str("operation", ev.Operation).Msg("Failed to record broker event")
	}
}

// LogSystem appends a system_logs row. Best-effort, same as RecordBrokerEvent.
func (s *Store) LogSystem(logType, message, details string) {
	_, err := s.db.Exec(`INSERT INTO system_logs (log_type, message, details, created_at)
		VALUES (?, ?, ?, ?)`,
		logType, message, nullString(details), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		s.log.Error().Err(err).Str("log_type", logType).Msg("Failed to record system log")
	}
}

// AccountSnapshot captures broker balances at a point in time.
type AccountSnapshot struct {
	Cash              float64
	BuyingPower       float64
	Equity            float64
	MarginRequirement float64
}

// RecordAccountSnapshot appends a balances snapshot row.
func (s *Store) RecordAccountSnapshot(snap AccountSnapshot) error {
	_, err := s.db.Exec(`INSERT INTO account_snapshots
		(cash, buying_power, equity, margin_requirement, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		snap.Cash, snap.BuyingPower, snap.Equity, snap.MarginRequirement,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("recording account snapshot: %w", err)
	}
	return nil
}

// GetLatestAccountSnapshot returns the most recent balances row, or
// ErrNotFound before the first balances sync.
func (s *Store) GetLatestAccountSnapshot() (*AccountSnapshot, error) {
	var snap AccountSnapshot
	err := s.db.QueryRow(`SELECT cash, buying_power, equity, margin_requirement
		FROM account_snapshots ORDER BY id DESC LIMIT 1`).
		Scan(&snap.Cash, &snap.BuyingPower, &snap.Equity, &snap.MarginRequirement)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading latest account snapshot: %w", err)
	}
	return &snap, nil
}

// UpsertDailySummary adds the deltas to the summary row for day (YYYY-MM-DD).
func (s *Store) UpsertDailySummary(day string, realizedPnL float64, opened, closed, emergencyExits int) error {
	_, err := s.db.Exec(`INSERT INTO daily_summaries
		(day, realized_pnl, trades_opened, trades_closed, emergency_exits, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			realized_pnl = realized_pnl + excluded.realized_pnl,
			trades_opened = trades_opened + excluded.trades_opened,
			trades_closed = trades_closed + excluded.trades_closed,
			emergency_exits = emergency_exits + excluded.emergency_exits,
			updated_at = excluded.updated_at`,
		day, realizedPnL, opened, closed, emergencyExits,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting daily summary %s: %w", day, err)
	}
	return nil
}

// DailySummary is one row of the per-day rollup.
type DailySummary struct {
	Day            string
	RealizedPnL    float64
	TradesOpened   int
	TradesClosed   int
	EmergencyExits int
}

// GetDailySummary returns the rollup for day, or ErrNotFound.
func (s *Store) GetDailySummary(day string) (*DailySummary, error) {
	row := s.db.QueryRow(`SELECT day, realized_pnl, trades_opened, trades_closed, emergency_exits
		FROM daily_summaries WHERE day = ?`, day)
	var d DailySummary
	if err := row.Scan(&d.Day, &d.RealizedPnL, &d.TradesOpened, &d.TradesClosed, &d.EmergencyExits); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading daily summary %s: %w", day, err)
	}
	return &d, nil
}
