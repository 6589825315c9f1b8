package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gekkoworks/spreadbot/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("storage: not found")

const tradeColumns = `id, proposal_id, symbol, expiration, strategy, status, origin, managed,
	short_strike, long_strike, width, quantity, entry_price, exit_price,
	max_profit, max_loss, realized_pnl, iv_entry, max_seen_profit_fraction,
	broker_order_id_open, broker_order_id_close, exit_reason,
	created_at, opened_at, closed_at`

// CreateTrade inserts a new trade row.
func (s *Store) CreateTrade(t *models.Trade) error {
	_, err := s.db.Exec(`INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProposalID, strings.ToUpper(t.Symbol), t.Expiration.Format("2006-01-02"),
		string(t.Strategy), string(t.Status), string(t.Origin), boolToInt(t.Managed),
		t.ShortStrike, t.LongStrike, t.Width, t.Quantity, t.EntryPrice, nullFloat(t.ExitPrice),
		t.MaxProfit, t.MaxLoss, nullFloat(t.RealizedPnL), t.IVEntry, t.MaxSeenProfitFraction,
		nullString(t.BrokerOrderIDOpen), nullString(t.BrokerOrderIDClose), nullString(string(t.ExitReason)),
		t.CreatedAt.UTC().Format(time.RFC3339), nullTime(t.OpenedAt), nullTime(t.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("creating trade: %w", err)
	}
	return nil
}

// UpdateTrade overwrites all mutable columns of a trade.
func (s *Store) UpdateTrade(t *models.Trade) error {
	res, err := s.db.Exec(`UPDATE trades SET
		proposal_id = ?, status = ?, quantity = ?, entry_price = ?, exit_price = ?,
		max_profit = ?, max_loss = ?, realized_pnl = ?, iv_entry = ?,
		max_seen_profit_fraction = ?, broker_order_id_open = ?, broker_order_id_close = ?,
		exit_reason = ?, opened_at = ?, closed_at = ?
		WHERE id = ?`,
		t.ProposalID, string(t.Status), t.Quantity, t.EntryPrice, nullFloat(t.ExitPrice),
		t.MaxProfit, t.MaxLoss, nullFloat(t.RealizedPnL), t.IVEntry,
		t.MaxSeenProfitFraction, nullString(t.BrokerOrderIDOpen), nullString(t.BrokerOrderIDClose),
		nullString(string(t.ExitReason)), nullTime(t.OpenedAt), nullTime(t.ClosedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating trade %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating trade %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// UpdateTradeStatus transitions a trade's status conditioned on the expected
// prior status. Used by the lifecycle controller so concurrent cycles can
// never double-apply a transition.
func (s *Store) UpdateTradeStatus(id string, from, to models.TradeStatus) error {
	res, err := s.db.Exec(`UPDATE trades SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("updating trade %s status: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("trade %s not in expected status %s: %w", id, from, ErrNotFound)
	}
	return nil
}

// GetTrade fetches a trade by id.
func (s *Store) GetTrade(id string) (*models.Trade, error) {
	row := s.db.QueryRow(`SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	return scanTrade(row)
}

// GetTradesByStatus returns all trades in any of the given statuses,
// oldest first.
func (s *Store) GetTradesByStatus(statuses ...models.TradeStatus) ([]models.Trade, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.Query(`SELECT `+tradeColumns+` FROM trades WHERE status IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying trades by status: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// GetTradeByEntryOrderID finds the trade holding the given broker entry order id.
func (s *Store) GetTradeByEntryOrderID(brokerOrderID string) (*models.Trade, error) {
	row := s.db.QueryRow(`SELECT `+tradeColumns+` FROM trades WHERE broker_order_id_open = ?`, brokerOrderID)
	return scanTrade(row)
}

// GetTradeByExitOrderID finds the trade holding the given broker close order id.
func (s *Store) GetTradeByExitOrderID(brokerOrderID string) (*models.Trade, error) {
	row := s.db.QueryRow(`SELECT `+tradeColumns+` FROM trades WHERE broker_order_id_close = ?`, brokerOrderID)
	return scanTrade(row)
}

// CountOpenSpreads counts trades currently holding risk (open or pending close).
func (s *Store) CountOpenSpreads() (int, error) {
	return s.countSpreads(`SELECT COUNT(*) FROM trades WHERE status IN ('OPEN','CLOSING_PENDING','EXIT_ERROR','ENTRY_PENDING')`)
}

// CountOpenSpreadsBySymbol counts risk-holding trades on one underlying.
func (s *Store) CountOpenSpreadsBySymbol(symbol string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM trades
		WHERE status IN ('OPEN','CLOSING_PENDING','EXIT_ERROR','ENTRY_PENDING') AND symbol = ?`,
		strings.ToUpper(symbol)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting open spreads for %s: %w", symbol, err)
	}
	return n, nil
}

func (s *Store) countSpreads(query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting spreads: %w", err)
	}
	return n, nil
}

// CountTradesCreatedSince counts trades created at or after the cutoff.
// Used for the max-new-trades-per-day gate.
func (s *Store) CountTradesCreatedSince(cutoff time.Time) (int, error) {
	return s.countSpreads(`SELECT COUNT(*) FROM trades WHERE created_at >= ? AND status != 'CANCELLED'`,
		cutoff.UTC().Format(time.RFC3339))
}

// SumRealizedPnLSince totals realized PnL of trades closed at or after cutoff.
func (s *Store) SumRealizedPnLSince(cutoff time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRow(`SELECT SUM(realized_pnl) FROM trades WHERE closed_at >= ? AND realized_pnl IS NOT NULL`,
		cutoff.UTC().Format(time.RFC3339)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing realized pnl: %w", err)
	}
	return total.Float64, nil
}

// SumMaxLossByUnderlying totals open risk (max_loss) for one underlying.
func (s *Store) SumMaxLossByUnderlying(symbol string) (float64, error) {
	return s.sumMaxLoss(`SELECT SUM(max_loss) FROM trades
		WHERE status IN ('OPEN','CLOSING_PENDING','EXIT_ERROR','ENTRY_PENDING') AND symbol = ?`,
		strings.ToUpper(symbol))
}

// SumMaxLossByExpiry totals open risk clustered on one expiration date.
func (s *Store) SumMaxLossByExpiry(expiration time.Time) (float64, error) {
	return s.sumMaxLoss(`SELECT SUM(max_loss) FROM trades
		WHERE status IN ('OPEN','CLOSING_PENDING','EXIT_ERROR','ENTRY_PENDING') AND expiration = ?`,
		expiration.Format("2006-01-02"))
}

// SumMaxLossCreatedSince totals new risk taken on since the cutoff.
func (s *Store) SumMaxLossCreatedSince(cutoff time.Time) (float64, error) {
	return s.sumMaxLoss(`SELECT SUM(max_loss) FROM trades
		WHERE created_at >= ? AND status != 'CANCELLED'`, cutoff.UTC().Format(time.RFC3339))
}

func (s *Store) sumMaxLoss(query string, args ...any) (float64, error) {
	var total sql.NullFloat64
	if err := s.db.QueryRow(query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("summing max loss: %w", err)
	}
	return total.Float64, nil
}

func scanTrade(row *sql.Row) (*models.Trade, error) {
	t, err := scanTradeFrom(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func scanTrades(rows *sql.Rows) ([]models.Trade, error) {
	var out []models.Trade
	for rows.Next() {
		t, err := scanTradeFrom(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTradeFrom(scan func(...any) error) (*models.Trade, error) {
	var (
		t                       models.Trade
		expiration              string
		strategy, status        string
		origin                  string
		managed                 int
		exitPrice, realizedPnL  sql.NullFloat64
		openID, closeID, reason sql.NullString
		createdAt               string
		openedAt, closedAt      sql.NullString
	)
	err := scan(&t.ID, &t.ProposalID, &t.Symbol, &expiration, &strategy, &status, &origin, &managed,
		&t.ShortStrike, &t.LongStrike, &t.Width, &t.Quantity, &t.EntryPrice, &exitPrice,
		&t.MaxProfit, &t.MaxLoss, &realizedPnL, &t.IVEntry, &t.MaxSeenProfitFraction,
		&openID, &closeID, &reason, &createdAt, &openedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	t.Strategy = models.Strategy(strategy)
	t.Status = models.TradeStatus(status)
	t.Origin = models.TradeOrigin(origin)
	t.Managed = managed != 0
	t.BrokerOrderIDOpen = openID.String
	t.BrokerOrderIDClose = closeID.String
	t.ExitReason = models.ExitReason(reason.String)

	if t.Expiration, err = time.Parse("2006-01-02", expiration); err != nil {
		return nil, fmt.Errorf("parsing trade expiration: %w", err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing trade created_at: %w", err)
	}
	if exitPrice.Valid {
		v := exitPrice.Float64
		t.ExitPrice = &v
	}
	if realizedPnL.Valid {
		v := realizedPnL.Float64
		t.RealizedPnL = &v
	}
	if openedAt.Valid {
		ts, err := time.Parse(time.RFC3339, openedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing trade opened_at: %w", err)
		}
		t.OpenedAt = &ts
	}
	if closedAt.Valid {
		ts, err := time.Parse(time.RFC3339, closedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing trade closed_at: %w", err)
		}
		t.ClosedAt = &ts
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}
