package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gekkoworks/spreadbot/internal/models"
)

const orderColumns = `id, proposal_id, trade_id, client_order_id, tradier_order_id,
	side, status, avg_fill_price, filled_qty, remaining_qty, snapshot_id,
	created_at, updated_at`

// CreateOrder inserts a new local order row. ProposalID must be set; the
// schema enforces client_order_id uniqueness.
func (s *Store) CreateOrder(o *models.Order) error {
	if o.ProposalID == "" {
		return fmt.Errorf("order %s missing proposal id", o.ID)
	}
	_, err := s.db.Exec(`INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ProposalID, nullString(o.TradeID), o.ClientOrderID, nullString(o.TradierOrderID),
		string(o.Side), string(o.Status), o.AvgFillPrice, o.FilledQty, o.RemainingQty,
		nullString(o.SnapshotID), o.CreatedAt.UTC().Format(time.RFC3339), o.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating order: %w", err)
	}
	return nil
}

// UpdateOrder persists status and fill bookkeeping.
func (s *Store) UpdateOrder(o *models.Order) error {
	res, err := s.db.Exec(`UPDATE orders SET
		trade_id = ?, tradier_order_id = ?, status = ?, avg_fill_price = ?,
		filled_qty = ?, remaining_qty = ?, updated_at = ?
		WHERE id = ?`,
		nullString(o.TradeID), nullString(o.TradierOrderID), string(o.Status),
		o.AvgFillPrice, o.FilledQty, o.RemainingQty,
		time.Now().UTC().Format(time.RFC3339), o.ID)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating order %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

// GetOrderByClientID fetches an order by its client-generated id.
func (s *Store) GetOrderByClientID(clientOrderID string) (*models.Order, error) {
	row := s.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrderFrom(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// GetOrderByTradierID fetches an order by the broker-assigned id.
func (s *Store) GetOrderByTradierID(tradierOrderID string) (*models.Order, error) {
	row := s.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE tradier_order_id = ?`, tradierOrderID)
	o, err := scanOrderFrom(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// GetOrdersByTrade returns all orders for one trade, oldest first.
func (s *Store) GetOrdersByTrade(tradeID string) ([]models.Order, error) {
	rows, err := s.db.Query(`SELECT `+orderColumns+` FROM orders WHERE trade_id = ? ORDER BY created_at`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("querying orders for trade %s: %w", tradeID, err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// GetOrdersByProposal returns all orders back-linked to a proposal.
func (s *Store) GetOrdersByProposal(proposalID string) ([]models.Order, error) {
	rows, err := s.db.Query(`SELECT `+orderColumns+` FROM orders WHERE proposal_id = ? ORDER BY created_at`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("querying orders for proposal %s: %w", proposalID, err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]models.Order, error) {
	var out []models.Order
	for rows.Next() {
		o, err := scanOrderFrom(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanOrderFrom(scan func(...any) error) (*models.Order, error) {
	var (
		o                    models.Order
		tradeID, tradierID   sql.NullString
		snapshotID           sql.NullString
		side, status         string
		createdAt, updatedAt string
	)
	err := scan(&o.ID, &o.ProposalID, &tradeID, &o.ClientOrderID, &tradierID,
		&side, &status, &o.AvgFillPrice, &o.FilledQty, &o.RemainingQty, &snapshotID,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	o.TradeID = tradeID.String
	o.TradierOrderID = tradierID.String
	o.SnapshotID = snapshotID.String
	o.Side = models.OrderSide(side)
	o.Status = models.OrderStatus(status)
	if o.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing order created_at: %w", err)
	}
	if o.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing order updated_at: %w", err)
	}
	return &o, nil
}
