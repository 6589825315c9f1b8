package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gekkoworks/spreadbot/internal/models"
)

const positionColumns = `option_symbol, underlying, expiration, option_type, strike,
	side, quantity, cost_basis, last_price, bid, ask, snapshot_id, updated_at`

// ReplacePositions atomically overwrites the whole portfolio mirror with the
// given snapshot. Rows from older snapshots are removed; the broker is
// canonical so no merge is attempted.
func (s *Store) ReplacePositions(snapshotID string, positions []models.PortfolioPosition) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning position sync tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM portfolio_positions`); err != nil {
		return fmt.Errorf("clearing position mirror: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO portfolio_positions (` + positionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing position insert: %w", err)
	}
	defer stmt.Close()

	for i := range positions {
		p := &positions[i]
		_, err := stmt.Exec(p.OptionSymbol, strings.ToUpper(p.Underlying),
			p.Expiration.Format("2006-01-02"), string(p.OptionType), p.Strike,
			string(p.Side), p.Quantity, p.CostBasis, p.LastPrice, p.Bid, p.Ask,
			snapshotID, p.UpdatedAt.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("inserting position %s: %w", p.OptionSymbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing position sync: %w", err)
	}
	return nil
}

// GetPositions returns the whole mirror.
func (s *Store) GetPositions() ([]models.PortfolioPosition, error) {
	rows, err := s.db.Query(`SELECT ` + positionColumns + ` FROM portfolio_positions ORDER BY option_symbol`)
	if err != nil {
		return nil, fmt.Errorf("querying positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// GetPositionBySymbol fetches one mirror row by option symbol.
func (s *Store) GetPositionBySymbol(optionSymbol string) (*models.PortfolioPosition, error) {
	row := s.db.QueryRow(`SELECT `+positionColumns+` FROM portfolio_positions WHERE option_symbol = ?`, optionSymbol)
	p, err := scanPositionFrom(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// GetPositionsByUnderlying returns mirror rows for one underlying.
func (s *Store) GetPositionsByUnderlying(underlying string) ([]models.PortfolioPosition, error) {
	rows, err := s.db.Query(`SELECT `+positionColumns+` FROM portfolio_positions WHERE underlying = ? ORDER BY option_symbol`,
		strings.ToUpper(underlying))
	if err != nil {
		return nil, fmt.Errorf("querying positions for %s: %w", underlying, err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

func scanPositions(rows *sql.Rows) ([]models.PortfolioPosition, error) {
	var out []models.PortfolioPosition
	for rows.Next() {
		p, err := scanPositionFrom(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPositionFrom(scan func(...any) error) (*models.PortfolioPosition, error) {
	var (
		p                     models.PortfolioPosition
		expiration, updatedAt string
		optionType, side      string
	)
	err := scan(&p.OptionSymbol, &p.Underlying, &expiration, &optionType, &p.Strike,
		&side, &p.Quantity, &p.CostBasis, &p.LastPrice, &p.Bid, &p.Ask, &p.SnapshotID, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.OptionType = models.OptionType(optionType)
	p.Side = models.PositionSide(side)
	if p.Expiration, err = time.Parse("2006-01-02", expiration); err != nil {
		return nil, fmt.Errorf("parsing position expiration: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing position updated_at: %w", err)
	}
	return &p, nil
}
