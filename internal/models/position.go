package models

import (
	"time"

	"github.com/gekkoworks/spreadbot/internal/util"
)

// PositionSide is the direction of a mirrored broker position.
type PositionSide string

const (
	// PositionLong holds positive broker quantity.
	PositionLong PositionSide = "long"
	// PositionShort holds negative broker quantity.
	PositionShort PositionSide = "short"
)

// PortfolioPosition mirrors one broker option position. The broker is
// canonical: the whole mirror is overwritten on each successful sync and
// rows from older snapshots are removed.
type PortfolioPosition struct {
	OptionSymbol string       `json:"option_symbol"`
	Underlying   string       `json:"underlying"`
	Expiration   time.Time    `json:"expiration"`
	OptionType   OptionType   `json:"option_type"`
	Strike       float64      `json:"strike"`
	Side         PositionSide `json:"side"`
	// Quantity is the absolute contract count, always >= 0.
	Quantity     int       `json:"quantity"`
	CostBasis    float64   `json:"cost_basis"`
	LastPrice    float64   `json:"last_price"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	SnapshotID   string    `json:"snapshot_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SignedQuantity returns the quantity with the broker sign convention.
func (p *PortfolioPosition) SignedQuantity() int {
	if p.Side == PositionShort {
		return -p.Quantity
	}
	return p.Quantity
}

// NewPortfolioPosition parses a broker position row into a mirror entry.
// signedQty follows the broker convention (short negative).
func NewPortfolioPosition(optionSymbol string, signedQty int, costBasis float64, snapshotID string, now time.Time) (*PortfolioPosition, error) {
	occ, err := util.ParseOCC(optionSymbol)
	if err != nil {
		return nil, err
	}
	side := PositionLong
	qty := signedQty
	if signedQty < 0 {
		side = PositionShort
		qty = -signedQty
	}
	return &PortfolioPosition{
		OptionSymbol: optionSymbol,
		Underlying:   occ.Underlying,
		Expiration:   occ.Expiration,
		OptionType:   OptionType(occ.OptionType),
		Strike:       occ.Strike,
		Side:         side,
		Quantity:     qty,
		CostBasis:    costBasis,
		SnapshotID:   snapshotID,
		UpdatedAt:    now,
	}, nil
}
