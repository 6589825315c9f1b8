package models

import (
	"fmt"
	"math"
	"time"

	"github.com/gekkoworks/spreadbot/internal/util"
)

const sharesPerContract = 100.0

// TradeStatus represents the lifecycle status of a trade.
type TradeStatus string

const (
	// StatusEntryPending means the entry order was submitted and is not yet filled.
	StatusEntryPending TradeStatus = "ENTRY_PENDING"
	// StatusOpen means the entry order filled and both legs are expected in the account.
	StatusOpen TradeStatus = "OPEN"
	// StatusClosingPending means an exit order has been submitted.
	StatusClosingPending TradeStatus = "CLOSING_PENDING"
	// StatusClosed is terminal: the trade was exited or reconciled flat.
	StatusClosed TradeStatus = "CLOSED"
	// StatusCancelled is terminal: the entry order was rejected or cancelled.
	StatusCancelled TradeStatus = "CANCELLED"
	// StatusCloseFailed is a legacy operator-set status for manually stuck closes.
	StatusCloseFailed TradeStatus = "CLOSE_FAILED"
	// StatusInvalidStructure is terminal: post-open invariants failed; operator intervention expected.
	StatusInvalidStructure TradeStatus = "INVALID_STRUCTURE"
	// StatusExitError means exit attempts were exhausted; re-evaluated next monitor cycle.
	StatusExitError TradeStatus = "EXIT_ERROR"
)

// Terminal reports whether the status admits no further transitions.
func (s TradeStatus) Terminal() bool {
	switch s {
	case StatusClosed, StatusCancelled, StatusInvalidStructure:
		return true
	default:
		return false
	}
}

// TradeOrigin records how a trade entered the system.
type TradeOrigin string

const (
	// OriginEngine marks trades created by the entry engine.
	OriginEngine TradeOrigin = "ENGINE"
	// OriginImported marks trades imported from broker history.
	OriginImported TradeOrigin = "IMPORTED"
	// OriginManual marks trades recorded by an operator.
	OriginManual TradeOrigin = "MANUAL"
)

// ExitReason is the final reason a trade left the book.
type ExitReason string

const (
	ExitReasonNormal        ExitReason = "NORMAL_EXIT"
	ExitReasonBrokerFlat    ExitReason = "BROKER_ALREADY_FLAT"
	ExitReasonQtyMismatch   ExitReason = "QUANTITY_MISMATCH"
	ExitReasonMaxAttempts   ExitReason = "MAX_EXIT_ATTEMPTS"
	ExitReasonCloseUnfilled ExitReason = "CLOSE_ORDER_UNFILLED"
	ExitReasonManualClose   ExitReason = "MANUAL_CLOSE"
	ExitReasonPhantomTrade  ExitReason = "PHANTOM_TRADE"
	ExitReasonUnknown       ExitReason = "UNKNOWN"
)

// Trade is a two-leg vertical spread tracked through its whole lifecycle.
// Status is written only by the lifecycle controller.
type Trade struct {
	ID         string      `json:"id"`
	ProposalID string      `json:"proposal_id"`
	Symbol     string      `json:"symbol"`
	Expiration time.Time   `json:"expiration"`
	Strategy   Strategy    `json:"strategy"`
	Status     TradeStatus `json:"status"`
	Origin     TradeOrigin `json:"origin"`
	Managed    bool        `json:"managed"`

	ShortStrike float64 `json:"short_strike"`
	LongStrike  float64 `json:"long_strike"`
	Width       float64 `json:"width"`
	Quantity    int     `json:"quantity"`

	// EntryPrice and ExitPrice are per-contract, positive magnitudes.
	EntryPrice float64  `json:"entry_price"`
	ExitPrice  *float64 `json:"exit_price,omitempty"`

	MaxProfit   float64  `json:"max_profit"`
	MaxLoss     float64  `json:"max_loss"`
	RealizedPnL *float64 `json:"realized_pnl,omitempty"`
	IVEntry     float64  `json:"iv_entry"`

	MaxSeenProfitFraction float64 `json:"max_seen_profit_fraction"`

	BrokerOrderIDOpen  string `json:"broker_order_id_open,omitempty"`
	BrokerOrderIDClose string `json:"broker_order_id_close,omitempty"`

	ExitReason ExitReason `json:"exit_reason,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// SpreadWidth is the fixed strike distance of v1 spreads.
const SpreadWidth = 5.0

// ValidateStructure checks the strategy/width/strike invariants.
func (t *Trade) ValidateStructure() error {
	if !t.Strategy.Valid() {
		return fmt.Errorf("trade %s: unknown strategy %q", t.ID, t.Strategy)
	}
	if t.Width != SpreadWidth {
		return fmt.Errorf("trade %s: width %.2f, want %.2f", t.ID, t.Width, SpreadWidth)
	}
	wantLong, err := t.Strategy.LongStrike(t.ShortStrike, t.Width)
	if err != nil {
		return fmt.Errorf("trade %s: %w", t.ID, err)
	}
	if math.Abs(t.LongStrike-wantLong) > 1e-3 {
		return fmt.Errorf("trade %s: long strike %.2f inconsistent with strategy %s and width %.2f (want %.2f)",
			t.ID, t.LongStrike, t.Strategy, t.Width, wantLong)
	}
	if t.Quantity <= 0 {
		return fmt.Errorf("trade %s: non-positive quantity %d", t.ID, t.Quantity)
	}
	if t.EntryPrice < 0 {
		return fmt.Errorf("trade %s: negative entry price %.2f", t.ID, t.EntryPrice)
	}
	return nil
}

// DTE returns calendar days to expiration, floored at zero.
func (t *Trade) DTE(now time.Time) int {
	n := now.UTC().Truncate(24 * time.Hour)
	exp := t.Expiration.UTC().Truncate(24 * time.Hour)
	days := int(exp.Sub(n).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// ShortSymbol returns the OCC symbol of the short leg.
func (t *Trade) ShortSymbol() string {
	return util.FormatOCC(t.Symbol, t.Expiration, string(t.Strategy.OptionType()), t.ShortStrike)
}

// LongSymbol returns the OCC symbol of the long leg.
func (t *Trade) LongSymbol() string {
	return util.FormatOCC(t.Symbol, t.Expiration, string(t.Strategy.OptionType()), t.LongStrike)
}

// ComputeRealizedPnL applies the per-contract PnL formula for the strategy
// direction, in dollars: credit (entry-exit), debit (exit-entry), times
// quantity and the contract multiplier.
func (t *Trade) ComputeRealizedPnL(exitPrice float64) float64 {
	perContract := exitPrice - t.EntryPrice
	if t.Strategy.IsCredit() {
		perContract = t.EntryPrice - exitPrice
	}
	return perContract * float64(t.Quantity) * sharesPerContract
}

// RiskBounds derives dollar max profit and max loss from the entry price.
// For credit spreads the credit caps profit; for debit spreads the debit caps loss.
func (t *Trade) RiskBounds() (maxProfit, maxLoss float64) {
	mult := float64(t.Quantity) * sharesPerContract
	if t.Strategy.IsCredit() {
		return t.EntryPrice * mult, (t.Width - t.EntryPrice) * mult
	}
	return (t.Width - t.EntryPrice) * mult, t.EntryPrice * mult
}

// ScaleQuantity replaces the trade quantity with the broker-held quantity,
// scaling max profit and max loss proportionally. Scale, never recompute.
func (t *Trade) ScaleQuantity(brokerQty int) {
	if brokerQty <= 0 || brokerQty == t.Quantity || t.Quantity <= 0 {
		return
	}
	factor := float64(brokerQty) / float64(t.Quantity)
	t.MaxProfit *= factor
	t.MaxLoss *= factor
	t.Quantity = brokerQty
}

// PnLFraction is realized-if-closed profit as a fraction of max profit.
func (t *Trade) PnLFraction(currentMark float64) float64 {
	if t.MaxProfit <= 0 {
		return 0
	}
	return t.ComputeRealizedPnL(currentMark) / t.MaxProfit
}

// LossFraction is the current loss as a fraction of max loss; zero when profitable.
func (t *Trade) LossFraction(currentMark float64) float64 {
	if t.MaxLoss <= 0 {
		return 0
	}
	pnl := t.ComputeRealizedPnL(currentMark)
	if pnl >= 0 {
		return 0
	}
	return -pnl / t.MaxLoss
}
