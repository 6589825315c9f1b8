// Package lifecycle owns trade status. Every status write in the system
// goes through the Controller so transitions stay on the legal table and
// close bookkeeping happens exactly once.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gekkoworks/spreadbot/internal/models"
	"github.com/gekkoworks/spreadbot/internal/storage"
)

// StructuralGrace is how long after opened_at a trade may be missing mirror
// legs before validation treats that as an invariant failure. It must exceed
// the position sync cadence with room to spare.
const StructuralGrace = 10 * time.Minute

// Controller serializes trade status transitions over the guarded
// conditional UPDATE in storage.
type Controller struct {
	store storage.Interface
	log   zerolog.Logger
}

func NewController(store storage.Interface, log zerolog.Logger) *Controller {
	return &Controller{
		store: store,
		log:   log.With().Str("component", "lifecycle").Logger(),
	}
}

// Transition moves the trade to the target status after validating the
// transition table and the stored status precondition. On success the
// in-memory trade is updated to match.
func (c *Controller) Transition(t *models.Trade, to models.TradeStatus, condition string) error {
	if err := models.CheckTransition(t.Status, to, condition); err != nil {
		return err
	}
	if err := c.store.UpdateTradeStatus(t.ID, t.Status, to); err != nil {
		return fmt.Errorf("transition %s %s -> %s: %w", t.ID, t.Status, to, err)
	}
	c.log.Info().
		Str("trade_id", t.ID).
		Str("from", string(t.Status)).
		Str("to", string(to)).
		Str("condition", condition).
		Msg("Trade status transition")
	t.Status = to
	return nil
}

// MarkEntryFilled records the fill and opens the trade. Risk bounds are
// derived once here from the actual fill price, not the proposal estimate.
func (c *Controller) MarkEntryFilled(t *models.Trade, fillPrice float64, now time.Time) error {
	t.EntryPrice = fillPrice
	t.OpenedAt = &now
	t.MaxProfit, t.MaxLoss = t.RiskBounds()
	if err := c.store.UpdateTrade(t); err != nil {
		return fmt.Errorf("record entry fill %s: %w", t.ID, err)
	}
	if err := c.Transition(t, models.StatusOpen, models.ConditionEntryFilled); err != nil {
		return err
	}
	c.bumpDailySummary(now, 0, 1, 0, 0)
	return nil
}

// MarkEntryFailed cancels a pending entry. condition distinguishes broker
// rejection, cancellation, and fill timeout.
func (c *Controller) MarkEntryFailed(t *models.Trade, condition, reason string) error {
	if err := c.Transition(t, models.StatusCancelled, condition); err != nil {
		return err
	}
	if reason != "" {
		c.store.LogSystem("ENTRY_FAILED", reason, fmt.Sprintf(`{"trade_id": %q}`, t.ID))
	}
	return nil
}

// MarkExitSubmitted moves an OPEN or EXIT_ERROR trade to CLOSING_PENDING
// and records the close order id.
func (c *Controller) MarkExitSubmitted(t *models.Trade, brokerOrderID string) error {
	condition := models.ConditionExitTriggered
	if t.Status == models.StatusExitError || t.Status == models.StatusCloseFailed {
		condition = models.ConditionExitRetry
	}
	if err := c.Transition(t, models.StatusClosingPending, condition); err != nil {
		return err
	}
	t.BrokerOrderIDClose = brokerOrderID
	return c.store.UpdateTrade(t)
}

// MarkExitFilled closes the trade with a real fill. Realized PnL follows
// the per-contract formula for the strategy direction.
func (c *Controller) MarkExitFilled(t *models.Trade, exitPrice float64, reason models.ExitReason, now time.Time) error {
	pnl := t.ComputeRealizedPnL(exitPrice)
	t.ExitPrice = &exitPrice
	t.RealizedPnL = &pnl
	t.ExitReason = reason
	t.ClosedAt = &now
	if err := c.store.UpdateTrade(t); err != nil {
		return fmt.Errorf("record exit fill %s: %w", t.ID, err)
	}
	if err := c.Transition(t, models.StatusClosed, models.ConditionExitFilled); err != nil {
		return err
	}
	c.bumpDailySummary(now, pnl, 0, 1, 0)
	return nil
}

// MarkBrokerFlat closes a trade the broker no longer holds. exitPrice and
// realizedPnL come from gain/loss reconstruction when available; when the
// history is silent both stay nil rather than inventing PnL.
func (c *Controller) MarkBrokerFlat(t *models.Trade, exitPrice, realizedPnL *float64, now time.Time) error {
	t.ExitPrice = exitPrice
	t.RealizedPnL = realizedPnL
	t.ExitReason = models.ExitReasonBrokerFlat
	t.ClosedAt = &now
	if err := c.store.UpdateTrade(t); err != nil {
		return fmt.Errorf("record broker-flat close %s: %w", t.ID, err)
	}
	if err := c.Transition(t, models.StatusClosed, models.ConditionBrokerFlat); err != nil {
		return err
	}
	var pnl float64
	if realizedPnL != nil {
		pnl = *realizedPnL
	}
	c.bumpDailySummary(now, pnl, 0, 1, 0)
	return nil
}

// MarkExitExhausted parks the trade in EXIT_ERROR for the next monitor
// cycle to retry.
func (c *Controller) MarkExitExhausted(t *models.Trade, reason models.ExitReason) error {
	t.ExitReason = reason
	if err := c.store.UpdateTrade(t); err != nil {
		return fmt.Errorf("record exit exhaustion %s: %w", t.ID, err)
	}
	return c.Transition(t, models.StatusExitError, models.ConditionExitExhausted)
}

// MarkInvalidStructure takes the trade out of automated management.
func (c *Controller) MarkInvalidStructure(t *models.Trade, reason string) error {
	if err := c.Transition(t, models.StatusInvalidStructure, models.ConditionInvariantFailed); err != nil {
		return err
	}
	c.log.Error().Str("trade_id", t.ID).Str("reason", reason).Msg("Trade structure invalid, operator intervention required")
	c.store.LogSystem("INVALID_STRUCTURE", reason, fmt.Sprintf(`{"trade_id": %q}`, t.ID))
	return nil
}

func (c *Controller) bumpDailySummary(now time.Time, pnl float64, opened, closed, emergency int) {
	day := now.Format("2006-01-02")
	if err := c.store.UpsertDailySummary(day, pnl, opened, closed, emergency); err != nil {
		c.log.Error().Err(err).Str("day", day).Msg("Failed to update daily summary")
	}
}
