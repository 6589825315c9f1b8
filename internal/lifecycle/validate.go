package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/gekkoworks/spreadbot/internal/models"
	"github.com/gekkoworks/spreadbot/internal/storage"
)

// ValidationResult describes the outcome of one post-open check.
type ValidationResult int

const (
	// ValidationOK means every invariant held.
	ValidationOK ValidationResult = iota
	// ValidationSkipped means the check could not run (grace window, no
	// sync since open, or a broker/storage failure) and will retry next cycle.
	ValidationSkipped
	// ValidationInvalidated means the trade was moved to INVALID_STRUCTURE.
	ValidationInvalidated
	// ValidationBrokerFlat means both legs are gone from the mirror. The
	// trade stays OPEN; the exit engine reconciles it against gain/loss
	// history and closes it.
	ValidationBrokerFlat
)

// ValidateOpenTrade enforces the post-open structural invariants against
// the portfolio mirror. It never invalidates on infrastructure failures;
// those skip and retry next cycle.
func (c *Controller) ValidateOpenTrade(t *models.Trade, now time.Time) (ValidationResult, error) {
	if t.Status != models.StatusOpen || t.OpenedAt == nil {
		return ValidationSkipped, nil
	}
	if now.Sub(*t.OpenedAt) < StructuralGrace {
		return ValidationSkipped, nil
	}
	// A mirror that predates the fill cannot contain the legs yet.
	if !c.syncedSince(*t.OpenedAt) {
		c.log.Debug().Str("trade_id", t.ID).Msg("No position sync since open, deferring structural validation")
		return ValidationSkipped, nil
	}

	if err := t.ValidateStructure(); err != nil {
		return c.invalidate(t, err.Error())
	}

	shortPos, err := c.store.GetPositionBySymbol(t.ShortSymbol())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return ValidationSkipped, err
	}
	longPos, lerr := c.store.GetPositionBySymbol(t.LongSymbol())
	if lerr != nil && !errors.Is(lerr, storage.ErrNotFound) {
		return ValidationSkipped, lerr
	}
	// Both legs gone means the broker flattened the whole spread (assignment,
	// expiration, manual close); one leg gone is a broken structure.
	if errors.Is(err, storage.ErrNotFound) && errors.Is(lerr, storage.ErrNotFound) {
		return ValidationBrokerFlat, nil
	}
	if errors.Is(err, storage.ErrNotFound) || errors.Is(lerr, storage.ErrNotFound) {
		return c.invalidate(t, fmt.Sprintf("leg missing from portfolio mirror after %s grace", StructuralGrace))
	}

	shortQty := shortPos.SignedQuantity()
	longQty := longPos.SignedQuantity()
	if shortQty >= 0 {
		return c.invalidate(t, fmt.Sprintf("short leg %s quantity %d not negative", t.ShortSymbol(), shortQty))
	}
	if longQty <= 0 {
		return c.invalidate(t, fmt.Sprintf("long leg %s quantity %d not positive", t.LongSymbol(), longQty))
	}
	if -shortQty != longQty {
		return c.invalidate(t, fmt.Sprintf("leg quantities unbalanced: short %d long %d", shortQty, longQty))
	}
	// Broker quantity may exceed the trade's when trades share legs.
	if longQty < t.Quantity {
		return c.invalidate(t, fmt.Sprintf("broker holds %d contracts, trade expects %d", longQty, t.Quantity))
	}
	return ValidationOK, nil
}

func (c *Controller) invalidate(t *models.Trade, reason string) (ValidationResult, error) {
	if err := c.MarkInvalidStructure(t, reason); err != nil {
		return ValidationSkipped, err
	}
	return ValidationInvalidated, nil
}

func (c *Controller) syncedSince(openedAt time.Time) bool {
	raw, err := c.store.GetSetting(storage.KeyLastPositionsSync)
	if err != nil {
		return false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	return ts.After(openedAt)
}
