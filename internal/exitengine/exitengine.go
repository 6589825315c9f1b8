// Package exitengine flattens spreads the monitor has decided to close.
// It owns the cancel/compute/submit/poll sequence, the already-flat
// reconciliation, and the bounded retry paths.
package exitengine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gekkoworks/spreadbot/internal/broker"
	"github.com/gekkoworks/spreadbot/internal/lifecycle"
	"github.com/gekkoworks/spreadbot/internal/marketclock"
	"github.com/gekkoworks/spreadbot/internal/models"
	"github.com/gekkoworks/spreadbot/internal/monitor"
	"github.com/gekkoworks/spreadbot/internal/notify"
	"github.com/gekkoworks/spreadbot/internal/risk"
	"github.com/gekkoworks/spreadbot/internal/storage"
	"github.com/gekkoworks/spreadbot/internal/util"
)

const (
	normalSlippage = 0.02
	retrySlippage  = 0.03
	// Protective cushion above the spread's worst-case close cost.
	emergencyCushion = 0.20

	gainLossLookback = 7 * 24 * time.Hour

	defaultPollBudget   = 20 * time.Second
	defaultPollInterval = 2 * time.Second
	defaultCancelSettle = 2 * time.Second
	minimumSellLimit    = 0.05
)

// Broker rejection text indicating our quantity view is stale.
var quantityMismatchHints = []string{
	"more shares than your current short position",
	"exceeds your current position",
	"insufficient share quantity",
}

// fullSyncer re-mirrors positions, orders, and balances after a fill.
type fullSyncer interface {
	SyncAll(ctx context.Context) error
}

// Engine executes exits one trade at a time.
type Engine struct {
	broker   broker.Broker
	store    storage.Interface
	lc       *lifecycle.Controller
	risk     *risk.Manager
	syncer   fullSyncer
	notify   notify.Notifier
	clock    *marketclock.Clock
	orderTag string
	log      zerolog.Logger

	pollBudget   time.Duration
	pollInterval time.Duration
	cancelSettle time.Duration
}

func New(b broker.Broker, store storage.Interface, lc *lifecycle.Controller, rm *risk.Manager,
	sync fullSyncer, n notify.Notifier, clock *marketclock.Clock, orderTag string, log zerolog.Logger) *Engine {
	return &Engine{
		broker:       b,
		store:        store,
		lc:           lc,
		risk:         rm,
		syncer:       sync,
		notify:       n,
		clock:        clock,
		orderTag:     orderTag,
		log:          log.With().Str("component", "exit").Logger(),
		pollBudget:   defaultPollBudget,
		pollInterval: defaultPollInterval,
		cancelSettle: defaultCancelSettle,
	}
}

// Execute runs the full close sequence for one plan.
func (e *Engine) Execute(ctx context.Context, plan monitor.Plan) error {
	t := plan.Trade
	d := plan.Decision
	now := e.clock.NowET()

	e.log.Info().
		Str("trade_id", t.ID).
		Str("trigger", string(d.Trigger)).
		Float64("mark", d.Mark).
		Msg("Executing exit")

	if err := e.cancelOpenCloseOrders(ctx, t); err != nil {
		return fmt.Errorf("cancel close orders: %w", err)
	}

	shortAvail, longAvail, err := e.availableQuantities(ctx, t)
	if err != nil {
		return fmt.Errorf("compute available quantities: %w", err)
	}
	if shortAvail == 0 && longAvail == 0 {
		return e.reconcileBrokerFlat(ctx, t, now)
	}
	if d.Trigger == monitor.TriggerBrokerFlat {
		// The mirror said flat but the broker still holds legs. Leave the
		// trade alone; the next cycle re-evaluates after a fresh sync.
		e.log.Warn().Str("trade_id", t.ID).Msg("Stale flat signal, broker still holds legs")
		return nil
	}

	quantity := min(shortAvail, longAvail)
	if quantity <= 0 {
		// One-sided position; single-leg market close of whatever remains.
		return e.singleLegFallback(ctx, t, max(shortAvail, longAvail), d, now)
	}

	limit := e.closeLimit(t, d, normalSlippage)
	order, err := e.submitClose(ctx, t, quantity, limit)
	if err != nil {
		return err
	}

	if order.Status == models.OrderRejected {
		if isQuantityMismatch(order.ReasonText) {
			return e.freshQuantitiesRetry(ctx, t, d, now)
		}
		e.log.Warn().Str("reason", order.ReasonText).Msg("Multileg close rejected, falling back to single legs")
		return e.singleLegFallback(ctx, t, quantity, d, now)
	}

	if err := e.lc.MarkExitSubmitted(t, order.ID); err != nil {
		return err
	}
	e.notify.Notify("EXIT_SUBMITTED", fmt.Sprintf("%s %s close x%d @ %.2f (%s)",
		t.Symbol, t.Strategy, quantity, limit, d.Trigger))

	filled, fillPrice := e.pollFill(ctx, order.ID)
	if !filled {
		// One retry at wider slippage before giving up.
		if err := e.broker.CancelOrder(ctx, order.ID); err != nil {
			e.log.Warn().Err(err).Str("order_id", order.ID).Msg("Cancel of stalled close failed")
		}
		retryLimit := e.closeLimit(t, d, retrySlippage)
		retry, err := e.submitClose(ctx, t, quantity, retryLimit)
		if err != nil || retry.Status == models.OrderRejected {
			return e.lc.MarkExitExhausted(t, models.ExitReasonMaxAttempts)
		}
		t.BrokerOrderIDClose = retry.ID
		if uerr := e.store.UpdateTrade(t); uerr != nil {
			return uerr
		}
		filled, fillPrice = e.pollFill(ctx, retry.ID)
		if !filled {
			return e.lc.MarkExitExhausted(t, models.ExitReasonMaxAttempts)
		}
	}

	return e.finalize(ctx, t, d, fillPrice, now)
}

// reconcileBrokerFlat closes a trade the broker no longer holds. PnL comes
// from the gain/loss report when the legs are found there; it is never
// synthesized.
func (e *Engine) reconcileBrokerFlat(ctx context.Context, t *models.Trade, now time.Time) error {
	var exitPrice, realized *float64

	items, err := e.broker.GetGainLoss(ctx, now.Add(-gainLossLookback), now)
	if err != nil {
		e.log.Warn().Err(err).Str("trade_id", t.ID).Msg("Gain/loss lookup failed, estimating exit from max profit")
		est := maxProfitExit(t)
		exitPrice = &est
	} else {
		total, found := legGainLoss(items, t)
		if found {
			px := t.EntryPrice - total/float64(t.Quantity)/100
			if !t.Strategy.IsCredit() {
				px = t.EntryPrice + total/float64(t.Quantity)/100
			}
			px = math.Max(px, 0)
			exitPrice = &px
			realized = &total
		} else {
			zero := 0.0
			exitPrice = &zero
		}
	}

	if err := e.lc.MarkBrokerFlat(t, exitPrice, realized, now); err != nil {
		return err
	}
	e.notify.Notify("EXIT_FILLED", fmt.Sprintf("%s %s reconciled broker-flat", t.Symbol, t.Strategy))
	return nil
}

// freshQuantitiesRetry re-reads positions, re-cancels, and resubmits once.
func (e *Engine) freshQuantitiesRetry(ctx context.Context, t *models.Trade, d monitor.Decision, now time.Time) error {
	e.log.Warn().Str("trade_id", t.ID).Msg("Quantity mismatch rejection, retrying with fresh quantities")

	if err := e.cancelOpenCloseOrders(ctx, t); err != nil {
		return fmt.Errorf("re-cancel close orders: %w", err)
	}
	shortAvail, longAvail, err := e.availableQuantities(ctx, t)
	if err != nil {
		return fmt.Errorf("re-read positions: %w", err)
	}
	if shortAvail == 0 && longAvail == 0 {
		return e.reconcileBrokerFlat(ctx, t, now)
	}
	quantity := min(shortAvail, longAvail)
	if quantity <= 0 {
		return e.singleLegFallback(ctx, t, max(shortAvail, longAvail), d, now)
	}

	order, err := e.submitClose(ctx, t, quantity, e.closeLimit(t, d, retrySlippage))
	if err != nil {
		return err
	}
	if order.Status == models.OrderRejected {
		return e.exhaust(t, order.ID, models.ExitReasonQtyMismatch)
	}
	if err := e.lc.MarkExitSubmitted(t, order.ID); err != nil {
		return err
	}
	filled, fillPrice := e.pollFill(ctx, order.ID)
	if !filled {
		return e.lc.MarkExitExhausted(t, models.ExitReasonQtyMismatch)
	}
	return e.finalize(ctx, t, d, fillPrice, now)
}

// singleLegFallback flattens each leg with its own market-style close and
// prices the exit as the net of the leg fills, keeping the realized PnL
// formula consistent with spread fills.
func (e *Engine) singleLegFallback(ctx context.Context, t *models.Trade, quantity int, d monitor.Decision, now time.Time) error {
	if quantity <= 0 {
		quantity = t.Quantity
	}
	tag := util.NewClientOrderID(e.orderTag)

	shortOrder, err := e.broker.PlaceSingleLegCloseOrder(ctx, t.ShortSymbol(), quantity, true, 0, tag+"-S")
	if err != nil {
		// Nothing was submitted; the next monitor cycle re-triggers.
		return fmt.Errorf("single-leg short close: %w", err)
	}
	e.recordExitOrder(t, tag+"-S", shortOrder)
	if err := e.lc.MarkExitSubmitted(t, shortOrder.ID); err != nil {
		return err
	}
	longOrder, err := e.broker.PlaceSingleLegCloseOrder(ctx, t.LongSymbol(), quantity, false, 0, tag+"-L")
	if err != nil {
		e.log.Error().Err(err).Str("trade_id", t.ID).Msg("Long leg close failed after short was submitted")
		return e.lc.MarkExitExhausted(t, models.ExitReasonMaxAttempts)
	}
	e.recordExitOrder(t, tag+"-L", longOrder)

	shortFilled, shortPx := e.pollFill(ctx, shortOrder.ID)
	longFilled, longPx := e.pollFill(ctx, longOrder.ID)
	if !shortFilled || !longFilled {
		return e.lc.MarkExitExhausted(t, models.ExitReasonMaxAttempts)
	}

	// Net close price of the spread from the individual leg fills.
	fill := shortPx - longPx
	if !t.Strategy.IsCredit() {
		fill = longPx - shortPx
	}
	return e.finalize(ctx, t, d, math.Max(fill, 0), now)
}

// exhaust routes a trade to EXIT_ERROR through CLOSING_PENDING, recording
// the last broker order involved.
func (e *Engine) exhaust(t *models.Trade, lastOrderID string, reason models.ExitReason) error {
	if t.Status != models.StatusClosingPending {
		if err := e.lc.MarkExitSubmitted(t, lastOrderID); err != nil {
			return err
		}
	}
	return e.lc.MarkExitExhausted(t, reason)
}

func (e *Engine) finalize(ctx context.Context, t *models.Trade, d monitor.Decision, fillPrice float64, now time.Time) error {
	if err := e.lc.MarkExitFilled(t, fillPrice, models.ExitReasonNormal, now); err != nil {
		return err
	}
	if d.Trigger == monitor.TriggerEmergency {
		e.risk.RecordEmergencyExit(now)
		day := now.Format("2006-01-02")
		if err := e.store.UpsertDailySummary(day, 0, 0, 0, 1); err != nil {
			e.log.Error().Err(err).Msg("Failed to bump emergency exit summary")
		}
	}
	e.notify.Notify("EXIT_FILLED", fmt.Sprintf("%s %s closed @ %.2f (%s)",
		t.Symbol, t.Strategy, fillPrice, d.Trigger))

	if err := e.syncer.SyncAll(ctx); err != nil {
		e.log.Error().Err(err).Msg("Post-exit sync failed")
	}
	return nil
}

// cancelOpenCloseOrders cancels any open order touching the trade's legs
// and waits for the cancellations to settle.
func (e *Engine) cancelOpenCloseOrders(ctx context.Context, t *models.Trade) error {
	open, err := e.broker.GetOpenOrders(ctx)
	if err != nil {
		return err
	}
	cancelled := 0
	for _, o := range open {
		if !touchesLegs(&o, t) {
			continue
		}
		if err := e.broker.CancelOrder(ctx, o.ID); err != nil {
			return fmt.Errorf("cancel order %s: %w", o.ID, err)
		}
		cancelled++
	}
	if cancelled > 0 {
		e.log.Info().Int("cancelled", cancelled).Str("trade_id", t.ID).Msg("Cancelled lingering close orders")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cancelSettle):
		}
	}
	return nil
}

// availableQuantities is broker position size minus quantity already
// enqueued in open close orders, per leg.
func (e *Engine) availableQuantities(ctx context.Context, t *models.Trade) (shortAvail, longAvail int, err error) {
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, p := range positions {
		switch p.Symbol {
		case t.ShortSymbol():
			shortAvail = -p.Quantity
		case t.LongSymbol():
			longAvail = p.Quantity
		}
	}

	open, err := e.broker.GetOpenOrders(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, o := range open {
		for _, leg := range o.Legs {
			switch leg.OptionSymbol {
			case t.ShortSymbol():
				if strings.HasSuffix(leg.Side, "to_close") {
					shortAvail -= leg.Quantity
				}
			case t.LongSymbol():
				if strings.HasSuffix(leg.Side, "to_close") {
					longAvail -= leg.Quantity
				}
			}
		}
	}
	return max(shortAvail, 0), max(longAvail, 0), nil
}

func (e *Engine) submitClose(ctx context.Context, t *models.Trade, quantity int, limit float64) (*broker.Order, error) {
	tag := util.NewClientOrderID(e.orderTag)
	order, err := e.broker.PlaceSpreadOrder(ctx, broker.SpreadOrderRequest{
		Symbol:      t.Symbol,
		Expiration:  t.Expiration,
		Strategy:    t.Strategy,
		ShortStrike: t.ShortStrike,
		LongStrike:  t.LongStrike,
		Quantity:    quantity,
		LimitPrice:  util.RoundToTick(limit, 0.01),
		Closing:     true,
		Tag:         tag,
	})
	if err != nil {
		return nil, fmt.Errorf("submit close: %w", err)
	}
	e.recordExitOrder(t, tag, order)
	return order, nil
}

// recordExitOrder persists the local row for a submitted close order. The
// close itself already happened; a persistence failure is logged, not
// surfaced.
func (e *Engine) recordExitOrder(t *models.Trade, clientOrderID string, o *broker.Order) {
	now := time.Now().UTC()
	row := &models.Order{
		ID:             uuid.NewString(),
		ProposalID:     t.ProposalID,
		TradeID:        t.ID,
		ClientOrderID:  clientOrderID,
		TradierOrderID: o.ID,
		Side:           models.OrderSideExit,
		Status:         o.Status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateOrder(row); err != nil {
		e.log.Error().Err(err).Str("order_id", o.ID).Msg("Failed to persist close order row")
	}
}

// closeLimit prices the close order. Credit spreads close as a debit
// (pay up to flatten); debit spreads close as a sell (accept down).
// Emergencies and untrustworthy marks use a protective limit that
// guarantees flattening.
func (e *Engine) closeLimit(t *models.Trade, d monitor.Decision, slippage float64) float64 {
	if d.Trigger == monitor.TriggerEmergency || !d.MarkTrusted {
		if t.Strategy.IsCredit() {
			return models.SpreadWidth + emergencyCushion
		}
		return minimumSellLimit
	}
	if t.Strategy.IsCredit() {
		return d.Mark + slippage
	}
	return math.Max(d.Mark-slippage, minimumSellLimit)
}

// pollFill watches one order inside the poll budget.
func (e *Engine) pollFill(ctx context.Context, orderID string) (filled bool, fillPrice float64) {
	deadline := time.Now().Add(e.pollBudget)
	var lastStatus models.OrderStatus
	for {
		o, err := e.broker.GetOrder(ctx, orderID)
		if err != nil {
			e.log.Warn().Err(err).Str("order_id", orderID).Msg("Fill poll failed")
		} else {
			if o.Status != lastStatus {
				e.log.Info().Str("order_id", orderID).Str("status", string(o.Status)).Msg("Close order status")
				lastStatus = o.Status
			}
			switch o.Status {
			case models.OrderFilled:
				return true, o.AvgFillPrice
			case models.OrderRejected, models.OrderCancelled:
				return false, 0
			}
		}
		if time.Now().After(deadline) {
			return false, 0
		}
		select {
		case <-ctx.Done():
			return false, 0
		case <-time.After(e.pollInterval):
		}
	}
}

func legGainLoss(items []broker.GainLossItem, t *models.Trade) (total float64, found bool) {
	for _, it := range items {
		if it.Symbol == t.ShortSymbol() || it.Symbol == t.LongSymbol() {
			total += it.GainLoss
			found = true
		}
	}
	return total, found
}

// maxProfitExit is the close price if the spread expired at max profit.
func maxProfitExit(t *models.Trade) float64 {
	if t.Strategy.IsCredit() {
		return 0
	}
	return models.SpreadWidth
}

func touchesLegs(o *broker.Order, t *models.Trade) bool {
	for _, leg := range o.Legs {
		if leg.OptionSymbol == t.ShortSymbol() || leg.OptionSymbol == t.LongSymbol() {
			return true
		}
	}
	return false
}

func isQuantityMismatch(reason string) bool {
	lower := strings.ToLower(reason)
	for _, h := range quantityMismatchHints {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}
