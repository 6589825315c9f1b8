// Package syncer pulls positions, orders, and balances from the broker and
// reconciles the local state against them. The broker is canonical: the
// position mirror is overwritten whole, and terminal order statuses drive
// trade transitions through the lifecycle controller.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gekkoworks/spreadbot/internal/broker"
	"github.com/gekkoworks/spreadbot/internal/lifecycle"
	"github.com/gekkoworks/spreadbot/internal/models"
	"github.com/gekkoworks/spreadbot/internal/storage"
)

// Order sync window bounds in days. The settings row may ask for anything;
// the effective window is clamped into this range.
const (
	minOrderWindowDays     = 2
	defaultOrderWindowDays = 7
)

// Engine runs the three sync streams and publishes freshness timestamps.
type Engine struct {
	broker    broker.Broker
	store     storage.Interface
	lifecycle *lifecycle.Controller
	orderTag  string
	log       zerolog.Logger
	now       func() time.Time
}

func New(b broker.Broker, store storage.Interface, lc *lifecycle.Controller, orderTag string, log zerolog.Logger) *Engine {
	return &Engine{
		broker:    b,
		store:     store,
		lifecycle: lc,
		orderTag:  orderTag,
		log:       log.With().Str("component", "syncer").Logger(),
		now:       time.Now,
	}
}

// WithNow overrides the clock for tests.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.now = now
	return e
}

// SyncAll runs positions, orders, and balances in parallel. Any stream
// failing fails the whole call; callers abort their cycle on error.
func (e *Engine) SyncAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.SyncPositions(ctx) })
	g.Go(func() error { return e.SyncOrders(ctx) })
	g.Go(func() error { return e.SyncBalances(ctx) })
	return g.Wait()
}

// SyncPositions overwrites the portfolio mirror with the broker's current
// option positions under a fresh snapshot id.
func (e *Engine) SyncPositions(ctx context.Context) error {
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}

	now := e.now()
	snapshotID := uuid.NewString()
	rows := make([]models.PortfolioPosition, 0, len(positions))
	for _, p := range positions {
		row, err := models.NewPortfolioPosition(p.Symbol, p.Quantity, p.CostBasis, snapshotID, now)
		if err != nil {
			// Equity and other non-option holdings share the account.
			e.log.Debug().Str("symbol", p.Symbol).Msg("Skipping non-option position")
			continue
		}
		rows = append(rows, *row)
	}

	if err := e.store.ReplacePositions(snapshotID, rows); err != nil {
		return fmt.Errorf("replace position mirror: %w", err)
	}
	if err := e.store.SetSyncTimestamp(storage.KeyLastPositionsSync, now); err != nil {
		return fmt.Errorf("record positions sync time: %w", err)
	}
	e.log.Debug().Int("positions", len(rows)).Str("snapshot_id", snapshotID).Msg("Position mirror refreshed")
	return nil
}

// SyncOrders fetches the recent order window, updates local order rows,
// reconciles terminal entry statuses onto trades, and backfills missing
// entry order ids from tagged broker orders.
func (e *Engine) SyncOrders(ctx context.Context) error {
	now := e.now()
	window := e.orderWindowDays()
	start := now.AddDate(0, 0, -window)

	orders, err := e.broker.GetAllOrders(ctx, start, now)
	if err != nil {
		return fmt.Errorf("fetch orders: %w", err)
	}

	for i := range orders {
		if err := e.reconcileOrder(&orders[i], now); err != nil {
			e.log.Error().Err(err).Str("order_id", orders[i].ID).Msg("Order reconciliation failed")
		}
	}
	if err := e.backfillEntryOrderIDs(orders); err != nil {
		e.log.Error().Err(err).Msg("Entry order id backfill failed")
	}

	if err := e.store.SetSyncTimestamp(storage.KeyLastOrdersSync, now); err != nil {
		return fmt.Errorf("record orders sync time: %w", err)
	}
	return nil
}

// SyncBalances records an account snapshot.
func (e *Engine) SyncBalances(ctx context.Context) error {
	bal, err := e.broker.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("fetch balances: %w", err)
	}
	snap := storage.AccountSnapshot{
		Cash:              bal.TotalCash,
		BuyingPower:       bal.OptionBuyingPower,
		Equity:            bal.TotalEquity,
		MarginRequirement: bal.MarginRequirement,
	}
	if err := e.store.RecordAccountSnapshot(snap); err != nil {
		return fmt.Errorf("record account snapshot: %w", err)
	}
	if err := e.store.SetSyncTimestamp(storage.KeyLastBalancesSync, e.now()); err != nil {
		return fmt.Errorf("record balances sync time: %w", err)
	}
	return nil
}

func (e *Engine) orderWindowDays() int {
	days := e.store.GetSettingInt(storage.KeyOrderSyncWindowDays, defaultOrderWindowDays)
	if days < minOrderWindowDays {
		days = minOrderWindowDays
	}
	if days > defaultOrderWindowDays {
		days = defaultOrderWindowDays
	}
	return days
}

// reconcileOrder pushes a broker order's status onto the local order row
// and, for entry orders, onto the owning trade.
func (e *Engine) reconcileOrder(o *broker.Order, now time.Time) error {
	if local, err := e.store.GetOrderByTradierID(o.ID); err == nil {
		if local.Status != o.Status {
			local.Status = o.Status
			local.AvgFillPrice = o.AvgFillPrice
			local.FilledQty = o.ExecQuantity
			local.RemainingQty = o.RemainingQty
			local.UpdatedAt = now
			if err := e.store.UpdateOrder(local); err != nil {
				return fmt.Errorf("update order %s: %w", local.ID, err)
			}
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	trade, err := e.store.GetTradeByEntryOrderID(o.ID)
	if err == nil {
		if trade.Status != models.StatusEntryPending {
			return nil
		}
		switch o.Status {
		case models.OrderFilled:
			return e.lifecycle.MarkEntryFilled(trade, o.AvgFillPrice, now)
		case models.OrderRejected:
			return e.lifecycle.MarkEntryFailed(trade, models.ConditionEntryRejected, o.ReasonText)
		case models.OrderCancelled:
			return e.lifecycle.MarkEntryFailed(trade, models.ConditionEntryCancelled, o.ReasonText)
		}
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	// Close orders that went terminal while no poller was watching settle
	// here: fills close the trade, dead orders park it in EXIT_ERROR so the
	// next monitor cycle re-enters it. Working close orders stay with the
	// exit engine.
	trade, err = e.store.GetTradeByExitOrderID(o.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if trade.Status != models.StatusClosingPending {
		return nil
	}
	switch o.Status {
	case models.OrderFilled:
		e.log.Info().
			Str("trade_id", trade.ID).
			Str("order_id", o.ID).
			Float64("fill_price", o.AvgFillPrice).
			Msg("Settled close fill from order sync")
		return e.lifecycle.MarkExitFilled(trade, o.AvgFillPrice, models.ExitReasonNormal, now)
	case models.OrderCancelled, models.OrderRejected:
		e.log.Warn().
			Str("trade_id", trade.ID).
			Str("order_id", o.ID).
			Str("order_status", string(o.Status)).
			Msg("Close order died without a fill, parking trade for exit retry")
		return e.lifecycle.MarkExitExhausted(trade, models.ExitReasonCloseUnfilled)
	}
	return nil
}

// backfillEntryOrderIDs links trades that lost their entry order id to
// tagged broker orders whose legs match the trade's exact spread.
func (e *Engine) backfillEntryOrderIDs(orders []broker.Order) error {
	trades, err := e.store.GetTradesByStatus(models.StatusEntryPending, models.StatusOpen)
	if err != nil {
		return err
	}
	for i := range trades {
		t := &trades[i]
		if t.BrokerOrderIDOpen != "" {
			continue
		}
		for j := range orders {
			o := &orders[j]
			if !e.isOurs(o) || !matchesSpread(o, t) {
				continue
			}
			t.BrokerOrderIDOpen = o.ID
			if err := e.store.UpdateTrade(t); err != nil {
				return fmt.Errorf("backfill trade %s: %w", t.ID, err)
			}
			e.log.Info().Str("trade_id", t.ID).Str("order_id", o.ID).Msg("Backfilled entry order id")
			break
		}
	}
	return nil
}

// CleanupOrphans cancels non-terminal broker orders that carry our tag but
// are unknown to local state. Untagged orders are assumed to be manual and
// left alone.
func (e *Engine) CleanupOrphans(ctx context.Context) (int, error) {
	open, err := e.broker.GetOpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch open orders: %w", err)
	}

	cancelled := 0
	for i := range open {
		o := &open[i]
		if !e.isOurs(o) {
			continue
		}
		known, err := e.isKnown(o.ID)
		if err != nil {
			return cancelled, err
		}
		if known {
			continue
		}
		if err := e.broker.CancelOrder(ctx, o.ID); err != nil {
			e.log.Error().Err(err).Str("order_id", o.ID).Msg("Failed to cancel orphaned order")
			continue
		}
		e.log.Warn().Str("order_id", o.ID).Str("tag", o.Tag).Msg("Cancelled orphaned tagged order")
		e.store.LogSystem("ORPHAN_CANCELLED", "cancelled orphaned tagged order", fmt.Sprintf(`{"order_id": %q}`, o.ID))
		cancelled++
	}

	if err := e.store.SetSyncTimestamp(storage.KeyLastOrphanCleanupRun, e.now()); err != nil {
		return cancelled, fmt.Errorf("record orphan cleanup time: %w", err)
	}
	return cancelled, nil
}

func (e *Engine) isOurs(o *broker.Order) bool {
	return e.orderTag != "" && strings.HasPrefix(o.Tag, e.orderTag)
}

// isKnown reports whether any local order or trade references the broker
// order id.
func (e *Engine) isKnown(brokerOrderID string) (bool, error) {
	if _, err := e.store.GetOrderByTradierID(brokerOrderID); err == nil {
		return true, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	if _, err := e.store.GetTradeByEntryOrderID(brokerOrderID); err == nil {
		return true, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	// A working close order may be referenced only by the trade; cancelling
	// it would strip a CLOSING_PENDING trade of its protective exit.
	if _, err := e.store.GetTradeByExitOrderID(brokerOrderID); err == nil {
		return true, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	return false, nil
}

// matchesSpread reports whether a multileg order's legs are exactly the
// trade's short and long symbols with entry sides.
func matchesSpread(o *broker.Order, t *models.Trade) bool {
	if len(o.Legs) != 2 {
		return false
	}
	shortSym, longSym := t.ShortSymbol(), t.LongSymbol()
	var sawShort, sawLong bool
	for _, leg := range o.Legs {
		switch leg.OptionSymbol {
		case shortSym:
			sawShort = leg.Side == "sell_to_open"
		case longSym:
			sawLong = leg.Side == "buy_to_open"
		default:
			return false
		}
	}
	return sawShort && sawLong
}
