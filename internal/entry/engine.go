// Package entry consumes READY proposals: re-validates them against fresh
// quotes, enforces the risk gates, submits the entry order, and tracks it
// to a fill.
package entry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gekkoworks/spreadbot/internal/broker"
	"github.com/gekkoworks/spreadbot/internal/config"
	"github.com/gekkoworks/spreadbot/internal/lifecycle"
	"github.com/gekkoworks/spreadbot/internal/marketclock"
	"github.com/gekkoworks/spreadbot/internal/models"
	"github.com/gekkoworks/spreadbot/internal/notify"
	"github.com/gekkoworks/spreadbot/internal/risk"
	"github.com/gekkoworks/spreadbot/internal/scoring"
	"github.com/gekkoworks/spreadbot/internal/storage"
	"github.com/gekkoworks/spreadbot/internal/util"
)

const (
	defaultMaxAgeMinutes = 30
	defaultDriftDollars  = 0.10

	fillPollBudget   = 30 * time.Second
	fillPollInterval = 2 * time.Second
)

// Rejection reasons the broker sends when the venue is simply closed.
// These are soft failures; the next market-hours cycle proceeds normally.
var benignRejections = []string{
	"market is closed",
	"market closed",
	"after hours",
	"extended hours",
}

// Engine turns proposals into trades.
type Engine struct {
	broker   broker.Broker
	store    storage.Interface
	risk     *risk.Manager
	scorer   *scoring.Engine
	lc       *lifecycle.Controller
	clock    *marketclock.Clock
	notify   notify.Notifier
	mode     config.Mode
	orderTag string
	log      zerolog.Logger

	pollBudget   time.Duration
	pollInterval time.Duration
}

func New(b broker.Broker, store storage.Interface, rm *risk.Manager, scorer *scoring.Engine,
	lc *lifecycle.Controller, clock *marketclock.Clock, n notify.Notifier,
	mode config.Mode, orderTag string, log zerolog.Logger) *Engine {
	return &Engine{
		broker:       b,
		store:        store,
		risk:         rm,
		scorer:       scorer,
		lc:           lc,
		clock:        clock,
		notify:       n,
		mode:         mode,
		orderTag:     orderTag,
		log:          log.With().Str("component", "entry").Logger(),
		pollBudget:   fillPollBudget,
		pollInterval: fillPollInterval,
	}
}

// Run processes every READY proposal sequentially. Order mutations are
// strictly one at a time.
func (e *Engine) Run(ctx context.Context) error {
	proposals, err := e.store.GetReadyProposals()
	if err != nil {
		return fmt.Errorf("load ready proposals: %w", err)
	}
	for i := range proposals {
		if err := e.Process(ctx, &proposals[i]); err != nil {
			e.log.Error().Err(err).Str("proposal_id", proposals[i].ID).Msg("Proposal processing failed")
		}
	}
	return nil
}

// Process takes one READY proposal through validation and submission.
func (e *Engine) Process(ctx context.Context, p *models.Proposal) error {
	now := e.clock.NowET()

	maxAge := time.Duration(e.store.GetSettingInt(storage.KeyProposalMaxAge, defaultMaxAgeMinutes)) * time.Minute
	if p.Age(now) > maxAge {
		return e.invalidate(p, fmt.Sprintf("proposal older than %s", maxAge))
	}

	snap, err := e.risk.Evaluate(now)
	if err != nil {
		return fmt.Errorf("risk snapshot: %w", err)
	}
	maxLoss := estimateMaxLoss(p.Strategy, p.CreditTarget, p.Quantity)
	if v := e.risk.CheckNewTrade(snap, p.Symbol, p.Expiration, maxLoss); v != nil {
		e.log.Info().Str("proposal_id", p.ID).Str("violation", v.Code).Msg("Entry blocked by risk gate")
		p.Outcome = models.OutcomeNotAttempted
		p.InvalidReason = v.Error()
		return e.store.UpdateProposal(p)
	}

	fresh, err := e.revalidate(ctx, p)
	if err != nil {
		var rej *revalidationError
		if errors.As(err, &rej) {
			return e.invalidate(p, rej.reason)
		}
		// Broker trouble: leave the proposal READY, retry next cycle.
		return fmt.Errorf("revalidation: %w", err)
	}

	if !e.risk.AutoModeEnabled() {
		e.log.Info().
			Str("proposal_id", p.ID).
			Str("symbol", p.Symbol).
			Float64("net_price", fresh.netPrice).
			Msg("Auto mode disabled, would place entry order")
		return nil
	}

	return e.submit(ctx, p, fresh, now)
}

// freshPricing is the re-validated entry pricing.
type freshPricing struct {
	netPrice   float64
	deltaShort float64
	deltaLong  float64
	shortIV    float64
}

type revalidationError struct{ reason string }

func (r *revalidationError) Error() string { return r.reason }

// revalidate re-fetches the chain and rejects on structural loss, price
// drift beyond tolerance, or fresh hard-filter failure.
func (e *Engine) revalidate(ctx context.Context, p *models.Proposal) (*freshPricing, error) {
	requireGreeks := e.mode != config.ModeSandboxPaper
	chain, err := e.broker.GetOptionChain(ctx, p.Symbol, p.Expiration, requireGreeks)
	if err != nil {
		return nil, err
	}

	var short, long *broker.OptionQuote
	optType := p.Strategy.OptionType()
	for i := range chain {
		q := &chain[i]
		if q.OptionType != optType {
			continue
		}
		switch q.Strike {
		case p.ShortStrike:
			short = q
		case p.LongStrike:
			long = q
		}
	}
	if short == nil || long == nil {
		return nil, &revalidationError{"leg vanished from chain"}
	}
	wantLong, err := p.Strategy.LongStrike(p.ShortStrike, p.Width)
	if err != nil || math.Abs(wantLong-p.LongStrike) > 1e-3 {
		return nil, &revalidationError{"strikes inconsistent with strategy"}
	}

	var netPrice float64
	if p.Strategy.IsCredit() {
		netPrice = short.Bid - long.Ask
	} else {
		netPrice = long.Ask - short.Bid
	}

	drift := e.store.GetSettingFloat(storage.KeyPriceDriftTolerance, defaultDriftDollars)
	if math.Abs(netPrice-p.CreditTarget) > drift {
		return nil, &revalidationError{
			fmt.Sprintf("price drifted %.2f -> %.2f (tolerance %.2f)", p.CreditTarget, netPrice, drift)}
	}

	m := scoring.Metrics{
		NetPrice:   netPrice,
		Width:      p.Width,
		POP:        1 - math.Abs(short.Delta),
		DeltaShort: short.Delta,
		DeltaLong:  long.Delta,
		IVR:        0.45, // hard filters below re-check price and delta; IVR was vetted at proposal time
		Skew:       short.MidIV - long.MidIV,
	}
	var rej *scoring.Rejection
	if p.Strategy.IsCredit() {
		_, rej = e.scorer.ScoreCredit(m)
	} else {
		_, rej = e.scorer.ScoreDebit(m)
	}
	if rej != nil {
		return nil, &revalidationError{fmt.Sprintf("fresh quote fails filters: %s", rej.Error())}
	}

	return &freshPricing{netPrice: netPrice, deltaShort: short.Delta, deltaLong: long.Delta, shortIV: short.MidIV}, nil
}

// submit consumes the proposal, creates the local rows, places the order,
// and polls for the fill.
func (e *Engine) submit(ctx context.Context, p *models.Proposal, fresh *freshPricing, now time.Time) error {
	quantity := p.Quantity
	if maxQty := e.store.GetSettingInt(storage.KeyMaxTradeQuantity, quantity); quantity > maxQty {
		quantity = maxQty
	}
	clientOrderID := util.NewClientOrderID(e.orderTag)

	if err := e.store.ConsumeProposal(p.ID, clientOrderID); err != nil {
		return fmt.Errorf("consume proposal: %w", err)
	}
	p.Status = models.ProposalConsumed
	p.ClientOrderID = clientOrderID

	trade := &models.Trade{
		ID:          uuid.NewString(),
		ProposalID:  p.ID,
		Symbol:      p.Symbol,
		Expiration:  p.Expiration,
		Strategy:    p.Strategy,
		Status:      models.StatusEntryPending,
		Origin:      models.OriginEngine,
		Managed:     true,
		ShortStrike: p.ShortStrike,
		LongStrike:  p.LongStrike,
		Width:       p.Width,
		Quantity:    quantity,
		EntryPrice:  fresh.netPrice,
		IVEntry:     fresh.shortIV,
		CreatedAt:   now,
	}
	if err := e.store.CreateTrade(trade); err != nil {
		return fmt.Errorf("create trade: %w", err)
	}

	order := &models.Order{
		ID:            uuid.NewString(),
		ProposalID:    p.ID,
		TradeID:       trade.ID,
		ClientOrderID: clientOrderID,
		Side:          models.OrderSideEntry,
		Status:        models.OrderPending,
		CreatedAt:     now,
	}
	if err := e.store.CreateOrder(order); err != nil {
		return fmt.Errorf("create order row: %w", err)
	}

	limit := util.RoundToTick(fresh.netPrice, 0.01)
	placed, err := e.broker.PlaceSpreadOrder(ctx, broker.SpreadOrderRequest{
		Symbol:      p.Symbol,
		Expiration:  p.Expiration,
		Strategy:    p.Strategy,
		ShortStrike: p.ShortStrike,
		LongStrike:  p.LongStrike,
		Quantity:    quantity,
		LimitPrice:  limit,
		Tag:         clientOrderID,
	})
	if err != nil {
		// Submission never happened: cancel the trade and surface the error.
		if terr := e.lc.MarkEntryFailed(trade, models.ConditionEntryRejected, err.Error()); terr != nil {
			e.log.Error().Err(terr).Str("trade_id", trade.ID).Msg("Failed to cancel trade after submit error")
		}
		p.Outcome = models.OutcomeRejected
		p.InvalidReason = err.Error()
		_ = e.store.UpdateProposal(p)
		if isBenignRejection(err.Error()) {
			e.log.Info().Str("proposal_id", p.ID).Str("reason", err.Error()).Msg("Entry rejected outside market hours")
			return nil
		}
		return fmt.Errorf("place entry order: %w", err)
	}

	trade.BrokerOrderIDOpen = placed.ID
	if err := e.store.UpdateTrade(trade); err != nil {
		return fmt.Errorf("record broker order id: %w", err)
	}
	order.TradierOrderID = placed.ID
	order.Status = placed.Status
	order.UpdatedAt = now
	if err := e.store.UpdateOrder(order); err != nil {
		return fmt.Errorf("record order submission: %w", err)
	}

	e.notify.Notify("ENTRY_SUBMITTED", fmt.Sprintf("%s %s %.0f/%.0f x%d @ %.2f",
		p.Symbol, p.Strategy, p.ShortStrike, p.LongStrike, quantity, limit))

	return e.trackFill(ctx, p, trade, order)
}

// trackFill polls the broker order until it fills, fails, or the budget
// runs out. A timed-out poll leaves the trade ENTRY_PENDING for the order
// sync to settle.
func (e *Engine) trackFill(ctx context.Context, p *models.Proposal, trade *models.Trade, order *models.Order) error {
	deadline := time.Now().Add(e.pollBudget)
	for {
		bo, err := e.broker.GetOrder(ctx, trade.BrokerOrderIDOpen)
		if err != nil {
			e.log.Warn().Err(err).Str("order_id", trade.BrokerOrderIDOpen).Msg("Fill poll failed")
		} else {
			order.Status = bo.Status
			order.AvgFillPrice = bo.AvgFillPrice
			order.FilledQty = bo.ExecQuantity
			order.RemainingQty = bo.RemainingQty
			order.UpdatedAt = time.Now()
			if uerr := e.store.UpdateOrder(order); uerr != nil {
				e.log.Error().Err(uerr).Msg("Failed to persist order poll")
			}

			switch bo.Status {
			case models.OrderFilled:
				if err := e.lc.MarkEntryFilled(trade, bo.AvgFillPrice, e.clock.NowET()); err != nil {
					return err
				}
				p.Outcome = models.OutcomeFilled
				if err := e.store.UpdateProposal(p); err != nil {
					return err
				}
				e.notify.Notify("ENTRY_FILLED", fmt.Sprintf("%s %s filled @ %.2f",
					trade.Symbol, trade.Strategy, bo.AvgFillPrice))
				return nil
			case models.OrderRejected:
				p.Outcome = models.OutcomeRejected
				p.InvalidReason = bo.ReasonText
				if err := e.store.UpdateProposal(p); err != nil {
					return err
				}
				if err := e.lc.MarkEntryFailed(trade, models.ConditionEntryRejected, bo.ReasonText); err != nil {
					return err
				}
				if isBenignRejection(bo.ReasonText) {
					e.log.Info().Str("reason", bo.ReasonText).Msg("Entry rejected outside market hours")
					return nil
				}
				return fmt.Errorf("entry order rejected: %s", bo.ReasonText)
			case models.OrderCancelled:
				p.Outcome = models.OutcomeRejected
				p.InvalidReason = "cancelled"
				if err := e.store.UpdateProposal(p); err != nil {
					return err
				}
				return e.lc.MarkEntryFailed(trade, models.ConditionEntryCancelled, bo.ReasonText)
			}
		}

		if time.Now().After(deadline) {
			e.log.Warn().Str("trade_id", trade.ID).Msg("Fill poll budget exhausted, order sync will settle it")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}

func (e *Engine) invalidate(p *models.Proposal, reason string) error {
	p.Status = models.ProposalInvalidated
	p.Outcome = models.OutcomeInvalidated
	p.InvalidReason = reason
	e.log.Info().Str("proposal_id", p.ID).Str("reason", reason).Msg("Proposal invalidated")
	return e.store.UpdateProposal(p)
}

func isBenignRejection(reason string) bool {
	lower := strings.ToLower(reason)
	for _, b := range benignRejections {
		if strings.Contains(lower, b) {
			return true
		}
	}
	return false
}

func estimateMaxLoss(strategy models.Strategy, netPrice float64, quantity int) float64 {
	mult := float64(quantity) * 100
	if strategy.IsCredit() {
		return (models.SpreadWidth - netPrice) * mult
	}
	return netPrice * mult
}
