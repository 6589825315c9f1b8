// Package monitor marks open spreads against fresh quotes and runs the
// exit rule ladder. It decides; the exit engine executes.
package monitor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/gekkoworks/spreadbot/internal/broker"
	"github.com/gekkoworks/spreadbot/internal/config"
	"github.com/gekkoworks/spreadbot/internal/lifecycle"
	"github.com/gekkoworks/spreadbot/internal/marketclock"
	"github.com/gekkoworks/spreadbot/internal/models"
	"github.com/gekkoworks/spreadbot/internal/notify"
	"github.com/gekkoworks/spreadbot/internal/storage"
)

// Trigger names which exit rule fired, if any.
type Trigger string

const (
	TriggerNone         Trigger = "NONE"
	TriggerEmergency    Trigger = "EMERGENCY"
	TriggerTimeExit     Trigger = "TIME_EXIT"
	TriggerStopLoss     Trigger = "STOP_LOSS"
	TriggerTrailProfit  Trigger = "TRAIL_PROFIT"
	TriggerProfitTarget Trigger = "PROFIT_TARGET"
	TriggerIVCrush      Trigger = "IV_CRUSH_EXIT"
	TriggerLowValue     Trigger = "LOW_VALUE_CLOSE"
	// TriggerBrokerFlat routes trades whose legs both vanished from the
	// mirror to broker-flat reconciliation.
	TriggerBrokerFlat Trigger = "BROKER_FLAT"
	// TriggerExitRetry re-enters trades stranded in EXIT_ERROR.
	TriggerExitRetry Trigger = "EXIT_RETRY"
)

// Per-leg quote sanity limit. A wider relative spread means the mark
// cannot be trusted for rule evaluation.
const maxLegSpreadPct = 0.35

const (
	defaultProfitTarget    = 0.50
	defaultStopLossCredit  = 0.50
	defaultStopLossDebit   = 0.65
	defaultTimeExitDTE     = 7
	defaultTimeExitCutoff  = "15:30"
	defaultIVCrushThresh   = 0.85
	defaultIVCrushMinPnL   = 0.15
	defaultTrailArm        = 0.25
	defaultTrailGiveback   = 0.10
	defaultLowValueFloor   = 0.05
	adverseLossFraction    = 0.75
)

// Decision is the outcome of one ladder evaluation.
type Decision struct {
	Trigger     Trigger
	Mark        float64
	MarkTrusted bool
	PnLFraction float64
	Reason      string
}

// Plan pairs a trade with the decision the exit engine should act on.
type Plan struct {
	Trade    *models.Trade
	Decision Decision
}

type closeRules struct {
	profitTarget   float64
	stopLossCredit float64
	stopLossDebit  float64
	timeExitDTE    int
	timeExitCutoff string
	ivCrushThresh  float64
	ivCrushMinPnL  float64
	trailArm       float64
	trailGiveback  float64
	lowValueFloor  float64
}

func (r closeRules) stopLoss(strategy models.Strategy) float64 {
	if strategy.IsCredit() {
		return r.stopLossCredit
	}
	return r.stopLossDebit
}

// Engine evaluates OPEN trades each monitor cycle.
type Engine struct {
	broker broker.Broker
	store  storage.Interface
	lc     *lifecycle.Controller
	clock  *marketclock.Clock
	mode   config.Mode
	notify notify.Notifier
	log    zerolog.Logger
}

func New(b broker.Broker, store storage.Interface, lc *lifecycle.Controller,
	clock *marketclock.Clock, mode config.Mode, log zerolog.Logger) *Engine {
	return &Engine{
		broker: b,
		store:  store,
		lc:     lc,
		clock:  clock,
		mode:   mode,
		notify: notify.Noop{},
		log:    log.With().Str("component", "monitor").Logger(),
	}
}

// WithNotifier routes structural-break alerts to n.
func (e *Engine) WithNotifier(n notify.Notifier) *Engine {
	e.notify = n
	return e
}

// Run evaluates every OPEN trade and collects non-NONE plans for the exit
// engine, plus retry plans for trades stuck in EXIT_ERROR. Structural
// validation runs first; an invalidated trade is never handed to the exit
// engine.
func (e *Engine) Run(ctx context.Context) ([]Plan, error) {
	now := e.clock.NowET()
	rules := e.loadRules()
	chains := make(map[string][]broker.OptionQuote)

	open, err := e.store.GetTradesByStatus(models.StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("load open trades: %w", err)
	}

	var plans []Plan
	for i := range open {
		t := &open[i]
		res, err := e.lc.ValidateOpenTrade(t, now)
		if err != nil {
			e.log.Error().Err(err).Str("trade_id", t.ID).Msg("Structural validation errored")
			continue
		}
		if res == lifecycle.ValidationInvalidated {
			e.notify.Notify("STRUCTURE_BROKEN",
				fmt.Sprintf("%s %s invalidated, operator intervention required", t.Symbol, t.Strategy))
			continue
		}
		if res == lifecycle.ValidationBrokerFlat {
			// No legs left to mark; the exit engine reconciles and closes.
			plans = append(plans, Plan{Trade: t, Decision: Decision{
				Trigger: TriggerBrokerFlat,
				Reason:  "both legs gone from portfolio mirror",
			}})
			continue
		}

		d, err := e.evaluate(ctx, t, now, rules, chains)
		if err != nil {
			e.log.Error().Err(err).Str("trade_id", t.ID).Msg("Trade evaluation failed")
			continue
		}
		e.log.Debug().
			Str("trade_id", t.ID).
			Str("trigger", string(d.Trigger)).
			Float64("mark", d.Mark).
			Float64("pnl_fraction", d.PnLFraction).
			Msg("Ladder evaluated")
		if d.Trigger != TriggerNone {
			plans = append(plans, Plan{Trade: t, Decision: d})
		}
	}

	retryPlans, err := e.retryPlans(ctx, now, chains)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to collect exit retries")
	} else {
		plans = append(plans, retryPlans...)
	}

	if err := e.store.SetSyncTimestamp(storage.KeyLastMonitorRun, time.Now().UTC()); err != nil {
		e.log.Error().Err(err).Msg("Failed to record monitor heartbeat")
	}
	return plans, nil
}

// ReconcileQuantities aligns trade quantities with the portfolio mirror.
// Runs only after a successful positions sync. Bounds scale with the
// quantity; they are never recomputed from scratch.
func (e *Engine) ReconcileQuantities() error {
	open, err := e.store.GetTradesByStatus(models.StatusOpen)
	if err != nil {
		return fmt.Errorf("load open trades: %w", err)
	}
	for i := range open {
		t := &open[i]
		shortQty, longQty, err := e.mirrorQuantities(t)
		if err != nil {
			e.log.Warn().Err(err).Str("trade_id", t.ID).Msg("Quantity reconcile skipped")
			continue
		}
		brokerQty := min(-shortQty, longQty)
		// Zero on either side means broker-flat; the exit engine owns that.
		if brokerQty <= 0 || brokerQty == t.Quantity {
			continue
		}
		oldQty := t.Quantity
		t.ScaleQuantity(brokerQty)
		if err := e.store.UpdateTrade(t); err != nil {
			return fmt.Errorf("persist scaled quantity for %s: %w", t.ID, err)
		}
		e.log.Warn().
			Str("trade_id", t.ID).
			Int("old_quantity", oldQty).
			Int("broker_quantity", brokerQty).
			Msg("Trade quantity drifted, rescaled from mirror")
	}
	return nil
}

func (e *Engine) mirrorQuantities(t *models.Trade) (shortQty, longQty int, err error) {
	short, err := e.store.GetPositionBySymbol(t.ShortSymbol())
	if err != nil {
		return 0, 0, err
	}
	long, err := e.store.GetPositionBySymbol(t.LongSymbol())
	if err != nil {
		return 0, 0, err
	}
	return short.SignedQuantity(), long.SignedQuantity(), nil
}

// evaluate runs the ladder for one trade. First match wins.
func (e *Engine) evaluate(ctx context.Context, t *models.Trade, now time.Time,
	rules closeRules, chains map[string][]broker.OptionQuote) (Decision, error) {

	short, long, err := e.legs(ctx, t, chains)
	if err != nil {
		return Decision{}, err
	}

	mark, trusted := spreadMark(t, short, long)
	d := Decision{Trigger: TriggerNone, Mark: mark, MarkTrusted: trusted}

	if !trusted {
		// Only EMERGENCY may act on an untrustworthy mark, and only when
		// the best-effort mark is materially adverse.
		if mark > 0 && t.LossFraction(mark) >= adverseLossFraction {
			d.Trigger = TriggerEmergency
			d.Reason = fmt.Sprintf("quote integrity failed with adverse mark %.2f", mark)
		}
		return d, nil
	}

	pnlFrac := t.PnLFraction(mark)
	d.PnLFraction = pnlFrac

	if pnlFrac > t.MaxSeenProfitFraction {
		t.MaxSeenProfitFraction = pnlFrac
		if err := e.store.UpdateTrade(t); err != nil {
			return Decision{}, fmt.Errorf("persist max seen profit: %w", err)
		}
	}

	if t.DTE(now) <= rules.timeExitDTE {
		past, err := e.clock.AfterCutoff(now, rules.timeExitCutoff)
		if err != nil {
			e.log.Error().Err(err).Str("cutoff", rules.timeExitCutoff).Msg("Bad time exit cutoff")
		} else if past {
			d.Trigger = TriggerTimeExit
			d.Reason = fmt.Sprintf("DTE %d at or past %s ET", t.DTE(now), rules.timeExitCutoff)
			return d, nil
		}
	}

	if lf := t.LossFraction(mark); lf >= rules.stopLoss(t.Strategy) {
		d.Trigger = TriggerStopLoss
		d.Reason = fmt.Sprintf("loss fraction %.2f", lf)
		return d, nil
	}

	if t.MaxSeenProfitFraction >= rules.trailArm &&
		pnlFrac <= t.MaxSeenProfitFraction-rules.trailGiveback {
		d.Trigger = TriggerTrailProfit
		d.Reason = fmt.Sprintf("gave back %.2f from peak %.2f",
			t.MaxSeenProfitFraction-pnlFrac, t.MaxSeenProfitFraction)
		return d, nil
	}

	if pnlFrac >= rules.profitTarget {
		d.Trigger = TriggerProfitTarget
		d.Reason = fmt.Sprintf("pnl fraction %.2f", pnlFrac)
		return d, nil
	}

	if t.IVEntry > 0 && short.MidIV > 0 &&
		short.MidIV <= t.IVEntry*rules.ivCrushThresh &&
		pnlFrac >= rules.ivCrushMinPnL {
		d.Trigger = TriggerIVCrush
		d.Reason = fmt.Sprintf("IV %.3f vs entry %.3f", short.MidIV, t.IVEntry)
		return d, nil
	}

	if mark <= rules.lowValueFloor {
		d.Trigger = TriggerLowValue
		d.Reason = fmt.Sprintf("mark %.2f at or below floor %.2f", mark, rules.lowValueFloor)
		return d, nil
	}

	return d, nil
}

// retryPlans re-enters EXIT_ERROR trades into the exit engine with a
// fresh mark.
func (e *Engine) retryPlans(ctx context.Context, now time.Time,
	chains map[string][]broker.OptionQuote) ([]Plan, error) {

	stuck, err := e.store.GetTradesByStatus(models.StatusExitError)
	if err != nil {
		return nil, err
	}
	var plans []Plan
	for i := range stuck {
		t := &stuck[i]
		d := Decision{Trigger: TriggerExitRetry, Reason: "re-entering after prior exit failure"}
		short, long, err := e.legs(ctx, t, chains)
		if err != nil {
			e.log.Warn().Err(err).Str("trade_id", t.ID).Msg("No fresh mark for exit retry")
		} else {
			d.Mark, d.MarkTrusted = spreadMark(t, short, long)
		}
		plans = append(plans, Plan{Trade: t, Decision: d})
	}
	return plans, nil
}

func (e *Engine) legs(ctx context.Context, t *models.Trade,
	chains map[string][]broker.OptionQuote) (short, long *broker.OptionQuote, err error) {

	key := t.Symbol + "|" + t.Expiration.Format("2006-01-02")
	chain, ok := chains[key]
	if !ok {
		requireGreeks := e.mode != config.ModeSandboxPaper
		chain, err = e.broker.GetOptionChain(ctx, t.Symbol, t.Expiration, requireGreeks)
		if err != nil {
			return nil, nil, fmt.Errorf("chain for %s: %w", key, err)
		}
		chains[key] = chain
	}

	optType := t.Strategy.OptionType()
	for i := range chain {
		q := &chain[i]
		if q.OptionType != optType {
			continue
		}
		switch q.Strike {
		case t.ShortStrike:
			short = q
		case t.LongStrike:
			long = q
		}
	}
	if short == nil || long == nil {
		return nil, nil, fmt.Errorf("legs for %s missing from chain", t.ID)
	}
	return short, long, nil
}

// spreadMark prices the spread from leg mids, always positive magnitude.
// trusted is false when either leg's quote is stale, crossed, or too wide
// to price against.
func spreadMark(t *models.Trade, short, long *broker.OptionQuote) (mark float64, trusted bool) {
	if t.Strategy.IsCredit() {
		mark = short.Mid() - long.Mid()
	} else {
		mark = long.Mid() - short.Mid()
	}
	mark = math.Max(mark, 0)
	trusted = legTrusted(short) && legTrusted(long)
	return mark, trusted
}

func legTrusted(q *broker.OptionQuote) bool {
	if q.Bid <= 0 || q.Ask <= 0 || q.Ask < q.Bid {
		return false
	}
	mid := q.Mid()
	if mid <= 0 {
		return false
	}
	return (q.Ask-q.Bid)/mid <= maxLegSpreadPct
}

func (e *Engine) loadRules() closeRules {
	cutoff := defaultTimeExitCutoff
	if v, err := e.store.GetSetting(storage.KeyCloseTimeExitCutoff); err == nil && v != "" {
		cutoff = v
	}
	return closeRules{
		profitTarget:   e.store.GetSettingFloat(storage.KeyCloseProfitTarget, defaultProfitTarget),
		stopLossCredit: e.store.GetSettingFloat(storage.KeyCloseStopLoss, defaultStopLossCredit),
		stopLossDebit:  e.store.GetSettingFloat(storage.KeyCloseStopLoss, defaultStopLossDebit),
		timeExitDTE:    e.store.GetSettingInt(storage.KeyCloseTimeExitDTE, defaultTimeExitDTE),
		timeExitCutoff: cutoff,
		ivCrushThresh:  e.store.GetSettingFloat(storage.KeyCloseIVCrushThresh, defaultIVCrushThresh),
		ivCrushMinPnL:  e.store.GetSettingFloat(storage.KeyCloseIVCrushMinPnL, defaultIVCrushMinPnL),
		trailArm:       e.store.GetSettingFloat(storage.KeyCloseTrailArm, defaultTrailArm),
		trailGiveback:  e.store.GetSettingFloat(storage.KeyCloseTrailGiveback, defaultTrailGiveback),
		lowValueFloor:  e.store.GetSettingFloat(storage.KeyCloseLowValueFloor, defaultLowValueFloor),
	}
}
