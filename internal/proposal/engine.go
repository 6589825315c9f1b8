// Package proposal scans chains for spread candidates and persists the
// best scorer per bucket as a READY proposal for the entry engine.
package proposal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gekkoworks/spreadbot/internal/broker"
	"github.com/gekkoworks/spreadbot/internal/config"
	"github.com/gekkoworks/spreadbot/internal/marketclock"
	"github.com/gekkoworks/spreadbot/internal/models"
	"github.com/gekkoworks/spreadbot/internal/notify"
	"github.com/gekkoworks/spreadbot/internal/risk"
	"github.com/gekkoworks/spreadbot/internal/scoring"
	"github.com/gekkoworks/spreadbot/internal/storage"
)

// Defaults applied when the settings rows are absent.
const (
	defaultDTEMin   = 25
	defaultDTEMax   = 45
	defaultQuantity = 1
	historyDays     = 365
)

// Engine generates entry proposals for each enabled
// strategy x symbol x expiration bucket.
type Engine struct {
	broker broker.Broker
	store  storage.Interface
	risk   *risk.Manager
	scorer *scoring.Engine
	clock  *marketclock.Clock
	notify notify.Notifier
	mode   config.Mode
	log    zerolog.Logger
}

func New(b broker.Broker, store storage.Interface, rm *risk.Manager, scorer *scoring.Engine,
	clock *marketclock.Clock, n notify.Notifier, mode config.Mode, log zerolog.Logger) *Engine {
	return &Engine{
		broker: b,
		store:  store,
		risk:   rm,
		scorer: scorer,
		clock:  clock,
		notify: n,
		mode:   mode,
		log:    log.With().Str("component", "proposal").Logger(),
	}
}

// Run executes one proposal pass. Callers sync before invoking it.
func (e *Engine) Run(ctx context.Context) error {
	now := e.clock.NowET()

	snap, err := e.risk.Evaluate(now)
	if err != nil {
		return fmt.Errorf("risk snapshot: %w", err)
	}
	if snap.SystemMode != risk.SystemModeNormal {
		e.log.Warn().Str("system_mode", snap.SystemMode).Msg("Skipping proposal pass, system halted")
		return nil
	}

	symbols := e.symbols()
	strategies := e.strategies()
	expirations := e.expirations(now)
	if len(expirations) == 0 {
		e.log.Debug().Msg("No expirations inside the DTE window")
		return nil
	}

	for _, symbol := range symbols {
		if err := e.scanSymbol(ctx, snap, symbol, strategies, expirations, now); err != nil {
			e.log.Error().Err(err).Str("symbol", symbol).Msg("Symbol scan failed")
		}
	}

	return e.store.SetSyncTimestamp(storage.KeyLastProposalRun, now)
}

func (e *Engine) scanSymbol(ctx context.Context, snap *risk.Snapshot, symbol string,
	strategies []models.Strategy, expirations []time.Time, now time.Time) error {

	quote, err := e.broker.GetUnderlyingQuote(ctx, symbol)
	if err != nil {
		return fmt.Errorf("underlying quote: %w", err)
	}

	closes := e.dailyCloses(ctx, symbol, now)
	ivr := volRank(closes)

	requireGreeks := e.mode != config.ModeSandboxPaper

	for _, expiration := range expirations {
		var chain []broker.OptionQuote
		chainFetched := false

		for _, strategy := range strategies {
			busy, err := e.store.HasReadyProposal(symbol, expiration, strategy)
			if err != nil {
				return err
			}
			if busy {
				continue
			}
			if !chainFetched {
				chain, err = e.broker.GetOptionChain(ctx, symbol, expiration, requireGreeks)
				if err != nil {
					e.log.Error().Err(err).Str("symbol", symbol).
						Time("expiration", expiration).Msg("Chain fetch failed")
					break
				}
				chainFetched = true
			}

			trend := trendScore(closes, strategy)
			best, rejections := bestCandidate(e.scorer, strategy, quote.Last, chain, ivr, trend)
			if best == nil {
				e.log.Debug().
					Str("symbol", symbol).
					Str("strategy", string(strategy)).
					Time("expiration", expiration).
					Interface("rejections", rejections).
					Msg("No candidate survived filters")
				continue
			}
			if best.Score < e.minScore() {
				e.log.Debug().Float64("score", best.Score).Float64("min_score", e.minScore()).
					Msg("Best candidate below admin minimum score")
				continue
			}

			e.persist(snap, symbol, expiration, strategy, best, now)
		}
	}
	return nil
}

func (e *Engine) persist(snap *risk.Snapshot, symbol string, expiration time.Time,
	strategy models.Strategy, best *candidate, now time.Time) {

	quantity := e.store.GetSettingInt(storage.KeyDefaultTradeQuantity, defaultQuantity)
	maxLoss := estimateMaxLoss(strategy, best.NetPrice, quantity)
	if v := e.risk.CheckNewTrade(snap, symbol, expiration, maxLoss); v != nil {
		e.log.Info().Str("symbol", symbol).Str("strategy", string(strategy)).
			Str("violation", v.Code).Str("detail", v.Detail).
			Msg("Candidate blocked by risk gate")
		return
	}

	p := &models.Proposal{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		Expiration:   expiration,
		Strategy:     strategy,
		Kind:         models.ProposalKindEntry,
		Status:       models.ProposalReady,
		Outcome:      models.OutcomePending,
		ShortStrike:  best.ShortStrike,
		LongStrike:   best.LongStrike,
		Width:        models.SpreadWidth,
		Quantity:     quantity,
		CreditTarget: best.NetPrice,
		Score:        best.Score,
		Components:   best.Components,
		CreatedAt:    now,
	}
	if err := e.store.CreateProposal(p); err != nil {
		e.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to persist proposal")
		return
	}

	e.log.Info().
		Str("proposal_id", p.ID).
		Str("symbol", symbol).
		Str("strategy", string(strategy)).
		Float64("short_strike", p.ShortStrike).
		Float64("long_strike", p.LongStrike).
		Float64("net_price", p.CreditTarget).
		Float64("score", p.Score).
		Msg("Proposal created")
	e.notify.Notify("PROPOSAL_CREATED", fmt.Sprintf("%s %s %s %.0f/%.0f @ %.2f score %.2f",
		symbol, strategy, expiration.Format("2006-01-02"),
		p.ShortStrike, p.LongStrike, p.CreditTarget, p.Score))
}

// estimateMaxLoss gives the dollar worst case for the candidate at the
// proposed quantity.
func estimateMaxLoss(strategy models.Strategy, netPrice float64, quantity int) float64 {
	mult := float64(quantity) * 100
	if strategy.IsCredit() {
		return (models.SpreadWidth - netPrice) * mult
	}
	return netPrice * mult
}

func (e *Engine) symbols() []string {
	if list := e.store.GetSettingList(storage.KeyUnderlyingWhitelist); len(list) > 0 {
		return list
	}
	return []string{"SPY"}
}

func (e *Engine) strategies() []models.Strategy {
	list := e.store.GetSettingList(storage.KeyStrategyWhitelist)
	if len(list) == 0 {
		return []models.Strategy{models.StrategyBullPutCredit}
	}
	out := make([]models.Strategy, 0, len(list))
	for _, raw := range list {
		s, err := models.ParseStrategy(raw)
		if err != nil || s == models.StrategyIronCondor {
			e.log.Warn().Str("strategy", raw).Msg("Ignoring unsupported strategy in whitelist")
			continue
		}
		out = append(out, s)
	}
	return out
}

// expirations lists the Fridays whose DTE falls inside the allowed window,
// shifted back a day when the Friday is a market holiday.
func (e *Engine) expirations(now time.Time) []time.Time {
	dteMin := e.store.GetSettingInt(storage.KeyProposalDTEMin, defaultDTEMin)
	dteMax := e.store.GetSettingInt(storage.KeyProposalDTEMax, defaultDTEMax)

	var out []time.Time
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for d := dteMin; d <= dteMax; d++ {
		exp := day.AddDate(0, 0, d)
		if exp.Weekday() != time.Friday {
			continue
		}
		if !e.clock.IsTradingDay(exp) {
			exp = exp.AddDate(0, 0, -1)
			if marketclock.DTE(now, exp) < dteMin {
				continue
			}
		}
		out = append(out, exp)
	}
	return out
}

func (e *Engine) minScore() float64 {
	fallback := e.store.GetSettingFloat(storage.KeyProposalMinScore, scoring.CreditScoreThreshold)
	if e.mode == config.ModeLive {
		return e.store.GetSettingFloat(storage.KeyMinScoreLive, fallback)
	}
	return e.store.GetSettingFloat(storage.KeyMinScorePaper, fallback)
}

func (e *Engine) dailyCloses(ctx context.Context, symbol string, now time.Time) []float64 {
	bars, err := e.broker.GetHistoricalData(ctx, symbol, now.AddDate(0, 0, -historyDays), now)
	if err != nil {
		e.log.Warn().Err(err).Str("symbol", symbol).Msg("Historical data unavailable")
		return nil
	}
	closes := make([]float64, 0, len(bars))
	for _, b := range bars {
		closes = append(closes, b.Close)
	}
	return closes
}
