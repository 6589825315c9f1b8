// Command bot runs the spread trading engine: cron-driven trade, monitor,
// and orphan-cleanup cycles plus the read-only dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/gekkoworks/spreadbot/internal/broker"
	"github.com/gekkoworks/spreadbot/internal/config"
	"github.com/gekkoworks/spreadbot/internal/dashboard"
	"github.com/gekkoworks/spreadbot/internal/entry"
	"github.com/gekkoworks/spreadbot/internal/exitengine"
	"github.com/gekkoworks/spreadbot/internal/lifecycle"
	"github.com/gekkoworks/spreadbot/internal/marketclock"
	"github.com/gekkoworks/spreadbot/internal/monitor"
	"github.com/gekkoworks/spreadbot/internal/notify"
	"github.com/gekkoworks/spreadbot/internal/proposal"
	"github.com/gekkoworks/spreadbot/internal/risk"
	"github.com/gekkoworks/spreadbot/internal/scoring"
	"github.com/gekkoworks/spreadbot/internal/storage"
	"github.com/gekkoworks/spreadbot/internal/syncer"
)

// cycleTimeout bounds a single cron invocation; a wedged cycle must never
// block the next one past this.
const cycleTimeout = 55 * time.Second

type bot struct {
	cfg      *config.Config
	store    storage.Interface
	broker   broker.Broker
	clock    *marketclock.Clock
	risk     *risk.Manager
	syncer   *syncer.Engine
	proposal *proposal.Engine
	entry    *entry.Engine
	monitor  *monitor.Engine
	exit     *exitengine.Engine
	log      zerolog.Logger
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Optional; real deployments set env vars directly.
	_ = godotenv.Load()

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "bot: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg.Environment.LogLevel)
	log.Info().Str("mode", string(cfg.Environment.Mode)).Msg("Starting spreadbot")
	if cfg.IsLive() {
		log.Warn().Msg("LIVE mode: real money at risk")
	}

	store, err := storage.Open(cfg.Storage.Path, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	if err := seedSettings(store); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	// The active mode is published, not seeded: dashboards and operators
	// read the mode of the run that is actually holding the database.
	if err := store.SetSetting(storage.KeyTradingMode, string(cfg.Environment.Mode)); err != nil {
		return fmt.Errorf("publish trading mode: %w", err)
	}

	clock, err := marketclock.New(cfg.Location(), cfg.Schedule.TradingStart, cfg.Schedule.TradingEnd)
	if err != nil {
		return err
	}

	gateway := broker.NewTradier(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.Sandbox(),
		string(cfg.Environment.Mode), func(ev broker.AuditEvent) {
			store.RecordBrokerEvent(storage.BrokerEvent(ev))
		}, log)
	if cfg.Broker.APIEndpoint != "" {
		gateway.WithBaseURL(cfg.Broker.APIEndpoint)
	}
	brk := broker.NewCircuitBreakerBroker(gateway, log)

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Notify.Enabled {
		tg, err := notify.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramChat, log)
		if err != nil {
			return fmt.Errorf("telegram notifier: %w", err)
		}
		notifier = tg
	}

	mode := cfg.Environment.Mode
	lc := lifecycle.NewController(store, log)
	rm := risk.NewManager(store, mode, log).WithNotifier(notifier)
	scorer := scoring.New(cfg.Sandbox(), store.GetSettingFloat(storage.KeyMinCreditFraction, 0.16), log)
	sync := syncer.New(brk, store, lc, cfg.Broker.OrderTag, log)

	b := &bot{
		cfg:      cfg,
		store:    store,
		broker:   brk,
		clock:    clock,
		risk:     rm,
		syncer:   sync,
		proposal: proposal.New(brk, store, rm, scorer, clock, notifier, mode, log),
		entry:    entry.New(brk, store, rm, scorer, lc, clock, notifier, mode, cfg.Broker.OrderTag, log),
		monitor:  monitor.New(brk, store, lc, clock, mode, log).WithNotifier(notifier),
		exit:     exitengine.New(brk, store, lc, rm, sync, notifier, clock, cfg.Broker.OrderTag, log),
		log:      log,
	}

	// A cycle overlapping itself is skipped, not queued: the next tick
	// resynthesizes state from the broker anyway.
	sched := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(cfg.Location()),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&log))),
	)
	if _, err := sched.AddFunc(cfg.Schedule.TradeCycle, b.guarded("trade", b.tradeCycle)); err != nil {
		return fmt.Errorf("schedule trade cycle: %w", err)
	}
	if _, err := sched.AddFunc(cfg.Schedule.MonitorCycle, b.guarded("monitor", b.monitorCycle)); err != nil {
		return fmt.Errorf("schedule monitor cycle: %w", err)
	}
	if _, err := sched.AddFunc(cfg.Schedule.OrphanCleanup, b.guarded("orphan", b.orphanCleanup)); err != nil {
		return fmt.Errorf("schedule orphan cleanup: %w", err)
	}

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dash = dashboard.New(store, string(mode), cfg.Dashboard.Listen, log)
		go func() {
			if err := dash.Start(); err != nil {
				log.Error().Err(err).Msg("Dashboard server failed")
			}
		}()
	}

	sched.Start()
	log.Info().Msg("Schedulers running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("Shutdown signal received")

	stopCtx := sched.Stop()
	<-stopCtx.Done()
	if dash != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := dash.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Dashboard shutdown failed")
		}
	}
	log.Info().Msg("Stopped")
	return nil
}

// guarded wraps a cycle with a timeout and panic isolation. A wedged or
// panicking cycle must not kill the scheduler. Market-hours gating lives in
// the cycle bodies, the orphan cycle deliberately runs off-hours.
func (b *bot) guarded(name string, cycle func(ctx context.Context) error) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error().Interface("panic", r).Str("cycle", name).Msg("Cycle panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
		defer cancel()
		if err := cycle(ctx); err != nil {
			b.log.Error().Err(err).Str("cycle", name).Msg("Cycle failed")
		}
	}
}

// seedSettings makes the tunable surface visible in the settings table
// without clobbering operator overrides. The stop-loss key is left unseeded:
// its absence is what selects the credit/debit-specific defaults.
func seedSettings(store storage.Interface) error {
	defaults := map[string]string{
		storage.KeyAutoModeEnabledPaper: "false",
		storage.KeyAutoModeEnabledLive:  "false",
		storage.KeyUnderlyingWhitelist:  "SPY",
		storage.KeyStrategyWhitelist:    "BULL_PUT_CREDIT,BEAR_CALL_CREDIT",
		storage.KeyProposalDTEMin:       "25",
		storage.KeyProposalDTEMax:       "45",
		storage.KeyProposalMaxAge:       "30",
		storage.KeyMinCreditFraction:    "0.16",
		storage.KeyPriceDriftTolerance:  "0.10",
		storage.KeyCloseProfitTarget:    "0.50",
		storage.KeyCloseTimeExitDTE:     "7",
		storage.KeyCloseTimeExitCutoff:  "15:30",
		storage.KeyCloseIVCrushThresh:   "0.85",
		storage.KeyCloseIVCrushMinPnL:   "0.15",
		storage.KeyCloseTrailArm:        "0.25",
		storage.KeyCloseTrailGiveback:   "0.10",
		storage.KeyCloseLowValueFloor:   "0.05",
		storage.KeyMaxNewTradesPerDay:   "5",
		storage.KeyMaxOpenSpreadsGlobal: "10",
		storage.KeyMaxOpenSpreadsPerSym: "3",
		storage.KeyDailyMaxLoss:         "1000",
		storage.KeyMaxDailyLossPct:      "0",
		storage.KeyDailyMaxNewRisk:      "5000",
		storage.KeyMaxTradeLossDollars:  "2500",
		storage.KeyUnderlyingMaxRisk:    "5000",
		storage.KeyExpiryMaxRisk:        "5000",
		storage.KeyDefaultTradeQuantity: "1",
		storage.KeyMaxTradeQuantity:     "5",
		storage.KeyOrderSyncWindowDays:  "7",
	}
	for key, value := range defaults {
		if err := store.SeedSetting(key, value); err != nil {
			return err
		}
	}
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}
