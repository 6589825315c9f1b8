// Package risk derives the per-cycle risk snapshot and gates new trade
// intake against the configured exposure caps.
package risk

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/gekkoworks/spreadbot/internal/config"
	"github.com/gekkoworks/spreadbot/internal/notify"
	"github.com/gekkoworks/spreadbot/internal/storage"
)

// System modes. HARD_STOP blocks all new intake until an operator resets it;
// COOLDOWN blocks intake but is expected to clear on its own.
const (
	SystemModeNormal   = "NORMAL"
	SystemModeHardStop = "HARD_STOP"
	SystemModeCooldown = "COOLDOWN"
)

// Violation codes attached to rejected intake checks.
const (
	ViolationSystemHalted      = "SYSTEM_HALTED"
	ViolationDailyLoss         = "DAILY_LOSS_LIMIT"
	ViolationDailyNewRisk      = "DAILY_NEW_RISK_LIMIT"
	ViolationTradeMaxLoss      = "TRADE_MAX_LOSS_LIMIT"
	ViolationUnderlyingRisk    = "UNDERLYING_RISK_LIMIT"
	ViolationExpiryRisk        = "EXPIRY_RISK_LIMIT"
	ViolationOpenSpreadsGlobal = "OPEN_SPREADS_GLOBAL_LIMIT"
	ViolationOpenSpreadsSymbol = "OPEN_SPREADS_SYMBOL_LIMIT"
	ViolationDailyTradeCount   = "DAILY_TRADE_COUNT_LIMIT"
)

// Cap fallbacks used when the settings row is absent.
const (
	defaultDailyMaxLoss        = 1000
	defaultDailyMaxNewRisk     = 5000
	defaultMaxTradeLossDollars = 2500
	defaultUnderlyingMaxRisk   = 5000
	defaultExpiryMaxRisk       = 5000
	defaultMaxOpenGlobal       = 10
	defaultMaxOpenPerSymbol    = 3
	defaultMaxNewTradesPerDay  = 5
)

// Violation is a structured intake rejection.
type Violation struct {
	Code   string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Code, v.Detail)
}

// Snapshot is the per-cycle risk state consulted by the proposal and entry
// engines. Day-scoped counters reset at ET midnight.
type Snapshot struct {
	SystemMode              string
	DailyRealizedPnL        float64
	NewRiskToday            float64
	TradesOpenedToday       int
	OpenSpreads             int
	EmergencyExitCountToday int
}

// Manager reads caps from settings and counters from the trade tables.
type Manager struct {
	store  storage.Interface
	mode   config.Mode
	notify notify.Notifier
	log    zerolog.Logger
}

func NewManager(store storage.Interface, mode config.Mode, log zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		mode:   mode,
		notify: notify.Noop{},
		log:    log.With().Str("component", "risk").Logger(),
	}
}

// WithNotifier routes hard-stop alerts to n.
func (m *Manager) WithNotifier(n notify.Notifier) *Manager {
	m.notify = n
	return m
}

// dailyMaxLoss returns the effective daily loss cap in dollars. When
// MAX_DAILY_LOSS_PCT is set, the cap tightens to that fraction of account
// equity from the latest balances snapshot, never loosening past the
// dollar cap. Zero or missing pct, or no snapshot yet, leaves the dollar
// cap alone.
func (m *Manager) dailyMaxLoss() float64 {
	dollars := m.store.GetSettingFloat(storage.KeyDailyMaxLoss, defaultDailyMaxLoss)
	pct := m.store.GetSettingFloat(storage.KeyMaxDailyLossPct, 0)
	if pct <= 0 {
		return dollars
	}
	snap, err := m.store.GetLatestAccountSnapshot()
	if err != nil || snap.Equity <= 0 {
		return dollars
	}
	if pctCap := pct * snap.Equity; pctCap < dollars {
		return pctCap
	}
	return dollars
}

// dayStart returns ET midnight for now. Pass times already in ET.
func dayStart(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

// Snapshot derives the current risk state without mutating anything.
func (m *Manager) Snapshot(now time.Time) (*Snapshot, error) {
	start := dayStart(now)

	pnl, err := m.store.SumRealizedPnLSince(start)
	if err != nil {
		return nil, fmt.Errorf("daily realized pnl: %w", err)
	}
	newRisk, err := m.store.SumMaxLossCreatedSince(start)
	if err != nil {
		return nil, fmt.Errorf("daily new risk: %w", err)
	}
	opened, err := m.store.CountTradesCreatedSince(start)
	if err != nil {
		return nil, fmt.Errorf("daily trade count: %w", err)
	}
	open, err := m.store.CountOpenSpreads()
	if err != nil {
		return nil, fmt.Errorf("open spread count: %w", err)
	}

	mode, err := m.store.GetSetting(storage.KeySystemMode)
	if err != nil || mode == "" {
		mode = SystemModeNormal
	}

	return &Snapshot{
		SystemMode:              mode,
		DailyRealizedPnL:        pnl,
		NewRiskToday:            newRisk,
		TradesOpenedToday:       opened,
		OpenSpreads:             open,
		EmergencyExitCountToday: m.emergencyExitCount(now),
	}, nil
}

// Evaluate derives the snapshot and enforces the daily hard stop: once
// realized losses reach DAILY_MAX_LOSS the system mode latches to HARD_STOP
// and stays there until an operator clears it.
func (m *Manager) Evaluate(now time.Time) (*Snapshot, error) {
	snap, err := m.Snapshot(now)
	if err != nil {
		return nil, err
	}

	dailyMaxLoss := m.dailyMaxLoss()
	if snap.SystemMode == SystemModeNormal && snap.DailyRealizedPnL <= -dailyMaxLoss {
		if err := m.store.SetSetting(storage.KeySystemMode, SystemModeHardStop); err != nil {
			return nil, fmt.Errorf("set hard stop: %w", err)
		}
		snap.SystemMode = SystemModeHardStop
		m.log.Error().
			Float64("daily_realized_pnl", snap.DailyRealizedPnL).
			Float64("daily_max_loss", dailyMaxLoss).
			Msg("Daily loss limit reached, entering HARD_STOP")
		m.store.LogSystem("RISK_HARD_STOP",
			"daily loss limit reached",
			fmt.Sprintf(`{"daily_realized_pnl": %.2f, "daily_max_loss": %.2f}`, snap.DailyRealizedPnL, dailyMaxLoss))
		m.notify.Notify("RISK_HARD_STOP",
			fmt.Sprintf("daily realized PnL %.2f breached limit %.2f, intake halted", snap.DailyRealizedPnL, dailyMaxLoss))
	}
	return snap, nil
}

// CheckNewTrade runs every intake gate for a candidate trade. A nil return
// means the trade may proceed. maxLoss is the candidate's worst case in
// dollars for its full quantity.
func (m *Manager) CheckNewTrade(snap *Snapshot, symbol string, expiration time.Time, maxLoss float64) *Violation {
	if snap.SystemMode != SystemModeNormal {
		return &Violation{ViolationSystemHalted, fmt.Sprintf("system_mode=%s", snap.SystemMode)}
	}

	dailyMaxLoss := m.dailyMaxLoss()
	if snap.DailyRealizedPnL <= -dailyMaxLoss {
		return &Violation{ViolationDailyLoss,
			fmt.Sprintf("daily pnl %.2f breaches limit %.2f", snap.DailyRealizedPnL, dailyMaxLoss)}
	}

	maxTradeLoss := m.store.GetSettingFloat(storage.KeyMaxTradeLossDollars, defaultMaxTradeLossDollars)
	if maxLoss > maxTradeLoss {
		return &Violation{ViolationTradeMaxLoss,
			fmt.Sprintf("trade max loss %.2f > %.2f", maxLoss, maxTradeLoss)}
	}

	dailyNewRisk := m.store.GetSettingFloat(storage.KeyDailyMaxNewRisk, defaultDailyMaxNewRisk)
	if snap.NewRiskToday+maxLoss > dailyNewRisk {
		return &Violation{ViolationDailyNewRisk,
			fmt.Sprintf("new risk %.2f + %.2f > %.2f", snap.NewRiskToday, maxLoss, dailyNewRisk)}
	}

	maxNewTrades := m.store.GetSettingInt(storage.KeyMaxNewTradesPerDay, defaultMaxNewTradesPerDay)
	if snap.TradesOpenedToday >= maxNewTrades {
		return &Violation{ViolationDailyTradeCount,
			fmt.Sprintf("%d trades already today (limit %d)", snap.TradesOpenedToday, maxNewTrades)}
	}

	maxGlobal := m.store.GetSettingInt(storage.KeyMaxOpenSpreadsGlobal, defaultMaxOpenGlobal)
	if snap.OpenSpreads >= maxGlobal {
		return &Violation{ViolationOpenSpreadsGlobal,
			fmt.Sprintf("%d open spreads (limit %d)", snap.OpenSpreads, maxGlobal)}
	}

	perSymbol := m.store.GetSettingInt(storage.KeyMaxOpenSpreadsPerSym, defaultMaxOpenPerSymbol)
	openSym, err := m.store.CountOpenSpreadsBySymbol(symbol)
	if err != nil {
		return &Violation{ViolationOpenSpreadsSymbol, fmt.Sprintf("count failed: %v", err)}
	}
	if openSym >= perSymbol {
		return &Violation{ViolationOpenSpreadsSymbol,
			fmt.Sprintf("%d open %s spreads (limit %d)", openSym, symbol, perSymbol)}
	}

	underlyingCap := m.store.GetSettingFloat(storage.KeyUnderlyingMaxRisk, defaultUnderlyingMaxRisk)
	underlyingRisk, err := m.store.SumMaxLossByUnderlying(symbol)
	if err != nil {
		return &Violation{ViolationUnderlyingRisk, fmt.Sprintf("sum failed: %v", err)}
	}
	if underlyingRisk+maxLoss > underlyingCap {
		return &Violation{ViolationUnderlyingRisk,
			fmt.Sprintf("%s risk %.2f + %.2f > %.2f", symbol, underlyingRisk, maxLoss, underlyingCap)}
	}

	expiryCap := m.store.GetSettingFloat(storage.KeyExpiryMaxRisk, defaultExpiryMaxRisk)
	expiryRisk, err := m.store.SumMaxLossByExpiry(expiration)
	if err != nil {
		return &Violation{ViolationExpiryRisk, fmt.Sprintf("sum failed: %v", err)}
	}
	if expiryRisk+maxLoss > expiryCap {
		return &Violation{ViolationExpiryRisk,
			fmt.Sprintf("expiry %s risk %.2f + %.2f > %.2f",
				expiration.Format("2006-01-02"), expiryRisk, maxLoss, expiryCap)}
	}

	return nil
}

// AutoModeEnabled reports whether the current mode is permitted to place
// orders without operator confirmation. DRY_RUN never auto-trades.
func (m *Manager) AutoModeEnabled() bool {
	switch m.mode {
	case config.ModeDryRun:
		return false
	case config.ModeLive:
		return m.store.GetSettingBool(storage.KeyAutoModeEnabledLive, false)
	default:
		return m.store.GetSettingBool(storage.KeyAutoModeEnabledPaper, false)
	}
}

// RecordEmergencyExit bumps the day-scoped emergency exit counter, rolling
// it over when the stored day is stale.
func (m *Manager) RecordEmergencyExit(now time.Time) {
	day := now.Format("2006-01-02")
	count := m.emergencyExitCount(now)
	if err := m.store.SetSetting(storage.KeyEmergencyExitDay, day); err != nil {
		m.log.Error().Err(err).Msg("Failed to persist emergency exit day")
		return
	}
	if err := m.store.SetSetting(storage.KeyEmergencyExitCount, strconv.Itoa(count+1)); err != nil {
		m.log.Error().Err(err).Msg("Failed to persist emergency exit count")
	}
}

func (m *Manager) emergencyExitCount(now time.Time) int {
	day, err := m.store.GetSetting(storage.KeyEmergencyExitDay)
	if err != nil || day != now.Format("2006-01-02") {
		return 0
	}
	return m.store.GetSettingInt(storage.KeyEmergencyExitCount, 0)
}
