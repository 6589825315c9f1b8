package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Recognized settings keys. Thresholds and caps are runtime-tunable through
// the settings table; code reads them with the typed accessors below.
const (
	KeyTradingMode          = "TRADING_MODE"
	KeyAutoModeEnabledPaper = "AUTO_MODE_ENABLED_PAPER"
	KeyAutoModeEnabledLive  = "AUTO_MODE_ENABLED_LIVE"

	KeyMinScorePaper    = "MIN_SCORE_PAPER"
	KeyMinScoreLive     = "MIN_SCORE_LIVE"
	KeyProposalMinScore = "PROPOSAL_MIN_SCORE"

	KeyMinCreditFraction   = "MIN_CREDIT_FRACTION"
	KeyProposalDTEMin      = "PROPOSAL_DTE_MIN"
	KeyProposalDTEMax      = "PROPOSAL_DTE_MAX"
	KeyStrategyWhitelist   = "PROPOSAL_STRATEGY_WHITELIST"
	KeyUnderlyingWhitelist = "PROPOSAL_UNDERLYING_WHITELIST"
	KeyProposalMaxAge      = "PROPOSAL_MAX_AGE_MINUTES"

	KeyCloseProfitTarget   = "CLOSE_RULE_PROFIT_TARGET_FRACTION"
	KeyCloseStopLoss       = "CLOSE_RULE_STOP_LOSS_FRACTION"
	KeyCloseTimeExitDTE    = "CLOSE_RULE_TIME_EXIT_DTE"
	KeyCloseTimeExitCutoff = "CLOSE_RULE_TIME_EXIT_CUTOFF"
	KeyCloseIVCrushThresh  = "CLOSE_RULE_IV_CRUSH_THRESHOLD"
	KeyCloseIVCrushMinPnL  = "CLOSE_RULE_IV_CRUSH_MIN_PNL"
	KeyCloseTrailArm       = "CLOSE_RULE_TRAIL_ARM_PROFIT_FRACTION"
	KeyCloseTrailGiveback  = "CLOSE_RULE_TRAIL_GIVEBACK_FRACTION"
	KeyCloseLowValueFloor  = "CLOSE_RULE_LOW_VALUE_FLOOR"

	KeyMaxNewTradesPerDay   = "MAX_NEW_TRADES_PER_DAY"
	KeyMaxOpenSpreadsGlobal = "MAX_OPEN_SPREADS_GLOBAL"
	KeyMaxOpenSpreadsPerSym = "MAX_OPEN_SPREADS_PER_SYMBOL"
	KeyMaxDailyLossPct      = "MAX_DAILY_LOSS_PCT"
	KeyDailyMaxLoss         = "DAILY_MAX_LOSS"
	KeyDailyMaxNewRisk      = "DAILY_MAX_NEW_RISK"
	KeyMaxTradeLossDollars  = "MAX_TRADE_LOSS_DOLLARS"
	KeyUnderlyingMaxRisk    = "UNDERLYING_MAX_RISK"
	KeyExpiryMaxRisk        = "EXPIRY_MAX_RISK"
	KeyDefaultTradeQuantity = "DEFAULT_TRADE_QUANTITY"
	KeyMaxTradeQuantity     = "MAX_TRADE_QUANTITY"
	KeyOrderSyncWindowDays  = "ORDER_SYNC_WINDOW_DAYS"
	KeyPriceDriftTolerance  = "ENTRY_PRICE_DRIFT_TOLERANCE"

	KeySystemMode         = "SYSTEM_MODE"
	KeyEmergencyExitCount = "EMERGENCY_EXIT_COUNT_TODAY"
	KeyEmergencyExitDay   = "EMERGENCY_EXIT_COUNT_DAY"

	KeyLastOrphanCleanupRun = "LAST_ORPHANED_ORDER_CLEANUP_RUN"
	KeyLastProposalRun      = "LAST_PROPOSAL_RUN"
	KeyLastMonitorRun       = "LAST_MONITOR_RUN"

	KeyLastPositionsSync = "last_positions_sync_timestamp"
	KeyLastOrdersSync    = "last_orders_sync_timestamp"
	KeyLastBalancesSync  = "last_balances_sync_timestamp"
)

// GetSetting returns the raw value for key, or ErrNotFound.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a settings row.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("writing setting %s: %w", key, err)
	}
	return nil
}

// SeedSetting writes a setting only when it does not exist yet. Used to seed
// defaults without clobbering operator overrides.
func (s *Store) SeedSetting(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("seeding setting %s: %w", key, err)
	}
	return nil
}

// GetSettingFloat reads a float setting, returning fallback when absent.
func (s *Store) GetSettingFloat(key string, fallback float64) float64 {
	raw, err := s.GetSetting(key)
	if err != nil {
		return fallback
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		s.log.Warn().Str("key", key).Str("value", raw).Msg("Unparseable float setting, using fallback")
		return fallback
	}
	return v
}

// GetSettingInt reads an int setting, returning fallback when absent.
func (s *Store) GetSettingInt(key string, fallback int) int {
	raw, err := s.GetSetting(key)
	if err != nil {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		s.log.Warn().Str("key", key).Str("value", raw).Msg("Unparseable int setting, using fallback")
		return fallback
	}
	return v
}

// GetSettingBool reads a bool setting, returning fallback when absent.
func (s *Store) GetSettingBool(key string, fallback bool) bool {
	raw, err := s.GetSetting(key)
	if err != nil {
		return fallback
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		s.log.Warn().Str("key", key).Str("value", raw).Msg("Unparseable bool setting, using fallback")
		return fallback
	}
	return v
}

// GetSettingList reads a comma-separated list setting.
func (s *Store) GetSettingList(key string) []string {
	raw, err := s.GetSetting(key)
	if err != nil {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, strings.ToUpper(trimmed))
		}
	}
	return out
}

// SetSyncTimestamp publishes a freshness timestamp for a sync stream.
func (s *Store) SetSyncTimestamp(key string, t time.Time) error {
	return s.SetSetting(key, t.UTC().Format(time.RFC3339))
}

// IsSyncFresh reports whether the given sync stream ran within maxAge.
func (s *Store) IsSyncFresh(key string, maxAge time.Duration, now time.Time) bool {
	raw, err := s.GetSetting(key)
	if err != nil {
		return false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	return now.Sub(ts) <= maxAge
}
