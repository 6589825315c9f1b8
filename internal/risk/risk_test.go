package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekkoworks/spreadbot/internal/config"
	"github.com/gekkoworks/spreadbot/internal/models"
	"github.com/gekkoworks/spreadbot/internal/storage"
)

var testNow = time.Date(2026, 3, 10, 11, 30, 0, 0, time.UTC)

func newManager(t *testing.T, mode config.Mode) (*Manager, *storage.MockStore) {
	t.Helper()
	store := storage.NewMockStore()
	return NewManager(store, mode, zerolog.Nop()), store
}

func openTrade(id, symbol string, maxLoss float64, expiration time.Time) *models.Trade {
	return &models.Trade{
		ID:         id,
		Symbol:     symbol,
		Strategy:   models.StrategyBullPutCredit,
		Expiration: expiration,
		Width:      5,
		Quantity:   1,
		MaxLoss:    maxLoss,
		Status:     models.StatusOpen,
		CreatedAt:  testNow.Add(-time.Hour),
	}
}

func closedTrade(id string, pnl float64, closedAt time.Time) *models.Trade {
	return &models.Trade{
		ID:          id,
		Symbol:      "SPY",
		Strategy:    models.StrategyBullPutCredit,
		Status:      models.StatusClosed,
		RealizedPnL: &pnl,
		ClosedAt:    &closedAt,
		CreatedAt:   closedAt.Add(-24 * time.Hour),
	}
}

func TestSnapshotCounters(t *testing.T) {
	m, store := newManager(t, config.ModeSandboxPaper)
	exp := testNow.AddDate(0, 0, 30)

	require.NoError(t, store.CreateTrade(openTrade("t1", "SPY", 400, exp)))
	require.NoError(t, store.CreateTrade(openTrade("t2", "QQQ", 400, exp)))
	require.NoError(t, store.CreateTrade(closedTrade("t3", -150, testNow.Add(-time.Hour))))
	// closed yesterday, must not count toward today's pnl
	require.NoError(t, store.CreateTrade(closedTrade("t4", -900, testNow.Add(-30*time.Hour))))

	snap, err := m.Snapshot(testNow)
	require.NoError(t, err)
	assert.Equal(t, SystemModeNormal, snap.SystemMode)
	assert.Equal(t, 2, snap.OpenSpreads)
	assert.InDelta(t, -150, snap.DailyRealizedPnL, 1e-9)
	assert.Equal(t, 0, snap.EmergencyExitCountToday)
}

func TestEvaluateLatchesHardStop(t *testing.T) {
	m, store := newManager(t, config.ModeLive)
	require.NoError(t, store.SetSetting(storage.KeyDailyMaxLoss, "500"))
	require.NoError(t, store.CreateTrade(closedTrade("t1", -600, testNow.Add(-time.Hour))))

	snap, err := m.Evaluate(testNow)
	require.NoError(t, err)
	assert.Equal(t, SystemModeHardStop, snap.SystemMode)

	mode, err := store.GetSetting(storage.KeySystemMode)
	require.NoError(t, err)
	assert.Equal(t, SystemModeHardStop, mode)

	// stays latched on the next evaluation
	snap, err = m.Evaluate(testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, SystemModeHardStop, snap.SystemMode)
}

func TestDailyLossPctTightensDollarCap(t *testing.T) {
	m, store := newManager(t, config.ModeLive)
	require.NoError(t, store.SetSetting(storage.KeyDailyMaxLoss, "1000"))
	require.NoError(t, store.SetSetting(storage.KeyMaxDailyLossPct, "0.02"))
	require.NoError(t, store.CreateTrade(closedTrade("t1", -600, testNow.Add(-time.Hour))))

	// no balances snapshot yet: the dollar cap alone applies and 600 < 1000
	snap, err := m.Evaluate(testNow)
	require.NoError(t, err)
	assert.Equal(t, SystemModeNormal, snap.SystemMode)

	// 2% of 25k equity is 500, tighter than the dollar cap
	require.NoError(t, store.RecordAccountSnapshot(storage.AccountSnapshot{Equity: 25000}))
	snap, err = m.Evaluate(testNow)
	require.NoError(t, err)
	assert.Equal(t, SystemModeHardStop, snap.SystemMode)
}

func TestCheckNewTradeSystemHalted(t *testing.T) {
	m, _ := newManager(t, config.ModeLive)
	snap := &Snapshot{SystemMode: SystemModeCooldown}
	v := m.CheckNewTrade(snap, "SPY", testNow.AddDate(0, 0, 30), 400)
	require.NotNil(t, v)
	assert.Equal(t, ViolationSystemHalted, v.Code)
}

func TestCheckNewTradePerTradeCap(t *testing.T) {
	m, store := newManager(t, config.ModeLive)
	require.NoError(t, store.SetSetting(storage.KeyMaxTradeLossDollars, "500"))
	snap := &Snapshot{SystemMode: SystemModeNormal}

	v := m.CheckNewTrade(snap, "SPY", testNow.AddDate(0, 0, 30), 501)
	require.NotNil(t, v)
	assert.Equal(t, ViolationTradeMaxLoss, v.Code)

	assert.Nil(t, m.CheckNewTrade(snap, "SPY", testNow.AddDate(0, 0, 30), 500))
}

func TestCheckNewTradeDailyNewRisk(t *testing.T) {
	m, store := newManager(t, config.ModeLive)
	require.NoError(t, store.SetSetting(storage.KeyDailyMaxNewRisk, "1000"))
	snap := &Snapshot{SystemMode: SystemModeNormal, NewRiskToday: 800}

	v := m.CheckNewTrade(snap, "SPY", testNow.AddDate(0, 0, 30), 300)
	require.NotNil(t, v)
	assert.Equal(t, ViolationDailyNewRisk, v.Code)

	assert.Nil(t, m.CheckNewTrade(snap, "SPY", testNow.AddDate(0, 0, 30), 200))
}

func TestCheckNewTradeOpenSpreadCaps(t *testing.T) {
	m, store := newManager(t, config.ModeLive)
	require.NoError(t, store.SetSetting(storage.KeyMaxOpenSpreadsGlobal, "2"))
	require.NoError(t, store.SetSetting(storage.KeyMaxOpenSpreadsPerSym, "1"))
	exp := testNow.AddDate(0, 0, 30)

	snap := &Snapshot{SystemMode: SystemModeNormal, OpenSpreads: 2}
	v := m.CheckNewTrade(snap, "SPY", exp, 100)
	require.NotNil(t, v)
	assert.Equal(t, ViolationOpenSpreadsGlobal, v.Code)

	require.NoError(t, store.CreateTrade(openTrade("t1", "SPY", 100, exp)))
	snap = &Snapshot{SystemMode: SystemModeNormal, OpenSpreads: 1}
	v = m.CheckNewTrade(snap, "SPY", exp, 100)
	require.NotNil(t, v)
	assert.Equal(t, ViolationOpenSpreadsSymbol, v.Code)

	assert.Nil(t, m.CheckNewTrade(snap, "QQQ", exp, 100))
}

func TestCheckNewTradeConcentrationCaps(t *testing.T) {
	m, store := newManager(t, config.ModeLive)
	require.NoError(t, store.SetSetting(storage.KeyUnderlyingMaxRisk, "1000"))
	require.NoError(t, store.SetSetting(storage.KeyExpiryMaxRisk, "1200"))
	exp := testNow.AddDate(0, 0, 30)
	otherExp := testNow.AddDate(0, 0, 45)

	require.NoError(t, store.CreateTrade(openTrade("t1", "SPY", 900, exp)))
	snap := &Snapshot{SystemMode: SystemModeNormal}

	v := m.CheckNewTrade(snap, "SPY", otherExp, 200)
	require.NotNil(t, v)
	assert.Equal(t, ViolationUnderlyingRisk, v.Code)

	require.NoError(t, store.CreateTrade(openTrade("t2", "QQQ", 400, exp)))
	v = m.CheckNewTrade(snap, "IWM", exp, 200)
	require.NotNil(t, v)
	assert.Equal(t, ViolationExpiryRisk, v.Code)

	assert.Nil(t, m.CheckNewTrade(snap, "IWM", otherExp, 200))
}

func TestCheckNewTradeDailyCount(t *testing.T) {
	m, store := newManager(t, config.ModeLive)
	require.NoError(t, store.SetSetting(storage.KeyMaxNewTradesPerDay, "2"))
	snap := &Snapshot{SystemMode: SystemModeNormal, TradesOpenedToday: 2}

	v := m.CheckNewTrade(snap, "SPY", testNow.AddDate(0, 0, 30), 100)
	require.NotNil(t, v)
	assert.Equal(t, ViolationDailyTradeCount, v.Code)
}

func TestAutoMode(t *testing.T) {
	m, _ := newManager(t, config.ModeDryRun)
	assert.False(t, m.AutoModeEnabled())

	m, store := newManager(t, config.ModeSandboxPaper)
	assert.False(t, m.AutoModeEnabled())
	require.NoError(t, store.SetSetting(storage.KeyAutoModeEnabledPaper, "true"))
	assert.True(t, m.AutoModeEnabled())

	m, store = newManager(t, config.ModeLive)
	require.NoError(t, store.SetSetting(storage.KeyAutoModeEnabledPaper, "true"))
	assert.False(t, m.AutoModeEnabled())
	require.NoError(t, store.SetSetting(storage.KeyAutoModeEnabledLive, "true"))
	assert.True(t, m.AutoModeEnabled())
}

func TestEmergencyExitCounterRollsDaily(t *testing.T) {
	m, _ := newManager(t, config.ModeLive)

	m.RecordEmergencyExit(testNow)
	m.RecordEmergencyExit(testNow)
	snap, err := m.Snapshot(testNow)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.EmergencyExitCountToday)

	tomorrow := testNow.AddDate(0, 0, 1)
	snap, err = m.Snapshot(tomorrow)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.EmergencyExitCountToday)

	m.RecordEmergencyExit(tomorrow)
	snap, err = m.Snapshot(tomorrow)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.EmergencyExitCountToday)
}
