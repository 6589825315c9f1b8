package scoring

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekkoworks/spreadbot/internal/models"
)

func liveEngine() *Engine {
	return New(false, 0.16, zerolog.Nop())
}

func sandboxEngine() *Engine {
	return New(true, 0.16, zerolog.Nop())
}

func passingCreditMetrics() Metrics {
	return Metrics{
		NetPrice:       0.85,
		Width:          5,
		POP:            0.72,
		DeltaShort:     -0.22,
		IVR:            0.45,
		Skew:           0.05,
		ShortPctSpread: 0.02,
		LongPctSpread:  0.02,
	}
}

func TestCreditPOPBoundary(t *testing.T) {
	m := passingCreditMetrics()

	m.POP = 0.649999
	_, rej := liveEngine().ScoreCredit(m)
	require.NotNil(t, rej)
	assert.Equal(t, RejectPOPTooLow, rej.Code)

	m.POP = 0.65
	res, rej := liveEngine().ScoreCredit(m)
	require.Nil(t, rej)
	assert.NotNil(t, res)
}

func TestCreditPOPNormalization(t *testing.T) {
	m := passingCreditMetrics()
	m.POP = 72 // 0-100 scale

	res, rej := liveEngine().ScoreCredit(m)
	require.Nil(t, rej)

	m.POP = 0.72
	same, rej := liveEngine().ScoreCredit(m)
	require.Nil(t, rej)
	assert.InDelta(t, same.Score, res.Score, 1e-9)
}

func TestCreditDeltaBoundsPerMode(t *testing.T) {
	m := passingCreditMetrics()
	m.DeltaShort = -0.32 // outside live bounds, inside sandbox

	_, rej := liveEngine().ScoreCredit(m)
	require.NotNil(t, rej)
	assert.Equal(t, RejectDeltaOutOfRange, rej.Code)

	_, rej = sandboxEngine().ScoreCredit(m)
	assert.Nil(t, rej)
}

func TestCreditIVRIgnoredInSandbox(t *testing.T) {
	m := passingCreditMetrics()
	m.IVR = 0.95 // outside live bounds

	_, rej := liveEngine().ScoreCredit(m)
	require.NotNil(t, rej)
	assert.Equal(t, RejectIVROutOfRange, rej.Code)

	res, rej := sandboxEngine().ScoreCredit(m)
	require.Nil(t, rej)
	assert.Zero(t, res.Components.IVR)
}

func TestCreditTooLowScenario(t *testing.T) {
	// short_bid=0.72, long_ask=0.22 -> credit 0.50; 0.50/5 = 0.10 < 0.16
	m := passingCreditMetrics()
	m.NetPrice = 0.50
	_, rej := liveEngine().ScoreCredit(m)
	require.NotNil(t, rej)
	assert.Equal(t, RejectCreditTooLow, rej.Code)

	// credit 0.76 -> 0.152, still below the floor
	m.NetPrice = 0.76
	_, rej = liveEngine().ScoreCredit(m)
	require.NotNil(t, rej)
	assert.Equal(t, RejectCreditTooLow, rej.Code)

	// credit 0.85 -> 0.17, proceeds to scoring
	m.NetPrice = 0.85
	res, rej := liveEngine().ScoreCredit(m)
	require.Nil(t, rej)
	assert.Greater(t, res.Score, 0.0)
}

func TestCreditSkewFilter(t *testing.T) {
	m := passingCreditMetrics()
	m.Skew = 2.5
	_, rej := liveEngine().ScoreCredit(m)
	require.NotNil(t, rej)
	assert.Equal(t, RejectSkewInvalid, rej.Code)

	m.Skew = math.NaN()
	_, rej = liveEngine().ScoreCredit(m)
	require.NotNil(t, rej)
}

func TestCreditCompositeInRange(t *testing.T) {
	res, rej := liveEngine().ScoreCredit(passingCreditMetrics())
	require.Nil(t, rej)
	assert.GreaterOrEqual(t, res.Score, 0.0)
	assert.LessOrEqual(t, res.Score, 1.0)
	// near-ideal inputs should clear the credit floor
	assert.GreaterOrEqual(t, res.Score, CreditScoreThreshold)
}

func TestSandboxWeightRenormalization(t *testing.T) {
	// With every component at its max, the sandbox composite must still
	// reach 1.0 after the IVR weight is zeroed and redistributed.
	m := Metrics{
		NetPrice:       2.5, // credit/width = 0.5, logistic ~1
		Width:          5,
		POP:            0.95,
		DeltaShort:     -0.25,
		IVR:            0,
		Skew:           0.0,
		ShortPctSpread: 0,
		LongPctSpread:  0,
	}
	res, rej := sandboxEngine().ScoreCredit(m)
	require.Nil(t, rej)
	assert.InDelta(t, 1.0, res.Score, 0.02)
}

func TestSkewScore(t *testing.T) {
	assert.Equal(t, 1.0, skewScore(0.10))
	assert.Equal(t, 1.0, skewScore(-0.05))
	assert.Equal(t, 0.0, skewScore(0.50))
	assert.InDelta(t, 0.5, skewScore(0.30), 1e-9)
}

func passingDebitMetrics() Metrics {
	return Metrics{
		NetPrice:       1.20,
		Width:          5,
		DeltaLong:      0.47,
		IVR:            0.30,
		Trend:          0.9,
		ShortPctSpread: 0.01,
		LongPctSpread:  0.01,
	}
}

func TestDebitFilters(t *testing.T) {
	e := liveEngine()

	m := passingDebitMetrics()
	res, rej := e.ScoreDebit(m)
	require.Nil(t, rej)
	assert.Greater(t, res.Score, 0.0)

	m = passingDebitMetrics()
	m.NetPrice = 2.60
	_, rej = e.ScoreDebit(m)
	require.NotNil(t, rej)
	assert.Equal(t, RejectDebitOutOfRange, rej.Code)

	m = passingDebitMetrics()
	m.NetPrice = 2.51 // rr = 2.49/2.51 < 1 but debit bound fires first
	_, rej = e.ScoreDebit(m)
	require.NotNil(t, rej)

	m = passingDebitMetrics()
	m.DeltaLong = 0.60
	_, rej = e.ScoreDebit(m)
	require.NotNil(t, rej)
	assert.Equal(t, RejectDeltaOutOfRange, rej.Code)

	m = passingDebitMetrics()
	m.NetPrice = 2.50 // rr = 2.5/2.5 = 1.0, boundary passes
	_, rej = e.ScoreDebit(m)
	assert.Nil(t, rej)
}

func TestDebitDeltaFallbackToShort(t *testing.T) {
	m := passingDebitMetrics()
	m.DeltaLong = 0
	m.DeltaShort = 0.45
	_, rej := liveEngine().ScoreDebit(m)
	assert.Nil(t, rej)
}

func TestRewardRiskScore(t *testing.T) {
	assert.Equal(t, 1.0, rewardRiskScore(1.2))
	assert.Equal(t, 0.5, rewardRiskScore(1.0))
	assert.InDelta(t, 0.75, rewardRiskScore(1.1), 1e-9)
}

func TestMeetsThreshold(t *testing.T) {
	assert.True(t, MeetsThreshold(models.StrategyBullPutCredit, 0.70))
	assert.False(t, MeetsThreshold(models.StrategyBullPutCredit, 0.699))
	assert.True(t, MeetsThreshold(models.StrategyBullCallDebit, 0.85))
	assert.False(t, MeetsThreshold(models.StrategyBullCallDebit, 0.849))
}
