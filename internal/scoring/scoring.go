package scoring

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/gekkoworks/spreadbot/internal/models"
)

// Composite thresholds are safety floors owned by the engine; the admin
// minimum score is applied separately by the proposal engine.
const (
	CreditScoreThreshold = 0.70
	DebitScoreThreshold  = 0.85
)

// Rejection codes attached to hard-filter failures.
const (
	RejectPOPTooLow       = "POP_TOO_LOW"
	RejectDeltaOutOfRange = "DELTA_OUT_OF_RANGE"
	RejectIVROutOfRange   = "IVR_OUT_OF_RANGE"
	RejectSkewInvalid     = "SKEW_INVALID"
	RejectCreditTooLow    = "CREDIT_TOO_LOW"
	RejectDebitOutOfRange = "DEBIT_OUT_OF_RANGE"
	RejectRewardRiskLow   = "REWARD_RISK_TOO_LOW"
)

// Rejection is a structured hard-filter failure. Rejected candidates never
// produce a score.
type Rejection struct {
	Code   string
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

// Metrics are the inputs to both scorers. Prices are per contract,
// positive. Delta fields carry their natural signs.
type Metrics struct {
	// NetPrice is the credit for credit spreads, the debit for debit spreads.
	NetPrice   float64
	Width      float64
	POP        float64
	DeltaShort float64
	DeltaLong  float64
	IVR        float64
	// Skew is the signed IV difference between the legs.
	Skew           float64
	ShortPctSpread float64
	LongPctSpread  float64
	// Trend is the directional agreement score in [0,1] (debit spreads).
	Trend float64
}

// Result is a scored candidate. EV accompanies the composite but is not
// part of it.
type Result struct {
	Score      float64
	Components models.ComponentScores
	EV         float64
}

// Engine holds the mode-dependent knobs.
type Engine struct {
	// Sandbox relaxes delta bounds and removes IVR from filters and weights.
	Sandbox bool
	// MinCreditFraction is the credit floor as a fraction of width.
	MinCreditFraction float64
	log               zerolog.Logger
}

// New builds a scoring engine. minCreditFraction is the admin-configured
// credit floor (fraction of width).
func New(sandbox bool, minCreditFraction float64, log zerolog.Logger) *Engine {
	return &Engine{
		Sandbox:           sandbox,
		MinCreditFraction: minCreditFraction,
		log:               log.With().Str("component", "scoring").Logger(),
	}
}

// credit component weights
const (
	wPOP       = 0.40
	wCredit    = 0.25
	wIVR       = 0.20
	wDelta     = 0.08
	wLiquidity = 0.04
	wSkew      = 0.03
)

// ScoreCredit runs the credit-spread hard filters and composite. A non-nil
// Rejection means the candidate failed a filter and has no score.
func (e *Engine) ScoreCredit(m Metrics) (*Result, *Rejection) {
	pop := normalizeRatio(m.POP)
	ivr := normalizeRatio(m.IVR)
	absDelta := math.Abs(m.DeltaShort)

	if pop < 0.65 {
		return nil, &Rejection{RejectPOPTooLow, fmt.Sprintf("pop %.4f < 0.65", pop)}
	}
	deltaLo, deltaHi := 0.18, 0.28
	if e.Sandbox {
		deltaLo, deltaHi = 0.15, 0.35
	}
	if absDelta < deltaLo || absDelta > deltaHi {
		return nil, &Rejection{RejectDeltaOutOfRange,
			fmt.Sprintf("|delta| %.4f outside [%.2f, %.2f]", absDelta, deltaLo, deltaHi)}
	}
	if !e.Sandbox && (ivr < 0.15 || ivr > 0.70) {
		return nil, &Rejection{RejectIVROutOfRange, fmt.Sprintf("ivr %.4f outside [0.15, 0.70]", ivr)}
	}
	if math.IsNaN(m.Skew) || math.IsInf(m.Skew, 0) || math.Abs(m.Skew) > 2 {
		return nil, &Rejection{RejectSkewInvalid, fmt.Sprintf("skew %.4f", m.Skew)}
	}
	if m.NetPrice < m.Width*e.MinCreditFraction {
		return nil, &Rejection{RejectCreditTooLow,
			fmt.Sprintf("credit %.2f < width %.2f x %.2f", m.NetPrice, m.Width, e.MinCreditFraction)}
	}

	comp := models.ComponentScores{
		POP:       linearRemap(clamp(pop, 0.5, 0.9), 0.5, 0.9),
		Credit:    logistic(m.NetPrice/m.Width, 15, 0.22),
		IVR:       clamp(1-7.5*math.Abs(ivr-0.45), 0, 1),
		Delta:     clamp(1-math.Abs(absDelta-0.25)/0.07, 0, 1),
		Liquidity: clamp(1-12*(m.ShortPctSpread+m.LongPctSpread), 0, 1),
		Skew:      skewScore(m.Skew),
	}

	weights := [6]float64{wPOP, wCredit, wIVR, wDelta, wLiquidity, wSkew}
	values := [6]float64{comp.POP, comp.Credit, comp.IVR, comp.Delta, comp.Liquidity, comp.Skew}
	if e.Sandbox {
		// IVR is unreliable on the paper feed; drop it and renormalize.
		weights[2] = 0
		var total float64
		for _, w := range weights {
			total += w
		}
		for i := range weights {
			weights[i] /= total
		}
		comp.IVR = 0
		values[2] = 0
	}

	var score float64
	for i := range weights {
		score += weights[i] * values[i]
	}

	ev := pop*m.NetPrice - (1-pop)*(m.Width-m.NetPrice)
	return &Result{Score: clamp(score, 0, 1), Components: comp, EV: ev}, nil
}

// skewScore gives full credit at |skew| <= 0.10 and decays linearly to zero
// by |skew| = 0.50.
func skewScore(skew float64) float64 {
	abs := math.Abs(skew)
	if abs <= 0.10 {
		return 1
	}
	if abs >= 0.50 {
		return 0
	}
	return 1 - (abs-0.10)/0.40
}

// debit component weights
const (
	wTrend       = 0.30
	wDebitDelta  = 0.25
	wRewardRisk  = 0.25
	wDebitIVR    = 0.10
	wDebitLiquid = 0.10
)

// ScoreDebit runs the debit-spread hard filters and composite.
func (e *Engine) ScoreDebit(m Metrics) (*Result, *Rejection) {
	ivr := normalizeRatio(m.IVR)

	if !e.Sandbox && (ivr < 0.10 || ivr > 0.70) {
		return nil, &Rejection{RejectIVROutOfRange, fmt.Sprintf("ivr %.4f outside [0.10, 0.70]", ivr)}
	}
	absDelta := math.Abs(m.DeltaLong)
	if absDelta == 0 {
		absDelta = math.Abs(m.DeltaShort)
		e.log.Warn().Float64("delta_short", m.DeltaShort).
			Msg("Long-leg delta missing, falling back to short-leg delta")
	}
	if absDelta < 0.40 || absDelta > 0.55 {
		return nil, &Rejection{RejectDeltaOutOfRange,
			fmt.Sprintf("|delta| %.4f outside [0.40, 0.55]", absDelta)}
	}
	if m.NetPrice < 0.80 || m.NetPrice > 2.50 {
		return nil, &Rejection{RejectDebitOutOfRange,
			fmt.Sprintf("debit %.2f outside [0.80, 2.50]", m.NetPrice)}
	}
	rewardRisk := (m.Width - m.NetPrice) / m.NetPrice
	if rewardRisk < 1.0 {
		return nil, &Rejection{RejectRewardRiskLow, fmt.Sprintf("reward:risk %.3f < 1.0", rewardRisk)}
	}

	comp := models.ComponentScores{
		Trend:      clamp(m.Trend, 0, 1),
		Delta:      clamp(1-math.Abs(absDelta-0.475)/0.075, 0, 1),
		RewardRisk: rewardRiskScore(rewardRisk),
		IVR:        debitIVRScore(ivr),
		Liquidity:  clamp(1-12*(m.ShortPctSpread+m.LongPctSpread), 0, 1),
	}
	score := wTrend*comp.Trend + wDebitDelta*comp.Delta + wRewardRisk*comp.RewardRisk +
		wDebitIVR*comp.IVR + wDebitLiquid*comp.Liquidity

	ev := clamp(m.Trend, 0, 1)*(m.Width-m.NetPrice) - (1-clamp(m.Trend, 0, 1))*m.NetPrice
	return &Result{Score: clamp(score, 0, 1), Components: comp, EV: ev}, nil
}

// rewardRiskScore gives 0.5 at 1.0, full credit at 1.2, linear between.
func rewardRiskScore(rr float64) float64 {
	if rr >= 1.2 {
		return 1
	}
	if rr <= 1.0 {
		return 0.5
	}
	return 0.5 + (rr-1.0)/0.2*0.5
}

// debitIVRScore prefers buying premium when IV is modest: full credit in
// [0.20, 0.50], soft floor 0.6 outside.
func debitIVRScore(ivr float64) float64 {
	if ivr >= 0.20 && ivr <= 0.50 {
		return 1
	}
	return 0.6
}

// MeetsThreshold applies the engine-level safety floor for the strategy
// family.
func MeetsThreshold(strategy models.Strategy, score float64) bool {
	if strategy.IsCredit() {
		return score >= CreditScoreThreshold
	}
	return score >= DebitScoreThreshold
}
