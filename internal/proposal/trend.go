package proposal

import (
	"math"

	"github.com/markcheno/go-talib"

	"github.com/gekkoworks/spreadbot/internal/models"
)

const (
	smaFast      = 20
	smaSlow      = 50
	driftWindow  = 10
	hvWindow     = 20
	minBarsTrend = smaSlow + 1
	minBarsIVR   = hvWindow * 3
)

// trendScore maps the 20/50 SMA cross plus short-term drift onto [0,1] in
// the direction the strategy needs. 0.5 is neutral; missing history is
// neutral too.
func trendScore(closes []float64, strategy models.Strategy) float64 {
	if len(closes) < minBarsTrend {
		return 0.5
	}
	last := len(closes) - 1
	fast := talib.Sma(closes, smaFast)
	slow := talib.Sma(closes, smaSlow)

	score := 0.2
	if fast[last] > slow[last] {
		score = 0.8
	}
	drift := (closes[last] - closes[last-driftWindow]) / closes[last-driftWindow]
	score += clampF(drift*4, -0.2, 0.2)
	score = clampF(score, 0, 1)

	if !bullish(strategy) {
		score = 1 - score
	}
	return score
}

func bullish(s models.Strategy) bool {
	return s == models.StrategyBullPutCredit || s == models.StrategyBullCallDebit
}

// volRank ranks the current 20-day realized volatility inside its range
// over the supplied history. It stands in for IV rank when the broker feed
// carries no IV history; the scoring bands treat it the same way.
func volRank(closes []float64) float64 {
	if len(closes) < minBarsIVR {
		return 0
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 {
			return 0
		}
		returns = append(returns, math.Log(closes[i]/closes[i-1]))
	}
	hv := talib.StdDev(returns, hvWindow, 1)

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range hv[hvWindow-1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi <= lo {
		return 0
	}
	return (hv[len(hv)-1] - lo) / (hi - lo)
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
