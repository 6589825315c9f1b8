package proposal

import (
	"math"

	"github.com/gekkoworks/spreadbot/internal/broker"
	"github.com/gekkoworks/spreadbot/internal/models"
	"github.com/gekkoworks/spreadbot/internal/scoring"
)

// maxLegSpread is the absolute per-leg bid/ask spread allowed at entry.
const maxLegSpread = 0.15

// candidate is one scored strike pair.
type candidate struct {
	ShortStrike float64
	LongStrike  float64
	NetPrice    float64
	Score       float64
	Components  models.ComponentScores
}

// chainIndex maps strike to quote for one option type.
type chainIndex map[float64]*broker.OptionQuote

func indexChain(chain []broker.OptionQuote, optType models.OptionType) chainIndex {
	idx := make(chainIndex)
	for i := range chain {
		q := &chain[i]
		if q.OptionType == optType {
			idx[q.Strike] = q
		}
	}
	return idx
}

// legUsable rejects invalid or stale leg quotes.
func legUsable(q *broker.OptionQuote) bool {
	if q.Bid <= 0 || q.Ask <= 0 {
		return false
	}
	return q.Ask-q.Bid <= maxLegSpread
}

func pctSpread(q *broker.OptionQuote) float64 {
	mid := q.Mid()
	if mid <= 0 {
		return 1
	}
	return (q.Ask - q.Bid) / mid
}

// bestCandidate builds every strike pair for the strategy from the chain,
// scores each, and returns the highest scorer with a tally of hard-filter
// rejections by code.
func bestCandidate(engine *scoring.Engine, strategy models.Strategy, spot float64,
	chain []broker.OptionQuote, ivr, trend float64) (*candidate, map[string]int) {

	idx := indexChain(chain, strategy.OptionType())
	rejections := make(map[string]int)
	var best *candidate

	for shortStrike, short := range idx {
		if !otmShort(strategy, shortStrike, spot) {
			continue
		}
		longStrike, err := strategy.LongStrike(shortStrike, models.SpreadWidth)
		if err != nil {
			continue
		}
		long, ok := idx[longStrike]
		if !ok {
			continue
		}
		if !legUsable(short) || !legUsable(long) {
			rejections["STALE_QUOTE"]++
			continue
		}

		m := buildMetrics(strategy, short, long, ivr, trend)
		if m.NetPrice <= 0 {
			rejections["NO_EDGE"]++
			continue
		}

		var res *scoring.Result
		var rej *scoring.Rejection
		if strategy.IsCredit() {
			res, rej = engine.ScoreCredit(m)
		} else {
			res, rej = engine.ScoreDebit(m)
		}
		if rej != nil {
			rejections[rej.Code]++
			continue
		}
		if !scoring.MeetsThreshold(strategy, res.Score) {
			rejections["BELOW_THRESHOLD"]++
			continue
		}

		if best == nil || res.Score > best.Score {
			best = &candidate{
				ShortStrike: shortStrike,
				LongStrike:  longStrike,
				NetPrice:    m.NetPrice,
				Score:       res.Score,
				Components:  res.Components,
			}
		}
	}
	return best, rejections
}

// otmShort keeps credit short strikes out of the money. Debit strategies
// are unconstrained here; the delta band does the selecting.
func otmShort(strategy models.Strategy, strike, spot float64) bool {
	switch strategy {
	case models.StrategyBullPutCredit:
		return strike < spot
	case models.StrategyBearCallCredit:
		return strike > spot
	default:
		return true
	}
}

func buildMetrics(strategy models.Strategy, short, long *broker.OptionQuote, ivr, trend float64) scoring.Metrics {
	var netPrice float64
	if strategy.IsCredit() {
		// Conservative entry: sell at the short bid, buy at the long ask.
		netPrice = short.Bid - long.Ask
	} else {
		netPrice = long.Ask - short.Bid
	}
	return scoring.Metrics{
		NetPrice:       netPrice,
		Width:          models.SpreadWidth,
		POP:            1 - math.Abs(short.Delta),
		DeltaShort:     short.Delta,
		DeltaLong:      long.Delta,
		IVR:            ivr,
		Skew:           short.MidIV - long.MidIV,
		ShortPctSpread: pctSpread(short),
		LongPctSpread:  pctSpread(long),
		Trend:          trend,
	}
}
