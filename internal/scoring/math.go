// Package scoring turns candidate spread metrics into composite scores.
// The credit and debit paths share only these math primitives; their
// filters, components, and weights are kept independent.
package scoring

import "math"

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// logistic is the S-curve 1/(1+e^(-k*(x-mid))).
func logistic(x, k, mid float64) float64 {
	return 1 / (1 + math.Exp(-k*(x-mid)))
}

// normalizeRatio maps values reported on a 0-100 scale down to 0-1.
// POP and IVR arrive in both conventions depending on the data source.
func normalizeRatio(v float64) float64 {
	if v > 1 && v <= 100 {
		return v / 100
	}
	return v
}

// linearRemap maps v from [lo,hi] to [0,1], clamped.
func linearRemap(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return clamp((v-lo)/(hi-lo), 0, 1)
}
