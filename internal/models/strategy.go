// Package models provides data structures and state management for spread trades.
package models

import "fmt"

// Strategy identifies the vertical spread family of a trade.
type Strategy string

const (
	// StrategyBullPutCredit sells a put and buys a lower-strike put.
	StrategyBullPutCredit Strategy = "BULL_PUT_CREDIT"
	// StrategyBearCallCredit sells a call and buys a higher-strike call.
	StrategyBearCallCredit Strategy = "BEAR_CALL_CREDIT"
	// StrategyBullCallDebit buys a call and sells a higher-strike call.
	StrategyBullCallDebit Strategy = "BULL_CALL_DEBIT"
	// StrategyBearPutDebit buys a put and sells a lower-strike put.
	StrategyBearPutDebit Strategy = "BEAR_PUT_DEBIT"
	// StrategyIronCondor combines a bull put and a bear call credit spread.
	// Recognized for imported trades; the proposal engine does not build it.
	StrategyIronCondor Strategy = "IRON_CONDOR"
)

// OptionType represents the type of option contract.
type OptionType string

const (
	// OptionTypePut represents a put option contract.
	OptionTypePut OptionType = "put"
	// OptionTypeCall represents a call option contract.
	OptionTypeCall OptionType = "call"
)

// Valid reports whether s is a recognized strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyBullPutCredit, StrategyBearCallCredit, StrategyBullCallDebit, StrategyBearPutDebit, StrategyIronCondor:
		return true
	default:
		return false
	}
}

// IsCredit reports whether the strategy collects premium at open.
func (s Strategy) IsCredit() bool {
	switch s {
	case StrategyBullPutCredit, StrategyBearCallCredit, StrategyIronCondor:
		return true
	default:
		return false
	}
}

// OptionType returns the shared option type of both legs.
// Call strategies use calls, everything else puts.
func (s Strategy) OptionType() OptionType {
	switch s {
	case StrategyBearCallCredit, StrategyBullCallDebit:
		return OptionTypeCall
	default:
		return OptionTypePut
	}
}

// LongStrike derives the long-leg strike from the short strike and width.
// Credit put / debit call: long = short - width.
// Debit put / credit call: long = short + width.
func (s Strategy) LongStrike(shortStrike, width float64) (float64, error) {
	switch s {
	case StrategyBullPutCredit, StrategyBullCallDebit:
		return shortStrike - width, nil
	case StrategyBearCallCredit, StrategyBearPutDebit:
		return shortStrike + width, nil
	default:
		return 0, fmt.Errorf("no strike relationship defined for strategy %s", s)
	}
}

// ParseStrategy converts a string into a Strategy, rejecting unknown values.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown strategy: %q", s)
	}
	return st, nil
}
