package util

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// OptionSymbol is a decoded OCC/OSI option symbol such as SPY241220P00485000.
type OptionSymbol struct {
	Underlying string
	Expiration time.Time
	OptionType string // "put" or "call"
	Strike     float64
}

// FormatOCC builds an OCC option symbol: UNDERLYING + YYMMDD + P/C + 8-digit strike.
// Strikes are encoded in thousandths of a dollar.
func FormatOCC(underlying string, expiration time.Time, optionType string, strike float64) string {
	typeChar := "P"
	if strings.EqualFold(optionType, "call") || strings.EqualFold(optionType, "c") {
		typeChar = "C"
	}
	// eps guards strikes like 484.999999 produced by float arithmetic
	const eps = 1e-9
	strikeInt := int(math.Round(strike*1000 + eps))
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(underlying), expiration.Format("060102"), typeChar, strikeInt)
}

// ParseOCC decodes an OCC option symbol. It tolerates underlyings of any
// length by scanning for the YYMMDD + P/C + 8-digit-strike tail.
func ParseOCC(symbol string) (*OptionSymbol, error) {
	s := strings.TrimSpace(symbol)
	if len(s) < 16 {
		return nil, fmt.Errorf("option symbol too short: %q", symbol)
	}

	// The tail is fixed-length: 6 date digits, one type char, 8 strike digits.
	tail := len(s) - 15
	if tail < 1 {
		return nil, fmt.Errorf("option symbol has no underlying: %q", symbol)
	}

	underlying := s[:tail]
	dateStr := s[tail : tail+6]
	typeChar := s[tail+6]
	strikeStr := s[tail+7:]

	if !isDigits(dateStr) || !isDigits(strikeStr) {
		return nil, fmt.Errorf("malformed option symbol: %q", symbol)
	}

	var optionType string
	switch typeChar {
	case 'P', 'p':
		optionType = "put"
	case 'C', 'c':
		optionType = "call"
	default:
		return nil, fmt.Errorf("invalid option type %q in symbol %q", string(typeChar), symbol)
	}

	expiration, err := time.Parse("060102", dateStr)
	if err != nil {
		return nil, fmt.Errorf("invalid expiration in symbol %q: %w", symbol, err)
	}

	strikeInt, err := strconv.Atoi(strikeStr)
	if err != nil {
		return nil, fmt.Errorf("invalid strike in symbol %q: %w", symbol, err)
	}

	return &OptionSymbol{
		Underlying: strings.ToUpper(underlying),
		Expiration: expiration,
		OptionType: optionType,
		Strike:     float64(strikeInt) / 1000.0,
	}, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
