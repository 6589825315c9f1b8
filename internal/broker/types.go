// Package broker wraps the Tradier HTTP API behind a stateless gateway.
// It normalizes quotes, chains, orders, positions, balances, and gain/loss
// rows, enforces per-call timeouts with bounded retry, and emits one audit
// record per call.
package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/gekkoworks/spreadbot/internal/models"
)

// APIError is a non-2xx broker response. 4xx errors are permanent and are
// never retried.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Tradier returns single objects where arrays are expected when exactly one
// element matches. singleOrArray accepts both shapes.
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`"null"`)) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// Quote is a normalized underlying quote.
type Quote struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
	Close  float64
	Volume int64
}

// OptionQuote is one normalized option-chain row.
type OptionQuote struct {
	Symbol       string
	Underlying   string
	OptionType   models.OptionType
	Strike       float64
	Expiration   time.Time
	Bid          float64
	Ask          float64
	Last         float64
	BidSize      int
	AskSize      int
	Volume       int64
	OpenInterest int64
	Delta        float64
	MidIV        float64
	HasGreeks    bool
}

// Mid returns the bid/ask midpoint.
func (o *OptionQuote) Mid() float64 {
	return (o.Bid + o.Ask) / 2
}

// PctSpread is the bid-ask spread as a fraction of the mid, 0 when unquoted.
func (o *OptionQuote) PctSpread() float64 {
	mid := o.Mid()
	if mid <= 0 {
		return 0
	}
	return (o.Ask - o.Bid) / mid
}

// Position is one broker position with the broker's sign convention
// (short quantities are negative).
type Position struct {
	Symbol    string
	Quantity  int
	CostBasis float64
	Acquired  time.Time
}

// Balances summarizes the account.
type Balances struct {
	TotalCash         float64
	OptionBuyingPower float64
	TotalEquity       float64
	MarginRequirement float64
}

// OrderLeg is one leg of a multileg broker order.
type OrderLeg struct {
	OptionSymbol string
	Side         string
	Quantity     int
	Status       models.OrderStatus
	AvgFillPrice float64
	ExecQuantity int
}

// Order is the gateway's view of a broker order.
type Order struct {
	ID            string
	Status        models.OrderStatus
	RawStatus     string
	Class         string
	Symbol        string
	Side          string
	Type          string
	Tag           string
	Price         float64
	AvgFillPrice  float64
	Quantity      int
	ExecQuantity  int
	RemainingQty  int
	ReasonText    string
	CreatedAt     time.Time
	Legs          []OrderLeg
}

// GainLossItem is one closed position from the broker's gain/loss report.
type GainLossItem struct {
	Symbol    string
	Quantity  int
	Cost      float64
	Proceeds  float64
	GainLoss  float64
	OpenDate  time.Time
	CloseDate time.Time
}

// DailyBar is one daily OHLCV bar.
type DailyBar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// SpreadOrderRequest describes a 2-leg vertical order. The gateway derives
// order type and leg sides from the strategy; callers never pre-compute them.
type SpreadOrderRequest struct {
	Symbol      string
	Expiration  time.Time
	Strategy    models.Strategy
	ShortStrike float64
	LongStrike  float64
	Quantity    int
	// LimitPrice is the net credit/debit limit, positive, 2 decimals.
	LimitPrice float64
	// Closing flips the base order type: credit spreads close as debit.
	Closing bool
	Tag     string
}

// mapOrderStatus maps a Tradier order status string to the local enum.
func mapOrderStatus(raw string) models.OrderStatus {
	switch raw {
	case "filled":
		return models.OrderFilled
	case "partially_filled":
		return models.OrderPartial
	case "canceled", "expired":
		return models.OrderCancelled
	case "rejected", "error":
		return models.OrderRejected
	case "open", "accepted", "submitted":
		return models.OrderPlaced
	default:
		return models.OrderPending
	}
}

// normalizePrice returns the positive magnitude of a broker-reported price.
// Credit fills may come back negative; downstream PnL math depends on
// positive magnitudes.
func normalizePrice(p float64) float64 {
	return math.Abs(p)
}

// ============ Raw Tradier response shapes ============

type quotesResponse struct {
	Quotes struct {
		Quote singleOrArray[rawQuote] `json:"quote"`
	} `json:"quotes"`
}

type rawQuote struct {
	Symbol string  `json:"symbol"`
	Last   float64 `json:"last"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

type chainResponse struct {
	Options struct {
		Option singleOrArray[rawOption] `json:"option"`
	} `json:"options"`
}

type rawGreeks struct {
	Delta float64 `json:"delta"`
	MidIV float64 `json:"mid_iv"`
}

type rawOption struct {
	Symbol         string     `json:"symbol"`
	Underlying     string     `json:"underlying"`
	OptionType     string     `json:"option_type"`
	ExpirationDate string     `json:"expiration_date"`
	Strike         float64    `json:"strike"`
	Bid            float64    `json:"bid"`
	Ask            float64    `json:"ask"`
	Last           float64    `json:"last"`
	BidSize        int        `json:"bid_size"`
	AskSize        int        `json:"ask_size"`
	Volume         int64      `json:"volume"`
	OpenInterest   int64      `json:"open_interest"`
	Greeks         *rawGreeks `json:"greeks,omitempty"`
}

type positionsResponse struct {
	Positions positionsWrapper `json:"positions"`
}

// Tradier returns the literal string "null" for an empty account.
type positionsWrapper struct {
	Position singleOrArray[rawPosition] `json:"position"`
}

func (pw *positionsWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*pw = positionsWrapper{}
		return nil
	}
	type plain positionsWrapper
	return json.Unmarshal(b, (*plain)(pw))
}

type rawPosition struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	CostBasis    float64 `json:"cost_basis"`
	DateAcquired string  `json:"date_acquired"`
}

type balancesResponse struct {
	Balances struct {
		TotalEquity        float64 `json:"total_equity"`
		TotalCash          float64 `json:"total_cash"`
		CurrentRequirement float64 `json:"current_requirement"`
		AccountType        string  `json:"account_type"`
		Margin             *struct {
			OptionBuyingPower float64 `json:"option_buying_power"`
		} `json:"margin"`
		Cash *struct {
			CashAvailable float64 `json:"cash_available"`
		} `json:"cash"`
		PDT *struct {
			OptionBuyingPower float64 `json:"option_buying_power"`
		} `json:"pdt"`
	} `json:"balances"`
}

func (b *balancesResponse) optionBuyingPower() float64 {
	switch {
	case b.Balances.Margin != nil:
		return b.Balances.Margin.OptionBuyingPower
	case b.Balances.PDT != nil:
		return b.Balances.PDT.OptionBuyingPower
	case b.Balances.Cash != nil:
		return b.Balances.Cash.CashAvailable
	default:
		return 0
	}
}

type rawOrderLeg struct {
	OptionSymbol string  `json:"option_symbol"`
	Side         string  `json:"side"`
	Quantity     float64 `json:"quantity"`
	Status       string  `json:"status"`
	AvgFillPrice float64 `json:"avg_fill_price"`
	ExecQuantity float64 `json:"exec_quantity"`
}

type rawOrder struct {
	ID                json.Number              `json:"id"`
	Status            string                   `json:"status"`
	Class             string                   `json:"class"`
	Symbol            string                   `json:"symbol"`
	Side              string                   `json:"side"`
	Type              string                   `json:"type"`
	Tag               string                   `json:"tag"`
	Price             float64                  `json:"price"`
	AvgFillPrice      float64                  `json:"avg_fill_price"`
	Quantity          float64                  `json:"quantity"`
	ExecQuantity      float64                  `json:"exec_quantity"`
	RemainingQuantity float64                  `json:"remaining_quantity"`
	ReasonDescription string                   `json:"reason_description"`
	CreateDate        string                   `json:"create_date"`
	Leg               singleOrArray[rawOrderLeg] `json:"leg"`
}

func (r *rawOrder) toOrder() Order {
	o := Order{
		ID:           r.ID.String(),
		Status:       mapOrderStatus(r.Status),
		RawStatus:    r.Status,
		Class:        r.Class,
		Symbol:       r.Symbol,
		Side:         r.Side,
		Type:         r.Type,
		Tag:          r.Tag,
		Price:        normalizePrice(r.Price),
		AvgFillPrice: normalizePrice(r.AvgFillPrice),
		Quantity:     int(r.Quantity),
		ExecQuantity: int(r.ExecQuantity),
		RemainingQty: int(r.RemainingQuantity),
		ReasonText:   r.ReasonDescription,
	}
	if t, err := time.Parse(time.RFC3339, r.CreateDate); err == nil {
		o.CreatedAt = t
	}
	for _, l := range r.Leg {
		o.Legs = append(o.Legs, OrderLeg{
			OptionSymbol: l.OptionSymbol,
			Side:         l.Side,
			Quantity:     int(l.Quantity),
			Status:       mapOrderStatus(l.Status),
			AvgFillPrice: normalizePrice(l.AvgFillPrice),
			ExecQuantity: int(l.ExecQuantity),
		})
	}
	return o
}

type orderResponse struct {
	Order rawOrder `json:"order"`
}

type ordersResponse struct {
	Orders ordersWrapper `json:"orders"`
}

type ordersWrapper struct {
	Order singleOrArray[rawOrder] `json:"order"`
}

func (ow *ordersWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*ow = ordersWrapper{}
		return nil
	}
	type plain ordersWrapper
	return json.Unmarshal(b, (*plain)(ow))
}

type gainLossResponse struct {
	GainLoss struct {
		ClosedPosition singleOrArray[rawGainLoss] `json:"closed_position"`
	} `json:"gainloss"`
}

type rawGainLoss struct {
	Symbol    string  `json:"symbol"`
	Quantity  float64 `json:"quantity"`
	Cost      float64 `json:"cost"`
	Proceeds  float64 `json:"proceeds"`
	GainLoss  float64 `json:"gain_loss"`
	OpenDate  string  `json:"open_date"`
	CloseDate string  `json:"close_date"`
}

type historyResponse struct {
	History struct {
		Day singleOrArray[rawBar] `json:"day"`
	} `json:"history"`
}

type rawBar struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}
