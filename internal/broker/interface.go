package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Broker is the gateway contract the engines depend on.
type Broker interface {
	// Market data
	GetUnderlyingQuote(ctx context.Context, symbol string) (*Quote, error)
	GetOptionChain(ctx context.Context, symbol string, expiration time.Time, requireGreeks bool) ([]OptionQuote, error)
	GetHistoricalData(ctx context.Context, symbol string, start, end time.Time) ([]DailyBar, error)

	// Orders
	PlaceSpreadOrder(ctx context.Context, req SpreadOrderRequest) (*Order, error)
	PlaceSingleLegCloseOrder(ctx context.Context, optionSymbol string, quantity int, buyToClose bool, limit float64, tag string) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetOrderWithLegs(ctx context.Context, orderID string) (*Order, error)
	GetAllOrders(ctx context.Context, start, end time.Time) ([]Order, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)
	CancelOrder(ctx context.Context, orderID string) error

	// Account
	GetPositions(ctx context.Context) ([]Position, error)
	GetBalances(ctx context.Context) (*Balances, error)
	GetGainLoss(ctx context.Context, start, end time.Time) ([]GainLossItem, error)
}

// Ensure Tradier implements Broker at compile time.
var _ Broker = (*Tradier)(nil)

// IsPermanentAPIError reports whether err is a 4xx API error (excluding 429)
// that will not succeed on retry.
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// CircuitBreakerBroker wraps a Broker so a run of broker failures stops
// hammering the API for a cool-down window.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// NewCircuitBreakerBroker wraps broker with default breaker settings.
func NewCircuitBreakerBroker(broker Broker, log zerolog.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, log, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings wraps broker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, log zerolog.Logger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	cbLog := log.With().Str("component", "circuit_breaker").Logger()
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			cbLog.Warn().Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
		// Permanent 4xx rejections are the broker answering; they must not
		// trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanentAPIError(err)
		},
	}
	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execCircuitBreaker is a generic helper for the wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

func (c *CircuitBreakerBroker) GetUnderlyingQuote(ctx context.Context, symbol string) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Quote, error) {
		return b.GetUnderlyingQuote(ctx, symbol)
	})
}

func (c *CircuitBreakerBroker) GetOptionChain(ctx context.Context, symbol string, expiration time.Time, requireGreeks bool) ([]OptionQuote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]OptionQuote, error) {
		return b.GetOptionChain(ctx, symbol, expiration, requireGreeks)
	})
}

func (c *CircuitBreakerBroker) GetHistoricalData(ctx context.Context, symbol string, start, end time.Time) ([]DailyBar, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]DailyBar, error) {
		return b.GetHistoricalData(ctx, symbol, start, end)
	})
}

func (c *CircuitBreakerBroker) PlaceSpreadOrder(ctx context.Context, req SpreadOrderRequest) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) {
		return b.PlaceSpreadOrder(ctx, req)
	})
}

func (c *CircuitBreakerBroker) PlaceSingleLegCloseOrder(ctx context.Context, optionSymbol string, quantity int, buyToClose bool, limit float64, tag string) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) {
		return b.PlaceSingleLegCloseOrder(ctx, optionSymbol, quantity, buyToClose, limit, tag)
	})
}

func (c *CircuitBreakerBroker) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) {
		return b.GetOrder(ctx, orderID)
	})
}

func (c *CircuitBreakerBroker) GetOrderWithLegs(ctx context.Context, orderID string) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) {
		return b.GetOrderWithLegs(ctx, orderID)
	})
}

func (c *CircuitBreakerBroker) GetAllOrders(ctx context.Context, start, end time.Time) ([]Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Order, error) {
		return b.GetAllOrders(ctx, start, end)
	})
}

func (c *CircuitBreakerBroker) GetOpenOrders(ctx context.Context) ([]Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Order, error) {
		return b.GetOpenOrders(ctx)
	})
}

func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Position, error) {
		return b.GetPositions(ctx)
	})
}

func (c *CircuitBreakerBroker) GetBalances(ctx context.Context) (*Balances, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Balances, error) {
		return b.GetBalances(ctx)
	})
}

func (c *CircuitBreakerBroker) GetGainLoss(ctx context.Context, start, end time.Time) ([]GainLossItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]GainLossItem, error) {
		return b.GetGainLoss(ctx, start, end)
	})
}
