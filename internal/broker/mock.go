package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMockNotConfigured is returned by MockBroker methods without a stub.
var ErrMockNotConfigured = errors.New("mock broker: method not configured")

// MockBroker is a function-field test double. Set the stub for each method
// a test exercises; unset methods fail loudly. Calls records every
// order-mutating invocation.
type MockBroker struct {
	mu    sync.Mutex
	Calls []string

	GetUnderlyingQuoteFunc       func(ctx context.Context, symbol string) (*Quote, error)
	GetOptionChainFunc           func(ctx context.Context, symbol string, expiration time.Time, requireGreeks bool) ([]OptionQuote, error)
	GetHistoricalDataFunc        func(ctx context.Context, symbol string, start, end time.Time) ([]DailyBar, error)
	PlaceSpreadOrderFunc         func(ctx context.Context, req SpreadOrderRequest) (*Order, error)
	PlaceSingleLegCloseOrderFunc func(ctx context.Context, optionSymbol string, quantity int, buyToClose bool, limit float64, tag string) (*Order, error)
	GetOrderFunc                 func(ctx context.Context, orderID string) (*Order, error)
	GetOrderWithLegsFunc         func(ctx context.Context, orderID string) (*Order, error)
	GetAllOrdersFunc             func(ctx context.Context, start, end time.Time) ([]Order, error)
	GetOpenOrdersFunc            func(ctx context.Context) ([]Order, error)
	CancelOrderFunc              func(ctx context.Context, orderID string) error
	GetPositionsFunc             func(ctx context.Context) ([]Position, error)
	GetBalancesFunc              func(ctx context.Context) (*Balances, error)
	GetGainLossFunc              func(ctx context.Context, start, end time.Time) ([]GainLossItem, error)
}

var _ Broker = (*MockBroker)(nil)

func (m *MockBroker) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

// CallCount returns how many recorded calls match name.
func (m *MockBroker) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c == name {
			n++
		}
	}
	return n
}

func (m *MockBroker) GetUnderlyingQuote(ctx context.Context, symbol string) (*Quote, error) {
	if m.GetUnderlyingQuoteFunc == nil {
		return nil, ErrMockNotConfigured
	}
	return m.GetUnderlyingQuoteFunc(ctx, symbol)
}

func (m *MockBroker) GetOptionChain(ctx context.Context, symbol string, expiration time.Time, requireGreeks bool) ([]OptionQuote, error) {
	if m.GetOptionChainFunc == nil {
		return nil, ErrMockNotConfigured
	}
	return m.GetOptionChainFunc(ctx, symbol, expiration, requireGreeks)
}

func (m *MockBroker) GetHistoricalData(ctx context.Context, symbol string, start, end time.Time) ([]DailyBar, error) {
	if m.GetHistoricalDataFunc == nil {
		return nil, ErrMockNotConfigured
	}
	return m.GetHistoricalDataFunc(ctx, symbol, start, end)
}

func (m *MockBroker) PlaceSpreadOrder(ctx context.Context, req SpreadOrderRequest) (*Order, error) {
	m.record("place_spread_order")
	if m.PlaceSpreadOrderFunc == nil {
		return nil, ErrMockNotConfigured
	}
	return m.PlaceSpreadOrderFunc(ctx, req)
}

func (m *MockBroker) PlaceSingleLegCloseOrder(ctx context.Context, optionSymbol string, quantity int, buyToClose bool, limit float64, tag string) (*Order, error) {
	m.record("place_single_leg_close")
	if m.PlaceSingleLegCloseOrderFunc == nil {
		return nil, ErrMockNotConfigured
	}
	return m.PlaceSingleLegCloseOrderFunc(ctx, optionSymbol, quantity, buyToClose, limit, tag)
}

func (m *MockBroker) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	if m.GetOrderFunc == nil {
		return nil, ErrMockNotConfigured
	}
	return m.GetOrderFunc(ctx, orderID)
}

func (m *MockBroker) GetOrderWithLegs(ctx context.Context, orderID string) (*Order, error) {
	if m.GetOrderWithLegsFunc == nil {
		return nil, ErrMockNotConfigured
	}
	return m.GetOrderWithLegsFunc(ctx, orderID)
}

func (m *MockBroker) GetAllOrders(ctx context.Context, start, end time.Time) ([]Order, error) {
	if m.GetAllOrdersFunc == nil {
		return nil, ErrMockNotConfigured
	}
	return m.GetAllOrdersFunc(ctx, start, end)
}

func (m *MockBroker) GetOpenOrders(ctx context.Context) ([]Order, error) {
	if m.GetOpenOrdersFunc == nil {
		return nil, ErrMockNotConfigured
	}
	return m.GetOpenOrdersFunc(ctx)
}

func (m *MockBroker) CancelOrder(ctx context.Context, orderID string) error {
	m.record("cancel_order")
	if m.CancelOrderFunc == nil {
		return ErrMockNotConfigured
	}
	return m.CancelOrderFunc(ctx, orderID)
}

func (m *MockBroker) GetPositions(ctx context.Context) ([]Position, error) {
	if m.GetPositionsFunc == nil {
		return nil, ErrMockNotConfigured
	}
	return m.GetPositionsFunc(ctx)
}

func (m *MockBroker) GetBalances(ctx context.Context) (*Balances, error) {
	if m.GetBalancesFunc == nil {
		return nil, ErrMockNotConfigured
	}
	return m.GetBalancesFunc(ctx)
}

func (m *MockBroker) GetGainLoss(ctx context.Context, start, end time.Time) ([]GainLossItem, error) {
	if m.GetGainLossFunc == nil {
		return nil, ErrMockNotConfigured
	}
	return m.GetGainLossFunc(ctx, start, end)
}
