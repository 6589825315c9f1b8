package entry

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekkoworks/spreadbot/internal/broker"
	"github.com/gekkoworks/spreadbot/internal/config"
	"github.com/gekkoworks/spreadbot/internal/lifecycle"
	"github.com/gekkoworks/spreadbot/internal/marketclock"
	"github.com/gekkoworks/spreadbot/internal/models"
	"github.com/gekkoworks/spreadbot/internal/notify"
	"github.com/gekkoworks/spreadbot/internal/risk"
	"github.com/gekkoworks/spreadbot/internal/scoring"
	"github.com/gekkoworks/spreadbot/internal/storage"
)

var (
	testNow = time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)
	testExp = time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
)

func readyProposal() *models.Proposal {
	return &models.Proposal{
		ID:           "prop-1",
		Symbol:       "SPY",
		Expiration:   testExp,
		Strategy:     models.StrategyBullPutCredit,
		Kind:         models.ProposalKindEntry,
		Status:       models.ProposalReady,
		Outcome:      models.OutcomePending,
		ShortStrike:  485,
		LongStrike:   480,
		Width:        models.SpreadWidth,
		Quantity:     1,
		CreditTarget: 2.00,
		Score:        0.76,
		CreatedAt:    testNow.Add(-5 * time.Minute),
	}
}

// freshChain reprices the 485/480 put spread at a 2.00 credit.
func freshChain() []broker.OptionQuote {
	return []broker.OptionQuote{
		{Symbol: "SPY260410P00485000", Underlying: "SPY", OptionType: models.OptionTypePut,
			Strike: 485, Expiration: testExp, Bid: 2.10, Ask: 2.12, Delta: -0.15, MidIV: 0.22, HasGreeks: true},
		{Symbol: "SPY260410P00480000", Underlying: "SPY", OptionType: models.OptionTypePut,
			Strike: 480, Expiration: testExp, Bid: 0.08, Ask: 0.10, Delta: -0.08, MidIV: 0.21, HasGreeks: true},
	}
}

type fixture struct {
	engine *Engine
	store  *storage.MockStore
	broker *broker.MockBroker
	rec    *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMockStore()
	mb := &broker.MockBroker{
		GetOptionChainFunc: func(ctx context.Context, symbol string, exp time.Time, greeks bool) ([]broker.OptionQuote, error) {
			return freshChain(), nil
		},
	}
	log := zerolog.Nop()
	rm := risk.NewManager(store, config.ModeSandboxPaper, log)
	scorer := scoring.New(true, 0.16, log)
	lc := lifecycle.NewController(store, log)
	clock, err := marketclock.New(time.UTC, "09:30", "16:00")
	require.NoError(t, err)
	clock = clock.WithNow(func() time.Time { return testNow })
	rec := &notify.Recorder{}

	eng := New(mb, store, rm, scorer, lc, clock, rec, config.ModeSandboxPaper, "GEKKOWORKS", log)
	eng.pollBudget = 0
	eng.pollInterval = time.Millisecond
	return &fixture{engine: eng, store: store, broker: mb, rec: rec}
}

func (f *fixture) enableAuto(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.SetSetting(storage.KeyAutoModeEnabledPaper, "true"))
}

func (f *fixture) createdTrade(t *testing.T) *models.Trade {
	t.Helper()
	for _, st := range []models.TradeStatus{
		models.StatusEntryPending, models.StatusOpen, models.StatusCancelled,
	} {
		trades, err := f.store.GetTradesByStatus(st)
		require.NoError(t, err)
		if len(trades) > 0 {
			return &trades[0]
		}
	}
	t.Fatal("no trade created")
	return nil
}

func TestStaleProposalInvalidated(t *testing.T) {
	f := newFixture(t)
	p := readyProposal()
	p.CreatedAt = testNow.Add(-45 * time.Minute)
	require.NoError(t, f.store.CreateProposal(p))

	require.NoError(t, f.engine.Process(context.Background(), p))

	got, err := f.store.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalInvalidated, got.Status)
	assert.Equal(t, models.OutcomeInvalidated, got.Outcome)
	assert.Zero(t, f.broker.CallCount("place_spread_order"))
}

func TestRiskBlockedProposalNotAttempted(t *testing.T) {
	f := newFixture(t)
	// Max loss on a 2.00 credit is 300; cap it below that.
	require.NoError(t, f.store.SetSetting(storage.KeyMaxTradeLossDollars, "250"))
	p := readyProposal()
	require.NoError(t, f.store.CreateProposal(p))

	require.NoError(t, f.engine.Process(context.Background(), p))

	got, err := f.store.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalReady, got.Status)
	assert.Equal(t, models.OutcomeNotAttempted, got.Outcome)
	assert.Contains(t, got.InvalidReason, "TRADE_MAX_LOSS_LIMIT")
	assert.Zero(t, f.broker.CallCount("place_spread_order"))
}

func TestPriceDriftInvalidates(t *testing.T) {
	f := newFixture(t)
	p := readyProposal()
	p.CreditTarget = 2.40
	require.NoError(t, f.store.CreateProposal(p))

	require.NoError(t, f.engine.Process(context.Background(), p))

	got, err := f.store.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalInvalidated, got.Status)
	assert.Contains(t, got.InvalidReason, "drifted")
}

func TestLegVanishedInvalidates(t *testing.T) {
	f := newFixture(t)
	f.broker.GetOptionChainFunc = func(ctx context.Context, symbol string, exp time.Time, greeks bool) ([]broker.OptionQuote, error) {
		return freshChain()[:1], nil
	}
	p := readyProposal()
	require.NoError(t, f.store.CreateProposal(p))

	require.NoError(t, f.engine.Process(context.Background(), p))

	got, err := f.store.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalInvalidated, got.Status)
	assert.Contains(t, got.InvalidReason, "vanished")
}

func TestAutoModeOffLogsDecisionOnly(t *testing.T) {
	f := newFixture(t)
	p := readyProposal()
	require.NoError(t, f.store.CreateProposal(p))

	require.NoError(t, f.engine.Process(context.Background(), p))

	got, err := f.store.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalReady, got.Status)
	assert.Zero(t, f.broker.CallCount("place_spread_order"))
}

func TestSubmitAndFill(t *testing.T) {
	f := newFixture(t)
	f.enableAuto(t)
	f.broker.PlaceSpreadOrderFunc = func(ctx context.Context, req broker.SpreadOrderRequest) (*broker.Order, error) {
		assert.Equal(t, "SPY", req.Symbol)
		assert.InDelta(t, 2.00, req.LimitPrice, 1e-9)
		assert.False(t, req.Closing)
		return &broker.Order{ID: "91001", Status: models.OrderPlaced, Tag: req.Tag}, nil
	}
	f.broker.GetOrderFunc = func(ctx context.Context, orderID string) (*broker.Order, error) {
		return &broker.Order{ID: orderID, Status: models.OrderFilled, AvgFillPrice: 2.01, ExecQuantity: 1}, nil
	}
	p := readyProposal()
	require.NoError(t, f.store.CreateProposal(p))

	require.NoError(t, f.engine.Process(context.Background(), p))

	got, err := f.store.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalConsumed, got.Status)
	assert.Equal(t, models.OutcomeFilled, got.Outcome)
	require.NotEmpty(t, got.ClientOrderID)

	trade := f.createdTrade(t)
	assert.Equal(t, models.StatusOpen, trade.Status)
	assert.Equal(t, "91001", trade.BrokerOrderIDOpen)
	assert.InDelta(t, 2.01, trade.EntryPrice, 1e-9)
	require.NotNil(t, trade.OpenedAt)

	order, err := f.store.GetOrderByClientID(got.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, "91001", order.TradierOrderID)
	assert.Equal(t, models.OrderFilled, order.Status)

	assert.Len(t, f.rec.Events, 2)
	assert.Contains(t, f.rec.Events[0], "ENTRY_SUBMITTED")
	assert.Contains(t, f.rec.Events[1], "ENTRY_FILLED")
}

func TestBenignRejectionIsSoftFailure(t *testing.T) {
	f := newFixture(t)
	f.enableAuto(t)
	f.broker.PlaceSpreadOrderFunc = func(ctx context.Context, req broker.SpreadOrderRequest) (*broker.Order, error) {
		return &broker.Order{ID: "91002", Status: models.OrderPlaced}, nil
	}
	f.broker.GetOrderFunc = func(ctx context.Context, orderID string) (*broker.Order, error) {
		return &broker.Order{ID: orderID, Status: models.OrderRejected,
			ReasonText: "The market is closed for this security"}, nil
	}
	p := readyProposal()
	require.NoError(t, f.store.CreateProposal(p))

	require.NoError(t, f.engine.Process(context.Background(), p))

	got, err := f.store.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRejected, got.Outcome)
	trade := f.createdTrade(t)
	assert.Equal(t, models.StatusCancelled, trade.Status)
}

func TestHardRejectionSurfacesError(t *testing.T) {
	f := newFixture(t)
	f.enableAuto(t)
	f.broker.PlaceSpreadOrderFunc = func(ctx context.Context, req broker.SpreadOrderRequest) (*broker.Order, error) {
		return &broker.Order{ID: "91003", Status: models.OrderPlaced}, nil
	}
	f.broker.GetOrderFunc = func(ctx context.Context, orderID string) (*broker.Order, error) {
		return &broker.Order{ID: orderID, Status: models.OrderRejected,
			ReasonText: "insufficient buying power"}, nil
	}
	p := readyProposal()
	require.NoError(t, f.store.CreateProposal(p))

	err := f.engine.Process(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buying power")
	trade := f.createdTrade(t)
	assert.Equal(t, models.StatusCancelled, trade.Status)
}

func TestPollTimeoutLeavesTradePending(t *testing.T) {
	f := newFixture(t)
	f.enableAuto(t)
	f.broker.PlaceSpreadOrderFunc = func(ctx context.Context, req broker.SpreadOrderRequest) (*broker.Order, error) {
		return &broker.Order{ID: "91004", Status: models.OrderPlaced}, nil
	}
	f.broker.GetOrderFunc = func(ctx context.Context, orderID string) (*broker.Order, error) {
		return &broker.Order{ID: orderID, Status: models.OrderPlaced}, nil
	}
	p := readyProposal()
	require.NoError(t, f.store.CreateProposal(p))

	require.NoError(t, f.engine.Process(context.Background(), p))

	trade := f.createdTrade(t)
	assert.Equal(t, models.StatusEntryPending, trade.Status)
	assert.Equal(t, "91004", trade.BrokerOrderIDOpen)
}

func TestQuantityClampedToAdminCap(t *testing.T) {
	f := newFixture(t)
	f.enableAuto(t)
	require.NoError(t, f.store.SetSetting(storage.KeyMaxTradeQuantity, strconv.Itoa(2)))
	var placedQty int
	f.broker.PlaceSpreadOrderFunc = func(ctx context.Context, req broker.SpreadOrderRequest) (*broker.Order, error) {
		placedQty = req.Quantity
		return &broker.Order{ID: "91005", Status: models.OrderPlaced}, nil
	}
	f.broker.GetOrderFunc = func(ctx context.Context, orderID string) (*broker.Order, error) {
		return &broker.Order{ID: orderID, Status: models.OrderPlaced}, nil
	}
	p := readyProposal()
	p.Quantity = 5
	require.NoError(t, f.store.CreateProposal(p))

	require.NoError(t, f.engine.Process(context.Background(), p))
	assert.Equal(t, 2, placedQty)
}
