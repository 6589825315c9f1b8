package exitengine

import (
	"context"
	"errors"
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
	"github.com/gekkoworks/spreadbot/internal/monitor"
	"github.com/gekkoworks/spreadbot/internal/notify"
	"github.com/gekkoworks/spreadbot/internal/risk"
	"github.com/gekkoworks/spreadbot/internal/storage"
)

var (
	testNow = time.Date(2026, 3, 10, 14, 45, 0, 0, time.UTC)
	testExp = time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
)

func openTrade(qty int) *models.Trade {
	opened := testNow.Add(-2 * time.Hour)
	return &models.Trade{
		ID:          "trade-1",
		ProposalID:  "prop-1",
		Symbol:      "SPY",
		Expiration:  testExp,
		Strategy:    models.StrategyBullPutCredit,
		Status:      models.StatusOpen,
		Origin:      models.OriginEngine,
		Managed:     true,
		ShortStrike: 485,
		LongStrike:  480,
		Width:       models.SpreadWidth,
		Quantity:    qty,
		EntryPrice:  0.80,
		MaxProfit:   80 * float64(qty),
		MaxLoss:     420 * float64(qty),
		OpenedAt:    &opened,
		CreatedAt:   testNow.Add(-3 * time.Hour),
	}
}

func profitPlan(t *models.Trade) monitor.Plan {
	return monitor.Plan{
		Trade: t,
		Decision: monitor.Decision{
			Trigger:     monitor.TriggerProfitTarget,
			Mark:        0.70,
			MarkTrusted: true,
			PnLFraction: 0.125,
		},
	}
}

type fakeSync struct{ calls int }

func (f *fakeSync) SyncAll(ctx context.Context) error {
	f.calls++
	return nil
}

type fixture struct {
	engine *Engine
	store  *storage.MockStore
	broker *broker.MockBroker
	sync   *fakeSync
	rec    *notify.Recorder
}

// spreadPositions mirrors a healthy broker-held spread for the trade.
func spreadPositions(t *models.Trade, qty int) []broker.Position {
	return []broker.Position{
		{Symbol: t.ShortSymbol(), Quantity: -qty},
		{Symbol: t.LongSymbol(), Quantity: qty},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMockStore()
	mb := &broker.MockBroker{
		GetOpenOrdersFunc: func(ctx context.Context) ([]broker.Order, error) {
			return nil, nil
		},
	}
	log := zerolog.Nop()
	clock, err := marketclock.New(time.UTC, "09:30", "16:00")
	require.NoError(t, err)
	clock = clock.WithNow(func() time.Time { return testNow })
	lc := lifecycle.NewController(store, log)
	rm := risk.NewManager(store, config.ModeSandboxPaper, log)
	sync := &fakeSync{}
	rec := &notify.Recorder{}

	eng := New(mb, store, lc, rm, sync, rec, clock, "GEKKOWORKS", log)
	eng.pollBudget = 0
	eng.pollInterval = time.Millisecond
	eng.cancelSettle = 0
	return &fixture{engine: eng, store: store, broker: mb, sync: sync, rec: rec}
}

func filledAt(price float64) func(ctx context.Context, orderID string) (*broker.Order, error) {
	return func(ctx context.Context, orderID string) (*broker.Order, error) {
		return &broker.Order{ID: orderID, Status: models.OrderFilled, AvgFillPrice: price}, nil
	}
}

func TestNormalExitFillsAndSyncs(t *testing.T) {
	f := newFixture(t)
	trade := openTrade(1)
	require.NoError(t, f.store.CreateTrade(trade))
	f.broker.GetPositionsFunc = func(ctx context.Context) ([]broker.Position, error) {
		return spreadPositions(trade, 1), nil
	}
	var limit float64
	f.broker.PlaceSpreadOrderFunc = func(ctx context.Context, req broker.SpreadOrderRequest) (*broker.Order, error) {
		limit = req.LimitPrice
		assert.True(t, req.Closing)
		assert.Equal(t, 1, req.Quantity)
		return &broker.Order{ID: "95001", Status: models.OrderPlaced}, nil
	}
	f.broker.GetOrderFunc = filledAt(0.71)

	require.NoError(t, f.engine.Execute(context.Background(), profitPlan(trade)))

	assert.InDelta(t, 0.72, limit, 1e-9)
	got, err := f.store.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.Equal(t, models.ExitReasonNormal, got.ExitReason)
	require.NotNil(t, got.ExitPrice)
	assert.InDelta(t, 0.71, *got.ExitPrice, 1e-9)
	require.NotNil(t, got.RealizedPnL)
	assert.InDelta(t, 9.0, *got.RealizedPnL, 1e-9)
	assert.Equal(t, 1, f.sync.calls)
	assert.Len(t, f.rec.Events, 2)

	row, err := f.store.GetOrderByTradierID("95001")
	require.NoError(t, err)
	assert.Equal(t, models.OrderSideExit, row.Side)
	assert.Equal(t, trade.ID, row.TradeID)
	assert.Equal(t, trade.ProposalID, row.ProposalID)
}

func TestEmergencyExitUsesProtectiveLimit(t *testing.T) {
	f := newFixture(t)
	trade := openTrade(1)
	require.NoError(t, f.store.CreateTrade(trade))
	f.broker.GetPositionsFunc = func(ctx context.Context) ([]broker.Position, error) {
		return spreadPositions(trade, 1), nil
	}
	var limit float64
	f.broker.PlaceSpreadOrderFunc = func(ctx context.Context, req broker.SpreadOrderRequest) (*broker.Order, error) {
		limit = req.LimitPrice
		return &broker.Order{ID: "95002", Status: models.OrderPlaced}, nil
	}
	f.broker.GetOrderFunc = filledAt(4.90)

	plan := profitPlan(trade)
	plan.Decision.Trigger = monitor.TriggerEmergency
	plan.Decision.MarkTrusted = false
	require.NoError(t, f.engine.Execute(context.Background(), plan))

	assert.InDelta(t, 5.20, limit, 1e-9)
	sum, err := f.store.GetDailySummary(testNow.Format("2006-01-02"))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.EmergencyExits)
}

func TestTimeoutRetriesAtWiderSlippage(t *testing.T) {
	f := newFixture(t)
	trade := openTrade(1)
	require.NoError(t, f.store.CreateTrade(trade))
	f.broker.GetPositionsFunc = func(ctx context.Context) ([]broker.Position, error) {
		return spreadPositions(trade, 1), nil
	}
	var limits []float64
	f.broker.PlaceSpreadOrderFunc = func(ctx context.Context, req broker.SpreadOrderRequest) (*broker.Order, error) {
		limits = append(limits, req.LimitPrice)
		return &broker.Order{ID: "95003", Status: models.OrderPlaced}, nil
	}
	polls := 0
	f.broker.GetOrderFunc = func(ctx context.Context, orderID string) (*broker.Order, error) {
		polls++
		if polls == 1 {
			return &broker.Order{ID: orderID, Status: models.OrderPlaced}, nil
		}
		return &broker.Order{ID: orderID, Status: models.OrderFilled, AvgFillPrice: 0.73}, nil
	}
	f.broker.CancelOrderFunc = func(ctx context.Context, orderID string) error { return nil }

	require.NoError(t, f.engine.Execute(context.Background(), profitPlan(trade)))

	require.Len(t, limits, 2)
	assert.InDelta(t, 0.72, limits[0], 1e-9)
	assert.InDelta(t, 0.73, limits[1], 1e-9)
	got, err := f.store.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
}

func TestExhaustionMarksExitError(t *testing.T) {
	f := newFixture(t)
	trade := openTrade(1)
	require.NoError(t, f.store.CreateTrade(trade))
	f.broker.GetPositionsFunc = func(ctx context.Context) ([]broker.Position, error) {
		return spreadPositions(trade, 1), nil
	}
	f.broker.PlaceSpreadOrderFunc = func(ctx context.Context, req broker.SpreadOrderRequest) (*broker.Order, error) {
		return &broker.Order{ID: "95004", Status: models.OrderPlaced}, nil
	}
	f.broker.GetOrderFunc = func(ctx context.Context, orderID string) (*broker.Order, error) {
		return &broker.Order{ID: orderID, Status: models.OrderPlaced}, nil
	}
	f.broker.CancelOrderFunc = func(ctx context.Context, orderID string) error { return nil }

	require.NoError(t, f.engine.Execute(context.Background(), profitPlan(trade)))

	got, err := f.store.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExitError, got.Status)
	assert.Equal(t, models.ExitReasonMaxAttempts, got.ExitReason)
}

func TestBrokerFlatReconstructsFromGainLoss(t *testing.T) {
	f := newFixture(t)
	trade := openTrade(2)
	require.NoError(t, f.store.CreateTrade(trade))
	f.broker.GetPositionsFunc = func(ctx context.Context) ([]broker.Position, error) {
		return nil, nil
	}
	f.broker.GetGainLossFunc = func(ctx context.Context, start, end time.Time) ([]broker.GainLossItem, error) {
		return []broker.GainLossItem{
			{Symbol: trade.ShortSymbol(), GainLoss: 150},
			{Symbol: trade.LongSymbol(), GainLoss: -30},
			{Symbol: "QQQ260410P00400000", GainLoss: 999},
		}, nil
	}

	require.NoError(t, f.engine.Execute(context.Background(), profitPlan(trade)))

	got, err := f.store.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.Equal(t, models.ExitReasonBrokerFlat, got.ExitReason)
	require.NotNil(t, got.ExitPrice)
	// exit = 0.80 - 120/2/100
	assert.InDelta(t, 0.20, *got.ExitPrice, 1e-9)
	require.NotNil(t, got.RealizedPnL)
	assert.InDelta(t, 120, *got.RealizedPnL, 1e-9)
}

func brokerFlatPlan(t *models.Trade) monitor.Plan {
	return monitor.Plan{
		Trade: t,
		Decision: monitor.Decision{
			Trigger: monitor.TriggerBrokerFlat,
			Reason:  "both legs gone from portfolio mirror",
		},
	}
}

func TestBrokerFlatPlanClosesFlattenedTrade(t *testing.T) {
	f := newFixture(t)
	trade := openTrade(1)
	require.NoError(t, f.store.CreateTrade(trade))
	f.broker.GetPositionsFunc = func(ctx context.Context) ([]broker.Position, error) {
		return nil, nil
	}
	f.broker.GetGainLossFunc = func(ctx context.Context, start, end time.Time) ([]broker.GainLossItem, error) {
		return []broker.GainLossItem{
			{Symbol: trade.ShortSymbol(), GainLoss: 70},
			{Symbol: trade.LongSymbol(), GainLoss: -20},
		}, nil
	}

	require.NoError(t, f.engine.Execute(context.Background(), brokerFlatPlan(trade)))

	got, err := f.store.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.Equal(t, models.ExitReasonBrokerFlat, got.ExitReason)
	require.NotNil(t, got.RealizedPnL)
	assert.InDelta(t, 50, *got.RealizedPnL, 1e-9)
}

func TestStaleFlatSignalLeavesTradeAlone(t *testing.T) {
	f := newFixture(t)
	trade := openTrade(1)
	require.NoError(t, f.store.CreateTrade(trade))
	// mirror said flat, but the broker still holds both legs
	f.broker.GetPositionsFunc = func(ctx context.Context) ([]broker.Position, error) {
		return spreadPositions(trade, 1), nil
	}
	f.broker.PlaceSpreadOrderFunc = func(ctx context.Context, req broker.SpreadOrderRequest) (*broker.Order, error) {
		t.Fatal("no close order may be placed on a stale flat signal")
		return nil, nil
	}

	require.NoError(t, f.engine.Execute(context.Background(), brokerFlatPlan(trade)))

	got, err := f.store.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
}

func TestBrokerFlatWithoutHistoryNeverInventsPnL(t *testing.T) {
	f := newFixture(t)
	trade := openTrade(1)
	require.NoError(t, f.store.CreateTrade(trade))
	f.broker.GetPositionsFunc = func(ctx context.Context) ([]broker.Position, error) {
		return nil, nil
	}
	f.broker.GetGainLossFunc = func(ctx context.Context, start, end time.Time) ([]broker.GainLossItem, error) {
		return []broker.GainLossItem{{Symbol: "QQQ260410P00400000", GainLoss: 50}}, nil
	}

	require.NoError(t, f.engine.Execute(context.Background(), profitPlan(trade)))

	got, err := f.store.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	require.NotNil(t, got.ExitPrice)
	assert.Zero(t, *got.ExitPrice)
	assert.Nil(t, got.RealizedPnL)
}

func TestBrokerFlatGainLossErrorEstimatesMaxProfit(t *testing.T) {
	f := newFixture(t)
	trade := openTrade(1)
	require.NoError(t, f.store.CreateTrade(trade))
	f.broker.GetPositionsFunc = func(ctx context.Context) ([]broker.Position, error) {
		return nil, nil
	}
	f.broker.GetGainLossFunc = func(ctx context.Context, start, end time.Time) ([]broker.GainLossItem, error) {
		return nil, errors.New("gateway timeout")
	}

	require.NoError(t, f.engine.Execute(context.Background(), profitPlan(trade)))

	got, err := f.store.GetTrade(trade.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExitPrice)
	assert.Zero(t, *got.ExitPrice)
	assert.Nil(t, got.RealizedPnL)
}

func TestQuantityMismatchFreshRetry(t *testing.T) {
	f := newFixture(t)
	trade := openTrade(3)
	require.NoError(t, f.store.CreateTrade(trade))
	positionCalls := 0
	f.broker.GetPositionsFunc = func(ctx context.Context) ([]broker.Position, error) {
		positionCalls++
		if positionCalls == 1 {
			return spreadPositions(trade, 3), nil
		}
		return spreadPositions(trade, 2), nil
	}
	var quantities []int
	f.broker.PlaceSpreadOrderFunc = func(ctx context.Context, req broker.SpreadOrderRequest) (*broker.Order, error) {
		quantities = append(quantities, req.Quantity)
		if len(quantities) == 1 {
			return &broker.Order{ID: "95005", Status: models.OrderRejected,
				ReasonText: "You have requested to sell more shares than your current short position"}, nil
		}
		return &broker.Order{ID: "95006", Status: models.OrderPlaced}, nil
	}
	f.broker.GetOrderFunc = filledAt(0.70)

	require.NoError(t, f.engine.Execute(context.Background(), profitPlan(trade)))

	assert.Equal(t, []int{3, 2}, quantities)
	got, err := f.store.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	require.NotNil(t, got.ExitPrice)
	assert.InDelta(t, 0.70, *got.ExitPrice, 1e-9)
}

func TestSecondQuantityMismatchMarksExitError(t *testing.T) {
	f := newFixture(t)
	trade := openTrade(3)
	require.NoError(t, f.store.CreateTrade(trade))
	f.broker.GetPositionsFunc = func(ctx context.Context) ([]broker.Position, error) {
		return spreadPositions(trade, 3), nil
	}
	f.broker.PlaceSpreadOrderFunc = func(ctx context.Context, req broker.SpreadOrderRequest) (*broker.Order, error) {
		return &broker.Order{ID: "95007", Status: models.OrderRejected,
			ReasonText: "more shares than your current short position"}, nil
	}

	require.NoError(t, f.engine.Execute(context.Background(), profitPlan(trade)))

	got, err := f.store.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExitError, got.Status)
	assert.Equal(t, models.ExitReasonQtyMismatch, got.ExitReason)
}

func TestNonQuantityRejectionFallsBackToSingleLegs(t *testing.T) {
	f := newFixture(t)
	trade := openTrade(1)
	require.NoError(t, f.store.CreateTrade(trade))
	f.broker.GetPositionsFunc = func(ctx context.Context) ([]broker.Position, error) {
		return spreadPositions(trade, 1), nil
	}
	f.broker.PlaceSpreadOrderFunc = func(ctx context.Context, req broker.SpreadOrderRequest) (*broker.Order, error) {
		return &broker.Order{ID: "95008", Status: models.OrderRejected,
			ReasonText: "multileg orders unavailable"}, nil
	}
	legOrders := map[string]float64{}
	f.broker.PlaceSingleLegCloseOrderFunc = func(ctx context.Context, optionSymbol string, quantity int, buyToClose bool, limit float64, tag string) (*broker.Order, error) {
		id := "96001"
		price := 0.75
		if !buyToClose {
			id = "96002"
			price = 0.05
		}
		legOrders[id] = price
		return &broker.Order{ID: id, Status: models.OrderPlaced}, nil
	}
	f.broker.GetOrderFunc = func(ctx context.Context, orderID string) (*broker.Order, error) {
		return &broker.Order{ID: orderID, Status: models.OrderFilled, AvgFillPrice: legOrders[orderID]}, nil
	}

	require.NoError(t, f.engine.Execute(context.Background(), profitPlan(trade)))

	got, err := f.store.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	require.NotNil(t, got.ExitPrice)
	assert.InDelta(t, 0.70, *got.ExitPrice, 1e-9)
}

func TestCancelsLingeringCloseOrdersFirst(t *testing.T) {
	f := newFixture(t)
	trade := openTrade(1)
	require.NoError(t, f.store.CreateTrade(trade))
	lingering := []broker.Order{
		{ID: "80001", Legs: []broker.OrderLeg{
			{OptionSymbol: trade.ShortSymbol(), Side: "buy_to_close", Quantity: 1},
		}},
		{ID: "80002", Legs: []broker.OrderLeg{
			{OptionSymbol: "QQQ260410P00400000", Side: "buy_to_close", Quantity: 1},
		}},
	}
	f.broker.GetOpenOrdersFunc = func(ctx context.Context) ([]broker.Order, error) {
		return lingering, nil
	}
	cancelled := []string{}
	f.broker.CancelOrderFunc = func(ctx context.Context, orderID string) error {
		cancelled = append(cancelled, orderID)
		// Cancelled orders leave the open set immediately.
		kept := lingering[:0]
		for _, o := range lingering {
			if o.ID != orderID {
				kept = append(kept, o)
			}
		}
		lingering = kept
		return nil
	}
	f.broker.GetPositionsFunc = func(ctx context.Context) ([]broker.Position, error) {
		return spreadPositions(trade, 1), nil
	}
	f.broker.PlaceSpreadOrderFunc = func(ctx context.Context, req broker.SpreadOrderRequest) (*broker.Order, error) {
		return &broker.Order{ID: "95009", Status: models.OrderPlaced}, nil
	}
	f.broker.GetOrderFunc = filledAt(0.70)

	require.NoError(t, f.engine.Execute(context.Background(), profitPlan(trade)))
	assert.Equal(t, []string{"80001"}, cancelled)
}

func TestExitRetryPlanReentersFromExitError(t *testing.T) {
	f := newFixture(t)
	trade := openTrade(1)
	trade.Status = models.StatusExitError
	trade.ExitReason = models.ExitReasonMaxAttempts
	require.NoError(t, f.store.CreateTrade(trade))
	f.broker.GetPositionsFunc = func(ctx context.Context) ([]broker.Position, error) {
		return spreadPositions(trade, 1), nil
	}
	f.broker.PlaceSpreadOrderFunc = func(ctx context.Context, req broker.SpreadOrderRequest) (*broker.Order, error) {
		return &broker.Order{ID: "95010", Status: models.OrderPlaced}, nil
	}
	f.broker.GetOrderFunc = filledAt(0.70)

	plan := profitPlan(trade)
	plan.Decision.Trigger = monitor.TriggerExitRetry
	require.NoError(t, f.engine.Execute(context.Background(), plan))

	got, err := f.store.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
}
