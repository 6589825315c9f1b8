package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gekkoworks/spreadbot/internal/models"
)

func testGateway(t *testing.T, handler http.Handler) (*Tradier, *[]AuditEvent) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	var events []AuditEvent
	gw := NewTradier("test-key", "ACC123", true, "SANDBOX_PAPER",
		func(ev AuditEvent) { events = append(events, ev) }, zerolog.Nop()).
		WithBaseURL(srv.URL)
	return gw, &events
}

func TestGetUnderlyingQuote(t *testing.T) {
	gw, events := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		// single-object shape, not array
		_, _ = w.Write([]byte(`{"quotes":{"quote":{"symbol":"SPY","last":501.2,"bid":501.1,"ask":501.3,"close":499.8,"volume":1000}}}`))
	}))

	q, err := gw.GetUnderlyingQuote(context.Background(), "SPY")
	if err != nil {
		t.Fatalf("GetUnderlyingQuote: %v", err)
	}
	if q.Last != 501.2 || q.Bid != 501.1 || q.Ask != 501.3 {
		t.Errorf("quote = %+v", q)
	}
	if len(*events) != 1 || !(*events)[0].OK || (*events)[0].Operation != "get_quote" {
		t.Errorf("audit events = %+v", *events)
	}
}

func TestGetUnderlyingQuoteIncomplete(t *testing.T) {
	gw, _ := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"quotes":{"quote":{"symbol":"SPY","last":501.2,"bid":0,"ask":501.3}}}`))
	}))
	if _, err := gw.GetUnderlyingQuote(context.Background(), "SPY"); err == nil {
		t.Fatal("missing bid should fail")
	}
}

func TestGetOptionChainGreeksFilter(t *testing.T) {
	body := `{"options":{"option":[
		{"symbol":"SPY261016P00485000","underlying":"SPY","option_type":"put","expiration_date":"2026-10-16","strike":485,"bid":0.72,"ask":0.78,"greeks":{"delta":-0.22,"mid_iv":0.21}},
		{"symbol":"SPY261016P00480000","underlying":"SPY","option_type":"put","expiration_date":"2026-10-16","strike":480,"bid":0.52,"ask":0.58}
	]}}`
	gw, _ := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))

	exp := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)

	strict, err := gw.GetOptionChain(context.Background(), "SPY", exp, true)
	if err != nil {
		t.Fatalf("GetOptionChain strict: %v", err)
	}
	if len(strict) != 1 || strict[0].Strike != 485 {
		t.Errorf("strict chain should drop the greeks-less row: %+v", strict)
	}

	loose, err := gw.GetOptionChain(context.Background(), "SPY", exp, false)
	if err != nil {
		t.Fatalf("GetOptionChain loose: %v", err)
	}
	if len(loose) != 2 {
		t.Errorf("loose chain should keep both rows, got %d", len(loose))
	}
}

func TestSpreadLegsAndTypeFlip(t *testing.T) {
	exp := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)

	var lastForm map[string]string
	gw, _ := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		lastForm = map[string]string{}
		for k := range r.PostForm {
			lastForm[k] = r.PostForm.Get(k)
		}
		_, _ = w.Write([]byte(`{"order":{"id":12345,"status":"ok"}}`))
	}))

	// opening a credit put spread
	_, err := gw.PlaceSpreadOrder(context.Background(), SpreadOrderRequest{
		Symbol: "SPY", Expiration: exp, Strategy: models.StrategyBullPutCredit,
		ShortStrike: 485, LongStrike: 480, Quantity: 2, LimitPrice: 0.85, Tag: "GEKKOWORKS",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if lastForm["type"] != "credit" {
		t.Errorf("open type = %s, want credit", lastForm["type"])
	}
	if lastForm["option_symbol[0]"] != "SPY261016P00485000" || lastForm["side[0]"] != "sell_to_open" {
		t.Errorf("open leg 0 = %s %s", lastForm["option_symbol[0]"], lastForm["side[0]"])
	}
	if lastForm["option_symbol[1]"] != "SPY261016P00480000" || lastForm["side[1]"] != "buy_to_open" {
		t.Errorf("open leg 1 = %s %s", lastForm["option_symbol[1]"], lastForm["side[1]"])
	}
	if lastForm["tag"] != "GEKKOWORKS" {
		t.Errorf("tag = %s", lastForm["tag"])
	}

	// closing the same spread flips the net type and leads with the short leg
	_, err = gw.PlaceSpreadOrder(context.Background(), SpreadOrderRequest{
		Symbol: "SPY", Expiration: exp, Strategy: models.StrategyBullPutCredit,
		ShortStrike: 485, LongStrike: 480, Quantity: 2, LimitPrice: 0.40, Closing: true,
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if lastForm["type"] != "debit" {
		t.Errorf("close type = %s, want debit", lastForm["type"])
	}
	if lastForm["side[0]"] != "buy_to_close" || lastForm["option_symbol[0]"] != "SPY261016P00485000" {
		t.Errorf("credit close should lead with buy_to_close short: %s %s",
			lastForm["side[0]"], lastForm["option_symbol[0]"])
	}

	// closing a debit call spread leads with the long leg and nets as credit
	_, err = gw.PlaceSpreadOrder(context.Background(), SpreadOrderRequest{
		Symbol: "SPY", Expiration: exp, Strategy: models.StrategyBullCallDebit,
		ShortStrike: 505, LongStrike: 510, Quantity: 1, LimitPrice: 0.90, Closing: true,
	})
	if err != nil {
		t.Fatalf("debit close: %v", err)
	}
	if lastForm["type"] != "credit" {
		t.Errorf("debit close type = %s, want credit", lastForm["type"])
	}
	if lastForm["side[0]"] != "sell_to_close" || lastForm["option_symbol[0]"] != "SPY261016C00510000" {
		t.Errorf("debit close should lead with sell_to_close long: %s %s",
			lastForm["side[0]"], lastForm["option_symbol[0]"])
	}
}

func TestPlaceSpreadOrderRejectsInvalidStrategy(t *testing.T) {
	gw, _ := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made")
	}))
	_, err := gw.PlaceSpreadOrder(context.Background(), SpreadOrderRequest{
		Symbol: "SPY", Expiration: time.Now(), Strategy: "BANANA",
		ShortStrike: 485, LongStrike: 480, Quantity: 1, LimitPrice: 0.85,
	})
	if err == nil {
		t.Fatal("invalid strategy must be rejected before any HTTP call")
	}
}

func TestRetryOn500NeverOn400(t *testing.T) {
	attempts := 0
	gw, _ := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"quotes":{"quote":{"symbol":"SPY","last":500,"bid":499.9,"ask":500.1}}}`))
	}))
	if _, err := gw.GetUnderlyingQuote(context.Background(), "SPY"); err != nil {
		t.Fatalf("should succeed after retries: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}

	attempts = 0
	gw400, _ := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`bad request`))
	}))
	_, err := gw400.GetUnderlyingQuote(context.Background(), "SPY")
	if err == nil {
		t.Fatal("4xx must surface as error")
	}
	if attempts != 1 {
		t.Errorf("4xx attempts = %d, want 1 (no retry)", attempts)
	}
	if !IsPermanentAPIError(err) {
		t.Errorf("expected permanent API error, got %v", err)
	}
}

func TestOrderFillPriceNormalization(t *testing.T) {
	// Tradier reports credit fills as negative prices.
	gw, _ := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"order":{"id":99,"status":"filled","avg_fill_price":-0.83,"price":-0.85,"exec_quantity":2,"leg":[{"option_symbol":"SPY261016P00485000","side":"sell_to_open","status":"filled","avg_fill_price":-1.05,"exec_quantity":2},{"option_symbol":"SPY261016P00480000","side":"buy_to_open","status":"filled","avg_fill_price":0.22,"exec_quantity":2}]}}`))
	}))

	o, err := gw.GetOrderWithLegs(context.Background(), "99")
	if err != nil {
		t.Fatalf("GetOrderWithLegs: %v", err)
	}
	if o.Status != models.OrderFilled {
		t.Errorf("status = %s", o.Status)
	}
	if o.AvgFillPrice != 0.83 || o.Price != 0.85 {
		t.Errorf("prices not normalized positive: fill=%.2f price=%.2f", o.AvgFillPrice, o.Price)
	}
	if len(o.Legs) != 2 || o.Legs[0].AvgFillPrice != 1.05 {
		t.Errorf("legs = %+v", o.Legs)
	}
}

func TestGetPositionsNullAccount(t *testing.T) {
	gw, _ := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"positions":"null"}`))
	}))
	positions, err := gw.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("positions = %+v", positions)
	}
}

func TestCancelFinalizedOrderIsNoOp(t *testing.T) {
	gw, _ := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":{"error":"order already in a finalized state"}}`))
	}))
	if err := gw.CancelOrder(context.Background(), "12345"); err != nil {
		t.Fatalf("cancelling a finalized order should be a no-op, got %v", err)
	}
}

func TestMapOrderStatus(t *testing.T) {
	cases := map[string]models.OrderStatus{
		"filled":           models.OrderFilled,
		"partially_filled": models.OrderPartial,
		"canceled":         models.OrderCancelled,
		"expired":          models.OrderCancelled,
		"rejected":         models.OrderRejected,
		"error":            models.OrderRejected,
		"open":             models.OrderPlaced,
		"pending":          models.OrderPending,
	}
	for raw, want := range cases {
		if got := mapOrderStatus(raw); got != want {
			t.Errorf("mapOrderStatus(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestGetGainLoss(t *testing.T) {
	gw, _ := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"gainloss":{"closed_position":[{"symbol":"SPY261016P00485000","quantity":2,"cost":210,"proceeds":330,"gain_loss":120,"open_date":"2026-08-01T14:30:00Z","close_date":"2026-08-20T15:45:00Z"}]}}`))
	}))
	items, err := gw.GetGainLoss(context.Background(),
		time.Now().AddDate(0, 0, -7), time.Now())
	if err != nil {
		t.Fatalf("GetGainLoss: %v", err)
	}
	if len(items) != 1 || items[0].GainLoss != 120 || items[0].Quantity != 2 {
		t.Errorf("items = %+v", items)
	}
}
