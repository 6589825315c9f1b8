package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gekkoworks/spreadbot/internal/models"
	"github.com/gekkoworks/spreadbot/internal/util"
)

const (
	defaultTimeout   = 10 * time.Second
	orderTimeout     = 15 * time.Second
	maxRetries       = 2
	retryBackoffStep = 500 * time.Millisecond
	maxErrorBodyLen  = 512
)

// AuditEvent is the per-call audit record handed to the audit hook.
type AuditEvent struct {
	Operation  string
	Symbol     string
	OrderID    string
	StatusCode int
	OK         bool
	Duration   time.Duration
	Mode       string
	Strategy   string
	Error      string
}

// AuditFunc receives one AuditEvent per broker call. Must not block.
type AuditFunc func(AuditEvent)

// Tradier is the HTTP gateway to the Tradier brokerage API.
type Tradier struct {
	client    *http.Client
	apiKey    string
	accountID string
	baseURL   string
	mode      string
	audit     AuditFunc
	log       zerolog.Logger
}

// NewTradier builds a gateway against the sandbox or live base URL.
// mode is recorded on every audit row.
func NewTradier(apiKey, accountID string, sandbox bool, mode string, audit AuditFunc, log zerolog.Logger) *Tradier {
	baseURL := "https://api.tradier.com/v1"
	if sandbox {
		baseURL = "https://sandbox.tradier.com/v1"
	}
	if audit == nil {
		audit = func(AuditEvent) {}
	}
	return &Tradier{
		client:    &http.Client{Timeout: orderTimeout},
		apiKey:    apiKey,
		accountID: accountID,
		baseURL:   baseURL,
		mode:      mode,
		audit:     audit,
		log:       log.With().Str("component", "broker").Logger(),
	}
}

// WithBaseURL overrides the API base. Tests point this at httptest servers.
func (t *Tradier) WithBaseURL(base string) *Tradier {
	t.baseURL = strings.TrimRight(base, "/")
	return t
}

// WithHTTPClient overrides the HTTP client.
func (t *Tradier) WithHTTPClient(c *http.Client) *Tradier {
	if c != nil {
		t.client = c
	}
	return t
}

// GetUnderlyingQuote returns the latest quote for symbol. Fails when any of
// last/bid/ask is absent.
func (t *Tradier) GetUnderlyingQuote(ctx context.Context, symbol string) (*Quote, error) {
	params := url.Values{}
	params.Set("symbols", symbol)
	params.Set("greeks", "false")

	var resp quotesResponse
	if err := t.get(ctx, "get_quote", symbol, defaultTimeout,
		"/markets/quotes?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	if len(resp.Quotes.Quote) == 0 {
		return nil, fmt.Errorf("no quote found for symbol %s", symbol)
	}
	raw := resp.Quotes.Quote[0]
	if raw.Last <= 0 || raw.Bid <= 0 || raw.Ask <= 0 {
		return nil, fmt.Errorf("incomplete quote for %s: last=%.2f bid=%.2f ask=%.2f",
			symbol, raw.Last, raw.Bid, raw.Ask)
	}
	return &Quote{
		Symbol: raw.Symbol,
		Last:   raw.Last,
		Bid:    raw.Bid,
		Ask:    raw.Ask,
		Close:  raw.Close,
		Volume: raw.Volume,
	}, nil
}

// GetOptionChain returns normalized chain rows for symbol/expiration, puts
// and calls both. With requireGreeks, rows missing bid/ask/delta/IV are
// dropped; without it (paper sandbox) missing greeks are tolerated.
func (t *Tradier) GetOptionChain(ctx context.Context, symbol string, expiration time.Time, requireGreeks bool) ([]OptionQuote, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("expiration", expiration.Format("2006-01-02"))
	params.Set("greeks", "true")

	var resp chainResponse
	if err := t.get(ctx, "get_option_chain", symbol, defaultTimeout,
		"/markets/options/chains?"+params.Encode(), &resp); err != nil {
		return nil, err
	}

	out := make([]OptionQuote, 0, len(resp.Options.Option))
	for _, raw := range resp.Options.Option {
		exp, err := time.Parse("2006-01-02", raw.ExpirationDate)
		if err != nil {
			continue
		}
		q := OptionQuote{
			Symbol:       raw.Symbol,
			Underlying:   raw.Underlying,
			OptionType:   models.OptionType(raw.OptionType),
			Strike:       raw.Strike,
			Expiration:   exp,
			Bid:          raw.Bid,
			Ask:          raw.Ask,
			Last:         raw.Last,
			BidSize:      raw.BidSize,
			AskSize:      raw.AskSize,
			Volume:       raw.Volume,
			OpenInterest: raw.OpenInterest,
		}
		if raw.Greeks != nil {
			q.Delta = raw.Greeks.Delta
			q.MidIV = raw.Greeks.MidIV
			q.HasGreeks = true
		}
		if requireGreeks && (q.Bid <= 0 || q.Ask <= 0 || !q.HasGreeks || q.MidIV <= 0) {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

// spreadLegs returns the leg symbols and sides in the strategy-specific
// submission order. Side flipping for exits happens here; the net order
// type flip happens in PlaceSpreadOrder.
func spreadLegs(req SpreadOrderRequest) (symbols, sides [2]string, err error) {
	if !req.Strategy.Valid() {
		return symbols, sides, fmt.Errorf("spread order without a valid strategy: %q", req.Strategy)
	}
	optType := string(req.Strategy.OptionType())
	short := util.FormatOCC(req.Symbol, req.Expiration, optType, req.ShortStrike)
	long := util.FormatOCC(req.Symbol, req.Expiration, optType, req.LongStrike)

	if !req.Closing {
		symbols = [2]string{short, long}
		sides = [2]string{"sell_to_open", "buy_to_open"}
		return symbols, sides, nil
	}
	if req.Strategy.IsCredit() {
		// close the short obligation first
		symbols = [2]string{short, long}
		sides = [2]string{"buy_to_close", "sell_to_close"}
	} else {
		// debit spreads lead with the long leg
		symbols = [2]string{long, short}
		sides = [2]string{"sell_to_close", "buy_to_close"}
	}
	return symbols, sides, nil
}

// PlaceSpreadOrder submits a 2-leg multileg limit order. The net order type
// is credit or debit per the strategy, flipped when closing.
func (t *Tradier) PlaceSpreadOrder(ctx context.Context, req SpreadOrderRequest) (*Order, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid spread quantity %d", req.Quantity)
	}
	if req.LimitPrice <= 0 {
		return nil, fmt.Errorf("invalid spread limit price %.2f", req.LimitPrice)
	}
	symbols, sides, err := spreadLegs(req)
	if err != nil {
		return nil, err
	}

	orderType := "credit"
	if req.Strategy.IsCredit() == req.Closing {
		orderType = "debit"
	}

	params := url.Values{}
	params.Set("class", "multileg")
	params.Set("symbol", req.Symbol)
	params.Set("type", orderType)
	params.Set("duration", "day")
	params.Set("price", fmt.Sprintf("%.2f", req.LimitPrice))
	if req.Tag != "" {
		params.Set("tag", req.Tag)
	}
	for i := 0; i < 2; i++ {
		params.Set(fmt.Sprintf("option_symbol[%d]", i), symbols[i])
		params.Set(fmt.Sprintf("side[%d]", i), sides[i])
		params.Set(fmt.Sprintf("quantity[%d]", i), fmt.Sprintf("%d", req.Quantity))
	}

	var resp orderResponse
	if err := t.post(ctx, "place_spread_order", req.Symbol, string(req.Strategy), orderTimeout,
		fmt.Sprintf("/accounts/%s/orders", t.accountID), params, &resp); err != nil {
		return nil, err
	}
	o := resp.Order.toOrder()
	return &o, nil
}

// PlaceSingleLegCloseOrder closes one leg. A zero limit places a MARKET
// order (forced closes); a positive limit places a limit order.
func (t *Tradier) PlaceSingleLegCloseOrder(ctx context.Context, optionSymbol string, quantity int, buyToClose bool, limit float64, tag string) (*Order, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid close quantity %d", quantity)
	}
	occ, err := util.ParseOCC(optionSymbol)
	if err != nil {
		return nil, fmt.Errorf("close order symbol: %w", err)
	}

	side := "sell_to_close"
	if buyToClose {
		side = "buy_to_close"
	}
	params := url.Values{}
	params.Set("class", "option")
	params.Set("symbol", occ.Underlying)
	params.Set("option_symbol", optionSymbol)
	params.Set("side", side)
	params.Set("quantity", fmt.Sprintf("%d", quantity))
	params.Set("duration", "day")
	if limit > 0 {
		params.Set("type", "limit")
		params.Set("price", fmt.Sprintf("%.2f", limit))
	} else {
		params.Set("type", "market")
	}
	if tag != "" {
		params.Set("tag", tag)
	}

	var resp orderResponse
	if err := t.post(ctx, "place_single_leg_close", occ.Underlying, "", orderTimeout,
		fmt.Sprintf("/accounts/%s/orders", t.accountID), params, &resp); err != nil {
		return nil, err
	}
	o := resp.Order.toOrder()
	return &o, nil
}

// GetOrder returns order status without leg detail.
func (t *Tradier) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var resp orderResponse
	if err := t.requestWithOrderID(ctx, http.MethodGet, "get_order", orderID, orderTimeout,
		fmt.Sprintf("/accounts/%s/orders/%s", t.accountID, url.PathEscape(orderID)), nil, &resp); err != nil {
		return nil, err
	}
	o := resp.Order.toOrder()
	return &o, nil
}

// GetOrderWithLegs returns order status including per-leg fills.
func (t *Tradier) GetOrderWithLegs(ctx context.Context, orderID string) (*Order, error) {
	var resp orderResponse
	if err := t.requestWithOrderID(ctx, http.MethodGet, "get_order_with_legs", orderID, orderTimeout,
		fmt.Sprintf("/accounts/%s/orders/%s?includeTags=true", t.accountID, url.PathEscape(orderID)), nil, &resp); err != nil {
		return nil, err
	}
	o := resp.Order.toOrder()
	return &o, nil
}

// GetAllOrders lists orders created between start and end.
func (t *Tradier) GetAllOrders(ctx context.Context, start, end time.Time) ([]Order, error) {
	params := url.Values{}
	params.Set("includeTags", "true")
	params.Set("start", start.Format("2006-01-02"))
	params.Set("end", end.Format("2006-01-02"))

	var resp ordersResponse
	if err := t.get(ctx, "get_all_orders", "", orderTimeout,
		fmt.Sprintf("/accounts/%s/orders?%s", t.accountID, params.Encode()), &resp); err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(resp.Orders.Order))
	for i := range resp.Orders.Order {
		out = append(out, resp.Orders.Order[i].toOrder())
	}
	return out, nil
}

// GetOpenOrders lists orders still working at the broker.
func (t *Tradier) GetOpenOrders(ctx context.Context) ([]Order, error) {
	var resp ordersResponse
	if err := t.get(ctx, "get_open_orders", "", orderTimeout,
		fmt.Sprintf("/accounts/%s/orders?includeTags=true", t.accountID), &resp); err != nil {
		return nil, err
	}
	var out []Order
	for i := range resp.Orders.Order {
		o := resp.Orders.Order[i].toOrder()
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

// CancelOrder cancels a working order. Cancelling an already-terminal order
// is treated as success.
func (t *Tradier) CancelOrder(ctx context.Context, orderID string) error {
	var resp orderResponse
	err := t.requestWithOrderID(ctx, http.MethodDelete, "cancel_order", orderID, orderTimeout,
		fmt.Sprintf("/accounts/%s/orders/%s", t.accountID, url.PathEscape(orderID)), nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(apiErr.Body), "finalized") {
		return nil
	}
	return err
}

// GetPositions returns the full position set with broker-signed quantities.
func (t *Tradier) GetPositions(ctx context.Context) ([]Position, error) {
	var resp positionsResponse
	if err := t.get(ctx, "get_positions", "", defaultTimeout,
		fmt.Sprintf("/accounts/%s/positions", t.accountID), &resp); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(resp.Positions.Position))
	for _, raw := range resp.Positions.Position {
		p := Position{
			Symbol:    raw.Symbol,
			Quantity:  int(raw.Quantity),
			CostBasis: raw.CostBasis,
		}
		if acq, err := time.Parse(time.RFC3339, raw.DateAcquired); err == nil {
			p.Acquired = acq
		}
		out = append(out, p)
	}
	return out, nil
}

// GetBalances returns cash, buying power, equity, and margin requirement.
func (t *Tradier) GetBalances(ctx context.Context) (*Balances, error) {
	var resp balancesResponse
	if err := t.get(ctx, "get_balances", "", defaultTimeout,
		fmt.Sprintf("/accounts/%s/balances", t.accountID), &resp); err != nil {
		return nil, err
	}
	return &Balances{
		TotalCash:         resp.Balances.TotalCash,
		OptionBuyingPower: resp.optionBuyingPower(),
		TotalEquity:       resp.Balances.TotalEquity,
		MarginRequirement: resp.Balances.CurrentRequirement,
	}, nil
}

// GetGainLoss returns realized PnL rows for positions closed in [start, end].
func (t *Tradier) GetGainLoss(ctx context.Context, start, end time.Time) ([]GainLossItem, error) {
	params := url.Values{}
	params.Set("start", start.Format("2006-01-02"))
	params.Set("end", end.Format("2006-01-02"))

	var resp gainLossResponse
	if err := t.get(ctx, "get_gain_loss", "", defaultTimeout,
		fmt.Sprintf("/accounts/%s/gainloss?%s", t.accountID, params.Encode()), &resp); err != nil {
		return nil, err
	}
	out := make([]GainLossItem, 0, len(resp.GainLoss.ClosedPosition))
	for _, raw := range resp.GainLoss.ClosedPosition {
		item := GainLossItem{
			Symbol:   raw.Symbol,
			Quantity: int(raw.Quantity),
			Cost:     raw.Cost,
			Proceeds: raw.Proceeds,
			GainLoss: raw.GainLoss,
		}
		if d, err := parseBrokerDate(raw.OpenDate); err == nil {
			item.OpenDate = d
		}
		if d, err := parseBrokerDate(raw.CloseDate); err == nil {
			item.CloseDate = d
		}
		out = append(out, item)
	}
	return out, nil
}

func parseBrokerDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// GetHistoricalData returns daily bars for symbol in [start, end].
func (t *Tradier) GetHistoricalData(ctx context.Context, symbol string, start, end time.Time) ([]DailyBar, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", "daily")
	params.Set("start", start.Format("2006-01-02"))
	params.Set("end", end.Format("2006-01-02"))

	var resp historyResponse
	if err := t.get(ctx, "get_historical_data", symbol, defaultTimeout,
		"/markets/history?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	out := make([]DailyBar, 0, len(resp.History.Day))
	for _, raw := range resp.History.Day {
		d, err := time.Parse("2006-01-02", raw.Date)
		if err != nil {
			return nil, fmt.Errorf("parsing bar date %q: %w", raw.Date, err)
		}
		out = append(out, DailyBar{
			Date:   d,
			Open:   raw.Open,
			High:   raw.High,
			Low:    raw.Low,
			Close:  raw.Close,
			Volume: raw.Volume,
		})
	}
	return out, nil
}

// ============ transport ============

func (t *Tradier) get(ctx context.Context, op, symbol string, timeout time.Duration, path string, response any) error {
	return t.request(ctx, http.MethodGet, op, symbol, "", "", timeout, path, nil, response)
}

func (t *Tradier) post(ctx context.Context, op, symbol, strategy string, timeout time.Duration, path string, params url.Values, response any) error {
	return t.request(ctx, http.MethodPost, op, symbol, "", strategy, timeout, path, params, response)
}

func (t *Tradier) requestWithOrderID(ctx context.Context, method, op, orderID string, timeout time.Duration, path string, params url.Values, response any) error {
	return t.request(ctx, method, op, "", orderID, "", timeout, path, params, response)
}

// retryable reports whether a request error warrants another attempt:
// timeouts and 5xx/429. 4xx is permanent.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (t *Tradier) request(ctx context.Context, method, op, symbol, orderID, strategy string,
	timeout time.Duration, path string, params url.Values, response any) error {
	start := time.Now()
	var err error
	var statusCode int

	for attempt := 0; ; attempt++ {
		statusCode, err = t.doOnce(ctx, method, timeout, path, params, response)
		if err == nil || attempt >= maxRetries || !retryable(err) {
			break
		}
		// A timed-out POST may have reached the broker; only a definitive
		// 5xx response proves the mutation was not accepted.
		if method == http.MethodPost && !errorIsAPI(err) {
			break
		}
		backoff := time.Duration(attempt+1) * retryBackoffStep
		t.log.Warn().Err(err).Str("operation", op).Int("attempt", attempt+1).
			Dur("backoff", backoff).Msg("Retrying broker call")
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(backoff):
			continue
		}
		break
	}

	ev := AuditEvent{
		Operation:  op,
		Symbol:     symbol,
		OrderID:    orderID,
		StatusCode: statusCode,
		OK:         err == nil,
		Duration:   time.Since(start),
		Mode:       t.mode,
		Strategy:   strategy,
	}
	if err != nil {
		ev.Error = truncate(err.Error(), maxErrorBodyLen)
	}
	t.audit(ev)
	return err
}

func errorIsAPI(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

func (t *Tradier) doOnce(ctx context.Context, method string, timeout time.Duration,
	path string, params url.Values, response any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := t.baseURL + path
	var req *http.Request
	var err error
	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return 0, err
		}
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "spreadbot/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			t.log.Warn().Err(cerr).Msg("Failed to close response body")
		}
	}()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	case http.StatusNoContent:
		return resp.StatusCode, nil
	default:
		body, rerr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if rerr != nil {
			return resp.StatusCode, &APIError{Status: resp.StatusCode, Body: "failed to read error body"}
		}
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Body: truncate(string(body), maxErrorBodyLen)}
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
