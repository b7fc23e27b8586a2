package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/predictx/market-engine/internal/httpapi"
	"github.com/predictx/market-engine/internal/model"
	"github.com/predictx/market-engine/internal/store"
	"github.com/predictx/market-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestRouter(t *testing.T, opts httpapi.Options) http.Handler {
	t.Helper()
	ms := store.NewMemoryStore()
	ex := trade.NewExecutor(ms)
	return httpapi.New(ex, ms, nil, opts).Router()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
	if body := decode[errorBody](t, rr); body.Code != code {
		t.Errorf("expected code %s, got %s (%s)", code, body.Code, body.Error)
	}
}

// seed creates a user with the given balance and a two-outcome event.
func seed(t *testing.T, h http.Handler, balance float64) (userID string, ev httpapi.EventResponse) {
	t.Helper()
	rr := do(t, h, "POST", "/api/v1/users", map[string]any{"username": "alice", "playmoney": balance})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create user: %d %s", rr.Code, rr.Body.String())
	}
	u := decode[model.User](t, rr)

	rr = do(t, h, "POST", "/api/v1/events", map[string]any{
		"title":      "Will it rain tomorrow?",
		"creator_id": u.ID,
		"outcomes":   []string{"Yes", "No"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create event: %d %s", rr.Code, rr.Body.String())
	}
	return u.ID, decode[httpapi.EventResponse](t, rr)
}

func TestHealth(t *testing.T) {
	h := newTestRouter(t, httpapi.DefaultOptions())
	rr := do(t, h, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS header")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestRouter(t, httpapi.DefaultOptions())
	do(t, h, "GET", "/health", nil)
	rr := do(t, h, "GET", "/metrics", nil)
	if rr.Code != http.StatusOK || !bytes.Contains(rr.Body.Bytes(), []byte("predictx_http_requests_total")) {
		t.Errorf("expected request metrics, got %d", rr.Code)
	}
}

func TestCreateEvent(t *testing.T) {
	h := newTestRouter(t, httpapi.DefaultOptions())
	_, ev := seed(t, h, 100)

	if ev.Status != model.StatusActive || len(ev.Outcomes) != 2 {
		t.Fatalf("unexpected event %+v", ev)
	}
	for _, o := range ev.Outcomes {
		if !o.Price.Equal(d(0.5)) {
			t.Errorf("expected price 0.5, got %s", o.Price)
		}
	}

	rr := do(t, h, "GET", "/api/v1/events/"+ev.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get event: %d", rr.Code)
	}
	rr = do(t, h, "GET", "/api/v1/events?status=active", nil)
	if events := decode[[]model.Event](t, rr); len(events) != 1 {
		t.Errorf("expected 1 active event, got %d", len(events))
	}
}

func TestCreateEvent_Validation(t *testing.T) {
	h := newTestRouter(t, httpapi.DefaultOptions())

	tests := []struct {
		name string
		body any
		code string
	}{
		{"missing title", map[string]any{"outcomes": []string{"A", "B"}}, "validation_failed"},
		{"one outcome", map[string]any{"title": "Solo", "outcomes": []string{"A"}}, "validation_failed"},
		{"blank outcome", map[string]any{"title": "Blank", "outcomes": []string{"A", ""}}, "validation_failed"},
		{"duplicate outcomes", map[string]any{"title": "Dup", "outcomes": []string{"Yes", "yes"}}, "invalid_event"},
		{"markup only title", map[string]any{"title": "<b></b>", "outcomes": []string{"A", "B"}}, "invalid_event"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, do(t, h, "POST", "/api/v1/events", tt.body), http.StatusBadRequest, tt.code)
		})
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "/api/v1/events", bytes.NewBufferString("{not json")))
	expectError(t, rr, http.StatusBadRequest, "invalid_body")
}

func TestUsers(t *testing.T) {
	h := newTestRouter(t, httpapi.DefaultOptions())

	rr := do(t, h, "POST", "/api/v1/users", map[string]any{"username": "bob", "playmoney": "250.5"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create user: %d %s", rr.Code, rr.Body.String())
	}
	u := decode[model.User](t, rr)

	rr = do(t, h, "GET", "/api/v1/users/"+u.ID, nil)
	if got := decode[model.User](t, rr); !got.Playmoney.Equal(d(250.5)) {
		t.Errorf("expected balance 250.5, got %s", got.Playmoney)
	}

	rr = do(t, h, "GET", "/api/v1/users/"+u.ID+"/allocations", nil)
	if allocs := decode[[]model.TokenAllocation](t, rr); len(allocs) != 0 {
		t.Errorf("expected no allocations, got %d", len(allocs))
	}

	expectError(t, do(t, h, "POST", "/api/v1/users", map[string]any{"username": "bob", "playmoney": 1}), http.StatusConflict, "already_exists")
	expectError(t, do(t, h, "POST", "/api/v1/users", map[string]any{"username": "neg", "playmoney": -1}), http.StatusBadRequest, "validation_failed")
	expectError(t, do(t, h, "GET", "/api/v1/users/nobody", nil), http.StatusNotFound, "not_found")
}

func TestBuyAndSell(t *testing.T) {
	h := newTestRouter(t, httpapi.DefaultOptions())
	userID, ev := seed(t, h, 1000)
	yes := ev.Outcomes[0].OutcomeID

	rr := do(t, h, "POST", "/api/v1/trade/buy", map[string]any{
		"event_id": ev.ID, "outcome_id": yes, "user_id": userID, "amount": 200,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("buy: %d %s", rr.Code, rr.Body.String())
	}
	buy := decode[trade.TradeResult](t, rr)
	if !buy.Shares.Equal(d(258)) || !buy.Total.Equal(d(200)) {
		t.Errorf("expected 258 shares for 200, got %s for %s", buy.Shares, buy.Total)
	}
	if buy.Trade.ID == "" || buy.Trade.Side != model.SideBuy {
		t.Errorf("unexpected trade %+v", buy.Trade)
	}

	rr = do(t, h, "GET", "/api/v1/users/"+userID+"/allocations", nil)
	allocs := decode[[]model.TokenAllocation](t, rr)
	if len(allocs) != 1 || !allocs[0].Amount.Equal(d(258)) {
		t.Errorf("expected one allocation of 258, got %+v", allocs)
	}

	rr = do(t, h, "POST", "/api/v1/trade/sell", map[string]any{
		"event_id": ev.ID, "outcome_id": yes, "user_id": userID, "shares": "100",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("sell: %d %s", rr.Code, rr.Body.String())
	}
	sell := decode[trade.TradeResult](t, rr)
	if sell.Trade.Side != model.SideSell || !sell.Shares.Equal(d(100)) {
		t.Errorf("unexpected sell %+v", sell.Trade)
	}

	rr = do(t, h, "GET", "/api/v1/trades?event_id="+ev.ID+"&side=sell", nil)
	trades := decode[[]model.Trade](t, rr)
	if len(trades) != 1 || trades[0].ID != sell.Trade.ID {
		t.Errorf("expected the sell in history, got %+v", trades)
	}
	rr = do(t, h, "GET", "/api/v1/trades?user_id="+userID, nil)
	if trades := decode[[]model.Trade](t, rr); len(trades) != 2 || trades[0].Side != model.SideSell {
		t.Errorf("expected 2 trades newest first, got %+v", trades)
	}
}

func TestTradeErrors(t *testing.T) {
	h := newTestRouter(t, httpapi.DefaultOptions())
	userID, ev := seed(t, h, 10)
	yes := ev.Outcomes[0].OutcomeID

	buy := func(outcomeID string, amount any) *httptest.ResponseRecorder {
		return do(t, h, "POST", "/api/v1/trade/buy", map[string]any{
			"event_id": ev.ID, "outcome_id": outcomeID, "user_id": userID, "amount": amount,
		})
	}

	expectError(t, buy(yes, 50), http.StatusUnprocessableEntity, "insufficient_balance")
	expectError(t, buy(yes, 0.001), http.StatusUnprocessableEntity, "amount_too_small")
	expectError(t, buy(yes, 0), http.StatusBadRequest, "validation_failed")
	expectError(t, buy("missing", 5), http.StatusNotFound, "not_found")

	rr := do(t, h, "POST", "/api/v1/trade/sell", map[string]any{
		"event_id": ev.ID, "outcome_id": yes, "user_id": userID, "shares": 1,
	})
	expectError(t, rr, http.StatusUnprocessableEntity, "insufficient_shares")

	if rr := do(t, h, "POST", "/api/v1/events/"+ev.ID+"/close", nil); rr.Code != http.StatusOK {
		t.Fatalf("close: %d %s", rr.Code, rr.Body.String())
	}
	expectError(t, buy(yes, 5), http.StatusConflict, "event_not_active")
}

func TestPricesAndQuotes(t *testing.T) {
	h := newTestRouter(t, httpapi.DefaultOptions())
	_, ev := seed(t, h, 100)
	yes := ev.Outcomes[0].OutcomeID

	rr := do(t, h, "GET", "/api/v1/trade/"+ev.ID+"?ref=2", nil)
	prices := decode[[]trade.OutcomePrice](t, rr)
	if len(prices) != 2 || !prices[0].ScaledPrice.Equal(d(1)) {
		t.Errorf("expected scaled price 1, got %+v", prices)
	}
	expectError(t, do(t, h, "GET", "/api/v1/trade/"+ev.ID+"?ref=abc", nil), http.StatusBadRequest, "invalid_query")
	expectError(t, do(t, h, "GET", "/api/v1/trade/missing", nil), http.StatusNotFound, "not_found")

	rr = do(t, h, "GET", "/api/v1/trade/"+ev.ID+"/quote/buy?outcome_id="+yes+"&amount=200", nil)
	q := decode[trade.Quote](t, rr)
	if !q.Shares.Equal(d(258)) || len(q.Impacts) != 2 {
		t.Errorf("unexpected quote %+v", q)
	}

	rr = do(t, h, "GET", "/api/v1/trade/"+ev.ID+"/quote/sell?outcome_id="+yes+"&shares=1000", nil)
	expectError(t, rr, http.StatusUnprocessableEntity, "below_minimum_shares")

	expectError(t, do(t, h, "GET", "/api/v1/trade/"+ev.ID+"/quote/buy?amount=5", nil), http.StatusBadRequest, "invalid_query")
	expectError(t, do(t, h, "GET", "/api/v1/trade/"+ev.ID+"/quote/buy?outcome_id="+yes+"&amount=x", nil), http.StatusBadRequest, "invalid_query")
}

func TestSettleEvent(t *testing.T) {
	h := newTestRouter(t, httpapi.DefaultOptions())
	userID, ev := seed(t, h, 100)
	yes := ev.Outcomes[0].OutcomeID

	rr := do(t, h, "POST", "/api/v1/trade/buy", map[string]any{
		"event_id": ev.ID, "outcome_id": yes, "user_id": userID, "amount": 50,
	})
	buy := decode[trade.TradeResult](t, rr)

	expectError(t, do(t, h, "POST", "/api/v1/events/"+ev.ID+"/settle", map[string]any{}), http.StatusBadRequest, "validation_failed")

	rr = do(t, h, "POST", "/api/v1/events/"+ev.ID+"/settle", map[string]any{"winning_outcome_id": yes})
	if rr.Code != http.StatusOK {
		t.Fatalf("settle: %d %s", rr.Code, rr.Body.String())
	}
	s := decode[trade.Settlement](t, rr)
	if s.Holders != 1 || !s.Payout.Equal(buy.Shares) {
		t.Errorf("unexpected settlement %+v", s)
	}

	rr = do(t, h, "GET", "/api/v1/users/"+userID, nil)
	u := decode[model.User](t, rr)
	if want := d(100).Sub(buy.Total).Add(buy.Shares); !u.Playmoney.Equal(want) {
		t.Errorf("expected balance %s after payout, got %s", want, u.Playmoney)
	}

	expectError(t, do(t, h, "POST", "/api/v1/events/"+ev.ID+"/settle", map[string]any{"winning_outcome_id": yes}), http.StatusConflict, "event_not_active")
}

func TestListTrades_BadQuery(t *testing.T) {
	h := newTestRouter(t, httpapi.DefaultOptions())
	for _, q := range []string{"side=hold", "from=yesterday", "limit=0", "page=x"} {
		expectError(t, do(t, h, "GET", "/api/v1/trades?"+q, nil), http.StatusBadRequest, "invalid_query")
	}
	if rr := do(t, h, "GET", "/api/v1/trades", nil); rr.Body.String() != "[]\n" {
		t.Errorf("expected empty list, got %q", rr.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	opts := httpapi.DefaultOptions()
	opts.RateLimit = 0.001
	opts.RateBurst = 1
	h := newTestRouter(t, opts)
	userID, ev := seed(t, h, 100)

	body := map[string]any{"event_id": ev.ID, "outcome_id": ev.Outcomes[0].OutcomeID, "user_id": userID, "amount": 5}
	if rr := do(t, h, "POST", "/api/v1/trade/buy", body); rr.Code != http.StatusOK {
		t.Fatalf("first buy: %d %s", rr.Code, rr.Body.String())
	}
	rr := do(t, h, "POST", "/api/v1/trade/buy", body)
	expectError(t, rr, http.StatusTooManyRequests, "rate_limited")

	// Reads are not limited.
	if rr := do(t, h, "GET", "/api/v1/trade/"+ev.ID, nil); rr.Code != http.StatusOK {
		t.Errorf("prices should not be rate limited, got %d", rr.Code)
	}
}
