package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/predictx/market-engine/internal/draft"
	"github.com/predictx/market-engine/internal/model"
	"github.com/predictx/market-engine/internal/trade"
)

// --- Request/Response types ---

// CreateEventRequest is the JSON body for POST /events.
type CreateEventRequest struct {
	Title       string    `json:"title" validate:"required,max=200"`
	Description string    `json:"description" validate:"max=2000"`
	CreatorID   string    `json:"creator_id"`
	ExpiryDate  time.Time `json:"expiry_date"`
	Outcomes    []string  `json:"outcomes" validate:"min=2,max=20,dive,required,max=100"`
}

// SettleEventRequest is the JSON body for POST /events/{eventID}/settle.
type SettleEventRequest struct {
	WinningOutcomeID string `json:"winning_outcome_id" validate:"required"`
}

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	Username  string          `json:"username" validate:"required,max=50"`
	Playmoney decimal.Decimal `json:"playmoney" validate:"gte=0"`
}

// BuyRequest is the JSON body for POST /trade/buy.
type BuyRequest struct {
	EventID   string          `json:"event_id" validate:"required"`
	OutcomeID string          `json:"outcome_id" validate:"required"`
	UserID    string          `json:"user_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount" validate:"gt=0"` // USD to spend, fee included
}

// SellRequest is the JSON body for POST /trade/sell.
type SellRequest struct {
	EventID   string          `json:"event_id" validate:"required"`
	OutcomeID string          `json:"outcome_id" validate:"required"`
	UserID    string          `json:"user_id" validate:"required"`
	Shares    decimal.Decimal `json:"shares" validate:"gt=0"`
}

// EventResponse is an event with its outcomes' current prices.
type EventResponse struct {
	*model.Event
	Outcomes []trade.OutcomePrice `json:"outcomes"`
}

// --- Events ---

// CreateEvent handles POST /api/v1/events
func (s *Server) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if !s.decode(w, r, &req) {
		return
	}

	ev, _, err := s.exec.CreateEvent(r.Context(), draft.Event{
		Title:       req.Title,
		Description: req.Description,
		CreatorID:   req.CreatorID,
		ExpiryDate:  req.ExpiryDate,
		Outcomes:    req.Outcomes,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.writeEvent(w, r, ev, http.StatusCreated)
}

// ListEvents handles GET /api/v1/events[?status=ACTIVE]
func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListEvents(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}

	status := model.EventStatus(strings.ToUpper(r.URL.Query().Get("status")))
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if status == "" || ev.Status == status {
			out = append(out, ev)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetEvent handles GET /api/v1/events/{eventID}
func (s *Server) GetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.store.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.writeEvent(w, r, ev, http.StatusOK)
}

func (s *Server) writeEvent(w http.ResponseWriter, r *http.Request, ev *model.Event, status int) {
	prices, err := s.exec.GetPrices(r.Context(), ev.ID, decimal.NullDecimal{})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, status, EventResponse{Event: ev, Outcomes: prices})
}

// CloseEvent handles POST /api/v1/events/{eventID}/close
func (s *Server) CloseEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.exec.CloseEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// SettleEvent handles POST /api/v1/events/{eventID}/settle
func (s *Server) SettleEvent(w http.ResponseWriter, r *http.Request) {
	var req SettleEventRequest
	if !s.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	var settlement *trade.Settlement
	err := s.retryConflicts(ctx, func() (err error) {
		settlement, err = s.exec.SettleEvent(ctx, chi.URLParam(r, "eventID"), req.WinningOutcomeID)
		return err
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

// --- Users ---

// CreateUser handles POST /api/v1/users
func (s *Server) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !s.decode(w, r, &req) {
		return
	}
	u, err := s.exec.CreateUser(r.Context(), req.Username, req.Playmoney)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Server) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ListAllocations handles GET /api/v1/users/{userID}/allocations
func (s *Server) ListAllocations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		writeErr(w, r, err)
		return
	}
	allocs, err := s.store.ListAllocations(ctx, userID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if allocs == nil {
		allocs = []model.TokenAllocation{}
	}
	writeJSON(w, http.StatusOK, allocs)
}

// --- Trading ---

// Buy handles POST /api/v1/trade/buy
func (s *Server) Buy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if !s.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	var res *trade.TradeResult
	err := s.retryConflicts(ctx, func() (err error) {
		res, err = s.exec.Buy(ctx, req.EventID, req.OutcomeID, req.Amount, req.UserID)
		return err
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sell handles POST /api/v1/trade/sell
func (s *Server) Sell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if !s.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	var res *trade.TradeResult
	err := s.retryConflicts(ctx, func() (err error) {
		res, err = s.exec.Sell(ctx, req.EventID, req.OutcomeID, req.Shares, req.UserID)
		return err
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetPrices handles GET /api/v1/trade/{eventID}[?ref=<price>]
func (s *Server) GetPrices(w http.ResponseWriter, r *http.Request) {
	var ref decimal.NullDecimal
	if raw := r.URL.Query().Get("ref"); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil || !v.IsPositive() {
			writeError(w, "ref must be a positive number", "invalid_query", http.StatusBadRequest)
			return
		}
		ref = decimal.NewNullDecimal(v)
	}

	prices, err := s.exec.GetPrices(r.Context(), chi.URLParam(r, "eventID"), ref)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

// QuoteBuy handles GET /api/v1/trade/{eventID}/quote/buy?outcome_id=&amount=
func (s *Server) QuoteBuy(w http.ResponseWriter, r *http.Request) {
	outcomeID, amount, ok := quoteParams(w, r, "amount")
	if !ok {
		return
	}
	q, err := s.exec.QuoteBuy(r.Context(), chi.URLParam(r, "eventID"), outcomeID, amount)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// QuoteSell handles GET /api/v1/trade/{eventID}/quote/sell?outcome_id=&shares=
func (s *Server) QuoteSell(w http.ResponseWriter, r *http.Request) {
	outcomeID, shares, ok := quoteParams(w, r, "shares")
	if !ok {
		return
	}
	q, err := s.exec.QuoteSell(r.Context(), chi.URLParam(r, "eventID"), outcomeID, shares)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func quoteParams(w http.ResponseWriter, r *http.Request, amountKey string) (string, decimal.Decimal, bool) {
	q := r.URL.Query()
	outcomeID := q.Get("outcome_id")
	if outcomeID == "" {
		writeError(w, "outcome_id is required", "invalid_query", http.StatusBadRequest)
		return "", decimal.Zero, false
	}
	v, err := decimal.NewFromString(q.Get(amountKey))
	if err != nil {
		writeError(w, amountKey+" must be a number", "invalid_query", http.StatusBadRequest)
		return "", decimal.Zero, false
	}
	return outcomeID, v, true
}

// --- History ---

// ListTrades handles GET /api/v1/trades with optional event_id, outcome_id,
// user_id, side, from, to (RFC 3339), limit and page filters.
func (s *Server) ListTrades(w http.ResponseWriter, r *http.Request) {
	f, err := parseTradeFilter(r)
	if err != nil {
		writeError(w, err.Error(), "invalid_query", http.StatusBadRequest)
		return
	}
	trades, err := s.store.ListTrades(r.Context(), f)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

type queryError string

func (e queryError) Error() string { return string(e) }

func parseTradeFilter(r *http.Request) (model.TradeFilter, error) {
	q := r.URL.Query()
	f := model.TradeFilter{
		EventID:   q.Get("event_id"),
		OutcomeID: q.Get("outcome_id"),
		UserID:    q.Get("user_id"),
	}

	switch side := model.Side(strings.ToUpper(q.Get("side"))); side {
	case "", model.SideBuy, model.SideSell:
		f.Side = side
	default:
		return f, queryError("side must be BUY or SELL")
	}

	for key, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if raw := q.Get(key); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return f, queryError(key + " must be an RFC 3339 timestamp")
			}
			*dst = t
		}
	}

	for key, dst := range map[string]*int{"limit": &f.Limit, "page": &f.Page} {
		if raw := q.Get(key); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				return f, queryError(key + " must be a positive integer")
			}
			*dst = n
		}
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	return f, nil
}
