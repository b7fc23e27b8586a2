package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/predictx/market-engine/internal/store"
	"github.com/predictx/market-engine/internal/trade"
)

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

var errorStatus = []struct {
	err    error
	code   string
	status int
}{
	{trade.ErrNotFound, "not_found", http.StatusNotFound},
	{trade.ErrInsufficientBalance, "insufficient_balance", http.StatusUnprocessableEntity},
	{trade.ErrInsufficientShares, "insufficient_shares", http.StatusUnprocessableEntity},
	{trade.ErrAmountTooSmall, "amount_too_small", http.StatusUnprocessableEntity},
	{trade.ErrBelowMinimumShares, "below_minimum_shares", http.StatusUnprocessableEntity},
	{trade.ErrEventNotActive, "event_not_active", http.StatusConflict},
	{trade.ErrTransactionConflict, "transaction_conflict", http.StatusConflict},
	{store.ErrAlreadyExists, "already_exists", http.StatusConflict},
	{trade.ErrInvalidAmount, "invalid_amount", http.StatusBadRequest},
	{trade.ErrInvalidEvent, "invalid_event", http.StatusBadRequest},
	{trade.ErrInvalidUser, "invalid_user", http.StatusBadRequest},
}

// writeErr maps a domain error to its status code. Unknown errors are
// logged and reported as a generic 500.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			writeError(w, err.Error(), e.code, e.status)
			return
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, "request timed out", "timeout", http.StatusGatewayTimeout)
		return
	}
	slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	writeError(w, "internal error", "internal", http.StatusInternalServerError)
}

// decode reads a JSON body into v and validates its struct tags.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", "invalid_body", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, validationMessage(err), "validation_failed", http.StatusBadRequest)
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		if fe.Param() != "" {
			msgs[i] = fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param())
		} else {
			msgs[i] = fmt.Sprintf("%s is %s", fe.Field(), fe.Tag())
		}
	}
	return strings.Join(msgs, "; ")
}

// backoff returns base·2^attempt capped at maxDelay.
func backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt > 30 {
		return maxDelay
	}
	d := base * time.Duration(1<<attempt)
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}

// retryConflicts runs fn again after a transaction conflict, up to the
// configured number of retries with exponential backoff.
func (s *Server) retryConflicts(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if !errors.Is(err, trade.ErrTransactionConflict) || attempt >= s.opts.ConflictRetries {
			return err
		}
		delay := backoff(attempt, s.opts.RetryBaseDelay, s.opts.RetryMaxDelay)
		slog.Warn("retrying after transaction conflict", "attempt", attempt+1, "delay", delay)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}
