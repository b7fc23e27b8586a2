package trade

import (
	"errors"

	"github.com/predictx/market-engine/internal/store"
)

var (
	// ErrNotFound is returned when the user, event, outcome or allocation
	// does not exist, or the outcome belongs to a different event.
	ErrNotFound = store.ErrNotFound

	// ErrTransactionConflict is returned when a concurrent commit
	// invalidated the trade. Nothing was written; the caller may retry.
	ErrTransactionConflict = store.ErrTransactionConflict

	ErrInsufficientBalance = errors.New("trade: insufficient balance")
	ErrInsufficientShares  = errors.New("trade: insufficient shares")
	ErrAmountTooSmall      = errors.New("trade: amount too small")
	ErrBelowMinimumShares  = errors.New("trade: outcome supply would fall below minimum shares")
	ErrEventNotActive      = errors.New("trade: event is not active")
	ErrInvalidAmount       = errors.New("trade: amount must be positive")
	ErrInvalidEvent        = errors.New("trade: invalid event")
	ErrInvalidUser         = errors.New("trade: invalid user")
)

// reason returns a short metric label for a rejected trade.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ErrAmountTooSmall):
		return "amount_too_small"
	case errors.Is(err, ErrBelowMinimumShares):
		return "below_minimum_shares"
	case errors.Is(err, ErrEventNotActive):
		return "event_not_active"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidEvent):
		return "invalid_event"
	case errors.Is(err, ErrInvalidUser):
		return "invalid_user"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransactionConflict):
		return "conflict"
	}
	return "internal"
}
