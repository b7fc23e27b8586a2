// Package model defines the core domain types shared across the market engine.
// All monetary values and share counts use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade against the market maker.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	StatusActive  EventStatus = "ACTIVE"  // open for trading
	StatusClosed  EventStatus = "CLOSED"  // trading halted, awaiting settlement
	StatusSettled EventStatus = "SETTLED" // winning outcome paid out
)

// Event is a question with two or more mutually exclusive outcomes.
// Its outcomes together form one LMSR market.
type Event struct {
	ID               string      `json:"id" db:"id"`
	Title            string      `json:"title" db:"title"`
	Description      string      `json:"description" db:"description"`
	CreatorID        string      `json:"creator_id" db:"creator_id"`
	Status           EventStatus `json:"status" db:"status"`
	ExpiryDate       time.Time   `json:"expiry_date" db:"expiry_date"`
	WinningOutcomeID string      `json:"winning_outcome_id,omitempty" db:"winning_outcome_id"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
}

// Outcome is one possible resolution of an event. Outcomes are never deleted.
type Outcome struct {
	ID             string          `json:"id" db:"id"`
	EventID        string          `json:"event_id" db:"event_id"`
	Title          string          `json:"title" db:"title"`
	Position       int             `json:"position" db:"position"`
	CurrentSupply  decimal.Decimal `json:"current_supply" db:"current_supply"`   // shares issued, >= 0
	TotalLiquidity decimal.Decimal `json:"total_liquidity" db:"total_liquidity"` // may drift negative
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// User holds a USD-equivalent play-money balance.
type User struct {
	ID        string          `json:"id" db:"id"`
	Username  string          `json:"username" db:"username"`
	Playmoney decimal.Decimal `json:"playmoney" db:"playmoney"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// TokenAllocation is a user's share holding in one outcome.
// Unique per (user, outcome); created on first purchase, never deleted.
type TokenAllocation struct {
	UserID    string          `json:"user_id" db:"user_id"`
	OutcomeID string          `json:"outcome_id" db:"outcome_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Trade is an immutable record of one executed order.
// Once created, these are never modified or deleted.
type Trade struct {
	ID         string          `json:"id" db:"id"`
	EventID    string          `json:"event_id" db:"event_id"`
	OutcomeID  string          `json:"outcome_id" db:"outcome_id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Side       Side            `json:"side" db:"side"`
	Size       decimal.Decimal `json:"size" db:"size"`               // shares
	Amount     decimal.Decimal `json:"amount" db:"amount"`           // USD charged or paid out
	Price      decimal.Decimal `json:"price" db:"price"`             // pre-trade price of the outcome
	AfterPrice decimal.Decimal `json:"after_price" db:"after_price"` // post-trade price of the outcome
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// TradeFilter narrows trade history queries. Zero values mean "any".
type TradeFilter struct {
	EventID   string
	OutcomeID string
	UserID    string
	Side      Side
	From      time.Time
	To        time.Time
	Limit     int
	Page      int
}

// Window returns the offset and limit for the filter's page, defaulting
// to 10 results on page 1.
func (f TradeFilter) Window() (offset, limit int) {
	limit = f.Limit
	if limit <= 0 {
		limit = 10
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return (page - 1) * limit, limit
}

// Match reports whether t satisfies every non-zero field of the filter.
func (f TradeFilter) Match(t Trade) bool {
	if f.EventID != "" && t.EventID != f.EventID {
		return false
	}
	if f.OutcomeID != "" && t.OutcomeID != f.OutcomeID {
		return false
	}
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if f.Side != "" && t.Side != f.Side {
		return false
	}
	if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.CreatedAt.After(f.To) {
		return false
	}
	return true
}
