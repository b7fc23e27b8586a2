// Package store defines the persistence port for the market engine.
// Implementations include PostgreSQL (source of truth), SQLite via gorm
// (single-node deployments), Redis (read-through cache) and in-memory
// (for testing).
package store

import (
	"context"
	"errors"

	"github.com/predictx/market-engine/internal/model"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a user, event, outcome or allocation
	// does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrTransactionConflict is returned when the atomic-commit layer detects
	// a concurrent modification. The whole operation must be retried from
	// scratch.
	ErrTransactionConflict = errors.New("store: transaction conflict")

	// ErrAlreadyExists is returned when creating a record whose id or unique
	// key is taken.
	ErrAlreadyExists = errors.New("store: already exists")
)

// Reader is the read side shared by the store and its transactions.
type Reader interface {
	// GetEvent retrieves an event by its ID.
	GetEvent(ctx context.Context, id string) (*model.Event, error)

	// LoadOutcomes returns the event's outcomes ordered by position.
	LoadOutcomes(ctx context.Context, eventID string) ([]model.Outcome, error)

	// LoadUserBalance returns the user's playmoney balance.
	LoadUserBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// LoadAllocation returns the user's holding in an outcome, or
	// ErrNotFound when the user never bought it.
	LoadAllocation(ctx context.Context, userID, outcomeID string) (decimal.Decimal, error)
}

// Tx is the read/write view handed to RunAtomic callbacks. Every write is
// a delta; all of them commit together or not at all.
type Tx interface {
	Reader

	// WriteOutcome adds dSupply to current_supply and dLiquidity to
	// total_liquidity.
	WriteOutcome(ctx context.Context, outcomeID string, dSupply, dLiquidity decimal.Decimal) error

	// WriteUserBalance adds delta to the user's playmoney.
	WriteUserBalance(ctx context.Context, userID string, delta decimal.Decimal) error

	// UpsertAllocation creates the allocation at delta if absent, else adds delta.
	UpsertAllocation(ctx context.Context, userID, outcomeID string, delta decimal.Decimal) error

	// AppendTrade appends an immutable trade record.
	AppendTrade(ctx context.Context, trade *model.Trade) error

	// ListHolders returns every non-zero allocation of an outcome.
	ListHolders(ctx context.Context, outcomeID string) ([]model.TokenAllocation, error)

	// SetEventStatus updates an event's status and, on settlement, its
	// winning outcome.
	SetEventStatus(ctx context.Context, eventID string, status model.EventStatus, winningOutcomeID string) error
}

// Store is the persistence port consumed by the trade executor and the
// HTTP layer.
type Store interface {
	Reader

	// RunAtomic executes fn with read/write access scoped to one event.
	// Calls for the same event are serialised; writes commit together or
	// not at all. A conflicting concurrent commit yields
	// ErrTransactionConflict.
	RunAtomic(ctx context.Context, eventID string, fn func(tx Tx) error) error

	// --- Events ---

	// CreateEvent persists a new event together with its outcomes.
	CreateEvent(ctx context.Context, event *model.Event, outcomes []model.Outcome) error

	// ListEvents returns all events, newest first.
	ListEvents(ctx context.Context) ([]model.Event, error)

	// --- Users ---

	// CreateUser persists a new user.
	CreateUser(ctx context.Context, user *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// ListAllocations returns all allocations held by a user.
	ListAllocations(ctx context.Context, userID string) ([]model.TokenAllocation, error)

	// --- Immutable trade log ---

	// ListTrades returns trades matching the filter, newest first.
	ListTrades(ctx context.Context, filter model.TradeFilter) ([]model.Trade, error)
}
