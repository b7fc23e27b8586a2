package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predictx/market-engine/internal/model"
)

type allocKey struct {
	userID    string
	outcomeID string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// RunAtomic stages writes in a transaction overlay and applies them under
// the write lock at commit, after re-checking that no balance, allocation
// or supply would go negative.
type MemoryStore struct {
	mu            sync.RWMutex
	events        map[string]*model.Event
	outcomes      map[string]*model.Outcome
	eventOutcomes map[string][]string // event id → outcome ids by position
	users         map[string]*model.User
	allocations   map[allocKey]*model.TokenAllocation
	trades        []model.Trade

	locks *eventLocks
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:        make(map[string]*model.Event),
		outcomes:      make(map[string]*model.Outcome),
		eventOutcomes: make(map[string][]string),
		users:         make(map[string]*model.User),
		allocations:   make(map[allocKey]*model.TokenAllocation),
		locks:         newEventLocks(),
	}
}

// --- Events ---

func (s *MemoryStore) CreateEvent(_ context.Context, e *model.Event, outcomes []model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[e.ID]; ok {
		return fmt.Errorf("event %s: %w", e.ID, ErrAlreadyExists)
	}
	for _, o := range outcomes {
		if _, ok := s.outcomes[o.ID]; ok {
			return fmt.Errorf("outcome %s: %w", o.ID, ErrAlreadyExists)
		}
	}

	// Store copies to avoid external mutation.
	ev := *e
	s.events[e.ID] = &ev
	ids := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		oc := o
		oc.EventID = e.ID
		s.outcomes[o.ID] = &oc
		ids = append(ids, o.ID)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		return s.outcomes[ids[i]].Position < s.outcomes[ids[j]].Position
	})
	s.eventOutcomes[e.ID] = ids
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEvent(id)
}

func (s *MemoryStore) getEvent(id string) (*model.Event, error) {
	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	ev := *e
	return &ev, nil
}

func (s *MemoryStore) ListEvents(_ context.Context) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]model.Event, 0, len(s.events))
	for _, e := range s.events {
		events = append(events, *e)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
	return events, nil
}

func (s *MemoryStore) LoadOutcomes(_ context.Context, eventID string) ([]model.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadOutcomes(eventID)
}

func (s *MemoryStore) loadOutcomes(eventID string) ([]model.Outcome, error) {
	if _, ok := s.events[eventID]; !ok {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	ids := s.eventOutcomes[eventID]
	outcomes := make([]model.Outcome, 0, len(ids))
	for _, id := range ids {
		outcomes = append(outcomes, *s.outcomes[id])
	}
	return outcomes, nil
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrAlreadyExists)
	}
	for _, existing := range s.users {
		if u.Username != "" && existing.Username == u.Username {
			return fmt.Errorf("username %s: %w", u.Username, ErrAlreadyExists)
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) LoadUserBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return decimal.Zero, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return u.Playmoney, nil
}

func (s *MemoryStore) LoadAllocation(_ context.Context, userID, outcomeID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.allocations[allocKey{userID, outcomeID}]
	if !ok {
		return decimal.Zero, fmt.Errorf("allocation %s/%s: %w", userID, outcomeID, ErrNotFound)
	}
	return a.Amount, nil
}

func (s *MemoryStore) ListAllocations(_ context.Context, userID string) ([]model.TokenAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TokenAllocation
	for k, a := range s.allocations {
		if k.userID == userID {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OutcomeID < result[j].OutcomeID })
	return result, nil
}

// --- Trades ---

func (s *MemoryStore) ListTrades(_ context.Context, filter model.TradeFilter) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offset, limit := filter.Window()
	var result []model.Trade
	skipped := 0
	// Trades are appended in commit order, so walk backwards for newest first.
	for i := len(s.trades) - 1; i >= 0 && len(result) < limit; i-- {
		t := s.trades[i]
		if !filter.Match(t) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

// --- Transactions ---

type outcomeDelta struct {
	supply    decimal.Decimal
	liquidity decimal.Decimal
}

type statusChange struct {
	status           model.EventStatus
	winningOutcomeID string
}

// memTx overlays staged deltas on top of the store's committed state.
type memTx struct {
	s        *MemoryStore
	eventID  string
	outcomes map[string]outcomeDelta
	balances map[string]decimal.Decimal
	allocs   map[allocKey]decimal.Decimal
	trades   []model.Trade
	status   *statusChange
}

func (s *MemoryStore) RunAtomic(ctx context.Context, eventID string, fn func(tx Tx) error) error {
	unlock := s.locks.lock(eventID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		s:        s,
		eventID:  eventID,
		outcomes: make(map[string]outcomeDelta),
		balances: make(map[string]decimal.Decimal),
		allocs:   make(map[allocKey]decimal.Decimal),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (t *memTx) GetEvent(_ context.Context, id string) (*model.Event, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	e, err := t.s.getEvent(id)
	if err != nil {
		return nil, err
	}
	if t.status != nil && id == t.eventID {
		e.Status = t.status.status
		e.WinningOutcomeID = t.status.winningOutcomeID
	}
	return e, nil
}

func (t *memTx) LoadOutcomes(_ context.Context, eventID string) ([]model.Outcome, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	outcomes, err := t.s.loadOutcomes(eventID)
	if err != nil {
		return nil, err
	}
	for i := range outcomes {
		if d, ok := t.outcomes[outcomes[i].ID]; ok {
			outcomes[i].CurrentSupply = outcomes[i].CurrentSupply.Add(d.supply)
			outcomes[i].TotalLiquidity = outcomes[i].TotalLiquidity.Add(d.liquidity)
		}
	}
	return outcomes, nil
}

func (t *memTx) LoadUserBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	bal, err := t.s.LoadUserBalance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return bal.Add(t.balances[userID]), nil
}

func (t *memTx) LoadAllocation(ctx context.Context, userID, outcomeID string) (decimal.Decimal, error) {
	key := allocKey{userID, outcomeID}
	staged, hasStaged := t.allocs[key]

	amount, err := t.s.LoadAllocation(ctx, userID, outcomeID)
	if err != nil {
		if hasStaged {
			return staged, nil
		}
		return decimal.Zero, err
	}
	return amount.Add(staged), nil
}

func (t *memTx) ListHolders(_ context.Context, outcomeID string) ([]model.TokenAllocation, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	amounts := make(map[string]decimal.Decimal)
	for k, a := range t.s.allocations {
		if k.outcomeID == outcomeID {
			amounts[k.userID] = a.Amount
		}
	}
	for k, d := range t.allocs {
		if k.outcomeID == outcomeID {
			amounts[k.userID] = amounts[k.userID].Add(d)
		}
	}

	var holders []model.TokenAllocation
	for userID, amt := range amounts {
		if amt.IsPositive() {
			holders = append(holders, model.TokenAllocation{UserID: userID, OutcomeID: outcomeID, Amount: amt})
		}
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i].UserID < holders[j].UserID })
	return holders, nil
}

func (t *memTx) WriteOutcome(_ context.Context, outcomeID string, dSupply, dLiquidity decimal.Decimal) error {
	t.s.mu.RLock()
	o, ok := t.s.outcomes[outcomeID]
	t.s.mu.RUnlock()
	if !ok || o.EventID != t.eventID {
		return fmt.Errorf("outcome %s in event %s: %w", outcomeID, t.eventID, ErrNotFound)
	}

	d := t.outcomes[outcomeID]
	d.supply = d.supply.Add(dSupply)
	d.liquidity = d.liquidity.Add(dLiquidity)
	t.outcomes[outcomeID] = d
	return nil
}

func (t *memTx) WriteUserBalance(_ context.Context, userID string, delta decimal.Decimal) error {
	t.s.mu.RLock()
	_, ok := t.s.users[userID]
	t.s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	t.balances[userID] = t.balances[userID].Add(delta)
	return nil
}

func (t *memTx) UpsertAllocation(_ context.Context, userID, outcomeID string, delta decimal.Decimal) error {
	key := allocKey{userID, outcomeID}
	t.allocs[key] = t.allocs[key].Add(delta)
	return nil
}

func (t *memTx) AppendTrade(_ context.Context, trade *model.Trade) error {
	t.trades = append(t.trades, *trade)
	return nil
}

func (t *memTx) SetEventStatus(_ context.Context, eventID string, status model.EventStatus, winningOutcomeID string) error {
	if eventID != t.eventID {
		return fmt.Errorf("event %s outside transaction scope %s: %w", eventID, t.eventID, ErrNotFound)
	}
	t.status = &statusChange{status: status, winningOutcomeID: winningOutcomeID}
	return nil
}

// commit validates the staged deltas against the latest committed state and
// applies them in one critical section. Balances are shared across events,
// so a concurrent trade on another event can invalidate what fn observed.
func (t *memTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, d := range t.outcomes {
		if s.outcomes[id].CurrentSupply.Add(d.supply).IsNegative() {
			return fmt.Errorf("outcome %s supply would go negative: %w", id, ErrTransactionConflict)
		}
	}
	for id, d := range t.balances {
		if s.users[id].Playmoney.Add(d).IsNegative() {
			return fmt.Errorf("user %s balance would go negative: %w", id, ErrTransactionConflict)
		}
	}
	for k, d := range t.allocs {
		base := decimal.Zero
		if a, ok := s.allocations[k]; ok {
			base = a.Amount
		}
		if base.Add(d).IsNegative() {
			return fmt.Errorf("allocation %s/%s would go negative: %w", k.userID, k.outcomeID, ErrTransactionConflict)
		}
	}

	now := time.Now().UTC()
	for id, d := range t.outcomes {
		o := s.outcomes[id]
		o.CurrentSupply = o.CurrentSupply.Add(d.supply)
		o.TotalLiquidity = o.TotalLiquidity.Add(d.liquidity)
	}
	for id, d := range t.balances {
		u := s.users[id]
		u.Playmoney = u.Playmoney.Add(d)
	}
	for k, d := range t.allocs {
		if a, ok := s.allocations[k]; ok {
			a.Amount = a.Amount.Add(d)
			a.UpdatedAt = now
			continue
		}
		s.allocations[k] = &model.TokenAllocation{UserID: k.userID, OutcomeID: k.outcomeID, Amount: d, UpdatedAt: now}
	}
	s.trades = append(s.trades, t.trades...)
	if t.status != nil {
		e := s.events[t.eventID]
		e.Status = t.status.status
		e.WinningOutcomeID = t.status.winningOutcomeID
	}
	return nil
}
