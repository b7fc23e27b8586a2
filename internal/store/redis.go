package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/predictx/market-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// events, outcome snapshots and users. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Reads inside RunAtomic always hit the primary.
//
// Redis failures are never surfaced: a miss or an unreachable server just
// means the primary serves the read.
//
// A reader that missed the cache before a commit can store its pre-commit
// snapshot after the commit's invalidation. Keys are therefore deleted a
// second time reinvalidateDelay after the commit, and outcome snapshots are
// cached for at most maxSnapshotTTL, which bounds how long stale prices
// can be served.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration

	// after schedules the delayed invalidation.
	after func(d time.Duration, f func())
}

const (
	maxSnapshotTTL     = 5 * time.Second
	reinvalidateDelay  = 250 * time.Millisecond
	invalidateDeadline = time.Second
)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		after:   func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

func (s *CachedStore) snapshotTTL() time.Duration {
	return min(s.ttl, maxSnapshotTTL)
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) RunAtomic(ctx context.Context, eventID string, fn func(tx Tx) error) error {
	touched := &touchTx{users: make(map[string]struct{})}
	err := s.primary.RunAtomic(ctx, eventID, func(tx Tx) error {
		touched.Tx = tx
		return fn(touched)
	})
	if err != nil {
		return err
	}

	keys := []string{eventKey(eventID), outcomesKey(eventID)}
	for uid := range touched.users {
		keys = append(keys, userKey(uid))
	}
	s.rdb.Del(ctx, keys...)
	s.after(reinvalidateDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), invalidateDeadline)
		defer cancel()
		s.rdb.Del(ctx, keys...)
	})
	return nil
}

func (s *CachedStore) CreateEvent(ctx context.Context, e *model.Event, outcomes []model.Outcome) error {
	if err := s.primary.CreateEvent(ctx, e, outcomes); err != nil {
		return err
	}
	s.cache(ctx, eventKey(e.ID), e, s.ttl)
	return nil
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var e model.Event
	if s.lookup(ctx, eventKey(id), &e) {
		return &e, nil
	}

	ev, err := s.primary.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, eventKey(id), ev, s.ttl)
	return ev, nil
}

func (s *CachedStore) LoadOutcomes(ctx context.Context, eventID string) ([]model.Outcome, error) {
	var outcomes []model.Outcome
	if s.lookup(ctx, outcomesKey(eventID), &outcomes) {
		return outcomes, nil
	}

	outcomes, err := s.primary.LoadOutcomes(ctx, eventID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, outcomesKey(eventID), outcomes, s.snapshotTTL())
	return outcomes, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.lookup(ctx, userKey(id), &u) {
		return &u, nil
	}

	user, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, userKey(id), user, s.ttl)
	return user, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	return s.primary.ListEvents(ctx)
}

func (s *CachedStore) LoadUserBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.primary.LoadUserBalance(ctx, userID)
}

func (s *CachedStore) LoadAllocation(ctx context.Context, userID, outcomeID string) (decimal.Decimal, error) {
	return s.primary.LoadAllocation(ctx, userID, outcomeID)
}

func (s *CachedStore) ListAllocations(ctx context.Context, userID string) ([]model.TokenAllocation, error) {
	return s.primary.ListAllocations(ctx, userID)
}

func (s *CachedStore) ListTrades(ctx context.Context, filter model.TradeFilter) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, filter)
}

// touchTx records which users a transaction wrote so their cached
// snapshots can be dropped after commit.
type touchTx struct {
	Tx
	users map[string]struct{}
}

func (t *touchTx) WriteUserBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	t.users[userID] = struct{}{}
	return t.Tx.WriteUserBalance(ctx, userID, delta)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any, ttl time.Duration) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, ttl)
	}
}

func eventKey(id string) string    { return fmt.Sprintf("event:%s", id) }
func outcomesKey(id string) string { return fmt.Sprintf("outcomes:%s", id) }
func userKey(uid string) string    { return fmt.Sprintf("user:%s", uid) }
