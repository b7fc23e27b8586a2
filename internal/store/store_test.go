package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictx/market-engine/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, got.Equal(d(want)), "want %s, got %s", want, got)
}

var errAbort = errors.New("abort")

// seed creates an active two-outcome event and two funded users.
func seed(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	ev := &model.Event{
		ID: "ev-1", Title: "Will it rain?", CreatorID: "u-1",
		Status: model.StatusActive, ExpiryDate: now.Add(24 * time.Hour), CreatedAt: now,
	}
	outcomes := []model.Outcome{
		{ID: "oc-no", Title: "No", Position: 1, CurrentSupply: d("1"), TotalLiquidity: d("0"), CreatedAt: now},
		{ID: "oc-yes", Title: "Yes", Position: 0, CurrentSupply: d("1"), TotalLiquidity: d("0"), CreatedAt: now},
	}
	require.NoError(t, s.CreateEvent(ctx, ev, outcomes))

	for _, u := range []model.User{
		{ID: "u-1", Username: "alice", Playmoney: d("1000"), CreatedAt: now},
		{ID: "u-2", Username: "bob", Playmoney: d("50"), CreatedAt: now},
	} {
		u := u
		require.NoError(t, s.CreateUser(ctx, &u))
	}
}

// runStoreSuite exercises the behaviour every Store backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("events and outcomes", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		ev, err := s.GetEvent(ctx, "ev-1")
		require.NoError(t, err)
		assert.Equal(t, "Will it rain?", ev.Title)
		assert.Equal(t, model.StatusActive, ev.Status)

		outcomes, err := s.LoadOutcomes(ctx, "ev-1")
		require.NoError(t, err)
		require.Len(t, outcomes, 2)
		assert.Equal(t, "oc-yes", outcomes[0].ID, "outcomes ordered by position")
		assert.Equal(t, "oc-no", outcomes[1].ID)
		requireDec(t, "1", outcomes[0].CurrentSupply)

		events, err := s.ListEvents(ctx)
		require.NoError(t, err)
		assert.Len(t, events, 1)

		_, err = s.GetEvent(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("users", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		u, err := s.GetUser(ctx, "u-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", u.Username)
		requireDec(t, "1000", u.Playmoney)

		bal, err := s.LoadUserBalance(ctx, "u-2")
		require.NoError(t, err)
		requireDec(t, "50", bal)

		dup := &model.User{ID: "u-1", Username: "carol", Playmoney: d("1")}
		assert.ErrorIs(t, s.CreateUser(ctx, dup), ErrAlreadyExists)

		_, err = s.GetUser(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.LoadAllocation(ctx, "u-1", "oc-yes")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("atomic commit applies every write", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		err := s.RunAtomic(ctx, "ev-1", func(tx Tx) error {
			if err := tx.WriteOutcome(ctx, "oc-yes", d("10"), d("12")); err != nil {
				return err
			}
			if err := tx.WriteOutcome(ctx, "oc-no", decimal.Zero, d("-12")); err != nil {
				return err
			}
			if err := tx.WriteUserBalance(ctx, "u-1", d("-12")); err != nil {
				return err
			}
			if err := tx.UpsertAllocation(ctx, "u-1", "oc-yes", d("10")); err != nil {
				return err
			}

			// Writes are visible to later reads in the same transaction.
			bal, err := tx.LoadUserBalance(ctx, "u-1")
			if err != nil {
				return err
			}
			if !bal.Equal(d("988")) {
				return fmt.Errorf("in-tx balance = %s", bal)
			}
			amt, err := tx.LoadAllocation(ctx, "u-1", "oc-yes")
			if err != nil {
				return err
			}
			if !amt.Equal(d("10")) {
				return fmt.Errorf("in-tx allocation = %s", amt)
			}

			return tx.AppendTrade(ctx, &model.Trade{
				ID: "t-1", EventID: "ev-1", OutcomeID: "oc-yes", UserID: "u-1", Side: model.SideBuy,
				Size: d("10"), Amount: d("12"), Price: d("0.5"), AfterPrice: d("0.52"),
				CreatedAt: time.Now().UTC(),
			})
		})
		require.NoError(t, err)

		outcomes, err := s.LoadOutcomes(ctx, "ev-1")
		require.NoError(t, err)
		requireDec(t, "11", outcomes[0].CurrentSupply)
		requireDec(t, "12", outcomes[0].TotalLiquidity)
		requireDec(t, "-12", outcomes[1].TotalLiquidity)

		bal, err := s.LoadUserBalance(ctx, "u-1")
		require.NoError(t, err)
		requireDec(t, "988", bal)

		amt, err := s.LoadAllocation(ctx, "u-1", "oc-yes")
		require.NoError(t, err)
		requireDec(t, "10", amt)

		allocs, err := s.ListAllocations(ctx, "u-1")
		require.NoError(t, err)
		require.Len(t, allocs, 1)
		assert.Equal(t, "oc-yes", allocs[0].OutcomeID)

		trades, err := s.ListTrades(ctx, model.TradeFilter{EventID: "ev-1"})
		require.NoError(t, err)
		require.Len(t, trades, 1)
		requireDec(t, "0.52", trades[0].AfterPrice)
	})

	t.Run("failed callback writes nothing", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		err := s.RunAtomic(ctx, "ev-1", func(tx Tx) error {
			if err := tx.WriteOutcome(ctx, "oc-yes", d("5"), d("5")); err != nil {
				return err
			}
			if err := tx.WriteUserBalance(ctx, "u-1", d("-5")); err != nil {
				return err
			}
			return errAbort
		})
		require.ErrorIs(t, err, errAbort)

		outcomes, err := s.LoadOutcomes(ctx, "ev-1")
		require.NoError(t, err)
		requireDec(t, "1", outcomes[0].CurrentSupply)
		bal, err := s.LoadUserBalance(ctx, "u-1")
		require.NoError(t, err)
		requireDec(t, "1000", bal)
	})

	t.Run("overdraft is a conflict", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		err := s.RunAtomic(ctx, "ev-1", func(tx Tx) error {
			return tx.WriteUserBalance(ctx, "u-2", d("-51"))
		})
		require.ErrorIs(t, err, ErrTransactionConflict)

		bal, err := s.LoadUserBalance(ctx, "u-2")
		require.NoError(t, err)
		requireDec(t, "50", bal)
	})

	t.Run("outcome of another event is not writable", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		now := time.Now().UTC()
		require.NoError(t, s.CreateEvent(ctx,
			&model.Event{ID: "ev-2", Title: "Other", Status: model.StatusActive, CreatedAt: now},
			[]model.Outcome{
				{ID: "oc-a", Title: "A", Position: 0, CurrentSupply: d("1"), TotalLiquidity: d("0")},
				{ID: "oc-b", Title: "B", Position: 1, CurrentSupply: d("1"), TotalLiquidity: d("0")},
			}))

		err := s.RunAtomic(ctx, "ev-1", func(tx Tx) error {
			return tx.WriteOutcome(ctx, "oc-a", d("1"), d("1"))
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("event status and holders", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		err := s.RunAtomic(ctx, "ev-1", func(tx Tx) error {
			if err := tx.UpsertAllocation(ctx, "u-1", "oc-yes", d("3")); err != nil {
				return err
			}
			if err := tx.UpsertAllocation(ctx, "u-2", "oc-yes", d("4")); err != nil {
				return err
			}
			return tx.UpsertAllocation(ctx, "u-2", "oc-no", d("2"))
		})
		require.NoError(t, err)

		err = s.RunAtomic(ctx, "ev-1", func(tx Tx) error {
			holders, err := tx.ListHolders(ctx, "oc-yes")
			if err != nil {
				return err
			}
			if len(holders) != 2 || holders[0].UserID != "u-1" || !holders[1].Amount.Equal(d("4")) {
				return fmt.Errorf("unexpected holders %+v", holders)
			}
			return tx.SetEventStatus(ctx, "ev-1", model.StatusSettled, "oc-yes")
		})
		require.NoError(t, err)

		ev, err := s.GetEvent(ctx, "ev-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusSettled, ev.Status)
		assert.Equal(t, "oc-yes", ev.WinningOutcomeID)
	})

	t.Run("trade history filters and pages", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
		err := s.RunAtomic(ctx, "ev-1", func(tx Tx) error {
			for i := 0; i < 5; i++ {
				side, user := model.SideBuy, "u-1"
				if i%2 == 1 {
					side, user = model.SideSell, "u-2"
				}
				err := tx.AppendTrade(ctx, &model.Trade{
					ID: fmt.Sprintf("t-%d", i), EventID: "ev-1", OutcomeID: "oc-yes", UserID: user,
					Side: side, Size: d("1"), Amount: d("1"), Price: d("0.5"), AfterPrice: d("0.5"),
					CreatedAt: base.Add(time.Duration(i) * time.Minute),
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		all, err := s.ListTrades(ctx, model.TradeFilter{EventID: "ev-1"})
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "t-4", all[0].ID, "newest first")

		sells, err := s.ListTrades(ctx, model.TradeFilter{Side: model.SideSell})
		require.NoError(t, err)
		assert.Len(t, sells, 2)

		page2, err := s.ListTrades(ctx, model.TradeFilter{EventID: "ev-1", Limit: 2, Page: 2})
		require.NoError(t, err)
		require.Len(t, page2, 2)
		assert.Equal(t, "t-2", page2[0].ID)

		ranged, err := s.ListTrades(ctx, model.TradeFilter{
			From: base.Add(90 * time.Second),
			To:   base.Add(150 * time.Second),
		})
		require.NoError(t, err)
		require.Len(t, ranged, 1)
		assert.Equal(t, "t-2", ranged[0].ID)
	})
}
