package trade

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/predictx/market-engine/internal/draft"
	"github.com/predictx/market-engine/internal/metrics"
	"github.com/predictx/market-engine/internal/model"
	"github.com/predictx/market-engine/internal/store"
)

// MaxUsernameLen bounds a cleaned username.
const MaxUsernameLen = 50

// Settlement summarises the payout of a settled event.
type Settlement struct {
	EventID          string          `json:"event_id"`
	WinningOutcomeID string          `json:"winning_outcome_id"`
	Holders          int             `json:"holders"`
	Payout           decimal.Decimal `json:"payout"`
}

// CreateEvent lists a new ACTIVE event. The draft is cleaned and must name
// at least two distinct outcomes; a non-empty creator must be a known user.
func (e *Executor) CreateEvent(ctx context.Context, d draft.Event) (*model.Event, []model.Outcome, error) {
	d = d.Normalize()
	if err := d.Validate(e.now()); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if d.CreatorID != "" {
		if _, err := e.store.GetUser(ctx, d.CreatorID); err != nil {
			return nil, nil, fmt.Errorf("creator: %w", err)
		}
	}

	ev, outcomes := d.Build(e.now(), e.newID)
	if err := e.store.CreateEvent(ctx, ev, outcomes); err != nil {
		return nil, nil, err
	}
	metrics.ActiveEvents.Inc()

	slog.Info("event created",
		"id", ev.ID,
		"title", ev.Title,
		"creator", ev.CreatorID,
		"outcomes", len(outcomes),
	)
	return ev, outcomes, nil
}

// CloseEvent halts trading on an ACTIVE event.
func (e *Executor) CloseEvent(ctx context.Context, eventID string) (*model.Event, error) {
	var closed *model.Event
	err := e.store.RunAtomic(ctx, eventID, func(tx store.Tx) error {
		ev, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.Status != model.StatusActive {
			return fmt.Errorf("close event %s in status %s: %w", eventID, ev.Status, ErrEventNotActive)
		}
		if err := tx.SetEventStatus(ctx, eventID, model.StatusClosed, ""); err != nil {
			return err
		}
		ev.Status = model.StatusClosed
		closed = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ActiveEvents.Dec()

	slog.Info("event closed", "id", eventID)
	return closed, nil
}

// SettleEvent resolves an ACTIVE or CLOSED event in favour of
// winningOutcomeID. Every holder of the winning outcome is credited one
// unit of playmoney per share, in the same atomic section that marks the
// event SETTLED.
func (e *Executor) SettleEvent(ctx context.Context, eventID, winningOutcomeID string) (*Settlement, error) {
	var (
		s         *Settlement
		wasActive bool
	)
	err := e.store.RunAtomic(ctx, eventID, func(tx store.Tx) error {
		ev, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.Status == model.StatusSettled {
			return fmt.Errorf("event %s already settled: %w", eventID, ErrEventNotActive)
		}
		wasActive = ev.Status == model.StatusActive

		outcomes, err := tx.LoadOutcomes(ctx, eventID)
		if err != nil {
			return err
		}
		m, err := newMarket(eventID, outcomes)
		if err != nil {
			return err
		}
		if _, err := m.indexOf(winningOutcomeID); err != nil {
			return err
		}

		holders, err := tx.ListHolders(ctx, winningOutcomeID)
		if err != nil {
			return err
		}
		payout := decimal.Zero
		for _, h := range holders {
			if err := tx.WriteUserBalance(ctx, h.UserID, h.Amount); err != nil {
				return err
			}
			payout = payout.Add(h.Amount)
		}

		if err := tx.SetEventStatus(ctx, eventID, model.StatusSettled, winningOutcomeID); err != nil {
			return err
		}
		s = &Settlement{
			EventID:          eventID,
			WinningOutcomeID: winningOutcomeID,
			Holders:          len(holders),
			Payout:           payout,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if wasActive {
		metrics.ActiveEvents.Dec()
	}
	metrics.SettlementPayouts.Add(s.Payout.InexactFloat64())

	slog.Info("event settled",
		"id", eventID,
		"winner", winningOutcomeID,
		"holders", s.Holders,
		"payout", s.Payout.String(),
	)
	return s, nil
}

// CreateUser registers a user with a starting playmoney balance.
func (e *Executor) CreateUser(ctx context.Context, username string, playmoney decimal.Decimal) (*model.User, error) {
	username = draft.Clean(username)
	if username == "" || utf8.RuneCountInString(username) > MaxUsernameLen {
		return nil, fmt.Errorf("username must be 1-%d characters: %w", MaxUsernameLen, ErrInvalidUser)
	}
	if playmoney.IsNegative() {
		return nil, fmt.Errorf("starting balance %s: %w", playmoney, ErrInvalidAmount)
	}

	u := &model.User{
		ID:        e.newID(),
		Username:  username,
		Playmoney: playmoney,
		CreatedAt: e.now(),
	}
	if err := e.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	slog.Info("user created", "id", u.ID, "username", u.Username, "playmoney", playmoney.String())
	return u, nil
}
