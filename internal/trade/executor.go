// Package trade executes buys and sells against an event's LMSR market,
// prices quotes, and drives the event lifecycle (listing, closing and
// settlement).
//
// All monetary values use shopspring/decimal, never float64 for money.
// Floats appear only inside the pricing engine.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predictx/market-engine/internal/metrics"
	"github.com/predictx/market-engine/internal/model"
	"github.com/predictx/market-engine/internal/store"
)

// Notifier is told about every committed trade. Implementations must not
// block the caller.
type Notifier interface {
	TradeExecuted(ctx context.Context, n Notice)
}

// Notice describes a committed trade and the event's prices after it.
type Notice struct {
	Trade  model.Trade    `json:"trade"`
	Prices []OutcomePrice `json:"prices"`
}

// TradeResult is a committed trade and the quote it executed at.
type TradeResult struct {
	Quote
	Trade model.Trade `json:"trade"`
}

// Executor runs trades against the store. Each buy or sell is one atomic
// section scoped to the event, so trades on the same event serialise while
// different events proceed in parallel. The executor never retries a
// conflicting commit; that is left to the caller.
type Executor struct {
	store     store.Store
	notifiers []Notifier
	now       func() time.Time
	newID     func() string
}

// NewExecutor creates a trade executor. Notifiers receive every committed
// trade; pass none if broadcasting is not needed.
func NewExecutor(st store.Store, notifiers ...Notifier) *Executor {
	return &Executor{
		store:     st,
		notifiers: notifiers,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Buy spends up to usdAmount of userID's playmoney on the largest whole
// number of outcomeID shares it affords, fee included. The user is debited
// the fee-inclusive cost rounded up.
func (e *Executor) Buy(ctx context.Context, eventID, outcomeID string, usdAmount decimal.Decimal, userID string) (*TradeResult, error) {
	start := time.Now()
	if !usdAmount.IsPositive() {
		return nil, e.reject(model.SideBuy, eventID, fmt.Errorf("buy %s: %w", usdAmount, ErrInvalidAmount))
	}

	var (
		res   *TradeResult
		after []model.Outcome
	)
	err := e.store.RunAtomic(ctx, eventID, func(tx store.Tx) error {
		m, err := loadMarket(ctx, tx, eventID)
		if err != nil {
			return err
		}
		i, err := m.indexOf(outcomeID)
		if err != nil {
			return err
		}

		balance, err := tx.LoadUserBalance(ctx, userID)
		if err != nil {
			return err
		}
		if balance.LessThan(usdAmount) {
			return fmt.Errorf("balance %s below order %s: %w", balance, usdAmount, ErrInsufficientBalance)
		}

		p, err := m.planBuy(i, usdAmount)
		if err != nil {
			return err
		}
		if p.quote.Total.GreaterThan(balance) {
			return fmt.Errorf("balance %s below charge %s: %w", balance, p.quote.Total, ErrInsufficientBalance)
		}

		if err := p.apply(ctx, tx, m, userID); err != nil {
			return err
		}
		t := e.newTrade(p.quote, userID)
		if err := tx.AppendTrade(ctx, &t); err != nil {
			return err
		}

		res = &TradeResult{Quote: p.quote, Trade: t}
		after = p.after(m)
		return nil
	})
	if err != nil {
		return nil, e.reject(model.SideBuy, eventID, err)
	}

	e.committed(ctx, res, after, start)
	return res, nil
}

// Sell returns sharesToSell of userID's outcomeID shares to the market.
// The user is credited the proceeds net of fee, rounded down.
func (e *Executor) Sell(ctx context.Context, eventID, outcomeID string, sharesToSell decimal.Decimal, userID string) (*TradeResult, error) {
	start := time.Now()
	if !sharesToSell.IsPositive() {
		return nil, e.reject(model.SideSell, eventID, fmt.Errorf("sell %s: %w", sharesToSell, ErrInvalidAmount))
	}

	var (
		res   *TradeResult
		after []model.Outcome
	)
	err := e.store.RunAtomic(ctx, eventID, func(tx store.Tx) error {
		m, err := loadMarket(ctx, tx, eventID)
		if err != nil {
			return err
		}
		i, err := m.indexOf(outcomeID)
		if err != nil {
			return err
		}

		if _, err := tx.LoadUserBalance(ctx, userID); err != nil {
			return err
		}
		held, err := tx.LoadAllocation(ctx, userID, outcomeID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("user %s holds no %s shares: %w", userID, outcomeID, ErrInsufficientShares)
		case err != nil:
			return err
		case held.LessThan(sharesToSell):
			return fmt.Errorf("user %s holds %s, selling %s: %w", userID, held, sharesToSell, ErrInsufficientShares)
		}

		p, err := m.planSell(i, sharesToSell)
		if err != nil {
			return err
		}
		if err := p.apply(ctx, tx, m, userID); err != nil {
			return err
		}
		t := e.newTrade(p.quote, userID)
		if err := tx.AppendTrade(ctx, &t); err != nil {
			return err
		}

		res = &TradeResult{Quote: p.quote, Trade: t}
		after = p.after(m)
		return nil
	})
	if err != nil {
		return nil, e.reject(model.SideSell, eventID, err)
	}

	e.committed(ctx, res, after, start)
	return res, nil
}

// QuoteBuy prices a buy without executing it. It reads outside any atomic
// section, so a concurrent trade may make the quote stale.
func (e *Executor) QuoteBuy(ctx context.Context, eventID, outcomeID string, usdAmount decimal.Decimal) (*Quote, error) {
	if !usdAmount.IsPositive() {
		return nil, fmt.Errorf("quote buy %s: %w", usdAmount, ErrInvalidAmount)
	}
	m, err := loadMarket(ctx, e.store, eventID)
	if err != nil {
		return nil, err
	}
	i, err := m.indexOf(outcomeID)
	if err != nil {
		return nil, err
	}
	p, err := m.planBuy(i, usdAmount)
	if err != nil {
		return nil, err
	}
	return &p.quote, nil
}

// QuoteSell prices a sell without executing it. Holdings are not checked.
func (e *Executor) QuoteSell(ctx context.Context, eventID, outcomeID string, sharesToSell decimal.Decimal) (*Quote, error) {
	if !sharesToSell.IsPositive() {
		return nil, fmt.Errorf("quote sell %s: %w", sharesToSell, ErrInvalidAmount)
	}
	m, err := loadMarket(ctx, e.store, eventID)
	if err != nil {
		return nil, err
	}
	i, err := m.indexOf(outcomeID)
	if err != nil {
		return nil, err
	}
	p, err := m.planSell(i, sharesToSell)
	if err != nil {
		return nil, err
	}
	return &p.quote, nil
}

// GetPrices returns the current price of every outcome of an event in
// position order, whatever the event's status. When ref is valid each
// ScaledPrice is the price multiplied by ref.
func (e *Executor) GetPrices(ctx context.Context, eventID string, ref decimal.NullDecimal) ([]OutcomePrice, error) {
	if _, err := e.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	outcomes, err := e.store.LoadOutcomes(ctx, eventID)
	if err != nil {
		return nil, err
	}
	m, err := newMarket(eventID, outcomes)
	if err != nil {
		return nil, err
	}
	return m.prices(ref), nil
}

func (e *Executor) newTrade(q Quote, userID string) model.Trade {
	return model.Trade{
		ID:         e.newID(),
		EventID:    q.EventID,
		OutcomeID:  q.OutcomeID,
		UserID:     userID,
		Side:       q.Side,
		Size:       q.Shares,
		Amount:     q.Total,
		Price:      q.Price,
		AfterPrice: q.AfterPrice,
		CreatedAt:  e.now(),
	}
}

// committed records metrics, logs and notifies for a trade that is durable.
func (e *Executor) committed(ctx context.Context, res *TradeResult, after []model.Outcome, start time.Time) {
	t := res.Trade
	side := string(t.Side)
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	metrics.EventVolume.WithLabelValues(t.EventID, side).Add(t.Amount.InexactFloat64())

	total := decimal.Zero
	negative := false
	for _, o := range after {
		total = total.Add(o.TotalLiquidity)
		if o.TotalLiquidity.IsNegative() {
			negative = true
		}
	}
	metrics.EventLiquidity.WithLabelValues(t.EventID).Set(total.InexactFloat64())
	if negative {
		metrics.NegativeLiquidityOutcomes.WithLabelValues(t.EventID).Inc()
	}

	slog.Info("trade executed",
		"trade_id", t.ID,
		"event", t.EventID,
		"outcome", t.OutcomeID,
		"user", t.UserID,
		"side", side,
		"shares", t.Size.String(),
		"amount", t.Amount.String(),
		"price", t.Price.String(),
		"after_price", t.AfterPrice.String(),
		"liquidity", total.String(),
	)

	if len(e.notifiers) == 0 {
		return
	}
	m, err := newMarket(t.EventID, after)
	if err != nil {
		return
	}
	n := Notice{Trade: t, Prices: m.prices(decimal.NullDecimal{})}
	for _, nt := range e.notifiers {
		nt.TradeExecuted(ctx, n)
	}
}

// reject counts and logs a failed trade and passes err through.
func (e *Executor) reject(side model.Side, eventID string, err error) error {
	if errors.Is(err, ErrTransactionConflict) {
		metrics.TransactionConflicts.Inc()
		slog.Warn("trade conflict", "event", eventID, "side", side, "err", err)
		return err
	}
	metrics.TradeRejections.WithLabelValues(string(side), reason(err)).Inc()
	slog.Info("trade rejected", "event", eventID, "side", side, "reason", reason(err), "err", err)
	return err
}
