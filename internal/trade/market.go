package trade

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/predictx/market-engine/internal/lmsr"
	"github.com/predictx/market-engine/internal/model"
	"github.com/predictx/market-engine/internal/store"
)

// FeeRate is charged on top of a buy and deducted from sale proceeds.
const FeeRate = 0.02

const (
	// maxSearchIterations caps the share-count binary search.
	maxSearchIterations = 100

	// maxSearchShares keeps the search bound inside float64's exact
	// integer range.
	maxSearchShares = 1 << 53

	amountPlaces = 8
	pricePlaces  = 8
	impactPlaces = 4
)

var feeRate = decimal.NewFromFloat(FeeRate)

// PriceImpact is the move of one outcome's price caused by a trade.
type PriceImpact struct {
	OutcomeID string          `json:"outcome_id"`
	Before    decimal.Decimal `json:"before"`
	After     decimal.Decimal `json:"after"`
	Percent   decimal.Decimal `json:"percent"`
}

// Quote is the priced outcome of a buy or sell against the current market.
//
// For a buy, Total is Cost plus Fee rounded up: the amount debited.
// For a sell, Total is Cost minus Fee rounded down: the amount credited.
type Quote struct {
	EventID    string          `json:"event_id"`
	OutcomeID  string          `json:"outcome_id"`
	Side       model.Side      `json:"side"`
	Shares     decimal.Decimal `json:"shares"`
	Cost       decimal.Decimal `json:"cost"`
	Fee        decimal.Decimal `json:"fee"`
	Total      decimal.Decimal `json:"total"`
	Price      decimal.Decimal `json:"price"`
	AfterPrice decimal.Decimal `json:"after_price"`
	Impacts    []PriceImpact   `json:"price_impacts"`
}

// OutcomePrice is the current price of one outcome. ScaledPrice is Price
// multiplied by the caller's reference price, or equal to Price when none
// was given.
type OutcomePrice struct {
	OutcomeID      string          `json:"outcome_id"`
	Title          string          `json:"title"`
	Price          decimal.Decimal `json:"price"`
	ScaledPrice    decimal.Decimal `json:"scaled_price"`
	CurrentSupply  decimal.Decimal `json:"current_supply"`
	TotalLiquidity decimal.Decimal `json:"total_liquidity"`
}

// market is an event's outcome set loaded for pricing. b and the floored
// share vector are derived from persisted state each time.
type market struct {
	eventID  string
	outcomes []model.Outcome
	shares   []float64
	mm       *lmsr.MarketMaker
}

func newMarket(eventID string, outcomes []model.Outcome) (*market, error) {
	if len(outcomes) < 2 {
		return nil, fmt.Errorf("event %s has %d outcomes: %w", eventID, len(outcomes), ErrInvalidEvent)
	}

	supplies := make([]float64, len(outcomes))
	liquidity := make([]float64, len(outcomes))
	for i, o := range outcomes {
		supplies[i] = o.CurrentSupply.InexactFloat64()
		liquidity[i] = o.TotalLiquidity.InexactFloat64()
	}

	mm, err := lmsr.NewMarketMaker(lmsr.LiquidityParam(liquidity))
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", eventID, err)
	}
	return &market{
		eventID:  eventID,
		outcomes: outcomes,
		shares:   lmsr.Floor(supplies),
		mm:       mm,
	}, nil
}

// loadMarket reads an ACTIVE event's outcomes through r.
func loadMarket(ctx context.Context, r store.Reader, eventID string) (*market, error) {
	ev, err := r.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status != model.StatusActive {
		return nil, fmt.Errorf("event %s is %s: %w", eventID, ev.Status, ErrEventNotActive)
	}
	outcomes, err := r.LoadOutcomes(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return newMarket(eventID, outcomes)
}

func (m *market) indexOf(outcomeID string) (int, error) {
	for i, o := range m.outcomes {
		if o.ID == outcomeID {
			return i, nil
		}
	}
	return -1, fmt.Errorf("outcome %s in event %s: %w", outcomeID, m.eventID, ErrNotFound)
}

// prices returns every outcome's current price, scaled by ref if valid.
func (m *market) prices(ref decimal.NullDecimal) []OutcomePrice {
	raw := m.mm.Prices(m.shares)
	out := make([]OutcomePrice, len(m.outcomes))
	for i, o := range m.outcomes {
		p := decimal.NewFromFloat(raw[i]).Round(pricePlaces)
		scaled := p
		if ref.Valid {
			scaled = p.Mul(ref.Decimal).Round(pricePlaces)
		}
		out[i] = OutcomePrice{
			OutcomeID:      o.ID,
			Title:          o.Title,
			Price:          p,
			ScaledPrice:    scaled,
			CurrentSupply:  o.CurrentSupply,
			TotalLiquidity: o.TotalLiquidity,
		}
	}
	return out
}

// maxShares finds the largest whole q in [1, max(1, ⌊usd·100⌋)] whose
// fee-inclusive cost fits in usd. ok is false when not even one share does.
func maxShares(mm *lmsr.MarketMaker, shares []float64, i int, usd float64) (q int64, cost float64, ok bool) {
	high := int64(1)
	if bound := math.Floor(usd * 100); bound > 1 {
		high = int64(math.Min(bound, maxSearchShares))
	}
	low := int64(1)

	for iter := 0; low <= high && iter < maxSearchIterations; iter++ {
		mid := low + (high-low)/2
		c := mm.Cost(shares, lmsr.With(shares, i, float64(mid)))
		if c*(1+FeeRate) <= usd {
			q, cost, ok = mid, c, true
			low = mid + 1
		} else {
			high = mid - 1
		}
	}
	return q, cost, ok
}

// plan is a priced trade together with the deltas that persist it.
type plan struct {
	quote      Quote
	index      int
	supply     decimal.Decimal   // traded outcome current_supply delta
	liquidity  []decimal.Decimal // total_liquidity delta per outcome
	balance    decimal.Decimal   // user playmoney delta
	allocation decimal.Decimal   // user allocation delta
}

func (m *market) planBuy(i int, usd decimal.Decimal) (*plan, error) {
	q, c, ok := maxShares(m.mm, m.shares, i, usd.InexactFloat64())
	if !ok {
		return nil, fmt.Errorf("%s does not buy a whole share: %w", usd, ErrAmountTooSmall)
	}

	cost := decimal.NewFromFloat(c).Round(amountPlaces)
	fee := cost.Mul(feeRate).Round(amountPlaces)
	withFee := cost.Add(fee)
	charged := withFee.Ceil()
	perOther := withFee.Div(decimal.NewFromInt(int64(len(m.outcomes) - 1))).Ceil()

	liquidity := make([]decimal.Decimal, len(m.outcomes))
	for j := range liquidity {
		if j == i {
			liquidity[j] = charged
		} else {
			liquidity[j] = perOther.Neg()
		}
	}

	shares := decimal.NewFromInt(q)
	return &plan{
		quote:      m.quote(model.SideBuy, i, float64(q), shares, cost, fee, charged),
		index:      i,
		supply:     shares,
		liquidity:  liquidity,
		balance:    charged.Neg(),
		allocation: shares,
	}, nil
}

func (m *market) planSell(i int, shares decimal.Decimal) (*plan, error) {
	q := shares.InexactFloat64()
	after := lmsr.With(m.shares, i, -q)
	if after[i] < lmsr.MinShares {
		return nil, fmt.Errorf("selling %s leaves %g shares: %w", shares, after[i], ErrBelowMinimumShares)
	}

	cost := decimal.NewFromFloat(m.mm.Cost(after, m.shares)).Round(amountPlaces)
	fee := cost.Mul(feeRate).Round(amountPlaces)
	// A position worth less than a unit after fee still sells, for nothing.
	net := decimal.Max(cost.Sub(fee).Floor(), decimal.Zero)
	perOther := net.Div(decimal.NewFromInt(int64(len(m.outcomes) - 1))).Floor()

	liquidity := make([]decimal.Decimal, len(m.outcomes))
	for j := range liquidity {
		if j == i {
			liquidity[j] = net.Neg()
		} else {
			liquidity[j] = perOther
		}
	}

	return &plan{
		quote:      m.quote(model.SideSell, i, -q, shares, cost, fee, net),
		index:      i,
		supply:     shares.Neg(),
		liquidity:  liquidity,
		balance:    net,
		allocation: shares.Neg(),
	}, nil
}

func (m *market) quote(side model.Side, i int, delta float64, shares, cost, fee, total decimal.Decimal) Quote {
	before := m.mm.Prices(m.shares)
	after := m.mm.Prices(lmsr.With(m.shares, i, delta))
	pct := lmsr.PriceImpacts(before, after)

	impacts := make([]PriceImpact, len(m.outcomes))
	for j, o := range m.outcomes {
		impacts[j] = PriceImpact{
			OutcomeID: o.ID,
			Before:    decimal.NewFromFloat(before[j]).Round(pricePlaces),
			After:     decimal.NewFromFloat(after[j]).Round(pricePlaces),
			Percent:   decimal.NewFromFloat(pct[j]).Round(impactPlaces),
		}
	}

	return Quote{
		EventID:    m.eventID,
		OutcomeID:  m.outcomes[i].ID,
		Side:       side,
		Shares:     shares,
		Cost:       cost,
		Fee:        fee,
		Total:      total,
		Price:      impacts[i].Before,
		AfterPrice: impacts[i].After,
		Impacts:    impacts,
	}
}

// apply writes the plan's deltas through tx.
func (p *plan) apply(ctx context.Context, tx store.Tx, m *market, userID string) error {
	for j, o := range m.outcomes {
		dSupply := decimal.Zero
		if j == p.index {
			dSupply = p.supply
		}
		if err := tx.WriteOutcome(ctx, o.ID, dSupply, p.liquidity[j]); err != nil {
			return err
		}
	}
	if err := tx.WriteUserBalance(ctx, userID, p.balance); err != nil {
		return err
	}
	return tx.UpsertAllocation(ctx, userID, m.outcomes[p.index].ID, p.allocation)
}

// after returns the outcome set as it stands once the plan is applied.
func (p *plan) after(m *market) []model.Outcome {
	out := make([]model.Outcome, len(m.outcomes))
	for j, o := range m.outcomes {
		o.TotalLiquidity = o.TotalLiquidity.Add(p.liquidity[j])
		if j == p.index {
			o.CurrentSupply = o.CurrentSupply.Add(p.supply)
		}
		out[j] = o
	}
	return out
}
