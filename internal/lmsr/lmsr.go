// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for multi-outcome prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Prices that always sum to one across outcomes
//   - Path-independent cost function
//
// The functions here are pure: share vectors and the liquidity parameter are
// passed as arguments and nothing is stored. Transcendental math is done in
// float64 using the log-sum-exp trick; callers convert results to decimal.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"
)

const (
	// InitialLiquidity is the floor for the liquidity parameter b.
	InitialLiquidity = 100.0

	// MinShares is the floor applied to every outcome's working share count
	// so the cost function stays well-defined.
	MinShares = 1.0
)

// ErrInvalidLiquidity is returned when b <= 0.
var ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

// MarketMaker evaluates LMSR prices and costs for a fixed liquidity
// parameter b. It is stateless; share vectors are passed as arguments.
type MarketMaker struct {
	b float64
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b → more liquidity, lower price impact per trade.
func NewMarketMaker(b float64) (*MarketMaker, error) {
	if !(b > 0) || math.IsInf(b, 1) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() float64 {
	return m.b
}

// LiquidityParam derives b from the outcomes' total liquidity counters:
//
//	b = max(mean(liquidity), InitialLiquidity)
//
// It is recomputed from persisted state on every operation.
func LiquidityParam(liquidity []float64) float64 {
	if len(liquidity) == 0 {
		return InitialLiquidity
	}
	var sum float64
	for _, l := range liquidity {
		sum += l
	}
	return math.Max(sum/float64(len(liquidity)), InitialLiquidity)
}

// Floor returns a copy of supplies with every entry raised to MinShares.
func Floor(supplies []float64) []float64 {
	out := make([]float64, len(supplies))
	for i, s := range supplies {
		out[i] = math.Max(s, MinShares)
	}
	return out
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// scaled returns s_i / b for every entry.
func (m *MarketMaker) scaled(shares []float64) []float64 {
	xs := make([]float64, len(shares))
	for i, s := range shares {
		xs[i] = s / m.b
	}
	return xs
}

// Potential computes the LMSR cost function:
//
//	C(s) = b * ln(Σ exp(s_i / b))
func (m *MarketMaker) Potential(shares []float64) float64 {
	return m.b * logSumExp(m.scaled(shares))
}

// Cost is the USD amount that must move into the market (positive) or out
// of it (negative) to go from oldShares to newShares:
//
//	cost = C(new) - C(old)
//
// Both vectors must have the same length.
func (m *MarketMaker) Cost(oldShares, newShares []float64) float64 {
	return m.Potential(newShares) - m.Potential(oldShares)
}

// Prices computes the instantaneous price of every outcome:
//
//	p_i = exp(s_i / b) / Σ_j exp(s_j / b)
//
// This is the softmax function. Uses max-subtraction for numerical stability.
func (m *MarketMaker) Prices(shares []float64) []float64 {
	xs := m.scaled(shares)
	if len(xs) == 0 {
		return nil
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		maxVal = math.Max(maxVal, x)
	}

	prices := make([]float64, len(xs))
	var sum float64
	for i, x := range xs {
		prices[i] = math.Exp(x - maxVal)
		sum += prices[i]
	}
	for i := range prices {
		prices[i] /= sum
	}
	return prices
}

// Price returns the instantaneous price of outcome i.
func (m *MarketMaker) Price(i int, shares []float64) float64 {
	return m.Prices(shares)[i]
}

// With returns a copy of shares with delta added to outcome i.
func With(shares []float64, i int, delta float64) []float64 {
	out := make([]float64, len(shares))
	copy(out, shares)
	out[i] += delta
	return out
}

// PriceImpact is the percentage change from before to after:
//
//	impact = (after - before) / before * 100
func PriceImpact(before, after float64) float64 {
	if before == 0 {
		return 0
	}
	return (after - before) / before * 100
}

// PriceImpacts applies PriceImpact element-wise.
func PriceImpacts(before, after []float64) []float64 {
	out := make([]float64, len(before))
	for i := range before {
		out[i] = PriceImpact(before[i], after[i])
	}
	return out
}

// MaxLoss returns the maximum possible loss for the market maker: b * ln(n).
func (m *MarketMaker) MaxLoss(outcomes int) float64 {
	if outcomes < 1 {
		return 0
	}
	return m.b * math.Log(float64(outcomes))
}
