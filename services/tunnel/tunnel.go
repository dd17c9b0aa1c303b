// Package tunnel derives the reference price and the buy/sell limits of an
// instrument from a quote snapshot.
//
// The band regime depends on the traded volume and on the dispersion of the
// recent closes:
//   - high liquidity, calm market: ±1.5% of the reference price
//   - low liquidity, volatile market: ±0.15 currency units
//   - anything else: ±1.5 points, expressed as ±0.015 currency units
package tunnel

import (
	"math"

	"github.com/shopspring/decimal"
)

const (
	// LiquidityThreshold is the traded volume from which an instrument is liquid
	LiquidityThreshold int64 = 1_000_000
	// VolatilityThreshold is the volatility percentage separating calm from volatile
	VolatilityThreshold = 2.0
	// limitPlaces is the number of decimal places kept on buy and sell limits
	limitPlaces = 4
)

var (
	// MinVariationPercent is the smallest move of the reference price that
	// produces a new tunnel
	MinVariationPercent = decimal.NewFromInt(1)

	hundred            = decimal.NewFromInt(100)
	one                = decimal.NewFromInt(1)
	multiplicativeBand = decimal.RequireFromString("0.015")
	additiveBand       = decimal.RequireFromString("0.15")
	pointsBand         = decimal.RequireFromString("1.5").Div(hundred)
)

// Liquidity classifies the traded volume
type Liquidity string

const (
	LiquidityHigh Liquidity = "high"
	LiquidityLow  Liquidity = "low"
)

// Method is the band calculation regime
type Method string

const (
	MethodMultiplicative Method = "multiplicative"
	MethodAdditive       Method = "additive"
	MethodAdditivePoints Method = "additive_points"
)

// Snapshot is the quote data consumed by Compute
type Snapshot struct {
	LastTraded decimal.Decimal   `json:"ltp"`
	BestBid    decimal.Decimal   `json:"best_bid"`
	BestOffer  decimal.Decimal   `json:"best_offer"`
	Volume     int64             `json:"volume"`
	Closes     []decimal.Decimal `json:"historical_prices"` // oldest first
}

// Result is a freshly computed tunnel
type Result struct {
	ReferencePrice decimal.Decimal `json:"reference_price"`
	BuyLimit       decimal.Decimal `json:"buy_limit"`
	SellLimit      decimal.Decimal `json:"sell_limit"`
	Volatility     float64         `json:"volatility"`
	Liquidity      Liquidity       `json:"liquidity"`
	Method         Method          `json:"method"`
}

// Compute returns the tunnel for snap. The boolean is false when the
// reference price moved less than MinVariationPercent from previous, in which
// case the stored tunnel must be kept. A nil or non-positive previous price
// always yields a result.
func Compute(previous *decimal.Decimal, snap Snapshot) (Result, bool) {
	liquidity := ClassifyLiquidity(snap.Volume)
	volatility := Volatility(snap.Closes)
	method := SelectMethod(liquidity, volatility)
	ref := ReferencePrice(snap)

	if Variation(previous, ref).LessThan(MinVariationPercent) {
		return Result{}, false
	}

	buy, sell := method.Limits(ref)
	return Result{
		ReferencePrice: ref,
		BuyLimit:       buy.Round(limitPlaces),
		SellLimit:      sell.Round(limitPlaces),
		Volatility:     volatility,
		Liquidity:      liquidity,
		Method:         method,
	}, true
}

// ClassifyLiquidity maps a traded volume to a liquidity class
func ClassifyLiquidity(volume int64) Liquidity {
	if volume >= LiquidityThreshold {
		return LiquidityHigh
	}
	return LiquidityLow
}

// Volatility is the sample standard deviation of closes relative to their
// mean, in percent. Fewer than two closes, or a non-positive mean, give 0.
func Volatility(closes []decimal.Decimal) float64 {
	n := len(closes)
	if n < 2 {
		return 0
	}

	var sum float64
	for _, c := range closes {
		sum += c.InexactFloat64()
	}
	mean := sum / float64(n)
	if mean <= 0 {
		return 0
	}

	var sq float64
	for _, c := range closes {
		d := c.InexactFloat64() - mean
		sq += d * d
	}
	stdev := math.Sqrt(sq / float64(n-1))
	return stdev / mean * 100
}

// SelectMethod picks the band regime. The two explicit regimes are checked in
// order, every other combination falls back to additive points.
func SelectMethod(liquidity Liquidity, volatility float64) Method {
	switch {
	case liquidity == LiquidityHigh && volatility <= VolatilityThreshold:
		return MethodMultiplicative
	case liquidity == LiquidityLow && volatility > VolatilityThreshold:
		return MethodAdditive
	default:
		return MethodAdditivePoints
	}
}

// ReferencePrice clamps the last traded price into the bid/offer spread
func ReferencePrice(snap Snapshot) decimal.Decimal {
	ltp := snap.LastTraded
	switch {
	case snap.BestBid.LessThanOrEqual(ltp) && ltp.LessThanOrEqual(snap.BestOffer):
		return ltp
	case ltp.LessThan(snap.BestBid):
		return snap.BestBid
	default:
		return snap.BestOffer
	}
}

// Variation is the absolute move from previous to ref in percent.
// Without a usable previous price the move is treated as 100%.
func Variation(previous *decimal.Decimal, ref decimal.Decimal) decimal.Decimal {
	if previous == nil || !previous.IsPositive() {
		return hundred
	}
	return ref.Sub(*previous).Abs().Div(*previous).Mul(hundred)
}

// Limits returns the unrounded buy and sell limits around ref
func (m Method) Limits(ref decimal.Decimal) (buy, sell decimal.Decimal) {
	switch m {
	case MethodMultiplicative:
		return ref.Mul(one.Sub(multiplicativeBand)), ref.Mul(one.Add(multiplicativeBand))
	case MethodAdditive:
		return ref.Sub(additiveBand), ref.Add(additiveBand)
	default:
		return ref.Sub(pointsBand), ref.Add(pointsBand)
	}
}
