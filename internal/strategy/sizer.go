package strategy

import (
	"errors"
	"math"
)

var (
	ErrNotionalTooSmall = errors.New("notional below minimum viable size")
	ErrQuantityZero     = errors.New("quantity rounded to zero")
	ErrInvalidPrice     = errors.New("mark price is not positive")
)

// SizingInputs collects everything sizing needs; all values are queried
// fresh from both venues before a position is opened.
type SizingInputs struct {
	ConfiguredLeverage int
	MaxLeverageA       int
	MaxLeverageB       int
	HardLeverageCap    int

	BaseCapitalUSD float64
	CapitalBuffer  float64 // haircut on base capital, e.g. 0.98
	MarginBuffer   float64 // haircut on available margin, e.g. 0.95
	AvailableA     float64
	AvailableB     float64
	MinNotionalUSD float64

	MarkPrice float64
	StepA     float64
	StepB     float64
}

type Sizing struct {
	Leverage    int
	NotionalUSD float64
	Quantity    float64
	Step        float64
}

// NegotiateLeverage picks the one leverage value applied on both venues:
// the minimum of the configured target, each venue's cap, and the hard
// safety cap. Mismatched leverage between legs would make margin usage
// asymmetric and break delta-neutrality under price movement.
func NegotiateLeverage(configured, maxA, maxB, hardCap int) int {
	lev := configured
	if maxA > 0 && maxA < lev {
		lev = maxA
	}
	if maxB > 0 && maxB < lev {
		lev = maxB
	}
	if hardCap > 0 && hardCap < lev {
		lev = hardCap
	}
	if lev < 1 {
		lev = 1
	}
	return lev
}

// CoarserStep returns the larger of two order-size increments, so one
// quantity rounded to it is valid on both venues.
func CoarserStep(a, b float64) float64 {
	if a >= b {
		return a
	}
	return b
}

// RoundDownToStep rounds quantity down to a whole number of steps. Never
// rounds up: that could exceed the sized margin budget.
func RoundDownToStep(quantity, step float64) float64 {
	if step <= 0 {
		return quantity
	}
	steps := math.Floor(quantity/step + 1e-9)
	if steps <= 0 {
		return 0
	}
	return steps * step
}

// ComputeSize runs the full sizing pipeline: leverage negotiation, haircut
// notional targeting, margin capping, and coarser-step round-down.
func ComputeSize(in SizingInputs) (Sizing, error) {
	if in.MarkPrice <= 0 {
		return Sizing{}, ErrInvalidPrice
	}
	leverage := NegotiateLeverage(in.ConfiguredLeverage, in.MaxLeverageA, in.MaxLeverageB, in.HardLeverageCap)

	target := in.BaseCapitalUSD * in.CapitalBuffer * float64(leverage)
	maxAvail := math.Min(in.AvailableA, in.AvailableB) * float64(leverage)
	notional := math.Min(target, maxAvail*in.MarginBuffer)
	if notional < in.MinNotionalUSD {
		return Sizing{}, ErrNotionalTooSmall
	}

	step := CoarserStep(in.StepA, in.StepB)
	quantity := RoundDownToStep(notional/in.MarkPrice, step)
	if quantity <= 0 {
		return Sizing{}, ErrQuantityZero
	}
	return Sizing{
		Leverage:    leverage,
		NotionalUSD: notional,
		Quantity:    quantity,
		Step:        step,
	}, nil
}
