package venue

import "context"

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the side that flattens a signed quantity.
func Opposite(quantity float64) Side {
	if quantity > 0 {
		return Sell
	}
	return Buy
}

// Position is a live perp position as reported by a venue. Quantity is
// signed: positive long, negative short.
type Position struct {
	Symbol        string
	Quantity      float64
	EntryPrice    float64
	UnrealizedPnL float64
	Notional      float64
	Leverage      int
}

type Balance struct {
	Total     float64
	Available float64
}

type Fill struct {
	OrderID  string
	Symbol   string
	Side     Side
	Quantity float64
	Price    float64
}

// Venue is the capability surface the core depends on. One implementation
// exists per exchange; everything above this interface is venue-agnostic.
type Venue interface {
	Name() string

	// Position reports the live position for symbol; ok is false when the
	// venue holds no position there.
	Position(ctx context.Context, symbol string) (Position, bool, error)
	Balance(ctx context.Context) (Balance, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)

	// PlaceMarketOrder submits an immediate-or-cancel order and returns the
	// confirmed fill. A reduceOnly order can only shrink an existing position.
	PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity float64, reduceOnly bool) (Fill, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	MaxLeverage(ctx context.Context, symbol string) (int, error)

	// StepSize returns the minimum order-size increment for symbol.
	StepSize(ctx context.Context, symbol string) (float64, error)

	// FundingRate returns the forward-looking hourly funding rate, not the
	// last applied one.
	FundingRate(ctx context.Context, symbol string) (float64, error)

	// Symbols lists the tradable perp universe, used to filter the
	// configured watchlist down to what both venues carry.
	Symbols(ctx context.Context) ([]string, error)
}
