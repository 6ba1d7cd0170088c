package hyperliquid

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Tif string

const (
	TifIoc Tif = "Ioc"
	TifGtc Tif = "Gtc"
)

type LimitOrderType struct {
	Tif Tif `json:"tif"`
}

type OrderTypeWire struct {
	Limit *LimitOrderType `json:"limit,omitempty"`
}

type OrderWire struct {
	Asset      int           `json:"a"`
	IsBuy      bool          `json:"b"`
	Price      string        `json:"p"`
	Size       string        `json:"s"`
	ReduceOnly bool          `json:"r"`
	OrderType  OrderTypeWire `json:"t"`
	Cloid      string        `json:"c,omitempty"`
}

type OrderAction struct {
	Type     string      `json:"type"`
	Orders   []OrderWire `json:"orders"`
	Grouping string      `json:"grouping"`
}

type UpdateLeverageAction struct {
	Type     string `json:"type"`
	Asset    int    `json:"asset"`
	IsCross  bool   `json:"isCross"`
	Leverage int    `json:"leverage"`
}

type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}

type SignedAction struct {
	Action       any       `json:"action"`
	Nonce        uint64    `json:"nonce"`
	Signature    Signature `json:"signature"`
	VaultAddress *string   `json:"vaultAddress"`
}

func limitOrderWire(asset int, isBuy bool, size, limit float64, reduceOnly bool, tif Tif) (OrderWire, error) {
	price, err := floatToWire(limit)
	if err != nil {
		return OrderWire{}, fmt.Errorf("limit price: %w", err)
	}
	sizeWire, err := floatToWire(size)
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	return OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      price,
		Size:       sizeWire,
		ReduceOnly: reduceOnly,
		OrderType:  OrderTypeWire{Limit: &LimitOrderType{Tif: tif}},
	}, nil
}

func floatToWire(x float64) (string, error) {
	rounded := fmt.Sprintf("%.8f", x)
	parsed, err := strconv.ParseFloat(rounded, 64)
	if err != nil {
		return "", err
	}
	if math.Abs(parsed-x) >= 1e-12 {
		return "", fmt.Errorf("float_to_wire causes rounding: %f", x)
	}
	trimmed := strings.TrimRight(rounded, "0")
	trimmed = strings.TrimRight(trimmed, ".")
	if trimmed == "" || trimmed == "-0" {
		trimmed = "0"
	}
	return trimmed, nil
}

// aggressivePrice derives the marketable limit price for an IOC order:
// 5% through the mark, rounded to Hyperliquid's 5 significant figures and
// the per-asset decimal budget.
func aggressivePrice(mark float64, isBuy bool, szDecimals int) float64 {
	slip := 0.05
	price := mark * (1 - slip)
	if isBuy {
		price = mark * (1 + slip)
	}
	return normalizePrice(price, szDecimals)
}

func normalizePrice(price float64, szDecimals int) float64 {
	if price <= 0 {
		return price
	}
	// Max decimals for a perp price is 6 minus the size decimals.
	maxDecimals := 6 - szDecimals
	if maxDecimals < 0 {
		maxDecimals = 0
	}
	rounded := roundSigFigs(price, 5)
	factor := math.Pow(10, float64(maxDecimals))
	return math.Round(rounded*factor) / factor
}

func roundSigFigs(x float64, figs int) float64 {
	if x == 0 {
		return 0
	}
	magnitude := math.Ceil(math.Log10(math.Abs(x)))
	power := float64(figs) - magnitude
	factor := math.Pow(10, power)
	return math.Round(x*factor) / factor
}
