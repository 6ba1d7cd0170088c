package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"funding-hedge-bot/internal/state"
	"funding-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

type fakeVenue struct {
	name      string
	positions map[string]venue.Position
	marks     map[string]float64
	posErr    error
	orderErr  error
	orders    []venue.Fill
}

func newFakeVenue(name string) *fakeVenue {
	return &fakeVenue{
		name:      name,
		positions: make(map[string]venue.Position),
		marks:     make(map[string]float64),
	}
}

func (f *fakeVenue) Name() string { return f.name }

func (f *fakeVenue) Position(_ context.Context, symbol string) (venue.Position, bool, error) {
	if f.posErr != nil {
		return venue.Position{}, false, f.posErr
	}
	pos, ok := f.positions[symbol]
	return pos, ok, nil
}

func (f *fakeVenue) Balance(context.Context) (venue.Balance, error) {
	return venue.Balance{Total: 1000, Available: 1000}, nil
}

func (f *fakeVenue) MarkPrice(_ context.Context, symbol string) (float64, error) {
	price, ok := f.marks[symbol]
	if !ok {
		return 0, errors.New("no mark")
	}
	return price, nil
}

func (f *fakeVenue) PlaceMarketOrder(_ context.Context, symbol string, side venue.Side, quantity float64, reduceOnly bool) (venue.Fill, error) {
	if f.orderErr != nil {
		return venue.Fill{}, f.orderErr
	}
	fill := venue.Fill{OrderID: "1", Symbol: symbol, Side: side, Quantity: quantity}
	f.orders = append(f.orders, fill)
	if reduceOnly {
		delete(f.positions, symbol)
	}
	return fill, nil
}

func (f *fakeVenue) SetLeverage(context.Context, string, int) error { return nil }

func (f *fakeVenue) MaxLeverage(context.Context, string) (int, error) { return 20, nil }

func (f *fakeVenue) StepSize(context.Context, string) (float64, error) { return 0.001, nil }

func (f *fakeVenue) FundingRate(context.Context, string) (float64, error) { return 0, nil }

func (f *fakeVenue) Symbols(context.Context) ([]string, error) { return nil, nil }

var _ venue.Venue = (*fakeVenue)(nil)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	return state.Open(filepath.Join(t.TempDir(), "state.json"), zap.NewNop())
}

func TestRunNoPositionsResetsIdle(t *testing.T) {
	a, b := newFakeVenue("hyperliquid"), newFakeVenue("pacifica")
	store := newTestStore(t)
	if err := store.Update(func(f *state.File) {
		f.CurrentPosition = &state.Position{Symbol: "BTC"}
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetState(state.StateHolding); err != nil {
		t.Fatal(err)
	}

	r := New(a, b, store, zap.NewNop(), 0.05, 8*time.Hour)
	result, err := r.Run(context.Background(), []string{"BTC", "ETH"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Outcome != OutcomeIdle {
		t.Fatalf("expected idle reset, got %s", result.Outcome)
	}
	if store.State() != state.StateIdle {
		t.Fatalf("expected IDLE, got %s", store.State())
	}
	if store.Position() != nil {
		t.Fatalf("expected stale position cleared")
	}
}

func TestRunOrphanLegFlattened(t *testing.T) {
	a, b := newFakeVenue("hyperliquid"), newFakeVenue("pacifica")
	a.positions["BTC"] = venue.Position{Symbol: "BTC", Quantity: 0.5}
	store := newTestStore(t)

	r := New(a, b, store, zap.NewNop(), 0.05, 8*time.Hour)
	result, err := r.Run(context.Background(), []string{"BTC"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Outcome != OutcomeRepaired {
		t.Fatalf("expected repair, got %s", result.Outcome)
	}
	if result.RepairedSymbol != "BTC" || result.RepairedVenue != "hyperliquid" || result.RepairedQty != 0.5 {
		t.Fatalf("repair details missing: %+v", result)
	}
	if len(a.orders) != 1 {
		t.Fatalf("expected one close order, got %d", len(a.orders))
	}
	order := a.orders[0]
	if order.Side != venue.Sell || order.Quantity != 0.5 {
		t.Fatalf("expected reduce-only sell of 0.5, got %+v", order)
	}
	if store.State() != state.StateIdle {
		t.Fatalf("expected IDLE after repair, got %s", store.State())
	}
}

func TestRunOrphanCloseFailureEscalates(t *testing.T) {
	a, b := newFakeVenue("hyperliquid"), newFakeVenue("pacifica")
	b.positions["ETH"] = venue.Position{Symbol: "ETH", Quantity: -2}
	b.orderErr = errors.New("venue down")
	store := newTestStore(t)

	r := New(a, b, store, zap.NewNop(), 0.05, 8*time.Hour)
	result, err := r.Run(context.Background(), []string{"ETH"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Outcome != OutcomeManual {
		t.Fatalf("expected manual escalation, got %s", result.Outcome)
	}
	if store.State() != state.StateError {
		t.Fatalf("expected ERROR, got %s", store.State())
	}
}

func TestRunReconstructsDeltaNeutralPair(t *testing.T) {
	a, b := newFakeVenue("hyperliquid"), newFakeVenue("pacifica")
	a.positions["BTC"] = venue.Position{Symbol: "BTC", Quantity: 0.5, Leverage: 3}
	b.positions["BTC"] = venue.Position{Symbol: "BTC", Quantity: -0.5}
	a.marks["BTC"] = 50000

	openedAt := time.Now().Add(-2 * time.Hour).UTC().Truncate(time.Second)
	store := newTestStore(t)
	if err := store.Update(func(f *state.File) {
		f.CurrentPosition = &state.Position{Symbol: "BTC", OpenedAt: openedAt}
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetState(state.StateHolding); err != nil {
		t.Fatal(err)
	}

	r := New(a, b, store, zap.NewNop(), 0.05, 8*time.Hour)
	result, err := r.Run(context.Background(), []string{"BTC"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Outcome != OutcomeResumed {
		t.Fatalf("expected resume, got %s", result.Outcome)
	}
	pos := store.Position()
	if pos == nil {
		t.Fatalf("expected reconstructed position")
	}
	if pos.LongVenue != "hyperliquid" || pos.ShortVenue != "pacifica" {
		t.Fatalf("long/short assignment wrong: %+v", pos)
	}
	if !pos.OpenedAt.Equal(openedAt) {
		t.Fatalf("expected opened_at preserved, got %v", pos.OpenedAt)
	}
	if pos.NotionalUSD != 25000 {
		t.Fatalf("expected notional 25000, got %v", pos.NotionalUSD)
	}
	if pos.Leverage != 3 {
		t.Fatalf("expected leverage 3 from long venue, got %d", pos.Leverage)
	}
	if store.State() != state.StateHolding {
		t.Fatalf("expected HOLDING, got %s", store.State())
	}
}

func TestRunReconstructShortOnVenueA(t *testing.T) {
	a, b := newFakeVenue("hyperliquid"), newFakeVenue("pacifica")
	a.positions["SOL"] = venue.Position{Symbol: "SOL", Quantity: -10}
	b.positions["SOL"] = venue.Position{Symbol: "SOL", Quantity: 10, Leverage: 5}
	b.marks["SOL"] = 150
	store := newTestStore(t)

	r := New(a, b, store, zap.NewNop(), 0.05, 8*time.Hour)
	result, err := r.Run(context.Background(), []string{"SOL"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Outcome != OutcomeResumed {
		t.Fatalf("expected resume, got %s", result.Outcome)
	}
	pos := store.Position()
	if pos.LongVenue != "pacifica" || pos.ShortVenue != "hyperliquid" {
		t.Fatalf("long/short assignment wrong: %+v", pos)
	}
	if pos.NotionalUSD != 1500 {
		t.Fatalf("expected notional 1500, got %v", pos.NotionalUSD)
	}
}

func TestRunImbalancedPairNeedsManualCleanup(t *testing.T) {
	a, b := newFakeVenue("hyperliquid"), newFakeVenue("pacifica")
	// 10% imbalance against a 5% tolerance.
	a.positions["BTC"] = venue.Position{Symbol: "BTC", Quantity: 1.0}
	b.positions["BTC"] = venue.Position{Symbol: "BTC", Quantity: -0.9}
	store := newTestStore(t)

	r := New(a, b, store, zap.NewNop(), 0.05, 8*time.Hour)
	result, err := r.Run(context.Background(), []string{"BTC"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Outcome != OutcomeManual {
		t.Fatalf("expected manual, got %s", result.Outcome)
	}
	if store.State() != state.StateError {
		t.Fatalf("expected ERROR, got %s", store.State())
	}
}

func TestRunToleratedImbalanceStillResumes(t *testing.T) {
	a, b := newFakeVenue("hyperliquid"), newFakeVenue("pacifica")
	// 4% imbalance is inside the 5% tolerance.
	a.positions["BTC"] = venue.Position{Symbol: "BTC", Quantity: 1.0}
	b.positions["BTC"] = venue.Position{Symbol: "BTC", Quantity: -0.96}
	a.marks["BTC"] = 100
	store := newTestStore(t)

	r := New(a, b, store, zap.NewNop(), 0.05, 8*time.Hour)
	result, err := r.Run(context.Background(), []string{"BTC"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Outcome != OutcomeResumed {
		t.Fatalf("expected resume inside tolerance, got %s", result.Outcome)
	}
}

func TestRunMultipleSymbolsNeedsManualCleanup(t *testing.T) {
	a, b := newFakeVenue("hyperliquid"), newFakeVenue("pacifica")
	a.positions["BTC"] = venue.Position{Symbol: "BTC", Quantity: 1}
	b.positions["ETH"] = venue.Position{Symbol: "ETH", Quantity: -2}
	store := newTestStore(t)

	r := New(a, b, store, zap.NewNop(), 0.05, 8*time.Hour)
	result, err := r.Run(context.Background(), []string{"BTC", "ETH"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Outcome != OutcomeManual {
		t.Fatalf("expected manual, got %s", result.Outcome)
	}
	if store.State() != state.StateError {
		t.Fatalf("expected ERROR, got %s", store.State())
	}
}

func TestRunDefersWhenPositionQueryFails(t *testing.T) {
	// Venue A times out while venue B holds a short leg. The long leg on A
	// may well exist; flattening B's leg on half-failed data would turn a
	// healthy pair into a real orphan.
	a, b := newFakeVenue("hyperliquid"), newFakeVenue("pacifica")
	a.posErr = errors.New("venue timeout")
	b.positions["BTC"] = venue.Position{Symbol: "BTC", Quantity: -1}
	store := newTestStore(t)

	r := New(a, b, store, zap.NewNop(), 0.05, 8*time.Hour)
	result, err := r.Run(context.Background(), []string{"BTC"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Outcome != OutcomeDeferred {
		t.Fatalf("expected deferred, got %s", result.Outcome)
	}
	if store.State() != state.StateError {
		t.Fatalf("expected ERROR, got %s", store.State())
	}
	if len(a.orders)+len(b.orders) != 0 {
		t.Fatalf("no orders may be placed on half-failed data, got %+v %+v", a.orders, b.orders)
	}
	if _, still := b.positions["BTC"]; !still {
		t.Fatalf("live leg must be left alone")
	}
}

func TestRunRefusesRecoveryFromInFlightState(t *testing.T) {
	for _, inflight := range []state.BotState{state.StateOpening, state.StateClosing} {
		a, b := newFakeVenue("hyperliquid"), newFakeVenue("pacifica")
		store := newTestStore(t)
		if err := store.SetState(inflight); err != nil {
			t.Fatal(err)
		}
		r := New(a, b, store, zap.NewNop(), 0.05, 8*time.Hour)
		result, err := r.Run(context.Background(), []string{"BTC"})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if result.Outcome != OutcomeManual {
			t.Fatalf("%s: expected manual, got %s", inflight, result.Outcome)
		}
		if store.State() != state.StateError {
			t.Fatalf("%s: expected ERROR, got %s", inflight, store.State())
		}
		if len(a.orders)+len(b.orders) != 0 {
			t.Fatalf("%s: no orders may be placed", inflight)
		}
	}
}
