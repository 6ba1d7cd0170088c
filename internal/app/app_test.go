package app

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"funding-hedge-bot/internal/alerts"
	"funding-hedge-bot/internal/config"
	"funding-hedge-bot/internal/metrics"
	"funding-hedge-bot/internal/reconcile"
	"funding-hedge-bot/internal/state"
	"funding-hedge-bot/internal/state/sqlite"
	"funding-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

type fakeOrder struct {
	symbol     string
	side       venue.Side
	quantity   float64
	reduceOnly bool
}

type fakeVenue struct {
	name      string
	balance   venue.Balance
	positions map[string]venue.Position
	marks     map[string]float64
	funding   map[string]float64
	maxLev    int
	step      float64

	posErr     error
	orderErr   error
	failOrders int
	alwaysFail bool

	orders   []fakeOrder
	levCalls []int
}

var _ venue.Venue = (*fakeVenue)(nil)

func newFakeVenue(name string) *fakeVenue {
	return &fakeVenue{
		name:      name,
		balance:   venue.Balance{Total: 1000, Available: 1000},
		positions: map[string]venue.Position{},
		marks:     map[string]float64{"BTC": 100},
		funding:   map[string]float64{},
		maxLev:    20,
		step:      0.01,
	}
}

func (f *fakeVenue) Name() string { return f.name }

func (f *fakeVenue) Position(ctx context.Context, symbol string) (venue.Position, bool, error) {
	if f.posErr != nil {
		return venue.Position{}, false, f.posErr
	}
	p, ok := f.positions[symbol]
	return p, ok, nil
}

func (f *fakeVenue) Balance(ctx context.Context) (venue.Balance, error) {
	return f.balance, nil
}

func (f *fakeVenue) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	mark, ok := f.marks[symbol]
	if !ok {
		return 0, errors.New("no mark price")
	}
	return mark, nil
}

func (f *fakeVenue) PlaceMarketOrder(ctx context.Context, symbol string, side venue.Side, quantity float64, reduceOnly bool) (venue.Fill, error) {
	if f.alwaysFail || f.failOrders > 0 {
		if f.failOrders > 0 {
			f.failOrders--
		}
		err := f.orderErr
		if err == nil {
			err = errors.New("order failed")
		}
		return venue.Fill{}, err
	}
	f.orders = append(f.orders, fakeOrder{symbol: symbol, side: side, quantity: quantity, reduceOnly: reduceOnly})
	if reduceOnly {
		delete(f.positions, symbol)
	} else {
		signed := quantity
		if side == venue.Sell {
			signed = -quantity
		}
		p := f.positions[symbol]
		p.Symbol = symbol
		p.Quantity += signed
		f.positions[symbol] = p
	}
	return venue.Fill{Symbol: symbol, Side: side, Quantity: quantity, Price: f.marks[symbol]}, nil
}

func (f *fakeVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	f.levCalls = append(f.levCalls, leverage)
	return nil
}

func (f *fakeVenue) MaxLeverage(ctx context.Context, symbol string) (int, error) {
	return f.maxLev, nil
}

func (f *fakeVenue) StepSize(ctx context.Context, symbol string) (float64, error) {
	return f.step, nil
}

func (f *fakeVenue) FundingRate(ctx context.Context, symbol string) (float64, error) {
	rate, ok := f.funding[symbol]
	if !ok {
		return 0, errors.New("no funding rate")
	}
	return rate, nil
}

func (f *fakeVenue) Symbols(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(f.marks))
	for s := range f.marks {
		out = append(out, s)
	}
	return out, nil
}

func newTestApp(t *testing.T, hyper, pacific *fakeVenue) *App {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "absent.json"))
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	log := zap.NewNop()
	store := state.Open(filepath.Join(dir, "state.json"), log)
	journal, err := sqlite.Open(filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { journal.Close() })
	a := &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		journal: journal,
		hyper:   hyper,
		pacific: pacific,
		alerts:  alerts.NewTelegram(config.TelegramConfig{}, log),
		metrics: metrics.NewNoop(),
		symbols: []string{"BTC"},
	}
	a.reconciler = reconcile.New(hyper, pacific, store, log, cfg.Risk.DeltaTolerance, cfg.HoldDuration())
	return a
}

func shortenCloseRetryDelay(t *testing.T) {
	t.Helper()
	saved := closeRetryDelay
	closeRetryDelay = time.Millisecond
	t.Cleanup(func() { closeRetryDelay = saved })
}

func holdingPosition(opened time.Time, target time.Time) *state.Position {
	return &state.Position{
		Symbol:        "BTC",
		OpenedAt:      opened,
		TargetCloseAt: target,
		LongVenue:     "hyperliquid",
		ShortVenue:    "pacifica",
		NotionalUSD:   1000,
		Leverage:      3,
		EntryBalances: map[string]float64{
			"hyperliquid": 1000,
			"pacifica":    1000,
		},
	}
}

func installHolding(t *testing.T, a *App, pos *state.Position) {
	t.Helper()
	if err := a.store.Update(func(f *state.File) {
		f.CurrentCycleNumber = 1
		f.CurrentPosition = pos
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	if err := a.store.SetState(state.StateHolding); err != nil {
		t.Fatalf("set holding: %v", err)
	}
}

func TestCloseSettlesRealizedPnL(t *testing.T) {
	shortenCloseRetryDelay(t)
	hyper := newFakeVenue("hyperliquid")
	pacific := newFakeVenue("pacifica")
	hyper.positions["BTC"] = venue.Position{Symbol: "BTC", Quantity: 0.5}
	pacific.positions["BTC"] = venue.Position{Symbol: "BTC", Quantity: -0.5}
	hyper.balance = venue.Balance{Total: 1010, Available: 1010}
	pacific.balance = venue.Balance{Total: 995, Available: 995}
	a := newTestApp(t, hyper, pacific)
	installHolding(t, a, holdingPosition(time.Now().Add(-time.Hour), time.Now().Add(-time.Minute)))

	if err := a.closePosition(context.Background(), reasonHoldElapsed); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if got := a.store.State(); got != state.StateWaiting {
		t.Fatalf("state = %s, want %s", got, state.StateWaiting)
	}
	snap := a.store.Snapshot()
	if snap.CurrentPosition != nil {
		t.Fatalf("position not cleared")
	}
	if len(snap.CompletedCycles) != 1 {
		t.Fatalf("completed cycles = %d, want 1", len(snap.CompletedCycles))
	}
	cycle := snap.CompletedCycles[0]
	if math.Abs(cycle.RealizedPnL-5) > 1e-9 {
		t.Fatalf("realized pnl = %f, want 5", cycle.RealizedPnL)
	}
	if cycle.CloseReason != reasonHoldElapsed {
		t.Fatalf("close reason = %q", cycle.CloseReason)
	}
	if snap.CumulativeStats.SuccessfulCycles != 1 || snap.CumulativeStats.TotalCycles != 1 {
		t.Fatalf("stats = %+v", snap.CumulativeStats)
	}
	for _, v := range []*fakeVenue{hyper, pacific} {
		if len(v.orders) != 1 || !v.orders[0].reduceOnly {
			t.Fatalf("%s orders = %+v, want one reduce-only close", v.name, v.orders)
		}
	}
}

func TestCloseLegRetriesTransientFailure(t *testing.T) {
	shortenCloseRetryDelay(t)
	hyper := newFakeVenue("hyperliquid")
	hyper.positions["BTC"] = venue.Position{Symbol: "BTC", Quantity: 0.5}
	hyper.failOrders = 1
	a := newTestApp(t, hyper, newFakeVenue("pacifica"))

	if err := a.closeLeg(context.Background(), hyper, "BTC"); err != nil {
		t.Fatalf("close leg failed: %v", err)
	}
	if _, still := hyper.positions["BTC"]; still {
		t.Fatalf("position not flattened")
	}
	if len(hyper.orders) != 1 {
		t.Fatalf("orders placed = %d, want 1", len(hyper.orders))
	}
}

func TestClosePartialFailureHaltsInError(t *testing.T) {
	shortenCloseRetryDelay(t)
	hyper := newFakeVenue("hyperliquid")
	pacific := newFakeVenue("pacifica")
	hyper.positions["BTC"] = venue.Position{Symbol: "BTC", Quantity: 0.5}
	pacific.positions["BTC"] = venue.Position{Symbol: "BTC", Quantity: -0.5}
	hyper.alwaysFail = true
	a := newTestApp(t, hyper, pacific)
	installHolding(t, a, holdingPosition(time.Now().Add(-time.Hour), time.Now().Add(-time.Minute)))

	if err := a.closePosition(context.Background(), reasonHoldElapsed); err == nil {
		t.Fatalf("expected close error")
	}
	if got := a.store.State(); got != state.StateError {
		t.Fatalf("state = %s, want %s", got, state.StateError)
	}
	snap := a.store.Snapshot()
	if snap.CurrentPosition == nil {
		t.Fatalf("position must survive a failed close for the reconciler")
	}
	if snap.CumulativeStats.FailedCycles != 1 {
		t.Fatalf("failed cycles = %d, want 1", snap.CumulativeStats.FailedCycles)
	}
	if snap.CumulativeStats.LastError == "" {
		t.Fatalf("last error not recorded")
	}
}

func TestMonitorHoldElapsed(t *testing.T) {
	hyper := newFakeVenue("hyperliquid")
	pacific := newFakeVenue("pacifica")
	a := newTestApp(t, hyper, pacific)
	installHolding(t, a, holdingPosition(time.Now().Add(-9*time.Hour), time.Now().Add(-time.Minute)))

	closeNow, reason := a.monitor(context.Background())
	if !closeNow || reason != reasonHoldElapsed {
		t.Fatalf("monitor = (%v, %q), want (true, %q)", closeNow, reason, reasonHoldElapsed)
	}
}

func TestMonitorStopLossOnWorstLeg(t *testing.T) {
	hyper := newFakeVenue("hyperliquid")
	pacific := newFakeVenue("pacifica")
	// Leverage 3 stops at 20%; the long leg is down 25% of notional while the
	// pair nets positive.
	hyper.positions["BTC"] = venue.Position{Symbol: "BTC", Quantity: 0.5, UnrealizedPnL: -250}
	pacific.positions["BTC"] = venue.Position{Symbol: "BTC", Quantity: -0.5, UnrealizedPnL: 300}
	a := newTestApp(t, hyper, pacific)
	installHolding(t, a, holdingPosition(time.Now(), time.Now().Add(time.Hour)))

	closeNow, reason := a.monitor(context.Background())
	if !closeNow || reason != reasonStopLoss {
		t.Fatalf("monitor = (%v, %q), want (true, %q)", closeNow, reason, reasonStopLoss)
	}
}

func TestMonitorHealthyPositionHolds(t *testing.T) {
	hyper := newFakeVenue("hyperliquid")
	pacific := newFakeVenue("pacifica")
	hyper.positions["BTC"] = venue.Position{Symbol: "BTC", Quantity: 0.5, UnrealizedPnL: -20}
	pacific.positions["BTC"] = venue.Position{Symbol: "BTC", Quantity: -0.5, UnrealizedPnL: 25}
	a := newTestApp(t, hyper, pacific)
	installHolding(t, a, holdingPosition(time.Now(), time.Now().Add(time.Hour)))

	if closeNow, _ := a.monitor(context.Background()); closeNow {
		t.Fatalf("healthy position should keep holding")
	}
	if got := a.store.State(); got != state.StateHolding {
		t.Fatalf("state = %s, want %s", got, state.StateHolding)
	}
}

func TestMonitorTransientQueryErrorHolds(t *testing.T) {
	hyper := newFakeVenue("hyperliquid")
	pacific := newFakeVenue("pacifica")
	hyper.posErr = errors.New("venue unreachable")
	a := newTestApp(t, hyper, pacific)
	installHolding(t, a, holdingPosition(time.Now(), time.Now().Add(time.Hour)))

	if closeNow, _ := a.monitor(context.Background()); closeNow {
		t.Fatalf("transient query error must not force a close")
	}
}

func TestMonitorVanishedLegClosesOut(t *testing.T) {
	hyper := newFakeVenue("hyperliquid")
	pacific := newFakeVenue("pacifica")
	hyper.positions["BTC"] = venue.Position{Symbol: "BTC", Quantity: 0.5}
	// Short leg gone: liquidated or closed out of band.
	a := newTestApp(t, hyper, pacific)
	installHolding(t, a, holdingPosition(time.Now(), time.Now().Add(time.Hour)))

	closeNow, reason := a.monitor(context.Background())
	if !closeNow || reason != reasonStopLoss {
		t.Fatalf("monitor = (%v, %q), want (true, %q)", closeNow, reason, reasonStopLoss)
	}
}

func TestCycleEntryOpensBothLegs(t *testing.T) {
	hyper := newFakeVenue("hyperliquid")
	pacific := newFakeVenue("pacifica")
	hyper.funding = map[string]float64{"BTC": 0.00001}
	pacific.funding = map[string]float64{"BTC": 0.00005}
	pacific.maxLev = 10
	a := newTestApp(t, hyper, pacific)

	opened, err := a.runCycleEntry(context.Background())
	if err != nil {
		t.Fatalf("cycle entry failed: %v", err)
	}
	if !opened {
		t.Fatalf("expected a position to open")
	}
	if got := a.store.State(); got != state.StateHolding {
		t.Fatalf("state = %s, want %s", got, state.StateHolding)
	}
	snap := a.store.Snapshot()
	pos := snap.CurrentPosition
	if pos == nil {
		t.Fatalf("no persisted position")
	}
	if pos.Symbol != "BTC" || pos.LongVenue != "hyperliquid" || pos.ShortVenue != "pacifica" {
		t.Fatalf("position legs = %+v", pos)
	}
	if pos.Leverage != 3 {
		t.Fatalf("leverage = %d, want 3", pos.Leverage)
	}
	// 100 base capital * 0.98 * 3x, inside the 95% margin cap.
	if math.Abs(pos.NotionalUSD-294) > 1e-9 {
		t.Fatalf("notional = %f, want 294", pos.NotionalUSD)
	}
	if snap.CurrentCycleNumber != 1 {
		t.Fatalf("cycle number = %d, want 1", snap.CurrentCycleNumber)
	}
	if len(hyper.orders) != 1 || hyper.orders[0].side != venue.Buy || hyper.orders[0].reduceOnly {
		t.Fatalf("long leg orders = %+v", hyper.orders)
	}
	if len(pacific.orders) != 1 || pacific.orders[0].side != venue.Sell || pacific.orders[0].reduceOnly {
		t.Fatalf("short leg orders = %+v", pacific.orders)
	}
	if math.Abs(hyper.orders[0].quantity-2.94) > 1e-9 {
		t.Fatalf("quantity = %f, want 2.94", hyper.orders[0].quantity)
	}
	if len(hyper.levCalls) != 1 || hyper.levCalls[0] != 3 {
		t.Fatalf("leverage calls = %v", hyper.levCalls)
	}
}

func TestCycleEntryUnwindsLongWhenShortFails(t *testing.T) {
	hyper := newFakeVenue("hyperliquid")
	pacific := newFakeVenue("pacifica")
	hyper.funding = map[string]float64{"BTC": 0.00001}
	pacific.funding = map[string]float64{"BTC": 0.00005}
	pacific.alwaysFail = true
	a := newTestApp(t, hyper, pacific)

	opened, err := a.runCycleEntry(context.Background())
	if err == nil {
		t.Fatalf("expected short-leg failure to surface")
	}
	if opened {
		t.Fatalf("must not report an open position")
	}
	// Even a clean unwind ends the cycle in ERROR so recovery re-verifies
	// both venues before the loop trades again.
	if got := a.store.State(); got != state.StateError {
		t.Fatalf("state = %s, want %s", got, state.StateError)
	}
	if a.store.Position() != nil {
		t.Fatalf("draft position not cleared")
	}
	if len(hyper.orders) != 2 {
		t.Fatalf("long venue orders = %+v, want open then unwind", hyper.orders)
	}
	unwind := hyper.orders[1]
	if unwind.side != venue.Sell || !unwind.reduceOnly {
		t.Fatalf("unwind order = %+v, want reduce-only sell", unwind)
	}
	if _, still := hyper.positions["BTC"]; still {
		t.Fatalf("long leg not flattened")
	}
}

func TestCycleEntryLongFailureHaltsInError(t *testing.T) {
	hyper := newFakeVenue("hyperliquid")
	pacific := newFakeVenue("pacifica")
	hyper.funding = map[string]float64{"BTC": 0.00001}
	pacific.funding = map[string]float64{"BTC": 0.00005}
	hyper.alwaysFail = true
	a := newTestApp(t, hyper, pacific)

	opened, err := a.runCycleEntry(context.Background())
	if err == nil {
		t.Fatalf("expected long-leg failure to surface")
	}
	if opened {
		t.Fatalf("must not report an open position")
	}
	if got := a.store.State(); got != state.StateError {
		t.Fatalf("state = %s, want %s", got, state.StateError)
	}
	if a.store.Position() != nil {
		t.Fatalf("draft position not cleared")
	}
	if len(pacific.orders) != 0 {
		t.Fatalf("short leg must never trade after a long-leg failure, got %+v", pacific.orders)
	}
}

func TestCycleEntrySkipsBelowBalanceFloor(t *testing.T) {
	hyper := newFakeVenue("hyperliquid")
	pacific := newFakeVenue("pacifica")
	pacific.balance = venue.Balance{Total: 5, Available: 5}
	a := newTestApp(t, hyper, pacific)

	opened, err := a.runCycleEntry(context.Background())
	if err != nil {
		t.Fatalf("cycle entry failed: %v", err)
	}
	if opened {
		t.Fatalf("must not open below the balance floor")
	}
	if got := a.store.State(); got != state.StateWaiting {
		t.Fatalf("state = %s, want %s", got, state.StateWaiting)
	}
}

func TestCycleEntryNoOpportunityWaitsForNextCycle(t *testing.T) {
	hyper := newFakeVenue("hyperliquid")
	pacific := newFakeVenue("pacifica")
	hyper.funding = map[string]float64{"BTC": 0.00002}
	pacific.funding = map[string]float64{"BTC": 0.00002}
	a := newTestApp(t, hyper, pacific)

	opened, err := a.runCycleEntry(context.Background())
	if err != nil {
		t.Fatalf("cycle entry failed: %v", err)
	}
	if opened {
		t.Fatalf("equal rates must not open")
	}
	// The inter-cycle delay applies after an empty scan, not the shorter
	// check interval.
	if got := a.store.State(); got != state.StateWaiting {
		t.Fatalf("state = %s, want %s", got, state.StateWaiting)
	}
	if len(hyper.orders)+len(pacific.orders) != 0 {
		t.Fatalf("no orders expected")
	}
}

func TestSleepElapses(t *testing.T) {
	a := &App{}
	start := time.Now()
	if err := a.sleep(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("sleep failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("woke too early after %v", elapsed)
	}
}

func TestSleepWakesOnCancellation(t *testing.T) {
	a := &App{}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := a.sleep(ctx, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	// The loop polls every second; cancellation must cut the hour short.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancellation took %v", elapsed)
	}
}

func TestSleepZeroDuration(t *testing.T) {
	a := &App{}
	if err := a.sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep failed: %v", err)
	}
}
