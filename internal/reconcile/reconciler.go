package reconcile

import (
	"context"
	"fmt"
	"math"
	"time"

	"funding-hedge-bot/internal/state"
	"funding-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

// Outcome classifies how a recovery run left the system.
type Outcome string

const (
	// OutcomeResumed means a live delta-neutral pair was found and the bot
	// re-entered HOLDING with a reconstructed Position.
	OutcomeResumed Outcome = "resumed_holding"
	// OutcomeIdle means no positions exist anywhere; clean reset.
	OutcomeIdle Outcome = "reset_idle"
	// OutcomeRepaired means an orphan leg was flattened and the bot reset.
	OutcomeRepaired Outcome = "orphan_repaired"
	// OutcomeManual means automation cannot safely proceed.
	OutcomeManual Outcome = "manual_intervention"
	// OutcomeDeferred means a position query failed, so ground truth could
	// not be established. The store is left in ERROR and recovery retries
	// after the error backoff.
	OutcomeDeferred Outcome = "deferred"
)

type Result struct {
	Outcome  Outcome
	Reason   string
	Position *state.Position

	// Populated when Outcome is OutcomeRepaired.
	RepairedSymbol string
	RepairedVenue  string
	RepairedQty    float64
}

// legPair is one symbol's live quantities on both venues.
type legPair struct {
	symbol string
	qtyA   float64
	qtyB   float64
}

// Reconciler re-derives ground truth from both venues and repairs any
// divergence between the persisted state and live positions.
type Reconciler struct {
	venueA venue.Venue
	venueB venue.Venue
	store  *state.Store
	log    *zap.Logger

	deltaTolerance float64
	holdDuration   time.Duration
}

func New(venueA, venueB venue.Venue, store *state.Store, log *zap.Logger, deltaTolerance float64, holdDuration time.Duration) *Reconciler {
	return &Reconciler{
		venueA:         venueA,
		venueB:         venueB,
		store:          store,
		log:            log,
		deltaTolerance: deltaTolerance,
		holdDuration:   holdDuration,
	}
}

// Run inspects both venues for the configured symbols and leaves the store
// in exactly one of: IDLE with no Position, HOLDING with a delta-neutral
// Position, or ERROR.
func (r *Reconciler) Run(ctx context.Context, symbols []string) (Result, error) {
	last := r.store.Snapshot()

	// OPENING/CLOSING mean a cross-venue operation of unknown outcome was
	// interrupted. Handing control back to automation without an operator
	// looking first risks compounding the error.
	if last.State.InFlight() {
		reason := fmt.Sprintf("last persisted state was %s; an order may be half-executed, manual check required", last.State)
		r.log.Error("refusing automatic recovery", zap.String("last_state", string(last.State)))
		if err := r.store.SetState(state.StateError); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeManual, Reason: reason}, nil
	}

	found, failed := r.scan(ctx, symbols)

	// A failed query is not a flat venue. Acting on half the picture could
	// flatten one leg of a healthy pair or certify IDLE with a position
	// still open, so nothing is touched until both venues answer.
	if len(failed) > 0 {
		reason := fmt.Sprintf("position queries failed for %v; cannot establish live state, deferring recovery", failed)
		r.log.Warn("recovery deferred", zap.Strings("symbols", failed))
		if err := r.store.SetState(state.StateError); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeDeferred, Reason: reason}, nil
	}

	if len(found) == 0 {
		r.log.Info("no live positions on either venue, resetting to idle")
		if err := r.resetIdle(); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeIdle}, nil
	}

	if len(found) > 1 {
		names := make([]string, 0, len(found))
		for _, p := range found {
			names = append(names, p.symbol)
		}
		reason := fmt.Sprintf("positions on %d symbols (%v); this system holds one position at a time, manual cleanup required", len(found), names)
		r.log.Error("ambiguous recovery", zap.Strings("symbols", names))
		if err := r.store.SetState(state.StateError); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeManual, Reason: reason}, nil
	}

	pair := found[0]
	switch {
	case pair.qtyA != 0 && pair.qtyB == 0:
		return r.repairOrphan(ctx, r.venueA, pair.symbol, pair.qtyA)
	case pair.qtyB != 0 && pair.qtyA == 0:
		return r.repairOrphan(ctx, r.venueB, pair.symbol, pair.qtyB)
	default:
		return r.reconstruct(ctx, last, pair)
	}
}

func (r *Reconciler) scan(ctx context.Context, symbols []string) (found []legPair, failed []string) {
	for _, symbol := range symbols {
		qtyA, okA := r.liveQuantity(ctx, r.venueA, symbol)
		qtyB, okB := r.liveQuantity(ctx, r.venueB, symbol)
		if !okA || !okB {
			failed = append(failed, symbol)
			continue
		}
		if qtyA != 0 || qtyB != 0 {
			r.log.Info("live position found",
				zap.String("symbol", symbol),
				zap.String("venue_a", r.venueA.Name()),
				zap.Float64("qty_a", qtyA),
				zap.String("venue_b", r.venueB.Name()),
				zap.Float64("qty_b", qtyB),
			)
			found = append(found, legPair{symbol: symbol, qtyA: qtyA, qtyB: qtyB})
		}
	}
	return found, failed
}

func (r *Reconciler) liveQuantity(ctx context.Context, v venue.Venue, symbol string) (float64, bool) {
	pos, ok, err := v.Position(ctx, symbol)
	if err != nil {
		r.log.Warn("position query failed during scan",
			zap.String("venue", v.Name()),
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		return 0, false
	}
	if !ok {
		return 0, true
	}
	return pos.Quantity, true
}

// repairOrphan flattens a leg that exists on only one venue with a single
// reduce-only market order. One attempt only: repeated automated attempts
// against a possibly-failing venue risk order duplication, so failure
// escalates to the operator.
func (r *Reconciler) repairOrphan(ctx context.Context, v venue.Venue, symbol string, qty float64) (Result, error) {
	side := venue.Opposite(qty)
	r.log.Warn("orphan leg detected, attempting to flatten",
		zap.String("venue", v.Name()),
		zap.String("symbol", symbol),
		zap.Float64("quantity", qty),
		zap.String("close_side", string(side)),
	)
	fill, err := v.PlaceMarketOrder(ctx, symbol, side, math.Abs(qty), true)
	if err != nil {
		reason := fmt.Sprintf("failed to flatten orphan %s leg on %s (qty %+f): %v; manual close required", symbol, v.Name(), qty, err)
		r.log.Error("orphan close failed", zap.String("venue", v.Name()), zap.String("symbol", symbol), zap.Error(err))
		if serr := r.store.SetState(state.StateError); serr != nil {
			return Result{}, serr
		}
		return Result{Outcome: OutcomeManual, Reason: reason}, nil
	}
	r.log.Info("orphan leg flattened",
		zap.String("venue", v.Name()),
		zap.String("symbol", symbol),
		zap.Float64("filled", fill.Quantity),
	)
	if err := r.resetIdle(); err != nil {
		return Result{}, err
	}
	return Result{
		Outcome:        OutcomeRepaired,
		RepairedSymbol: symbol,
		RepairedVenue:  v.Name(),
		RepairedQty:    qty,
	}, nil
}

func (r *Reconciler) reconstruct(ctx context.Context, last state.File, pair legPair) (Result, error) {
	larger := math.Max(math.Abs(pair.qtyA), math.Abs(pair.qtyB))
	if math.Abs(pair.qtyA+pair.qtyB) > larger*r.deltaTolerance {
		reason := fmt.Sprintf("legs for %s are not delta-neutral (%s: %+f, %s: %+f); cannot infer recovery action, manual cleanup required",
			pair.symbol, r.venueA.Name(), pair.qtyA, r.venueB.Name(), pair.qtyB)
		r.log.Error("lopsided pair", zap.String("symbol", pair.symbol), zap.Float64("qty_a", pair.qtyA), zap.Float64("qty_b", pair.qtyB))
		if err := r.store.SetState(state.StateError); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeManual, Reason: reason}, nil
	}

	longVenue, shortVenue := r.venueA, r.venueB
	longQty := pair.qtyA
	if pair.qtyA < 0 {
		longVenue, shortVenue = r.venueB, r.venueA
		longQty = pair.qtyB
	}

	// Keep the original open time when we were already HOLDING so a restart
	// does not reset the hold-duration clock.
	openedAt := time.Now().UTC()
	if last.State == state.StateHolding && last.CurrentPosition != nil && !last.CurrentPosition.OpenedAt.IsZero() {
		openedAt = last.CurrentPosition.OpenedAt
	}

	notional := 0.0
	if price, err := longVenue.MarkPrice(ctx, pair.symbol); err == nil && price > 0 {
		notional = math.Abs(longQty) * price
	} else {
		r.log.Warn("mark price unavailable, notional estimate degraded",
			zap.String("symbol", pair.symbol), zap.Error(err))
	}

	leverage := 0
	if pos, ok, err := longVenue.Position(ctx, pair.symbol); err == nil && ok {
		leverage = pos.Leverage
	}

	pos := &state.Position{
		Symbol:        pair.symbol,
		OpenedAt:      openedAt,
		TargetCloseAt: openedAt.Add(r.holdDuration),
		LongVenue:     longVenue.Name(),
		ShortVenue:    shortVenue.Name(),
		NotionalUSD:   notional,
		Leverage:      leverage,
	}
	if err := r.store.Update(func(f *state.File) {
		f.CurrentPosition = pos
	}); err != nil {
		return Result{}, err
	}
	if err := r.store.SetState(state.StateHolding); err != nil {
		return Result{}, err
	}
	r.log.Info("position reconstructed, resuming hold",
		zap.String("symbol", pair.symbol),
		zap.String("long_venue", pos.LongVenue),
		zap.String("short_venue", pos.ShortVenue),
		zap.Float64("notional_usd", pos.NotionalUSD),
		zap.Int("leverage", pos.Leverage),
		zap.Time("opened_at", pos.OpenedAt),
	)
	return Result{Outcome: OutcomeResumed, Position: pos}, nil
}

func (r *Reconciler) resetIdle() error {
	if err := r.store.Update(func(f *state.File) {
		f.CurrentPosition = nil
	}); err != nil {
		return err
	}
	return r.store.SetState(state.StateIdle)
}
