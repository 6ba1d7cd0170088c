package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"funding-hedge-bot/internal/state"
	"funding-hedge-bot/internal/strategy"
	"funding-hedge-bot/internal/timescale"
	"funding-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

// runCycleEntry scans for an opportunity and, if one clears the threshold,
// opens both legs. Returns true when a position was opened and the loop is
// now HOLDING.
func (a *App) runCycleEntry(ctx context.Context) (bool, error) {
	hyperBalance, err := a.hyper.Balance(ctx)
	if err != nil {
		return false, fmt.Errorf("%s balance: %w", a.hyper.Name(), err)
	}
	pacificaBalance, err := a.pacific.Balance(ctx)
	if err != nil {
		return false, fmt.Errorf("%s balance: %w", a.pacific.Name(), err)
	}
	floor := a.cfg.Risk.MinAvailableUSD
	if hyperBalance.Available < floor || pacificaBalance.Available < floor {
		a.log.Warn("available balance below floor, skipping cycle",
			zap.Float64("floor_usd", floor),
			zap.Float64(a.hyper.Name(), hyperBalance.Available),
			zap.Float64(a.pacific.Name(), pacificaBalance.Available),
		)
		return false, a.store.SetState(state.StateWaiting)
	}

	if err := a.store.SetState(state.StateAnalyzing); err != nil {
		return false, err
	}

	opps := a.scanFunding(ctx)
	best, ok := strategy.Select(opps, a.cfg.MinNetAPRThreshold)
	if !ok {
		a.log.Info("no opportunity clears the threshold",
			zap.Float64("min_net_apr", a.cfg.MinNetAPRThreshold),
			zap.Int("candidates", len(opps)),
		)
		return false, a.store.SetState(state.StateWaiting)
	}
	a.log.Info("selected opportunity",
		zap.String("symbol", best.Symbol),
		zap.String("long_venue", best.LongVenue),
		zap.String("short_venue", best.ShortVenue),
		zap.Float64("long_apr", best.LongAPR),
		zap.Float64("short_apr", best.ShortAPR),
		zap.Float64("net_apr", best.NetAPR),
	)

	if err := a.openPosition(ctx, best, hyperBalance.Available, pacificaBalance.Available); err != nil {
		return false, err
	}
	return a.store.State() == state.StateHolding, nil
}

// scanFunding queries both venues' predicted rates for every watched symbol.
// A failure on one symbol skips that symbol, never the whole scan.
func (a *App) scanFunding(ctx context.Context) []strategy.Opportunity {
	now := time.Now().UTC()
	var opps []strategy.Opportunity
	for _, symbol := range a.symbols {
		hyperRate, err := a.hyper.FundingRate(ctx, symbol)
		if err != nil {
			a.log.Warn("funding rate unavailable",
				zap.String("venue", a.hyper.Name()), zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		pacificaRate, err := a.pacific.FundingRate(ctx, symbol)
		if err != nil {
			a.log.Warn("funding rate unavailable",
				zap.String("venue", a.pacific.Name()), zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		opp := strategy.MakeOpportunity(symbol, a.hyper.Name(), a.pacific.Name(), hyperRate, pacificaRate)
		a.log.Debug("funding spread",
			zap.String("symbol", symbol),
			zap.Float64("long_apr", opp.LongAPR),
			zap.Float64("short_apr", opp.ShortAPR),
			zap.Float64("net_apr", opp.NetAPR),
		)
		a.recorder.EnqueueObservation(timescale.FundingObservation{
			Time:       now,
			Symbol:     opp.Symbol,
			LongVenue:  opp.LongVenue,
			ShortVenue: opp.ShortVenue,
			LongAPR:    opp.LongAPR,
			ShortAPR:   opp.ShortAPR,
			NetAPR:     opp.NetAPR,
		})
		opps = append(opps, opp)
	}
	return opps
}

func (a *App) openPosition(ctx context.Context, opp strategy.Opportunity, availHyper, availPacifica float64) error {
	long := a.venueByName(opp.LongVenue)
	short := a.venueByName(opp.ShortVenue)
	symbol := opp.Symbol

	maxLevLong, err := long.MaxLeverage(ctx, symbol)
	if err != nil {
		return a.abortEntry(fmt.Errorf("%s max leverage: %w", long.Name(), err))
	}
	maxLevShort, err := short.MaxLeverage(ctx, symbol)
	if err != nil {
		return a.abortEntry(fmt.Errorf("%s max leverage: %w", short.Name(), err))
	}
	stepLong, err := long.StepSize(ctx, symbol)
	if err != nil {
		return a.abortEntry(fmt.Errorf("%s step size: %w", long.Name(), err))
	}
	stepShort, err := short.StepSize(ctx, symbol)
	if err != nil {
		return a.abortEntry(fmt.Errorf("%s step size: %w", short.Name(), err))
	}
	mark, err := long.MarkPrice(ctx, symbol)
	if err != nil {
		return a.abortEntry(fmt.Errorf("mark price: %w", err))
	}

	availLong, availShort := availHyper, availPacifica
	if long.Name() == a.pacific.Name() {
		availLong, availShort = availPacifica, availHyper
	}
	sizing, err := strategy.ComputeSize(strategy.SizingInputs{
		ConfiguredLeverage: a.cfg.Leverage,
		MaxLeverageA:       maxLevLong,
		MaxLeverageB:       maxLevShort,
		HardLeverageCap:    a.cfg.Risk.MaxLeverage,
		BaseCapitalUSD:     a.cfg.BaseCapitalAllocation,
		CapitalBuffer:      a.cfg.Risk.CapitalBuffer,
		MarginBuffer:       a.cfg.Risk.MarginBuffer,
		AvailableA:         availLong,
		AvailableB:         availShort,
		MinNotionalUSD:     a.cfg.Risk.MinNotionalUSD,
		MarkPrice:          mark,
		StepA:              stepLong,
		StepB:              stepShort,
	})
	if err != nil {
		if errors.Is(err, strategy.ErrNotionalTooSmall) || errors.Is(err, strategy.ErrQuantityZero) {
			a.log.Warn("position does not size, skipping", zap.Error(err))
			return a.store.SetState(state.StateWaiting)
		}
		return a.abortEntry(err)
	}
	a.log.Info("sized position",
		zap.String("symbol", symbol),
		zap.Int("leverage", sizing.Leverage),
		zap.Float64("notional_usd", sizing.NotionalUSD),
		zap.Float64("quantity", sizing.Quantity),
		zap.Float64("step", sizing.Step),
	)

	if err := long.SetLeverage(ctx, symbol, sizing.Leverage); err != nil {
		return a.abortEntry(fmt.Errorf("set leverage on %s: %w", long.Name(), err))
	}
	if err := short.SetLeverage(ctx, symbol, sizing.Leverage); err != nil {
		return a.abortEntry(fmt.Errorf("set leverage on %s: %w", short.Name(), err))
	}

	hyperTotal, pacificaTotal := 0.0, 0.0
	if b, err := a.hyper.Balance(ctx); err == nil {
		hyperTotal = b.Total
	}
	if b, err := a.pacific.Balance(ctx); err == nil {
		pacificaTotal = b.Total
	}

	now := time.Now().UTC()
	pos := &state.Position{
		Symbol:        symbol,
		OpenedAt:      now,
		TargetCloseAt: now.Add(a.cfg.HoldDuration()),
		LongVenue:     long.Name(),
		ShortVenue:    short.Name(),
		NotionalUSD:   sizing.NotionalUSD,
		Leverage:      sizing.Leverage,
		EntryBalances: map[string]float64{
			a.hyper.Name():   hyperTotal,
			a.pacific.Name(): pacificaTotal,
		},
	}
	// The draft position and OPENING state go to disk before the first order
	// so a crash between the legs is unambiguous on restart.
	if err := a.store.Update(func(f *state.File) {
		f.CurrentCycleNumber++
		f.CurrentPosition = pos
	}); err != nil {
		return err
	}
	if err := a.store.SetState(state.StateOpening); err != nil {
		return err
	}

	longFill, err := long.PlaceMarketOrder(ctx, symbol, venue.Buy, sizing.Quantity, false)
	if err != nil {
		a.metrics.OrdersFailed.Inc()
		// Nothing filled, but a failure mid-OPENING still halts in ERROR so
		// recovery re-verifies both venues before the loop trades again.
		a.log.Error("long leg failed, nothing to unwind", zap.String("venue", long.Name()), zap.Error(err))
		if serr := a.store.Update(func(f *state.File) { f.CurrentPosition = nil }); serr != nil {
			return serr
		}
		if serr := a.store.SetState(state.StateError); serr != nil {
			return serr
		}
		return fmt.Errorf("open long leg on %s: %w", long.Name(), err)
	}
	a.metrics.OrdersPlaced.Inc()

	shortFill, err := short.PlaceMarketOrder(ctx, symbol, venue.Sell, sizing.Quantity, false)
	if err != nil {
		a.metrics.OrdersFailed.Inc()
		return a.unwindLongLeg(ctx, long, symbol, longFill.Quantity, err)
	}
	a.metrics.OrdersPlaced.Inc()

	if err := a.store.SetState(state.StateHolding); err != nil {
		return err
	}
	a.metrics.CyclesOpened.Inc()
	a.alerts.PositionOpened(ctx, symbol, long.Name(), short.Name(), sizing.NotionalUSD, sizing.Leverage, opp.NetAPR)
	a.log.Info("position opened",
		zap.String("symbol", symbol),
		zap.Float64("long_filled", longFill.Quantity),
		zap.Float64("short_filled", shortFill.Quantity),
		zap.Time("target_close_at", pos.TargetCloseAt),
	)
	return nil
}

// unwindLongLeg closes the already-filled long leg after the short leg
// failed. The cycle ends in ERROR either way; a failed unwind leaves the
// book lopsided and additionally pages the operator.
func (a *App) unwindLongLeg(ctx context.Context, long venue.Venue, symbol string, filledQty float64, cause error) error {
	a.log.Error("short leg failed, unwinding long leg",
		zap.String("venue", long.Name()),
		zap.String("symbol", symbol),
		zap.Float64("quantity", filledQty),
		zap.Error(cause),
	)
	if _, err := long.PlaceMarketOrder(ctx, symbol, venue.Sell, math.Abs(filledQty), true); err != nil {
		a.metrics.OrdersFailed.Inc()
		a.metrics.ManualInterventions.Inc()
		reason := fmt.Sprintf("short leg failed (%v) and unwinding the long %s leg also failed (%v); one-sided position on %s",
			cause, symbol, err, long.Name())
		a.alerts.ManualInterventionRequired(ctx, reason)
		if serr := a.store.SetState(state.StateError); serr != nil {
			return serr
		}
		return fmt.Errorf("unwind long leg on %s: %w", long.Name(), err)
	}
	a.metrics.OrdersPlaced.Inc()
	a.log.Info("long leg unwound cleanly")
	if err := a.store.Update(func(f *state.File) { f.CurrentPosition = nil }); err != nil {
		return err
	}
	// Even after a clean unwind the entry failed mid-OPENING; recovery
	// re-verifies both venues are flat before the loop trades again.
	if err := a.store.SetState(state.StateError); err != nil {
		return err
	}
	return fmt.Errorf("open short leg: %w", cause)
}

// abortEntry steps back to WAITING after a pre-order failure. Nothing has
// been placed yet, so there is nothing to repair; the inter-cycle delay
// applies before the next attempt.
func (a *App) abortEntry(cause error) error {
	if err := a.store.SetState(state.StateWaiting); err != nil {
		return err
	}
	return cause
}
