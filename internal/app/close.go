package app

import (
	"context"
	"fmt"
	"math"
	"time"

	"funding-hedge-bot/internal/state"
	"funding-hedge-bot/internal/timescale"
	"funding-hedge-bot/internal/venue"

	"go.uber.org/zap"
)

var closeRetryDelay = 2 * time.Second

// closePosition flattens both legs, settles realized PnL from balance
// deltas, and moves the loop to WAITING. Any leg that cannot be fully
// flattened leaves the loop in ERROR: a partial close is a live directional
// position, not a recoverable hiccup.
func (a *App) closePosition(ctx context.Context, reason string) error {
	pos := a.store.Position()
	if pos == nil {
		return a.store.SetState(state.StateIdle)
	}
	a.log.Info("closing position", zap.String("symbol", pos.Symbol), zap.String("reason", reason))
	if err := a.store.SetState(state.StateClosing); err != nil {
		return err
	}

	long := a.venueByName(pos.LongVenue)
	short := a.venueByName(pos.ShortVenue)
	longErr := a.closeLeg(ctx, long, pos.Symbol)
	shortErr := a.closeLeg(ctx, short, pos.Symbol)
	if longErr != nil || shortErr != nil {
		a.metrics.ManualInterventions.Inc()
		msg := fmt.Sprintf("failed to fully close %s (long on %s: %v, short on %s: %v)",
			pos.Symbol, long.Name(), longErr, short.Name(), shortErr)
		a.alerts.ManualInterventionRequired(ctx, msg)
		if err := a.recordFailure(msg); err != nil {
			return err
		}
		if err := a.store.SetState(state.StateError); err != nil {
			return err
		}
		return fmt.Errorf("close position: long=%v short=%v", longErr, shortErr)
	}

	realized := a.realizedPnL(ctx, pos)
	now := time.Now().UTC()
	snap := a.store.Snapshot()
	cycle := state.CompletedCycle{
		Number:      snap.CurrentCycleNumber,
		Symbol:      pos.Symbol,
		LongVenue:   pos.LongVenue,
		ShortVenue:  pos.ShortVenue,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    now,
		NotionalUSD: pos.NotionalUSD,
		RealizedPnL: realized,
		CloseReason: reason,
	}
	if err := a.store.Update(func(f *state.File) {
		f.CurrentPosition = nil
		f.CompletedCycles = append(f.CompletedCycles, cycle)
		f.CumulativeStats.TotalCycles++
		f.CumulativeStats.SuccessfulCycles++
		f.CumulativeStats.TotalRealizedPnL += realized
	}); err != nil {
		return err
	}
	if err := a.journal.RecordCycle(ctx, cycle); err != nil {
		a.log.Warn("journal cycle record failed", zap.Error(err))
	}
	a.recorder.EnqueueCycle(timescale.CycleResult{
		CycleNumber: cycle.Number,
		Symbol:      cycle.Symbol,
		LongVenue:   cycle.LongVenue,
		ShortVenue:  cycle.ShortVenue,
		OpenedAt:    cycle.OpenedAt,
		ClosedAt:    cycle.ClosedAt,
		NotionalUSD: cycle.NotionalUSD,
		Leverage:    pos.Leverage,
		RealizedPnL: realized,
		CloseReason: reason,
	})
	a.metrics.CyclesClosed.Inc()
	a.alerts.PositionClosed(ctx, pos.Symbol, reason, realized)
	a.log.Info("cycle complete",
		zap.Int("cycle", cycle.Number),
		zap.String("symbol", cycle.Symbol),
		zap.Float64("realized_pnl", realized),
		zap.String("reason", reason),
	)
	return a.store.SetState(state.StateWaiting)
}

// closeLeg flattens whatever quantity remains on one venue, re-reading the
// live position before every attempt so a partially filled close order is
// never doubled.
func (a *App) closeLeg(ctx context.Context, v venue.Venue, symbol string) error {
	attempts := a.cfg.Risk.CloseRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pos, ok, err := v.Position(ctx, symbol)
		if err != nil {
			lastErr = err
			a.log.Warn("close attempt could not read position",
				zap.String("venue", v.Name()), zap.Int("attempt", attempt), zap.Error(err))
		} else if !ok || pos.Quantity == 0 {
			return nil
		} else {
			side := venue.Opposite(pos.Quantity)
			if _, err := v.PlaceMarketOrder(ctx, symbol, side, math.Abs(pos.Quantity), true); err != nil {
				lastErr = err
				a.metrics.OrdersFailed.Inc()
				a.log.Warn("close order failed",
					zap.String("venue", v.Name()),
					zap.String("symbol", symbol),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
			} else {
				a.metrics.OrdersPlaced.Inc()
			}
		}
		if attempt < attempts {
			if err := a.sleep(ctx, closeRetryDelay); err != nil {
				return err
			}
		}
	}
	// Final read decides: it is the fills that matter, not the order acks.
	pos, ok, err := v.Position(ctx, symbol)
	if err != nil {
		return fmt.Errorf("verify close on %s: %w", v.Name(), err)
	}
	if ok && pos.Quantity != 0 {
		if lastErr != nil {
			return fmt.Errorf("%f remaining on %s after %d attempts: %w", pos.Quantity, v.Name(), attempts, lastErr)
		}
		return fmt.Errorf("%f remaining on %s after %d attempts", pos.Quantity, v.Name(), attempts)
	}
	return nil
}

// realizedPnL settles the cycle from balance deltas against the balances
// recorded at entry. Funding accrual, fees, and slippage all land in the
// balances, so the delta is the honest number.
func (a *App) realizedPnL(ctx context.Context, pos *state.Position) float64 {
	if len(pos.EntryBalances) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range []venue.Venue{a.hyper, a.pacific} {
		entry, ok := pos.EntryBalances[v.Name()]
		if !ok {
			continue
		}
		balance, err := v.Balance(ctx)
		if err != nil {
			a.log.Warn("balance unavailable for pnl settlement",
				zap.String("venue", v.Name()), zap.Error(err))
			continue
		}
		total += balance.Total - entry
	}
	return total
}

func (a *App) recordFailure(msg string) error {
	now := time.Now().UTC()
	return a.store.Update(func(f *state.File) {
		f.CumulativeStats.TotalCycles++
		f.CumulativeStats.FailedCycles++
		f.CumulativeStats.LastError = msg
		f.CumulativeStats.LastErrorAt = &now
	})
}
