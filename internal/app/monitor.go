package app

import (
	"context"
	"time"

	"funding-hedge-bot/internal/strategy"

	"go.uber.org/zap"
)

const (
	reasonHoldElapsed = "hold_duration_elapsed"
	reasonStopLoss    = "stop_loss"
)

// monitor runs one HOLDING check: hold-duration expiry first, then the
// worst-leg stop-loss. Transient venue errors leave the position alone; the
// next tick retries.
func (a *App) monitor(ctx context.Context) (bool, string) {
	pos := a.store.Position()
	if pos == nil {
		a.log.Error("holding state with no persisted position, forcing recovery")
		if err := a.recover(ctx); err != nil {
			a.log.Error("recovery failed", zap.Error(err))
		}
		return false, ""
	}

	if !pos.TargetCloseAt.IsZero() && !time.Now().Before(pos.TargetCloseAt) {
		a.log.Info("hold duration elapsed",
			zap.String("symbol", pos.Symbol),
			zap.Time("opened_at", pos.OpenedAt),
			zap.Time("target_close_at", pos.TargetCloseAt),
		)
		return true, reasonHoldElapsed
	}

	long := a.venueByName(pos.LongVenue)
	short := a.venueByName(pos.ShortVenue)
	longPos, longOK, err := long.Position(ctx, pos.Symbol)
	if err != nil {
		a.log.Warn("long leg query failed, keeping position", zap.String("venue", long.Name()), zap.Error(err))
		return false, ""
	}
	shortPos, shortOK, err := short.Position(ctx, pos.Symbol)
	if err != nil {
		a.log.Warn("short leg query failed, keeping position", zap.String("venue", short.Name()), zap.Error(err))
		return false, ""
	}
	if !longOK || !shortOK {
		// A leg vanished outside our control (liquidation, manual close).
		// Close out whatever remains rather than run one-sided.
		a.log.Error("leg missing while holding",
			zap.String("symbol", pos.Symbol),
			zap.Bool("long_present", longOK),
			zap.Bool("short_present", shortOK),
		)
		return true, reasonStopLoss
	}

	stopPercent := strategy.DynamicStopLossPercent(pos.Leverage)
	if pos.StopLossPercent != nil {
		stopPercent = *pos.StopLossPercent
	}
	worst := strategy.WorstLegPnL(longPos.UnrealizedPnL, shortPos.UnrealizedPnL)
	a.log.Debug("position health",
		zap.String("symbol", pos.Symbol),
		zap.Float64("long_pnl", longPos.UnrealizedPnL),
		zap.Float64("short_pnl", shortPos.UnrealizedPnL),
		zap.Float64("worst_leg_pnl", worst),
		zap.Float64("stop_percent", stopPercent),
		zap.Duration("remaining", time.Until(pos.TargetCloseAt)),
	)
	if strategy.StopLossBreached(worst, pos.NotionalUSD, stopPercent) {
		a.metrics.StopLossTriggered.Inc()
		a.alerts.StopLossTriggered(ctx, pos.Symbol, worst, stopPercent)
		a.log.Warn("stop-loss breached",
			zap.String("symbol", pos.Symbol),
			zap.Float64("worst_leg_pnl", worst),
			zap.Float64("notional_usd", pos.NotionalUSD),
			zap.Float64("stop_percent", stopPercent),
		)
		return true, reasonStopLoss
	}
	return false, ""
}
