package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"funding-hedge-bot/internal/alerts"
	"funding-hedge-bot/internal/config"
	"funding-hedge-bot/internal/metrics"
	"funding-hedge-bot/internal/reconcile"
	"funding-hedge-bot/internal/state"
	"funding-hedge-bot/internal/state/sqlite"
	"funding-hedge-bot/internal/timescale"
	"funding-hedge-bot/internal/venue"
	"funding-hedge-bot/internal/venue/hyperliquid"
	"funding-hedge-bot/internal/venue/pacifica"

	"go.uber.org/zap"
)

// App owns the single control loop. All venue interaction happens from this
// loop sequentially; no two venue calls are ever in flight at once, so no
// order placement can race another.
type App struct {
	cfg        *config.Config
	cfgPath    string
	log        *zap.Logger
	store      *state.Store
	journal    *sqlite.Journal
	hyper      venue.Venue
	pacific    venue.Venue
	reconciler *reconcile.Reconciler
	alerts     *alerts.Telegram
	metrics    *metrics.Metrics
	prom       *metrics.Prometheus
	recorder   *timescale.Writer
	midsFeed   *hyperliquid.MidsFeed

	symbols []string
}

func New(cfg *config.Config, cfgPath, statePath string, log *zap.Logger) (*App, error) {
	walletAddress := strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS"))
	if walletAddress == "" {
		return nil, errors.New("HL_WALLET_ADDRESS is required")
	}
	privateKey := strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY"))
	if privateKey == "" {
		return nil, errors.New("HL_PRIVATE_KEY is required")
	}
	accountAddress := strings.TrimSpace(os.Getenv("HL_ACCOUNT_ADDRESS"))
	if accountAddress == "" {
		accountAddress = walletAddress
	}
	isMainnet := !strings.Contains(strings.ToLower(cfg.Venues.Hyperliquid.BaseURL), "testnet")
	signer, err := hyperliquid.NewSigner(privateKey, isMainnet)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(walletAddress, signer.Address().Hex()) {
		return nil, fmt.Errorf("wallet address does not match private key: got %s expected %s", walletAddress, signer.Address().Hex())
	}
	hyperClient := hyperliquid.New(cfg.Venues.Hyperliquid, signer, accountAddress, log)

	agentKey := strings.TrimSpace(os.Getenv("PACIFICA_AGENT_PRIVATE_KEY"))
	if agentKey == "" {
		return nil, errors.New("PACIFICA_AGENT_PRIVATE_KEY is required")
	}
	keypair, err := pacifica.NewKeypair(agentKey)
	if err != nil {
		return nil, err
	}
	pacificaAccount := strings.TrimSpace(os.Getenv("PACIFICA_SOL_WALLET"))
	pacificaClient := pacifica.New(cfg.Venues.Pacifica, keypair, pacificaAccount, log)

	store := state.Open(statePath, log)

	if err := os.MkdirAll(filepath.Dir(cfg.State.JournalPath), 0o755); err != nil {
		return nil, err
	}
	journal, err := sqlite.Open(cfg.State.JournalPath)
	if err != nil {
		return nil, err
	}
	store.OnTransition(func(old, new state.BotState) {
		if err := journal.RecordTransition(context.Background(), time.Now(), old, new); err != nil {
			log.Warn("journal transition record failed", zap.Error(err))
		}
	})

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	recorder, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		return nil, fmt.Errorf("timescale init: %w", err)
	}

	app := &App{
		cfg:      cfg,
		cfgPath:  cfgPath,
		log:      log,
		store:    store,
		journal:  journal,
		hyper:    hyperClient,
		pacific:  pacificaClient,
		alerts:   alerts.NewTelegram(cfg.Telegram, log),
		metrics:  m,
		prom:     prom,
		recorder: recorder,
		midsFeed: hyperliquid.NewMidsFeed(cfg.Venues.Hyperliquid.WSURL, hyperClient, log),
	}
	app.reconciler = reconcile.New(hyperClient, pacificaClient, store, log, cfg.Risk.DeltaTolerance, cfg.HoldDuration())
	return app, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.journal.Close()
	defer a.recorder.Close()
	defer a.setShutdown()

	if a.prom != nil {
		go a.serveMetrics(ctx)
	}
	a.recorder.Start(ctx)
	go func() {
		if err := a.midsFeed.Run(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("mids feed stopped", zap.Error(err))
		}
	}()

	if err := a.resolveSymbols(ctx); err != nil {
		return err
	}
	if err := a.recordInitialCapital(ctx); err != nil {
		a.log.Warn("initial capital check failed", zap.Error(err))
	}

	if err := a.recover(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch a.store.State() {
		case state.StateIdle:
			a.reloadConfig(ctx)
			opened, err := a.runCycleEntry(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.log.Error("cycle entry failed", zap.Error(err))
			}
			// WAITING and ERROR carry their own delays; only an entry that
			// left the loop in IDLE waits a plain check interval here.
			if !opened && a.store.State() == state.StateIdle {
				if err := a.sleep(ctx, a.cfg.CheckInterval()); err != nil {
					return err
				}
			}
		case state.StateHolding:
			closeNow, reason := a.monitor(ctx)
			if closeNow {
				if err := a.closePosition(ctx, reason); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					a.log.Error("close failed", zap.Error(err))
				}
				continue
			}
			if err := a.sleep(ctx, a.cfg.CheckInterval()); err != nil {
				return err
			}
		case state.StateWaiting:
			a.log.Info("waiting before next cycle", zap.Duration("wait", a.cfg.WaitBetweenCycles()))
			if err := a.sleep(ctx, a.cfg.WaitBetweenCycles()); err != nil {
				return err
			}
			if err := a.store.SetState(state.StateIdle); err != nil {
				return err
			}
		case state.StateError:
			a.log.Warn("in error state, backing off before retrying recovery",
				zap.Duration("backoff", a.cfg.Risk.ErrorBackoff.Std()))
			if err := a.sleep(ctx, a.cfg.Risk.ErrorBackoff.Std()); err != nil {
				return err
			}
			if err := a.recover(ctx); err != nil {
				return err
			}
		case state.StateShutdown:
			return nil
		default:
			// OPENING/CLOSING mid-loop mean a bug rather than a crash artifact;
			// the reconciler is the authority on what to do.
			if err := a.recover(ctx); err != nil {
				return err
			}
		}
	}
}

func (a *App) recover(ctx context.Context) error {
	result, err := a.reconciler.Run(ctx, a.symbols)
	if err != nil {
		return err
	}
	switch result.Outcome {
	case reconcile.OutcomeManual:
		a.metrics.ManualInterventions.Inc()
		a.metrics.ReconcileErrors.Inc()
		a.alerts.ManualInterventionRequired(ctx, result.Reason)
	case reconcile.OutcomeDeferred:
		a.metrics.ReconcileErrors.Inc()
		a.log.Warn("recovery deferred", zap.String("reason", result.Reason))
	case reconcile.OutcomeRepaired:
		a.metrics.OrphansRepaired.Inc()
		a.alerts.OrphanRepaired(ctx, result.RepairedSymbol, result.RepairedVenue, result.RepairedQty)
	case reconcile.OutcomeResumed:
		a.log.Info("resumed holding after recovery", zap.String("symbol", result.Position.Symbol))
	}
	return nil
}

// resolveSymbols narrows the configured watchlist to symbols listed on both
// venues. A symbol on only one venue can never form a hedge.
func (a *App) resolveSymbols(ctx context.Context) error {
	hyperSymbols, err := a.hyper.Symbols(ctx)
	if err != nil {
		return fmt.Errorf("list %s symbols: %w", a.hyper.Name(), err)
	}
	pacificaSymbols, err := a.pacific.Symbols(ctx)
	if err != nil {
		return fmt.Errorf("list %s symbols: %w", a.pacific.Name(), err)
	}
	onHyper := make(map[string]bool, len(hyperSymbols))
	for _, s := range hyperSymbols {
		onHyper[s] = true
	}
	onBoth := make(map[string]bool, len(pacificaSymbols))
	for _, s := range pacificaSymbols {
		if onHyper[s] {
			onBoth[s] = true
		}
	}
	var kept, dropped []string
	for _, s := range a.cfg.SymbolsToMonitor {
		if onBoth[s] {
			kept = append(kept, s)
		} else {
			dropped = append(dropped, s)
		}
	}
	sort.Strings(kept)
	if len(dropped) > 0 {
		a.log.Warn("dropping symbols not tradable on both venues", zap.Strings("symbols", dropped))
	}
	if len(kept) == 0 {
		return errors.New("no configured symbol is tradable on both venues")
	}
	a.symbols = kept
	a.log.Info("monitoring symbols", zap.Strings("symbols", kept))
	return nil
}

// recordInitialCapital stores the combined balance the first time the bot
// ever runs, so lifetime PnL has a fixed baseline.
func (a *App) recordInitialCapital(ctx context.Context) error {
	if snap := a.store.Snapshot(); snap.InitialCapital != nil {
		return nil
	}
	hyperBalance, err := a.hyper.Balance(ctx)
	if err != nil {
		return err
	}
	pacificaBalance, err := a.pacific.Balance(ctx)
	if err != nil {
		return err
	}
	total := hyperBalance.Total + pacificaBalance.Total
	a.log.Info("recording initial capital", zap.Float64("total_usd", total))
	return a.store.Update(func(f *state.File) {
		f.InitialCapital = &total
	})
}

// reloadConfig re-reads the config file between cycles. Only safe in IDLE:
// changing sizing or symbols mid-position would desynchronize the loop from
// the persisted Position.
func (a *App) reloadConfig(ctx context.Context) {
	if a.cfgPath == "" {
		return
	}
	fresh, err := config.Load(a.cfgPath)
	if err != nil {
		a.log.Warn("config reload failed, keeping previous", zap.Error(err))
		return
	}
	watchlistChanged := !equalStrings(a.cfg.SymbolsToMonitor, fresh.SymbolsToMonitor)
	*a.cfg = *fresh
	if watchlistChanged {
		previous := a.symbols
		if err := a.resolveSymbols(ctx); err != nil {
			a.log.Warn("watchlist change rejected, keeping previous symbols", zap.Error(err))
			a.symbols = previous
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (a *App) venueByName(name string) venue.Venue {
	if name == a.pacific.Name() {
		return a.pacific
	}
	return a.hyper
}

func (a *App) setShutdown() {
	if a.store.State() == state.StateShutdown {
		return
	}
	if err := a.store.SetState(state.StateShutdown); err != nil {
		a.log.Warn("failed to persist shutdown state", zap.Error(err))
	}
}

// sleep blocks for d but wakes every second to notice cancellation, so
// shutdown during a long wait is prompt.
func (a *App) sleep(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		step := time.Second
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step):
		}
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics listening", zap.String("addr", a.cfg.Metrics.Listen))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Warn("metrics server stopped", zap.Error(err))
	}
}
