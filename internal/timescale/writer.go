package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"funding-hedge-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const (
	writeTimeout = 3 * time.Second
	queueSize    = 256
)

// FundingObservation is one scan result for one symbol: both venues' rates
// and the spread the selector saw.
type FundingObservation struct {
	Time       time.Time
	Symbol     string
	LongVenue  string
	ShortVenue string
	LongAPR    float64
	ShortAPR   float64
	NetAPR     float64
}

// CycleResult is the terminal record of one completed hedge cycle.
type CycleResult struct {
	CycleNumber int
	Symbol      string
	LongVenue   string
	ShortVenue  string
	OpenedAt    time.Time
	ClosedAt    time.Time
	NotionalUSD float64
	Leverage    int
	RealizedPnL float64
	CloseReason string
}

// Writer records funding observations and cycle results into TimescaleDB
// asynchronously. A nil *Writer is valid and does nothing, so the recorder
// can be disabled by config without call-site checks.
type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	obs     chan FundingObservation
	cycles  chan CycleResult
	started atomic.Bool
	dropObs atomic.Uint64
	dropCyc atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := &Writer{
		db:     db,
		log:    log,
		schema: schema,
		obs:    make(chan FundingObservation, queueSize),
		cycles: make(chan CycleResult, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueObservation(obs FundingObservation) {
	if w == nil {
		return
	}
	select {
	case w.obs <- obs:
		return
	default:
		if w.dropObs.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale observation queue full")
		}
	}
}

func (w *Writer) EnqueueCycle(result CycleResult) {
	if w == nil {
		return
	}
	select {
	case w.cycles <- result:
		return
	default:
		if w.dropCyc.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale cycle queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-w.obs:
			w.writeObservation(ctx, obs)
		case result := <-w.cycles:
			w.writeCycle(ctx, result)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		long_venue TEXT NOT NULL,
		short_venue TEXT NOT NULL,
		long_apr DOUBLE PRECISION NOT NULL,
		short_apr DOUBLE PRECISION NOT NULL,
		net_apr DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, symbol)
	)`, w.table("funding_observations"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		cycle_number INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		long_venue TEXT NOT NULL,
		short_venue TEXT NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ NOT NULL,
		notional_usd DOUBLE PRECISION NOT NULL,
		leverage INTEGER NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		close_reason TEXT NOT NULL,
		PRIMARY KEY (cycle_number, closed_at)
	)`, w.table("hedge_cycles"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("funding_observations"))); err != nil && w.log != nil {
		w.log.Warn("timescale funding_observations hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeObservation(ctx context.Context, obs FundingObservation) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, long_venue, short_venue, long_apr, short_apr, net_apr
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (ts, symbol) DO NOTHING`, w.table("funding_observations"))
	if _, err := w.db.ExecContext(ctx, query,
		obs.Time,
		obs.Symbol,
		obs.LongVenue,
		obs.ShortVenue,
		obs.LongAPR,
		obs.ShortAPR,
		obs.NetAPR,
	); err != nil && w.log != nil {
		w.log.Warn("timescale observation insert failed", zap.Error(err))
	}
}

func (w *Writer) writeCycle(ctx context.Context, result CycleResult) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		cycle_number, symbol, long_venue, short_venue, opened_at, closed_at,
		notional_usd, leverage, realized_pnl, close_reason
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, w.table("hedge_cycles"))
	if _, err := w.db.ExecContext(ctx, query,
		result.CycleNumber,
		result.Symbol,
		result.LongVenue,
		result.ShortVenue,
		result.OpenedAt,
		result.ClosedAt,
		result.NotionalUSD,
		result.Leverage,
		result.RealizedPnL,
		result.CloseReason,
	); err != nil && w.log != nil {
		w.log.Warn("timescale cycle insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
