package sqlite

import (
	"context"
	"database/sql"
	"time"

	"funding-hedge-bot/internal/state"

	_ "modernc.org/sqlite"
)

// Journal is the append-only audit log backing the state store: every
// BotState transition and every completed cycle lands here, so what
// happened can be reconstructed without replaying venue queries.
type Journal struct {
	db *sql.DB
}

func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cycles (
		number INTEGER PRIMARY KEY,
		symbol TEXT NOT NULL,
		long_venue TEXT NOT NULL,
		short_venue TEXT NOT NULL,
		opened_at TEXT NOT NULL,
		closed_at TEXT NOT NULL,
		notional_usd REAL NOT NULL,
		realized_pnl REAL NOT NULL,
		close_reason TEXT NOT NULL
	)`)
	return err
}

func (j *Journal) RecordTransition(ctx context.Context, at time.Time, from, to state.BotState) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transitions (at, from_state, to_state) VALUES (?, ?, ?)`,
		at.UTC().Format(time.RFC3339Nano), string(from), string(to))
	return err
}

func (j *Journal) RecordCycle(ctx context.Context, c state.CompletedCycle) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO cycles (number, symbol, long_venue, short_venue, opened_at, closed_at, notional_usd, realized_pnl, close_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(number) DO UPDATE SET
		 closed_at = excluded.closed_at,
		 realized_pnl = excluded.realized_pnl,
		 close_reason = excluded.close_reason`,
		c.Number, c.Symbol, c.LongVenue, c.ShortVenue,
		c.OpenedAt.UTC().Format(time.RFC3339Nano),
		c.ClosedAt.UTC().Format(time.RFC3339Nano),
		c.NotionalUSD, c.RealizedPnL, c.CloseReason)
	return err
}

// RecentTransitions returns up to limit transitions, newest first.
func (j *Journal) RecentTransitions(ctx context.Context, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT at, from_state, to_state FROM transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var raw string
		var tr Transition
		var from, to string
		if err := rows.Scan(&raw, &from, &to); err != nil {
			return nil, err
		}
		tr.At, _ = time.Parse(time.RFC3339Nano, raw)
		tr.From = state.BotState(from)
		tr.To = state.BotState(to)
		out = append(out, tr)
	}
	return out, rows.Err()
}

type Transition struct {
	At   time.Time
	From state.BotState
	To   state.BotState
}

func (j *Journal) Close() error {
	return j.db.Close()
}
