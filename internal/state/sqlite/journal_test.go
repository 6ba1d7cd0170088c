package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"funding-hedge-bot/internal/state"
)

func TestTransitionsNewestFirst(t *testing.T) {
	journal, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer journal.Close()

	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	steps := []struct{ from, to state.BotState }{
		{state.StateIdle, state.StateAnalyzing},
		{state.StateAnalyzing, state.StateOpening},
		{state.StateOpening, state.StateHolding},
	}
	for i, s := range steps {
		if err := journal.RecordTransition(ctx, base.Add(time.Duration(i)*time.Minute), s.from, s.to); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	got, err := journal.RecentTransitions(ctx, 2)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(got))
	}
	if got[0].To != state.StateHolding {
		t.Fatalf("expected newest first, got %s", got[0].To)
	}
	if got[1].To != state.StateOpening {
		t.Fatalf("expected OPENING second, got %s", got[1].To)
	}
	if !got[0].At.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("timestamp mangled: %v", got[0].At)
	}
}

func TestRecordCycleUpserts(t *testing.T) {
	journal, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer journal.Close()

	ctx := context.Background()
	opened := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	cycle := state.CompletedCycle{
		Number:      1,
		Symbol:      "BTC",
		LongVenue:   "hyperliquid",
		ShortVenue:  "pacifica",
		OpenedAt:    opened,
		ClosedAt:    opened.Add(8 * time.Hour),
		NotionalUSD: 500,
		RealizedPnL: 1.2,
		CloseReason: "hold_duration_elapsed",
	}
	if err := journal.RecordCycle(ctx, cycle); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	cycle.RealizedPnL = 2.4
	cycle.CloseReason = "stop_loss"
	if err := journal.RecordCycle(ctx, cycle); err != nil {
		t.Fatalf("re-record failed: %v", err)
	}

	var count int
	if err := journal.db.QueryRow(`SELECT COUNT(*) FROM cycles`).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected upsert to keep one row, got %d", count)
	}
	var pnl float64
	var reason string
	if err := journal.db.QueryRow(`SELECT realized_pnl, close_reason FROM cycles WHERE number = 1`).Scan(&pnl, &reason); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if pnl != 2.4 || reason != "stop_loss" {
		t.Fatalf("expected updated row, got pnl=%v reason=%s", pnl, reason)
	}
}
