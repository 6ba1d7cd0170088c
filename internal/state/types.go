package state

import "time"

// BotState is the persisted lifecycle state of the control loop.
type BotState string

const (
	StateIdle      BotState = "IDLE"
	StateAnalyzing BotState = "ANALYZING"
	StateOpening   BotState = "OPENING"
	StateHolding   BotState = "HOLDING"
	StateClosing   BotState = "CLOSING"
	StateWaiting   BotState = "WAITING"
	StateError     BotState = "ERROR"
	StateShutdown  BotState = "SHUTDOWN"
)

// InFlight reports whether the state represents a cross-venue operation
// whose outcome is unknown without venue inspection. Restarting out of one
// of these states requires manual intervention.
func (s BotState) InFlight() bool {
	return s == StateOpening || s == StateClosing
}

// Position is the single active two-leg holding. At most one exists
// system-wide; its legs are expected to be numerically opposite and equal
// within the configured delta tolerance.
type Position struct {
	Symbol        string    `json:"symbol"`
	OpenedAt      time.Time `json:"opened_at"`
	TargetCloseAt time.Time `json:"target_close_at"`
	LongVenue     string    `json:"long_venue"`
	ShortVenue    string    `json:"short_venue"`
	NotionalUSD   float64   `json:"notional"`
	Leverage      int       `json:"leverage"`

	// Entry balances per venue, for realized-PnL deltas at close.
	EntryBalances map[string]float64 `json:"entry_balances,omitempty"`

	// Optional explicit override; when nil the dynamic leverage-indexed
	// stop-loss applies.
	StopLossPercent *float64 `json:"stop_loss_percent,omitempty"`
}

type CumulativeStats struct {
	TotalCycles      int        `json:"total_cycles"`
	SuccessfulCycles int        `json:"successful_cycles"`
	FailedCycles     int        `json:"failed_cycles"`
	TotalRealizedPnL float64    `json:"total_realized_pnl"`
	LastError        string     `json:"last_error,omitempty"`
	LastErrorAt      *time.Time `json:"last_error_at,omitempty"`
}

type CompletedCycle struct {
	Number      int       `json:"number"`
	Symbol      string    `json:"symbol"`
	LongVenue   string    `json:"long_venue"`
	ShortVenue  string    `json:"short_venue"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at"`
	NotionalUSD float64   `json:"notional"`
	RealizedPnL float64   `json:"realized_pnl"`
	CloseReason string    `json:"close_reason"`
}

const fileVersion = "1.0"

// File is the on-disk schema of the state file.
type File struct {
	Version            string           `json:"version"`
	State              BotState         `json:"state"`
	CurrentCycleNumber int              `json:"current_cycle_number"`
	CurrentPosition    *Position        `json:"current_position"`
	CompletedCycles    []CompletedCycle `json:"completed_cycles"`
	CumulativeStats    CumulativeStats  `json:"cumulative_stats"`
	InitialCapital     *float64         `json:"initial_capital"`
	LastUpdated        time.Time        `json:"last_updated"`
}

func newFile() File {
	return File{
		Version:     fileVersion,
		State:       StateIdle,
		LastUpdated: time.Now().UTC(),
	}
}
