package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TransitionFunc observes every state transition (old -> new). Used for the
// audit journal and metrics; observers must not call back into the store.
type TransitionFunc func(old, new BotState)

// Store persists the bot state file. Saves are atomic (temp file + rename)
// so a load never observes a half-written file. A corrupt or unreadable
// file is treated as absence: the bot must always be able to come up cold.
type Store struct {
	path string
	log  *zap.Logger

	mu        sync.Mutex
	data      File
	observers []TransitionFunc
}

func Open(path string, log *zap.Logger) *Store {
	s := &Store{path: path, log: log, data: newFile()}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("state file unreadable, starting fresh", zap.String("path", path), zap.Error(err))
		}
		return s
	}
	var loaded File
	if err := json.Unmarshal(raw, &loaded); err != nil {
		log.Warn("state file corrupt, starting fresh", zap.String("path", path), zap.Error(err))
		return s
	}
	if loaded.Version == "" {
		loaded.Version = fileVersion
	}
	if loaded.State == "" {
		loaded.State = StateIdle
	}
	s.data = loaded
	log.Info("loaded state file",
		zap.String("path", path),
		zap.String("state", string(loaded.State)),
		zap.Int("cycle", loaded.CurrentCycleNumber),
	)
	return s
}

func (s *Store) OnTransition(fn TransitionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Store) Snapshot() File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneFile(s.data)
}

func (s *Store) State() BotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.State
}

func (s *Store) Position() *Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePosition(s.data.CurrentPosition)
}

// Update applies fn to the state file under the lock and persists the
// result. fn must not block.
func (s *Store) Update(fn func(*File)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.data)
	return s.saveLocked()
}

// SetState transitions the BotState and immediately persists. Every call
// emits an auditable transition record via the registered observers.
func (s *Store) SetState(next BotState) error {
	s.mu.Lock()
	old := s.data.State
	s.data.State = next
	err := s.saveLocked()
	observers := append([]TransitionFunc(nil), s.observers...)
	s.mu.Unlock()
	s.log.Info("state transition", zap.String("from", string(old)), zap.String("to", string(next)))
	for _, fn := range observers {
		fn(old, next)
	}
	return err
}

func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()
	payload, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func cloneFile(f File) File {
	out := f
	out.CurrentPosition = clonePosition(f.CurrentPosition)
	out.CompletedCycles = append([]CompletedCycle(nil), f.CompletedCycles...)
	if f.InitialCapital != nil {
		v := *f.InitialCapital
		out.InitialCapital = &v
	}
	return out
}

func clonePosition(p *Position) *Position {
	if p == nil {
		return nil
	}
	out := *p
	if p.EntryBalances != nil {
		out.EntryBalances = make(map[string]float64, len(p.EntryBalances))
		for k, v := range p.EntryBalances {
			out.EntryBalances[k] = v
		}
	}
	if p.StopLossPercent != nil {
		v := *p.StopLossPercent
		out.StopLossPercent = &v
	}
	return &out
}
