// Package persist provides crash-safe checkpoint persistence using JSON
// files. Its caller is internal/liveadapter's CheckpointWriter; the engine
// and optimizer do not write or read checkpoints.
//
// Each run's checkpoint is stored as a separate file: checkpoint_<runID>.json.
// Writes use atomic file replacement (write to .tmp, then rename) to
// prevent corruption from partial writes or a crash mid-save.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"btcore/pkg/types"
)

// Checkpoint is a snapshot of one run's progress (positions, closed
// trades, equity curve, capital tracking), per spec.md §6.4. It has no
// configuration hash and no pending orders.
type Checkpoint struct {
	RunID           string                     `json:"run_id"`
	LastBarIndex    int                        `json:"last_bar_index"`
	Positions       map[types.Symbol]types.Position `json:"positions"`
	ClosedTrades    []types.Trade              `json:"closed_trades"`
	EquityCurve     []types.EquityPoint        `json:"equity_curve"`
	CurrentCapital  float64                    `json:"current_capital"`
	PeakCapital     float64                    `json:"peak_capital"`
	ConsecutiveLoss int                        `json:"consecutive_losses"`
}

// Store persists checkpoints to JSON files in a designated directory.
// All operations are mutex-protected, so one Store may be shared by
// concurrent callers writing distinct runs' files; the lock guards
// directory-level operations rather than any one file.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory, creating it if
// necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// Save atomically persists a checkpoint. It writes to a .tmp file first,
// then renames over the target so the file is never left in a partial
// state if the process dies mid-write.
func (s *Store) Save(cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := s.pathFor(cp.RunID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load restores a checkpoint by run id. Returns nil, nil if no
// checkpoint exists for that run (a fresh run).
func (s *Store) Load(runID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.pathFor(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *Store) pathFor(runID string) string {
	return filepath.Join(s.dir, "checkpoint_"+runID+".json")
}
