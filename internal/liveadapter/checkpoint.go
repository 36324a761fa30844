package liveadapter

import (
	"log/slog"

	"btcore/internal/persist"
	"btcore/pkg/types"
)

// CheckpointWriter is the live deployment's storage medium for the core's
// Checkpoint/Position snapshot record (spec.md §6.4: "the core only
// defines the record shape" — storage is the live adapter's concern).
type CheckpointWriter struct {
	store  *persist.Store
	logger *slog.Logger
}

// NewCheckpointWriter opens a checkpoint store rooted at dir.
func NewCheckpointWriter(dir string, logger *slog.Logger) (*CheckpointWriter, error) {
	store, err := persist.Open(dir)
	if err != nil {
		return nil, err
	}
	return &CheckpointWriter{store: store, logger: logger.With("component", "liveadapter")}, nil
}

// SaveCycle persists one supervisory cycle's state: open positions, closed
// trades so far, the equity curve, and the risk manager's running capital
// figures, keyed by runID so a crashed live process can resume from its
// last saved bar instead of replaying history.
func (w *CheckpointWriter) SaveCycle(runID string, barIndex int, positions map[types.Symbol]types.Position, trades []types.Trade, equity []types.EquityPoint, currentCapital, peakCapital float64, consecutiveLoss int) error {
	cp := persist.Checkpoint{
		RunID:           runID,
		LastBarIndex:    barIndex,
		Positions:       positions,
		ClosedTrades:    trades,
		EquityCurve:     equity,
		CurrentCapital:  currentCapital,
		PeakCapital:     peakCapital,
		ConsecutiveLoss: consecutiveLoss,
	}
	if err := w.store.Save(cp); err != nil {
		return err
	}
	w.logger.Info("checkpoint saved", "run_id", runID, "bar", barIndex)
	return nil
}

// Resume loads the last saved checkpoint for a run, or nil if the run has
// never been checkpointed.
func (w *CheckpointWriter) Resume(runID string) (*persist.Checkpoint, error) {
	return w.store.Load(runID)
}

// Close releases the underlying store.
func (w *CheckpointWriter) Close() error {
	return w.store.Close()
}
