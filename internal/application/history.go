package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jobrunner/cribrum/internal/domain"
	"github.com/jobrunner/cribrum/internal/ports/output"
)

// StateRestorer applies a recorded pre-operation snapshot back to a layer
// and captures the current state of a layer so a failed multi-layer restore
// can be rolled back.
type StateRestorer interface {
	RestoreLayerState(ctx context.Context, snap domain.LayerSnapshot) error
	SnapshotLayerState(layerID string) (domain.LayerSnapshot, error)
}

// RequestReapplier re-runs a recorded filter request without recording a new
// history entry. Used by redo.
type RequestReapplier interface {
	Reapply(ctx context.Context, req domain.FilterRequest) error
}

// HistoryManager keeps one bounded undo/redo stack per filtering session.
// It is single-writer: only the task completion path calls Push.
type HistoryManager struct {
	mu       sync.Mutex
	sessions map[string]*sessionHistory

	maxDepth int
	restorer StateRestorer
	reapply  RequestReapplier
	metrics  output.MetricsCollector
	logger   *slog.Logger
}

// sessionHistory is one session's linear entry stack. cursor counts applied
// entries, so the undo pointer is entries[cursor-1] and the redo pointer is
// entries[cursor].
type sessionHistory struct {
	mu      sync.Mutex
	entries []*domain.HistoryEntry
	cursor  int
	aborted bool
}

// NewHistoryManager creates a history manager.
func NewHistoryManager(
	maxDepth int,
	restorer StateRestorer,
	reapply RequestReapplier,
	metrics output.MetricsCollector,
	logger *slog.Logger,
) *HistoryManager {
	if maxDepth <= 0 {
		maxDepth = 100
	}
	return &HistoryManager{
		sessions: make(map[string]*sessionHistory),
		maxDepth: maxDepth,
		restorer: restorer,
		reapply:  reapply,
		metrics:  metrics,
		logger:   logger,
	}
}

// session returns the session stack, creating it on first use.
func (m *HistoryManager) session(sessionID string) *sessionHistory {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		s = &sessionHistory{}
		m.sessions[sessionID] = s
	}
	return s
}

// lookup returns the session stack without creating it.
func (m *HistoryManager) lookup(sessionID string) (*sessionHistory, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Push records a completed operation. Entries beyond the current pointer are
// discarded (branch truncation), and the oldest entry is evicted once the
// stack is at capacity. Pushing into an aborted session starts it fresh.
func (m *HistoryManager) Push(entry *domain.HistoryEntry) {
	s := m.session(entry.SessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aborted {
		s.entries = nil
		s.cursor = 0
		s.aborted = false
		m.logger.Info("history session reset after abort", "session", entry.SessionID)
	}

	s.entries = append(s.entries[:s.cursor], entry)
	if len(s.entries) > m.maxDepth {
		s.entries = s.entries[1:]
	}
	s.cursor = len(s.entries)

	m.metrics.SetHistoryDepth(entry.SessionID, len(s.entries))
	m.logger.Debug("history entry pushed",
		"session", entry.SessionID, "operation", entry.OperationID, "scope", entry.Scope, "depth", len(s.entries))
}

// Undo restores the pre-state of the session's most recent applied entry for
// every layer it touched. Multi-layer restore is all-or-nothing: when a layer
// fails part-way through, the layers already restored are rolled back to
// their pre-undo state and the history stays intact. The session is aborted
// only if that rollback itself fails, since the layers are then genuinely
// inconsistent.
func (m *HistoryManager) Undo(ctx context.Context, sessionID string) (domain.RestoreReport, error) {
	s, ok := m.lookup(sessionID)
	if !ok {
		return domain.RestoreReport{}, domain.ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aborted {
		return domain.RestoreReport{}, domain.ErrSessionAborted
	}
	if s.cursor == 0 {
		return domain.RestoreReport{}, domain.ErrHistoryExhausted
	}

	entry := s.entries[s.cursor-1]
	restored, rolledBack, err := m.restoreAll(ctx, entry)
	if err != nil {
		m.metrics.IncHistoryOp("undo", false)
		if rolledBack {
			m.logger.Warn("undo failed, prior state reinstated",
				"session", sessionID, "operation", entry.OperationID, "error", err)
			return domain.RestoreReport{}, err
		}
		s.aborted = true
		s.entries = nil
		s.cursor = 0
		m.metrics.SetHistoryDepth(sessionID, 0)
		m.logger.Error("history session aborted on partial restore",
			"session", sessionID, "operation", entry.OperationID, "error", err)
		return domain.RestoreReport{}, err
	}

	s.cursor--
	m.metrics.IncHistoryOp("undo", true)
	m.logger.Info("operation undone", "session", sessionID, "operation", entry.OperationID, "scope", entry.Scope)

	return domain.RestoreReport{
		OperationID:    entry.OperationID,
		SessionID:      sessionID,
		Scope:          entry.Scope,
		RestoredLayers: restored,
		Timestamp:      time.Now(),
	}, nil
}

// Redo re-applies the most recently undone entry's request. A redo failure
// leaves the pointer where it was; the recorded history is still valid.
func (m *HistoryManager) Redo(ctx context.Context, sessionID string) (domain.RestoreReport, error) {
	s, ok := m.lookup(sessionID)
	if !ok {
		return domain.RestoreReport{}, domain.ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aborted {
		return domain.RestoreReport{}, domain.ErrSessionAborted
	}
	if s.cursor >= len(s.entries) {
		return domain.RestoreReport{}, domain.ErrHistoryExhausted
	}

	entry := s.entries[s.cursor]
	if err := m.reapply.Reapply(ctx, entry.Request); err != nil {
		m.metrics.IncHistoryOp("redo", false)
		return domain.RestoreReport{}, err
	}

	s.cursor++
	m.metrics.IncHistoryOp("redo", true)
	m.logger.Info("operation redone", "session", sessionID, "operation", entry.OperationID)

	return domain.RestoreReport{
		OperationID:    entry.OperationID,
		SessionID:      sessionID,
		Scope:          entry.Scope,
		RestoredLayers: entry.AffectedLayers(),
		Reapplied:      true,
		Timestamp:      time.Now(),
	}, nil
}

// Depth returns (applied, total) entry counts for a session.
func (m *HistoryManager) Depth(sessionID string) (int, int) {
	s, ok := m.lookup(sessionID)
	if !ok {
		return 0, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, len(s.entries)
}

// ResetSession drops a session's history, clearing an aborted state.
func (m *HistoryManager) ResetSession(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	m.metrics.SetHistoryDepth(sessionID, 0)
}

// restoreAll applies every snapshot of an entry in deterministic layer
// order. Before touching anything it captures the current state of each
// layer; when a restore fails part-way through, the already-restored layers
// are rolled back in reverse order. rolledBack reports whether that
// compensation succeeded, so the caller knows whether the layers are back in
// a consistent state.
func (m *HistoryManager) restoreAll(ctx context.Context, entry *domain.HistoryEntry) (restored []string, rolledBack bool, err error) {
	layers := entry.AffectedLayers()
	sort.Strings(layers)

	current := make(map[string]domain.LayerSnapshot, len(layers))
	for _, layerID := range layers {
		snap, err := m.restorer.SnapshotLayerState(layerID)
		if err != nil {
			return nil, true, fmt.Errorf("capturing state of layer %s: %w", layerID, err)
		}
		current[layerID] = snap
	}

	restored = make([]string, 0, len(layers))
	for _, layerID := range layers {
		snap := entry.Snapshots[layerID]
		if err := m.restorer.RestoreLayerState(ctx, snap); err != nil {
			if rbErr := m.rollback(ctx, current, restored); rbErr != nil {
				return nil, false, &domain.RestoreError{
					OperationID: entry.OperationID,
					Restored:    restored,
					Failed:      layerID,
					Err:         errors.Join(err, rbErr),
				}
			}
			return nil, true, fmt.Errorf("restoring layer %s, prior state reinstated: %w", layerID, err)
		}
		restored = append(restored, layerID)
	}
	return restored, false, nil
}

// rollback reinstates the captured pre-undo state of the given layers in
// reverse restore order.
func (m *HistoryManager) rollback(ctx context.Context, current map[string]domain.LayerSnapshot, restored []string) error {
	for i := len(restored) - 1; i >= 0; i-- {
		layerID := restored[i]
		if err := m.restorer.RestoreLayerState(ctx, current[layerID]); err != nil {
			return fmt.Errorf("rolling back layer %s: %w", layerID, err)
		}
	}
	return nil
}
