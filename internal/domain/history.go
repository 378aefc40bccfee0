package domain

import "time"

// HistoryScope records whether an operation affected a single layer or
// coordinated state across layers. Computed once at push time.
type HistoryScope string

const (
	ScopeSourceOnly HistoryScope = "source-only"
	ScopeMultiLayer HistoryScope = "multi-layer"
)

// LayerSnapshot captures a layer's filter state before an operation, with
// enough information to restore it. A snapshot with nil FeatureIDs and an
// empty Expression means the layer was unfiltered.
type LayerSnapshot struct {
	LayerID    string
	FeatureIDs []int64
	Expression string
}

// IsUnfiltered returns true if the snapshot records the unfiltered state.
func (s LayerSnapshot) IsUnfiltered() bool {
	return s.FeatureIDs == nil && s.Expression == ""
}

// HistoryEntry is one undoable operation on the session's linear stack.
type HistoryEntry struct {
	OperationID string
	SessionID   string
	Scope       HistoryScope
	Request     FilterRequest
	Snapshots   map[string]LayerSnapshot // pre-operation state per affected layer
	Timestamp   time.Time
}

// AffectedLayers returns the IDs of every layer the entry touched.
func (e *HistoryEntry) AffectedLayers() []string {
	layers := make([]string, 0, len(e.Snapshots))
	for id := range e.Snapshots {
		layers = append(layers, id)
	}
	return layers
}

// InferScope derives the entry scope from its snapshots: more than one
// affected layer means coordinated multi-layer state.
func InferScope(snapshots map[string]LayerSnapshot) HistoryScope {
	if len(snapshots) > 1 {
		return ScopeMultiLayer
	}
	return ScopeSourceOnly
}

// RestoreReport describes the outcome of an undo or redo.
type RestoreReport struct {
	OperationID    string
	SessionID      string
	Scope          HistoryScope
	RestoredLayers []string
	Reapplied      bool // true for redo
	Timestamp      time.Time
}
