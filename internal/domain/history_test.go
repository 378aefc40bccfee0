package domain

import (
	"sort"
	"testing"
)

func TestInferScope(t *testing.T) {
	single := map[string]LayerSnapshot{
		"atlas.parcels": {LayerID: "atlas.parcels"},
	}
	if got := InferScope(single); got != ScopeSourceOnly {
		t.Errorf("InferScope(single) = %v, want %v", got, ScopeSourceOnly)
	}

	multi := map[string]LayerSnapshot{
		"atlas.parcels": {LayerID: "atlas.parcels"},
		"atlas.rivers":  {LayerID: "atlas.rivers"},
	}
	if got := InferScope(multi); got != ScopeMultiLayer {
		t.Errorf("InferScope(multi) = %v, want %v", got, ScopeMultiLayer)
	}

	if got := InferScope(nil); got != ScopeSourceOnly {
		t.Errorf("InferScope(nil) = %v, want %v", got, ScopeSourceOnly)
	}
}

func TestAffectedLayers(t *testing.T) {
	e := &HistoryEntry{
		Snapshots: map[string]LayerSnapshot{
			"atlas.rivers":  {LayerID: "atlas.rivers"},
			"atlas.parcels": {LayerID: "atlas.parcels"},
		},
	}

	got := e.AffectedLayers()
	sort.Strings(got)
	want := []string{"atlas.parcels", "atlas.rivers"}
	if len(got) != len(want) {
		t.Fatalf("AffectedLayers() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("AffectedLayers()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSnapshotIsUnfiltered(t *testing.T) {
	tests := []struct {
		name string
		snap LayerSnapshot
		want bool
	}{
		{"zero snapshot", LayerSnapshot{LayerID: "l"}, true},
		{"with ids", LayerSnapshot{LayerID: "l", FeatureIDs: []int64{1}}, false},
		{"empty but non-nil ids", LayerSnapshot{LayerID: "l", FeatureIDs: []int64{}}, false},
		{"with expression", LayerSnapshot{LayerID: "l", Expression: "zone = 'A'"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.snap.IsUnfiltered(); got != tt.want {
				t.Errorf("IsUnfiltered() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTaskStateTerminal(t *testing.T) {
	terminal := []TaskState{TaskCompleted, TaskCancelled, TaskFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("Terminal(%v) = false, want true", s)
		}
	}
	for _, s := range []TaskState{TaskPending, TaskRunning} {
		if s.Terminal() {
			t.Errorf("Terminal(%v) = true, want false", s)
		}
	}
}
