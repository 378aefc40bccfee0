package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Predicate is a named spatial relationship tested between a target feature
// and the reference geometry.
type Predicate string

const (
	PredIntersects     Predicate = "intersects"
	PredContains       Predicate = "contains"
	PredWithin         Predicate = "within"
	PredTouches        Predicate = "touches"
	PredCrosses        Predicate = "crosses"
	PredOverlaps       Predicate = "overlaps"
	PredDisjoint       Predicate = "disjoint"
	PredWithinDistance Predicate = "dwithin"
)

// AllPredicates lists every predicate the engine knows about.
var AllPredicates = []Predicate{
	PredIntersects, PredContains, PredWithin, PredTouches,
	PredCrosses, PredOverlaps, PredDisjoint, PredWithinDistance,
}

// IsValid returns true if p is a known predicate.
func (p Predicate) IsValid() bool {
	for _, known := range AllPredicates {
		if p == known {
			return true
		}
	}
	return false
}

// DistanceUnit is the unit of a buffer or dwithin distance.
type DistanceUnit string

const (
	UnitLayer      DistanceUnit = "layer"      // Layer's native units
	UnitMeters     DistanceUnit = "meters"     // Metric layers only
	UnitKilometers DistanceUnit = "kilometers" // Metric layers only
)

// Factor returns the multiplier converting the unit to layer base units.
func (u DistanceUnit) Factor() float64 {
	if u == UnitKilometers {
		return 1000
	}
	return 1
}

// BufferSpec describes a buffer applied to reference geometries before the
// predicate is evaluated.
type BufferSpec struct {
	Distance float64
	Unit     DistanceUnit
}

// BaseDistance returns the distance in layer base units.
func (b BufferSpec) BaseDistance() float64 {
	return b.Distance * b.Unit.Factor()
}

// Signature returns a stable hash of the buffer parameters, used as part of
// geometry cache keys. A nil spec hashes to zero.
func (b *BufferSpec) Signature() uint64 {
	if b == nil {
		return 0
	}
	return xxhash.Sum64String(fmt.Sprintf("%s:%.12g", b.Unit, b.Distance))
}

// FilterRequest is the value object a caller submits to the engine.
type FilterRequest struct {
	SessionID           string      // Filtering session for history scoping
	TargetLayer         string      // Layer whose features are filtered
	ReferenceLayer      string      // Optional layer providing reference geometries
	ReferenceFeatureIDs []int64     // Optional selection on the reference layer; empty means all
	Predicate           Predicate   // Spatial predicate to evaluate
	Buffer              *BufferSpec // Optional buffer around reference geometries
	Distance            float64     // Distance for dwithin, in layer units
	Expression          string      // Optional attribute expression (SQL fragment)
	ForcedBackend       BackendKind // Optional caller override, empty for automatic
	SyncReference       bool        // Update the reference layer's selection alongside the target
}

// Validate checks the request for structural problems.
func (r FilterRequest) Validate() error {
	if r.TargetLayer == "" {
		return &ValidationError{Field: "target_layer", Message: "target layer is required"}
	}
	if r.Predicate != "" && !r.Predicate.IsValid() {
		return &ValidationError{
			Field:   "predicate",
			Value:   string(r.Predicate),
			Message: "unknown predicate",
		}
	}
	if r.ReferenceLayer == "" && r.Predicate != "" {
		return &ValidationError{
			Field:   "reference_layer",
			Message: "a spatial predicate requires a reference layer",
		}
	}
	if r.ReferenceLayer == "" && r.Expression == "" {
		return &ValidationError{
			Field:   "request",
			Message: "either a spatial predicate or an attribute expression is required",
		}
	}
	if r.Predicate == PredWithinDistance && r.Distance <= 0 {
		return &ValidationError{
			Field:      "distance",
			Value:      r.Distance,
			Constraint: "> 0",
			Message:    "dwithin requires a positive distance",
		}
	}
	if r.Buffer != nil && r.Buffer.Distance < 0 {
		return &ValidationError{
			Field:      "buffer.distance",
			Value:      r.Buffer.Distance,
			Constraint: ">= 0",
			Message:    "buffer distance must not be negative",
		}
	}
	if r.SyncReference && r.ReferenceLayer == "" {
		return &ValidationError{
			Field:   "sync_reference",
			Message: "reference selection sync requires a reference layer",
		}
	}
	return nil
}

// IsSpatial returns true if the request carries a spatial predicate.
func (r FilterRequest) IsSpatial() bool {
	return r.Predicate != ""
}

// BatchRequest filters several target layers against the same reference
// selection in one submission, so reference geometries are extracted once
// for all targets.
type BatchRequest struct {
	SessionID           string
	TargetLayers        []string
	ReferenceLayer      string
	ReferenceFeatureIDs []int64
	Predicate           Predicate
	Buffer              *BufferSpec
	Distance            float64
	Expression          string
	ForcedBackend       BackendKind
}

// Requests expands the batch into one filter request per target layer.
func (r BatchRequest) Requests() []FilterRequest {
	out := make([]FilterRequest, 0, len(r.TargetLayers))
	for _, target := range r.TargetLayers {
		out = append(out, FilterRequest{
			SessionID:           r.SessionID,
			TargetLayer:         target,
			ReferenceLayer:      r.ReferenceLayer,
			ReferenceFeatureIDs: r.ReferenceFeatureIDs,
			Predicate:           r.Predicate,
			Buffer:              r.Buffer,
			Distance:            r.Distance,
			Expression:          r.Expression,
			ForcedBackend:       r.ForcedBackend,
		})
	}
	return out
}

// Validate checks the batch for structural problems, including the per-layer
// requests it expands to.
func (r BatchRequest) Validate() error {
	if len(r.TargetLayers) == 0 {
		return &ValidationError{Field: "target_layers", Message: "at least one target layer is required"}
	}
	seen := make(map[string]struct{}, len(r.TargetLayers))
	for _, layer := range r.TargetLayers {
		if _, dup := seen[layer]; dup {
			return &ValidationError{Field: "target_layers", Value: layer, Message: "duplicate target layer"}
		}
		seen[layer] = struct{}{}
	}
	for _, req := range r.Requests() {
		if err := req.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ResultHandle is an opaque reference to a backend-owned materialized
// artifact (view or temp table) representing the filtered state of a layer.
// At most one live handle exists per (layer, backend) pair.
type ResultHandle struct {
	Backend BackendKind // Backend that owns the artifact
	Layer   string      // Layer the artifact belongs to
	Name    string      // Backend-internal artifact name
}

// FallbackWarning is the non-fatal signal emitted when the factory degrades
// from a layer's native backend to a compatible substitute.
type FallbackWarning struct {
	Layer  string
	From   BackendKind
	To     BackendKind
	Reason string
}

// String implements fmt.Stringer.
func (w FallbackWarning) String() string {
	return fmt.Sprintf("layer %s: backend %s unavailable (%s), using %s",
		w.Layer, w.From, w.Reason, w.To)
}

// FilterResult is the outcome of one filter operation.
type FilterResult struct {
	TargetLayer       string           // Layer the result applies to
	FeatureIDs        []int64          // Matching feature IDs, ascending
	Backend           BackendKind      // Backend that produced the result
	Elapsed           time.Duration    // Wall time of backend execution
	Handle            *ResultHandle    // Optional materialized artifact
	Warning           *FallbackWarning // Set when backend selection degraded
	ReferenceAffected bool             // True when the reference selection was updated too
}

// MatchCount returns the number of matched features.
func (r *FilterResult) MatchCount() int {
	return len(r.FeatureIDs)
}

// NormalizeIDs sorts the matched IDs ascending so result order is
// deterministic for a given backend and request.
func (r *FilterResult) NormalizeIDs() {
	sort.Slice(r.FeatureIDs, func(i, j int) bool { return r.FeatureIDs[i] < r.FeatureIDs[j] })
}
