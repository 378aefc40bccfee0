// Package domain contains the core business entities and value objects.
package domain

import "time"

// StorageKind identifies the storage family that natively holds a layer's data.
type StorageKind string

const (
	KindRelational StorageKind = "relational"
	KindEmbedded   StorageKind = "embedded"
	KindGeneric    StorageKind = "generic"
)

// BackendKind identifies a filtering backend implementation.
type BackendKind string

const (
	BackendRelational BackendKind = "relational"
	BackendEmbedded   BackendKind = "embedded"
	BackendGeneric    BackendKind = "generic"
)

// LayerDescriptor is the immutable per-layer metadata recorded when a layer
// is registered with the engine.
type LayerDescriptor struct {
	ID             string      // Unique layer identifier
	Name           string      // Display name
	StorageKind    StorageKind // Native storage family
	PrimaryKey     string      // Primary-key field name (e.g. fid)
	GeometryColumn string      // Geometry column name
	GeometryType   string      // POINT, POLYGON, etc.
	SRID           int         // Spatial reference of the layer
	FeatureCount   int64       // Approximate feature count
	Source         string      // Table name (relational) or dataset path (embedded)
	Dataset        string      // Dataset identifier for embedded layers
}

// LayerStatus represents the lifecycle state of a registered layer.
type LayerStatus string

const (
	LayerRegistering LayerStatus = "registering"
	LayerReady       LayerStatus = "ready"
	LayerRemoving    LayerStatus = "removing"
	LayerError       LayerStatus = "error"
)

// FilterState is the current subset applied to a layer: the matched feature
// IDs and the expression that produced them. A zero FilterState means the
// layer is unfiltered.
type FilterState struct {
	FeatureIDs []int64
	Expression string
	AppliedAt  time.Time
}

// IsFiltered returns true if a subset is currently applied.
func (s FilterState) IsFiltered() bool {
	return s.FeatureIDs != nil || s.Expression != ""
}

// BackendCapabilities is the static support matrix a backend declares.
// Consulted by the factory; never mutated at runtime.
type BackendCapabilities struct {
	Predicates       []Predicate   // Supported spatial predicates
	ServerSideBuffer bool          // Can apply buffering inside the query
	PersistentIndex  bool          // Can build a persistent spatial index
	Tier             int           // Relative performance tier, higher is faster
	StorageKinds     []StorageKind // Storage kinds this backend can serve
}

// SupportsPredicate reports whether the backend declared support for p.
func (c BackendCapabilities) SupportsPredicate(p Predicate) bool {
	for _, sp := range c.Predicates {
		if sp == p {
			return true
		}
	}
	return false
}

// SupportsKind reports whether the backend can serve layers of kind k.
func (c BackendCapabilities) SupportsKind(k StorageKind) bool {
	for _, sk := range c.StorageKinds {
		if sk == k {
			return true
		}
	}
	return false
}
