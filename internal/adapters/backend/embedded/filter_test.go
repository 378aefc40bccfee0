package embedded

import (
	"errors"
	"strings"
	"testing"

	"github.com/jobrunner/cribrum/internal/domain"
	"github.com/jobrunner/cribrum/internal/ports/output"
)

func testLayer() domain.LayerDescriptor {
	return domain.LayerDescriptor{
		ID:             "atlas.parcels",
		Name:           "parcels",
		StorageKind:    domain.KindEmbedded,
		PrimaryKey:     "fid",
		GeometryColumn: "geom",
		SRID:           25832,
		Source:         "parcels",
		Dataset:        "atlas",
	}
}

func mustGeometry(t *testing.T, wkt string) domain.Geometry {
	t.Helper()
	g, err := domain.NewGeometryFromWKT(wkt, 25832)
	if err != nil {
		t.Fatalf("NewGeometryFromWKT(%q) error = %v", wkt, err)
	}
	return g
}

func TestPredicateClauseSpatialFunctions(t *testing.T) {
	tests := []struct {
		predicate domain.Predicate
		wantFunc  string
	}{
		{predicate: domain.PredIntersects, wantFunc: "ST_Intersects"},
		{predicate: domain.PredContains, wantFunc: "ST_Contains"},
		{predicate: domain.PredWithin, wantFunc: "ST_Within"},
		{predicate: domain.PredTouches, wantFunc: "ST_Touches"},
		{predicate: domain.PredCrosses, wantFunc: "ST_Crosses"},
		{predicate: domain.PredOverlaps, wantFunc: "ST_Overlaps"},
		{predicate: domain.PredDisjoint, wantFunc: "ST_Disjoint"},
	}

	for _, tt := range tests {
		t.Run(string(tt.predicate), func(t *testing.T) {
			req := output.ResolvedRequest{
				Request:       domain.FilterRequest{Predicate: tt.predicate},
				Layer:         testLayer(),
				RefGeometries: []domain.Geometry{mustGeometry(t, "POINT (1 2)")},
				BufferApplied: true,
			}

			clause, args, err := predicateClause(req)
			if err != nil {
				t.Fatalf("predicateClause() error = %v", err)
			}
			if !strings.Contains(clause, tt.wantFunc) {
				t.Errorf("clause = %q, want containing %q", clause, tt.wantFunc)
			}
			if !strings.Contains(clause, `CastAutomagic(t."geom")`) {
				t.Errorf("clause = %q, want CastAutomagic on the geometry column", clause)
			}
			if len(args) != 2 {
				t.Errorf("len(args) = %d, want 2", len(args))
			}
		})
	}
}

func TestPredicateClauseJoinsReferences(t *testing.T) {
	refs := []domain.Geometry{
		mustGeometry(t, "POINT (1 2)"),
		mustGeometry(t, "POINT (3 4)"),
	}

	req := output.ResolvedRequest{
		Request:       domain.FilterRequest{Predicate: domain.PredIntersects},
		Layer:         testLayer(),
		RefGeometries: refs,
		BufferApplied: true,
	}

	clause, args, err := predicateClause(req)
	if err != nil {
		t.Fatalf("predicateClause() error = %v", err)
	}
	if !strings.Contains(clause, " OR ") {
		t.Errorf("clause = %q, want OR-joined references", clause)
	}
	if len(args) != 4 {
		t.Errorf("len(args) = %d, want 4", len(args))
	}

	// Disjoint must hold against every reference.
	req.Request.Predicate = domain.PredDisjoint
	clause, _, err = predicateClause(req)
	if err != nil {
		t.Fatalf("predicateClause() error = %v", err)
	}
	if !strings.Contains(clause, " AND ") {
		t.Errorf("clause = %q, want AND-joined references for disjoint", clause)
	}
}

func TestPredicateClauseServerSideBuffer(t *testing.T) {
	req := output.ResolvedRequest{
		Request: domain.FilterRequest{
			Predicate: domain.PredIntersects,
			Buffer:    &domain.BufferSpec{Distance: 100, Unit: domain.UnitMeters},
		},
		Layer:         testLayer(),
		RefGeometries: []domain.Geometry{mustGeometry(t, "POINT (1 2)")},
		BufferApplied: false,
	}

	clause, args, err := predicateClause(req)
	if err != nil {
		t.Fatalf("predicateClause() error = %v", err)
	}
	if !strings.Contains(clause, "ST_Buffer(GeomFromText(?, ?), ?)") {
		t.Errorf("clause = %q, want server-side ST_Buffer", clause)
	}
	if len(args) != 3 {
		t.Fatalf("len(args) = %d, want 3", len(args))
	}
	if got := args[2].(float64); got != 100 {
		t.Errorf("buffer distance arg = %v, want 100", got)
	}

	// An already-buffered reference must not be buffered again.
	req.BufferApplied = true
	clause, args, err = predicateClause(req)
	if err != nil {
		t.Fatalf("predicateClause() error = %v", err)
	}
	if strings.Contains(clause, "ST_Buffer") {
		t.Errorf("clause = %q, want no ST_Buffer when buffer already applied", clause)
	}
	if len(args) != 2 {
		t.Errorf("len(args) = %d, want 2", len(args))
	}
}

func TestPredicateClauseWithinDistance(t *testing.T) {
	req := output.ResolvedRequest{
		Request: domain.FilterRequest{
			Predicate: domain.PredWithinDistance,
			Distance:  250,
		},
		Layer:         testLayer(),
		RefGeometries: []domain.Geometry{mustGeometry(t, "POINT (1 2)")},
		BufferApplied: true,
	}

	clause, args, err := predicateClause(req)
	if err != nil {
		t.Fatalf("predicateClause() error = %v", err)
	}
	if !strings.Contains(clause, "ST_Distance") || !strings.Contains(clause, "<= ?") {
		t.Errorf("clause = %q, want ST_Distance comparison", clause)
	}
	if len(args) != 3 {
		t.Fatalf("len(args) = %d, want 3", len(args))
	}
	if got := args[2].(float64); got != 250 {
		t.Errorf("distance arg = %v, want 250", got)
	}
}

func TestPredicateClauseRejectsEmptyReferences(t *testing.T) {
	req := output.ResolvedRequest{
		Request: domain.FilterRequest{Predicate: domain.PredIntersects},
		Layer:   testLayer(),
	}

	_, _, err := predicateClause(req)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("predicateClause() error = %v, want *ValidationError for empty references", err)
	}
}

func TestDeriveDatasetID(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "simple filename", path: "/data/atlas.gpkg", want: "atlas"},
		{name: "nested path", path: "/var/data/cadastre/parcels.gpkg", want: "parcels"},
		{name: "relative path", path: "data/atlas.gpkg", want: "atlas"},
		{name: "different extension", path: "/data/atlas.sqlite", want: "atlas"},
		{name: "no extension", path: "/data/atlas", want: "atlas"},
		{name: "multiple dots", path: "/data/atlas.backup.gpkg", want: "atlas.backup"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveDatasetID(tt.path); got != tt.want {
				t.Errorf("DeriveDatasetID(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
