package domain

import (
	"strings"
	"testing"
)

func validSpatialRequest() FilterRequest {
	return FilterRequest{
		SessionID:      "s1",
		TargetLayer:    "atlas.parcels",
		ReferenceLayer: "atlas.rivers",
		Predicate:      PredIntersects,
	}
}

func TestFilterRequestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*FilterRequest)
		wantField string
	}{
		{"valid spatial", func(r *FilterRequest) {}, ""},
		{"valid expression only", func(r *FilterRequest) {
			r.ReferenceLayer = ""
			r.Predicate = ""
			r.Expression = "zone = 'A'"
		}, ""},
		{"valid dwithin", func(r *FilterRequest) {
			r.Predicate = PredWithinDistance
			r.Distance = 250
		}, ""},
		{"missing target", func(r *FilterRequest) { r.TargetLayer = "" }, "target_layer"},
		{"unknown predicate", func(r *FilterRequest) { r.Predicate = "near" }, "predicate"},
		{"predicate without reference", func(r *FilterRequest) { r.ReferenceLayer = "" }, "reference_layer"},
		{"neither predicate nor expression", func(r *FilterRequest) {
			r.ReferenceLayer = ""
			r.Predicate = ""
		}, "request"},
		{"dwithin without distance", func(r *FilterRequest) {
			r.Predicate = PredWithinDistance
			r.Distance = 0
		}, "distance"},
		{"negative buffer", func(r *FilterRequest) {
			r.Buffer = &BufferSpec{Distance: -1}
		}, "buffer.distance"},
		{"sync without reference", func(r *FilterRequest) {
			r.ReferenceLayer = ""
			r.Predicate = ""
			r.Expression = "zone = 'A'"
			r.SyncReference = true
		}, "sync_reference"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validSpatialRequest()
			tt.mutate(&req)
			err := req.Validate()

			if tt.wantField == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			verr, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("Validate() error = %v, want *ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", verr.Field, tt.wantField)
			}
		})
	}
}

func TestBufferSignature(t *testing.T) {
	var nilSpec *BufferSpec
	if got := nilSpec.Signature(); got != 0 {
		t.Errorf("nil Signature() = %d, want 0", got)
	}

	a := &BufferSpec{Distance: 100, Unit: UnitMeters}
	b := &BufferSpec{Distance: 100, Unit: UnitMeters}
	if a.Signature() != b.Signature() {
		t.Error("equal specs produced different signatures")
	}

	c := &BufferSpec{Distance: 100, Unit: UnitKilometers}
	if a.Signature() == c.Signature() {
		t.Error("different units produced the same signature")
	}
	d := &BufferSpec{Distance: 101, Unit: UnitMeters}
	if a.Signature() == d.Signature() {
		t.Error("different distances produced the same signature")
	}
}

func TestBufferBaseDistance(t *testing.T) {
	tests := []struct {
		spec BufferSpec
		want float64
	}{
		{BufferSpec{Distance: 100, Unit: UnitLayer}, 100},
		{BufferSpec{Distance: 100, Unit: UnitMeters}, 100},
		{BufferSpec{Distance: 2, Unit: UnitKilometers}, 2000},
	}

	for _, tt := range tests {
		if got := tt.spec.BaseDistance(); got != tt.want {
			t.Errorf("BaseDistance(%+v) = %v, want %v", tt.spec, got, tt.want)
		}
	}
}

func TestNormalizeIDs(t *testing.T) {
	res := FilterResult{FeatureIDs: []int64{9, 1, 4, 4, 2}}
	res.NormalizeIDs()

	want := []int64{1, 2, 4, 4, 9}
	for i, id := range res.FeatureIDs {
		if id != want[i] {
			t.Errorf("FeatureIDs[%d] = %d, want %d", i, id, want[i])
		}
	}
}

func TestFallbackWarningString(t *testing.T) {
	w := FallbackWarning{
		Layer:  "atlas.parcels",
		From:   BackendEmbedded,
		To:     BackendGeneric,
		Reason: "spatialite extension not found",
	}

	s := w.String()
	for _, part := range []string{"atlas.parcels", "embedded", "generic", "spatialite extension not found"} {
		if !strings.Contains(s, part) {
			t.Errorf("String() = %q, missing %q", s, part)
		}
	}
}

func TestPredicateIsValid(t *testing.T) {
	for _, p := range AllPredicates {
		if !p.IsValid() {
			t.Errorf("IsValid(%q) = false, want true", p)
		}
	}
	if Predicate("near").IsValid() {
		t.Error(`IsValid("near") = true, want false`)
	}
	if Predicate("").IsValid() {
		t.Error(`IsValid("") = true, want false`)
	}
}
