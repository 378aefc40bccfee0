package generic

import (
	"context"
	"fmt"

	"github.com/twpayne/go-geom"

	"github.com/jobrunner/cribrum/internal/domain"
)

// BoundsExpandOps is the buffering fallback for hosts without SpatiaLite:
// it replaces the geometry with its bounding box expanded by the distance.
// Coarser than a true buffer, never smaller.
type BoundsExpandOps struct{}

// Buffer implements output.GeometryOps.
func (BoundsExpandOps) Buffer(_ context.Context, g domain.Geometry, distance float64) (domain.Geometry, error) {
	if g.IsZero() {
		return domain.Geometry{}, fmt.Errorf("geometry: %w", domain.ErrInvalidInput)
	}

	b := g.Bounds()
	minX, minY := b.Min(0)-distance, b.Min(1)-distance
	maxX, maxY := b.Max(0)+distance, b.Max(1)+distance

	poly, err := geom.NewPolygon(geom.XY).SetCoords([][]geom.Coord{{
		{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY},
	}})
	if err != nil {
		return domain.Geometry{}, fmt.Errorf("expanding bounds: %w", err)
	}
	return domain.Geometry{G: poly, SRID: g.SRID}, nil
}
