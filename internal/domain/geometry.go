package domain

import (
	"fmt"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// Geometry wraps a planar geometry together with its spatial reference.
type Geometry struct {
	G    geom.T
	SRID int
}

// NewGeometryFromWKT parses a WKT string into a Geometry.
func NewGeometryFromWKT(s string, srid int) (Geometry, error) {
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return Geometry{}, fmt.Errorf("parsing WKT: %w", err)
	}
	return Geometry{G: g, SRID: srid}, nil
}

// WKT returns the Well-Known Text representation.
func (g Geometry) WKT() (string, error) {
	if g.G == nil {
		return "", fmt.Errorf("geometry: %w", ErrInvalidInput)
	}
	return wkt.Marshal(g.G)
}

// Bounds returns the bounding box of the geometry.
func (g Geometry) Bounds() *geom.Bounds {
	if g.G == nil {
		return nil
	}
	return g.G.Bounds()
}

// IsZero returns true if no geometry is set.
func (g Geometry) IsZero() bool {
	return g.G == nil
}

// Type returns the geometry type name (Point, Polygon, ...).
func (g Geometry) Type() string {
	switch g.G.(type) {
	case *geom.Point:
		return "Point"
	case *geom.MultiPoint:
		return "MultiPoint"
	case *geom.LineString:
		return "LineString"
	case *geom.MultiLineString:
		return "MultiLineString"
	case *geom.Polygon:
		return "Polygon"
	case *geom.MultiPolygon:
		return "MultiPolygon"
	case nil:
		return ""
	default:
		return "Geometry"
	}
}
