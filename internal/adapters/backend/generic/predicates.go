package generic

import (
	"math"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"

	"github.com/jobrunner/cribrum/internal/domain"
	"github.com/jobrunner/cribrum/internal/ports/output"
)

// evaluator holds one resolved request's predicate, reference geometries and
// dwithin distance for repeated evaluation against target features.
type evaluator struct {
	predicate domain.Predicate
	distance  float64
	refs      []domain.Geometry
}

func newEvaluator(req output.ResolvedRequest) (*evaluator, error) {
	if !req.Request.IsSpatial() {
		return nil, &domain.ValidationError{
			Field:   "predicate",
			Message: "generic backend evaluates spatial predicates only",
		}
	}
	if len(req.RefGeometries) == 0 {
		return nil, &domain.ValidationError{
			Field:   "reference_layer",
			Message: "no reference geometries resolved",
		}
	}
	return &evaluator{
		predicate: req.Request.Predicate,
		distance:  req.Request.Distance,
		refs:      req.RefGeometries,
	}, nil
}

func (e *evaluator) matches(g domain.Geometry) bool {
	switch e.predicate {
	case domain.PredIntersects:
		for _, ref := range e.refs {
			if intersects(g.G, ref.G) {
				return true
			}
		}
		return false
	case domain.PredContains:
		for _, ref := range e.refs {
			if contains(g.G, ref.G) {
				return true
			}
		}
		return false
	case domain.PredWithin:
		for _, ref := range e.refs {
			if contains(ref.G, g.G) {
				return true
			}
		}
		return false
	case domain.PredDisjoint:
		for _, ref := range e.refs {
			if intersects(g.G, ref.G) {
				return false
			}
		}
		return true
	case domain.PredWithinDistance:
		for _, ref := range e.refs {
			if minDistance(g.G, ref.G) <= e.distance {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// intersects reports whether the two geometries share at least one point.
// Evaluation is planar: vertex containment, boundary segment intersection
// and coincident vertices.
func intersects(a, b geom.T) bool {
	if a == nil || b == nil {
		return false
	}
	if !boundsOverlap(a, b) {
		return false
	}

	for _, c := range vertices(a) {
		if inAnyPolygon(c, b) {
			return true
		}
	}
	for _, c := range vertices(b) {
		if inAnyPolygon(c, a) {
			return true
		}
	}

	segsA, segsB := segments(a), segments(b)
	for _, sa := range segsA {
		for _, sb := range segsB {
			if segmentsIntersect(sa[0], sa[1], sb[0], sb[1]) {
				return true
			}
		}
	}

	// Point against point or point against boundary.
	if len(segsA) == 0 || len(segsB) == 0 {
		return minDistance(a, b) == 0
	}
	return false
}

// contains reports whether outer contains inner: every vertex of inner lies
// in a polygon of outer and no boundary segments properly cross.
func contains(outer, inner geom.T) bool {
	if outer == nil || inner == nil {
		return false
	}
	if len(polygons(outer)) == 0 {
		return false
	}

	for _, c := range vertices(inner) {
		if !inAnyPolygon(c, outer) {
			return false
		}
	}

	for _, si := range segments(inner) {
		for _, so := range segments(outer) {
			if segmentsCross(si[0], si[1], so[0], so[1]) {
				return false
			}
		}
	}
	return true
}

// minDistance returns the minimum planar distance between the two
// geometries, zero when they intersect.
func minDistance(a, b geom.T) float64 {
	if a == nil || b == nil {
		return math.Inf(1)
	}

	va, vb := vertices(a), vertices(b)
	sa, sb := segments(a), segments(b)

	// Any vertex inside the other geometry's interior means contact.
	for _, c := range va {
		if inAnyPolygon(c, b) {
			return 0
		}
	}
	for _, c := range vb {
		if inAnyPolygon(c, a) {
			return 0
		}
	}

	min := math.Inf(1)
	for _, c := range va {
		for _, s := range sb {
			if d := pointSegmentDistance(c, s[0], s[1]); d < min {
				min = d
			}
		}
		for _, c2 := range vb {
			if d := coordDistance(c, c2); d < min {
				min = d
			}
		}
	}
	for _, c := range vb {
		for _, s := range sa {
			if d := pointSegmentDistance(c, s[0], s[1]); d < min {
				min = d
			}
		}
	}
	return min
}

// boundsOverlap is the cheap bounding-box reject.
func boundsOverlap(a, b geom.T) bool {
	ba, bb := a.Bounds(), b.Bounds()
	return ba.Min(0) <= bb.Max(0) && ba.Max(0) >= bb.Min(0) &&
		ba.Min(1) <= bb.Max(1) && ba.Max(1) >= bb.Min(1)
}

// vertices returns every coordinate of the geometry.
func vertices(t geom.T) []geom.Coord {
	switch g := t.(type) {
	case *geom.Point:
		return []geom.Coord{g.Coords()}
	case *geom.MultiPoint:
		return g.Coords()
	case *geom.LineString:
		return g.Coords()
	case *geom.MultiLineString:
		var out []geom.Coord
		for _, line := range g.Coords() {
			out = append(out, line...)
		}
		return out
	case *geom.Polygon:
		var out []geom.Coord
		for _, ring := range g.Coords() {
			out = append(out, ring...)
		}
		return out
	case *geom.MultiPolygon:
		var out []geom.Coord
		for _, poly := range g.Coords() {
			for _, ring := range poly {
				out = append(out, ring...)
			}
		}
		return out
	default:
		return nil
	}
}

// segments returns the boundary segments of the geometry. Points have none.
func segments(t geom.T) [][2]geom.Coord {
	var out [][2]geom.Coord
	addPath := func(coords []geom.Coord) {
		for i := 1; i < len(coords); i++ {
			out = append(out, [2]geom.Coord{coords[i-1], coords[i]})
		}
	}

	switch g := t.(type) {
	case *geom.LineString:
		addPath(g.Coords())
	case *geom.MultiLineString:
		for _, line := range g.Coords() {
			addPath(line)
		}
	case *geom.Polygon:
		for _, ring := range g.Coords() {
			addPath(ring)
		}
	case *geom.MultiPolygon:
		for _, poly := range g.Coords() {
			for _, ring := range poly {
				addPath(ring)
			}
		}
	}
	return out
}

// polygons returns the polygon components of the geometry.
func polygons(t geom.T) []*geom.Polygon {
	switch g := t.(type) {
	case *geom.Polygon:
		return []*geom.Polygon{g}
	case *geom.MultiPolygon:
		out := make([]*geom.Polygon, g.NumPolygons())
		for i := range out {
			out[i] = g.Polygon(i)
		}
		return out
	default:
		return nil
	}
}

// inAnyPolygon reports whether c lies inside a polygon of t, holes excluded.
func inAnyPolygon(c geom.Coord, t geom.T) bool {
	for _, poly := range polygons(t) {
		if poly.NumLinearRings() == 0 {
			continue
		}
		if !xy.IsPointInRing(poly.Layout(), c, poly.LinearRing(0).FlatCoords()) {
			continue
		}
		inHole := false
		for i := 1; i < poly.NumLinearRings(); i++ {
			if xy.IsPointInRing(poly.Layout(), c, poly.LinearRing(i).FlatCoords()) {
				inHole = true
				break
			}
		}
		if !inHole {
			return true
		}
	}
	return false
}

func orientation(a, b, c geom.Coord) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, c geom.Coord) bool {
	return math.Min(a[0], b[0]) <= c[0] && c[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= c[1] && c[1] <= math.Max(a[1], b[1])
}

// segmentsIntersect reports whether segments p1p2 and q1q2 share any point,
// endpoints and collinear overlap included.
func segmentsIntersect(p1, p2, q1, q2 geom.Coord) bool {
	d1 := orientation(q1, q2, p1)
	d2 := orientation(q1, q2, p2)
	d3 := orientation(p1, p2, q1)
	d4 := orientation(p1, p2, q2)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}

	if d1 == 0 && onSegment(q1, q2, p1) {
		return true
	}
	if d2 == 0 && onSegment(q1, q2, p2) {
		return true
	}
	if d3 == 0 && onSegment(p1, p2, q1) {
		return true
	}
	if d4 == 0 && onSegment(p1, p2, q2) {
		return true
	}
	return false
}

// segmentsCross reports a proper crossing, endpoints touching excluded.
func segmentsCross(p1, p2, q1, q2 geom.Coord) bool {
	d1 := orientation(q1, q2, p1)
	d2 := orientation(q1, q2, p2)
	d3 := orientation(p1, p2, q1)
	d4 := orientation(p1, p2, q2)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

func coordDistance(a, b geom.Coord) float64 {
	return math.Hypot(b[0]-a[0], b[1]-a[1])
}

// pointSegmentDistance returns the distance from p to segment ab.
func pointSegmentDistance(p, a, b geom.Coord) float64 {
	dx, dy := b[0]-a[0], b[1]-a[1]
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return coordDistance(p, a)
	}
	t := ((p[0]-a[0])*dx + (p[1]-a[1])*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(p[0]-(a[0]+t*dx), p[1]-(a[1]+t*dy))
}
