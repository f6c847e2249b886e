package geometry

import "math"

// The external engine rejects or times out on requests above a
// coordinate-count threshold. Geometries at or below simplifyThreshold
// pass through untouched.
const (
	simplifyThreshold = 50

	// Per-polygon point budgets for MultiPolygon simplification. The
	// budget shrinks as the number of disjoint parts grows so the
	// aggregate stays bounded.
	multiPolyTargetSmall = 30 // ≤ smallMultiPolyCount sub-polygons
	multiPolyTargetLarge = 20
	smallMultiPolyCount  = 10
)

// Box is a geographic bounding box. The zero Box signals a degenerate
// geometry with no coordinates; callers must not treat it as a valid
// extent.
type Box struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// IsZero reports whether the box is the degenerate sentinel.
func (b Box) IsZero() bool {
	return b.West == 0 && b.South == 0 && b.East == 0 && b.North == 0
}

// BoundingBox returns the min/max longitude and latitude over every ring
// of g, holes included. Returns the zero Box when g has no coordinates.
func BoundingBox(g *Geometry) Box {
	first := true
	var box Box
	for _, ring := range g.allRings() {
		for _, c := range ring {
			if first {
				box = Box{West: c.Lon(), South: c.Lat(), East: c.Lon(), North: c.Lat()}
				first = false
				continue
			}
			box.West = math.Min(box.West, c.Lon())
			box.East = math.Max(box.East, c.Lon())
			box.South = math.Min(box.South, c.Lat())
			box.North = math.Max(box.North, c.Lat())
		}
	}
	if first {
		return Box{}
	}
	return box
}

// Simplify reduces the coordinate count of g by uniform-stride
// subsampling, trading boundary fidelity for request viability. The
// input is returned unchanged when its total coordinate count is at or
// below the 50-point threshold; the result of a simplification is
// itself a fixed point of Simplify.
//
// target is the per-geometry point budget for polygons. MultiPolygons
// ignore target and use a per-polygon budget of 30 points (20 when more
// than ten sub-polygons), keeping the aggregate bounded no matter how
// many disjoint parts the area has.
func Simplify(g *Geometry, target int) *Geometry {
	if g == nil || target <= 0 || g.CoordCount() <= simplifyThreshold {
		return g
	}
	switch g.Type {
	case TypePolygon:
		return &Geometry{Type: TypePolygon, Rings: subsampleRings(g.Rings, target)}
	case TypeMultiPolygon:
		perPoly := multiPolyTargetSmall
		if len(g.Polygons) > smallMultiPolyCount {
			perPoly = multiPolyTargetLarge
		}
		out := make([][][]Coord, len(g.Polygons))
		for i, poly := range g.Polygons {
			out[i] = subsampleRings(poly, perPoly)
		}
		return &Geometry{Type: TypeMultiPolygon, Polygons: out}
	}
	return g
}

// subsampleRings applies the stride to each ring of one polygon, with
// the budget split against the polygon's total coordinate count.
func subsampleRings(rings [][]Coord, target int) [][]Coord {
	total := 0
	for _, r := range rings {
		total += len(r)
	}
	if total <= target {
		return rings
	}
	stride := int(math.Ceil(float64(total) / float64(target)))
	out := make([][]Coord, len(rings))
	for i, r := range rings {
		out[i] = subsampleRing(r, stride)
	}
	return out
}

// subsampleRing keeps every stride-th point and re-appends the original
// last point so the ring stays closed. A ring is never reduced below
// four points: a small ring (a hole next to a huge outer ring) hit with
// a large stride would otherwise collapse to a degenerate line.
func subsampleRing(ring []Coord, stride int) []Coord {
	if stride <= 1 || len(ring) <= 4 {
		return ring
	}
	kept := make([]Coord, 0, len(ring)/stride+2)
	for i := 0; i < len(ring); i += stride {
		kept = append(kept, ring[i])
	}
	last := ring[len(ring)-1]
	if len(kept) == 0 || kept[len(kept)-1] != last {
		kept = append(kept, last)
	}
	if len(kept) < 4 {
		kept = []Coord{ring[0], ring[len(ring)/3], ring[2*len(ring)/3], last}
	}
	return kept
}

// Contains performs a ray-casting point-in-polygon test against the
// outer rings of g only; holes are ignored. It fails open: an invalid
// or empty geometry returns true, so the result is not a precise
// containment guarantee at interior boundaries. Callers needing a hard
// rejection must validate the geometry separately.
func Contains(g *Geometry, lon, lat float64) bool {
	if g == nil || g.CoordCount() == 0 {
		return true
	}
	outers := g.outerRings()
	if len(outers) == 0 {
		return true
	}
	for _, ring := range outers {
		if len(ring) >= 3 && ringContains(ring, lon, lat) {
			return true
		}
	}
	return false
}

func ringContains(ring []Coord, x, y float64) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i].Lon(), ring[i].Lat()
		xj, yj := ring[j].Lon(), ring[j].Lat()
		if (yi > y) != (yj > y) &&
			x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

// ClipToBoundary intersects g with a fixed reference outline (the outer
// ring of boundary) using Sutherland–Hodgman clipping. Returns nil when
// g lies entirely outside the boundary; callers must reject the input
// in that case rather than proceed with an empty region. Holes of g are
// dropped from the result. When the boundary itself has no usable outer
// ring the input is returned unchanged.
func ClipToBoundary(g, boundary *Geometry) *Geometry {
	if g == nil {
		return nil
	}
	clipRings := boundary.outerRings()
	if len(clipRings) == 0 || len(clipRings[0]) < 3 {
		return g
	}
	clip := clipRings[0]

	switch g.Type {
	case TypePolygon:
		if len(g.Rings) == 0 {
			return nil
		}
		clipped := clipRing(g.Rings[0], clip)
		if len(clipped) < 3 {
			return nil
		}
		return &Geometry{Type: TypePolygon, Rings: [][]Coord{clipped}}
	case TypeMultiPolygon:
		var out [][][]Coord
		for _, poly := range g.Polygons {
			if len(poly) == 0 {
				continue
			}
			clipped := clipRing(poly[0], clip)
			if len(clipped) >= 3 {
				out = append(out, [][]Coord{clipped})
			}
		}
		if len(out) == 0 {
			return nil
		}
		return &Geometry{Type: TypeMultiPolygon, Polygons: out}
	}
	return nil
}

// clipRing clips subject against each edge of the clip ring in turn.
func clipRing(subject, clip []Coord) []Coord {
	// Orient the clip ring counter-clockwise so "inside" is always the
	// left side of each directed edge.
	if signedArea(clip) < 0 {
		clip = reverseRing(clip)
	}

	out := subject
	n := len(clip)
	for i := 0; i < n && len(out) > 0; i++ {
		a, b := clip[i], clip[(i+1)%n]
		out = clipAgainstEdge(out, a, b)
	}
	return out
}

func clipAgainstEdge(ring []Coord, a, b Coord) []Coord {
	var out []Coord
	n := len(ring)
	for i := 0; i < n; i++ {
		cur, prev := ring[i], ring[(i+n-1)%n]
		curIn := leftOf(a, b, cur)
		prevIn := leftOf(a, b, prev)
		switch {
		case curIn && prevIn:
			out = append(out, cur)
		case curIn && !prevIn:
			out = append(out, intersect(prev, cur, a, b), cur)
		case !curIn && prevIn:
			out = append(out, intersect(prev, cur, a, b))
		}
	}
	return out
}

func leftOf(a, b, p Coord) bool {
	return (b.Lon()-a.Lon())*(p.Lat()-a.Lat())-(b.Lat()-a.Lat())*(p.Lon()-a.Lon()) >= 0
}

func intersect(p1, p2, a, b Coord) Coord {
	dx1, dy1 := p2.Lon()-p1.Lon(), p2.Lat()-p1.Lat()
	dx2, dy2 := b.Lon()-a.Lon(), b.Lat()-a.Lat()
	denom := dx1*dy2 - dy1*dx2
	if denom == 0 {
		return p2
	}
	t := ((a.Lon()-p1.Lon())*dy2 - (a.Lat()-p1.Lat())*dx2) / denom
	return Coord{p1.Lon() + t*dx1, p1.Lat() + t*dy1}
}

func signedArea(ring []Coord) float64 {
	area := 0.0
	n := len(ring)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		area += ring[i].Lon()*ring[j].Lat() - ring[j].Lon()*ring[i].Lat()
	}
	return area / 2
}

func reverseRing(ring []Coord) []Coord {
	out := make([]Coord, len(ring))
	for i, c := range ring {
		out[len(ring)-1-i] = c
	}
	return out
}
