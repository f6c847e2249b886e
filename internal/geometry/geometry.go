// Package geometry sanitizes GeoJSON polygon input before it reaches the
// external compute engine. The functions here never return errors for
// malformed input: they degrade to documented sentinel values (zero
// bounding box, fail-open containment, unchanged geometry) and leave the
// rejection decision to the caller.
package geometry

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
)

// Coord is a GeoJSON position: [longitude, latitude].
type Coord [2]float64

// Lon returns the longitude (x) component.
func (c Coord) Lon() float64 { return c[0] }

// Lat returns the latitude (y) component.
func (c Coord) Lat() float64 { return c[1] }

// Type tags the two polygon variants this pipeline accepts.
type Type string

const (
	TypePolygon      Type = "Polygon"
	TypeMultiPolygon Type = "MultiPolygon"
)

// Geometry is a validated Polygon or MultiPolygon. Exactly one of Rings
// or Polygons is populated, matching Type. The first ring of each
// polygon is the outer ring; subsequent rings are holes.
type Geometry struct {
	Type     Type
	Rings    [][]Coord   // Polygon
	Polygons [][][]Coord // MultiPolygon
}

type geojson struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// UnmarshalJSON decodes a GeoJSON Polygon or MultiPolygon. Any other
// type, or missing coordinates, is an error: validation happens once at
// this boundary so the rest of the pipeline can trust the tag.
func (g *Geometry) UnmarshalJSON(data []byte) error {
	var raw geojson
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode geometry: %w", err)
	}
	switch Type(raw.Type) {
	case TypePolygon:
		var rings [][]Coord
		if err := json.Unmarshal(raw.Coordinates, &rings); err != nil {
			return fmt.Errorf("decode polygon coordinates: %w", err)
		}
		*g = Geometry{Type: TypePolygon, Rings: rings}
	case TypeMultiPolygon:
		var polys [][][]Coord
		if err := json.Unmarshal(raw.Coordinates, &polys); err != nil {
			return fmt.Errorf("decode multipolygon coordinates: %w", err)
		}
		*g = Geometry{Type: TypeMultiPolygon, Polygons: polys}
	default:
		return fmt.Errorf("unsupported geometry type %q", raw.Type)
	}
	return nil
}

// MarshalJSON encodes the geometry back to GeoJSON.
func (g Geometry) MarshalJSON() ([]byte, error) {
	switch g.Type {
	case TypePolygon:
		return json.Marshal(struct {
			Type        string    `json:"type"`
			Coordinates [][]Coord `json:"coordinates"`
		}{string(TypePolygon), g.Rings})
	case TypeMultiPolygon:
		return json.Marshal(struct {
			Type        string      `json:"type"`
			Coordinates [][][]Coord `json:"coordinates"`
		}{string(TypeMultiPolygon), g.Polygons})
	}
	return nil, fmt.Errorf("unsupported geometry type %q", g.Type)
}

// outerRings returns the outer ring of every polygon in g.
func (g *Geometry) outerRings() [][]Coord {
	if g == nil {
		return nil
	}
	switch g.Type {
	case TypePolygon:
		if len(g.Rings) > 0 {
			return g.Rings[:1]
		}
	case TypeMultiPolygon:
		var outers [][]Coord
		for _, poly := range g.Polygons {
			if len(poly) > 0 {
				outers = append(outers, poly[0])
			}
		}
		return outers
	}
	return nil
}

// allRings returns every ring of every polygon in g, holes included.
func (g *Geometry) allRings() [][]Coord {
	if g == nil {
		return nil
	}
	switch g.Type {
	case TypePolygon:
		return g.Rings
	case TypeMultiPolygon:
		var rings [][]Coord
		for _, poly := range g.Polygons {
			rings = append(rings, poly...)
		}
		return rings
	}
	return nil
}

// CoordCount returns the total number of coordinates across all rings.
func (g *Geometry) CoordCount() int {
	n := 0
	for _, ring := range g.allRings() {
		n += len(ring)
	}
	return n
}

// Hash returns a deterministic identity for the geometry's coordinate
// content. Two structurally identical drawings hash to the same value
// regardless of JSON formatting, so repeated submissions of the same
// custom area share cache and dedup identity.
func Hash(g *Geometry) string {
	h := sha256.New()
	if g != nil {
		h.Write([]byte(g.Type))
		var buf [8]byte
		for _, ring := range g.allRings() {
			binary.BigEndian.PutUint64(buf[:], uint64(len(ring)))
			h.Write(buf[:])
			for _, c := range ring {
				binary.BigEndian.PutUint64(buf[:], math.Float64bits(c[0]))
				h.Write(buf[:])
				binary.BigEndian.PutUint64(buf[:], math.Float64bits(c[1]))
				h.Write(buf[:])
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
