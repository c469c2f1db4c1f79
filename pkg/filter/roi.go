package filter

import (
	"fmt"

	"github.com/seclens/inferd/pkg/event"
)

// FilterMode decides how a bounding box is matched against ROI polygons
type FilterMode string

const (
	ModeCenter  FilterMode = "center"  // bbox center inside any polygon (default)
	ModeAny     FilterMode = "any"     // any bbox corner inside
	ModeAll     FilterMode = "all"     // all four corners inside
	ModeOverlap FilterMode = "overlap" // inside-area ratio >= threshold
)

// ParseFilterMode converts a config string to a FilterMode
func ParseFilterMode(s string) (FilterMode, error) {
	switch s {
	case "", string(ModeCenter):
		return ModeCenter, nil
	case string(ModeAny):
		return ModeAny, nil
	case string(ModeAll):
		return ModeAll, nil
	case string(ModeOverlap):
		return ModeOverlap, nil
	default:
		return "", fmt.Errorf("invalid roi filter mode: %s (must be center, any, all, or overlap)", s)
	}
}

// Point is a vertex in frame coordinates
type Point struct {
	X float64
	Y float64
}

// Polygon is an ordered sequence of at least 3 vertices
type Polygon []Point

// Contains reports whether p lies inside the polygon using the even-odd
// ray-casting rule. A point exactly on an edge counts as inside.
func (poly Polygon) Contains(p Point) bool {
	n := len(poly)
	if n < 3 {
		return false
	}

	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		a, b := poly[i], poly[j]

		if onSegment(p, a, b) {
			return true
		}

		if (a.Y > p.Y) != (b.Y > p.Y) {
			// X coordinate where the horizontal ray crosses edge a-b
			xCross := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < xCross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// onSegment reports whether p lies on the closed segment a-b
func onSegment(p, a, b Point) bool {
	cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
	if cross != 0 {
		return false
	}
	return min(a.X, b.X) <= p.X && p.X <= max(a.X, b.X) &&
		min(a.Y, b.Y) <= p.Y && p.Y <= max(a.Y, b.Y)
}

// Mask is a camera's region-of-interest: zero polygons means no mask
type Mask struct {
	Polygons   []Polygon
	Mode       FilterMode
	MinOverlap float64 // only for ModeOverlap
}

// Admits reports whether a bounding box passes the mask under its mode.
// A mask with no polygons admits everything.
func (m *Mask) Admits(b event.BBox) bool {
	if m == nil || len(m.Polygons) == 0 {
		return true
	}

	switch m.Mode {
	case ModeAny:
		for _, c := range corners(b) {
			if m.containsAny(c) {
				return true
			}
		}
		return false

	case ModeAll:
		for _, c := range corners(b) {
			if !m.containsAny(c) {
				return false
			}
		}
		return true

	case ModeOverlap:
		return m.overlapRatio(b) >= m.MinOverlap

	default: // ModeCenter
		return m.containsAny(Point{X: b.CenterX(), Y: b.CenterY()})
	}
}

func (m *Mask) containsAny(p Point) bool {
	for _, poly := range m.Polygons {
		if poly.Contains(p) {
			return true
		}
	}
	return false
}

// overlapRatio approximates the fraction of the bbox area lying inside
// the mask by sampling a fixed grid over the box.
func (m *Mask) overlapRatio(b event.BBox) float64 {
	const steps = 16

	if b.Area() <= 0 {
		return 0
	}

	w := b.X2 - b.X1
	h := b.Y2 - b.Y1

	inside := 0
	for i := 0; i < steps; i++ {
		for j := 0; j < steps; j++ {
			p := Point{
				X: b.X1 + w*(float64(i)+0.5)/steps,
				Y: b.Y1 + h*(float64(j)+0.5)/steps,
			}
			if m.containsAny(p) {
				inside++
			}
		}
	}
	return float64(inside) / (steps * steps)
}

func corners(b event.BBox) [4]Point {
	return [4]Point{
		{X: b.X1, Y: b.Y1},
		{X: b.X2, Y: b.Y1},
		{X: b.X2, Y: b.Y2},
		{X: b.X1, Y: b.Y2},
	}
}
