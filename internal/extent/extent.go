package extent

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

// Extent represents minx, miny, maxx and maxy.
type Extent [4]float64

// MinX is the smaller of the x values.
func (e Extent) MinX() float64 { return e[0] }

// MinY is the smaller of the y values.
func (e Extent) MinY() float64 { return e[1] }

// MaxX is the larger of the x values.
func (e Extent) MaxX() float64 { return e[2] }

// MaxY is the larger of the y values.
func (e Extent) MaxY() float64 { return e[3] }

// Width is the distance of the Extent in X
func (e Extent) Width() float64 { return e[2] - e[0] }

// Height is the distance of the Extent in Y
func (e Extent) Height() float64 { return e[3] - e[1] }

// IsDegenerate reports an extent without area (a point or a line).
func (e Extent) IsDegenerate() bool {
	return e.Width() <= 0 || e.Height() <= 0
}

// Validate checks the min <= max invariant.
func (e Extent) Validate() error {
	if e[0] > e[2] || e[1] > e[3] {
		return fmt.Errorf("%w: %v", ErrInvalidExtent, e)
	}
	return nil
}

// Union returns the bounding box around both extents.
func (e Extent) Union(o Extent) Extent {
	return Extent{
		math.Min(e[0], o[0]),
		math.Min(e[1], o[1]),
		math.Max(e[2], o[2]),
		math.Max(e[3], o[3]),
	}
}

// Contains reports whether the point lies inside or on the border of e.
func (e Extent) Contains(x, y float64) bool {
	return x >= e[0] && x <= e[2] && y >= e[1] && y <= e[3]
}

// Intersection returns the overlap of a and b. A max below its min after the
// min/max step means there is no intersection; ok is false then.
func Intersection(a, b Extent) (Extent, bool) {
	r := Extent{
		math.Max(a[0], b[0]),
		math.Max(a[1], b[1]),
		math.Min(a[2], b[2]),
		math.Min(a[3], b[3]),
	}
	if r[2] < r[0] || r[3] < r[1] {
		return Extent{}, false
	}
	return r, true
}

// ClampToSystem saturates the lon/lat extent to the system's valid range.
func ClampToSystem(e Extent, s System) Extent {
	b := s.Bounds()
	return Extent{
		clamp(e[0], b[0], b[2]),
		clamp(e[1], b[1], b[3]),
		clamp(e[2], b[0], b[2]),
		clamp(e[3], b[1], b[3]),
	}
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
