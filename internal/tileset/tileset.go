// Package tileset implements the algebra of inclusive rectangular tile ranges
// used to partition a zoom level between layers.
package tileset

import (
	"fmt"
	"slices"
)

// TileSet is an inclusive range of tile columns x1..x2 and rows y1..y2 at one zoom.
type TileSet struct {
	X1   int `json:"x1"`
	X2   int `json:"x2"`
	Y1   int `json:"y1"`
	Y2   int `json:"y2"`
	Zoom int `json:"zoom"`
}

// New builds a TileSet and panics when the range is inverted.
func New(x1, x2, y1, y2, zoom int) TileSet {
	ts := TileSet{X1: x1, X2: x2, Y1: y1, Y2: y2, Zoom: zoom}
	ts.mustBeValid()
	return ts
}

func (ts TileSet) mustBeValid() {
	if ts.X1 > ts.X2 || ts.Y1 > ts.Y2 || ts.Zoom < 0 {
		panic(fmt.Sprintf("tileset: invalid range %v", ts))
	}
}

func (ts TileSet) String() string {
	return fmt.Sprintf("{z%d x%d..%d y%d..%d}", ts.Zoom, ts.X1, ts.X2, ts.Y1, ts.Y2)
}

// Width number of columns
func (ts TileSet) Width() int { return ts.X2 - ts.X1 + 1 }

// Height number of rows
func (ts TileSet) Height() int { return ts.Y2 - ts.Y1 + 1 }

// Count number of tiles in the set
func (ts TileSet) Count() int { return ts.Width() * ts.Height() }

// Contains reports whether the tile x/y is part of the set.
func (ts TileSet) Contains(x, y int) bool {
	return x >= ts.X1 && x <= ts.X2 && y >= ts.Y1 && y <= ts.Y2
}

// Covers reports whether every tile of o is part of ts.
func (ts TileSet) Covers(o TileSet) bool {
	return ts.Zoom == o.Zoom && o.X1 >= ts.X1 && o.X2 <= ts.X2 && o.Y1 >= ts.Y1 && o.Y2 <= ts.Y2
}

// IsEqualWith compares by value.
func (ts TileSet) IsEqualWith(o TileSet) bool {
	return ts == o
}

// OverlapsWith reports whether both ranges share at least one tile. Ranges are
// inclusive, so sets whose edges touch share that row or column and overlap.
func (ts TileSet) OverlapsWith(o TileSet) bool {
	return ts.Zoom == o.Zoom &&
		ts.X1 <= o.X2 && o.X1 <= ts.X2 &&
		ts.Y1 <= o.Y2 && o.Y1 <= ts.Y2
}

// Overlap returns the shared range. ok is false only when the sets are disjoint.
func (ts TileSet) Overlap(o TileSet) (overlap TileSet, ok bool) {
	if !ts.OverlapsWith(o) {
		return TileSet{}, false
	}
	return TileSet{
		X1:   max(ts.X1, o.X1),
		X2:   min(ts.X2, o.X2),
		Y1:   max(ts.Y1, o.Y1),
		Y2:   min(ts.Y2, o.Y2),
		Zoom: ts.Zoom,
	}, true
}

// IsAdjacentWith is true when both sets share a complete edge: same columns and
// consecutive rows, or same rows and consecutive columns.
func (ts TileSet) IsAdjacentWith(o TileSet) bool {
	if ts.Zoom != o.Zoom {
		return false
	}
	if ts.X1 == o.X1 && ts.X2 == o.X2 {
		return ts.Y2+1 == o.Y1 || o.Y2+1 == ts.Y1
	}
	if ts.Y1 == o.Y1 && ts.Y2 == o.Y2 {
		return ts.X2+1 == o.X1 || o.X2+1 == ts.X1
	}
	return false
}

// Touches reports sets that do not overlap but border each other along part of
// an edge.
func (ts TileSet) Touches(o TileSet) bool {
	if ts.Zoom != o.Zoom || ts.OverlapsWith(o) {
		return false
	}
	xShared := ts.X1 <= o.X2 && o.X1 <= ts.X2
	yShared := ts.Y1 <= o.Y2 && o.Y1 <= ts.Y2
	if xShared && (ts.Y2+1 == o.Y1 || o.Y2+1 == ts.Y1) {
		return true
	}
	return yShared && (ts.X2+1 == o.X1 || o.X2+1 == ts.X1)
}

// Merge grows ts to the bounding range of both sets. Only meaningful after
// IsAdjacentWith or IsEqualWith held; otherwise the result covers tiles that
// belong to neither set.
func (ts *TileSet) Merge(o TileSet) {
	ts.X1 = min(ts.X1, o.X1)
	ts.X2 = max(ts.X2, o.X2)
	ts.Y1 = min(ts.Y1, o.Y1)
	ts.Y2 = max(ts.Y2, o.Y2)
}

// Scale returns the range covering the same area at another zoom. Both
// supported pyramids double columns and rows per zoom level.
func (ts TileSet) Scale(zoom int) TileSet {
	if zoom >= ts.Zoom {
		f := 1 << (zoom - ts.Zoom)
		return TileSet{X1: ts.X1 * f, X2: (ts.X2+1)*f - 1, Y1: ts.Y1 * f, Y2: (ts.Y2+1)*f - 1, Zoom: zoom}
	}
	shift := ts.Zoom - zoom
	return TileSet{X1: ts.X1 >> shift, X2: ts.X2 >> shift, Y1: ts.Y1 >> shift, Y2: ts.Y2 >> shift, Zoom: zoom}
}

// SplitWith partitions the union of ts and other, given their precomputed
// overlap, into the parts only in ts and the parts only in other. The union's
// bounding box is cut into at most 3x3 cells along the overlap's edges; cells of
// the same side are merged back when they share a full edge.
//
// Calling it with disjoint or equal sets is a programming error.
func (ts TileSet) SplitWith(other, overlap TileSet) (nonOverlapA, nonOverlapB []TileSet) {
	if ts.IsEqualWith(other) {
		panic(fmt.Sprintf("tileset: split of equal sets %v", ts))
	}
	if o, ok := ts.Overlap(other); !ok || o != overlap {
		panic(fmt.Sprintf("tileset: split of %v and %v with overlap %v", ts, other, overlap))
	}

	columns := bands(min(ts.X1, other.X1), max(ts.X2, other.X2), overlap.X1, overlap.X2)
	rows := bands(min(ts.Y1, other.Y1), max(ts.Y2, other.Y2), overlap.Y1, overlap.Y2)
	for _, c := range columns {
		for _, r := range rows {
			cell := TileSet{X1: c[0], X2: c[1], Y1: r[0], Y2: r[1], Zoom: ts.Zoom}
			inA, inB := ts.Covers(cell), other.Covers(cell)
			switch {
			case inA && inB:
				// the overlap itself
			case inA:
				nonOverlapA = append(nonOverlapA, cell)
			case inB:
				nonOverlapB = append(nonOverlapB, cell)
			}
		}
	}
	return MergeAdjacent(nonOverlapA), MergeAdjacent(nonOverlapB)
}

// bands cuts lo..hi at the overlap o1..o2, dropping empty bands.
func bands(lo, hi, o1, o2 int) [][2]int {
	out := make([][2]int, 0, 3)
	if lo <= o1-1 {
		out = append(out, [2]int{lo, o1 - 1})
	}
	out = append(out, [2]int{o1, o2})
	if o2+1 <= hi {
		out = append(out, [2]int{o2 + 1, hi})
	}
	return out
}

// MergeAdjacent repeatedly merges pairs sharing a full edge until none remain.
func MergeAdjacent(sets []TileSet) []TileSet {
	for merged := true; merged; {
		merged = false
	scan:
		for i := 0; i < len(sets); i++ {
			for j := i + 1; j < len(sets); j++ {
				if sets[i].IsAdjacentWith(sets[j]) {
					sets[i].Merge(sets[j])
					sets = slices.Delete(sets, j, j+1)
					merged = true
					break scan
				}
			}
		}
	}
	return sets
}
