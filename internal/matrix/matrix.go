// Package matrix computes, per zoom level, the partition of tile space into
// rectangular tile sets annotated with the layers that draw into them.
package matrix

import (
	"fmt"
	"slices"
	"sort"

	"Fast-TileCache/internal/extent"
	"Fast-TileCache/internal/tileset"
)

// DrawOverlap extra pixels a layer needs around its nominal extent.
type DrawOverlap struct {
	Width  int `json:"width" mapstructure:"width"`
	Height int `json:"height" mapstructure:"height"`
}

// Layer is what the builder reads from a layer descriptor.
type Layer struct {
	ID     int
	Extent extent.Extent
	// ZoomExtents overrides Extent at single zoom levels.
	ZoomExtents map[int]extent.Extent
	MinZoom     int
	MaxZoom     int
	DrawOverlap *DrawOverlap
}

// ExtentAt returns the layer extent for zoom, before any filter is applied.
func (l Layer) ExtentAt(zoom int) extent.Extent {
	if e, ok := l.ZoomExtents[zoom]; ok {
		return e
	}
	return l.Extent
}

// Options controls a build of the tile matrix.
type Options struct {
	MinZoom  int
	MaxZoom  int
	System   extent.System
	TileSize int
	// BoundingBox optional lon/lat filter applied to every layer extent.
	BoundingBox *extent.Extent
}

// LayerTileSet a tile set with the ids of the layers contributing to it.
type LayerTileSet struct {
	tileset.TileSet
	Layers []int `json:"layers"`
	// Required marks a set a finer zoom relies on for tile scaling.
	Required bool `json:"required,omitempty"`
}

func (l LayerTileSet) String() string {
	return fmt.Sprintf("%v%v", l.TileSet, l.Layers)
}

// ZoomTileMatrix the tile sets to generate, per zoom.
type ZoomTileMatrix map[int][]*LayerTileSet

// Tile one tile of the matrix.
type Tile struct {
	Z, X, Y int
	Layers  []int
}

// Build computes the tile matrix for layers. Layers without area inside the
// bounding box at a zoom do not take part at that zoom; no area at all yields
// an empty matrix.
func Build(layers []Layer, opts Options) ZoomTileMatrix {
	if opts.TileSize <= 0 {
		opts.TileSize = 256
	}
	m := make(ZoomTileMatrix)
	if opts.MinZoom < 0 || opts.MaxZoom < opts.MinZoom {
		return m
	}
	for z := opts.MinZoom; z <= opts.MaxZoom; z++ {
		var entries []*LayerTileSet
		for _, l := range layers {
			if z < l.MinZoom || z > l.MaxZoom {
				continue
			}
			ts, ok := layerTileSet(l, z, opts)
			if !ok {
				continue
			}
			entries = add(entries, &LayerTileSet{TileSet: ts, Layers: []int{l.ID}})
		}
		if len(entries) > 0 {
			m[z] = entries
		}
	}
	return m
}

// layerTileSet the tile range a layer claims at zoom.
func layerTileSet(l Layer, zoom int, opts Options) (tileset.TileSet, bool) {
	e := l.ExtentAt(zoom)
	if opts.BoundingBox != nil {
		var ok bool
		if e, ok = extent.Intersection(e, *opts.BoundingBox); !ok {
			return tileset.TileSet{}, false
		}
	}
	e = extent.ClampToSystem(e, opts.System)
	if e.IsDegenerate() {
		return tileset.TileSet{}, false
	}
	x1, x2, y1, y2 := extent.TileRange(e, zoom, opts.System)
	if o := l.DrawOverlap; o != nil && (o.Width > 0 || o.Height > 0) {
		e = expandByPixels(e, zoom, x1, x2, y1, y2, *o, opts)
		x1, x2, y1, y2 = extent.TileRange(e, zoom, opts.System)
	}
	return tileset.New(x1, x2, y1, y2, zoom), true
}

// expandByPixels grows e by the overlap, converting pixels to degrees with the
// span of the corner tiles of the range. Near the poles the mercator tiles of a
// wide range differ in size; the corner tiles stand in for all of them.
func expandByPixels(e extent.Extent, zoom, x1, x2, y1, y2 int, o DrawOverlap, opts Options) extent.Extent {
	size := float64(opts.TileSize)
	topLeft := extent.TileBounds(zoom, x1, y1, opts.System)
	bottomRight := extent.TileBounds(zoom, x2, y2, opts.System)
	grown := extent.Extent{
		e.MinX() - float64(o.Width)*topLeft.Width()/size,
		e.MinY() - float64(o.Height)*bottomRight.Height()/size,
		e.MaxX() + float64(o.Width)*bottomRight.Width()/size,
		e.MaxY() + float64(o.Height)*topLeft.Height()/size,
	}
	return extent.ClampToSystem(grown, opts.System)
}

// add places entry into the partition. Overlaps are resolved by splitting: the
// shared part takes both layer lists, the existing entry keeps its own
// fragments and the new entry's fragments go back on the worklist.
func add(entries []*LayerTileSet, entry *LayerTileSet) []*LayerTileSet {
	toCheck := []*LayerTileSet{entry}
	for len(toCheck) > 0 {
		cur := toCheck[0]
		toCheck = toCheck[1:]

		placed := false
		for i, existing := range entries {
			if existing.TileSet.IsEqualWith(cur.TileSet) {
				existing.Layers = unionLayers(existing.Layers, cur.Layers)
				placed = true
				break
			}
			overlap, ok := cur.Overlap(existing.TileSet)
			if !ok {
				continue
			}
			nonCur, nonExisting := cur.SplitWith(existing.TileSet, overlap)
			replacement := make([]*LayerTileSet, 0, 1+len(nonExisting))
			replacement = append(replacement, &LayerTileSet{
				TileSet:  overlap,
				Layers:   unionLayers(existing.Layers, cur.Layers),
				Required: existing.Required,
			})
			for _, f := range nonExisting {
				replacement = append(replacement, &LayerTileSet{
					TileSet:  f,
					Layers:   slices.Clone(existing.Layers),
					Required: existing.Required,
				})
			}
			entries = slices.Replace(entries, i, i+1, replacement...)
			for _, f := range nonCur {
				toCheck = append(toCheck, &LayerTileSet{TileSet: f, Layers: slices.Clone(cur.Layers)})
			}
			placed = true
			break
		}
		if !placed {
			entries = append(entries, cur)
		}
	}
	return entries
}

// unionLayers returns the sorted, deduplicated union of both id lists.
func unionLayers(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.Sort(out)
	return slices.Compact(out)
}

// Zooms the zoom levels of the matrix, ascending.
func (m ZoomTileMatrix) Zooms() []int {
	zooms := make([]int, 0, len(m))
	for z := range m {
		zooms = append(zooms, z)
	}
	sort.Ints(zooms)
	return zooms
}

// Count total number of tiles in the matrix.
func (m ZoomTileMatrix) Count() int {
	n := 0
	for _, entries := range m {
		for _, e := range entries {
			n += e.Count()
		}
	}
	return n
}

// CountAt number of tiles at one zoom.
func (m ZoomTileMatrix) CountAt(zoom int) int {
	n := 0
	for _, e := range m[zoom] {
		n += e.Count()
	}
	return n
}

// Walk calls fn for every tile: zoom ascending, then tile sets in order, then x,
// then y. It stops at the first error fn returns.
func (m ZoomTileMatrix) Walk(fn func(t Tile) error) error {
	for _, z := range m.Zooms() {
		for _, e := range m[z] {
			for x := e.X1; x <= e.X2; x++ {
				for y := e.Y1; y <= e.Y2; y++ {
					if err := fn(Tile{Z: z, X: x, Y: y, Layers: e.Layers}); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// LayersAt the ids of all layers present at zoom.
func (m ZoomTileMatrix) LayersAt(zoom int) []int {
	var ids []int
	for _, e := range m[zoom] {
		ids = unionLayers(ids, e.Layers)
	}
	return ids
}

// ContentExtent is the union of all layer extents intersected with the
// bounding box filter. ok is false when nothing is left.
func ContentExtent(layers []Layer, bbox *extent.Extent) (extent.Extent, bool) {
	if len(layers) == 0 {
		return extent.Extent{}, false
	}
	content := layers[0].Extent
	for _, l := range layers[1:] {
		content = content.Union(l.Extent)
	}
	if bbox == nil {
		return content, true
	}
	return extent.Intersection(content, *bbox)
}
