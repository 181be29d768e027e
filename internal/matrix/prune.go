package matrix

import "slices"

// Prune removes tile sets a reader can replace by upscaling the previous zoom,
// for containers with tile scaling enabled. Zooms are visited finest first in
// pairs (z, z-1). A set at z goes when it is not required itself, carries no
// layer missing at z-1, and a set at z-1 with the same layers covers it once
// scaled to z. That coarser set is then marked required.
//
// Removed sets that border a kept set sharing a layer are put back, since
// scaling cannot fill the seam between them. This is a heuristic; it is not
// known to close every gap a pruned topology can produce.
func Prune(m ZoomTileMatrix) {
	zooms := m.Zooms()
	for i := len(zooms) - 1; i >= 0; i-- {
		z := zooms[i]
		prev, ok := m[z-1]
		if !ok || len(prev) == 0 {
			continue
		}
		atZoom, atPrev := m.LayersAt(z), m.LayersAt(z-1)
		onlyInZoom := difference(atZoom, atPrev)
		onlyInPrev := difference(atPrev, atZoom)

		var kept, removed []*LayerTileSet
		for _, e := range m[z] {
			if p := scalingSource(e, prev, onlyInZoom, onlyInPrev); p != nil {
				p.Required = true
				removed = append(removed, e)
				continue
			}
			kept = append(kept, e)
		}
		if len(removed) == 0 {
			continue
		}

		var restored []*LayerTileSet
		for _, r := range removed {
			for _, k := range kept {
				if (k.IsAdjacentWith(r.TileSet) || k.Touches(r.TileSet)) && intersects(k.Layers, r.Layers) {
					restored = append(restored, r)
					break
				}
			}
		}
		// keep the build order of the survivors
		m[z] = slices.DeleteFunc(m[z], func(e *LayerTileSet) bool {
			return slices.Contains(removed, e) && !slices.Contains(restored, e)
		})
	}
}

// scalingSource finds the coarser set that can stand in for e, or nil.
func scalingSource(e *LayerTileSet, prev []*LayerTileSet, onlyInZoom, onlyInPrev []int) *LayerTileSet {
	if e.Required || intersects(e.Layers, onlyInZoom) {
		return nil
	}
	for _, p := range prev {
		if intersects(p.Layers, onlyInPrev) || !slices.Equal(p.Layers, e.Layers) {
			continue
		}
		if p.Scale(e.Zoom).Covers(e.TileSet) {
			return p
		}
	}
	return nil
}

// difference ids in a but not in b; both sorted.
func difference(a, b []int) []int {
	var out []int
	for _, id := range a {
		if _, found := slices.BinarySearch(b, id); !found {
			out = append(out, id)
		}
	}
	return out
}

// intersects reports whether two sorted id lists share an id.
func intersects(a, b []int) bool {
	i := 0
	for _, id := range a {
		for i < len(b) && b[i] < id {
			i++
		}
		if i < len(b) && b[i] == id {
			return true
		}
	}
	return false
}
