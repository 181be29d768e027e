package matrix

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Fast-TileCache/internal/extent"
)

func TestPruneSingleLayer(t *testing.T) {
	layers := []Layer{{ID: 1, Extent: extent.Extent{10, 10, 20, 20}, MinZoom: 3, MaxZoom: 4}}
	m := Build(layers, Options{MinZoom: 3, MaxZoom: 4, System: extent.WebMercator})
	require.Len(t, m[3], 1)
	require.Len(t, m[4], 1)

	Prune(m)
	assert.Empty(t, m[4])
	assert.Contains(t, m, 4)
	require.Len(t, m[3], 1)
	assert.True(t, m[3][0].Required)
	assert.Equal(t, 1, m.Count())
}

func TestPruneKeepsLayersMissingAtCoarserZoom(t *testing.T) {
	layers := []Layer{
		{ID: 1, Extent: extent.Extent{10, 10, 20, 20}, MinZoom: 3, MaxZoom: 4},
		{ID: 2, Extent: extent.Extent{-120, -40, -100, -20}, MinZoom: 4, MaxZoom: 4},
	}
	m := Build(layers, Options{MinZoom: 3, MaxZoom: 4})
	Prune(m)
	require.Len(t, m[4], 1)
	assert.Equal(t, []int{2}, m[4][0].Layers)
	assert.True(t, m[3][0].Required)
}

func TestPruneKeepsSetsWhenCoarserHasExtraLayer(t *testing.T) {
	layers := []Layer{
		{ID: 1, Extent: extent.Extent{10, 10, 20, 20}, MinZoom: 3, MaxZoom: 4},
		{ID: 2, Extent: extent.Extent{10, 10, 20, 20}, MinZoom: 3, MaxZoom: 3},
	}
	m := Build(layers, Options{MinZoom: 3, MaxZoom: 4})
	Prune(m)
	require.Len(t, m[4], 1)
	assert.False(t, m[3][0].Required)
}

func TestPruneRestoresSetsBorderingKeptSets(t *testing.T) {
	layers := []Layer{
		{ID: 1, Extent: extent.Extent{-40, -40, 40, 40}, MinZoom: 3, MaxZoom: 4},
		{ID: 2, Extent: extent.Extent{0, 0, 20, 20}, MinZoom: 4, MaxZoom: 4},
	}
	m := Build(layers, Options{MinZoom: 3, MaxZoom: 4})
	before := len(m[4])
	require.Greater(t, before, 1)

	Prune(m)
	assert.Len(t, m[4], before)
}

func TestPruneRespectsRequired(t *testing.T) {
	layers := []Layer{{ID: 1, Extent: extent.Extent{10, 10, 20, 20}, MinZoom: 2, MaxZoom: 4}}
	m := Build(layers, Options{MinZoom: 2, MaxZoom: 4})
	Prune(m)
	// zoom 4 scales from 3, which then has to stay
	assert.Empty(t, m[4])
	require.Len(t, m[3], 1)
	assert.True(t, m[3][0].Required)
	require.Len(t, m[2], 1)
	assert.False(t, m[2][0].Required)
}

func TestPruneRemovedSetsAreCovered(t *testing.T) {
	layers := []Layer{
		{ID: 1, Extent: extent.Extent{-60, -30, 60, 50}, MaxZoom: 6},
		{ID: 2, Extent: extent.Extent{-10, -10, 30, 10}, MinZoom: 2, MaxZoom: 6},
		{ID: 3, Extent: extent.Extent{100, 20, 140, 45}, MinZoom: 1, MaxZoom: 5},
		{ID: 4, Extent: extent.Extent{-170, -80, -150, -60}, MinZoom: 4, MaxZoom: 6},
	}
	for _, sys := range []extent.System{extent.WebMercator, extent.WGS84} {
		t.Run(sys.String(), func(t *testing.T) {
			opts := Options{MinZoom: 0, MaxZoom: 6, System: sys}
			full := Build(layers, opts)
			pruned := Build(layers, opts)
			Prune(pruned)

			for z, entries := range full {
				for _, e := range entries {
					if slices.ContainsFunc(pruned[z], func(p *LayerTileSet) bool { return p.TileSet == e.TileSet }) {
						continue
					}
					covered := slices.ContainsFunc(pruned[z-1], func(p *LayerTileSet) bool {
						return p.Required && slices.Equal(p.Layers, e.Layers) && p.Scale(z).Covers(e.TileSet)
					})
					assert.True(t, covered, "removed %v at z%d has no coarser counterpart", e, z)
				}
			}
			assert.Less(t, pruned.Count(), full.Count())
		})
	}
}
