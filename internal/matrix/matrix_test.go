package matrix

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Fast-TileCache/internal/extent"
	"Fast-TileCache/internal/tileset"
)

// assertPartition checks that at every zoom no two entries overlap and that
// every tile is listed with exactly the layers whose range covers it.
func assertPartition(t *testing.T, m ZoomTileMatrix, layers []Layer, opts Options) {
	t.Helper()
	for z := opts.MinZoom; z <= opts.MaxZoom; z++ {
		entries := m[z]
		for i := range entries {
			for j := i + 1; j < len(entries); j++ {
				require.False(t, entries[i].OverlapsWith(entries[j].TileSet), "z%d: %v overlaps %v", z, entries[i], entries[j])
			}
		}
		cols, rows := extent.MatrixSize(z, opts.System)
		for x := 0; x < cols; x++ {
			for y := 0; y < rows; y++ {
				var want []int
				for _, l := range layers {
					if z < l.MinZoom || z > l.MaxZoom {
						continue
					}
					if ts, ok := layerTileSet(l, z, opts); ok && ts.Contains(x, y) {
						want = append(want, l.ID)
					}
				}
				sort.Ints(want)
				var got []int
				for _, e := range entries {
					if e.Contains(x, y) {
						require.Nil(t, got, "z%d/%d/%d listed twice", z, x, y)
						got = e.Layers
					}
				}
				require.Equal(t, want, got, "z%d/%d/%d", z, x, y)
			}
		}
	}
}

func twoLayers() []Layer {
	return []Layer{
		{ID: 1, Extent: extent.Extent{-10, -10, 10, 10}, MaxZoom: 22},
		{ID: 2, Extent: extent.Extent{0, -10, 20, 10}, MaxZoom: 22},
	}
}

func TestBuildTwoOverlappingLayers(t *testing.T) {
	for _, sys := range []extent.System{extent.WebMercator, extent.WGS84} {
		t.Run(sys.String(), func(t *testing.T) {
			opts := Options{MinZoom: 2, MaxZoom: 2, System: sys}
			m := Build(twoLayers(), opts)
			require.NotEmpty(t, m[2])
			assertPartition(t, m, twoLayers(), opts)
		})
	}
}

func TestBuildTwoOverlappingLayersThreeParts(t *testing.T) {
	// at zoom 5 the 10 degree steps fall in distinct columns
	opts := Options{MinZoom: 5, MaxZoom: 5, System: extent.WGS84}
	m := Build(twoLayers(), opts)
	assertPartition(t, m, twoLayers(), opts)

	byLayers := map[string]int{}
	for _, e := range m[5] {
		byLayers[fmt.Sprint(e.Layers)]++
	}
	assert.Positive(t, byLayers["[1]"])
	assert.Positive(t, byLayers["[1 2]"])
	assert.Positive(t, byLayers["[2]"])
	assert.GreaterOrEqual(t, len(m[5]), 3)
}

func TestBuildManyLayersPartition(t *testing.T) {
	layers := []Layer{
		{ID: 3, Extent: extent.Extent{-30, -20, 40, 35}, MaxZoom: 22},
		{ID: 1, Extent: extent.Extent{-10, -10, 10, 10}, MinZoom: 3, MaxZoom: 22},
		{ID: 2, Extent: extent.Extent{0, 5, 60, 50}, MaxZoom: 4},
		{ID: 4, Extent: extent.Extent{-50, -40, -20, -30}, MaxZoom: 22},
		{ID: 5, Extent: extent.Extent{-10, -10, 10, 10}, MaxZoom: 22},
		{ID: 6, Extent: extent.Extent{5, -60, 15, 60}, MaxZoom: 22,
			ZoomExtents: map[int]extent.Extent{5: {5, -5, 15, 5}}},
	}
	for _, sys := range []extent.System{extent.WebMercator, extent.WGS84} {
		t.Run(sys.String(), func(t *testing.T) {
			opts := Options{MinZoom: 0, MaxZoom: 6, System: sys}
			m := Build(layers, opts)
			assertPartition(t, m, layers, opts)
		})
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	layers := append(twoLayers(), Layer{ID: 7, Extent: extent.Extent{-5, -30, 5, 30}, MaxZoom: 22})
	opts := Options{MinZoom: 0, MaxZoom: 6, System: extent.WebMercator}
	flatten := func(m ZoomTileMatrix) []string {
		var out []string
		for z, entries := range m {
			for _, e := range entries {
				out = append(out, fmt.Sprintf("%d %v", z, e))
			}
		}
		sort.Strings(out)
		return out
	}
	assert.Equal(t, flatten(Build(layers, opts)), flatten(Build(layers, opts)))
}

func TestBuildExcludesLayers(t *testing.T) {
	bbox := extent.Extent{100, 10, 120, 30}
	tests := []struct {
		name   string
		layers []Layer
		opts   Options
	}{
		{
			name:   "outside bounding box",
			layers: twoLayers(),
			opts:   Options{MinZoom: 0, MaxZoom: 4, BoundingBox: &bbox},
		},
		{
			name:   "inverted zoom range",
			layers: twoLayers(),
			opts:   Options{MinZoom: 5, MaxZoom: 4},
		},
		{
			name:   "degenerate extent",
			layers: []Layer{{ID: 1, Extent: extent.Extent{5, 5, 5, 10}, MaxZoom: 22}},
			opts:   Options{MinZoom: 0, MaxZoom: 4},
		},
		{
			name:   "zoom range of layer",
			layers: []Layer{{ID: 1, Extent: extent.Extent{5, 5, 10, 10}, MinZoom: 8, MaxZoom: 22}},
			opts:   Options{MinZoom: 0, MaxZoom: 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Build(tt.layers, tt.opts)
			assert.Empty(t, m)
			assert.Zero(t, m.Count())
		})
	}
}

func TestBuildBoundingBoxClipsLayer(t *testing.T) {
	bbox := extent.Extent{0, 0, 45, 45}
	layers := []Layer{{ID: 1, Extent: extent.Extent{-180, -90, 180, 90}, MaxZoom: 22}}
	m := Build(layers, Options{MinZoom: 2, MaxZoom: 2, System: extent.WGS84, BoundingBox: &bbox})
	require.Len(t, m[2], 1)
	assert.Equal(t, tileset.New(4, 4, 1, 1, 2), m[2][0].TileSet)
}

func TestBuildDrawOverlap(t *testing.T) {
	layers := []Layer{{
		ID:          1,
		Extent:      extent.Extent{0, 0, 45, 45},
		MaxZoom:     22,
		DrawOverlap: &DrawOverlap{Width: 1, Height: 1},
	}}
	m := Build(layers, Options{MinZoom: 2, MaxZoom: 2, System: extent.WGS84, TileSize: 256})
	require.Len(t, m[2], 1)
	assert.Equal(t, tileset.New(3, 5, 0, 2, 2), m[2][0].TileSet)

	layers[0].DrawOverlap = nil
	m = Build(layers, Options{MinZoom: 2, MaxZoom: 2, System: extent.WGS84, TileSize: 256})
	assert.Equal(t, tileset.New(4, 4, 1, 1, 2), m[2][0].TileSet)
}

func TestWalkOrder(t *testing.T) {
	m := ZoomTileMatrix{
		3: {
			{TileSet: tileset.New(4, 5, 0, 1, 3), Layers: []int{2}},
			{TileSet: tileset.New(0, 0, 6, 6, 3), Layers: []int{1}},
		},
		1: {{TileSet: tileset.New(1, 1, 0, 0, 1), Layers: []int{1}}},
	}
	var got []string
	require.NoError(t, m.Walk(func(tile Tile) error {
		got = append(got, fmt.Sprintf("%d/%d/%d", tile.Z, tile.X, tile.Y))
		return nil
	}))
	assert.Equal(t, []string{"1/1/0", "3/4/0", "3/4/1", "3/5/0", "3/5/1", "3/0/6"}, got)
	assert.Equal(t, 6, m.Count())
	assert.Equal(t, 5, m.CountAt(3))

	stop := errors.New("stop")
	n := 0
	err := m.Walk(func(Tile) error {
		n++
		if n == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, n)
}

func TestContentExtent(t *testing.T) {
	got, ok := ContentExtent(twoLayers(), nil)
	require.True(t, ok)
	assert.Equal(t, extent.Extent{-10, -10, 20, 10}, got)

	bbox := extent.Extent{5, 0, 50, 50}
	got, ok = ContentExtent(twoLayers(), &bbox)
	require.True(t, ok)
	assert.Equal(t, extent.Extent{5, 0, 20, 10}, got)

	far := extent.Extent{100, 50, 110, 60}
	_, ok = ContentExtent(twoLayers(), &far)
	assert.False(t, ok)
	_, ok = ContentExtent(nil, nil)
	assert.False(t, ok)
}

func TestUnionLayers(t *testing.T) {
	assert.Equal(t, []int{1, 2, 3, 10}, unionLayers([]int{10, 2}, []int{3, 1, 2}))
	assert.Equal(t, []int{}, unionLayers(nil, nil))
}
