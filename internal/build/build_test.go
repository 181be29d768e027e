package build

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Fast-TileCache/internal/extent"
	"Fast-TileCache/internal/fetch"
	"Fast-TileCache/internal/layer"
	"Fast-TileCache/internal/ledger"
	"Fast-TileCache/internal/progress"
	"Fast-TileCache/internal/render"
	"Fast-TileCache/internal/storage"
	"Fast-TileCache/internal/storage/mbtiles"
)

type written struct{ z, x, y int }

type memStore struct {
	mu      sync.Mutex
	specs   []storage.TableSpec
	tiles   []written
	deleted []string
	flushes int
	failAt  int
	scaling bool
}

func (s *memStore) CreateTileTable(_ context.Context, spec storage.TableSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs = append(s.specs, spec)
	return nil
}

func (s *memStore) WriteTile(_ context.Context, _ string, z, x, y int, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.tiles)+1 == s.failAt {
		return errors.New("disk full")
	}
	s.tiles = append(s.tiles, written{z, x, y})
	return nil
}

func (s *memStore) Flush(context.Context) error {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	return nil
}

func (s *memStore) DeleteTable(_ context.Context, table string) error {
	s.mu.Lock()
	s.deleted = append(s.deleted, table)
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetOrCreateSRS(_ context.Context, epsg int) (int, error) { return epsg, nil }
func (s *memStore) SupportsTileScaling() bool { return s.scaling }
func (s *memStore) Close() error              { return nil }

type memLedger struct {
	ledger.Nop
	mu     sync.Mutex
	cursor int
	saved  []int
	fails  []ledger.Entry
	blanks []ledger.Entry
}

func (l *memLedger) Cursor(context.Context) (int, error) { return l.cursor, nil }

func (l *memLedger) SaveCursor(_ context.Context, n int) error {
	l.mu.Lock()
	l.saved = append(l.saved, n)
	l.mu.Unlock()
	return nil
}

func (l *memLedger) Fail(_ context.Context, e ledger.Entry) error {
	l.mu.Lock()
	l.fails = append(l.fails, e)
	l.mu.Unlock()
	return nil
}

func (l *memLedger) Blank(_ context.Context, e ledger.Entry) error {
	l.mu.Lock()
	l.blanks = append(l.blanks, e)
	l.mu.Unlock()
	return nil
}

type statuses struct {
	mu   sync.Mutex
	seen []progress.Status
}

func (s *statuses) fn(st progress.Status) {
	s.mu.Lock()
	s.seen = append(s.seen, st)
	s.mu.Unlock()
}

func (s *statuses) last() progress.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[len(s.seen)-1]
}

var world = extent.Extent{-180, -90, 180, 90}

func solidTile(size int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}

// renderers maps layer ids to render functions.
func renderers(fns map[int]render.RendererFunc) RendererFunc {
	return func(l layer.Layer, _ *render.Cache, _ log.FieldLogger) (render.Renderer, error) {
		fn, ok := fns[l.ID]
		if !ok {
			return nil, fmt.Errorf("no renderer for %d", l.ID)
		}
		return fn, nil
	}
}

func opaque(_ context.Context, req render.Request) (render.Result, error) {
	return render.Result{Image: solidTile(req.Size)}, nil
}

func baseConfig(store storage.Store, st *statuses) Config {
	return Config{
		Options: Options{ID: "test", Table: "cache", MinZoom: 0, MaxZoom: 1, System: extent.WebMercator, TileSize: 16},
		Layers:  []layer.Layer{{ID: 1, Name: "base", Kind: layer.XYZFile, Extent: world, MaxZoom: 5, Opacity: 1}},
		Store:   store,
		Status:  st.fn,
	}
}

var allTiles = []written{{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {1, 1, 0}, {1, 1, 1}}

func TestRunCompletes(t *testing.T) {
	store, st := &memStore{}, &statuses{}
	cfg := baseConfig(store, st)
	cfg.Renderer = renderers(map[int]render.RendererFunc{1: opaque})
	b := New(cfg)

	res, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.Completed, res.State)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 5, res.Written)
	assert.Equal(t, allTiles, store.tiles)
	require.Len(t, store.specs, 1)
	assert.Equal(t, "cache", store.specs[0].Name)
	assert.Equal(t, 0, store.specs[0].MinZoom)
	assert.Equal(t, 1, store.specs[0].MaxZoom)

	assert.Equal(t, progress.Completed, st.last().State)
	assert.Equal(t, progress.Completed, b.Status().State)
	assert.Equal(t, 5, b.Plan().Count())

	_, err = b.Run(context.Background())
	assert.Error(t, err)
}

func TestRunSkipsBlankTiles(t *testing.T) {
	store, st := &memStore{}, &statuses{}
	led := &memLedger{}
	cfg := baseConfig(store, st)
	cfg.Ledger = led
	cfg.Renderer = renderers(map[int]render.RendererFunc{1: func(ctx context.Context, req render.Request) (render.Result, error) {
		if req.Z == 1 && req.X == 0 {
			return render.Result{}, nil
		}
		return opaque(ctx, req)
	}})

	res, err := New(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Written)
	assert.Equal(t, 2, res.Blank)
	assert.Equal(t, []written{{0, 0, 0}, {1, 1, 0}, {1, 1, 1}}, store.tiles)
	assert.Len(t, led.blanks, 2)
	assert.Equal(t, []int{5}, led.saved)
}

func TestRunEmptyMatrixCompletes(t *testing.T) {
	store, st := &memStore{}, &statuses{}
	cfg := baseConfig(store, st)
	cfg.Layers[0].Extent = extent.Extent{0, 0, 10, 10}
	cfg.BoundingBox = &extent.Extent{-50, -50, -40, -40}
	cfg.Renderer = renderers(map[int]render.RendererFunc{1: opaque})

	res, err := New(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.Completed, res.State)
	assert.Zero(t, res.Total)
	assert.Empty(t, store.specs)
	assert.Equal(t, progress.Completed, st.last().State)
}

func TestRunFailureDeletesTable(t *testing.T) {
	store, st := &memStore{failAt: 3}, &statuses{}
	cfg := baseConfig(store, st)
	cfg.Renderer = renderers(map[int]render.RendererFunc{1: opaque})

	res, err := New(cfg).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, progress.Failed, res.State)
	assert.Equal(t, []string{"cache"}, store.deleted)
	last := st.last()
	assert.Equal(t, progress.Failed, last.State)
	assert.Contains(t, last.Error, "disk full")
}

func TestRunPrepareFailure(t *testing.T) {
	store, st := &memStore{}, &statuses{}
	cfg := baseConfig(store, st)
	cfg.Renderer = renderers(nil)

	res, err := New(cfg).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, progress.Failed, res.State)
	assert.Empty(t, store.specs)
	assert.Empty(t, store.deleted)
}

func TestRunCancelKeepsWrittenTiles(t *testing.T) {
	store, st := &memStore{}, &statuses{}
	cfg := baseConfig(store, st)
	var b *Build
	cfg.Renderer = renderers(map[int]render.RendererFunc{1: func(ctx context.Context, req render.Request) (render.Result, error) {
		if req.Z == 1 && req.X == 0 && req.Y == 1 {
			b.Cancel()
		}
		return opaque(ctx, req)
	}})
	b = New(cfg)

	res, err := b.Run(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, progress.Cancelled, res.State)
	assert.Equal(t, allTiles[:2], store.tiles)
	assert.Empty(t, store.deleted)
	assert.Equal(t, progress.Cancelled, st.last().State)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	store, st := &memStore{}, &statuses{}
	cfg := baseConfig(store, st)
	cfg.Renderer = renderers(map[int]render.RendererFunc{1: opaque})
	b := New(cfg)
	b.Cancel()

	res, err := b.Run(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, progress.Cancelled, res.State)
	assert.Empty(t, store.tiles)
}

func TestRunResumesFromCursor(t *testing.T) {
	store, st := &memStore{}, &statuses{}
	led := &memLedger{cursor: 3}
	cfg := baseConfig(store, st)
	cfg.Ledger = led
	cfg.CursorEvery = 1
	cfg.Renderer = renderers(map[int]render.RendererFunc{1: opaque})

	res, err := New(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, allTiles[3:], store.tiles)
	assert.Equal(t, []int{4, 5, 5}, led.saved)
}

func TestRunIsolatesSlowLayer(t *testing.T) {
	store, st := &memStore{}, &statuses{}
	led := &memLedger{}
	cfg := baseConfig(store, st)
	cfg.Ledger = led
	cfg.SlowThreshold = 2
	cfg.Layers = append(cfg.Layers, layer.Layer{ID: 2, Name: "remote", Kind: layer.XYZServer, Extent: world, MaxZoom: 5, Opacity: 1})
	cfg.Renderer = renderers(map[int]render.RendererFunc{
		1: opaque,
		2: func(context.Context, render.Request) (render.Result, error) {
			return render.Result{}, fmt.Errorf("fetch: %w", fetch.ErrTimeout)
		},
	})

	res, err := New(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Written)
	assert.Equal(t, 5, res.Failed)
	assert.Equal(t, []string{"remote"}, res.Slow)
	require.Len(t, led.fails, 5)
	assert.Contains(t, led.fails[0].Res, "remote")
}

func TestRunIntoMBTiles(t *testing.T) {
	store, err := mbtiles.Open(filepath.Join(t.TempDir(), "out.mbtiles"), mbtiles.Options{})
	require.NoError(t, err)
	defer store.Close()

	cfg := baseConfig(store, &statuses{})
	cfg.Renderer = renderers(map[int]render.RendererFunc{
		1: func(_ context.Context, req render.Request) (render.Result, error) {
			img := image.NewNRGBA(image.Rect(0, 0, req.Size, req.Size))
			img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
			return render.Result{Image: img}, nil
		},
	})
	res, err := New(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Written)
}

func TestRunTileScalingPrunes(t *testing.T) {
	store, st := &memStore{scaling: true}, &statuses{}
	cfg := baseConfig(store, st)
	cfg.TileScaling = true
	cfg.Renderer = renderers(map[int]render.RendererFunc{1: opaque})

	res, err := New(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, allTiles[:1], store.tiles)
	require.Len(t, store.specs, 1)
	assert.True(t, store.specs[0].TileScaling)
}

func TestRunTileScalingNeedsStoreSupport(t *testing.T) {
	store, st := &memStore{}, &statuses{}
	cfg := baseConfig(store, st)
	cfg.TileScaling = true
	cfg.Renderer = renderers(map[int]render.RendererFunc{1: opaque})

	res, err := New(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, allTiles, store.tiles)
	require.Len(t, store.specs, 1)
	assert.False(t, store.specs[0].TileScaling)
}

func TestComputeWithoutStoreHonoursTileScaling(t *testing.T) {
	cfg := baseConfig(nil, &statuses{})
	cfg.TileScaling = true
	m, _, ok := New(cfg).Compute()
	require.True(t, ok)
	assert.Equal(t, 1, m.Count())
}

func TestRunTileScalingIntoMBTilesKeepsEveryZoom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mbtiles")
	store, err := mbtiles.Open(path, mbtiles.Options{})
	require.NoError(t, err)

	cfg := baseConfig(store, &statuses{})
	cfg.TileScaling = true
	cfg.Renderer = renderers(map[int]render.RendererFunc{1: opaque})
	res, err := New(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Written)
	require.NoError(t, store.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow("select count(*) from tiles where zoom_level = 1").Scan(&n))
	assert.Equal(t, 4, n)
	var maxZoom string
	require.NoError(t, db.QueryRow("select value from metadata where name = 'maxzoom'").Scan(&maxZoom))
	assert.Equal(t, "1", maxZoom)
}

func TestCancelStateSticks(t *testing.T) {
	st := &statuses{}
	b := New(baseConfig(&memStore{}, st))
	b.report(progress.Status{State: progress.GeneratingTiles, Processed: 1, Total: 5})
	b.Cancel()
	// delivered at once although the interval has not passed
	require.Len(t, st.seen, 2)
	assert.Equal(t, progress.Cancelling, st.last().State)

	b.report(progress.Status{State: progress.GeneratingTiles, Processed: 2, Total: 5})
	s := b.Status()
	assert.Equal(t, progress.Cancelling, s.State)
	assert.Equal(t, 2, s.Processed)

	b.report(progress.Status{State: progress.Cancelled})
	assert.Equal(t, progress.Cancelled, b.Status().State)
}
