package render

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Fast-TileCache/internal/extent"
	"Fast-TileCache/internal/layer"
)

func solid(size int, c color.Color) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeSource struct {
	mu    sync.Mutex
	calls [][3]int
	fail  bool
	empty bool
}

func (f *fakeSource) tile(_ context.Context, z, x, y int) (image.Image, error) {
	f.mu.Lock()
	f.calls = append(f.calls, [3]int{z, x, y})
	f.mu.Unlock()
	if f.fail {
		return nil, errors.New("boom")
	}
	if f.empty {
		return nil, nil
	}
	return solid(4, color.White), nil
}

func TestTiledDirect(t *testing.T) {
	src := &fakeSource{}
	r := &tiled{src: src, system: extent.WebMercator, tileSize: 256, maxZoom: 18}
	res, err := r.Render(context.Background(), Request{Z: 5, X: 3, Y: 7, Size: 256, System: extent.WebMercator})
	require.NoError(t, err)
	assert.NotNil(t, res.Image)
	assert.Empty(t, res.Pieces)
	assert.Equal(t, [][3]int{{5, 3, 7}}, src.calls)

	src.empty = true
	res, err = r.Render(context.Background(), Request{Z: 5, X: 3, Y: 7, Size: 256, System: extent.WebMercator})
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestTiledStitchPieces(t *testing.T) {
	src := &fakeSource{}
	r := &tiled{src: src, system: extent.WebMercator, tileSize: 256, maxZoom: 18}
	req := Request{Z: 3, X: 9, Y: 2, Size: 256, System: extent.WGS84}
	res, err := r.Render(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, res.Image)
	require.NotEmpty(t, res.Pieces)
	assert.Equal(t, extent.WebMercator, res.System)

	// pieces come from one source zoom and cover the destination tile
	zoom := src.calls[0][0]
	covered := res.Pieces[0].Extent
	for i, c := range src.calls {
		assert.Equal(t, zoom, c[0])
		covered = covered.Union(res.Pieces[i].Extent)
	}
	dst := extent.TransformExtent(req.NativeBounds(), extent.WGS84, extent.WebMercator)
	assert.LessOrEqual(t, covered.MinX(), dst.MinX()+1e-6)
	assert.GreaterOrEqual(t, covered.MaxX(), dst.MaxX()-1e-6)
	assert.LessOrEqual(t, covered.MinY(), dst.MinY()+1e-6)
	assert.GreaterOrEqual(t, covered.MaxY(), dst.MaxY()-1e-6)

	src.fail = true
	_, err = r.Render(context.Background(), req)
	assert.Error(t, err)
}

func TestTiledSourceZoom(t *testing.T) {
	r := &tiled{system: extent.WebMercator, tileSize: 256, maxZoom: 10}
	// one 256px mercator tile at zoom 4 spans 22.5 degrees
	assert.Equal(t, 4, r.sourceZoom(22.5/256))
	assert.Equal(t, 5, r.sourceZoom(22.5/256*0.9))
	assert.Equal(t, 10, r.sourceZoom(1e-9))
	assert.Equal(t, 0, r.sourceZoom(360))

	g := &tiled{system: extent.WGS84, tileSize: 256, maxZoom: 10}
	assert.Equal(t, 3, g.sourceZoom(22.5/256))
}

func TestXYZServer(t *testing.T) {
	tilePNG := pngBytes(t, solid(256, color.NRGBA{R: 255, A: 255}))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/2/1/1.png" {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(tilePNG)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	l := layer.Layer{Name: "xyz", Kind: layer.XYZServer, URL: srv.URL + "/{z}/{x}/{y}.png", MaxZoom: 5, TileSize: 256}
	l.Timeout = time.Second
	r, err := New(l, nil, nil)
	require.NoError(t, err)

	res, err := r.Render(context.Background(), Request{Z: 2, X: 1, Y: 1, Size: 256, System: extent.WebMercator})
	require.NoError(t, err)
	require.NotNil(t, res.Image)
	assert.Equal(t, color.NRGBA{R: 255, A: 255}, color.NRGBAModel.Convert(res.Image.At(10, 10)))

	res, err = r.Render(context.Background(), Request{Z: 2, X: 0, Y: 1, Size: 256, System: extent.WebMercator})
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestWMTSServer(t *testing.T) {
	tilePNG := pngBytes(t, solid(256, color.NRGBA{G: 255, A: 255}))
	var mu sync.Mutex
	var queries []url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.Query())
		mu.Unlock()
		if r.URL.Query().Get("TILECOL") == "0" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(tilePNG)
	}))
	defer srv.Close()

	l := layer.Layer{
		Name:     "ortho",
		Kind:     layer.WMTS,
		URL:      srv.URL + "/wmts?token=abc",
		MaxZoom:  10,
		TileSize: 256,
		WMTS:     &layer.WMTSOptions{Layer: "ortho", Style: "default", TileMatrixSet: "GoogleMapsCompatible", Format: "image/png"},
	}
	l.Timeout = time.Second
	r, err := New(l, nil, nil)
	require.NoError(t, err)

	res, err := r.Render(context.Background(), Request{Z: 4, X: 3, Y: 9, Size: 256, System: extent.WebMercator})
	require.NoError(t, err)
	require.NotNil(t, res.Image)
	assert.Equal(t, color.NRGBA{G: 255, A: 255}, color.NRGBAModel.Convert(res.Image.At(10, 10)))

	require.Len(t, queries, 1)
	q := queries[0]
	assert.Equal(t, "abc", q.Get("token"))
	assert.Equal(t, "WMTS", q.Get("SERVICE"))
	assert.Equal(t, "GetTile", q.Get("REQUEST"))
	assert.Equal(t, "ortho", q.Get("LAYER"))
	assert.Equal(t, "default", q.Get("STYLE"))
	assert.Equal(t, "GoogleMapsCompatible", q.Get("TILEMATRIXSET"))
	assert.Equal(t, "4", q.Get("TILEMATRIX"))
	assert.Equal(t, "9", q.Get("TILEROW"))
	assert.Equal(t, "3", q.Get("TILECOL"))
	assert.Equal(t, "image/png", q.Get("FORMAT"))

	res, err = r.Render(context.Background(), Request{Z: 4, X: 0, Y: 9, Size: 256, System: extent.WebMercator})
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestWMSGetMapURL(t *testing.T) {
	s := &wmsServer{base: "http://example.com/wms?map=a", opts: layer.WMSOptions{Layers: "roads", Version: "1.3.0", Format: "image/png"}}
	u, err := url.Parse(s.getMapURL(Request{Z: 1, X: 2, Y: 0, Size: 256, System: extent.WGS84}))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "a", q.Get("map"))
	assert.Equal(t, "GetMap", q.Get("REQUEST"))
	assert.Equal(t, "EPSG:4326", q.Get("CRS"))
	assert.Equal(t, "0,0,90,90", q.Get("BBOX"))
	assert.Equal(t, "256", q.Get("WIDTH"))

	s.opts.Version = "1.1.1"
	u, err = url.Parse(s.getMapURL(Request{Z: 1, X: 2, Y: 0, Size: 256, System: extent.WGS84}))
	require.NoError(t, err)
	assert.Equal(t, "EPSG:4326", u.Query().Get("SRS"))
	assert.Equal(t, "0,0,90,90", u.Query().Get("BBOX"))
}

func TestWMSServiceException(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.ogc.se_xml")
		_, _ = w.Write([]byte("<ServiceExceptionReport>layer not defined</ServiceExceptionReport>"))
	}))
	defer srv.Close()

	l := layer.Layer{Name: "wms", Kind: layer.WMS, URL: srv.URL, WMS: &layer.WMSOptions{Layers: "x", Version: "1.3.0", Format: "image/png"}}
	r, err := New(l, nil, nil)
	require.NoError(t, err)
	_, err = r.Render(context.Background(), Request{Z: 0, X: 0, Y: 0, Size: 256, System: extent.WebMercator})
	assert.ErrorIs(t, err, ErrServiceException)
}

func TestXYZFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "3", "2"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "3", "2", "1.png"), pngBytes(t, solid(256, color.White)), 0o644))

	r, err := New(layer.Layer{Name: "dir", Kind: layer.XYZFile, Path: root, Ext: "png", MaxZoom: 3, TileSize: 256}, nil, nil)
	require.NoError(t, err)
	res, err := r.Render(context.Background(), Request{Z: 3, X: 2, Y: 1, Size: 256})
	require.NoError(t, err)
	assert.NotNil(t, res.Image)
	res, err = r.Render(context.Background(), Request{Z: 3, X: 2, Y: 2, Size: 256})
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestMBTilesSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "src.mbtiles")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec("create table tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob)")
	require.NoError(t, err)
	// xyz row 0 at zoom 2 is tms row 3
	_, err = db.Exec("insert into tiles values (2, 1, 3, ?)", pngBytes(t, solid(256, color.White)))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cache := NewCache(time.Minute, nil)
	defer cache.Close()
	r, err := New(layer.Layer{Name: "mb", Kind: layer.MBTiles, Path: path, MaxZoom: 4, TileSize: 256}, cache, nil)
	require.NoError(t, err)
	res, err := r.Render(context.Background(), Request{Z: 2, X: 1, Y: 0, Size: 256})
	require.NoError(t, err)
	assert.NotNil(t, res.Image)
	res, err = r.Render(context.Background(), Request{Z: 2, X: 1, Y: 3, Size: 256})
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Equal(t, 1, cache.Len())
}

func TestNewUnknownKind(t *testing.T) {
	_, err := New(layer.Layer{Kind: layer.Kind(42)}, nil, nil)
	assert.ErrorIs(t, err, layer.ErrUnknownKind)
	_, err = New(layer.Layer{Kind: layer.WMTS, URL: "http://x"}, nil, nil)
	assert.ErrorIs(t, err, layer.ErrMissingField)
}

type countingCloser struct {
	closed atomic.Int32
}

func (c *countingCloser) Close() error {
	c.closed.Add(1)
	return nil
}

func TestCacheOpensOnce(t *testing.T) {
	cache := NewCache(time.Minute, nil)
	defer cache.Close()

	var opens atomic.Int32
	h := &countingCloser{}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, release, err := cached(cache, "k", func() (*countingCloser, error) {
				opens.Add(1)
				time.Sleep(10 * time.Millisecond)
				return h, nil
			})
			assert.NoError(t, err)
			assert.Same(t, h, got)
			release()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, opens.Load())

	_, _, err := cached(cache, "bad", func() (*countingCloser, error) { return nil, errors.New("nope") })
	assert.Error(t, err)
	assert.Equal(t, 1, cache.Len())
}

func TestCacheEvictsIdleHandles(t *testing.T) {
	cache := NewCache(20*time.Millisecond, nil)
	defer cache.Close()
	h := &countingCloser{}
	_, release, err := cached(cache, "idle", func() (*countingCloser, error) { return h, nil })
	require.NoError(t, err)
	release()

	require.Eventually(t, func() bool { return h.closed.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, cache.Len())
}

func TestCacheKeepsHandlesInUse(t *testing.T) {
	cache := NewCache(20*time.Millisecond, nil)
	defer cache.Close()
	h := &countingCloser{}
	_, release, err := cached(cache, "busy", func() (*countingCloser, error) { return h, nil })
	require.NoError(t, err)

	// a query outliving the idle timeout keeps its handle open
	time.Sleep(80 * time.Millisecond)
	cache.evictIdle()
	assert.Zero(t, h.closed.Load())
	assert.Equal(t, 1, cache.Len())

	// a second user of the expired handle shares it instead of reopening
	opens := 0
	got, again, err := cached(cache, "busy", func() (*countingCloser, error) { opens++; return &countingCloser{}, nil })
	require.NoError(t, err)
	assert.Same(t, h, got)
	assert.Zero(t, opens)
	again()
	assert.Zero(t, h.closed.Load())

	// release restarts the idle timeout
	release()
	cache.evictIdle()
	assert.Zero(t, h.closed.Load())
	require.Eventually(t, func() bool { return h.closed.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCacheCloseReleasesHandles(t *testing.T) {
	cache := NewCache(time.Hour, nil)
	a, b := &countingCloser{}, &countingCloser{}
	_, _, _ = cached(cache, "a", func() (*countingCloser, error) { return a, nil })
	_, _, _ = cached(cache, "b", func() (*countingCloser, error) { return b, nil })
	cache.Close()
	cache.Close()
	assert.EqualValues(t, 1, a.closed.Load())
	assert.EqualValues(t, 1, b.closed.Load())
}
