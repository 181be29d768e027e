// Package compositor renders the layers of one destination tile and blends
// them into the bytes that get stored.
package compositor

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"slices"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/image/draw"

	"Fast-TileCache/internal/extent"
	"Fast-TileCache/internal/render"
)

// Layer a layer as the compositor sees it.
type Layer struct {
	ID   int
	Name string
	// Opacity 0..1 alpha the layer is drawn with. A layer at zero is not
	// rendered.
	Opacity float64
	// Extent lon/lat area the layer may draw into, bounding box filter applied.
	Extent   extent.Extent
	Renderer render.Renderer
	// Timeout bounds one render call; zero leaves it to the renderer.
	Timeout time.Duration
}

// Options shared by all tiles of a build.
type Options struct {
	TileSize int
	System   extent.System
	// RenderOrder layer ids back to front. Layers not listed are drawn last,
	// by id.
	RenderOrder []int
	JPEGQuality int
	Logger      log.FieldLogger
}

// LayerError a layer that failed for one tile.
type LayerError struct {
	LayerID int
	Name    string
	Err     error
}

func (e LayerError) Error() string {
	return fmt.Sprintf("layer %s: %s", e.Name, e.Err)
}

func (e LayerError) Unwrap() error { return e.Err }

// Tile the composited destination tile. Data is nil for a blank tile.
type Tile struct {
	Z, X, Y int
	Data    []byte
	Format  Format
	// Failed layers that contributed nothing because of an error.
	Failed []LayerError
}

// Blank reports a tile without a single visible pixel.
func (t Tile) Blank() bool { return t.Data == nil }

// Compositor composites tiles. Safe for concurrent use.
type Compositor struct {
	layers  map[int]Layer
	rank    map[int]int
	size    int
	system  extent.System
	quality int
	log     log.FieldLogger
}

// New builds a compositor over layers.
func New(layers []Layer, opts Options) *Compositor {
	if opts.TileSize <= 0 {
		opts.TileSize = 256
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = DefaultJPEGQuality
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	c := &Compositor{
		layers:  make(map[int]Layer, len(layers)),
		rank:    make(map[int]int, len(opts.RenderOrder)),
		size:    opts.TileSize,
		system:  opts.System,
		quality: opts.JPEGQuality,
		log:     opts.Logger,
	}
	for _, l := range layers {
		c.layers[l.ID] = l
	}
	for i, id := range opts.RenderOrder {
		if _, ok := c.rank[id]; !ok {
			c.rank[id] = i
		}
	}
	return c
}

// order sorts ids back to front.
func (c *Compositor) order(ids []int) []int {
	out := slices.Clone(ids)
	slices.SortStableFunc(out, func(a, b int) int {
		ra, oka := c.rank[a]
		rb, okb := c.rank[b]
		switch {
		case oka && okb:
			return ra - rb
		case oka:
			return -1
		case okb:
			return 1
		}
		return a - b
	})
	return out
}

type outcome struct {
	result render.Result
	err    error
}

// Compose renders the listed layers for tile z/x/y and blends them back to
// front. A layer error only removes that layer from the tile. The returned
// error is reserved for encoding failures and a cancelled ctx.
func (c *Compositor) Compose(ctx context.Context, z, x, y int, layerIDs []int) (Tile, error) {
	tile := Tile{Z: z, X: x, Y: y}
	req := render.Request{Z: z, X: x, Y: y, Size: c.size, System: c.system}
	ids := c.order(layerIDs)

	outcomes := make([]outcome, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		l, ok := c.layers[id]
		if !ok || l.Renderer == nil {
			outcomes[i].err = fmt.Errorf("no renderer for layer %d", id)
			continue
		}
		if l.Opacity <= 0 {
			continue
		}
		wg.Add(1)
		go func(i int, l Layer) {
			defer wg.Done()
			outcomes[i] = c.renderLayer(ctx, l, req)
		}(i, l)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return tile, err
	}

	canvas := image.NewNRGBA(image.Rect(0, 0, c.size, c.size))
	for i, id := range ids {
		l := c.layers[id]
		o := outcomes[i]
		if o.err != nil {
			c.log.WithFields(log.Fields{"layer": l.Name, "tile": fmt.Sprintf("%d/%d/%d", z, x, y)}).Debugf("render failure ~ %s", o.err)
			tile.Failed = append(tile.Failed, LayerError{LayerID: id, Name: l.Name, Err: o.err})
			continue
		}
		if o.result.Empty() {
			continue
		}
		clip, ok := ClipRect(l.Extent, req)
		if !ok {
			continue
		}
		var src image.Image
		if o.result.Image != nil {
			src = fit(o.result.Image, c.size)
		} else {
			src = Stitch(o.result, req)
		}
		opacity := min(l.Opacity, 1)
		mask := image.NewUniform(color.Alpha{A: uint8(math.Round(opacity * 255))})
		draw.DrawMask(canvas, clip, src, src.Bounds().Min.Add(clip.Min), mask, image.Point{}, draw.Over)
	}

	data, format, err := Encode(canvas, c.quality)
	if err != nil {
		return tile, err
	}
	tile.Data, tile.Format = data, format
	return tile, nil
}

func (c *Compositor) renderLayer(ctx context.Context, l Layer, req render.Request) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			o = outcome{err: fmt.Errorf("renderer panic: %v", r)}
		}
	}()
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}
	res, err := l.Renderer.Render(ctx, req)
	return outcome{result: res, err: err}
}

// fit scales img to size x size when a source delivered another size.
func fit(img image.Image, size int) image.Image {
	b := img.Bounds()
	if b.Dx() == size && b.Dy() == size {
		return img
	}
	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// ClipRect the pixel rectangle of the tile the layer may draw into: the layer
// extent intersected with the tile, grown by one pixel against rounding seams
// and clamped to the tile. ok is false when the layer misses the tile.
func ClipRect(layerExtent extent.Extent, req render.Request) (image.Rectangle, bool) {
	bounds := extent.TileBounds(req.Z, req.X, req.Y, req.System)
	ov, ok := extent.Intersection(layerExtent, bounds)
	if !ok {
		return image.Rectangle{}, false
	}
	tile := req.NativeBounds()
	native := extent.TransformExtent(extent.ClampToSystem(ov, req.System), extent.WGS84, req.System)
	size := float64(req.Size)
	sx, sy := size/tile.Width(), size/tile.Height()

	x1 := int(math.Floor((native.MinX()-tile.MinX())*sx)) - 1
	y1 := int(math.Floor((tile.MaxY()-native.MaxY())*sy)) - 1
	x2 := int(math.Ceil((native.MaxX()-tile.MinX())*sx)) + 1
	y2 := int(math.Ceil((tile.MaxY()-native.MinY())*sy)) + 1
	r := image.Rect(clampInt(x1, req.Size), clampInt(y1, req.Size), clampInt(x2, req.Size), clampInt(y2, req.Size))
	return r, !r.Empty()
}

func clampInt(v, size int) int {
	return min(max(v, 0), size)
}
