// Package render turns one layer into imagery for one destination tile. Each
// layer kind has its own renderer; all of them are safe for concurrent use.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register gif
	_ "image/jpeg" // register jpeg
	_ "image/png"  // register png

	log "github.com/sirupsen/logrus"
	_ "golang.org/x/image/webp" // register webp

	"Fast-TileCache/internal/extent"
	"Fast-TileCache/internal/fetch"
	"Fast-TileCache/internal/layer"
)

// Request a destination tile.
type Request struct {
	Z, X, Y int
	// Size tile width and height in pixels.
	Size   int
	System extent.System
}

// NativeBounds the tile extent in the units of the request's system.
func (r Request) NativeBounds() extent.Extent {
	return extent.NativeTileBounds(r.Z, r.X, r.Y, r.System)
}

// Piece a source image and the extent it covers, in the native units of the
// result's system.
type Piece struct {
	Image  image.Image
	Extent extent.Extent
}

// Result of rendering one layer. Image is set when the layer could draw the
// destination tile itself. Otherwise Pieces hold source images that still need
// stitching (and reprojection when System differs from the request's). An
// empty result means the layer has no data for the tile.
type Result struct {
	Image  image.Image
	Pieces []Piece
	System extent.System
}

// Empty no data for the tile
func (r Result) Empty() bool {
	return r.Image == nil && len(r.Pieces) == 0
}

// Renderer draws one layer.
type Renderer interface {
	Render(ctx context.Context, req Request) (Result, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, req Request) (Result, error)

// Render calls f.
func (f RendererFunc) Render(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// New selects the renderer for the layer's kind. File handles are opened
// lazily through cache.
func New(l layer.Layer, cache *Cache, logger log.FieldLogger) (Renderer, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	logger = logger.WithField("layer", l.Name)
	tileSize := l.TileSize
	if tileSize <= 0 {
		tileSize = 256
	}
	grid := func(src tileSource, system extent.System) Renderer {
		return &tiled{
			src:      src,
			system:   system,
			tileSize: tileSize,
			minZoom:  l.MinZoom,
			maxZoom:  l.MaxZoom,
		}
	}
	switch l.Kind {
	case layer.XYZServer:
		return grid(&xyzServer{client: newClient(l, logger), template: l.URL, subdomains: l.Subdomains}, l.System), nil
	case layer.WMTS:
		if l.WMTS == nil {
			return nil, fmt.Errorf("%w: wmts", layer.ErrMissingField)
		}
		return grid(&wmtsServer{client: newClient(l, logger), base: l.URL, opts: *l.WMTS}, l.System), nil
	case layer.WMS:
		if l.WMS == nil {
			return nil, fmt.Errorf("%w: wms", layer.ErrMissingField)
		}
		return &wmsServer{client: newClient(l, logger), base: l.URL, opts: *l.WMS}, nil
	case layer.XYZFile:
		return grid(&xyzFile{root: l.Path, ext: l.Ext}, l.System), nil
	case layer.MBTiles:
		return grid(&mbtilesFile{cache: cache, path: l.Path}, extent.WebMercator), nil
	case layer.GeoPackageTile:
		return &gpkgTiles{cache: cache, path: l.Path, table: l.Table, fallback: l.System}, nil
	case layer.GeoPackageVector:
		style := l.Style
		if style == nil {
			var err error
			if style, err = layer.ParseStyle(""); err != nil {
				return nil, err
			}
		}
		return &gpkgVector{cache: cache, path: l.Path, table: l.Table, system: l.System, style: *style}, nil
	case layer.GeoTIFF:
		return &geoTIFF{cache: cache, path: l.Path, system: l.System, extent: l.Extent}, nil
	}
	return nil, fmt.Errorf("%w: %v", layer.ErrUnknownKind, l.Kind)
}

func newClient(l layer.Layer, logger log.FieldLogger) *fetch.Client {
	return fetch.NewClient(fetch.Config{
		Timeout:   l.Timeout,
		Retries:   l.Retries,
		RateLimit: l.RateLimit,
		UserAgent: l.UserAgent,
		Headers:   l.Headers,
		UseHTTP2:  true,
	}, logger)
}

// decodeImage decodes png, jpeg, gif and webp tiles.
func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}
