package render

import (
	"context"
	"image"

	"golang.org/x/sync/errgroup"

	"Fast-TileCache/internal/extent"
)

// maxPieces bounds how many source tiles one destination tile may need.
const maxPieces = 64

// tileSource reads single tiles of a fixed grid. A nil image means the source
// has no tile there.
type tileSource interface {
	tile(ctx context.Context, z, x, y int) (image.Image, error)
}

// tiled renders grid sources. When the source grid is the destination grid
// the tile is returned as is; otherwise the covering source tiles of the best
// matching zoom are returned as pieces.
type tiled struct {
	src      tileSource
	system   extent.System
	tileSize int
	minZoom  int
	maxZoom  int
}

func (t *tiled) Render(ctx context.Context, req Request) (Result, error) {
	if t.system == req.System && t.tileSize == req.Size && req.Z >= t.minZoom && req.Z <= t.maxZoom {
		img, err := t.src.tile(ctx, req.Z, req.X, req.Y)
		if err != nil || img == nil {
			return Result{}, err
		}
		return Result{Image: img}, nil
	}

	bounds := extent.TileBounds(req.Z, req.X, req.Y, req.System)
	z := t.sourceZoom(bounds.Width() / float64(req.Size))
	x1, x2, y1, y2 := extent.TileRange(bounds, z, t.system)
	for z > t.minZoom && (x2-x1+1)*(y2-y1+1) > maxPieces {
		z--
		x1, x2, y1, y2 = extent.TileRange(bounds, z, t.system)
	}

	pieces := make([]Piece, (x2-x1+1)*(y2-y1+1))
	g, gctx := errgroup.WithContext(ctx)
	i := 0
	for x := x1; x <= x2; x++ {
		for y := y1; y <= y2; y++ {
			i, x, y := i, x, y
			g.Go(func() error {
				img, err := t.src.tile(gctx, z, x, y)
				if err != nil {
					return err
				}
				pieces[i] = Piece{Image: img, Extent: extent.NativeTileBounds(z, x, y, t.system)}
				return nil
			})
			i++
		}
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	found := pieces[:0]
	for _, p := range pieces {
		if p.Image != nil {
			found = append(found, p)
		}
	}
	if len(found) == 0 {
		return Result{}, nil
	}
	return Result{Pieces: found, System: t.system}, nil
}

// sourceZoom the coarsest zoom whose pixels are at least as fine as degPerPixel
// (longitude degrees per destination pixel).
func (t *tiled) sourceZoom(degPerPixel float64) int {
	for z := max(t.minZoom, 0); z < t.maxZoom; z++ {
		cols, _ := extent.MatrixSize(z, t.system)
		if 360/float64(cols)/float64(t.tileSize) <= degPerPixel*(1+1e-9) {
			return z
		}
	}
	return t.maxZoom
}
