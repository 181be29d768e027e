package compositor

import (
	"image"
	"math"

	"golang.org/x/image/draw"

	"Fast-TileCache/internal/extent"
	"Fast-TileCache/internal/render"
)

// Stitch draws the pieces of res onto a canvas the size of the requested tile.
// Pieces in the tile's own system are scaled sub-rectangle by sub-rectangle.
// Pieces in another system are sampled per destination pixel through the
// inverse transform.
func Stitch(res render.Result, req render.Request) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, req.Size, req.Size))
	if res.System == req.System {
		scalePieces(dst, res.Pieces, req)
	} else {
		reproject(dst, res, req)
	}
	return dst
}

func scalePieces(dst *image.NRGBA, pieces []render.Piece, req render.Request) {
	tile := req.NativeBounds()
	size := float64(req.Size)
	dx, dy := size/tile.Width(), size/tile.Height()
	for _, p := range pieces {
		if p.Image == nil || p.Extent.IsDegenerate() {
			continue
		}
		ov, ok := extent.Intersection(p.Extent, tile)
		if !ok {
			continue
		}
		b := p.Image.Bounds()
		sx, sy := float64(b.Dx())/p.Extent.Width(), float64(b.Dy())/p.Extent.Height()
		src := image.Rect(
			b.Min.X+round((ov.MinX()-p.Extent.MinX())*sx),
			b.Min.Y+round((p.Extent.MaxY()-ov.MaxY())*sy),
			b.Min.X+round((ov.MaxX()-p.Extent.MinX())*sx),
			b.Min.Y+round((p.Extent.MaxY()-ov.MinY())*sy),
		)
		to := image.Rect(
			round((ov.MinX()-tile.MinX())*dx),
			round((tile.MaxY()-ov.MaxY())*dy),
			round((ov.MaxX()-tile.MinX())*dx),
			round((tile.MaxY()-ov.MinY())*dy),
		)
		if src.Empty() || to.Empty() {
			continue
		}
		draw.ApproxBiLinear.Scale(dst, to, p.Image, src, draw.Over, nil)
	}
}

func reproject(dst *image.NRGBA, res render.Result, req render.Request) {
	tile := req.NativeBounds()
	size := float64(req.Size)
	valid := res.System.Bounds()
	for py := 0; py < req.Size; py++ {
		ny := tile.MaxY() - (float64(py)+0.5)/size*tile.Height()
		for px := 0; px < req.Size; px++ {
			nx := tile.MinX() + (float64(px)+0.5)/size*tile.Width()
			lon, lat := req.System.FromNative(nx, ny)
			if !valid.Contains(lon, lat) {
				continue
			}
			sx, sy := res.System.ToNative(lon, lat)
			for _, p := range res.Pieces {
				if p.Image == nil || !p.Extent.Contains(sx, sy) {
					continue
				}
				b := p.Image.Bounds()
				ix := b.Min.X + int((sx-p.Extent.MinX())/p.Extent.Width()*float64(b.Dx()))
				iy := b.Min.Y + int((p.Extent.MaxY()-sy)/p.Extent.Height()*float64(b.Dy()))
				dst.Set(px, py, p.Image.At(min(ix, b.Max.X-1), min(iy, b.Max.Y-1)))
				break
			}
		}
	}
}

func round(v float64) int {
	return int(math.Round(v))
}
