package render

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/gpkg"
	"golang.org/x/image/vector"

	"Fast-TileCache/internal/extent"
	"Fast-TileCache/internal/layer"
)

type feature struct {
	geometry geom.Geometry
	bounds   extent.Extent
}

type featureSet struct {
	features []feature
	system   extent.System
}

// gpkgVector rasterizes a GeoPackage feature table with a simple style.
// Features are read once per build and kept in the cache.
type gpkgVector struct {
	cache  *Cache
	path   string
	table  string
	system extent.System
	style  layer.Style
}

func (v *gpkgVector) load(ctx context.Context) (*featureSet, error) {
	fs, release, err := cached(v.cache, "gpkg-features:"+v.path+":"+v.table, func() (nopCloser[*featureSet], error) {
		h, done, err := openGeoPackage(v.cache, v.path)
		if err != nil {
			return nopCloser[*featureSet]{}, err
		}
		defer done()
		set, err := readFeatures(ctx, h, v.table, v.system)
		return nopCloser[*featureSet]{v: set}, err
	})
	if err != nil {
		return nil, err
	}
	release()
	return fs.v, nil
}

func readFeatures(ctx context.Context, h *gpkg.Handle, table string, fallback extent.System) (*featureSet, error) {
	var column string
	var srsID int
	err := h.QueryRowContext(ctx,
		`SELECT column_name, srs_id FROM gpkg_geometry_columns WHERE table_name = ?`, table).Scan(&column, &srsID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoGeometryColumn, table, err)
	}
	set := &featureSet{system: fallback}
	if s, err := extent.SystemForEPSG(srsID); err == nil {
		set.system = s
	}

	rows, err := h.QueryContext(ctx, fmt.Sprintf(`SELECT "%s" FROM "%s"`, column, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		if len(blob) == 0 {
			continue
		}
		sb, err := gpkg.DecodeGeometry(blob)
		if err != nil {
			return nil, fmt.Errorf("decode geometry of %s: %w", table, err)
		}
		ext, err := geom.NewExtentFromGeometry(sb.Geometry)
		if err != nil {
			continue
		}
		set.features = append(set.features, feature{
			geometry: sb.Geometry,
			bounds:   extent.Extent{ext.MinX(), ext.MinY(), ext.MaxX(), ext.MaxY()},
		})
	}
	return set, rows.Err()
}

func (v *gpkgVector) Render(ctx context.Context, req Request) (Result, error) {
	set, err := v.load(ctx)
	if err != nil {
		return Result{}, err
	}
	// features are filtered in their own system, with a margin for strokes
	tile := extent.TransformExtent(req.NativeBounds(), req.System, set.system)
	margin := (v.style.LineWidth + v.style.PointRadius) * tile.Width() / float64(req.Size)
	tile = extent.Extent{tile.MinX() - margin, tile.MinY() - margin, tile.MaxX() + margin, tile.MaxY() + margin}

	p := newPainter(req, set.system, v.style)
	for _, f := range set.features {
		if _, ok := extent.Intersection(f.bounds, tile); !ok {
			continue
		}
		p.draw(f.geometry)
	}
	if !p.dirty {
		return Result{}, nil
	}
	return Result{Image: p.dst}, nil
}

type painter struct {
	dst    *image.NRGBA
	z      *vector.Rasterizer
	req    Request
	bounds extent.Extent
	from   extent.System
	style  layer.Style
	fill   *image.Uniform
	stroke *image.Uniform
	dirty  bool
}

func newPainter(req Request, from extent.System, style layer.Style) *painter {
	return &painter{
		dst:    image.NewNRGBA(image.Rect(0, 0, req.Size, req.Size)),
		z:      vector.NewRasterizer(req.Size, req.Size),
		req:    req,
		bounds: req.NativeBounds(),
		from:   from,
		style:  style,
		fill:   image.NewUniform(style.FillColor()),
		stroke: image.NewUniform(style.StrokeColor()),
	}
}

// pixel projects a source coordinate onto the destination tile.
func (p *painter) pixel(c [2]float64) (float32, float32) {
	x, y := extent.Transform(c[0], c[1], p.from, p.req.System)
	size := float64(p.req.Size)
	px := (x - p.bounds.MinX()) / p.bounds.Width() * size
	py := (p.bounds.MaxY() - y) / p.bounds.Height() * size
	return float32(px), float32(py)
}

func (p *painter) draw(g geom.Geometry) {
	switch g := g.(type) {
	case geom.Point:
		p.point(g)
	case *geom.Point:
		p.point(*g)
	case geom.MultiPoint:
		for _, pt := range g {
			p.point(pt)
		}
	case geom.LineString:
		p.line([][2]float64(g))
	case *geom.LineString:
		p.line([][2]float64(*g))
	case geom.MultiLineString:
		for _, l := range g {
			p.line(l)
		}
	case geom.Polygon:
		p.polygon([][][2]float64(g))
	case *geom.Polygon:
		p.polygon([][][2]float64(*g))
	case geom.MultiPolygon:
		for _, poly := range g {
			p.polygon(poly)
		}
	case geom.Collection:
		for _, c := range g {
			p.draw(c)
		}
	}
}

func (p *painter) paint(src *image.Uniform) {
	if src.C.(color.NRGBA).A == 0 {
		p.z.Reset(p.req.Size, p.req.Size)
		return
	}
	p.z.Draw(p.dst, p.dst.Bounds(), src, image.Point{})
	p.z.Reset(p.req.Size, p.req.Size)
	p.dirty = true
}

func (p *painter) point(c [2]float64) {
	const segments = 16
	x, y := p.pixel(c)
	r := float32(p.style.PointRadius)
	p.z.MoveTo(x+r, y)
	for i := 1; i < segments; i++ {
		a := 2 * math.Pi * float64(i) / segments
		p.z.LineTo(x+r*float32(math.Cos(a)), y+r*float32(math.Sin(a)))
	}
	p.z.ClosePath()
	p.paint(p.fill)
	p.strokeRing(pointRing(x, y, r, segments))
}

func pointRing(x, y, r float32, segments int) [][2]float32 {
	ring := make([][2]float32, 0, segments+1)
	for i := 0; i <= segments; i++ {
		a := 2 * math.Pi * float64(i) / float64(segments)
		ring = append(ring, [2]float32{x + r*float32(math.Cos(a)), y + r*float32(math.Sin(a))})
	}
	return ring
}

func (p *painter) line(coords [][2]float64) {
	px := make([][2]float32, len(coords))
	for i, c := range coords {
		x, y := p.pixel(c)
		px[i] = [2]float32{x, y}
	}
	p.strokeRing(px)
}

func (p *painter) polygon(rings [][][2]float64) {
	var outlines [][][2]float32
	for _, ring := range rings {
		if len(ring) < 3 {
			continue
		}
		px := make([][2]float32, 0, len(ring)+1)
		for _, c := range ring {
			x, y := p.pixel(c)
			px = append(px, [2]float32{x, y})
		}
		if px[0] != px[len(px)-1] {
			px = append(px, px[0])
		}
		p.z.MoveTo(px[0][0], px[0][1])
		for _, pt := range px[1:] {
			p.z.LineTo(pt[0], pt[1])
		}
		p.z.ClosePath()
		outlines = append(outlines, px)
	}
	p.paint(p.fill)
	for _, o := range outlines {
		p.strokeRing(o)
	}
}

// strokeRing draws a polyline of LineWidth as one quad per segment. The quads
// share orientation, so overlaps add up instead of cancelling.
func (p *painter) strokeRing(px [][2]float32) {
	if len(px) < 2 || p.style.LineWidth <= 0 {
		return
	}
	half := float32(p.style.LineWidth / 2)
	for i := 1; i < len(px); i++ {
		a, b := px[i-1], px[i]
		dx, dy := b[0]-a[0], b[1]-a[1]
		l := float32(math.Hypot(float64(dx), float64(dy)))
		if l == 0 {
			continue
		}
		nx, ny := -dy/l*half, dx/l*half
		p.z.MoveTo(a[0]+nx, a[1]+ny)
		p.z.LineTo(b[0]+nx, b[1]+ny)
		p.z.LineTo(b[0]-nx, b[1]-ny)
		p.z.LineTo(a[0]-nx, a[1]-ny)
		p.z.ClosePath()
	}
	p.paint(p.stroke)
}
