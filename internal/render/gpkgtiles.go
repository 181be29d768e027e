package render

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/go-spatial/geom/encoding/gpkg"
	"golang.org/x/sync/errgroup"

	"Fast-TileCache/internal/extent"
)

// indexEpsilon tile fraction ignored when an edge falls on a tile boundary.
const indexEpsilon = 1e-9

// tileMatrix one row of gpkg_tile_matrix.
type tileMatrix struct {
	zoom       int
	width      int
	height     int
	tileWidth  int
	tileHeight int
	pixelX     float64
	pixelY     float64
}

func (m tileMatrix) spanX() float64 { return float64(m.tileWidth) * m.pixelX }
func (m tileMatrix) spanY() float64 { return float64(m.tileHeight) * m.pixelY }

// tileMatrixSet the grid of one tile table: the matrix set bounds in native
// units and its levels from coarse to fine.
type tileMatrixSet struct {
	system extent.System
	bounds extent.Extent
	levels []tileMatrix
}

func readTileMatrixSet(ctx context.Context, h *gpkg.Handle, table string, fallback extent.System) (*tileMatrixSet, error) {
	set := &tileMatrixSet{system: fallback}
	var epsg sql.NullInt64
	err := h.QueryRowContext(ctx, `SELECT s.min_x, s.min_y, s.max_x, s.max_y, r.organization_coordsys_id
		FROM gpkg_tile_matrix_set s LEFT JOIN gpkg_spatial_ref_sys r ON r.srs_id = s.srs_id
		WHERE s.table_name = ?`, table).Scan(&set.bounds[0], &set.bounds[1], &set.bounds[2], &set.bounds[3], &epsg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoTileMatrix, table, err)
	}
	if epsg.Valid {
		if s, err := extent.SystemForEPSG(int(epsg.Int64)); err == nil {
			set.system = s
		}
	}

	rows, err := h.QueryContext(ctx, `SELECT zoom_level, matrix_width, matrix_height, tile_width, tile_height, pixel_x_size, pixel_y_size
		FROM gpkg_tile_matrix WHERE table_name = ? ORDER BY zoom_level`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var m tileMatrix
		if err := rows.Scan(&m.zoom, &m.width, &m.height, &m.tileWidth, &m.tileHeight, &m.pixelX, &m.pixelY); err != nil {
			return nil, err
		}
		if m.width <= 0 || m.height <= 0 || m.pixelX <= 0 || m.pixelY <= 0 {
			continue
		}
		set.levels = append(set.levels, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(set.levels) == 0 {
		return nil, fmt.Errorf("%w: %s has no zoom levels", ErrNoTileMatrix, table)
	}
	return set, nil
}

// level the coarsest level whose pixels are at least as fine as res native
// units per pixel, else the finest one.
func (s *tileMatrixSet) level(res float64) int {
	for i, m := range s.levels {
		if m.pixelX <= res*(1+indexEpsilon) {
			return i
		}
	}
	return len(s.levels) - 1
}

// cover the inclusive column and row range of m overlapping e. Rows count
// from the top of the matrix set bounds.
func (s *tileMatrixSet) cover(m tileMatrix, e extent.Extent) (c1, c2, r1, r2 int, ok bool) {
	ov, ok := extent.Intersection(e, s.bounds)
	if !ok {
		return 0, 0, 0, 0, false
	}
	sx, sy := m.spanX(), m.spanY()
	x1 := math.Floor((ov.MinX()-s.bounds.MinX())/sx + indexEpsilon)
	x2 := math.Ceil((ov.MaxX()-s.bounds.MinX())/sx-indexEpsilon) - 1
	y1 := math.Floor((s.bounds.MaxY()-ov.MaxY())/sy + indexEpsilon)
	y2 := math.Ceil((s.bounds.MaxY()-ov.MinY())/sy-indexEpsilon) - 1
	if x2 < x1 || y2 < y1 {
		return 0, 0, 0, 0, false
	}
	c1, c2 = clampIndex(x1, m.width), clampIndex(x2, m.width)
	r1, r2 = clampIndex(y1, m.height), clampIndex(y2, m.height)
	return c1, c2, r1, r2, true
}

// tileExtent native extent of tile col/row of m.
func (s *tileMatrixSet) tileExtent(m tileMatrix, col, row int) extent.Extent {
	minX := s.bounds.MinX() + float64(col)*m.spanX()
	maxY := s.bounds.MaxY() - float64(row)*m.spanY()
	return extent.Extent{minX, maxY - m.spanY(), minX + m.spanX(), maxY}
}

func clampIndex(v float64, n int) int {
	return int(math.Max(0, math.Min(v, float64(n-1))))
}

// gpkgTiles reads a GeoPackage tile pyramid table. The table's matrix set may
// cover only its data and number its zooms freely, so tiles are looked up in
// the table's own grid and handed out as pieces.
type gpkgTiles struct {
	cache    *Cache
	path     string
	table    string
	fallback extent.System
}

func (g *gpkgTiles) matrixSet(ctx context.Context) (*tileMatrixSet, error) {
	set, release, err := cached(g.cache, "gpkg-matrix:"+g.path+":"+g.table, func() (nopCloser[*tileMatrixSet], error) {
		h, done, err := openGeoPackage(g.cache, g.path)
		if err != nil {
			return nopCloser[*tileMatrixSet]{}, err
		}
		defer done()
		s, err := readTileMatrixSet(ctx, h, g.table, g.fallback)
		return nopCloser[*tileMatrixSet]{v: s}, err
	})
	if err != nil {
		return nil, err
	}
	release()
	return set.v, nil
}

func (g *gpkgTiles) Render(ctx context.Context, req Request) (Result, error) {
	set, err := g.matrixSet(ctx)
	if err != nil {
		return Result{}, err
	}
	want := extent.TransformExtent(req.NativeBounds(), req.System, set.system)
	i := set.level(want.Width() / float64(req.Size))
	c1, c2, r1, r2, ok := set.cover(set.levels[i], want)
	for ok && i > 0 && (c2-c1+1)*(r2-r1+1) > maxPieces {
		i--
		c1, c2, r1, r2, ok = set.cover(set.levels[i], want)
	}
	if !ok {
		return Result{}, nil
	}
	m := set.levels[i]

	h, release, err := openGeoPackage(g.cache, g.path)
	if err != nil {
		return Result{}, err
	}
	defer release()
	query := fmt.Sprintf(`SELECT tile_data FROM "%s" WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`, g.table)
	pieces := make([]Piece, (c2-c1+1)*(r2-r1+1))
	eg, egctx := errgroup.WithContext(ctx)
	n := 0
	for col := c1; col <= c2; col++ {
		for row := r1; row <= r2; row++ {
			n, col, row := n, col, row
			eg.Go(func() error {
				var data []byte
				err := h.QueryRowContext(egctx, query, m.zoom, col, row).Scan(&data)
				if errors.Is(err, sql.ErrNoRows) || (err == nil && len(data) == 0) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("read gpkg %s/%s: %w", g.path, g.table, err)
				}
				img, err := decodeImage(data)
				if err != nil {
					return err
				}
				pieces[n] = Piece{Image: img, Extent: set.tileExtent(m, col, row)}
				return nil
			})
			n++
		}
	}
	if err := eg.Wait(); err != nil {
		return Result{}, err
	}

	found := pieces[:0]
	for _, p := range pieces {
		if p.Image != nil {
			found = append(found, p)
		}
	}
	switch {
	case len(found) == 0:
		return Result{}, nil
	case len(found) == 1 && set.system == req.System && onGrid(found[0], req):
		return Result{Image: found[0].Image}, nil
	}
	return Result{Pieces: found, System: set.system}, nil
}

// onGrid reports whether p is exactly the destination tile.
func onGrid(p Piece, req Request) bool {
	b := p.Image.Bounds()
	if b.Dx() != req.Size || b.Dy() != req.Size {
		return false
	}
	want := req.NativeBounds()
	tol := want.Width() * indexEpsilon * 1000
	for i := range want {
		if math.Abs(want[i]-p.Extent[i]) > tol {
			return false
		}
	}
	return true
}
