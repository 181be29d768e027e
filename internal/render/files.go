package render

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-spatial/geom/encoding/gpkg"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"golang.org/x/image/tiff"

	"Fast-TileCache/internal/extent"
)

// xyzFile reads root/z/x/y.ext
type xyzFile struct {
	root string
	ext  string
}

func (f *xyzFile) tile(_ context.Context, z, x, y int) (image.Image, error) {
	name := filepath.Join(f.root, strconv.Itoa(z), strconv.Itoa(x), strconv.Itoa(y)+"."+f.ext)
	data, err := os.ReadFile(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeImage(data)
}

// mbtilesFile reads an MBTiles file. Rows are stored bottom up.
type mbtilesFile struct {
	cache *Cache
	path  string
}

func (f *mbtilesFile) tile(ctx context.Context, z, x, y int) (image.Image, error) {
	db, release, err := cached(f.cache, "mbtiles:"+f.path, func() (*sql.DB, error) {
		return sql.Open("sqlite3", "file:"+f.path+"?mode=ro")
	})
	if err != nil {
		return nil, err
	}
	defer release()
	var data []byte
	err = db.QueryRowContext(ctx,
		"select tile_data from tiles where zoom_level = ? and tile_column = ? and tile_row = ?",
		z, x, (1<<z)-y-1).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && len(data) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mbtiles %s: %w", f.path, err)
	}
	return decodeImage(data)
}

func openGeoPackage(c *Cache, path string) (*gpkg.Handle, func(), error) {
	return cached(c, "gpkg:"+path, func() (*gpkg.Handle, error) {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
		return gpkg.Open(path)
	})
}

// geoTIFF a whole raster with a declared lon/lat extent, handed to the
// compositor as a single piece.
type geoTIFF struct {
	cache  *Cache
	path   string
	system extent.System
	extent extent.Extent
}

func (g *geoTIFF) Render(_ context.Context, req Request) (Result, error) {
	if _, ok := extent.Intersection(g.extent, extent.TileBounds(req.Z, req.X, req.Y, req.System)); !ok {
		return Result{}, nil
	}
	raster, release, err := cached(g.cache, "tiff:"+g.path, func() (nopCloser[image.Image], error) {
		f, err := os.Open(g.path)
		if err != nil {
			return nopCloser[image.Image]{}, err
		}
		defer f.Close()
		img, err := tiff.Decode(f)
		if err != nil {
			return nopCloser[image.Image]{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return nopCloser[image.Image]{v: img}, nil
	})
	if err != nil {
		return Result{}, err
	}
	release()
	native := extent.TransformExtent(extent.ClampToSystem(g.extent, g.system), extent.WGS84, g.system)
	return Result{Pieces: []Piece{{Image: raster.v, Extent: native}}, System: g.system}, nil
}
