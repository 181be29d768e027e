// Package gpkg writes tile pyramids into a GeoPackage.
package gpkg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/go-spatial/geom/encoding/gpkg"
	log "github.com/sirupsen/logrus"

	"Fast-TileCache/internal/extent"
	"Fast-TileCache/internal/storage"
)

// TileScalingExtension the NGA tile scaling extension name.
const TileScalingExtension = "nga_tile_scaling"

const tileScalingDefinition = "http://ngageoint.github.io/GeoPackage/docs/extensions/tile-scaling.html"

const schema = `
CREATE TABLE IF NOT EXISTS gpkg_tile_matrix_set (
  table_name TEXT NOT NULL PRIMARY KEY,
  srs_id INTEGER NOT NULL,
  min_x DOUBLE NOT NULL,
  min_y DOUBLE NOT NULL,
  max_x DOUBLE NOT NULL,
  max_y DOUBLE NOT NULL
);
CREATE TABLE IF NOT EXISTS gpkg_tile_matrix (
  table_name TEXT NOT NULL,
  zoom_level INTEGER NOT NULL,
  matrix_width INTEGER NOT NULL,
  matrix_height INTEGER NOT NULL,
  tile_width INTEGER NOT NULL,
  tile_height INTEGER NOT NULL,
  pixel_x_size DOUBLE NOT NULL,
  pixel_y_size DOUBLE NOT NULL,
  CONSTRAINT pk_ttm PRIMARY KEY (table_name, zoom_level)
);
CREATE TABLE IF NOT EXISTS gpkg_extensions (
  table_name TEXT,
  column_name TEXT,
  extension_name TEXT NOT NULL,
  definition TEXT NOT NULL,
  scope TEXT NOT NULL,
  CONSTRAINT ge_tce UNIQUE (table_name, column_name, extension_name)
);`

const tileScalingSchema = `
CREATE TABLE IF NOT EXISTS nga_tile_scaling (
  table_name TEXT NOT NULL PRIMARY KEY,
  scaling_type TEXT NOT NULL,
  zoom_in INTEGER,
  zoom_out INTEGER
)`

// known spatial reference systems.
var systems = map[int]gpkg.SpatialReferenceSystem{
	3857: {
		Name:                   "WGS 84 / Pseudo-Mercator",
		ID:                     3857,
		Organization:           "EPSG",
		OrganizationCoordsysID: 3857,
		Definition:             `PROJCS["WGS 84 / Pseudo-Mercator",GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]],PROJECTION["Mercator_1SP"],PARAMETER["central_meridian",0],PARAMETER["scale_factor",1],PARAMETER["false_easting",0],PARAMETER["false_northing",0],UNIT["metre",1,AUTHORITY["EPSG","9001"]],AXIS["X",EAST],AXIS["Y",NORTH],EXTENSION["PROJ4","+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +wktext +no_defs"],AUTHORITY["EPSG","3857"]]`,
		Description:            "Spherical Mercator",
	},
	4326: {
		Name:                   "WGS 84 geodetic",
		ID:                     4326,
		Organization:           "EPSG",
		OrganizationCoordsysID: 4326,
		Definition:             `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]]`,
		Description:            "longitude/latitude coordinates in decimal degrees on the WGS 84 spheroid",
	},
}

type statement struct {
	query string
	args  []interface{}
}

func execAll(ctx context.Context, tx *sql.Tx, stmts []statement) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt.query, stmt.args...); err != nil {
			return err
		}
	}
	return nil
}

type tile struct {
	z, x, y int
	data    []byte
}

// Store a GeoPackage destination. Tiles are buffered and written in one
// transaction per batch.
type Store struct {
	h         *gpkg.Handle
	batchSize int
	log       log.FieldLogger

	mu      sync.Mutex
	tables  map[string]bool
	pending map[string][]tile
	count   int
}

var _ storage.Store = (*Store)(nil)

// Open opens or creates the GeoPackage at path.
func Open(path string, batchSize int, logger log.FieldLogger) (*Store, error) {
	h, err := gpkg.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geopackage %s: %w", path, err)
	}
	if _, err := h.Exec(schema); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("prepare geopackage %s: %w", path, err)
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Store{
		h:         h,
		batchSize: batchSize,
		log:       logger.WithField("gpkg", path),
		tables:    map[string]bool{},
		pending:   map[string][]tile{},
	}, nil
}

// GetOrCreateSRS returns the srs id registered for the EPSG code, adding the
// definition when the GeoPackage lacks it.
func (s *Store) GetOrCreateSRS(ctx context.Context, epsg int) (int, error) {
	var id int
	err := s.h.QueryRowContext(ctx,
		`SELECT srs_id FROM gpkg_spatial_ref_sys WHERE lower(organization) = 'epsg' AND organization_coordsys_id = ?`, epsg).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	srs, ok := systems[epsg]
	if !ok {
		return 0, fmt.Errorf("%w: EPSG:%d", storage.ErrUnsupportedSystem, epsg)
	}
	if err := s.h.UpdateSRS(srs); err != nil {
		return 0, err
	}
	return srs.ID, nil
}

// SupportsTileScaling tables created with TileScaling register the
// nga_tile_scaling extension.
func (s *Store) SupportsTileScaling() bool { return true }

// CreateTileTable creates the tile table with its contents, matrix set and
// matrix rows. An existing table of the same name is reused.
func (s *Store) CreateTileTable(ctx context.Context, spec storage.TableSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	matrixSRS, err := s.GetOrCreateSRS(ctx, spec.System.EPSG())
	if err != nil {
		return err
	}
	contentSRS, err := s.GetOrCreateSRS(ctx, extent.WGS84.EPSG())
	if err != nil {
		return err
	}

	tx, err := s.h.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	matrix := spec.System.NativeBounds()
	err = execAll(ctx, tx, []statement{
		{query: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  zoom_level INTEGER NOT NULL,
  tile_column INTEGER NOT NULL,
  tile_row INTEGER NOT NULL,
  tile_data BLOB NOT NULL,
  UNIQUE (zoom_level, tile_column, tile_row))`, spec.Name)},
		{
			query: `INSERT OR REPLACE INTO gpkg_contents (table_name, data_type, identifier, description, last_change, min_x, min_y, max_x, max_y, srs_id)
  VALUES (?, 'tiles', ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'), ?, ?, ?, ?, ?)`,
			args: []interface{}{spec.Name, spec.Name, spec.Description,
				spec.ContentBounds.MinX(), spec.ContentBounds.MinY(), spec.ContentBounds.MaxX(), spec.ContentBounds.MaxY(), contentSRS},
		},
		{
			query: `INSERT OR REPLACE INTO gpkg_tile_matrix_set (table_name, srs_id, min_x, min_y, max_x, max_y) VALUES (?, ?, ?, ?, ?, ?)`,
			args:  []interface{}{spec.Name, matrixSRS, matrix.MinX(), matrix.MinY(), matrix.MaxX(), matrix.MaxY()},
		},
	})
	if err != nil {
		return fmt.Errorf("create tile table %s: %w", spec.Name, err)
	}

	size := spec.Size()
	for _, row := range MatrixRows(spec.System, spec.MinZoom, spec.MaxZoom, size) {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO gpkg_tile_matrix
  (table_name, zoom_level, matrix_width, matrix_height, tile_width, tile_height, pixel_x_size, pixel_y_size)
  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			spec.Name, row.Zoom, row.Width, row.Height, size, size, row.PixelXSize, row.PixelYSize)
		if err != nil {
			return fmt.Errorf("tile matrix %s/%d: %w", spec.Name, row.Zoom, err)
		}
	}

	if spec.TileScaling {
		if err := addTileScaling(ctx, tx, spec.Name); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.mu.Lock()
	s.tables[spec.Name] = true
	s.mu.Unlock()
	s.log.WithField("table", spec.Name).Debugf("tile table ready, zoom %d-%d", spec.MinZoom, spec.MaxZoom)
	return nil
}

// addTileScaling records that readers may scale tiles two levels in and out.
func addTileScaling(ctx context.Context, tx *sql.Tx, table string) error {
	err := execAll(ctx, tx, []statement{
		{query: tileScalingSchema},
		{
			query: `INSERT OR REPLACE INTO nga_tile_scaling (table_name, scaling_type, zoom_in, zoom_out) VALUES (?, 'in_out', 2, 2)`,
			args:  []interface{}{table},
		},
		{
			query: `INSERT OR IGNORE INTO gpkg_extensions (table_name, column_name, extension_name, definition, scope) VALUES (?, NULL, ?, ?, 'read-write')`,
			args:  []interface{}{TileScalingExtension, TileScalingExtension, tileScalingDefinition},
		},
		{
			query: `INSERT OR IGNORE INTO gpkg_extensions (table_name, column_name, extension_name, definition, scope) VALUES (?, NULL, ?, ?, 'read-write')`,
			args:  []interface{}{table, TileScalingExtension, tileScalingDefinition},
		},
	})
	if err != nil {
		return fmt.Errorf("tile scaling %s: %w", table, err)
	}
	return nil
}

// MatrixRow one gpkg_tile_matrix row.
type MatrixRow struct {
	Zoom, Width, Height    int
	PixelXSize, PixelYSize float64
}

// MatrixRows the tile matrix of the system for the zoom range.
func MatrixRows(system extent.System, minZoom, maxZoom, tileSize int) []MatrixRow {
	bounds := system.NativeBounds()
	rows := make([]MatrixRow, 0, maxZoom-minZoom+1)
	for z := minZoom; z <= maxZoom; z++ {
		cols, rws := extent.MatrixSize(z, system)
		rows = append(rows, MatrixRow{
			Zoom:       z,
			Width:      cols,
			Height:     rws,
			PixelXSize: bounds.Width() / float64(cols*tileSize),
			PixelYSize: bounds.Height() / float64(rws*tileSize),
		})
	}
	return rows
}

// WriteTile buffers the tile, rows counted from the top as in the matrix.
func (s *Store) WriteTile(ctx context.Context, table string, z, x, y int, data []byte) error {
	s.mu.Lock()
	if !s.tables[table] {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", storage.ErrUnknownTable, table)
	}
	s.pending[table] = append(s.pending[table], tile{z: z, x: x, y: y, data: data})
	s.count++
	full := s.count >= s.batchSize
	s.mu.Unlock()
	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes the buffered tiles.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = map[string][]tile{}
	s.count = 0
	s.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	tx, err := s.h.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for table, tiles := range pending {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			`INSERT OR REPLACE INTO "%s" (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`, table))
		if err != nil {
			return err
		}
		for _, t := range tiles {
			if _, err := stmt.ExecContext(ctx, t.z, t.x, t.y, t.data); err != nil {
				_ = stmt.Close()
				return fmt.Errorf("write tile %s %d/%d/%d: %w", table, t.z, t.x, t.y, err)
			}
		}
		_ = stmt.Close()
	}
	return tx.Commit()
}

// DeleteTable drops the tile table and every metadata row that names it.
func (s *Store) DeleteTable(ctx context.Context, table string) error {
	if !storage.ValidName(table) {
		return fmt.Errorf("%w: %q", storage.ErrInvalidTable, table)
	}
	s.mu.Lock()
	if n := len(s.pending[table]); n > 0 {
		delete(s.pending, table)
		s.count -= n
	}
	delete(s.tables, table)
	s.mu.Unlock()

	tx, err := s.h.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	var scaling int
	err = tx.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, TileScalingExtension).Scan(&scaling)
	if err != nil {
		return err
	}
	stmts := []statement{
		{query: `DELETE FROM gpkg_tile_matrix WHERE table_name = ?`, args: []interface{}{table}},
		{query: `DELETE FROM gpkg_tile_matrix_set WHERE table_name = ?`, args: []interface{}{table}},
		{query: `DELETE FROM gpkg_extensions WHERE table_name = ?`, args: []interface{}{table}},
	}
	if scaling > 0 {
		stmts = append(stmts, statement{query: `DELETE FROM nga_tile_scaling WHERE table_name = ?`, args: []interface{}{table}})
	}
	stmts = append(stmts,
		statement{query: `DELETE FROM gpkg_contents WHERE table_name = ?`, args: []interface{}{table}},
		statement{query: fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, table)},
	)
	if err := execAll(ctx, tx, stmts); err != nil {
		return fmt.Errorf("delete tile table %s: %w", table, err)
	}
	return tx.Commit()
}

// Close flushes and closes the GeoPackage.
func (s *Store) Close() error {
	err := s.Flush(context.Background())
	if cerr := s.h.Close(); err == nil {
		err = cerr
	}
	return err
}
