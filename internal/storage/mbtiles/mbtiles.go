// Package mbtiles writes tiles in the MBTiles layout to a sqlite file or to mysql.
package mbtiles

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql" // mysql driver
	_ "github.com/mattn/go-sqlite3"    // sqlite3 driver
	log "github.com/sirupsen/logrus"

	"Fast-TileCache/internal/extent"
	"Fast-TileCache/internal/storage"
)

// Version MBTiles version written to metadata.
const Version = "1.3"

// DefaultBatchSize tiles per commit.
const DefaultBatchSize = 64

type dialect int

const (
	sqlite dialect = iota
	mysql
)

type tile struct {
	z, x, row int
	data      []byte
}

// Options store options.
type Options struct {
	BatchSize int
	Logger    log.FieldLogger
}

// Store an MBTiles store.
type Store struct {
	db        *sql.DB
	dialect   dialect
	batchSize int
	log       log.FieldLogger

	mu    sync.Mutex
	table string
	batch []tile
}

var _ storage.Store = (*Store)(nil)

// Open opens or creates a sqlite mbtiles file.
func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := optimizeConnection(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newStore(db, sqlite, opts), nil
}

// OpenMySQL writes the mbtiles tables to mysql.
func OpenMySQL(dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	return newStore(db, mysql, opts), nil
}

func newStore(db *sql.DB, d dialect, opts Options) *Store {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Store{db: db, dialect: d, batchSize: opts.BatchSize, log: opts.Logger}
}

// optimizeConnection sqlite pragmas for a single writer.
func optimizeConnection(db *sql.DB) error {
	// exclusive locking needs every statement on the one connection
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA synchronous=1", "PRAGMA locking_mode=EXCLUSIVE", "PRAGMA journal_mode=OFF"} {
		if _, err := db.Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}

// GetOrCreateSRS mbtiles only knows web mercator.
func (s *Store) GetOrCreateSRS(_ context.Context, epsg int) (int, error) {
	if epsg != extent.WebMercator.EPSG() {
		return 0, fmt.Errorf("%w: mbtiles holds EPSG:3857 tiles only, got EPSG:%d", storage.ErrUnsupportedSystem, epsg)
	}
	return epsg, nil
}

// SupportsTileScaling MBTiles has no tile scaling extension, every zoom
// level between minzoom and maxzoom must be stored.
func (s *Store) SupportsTileScaling() bool { return false }

// CreateTileTable creates the tables and writes metadata. An mbtiles holds one tile set.
func (s *Store) CreateTileTable(ctx context.Context, spec storage.TableSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if _, err := s.GetOrCreateSRS(ctx, spec.System.EPSG()); err != nil {
		return err
	}
	blob, text, ignore := "blob", "text", "insert or ignore"
	if s.dialect == mysql {
		blob, text, ignore = "mediumblob", "VARCHAR(50)", "insert ignore"
	}
	stmts := []string{
		fmt.Sprintf("create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data %s)", blob),
		fmt.Sprintf("create table if not exists metadata (name %s, value text)", text),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	// mysql has no "if not exists" for indexes, a second create fails harmlessly
	_, _ = s.db.ExecContext(ctx, "create unique index name on metadata (name)")
	_, _ = s.db.ExecContext(ctx, "create unique index tile_index on tiles (zoom_level, tile_column, tile_row)")

	for name, value := range MetaItems(spec) {
		if _, err := s.db.ExecContext(ctx, ignore+" into metadata (name, value) values (?, ?)", name, value); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.table = spec.Name
	s.mu.Unlock()
	s.log.WithField("table", spec.Name).Debugf("mbtiles tables ready")
	return nil
}

// MetaItems rows of the metadata table.
func MetaItems(spec storage.TableSpec) map[string]string {
	b := spec.ContentBounds
	x := (b.MinX() + b.MaxX()) / 2
	y := (b.MinY() + b.MaxY()) / 2
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }
	return map[string]string{
		"name":        spec.Name,
		"description": spec.Description,
		"format":      spec.ImageFormat(),
		"type":        "overlay",
		"version":     Version,
		"pixel_scale": strconv.Itoa(spec.Size()),
		"bounds":      strings.Join([]string{f(b.MinX()), f(b.MinY()), f(b.MaxX()), f(b.MaxY())}, ","),
		"center":      fmt.Sprintf("%s,%s,%d", f(x), f(y), (spec.MinZoom+spec.MaxZoom)/2),
		"minzoom":     strconv.Itoa(spec.MinZoom),
		"maxzoom":     strconv.Itoa(spec.MaxZoom),
	}
}

// flipY mbtiles rows count from the bottom.
func flipY(z, y int) int {
	return (1 << z) - y - 1
}

// WriteTile buffers the tile and commits once a batch is full.
func (s *Store) WriteTile(ctx context.Context, table string, z, x, y int, data []byte) error {
	s.mu.Lock()
	if table != s.table || s.table == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", storage.ErrUnknownTable, table)
	}
	s.batch = append(s.batch, tile{z: z, x: x, row: flipY(z, y), data: data})
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()
	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush commits the buffered tiles.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.batch
	s.batch = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	var err error
	if s.dialect == mysql {
		err = s.saveToMysql(ctx, batch)
	} else {
		err = s.saveToSqlite(ctx, batch)
	}
	if err != nil {
		return fmt.Errorf("save %d tiles: %w", len(batch), err)
	}
	return nil
}

func (s *Store) saveToSqlite(ctx context.Context, batch []tile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, "insert or replace into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?)")
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, t := range batch {
		if _, err := stmt.ExecContext(ctx, t.z, t.x, t.row, t.data); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// bulkInsert multi row insert for mysql.
func bulkInsert(batch []tile) (string, []interface{}) {
	values := make([]string, 0, len(batch))
	args := make([]interface{}, 0, len(batch)*4)
	for _, t := range batch {
		values = append(values, "(?,?,?,?)")
		args = append(args, t.z, t.x, t.row, t.data)
	}
	return "replace into tiles (zoom_level, tile_column, tile_row, tile_data) values " + strings.Join(values, ","), args
}

func (s *Store) saveToMysql(ctx context.Context, batch []tile) error {
	query, args := bulkInsert(batch)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	s.log.Debugf("save batch count %d,insert %d", len(batch), rows)
	return nil
}

// DeleteTable drops the tiles and the metadata.
func (s *Store) DeleteTable(ctx context.Context, table string) error {
	s.mu.Lock()
	if table != s.table {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", storage.ErrUnknownTable, table)
	}
	s.table = ""
	s.batch = nil
	s.mu.Unlock()
	for _, stmt := range []string{"drop table if exists tiles", "drop table if exists metadata"} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close commits what is left and closes the connection.
func (s *Store) Close() error {
	err := s.Flush(context.Background())
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}
