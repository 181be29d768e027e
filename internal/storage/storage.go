// Package storage describes the destination tile container a build writes
// into. Implementations live in the sub packages.
package storage

import (
	"context"
	"errors"
	"fmt"

	"Fast-TileCache/internal/extent"
)

var (
	// ErrUnsupportedSystem the container cannot hold tiles of the system.
	ErrUnsupportedSystem = errors.New("unsupported coordinate system")
	// ErrUnknownTable a write to a table that was never created.
	ErrUnknownTable = errors.New("unknown tile table")
	// ErrInvalidTable bad table name.
	ErrInvalidTable = errors.New("invalid table name")
)

// TableSpec everything needed to create a tile table.
type TableSpec struct {
	Name        string
	Description string
	// ContentBounds lon/lat extent of the data.
	ContentBounds extent.Extent
	// System the tile matrix system. The matrix covers the whole system.
	System  extent.System
	MinZoom int
	MaxZoom int
	// TileSize pixels, defaults to 256.
	TileSize int
	// Format declared image format, "png" unless set.
	Format string
	// TileScaling records the tile scaling extension where supported.
	TileScaling bool
}

// Validate checks the table definition before it is created.
func (s TableSpec) Validate() error {
	if !ValidName(s.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, s.Name)
	}
	if s.MinZoom < 0 || s.MaxZoom < s.MinZoom {
		return fmt.Errorf("invalid zoom range %d-%d", s.MinZoom, s.MaxZoom)
	}
	return s.ContentBounds.Validate()
}

// Size the tile size with its default.
func (s TableSpec) Size() int {
	if s.TileSize <= 0 {
		return 256
	}
	return s.TileSize
}

// ImageFormat the declared format with its default.
func (s TableSpec) ImageFormat() string {
	if s.Format == "" {
		return "png"
	}
	return s.Format
}

// ValidName table names end up quoted in SQL; only letters, digits and
// underscores are accepted and the first character must not be a digit.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Store a destination tile container. A store is owned by one build at a
// time; calls are not expected to be concurrent.
type Store interface {
	// CreateTileTable creates the table and its metadata, or reuses an
	// existing table of that name.
	CreateTileTable(ctx context.Context, spec TableSpec) error
	// WriteTile stores tile z/x/y, rows counted from the top.
	WriteTile(ctx context.Context, table string, z, x, y int, data []byte) error
	// Flush makes buffered writes durable.
	Flush(ctx context.Context) error
	// DeleteTable drops the table with its metadata.
	DeleteTable(ctx context.Context, table string) error
	// GetOrCreateSRS registers the EPSG code and returns its srs id.
	GetOrCreateSRS(ctx context.Context, epsg int) (int, error)
	// SupportsTileScaling reports whether readers of the container upsample
	// coarser tiles for zoom levels that were left out.
	SupportsTileScaling() bool
	Close() error
}
