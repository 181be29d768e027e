package render

import "errors"

var (
	// ErrDecode tile bytes are not an image
	ErrDecode = errors.New("cannot decode tile image")
	// ErrServiceException the service answered with an error document
	ErrServiceException = errors.New("service exception")
	// ErrNoGeometryColumn feature table is not registered in gpkg_geometry_columns
	ErrNoGeometryColumn = errors.New("no geometry column")
	// ErrNoTileMatrix tile table is not registered in gpkg_tile_matrix_set
	ErrNoTileMatrix = errors.New("no tile matrix")
)
