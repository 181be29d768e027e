// Package layer describes the sources a build composites. A Layer is a tagged
// union: Kind selects which of the kind specific fields a renderer reads.
package layer

import (
	"fmt"
	"strings"
	"time"

	"Fast-TileCache/internal/extent"
	"Fast-TileCache/internal/matrix"
)

// Kind the type of source behind a layer
type Kind int

const (
	// XYZServer remote tiles from a {z}/{x}/{y} url template
	XYZServer Kind = iota
	// WMS remote GetMap images
	WMS
	// WMTS remote KVP GetTile tiles
	WMTS
	// GeoTIFF a local georeferenced image
	GeoTIFF
	// GeoPackageTile a tile table of a local GeoPackage
	GeoPackageTile
	// GeoPackageVector a feature table of a local GeoPackage
	GeoPackageVector
	// MBTiles a local MBTiles file
	MBTiles
	// XYZFile a local directory of z/x/y tiles
	XYZFile
)

var kindNames = map[Kind]string{
	XYZServer:        "xyz",
	WMS:              "wms",
	WMTS:             "wmts",
	GeoTIFF:          "geotiff",
	GeoPackageTile:   "gpkg-tile",
	GeoPackageVector: "gpkg-vector",
	MBTiles:          "mbtiles",
	XYZFile:          "xyz-file",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Remote kinds are fetched over the network.
func (k Kind) Remote() bool {
	return k == XYZServer || k == WMS || k == WMTS
}

// NetworkOptions shared by every remote kind.
type NetworkOptions struct {
	Timeout    time.Duration
	Retries    int
	RateLimit  float64
	UserAgent  string
	Subdomains []string
	Headers    map[string]string
}

// WMSOptions GetMap parameters.
type WMSOptions struct {
	Layers      string
	Styles      string
	Version     string
	Format      string
	Transparent bool
}

// WMTSOptions GetTile parameters.
type WMTSOptions struct {
	Layer         string
	Style         string
	TileMatrixSet string
	Format        string
}

// Layer one configured source.
type Layer struct {
	ID   int
	Name string
	Kind Kind

	// Extent lon/lat area the layer has data for.
	Extent      extent.Extent
	ZoomExtents map[int]extent.Extent
	MinZoom     int
	MaxZoom     int
	Opacity     float64
	DrawOverlap *matrix.DrawOverlap

	// System of the source data or tile grid.
	System   extent.System
	TileSize int

	URL   string
	Path  string
	Table string
	// Ext file extension of XYZFile tiles.
	Ext string

	NetworkOptions
	WMS   *WMSOptions
	WMTS  *WMTSOptions
	Style *Style
}

// MatrixLayer the view of the layer the tile matrix builder needs.
func (l Layer) MatrixLayer() matrix.Layer {
	return matrix.Layer{
		ID:          l.ID,
		Extent:      l.Extent,
		ZoomExtents: l.ZoomExtents,
		MinZoom:     l.MinZoom,
		MaxZoom:     l.MaxZoom,
		DrawOverlap: l.DrawOverlap,
	}
}

// MatrixLayers converts a layer list for the tile matrix builder.
func MatrixLayers(layers []Layer) []matrix.Layer {
	out := make([]matrix.Layer, len(layers))
	for i, l := range layers {
		out[i] = l.MatrixLayer()
	}
	return out
}

// Validate checks the fields the layer's kind depends on.
func (l Layer) Validate() error {
	if err := l.Extent.Validate(); err != nil {
		return fmt.Errorf("layer %q: %w", l.Name, err)
	}
	if l.MinZoom < 0 || l.MaxZoom < l.MinZoom {
		return fmt.Errorf("layer %q: %w: %d..%d", l.Name, ErrInvalidZoom, l.MinZoom, l.MaxZoom)
	}
	if l.Opacity < 0 || l.Opacity > 1 {
		return fmt.Errorf("layer %q: %w: %v", l.Name, ErrInvalidOpacity, l.Opacity)
	}
	switch l.Kind {
	case XYZServer, WMS, WMTS:
		if l.URL == "" {
			return fmt.Errorf("layer %q: %w: url", l.Name, ErrMissingField)
		}
	case GeoTIFF, MBTiles, XYZFile:
		if l.Path == "" {
			return fmt.Errorf("layer %q: %w: path", l.Name, ErrMissingField)
		}
	case GeoPackageTile, GeoPackageVector:
		if l.Path == "" || l.Table == "" {
			return fmt.Errorf("layer %q: %w: path and table", l.Name, ErrMissingField)
		}
	default:
		return fmt.Errorf("layer %q: %w", l.Name, ErrUnknownKind)
	}
	if l.Kind == WMS && (l.WMS == nil || l.WMS.Layers == "") {
		return fmt.Errorf("layer %q: %w: wms.layers", l.Name, ErrMissingField)
	}
	if l.Kind == WMTS && (l.WMTS == nil || l.WMTS.Layer == "") {
		return fmt.Errorf("layer %q: %w: wmts.layer", l.Name, ErrMissingField)
	}
	return nil
}
