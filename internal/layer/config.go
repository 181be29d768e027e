package layer

import (
	"fmt"
	"strconv"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"

	"Fast-TileCache/internal/extent"
	"Fast-TileCache/internal/matrix"
)

// Config a [[layers]] table of the configuration file.
type Config struct {
	Name        string               `mapstructure:"name" validate:"required"`
	Kind        string               `mapstructure:"kind" validate:"required,oneof=xyz wms wmts geotiff gpkg-tile gpkg-vector mbtiles xyz-file"`
	Extent      []float64            `mapstructure:"extent" validate:"omitempty,len=4"`
	ZoomExtents map[string][]float64 `mapstructure:"zoomExtents" validate:"omitempty,dive,len=4"`
	MinZoom     int                  `mapstructure:"minZoom" default:"0" validate:"min=0,max=30"`
	MaxZoom     int                  `mapstructure:"maxZoom" default:"22" validate:"max=30,gtefield=MinZoom"`
	Opacity     *float64             `mapstructure:"opacity" validate:"omitempty,min=0,max=1"`
	DrawOverlap *matrix.DrawOverlap  `mapstructure:"drawOverlap"`

	System   string `mapstructure:"system" default:"EPSG:3857"`
	TileSize int    `mapstructure:"tileSize" default:"256" validate:"min=1"`

	URL   string `mapstructure:"url"`
	Path  string `mapstructure:"path"`
	Table string `mapstructure:"table"`
	Ext   string `mapstructure:"ext" default:"png"`

	Timeout    time.Duration     `mapstructure:"timeout" default:"30s"`
	Retries    int               `mapstructure:"retries" default:"3" validate:"min=0"`
	RateLimit  float64           `mapstructure:"rateLimit" validate:"min=0"`
	UserAgent  string            `mapstructure:"userAgent" default:"Fast-TileCache"`
	Subdomains []string          `mapstructure:"subdomains"`
	Headers    map[string]string `mapstructure:"headers"`

	WMS  *WMSOptions  `mapstructure:"wms"`
	WMTS *WMTSOptions `mapstructure:"wmts"`
	// Style JSON style document of vector layers.
	Style string `mapstructure:"style"`
}

// Layer fills defaults, validates and converts the table into a Layer with the
// given id. Layers without an extent cover the whole system; an unset opacity
// is 1.
func (c Config) Layer(id int) (Layer, error) {
	if err := defaults.Set(&c); err != nil {
		return Layer{}, err
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return Layer{}, fmt.Errorf("layer %q: %w", c.Name, err)
	}
	kind, err := ParseKind(c.Kind)
	if err != nil {
		return Layer{}, err
	}
	system, err := extent.ParseSystem(c.System)
	if err != nil {
		return Layer{}, fmt.Errorf("layer %q: %w", c.Name, err)
	}

	opacity := 1.0
	if c.Opacity != nil {
		opacity = *c.Opacity
	}
	l := Layer{
		ID:          id,
		Name:        c.Name,
		Kind:        kind,
		Extent:      system.Bounds(),
		MinZoom:     c.MinZoom,
		MaxZoom:     c.MaxZoom,
		Opacity:     opacity,
		DrawOverlap: c.DrawOverlap,
		System:      system,
		TileSize:    c.TileSize,
		URL:         c.URL,
		Path:        c.Path,
		Table:       c.Table,
		Ext:         c.Ext,
		NetworkOptions: NetworkOptions{
			Timeout:    c.Timeout,
			Retries:    c.Retries,
			RateLimit:  c.RateLimit,
			UserAgent:  c.UserAgent,
			Subdomains: c.Subdomains,
			Headers:    c.Headers,
		},
		WMS:  c.WMS,
		WMTS: c.WMTS,
	}
	if len(c.Extent) == 4 {
		l.Extent = extent.Extent{c.Extent[0], c.Extent[1], c.Extent[2], c.Extent[3]}
	}
	for k, v := range c.ZoomExtents {
		z, err := strconv.Atoi(k)
		if err != nil {
			return Layer{}, fmt.Errorf("layer %q: zoom extent key %q: %w", c.Name, k, err)
		}
		if l.ZoomExtents == nil {
			l.ZoomExtents = make(map[int]extent.Extent, len(c.ZoomExtents))
		}
		l.ZoomExtents[z] = extent.Extent{v[0], v[1], v[2], v[3]}
	}
	if l.WMS != nil {
		if l.WMS.Version == "" {
			l.WMS.Version = "1.3.0"
		}
		if l.WMS.Format == "" {
			l.WMS.Format = "image/png"
		}
	}
	if l.WMTS != nil {
		if l.WMTS.TileMatrixSet == "" {
			l.WMTS.TileMatrixSet = "GoogleMapsCompatible"
		}
		if l.WMTS.Format == "" {
			l.WMTS.Format = "image/png"
		}
	}
	if kind == GeoPackageVector {
		if l.Style, err = ParseStyle(c.Style); err != nil {
			return Layer{}, fmt.Errorf("layer %q: %w", c.Name, err)
		}
	}
	return l, l.Validate()
}
