package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"Fast-TileCache/internal/build"
	"Fast-TileCache/internal/extent"
	"Fast-TileCache/internal/layer"
	"Fast-TileCache/internal/ledger"
	"Fast-TileCache/internal/storage"
	"Fast-TileCache/internal/storage/gpkg"
	"Fast-TileCache/internal/storage/mbtiles"
)

// Conf the configuration file.
type Conf struct {
	App struct {
		Version string `mapstructure:"version"`
		Title   string `mapstructure:"title"`
	} `mapstructure:"app"`
	Output OutputConf     `mapstructure:"output"`
	Build  BuildConf      `mapstructure:"build"`
	Ledger LedgerConf     `mapstructure:"ledger"`
	Server ServerConf     `mapstructure:"server"`
	Layers []layer.Config `mapstructure:"layers" validate:"required,min=1"`
}

// OutputConf output container.
type OutputConf struct {
	Format         string `mapstructure:"format" validate:"oneof=gpkg mbtiles mysql"`
	File           string `mapstructure:"file" validate:"required_unless=Format mysql"`
	Conn           string `mapstructure:"conn" validate:"required_if=Format mysql"`
	Table          string `mapstructure:"table" validate:"required"`
	Description    string `mapstructure:"description"`
	BatchSize      int    `mapstructure:"batchSize" validate:"min=1"`
	LogDir         string `mapstructure:"logDir"`
	OutputTerminal bool   `mapstructure:"outputTerminal"`
}

// BuildConf build parameters.
type BuildConf struct {
	ID                 string        `mapstructure:"id"`
	MinZoom            int           `mapstructure:"minZoom" validate:"min=0,max=30"`
	MaxZoom            int           `mapstructure:"maxZoom" default:"18" validate:"max=30,gtefield=MinZoom"`
	System             string        `mapstructure:"system" default:"EPSG:3857" validate:"oneof=EPSG:3857 EPSG:4326"`
	TileSize           int           `mapstructure:"tileSize" default:"256" validate:"min=1,max=4096"`
	TileScaling        bool          `mapstructure:"tileScaling"`
	BoundingBox        []float64     `mapstructure:"boundingBox" validate:"omitempty,len=4"`
	BoundingBoxGeojson string        `mapstructure:"boundingBoxGeojson"`
	RenderOrder        []string      `mapstructure:"renderOrder"`
	Format             string        `mapstructure:"format" default:"png" validate:"oneof=png jpeg jpg"`
	JPEGQuality        int           `mapstructure:"jpegQuality" default:"70" validate:"min=1,max=100"`
	IdleTimeout        time.Duration `mapstructure:"idleTimeout" default:"60s"`
	SlowThreshold      int           `mapstructure:"slowThreshold" default:"10" validate:"min=1"`
	CursorEvery        int           `mapstructure:"cursorEvery" default:"100" validate:"min=1"`
}

// LedgerConf resume ledger, nothing is recorded without redis.
type LedgerConf struct {
	Redis string `mapstructure:"redis" validate:"omitempty,hostname_port"`
}

// ServerConf status endpoint.
type ServerConf struct {
	Addr string `mapstructure:"addr"`
}

// loadConf reads and validates the configuration file.
func loadConf(cfgFile string) (*Conf, error) {
	if cfgFile == "" {
		cfgFile = "conf.toml"
	}
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file(%s) not exist", cfgFile)
	}
	v := viper.New()
	v.SetConfigType("toml")
	v.SetConfigFile(cfgFile)
	v.AutomaticEnv() // read in environment variables that match
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file(%s) error, details: %w", v.ConfigFileUsed(), err)
	}
	// defaults
	v.SetDefault("app.version", "v 0.1.0")
	v.SetDefault("app.title", "Fast-TileCache")
	v.SetDefault("output.format", "gpkg")
	v.SetDefault("output.file", "output/tiles.gpkg")
	v.SetDefault("output.table", "tiles")
	v.SetDefault("output.batchSize", mbtiles.DefaultBatchSize)
	v.SetDefault("output.outputTerminal", true)
	v.SetDefault("server.addr", ":8080")

	conf := &Conf{}
	if err := defaults.Set(&conf.Build); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(conf); err != nil {
		return nil, err
	}
	if conf.Build.TileScaling && conf.Output.Format != "gpkg" {
		return nil, fmt.Errorf("build.tileScaling needs the gpkg output format, %s has no tile scaling extension", conf.Output.Format)
	}
	return conf, nil
}

// layers builds the layers in file order, ids start at 1.
func (c *Conf) layers() ([]layer.Layer, error) {
	layers := make([]layer.Layer, 0, len(c.Layers))
	names := make(map[string]bool, len(c.Layers))
	for i, lc := range c.Layers {
		if names[lc.Name] {
			return nil, fmt.Errorf("duplicate layer name %q", lc.Name)
		}
		names[lc.Name] = true
		l, err := lc.Layer(i + 1)
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	return layers, nil
}

// renderOrder maps layer names to ids. Layers not listed go on top in file order.
func (c *Conf) renderOrder(layers []layer.Layer) ([]int, error) {
	if len(c.Build.RenderOrder) == 0 {
		return nil, nil
	}
	ids := make(map[string]int, len(layers))
	for _, l := range layers {
		ids[l.Name] = l.ID
	}
	order := make([]int, 0, len(layers))
	seen := make(map[int]bool, len(layers))
	for _, name := range c.Build.RenderOrder {
		id, ok := ids[name]
		if !ok {
			return nil, fmt.Errorf("render order: unknown layer %q", name)
		}
		if !seen[id] {
			order = append(order, id)
			seen[id] = true
		}
	}
	for _, l := range layers {
		if !seen[l.ID] {
			order = append(order, l.ID)
		}
	}
	return order, nil
}

// boundingBox the configured box or the bounds of the geojson file.
func (c *Conf) boundingBox() (*extent.Extent, error) {
	if b := c.Build.BoundingBox; len(b) == 4 {
		e := extent.Extent{b[0], b[1], b[2], b[3]}
		return &e, e.Validate()
	}
	if c.Build.BoundingBoxGeojson == "" {
		return nil, nil
	}
	collection, err := loadCollection(c.Build.BoundingBoxGeojson)
	if err != nil {
		return nil, err
	}
	if len(collection) == 0 {
		return nil, fmt.Errorf("%s: no features", c.Build.BoundingBoxGeojson)
	}
	bound := collection.Bound()
	e := extent.Extent{bound.Min.Lon(), bound.Min.Lat(), bound.Max.Lon(), bound.Max.Lat()}
	return &e, e.Validate()
}

// loadCollection reads every geometry of a geojson file.
func loadCollection(path string) (orb.Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read file: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("unable to unmarshal feature: %w", err)
	}
	var collection orb.Collection
	for _, f := range fc.Features {
		if f.Geometry != nil {
			collection = append(collection, f.Geometry)
		}
	}
	return collection, nil
}

// options build options from the configuration.
func (c *Conf) options(layers []layer.Layer) (build.Options, error) {
	system, err := extent.ParseSystem(c.Build.System)
	if err != nil {
		return build.Options{}, err
	}
	bbox, err := c.boundingBox()
	if err != nil {
		return build.Options{}, fmt.Errorf("bounding box: %w", err)
	}
	order, err := c.renderOrder(layers)
	if err != nil {
		return build.Options{}, err
	}
	format := c.Build.Format
	if format == "jpg" {
		format = "jpeg"
	}
	return build.Options{
		ID:            c.Build.ID,
		Table:         c.Output.Table,
		Description:   c.Output.Description,
		MinZoom:       c.Build.MinZoom,
		MaxZoom:       c.Build.MaxZoom,
		System:        system,
		TileSize:      c.Build.TileSize,
		TileScaling:   c.Build.TileScaling,
		BoundingBox:   bbox,
		RenderOrder:   order,
		Format:        format,
		IdleTimeout:   c.Build.IdleTimeout,
		SlowThreshold: c.Build.SlowThreshold,
		CursorEvery:   c.Build.CursorEvery,
		JPEGQuality:   c.Build.JPEGQuality,
	}, nil
}

// openStore opens the store for the output format.
func openStore(c OutputConf, logger log.FieldLogger) (storage.Store, error) {
	if c.Format != "mysql" {
		if dir := filepath.Dir(c.File); dir != "" {
			if err := os.MkdirAll(dir, os.ModePerm); err != nil {
				return nil, err
			}
		}
	}
	switch c.Format {
	case "gpkg":
		return gpkg.Open(c.File, c.BatchSize, logger)
	case "mbtiles":
		return mbtiles.Open(c.File, mbtiles.Options{BatchSize: c.BatchSize, Logger: logger})
	case "mysql":
		return mbtiles.OpenMySQL(c.Conn, mbtiles.Options{BatchSize: c.BatchSize, Logger: logger})
	}
	return nil, errors.New("unknown output format " + c.Format)
}

// openLedger uses redis when it is configured.
func openLedger(c LedgerConf, id string, logger log.FieldLogger) ledger.Ledger {
	if c.Redis == "" {
		return ledger.Nop{}
	}
	return ledger.NewRedis(c.Redis, id, logger)
}
