// Package build runs a build. It prepares the layers, computes the tile matrix
// and composites every tile into the store.
package build

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"Fast-TileCache/internal/compositor"
	"Fast-TileCache/internal/extent"
	"Fast-TileCache/internal/layer"
	"Fast-TileCache/internal/ledger"
	"Fast-TileCache/internal/matrix"
	"Fast-TileCache/internal/progress"
	"Fast-TileCache/internal/render"
	"Fast-TileCache/internal/storage"
)

// ErrCancelled the build was cancelled.
var ErrCancelled = errors.New("build cancelled")

// DefaultCursorEvery tiles written between cursor saves.
const DefaultCursorEvery = 100

// Options build parameters.
type Options struct {
	// ID of the build, a uuid when empty. A build with the same id resumes.
	ID          string
	Table       string
	Description string
	MinZoom     int
	MaxZoom     int
	System      extent.System
	TileSize    int
	TileScaling bool
	BoundingBox *extent.Extent
	// RenderOrder layer draw order, bottom first.
	RenderOrder []int
	// Format image format written to the container metadata.
	Format        string
	IdleTimeout   time.Duration
	SlowThreshold int
	CursorEvery   int
	JPEGQuality   int
}

// RendererFunc creates the renderer of a layer.
type RendererFunc func(l layer.Layer, cache *render.Cache, logger log.FieldLogger) (render.Renderer, error)

// Config what a build depends on.
type Config struct {
	Options
	Layers []layer.Layer
	Store  storage.Store
	// Ledger nil records nothing.
	Ledger ledger.Ledger
	// Status receives throttled status updates.
	Status   progress.Func
	Logger   log.FieldLogger
	Renderer RendererFunc
}

// Result of a build.
type Result struct {
	ID      string
	State   progress.State
	Total   int
	Written int
	Blank   int
	Skipped int
	// Failed tiles with at least one failed layer.
	Failed  int
	// Slow names of slow layers.
	Slow    []string
	Content extent.Extent
}

// Build a single build, it runs once.
type Build struct {
	opts     Options
	layers   []layer.Layer
	store    storage.Store
	ledger   ledger.Ledger
	renderer RendererFunc
	throttle *progress.Throttle
	log      log.FieldLogger

	mu        sync.Mutex
	last      progress.Status
	plan      matrix.ZoomTileMatrix
	cancel    context.CancelFunc
	cancelled atomic.Bool
	started   atomic.Bool
}

// New creates a build.
func New(cfg Config) *Build {
	opts := cfg.Options
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.Table == "" {
		opts.Table = "tiles"
	}
	if opts.TileSize <= 0 {
		opts.TileSize = 256
	}
	if opts.CursorEvery <= 0 {
		opts.CursorEvery = DefaultCursorEvery
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = render.DefaultIdleTimeout
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.New
	}
	if opts.TileScaling && cfg.Store != nil && !cfg.Store.SupportsTileScaling() {
		cfg.Logger.Warnf("output container has no tile scaling extension, every zoom level is rendered")
		opts.TileScaling = false
	}
	return &Build{
		opts:     opts,
		layers:   cfg.Layers,
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		renderer: cfg.Renderer,
		throttle: progress.NewThrottle(cfg.Status, progress.DefaultInterval),
		log:      cfg.Logger.WithField("build", opts.ID),
		last:     progress.Status{State: progress.Idle},
	}
}

// ID of the build.
func (b *Build) ID() string { return b.opts.ID }

// Status the latest status, unthrottled.
func (b *Build) Status() progress.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Plan the computed tile matrix, nil before Compute.
func (b *Build) Plan() matrix.ZoomTileMatrix {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.plan
}

func (b *Build) report(s progress.Status) {
	b.mu.Lock()
	if b.last.State.Terminal() {
		b.mu.Unlock()
		return
	}
	if b.cancelled.Load() && !s.State.Terminal() {
		s.State = progress.Cancelling
		s.Message = "Cancelling"
	}
	b.last = s
	b.mu.Unlock()
	b.throttle.Send(s)
}

func (b *Build) state() progress.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last.State
}

// Cancel requests cancellation, honoured between tiles.
func (b *Build) Cancel() {
	if b.cancelled.Swap(true) {
		return
	}
	if !b.state().Terminal() {
		b.report(progress.Status{State: progress.Cancelling, Message: "Cancelling"})
		b.throttle.Flush()
	}
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Compute works out the tile matrix and content extent without rendering.
func (b *Build) Compute() (matrix.ZoomTileMatrix, extent.Extent, bool) {
	layers := layer.MatrixLayers(b.layers)
	m := matrix.Build(layers, matrix.Options{
		MinZoom:     b.opts.MinZoom,
		MaxZoom:     b.opts.MaxZoom,
		System:      b.opts.System,
		TileSize:    b.opts.TileSize,
		BoundingBox: b.opts.BoundingBox,
	})
	if b.opts.TileScaling {
		matrix.Prune(m)
	}
	content, ok := matrix.ContentExtent(layers, b.opts.BoundingBox)
	b.mu.Lock()
	b.plan = m
	b.mu.Unlock()
	return m, content, ok
}

// Run runs the build. A cancelled build returns ErrCancelled and keeps the
// tiles written. On error the half written table is dropped when possible.
func (b *Build) Run(ctx context.Context) (Result, error) {
	res := Result{ID: b.opts.ID}
	if b.started.Swap(true) {
		return res, errors.New("build already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	if b.cancelled.Load() {
		cancel()
	}

	cache := render.NewCache(b.opts.IdleTimeout, b.log)
	defer cache.Close()

	comp, err := b.prepare(ctx, cache)
	if err != nil {
		return b.finish(ctx, res, err, false)
	}

	b.report(progress.Status{State: progress.ComputingMatrix, Message: "Computing tile matrix"})
	m, content, ok := b.Compute()
	res.Total = m.Count()
	res.Content = content
	if !ok || res.Total == 0 {
		b.log.Warnf("no tiles to generate")
		return b.finish(ctx, res, nil, false)
	}
	if err := ctx.Err(); err != nil {
		return b.finish(ctx, res, err, false)
	}

	spec := storage.TableSpec{
		Name:          b.opts.Table,
		Description:   b.opts.Description,
		ContentBounds: content,
		System:        b.opts.System,
		MinZoom:       m.Zooms()[0],
		MaxZoom:       m.Zooms()[len(m.Zooms())-1],
		TileSize:      b.opts.TileSize,
		Format:        b.opts.Format,
		TileScaling:   b.opts.TileScaling,
	}
	if err := b.store.CreateTileTable(ctx, spec); err != nil {
		return b.finish(ctx, res, fmt.Errorf("create tile table: %w", err), true)
	}

	err = b.generate(ctx, m, comp, &res)
	return b.finish(ctx, res, err, true)
}

// prepare creates a renderer per layer.
func (b *Build) prepare(ctx context.Context, cache *render.Cache) (*compositor.Compositor, error) {
	n := len(b.layers)
	layers := make([]compositor.Layer, 0, n)
	for i, l := range b.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.report(progress.Status{
			State:    progress.PreparingLayers,
			Message:  fmt.Sprintf("Preparing layer %d of %d", i+1, n),
			Progress: float64(i) / float64(n) * 100,
		})
		r, err := b.renderer(l, cache, b.log)
		if err != nil {
			return nil, fmt.Errorf("prepare layer %q: %w", l.Name, err)
		}
		clip := l.Extent
		if b.opts.BoundingBox != nil {
			if ov, ok := extent.Intersection(clip, *b.opts.BoundingBox); ok {
				clip = ov
			}
		}
		var timeout time.Duration
		if l.Kind.Remote() && l.Timeout > 0 {
			timeout = l.Timeout * time.Duration(l.Retries+2)
		}
		layers = append(layers, compositor.Layer{
			ID:       l.ID,
			Name:     l.Name,
			Opacity:  l.Opacity,
			Extent:   clip,
			Renderer: r,
			Timeout:  timeout,
		})
	}
	return compositor.New(layers, compositor.Options{
		TileSize:    b.opts.TileSize,
		System:      b.opts.System,
		RenderOrder: b.opts.RenderOrder,
		JPEGQuality: b.opts.JPEGQuality,
		Logger:      b.log,
	}), nil
}

// generate walks zooms, tile sets, columns and rows in order.
func (b *Build) generate(ctx context.Context, m matrix.ZoomTileMatrix, comp *compositor.Compositor, res *Result) error {
	cursor, err := b.ledger.Cursor(ctx)
	if err != nil {
		b.log.Warnf("read cursor failure, starting over ~ %s", err)
		cursor = 0
	}
	est := progress.NewEstimator(res.Total)
	est.Skip(min(cursor, res.Total))
	slow := progress.NewSlowNotifier(b.opts.SlowThreshold)

	ordinal := 0
	sinceCursor := 0
	err = m.Walk(func(t matrix.Tile) error {
		ordinal++
		if ordinal <= cursor {
			res.Skipped++
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		tile, err := comp.Compose(ctx, t.Z, t.X, t.Y, t.Layers)
		if err != nil {
			return fmt.Errorf("tile %d/%d/%d: %w", t.Z, t.X, t.Y, err)
		}
		if len(tile.Failed) > 0 {
			res.Failed++
			for _, f := range tile.Failed {
				if slow.Record(f.LayerID, f.Name, f.Err) {
					b.log.WithField("layer", f.Name).Warnf("layer is responding slowly")
				}
			}
			b.note(ctx, b.ledger.Fail, ledger.Entry{Z: t.Z, X: t.X, Y: t.Y, Res: joinFailures(tile.Failed)})
		}
		if tile.Blank() {
			res.Blank++
			b.note(ctx, b.ledger.Blank, ledger.Entry{Z: t.Z, X: t.X, Y: t.Y, Res: "blank"})
		} else {
			if err := b.store.WriteTile(ctx, b.opts.Table, t.Z, t.X, t.Y, tile.Data); err != nil {
				return fmt.Errorf("write tile %d/%d/%d: %w", t.Z, t.X, t.Y, err)
			}
			res.Written++
		}

		sinceCursor++
		if sinceCursor >= b.opts.CursorEvery {
			sinceCursor = 0
			if err := b.checkpoint(ctx, ordinal); err != nil {
				return err
			}
		}
		b.report(progress.Status{
			State:     progress.GeneratingTiles,
			Message:   est.Message(ordinal),
			Progress:  est.Percent(ordinal),
			Processed: ordinal,
			Total:     res.Total,
			Warning:   slow.Warning(),
		})
		return nil
	})
	res.Slow = slow.Slow()
	if err != nil {
		return err
	}
	return b.checkpoint(ctx, ordinal)
}

// checkpoint flushes the store before saving the cursor.
func (b *Build) checkpoint(ctx context.Context, ordinal int) error {
	if err := b.store.Flush(ctx); err != nil {
		return fmt.Errorf("flush tiles: %w", err)
	}
	if err := b.ledger.SaveCursor(ctx, ordinal); err != nil {
		b.log.Warnf("save cursor failure ~ %s", err)
	}
	return nil
}

func (b *Build) note(ctx context.Context, fn func(context.Context, ledger.Entry) error, e ledger.Entry) {
	if err := fn(ctx, e); err != nil {
		b.log.Debugf("ledger write failure ~ %s", err)
	}
}

func joinFailures(failed []compositor.LayerError) string {
	msgs := make([]string, len(failed))
	for i, f := range failed {
		msgs[i] = f.Error()
	}
	return strings.Join(msgs, "; ")
}

// finish picks the terminal state from the error.
func (b *Build) finish(ctx context.Context, res Result, err error, tableCreated bool) (Result, error) {
	cancelled := b.cancelled.Load() || errors.Is(err, context.Canceled) || (err != nil && ctx.Err() != nil)
	switch {
	case err == nil:
		res.State = progress.Completed
		b.log.Infof("build finished, %d tiles written, %d blank", res.Written, res.Blank)
		b.report(progress.Status{
			State:     progress.Completed,
			Message:   fmt.Sprintf("Completed: %d tiles written", res.Written),
			Progress:  100,
			Processed: res.Total,
			Total:     res.Total,
		})
		return res, nil
	case cancelled:
		res.State = progress.Cancelled
		if tableCreated {
			// keep what was written, a later run with the same id resumes
			if ferr := b.store.Flush(context.Background()); ferr != nil {
				b.log.Warnf("flush after cancel failure ~ %s", ferr)
			}
		}
		b.log.Infof("build %s got canceled", b.opts.ID)
		b.report(progress.Status{
			State:     progress.Cancelled,
			Message:   "Cancelled",
			Processed: res.Written + res.Blank + res.Skipped,
			Total:     res.Total,
		})
		return res, ErrCancelled
	}
	res.State = progress.Failed
	b.log.Errorf("build failure ~ %s", err)
	if tableCreated {
		if derr := b.store.DeleteTable(context.Background(), b.opts.Table); derr != nil {
			b.log.Debugf("delete table after failure ~ %s", derr)
		}
		if cerr := b.ledger.Clean(context.Background()); cerr != nil {
			b.log.Debugf("clean ledger after failure ~ %s", cerr)
		}
	}
	b.report(progress.Status{State: progress.Failed, Message: "Failed", Error: err.Error(), Total: res.Total})
	return res, err
}
