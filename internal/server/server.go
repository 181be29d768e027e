// Package server exposes build status over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"Fast-TileCache/internal/matrix"
	"Fast-TileCache/internal/progress"
)

// Target the build being watched.
type Target interface {
	ID() string
	Status() progress.Status
	Plan() matrix.ZoomTileMatrix
	Cancel()
}

// ZoomPlan tile sets of one zoom level.
type ZoomPlan struct {
	Zoom  int                    `json:"zoom"`
	Count int                    `json:"count"`
	Sets  []*matrix.LayerTileSet `json:"sets"`
}

// Plan body of /plan.
type Plan struct {
	ID    string     `json:"id"`
	Total int        `json:"total"`
	Zooms []ZoomPlan `json:"zooms"`
}

// NewPlan lists the tile matrix by ascending zoom.
func NewPlan(id string, m matrix.ZoomTileMatrix) Plan {
	p := Plan{ID: id, Total: m.Count(), Zooms: []ZoomPlan{}}
	for _, z := range m.Zooms() {
		p.Zooms = append(p.Zooms, ZoomPlan{Zoom: z, Count: m.CountAt(z), Sets: m[z]})
	}
	return p
}

// Handler registers the routes.
func Handler(t Target, logger log.FieldLogger) http.Handler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	r := gin.New()
	r.Use(gin.Recovery(), func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithField("status", c.Writer.Status()).Debugf("%s %s %s", c.Request.Method, c.Request.URL.Path, time.Since(start))
	})

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": t.ID(), "status": t.Status()})
	})
	r.GET("/plan", func(c *gin.Context) {
		m := t.Plan()
		if m == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "tile matrix not computed yet"})
			return
		}
		c.JSON(http.StatusOK, NewPlan(t.ID(), m))
	})
	r.POST("/cancel", func(c *gin.Context) {
		st := t.Status()
		if st.State.Terminal() {
			c.JSON(http.StatusConflict, gin.H{"error": "build already " + st.State.String()})
			return
		}
		t.Cancel()
		c.JSON(http.StatusAccepted, gin.H{"id": t.ID(), "state": progress.Cancelling})
	})
	return r
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, addr string, t Target, logger log.FieldLogger) error {
	if logger == nil {
		logger = log.StandardLogger()
	}
	srv := &http.Server{Addr: addr, Handler: Handler(t, logger), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		logger.Infof("status server listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
