package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Fast-TileCache/internal/matrix"
	"Fast-TileCache/internal/progress"
	"Fast-TileCache/internal/tileset"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBuild struct {
	mu        sync.Mutex
	status    progress.Status
	plan      matrix.ZoomTileMatrix
	cancelled int
}

func (f *fakeBuild) ID() string { return "b1" }

func (f *fakeBuild) Status() progress.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeBuild) Plan() matrix.ZoomTileMatrix { return f.plan }

func (f *fakeBuild) Cancel() {
	f.mu.Lock()
	f.cancelled++
	f.status.State = progress.Cancelling
	f.mu.Unlock()
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req, err := http.NewRequestWithContext(context.Background(), method, path, nil)
	require.NoError(t, err)
	h.ServeHTTP(w, req)
	return w
}

func TestStatus(t *testing.T) {
	f := &fakeBuild{status: progress.Status{State: progress.GeneratingTiles, Processed: 3, Total: 10, Warning: "slow"}}
	w := do(t, Handler(f, nil), http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		ID     string          `json:"id"`
		Status progress.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "b1", body.ID)
	assert.Equal(t, progress.GeneratingTiles, body.Status.State)
	assert.Equal(t, 3, body.Status.Processed)
	assert.Equal(t, "slow", body.Status.Warning)
	assert.Contains(t, w.Body.String(), `"generating tiles"`)
}

func TestPlan(t *testing.T) {
	f := &fakeBuild{}
	h := Handler(f, nil)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/plan").Code)

	f.plan = matrix.ZoomTileMatrix{
		1: {{TileSet: tileset.New(0, 1, 0, 1, 1), Layers: []int{1}}},
		0: {{TileSet: tileset.New(0, 0, 0, 0, 0), Layers: []int{1, 2}}},
	}
	w := do(t, h, http.MethodGet, "/plan")
	require.Equal(t, http.StatusOK, w.Code)

	var p Plan
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, 5, p.Total)
	require.Len(t, p.Zooms, 2)
	assert.Equal(t, 0, p.Zooms[0].Zoom)
	assert.Equal(t, []int{1, 2}, p.Zooms[0].Sets[0].Layers)
	assert.Equal(t, 4, p.Zooms[1].Count)
	assert.Equal(t, 1, p.Zooms[1].Sets[0].X2)
}

func TestCancel(t *testing.T) {
	f := &fakeBuild{status: progress.Status{State: progress.GeneratingTiles}}
	h := Handler(f, nil)

	w := do(t, h, http.MethodPost, "/cancel")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, f.cancelled)

	f.status.State = progress.Completed
	w = do(t, h, http.MethodPost, "/cancel")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 1, f.cancelled)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/cancel").Code)
}
