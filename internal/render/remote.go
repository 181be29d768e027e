package render

import (
	"context"
	"fmt"
	"image"
	"net/url"
	"strconv"
	"strings"

	"Fast-TileCache/internal/extent"
	"Fast-TileCache/internal/fetch"
	"Fast-TileCache/internal/layer"
)

type xyzServer struct {
	client     *fetch.Client
	template   string
	subdomains []string
}

func (s *xyzServer) tile(ctx context.Context, z, x, y int) (image.Image, error) {
	return fetchImage(ctx, s.client, fetch.TileURL(s.template, z, x, y, s.subdomains))
}

type wmtsServer struct {
	client *fetch.Client
	base   string
	opts   layer.WMTSOptions
}

func (s *wmtsServer) tile(ctx context.Context, z, x, y int) (image.Image, error) {
	q := url.Values{}
	q.Set("SERVICE", "WMTS")
	q.Set("REQUEST", "GetTile")
	q.Set("VERSION", "1.0.0")
	q.Set("LAYER", s.opts.Layer)
	q.Set("STYLE", s.opts.Style)
	q.Set("TILEMATRIXSET", s.opts.TileMatrixSet)
	q.Set("TILEMATRIX", strconv.Itoa(z))
	q.Set("TILEROW", strconv.Itoa(y))
	q.Set("TILECOL", strconv.Itoa(x))
	q.Set("FORMAT", s.opts.Format)
	return fetchImage(ctx, s.client, withQuery(s.base, q))
}

// wmsServer requests every destination tile with GetMap in the destination
// system, so results never need stitching.
type wmsServer struct {
	client *fetch.Client
	base   string
	opts   layer.WMSOptions
}

func (s *wmsServer) Render(ctx context.Context, req Request) (Result, error) {
	img, err := fetchImage(ctx, s.client, s.getMapURL(req))
	if err != nil || img == nil {
		return Result{}, err
	}
	return Result{Image: img}, nil
}

func (s *wmsServer) getMapURL(req Request) string {
	b := req.NativeBounds()
	q := url.Values{}
	q.Set("SERVICE", "WMS")
	q.Set("REQUEST", "GetMap")
	q.Set("VERSION", s.opts.Version)
	q.Set("LAYERS", s.opts.Layers)
	q.Set("STYLES", s.opts.Styles)
	q.Set("FORMAT", s.opts.Format)
	q.Set("TRANSPARENT", "TRUE")
	q.Set("WIDTH", strconv.Itoa(req.Size))
	q.Set("HEIGHT", strconv.Itoa(req.Size))
	bbox := []float64{b.MinX(), b.MinY(), b.MaxX(), b.MaxY()}
	if s.opts.Version == "1.3.0" {
		q.Set("CRS", req.System.String())
		if req.System == extent.WGS84 {
			// 1.3.0 uses lat/lon axis order for EPSG:4326
			bbox = []float64{b.MinY(), b.MinX(), b.MaxY(), b.MaxX()}
		}
	} else {
		q.Set("SRS", req.System.String())
	}
	parts := make([]string, len(bbox))
	for i, v := range bbox {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	q.Set("BBOX", strings.Join(parts, ","))
	return withQuery(s.base, q)
}

func withQuery(base string, q url.Values) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
		if strings.HasSuffix(base, "?") || strings.HasSuffix(base, "&") {
			sep = ""
		}
	}
	return base + sep + q.Encode()
}

func fetchImage(ctx context.Context, client *fetch.Client, u string) (image.Image, error) {
	res := client.Fetch(ctx, u)
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Data == nil {
		return nil, nil
	}
	if strings.Contains(res.ContentType, "xml") {
		return nil, fmt.Errorf("%w: %s", ErrServiceException, firstLine(res.Data))
	}
	return decodeImage(res.Data)
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
