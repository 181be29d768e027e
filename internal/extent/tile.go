package extent

import (
	"math"

	"github.com/paulmach/orb/maptile"
)

func deg2rad(deg float64) float64 {
	return deg * (math.Pi / oneEighty)
}

// MatrixSize returns the number of tile columns and rows at zoom.
func MatrixSize(zoom int, s System) (columns, rows int) {
	if s == WGS84 {
		return 1 << (zoom + 1), 1 << zoom
	}
	return 1 << zoom, 1 << zoom
}

// tileDegrees is the lon and lat span of one WGS84 tile.
func tileDegrees(zoom int) float64 {
	return oneEighty / float64(int(1)<<zoom)
}

// TileX returns the tile column containing the longitude at zoom.
func TileX(lon float64, zoom int, s System) int {
	columns, _ := MatrixSize(zoom, s)
	var x float64
	if s == WGS84 {
		x = math.Floor((lon + oneEighty) / tileDegrees(zoom))
	} else {
		x = math.Floor((lon + oneEighty) / (2 * oneEighty) * float64(columns))
	}
	return clamp(int(x), 0, columns-1)
}

// TileY returns the tile row containing the latitude at zoom. Rows count from
// the top (north) edge.
func TileY(lat float64, zoom int, s System) int {
	_, rows := MatrixSize(zoom, s)
	var y float64
	if s == WGS84 {
		y = math.Floor((ninety - lat) / tileDegrees(zoom))
	} else {
		latRad := deg2rad(clamp(lat, -WebMercatorLatLimit, WebMercatorLatLimit))
		y = math.Floor((1.0 - math.Log(math.Tan(latRad)+(1.0/math.Cos(latRad)))/math.Pi) / 2.0 * float64(rows))
	}
	return clamp(int(y), 0, rows-1)
}

// TileRange returns the inclusive column and row range covering a lon/lat
// extent. The extent is clamped to the system and shrunk by Epsilon so an edge
// lying on a tile boundary does not claim the tile beyond it.
func TileRange(e Extent, zoom int, s System) (x1, x2, y1, y2 int) {
	e = ClampToSystem(e, s)
	minX, maxX := e.MinX(), e.MaxX()
	if maxX-minX > 2*Epsilon {
		minX += Epsilon
		maxX -= Epsilon
	}
	minY, maxY := e.MinY(), e.MaxY()
	if maxY-minY > 2*Epsilon {
		minY += Epsilon
		maxY -= Epsilon
	}
	x1 = TileX(minX, zoom, s)
	x2 = TileX(maxX, zoom, s)
	y1 = TileY(maxY, zoom, s)
	y2 = TileY(minY, zoom, s)
	return x1, x2, y1, y2
}

// TileBounds returns the lon/lat extent of a tile.
func TileBounds(zoom, x, y int, s System) Extent {
	if s == WGS84 {
		size := tileDegrees(zoom)
		return Extent{
			-oneEighty + float64(x)*size,
			ninety - float64(y+1)*size,
			-oneEighty + float64(x+1)*size,
			ninety - float64(y)*size,
		}
	}
	b := maptile.New(uint32(x), uint32(y), maptile.Zoom(zoom)).Bound()
	return Extent{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
}

// NativeTileBounds returns the extent of a tile in the system's own units
// (meters for WebMercator, degrees for WGS84).
func NativeTileBounds(zoom, x, y int, s System) Extent {
	if s == WGS84 {
		return TileBounds(zoom, x, y, s)
	}
	size := 2 * WebMercatorHalfSize / float64(int(1)<<zoom)
	return Extent{
		-WebMercatorHalfSize + float64(x)*size,
		WebMercatorHalfSize - float64(y+1)*size,
		-WebMercatorHalfSize + float64(x+1)*size,
		WebMercatorHalfSize - float64(y)*size,
	}
}

// RangeBounds returns the lon/lat extent of an inclusive tile range.
func RangeBounds(zoom, x1, x2, y1, y2 int, s System) Extent {
	return TileBounds(zoom, x1, y1, s).Union(TileBounds(zoom, x2, y2, s))
}
