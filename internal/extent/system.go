// Package extent holds the bounding box and tile index math shared by the tile
// matrix builder and the compositor. Every function takes the coordinate system
// explicitly; nothing is inferred from the coordinates themselves.
package extent

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// System a supported tiling coordinate system
type System int

const (
	// WebMercator EPSG:3857, the power-of-two tile pyramid
	WebMercator System = iota
	// WGS84 EPSG:4326, the double-width pyramid (2^(z+1) columns, 2^z rows)
	WGS84
)

const (
	oneEighty float64 = 180.0
	ninety    float64 = 90.0

	// WebMercatorLatLimit latitude at which the mercator square ends
	WebMercatorLatLimit float64 = 85.05112877980659
	// WebMercatorHalfSize half the width of the mercator square in meters
	WebMercatorHalfSize float64 = 20037508.342789244

	// Epsilon degrees an extent is shrunk by before tile index conversion
	Epsilon = 1e-8
)

// ParseSystem accepts "EPSG:3857", "3857", "EPSG:4326", "4326" (case insensitive).
func ParseSystem(s string) (System, error) {
	code := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "EPSG:")
	epsg, err := strconv.Atoi(code)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSystem, s)
	}
	return SystemForEPSG(epsg)
}

// SystemForEPSG maps an EPSG code to a System.
func SystemForEPSG(epsg int) (System, error) {
	switch epsg {
	case 3857, 900913, 102100:
		return WebMercator, nil
	case 4326:
		return WGS84, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnknownSystem, epsg)
}

// EPSG code of the system
func (s System) EPSG() int {
	if s == WGS84 {
		return 4326
	}
	return 3857
}

func (s System) String() string {
	return "EPSG:" + strconv.Itoa(s.EPSG())
}

// Bounds is the valid lon/lat range of the system. Tiling formulas are
// undefined outside of it.
func (s System) Bounds() Extent {
	if s == WGS84 {
		return Extent{-oneEighty, -ninety, oneEighty, ninety}
	}
	return Extent{-oneEighty, -WebMercatorLatLimit, oneEighty, WebMercatorLatLimit}
}

// NativeBounds is Bounds expressed in the system's own units.
func (s System) NativeBounds() Extent {
	if s == WGS84 {
		return s.Bounds()
	}
	return Extent{-WebMercatorHalfSize, -WebMercatorHalfSize, WebMercatorHalfSize, WebMercatorHalfSize}
}

// ToNative converts a lon/lat coordinate to the system's units.
func (s System) ToNative(lon, lat float64) (float64, float64) {
	if s == WGS84 {
		return lon, lat
	}
	lat = clamp(lat, -WebMercatorLatLimit, WebMercatorLatLimit)
	p := project.WGS84.ToMercator(orb.Point{lon, lat})
	return p[0], p[1]
}

// FromNative converts a coordinate in the system's units to lon/lat.
func (s System) FromNative(x, y float64) (float64, float64) {
	if s == WGS84 {
		return x, y
	}
	p := project.Mercator.ToWGS84(orb.Point{x, y})
	return p[0], p[1]
}

// Transform converts a native coordinate of one system into another.
func Transform(x, y float64, from, to System) (float64, float64) {
	if from == to {
		return x, y
	}
	lon, lat := from.FromNative(x, y)
	return to.ToNative(lon, lat)
}

// TransformExtent converts a native extent between systems by its corners.
func TransformExtent(e Extent, from, to System) Extent {
	if from == to {
		return e
	}
	x1, y1 := Transform(e.MinX(), e.MinY(), from, to)
	x2, y2 := Transform(e.MaxX(), e.MaxY(), from, to)
	return Extent{math.Min(x1, x2), math.Min(y1, y2), math.Max(x1, x2), math.Max(y1, y2)}
}
