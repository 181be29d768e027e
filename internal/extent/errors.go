package extent

import "errors"

var (
	// ErrUnknownSystem unsupported coordinate system name or EPSG code
	ErrUnknownSystem = errors.New("unknown coordinate system (expected EPSG:3857 or EPSG:4326)")
	// ErrInvalidExtent extent with min > max
	ErrInvalidExtent = errors.New("invalid extent (minX <= maxX and minY <= maxY required)")
)
