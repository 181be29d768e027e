package layer

import "errors"

var (
	// ErrUnknownKind layer kind not supported
	ErrUnknownKind = errors.New("unknown layer kind")
	// ErrMissingField a field the layer kind needs is empty
	ErrMissingField = errors.New("missing layer field")
	// ErrInvalidZoom min zoom above max zoom or negative
	ErrInvalidZoom = errors.New("invalid layer zoom range")
	// ErrInvalidOpacity opacity outside 0..1
	ErrInvalidOpacity = errors.New("invalid layer opacity")
	// ErrInvalidStyle style document or colour could not be read
	ErrInvalidStyle = errors.New("invalid layer style")
)
