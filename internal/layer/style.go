package layer

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"github.com/creasty/defaults"
	"github.com/perimeterx/marshmallow"
)

// Style how vector features are drawn. The style document is opaque beyond
// these keys; anything else is kept in Extra and handed to the renderer as is.
type Style struct {
	Fill        string  `json:"fill" default:"#3388ff66"`
	Stroke      string  `json:"stroke" default:"#3388ff"`
	LineWidth   float64 `json:"lineWidth" default:"1"`
	PointRadius float64 `json:"pointRadius" default:"3"`

	Extra map[string]interface{} `json:"-"`
}

// ParseStyle reads a JSON style document. An empty document yields the
// default style.
func ParseStyle(doc string) (*Style, error) {
	s := &Style{}
	if err := defaults.Set(s); err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc) == "" {
		return s, nil
	}
	extra, err := marshmallow.Unmarshal([]byte(doc), s, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStyle, err)
	}
	if len(extra) > 0 {
		s.Extra = extra
	}
	if _, err = ParseColor(s.Fill); err != nil {
		return nil, err
	}
	if _, err = ParseColor(s.Stroke); err != nil {
		return nil, err
	}
	return s, nil
}

// FillColor the parsed fill colour, transparent when unset.
func (s Style) FillColor() color.NRGBA {
	c, _ := ParseColor(s.Fill)
	return c
}

// StrokeColor the parsed stroke colour, transparent when unset.
func (s Style) StrokeColor() color.NRGBA {
	c, _ := ParseColor(s.Stroke)
	return c
}

// ParseColor reads #rgb, #rrggbb and #rrggbbaa. "" and "none" are transparent.
func ParseColor(s string) (color.NRGBA, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return color.NRGBA{}, nil
	}
	hex := strings.TrimPrefix(s, "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	if len(hex) != 8 {
		return color.NRGBA{}, fmt.Errorf("%w: colour %q", ErrInvalidStyle, s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("%w: colour %q", ErrInvalidStyle, s)
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}
