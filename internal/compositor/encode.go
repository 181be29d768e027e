package compositor

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
)

// Format the encoding of a stored tile.
type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
)

// DefaultJPEGQuality quality of fully opaque tiles.
const DefaultJPEGQuality = 70

// Opacity classifies the alpha channel of img.
func Opacity(img *image.NRGBA) (blank, opaque bool) {
	blank, opaque = true, true
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for i := 3; i < len(row); i += 4 {
			switch row[i] {
			case 0:
				opaque = false
			case 0xff:
				blank = false
			default:
				blank, opaque = false, false
			}
			if !blank && !opaque {
				return
			}
		}
	}
	return
}

// Encode turns a composited canvas into tile bytes. A blank canvas yields nil
// data, a fully opaque one JPEG and anything else PNG.
func Encode(img *image.NRGBA, quality int) ([]byte, Format, error) {
	blank, opaque := Opacity(img)
	if blank {
		return nil, "", nil
	}
	var buf bytes.Buffer
	if opaque {
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), JPEG, nil
	}
	if err := png.Encode(&buf, img); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), PNG, nil
}
