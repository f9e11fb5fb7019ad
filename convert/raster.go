package convert

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"image"
	"image/color"
	"image/png"
)

const (
	defaultWidth  = 800
	defaultHeight = 600
	maxDimension  = 4096
)

// renderPNG draws a flat-color raster with a one-pixel border and a
// diagonal accent derived from the source digest, so different sources
// produce visually distinct placeholders while identical sources stay
// byte-identical.
func renderPNG(width, height int, source string) ([]byte, error) {
	if width <= 0 {
		width = defaultWidth
	}
	if height <= 0 {
		height = defaultHeight
	}
	if width > maxDimension || height > maxDimension {
		return nil, fmt.Errorf("convert: dimensions %dx%d exceed %d", width, height, maxDimension)
	}

	digest := sha256.Sum256([]byte(source))
	fill := color.RGBA{R: 160 + digest[0]%64, G: 160 + digest[1]%64, B: 160 + digest[2]%64, A: 255}
	accent := color.RGBA{R: digest[3], G: digest[4], B: digest[5], A: 255}
	border := color.RGBA{R: 64, G: 64, B: 64, A: 255}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			switch {
			case x == 0 || y == 0 || x == width-1 || y == height-1:
				img.SetRGBA(x, y, border)
			case x*height == y*width:
				img.SetRGBA(x, y, accent)
			default:
				img.SetRGBA(x, y, fill)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("convert: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderThumbnail produces a placeholder chapter thumbnail at the
// requested dimensions. Title, style and color scheme feed the digest so
// distinct chapters get distinct pixels.
func RenderThumbnail(title, style, colorScheme string, width, height int) ([]byte, error) {
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 720
	}
	return renderPNG(width, height, "thumbnail|"+title+"|"+style+"|"+colorScheme)
}
