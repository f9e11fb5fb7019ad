package convert

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/draftforge/draftforge/event"
)

// SVGConverter rasterizes inline SVG markup. The placeholder raster
// adopts the width/height declared on the root element when present.
type SVGConverter struct{}

// NewSVGConverter creates the built-in SVG converter.
func NewSVGConverter() *SVGConverter { return &SVGConverter{} }

func (*SVGConverter) Kind() event.ImageKind { return event.ImageSVG }

func (*SVGConverter) Convert(ctx context.Context, text string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if !strings.Contains(text, "<svg") {
		return nil, fmt.Errorf("convert: source has no <svg> root element")
	}

	width, height := defaultWidth, defaultHeight
	decoder := xml.NewDecoder(strings.NewReader(text))
	for {
		tok, err := decoder.Token()
		if err != nil {
			return nil, fmt.Errorf("convert: malformed svg: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "svg" {
			return nil, fmt.Errorf("convert: root element is %q, want svg", start.Name.Local)
		}
		for _, attr := range start.Attr {
			switch attr.Name.Local {
			case "width":
				if v, ok := parseDimension(attr.Value); ok {
					width = v
				}
			case "height":
				if v, ok := parseDimension(attr.Value); ok {
					height = v
				}
			}
		}
		break
	}

	return renderPNG(width, height, "svg|"+text)
}

// parseDimension reads a numeric SVG length, tolerating a px suffix.
// Percentages and other units fall back to the default size.
func parseDimension(s string) (int, bool) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "px")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return int(v), true
}
