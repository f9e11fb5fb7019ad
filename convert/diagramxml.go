package convert

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/draftforge/draftforge/event"
)

// DiagramXMLConverter rasterizes diagram-XML documents (drawio-style
// exports). The source must be well-formed XML; the placeholder raster
// scales with the number of shape elements.
type DiagramXMLConverter struct{}

// NewDiagramXMLConverter creates the built-in diagram-XML converter.
func NewDiagramXMLConverter() *DiagramXMLConverter { return &DiagramXMLConverter{} }

func (*DiagramXMLConverter) Kind() event.ImageKind { return event.ImageDiagramXML }

func (*DiagramXMLConverter) Convert(ctx context.Context, text string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("convert: empty diagram source")
	}

	elements := 0
	decoder := xml.NewDecoder(strings.NewReader(text))
	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("convert: malformed diagram xml: %w", err)
		}
		if _, ok := tok.(xml.StartElement); ok {
			elements++
		}
	}
	if elements == 0 {
		return nil, fmt.Errorf("convert: diagram source has no elements")
	}

	width := 480 + 32*elements
	height := 360 + 24*elements
	if width > maxDimension {
		width = maxDimension
	}
	if height > maxDimension {
		height = maxDimension
	}
	return renderPNG(width, height, "diagramxml|"+text)
}
