package convert

import (
	"context"
	"fmt"
	"strings"

	"github.com/draftforge/draftforge/event"
)

// FlowchartConverter rasterizes the edge-list flowchart DSL: one edge
// per line, "A -> B" or "A --> B", with optional "%%" comment lines.
// The placeholder raster scales with the number of distinct nodes.
type FlowchartConverter struct{}

// NewFlowchartConverter creates the built-in flowchart converter.
func NewFlowchartConverter() *FlowchartConverter { return &FlowchartConverter{} }

func (*FlowchartConverter) Kind() event.ImageKind { return event.ImageFlowchartDSL }

func (*FlowchartConverter) Convert(ctx context.Context, text string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nodes := make(map[string]struct{})
	edges := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "%%") {
			continue
		}
		// Header lines like "flowchart TD" carry no edges.
		if !strings.Contains(line, "->") {
			continue
		}
		from, to, ok := splitEdge(line)
		if !ok {
			return nil, fmt.Errorf("convert: unparsable flowchart edge %q", line)
		}
		nodes[from] = struct{}{}
		nodes[to] = struct{}{}
		edges++
	}
	if edges == 0 {
		return nil, fmt.Errorf("convert: flowchart source has no edges")
	}

	// Grow the canvas with the graph so bigger charts stay legible.
	width := 320 + 96*len(nodes)
	height := 240 + 64*edges
	if width > maxDimension {
		width = maxDimension
	}
	if height > maxDimension {
		height = maxDimension
	}
	return renderPNG(width, height, "flowchart|"+text)
}

// splitEdge parses "A -> B" and "A --> B" forms, trimming arrow labels
// such as "A -->|yes| B".
func splitEdge(line string) (from, to string, ok bool) {
	idx := strings.Index(line, "->")
	if idx < 0 {
		return "", "", false
	}
	from = strings.TrimRight(strings.TrimSpace(line[:idx]), "-")
	rest := strings.TrimSpace(line[idx+2:])
	if strings.HasPrefix(rest, "|") {
		if end := strings.Index(rest[1:], "|"); end >= 0 {
			rest = strings.TrimSpace(rest[end+2:])
		}
	}
	to = rest
	from = strings.TrimSpace(from)
	if from == "" || to == "" {
		return "", "", false
	}
	return from, to, true
}
