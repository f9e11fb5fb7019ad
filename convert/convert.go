// Package convert rasterizes embedded diagrams to PNG.
//
// The media worker detects a diagram, classifies its kind and asks the
// registry for bytes. Converters are plugins: production deployments can
// register real renderers, while the built-in converters produce
// deterministic placeholder rasters sized from the diagram source so the
// rest of the pipeline (upload, rewrite, aggregation) behaves exactly as
// it does with a real renderer.
package convert

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/draftforge/draftforge/event"
)

// ErrUnknownKind is returned when no converter is registered for a
// diagram kind.
var ErrUnknownKind = errors.New("convert: no converter for kind")

// Converter turns one diagram source text into raster bytes.
type Converter interface {
	// Kind reports which diagram family this converter handles.
	Kind() event.ImageKind

	// Convert rasterizes text. A failed conversion returns an error; the
	// caller logs it and leaves the original reference intact.
	Convert(ctx context.Context, text string) ([]byte, error)
}

// Registry dispatches diagram sources to converters by kind. Safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	converters map[event.ImageKind]Converter
}

// NewRegistry creates a registry holding the given converters.
func NewRegistry(converters ...Converter) *Registry {
	r := &Registry{converters: make(map[event.ImageKind]Converter)}
	for _, c := range converters {
		r.Register(c)
	}
	return r
}

// DefaultRegistry returns a registry with the three built-in converters.
func DefaultRegistry() *Registry {
	return NewRegistry(NewSVGConverter(), NewFlowchartConverter(), NewDiagramXMLConverter())
}

// Register adds or replaces the converter for its kind.
func (r *Registry) Register(c Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters[c.Kind()] = c
}

// Convert rasterizes text with the converter registered for kind.
func (r *Registry) Convert(ctx context.Context, kind event.ImageKind, text string) ([]byte, error) {
	r.mu.RLock()
	c, ok := r.converters[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return c.Convert(ctx, text)
}

// Kinds lists the registered diagram kinds.
func (r *Registry) Kinds() []event.ImageKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]event.ImageKind, 0, len(r.converters))
	for k := range r.converters {
		kinds = append(kinds, k)
	}
	return kinds
}
