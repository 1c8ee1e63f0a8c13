// Package convert is the boundary to the structural content converter: it
// turns raw serialized bytes into the ordered content cells a live document
// is built from. The notebook parser itself is an external collaborator
// reached over a worker subprocess; plain text is handled in-process.
package convert

import (
	"context"
	"strings"
)

const (
	DocTypeText     = "text"
	DocTypeNotebook = "notebook"
)

const (
	CellKindCode   = "code"
	CellKindMarkup = "markup"
	CellKindText   = "text"
)

// Cell is one structured content unit of a live document.
type Cell struct {
	Kind   string `json:"kind"`
	Source string `json:"source"`
}

// Converter decodes serialized content for a document type. The second
// return reports presence: callers must tolerate an absent result by
// skipping the edit rather than failing.
type Converter interface {
	Convert(ctx context.Context, docType string, data []byte) ([]Cell, bool)
}

// Text decodes plain documents as a single text cell.
type Text struct{}

func (Text) Convert(_ context.Context, docType string, data []byte) ([]Cell, bool) {
	if docType != DocTypeText {
		return nil, false
	}
	return []Cell{{Kind: CellKindText, Source: string(data)}}, true
}

// Joined flattens cells back into one document string, preserving order.
func Joined(cells []Cell) string {
	sources := make([]string, 0, len(cells))
	for _, cell := range cells {
		sources = append(sources, cell.Source)
	}
	return strings.Join(sources, "")
}

// Dispatch routes notebook decoding to the worker-backed converter and
// everything else to the in-process text converter.
type Dispatch struct {
	Notebook Converter
	Fallback Converter
}

func (d Dispatch) Convert(ctx context.Context, docType string, data []byte) ([]Cell, bool) {
	if docType == DocTypeNotebook && d.Notebook != nil {
		return d.Notebook.Convert(ctx, docType, data)
	}
	if d.Fallback == nil {
		return nil, false
	}
	return d.Fallback.Convert(ctx, docType, data)
}
