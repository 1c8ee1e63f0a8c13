// Package host defines the boundary to the interactive editor surface: tabs,
// live documents, reveal/scroll, and diagnostics. The engine only ever talks
// to these interfaces; memhost provides the in-memory implementation used by
// tests and headless runs.
package host

import (
	"context"

	"redline/engine/internal/convert"
)

const (
	TabKindFile = "file"
	TabKindDiff = "diff"
)

// Tab is one open editor tab. Diff tabs carry the virtual original resource
// they are bound to; Path is the concrete file on the editable side.
type Tab struct {
	Kind        string `json:"kind"`
	Path        string `json:"path"`
	OriginalURI string `json:"original_uri,omitempty"`
	Dirty       bool   `json:"dirty"`
}

const (
	TabOpened = "opened"
	TabClosed = "closed"
)

type TabEvent struct {
	Kind string
	Tab  Tab
}

type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityInformation
	SeverityHint
)

type Diagnostic struct {
	Path     string   `json:"path"`
	Line     int      `json:"line"`
	Severity Severity `json:"severity"`
	Source   string   `json:"source,omitempty"`
	Message  string   `json:"message"`
}

// Host is the full editor surface the diff sessions drive. Calls that reach
// the host's UI loop take a context; OpenDiffView resolves once the
// comparison editor became active.
type Host interface {
	Tabs() []Tab
	OpenFileTab(ctx context.Context, path string) error
	OpenDiffView(ctx context.Context, originalURI, path, label string) error
	CloseTab(ctx context.Context, tab Tab) error
	FocusDiffView(ctx context.Context, path string) error
	SubscribeTabEvents(fn func(TabEvent)) (unsubscribe func())

	DocumentContent(path string) (content string, dirty bool, err error)
	DocumentLineCount(path string) int
	SetDocumentCells(ctx context.Context, path string, cells []convert.Cell) error
	SaveDocument(ctx context.Context, path string) error
	SaveAll(ctx context.Context) error
	SubscribeDocumentChanges(fn func(path string)) (unsubscribe func())

	// RevealLine scrolls the document so line is visible. Best effort: it
	// must tolerate an empty or shorter document.
	RevealLine(path string, line int)

	Diagnostics() []Diagnostic

	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	FileExists(path string) bool
	DeleteFile(path string) error
}
