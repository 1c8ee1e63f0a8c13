package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"redline/engine/internal/convert"
)

var ErrNoDocument = errors.New("host: no open document for path")

type memDoc struct {
	content string
	dirty   bool
}

// Mem is an in-memory editor host backed by the real filesystem for file
// operations. Tests script it (auto-formatting on save, diagnostics after
// save, a host that never activates a view); headless runs use it as-is.
type Mem struct {
	mu      sync.Mutex
	docs    map[string]*memDoc
	tabs    []Tab
	tabSubs map[int]func(TabEvent)
	docSubs map[int]func(string)
	nextSub int
	diags   []Diagnostic
	reveals map[string][]int
	focused map[string]int
	labels  map[string]string

	// AutoFormat, when set, rewrites document content during save — the
	// same effect as editor-level format-on-save.
	AutoFormat func(path, content string) string

	// DiagnosticsAfterSave replaces the diagnostic set when a save runs.
	DiagnosticsAfterSave []Diagnostic

	// BlockDiffOpen, when non-nil, makes OpenDiffView wait until the
	// channel closes or the context expires. Simulates a host that never
	// reports the view active.
	BlockDiffOpen chan struct{}
}

func NewMem() *Mem {
	return &Mem{
		docs:    make(map[string]*memDoc),
		tabSubs: make(map[int]func(TabEvent)),
		docSubs: make(map[int]func(string)),
		reveals: make(map[string][]int),
		focused: make(map[string]int),
		labels:  make(map[string]string),
	}
}

func (m *Mem) Tabs() []Tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tab, len(m.tabs))
	for i, tab := range m.tabs {
		if doc, ok := m.docs[tab.Path]; ok {
			tab.Dirty = doc.dirty
		}
		out[i] = tab
	}
	return out
}

func (m *Mem) OpenFileTab(_ context.Context, path string) error {
	m.ensureDoc(path)
	tab := Tab{Kind: TabKindFile, Path: path}
	m.mu.Lock()
	m.tabs = append(m.tabs, tab)
	m.mu.Unlock()
	m.emitTabEvent(TabEvent{Kind: TabOpened, Tab: tab})
	return nil
}

func (m *Mem) OpenDiffView(ctx context.Context, originalURI, path, label string) error {
	m.mu.Lock()
	block := m.BlockDiffOpen
	m.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.ensureDoc(path)
	tab := Tab{Kind: TabKindDiff, Path: path, OriginalURI: originalURI}
	m.mu.Lock()
	m.tabs = append(m.tabs, tab)
	m.labels[path] = label
	m.mu.Unlock()
	m.emitTabEvent(TabEvent{Kind: TabOpened, Tab: tab})
	return nil
}

func (m *Mem) CloseTab(_ context.Context, tab Tab) error {
	m.mu.Lock()
	idx := -1
	for i, candidate := range m.tabs {
		if candidate.Kind == tab.Kind && candidate.Path == tab.Path && candidate.OriginalURI == tab.OriginalURI {
			idx = i
			break
		}
	}
	if idx >= 0 {
		m.tabs = append(m.tabs[:idx], m.tabs[idx+1:]...)
	}
	m.mu.Unlock()
	if idx >= 0 {
		m.emitTabEvent(TabEvent{Kind: TabClosed, Tab: tab})
	}
	return nil
}

// CloseDiffTab simulates the human closing the comparison tab for path.
func (m *Mem) CloseDiffTab(path string) {
	m.mu.Lock()
	idx := -1
	var closed Tab
	for i, candidate := range m.tabs {
		if candidate.Kind == TabKindDiff && candidate.Path == path {
			idx = i
			closed = candidate
			break
		}
	}
	if idx >= 0 {
		m.tabs = append(m.tabs[:idx], m.tabs[idx+1:]...)
	}
	m.mu.Unlock()
	if idx >= 0 {
		m.emitTabEvent(TabEvent{Kind: TabClosed, Tab: closed})
	}
}

func (m *Mem) FocusDiffView(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.focused[path]++
	return nil
}

// Label returns the label the last diff view for path was opened with.
func (m *Mem) Label(path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.labels[path]
}

func (m *Mem) FocusCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.focused[path]
}

func (m *Mem) SubscribeTabEvents(fn func(TabEvent)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.tabSubs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.tabSubs, id)
		m.mu.Unlock()
	}
}

func (m *Mem) SubscribeDocumentChanges(fn func(string)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.docSubs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.docSubs, id)
		m.mu.Unlock()
	}
}

func (m *Mem) DocumentContent(path string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return "", false, ErrNoDocument
	}
	return doc.content, doc.dirty, nil
}

func (m *Mem) DocumentLineCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok || doc.content == "" {
		return 0
	}
	return strings.Count(doc.content, "\n") + 1
}

func (m *Mem) SetDocumentCells(_ context.Context, path string, cells []convert.Cell) error {
	m.mu.Lock()
	doc, ok := m.docs[path]
	if !ok {
		m.mu.Unlock()
		return ErrNoDocument
	}
	doc.content = convert.Joined(cells)
	doc.dirty = true
	m.mu.Unlock()
	m.emitDocChange(path)
	return nil
}

// ReplaceDocumentText simulates the human editing the live document.
func (m *Mem) ReplaceDocumentText(path, content string) error {
	m.mu.Lock()
	doc, ok := m.docs[path]
	if !ok {
		m.mu.Unlock()
		return ErrNoDocument
	}
	doc.content = content
	doc.dirty = true
	m.mu.Unlock()
	m.emitDocChange(path)
	return nil
}

func (m *Mem) SaveDocument(_ context.Context, path string) error {
	m.mu.Lock()
	doc, ok := m.docs[path]
	if !ok {
		m.mu.Unlock()
		return ErrNoDocument
	}
	if m.AutoFormat != nil {
		doc.content = m.AutoFormat(path, doc.content)
	}
	content := doc.content
	doc.dirty = false
	diags := m.DiagnosticsAfterSave
	m.mu.Unlock()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return err
	}
	if diags != nil {
		m.SetDiagnostics(diags)
	}
	return nil
}

func (m *Mem) SaveAll(ctx context.Context) error {
	m.mu.Lock()
	paths := make([]string, 0, len(m.docs))
	for path, doc := range m.docs {
		if doc.dirty {
			paths = append(paths, path)
		}
	}
	m.mu.Unlock()
	for _, path := range paths {
		if err := m.SaveDocument(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mem) RevealLine(path string, line int) {
	if line < 0 {
		line = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reveals[path] = append(m.reveals[path], line)
}

// Reveals returns the lines revealed for path, in order.
func (m *Mem) Reveals(path string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.reveals[path]))
	copy(out, m.reveals[path])
	return out
}

func (m *Mem) Diagnostics() []Diagnostic {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Diagnostic, len(m.diags))
	copy(out, m.diags)
	return out
}

func (m *Mem) SetDiagnostics(diags []Diagnostic) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.diags = make([]Diagnostic, len(diags))
	copy(m.diags, diags)
}

func (m *Mem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (m *Mem) WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (m *Mem) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (m *Mem) DeleteFile(path string) error {
	return os.Remove(path)
}

func (m *Mem) ensureDoc(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[path]; ok {
		return
	}
	content := ""
	if data, err := os.ReadFile(path); err == nil {
		content = string(data)
	}
	m.docs[path] = &memDoc{content: content}
}

func (m *Mem) emitTabEvent(event TabEvent) {
	m.mu.Lock()
	subs := make([]func(TabEvent), 0, len(m.tabSubs))
	for _, fn := range m.tabSubs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(event)
	}
}

func (m *Mem) emitDocChange(path string) {
	m.mu.Lock()
	subs := make([]func(string), 0, len(m.docSubs))
	for _, fn := range m.docSubs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(path)
	}
}
