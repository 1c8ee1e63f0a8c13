// Package diffsession owns the per-edit-session state machine behind the
// review flow: it opens a live original-vs-proposed comparison view, streams
// partial content into it, finalizes the proposed content into the editor's
// document model, and reconciles what the human and the editor's own
// formatting did to it before the result is committed to disk.
package diffsession

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"redline/engine/internal/convert"
	"redline/engine/internal/diagnostics"
	"redline/engine/internal/diff"
	"redline/engine/internal/errinfo"
	"redline/engine/internal/host"
	"redline/engine/internal/settings"
	"redline/engine/internal/vfs"
)

// Session states. saved and reverted are terminal; a new session with the
// same id after teardown is a fresh instance.
const (
	StateCreated   = "created"
	StateStreaming = "streaming"
	StateFinalized = "finalized"
	StateSaved     = "saved"
	StateReverted  = "reverted"
)

const (
	labelExisting = "Original ↔ Proposed Changes (Editable)"
	labelNewFile  = "New File (Editable)"
)

// Session is one live comparison view and its streaming, save, and revert
// protocol. Sessions are built by Registry.GetOrCreate and must not be
// constructed directly.
type Session struct {
	ID   string
	Path string

	docType     string
	originalURI string
	original    []byte
	preExisted  bool
	plainTab    bool
	before      diagnostics.Snapshot

	reg      *Registry
	host     host.Host
	conv     convert.Converter
	settings *settings.Settings
	logger   *slog.Logger

	mu         sync.Mutex
	state      string
	streamed   []string
	hadBOM     bool
	applying   bool
	lastEdit   time.Time
	version    int
	revertDone bool

	unsubs      []func()
	done        chan struct{}
	disposeOnce sync.Once
}

// SaveResult is what a completed save reports back to the caller: the two
// optional patches, the filtered new-diagnostics report, and the size of the
// edit relative to the original snapshot.
type SaveResult struct {
	SessionID           string     `json:"session_id"`
	Path                string     `json:"path"`
	UserEdits           string     `json:"user_edits,omitempty"`
	AutoFormattingEdits string     `json:"auto_formatting_edits,omitempty"`
	NewProblems         string     `json:"new_problems,omitempty"`
	Summary             diff.Stats `json:"summary"`
}

// SessionInfo is the listing view of a session.
type SessionInfo struct {
	SessionID  string `json:"session_id"`
	Path       string `json:"path"`
	State      string `json:"state"`
	PreExisted bool   `json:"pre_existed"`
}

func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() SessionInfo {
	return SessionInfo{
		SessionID:  s.ID,
		Path:       s.Path,
		State:      s.State(),
		PreExisted: s.preExisted,
	}
}

// Update streams accumulated proposed content into the comparison view.
// content is the full content produced so far, not a delta. Non-final calls
// drop the trailing partial line so only complete lines count as streamed.
// A nil cancel channel disables cancellation for this call; a closed one
// triggers revert-and-close exactly once, racing a final update safely.
// Update after finalize or revert is a no-op.
func (s *Session) Update(ctx context.Context, content string, isFinal bool, cancel <-chan struct{}) {
	if cancel != nil {
		s.watchCancel(cancel)
	}

	s.mu.Lock()
	if s.state != StateCreated && s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	if stripped, ok := strings.CutPrefix(content, bom); ok {
		content = stripped
		s.hadBOM = true
	}
	lines := strings.Split(content, "\n")
	if !isFinal && len(lines) > 0 {
		lines = lines[:len(lines)-1]
	}
	prev := len(s.streamed)
	s.streamed = lines
	s.state = StateStreaming
	s.version++
	version := s.version
	s.mu.Unlock()

	s.reg.mod.SetForFile(s.ID, s.Path, []byte(strings.Join(lines, "\n")), version)
	s.reveal(prev, len(lines)-1)

	if isFinal {
		s.finalize(ctx, content)
	}
}

func (s *Session) finalize(ctx context.Context, content string) {
	cells, ok := s.conv.Convert(ctx, s.docType, []byte(content))
	// A revert may have completed while the converter ran. The revert wins:
	// applying the edit now would dirty a document the human already closed,
	// and the next save-all would commit rejected content.
	s.mu.Lock()
	reverted := s.state == StateReverted
	s.mu.Unlock()
	if reverted {
		s.logger.Info("session.finalize_skipped", "session_id", s.ID, "path", s.Path)
		return
	}
	if !ok {
		s.logger.Warn("session.decode_skipped", "session_id", s.ID, "path", s.Path, "doc_type", s.docType)
	} else {
		s.setDocumentCells(ctx, cells)
		if !s.settings.TestMode {
			time.Sleep(s.settings.EditSettle())
		}
		s.host.RevealLine(s.Path, 0)
	}
	s.mu.Lock()
	if s.state == StateStreaming || s.state == StateCreated {
		s.state = StateFinalized
	}
	s.mu.Unlock()
	s.logger.Info("session.finalized", "session_id", s.ID, "path", s.Path, "decoded", ok)
}

// setDocumentCells replaces the whole document in one edit, with the
// document-change suppression flag raised so our own edit is not mistaken
// for a human one.
func (s *Session) setDocumentCells(ctx context.Context, cells []convert.Cell) {
	s.mu.Lock()
	s.applying = true
	s.mu.Unlock()
	err := s.host.SetDocumentCells(ctx, s.Path, cells)
	s.mu.Lock()
	s.applying = false
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("session.edit_failed", "session_id", s.ID, "path", s.Path, "error", err.Error())
	}
}

// reveal scrolls the view toward the newest streamed line. Small deltas jump
// directly; larger ones animate in fixed steps. Purely a feedback affordance:
// it must tolerate an empty or shorter document and is skipped in test mode.
func (s *Session) reveal(prev, target int) {
	if s.settings.TestMode || target < 0 {
		return
	}
	limit := s.host.DocumentLineCount(s.Path) - 1
	if limit < 0 {
		return
	}
	if target > limit {
		target = limit
	}
	if prev > limit {
		prev = limit
	}
	delta := target - prev
	if delta < 0 {
		delta = -delta
	}
	if delta <= s.settings.ScrollJumpThreshold {
		s.host.RevealLine(s.Path, target)
		return
	}
	steps := s.settings.ScrollSteps
	for i := 1; i <= steps; i++ {
		s.host.RevealLine(s.Path, prev+(target-prev)*i/steps)
		time.Sleep(s.settings.ScrollFrameInterval())
	}
}

func (s *Session) watchCancel(cancel <-chan struct{}) {
	go func() {
		select {
		case <-cancel:
			s.logger.Info("session.cancel_requested", "session_id", s.ID)
			s.RevertAndClose(context.Background())
		case <-s.done:
		}
	}()
}

// SaveChanges persists the live document, reconciles the three content
// variants (caller baseline, pre-save document, post-save document), and
// reports what the human and the editor's save-time formatting changed.
// newContent is the caller's final proposed content, used as the baseline.
func (s *Session) SaveChanges(ctx context.Context, newContent string) (*SaveResult, *errinfo.ErrorInfo) {
	s.mu.Lock()
	if s.state == StateReverted {
		s.mu.Unlock()
		return nil, errinfo.SessionTerminated(errinfo.PhaseSave, s.ID)
	}
	hadBOM := s.hadBOM
	lastEdit := s.lastEdit
	s.mu.Unlock()

	preSave, dirty, err := s.host.DocumentContent(s.Path)
	if err != nil {
		return nil, errinfo.FileReadFailed(errinfo.PhaseSave, s.Path, err.Error())
	}
	if dirty {
		if err := s.host.SaveDocument(ctx, s.Path); err != nil {
			return nil, errinfo.FileWriteFailed(errinfo.PhaseSave, s.Path, err.Error())
		}
	}
	postSave, _, err := s.host.DocumentContent(s.Path)
	if err != nil {
		return nil, errinfo.FileReadFailed(errinfo.PhaseSave, s.Path, err.Error())
	}
	if hadBOM {
		s.reinstateBOM()
	}

	if err := s.host.OpenFileTab(ctx, s.Path); err != nil {
		s.logger.Warn("session.reopen_failed", "session_id", s.ID, "path", s.Path, "error", err.Error())
	}
	s.reg.RequestRefocus()
	s.closeOtherDiffTabs(ctx)
	s.waitDiagnostics(lastEdit)
	after := diagnostics.Capture(s.host)

	base := s.saveVariant(newContent, hadBOM)
	pre := s.saveVariant(preSave, hadBOM)
	post := s.saveVariant(postSave, hadBOM)

	result := &SaveResult{SessionID: s.ID, Path: s.Path}
	if base != pre {
		result.UserEdits = diff.UnifiedPatch(base, pre)
	}
	if pre != post {
		result.AutoFormattingEdits = diff.UnifiedPatch(pre, post)
	}
	result.NewProblems = diagnostics.Report(diagnostics.NewProblems(s.before, after, s.Path))
	result.Summary = diff.LineStats(s.normalize(string(s.original)), s.normalize(postSave))

	s.mu.Lock()
	if s.state != StateReverted {
		s.state = StateSaved
	}
	s.mu.Unlock()
	s.logger.Info("session.saved", "session_id", s.ID, "path", s.Path,
		"added", result.Summary.Added, "removed", result.Summary.Removed,
		"user_edits", result.UserEdits != "", "auto_format_edits", result.AutoFormattingEdits != "")
	return result, nil
}

// reinstateBOM makes the persisted file start with exactly one byte-order
// mark. The mark is stripped on the incoming side and reinstated only here,
// so editor-level insertion semantics cannot double it.
func (s *Session) reinstateBOM() {
	data, err := s.host.ReadFile(s.Path)
	if err != nil {
		s.logger.Warn("session.bom_read_failed", "session_id", s.ID, "path", s.Path, "error", err.Error())
		return
	}
	body := string(data)
	for strings.HasPrefix(body, bom) {
		body = strings.TrimPrefix(body, bom)
	}
	if err := s.host.WriteFile(s.Path, []byte(bom+body)); err != nil {
		s.logger.Warn("session.bom_write_failed", "session_id", s.ID, "path", s.Path, "error", err.Error())
	}
}

// waitDiagnostics gives the diagnostics subsystem a bounded window to surface
// errors introduced by the save. A document edited shortly before saving gets
// the shorter window since its analysis is likely already in flight.
func (s *Session) waitDiagnostics(lastEdit time.Time) {
	if s.settings.TestMode {
		return
	}
	wait := s.settings.DiagnosticsSettle()
	if !lastEdit.IsZero() && time.Since(lastEdit) < wait {
		wait = s.settings.DiagnosticsSettleRecent()
	}
	time.Sleep(wait)
}

// closeOtherDiffTabs closes every other session's comparison view that holds
// no unsaved changes. Dirty ones are left alone so the host never prompts the
// human to discard work.
func (s *Session) closeOtherDiffTabs(ctx context.Context) {
	for _, tab := range s.host.Tabs() {
		if tab.Kind != host.TabKindDiff || !vfs.IsOriginalURI(tab.OriginalURI) || tab.Dirty {
			continue
		}
		id, _, _, err := vfs.ParseOriginalURI(tab.OriginalURI)
		if err != nil || id == s.ID {
			continue
		}
		if err := s.host.CloseTab(ctx, tab); err != nil {
			s.logger.Warn("session.close_other_failed", "session_id", s.ID, "path", tab.Path, "error", err.Error())
		}
	}
}

// RevertAndClose restores the original content if the document diverged,
// closes the comparison view, and tears the session down. Idempotent: the
// second and later calls are silent no-ops. It never fails; teardown
// problems are logged and swallowed.
//
// The guard is a flag rather than a sync.Once: closing the session's own
// tab re-enters the registry's tab hook on the same goroutine, and that
// hook must be able to observe the revert without blocking on it.
func (s *Session) RevertAndClose(ctx context.Context) {
	s.mu.Lock()
	if s.revertDone {
		s.mu.Unlock()
		return
	}
	s.revertDone = true
	s.mu.Unlock()
	s.revert(ctx)
}

func (s *Session) revert(ctx context.Context) {
	s.mu.Lock()
	prevState := s.state
	s.state = StateReverted
	s.mu.Unlock()
	s.logger.Info("session.reverting", "session_id", s.ID, "path", s.Path, "from_state", prevState)

	if prevState != StateSaved {
		_, dirty, err := s.host.DocumentContent(s.Path)
		if err == nil && dirty {
			cells, ok := s.conv.Convert(ctx, s.docType, s.original)
			if !ok {
				s.logger.Warn("session.revert_decode_skipped", "session_id", s.ID, "path", s.Path)
			} else {
				s.setDocumentCells(ctx, cells)
				if err := s.host.SaveAll(ctx); err != nil {
					s.logger.Warn("session.revert_save_failed", "session_id", s.ID, "path", s.Path, "error", err.Error())
				}
			}
		}
	}

	s.closeOtherDiffTabs(ctx)
	for _, tab := range s.host.Tabs() {
		if tab.Kind == host.TabKindDiff && tab.Path == s.Path {
			if err := s.host.CloseTab(ctx, tab); err != nil {
				s.logger.Warn("session.close_failed", "session_id", s.ID, "path", s.Path, "error", err.Error())
			}
		}
	}
	if s.plainTab {
		if err := s.host.OpenFileTab(ctx, s.Path); err != nil {
			s.logger.Warn("session.reopen_failed", "session_id", s.ID, "path", s.Path, "error", err.Error())
		}
	}
	s.dispose()
	s.reg.remove(s.ID)
}

// dispose releases subscriptions and provider entries, and deletes the
// scaffold file when the session created it and nothing ever landed in it.
// Safe to call more than once and never fails.
func (s *Session) dispose() {
	s.disposeOnce.Do(func() {
		close(s.done)
		for _, unsub := range s.unsubs {
			unsub()
		}
		s.unsubs = nil
		s.reg.orig.Forget(s.ID)
		s.reg.mod.Forget(s.ID)
		if !s.preExisted {
			s.removeEmptyScaffold()
		}
		s.logger.Debug("session.disposed", "session_id", s.ID, "path", s.Path)
	})
}

func (s *Session) removeEmptyScaffold() {
	data, err := s.host.ReadFile(s.Path)
	if err != nil || len(data) != 0 {
		return
	}
	if err := s.host.DeleteFile(s.Path); err != nil {
		s.logger.Warn("session.scaffold_delete_failed", "session_id", s.ID, "path", s.Path, "error", err.Error())
		return
	}
	s.logger.Debug("session.scaffold_deleted", "session_id", s.ID, "path", s.Path)
}

func docTypeFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".ipynb") {
		return convert.DocTypeNotebook
	}
	return convert.DocTypeText
}
