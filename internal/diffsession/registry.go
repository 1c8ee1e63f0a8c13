package diffsession

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"redline/engine/internal/convert"
	"redline/engine/internal/diagnostics"
	"redline/engine/internal/errinfo"
	"redline/engine/internal/host"
	"redline/engine/internal/logging"
	"redline/engine/internal/settings"
	"redline/engine/internal/vfs"
)

// Registry is the process-wide map from session id to live session. It owns
// the single tab-event hook (installed on the first live session, removed
// when the registry empties), the refocus flag raised by saves, and a
// filesystem watcher that tears a session down when its target file is
// deleted outside the editor.
type Registry struct {
	host     host.Host
	conv     convert.Converter
	settings *settings.Settings
	logger   *slog.Logger
	orig     *vfs.OriginalProvider
	mod      *vfs.ModifiedProvider
	watcher  *host.PathWatcher

	// order serializes every GetOrCreate, so two concurrent requests for a
	// brand-new id never race to open two views. Existing-session lookups
	// pass through it too; strict ordering over a little latency.
	order sync.Mutex

	mu       sync.Mutex
	sessions map[string]*Session
	unhook   func()
	refocus  bool

	// OnClosed, when set, is invoked after a session leaves the registry.
	OnClosed func(sessionID string)
}

func NewRegistry(h host.Host, conv convert.Converter, cfg *settings.Settings, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Registry{
		host:     h,
		conv:     conv,
		settings: cfg,
		logger:   logger,
		orig:     vfs.NewOriginalProvider(),
		mod:      vfs.NewModifiedProvider(),
		sessions: make(map[string]*Session),
	}
	watcher, err := host.NewPathWatcher(r.onTargetRemoved, logger)
	if err != nil {
		logger.Warn("registry.watcher_unavailable", "error", err.Error())
	} else {
		r.watcher = watcher
	}
	return r
}

// Providers exposes the two virtual content providers so the host frontend
// can mount them under their schemes.
func (r *Registry) Providers() (*vfs.OriginalProvider, *vfs.ModifiedProvider) {
	return r.orig, r.mod
}

// Get returns the live session for id, if any.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Sessions lists live sessions ordered by id.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	r.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].SessionID < infos[j].SessionID })
	return infos
}

// RequestRefocus asks that every remaining live session be brought back into
// foreground focus on the next reconciliation pass. Raised by saves, which
// close other comparison views as a side effect.
func (r *Registry) RequestRefocus() {
	r.mu.Lock()
	r.refocus = true
	r.mu.Unlock()
}

// GetOrCreate returns the live session for id, or builds one: resolves the
// path against cwd, snapshots the current file content (a missing file
// becomes empty content plus an empty scaffold file), swaps a pre-existing
// plain tab for the comparison view, and registers the session. The first
// live session installs the tab-event hook.
func (r *Registry) GetOrCreate(ctx context.Context, id, path, cwd string) (*Session, *errinfo.ErrorInfo) {
	r.order.Lock()
	defer r.order.Unlock()

	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	s, info := r.open(ctx, id, path, cwd)
	if info != nil {
		return nil, info
	}

	r.mu.Lock()
	r.sessions[id] = s
	if r.unhook == nil {
		r.unhook = r.host.SubscribeTabEvents(r.onTabEvent)
	}
	r.mu.Unlock()
	if r.watcher != nil {
		r.watcher.Add(s.Path)
	}
	r.logger.Info("registry.session_added", "session_id", id, "path", s.Path)
	return s, nil
}

func (r *Registry) open(ctx context.Context, id, path, cwd string) (*Session, *errinfo.ErrorInfo) {
	if id == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseOpen, "session id is required")
	}
	if path == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseOpen, "path is required")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(cwd, abs)
	}
	abs = filepath.Clean(abs)

	preExisted := r.host.FileExists(abs)
	var original []byte
	if preExisted {
		data, err := r.host.ReadFile(abs)
		if err != nil {
			return nil, errinfo.FileReadFailed(errinfo.PhaseOpen, abs, err.Error())
		}
		original = data
	} else if err := r.host.WriteFile(abs, nil); err != nil {
		return nil, errinfo.FileWriteFailed(errinfo.PhaseOpen, abs, err.Error())
	}

	before := diagnostics.Capture(r.host)

	// The comparison view becomes the sole presentation of the file. A plain
	// tab already showing it is closed and remembered for restore.
	plainTab := false
	for _, tab := range r.host.Tabs() {
		if tab.Kind == host.TabKindFile && tab.Path == abs {
			plainTab = true
			if err := r.host.CloseTab(ctx, tab); err != nil {
				r.logger.Warn("registry.plain_close_failed", "session_id", id, "path", abs, "error", err.Error())
			}
		}
	}

	uri := vfs.OriginalURI(id, abs, original)
	r.orig.Register(id, uri)

	label := labelExisting
	if !preExisted {
		label = labelNewFile
	}
	openCtx, cancel := context.WithTimeout(ctx, r.settings.ViewOpenTimeout())
	defer cancel()
	if err := r.host.OpenDiffView(openCtx, uri, abs, label); err != nil {
		r.orig.Forget(id)
		// No session exists to dispose the scaffold, so the failure path
		// removes it here.
		if !preExisted {
			if derr := r.host.DeleteFile(abs); derr != nil {
				r.logger.Warn("registry.scaffold_delete_failed", "session_id", id, "path", abs, "error", derr.Error())
			}
		}
		r.logger.Warn("registry.view_open_failed", "session_id", id, "path", abs, "error", err.Error())
		info := errinfo.ViewOpenTimeout(id, abs)
		if !errors.Is(err, context.DeadlineExceeded) {
			info.Detail = err.Error()
		}
		return nil, info
	}

	s := &Session{
		ID:          id,
		Path:        abs,
		docType:     docTypeFor(abs),
		originalURI: uri,
		original:    original,
		preExisted:  preExisted,
		plainTab:    plainTab,
		before:      before,
		reg:         r,
		host:        r.host,
		conv:        r.conv,
		settings:    r.settings,
		logger:      r.logger,
		state:       StateCreated,
		done:        make(chan struct{}),
	}
	s.unsubs = append(s.unsubs, r.host.SubscribeDocumentChanges(s.onDocumentChanged))
	r.logger.Info("session.opened", "session_id", id, "path", abs, "pre_existed", preExisted)
	return s, nil
}

func (s *Session) onDocumentChanged(path string) {
	if path != s.Path {
		return
	}
	s.mu.Lock()
	if !s.applying {
		s.lastEdit = time.Now()
	}
	s.mu.Unlock()
}

// RevertAndClose tears down the session for id, if it is still live.
// Unknown ids are a silent no-op, which makes the operation idempotent from
// the caller's side as well.
func (r *Registry) RevertAndClose(ctx context.Context, id string) {
	if s, ok := r.Get(id); ok {
		s.RevertAndClose(ctx)
	}
}

// remove takes a session out of the registry. Idempotent; the last removal
// uninstalls the tab-event hook.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	var unhook func()
	if len(r.sessions) == 0 {
		unhook = r.unhook
		r.unhook = nil
	}
	onClosed := r.OnClosed
	r.mu.Unlock()

	if r.watcher != nil {
		r.watcher.Remove(s.Path)
	}
	if unhook != nil {
		unhook()
		r.logger.Debug("registry.hook_uninstalled")
	}
	r.logger.Info("registry.session_removed", "session_id", id, "path", s.Path)
	if onClosed != nil {
		onClosed(id)
	}
}

// onTargetRemoved handles an on-disk deletion of a session's target file.
// The view has nothing left to edit, so the session is torn down the same
// way an external tab close is.
func (r *Registry) onTargetRemoved(path string) {
	r.mu.Lock()
	var stale []*Session
	for _, s := range r.sessions {
		if s.Path == path {
			stale = append(stale, s)
		}
	}
	r.mu.Unlock()
	for _, s := range stale {
		r.logger.Info("registry.target_removed", "session_id", s.ID, "path", path)
		s.markReverted()
		s.dispose()
		r.remove(s.ID)
	}
}

// Close tears down every live session and releases the watcher. Used at
// engine shutdown.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.RevertAndClose(ctx)
	}
	if r.watcher != nil {
		_ = r.watcher.Close()
	}
}
