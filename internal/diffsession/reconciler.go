package diffsession

import (
	"context"

	"redline/engine/internal/host"
	"redline/engine/internal/vfs"
)

// onTabEvent is the single tab-lifecycle hook, installed while any session
// is live. On a close event it recomputes which sessions still have a
// visible comparison view; the rest were closed by the human and are torn
// down without a revert. Sessions sharing a torn-down session's target path
// go with it, so stale duplicate views are cleaned up together.
func (r *Registry) onTabEvent(event host.TabEvent) {
	if event.Kind != host.TabClosed {
		return
	}

	visible := make(map[string]bool)
	for _, tab := range r.host.Tabs() {
		if tab.Kind != host.TabKindDiff || !vfs.IsOriginalURI(tab.OriginalURI) {
			continue
		}
		if id, _, _, err := vfs.ParseOriginalURI(tab.OriginalURI); err == nil {
			visible[id] = true
		}
	}

	r.mu.Lock()
	stale := make(map[string]*Session)
	stalePaths := make(map[string]bool)
	for id, s := range r.sessions {
		if !visible[id] {
			stale[id] = s
			stalePaths[s.Path] = true
		}
	}
	for id, s := range r.sessions {
		if stalePaths[s.Path] {
			stale[id] = s
		}
	}
	refocus := r.refocus
	var remaining []*Session
	for id, s := range r.sessions {
		if _, gone := stale[id]; !gone {
			remaining = append(remaining, s)
		}
	}
	if refocus {
		r.refocus = false
	}
	r.mu.Unlock()

	for id, s := range stale {
		r.logger.Info("registry.external_close", "session_id", id, "path", s.Path)
		s.markReverted()
		s.dispose()
		r.remove(id)
	}

	if refocus {
		ctx := context.Background()
		for _, s := range remaining {
			if err := r.host.FocusDiffView(ctx, s.Path); err != nil {
				r.logger.Warn("registry.refocus_failed", "session_id", s.ID, "path", s.Path, "error", err.Error())
			}
		}
	}
}

// markReverted moves an externally closed session to its terminal state so
// any in-flight or later operation on it degrades to a no-op.
func (s *Session) markReverted() {
	s.mu.Lock()
	s.revertDone = true
	s.state = StateReverted
	s.mu.Unlock()
}
