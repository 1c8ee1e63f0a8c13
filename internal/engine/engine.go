// Package engine is the tool-handler boundary: it validates RPC parameters,
// generates session ids, and drives the diff-session registry. Failures
// surface as structured payloads so the orchestrating agent receives a
// normal failure result instead of a crash.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"redline/engine/internal/appdirs"
	"redline/engine/internal/convert"
	"redline/engine/internal/diffsession"
	"redline/engine/internal/errinfo"
	"redline/engine/internal/host"
	"redline/engine/internal/logging"
	"redline/engine/internal/settings"
)

const (
	APIVersion    = "1"
	engineName    = "redline-engine"
	engineVersion = "0.3.0"
)

type Engine struct {
	registry *diffsession.Registry
	settings *settings.Settings
	logger   *slog.Logger

	mu       sync.Mutex
	cancels  map[string]chan struct{}
	notifier func(method string, params any)
}

type config struct {
	host     host.Host
	conv     convert.Converter
	settings *settings.Settings
	logger   *slog.Logger
}

type Option func(*config)

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

func WithHost(h host.Host) Option {
	return func(c *config) { c.host = h }
}

func WithConverter(conv convert.Converter) Option {
	return func(c *config) { c.conv = conv }
}

func WithSettings(s *settings.Settings) Option {
	return func(c *config) { c.settings = s }
}

func New(opts ...Option) (*Engine, error) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logging.Nop()
	}
	if cfg.host == nil {
		cfg.host = host.NewMem()
	}
	if cfg.conv == nil {
		cfg.conv = convert.Dispatch{Fallback: convert.Text{}}
	}
	if cfg.settings == nil {
		dataDir, err := appdirs.DataDir()
		if err != nil {
			return nil, err
		}
		loaded, err := settings.NewStore(appdirs.SettingsPath(dataDir)).Load()
		if err != nil {
			return nil, err
		}
		cfg.settings = loaded
	}

	e := &Engine{
		settings: cfg.settings,
		logger:   cfg.logger,
		cancels:  make(map[string]chan struct{}),
	}
	e.registry = diffsession.NewRegistry(cfg.host, cfg.conv, cfg.settings, cfg.logger)
	e.registry.OnClosed = e.onSessionClosed
	return e, nil
}

// SetNotifier wires the server-side notification channel. Session teardown
// emits a session_closed notification through it.
func (e *Engine) SetNotifier(fn func(method string, params any)) {
	e.mu.Lock()
	e.notifier = fn
	e.mu.Unlock()
}

func (e *Engine) Close(ctx context.Context) {
	e.registry.Close(ctx)
}

func (e *Engine) onSessionClosed(sessionID string) {
	e.mu.Lock()
	if ch, ok := e.cancels[sessionID]; ok {
		delete(e.cancels, sessionID)
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	notifier := e.notifier
	e.mu.Unlock()
	e.logger.Debug("engine.session_closed", "session_id", sessionID)
	if notifier != nil {
		notifier("session_closed", map[string]string{"session_id": sessionID})
	}
}

// cancelChannel returns the session's cancellation signal, creating it on
// first use. Closing it (DiffCancel, or teardown) requests revert-and-close.
func (e *Engine) cancelChannel(sessionID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.cancels[sessionID]
	if !ok {
		ch = make(chan struct{})
		e.cancels[sessionID] = ch
	}
	return ch
}

func (e *Engine) EngineGetInfo(_ context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	return map[string]any{
		"name":        engineName,
		"version":     engineVersion,
		"api_version": APIVersion,
		"test_mode":   e.settings.TestMode,
	}, nil
}

type diffOpenParams struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Cwd       string `json:"cwd"`
}

func (e *Engine) DiffOpen(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p diffOpenParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseOpen, "invalid params: "+err.Error())
	}
	if p.Path == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseOpen, "path is required")
	}
	if p.SessionID == "" {
		p.SessionID = uuid.NewString()
	}
	s, info := e.registry.GetOrCreate(ctx, p.SessionID, p.Path, p.Cwd)
	if info != nil {
		return nil, info
	}
	return s.Info(), nil
}

type diffUpdateParams struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	IsFinal   bool   `json:"is_final"`
}

func (e *Engine) DiffUpdate(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p diffUpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseStream, "invalid params: "+err.Error())
	}
	if p.SessionID == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseStream, "session_id is required")
	}
	s, ok := e.registry.Get(p.SessionID)
	if !ok {
		return nil, errinfo.SessionNotFound(errinfo.PhaseStream, p.SessionID)
	}
	s.Update(ctx, p.Content, p.IsFinal, e.cancelChannel(p.SessionID))
	return s.Info(), nil
}

type diffSaveParams struct {
	SessionID  string `json:"session_id"`
	NewContent string `json:"new_content"`
}

func (e *Engine) DiffSaveChanges(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p diffSaveParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSave, "invalid params: "+err.Error())
	}
	if p.SessionID == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSave, "session_id is required")
	}
	s, ok := e.registry.Get(p.SessionID)
	if !ok {
		return nil, errinfo.SessionNotFound(errinfo.PhaseSave, p.SessionID)
	}
	result, info := s.SaveChanges(ctx, p.NewContent)
	if info != nil {
		return nil, info
	}
	return result, nil
}

type diffSessionParams struct {
	SessionID string `json:"session_id"`
}

// DiffRevertAndClose tears the session down. Unknown ids succeed: teardown
// is idempotent from the caller's side, and a session externally closed
// moments earlier must not turn cleanup into an error.
func (e *Engine) DiffRevertAndClose(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p diffSessionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseRevert, "invalid params: "+err.Error())
	}
	if p.SessionID == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseRevert, "session_id is required")
	}
	e.registry.RevertAndClose(ctx, p.SessionID)
	return map[string]any{"session_id": p.SessionID, "closed": true}, nil
}

// DiffCancel fires the session's cancellation signal, which requests
// revert-and-close asynchronously. Racing a final update is safe; the
// session's state tag decides the winner.
func (e *Engine) DiffCancel(_ context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p diffSessionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseRevert, "invalid params: "+err.Error())
	}
	if p.SessionID == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseRevert, "session_id is required")
	}
	e.mu.Lock()
	ch, ok := e.cancels[p.SessionID]
	if ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	e.mu.Unlock()
	return map[string]any{"session_id": p.SessionID, "canceled": ok}, nil
}

func (e *Engine) DiffListSessions(_ context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	return map[string]any{"sessions": e.registry.Sessions()}, nil
}
