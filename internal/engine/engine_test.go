package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"redline/engine/internal/convert"
	"redline/engine/internal/diffsession"
	"redline/engine/internal/errinfo"
	"redline/engine/internal/host"
	"redline/engine/internal/settings"
)

func testSettings() *settings.Settings {
	return &settings.Settings{
		ViewOpenTimeoutMS:         2000,
		DiagnosticsSettleMS:       10,
		DiagnosticsSettleRecentMS: 5,
		EditSettleMS:              1,
		ScrollJumpThreshold:       5,
		ScrollSteps:               10,
		ScrollFrameIntervalMS:     1,
		LineEnding:                settings.LineEndingLF,
		TrailingNewline:           true,
		TestMode:                  true,
	}
}

func newTestEngine(t *testing.T) (*Engine, *host.Mem) {
	t.Helper()
	mem := host.NewMem()
	eng, err := New(
		WithHost(mem),
		WithSettings(testSettings()),
		WithConverter(convert.Dispatch{Fallback: convert.Text{}}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close(context.Background()) })
	return eng, mem
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return data
}

func TestDiffOpenGeneratesSessionID(t *testing.T) {
	eng, _ := newTestEngine(t)
	path := filepath.Join(t.TempDir(), "a.txt")

	result, errInfo := eng.DiffOpen(context.Background(), mustJSON(t, map[string]string{"path": path}))
	if errInfo != nil {
		t.Fatalf("DiffOpen failed: %+v", errInfo)
	}
	info := result.(diffsession.SessionInfo)
	if info.SessionID == "" {
		t.Fatalf("expected a generated session id")
	}
	if info.Path != path {
		t.Fatalf("unexpected path %q", info.Path)
	}
	if info.State != diffsession.StateCreated {
		t.Fatalf("expected created state, got %q", info.State)
	}
}

func TestDiffOpenValidation(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, errInfo := eng.DiffOpen(context.Background(), mustJSON(t, map[string]string{"session_id": "x"}))
	if errInfo == nil || errInfo.ErrorCode != errinfo.CodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED for missing path, got %+v", errInfo)
	}
}

func TestFullReviewFlow(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("a\nb\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, errInfo := eng.DiffOpen(ctx, mustJSON(t, map[string]string{"session_id": "flow", "path": path})); errInfo != nil {
		t.Fatalf("DiffOpen failed: %+v", errInfo)
	}
	if _, errInfo := eng.DiffUpdate(ctx, mustJSON(t, map[string]any{
		"session_id": "flow", "content": "a\nc\n", "is_final": true,
	})); errInfo != nil {
		t.Fatalf("DiffUpdate failed: %+v", errInfo)
	}
	content, _, _ := mem.DocumentContent(path)
	if content != "a\nc\n" {
		t.Fatalf("expected finalized document content, got %q", content)
	}

	result, errInfo := eng.DiffSaveChanges(ctx, mustJSON(t, map[string]string{
		"session_id": "flow", "new_content": "a\nc\n",
	}))
	if errInfo != nil {
		t.Fatalf("DiffSaveChanges failed: %+v", errInfo)
	}
	save := result.(*diffsession.SaveResult)
	if save.Summary.Added != 1 || save.Summary.Removed != 1 {
		t.Fatalf("unexpected summary %+v", save.Summary)
	}

	listing, errInfo := eng.DiffListSessions(ctx, nil)
	if errInfo != nil {
		t.Fatalf("DiffListSessions failed: %+v", errInfo)
	}
	sessions := listing.(map[string]any)["sessions"].([]diffsession.SessionInfo)
	if len(sessions) != 1 || sessions[0].State != diffsession.StateSaved {
		t.Fatalf("unexpected listing %+v", sessions)
	}
}

func TestDiffUpdateUnknownSession(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, errInfo := eng.DiffUpdate(context.Background(), mustJSON(t, map[string]any{
		"session_id": "ghost", "content": "x\n", "is_final": true,
	}))
	if errInfo == nil || errInfo.ErrorCode != errinfo.CodeSessionNotFound {
		t.Fatalf("expected SESSION_NOT_FOUND, got %+v", errInfo)
	}
}

func TestDiffRevertAndCloseIdempotent(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "a.txt")

	if _, errInfo := eng.DiffOpen(ctx, mustJSON(t, map[string]string{"session_id": "r1", "path": path})); errInfo != nil {
		t.Fatalf("DiffOpen failed: %+v", errInfo)
	}
	for i := 0; i < 2; i++ {
		result, errInfo := eng.DiffRevertAndClose(ctx, mustJSON(t, map[string]string{"session_id": "r1"}))
		if errInfo != nil {
			t.Fatalf("DiffRevertAndClose call %d failed: %+v", i+1, errInfo)
		}
		if closed := result.(map[string]any)["closed"]; closed != true {
			t.Fatalf("expected closed=true, got %v", closed)
		}
	}
}

func TestSessionClosedNotification(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	var notices []string
	eng.SetNotifier(func(method string, params any) {
		mu.Lock()
		notices = append(notices, fmt.Sprintf("%s:%v", method, params.(map[string]string)["session_id"]))
		mu.Unlock()
	})

	path := filepath.Join(t.TempDir(), "a.txt")
	if _, errInfo := eng.DiffOpen(ctx, mustJSON(t, map[string]string{"session_id": "n1", "path": path})); errInfo != nil {
		t.Fatalf("DiffOpen failed: %+v", errInfo)
	}
	if _, errInfo := eng.DiffRevertAndClose(ctx, mustJSON(t, map[string]string{"session_id": "n1"})); errInfo != nil {
		t.Fatalf("DiffRevertAndClose failed: %+v", errInfo)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(notices) != 1 || notices[0] != "session_closed:n1" {
		t.Fatalf("expected one session_closed notification, got %v", notices)
	}
}

func TestDiffCancelTriggersTeardown(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "a.txt")

	if _, errInfo := eng.DiffOpen(ctx, mustJSON(t, map[string]string{"session_id": "c1", "path": path})); errInfo != nil {
		t.Fatalf("DiffOpen failed: %+v", errInfo)
	}
	if _, errInfo := eng.DiffUpdate(ctx, mustJSON(t, map[string]any{
		"session_id": "c1", "content": "x\n", "is_final": false,
	})); errInfo != nil {
		t.Fatalf("DiffUpdate failed: %+v", errInfo)
	}
	result, errInfo := eng.DiffCancel(ctx, mustJSON(t, map[string]string{"session_id": "c1"}))
	if errInfo != nil {
		t.Fatalf("DiffCancel failed: %+v", errInfo)
	}
	if canceled := result.(map[string]any)["canceled"]; canceled != true {
		t.Fatalf("expected canceled=true, got %v", canceled)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		listing, _ := eng.DiffListSessions(ctx, nil)
		if len(listing.(map[string]any)["sessions"].([]diffsession.SessionInfo)) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("cancellation did not tear the session down")
}
