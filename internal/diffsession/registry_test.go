package diffsession

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"redline/engine/internal/convert"
	"redline/engine/internal/errinfo"
	"redline/engine/internal/host"
	"redline/engine/internal/logging"
)

func TestGetOrCreateReturnsExistingSession(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.dir, "a.txt")
	first := env.mustCreate(t, "s1", path)
	second := env.mustCreate(t, "s1", path)
	if first != second {
		t.Fatalf("expected the same session instance for the same id")
	}
	if len(diffTabs(env.mem)) != 1 {
		t.Fatalf("expected exactly one comparison view, got %d", len(diffTabs(env.mem)))
	}
}

func TestGetOrCreateResolvesRelativePath(t *testing.T) {
	env := newTestEnv(t)
	s := env.mustCreate(t, "s1", filepath.Join("sub", "a.txt"))
	want := filepath.Join(env.dir, "sub", "a.txt")
	if s.Path != want {
		t.Fatalf("expected path resolved against cwd, got %q want %q", s.Path, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected scaffold file created: %v", err)
	}
}

func TestGetOrCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, info := env.reg.GetOrCreate(context.Background(), "", "a.txt", env.dir); info == nil || info.ErrorCode != errinfo.CodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED for missing id, got %+v", info)
	}
	if _, info := env.reg.GetOrCreate(context.Background(), "s1", "", env.dir); info == nil || info.ErrorCode != errinfo.CodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED for missing path, got %+v", info)
	}
}

func TestConcurrentGetOrCreateSharesOneSession(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.dir, "a.txt")

	const callers = 4
	sessions := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, info := env.reg.GetOrCreate(context.Background(), "Y", path, env.dir)
			if info != nil {
				t.Errorf("GetOrCreate failed: %+v", info)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if sessions[i] != sessions[0] {
			t.Fatalf("concurrent callers got different session instances")
		}
	}
	if len(diffTabs(env.mem)) != 1 {
		t.Fatalf("expected exactly one comparison view, got %d", len(diffTabs(env.mem)))
	}
}

func TestViewOpenTimeoutSurfaced(t *testing.T) {
	mem := host.NewMem()
	mem.BlockDiffOpen = make(chan struct{})
	cfg := testSettings()
	cfg.ViewOpenTimeoutMS = 30
	reg := NewRegistry(mem, convert.Dispatch{Fallback: convert.Text{}}, cfg, logging.Nop())
	defer reg.Close(context.Background())

	path := filepath.Join(t.TempDir(), "a.txt")
	_, info := reg.GetOrCreate(context.Background(), "s1", path, "")
	if info == nil || info.ErrorCode != errinfo.CodeViewOpenTimeout {
		t.Fatalf("expected VIEW_OPEN_TIMEOUT, got %+v", info)
	}
	if _, ok := reg.Get("s1"); ok {
		t.Fatalf("a failed open must not register a session")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected the scaffold removed on a failed open, stat err=%v", err)
	}
}

func TestExternalTabCloseTearsDownSession(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.dir, "a.txt")
	env.mustCreate(t, "X", path)

	env.mem.CloseDiffTab(path)

	if _, ok := env.reg.Get("X"); ok {
		t.Fatalf("expected the externally closed session removed from the registry")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected the empty scaffold deleted on teardown, stat err=%v", err)
	}
}

func TestSamePathSessionsTornDownTogether(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.dir, "a.txt")
	if err := os.WriteFile(path, []byte("a\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	env.mustCreate(t, "X", path)
	env.mustCreate(t, "Y", path)

	env.mem.CloseDiffTab(path)

	if _, ok := env.reg.Get("X"); ok {
		t.Fatalf("expected session X torn down")
	}
	if _, ok := env.reg.Get("Y"); ok {
		t.Fatalf("expected session Y torn down with its same-path sibling")
	}
	env.reg.mu.Lock()
	hooked := env.reg.unhook != nil
	env.reg.mu.Unlock()
	if hooked {
		t.Fatalf("expected the tab hook uninstalled once the registry emptied")
	}
}

func TestSaveClosesOtherViewsAndRefocuses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pathA := filepath.Join(env.dir, "a.txt")
	pathB := filepath.Join(env.dir, "b.txt")
	pathC := filepath.Join(env.dir, "c.txt")

	sA := env.mustCreate(t, "A", pathA)
	env.mustCreate(t, "B", pathB)
	sC := env.mustCreate(t, "C", pathC)

	sA.Update(ctx, "a\n", true, nil)
	sC.Update(ctx, "c\n", true, nil) // leaves C's document dirty

	if _, errInfo := sA.SaveChanges(ctx, "a\n"); errInfo != nil {
		t.Fatalf("SaveChanges failed: %+v", errInfo)
	}

	if _, ok := env.reg.Get("B"); ok {
		t.Fatalf("expected the non-dirty session B closed and torn down by the save")
	}
	if _, ok := env.reg.Get("C"); !ok {
		t.Fatalf("dirty session C must survive the save")
	}
	if env.mem.FocusCount(pathC) == 0 {
		t.Fatalf("expected remaining session C refocused after the save")
	}
}

func TestOnClosedNotification(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	var closed []string
	env.reg.OnClosed = func(id string) {
		mu.Lock()
		closed = append(closed, id)
		mu.Unlock()
	}

	path := filepath.Join(env.dir, "a.txt")
	s := env.mustCreate(t, "s1", path)
	s.RevertAndClose(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(closed) != 1 || closed[0] != "s1" {
		t.Fatalf("expected one close notification for s1, got %v", closed)
	}
}

func TestSessionsListingSorted(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "b", filepath.Join(env.dir, "b.txt"))
	env.mustCreate(t, "a", filepath.Join(env.dir, "a.txt"))

	infos := env.reg.Sessions()
	if len(infos) != 2 || infos[0].SessionID != "a" || infos[1].SessionID != "b" {
		t.Fatalf("expected sorted listing, got %+v", infos)
	}
	if infos[0].State != StateCreated {
		t.Fatalf("expected created state in listing, got %q", infos[0].State)
	}
}

func TestExternalFileDeletionTearsDownSession(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.dir, "a.txt")
	if err := os.WriteFile(path, []byte("a\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	env.mustCreate(t, "s1", path)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, ok := env.reg.Get("s1")
		return !ok
	}, "teardown after on-disk deletion")
}

func TestRegistryCloseTearsDownEverything(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "a", filepath.Join(env.dir, "a.txt"))
	env.mustCreate(t, "b", filepath.Join(env.dir, "b.txt"))

	env.reg.Close(context.Background())
	if infos := env.reg.Sessions(); len(infos) != 0 {
		t.Fatalf("expected no live sessions after Close, got %+v", infos)
	}
}
