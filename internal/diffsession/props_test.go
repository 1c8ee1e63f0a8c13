package diffsession

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"pgregory.net/rapid"

	"redline/engine/internal/convert"
	"redline/engine/internal/host"
	"redline/engine/internal/logging"
)

// Random operation sequences against one session must uphold the state
// machine guarantees: no content changes after finalize, every operation a
// no-op after teardown, and the registry never holding a torn-down session.
func TestOperationSequenceInvariants(t *testing.T) {
	dir := t.TempDir()
	var counter int64

	rapid.Check(t, func(rt *rapid.T) {
		run := atomic.AddInt64(&counter, 1)
		path := filepath.Join(dir, fmt.Sprintf("f%d.txt", run))
		if rapid.Bool().Draw(rt, "pre_existing") {
			if err := os.WriteFile(path, []byte("a\nb\n"), 0o600); err != nil {
				rt.Fatalf("seeding file: %v", err)
			}
		}

		mem := host.NewMem()
		reg := NewRegistry(mem, convert.Dispatch{Fallback: convert.Text{}}, testSettings(), logging.Nop())
		defer reg.Close(context.Background())
		ctx := context.Background()

		id := fmt.Sprintf("s%d", run)
		s, info := reg.GetOrCreate(ctx, id, path, dir)
		if info != nil {
			rt.Fatalf("GetOrCreate failed: %+v", info)
		}

		finalized := false
		torndown := false
		numOps := rapid.IntRange(1, 8).Draw(rt, "num_ops")
		for i := 0; i < numOps; i++ {
			op := rapid.SampledFrom([]string{"update", "final", "save", "revert", "close"}).Draw(rt, fmt.Sprintf("op%d", i))
			docBefore, _, _ := mem.DocumentContent(path)

			switch op {
			case "update":
				s.Update(ctx, "x\ny\npartial", false, nil)
				if finalized || torndown {
					docAfter, _, _ := mem.DocumentContent(path)
					if docAfter != docBefore {
						rt.Fatalf("update after %s changed the document", s.State())
					}
				}
			case "final":
				s.Update(ctx, "x\ny\n", true, nil)
				if finalized || torndown {
					docAfter, _, _ := mem.DocumentContent(path)
					if docAfter != docBefore {
						rt.Fatalf("late final update changed the document")
					}
				}
				if !torndown {
					finalized = true
				}
			case "save":
				_, errInfo := s.SaveChanges(ctx, "x\ny\n")
				if torndown {
					if errInfo == nil {
						rt.Fatalf("save after teardown must fail")
					}
				} else {
					if errInfo != nil {
						rt.Fatalf("save failed: %+v", errInfo)
					}
					if s.State() != StateSaved {
						rt.Fatalf("expected saved state, got %s", s.State())
					}
					finalized = true
				}
			case "revert":
				s.RevertAndClose(ctx)
				torndown = true
			case "close":
				mem.CloseDiffTab(path)
				torndown = true
			}

			if torndown {
				if _, ok := reg.Get(id); ok {
					rt.Fatalf("torn-down session still registered after %s", op)
				}
				if s.State() != StateReverted {
					rt.Fatalf("expected reverted state after teardown, got %s", s.State())
				}
			}
		}
	})
}
