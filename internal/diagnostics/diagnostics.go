// Package diagnostics diffs two point-in-time snapshots of the host's
// diagnostic set. Collection itself belongs to the host; this package only
// filters and renders.
package diagnostics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"redline/engine/internal/host"
)

// Source is the part of the host surface this package consumes.
type Source interface {
	Diagnostics() []host.Diagnostic
}

// Snapshot is an immutable capture of all reported diagnostics.
type Snapshot struct {
	Items   []host.Diagnostic
	TakenAt time.Time
}

func Capture(source Source) Snapshot {
	items := source.Diagnostics()
	out := make([]host.Diagnostic, len(items))
	copy(out, items)
	return Snapshot{Items: out, TakenAt: time.Now()}
}

// NewProblems returns the error-severity diagnostics present in after but
// not in before, restricted to paths under pathPrefix.
func NewProblems(before, after Snapshot, pathPrefix string) []host.Diagnostic {
	seen := make(map[string]bool, len(before.Items))
	for _, item := range before.Items {
		seen[key(item)] = true
	}
	var problems []host.Diagnostic
	for _, item := range after.Items {
		if item.Severity != host.SeverityError {
			continue
		}
		if pathPrefix != "" && !strings.HasPrefix(item.Path, pathPrefix) {
			continue
		}
		if seen[key(item)] {
			continue
		}
		problems = append(problems, item)
	}
	sort.Slice(problems, func(i, j int) bool {
		if problems[i].Path != problems[j].Path {
			return problems[i].Path < problems[j].Path
		}
		return problems[i].Line < problems[j].Line
	})
	return problems
}

// Report renders problems as a stable textual summary, one per line.
func Report(problems []host.Diagnostic) string {
	if len(problems) == 0 {
		return ""
	}
	var b strings.Builder
	for _, item := range problems {
		source := item.Source
		if source == "" {
			source = "editor"
		}
		fmt.Fprintf(&b, "%s:%d [%s] %s\n", item.Path, item.Line+1, source, item.Message)
	}
	return b.String()
}

func key(d host.Diagnostic) string {
	return fmt.Sprintf("%s|%d|%s|%s", d.Path, d.Line, d.Source, d.Message)
}
