package diff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type Line struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

type Hunk struct {
	Lines []Line `json:"lines"`
}

const (
	LineContext = "context"
	LineAdded   = "added"
	LineRemoved = "removed"
)

func TextDiff(before, after string) []Hunk {
	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeChars, afterChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var lines []Line
	oldLine := 1
	newLine := 1
	for _, diff := range diffs {
		chunkLines := strings.Split(diff.Text, "\n")
		if len(chunkLines) > 0 && chunkLines[len(chunkLines)-1] == "" {
			chunkLines = chunkLines[:len(chunkLines)-1]
		}
		for _, line := range chunkLines {
			switch diff.Type {
			case diffmatchpatch.DiffEqual:
				lines = append(lines, Line{Type: LineContext, Text: line, OldLine: oldLine, NewLine: newLine})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				lines = append(lines, Line{Type: LineRemoved, Text: line, OldLine: oldLine})
				oldLine++
			case diffmatchpatch.DiffInsert:
				lines = append(lines, Line{Type: LineAdded, Text: line, NewLine: newLine})
				newLine++
			}
		}
	}
	return []Hunk{{Lines: lines}}
}

// Stats is the added/removed line summary reported after a save.
type Stats struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// LineStats counts added and removed lines between two contents at line
// granularity.
func LineStats(before, after string) Stats {
	var stats Stats
	for _, hunk := range TextDiff(before, after) {
		for _, line := range hunk.Lines {
			switch line.Type {
			case LineAdded:
				stats.Added++
			case LineRemoved:
				stats.Removed++
			}
		}
	}
	return stats
}

// UnifiedPatch renders a textual patch between two contents, or "" when they
// are identical.
func UnifiedPatch(before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(before, after)
	if len(patches) == 0 {
		return ""
	}
	return dmp.PatchToText(patches)
}
