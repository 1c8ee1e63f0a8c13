package diffsession

import (
	"strings"

	"redline/engine/internal/settings"
)

const bom = "\uFEFF"

// normalize brings content to the configured line-ending style and
// trailing-newline policy with no byte-order mark, so the three save-time
// variants compare on substance rather than encoding accidents.
func (s *Session) normalize(content string) string {
	return normalizeContent(content, s.settings)
}

// saveVariant is the patch-facing form of a content variant: normalized,
// with the byte-order mark reinstated exactly once when the streamed content
// carried one.
func (s *Session) saveVariant(content string, hadBOM bool) string {
	normalized := s.normalize(content)
	if hadBOM {
		return bom + normalized
	}
	return normalized
}

func normalizeContent(content string, cfg *settings.Settings) string {
	for strings.HasPrefix(content, bom) {
		content = strings.TrimPrefix(content, bom)
	}
	content = strings.ReplaceAll(content, "\r\n", "\n")
	if cfg.TrailingNewline {
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
	} else {
		content = strings.TrimSuffix(content, "\n")
	}
	if cfg.LineEnding == settings.LineEndingCRLF {
		content = strings.ReplaceAll(content, "\n", "\r\n")
	}
	return content
}
