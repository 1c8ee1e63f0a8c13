package settings

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"redline/engine/internal/envutil"
)

const schemaVersion = 1

const (
	LineEndingLF   = "lf"
	LineEndingCRLF = "crlf"
)

// Settings controls the timing and normalization behavior of the diff
// session engine. Durations are stored as milliseconds so the YAML stays
// plain integers. Values of zero or below mean "use the default".
type Settings struct {
	SchemaVersion int `yaml:"schema_version"`

	// ViewOpenTimeoutMS bounds how long opening a comparison view may take
	// before the open call is surfaced to the caller as a failure.
	ViewOpenTimeoutMS int `yaml:"view_open_timeout_ms"`

	// DiagnosticsSettleMS bounds the post-save wait for new diagnostics.
	// DiagnosticsSettleRecentMS is used instead when the document was
	// modified shortly before saving.
	DiagnosticsSettleMS       int `yaml:"diagnostics_settle_ms"`
	DiagnosticsSettleRecentMS int `yaml:"diagnostics_settle_recent_ms"`

	// EditSettleMS is the pause after a programmatic full-document edit
	// before further host interaction.
	EditSettleMS int `yaml:"edit_settle_ms"`

	// Scroll animation: deltas of at most ScrollJumpThreshold lines jump
	// directly, larger deltas animate in ScrollSteps frames spaced
	// ScrollFrameIntervalMS apart.
	ScrollJumpThreshold   int `yaml:"scroll_jump_threshold"`
	ScrollSteps           int `yaml:"scroll_steps"`
	ScrollFrameIntervalMS int `yaml:"scroll_frame_interval_ms"`

	// LineEnding and TrailingNewline define the normalization applied to
	// content variants before diffing at save time.
	LineEnding      string `yaml:"line_ending"`
	TrailingNewline bool   `yaml:"trailing_newline"`

	// TestMode skips every settle wait and scroll animation delay.
	TestMode bool `yaml:"test_mode"`
}

func (s *Settings) ViewOpenTimeout() time.Duration {
	return time.Duration(s.ViewOpenTimeoutMS) * time.Millisecond
}

func (s *Settings) DiagnosticsSettle() time.Duration {
	return time.Duration(s.DiagnosticsSettleMS) * time.Millisecond
}

func (s *Settings) DiagnosticsSettleRecent() time.Duration {
	return time.Duration(s.DiagnosticsSettleRecentMS) * time.Millisecond
}

func (s *Settings) EditSettle() time.Duration {
	return time.Duration(s.EditSettleMS) * time.Millisecond
}

func (s *Settings) ScrollFrameInterval() time.Duration {
	return time.Duration(s.ScrollFrameIntervalMS) * time.Millisecond
}

type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the settings file, backfills defaults, and applies environment
// overrides. A missing file yields pure defaults.
func (s *Store) Load() (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings := defaultSettings()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, err
	}
	backfill(settings)
	applyEnv(settings)
	return settings, nil
}

func (s *Store) Save(settings *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	backfill(settings)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func defaultSettings() *Settings {
	return &Settings{
		SchemaVersion:             schemaVersion,
		ViewOpenTimeoutMS:         10000,
		DiagnosticsSettleMS:       2000,
		DiagnosticsSettleRecentMS: 1000,
		EditSettleMS:              100,
		ScrollJumpThreshold:       5,
		ScrollSteps:               10,
		ScrollFrameIntervalMS:     16,
		LineEnding:                LineEndingLF,
		TrailingNewline:           true,
	}
}

func backfill(settings *Settings) {
	defaults := defaultSettings()
	if settings.SchemaVersion == 0 {
		settings.SchemaVersion = schemaVersion
	}
	if settings.ViewOpenTimeoutMS <= 0 {
		settings.ViewOpenTimeoutMS = defaults.ViewOpenTimeoutMS
	}
	if settings.DiagnosticsSettleMS <= 0 {
		settings.DiagnosticsSettleMS = defaults.DiagnosticsSettleMS
	}
	if settings.DiagnosticsSettleRecentMS <= 0 {
		settings.DiagnosticsSettleRecentMS = defaults.DiagnosticsSettleRecentMS
	}
	if settings.EditSettleMS <= 0 {
		settings.EditSettleMS = defaults.EditSettleMS
	}
	if settings.ScrollJumpThreshold <= 0 {
		settings.ScrollJumpThreshold = defaults.ScrollJumpThreshold
	}
	if settings.ScrollSteps <= 0 {
		settings.ScrollSteps = defaults.ScrollSteps
	}
	if settings.ScrollFrameIntervalMS <= 0 {
		settings.ScrollFrameIntervalMS = defaults.ScrollFrameIntervalMS
	}
	if settings.LineEnding != LineEndingLF && settings.LineEnding != LineEndingCRLF {
		settings.LineEnding = defaults.LineEnding
	}
}

func applyEnv(settings *Settings) {
	if envutil.Bool("REDLINE_TEST_MODE") {
		settings.TestMode = true
	}
	if timeout := envutil.Duration("REDLINE_VIEW_OPEN_TIMEOUT", 0); timeout > 0 {
		settings.ViewOpenTimeoutMS = int(timeout / time.Millisecond)
	}
	if settle := envutil.Duration("REDLINE_DIAGNOSTICS_SETTLE", 0); settle > 0 {
		settings.DiagnosticsSettleMS = int(settle / time.Millisecond)
	}
	settings.ScrollSteps = envutil.Int("REDLINE_SCROLL_STEPS", settings.ScrollSteps)
}
