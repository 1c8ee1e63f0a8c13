// Package logging builds the engine's loggers. Stdout and stdin carry the
// RPC stream, so records go to a file under the data directory, and nothing
// is written at all unless debug mode asks for it.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// FileLogger bundles a logger with the file backing it. A disabled logger
// discards every record and its Close is a no-op.
type FileLogger struct {
	Logger  *slog.Logger
	Close   func() error
	Path    string
	Enabled bool
}

// Nop returns a logger that discards all records.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func disabled() FileLogger {
	return FileLogger{Logger: Nop(), Close: func() error { return nil }}
}

// NewFileLogger opens an appending JSON log at
// <dataDir>/logs/redline-engine.log. With debug off it returns a disabled
// logger without touching the filesystem.
func NewFileLogger(dataDir string, debug bool) (FileLogger, error) {
	if !debug {
		return disabled(), nil
	}
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return disabled(), err
	}
	path := filepath.Join(logDir, "redline-engine.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return disabled(), err
	}
	handler := slog.NewJSONHandler(file, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	})
	return FileLogger{
		Logger:  slog.New(handler),
		Close:   file.Close,
		Path:    path,
		Enabled: true,
	}, nil
}
