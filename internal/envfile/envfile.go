// Package envfile loads a .env file into the process environment so that
// REDLINE_* overrides work without the editor frontend plumbing them through.
// Variables already present in the environment always win over file values.
package envfile

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Result reports what a load attempt did. Err is advisory: a missing file is
// not an error, it simply leaves Loaded false.
type Result struct {
	Path   string
	Loaded bool
	Keys   int
	Err    error
}

// Load finds the nearest .env walking up from the working directory and loads
// it. REDLINE_ENV_PATH, when set, names the file directly and skips the walk.
func Load() Result {
	if override := strings.TrimSpace(os.Getenv("REDLINE_ENV_PATH")); override != "" {
		return LoadPath(override)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return Result{Err: err}
	}
	path := findUpwards(cwd, ".env")
	if path == "" {
		return Result{}
	}
	return LoadPath(path)
}

// LoadPath loads the named file. Blank lines and # comments are skipped, a
// leading "export " is tolerated, and single or double quotes around a value
// are stripped.
func LoadPath(path string) Result {
	res := Result{Path: path}
	file, err := os.Open(path)
	if err != nil {
		res.Err = err
		return res
	}
	defer file.Close()
	res.Loaded = true
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := splitLine(line)
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			res.Err = err
			return res
		}
		res.Keys++
	}
	if err := scanner.Err(); err != nil {
		res.Err = err
	}
	return res
}

func splitLine(line string) (string, string, bool) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false
	}
	return key, stripQuotes(strings.TrimSpace(value)), true
}

func stripQuotes(value string) string {
	if len(value) < 2 {
		return value
	}
	first, last := value[0], value[len(value)-1]
	if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
		return value[1 : len(value)-1]
	}
	return value
}

func findUpwards(start, filename string) string {
	for dir := start; ; dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, filename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		if filepath.Dir(dir) == dir {
			return ""
		}
	}
}
