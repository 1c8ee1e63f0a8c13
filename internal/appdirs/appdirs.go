package appdirs

import (
	"os"
	"path/filepath"
)

const (
	appDirName = "redline"
)

func DataDir() (string, error) {
	if override := os.Getenv("REDLINE_DATA_DIR"); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDirName), nil
}

func SettingsPath(dataDir string) string {
	return filepath.Join(dataDir, "settings.yaml")
}
