// Package settings resolves where quoteharvest keeps its data.
//
// All data lives in the XDG data directory:
//
//	$XDG_DATA_HOME/quoteharvest/  (default: ~/.local/share/quoteharvest/)
//
// Files stored:
//   - quotes.json: the translation snapshot (unless another cache is configured)
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/minios-linux/quoteharvest/snapshot"
)

const dataDirName = "quoteharvest"

// dataDir returns the XDG data directory for quoteharvest.
// Respects $XDG_DATA_HOME (falls back to ~/.local/share).
func dataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, dataDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", dataDirName), nil
}

// CacheFilePath returns the default snapshot file path.
// Default: ~/.local/share/quoteharvest/quotes.json.
func CacheFilePath() (string, error) {
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, snapshot.DefaultFileName), nil
}

// ResolveCache returns location unchanged when set, otherwise the default
// snapshot file path. When no home directory can be found the snapshot is
// kept in the working directory.
func ResolveCache(location string) string {
	if location != "" {
		return location
	}
	path, err := CacheFilePath()
	if err != nil {
		return snapshot.DefaultFileName
	}
	return path
}
