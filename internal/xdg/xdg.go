// Package xdg locates the per-user directories the referee falls back to
// when no explicit path is configured.
package xdg

import (
	"os"
	"path/filepath"
)

// CacheHome is $XDG_CACHE_HOME, or ~/.cache when unset. Without a home
// directory it falls back to the system temp dir.
func CacheHome() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".cache")
	}
	return filepath.Join(home, ".cache")
}

// ResultCacheDir is where finished element scores are kept by default:
// <cache home>/<app>/results.
func ResultCacheDir(app string) string {
	return filepath.Join(CacheHome(), app, "results")
}
