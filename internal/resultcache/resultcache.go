package resultcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const entryPrefix = "score_"

var ErrInvalidName = errors.New("invalid cache key component")

// Cache memoizes one numeric result per (run, element). Entries live at
// <root>/<run>/score_<element> and are never evicted.
type Cache struct {
	root   string
	tmpDir string
}

// New creates the cache directory tree rooted at root.
func New(root string) (*Cache, error) {
	c := &Cache{
		root:   root,
		tmpDir: filepath.Join(root, ".tmp"),
	}
	if err := os.MkdirAll(c.tmpDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create result cache directory: %w", err)
	}
	return c, nil
}

func (c *Cache) Root() string {
	return c.root
}

func validName(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) || strings.HasPrefix(s, ".") {
		return fmt.Errorf("%q: %w", s, ErrInvalidName)
	}
	return nil
}

func (c *Cache) path(run, element string) (string, error) {
	if err := validName(run); err != nil {
		return "", err
	}
	if err := validName(element); err != nil {
		return "", err
	}
	return filepath.Join(c.root, run, entryPrefix+element), nil
}

// Lookup returns the stored value for (run, element). A missing entry is not
// an error; an unreadable or corrupt one is.
func (c *Cache) Lookup(run, element string) (float64, bool, error) {
	p, err := c.path(run, element)
	if err != nil {
		return 0, false, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read cache entry %s: %w", p, err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt cache entry %s: %w", p, err)
	}
	return v, true, nil
}

// Store writes value for (run, element). The entry appears atomically, so a
// reader never observes a partial write; storing the same value again is a
// no-op in effect.
func (c *Cache) Store(run, element string, value float64) error {
	p, err := c.path(run, element)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("failed to create run cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(c.tmpDir, entryPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.WriteString(strconv.FormatFloat(value, 'g', -1, 64) + "\n")
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write temp cache file: %w", err)
	}

	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("failed to move cache entry into place: %w", err)
	}
	return nil
}
