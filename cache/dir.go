package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/adrg/xdg"
)

// EnvCacheDir overrides the default cache location.
const EnvCacheDir = "INSTANT_CACHE_DIR"

// DefaultDir returns the per-user cache location used when no directory is
// requested: $INSTANT_CACHE_DIR if set, otherwise $XDG_CACHE_HOME/instant.
func DefaultDir() string {
	if dir := os.Getenv(EnvCacheDir); dir != "" {
		return dir
	}
	return filepath.Join(xdg.CacheHome, "instant")
}

// ResolveDir validates requested and returns it as a clean absolute path.
// An empty request resolves to DefaultDir. The directory and its parents are
// created if missing. A path that exists but is not a directory, or that
// cannot be written to, yields a *CacheDirectoryError. Calling ResolveDir
// again with the same input returns the same path.
func ResolveDir(requested string) (string, error) {
	if requested == "" {
		requested = DefaultDir()
	}
	dir, err := filepath.Abs(requested)
	if err != nil {
		return "", &CacheDirectoryError{Path: requested, Err: err}
	}

	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return "", &CacheDirectoryError{Path: dir, Err: errors.New("not a directory")}
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return "", &CacheDirectoryError{Path: dir, Err: err}
	case err != nil:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", &CacheDirectoryError{Path: dir, Err: fmt.Errorf("create: %w", err)}
		}
	}

	if err := checkWritable(dir); err != nil {
		return "", &CacheDirectoryError{Path: dir, Err: fmt.Errorf("not writable: %w", err)}
	}
	return dir, nil
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Remove(name)
}

var moduleNameRE = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// ValidateModuleName rejects names that are empty, contain path separators,
// start with a dot, or use characters outside [A-Za-z0-9_.-].
func ValidateModuleName(name string) error {
	if !moduleNameRE.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidModuleName, name)
	}
	return nil
}
