package watch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/matthewmueller/servn/config"
)

// Pattern selects the files in the document root that trigger a rebuild.
const Pattern = "*.{js,html,css}"

// Resolve lists root (non-recursively) for files matching Pattern, resolves
// them to absolute paths, drops entry and appends extra. Duplicates are kept.
func Resolve(root, entry string, extra []string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &config.ConfigError{Field: "root", Err: fmt.Errorf("%q does not exist", root)}
		}
		return nil, &config.ConfigError{Field: "root", Err: err}
	}
	if !info.IsDir() {
		return nil, &config.ConfigError{Field: "root", Err: fmt.Errorf("%q is not a directory", root)}
	}
	des, err := os.ReadDir(root)
	if err != nil {
		return nil, &config.ConfigError{Field: "root", Err: err}
	}
	entry = filepath.Clean(entry)
	paths := make([]string, 0, len(des)+len(extra))
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		if ok, err := doublestar.Match(Pattern, de.Name()); err != nil || !ok {
			continue
		}
		path, err := filepath.Abs(filepath.Join(root, de.Name()))
		if err != nil {
			return nil, fmt.Errorf("watch: resolving %q: %w", de.Name(), err)
		}
		if path == entry {
			continue
		}
		paths = append(paths, path)
	}
	return append(paths, extra...), nil
}
