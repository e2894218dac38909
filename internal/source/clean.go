package source

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// deepClean removes a directory that a plain RemoveAll may choke on:
// leftover checkouts contain read-only object files. Permissions are
// reset first, then the bulk delete runs, then a per-entry sweep mops
// up whatever survived.
func deepClean(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = os.Chmod(path, 0o755)
		} else {
			_ = os.Chmod(path, 0o644)
		}
		return nil
	})

	if err := os.RemoveAll(dir); err == nil {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("deep clean %s: %w", dir, err)
	}
	for _, ent := range entries {
		_ = os.RemoveAll(filepath.Join(dir, ent.Name()))
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("deep clean %s: %w", dir, err)
	}
	return nil
}
