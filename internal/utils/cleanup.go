package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// RemoveLocal removes one file under dir, ignoring files that are already gone.
func RemoveLocal(dir, name string) error {
	fp := filepath.Join(dir, name)
	if err := os.Remove(fp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file %q: %w", fp, err)
	}
	return nil
}

// CleanupAll removes the job's work dir with the source and any leftover outputs.
func CleanupAll(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove work dir %q: %w", dir, err)
	}
	return nil
}
