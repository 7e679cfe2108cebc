package utils

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

func PathUtil(dir string, name string) (string, error) {
	filePath := filepath.Join(dir, name)

	// Create all parent directories
	if err := os.MkdirAll(filepath.Dir(filePath), os.ModePerm); err != nil {
		return "", fmt.Errorf("failed to create directories: %w", err)
	}
	return filePath, nil
}

// SourceFileName is the local name the downloaded source is stored under.
// Only the extension of the key survives so nested keys cannot escape the work dir.
func SourceFileName(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if ext == "" {
		ext = ".mp4"
	}
	return "original-video" + ext
}

// SourceStem is the key without its extension, e.g. "uploads/clip42" for "uploads/clip42.mp4".
func SourceStem(key string) string {
	return strings.TrimSuffix(key, path.Ext(key))
}
