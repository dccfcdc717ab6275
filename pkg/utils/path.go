package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecureJoin joins path elements onto base and fails if the result escapes
// base through ".." elements or absolute components.
//
// Example usage:
//
//	dir, err := SecureJoin(root, "result")
//	if err != nil {
//		return fmt.Errorf("invalid cache directory: %w", err)
//	}
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if fullPath != cleanBase && !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory %s", base)
	}

	return fullPath, nil
}

// EnsureDir creates dir and any missing parents.
func EnsureDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
