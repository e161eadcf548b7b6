package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathRequired is returned when a SQLite file path is empty.
var ErrPathRequired = errors.New("store: database path required")

const filePragmas = "mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// FileDSN turns a filesystem path into an on-disk SQLite DSN.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("store: resolve path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, filePragmas), nil
}

// MemoryDSN returns a private shared-cache in-memory DSN for the given name.
func MemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}
