package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Supported backend names accepted by Open.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// Open resolves a Database from a backend name and filesystem path. The
// parent directory is created when missing.
func Open(backend, path string) (Database, error) {
	name := strings.ToLower(strings.TrimSpace(backend))
	if name == "" {
		name = BackendLevelDB
	}
	if name == BackendMemory {
		return NewMemDB(), nil
	}
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("storage: path required for %s backend", name)
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o700); err != nil {
		return nil, fmt.Errorf("storage: create data dir: %w", err)
	}
	switch name {
	case BackendLevelDB:
		db, err := NewLevelDB(trimmed)
		if err != nil {
			return nil, fmt.Errorf("storage: open leveldb: %w", err)
		}
		return db, nil
	case BackendBolt:
		db, err := NewBoltDB(trimmed)
		if err != nil {
			return nil, fmt.Errorf("storage: open bolt: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", backend)
	}
}
