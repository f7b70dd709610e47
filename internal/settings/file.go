package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps settings in a JSON file and serves reads from memory.
type FileStore struct {
	path string

	mu       sync.RWMutex
	settings Settings
}

// LoadFile opens the settings file at path. A missing file yields defaults.
func LoadFile(path string) (*FileStore, error) {
	fs := &FileStore{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &fs.settings); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrCorrupt, path, err)
	}
	return fs, nil
}

func (f *FileStore) Get(ctx context.Context) (Settings, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.settings, nil
}

// Update persists s and then makes it visible to readers.
func (f *FileStore) Update(ctx context.Context, s Settings) (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return f.settings, fmt.Errorf("marshal settings: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".wadm-config-*")
	if err != nil {
		return f.settings, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return f.settings, fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return f.settings, fmt.Errorf("close settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return f.settings, fmt.Errorf("persist settings: %w", err)
	}

	f.settings = s
	return s, nil
}

func (f *FileStore) DeveloperMode(ctx context.Context) (bool, error) {
	s, err := f.Get(ctx)
	return s.DeveloperMode, err
}

func (f *FileStore) Close() error { return nil }
