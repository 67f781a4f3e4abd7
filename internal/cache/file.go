package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"taskcache/internal/keys"
)

// FileBackend stores one JSON document per entry.
//
// Layout:
//
//	{dir}/
//	  {fingerprint[0:2]}/
//	    {fingerprint}.json
type FileBackend struct {
	dir string
}

type fileEntry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// NewFileBackend creates dir if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, errors.New("cache dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (f *FileBackend) Name() string { return "file" }

func (f *FileBackend) path(key string) string {
	fp := keys.Fingerprint(key)
	return filepath.Join(f.dir, fp[:2], fp+".json")
}

func (f *FileBackend) Get(_ context.Context, key string) (Entry, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("read cache entry: %w", err)
	}
	var fe fileEntry
	if err := json.Unmarshal(data, &fe); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	if fe.Key != key {
		// fingerprint collision; treat as absent
		return Entry{}, false, nil
	}
	return Entry{Key: fe.Key, Value: fe.Value, CreatedAt: fe.CreatedAt}, true, nil
}

// Put writes to a temp file in the target directory and renames it into
// place, so readers see either the old or the new document.
func (f *FileBackend) Put(_ context.Context, e Entry) error {
	target := f.path(e.Key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}
	data, err := json.Marshal(fileEntry{Key: e.Key, Value: e.Value, CreatedAt: e.CreatedAt})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

func (f *FileBackend) Delete(_ context.Context, key string) error {
	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cache entry: %w", err)
	}
	return nil
}
