package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"grid-engine-go/internal/models"
)

// fileRepository stores the snapshot as one JSON file per (symbol, run),
// written to a temp file and renamed into place so readers never observe a
// partial write. Unknown fields in the file are ignored on load, so
// resumed versions may differ from the writer.
type fileRepository struct {
	path string
}

// NewFileRepository returns a repository backed by the given file path.
func NewFileRepository(path string) SnapshotRepository {
	return &fileRepository{path: path}
}

func (r *fileRepository) Save(snapshot *models.PersistedSnapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal snapshot: %v", models.ErrPersistence, err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", models.ErrPersistence, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write temp: %v", models.ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: sync temp: %v", models.ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close temp: %v", models.ErrPersistence, err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename: %v", models.ErrPersistence, err)
	}
	return nil
}

func (r *fileRepository) Load() (*models.PersistedSnapshot, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read snapshot: %v", models.ErrPersistence, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var snapshot models.PersistedSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: decode snapshot: %v", models.ErrPersistence, err)
	}
	return &snapshot, nil
}

func (r *fileRepository) Close() error { return nil }
