package persistence

import "grid-engine-go/internal/models"

// SnapshotRepository abstracts where the engine's snapshot lives. Saves
// must be atomic: a crash mid-write never yields a half-written snapshot.
type SnapshotRepository interface {
	// Save atomically replaces the stored snapshot.
	Save(snapshot *models.PersistedSnapshot) error

	// Load returns the stored snapshot, or (nil, nil) when none exists.
	Load() (*models.PersistedSnapshot, error)

	// Close releases the underlying store.
	Close() error
}
