package persistence

import (
	"encoding/json"
	"errors"

	"grid-engine-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// badgerRepository keeps the snapshot in a BadgerDB database, one key per
// (symbol, run). Badger transactions give the same atomicity guarantee the
// file repository gets from rename.
type badgerRepository struct {
	db  *badger.DB
	key []byte
}

// NewBadgerRepository opens (or creates) a Badger database at dbPath and
// stores the snapshot under a key derived from the symbol.
func NewBadgerRepository(dbPath, symbol string) (SnapshotRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logger is noisy; DB errors still surface on each call.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{
		db:  db,
		key: []byte("snapshot/" + symbol),
	}, nil
}

func (r *badgerRepository) Save(snapshot *models.PersistedSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(r.key, data)
	})
}

func (r *badgerRepository) Load() (*models.PersistedSnapshot, error) {
	var snapshot models.PersistedSnapshot

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snapshot)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (r *badgerRepository) Close() error {
	return r.db.Close()
}
