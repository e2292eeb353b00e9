package persistence

import (
	"encoding/json"
	"errors"

	"dual-grid-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected
// to a BadgerDB database.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// For this use case, we can disable Badger's own logging to keep our app's
	// logs clean. Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &badgerRepository{db: db}, nil
}

func stateKey(account string) []byte {
	return []byte("executor_state:" + account)
}

// SaveState atomically saves one executor state snapshot.
// It marshals the state struct into JSON and saves it under the account key.
func (r *badgerRepository) SaveState(state *models.ExecutorState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(state.Account), data)
	})
}

// LoadState loads the state snapshot of the given account.
// If the state key is not found, it returns (nil, nil) to indicate no state
// is present.
func (r *badgerRepository) LoadState(account string) (*models.ExecutorState, error) {
	var state models.ExecutorState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(account))
		if err != nil {
			// Return the specific error so we can check it outside the
			// transaction.
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil // The expected "no state found" case.
	}
	if err != nil {
		return nil, err
	}

	return &state, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
