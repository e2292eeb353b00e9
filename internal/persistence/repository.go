package persistence

import "dual-grid-bot-go/internal/models"

// StateRepository defines the interface for executor state persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application. Both accounts share one repository and
// are kept apart by their account tag.
type StateRepository interface {
	// SaveState atomically saves the state snapshot of one executor.
	SaveState(state *models.ExecutorState) error

	// LoadState loads the state snapshot of the given account.
	// If no state is found, it returns (nil, nil).
	LoadState(account string) (*models.ExecutorState, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
