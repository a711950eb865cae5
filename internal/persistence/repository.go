package persistence

import (
	"errors"

	"binance-futures-bot/internal/models"
)

var (
	// ErrOpenPositionExists is returned by Create when the symbol already has an OPEN position.
	ErrOpenPositionExists = errors.New("persistence: open position already exists for symbol")
	// ErrNotFound is returned by Update when the position id is unknown.
	ErrNotFound = errors.New("persistence: position not found")
	// ErrNoChange can be returned by an update function to abort the write without error.
	ErrNoChange = errors.New("persistence: no change")
)

// PositionRepository defines the interface for position persistence.
// It abstracts the underlying storage mechanism (BadgerDB on disk or in memory)
// from the ledger.
type PositionRepository interface {
	// Create stores a new OPEN position. It fails with ErrOpenPositionExists when
	// the symbol already has one.
	Create(pos *models.Position) error

	// Get loads a position by id. If none is found it returns (nil, nil).
	Get(id string) (*models.Position, error)

	// FindOpen loads the OPEN position of symbol. If none is found it returns (nil, nil).
	FindOpen(symbol string) (*models.Position, error)

	// ListOpen returns every OPEN position.
	ListOpen() ([]*models.Position, error)

	// ListBySymbol returns the positions of symbol, newest first, at most limit (0 = all).
	ListBySymbol(symbol string, limit int) ([]*models.Position, error)

	// Update applies fn to the stored position inside a single transaction and returns
	// the stored result. When fn returns ErrNoChange nothing is written and the current
	// record is returned with a nil error.
	Update(id string, fn func(*models.Position) error) (*models.Position, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
