package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"binance-futures-bot/internal/models"

	"github.com/dgraph-io/badger/v3"
)

const (
	positionPrefix = "position/"
	openPrefix     = "open/"
	maxTxnRetries  = 5
)

// badgerRepository is the BadgerDB implementation of the PositionRepository.
// position/<id> holds the JSON document, open/<symbol> holds the id of the OPEN one.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (PositionRepository, error) {
	return openBadger(badger.DefaultOptions(dbPath))
}

// NewInMemoryRepository returns a repository backed by an in-memory BadgerDB (tests, dry-run).
func NewInMemoryRepository() (PositionRepository, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (PositionRepository, error) {
	// Badger 自己的日志会干扰应用日志，这里关闭；错误仍会通过返回值传递。
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

func positionKey(id string) []byte { return []byte(positionPrefix + id) }
func openKey(symbol string) []byte { return []byte(openPrefix + symbol) }

// Create stores pos and claims the open/<symbol> key in the same transaction.
func (r *badgerRepository) Create(pos *models.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return err
	}
	return r.retry(func() error {
		return r.db.Update(func(txn *badger.Txn) error {
			if pos.IsOpen() {
				_, err := txn.Get(openKey(pos.Symbol))
				if err == nil {
					return ErrOpenPositionExists
				}
				if !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
				if err := txn.Set(openKey(pos.Symbol), []byte(pos.ID)); err != nil {
					return err
				}
			}
			return txn.Set(positionKey(pos.ID), data)
		})
	})
}

// Get loads a position by id.
// If the key is not found, it returns (nil, nil) to indicate no position is present.
func (r *badgerRepository) Get(id string) (*models.Position, error) {
	var pos *models.Position
	err := r.db.View(func(txn *badger.Txn) error {
		p, err := readPosition(txn, id)
		pos = p
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pos, nil
}

// FindOpen follows open/<symbol> to the OPEN position.
func (r *badgerRepository) FindOpen(symbol string) (*models.Position, error) {
	var pos *models.Position
	err := r.db.View(func(txn *badger.Txn) error {
		id, err := readOpenID(txn, symbol)
		if err != nil {
			return err
		}
		p, err := readPosition(txn, id)
		pos = p
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pos, nil
}

func (r *badgerRepository) ListOpen() ([]*models.Position, error) {
	var out []*models.Position
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(openPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			p, err := readPosition(txn, string(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (r *badgerRepository) ListBySymbol(symbol string, limit int) ([]*models.Position, error) {
	var out []*models.Position
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(positionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var p models.Position
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				return err
			}
			if p.Symbol == symbol {
				out = append(out, &p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Update is an atomic read-modify-write. A position that leaves the OPEN state releases
// its open/<symbol> key in the same transaction.
func (r *badgerRepository) Update(id string, fn func(*models.Position) error) (*models.Position, error) {
	var result *models.Position
	err := r.retry(func() error {
		return r.db.Update(func(txn *badger.Txn) error {
			p, err := readPosition(txn, id)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			wasOpen := p.IsOpen()
			if err := fn(p); err != nil {
				if errors.Is(err, ErrNoChange) {
					result = p
					return nil
				}
				return err
			}
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := txn.Set(positionKey(id), data); err != nil {
				return err
			}
			if wasOpen && !p.IsOpen() {
				if cur, err := readOpenID(txn, p.Symbol); err == nil && cur == id {
					if err := txn.Delete(openKey(p.Symbol)); err != nil {
						return err
					}
				}
			}
			result = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}

// retry re-runs fn while badger reports a transaction conflict.
func (r *badgerRepository) retry(fn func() error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = fn()
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction conflict after %d attempts: %w", maxTxnRetries, err)
}

func readPosition(txn *badger.Txn, id string) (*models.Position, error) {
	item, err := txn.Get(positionKey(id))
	if err != nil {
		return nil, err
	}
	var p models.Position
	err = item.Value(func(val []byte) error {
		if len(val) == 0 {
			return errors.New("position value is empty in database")
		}
		return json.Unmarshal(val, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func readOpenID(txn *badger.Txn, symbol string) (string, error) {
	item, err := txn.Get(openKey(symbol))
	if err != nil {
		return "", err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(v), nil
}
