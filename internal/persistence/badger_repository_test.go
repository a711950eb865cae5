package persistence

import (
	"errors"
	"testing"
	"time"

	"binance-futures-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) PositionRepository {
	t.Helper()
	repo, err := NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func openPosition(id, symbol string, openedAt time.Time) *models.Position {
	return &models.Position{
		ID:         id,
		Symbol:     symbol,
		Side:       models.Long,
		EntryPrice: 2000,
		Qty:        1,
		Status:     models.StatusOpen,
		OpenedAt:   openedAt,
		UpdatedAt:  openedAt,
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	repo := newTestRepo(t)

	p, err := repo.Get("nope")
	assert.NoError(t, err)
	assert.Nil(t, p)

	p, err = repo.FindOpen("ETHUSDT")
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestCreate_SingleOpenPerSymbol(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now()

	require.NoError(t, repo.Create(openPosition("a", "ETHUSDT", now)))
	err := repo.Create(openPosition("b", "ETHUSDT", now))
	assert.ErrorIs(t, err, ErrOpenPositionExists)

	// another symbol is independent
	require.NoError(t, repo.Create(openPosition("c", "BTCUSDT", now)))

	open, err := repo.FindOpen("ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, "a", open.ID)

	all, err := repo.ListOpen()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "BTCUSDT", all[0].Symbol)
}

func TestUpdate_ClosingReleasesOpenKey(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now()
	require.NoError(t, repo.Create(openPosition("a", "ETHUSDT", now)))

	updated, err := repo.Update("a", func(p *models.Position) error {
		p.Status = models.StatusClosed
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, updated.Status)

	open, err := repo.FindOpen("ETHUSDT")
	require.NoError(t, err)
	assert.Nil(t, open)

	// the symbol can be opened again
	require.NoError(t, repo.Create(openPosition("b", "ETHUSDT", now.Add(time.Minute))))

	history, err := repo.ListBySymbol("ETHUSDT", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "b", history[0].ID, "newest first")

	limited, err := repo.ListBySymbol("ETHUSDT", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestUpdate_NoChangeAndErrors(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Create(openPosition("a", "ETHUSDT", time.Now())))

	p, err := repo.Update("a", func(p *models.Position) error {
		p.StopPrice = 123
		return ErrNoChange
	})
	require.NoError(t, err)
	assert.Equal(t, float64(123), p.StopPrice, "returned copy reflects fn")

	stored, err := repo.Get("a")
	require.NoError(t, err)
	assert.Zero(t, stored.StopPrice, "ErrNoChange must not persist")

	boom := errors.New("boom")
	_, err = repo.Update("a", func(p *models.Position) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = repo.Update("missing", func(p *models.Position) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}
