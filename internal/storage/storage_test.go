package storage

import (
	"context"
	"testing"
	"time"

	"binance-futures-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSnapshots_LastNOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	biases := []models.Side{models.Long, models.Short, models.Long, models.Neutral}
	for i, b := range biases {
		snap := &models.Snapshot{
			Time:      base.Add(time.Duration(i) * time.Minute),
			Symbol:    "ETHUSDT",
			Timeframe: "15m",
			Bias:      b,
			Decision:  models.DecisionWait,
			Scores:    map[models.Side]float64{models.Long: float64(10 * i)},
			Filled:    3,
			Total:     6,
		}
		require.NoError(t, s.SaveSnapshot(ctx, snap))
		assert.NotZero(t, snap.ID)
	}
	require.NoError(t, s.SaveSnapshot(ctx, &models.Snapshot{Time: base, Symbol: "BTCUSDT", Bias: models.Short}))

	got, err := s.LastSnapshots(ctx, "ETHUSDT", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []models.Side{models.Short, models.Long, models.Neutral},
		[]models.Side{got[0].Bias, got[1].Bias, got[2].Bias})
	assert.Equal(t, "3/6", got[2].Coverage())
	assert.Equal(t, float64(30), got[2].Scores[models.Long])
}

func TestLiquidationBuckets_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.UnixMilli(1_700_000_040_000)

	b := models.LiquidationBucket{Symbol: "ETHUSDT", Start: start, BuysValue: 100, TotalValue: 100, Count: 1}
	require.NoError(t, s.UpsertLiquidationBucket(ctx, b))
	b.SellsValue, b.TotalValue, b.Count = 50, 150, 2
	require.NoError(t, s.UpsertLiquidationBucket(ctx, b))
	require.NoError(t, s.UpsertLiquidationBucket(ctx, models.LiquidationBucket{Symbol: "ETHUSDT", Start: start.Add(-time.Hour), Count: 1}))

	got, err := s.LiquidationBuckets(ctx, "ETHUSDT", start.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Count)
	assert.Equal(t, float64(150), got[0].TotalValue)
	assert.True(t, got[0].Start.Equal(start))
}
