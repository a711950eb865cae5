package cooldown

import (
	"context"
	"testing"
	"time"

	"binance-futures-bot/internal/exchange"
	"binance-futures-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoll_DerivesLastClosedFromIncome(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	sim := exchange.NewSimExchange(models.SimConfig{}, zap.NewNop()).WithClock(clock)
	sim.SetPosition("ETHUSDT", 1, 2000)
	sim.SetMarkPrice("ETHUSDT", 2100)
	_, err := sim.PlaceOrder(context.Background(), models.OrderRequest{
		Symbol: "ETHUSDT", Side: "SELL", Type: models.OrderTypeMarket, Quantity: 1, ReduceOnly: true,
	})
	require.NoError(t, err)

	h := NewHub(sim, []string{"ETHUSDT", "BTCUSDT"}, true, zap.NewNop()).WithClock(clock)
	h.Poll(context.Background())

	last, ok := h.LastClosed("ETHUSDT")
	require.True(t, ok)
	assert.True(t, last.Equal(now))
	_, ok = h.LastClosed("BTCUSDT")
	assert.False(t, ok)

	now = now.Add(10 * time.Minute)
	assert.True(t, h.InCooldown("ETHUSDT", 30*time.Minute))
	assert.False(t, h.InCooldown("ETHUSDT", 5*time.Minute))
	assert.False(t, h.InCooldown("ETHUSDT", 0))
	assert.False(t, h.InCooldown("BTCUSDT", time.Hour))
}

func TestRecord_OnlyMovesForward(t *testing.T) {
	h := NewHub(nil, nil, true, zap.NewNop())
	t1 := time.Unix(100, 0)
	h.Record("ETHUSDT", t1)
	h.Record("ETHUSDT", t1.Add(-time.Minute))
	last, _ := h.LastClosed("ETHUSDT")
	assert.True(t, last.Equal(t1))
}

func TestPoll_DisabledWithoutCredentials(t *testing.T) {
	sim := exchange.NewSimExchange(models.SimConfig{}, zap.NewNop())
	h := NewHub(sim, []string{"ETHUSDT"}, false, zap.NewNop())
	h.Poll(context.Background())
	h.Poll(context.Background())
	assert.False(t, h.Enabled())
	assert.Equal(t, 0, sim.Calls("GetIncome"))
}
