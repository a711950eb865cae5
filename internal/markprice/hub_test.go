package markprice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"binance-futures-bot/internal/exchange"
	"binance-futures-bot/internal/models"
	"binance-futures-bot/internal/wsstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestHub(rest exchange.Exchange, coldStart time.Duration) (*Hub, *testClock) {
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	h := NewHub(rest, "wss://example", 7*time.Second, coldStart, wsstream.Options{}, zap.NewNop()).WithClock(clock.Now)
	return h, clock
}

func TestHandle_ParsesArrayPayload(t *testing.T) {
	h, _ := newTestHub(nil, 0)
	h.handle([]byte(`[{"e":"markPriceUpdate","E":1700000000000,"s":"ETHUSDT","p":"2001.50","i":"2001.00","r":"0.0001","T":1700028800000},
		{"e":"markPriceUpdate","E":1700000000000,"s":"BTCUSDT","p":"not-a-number"}]`))

	tick, ok := h.Latest("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 2001.5, tick.MarkPrice)
	rate, ok := h.FundingRate("ETHUSDT")
	assert.True(t, ok)
	assert.Equal(t, 0.0001, rate)

	_, ok = h.Latest("BTCUSDT")
	assert.False(t, ok)
}

func TestLatest_Staleness(t *testing.T) {
	h, clock := newTestHub(nil, 0)
	h.Update(models.MarkTick{Symbol: "ETHUSDT", MarkPrice: 2000})

	clock.Advance(7 * time.Second)
	_, ok := h.Latest("ETHUSDT")
	assert.True(t, ok, "exactly at the limit is still fresh")

	clock.Advance(time.Millisecond)
	_, ok = h.Latest("ETHUSDT")
	assert.False(t, ok)
}

func TestPrice_ColdStartWaitsForTick(t *testing.T) {
	sim := exchange.NewSimExchange(models.SimConfig{}, zap.NewNop())
	h, _ := newTestHub(sim, 2*time.Second)

	go func() {
		time.Sleep(50 * time.Millisecond)
		h.Update(models.MarkTick{Symbol: "ETHUSDT", MarkPrice: 1999})
	}()
	price, err := h.Price(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1999.0, price)
	assert.Equal(t, 0, sim.Calls("GetMarkPrice"), "no REST call when the stream delivers in time")
}

func TestPrice_FallsBackToRESTOnce(t *testing.T) {
	sim := exchange.NewSimExchange(models.SimConfig{}, zap.NewNop())
	sim.SetMarkPrice("ETHUSDT", 2010)
	h, _ := newTestHub(sim, 20*time.Millisecond)

	price, err := h.Price(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2010.0, price)

	price, err = h.Price(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2010.0, price)
	assert.Equal(t, 1, sim.Calls("GetMarkPrice"), "the REST result is cached")

	sim.FailNext("GetMarkPrice", errors.New("boom"))
	_, err = h.Price(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, ErrNoPrice)
}
