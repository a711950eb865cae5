package exchange

import (
	"context"
	"sync"
	"time"

	"binance-futures-bot/internal/models"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

// CachedExchange wraps an Exchange with short-lived position-risk and open-orders caches.
// Concurrent misses for the same symbol share one in-flight request. Any order mutation
// invalidates the symbol.
type CachedExchange struct {
	Exchange

	positions *ttlcache.Cache[string, *models.PositionRisk]
	orders    *ttlcache.Cache[string, []models.OpenOrder]
	group     singleflight.Group

	// generation 每次失效递增，失效前发起的请求结果不写回缓存
	genMu      sync.Mutex
	generation map[string]uint64
}

// NewCachedExchange wraps inner. Zero TTLs use 1.2s for positions and 2s for open orders.
func NewCachedExchange(inner Exchange, positionTTL, ordersTTL time.Duration) *CachedExchange {
	if positionTTL <= 0 {
		positionTTL = 1200 * time.Millisecond
	}
	if ordersTTL <= 0 {
		ordersTTL = 2 * time.Second
	}
	return &CachedExchange{
		Exchange: inner,
		positions: ttlcache.New[string, *models.PositionRisk](
			ttlcache.WithTTL[string, *models.PositionRisk](positionTTL),
			ttlcache.WithDisableTouchOnHit[string, *models.PositionRisk](),
		),
		orders: ttlcache.New[string, []models.OpenOrder](
			ttlcache.WithTTL[string, []models.OpenOrder](ordersTTL),
			ttlcache.WithDisableTouchOnHit[string, []models.OpenOrder](),
		),
		generation: make(map[string]uint64),
	}
}

// Invalidate drops cached reads for symbol. A read already in flight still returns to its
// callers but is not cached.
func (c *CachedExchange) Invalidate(symbol string) {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	c.generation[symbol]++
	c.positions.Delete(symbol)
	c.orders.Delete(symbol)
	c.group.Forget("pos:" + symbol)
	c.group.Forget("ord:" + symbol)
}

func (c *CachedExchange) currentGeneration(symbol string) uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	return c.generation[symbol]
}

// storeIfCurrent runs store only when symbol was not invalidated since gen was read.
func (c *CachedExchange) storeIfCurrent(symbol string, gen uint64, store func()) {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	if c.generation[symbol] == gen {
		store()
	}
}

func (c *CachedExchange) GetPositionRisk(ctx context.Context, symbol string) (*models.PositionRisk, error) {
	if item := c.positions.Get(symbol); item != nil {
		return copyRisk(item.Value()), nil
	}
	v, err, _ := c.group.Do("pos:"+symbol, func() (interface{}, error) {
		gen := c.currentGeneration(symbol)
		p, err := c.Exchange.GetPositionRisk(ctx, symbol)
		if err != nil {
			return nil, err
		}
		c.storeIfCurrent(symbol, gen, func() { c.positions.Set(symbol, p, ttlcache.DefaultTTL) })
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return copyRisk(v.(*models.PositionRisk)), nil
}

func (c *CachedExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.OpenOrder, error) {
	if item := c.orders.Get(symbol); item != nil {
		return append([]models.OpenOrder(nil), item.Value()...), nil
	}
	v, err, _ := c.group.Do("ord:"+symbol, func() (interface{}, error) {
		gen := c.currentGeneration(symbol)
		o, err := c.Exchange.GetOpenOrders(ctx, symbol)
		if err != nil {
			return nil, err
		}
		c.storeIfCurrent(symbol, gen, func() { c.orders.Set(symbol, o, ttlcache.DefaultTTL) })
		return o, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]models.OpenOrder(nil), v.([]models.OpenOrder)...), nil
}

func (c *CachedExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	defer c.Invalidate(req.Symbol)
	return c.Exchange.PlaceOrder(ctx, req)
}

func (c *CachedExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	defer c.Invalidate(symbol)
	return c.Exchange.CancelOrder(ctx, symbol, orderID)
}

func (c *CachedExchange) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	defer c.Invalidate(symbol)
	return c.Exchange.CancelAllOpenOrders(ctx, symbol)
}

func copyRisk(p *models.PositionRisk) *models.PositionRisk {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
