package orderevents

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// vwap accumulates the executions of one order.
type vwap struct {
	notional float64
	qty      float64
}

func (v vwap) avg() float64 {
	if v.qty == 0 {
		return 0
	}
	return v.notional / v.qty
}

// vwapBook aggregates partial fills per order id. Entries expire with the dedup window so
// orders that never reach FILLED do not accumulate.
type vwapBook struct {
	mu     sync.Mutex
	orders *ttlcache.Cache[int64, vwap]
}

func newVWAPBook(ttl time.Duration) *vwapBook {
	return &vwapBook{orders: newExpiring[int64, vwap](ttl)}
}

func (b *vwapBook) add(orderID int64, price, qty float64) vwap {
	b.mu.Lock()
	defer b.mu.Unlock()
	var v vwap
	if item := b.orders.Get(orderID); item != nil {
		v = item.Value()
	}
	v.notional += price * qty
	v.qty += qty
	b.orders.Set(orderID, v, ttlcache.DefaultTTL)
	return v
}

// take returns and forgets the aggregate of orderID.
func (b *vwapBook) take(orderID int64) vwap {
	b.mu.Lock()
	defer b.mu.Unlock()
	var v vwap
	if item := b.orders.Get(orderID); item != nil {
		v = item.Value()
	}
	b.orders.Delete(orderID)
	return v
}

func (b *vwapBook) cleanup() {
	b.orders.DeleteExpired()
}

// newExpiring creates a cache with a fixed lifetime per entry; reads do not extend it.
func newExpiring[K comparable, V any](ttl time.Duration) *ttlcache.Cache[K, V] {
	return ttlcache.New[K, V](
		ttlcache.WithTTL[K, V](ttl),
		ttlcache.WithDisableTouchOnHit[K, V](),
	)
}
