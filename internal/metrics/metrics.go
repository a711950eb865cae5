package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "futures_bot"

var (
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_events_processed_total",
		Help:      "Order-trade-update events handled, by order status.",
	}, []string{"status"})

	EventsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_events_deduped_total",
		Help:      "Order-trade-update events dropped as duplicates.",
	})

	EntrySkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entry_skips_total",
		Help:      "Entry attempts skipped, by symbol and reason.",
	}, []string{"symbol", "reason"})

	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "positions_opened_total",
		Help:      "Positions opened.",
	}, []string{"symbol"})

	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "positions_closed_total",
		Help:      "Positions closed, by close reason.",
	}, []string{"symbol", "reason"})

	MarkPriceFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mark_price_rest_fallbacks_total",
		Help:      "Mark price reads served by the REST fallback.",
	})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
