package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the service metrics on a private prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	Transitions      *prometheus.CounterVec
	Failures         *prometheus.CounterVec
	TxLatencySec     prometheus.Histogram
	Expired          prometheus.Counter
	ExpiryFailures   prometheus.Counter
	Alerts           prometheus.Counter
	BoardSize        *prometheus.GaugeVec
	BoardFallbacks   *prometheus.CounterVec
	EventsAppended   prometheus.Counter
	EventsFailed     prometheus.Counter
	PickupCounter    prometheus.Gauge
	WebsocketClients prometheus.Gauge
}

// NewRegistry creates a registry with every collector registered.
func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	m := &Registry{
		reg: r,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kopikap_order_transitions_total",
			Help: "Successful order state transitions.",
		}, []string{"to"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kopikap_order_transition_failures_total",
			Help: "Failed transitions by operation and error kind.",
		}, []string{"op", "kind"}),
		TxLatencySec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kopikap_transition_latency_seconds",
			Buckets: prometheus.DefBuckets,
		}),
		Expired:        prometheus.NewCounter(prometheus.CounterOpts{Name: "kopikap_orders_auto_expired_total"}),
		ExpiryFailures: prometheus.NewCounter(prometheus.CounterOpts{Name: "kopikap_auto_expire_failures_total"}),
		Alerts:         prometheus.NewCounter(prometheus.CounterOpts{Name: "kopikap_new_order_alerts_total"}),
		BoardSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kopikap_board_cards",
			Help: "Cards currently rendered per board.",
		}, []string{"board"}),
		BoardFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kopikap_board_fallbacks_total",
			Help: "Switches from the ordered query to the unordered fallback.",
		}, []string{"board"}),
		EventsAppended:   prometheus.NewCounter(prometheus.CounterOpts{Name: "kopikap_events_appended_total"}),
		EventsFailed:     prometheus.NewCounter(prometheus.CounterOpts{Name: "kopikap_events_failed_total"}),
		PickupCounter:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "kopikap_pickup_counter"}),
		WebsocketClients: prometheus.NewGauge(prometheus.GaugeOpts{Name: "kopikap_websocket_clients"}),
	}
	r.MustRegister(
		m.Transitions, m.Failures, m.TxLatencySec, m.Expired, m.ExpiryFailures, m.Alerts,
		m.BoardSize, m.BoardFallbacks, m.EventsAppended, m.EventsFailed, m.PickupCounter,
		m.WebsocketClients,
		collectors.NewGoCollector(),
	)
	return m
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
