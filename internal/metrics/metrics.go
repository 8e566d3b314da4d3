package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	once     sync.Once

	signalsProduced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_signals_total",
			Help: "Signals produced by the strategy evaluator.",
		},
		[]string{"exchange", "kind"},
	)
	ordersOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_opened_total",
			Help: "Orders transitioned to OPENED.",
		},
		[]string{"exchange", "virtual"},
	)
	ordersClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_closed_total",
			Help: "Orders transitioned to CLOSED or CANCELLED.",
		},
		[]string{"exchange", "status"},
	)
	batchSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_batch_size",
			Help: "Current adaptive batch size of the signal loop.",
		},
		[]string{"exchange"},
	)
	batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_batch_duration_seconds",
			Help:    "Wall-clock cost of one signal batch.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"exchange"},
	)
)

// Init registers metrics with the registry once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			signalsProduced,
			ordersOpened,
			ordersClosed,
			batchSize,
			batchDuration,
		)
	})
}

// Handler exposes the Prometheus metrics endpoint handler.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func SignalProduced(exchange, kind string) {
	signalsProduced.WithLabelValues(exchange, kind).Inc()
}

func OrderOpened(exchange string, virtual bool) {
	v := "real"
	if virtual {
		v = "virtual"
	}
	ordersOpened.WithLabelValues(exchange, v).Inc()
}

func OrderClosed(exchange, status string) {
	ordersClosed.WithLabelValues(exchange, status).Inc()
}

func ObserveBatch(exchange string, size int, cost time.Duration) {
	batchSize.WithLabelValues(exchange).Set(float64(size))
	batchDuration.WithLabelValues(exchange).Observe(cost.Seconds())
}
