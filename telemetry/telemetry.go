package telemetry

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector captures history events.
//
// Hooks run inline on the event loop so implementations must not block.
type Collector interface {
	IncAppend(source string)
	IncEviction()
	IncSave(ok bool)
	IncRelayDropped()
	SetOccupancy(count int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncAppend(string) {}
func (noopCollector) IncEviction()     {}
func (noopCollector) IncSave(bool)     {}
func (noopCollector) IncRelayDropped() {}
func (noopCollector) SetOccupancy(int) {}

// PrometheusCollector exposes history counters via Prometheus.
type PrometheusCollector struct {
	appends      *prometheus.CounterVec
	evictions    prometheus.Counter
	saves        *prometheus.CounterVec
	relayDropped prometheus.Counter
	occupancy    prometheus.Gauge
}

// NewPrometheusCollector registers the history metrics with reg, reusing metrics that were
// already registered by an earlier collector.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &PrometheusCollector{}
	var err error

	c.appends, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "battery_history_appends_total",
		Help: "Number of samples appended to the history buffer by source.",
	}, []string{"source"}))
	if err != nil {
		return nil, err
	}
	c.evictions, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "battery_history_evictions_total",
		Help: "Number of samples discarded because the history buffer was full.",
	}))
	if err != nil {
		return nil, err
	}
	c.saves, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "battery_history_saves_total",
		Help: "Number of history saves to durable storage by result.",
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}
	c.relayDropped, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "battery_history_relay_dropped_total",
		Help: "Number of relay messages dropped after a failed send.",
	}))
	if err != nil {
		return nil, err
	}
	c.occupancy, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "battery_history_entries",
		Help: "Number of samples currently held in the history buffer.",
	}))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

func (c *PrometheusCollector) IncAppend(source string) {
	c.appends.WithLabelValues(source).Inc()
}

func (c *PrometheusCollector) IncEviction() {
	c.evictions.Inc()
}

func (c *PrometheusCollector) IncSave(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.saves.WithLabelValues(result).Inc()
}

func (c *PrometheusCollector) IncRelayDropped() {
	c.relayDropped.Inc()
}

func (c *PrometheusCollector) SetOccupancy(count int) {
	c.occupancy.Set(float64(count))
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
