// Package metrics implements the ambient /metrics endpoint SPEC_FULL.md §7
// adds: mobility tick duration, wmediumd request queue depth, and
// association state counts, grounded on Cizor-spacetime-constellation-sim's
// internal/observability/metrics.go (register-against-a-Registerer,
// tolerate double registration, expose a ready handler).
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles every gauge/histogram/counter this engine exposes.
type Collector struct {
	gatherer prometheus.Gatherer

	MobilityTickSeconds prometheus.Histogram
	WmediumdQueueDepth  prometheus.Gauge
	AssociationStates   *prometheus.GaugeVec
	CleanupActionsTotal prometheus.Counter
}

// New registers the engine's metrics against reg (the global default
// registry when nil).
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	tick, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "apwifi_mobility_tick_seconds",
		Help:    "Wall-clock duration of one mobility coordinator tick.",
		Buckets: prometheus.DefBuckets,
	}), "apwifi_mobility_tick_seconds")
	if err != nil {
		return nil, err
	}

	queue, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "apwifi_wmediumd_queue_depth",
		Help: "Number of requests currently queued to the wmediumd connector.",
	}), "apwifi_wmediumd_queue_depth")
	if err != nil {
		return nil, err
	}

	states, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "apwifi_association_states",
		Help: "Current count of stations in each association state.",
	}, []string{"state"}), "apwifi_association_states")
	if err != nil {
		return nil, err
	}

	cleanups, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "apwifi_cleanup_actions_total",
		Help: "Total cleanup actions recorded by the teardown registry.",
	}), "apwifi_cleanup_actions_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:            gatherer,
		MobilityTickSeconds: tick,
		WmediumdQueueDepth:  queue,
		AssociationStates:   states,
		CleanupActionsTotal: cleanups,
	}, nil
}

// Handler exposes a ready-to-mount /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetAssociationCounts updates the per-state station gauges; called by the
// orchestrator's metrics sampler every 2 seconds.
func (c *Collector) SetAssociationCounts(counts map[string]int) {
	if c == nil {
		return
	}
	for state, n := range counts {
		c.AssociationStates.WithLabelValues(state).Set(float64(n))
	}
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return g, nil
}

func registerGaugeVec(reg prometheus.Registerer, g *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return g, nil
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return c, nil
}
