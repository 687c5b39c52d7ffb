package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"list_harvester/internal/domain"
)

const namespace = "harvester"

// Collector exposes Prometheus metrics for the monitor loop.
type Collector struct {
	registry      *prometheus.Registry
	cycles        *prometheus.CounterVec
	itemsNew      prometheus.Counter
	probes        *prometheus.CounterVec
	backoffLevel  prometheus.Gauge
	watermark     prometheus.Gauge
	cycleDuration prometheus.Histogram
	cooldown      *prometheus.GaugeVec
}

func NewCollector() (*Collector, error) {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Fetch cycles by identity and outcome.",
		}, []string{"identity", "outcome"}),
		itemsNew: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_new_total",
			Help:      "Items seen for the first time.",
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Lightweight probes by result.",
		}, []string{"result"}),
		backoffLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backoff_level",
			Help:      "Current backoff level.",
		}),
		watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark",
			Help:      "Highest item id confirmed seen.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one fetch cycle.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}),
		cooldown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identity_cooldown_seconds",
			Help:      "Remaining cooldown per identity.",
		}, []string{"identity"}),
	}

	for _, col := range []prometheus.Collector{
		c.cycles, c.itemsNew, c.probes, c.backoffLevel, c.watermark, c.cycleDuration, c.cooldown,
	} {
		if err := registry.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Collector) ObserveCycle(r domain.CycleReport) {
	c.cycles.WithLabelValues(r.Identity, r.Outcome.String()).Inc()
	c.itemsNew.Add(float64(r.New))
	c.backoffLevel.Set(float64(r.Level))
	c.watermark.Set(float64(r.Watermark))
	c.cycleDuration.Observe(r.Duration.Seconds())
}

func (c *Collector) ObserveProbe(ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	c.probes.WithLabelValues(result).Inc()
}

// SetCooldowns refreshes the per-identity cooldown gauge from a pool snapshot.
func (c *Collector) SetCooldowns(statuses []domain.IdentityStatus, now time.Time) {
	for _, st := range statuses {
		remaining := 0.0
		if st.RateLimitedUntil != nil && st.RateLimitedUntil.After(now) {
			remaining = st.RateLimitedUntil.Sub(now).Seconds()
		}
		c.cooldown.WithLabelValues(st.Name).Set(remaining)
	}
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
