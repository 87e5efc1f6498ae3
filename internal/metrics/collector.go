package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatring"

// Gauges samples directory sizes at scrape time.
type Gauges func() (users, sessions, pending int)

// Collector records chatring metrics.
type Collector struct {
	registry *prometheus.Registry

	commands    *prometheus.CounterVec
	replication *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	elections   prometheus.Counter
	primary     prometheus.Gauge
	frontEnds   prometheus.Gauge
}

// NewCollector creates a collector for the ring peer at index self. gauges
// may be nil.
func NewCollector(self int, gauges Gauges) (*Collector, error) {
	labels := prometheus.Labels{"peer": fmt.Sprint(self)}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "commands_total",
			Help:        "Client commands handled, by command and result.",
			ConstLabels: labels,
		}, []string{"command", "result"}),
		replication: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "replication_total",
			Help:        "Replication records by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "deliveries_total",
			Help:        "Notification routing outcomes.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		elections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "primary_changes_total",
			Help:        "Number of times this peer adopted a primary.",
			ConstLabels: labels,
		}),
		primary: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "is_primary",
			Help:        "1 when this peer is the primary.",
			ConstLabels: labels,
		}),
		frontEnds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "frontend_links",
			Help:        "Connected front-end links.",
			ConstLabels: labels,
		}),
	}

	collectors := []prometheus.Collector{
		c.commands, c.replication, c.deliveries, c.elections, c.primary, c.frontEnds,
	}
	if gauges != nil {
		collectors = append(collectors, directoryGauges(labels, gauges)...)
	}
	for _, col := range collectors {
		if err := c.registry.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return c, nil
}

func directoryGauges(labels prometheus.Labels, g Gauges) []prometheus.Collector {
	gauge := func(name, help string, pick func(u, s, p int) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 {
			return float64(pick(g()))
		})
	}
	return []prometheus.Collector{
		gauge("users", "Known users.", func(u, _, _ int) int { return u }),
		gauge("sessions", "Active sessions.", func(_, s, _ int) int { return s }),
		gauge("pending_notifications", "Notifications queued for offline users.", func(_, _, p int) int { return p }),
	}
}

// Command counts one client command outcome.
func (c *Collector) Command(command, result string) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(command, result).Inc()
}

// Replication counts one replication outcome.
func (c *Collector) Replication(result string) {
	if c == nil {
		return
	}
	c.replication.WithLabelValues(result).Inc()
}

// Delivery counts one routing outcome.
func (c *Collector) Delivery(outcome string) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(outcome).Inc()
}

// PrimaryChanged records that the peer adopted a primary.
func (c *Collector) PrimaryChanged(isPrimary bool) {
	if c == nil {
		return
	}
	c.elections.Inc()
	if isPrimary {
		c.primary.Set(1)
	} else {
		c.primary.Set(0)
	}
}

// FrontEndLinks adjusts the connected front-end gauge by delta.
func (c *Collector) FrontEndLinks(delta int) {
	if c == nil {
		return
	}
	c.frontEnds.Add(float64(delta))
}

// Registry exposes the underlying registry for tests and custom exporters.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
