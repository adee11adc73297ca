package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// BusStats provides the collector access to event-bus state.
type BusStats interface {
	Published() uint64
}

// HubStats provides the collector access to live websocket client counts.
type HubStats interface {
	Counts() (admin, public, agents int)
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool *pgxpool.Pool
	bus  BusStats
	hub  HubStats

	// Descriptors for scrape-time gauges.
	eventsPublished *prometheus.Desc
	wsClients       *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// Any of the sources may be nil; their metrics then report 0.
func NewCollector(pool *pgxpool.Pool, bus BusStats, hub HubStats) *Collector {
	return &Collector{
		pool: pool,
		bus:  bus,
		hub:  hub,
		eventsPublished: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "events_published_total"),
			"Events published on the in-process bus.",
			nil, nil,
		),
		wsClients: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "ws_clients"),
			"Connected websocket clients per namespace.",
			[]string{"namespace"}, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.eventsPublished
	ch <- c.wsClients
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var published float64
	if c.bus != nil {
		published = float64(c.bus.Published())
	}
	ch <- prometheus.MustNewConstMetric(c.eventsPublished, prometheus.CounterValue, published)

	var admin, public, agents int
	if c.hub != nil {
		admin, public, agents = c.hub.Counts()
	}
	ch <- prometheus.MustNewConstMetric(c.wsClients, prometheus.GaugeValue, float64(admin), "admin")
	ch <- prometheus.MustNewConstMetric(c.wsClients, prometheus.GaugeValue, float64(public), "public")
	ch <- prometheus.MustNewConstMetric(c.wsClients, prometheus.GaugeValue, float64(agents), "agents")

	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}
