package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

type poolStat struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(*pgxpool.Stat) float64
}

// poolCollector reports the PostgreSQL flag source's pgxpool statistics,
// read fresh on each scrape.
type poolCollector struct {
	pool  *pgxpool.Pool
	stats []poolStat
}

func gaugeStat(name, help string, value func(*pgxpool.Stat) float64) poolStat {
	return poolStat{
		desc:      prometheus.NewDesc("flaggate_source_pool_"+name, help, nil, nil),
		valueType: prometheus.GaugeValue,
		value:     value,
	}
}

func counterStat(name, help string, value func(*pgxpool.Stat) float64) poolStat {
	stat := gaugeStat(name, help, value)
	stat.valueType = prometheus.CounterValue
	return stat
}

// RegisterPoolMetrics exposes the connection pool behind the PostgreSQL flag
// source on reg.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	reg.MustRegister(&poolCollector{
		pool: pool,
		stats: []poolStat{
			gaugeStat("acquired_connections", "Connections currently checked out by the flag source.",
				func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
			gaugeStat("idle_connections", "Idle connections held by the flag source pool.",
				func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
			gaugeStat("max_connections", "Upper bound on flag source pool connections.",
				func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
			counterStat("acquires_total", "Successful connection acquires by the flag source.",
				func(s *pgxpool.Stat) float64 { return float64(s.AcquireCount()) }),
			counterStat("empty_acquires_total", "Acquires that had to wait because the pool was empty.",
				func(s *pgxpool.Stat) float64 { return float64(s.EmptyAcquireCount()) }),
			counterStat("acquire_wait_seconds_total", "Time spent waiting for a connection.",
				func(s *pgxpool.Stat) float64 { return s.AcquireDuration().Seconds() }),
		},
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, stat := range c.stats {
		ch <- stat.desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.pool.Stat()
	for _, stat := range c.stats {
		ch <- prometheus.MustNewConstMetric(stat.desc, stat.valueType, stat.value(snapshot))
	}
}
