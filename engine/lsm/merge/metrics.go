package merge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 汇总合并线程的运行指标
type Metrics struct {
	Cycles         prometheus.Counter
	Promotions     prometheus.Counter
	QueueLength    prometheus.Gauge
	CycleDuration  prometheus.Histogram
	DeleteFailures prometheus.Counter
}

// NewMetrics 注册并返回合并指标，reg 为 nil 时使用默认注册表
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Cycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "go_tps",
			Subsystem: "merge",
			Name:      "cycles_total",
			Help:      "Completed merge cycles.",
		}),
		Promotions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "go_tps",
			Subsystem: "merge",
			Name:      "promotions_total",
			Help:      "Merges that produced a new stable file.",
		}),
		QueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "go_tps",
			Subsystem: "merge",
			Name:      "queue_length",
			Help:      "MemTables waiting in the merge queue.",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "go_tps",
			Subsystem: "merge",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one merge cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		DeleteFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "go_tps",
			Subsystem: "merge",
			Name:      "obsolete_delete_failures_total",
			Help:      "Failed deletions of obsolete files; such files stay on disk.",
		}),
	}
}
