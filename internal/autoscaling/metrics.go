package autoscaling

import (
	"errors"

	"github.com/RecoveryAshes/crawlscale/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 任务池Prometheus指标
// nil *Metrics 的所有方法都是空操作
type Metrics struct {
	desiredConcurrency prometheus.Gauge
	currentConcurrency prometheus.Gauge
	systemIdle         prometheus.Gauge
	overloadedRatio    *prometheus.GaugeVec
	tasks              *prometheus.CounterVec
	scaleEvents        *prometheus.CounterVec
}

// NewMetrics 创建指标集合
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		desiredConcurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "desired_concurrency",
			Help:      "Current self-imposed concurrency ceiling of the autoscaled pool",
		}),
		currentConcurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "current_concurrency",
			Help:      "Number of tasks currently in flight",
		}),
		systemIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "system_idle",
			Help:      "1 when the historical system status reports idle",
		}),
		overloadedRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "resource_overloaded_ratio",
			Help:      "Time-weighted overloaded ratio per resource over the retained history",
		}, []string{"resource"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "tasks_total",
			Help:      "Number of settled tasks by outcome",
		}, []string{"outcome"}),
		scaleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "scale_events_total",
			Help:      "Number of desired concurrency changes by direction",
		}, []string{"direction"}),
	}
}

// Register 注册到指定Registerer,已注册的同名指标直接复用
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if m == nil {
		return nil
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	register := func(c prometheus.Collector) (prometheus.Collector, error) {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				return already.ExistingCollector, nil
			}
			return nil, err
		}
		return c, nil
	}

	gauges := []*prometheus.Gauge{&m.desiredConcurrency, &m.currentConcurrency, &m.systemIdle}
	for _, g := range gauges {
		c, err := register(*g)
		if err != nil {
			return err
		}
		if existing, ok := c.(prometheus.Gauge); ok {
			*g = existing
		}
	}

	c, err := register(m.overloadedRatio)
	if err != nil {
		return err
	}
	if existing, ok := c.(*prometheus.GaugeVec); ok {
		m.overloadedRatio = existing
	}

	counters := []**prometheus.CounterVec{&m.tasks, &m.scaleEvents}
	for _, cv := range counters {
		c, err := register(*cv)
		if err != nil {
			return err
		}
		if existing, ok := c.(*prometheus.CounterVec); ok {
			*cv = existing
		}
	}
	return nil
}

func (m *Metrics) observeConcurrency(desired, current int) {
	if m == nil {
		return
	}
	m.desiredConcurrency.Set(float64(desired))
	m.currentConcurrency.Set(float64(current))
}

func (m *Metrics) observeStatus(status models.SystemVerdict) {
	if m == nil {
		return
	}
	idle := 0.0
	if status.IsSystemIdle {
		idle = 1
	}
	m.systemIdle.Set(idle)
	m.overloadedRatio.WithLabelValues("memory").Set(status.MemInfo.ActualRatio)
	m.overloadedRatio.WithLabelValues("event_loop").Set(status.EventLoopInfo.ActualRatio)
	m.overloadedRatio.WithLabelValues("cpu").Set(status.CPUInfo.ActualRatio)
	m.overloadedRatio.WithLabelValues("client").Set(status.ClientInfo.ActualRatio)
}

func (m *Metrics) taskSettled(outcome string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) scaled(direction string) {
	if m == nil {
		return
	}
	m.scaleEvents.WithLabelValues(direction).Inc()
}
