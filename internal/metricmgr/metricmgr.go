package metricmgr

import (
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

type MetricMgr interface {
	// Increment metric
	IncrementMetric(metric Metric, value int32) error
	// Decrement metric
	DecrementMetric(metric Metric, value int32) error
	// Retreive Metric
	GetMetric(metric Metric) (int32, bool)
	// Current value of every metric
	Snapshot() map[Metric]int32
}

type _MetricMgr struct {
	metrics map[Metric]*atomic.Int32
}

// Init returns a manager with every metric in AllMetrics set to zero.
func Init() MetricMgr {
	m := &_MetricMgr{
		metrics: make(map[Metric]*atomic.Int32, len(AllMetrics)),
	}
	for _, metric := range AllMetrics {
		m.metrics[metric] = atomic.NewInt32(0)
	}
	return m
}

func (m *_MetricMgr) IncrementMetric(metric Metric, value int32) error {
	counter, ok := m.metrics[metric]
	if !ok {
		return errors.Errorf("metric [%s] not found", metric)
	}
	counter.Add(value)
	return nil
}

func (m *_MetricMgr) DecrementMetric(metric Metric, value int32) error {
	counter, ok := m.metrics[metric]
	if !ok {
		return errors.Errorf("metric [%s] not found", metric)
	}
	counter.Sub(value)
	return nil
}

func (m *_MetricMgr) GetMetric(metric Metric) (int32, bool) {
	counter, ok := m.metrics[metric]
	if !ok {
		return 0, false
	}
	return counter.Load(), true
}

func (m *_MetricMgr) Snapshot() map[Metric]int32 {
	out := make(map[Metric]int32, len(m.metrics))
	for metric, counter := range m.metrics {
		out[metric] = counter.Load()
	}
	return out
}
