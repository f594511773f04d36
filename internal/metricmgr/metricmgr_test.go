package metricmgr

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricMgr(t *testing.T) {
	assertion := assert.New(t)

	mm := Init()
	assertion.NotNil(mm)

	for _, metric := range AllMetrics {
		value, ok := mm.GetMetric(metric)
		assertion.True(ok, string(metric))
		assertion.Equal(int32(0), value)
	}

	assertion.NoError(mm.IncrementMetric(TotalScannersRun, 3))
	assertion.NoError(mm.DecrementMetric(TotalScannersRun, 1))
	value, _ := mm.GetMetric(TotalScannersRun)
	assertion.Equal(int32(2), value)

	assertion.Error(mm.IncrementMetric(Metric("unknown"), 1))
	assertion.Error(mm.DecrementMetric(Metric("unknown"), 1))
	_, ok := mm.GetMetric(Metric("unknown"))
	assertion.False(ok)

	snap := mm.Snapshot()
	assertion.Len(snap, len(AllMetrics))
	assertion.Equal(int32(2), snap[TotalScannersRun])
}

func TestMetricMgrConcurrent(t *testing.T) {
	assertion := assert.New(t)
	mm := Init()

	wg := sync.WaitGroup{}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assertion.NoError(mm.IncrementMetric(TotalFindings, 1))
		}()
	}
	wg.Wait()

	value, _ := mm.GetMetric(TotalFindings)
	assertion.Equal(int32(100), value)
}
