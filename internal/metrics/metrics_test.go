package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotNil(t, collector.jobsLeased)
	assert.NotNil(t, collector.jobsCompleted)
	assert.NotNil(t, collector.jobsFailed)
	assert.NotNil(t, collector.jobsCancelled)
	assert.NotNil(t, collector.renderDuration)
	assert.NotNil(t, collector.jobsPending)
	assert.NotNil(t, collector.jobsActive)
	assert.NotNil(t, collector.slavesOnline)
	assert.NotNil(t, collector.slaveEvictions)
}

func TestRecordMethodsDoNotPanic(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordLeased()
		collector.RecordCompleted(1.5)
		collector.RecordFailed()
		collector.RecordCancelled()
		collector.RecordSlaveEviction()
		collector.SetQueueStats(3, 1)
		collector.SetSlavesOnline(2)
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	done := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		go func() {
			collector.RecordLeased()
			collector.RecordCompleted(0.1)
			collector.SetQueueStats(10, 5)
			done <- true
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}
}

func TestCollectorIsolation(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector1 := NewCollector()
	require.NotNil(t, collector1)

	assert.Panics(t, func() {
		NewCollector()
	}, "a second collector registered against the same registry should panic on duplicate series")
}

func TestJobLifecycleSequence(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.SetQueueStats(1, 0)

		collector.RecordLeased()
		collector.SetQueueStats(0, 1)

		collector.RecordCompleted(2.0)
		collector.SetQueueStats(0, 0)
	})
}

func TestCancelledAndEvictionScenario(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordLeased()
		collector.RecordCancelled()
		collector.RecordSlaveEviction()
		collector.SetSlavesOnline(0)
	})
}
