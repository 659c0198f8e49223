package metrics

import (
	"testing"

	"github.com/mohofarm/renderfarm/internal/observer"
	"github.com/mohofarm/renderfarm/pkg/farmtypes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	started, completed, failed, queueChanged int
}

func (r *recordingObserver) OnJobStarted(*farmtypes.RenderJob)        { r.started++ }
func (r *recordingObserver) OnJobCompleted(*farmtypes.RenderJob)      { r.completed++ }
func (r *recordingObserver) OnJobFailed(*farmtypes.RenderJob)         { r.failed++ }
func (r *recordingObserver) OnQueueCompleted()                       {}
func (r *recordingObserver) OnOutput(string)                         {}
func (r *recordingObserver) OnProgress(*farmtypes.RenderJob, float64) {}
func (r *recordingObserver) OnQueueChanged()                          { r.queueChanged++ }

var _ observer.Observer = (*recordingObserver)(nil)

func TestObservingDelegatesAndRecords(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	next := &recordingObserver{}
	o := &Observing{
		Next:      next,
		Collector: NewCollector(),
		QueueStats: func() (int, int) {
			return 2, 1
		},
	}

	start := int64(1000)
	end := int64(2500)
	job := &farmtypes.RenderJob{ID: "j1", StartTime: &start, EndTime: &end}

	assert.NotPanics(t, func() {
		o.OnJobStarted(job)
		o.OnJobCompleted(job)
		o.OnJobFailed(job)
		o.OnQueueChanged()
	})

	assert.Equal(t, 1, next.started)
	assert.Equal(t, 1, next.completed)
	assert.Equal(t, 1, next.failed)
	assert.Equal(t, 1, next.queueChanged)
}

func TestObservingRoutesCancelledJobsSeparately(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	o := &Observing{Next: observer.Nop{}, Collector: NewCollector()}

	job := &farmtypes.RenderJob{ID: "j1", Status: farmtypes.StatusCancelled}
	require.NotPanics(t, func() { o.OnJobCompleted(job) })
}

func TestObservingWithNilQueueStatsSkipsGaugeUpdate(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	o := &Observing{Next: observer.Nop{}, Collector: NewCollector()}

	require.NotPanics(t, func() { o.OnQueueChanged() })
}
