package metrics

import (
	"github.com/mohofarm/renderfarm/internal/observer"
	"github.com/mohofarm/renderfarm/pkg/farmtypes"
)

// Observing wraps an observer.Observer and feeds every job lifecycle
// event into a Collector before delegating to the wrapped observer.
// QueueStats, when set, is polled on every OnQueueChanged to refresh
// the pending/active gauges; a nil QueueStats just skips that update.
type Observing struct {
	Next       observer.Observer
	Collector  *Collector
	QueueStats func() (pending, active int)
}

var _ observer.Observer = (*Observing)(nil)

func (o *Observing) OnJobStarted(job *farmtypes.RenderJob) {
	o.Collector.RecordLeased()
	o.Next.OnJobStarted(job)
}

func (o *Observing) OnJobCompleted(job *farmtypes.RenderJob) {
	if job.Status == farmtypes.StatusCancelled {
		o.Collector.RecordCancelled()
	} else {
		o.Collector.RecordCompleted(renderSeconds(job))
	}
	o.Next.OnJobCompleted(job)
}

func (o *Observing) OnJobFailed(job *farmtypes.RenderJob) {
	o.Collector.RecordFailed()
	o.Next.OnJobFailed(job)
}

func (o *Observing) OnQueueCompleted() {
	o.Next.OnQueueCompleted()
}

func (o *Observing) OnOutput(line string) {
	o.Next.OnOutput(line)
}

func (o *Observing) OnProgress(job *farmtypes.RenderJob, progress float64) {
	o.Next.OnProgress(job, progress)
}

func (o *Observing) OnQueueChanged() {
	if o.QueueStats != nil {
		pending, active := o.QueueStats()
		o.Collector.SetQueueStats(pending, active)
	}
	o.Next.OnQueueChanged()
}

func renderSeconds(job *farmtypes.RenderJob) float64 {
	if job.StartTime == nil || job.EndTime == nil {
		return 0
	}
	return float64(*job.EndTime-*job.StartTime) / 1000.0
}
