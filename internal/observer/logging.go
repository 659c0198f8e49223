package observer

import (
	"log/slog"

	"github.com/mohofarm/renderfarm/pkg/farmtypes"
)

// Logging is an Observer that writes every event through log/slog,
// the ambient logger the rest of the module uses. Useful standalone
// (headless runs) and as the base a GUI adapter or test recorder wraps.
type Logging struct {
	Nop
	Log *slog.Logger
}

// NewLogging returns a Logging observer; a nil logger falls back to
// slog.Default().
func NewLogging(log *slog.Logger) *Logging {
	if log == nil {
		log = slog.Default()
	}
	return &Logging{Log: log}
}

func (l *Logging) OnJobStarted(job *farmtypes.RenderJob) {
	l.Log.Info("job started", "job_id", job.ID, "project", job.ProjectName())
}

func (l *Logging) OnJobCompleted(job *farmtypes.RenderJob) {
	l.Log.Info("job completed", "job_id", job.ID, "elapsed", job.ElapsedTime())
}

func (l *Logging) OnJobFailed(job *farmtypes.RenderJob) {
	l.Log.Warn("job failed", "job_id", job.ID, "error", job.ErrorMessage)
}

func (l *Logging) OnQueueCompleted() {
	l.Log.Info("queue completed")
}

func (l *Logging) OnOutput(line string) {
	l.Log.Debug("render output", "line", line)
}

func (l *Logging) OnProgress(job *farmtypes.RenderJob, progress float64) {
	l.Log.Debug("render progress", "job_id", job.ID, "progress", progress)
}

func (l *Logging) OnQueueChanged() {
	l.Log.Debug("queue changed")
}

var _ Observer = (*Logging)(nil)
