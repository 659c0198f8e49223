// Package observer defines the seven-event contract LocalQueue and
// MasterServer invoke without holding any internal lock. The source
// pattern this replaces assigned mutable callback attributes directly
// on the queue/server objects; this is the same shape restated as one
// explicit interface so a GUI adapter, a structured logger, and a test
// recorder can all implement it identically.
package observer

import "github.com/mohofarm/renderfarm/pkg/farmtypes"

// Observer receives the seven observable queue/farm events. Implementations
// must not block for long or call back into the queue/server that
// invoked them — callbacks fire without any lock held, but a slow
// observer still delays the worker or handler goroutine that called it.
type Observer interface {
	OnJobStarted(job *farmtypes.RenderJob)
	OnJobCompleted(job *farmtypes.RenderJob)
	OnJobFailed(job *farmtypes.RenderJob)
	OnQueueCompleted()
	OnOutput(line string)
	OnProgress(job *farmtypes.RenderJob, progress float64)
	OnQueueChanged()
}

// Nop implements Observer with no-ops; embed it to implement only the
// events a particular adapter cares about.
type Nop struct{}

func (Nop) OnJobStarted(*farmtypes.RenderJob)            {}
func (Nop) OnJobCompleted(*farmtypes.RenderJob)          {}
func (Nop) OnJobFailed(*farmtypes.RenderJob)             {}
func (Nop) OnQueueCompleted()                            {}
func (Nop) OnOutput(string)                              {}
func (Nop) OnProgress(*farmtypes.RenderJob, float64)     {}
func (Nop) OnQueueChanged()                              {}

var _ Observer = Nop{}
