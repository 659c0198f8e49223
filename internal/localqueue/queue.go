// Package localqueue implements a bounded-concurrency worker pool that
// drains an ordered, mutable list of render jobs.
//
// Worker algorithm: under the queue lock, scan the list for the first
// pending job and flip it to rendering in the same critical section —
// that flip is the atomic claim that stops two workers racing onto the
// same job. Release the lock, run the job's supervisor synchronously,
// then (without the lock held) emit the terminal callback. When a scan
// finds no pending job, the worker exits its loop; the last worker to
// exit — its decrement of a shared counter reaches the worker count,
// and no pending job remains — fires OnQueueCompleted exactly once.
package localqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/mohofarm/renderfarm/internal/compose"
	"github.com/mohofarm/renderfarm/internal/observer"
	"github.com/mohofarm/renderfarm/internal/snapshot"
	"github.com/mohofarm/renderfarm/internal/supervisor"
	"github.com/mohofarm/renderfarm/pkg/farmtypes"
)

const stopJoinTimeout = 10 * time.Second

// Queue is the LocalQueue component: a shared, reorderable job list
// drained by maxConcurrent worker goroutines.
type Queue struct {
	rendererPath string
	logDir       string
	obs          observer.Observer
	composer     compose.Adapter

	mu            sync.Mutex
	jobs          []*farmtypes.RenderJob
	maxConcurrent int
	running       bool
	paused        bool
	workers       int
	workersDone   int
	activeRenders map[int]*activeRender
	wg            sync.WaitGroup
}

type activeRender struct {
	sup *supervisor.Supervisor
	job *farmtypes.RenderJob
}

// New creates an empty Queue. rendererPath and logDir are passed
// through to every Supervisor the queue creates; obs receives the seven
// observable events; a nil composer disables the post-render
// layer-composition hook.
func New(rendererPath, logDir string, obs observer.Observer, composer compose.Adapter) *Queue {
	if obs == nil {
		obs = observer.Nop{}
	}
	if composer == nil {
		composer = compose.Nop{}
	}
	return &Queue{
		rendererPath:  rendererPath,
		logDir:        logDir,
		obs:           obs,
		composer:      composer,
		activeRenders: make(map[int]*activeRender),
	}
}

// Add appends job to the queue.
func (q *Queue) Add(job *farmtypes.RenderJob) {
	q.mu.Lock()
	job.Status = farmtypes.StatusPending
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	q.obs.OnQueueChanged()
}

// Remove drops job id from the queue, unless it is currently rendering.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	for i, job := range q.jobs {
		if job.ID == id {
			if job.Status == farmtypes.StatusRendering {
				q.mu.Unlock()
				return false
			}
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			q.mu.Unlock()
			q.obs.OnQueueChanged()
			return true
		}
	}
	q.mu.Unlock()
	return false
}

// Move reorders job id by direction (-1 up, +1 down).
func (q *Queue) Move(id string, direction int) bool {
	q.mu.Lock()
	for i, job := range q.jobs {
		if job.ID == id {
			j := i + direction
			if j < 0 || j >= len(q.jobs) {
				q.mu.Unlock()
				return false
			}
			q.jobs[i], q.jobs[j] = q.jobs[j], q.jobs[i]
			q.mu.Unlock()
			q.obs.OnQueueChanged()
			return true
		}
	}
	q.mu.Unlock()
	return false
}

// ClearCompleted removes every terminal job, keeping pending and
// rendering jobs.
func (q *Queue) ClearCompleted() {
	q.mu.Lock()
	kept := q.jobs[:0]
	for _, job := range q.jobs {
		if job.Status == farmtypes.StatusPending || job.Status == farmtypes.StatusRendering {
			kept = append(kept, job)
		}
	}
	q.jobs = kept
	q.mu.Unlock()
	q.obs.OnQueueChanged()
}

// ClearAll removes every job except those currently rendering.
func (q *Queue) ClearAll() {
	q.mu.Lock()
	kept := q.jobs[:0]
	for _, job := range q.jobs {
		if job.Status == farmtypes.StatusRendering {
			kept = append(kept, job)
		}
	}
	q.jobs = kept
	q.mu.Unlock()
	q.obs.OnQueueChanged()
}

// GetJob returns the job with the given id, or nil.
func (q *Queue) GetJob(id string) *farmtypes.RenderJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.ID == id {
			return job
		}
	}
	return nil
}

// PendingJobs returns every job currently pending.
func (q *Queue) PendingJobs() []*farmtypes.RenderJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*farmtypes.RenderJob
	for _, job := range q.jobs {
		if job.Status == farmtypes.StatusPending {
			out = append(out, job)
		}
	}
	return out
}

// Start spawns maxConcurrent worker goroutines (minimum 1). A no-op if
// already running.
func (q *Queue) Start(maxConcurrent int) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	q.maxConcurrent = maxConcurrent
	q.running = true
	q.paused = false
	q.workersDone = 0
	q.workers = maxConcurrent
	q.mu.Unlock()

	q.wg.Add(maxConcurrent)
	for i := 0; i < maxConcurrent; i++ {
		go q.workerLoop(i)
	}
}

// Stop signals every worker to exit and cancels every active render,
// waiting up to stopJoinTimeout for workers to join.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.running = false
	q.paused = false
	for _, ar := range q.activeRenders {
		ar.sup.Cancel()
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
	}
}

// Pause is cooperative: workers honor it between jobs, not mid-job.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume clears the pause flag, restarting the queue if it had stopped.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	running := q.running
	maxConcurrent := q.maxConcurrent
	q.mu.Unlock()
	if !running {
		q.Start(maxConcurrent)
	}
}

// CancelCurrent cancels every active render without stopping workers.
func (q *Queue) CancelCurrent() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ar := range q.activeRenders {
		ar.sup.Cancel()
	}
}

// IsRunning reports whether the queue is currently processing.
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// IsPaused reports whether the queue is cooperatively paused.
func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// CurrentJobs returns every job presently rendering.
func (q *Queue) CurrentJobs() []*farmtypes.RenderJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*farmtypes.RenderJob, 0, len(q.activeRenders))
	for _, ar := range q.activeRenders {
		out = append(out, ar.job)
	}
	return out
}

// TotalJobs, PendingCount, CompletedCount, FailedCount report counts
// over the whole list for GUI/CLI status display.
func (q *Queue) TotalJobs() int { q.mu.Lock(); defer q.mu.Unlock(); return len(q.jobs) }

func (q *Queue) PendingCount() int   { return q.countStatus(farmtypes.StatusPending) }
func (q *Queue) CompletedCount() int { return q.countStatus(farmtypes.StatusCompleted) }
func (q *Queue) FailedCount() int    { return q.countStatus(farmtypes.StatusFailed) }

func (q *Queue) countStatus(s farmtypes.JobStatus) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, job := range q.jobs {
		if job.Status == s {
			n++
		}
	}
	return n
}

// Retry resets a terminal job (failed/cancelled/completed) to pending.
func (q *Queue) Retry(id string) bool {
	q.mu.Lock()
	for _, job := range q.jobs {
		if job.ID == id && job.Status.IsTerminal() {
			job.ResetForRequeue()
			q.mu.Unlock()
			q.obs.OnQueueChanged()
			return true
		}
	}
	q.mu.Unlock()
	return false
}

// Duplicate clones job id with a fresh id, inserted immediately after
// the original, reset to pending.
func (q *Queue) Duplicate(id string, newID func() string) *farmtypes.RenderJob {
	q.mu.Lock()
	for i, job := range q.jobs {
		if job.ID == id {
			clone := job.Clone()
			clone.ID = newID()
			clone.ResetForRequeue()
			q.jobs = append(q.jobs[:i+1], append([]*farmtypes.RenderJob{clone}, q.jobs[i+1:]...)...)
			q.mu.Unlock()
			q.obs.OnQueueChanged()
			return clone
		}
	}
	q.mu.Unlock()
	return nil
}

// Save persists the job list via mgr. See snapshot.Manager for the
// atomic-write/reset-on-load contract.
func (q *Queue) Save(mgr *snapshot.Manager) error {
	q.mu.Lock()
	jobs := make([]*farmtypes.RenderJob, len(q.jobs))
	copy(jobs, q.jobs)
	q.mu.Unlock()
	return mgr.Write(jobs)
}

// Load replaces (or appends to, if append is true) the job list from
// mgr. Non-rendering jobs are reset to pending by the snapshot manager.
func (q *Queue) Load(mgr *snapshot.Manager, append_ bool) error {
	loaded, err := mgr.Load()
	if err != nil {
		return err
	}
	q.mu.Lock()
	if !append_ {
		kept := q.jobs[:0]
		for _, job := range q.jobs {
			if job.Status == farmtypes.StatusRendering {
				kept = append(kept, job)
			}
		}
		q.jobs = kept
	}
	q.jobs = append(q.jobs, loaded...)
	q.mu.Unlock()
	q.obs.OnQueueChanged()
	return nil
}

func (q *Queue) workerLoop(workerID int) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if !q.running {
			q.mu.Unlock()
			break
		}
		if q.paused {
			q.mu.Unlock()
			time.Sleep(500 * time.Millisecond)
			continue
		}

		var next *farmtypes.RenderJob
		for _, job := range q.jobs {
			if job.Status == farmtypes.StatusPending {
				job.Status = farmtypes.StatusRendering
				next = job
				break
			}
		}
		if next == nil {
			q.mu.Unlock()
			break
		}

		sup := supervisor.New(q.rendererPath, q.logDir)
		q.activeRenders[workerID] = &activeRender{sup: sup, job: next}
		q.mu.Unlock()

		q.obs.OnJobStarted(next)

		sinks := supervisor.Sinks{
			OnOutput: q.obs.OnOutput,
			OnProgress: func(p float64) {
				next.Progress = p
				q.obs.OnProgress(next, p)
			},
		}
		sup.Render(next, sinks)

		q.mu.Lock()
		delete(q.activeRenders, workerID)
		q.mu.Unlock()

		if next.Status == farmtypes.StatusCompleted && next.ComposeLayers && next.Layercomp != "" {
			q.obs.OnOutput(fmt.Sprintf("[%s] starting layer composition", next.ID))
			if err := q.composer.ComposeLayerComps(next.OutputPath, next.ComposeReverseOrder, q.obs.OnOutput); err != nil {
				q.obs.OnOutput(fmt.Sprintf("[%s] compose error: %v", next.ID, err))
			}
		}

		switch next.Status {
		case farmtypes.StatusCompleted, farmtypes.StatusCancelled:
			q.obs.OnJobCompleted(next)
		case farmtypes.StatusFailed:
			q.obs.OnJobFailed(next)
		}
		q.obs.OnQueueChanged()
	}

	q.mu.Lock()
	q.workersDone++
	allDone := false
	if q.workersDone >= q.workers {
		pending := false
		for _, job := range q.jobs {
			if job.Status == farmtypes.StatusPending {
				pending = true
				break
			}
		}
		if !pending {
			q.running = false
			allDone = true
		}
	}
	q.mu.Unlock()

	if allDone {
		q.obs.OnQueueCompleted()
	}
}
