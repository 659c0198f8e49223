// Package master implements the MasterServer component: the HTTP/JSON
// control plane that distributes render jobs across registered slaves.
package master

import (
	"errors"
	"sync"
	"time"

	"github.com/mohofarm/renderfarm/pkg/farmtypes"
)

// Hybrid state design: jobs is the single source of truth, keyed by
// job ID; pending/reserved/active/completed are secondary indexes for
// O(1) membership checks and FIFO ordering, exactly the shape
// job_manager.go used for the single-process queue, generalized here
// to four collections because a farm job additionally carries a
// reservation and an assigned-slave state that a local queue never
// needed.
var (
	ErrDuplicateJob  = errors.New("job already exists")
	ErrJobNotFound   = errors.New("job not found")
	ErrJobNotActive  = errors.New("job is not active")
	ErrSlaveNotFound = errors.New("slave not registered")
)

// State is the MasterServer's job and slave bookkeeping. One lock
// guards all four collections and the slave registry together, since
// operations like GetJob touch the registry and two collections in
// the same transition.
type State struct {
	mu sync.Mutex

	jobs map[string]*farmtypes.RenderJob

	pending  []string          // ordered job IDs, FIFO
	reserved map[string]string // jobID -> slave address, bypasses FIFO
	active   map[string]string // jobID -> slave address
	complete map[string]bool   // jobID set, order not significant

	slaves map[string]*farmtypes.SlaveInfo // address -> info

	cancelSignals map[string][]string // slave address -> job IDs to cancel, delivered on next heartbeat

	livenessWindow time.Duration
}

// NewState returns an empty State.
func NewState() *State {
	return &State{
		jobs:           make(map[string]*farmtypes.RenderJob),
		reserved:       make(map[string]string),
		active:         make(map[string]string),
		complete:       make(map[string]bool),
		slaves:         make(map[string]*farmtypes.SlaveInfo),
		cancelSignals:  make(map[string][]string),
		livenessWindow: farmtypes.LivenessWindow,
	}
}

// SetLivenessWindow overrides the heartbeat-staleness threshold used
// to decide whether a registered slave still counts as alive. d <= 0
// is ignored, leaving the farmtypes.LivenessWindow default in place.
func (s *State) SetLivenessWindow(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.livenessWindow = d
	}
}

func (s *State) isAlive(slave *farmtypes.SlaveInfo) bool {
	return time.Since(slave.LastHeartbeat) < s.livenessWindow
}

// AddJob inserts job at the tail of the pending queue.
func (s *State) AddJob(job *farmtypes.RenderJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}
	job.Status = farmtypes.StatusPending
	s.jobs[job.ID] = job
	s.pending = append(s.pending, job.ID)
	return nil
}

// RegisterSlave adds or refreshes a slave's registry entry.
func (s *State) RegisterSlave(info *farmtypes.SlaveInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info.LastHeartbeat = time.Now()
	if info.Status == "" {
		info.Status = farmtypes.SlaveIdle
	}
	s.slaves[info.Address()] = info
}

// Heartbeat refreshes a registered slave's last-seen time and reported
// status, and drains any cancel signals queued for it since the last
// call. Returns ErrSlaveNotFound if the slave never registered. A slave
// the sweeper marked offline is still registered; its heartbeat is
// accepted and its reported status replaces offline.
func (s *State) Heartbeat(address string, reportedStatus farmtypes.SlaveStatus) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slave, ok := s.slaves[address]
	if !ok {
		return nil, ErrSlaveNotFound
	}
	slave.LastHeartbeat = time.Now()
	if reportedStatus != "" {
		slave.Status = reportedStatus
	}
	signals := s.cancelSignals[address]
	delete(s.cancelSignals, address)
	return signals, nil
}

// QueueCancelSignal arranges for slaveAddr to be told to cancel jobID
// on its next heartbeat. Used when an active job is cancelled: the
// master never touches the slave's process directly.
func (s *State) QueueCancelSignal(slaveAddr, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelSignals[slaveAddr] = append(s.cancelSignals[slaveAddr], jobID)
}

// Reserve earmarks jobID for slaveAddr, bypassing FIFO order the next
// time that slave calls GetJob. If slaveAddr is not currently alive,
// the job is left at the head of pending instead so it isn't stranded.
func (s *State) Reserve(jobID, slaveAddr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != farmtypes.StatusPending {
		return errors.New("job is not pending")
	}
	s.removeFromPending(jobID)
	if slave, ok := s.slaves[slaveAddr]; ok && s.isAlive(slave) {
		s.reserved[jobID] = slaveAddr
	} else {
		s.pending = append([]string{jobID}, s.pending...)
	}
	return nil
}

// GetJob leases the next job to slaveAddr: refresh heartbeat, prefer a
// reservation for this slave, otherwise take the pending head. Returns
// nil, nil if nothing is available.
func (s *State) GetJob(slaveAddr string) (*farmtypes.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slave, ok := s.slaves[slaveAddr]
	if !ok {
		return nil, ErrSlaveNotFound
	}
	slave.LastHeartbeat = time.Now()

	var jobID string
	if reservedJob, ok := findByValue(s.reserved, slaveAddr); ok {
		jobID = reservedJob
		delete(s.reserved, jobID)
	} else if len(s.pending) > 0 {
		jobID = s.pending[0]
		s.pending = s.pending[1:]
	} else {
		return nil, nil
	}

	job := s.jobs[jobID]
	now := time.Now().UnixMilli()
	job.Status = farmtypes.StatusRendering
	job.AssignedSlave = slaveAddr
	job.StartTime = &now
	s.active[jobID] = slaveAddr

	slave.Status = farmtypes.SlaveRendering
	slave.CurrentJobID = jobID
	return job, nil
}

// CompleteJob records a slave's terminal report for jobID: moves it
// out of active into completed history, updates the reporting slave's
// counters (skipped for a cancelled report) and returns it to idle. A
// report for a job this master no longer considers active (e.g. after
// a sweeper requeue raced the slave's report) is accepted but ignored.
func (s *State) CompleteJob(jobID, slaveAddr string, success, cancelled bool, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	assignedTo, ok := s.active[jobID]
	if !ok || assignedTo != slaveAddr {
		return ErrJobNotActive
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	delete(s.active, jobID)

	now := time.Now().UnixMilli()
	job.EndTime = &now
	switch {
	case cancelled:
		job.Status = farmtypes.StatusCancelled
	case success:
		job.Status = farmtypes.StatusCompleted
		job.Progress = 100
	default:
		job.Status = farmtypes.StatusFailed
		job.ErrorMessage = errMsg
	}
	s.complete[jobID] = true

	if slave, ok := s.slaves[slaveAddr]; ok {
		switch {
		case cancelled:
		case success:
			slave.JobsCompleted++
		default:
			slave.JobsFailed++
		}
		slave.Status = farmtypes.SlaveIdle
		slave.CurrentJobID = ""
	}
	return nil
}

// CancelJob cancels jobID. If it is pending or reserved, it is removed
// and marked cancelled immediately. If it is active, the master does
// not touch the slave's process directly: it queues a cancel signal
// the slave will see on its next heartbeat, and the job stays active
// until that slave reports back via CompleteJob. Cancelling a job that
// is already terminal is a no-op.
func (s *State) CancelJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil
	}
	if slaveAddr, ok := s.active[jobID]; ok {
		s.cancelSignals[slaveAddr] = append(s.cancelSignals[slaveAddr], jobID)
		return nil
	}
	s.removeFromPending(jobID)
	delete(s.reserved, jobID)
	now := time.Now().UnixMilli()
	job.EndTime = &now
	job.Status = farmtypes.StatusCancelled
	s.complete[jobID] = true
	return nil
}

// RemoveJob deletes jobID from the farm entirely. If keepHistory is
// false, a completed/failed job is also dropped from the jobs map;
// keepHistory preserves it for Snapshot/status reporting.
func (s *State) RemoveJob(jobID string, keepHistory bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return ErrJobNotFound
	}
	s.removeFromPending(jobID)
	delete(s.reserved, jobID)
	delete(s.active, jobID)
	if !keepHistory || !s.complete[jobID] {
		delete(s.complete, jobID)
		delete(s.jobs, jobID)
	}
	return nil
}

// Snapshot returns every job the farm currently knows about, in no
// particular order.
func (s *State) Snapshot() []*farmtypes.RenderJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*farmtypes.RenderJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	return out
}

// IsReserved reports whether jobID is held as a reservation for some
// slave, awaiting that slave's next get_job lease.
func (s *State) IsReserved(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.reserved[jobID]
	return ok
}

// ClearCompleted drops every completed/failed job from the farm.
func (s *State) ClearCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jobID := range s.complete {
		delete(s.jobs, jobID)
	}
	s.complete = make(map[string]bool)
}

// Slaves returns every registered slave.
func (s *State) Slaves() []*farmtypes.SlaveInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*farmtypes.SlaveInfo, 0, len(s.slaves))
	for _, slave := range s.slaves {
		out = append(out, slave)
	}
	return out
}

// Stats reports farm-wide job counts for the /api/status endpoint.
func (s *State) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	completed, failed := 0, 0
	for jobID := range s.complete {
		if s.jobs[jobID].Status == farmtypes.StatusCompleted {
			completed++
		} else {
			failed++
		}
	}
	return map[string]int{
		"pending":   len(s.pending),
		"reserved":  len(s.reserved),
		"active":    len(s.active),
		"completed": completed,
		"failed":    failed,
		"slaves":    len(s.slaves),
	}
}

// newlyOfflineSlaves returns every slave that has lapsed but was not
// already marked offline by a previous sweep. Caller must hold s.mu.
func (s *State) newlyOfflineSlaves() []*farmtypes.SlaveInfo {
	var out []*farmtypes.SlaveInfo
	for _, slave := range s.slaves {
		if !s.isAlive(slave) && slave.Status != farmtypes.SlaveOffline {
			out = append(out, slave)
		}
	}
	return out
}

// ReapOfflineSlaves finds every slave whose heartbeat has just lapsed,
// requeues its active and reserved job to the head of pending (so a
// lost render is retried before newer submissions), marks the slave
// offline, and returns those slaves so the caller can fire
// on_slave_disconnected and log the requeue exactly once per loss.
func (s *State) ReapOfflineSlaves() []*farmtypes.SlaveInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	lost := s.newlyOfflineSlaves()
	for _, slave := range lost {
		addr := slave.Address()
		slave.Status = farmtypes.SlaveOffline

		if jobID, ok := findByValue(s.active, addr); ok {
			delete(s.active, jobID)
			s.requeueToHead(jobID)
		}
		if jobID, ok := findByValue(s.reserved, addr); ok {
			delete(s.reserved, jobID)
			s.requeueToHead(jobID)
		}
	}
	return lost
}

func (s *State) requeueToHead(jobID string) {
	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	job.ResetForRequeue()
	job.AssignedSlave = ""
	s.pending = append([]string{jobID}, s.pending...)
}

func (s *State) removeFromPending(jobID string) {
	for i, id := range s.pending {
		if id == jobID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func findByValue(m map[string]string, value string) (string, bool) {
	for k, v := range m {
		if v == value {
			return k, true
		}
	}
	return "", false
}
