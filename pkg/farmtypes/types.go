// Package farmtypes defines the render-job data model shared by the
// LocalQueue, MasterServer, SlaveClient and RenderSupervisor.
package farmtypes

import (
	"strconv"
	"time"
)

// JobStatus is the render job's lifecycle state.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRendering JobStatus = "rendering"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether s has no outgoing transition except retry.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// RenderJob is the unit of work: an immutable description of a render
// invocation plus the mutable runtime state that tracks it through the
// queue or the farm.
type RenderJob struct {
	ID          string `json:"id"`
	ProjectFile string `json:"project_file"`
	OutputPath  string `json:"output_path,omitempty"`
	Format      string `json:"format,omitempty"`
	Options     string `json:"options,omitempty"`
	Layercomp   string `json:"layercomp,omitempty"`
	StartFrame  *int   `json:"start_frame,omitempty"`
	EndFrame    *int   `json:"end_frame,omitempty"`

	// Renderer flags, passed through verbatim to the external tool.
	Multithread               *bool `json:"multithread,omitempty"`
	Halfsize                  *bool `json:"halfsize,omitempty"`
	Halffps                   *bool `json:"halffps,omitempty"`
	Shapefx                   *bool `json:"shapefx,omitempty"`
	Layerfx                   *bool `json:"layerfx,omitempty"`
	Fewparticles              *bool `json:"fewparticles,omitempty"`
	AA                        *bool `json:"aa,omitempty"`
	Extrasmooth               *bool `json:"extrasmooth,omitempty"`
	Premultiply               *bool `json:"premultiply,omitempty"`
	NTSCSafe                  *bool `json:"ntscsafe,omitempty"`
	AddFormatSuffix           *bool `json:"addformatsuffix,omitempty"`
	AddLayerCompSuffix        *bool `json:"addlayercompsuffix,omitempty"`
	CreateFolderForLayerComps *bool `json:"createfolderforlayercomps,omitempty"`

	VideoCodec *int `json:"videocodec,omitempty"`
	Quality    *int `json:"quality,omitempty"`
	Depth      *int `json:"depth,omitempty"`

	Verbose bool   `json:"verbose"`
	Quiet   bool   `json:"quiet"`
	LogFile string `json:"log_file,omitempty"`

	ComposeLayers       bool `json:"compose_layers,omitempty"`
	ComposeReverseOrder bool `json:"compose_reverse_order,omitempty"`
	CopyImages          bool `json:"copy_images,omitempty"`
	SubfolderProject    bool `json:"subfolder_project,omitempty"`

	// NeedsUpload declares that this job's inputs were uploaded to the
	// master as a zip bundle; the slave must fetch and extract them
	// before ProjectFile can be opened.
	NeedsUpload bool `json:"needs_upload,omitempty"`

	// Runtime state.
	Status        JobStatus `json:"status"`
	Progress      float64   `json:"progress"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	StartTime     *int64    `json:"start_time,omitempty"`
	EndTime       *int64    `json:"end_time,omitempty"`
	AssignedSlave string    `json:"assigned_slave,omitempty"`
}

// ProjectName returns the base name of ProjectFile, used in log lines.
func (j *RenderJob) ProjectName() string {
	s := j.ProjectFile
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' || s[i] == '\\' {
			return s[i+1:]
		}
	}
	return s
}

// ElapsedTime returns the job's run duration. Zero if it never started.
func (j *RenderJob) ElapsedTime() time.Duration {
	if j.StartTime == nil {
		return 0
	}
	end := time.Now().UnixMilli()
	if j.EndTime != nil {
		end = *j.EndTime
	}
	return time.Duration(end-*j.StartTime) * time.Millisecond
}

// ResetForRequeue clears runtime state so the job can run again. Used
// by retry, load-from-file, and slave-loss requeue.
func (j *RenderJob) ResetForRequeue() {
	j.Status = StatusPending
	j.Progress = 0
	j.ErrorMessage = ""
	j.StartTime = nil
	j.EndTime = nil
}

// Clone returns a deep-enough copy for duplication; pointer flag
// fields are shared (never mutated in place).
func (j *RenderJob) Clone() *RenderJob {
	c := *j
	return &c
}

// SlaveStatus is the reported/derived liveness state of a farm slave.
type SlaveStatus string

const (
	SlaveIdle      SlaveStatus = "idle"
	SlaveRendering SlaveStatus = "rendering"
	SlaveOffline   SlaveStatus = "offline"
)

// SlaveInfo is the master's per-slave bookkeeping record.
type SlaveInfo struct {
	Hostname      string      `json:"hostname"`
	IP            string      `json:"ip"`
	Port          int         `json:"port"`
	Status        SlaveStatus `json:"status"`
	CurrentJobID  string      `json:"current_job_id"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	JobsCompleted int         `json:"jobs_completed"`
	JobsFailed    int         `json:"jobs_failed"`
}

// Address is the map key the master indexes slaves by: ip:port.
func (s *SlaveInfo) Address() string {
	return addr(s.IP, s.Port)
}

func addr(ip string, port int) string {
	return ip + ":" + strconv.Itoa(port)
}

// LivenessWindow is the default slave liveness threshold: no heartbeat
// within this window means the sweeper treats the slave as offline.
// MasterConfig.LivenessWindow can override it per deployment.
const LivenessWindow = 30 * time.Second

// QueueDocument is the persisted save/load format: {"version":"1.0","jobs":[...]}.
type QueueDocument struct {
	Version string       `json:"version"`
	Jobs    []*RenderJob `json:"jobs"`
}
