// Package supervisor spawns and monitors one external render-process
// invocation per RenderJob.
//
// Lifecycle of one Render call:
//
//	┌──────────────────────────────────────────────────────┐
//	│ Render(job, sinks)                                    │
//	│  ├─ preconditions (copy images / mkdir / log path)   │
//	│  ├─ spawn external process, pipe stdout+stderr        │
//	│  ├─ go stdoutReader()   ─┐                            │
//	│  ├─ go stderrReader()    ├─ joined via sync.WaitGroup │
//	│  ├─ go fileMonitor()    ─┘   before Render returns    │
//	│  ├─ cmd.Wait()                                        │
//	│  └─ classify outcome (§4.1 tie-break on cancel)       │
//	└──────────────────────────────────────────────────────┘
//
// All three observers are joined before Render returns: a later job's
// output must never interleave with a previous job's trailing log
// lines, since the caller starts its next job on the same worker (and
// the same sinks) as soon as Render returns.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohofarm/renderfarm/pkg/farmtypes"
)

// ErrRendererNotFound is returned when the configured executable path
// does not exist or is not runnable.
var ErrRendererNotFound = errors.New("render executable not found")

const (
	heartbeatInterval = 5 * time.Second
	terminateGrace    = 5 * time.Second
	stderrTailLimit   = 500
)

// Sinks are the two observable outputs render(job, sinks) emits
// without ever holding the caller's queue lock; completion is reported
// through Render's return value.
type Sinks struct {
	OnOutput   func(line string)
	OnProgress func(progress float64)
}

func (s Sinks) output(line string) {
	if s.OnOutput != nil {
		s.OnOutput(line)
	}
}

func (s Sinks) progress(p float64) {
	if s.OnProgress != nil {
		s.OnProgress(p)
	}
}

// Supervisor owns at most one running external process at a time. A
// fresh Supervisor is created for each job (its cancel flag is never
// reset); Cancel may be called concurrently with Render from another
// goroutine.
type Supervisor struct {
	rendererPath string
	logDir       string

	mu        sync.Mutex
	cmd       *exec.Cmd
	cancelled atomic.Bool
}

// New creates a Supervisor bound to one external renderer executable.
// logDir is the known user-data location log files are synthesized
// under when a job requests verbose logging without an explicit path.
func New(rendererPath, logDir string) *Supervisor {
	return &Supervisor{rendererPath: rendererPath, logDir: logDir}
}

// Render executes job against the external tool, mutating job in place
// and returning it. No error ever propagates past this boundary — any
// internal failure is mapped onto job.Status=failed with ErrorMessage
// set.
func (s *Supervisor) Render(job *farmtypes.RenderJob, sinks Sinks) *farmtypes.RenderJob {
	now := time.Now().UnixMilli()
	job.Status = farmtypes.StatusRendering
	job.StartTime = &now

	if _, err := os.Stat(s.rendererPath); err != nil {
		return s.fail(job, fmt.Sprintf("%v: %s", ErrRendererNotFound, s.rendererPath))
	}

	if err := s.ensurePreconditions(job); err != nil {
		return s.fail(job, err.Error())
	}

	args := buildCommand(s.rendererPath, job)
	cmd := exec.Command(args[0], args[1:]...)
	configurePlatform(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.fail(job, fmt.Sprintf("stdout pipe: %v", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.fail(job, fmt.Sprintf("stderr pipe: %v", err))
	}

	s.mu.Lock()
	s.cmd = cmd
	cancelledAlready := s.cancelled.Load()
	s.mu.Unlock()

	if cancelledAlready {
		return s.finish(job, farmtypes.StatusCancelled, "")
	}

	if err := cmd.Start(); err != nil {
		return s.fail(job, fmt.Sprintf("spawn error: %v", err))
	}

	var wg sync.WaitGroup
	wg.Add(3)

	var stderrBuf strings.Builder
	var stderrMu sync.Mutex
	done := make(chan struct{})

	go s.stdoutReader(&wg, stdout, sinks)
	go s.stderrReader(&wg, stderr, &stderrBuf, &stderrMu)
	go s.fileMonitor(&wg, job, sinks, done)

	waitErr := cmd.Wait()
	close(done)
	wg.Wait()

	if s.cancelled.Load() {
		return s.finish(job, farmtypes.StatusCancelled, "")
	}
	if waitErr == nil {
		job.Progress = 100
		sinks.progress(100)
		return s.finish(job, farmtypes.StatusCompleted, "")
	}

	stderrMu.Lock()
	tail := tailString(stderrBuf.String(), stderrTailLimit)
	stderrMu.Unlock()
	if tail == "" {
		tail = waitErr.Error()
	}
	return s.finish(job, farmtypes.StatusFailed, tail)
}

// Cancel requests that the running process stop. It is idempotent and
// non-blocking: it sets a flag and signals the process; the caller's
// goroutine running Render continues until the process actually exits.
// A second attempt after terminateGrace escalates to kill.
func (s *Supervisor) Cancel() {
	s.cancelled.Store(true)

	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(os.Interrupt)
	go func() {
		timer := time.NewTimer(terminateGrace)
		defer timer.Stop()
		<-timer.C
		s.mu.Lock()
		proc := s.cmd
		s.mu.Unlock()
		if proc != nil && proc.ProcessState == nil {
			_ = proc.Process.Kill()
		}
	}()
}

func (s *Supervisor) stdoutReader(wg *sync.WaitGroup, r io.Reader, sinks Sinks) {
	defer wg.Done()

	var highestFrame, totalFrames int
	var firstFrameAt time.Time
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case isNoise(line):
			// filtered, not forwarded
		case isDoneMarker(line):
			elapsed := time.Duration(0)
			if !firstFrameAt.IsZero() {
				elapsed = time.Since(firstFrameAt)
			}
			var perFrame time.Duration
			if highestFrame > 0 {
				perFrame = elapsed / time.Duration(highestFrame)
			}
			sinks.output(fmt.Sprintf("Done! %d/%d frames, %s/frame", highestFrame, totalFrames, perFrame))
		default:
			if fp, ok := parseFrameLine(line); ok {
				if firstFrameAt.IsZero() {
					firstFrameAt = time.Now()
				}
				highestFrame = fp.frame
				totalFrames = fp.total
				if fp.total > 0 {
					// Capped at 99: only a zero exit code (classified
					// in Render) reports 100.
					p := float64(fp.current) / float64(fp.total) * 100
					if p > 99 {
						p = 99
					}
					sinks.progress(p)
				}
				// per-frame lines are not forwarded verbatim; the tool
				// emits them in a batch at process end, which is noisy.
				continue
			}
			sinks.output(line)
		}
	}
}

func (s *Supervisor) stderrReader(wg *sync.WaitGroup, r io.Reader, buf *strings.Builder, mu *sync.Mutex) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		mu.Lock()
		buf.WriteString(scanner.Text())
		buf.WriteString("\n")
		mu.Unlock()
	}
}

// fileMonitor is the third observer: wakes every heartbeatInterval and
// reports elapsed time plus best-effort progress evidence read off the
// output directory. Errors reading the output directory are swallowed —
// this is a best-effort observer, never an authority on outcome.
func (s *Supervisor) fileMonitor(wg *sync.WaitGroup, job *farmtypes.RenderJob, sinks Sinks, done <-chan struct{}) {
	defer wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	var videoFirstSeen time.Time
	var lastVideoSize int64

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			elapsed := time.Duration(0)
			if job.StartTime != nil {
				elapsed = time.Since(time.UnixMilli(*job.StartTime))
			}

			if isImageSequenceFormat(job.Format) && job.OutputPath != "" {
				dir, stem, ext := splitOutputSpec(job.OutputPath)
				p := imageSequenceProgress(dir, stem, ext, framesInRange(job))
				sinks.progress(p)
				sinks.output(heartbeatLine(elapsed, p))
			} else if job.OutputPath != "" {
				info, err := os.Stat(job.OutputPath)
				if err == nil {
					if videoFirstSeen.IsZero() || info.Size() > lastVideoSize {
						if videoFirstSeen.IsZero() {
							videoFirstSeen = time.Now()
						}
						lastVideoSize = info.Size()
						p := videoFileProgress(videoFirstSeen)
						sinks.progress(p)
						sinks.output(heartbeatLine(elapsed, p))
					}
				}
			} else {
				sinks.output(heartbeatLine(elapsed, job.Progress))
			}
		}
	}
}

func (s *Supervisor) ensurePreconditions(job *farmtypes.RenderJob) error {
	if job.CopyImages {
		src := filepath.Join(filepath.Dir(job.ProjectFile), "Images")
		dst := filepath.Dir(job.ProjectFile)
		if _, err := os.Stat(src); err == nil {
			if err := copyTreeNoOverwrite(src, dst); err != nil {
				return fmt.Errorf("copy images: %w", err)
			}
		}
	}

	outDir := job.OutputPath
	if filepath.Ext(outDir) != "" {
		outDir = filepath.Dir(outDir)
	}
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	if job.Verbose && job.LogFile == "" {
		name := fmt.Sprintf("%s.log", job.ID)
		job.LogFile = filepath.Join(s.logDir, "logs", name)
		if err := os.MkdirAll(filepath.Dir(job.LogFile), 0755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	return nil
}

func (s *Supervisor) fail(job *farmtypes.RenderJob, msg string) *farmtypes.RenderJob {
	return s.finish(job, farmtypes.StatusFailed, msg)
}

func (s *Supervisor) finish(job *farmtypes.RenderJob, status farmtypes.JobStatus, errMsg string) *farmtypes.RenderJob {
	now := time.Now().UnixMilli()
	job.Status = status
	job.ErrorMessage = errMsg
	job.EndTime = &now
	return job
}

func tailString(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}

// isImageSequenceFormat reports whether format writes one file per
// frame rather than one growing video container.
func isImageSequenceFormat(format string) bool {
	switch strings.ToLower(format) {
	case "png", "tga", "jpg", "jpeg", "tiff", "exr", "sequence":
		return true
	default:
		return false
	}
}

// splitOutputSpec splits an output path into directory, file stem and
// extension for the image-sequence file-count heuristic.
func splitOutputSpec(outputPath string) (dir, stem, ext string) {
	dir = filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	ext = filepath.Ext(base)
	stem = strings.TrimSuffix(base, ext)
	return dir, stem, ext
}

// framesInRange returns the expected frame count from the job's
// configured start/end range, or 1 to avoid division by zero when the
// range is unset.
func framesInRange(job *farmtypes.RenderJob) int {
	if job.StartFrame == nil || job.EndFrame == nil {
		return 1
	}
	n := *job.EndFrame - *job.StartFrame + 1
	if n <= 0 {
		return 1
	}
	return n
}

// copyTreeNoOverwrite copies src into dst, never overwriting a file
// that already exists at the destination path.
func copyTreeNoOverwrite(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if _, err := os.Stat(target); err == nil {
			return nil // never overwrite existing content
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0644)
	})
}
