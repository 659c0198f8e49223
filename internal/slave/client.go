// Package slave implements the SlaveClient component: a long-lived
// presence against one MasterServer that leases jobs and renders them
// locally.
package slave

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mohofarm/renderfarm/internal/observer"
	"github.com/mohofarm/renderfarm/internal/supervisor"
	"github.com/mohofarm/renderfarm/pkg/farmtypes"
)

const (
	heartbeatInterval  = 10 * time.Second
	pollIntervalIdle   = 3 * time.Second
	registerRetryDelay = 5 * time.Second
)

// Config configures a Client.
type Config struct {
	MasterURL     string
	Hostname      string
	Port          int
	MaxConcurrent int
	RendererPath  string
	LogDir        string
	Observer      observer.Observer
	Logger        *slog.Logger
}

type activeRender struct {
	sup   *supervisor.Supervisor
	jobID string
}

// Client is the SlaveClient: it registers with a master, polls for
// work, runs it through a local supervisor, and reports back.
type Client struct {
	cfg Config
	obs observer.Observer
	log *slog.Logger
	http *retryablehttp.Client

	mu            sync.Mutex
	registered    bool
	activeRenders map[int]*activeRender

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Client from cfg. MaxConcurrent defaults to 1 if unset.
func New(cfg Config) *Client {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Observer == nil {
		cfg.Observer = observer.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	httpClient := retryablehttp.NewClient()
	httpClient.Logger = nil // silences retryablehttp's default stdlib logger; callers log failures through c.log
	httpClient.RetryMax = 3

	return &Client{
		cfg:           cfg,
		obs:           cfg.Observer,
		log:           cfg.Logger,
		http:          httpClient,
		activeRenders: make(map[int]*activeRender),
		stopCh:        make(chan struct{}),
	}
}

// Start spawns cfg.MaxConcurrent worker loops plus one heartbeat loop.
func (c *Client) Start() {
	c.wg.Add(c.cfg.MaxConcurrent + 1)
	for i := 0; i < c.cfg.MaxConcurrent; i++ {
		go c.workerLoop(i)
	}
	go c.heartbeatLoop()
}

// Stop signals every loop to exit and cancels in-flight renders.
func (c *Client) Stop() {
	close(c.stopCh)
	c.mu.Lock()
	for _, ar := range c.activeRenders {
		ar.sup.Cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Client) workerLoop(workerID int) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if !c.isRegistered() {
			if err := c.register(); err != nil {
				c.log.Warn("registration failed, retrying", "error", err)
				c.sleep(registerRetryDelay)
				continue
			}
		}

		job, err := c.getJob()
		if err != nil {
			c.log.Warn("get_job failed", "error", err)
			c.markUnregistered()
			c.sleep(registerRetryDelay)
			continue
		}
		if job == nil {
			c.sleep(pollIntervalIdle)
			continue
		}

		c.runJob(workerID, job)
	}
}

func (c *Client) runJob(workerID int, job *farmtypes.RenderJob) {
	cleanup, err := c.stageJobFiles(job)
	if err != nil {
		c.log.Warn("file staging failed", "job_id", job.ID, "error", err)
		job.Status = farmtypes.StatusFailed
		job.ErrorMessage = err.Error()
		c.obs.OnJobFailed(job)
		if err := c.reportComplete(job); err != nil {
			c.log.Warn("job_complete report failed", "job_id", job.ID, "error", err)
		}
		return
	}
	defer cleanup()

	sup := supervisor.New(c.cfg.RendererPath, c.cfg.LogDir)
	c.mu.Lock()
	c.activeRenders[workerID] = &activeRender{sup: sup, jobID: job.ID}
	c.mu.Unlock()

	c.obs.OnJobStarted(job)
	sinks := supervisor.Sinks{
		OnOutput: c.obs.OnOutput,
		OnProgress: func(p float64) {
			job.Progress = p
			c.obs.OnProgress(job, p)
		},
	}
	result := sup.Render(job, sinks)

	c.mu.Lock()
	delete(c.activeRenders, workerID)
	c.mu.Unlock()

	switch result.Status {
	case farmtypes.StatusCompleted, farmtypes.StatusCancelled:
		c.obs.OnJobCompleted(result)
	case farmtypes.StatusFailed:
		c.obs.OnJobFailed(result)
	}
	if err := c.reportComplete(result); err != nil {
		c.log.Warn("job_complete report failed", "job_id", result.ID, "error", err)
	}
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			signals, forceUpdate, err := c.heartbeat()
			if err != nil {
				c.markUnregistered()
				continue
			}
			for _, jobID := range signals {
				c.cancelJob(jobID)
			}
			if forceUpdate {
				// Auto-update staging is an external collaborator the
				// core only signals towards; nothing to do here.
				c.log.Info("master requested update staging")
			}
		}
	}
}

func (c *Client) cancelJob(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ar := range c.activeRenders {
		if ar.jobID == jobID {
			ar.sup.Cancel()
		}
	}
}

func (c *Client) isRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *Client) markUnregistered() {
	c.mu.Lock()
	c.registered = false
	c.mu.Unlock()
}

func (c *Client) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-c.stopCh:
	}
}

type registerRequest struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

func (c *Client) register() error {
	body, _ := json.Marshal(registerRequest{Hostname: c.cfg.Hostname, Port: c.cfg.Port})
	resp, err := c.post("/api/register", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
	return nil
}

type heartbeatRequest struct {
	Port       int    `json:"port"`
	Status     string `json:"status"`
	ActiveJobs int    `json:"active_jobs"`
}

type heartbeatResponse struct {
	CancelJobs  []string `json:"cancel_jobs"`
	ForceUpdate bool     `json:"force_update"`
}

func (c *Client) heartbeat() ([]string, bool, error) {
	c.mu.Lock()
	active := len(c.activeRenders)
	c.mu.Unlock()

	status := farmtypes.SlaveIdle
	if active > 0 {
		status = farmtypes.SlaveRendering
	}
	body, _ := json.Marshal(heartbeatRequest{Port: c.cfg.Port, Status: string(status), ActiveJobs: active})
	resp, err := c.post("/api/heartbeat", body)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	var hb heartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&hb); err != nil {
		return nil, false, err
	}
	return hb.CancelJobs, hb.ForceUpdate, nil
}

func (c *Client) getJob() (*farmtypes.RenderJob, error) {
	url := fmt.Sprintf("%s/api/get_job?port=%d", c.cfg.MasterURL, c.cfg.Port)
	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		c.markUnregistered()
		return nil, nil
	}

	var out struct {
		Job *farmtypes.RenderJob `json:"job"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Job, nil
}

type jobCompleteRequest struct {
	Port      int    `json:"port"`
	JobID     string `json:"job_id"`
	Success   bool   `json:"success"`
	Cancelled bool   `json:"cancelled"`
	Error     string `json:"error"`
}

func (c *Client) reportComplete(job *farmtypes.RenderJob) error {
	body, _ := json.Marshal(jobCompleteRequest{
		Port:      c.cfg.Port,
		JobID:     job.ID,
		Success:   job.Status == farmtypes.StatusCompleted,
		Cancelled: job.Status == farmtypes.StatusCancelled,
		Error:     job.ErrorMessage,
	})
	resp, err := c.post("/api/job_complete", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// stageJobFiles downloads and extracts a job's uploaded input bundle
// into a fresh temporary directory, rewriting job.ProjectFile to point
// into it. If the job declares no upload, it returns a no-op cleanup.
// The returned cleanup always removes the temporary directory and (if
// a bundle was fetched) requests the master delete its copy, whether
// the render that follows succeeds or fails.
func (c *Client) stageJobFiles(job *farmtypes.RenderJob) (func(), error) {
	if !job.NeedsUpload {
		return func() {}, nil
	}

	tempDir, err := os.MkdirTemp("", "renderfarm-"+job.ID+"-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	cleanup := func() {
		os.RemoveAll(tempDir)
		c.requestCleanup(job.ID)
	}

	zipPath := filepath.Join(tempDir, "bundle.zip")
	if err := c.downloadFile(job.ID, zipPath); err != nil {
		cleanup()
		return nil, fmt.Errorf("download_files: %w", err)
	}
	if err := extractZip(zipPath, tempDir); err != nil {
		cleanup()
		return nil, fmt.Errorf("extract bundle: %w", err)
	}

	job.ProjectFile = filepath.Join(tempDir, filepath.Base(job.ProjectFile))
	return cleanup, nil
}

func (c *Client) downloadFile(jobID, destPath string) error {
	url := fmt.Sprintf("%s/api/download_files/%s", c.cfg.MasterURL, jobID)
	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}

func (c *Client) requestCleanup(jobID string) {
	url := fmt.Sprintf("%s/api/cleanup_files/%s", c.cfg.MasterURL, jobID)
	req, err := retryablehttp.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("cleanup_files request failed", "job_id", jobID, "error", err)
		return
	}
	resp.Body.Close()
}

// extractZip unpacks zipPath into destDir, rejecting any entry whose
// path would escape destDir.
func extractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, entry := range r.File {
		target := filepath.Join(destDir, entry.Name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("illegal file path in bundle: %s", entry.Name)
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := extractZipEntry(entry, target); err != nil {
			return err
		}
	}
	return nil
}

func extractZipEntry(entry *zip.File, target string) error {
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, entry.Mode())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, rc)
	return err
}

func (c *Client) post(path string, body []byte) (*http.Response, error) {
	req, err := retryablehttp.NewRequest(http.MethodPost, c.cfg.MasterURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}
