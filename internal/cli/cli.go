// Package cli builds the renderfarm command tree: run the engine in
// local, master, or slave mode, submit jobs, and query status.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mohofarm/renderfarm/internal/compose"
	"github.com/mohofarm/renderfarm/internal/config"
	"github.com/mohofarm/renderfarm/internal/ipc"
	"github.com/mohofarm/renderfarm/internal/localqueue"
	"github.com/mohofarm/renderfarm/internal/master"
	"github.com/mohofarm/renderfarm/internal/metrics"
	"github.com/mohofarm/renderfarm/internal/observer"
	"github.com/mohofarm/renderfarm/internal/slave"
	"github.com/mohofarm/renderfarm/internal/snapshot"
	"github.com/mohofarm/renderfarm/pkg/farmtypes"
	"github.com/spf13/cobra"
)

var configFile string

// BuildCLI assembles the root command and its full subcommand tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "renderfarm",
		Short: "renderfarm: local and distributed Moho render coordination",
		Long: `renderfarm runs RenderJobs through a local worker pool, or
coordinates a farm of slave machines through a single master server.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one component of the engine",
	}
	runCmd.AddCommand(buildRunLocalCommand())
	runCmd.AddCommand(buildRunMasterCommand())
	runCmd.AddCommand(buildRunSlaveCommand())

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	return config.Load(configFile)
}

// absPaths resolves each path to absolute form, matching the wire
// shape ipc.Payload carries between instances.
func absPaths(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		out = append(out, abs)
	}
	return out, nil
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

func startMetricsIfEnabled(cfg *config.Config) {
	if !cfg.Metrics.Enabled {
		return
	}
	go func() {
		if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()
}

func buildRunLocalCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "local [project files...]",
		Short: "Run the local worker pool against the configured renderer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocal(args)
		},
	}
}

// runLocal enforces spec §6's single-instance rule: the first process
// to bind the ipc port owns the local queue for the machine; any later
// invocation forwards its project files to that owner instead of
// starting a second queue.
func runLocal(files []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	startMetricsIfEnabled(cfg)

	absFiles, err := absPaths(files)
	if err != nil {
		return fmt.Errorf("resolve project files: %w", err)
	}

	var obs observer.Observer = observer.NewLogging(slog.Default())
	var q *localqueue.Queue
	if cfg.Metrics.Enabled {
		obs = &metrics.Observing{
			Next:      obs,
			Collector: metrics.NewCollector(),
			QueueStats: func() (int, int) {
				return q.PendingCount(), len(q.CurrentJobs())
			},
		}
	}
	q = localqueue.New(cfg.Renderer.Path, cfg.Renderer.LogDir, obs, compose.Nop{})

	listener, err := ipc.Acquire(ipc.DefaultPort, func(p ipc.Payload) {
		for _, f := range p.Files {
			q.Add(&farmtypes.RenderJob{ID: uuid.New().String()[:8], ProjectFile: f})
		}
	})
	if err != nil {
		if len(absFiles) == 0 {
			return fmt.Errorf("acquire ipc port: %w", err)
		}
		slog.Info("another local instance is already running, forwarding files to it", "count", len(absFiles))
		return ipc.Forward(ipc.DefaultPort, ipc.Payload{Files: absFiles})
	}
	defer listener.Close()

	mgr := snapshot.NewManager(cfg.Queue.SnapshotPath)
	if err := q.Load(mgr, false); err != nil {
		slog.Warn("error loading queue snapshot", "error", err)
	}
	for _, f := range absFiles {
		q.Add(&farmtypes.RenderJob{ID: uuid.New().String()[:8], ProjectFile: f})
	}

	q.Start(cfg.Queue.MaxConcurrent)
	slog.Info("local queue running", "max_concurrent", cfg.Queue.MaxConcurrent)

	waitForSignal()
	slog.Info("stopping local queue")
	q.Stop()

	if err := q.Save(mgr); err != nil {
		return fmt.Errorf("save queue snapshot: %w", err)
	}
	return nil
}

func buildRunMasterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "master",
		Short: "Run the MasterServer that coordinates a farm of slaves",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaster()
		},
	}
}

func runMaster() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	startMetricsIfEnabled(cfg)

	var obs observer.Observer = observer.NewLogging(slog.Default())
	var collector *metrics.Collector
	var srv *master.Server
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		obs = &metrics.Observing{
			Next:      obs,
			Collector: collector,
			QueueStats: func() (int, int) {
				stats := srv.State().Stats()
				return stats["pending"], stats["active"]
			},
		}
	}
	srv = master.NewServer(cfg.Master.ListenAddr, cfg.Master.BlobDir, obs, slog.Default())
	srv.State().SetLivenessWindow(cfg.Master.LivenessWindow)
	sweeper := master.NewSweeper(srv, cfg.Master.SweepInterval, collector)
	sweeper.Start()

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("master server stopped", "error", err)
		}
	}()
	slog.Info("master server running", "addr", cfg.Master.ListenAddr)

	waitForSignal()
	slog.Info("stopping master server")
	sweeper.Stop()
	return srv.Shutdown()
}

func buildRunSlaveCommand() *cobra.Command {
	var hostname string
	var port int

	cmd := &cobra.Command{
		Use:   "slave",
		Short: "Run a SlaveClient that leases jobs from a master",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSlave(hostname, port)
		},
	}
	cmd.Flags().StringVar(&hostname, "hostname", "", "hostname reported to the master (defaults to os.Hostname())")
	cmd.Flags().IntVar(&port, "port", 0, "port reported to the master (overrides config)")
	return cmd
}

func runSlave(hostname string, port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	startMetricsIfEnabled(cfg)

	if hostname == "" {
		hostname = cfg.Slave.Hostname
	}
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	if port == 0 {
		port = cfg.Slave.Port
	}

	var obs observer.Observer = observer.NewLogging(slog.Default())
	if cfg.Metrics.Enabled {
		obs = &metrics.Observing{Next: obs, Collector: metrics.NewCollector()}
	}

	c := slave.New(slave.Config{
		MasterURL:     cfg.Slave.MasterURL,
		Hostname:      hostname,
		Port:          port,
		MaxConcurrent: cfg.Slave.MaxConcurrent,
		RendererPath:  cfg.Renderer.Path,
		LogDir:        cfg.Renderer.LogDir,
		Observer:      obs,
	})
	c.Start()
	slog.Info("slave client running", "master", cfg.Slave.MasterURL, "max_concurrent", cfg.Slave.MaxConcurrent)

	waitForSignal()
	slog.Info("stopping slave client")
	c.Stop()
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var jobFile string
	var masterAddr string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit jobs from a JSON file to a local queue or a remote master",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			return submitJobs(jobFile, masterAddr)
		},
	}
	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing an array of RenderJob documents")
	cmd.Flags().StringVar(&masterAddr, "master", "", "master base URL (e.g. http://localhost:5580); submits locally when omitted")
	cmd.MarkFlagRequired("file")
	return cmd
}

func submitJobs(filePath, masterAddr string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read job file: %w", err)
	}

	var jobs []*farmtypes.RenderJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse job file: %w", err)
	}
	for _, job := range jobs {
		if job.ID == "" {
			job.ID = uuid.New().String()[:8]
		}
	}

	if masterAddr != "" {
		return submitRemote(jobs, masterAddr)
	}
	return submitLocal(jobs)
}

func submitRemote(jobs []*farmtypes.RenderJob, masterAddr string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	submitted := 0
	for _, job := range jobs {
		body, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", job.ID, err)
		}
		resp, err := client.Post(masterAddr+"/api/add_job", "application/json", bytes.NewReader(body))
		if err != nil {
			slog.Warn("submit failed", "job_id", job.ID, "error", err)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			slog.Warn("master rejected job", "job_id", job.ID, "status", resp.StatusCode)
			continue
		}
		submitted++
	}
	fmt.Printf("submitted %d/%d jobs to %s\n", submitted, len(jobs), masterAddr)
	return nil
}

func submitLocal(jobs []*farmtypes.RenderJob) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mgr := snapshot.NewManager(cfg.Queue.SnapshotPath)
	q := localqueue.New(cfg.Renderer.Path, cfg.Renderer.LogDir, observer.Nop{}, compose.Nop{})
	if err := q.Load(mgr, false); err != nil {
		slog.Warn("error loading queue snapshot", "error", err)
	}
	for _, job := range jobs {
		q.Add(job)
	}
	if err := q.Save(mgr); err != nil {
		return fmt.Errorf("save queue snapshot: %w", err)
	}
	fmt.Printf("added %d jobs to %s\n", len(jobs), cfg.Queue.SnapshotPath)
	return nil
}

func buildStatusCommand() *cobra.Command {
	var masterAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue or farm status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if masterAddr != "" {
				return showRemoteStatus(masterAddr)
			}
			return showLocalStatus()
		},
	}
	cmd.Flags().StringVar(&masterAddr, "master", "", "master base URL; shows the local queue snapshot when omitted")
	return cmd
}

func showRemoteStatus(masterAddr string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(masterAddr + "/api/status")
	if err != nil {
		return fmt.Errorf("query master status: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Slaves map[string]*farmtypes.SlaveInfo `json:"slaves"`
		Counts map[string]int                  `json:"counts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode master status: %w", err)
	}

	fmt.Printf("Master: %s\n", masterAddr)
	fmt.Printf("Jobs: pending=%d reserved=%d active=%d completed=%d failed=%d\n",
		out.Counts["pending"], out.Counts["reserved"], out.Counts["active"],
		out.Counts["completed"], out.Counts["failed"])
	fmt.Printf("Slaves: %d registered\n", len(out.Slaves))
	for _, s := range out.Slaves {
		fmt.Printf("  - %s status=%s current_job=%s\n", s.Address(), s.Status, s.CurrentJobID)
	}
	return nil
}

func showLocalStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mgr := snapshot.NewManager(cfg.Queue.SnapshotPath)
	q := localqueue.New(cfg.Renderer.Path, cfg.Renderer.LogDir, observer.Nop{}, compose.Nop{})
	if err := q.Load(mgr, false); err != nil {
		return fmt.Errorf("load queue snapshot: %w", err)
	}

	fmt.Printf("Queue: %s\n", cfg.Queue.SnapshotPath)
	fmt.Printf("Total: %d  Pending: %d  Completed: %d  Failed: %d\n",
		q.TotalJobs(), q.PendingCount(), q.CompletedCount(), q.FailedCount())
	return nil
}
