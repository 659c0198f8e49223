// Package config loads the YAML configuration file shared by the
// local, master, and slave run modes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level document. Every section has a built-in
// default, applied by Load when the file is absent or a section is
// omitted.
type Config struct {
	Renderer RendererConfig `yaml:"renderer"`
	Queue    QueueConfig    `yaml:"queue"`
	Master   MasterConfig   `yaml:"master"`
	Slave    SlaveConfig    `yaml:"slave"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// RendererConfig locates the external render executable and its log
// output directory.
type RendererConfig struct {
	Path   string `yaml:"path"`
	LogDir string `yaml:"log_dir"`
}

// QueueConfig tunes LocalQueue.
type QueueConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SnapshotPath  string `yaml:"snapshot_path"`
}

// MasterConfig tunes the MasterServer.
type MasterConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	BlobDir        string        `yaml:"blob_dir"`
	LivenessWindow time.Duration `yaml:"liveness_window"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// SlaveConfig tunes the SlaveClient.
type SlaveConfig struct {
	MasterURL     string `yaml:"master_url"`
	Hostname      string `yaml:"hostname"`
	Port          int    `yaml:"port"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// MetricsConfig controls the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns the built-in configuration used when no file is
// given or a path doesn't exist.
func Default() *Config {
	return &Config{
		Renderer: RendererConfig{
			Path:   "MohoRender",
			LogDir: "logs",
		},
		Queue: QueueConfig{
			MaxConcurrent: 2,
			SnapshotPath:  "queue.json",
		},
		Master: MasterConfig{
			ListenAddr:     ":5580",
			BlobDir:        "blobs",
			LivenessWindow: 30 * time.Second,
			SweepInterval:  10 * time.Second,
		},
		Slave: SlaveConfig{
			MasterURL:     "http://localhost:5580",
			MaxConcurrent: 1,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load reads path and overlays it onto Default(). A missing file is
// not an error: the caller gets the built-in defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return cfg, nil
}
