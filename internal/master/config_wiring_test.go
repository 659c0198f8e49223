package master

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mohofarm/renderfarm/internal/config"
	"github.com/stretchr/testify/require"
)

// Guards against config.MasterConfig fields being parsed but never
// consumed: loads a YAML document and checks the values actually land
// on State and Sweeper, not just that config.Load decodes them.
func TestMasterConfigReachesStateAndSweeper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.yaml")
	doc := "master:\n  liveness_window: 2s\n  sweep_interval: 500ms\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	srv := NewServer(":0", t.TempDir(), nil, nil)
	srv.State().SetLivenessWindow(cfg.Master.LivenessWindow)
	require.Equal(t, 2*time.Second, srv.State().livenessWindow)

	sw := NewSweeper(srv, cfg.Master.SweepInterval, nil)
	require.Equal(t, 500*time.Millisecond, sw.interval)
}
