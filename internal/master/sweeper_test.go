package master

import (
	"testing"
	"time"

	"github.com/mohofarm/renderfarm/pkg/farmtypes"
	"github.com/stretchr/testify/require"
)

func TestSweepRequeuesLostSlaveJob(t *testing.T) {
	srv := NewServer(":0", t.TempDir(), nil, nil)
	slave := registeredSlave(srv.state, "10.0.0.1:9001")
	require.NoError(t, srv.state.AddJob(&farmtypes.RenderJob{ID: "j1"}))
	_, err := srv.state.GetJob("10.0.0.1:9001")
	require.NoError(t, err)

	slave.LastHeartbeat = time.Now().Add(-time.Minute)

	sw := NewSweeper(srv, 0, nil)
	sw.sweep()

	require.Equal(t, 1, srv.state.Stats()["pending"])
	require.Equal(t, 0, srv.state.Stats()["active"])
}
