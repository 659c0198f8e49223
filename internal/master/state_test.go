package master

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/mohofarm/renderfarm/pkg/farmtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registeredSlave(s *State, addr string) *farmtypes.SlaveInfo {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		panic(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		panic(err)
	}
	info := &farmtypes.SlaveInfo{Hostname: "h", IP: host, Port: port}
	s.RegisterSlave(info)
	return info
}

func TestAddAndLeaseJobFIFO(t *testing.T) {
	s := NewState()
	registeredSlave(s, "10.0.0.1:9001")

	require.NoError(t, s.AddJob(&farmtypes.RenderJob{ID: "j1", ProjectFile: "/a.moho"}))
	require.NoError(t, s.AddJob(&farmtypes.RenderJob{ID: "j2", ProjectFile: "/b.moho"}))

	job, err := s.GetJob("10.0.0.1:9001")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, farmtypes.StatusRendering, job.Status)
	assert.Equal(t, "10.0.0.1:9001", job.AssignedSlave)
}

func TestGetJobRejectsUnregisteredSlave(t *testing.T) {
	s := NewState()
	_, err := s.GetJob("1.2.3.4:9000")
	assert.ErrorIs(t, err, ErrSlaveNotFound)
}

func TestReservationBypassesFIFO(t *testing.T) {
	s := NewState()
	registeredSlave(s, "10.0.0.1:9001")
	registeredSlave(s, "10.0.0.2:9002")
	require.NoError(t, s.AddJob(&farmtypes.RenderJob{ID: "j1"}))
	require.NoError(t, s.AddJob(&farmtypes.RenderJob{ID: "j2"}))

	require.NoError(t, s.Reserve("j2", "10.0.0.2:9002"))

	job, err := s.GetJob("10.0.0.2:9002")
	require.NoError(t, err)
	assert.Equal(t, "j2", job.ID)

	job, err = s.GetJob("10.0.0.1:9001")
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
}

func TestReservationForDeadSlaveFallsBackToPendingHead(t *testing.T) {
	s := NewState()
	registeredSlave(s, "10.0.0.1:9001")
	require.NoError(t, s.AddJob(&farmtypes.RenderJob{ID: "j1"}))

	err := s.Reserve("j1", "10.0.0.9:9999")
	require.NoError(t, err)

	job, err := s.GetJob("10.0.0.1:9001")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j1", job.ID)
}

func TestCompleteJobSuccessAndFailure(t *testing.T) {
	s := NewState()
	registeredSlave(s, "10.0.0.1:9001")
	require.NoError(t, s.AddJob(&farmtypes.RenderJob{ID: "j1"}))
	_, err := s.GetJob("10.0.0.1:9001")
	require.NoError(t, err)

	require.NoError(t, s.CompleteJob("j1", "10.0.0.1:9001", true, false, ""))
	stats := s.Stats()
	assert.Equal(t, 1, stats["completed"])
	assert.Equal(t, 0, stats["active"])
}

func TestCompleteJobRejectsWrongSlave(t *testing.T) {
	s := NewState()
	registeredSlave(s, "10.0.0.1:9001")
	require.NoError(t, s.AddJob(&farmtypes.RenderJob{ID: "j1"}))
	_, err := s.GetJob("10.0.0.1:9001")
	require.NoError(t, err)

	err = s.CompleteJob("j1", "10.0.0.2:9002", true, false, "")
	assert.ErrorIs(t, err, ErrJobNotActive)
}

func TestReapOfflineSlavesRequeuesActiveJobToHead(t *testing.T) {
	s := NewState()
	slave := registeredSlave(s, "10.0.0.1:9001")
	require.NoError(t, s.AddJob(&farmtypes.RenderJob{ID: "old"}))
	_, err := s.GetJob("10.0.0.1:9001") // leases "old"
	require.NoError(t, err)
	require.NoError(t, s.AddJob(&farmtypes.RenderJob{ID: "new"}))

	slave.LastHeartbeat = time.Now().Add(-time.Minute)

	lost := s.ReapOfflineSlaves()
	require.Len(t, lost, 1)
	assert.Equal(t, farmtypes.SlaveOffline, lost[0].Status)

	registeredSlave(s, "10.0.0.2:9002")
	job, err := s.GetJob("10.0.0.2:9002")
	require.NoError(t, err)
	assert.Equal(t, "old", job.ID, "requeued job should be leased before the newer submission")
}

func TestReapOfflineSlavesIsIdempotentPerLoss(t *testing.T) {
	s := NewState()
	slave := registeredSlave(s, "10.0.0.1:9001")
	slave.LastHeartbeat = time.Now().Add(-time.Minute)

	first := s.ReapOfflineSlaves()
	assert.Len(t, first, 1)

	second := s.ReapOfflineSlaves()
	assert.Empty(t, second, "an already-offline slave must not be reported again")
}

func TestSetLivenessWindowOverridesDefaultThreshold(t *testing.T) {
	s := NewState()
	slave := registeredSlave(s, "10.0.0.1:9001")
	slave.LastHeartbeat = time.Now().Add(-5 * time.Second)

	assert.Empty(t, s.ReapOfflineSlaves(), "5s stale is still within the default 30s window")

	s.SetLivenessWindow(time.Second)
	lost := s.ReapOfflineSlaves()
	require.Len(t, lost, 1, "a 1s window should treat a 5s-stale heartbeat as offline")
	assert.Equal(t, "10.0.0.1:9001", lost[0].Address())
}

func TestSetLivenessWindowIgnoresNonPositiveValues(t *testing.T) {
	s := NewState()
	s.SetLivenessWindow(0)
	assert.Equal(t, farmtypes.LivenessWindow, s.livenessWindow)
	s.SetLivenessWindow(-time.Second)
	assert.Equal(t, farmtypes.LivenessWindow, s.livenessWindow)
}

func TestCancelPendingJob(t *testing.T) {
	s := NewState()
	require.NoError(t, s.AddJob(&farmtypes.RenderJob{ID: "j1"}))
	require.NoError(t, s.CancelJob("j1"))
	assert.Equal(t, farmtypes.StatusCancelled, s.jobs["j1"].Status)
	assert.Equal(t, 0, s.Stats()["pending"])
}

func TestCancelActiveJobQueuesSignalInsteadOfMutatingState(t *testing.T) {
	s := NewState()
	registeredSlave(s, "10.0.0.1:9001")
	require.NoError(t, s.AddJob(&farmtypes.RenderJob{ID: "j1"}))
	_, err := s.GetJob("10.0.0.1:9001")
	require.NoError(t, err)

	require.NoError(t, s.CancelJob("j1"))
	assert.Equal(t, farmtypes.StatusRendering, s.jobs["j1"].Status, "active job status unchanged until the slave reports back")

	signals, err := s.Heartbeat("10.0.0.1:9001", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, signals)
}
