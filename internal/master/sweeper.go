package master

import (
	"sync"
	"time"

	"github.com/mohofarm/renderfarm/internal/metrics"
	"github.com/mohofarm/renderfarm/pkg/farmtypes"
)

// defaultSweepInterval is the liveness sweeper's poll period when the
// caller doesn't configure one. Independent of farmtypes.LivenessWindow:
// a slave is declared offline once its heartbeat is stale by that
// window, but the check for staleness only runs this often.
const defaultSweepInterval = 10 * time.Second

// Sweeper periodically reaps slaves that have stopped heartbeating and
// requeues whatever they were holding. Grounded on the dispatch loops'
// select-on-stop-channel shape: a ticker plus a stop channel, joined by
// a WaitGroup before Stop returns.
type Sweeper struct {
	srv       *Server
	interval  time.Duration
	collector *metrics.Collector
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewSweeper returns a Sweeper bound to srv, polling every interval.
// interval <= 0 falls back to defaultSweepInterval. collector may be
// nil, which disables the online-slave gauge and eviction counter.
// Call Start to begin.
func NewSweeper(srv *Server, interval time.Duration, collector *metrics.Collector) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{srv: srv, interval: interval, collector: collector, stopCh: make(chan struct{})}
}

// Start spawns the sweeper's background loop.
func (sw *Sweeper) Start() {
	sw.wg.Add(1)
	go sw.loop()
}

// Stop signals the loop to exit and waits for it to do so.
func (sw *Sweeper) Stop() {
	close(sw.stopCh)
	sw.wg.Wait()
}

func (sw *Sweeper) loop() {
	defer sw.wg.Done()
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-sw.stopCh:
			return
		case <-ticker.C:
			sw.sweep()
		}
	}
}

func (sw *Sweeper) sweep() {
	lost := sw.srv.state.ReapOfflineSlaves()
	if len(lost) == 0 {
		return
	}
	for _, slave := range lost {
		sw.srv.obs.OnOutput("slave disconnected: " + slave.Hostname + " (" + slave.Address() + ")")
		if sw.collector != nil {
			sw.collector.RecordSlaveEviction()
		}
	}
	if sw.collector != nil {
		sw.collector.SetSlavesOnline(sw.onlineSlaveCount())
	}
	sw.srv.obs.OnQueueChanged()
}

func (sw *Sweeper) onlineSlaveCount() int {
	online := 0
	for _, slave := range sw.srv.state.Slaves() {
		if slave.Status != farmtypes.SlaveOffline {
			online++
		}
	}
	return online
}
