package sessionmgr

import (
	"sync"
	"time"

	"github.com/yllada/vpn-sessiond/common"
)

// HealthState is the traffic health of a live tunnel as seen by the Monitor.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthStalled
)

// String returns a human-readable representation of the health state.
func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthStalled:
		return "Stalled"
	default:
		return "Unknown"
	}
}

// MonitorConfig holds configuration for the statistics monitor.
type MonitorConfig struct {
	// Interval is how often live sessions are polled.
	Interval time.Duration
	// StallThreshold is how many polls without traffic mark a tunnel stalled.
	StallThreshold int
}

// DefaultMonitorConfig returns the default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:       common.MonitorInterval,
		StallThreshold: 3,
	}
}

// SessionHealth tracks the traffic of one session.
type SessionHealth struct {
	Path        string
	State       HealthState
	LastCheck   time.Time
	LastTraffic time.Time
	IdlePolls   int
	BytesIn     int64
	BytesOut    int64
}

// Monitor polls the statistics of live sessions, caches them on the
// session and reports tunnels that stop moving traffic.
type Monitor struct {
	mu             sync.RWMutex
	config         MonitorConfig
	manager        *Manager
	running        bool
	stopChan       chan struct{}
	done           chan struct{}
	health         map[string]*SessionHealth
	onStatistics   func(path string, stats Statistics)
	onHealthChange func(path string, oldState, newState HealthState)
}

// NewMonitor creates a monitor for the sessions of manager.
func NewMonitor(manager *Manager, config MonitorConfig) *Monitor {
	if config.Interval <= 0 {
		config.Interval = common.MonitorInterval
	}
	if config.StallThreshold <= 0 {
		config.StallThreshold = 1
	}
	return &Monitor{
		config:   config,
		manager:  manager,
		stopChan: make(chan struct{}),
		health:   make(map[string]*SessionHealth),
	}
}

// SetOnStatistics sets a callback receiving every refreshed snapshot.
func (mon *Monitor) SetOnStatistics(callback func(path string, stats Statistics)) {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	mon.onStatistics = callback
}

// SetOnHealthChange sets a callback for health state changes.
func (mon *Monitor) SetOnHealthChange(callback func(path string, oldState, newState HealthState)) {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	mon.onHealthChange = callback
}

// Start begins the polling loop.
func (mon *Monitor) Start() {
	mon.mu.Lock()
	if mon.running {
		mon.mu.Unlock()
		return
	}
	mon.running = true
	stop := make(chan struct{})
	done := make(chan struct{})
	mon.stopChan = stop
	mon.done = done
	mon.mu.Unlock()

	common.LogInfo("Session monitor started (interval: %v)", mon.config.Interval)

	go mon.runLoop(stop, done)
}

// Stop stops the polling loop and waits for it to exit.
func (mon *Monitor) Stop() {
	mon.mu.Lock()
	if !mon.running {
		mon.mu.Unlock()
		return
	}
	mon.running = false
	close(mon.stopChan)
	done := mon.done
	mon.mu.Unlock()

	<-done
	common.LogInfo("Session monitor stopped")
}

// IsRunning returns whether the monitor is currently running.
func (mon *Monitor) IsRunning() bool {
	mon.mu.RLock()
	defer mon.mu.RUnlock()
	return mon.running
}

// GetHealth returns a copy of the health record of a session.
func (mon *Monitor) GetHealth(path string) (SessionHealth, bool) {
	mon.mu.RLock()
	defer mon.mu.RUnlock()
	h, ok := mon.health[path]
	if !ok {
		return SessionHealth{}, false
	}
	return *h, true
}

func (mon *Monitor) runLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(mon.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			mon.Poll()
		}
	}
}

// Poll refreshes every live session once. Health records of sessions that
// are no longer live are dropped.
func (mon *Monitor) Poll() {
	snapshots := mon.manager.RefreshStatistics()
	now := mon.manager.now()

	mon.mu.Lock()
	for path := range mon.health {
		if _, live := snapshots[path]; !live {
			delete(mon.health, path)
		}
	}

	type change struct {
		path     string
		old, new HealthState
	}
	var changes []change
	for path, stats := range snapshots {
		h, ok := mon.health[path]
		if !ok {
			h = &SessionHealth{Path: path, State: HealthUnknown}
			mon.health[path] = h
		}
		old := h.State
		mon.update(h, stats, now)
		if old != h.State {
			changes = append(changes, change{path, old, h.State})
		}
	}
	onStats := mon.onStatistics
	onChange := mon.onHealthChange
	mon.mu.Unlock()

	for _, c := range changes {
		common.LogWith(common.Fields{"session": c.path}).Infof("Health state changed: %s -> %s", c.old, c.new)
		if onChange != nil {
			onChange(c.path, c.old, c.new)
		}
	}
	if onStats != nil {
		for path, stats := range snapshots {
			onStats(path, stats)
		}
	}
}

// update must be called with mon.mu held.
func (mon *Monitor) update(h *SessionHealth, stats Statistics, now time.Time) {
	in, _ := stats.Get(StatBytesIn)
	out, _ := stats.Get(StatBytesOut)

	h.LastCheck = now
	if in != h.BytesIn || out != h.BytesOut || h.State == HealthUnknown {
		h.BytesIn = in
		h.BytesOut = out
		h.LastTraffic = now
		h.IdlePolls = 0
		h.State = HealthHealthy
		return
	}

	h.IdlePolls++
	if h.IdlePolls >= mon.config.StallThreshold {
		h.State = HealthStalled
	}
}
