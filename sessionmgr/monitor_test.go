package sessionmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthState_String(t *testing.T) {
	tests := []struct {
		state    HealthState
		expected string
	}{
		{HealthHealthy, "Healthy"},
		{HealthStalled, "Stalled"},
		{HealthUnknown, "Unknown"},
		{HealthState(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("HealthState.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestMonitorPoll(t *testing.T) {
	f := newFixture(t)
	path := f.connected(t)
	idle := f.newTunnel(t, certProfile)
	b := f.backend(path)
	b.setStats(10, 10)

	mon := NewMonitor(f.sessions, MonitorConfig{Interval: time.Hour, StallThreshold: 2})

	var (
		mu      sync.Mutex
		changes []HealthState
		seen    = map[string]int{}
	)
	mon.SetOnHealthChange(func(_ string, _, newState HealthState) {
		mu.Lock()
		changes = append(changes, newState)
		mu.Unlock()
	})
	mon.SetOnStatistics(func(p string, _ Statistics) {
		mu.Lock()
		seen[p]++
		mu.Unlock()
	})

	mon.Poll()
	h, ok := mon.GetHealth(path)
	require.True(t, ok)
	assert.Equal(t, HealthHealthy, h.State)
	assert.Equal(t, int64(10), h.BytesIn)
	_, ok = mon.GetHealth(idle)
	assert.False(t, ok, "sessions without a tunnel are not polled")

	mon.Poll()
	mon.Poll()
	h, _ = mon.GetHealth(path)
	assert.Equal(t, HealthStalled, h.State)
	assert.Equal(t, 2, h.IdlePolls)

	b.setStats(20, 15)
	mon.Poll()
	h, _ = mon.GetHealth(path)
	assert.Equal(t, HealthHealthy, h.State)

	stats, err := f.sessions.Statistics(context.Background(), ownerBus, path)
	require.NoError(t, err)
	in, _ := stats.Get(StatBytesIn)
	assert.Equal(t, int64(20), in)

	require.NoError(t, f.sessions.Disconnect(context.Background(), ownerBus, path))
	mon.Poll()
	_, ok = mon.GetHealth(path)
	assert.False(t, ok)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []HealthState{HealthHealthy, HealthStalled, HealthHealthy}, changes)
	assert.Equal(t, 4, seen[path])
	assert.Zero(t, seen[idle])
}

func TestMonitorStartStop(t *testing.T) {
	f := newFixture(t)
	mon := NewMonitor(f.sessions, MonitorConfig{Interval: 10 * time.Millisecond})

	assert.False(t, mon.IsRunning())
	mon.Start()
	mon.Start()
	assert.True(t, mon.IsRunning())
	mon.Stop()
	mon.Stop()
	assert.False(t, mon.IsRunning())
}
