package sessionmgr

import (
	"context"
	"time"

	"github.com/yllada/vpn-sessiond/configmgr"
	"github.com/yllada/vpn-sessiond/requiresqueue"
)

// SessionInfo describes the session a backend is created for.
type SessionInfo struct {
	Path       string
	ConfigPath string
	ConfigName string
	Owner      uint32
	Created    time.Time
}

// EventSink receives what a backend reports while it runs. Methods may be
// called from any goroutine.
type EventSink interface {
	StatusChange(st Status)
	Log(ev LogEvent)
	// RequireInput adds a request to the session queue, for input the
	// backend only learns it needs while connecting.
	RequireInput(t requiresqueue.Type, g requiresqueue.Group, name, description string, hidden bool) uint32
	// ClearInput drops every request of one type and group, answered or
	// not, so it can be asked again.
	ClearInput(t requiresqueue.Type, g requiresqueue.Group)
}

// Credentials gives a backend the answers collected by the queue.
type Credentials interface {
	Value(t requiresqueue.Type, g requiresqueue.Group, name string) (string, bool)
	Values(g requiresqueue.Group) map[string]string
}

// Backend is the tunnel engine behind one session.
type Backend interface {
	// Prepare inspects the profile and adds a request to queue for every
	// input needed before connecting.
	Prepare(ctx context.Context, profile *configmgr.Profile, queue *requiresqueue.Queue) error
	// Connect blocks until the tunnel is up or has failed.
	Connect(ctx context.Context, creds Credentials) error
	Pause(ctx context.Context, reason string) error
	Resume(ctx context.Context) error
	// Disconnect tears the tunnel down. It must be safe to call in any state.
	Disconnect(ctx context.Context) error
	Statistics() Statistics
	PID() int
}

// BackendFactory creates the backend of a new session.
type BackendFactory func(info SessionInfo, sink EventSink) (Backend, error)

// ConfigSource hands out profiles to sessions. configmgr.Manager
// satisfies it. Each Open is followed by one Settle telling whether the
// session came up.
type ConfigSource interface {
	Open(ctx context.Context, sender, path string) (*configmgr.Profile, error)
	Settle(ctx context.Context, path string, started bool)
}

// Signaller publishes session events to interested front ends.
type Signaller interface {
	StatusChange(path string, st Status)
	Log(path string, ev LogEvent)
	AttentionRequired(path string, t requiresqueue.Type, g requiresqueue.Group, message string)
}

type nopSignaller struct{}

func (nopSignaller) StatusChange(string, Status) {}
func (nopSignaller) Log(string, LogEvent) {}
func (nopSignaller) AttentionRequired(string, requiresqueue.Type, requiresqueue.Group, string) {}
