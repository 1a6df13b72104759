package sessionmgr

import (
	"fmt"

	"github.com/yllada/vpn-sessiond/common"
)

// StatusMajor is the subsystem a status update comes from.
type StatusMajor uint32

const (
	StatusMajorUnset StatusMajor = iota
	StatusMajorConfig
	StatusMajorConnection
	StatusMajorSession
	StatusMajorPKCS11
	StatusMajorProcess
)

var majorNames = []string{"unset", "config", "connection", "session", "pkcs11", "process"}

func (m StatusMajor) String() string {
	if int(m) < len(majorNames) {
		return majorNames[m]
	}
	return majorNames[StatusMajorUnset]
}

// StatusMinor is the event within the subsystem.
type StatusMinor uint32

const (
	StatusMinorUnset StatusMinor = iota
	StatusMinorCfgError
	StatusMinorCfgOK
	StatusMinorCfgInlineMissing
	StatusMinorCfgRequireUser
	StatusMinorConnInit
	StatusMinorConnConnecting
	StatusMinorConnConnected
	StatusMinorConnDisconnecting
	StatusMinorConnDisconnected
	StatusMinorConnFailed
	StatusMinorConnAuthFailed
	StatusMinorConnReconnecting
	StatusMinorConnPausing
	StatusMinorConnPaused
	StatusMinorConnResuming
	StatusMinorConnDone
	StatusMinorSessNew
	StatusMinorSessBackendCompleted
	StatusMinorSessRemoved
	StatusMinorSessAuthUserPass
	StatusMinorSessAuthChallenge
	StatusMinorSessAuthURL
	StatusMinorPKCS11Sign
	StatusMinorPKCS11Encrypt
	StatusMinorPKCS11Decrypt
	StatusMinorPKCS11Verify
	StatusMinorProcStarted
	StatusMinorProcStopped
	StatusMinorProcKilled
)

var minorNames = []string{
	"unset",
	"config error",
	"config ok",
	"inline file missing",
	"user input required",
	"initializing",
	"connecting",
	"connected",
	"disconnecting",
	"disconnected",
	"connection failed",
	"authentication failed",
	"reconnecting",
	"pausing",
	"paused",
	"resuming",
	"done",
	"new session",
	"backend completed",
	"session removed",
	"user/password required",
	"challenge required",
	"web authentication required",
	"pkcs11 sign",
	"pkcs11 encrypt",
	"pkcs11 decrypt",
	"pkcs11 verify",
	"process started",
	"process stopped",
	"process killed",
}

func (m StatusMinor) String() string {
	if int(m) < len(minorNames) {
		return minorNames[m]
	}
	return minorNames[StatusMinorUnset]
}

// Status is the last reported condition of a session.
type Status struct {
	Major   StatusMajor
	Minor   StatusMinor
	Message string
}

// NewStatus decodes a wire status. Unknown codes degrade to unset.
func NewStatus(major, minor uint32, message string) Status {
	s := Status{Message: message}
	if int(major) < len(majorNames) {
		s.Major = StatusMajor(major)
	}
	if int(minor) < len(minorNames) {
		s.Minor = StatusMinor(minor)
	}
	return s
}

func (s Status) String() string {
	if s.Message == "" {
		return fmt.Sprintf("%s: %s", s.Major, s.Minor)
	}
	return fmt.Sprintf("%s: %s (%s)", s.Major, s.Minor, s.Message)
}

// LogGroup names the component that produced a log record.
type LogGroup uint32

const (
	LogGroupUndefined LogGroup = iota
	LogGroupMasterProc
	LogGroupConfigMgr
	LogGroupSessionMgr
	LogGroupBackendStart
	LogGroupLogger
	LogGroupBackendProc
	LogGroupClient
)

var groupNames = []string{
	"[[UNDEFINED]]",
	"Master Process",
	"Config Manager",
	"Session Manager",
	"Backend Starter",
	"Logger",
	"Backend Session Process",
	"Client",
}

func (g LogGroup) String() string {
	if int(g) < len(groupNames) {
		return groupNames[g]
	}
	return groupNames[LogGroupUndefined]
}

// LogCategory is the severity of a log record.
type LogCategory uint32

const (
	LogCategoryUndefined LogCategory = iota
	LogCategoryDebug
	LogCategoryVerb2
	LogCategoryVerb1
	LogCategoryInfo
	LogCategoryWarn
	LogCategoryError
	LogCategoryCritical
	LogCategoryFatal
)

var categoryNames = []string{
	"[[UNDEFINED]]",
	"DEBUG",
	"VERB2",
	"VERB1",
	"INFO",
	"WARNING",
	"-- ERROR --",
	"!! CRITICAL !!",
	"**!! FATAL !!**",
}

func (c LogCategory) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return categoryNames[LogCategoryUndefined]
}

// Visible reports whether a record of this category is forwarded at the
// given log verbosity (0..6).
func (c LogCategory) Visible(verbosity uint32) bool {
	switch c {
	case LogCategoryDebug:
		return verbosity >= 6
	case LogCategoryVerb2:
		return verbosity >= 5
	case LogCategoryVerb1:
		return verbosity >= 4
	case LogCategoryInfo:
		return verbosity >= 3
	case LogCategoryWarn:
		return verbosity >= 2
	case LogCategoryError:
		return verbosity >= 1
	default:
		return true
	}
}

// LogEvent is a single log record of a session backend.
type LogEvent struct {
	Group    LogGroup
	Category LogCategory
	Message  string
}

// NewLogEvent decodes a wire log record. An out of range group or
// category degrades to undefined instead of failing the record.
func NewLogEvent(group, category uint32, message string) LogEvent {
	ev := LogEvent{Message: message}
	if int(group) < len(groupNames) {
		ev.Group = LogGroup(group)
	}
	if int(category) < len(categoryNames) {
		ev.Category = LogCategory(category)
	}
	return ev
}

func (e LogEvent) String() string {
	return fmt.Sprintf("[%s] %s: %s", e.Group, e.Category, e.Message)
}

// Counter names reported by backends.
const (
	StatBytesIn      = "BYTES_IN"
	StatBytesOut     = "BYTES_OUT"
	StatPacketsIn    = "PACKETS_IN"
	StatPacketsOut   = "PACKETS_OUT"
	StatTunBytesIn   = "TUN_BYTES_IN"
	StatTunBytesOut  = "TUN_BYTES_OUT"
	StatAuthFailures = "AUTH_FAILURES"
)

// Stat is one named counter.
type Stat struct {
	Name  string
	Value int64
}

// Statistics is an ordered snapshot of tunnel counters.
type Statistics []Stat

// Map returns the counters keyed by name.
func (s Statistics) Map() map[string]int64 {
	out := make(map[string]int64, len(s))
	for _, st := range s {
		out[st.Name] = st.Value
	}
	return out
}

// Get returns one counter.
func (s Statistics) Get(name string) (int64, bool) {
	for _, st := range s {
		if st.Name == name {
			return st.Value, true
		}
	}
	return 0, false
}

func validVerbosity(v uint32) error {
	if v > common.MaxLogVerbosity {
		return fmt.Errorf("%w: log verbosity %d outside %d..%d",
			common.ErrInvalidArgument, v, common.MinLogVerbosity, common.MaxLogVerbosity)
	}
	return nil
}
