// Package common provides shared constants, types, and utilities
// used across the VPN session daemon and its front ends.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "vpn-sessiond"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "vpn-sessiond"
)

// File names used by the application.
const (
	ConfigFileName      = "config.yaml"
	StateDBFileName     = "profiles.db"
	CredentialsFileName = ".credentials"
	LogFileName         = "vpn-sessiond.log"
)

// Default system locations used by the daemon.
const (
	SystemConfigPath = "/etc/vpn-sessiond/config.yaml"
	SystemStateDir   = "/var/lib/vpn-sessiond"
	SystemLogDir     = "/var/log/vpn-sessiond"
)

// Bus names, interfaces and object paths of the exposed services.
const (
	BusNameConfiguration   = "net.openvpn.v3.configuration"
	InterfaceConfiguration = "net.openvpn.v3.configuration"
	RootPathConfiguration  = "/net/openvpn/v3/configuration"
	AliasPathConfiguration = RootPathConfiguration + "/aliases"

	BusNameSessions   = "net.openvpn.v3.sessions"
	InterfaceSessions = "net.openvpn.v3.sessions"
	RootPathSessions  = "/net/openvpn/v3/sessions"

	InterfaceProperties     = "org.freedesktop.DBus.Properties"
	InterfaceIntrospectable = "org.freedesktop.DBus.Introspectable"
)

// Default timeouts and intervals.
const (
	// ConnectionTimeout is the maximum time to wait for a connection.
	ConnectionTimeout = 30 * time.Second
	// MaxConnectionTimeout caps a configured connect timeout.
	MaxConnectionTimeout = 10 * time.Minute
	// MonitorInterval is how often connected sessions are polled for statistics.
	MonitorInterval = 10 * time.Second
	// StatusPollInterval is how often front ends poll session status.
	StatusPollInterval = 500 * time.Millisecond
	// BusConnectTimeout bounds the retries when connecting to the bus.
	BusConnectTimeout = 30 * time.Second
)

// Privileged identities.
const (
	// RootUID is the uid granted the privileged override where allowed.
	RootUID uint32 = 0
)

// Log verbosity bounds for session log forwarding.
const (
	MinLogVerbosity     uint32 = 0
	MaxLogVerbosity     uint32 = 6
	DefaultLogVerbosity uint32 = 4
)
