// Package main provides the entry point of vpn-sessiond, the
// privilege-separated VPN session daemon and its command-line client.
//
// The daemon publishes two services on the message bus: a configuration
// registry holding VPN profiles under an owner/ACL model, and a session
// manager that drives one tunnel per session and negotiates the
// credentials each tunnel asks for.
//
// Usage:
//
//	vpn-sessiond serve [--config file] [--bus system|session]
//	vpn-sessiond config import <file> [--alias name] [--persistent]
//	vpn-sessiond session start <profile> [--remember]
//
// Environment:
//
//	The process backend requires the openvpn binary to be installed.
package main

import (
	"fmt"
	"os"

	"github.com/yllada/vpn-sessiond/cli"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

func version() string {
	if buildTime == "unknown" {
		return appVersion
	}
	return fmt.Sprintf("%s (build %s, commit %s)", appVersion, buildTime, commitSHA)
}

func main() {
	app := cli.NewRootCommand(version())
	if err := app.Execute(); err != nil {
		os.Exit(1)
	}
}
