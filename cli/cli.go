// Package cli provides the command-line front end of the VPN session
// daemon: the daemon itself (serve) and thin clients for the
// configuration and session services.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/yllada/vpn-sessiond/bus"
	"github.com/yllada/vpn-sessiond/common"
	"github.com/yllada/vpn-sessiond/config"
	"github.com/yllada/vpn-sessiond/sessionmgr"
)

type cmdGlobal struct {
	cmd *cobra.Command
	out io.Writer

	flagConfig  string
	flagBus     string
	flagDebug   bool
	flagVerbose bool
	flagTimeout time.Duration
}

// Run sets up console logging for every command.
func (c *cmdGlobal) Run(cmd *cobra.Command, args []string) error {
	level := common.LevelWarn
	switch {
	case c.flagDebug:
		level = common.LevelDebug
	case c.flagVerbose:
		level = common.LevelInfo
	}
	common.GetLogger().SetLevel(level)
	return nil
}

// busKind picks the bus from the flag, then the daemon configuration.
func (c *cmdGlobal) busKind() (bus.Kind, error) {
	if c.flagBus != "" {
		return bus.ParseKind(c.flagBus)
	}
	cfg, err := config.Load(c.flagConfig)
	if err != nil {
		return bus.ParseKind("")
	}
	return bus.ParseKind(cfg.Bus)
}

// clients connects to the bus and returns proxies for both services.
func (c *cmdGlobal) clients(ctx context.Context) (*dbus.Conn, *bus.ConfigurationProxy, *bus.SessionProxy, error) {
	kind, err := c.busKind()
	if err != nil {
		return nil, nil, nil, err
	}
	conn, err := bus.Connect(ctx, kind)
	if err != nil {
		return nil, nil, nil, err
	}
	return conn, bus.NewConfigurationProxy(conn), bus.NewSessionProxy(conn), nil
}

// clientContext bounds a single client command.
func (c *cmdGlobal) clientContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), c.flagTimeout)
}

// NewRootCommand builds the vpn-sessiond command tree.
func NewRootCommand(version string) *cobra.Command {
	app := &cobra.Command{
		Use:   common.AppName,
		Short: "Privilege-separated VPN session daemon",
		Long: `vpn-sessiond keeps VPN profiles and tunnels behind an owner/ACL model
and exposes them on the message bus. Run "serve" to start the daemon; the
other commands are clients talking to a running daemon.`,
		SilenceUsage: true,
	}
	app.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}
	app.SetVersionTemplate("{{.Version}}\n")
	app.Version = version

	globalCmd := cmdGlobal{cmd: app, out: os.Stdout}
	app.PersistentPreRunE = globalCmd.Run
	app.PersistentFlags().StringVarP(&globalCmd.flagConfig, "config", "c", "", "Path to the daemon configuration"+"``")
	app.PersistentFlags().StringVar(&globalCmd.flagBus, "bus", "", "Message bus to use (system or session)"+"``")
	app.PersistentFlags().BoolVarP(&globalCmd.flagDebug, "debug", "d", false, "Show all debug messages")
	app.PersistentFlags().BoolVarP(&globalCmd.flagVerbose, "verbose", "v", false, "Show all information messages")
	app.PersistentFlags().DurationVar(&globalCmd.flagTimeout, "timeout", 2*common.ConnectionTimeout, "Timeout of a single client command"+"``")

	serveCmd := cmdServe{global: &globalCmd}
	app.AddCommand(serveCmd.Command())

	configCmd := cmdConfig{global: &globalCmd}
	app.AddCommand(configCmd.Command())

	sessionCmd := cmdSession{global: &globalCmd}
	app.AddCommand(sessionCmd.Command())

	return app
}

// Output helpers.

var (
	styleGood = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleBad  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	styleDim  = lipgloss.NewStyle().Faint(true)
)

// stateText renders a session state for a terminal.
func stateText(st sessionmgr.State) string {
	switch st {
	case sessionmgr.StateConnected:
		return styleGood.Render(st.String())
	case sessionmgr.StateConnecting, sessionmgr.StatePaused, sessionmgr.StateNotReady:
		return styleWarn.Render(st.String())
	case sessionmgr.StateTerminated, sessionmgr.StateDisconnecting:
		return styleBad.Render(st.String())
	default:
		return styleDim.Render(st.String())
	}
}

func newTable(w io.Writer, header ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	dashes := make([]string, len(header))
	for i, h := range header {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))
	return tw
}

// shortPath keeps the last element of an object path for display.
func shortPath(path string) string {
	id := path[strings.LastIndex(path, "/")+1:]
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

func formatUIDs(uids []uint32) string {
	if len(uids) == 0 {
		return "-"
	}
	parts := make([]string, len(uids))
	for i, u := range uids {
		parts[i] = fmt.Sprint(u)
	}
	return strings.Join(parts, ",")
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// formatBytes renders a byte counter with a binary unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
