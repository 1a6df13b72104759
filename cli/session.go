package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/vpn-sessiond/bus"
	"github.com/yllada/vpn-sessiond/common"
	"github.com/yllada/vpn-sessiond/keyring"
	"github.com/yllada/vpn-sessiond/sessionmgr"
)

type cmdSession struct {
	global *cmdGlobal
}

func (c *cmdSession) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "session"
	cmd.Aliases = []string{"sessions"}
	cmd.Short = "Manage VPN sessions"
	cmd.Long = `Start and control VPN sessions.

A session is addressed by its object path or by the name of the
profile it was started from.`

	// Start
	sessionStartCmd := cmdSessionStart{global: c.global, session: c}
	cmd.AddCommand(sessionStartCmd.Command())

	// List
	sessionListCmd := cmdSessionList{global: c.global, session: c}
	cmd.AddCommand(sessionListCmd.Command())

	// Stats
	sessionStatsCmd := cmdSessionStats{global: c.global, session: c}
	cmd.AddCommand(sessionStatsCmd.Command())

	// Lifecycle
	for _, action := range []string{"pause", "resume", "restart", "disconnect"} {
		actionCmd := cmdSessionAction{global: c.global, session: c, action: action}
		cmd.AddCommand(actionCmd.Command())
	}

	// Log
	sessionLogCmd := cmdSessionLog{global: c.global, session: c}
	cmd.AddCommand(sessionLogCmd.Command())

	// Grant and revoke
	sessionGrantCmd := cmdSessionAccess{global: c.global, session: c, revoke: false}
	cmd.AddCommand(sessionGrantCmd.Command())
	sessionRevokeCmd := cmdSessionAccess{global: c.global, session: c, revoke: true}
	cmd.AddCommand(sessionRevokeCmd.Command())

	// Workaround for subcommand usage errors. See: https://github.com/spf13/cobra/issues/706
	cmd.Args = cobra.NoArgs
	cmd.Run = func(cmd *cobra.Command, args []string) { _ = cmd.Usage() }
	return cmd
}

// with runs fn against the session service.
func (c *cmdSession) with(ctx context.Context, fn func(ctx context.Context, p *bus.SessionProxy) error) error {
	conn, _, sessions, err := c.global.clients(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	return fn(ctx, sessions)
}

// sessionLookup finds sessions by profile name.
type sessionLookup interface {
	LookupConfigName(ctx context.Context, name string) ([]string, error)
}

// resolveSession turns an object path or the profile name of a single
// running session into an object path.
func resolveSession(ctx context.Context, p sessionLookup, target string) (string, error) {
	if strings.HasPrefix(target, "/") {
		return target, nil
	}
	paths, err := p.LookupConfigName(ctx, target)
	if err != nil {
		return "", err
	}
	return unique("session", target, paths)
}

// Start.
type cmdSessionStart struct {
	global  *cmdGlobal
	session *cmdSession

	flagRemember bool
	flagLog      bool
}

func (c *cmdSessionStart) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "start <profile>"
	cmd.Short = "Start a session and connect it"
	cmd.Long = `Start a session from a profile, ask for the credentials it needs and
connect it. The command returns once the tunnel is up.`
	cmd.Args = cobra.ExactArgs(1)
	cmd.RunE = c.Run

	cmd.Flags().BoolVar(&c.flagRemember, "remember", false, "Remember passwords in the keyring")
	cmd.Flags().BoolVar(&c.flagLog, "log", false, "Print backend log messages while connecting")
	return cmd
}

func (c *cmdSessionStart) Run(cmd *cobra.Command, args []string) error {
	// Prompts wait on the user, so only the signal bounds this command.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, configs, sessions, err := c.global.clients(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	configPath, err := resolveConfig(ctx, configs, args[0])
	if err != nil {
		return err
	}
	props, err := configs.Properties(ctx, configPath)
	if err != nil {
		return err
	}

	path, err := sessions.NewTunnel(ctx, configPath)
	if err != nil {
		return err
	}
	common.LogInfo("Created session %s for %s", path, props.Name)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if c.flagLog {
		if err := sessions.SetReceiveLogEvents(ctx, path, true); err != nil {
			common.LogWarn("Failed to enable log events: %v", err)
		}
	}
	go func() {
		err := sessions.Watch(watchCtx, path, c.printEvent)
		if err != nil && !errors.Is(err, context.Canceled) {
			common.LogDebug("Watch of %s ended: %v", path, err)
		}
	}()

	s := &starter{
		sessions: sessions,
		prompt:   newTerminalPrompter(os.Stdin, c.global.out, int(os.Stdin.Fd())),
		out:      c.global.out,
		profile:  keyringProfile(props.Name),
		remember: c.flagRemember,
	}
	store, err := keyring.Open(keyring.Options{})
	if err != nil {
		common.LogDebug("Keyring unavailable: %v", err)
	} else {
		defer func() { _ = store.Close() }()
		s.store = store
	}

	if err := s.run(ctx, path); err != nil {
		c.cleanup(sessions, path)
		return err
	}

	state, err := sessions.State(ctx, path)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.global.out, "%s %s\n", path, stateText(state))
	return nil
}

func (c *cmdSessionStart) printEvent(ev bus.Event) {
	switch ev.Kind {
	case bus.EventStatus:
		if ev.Status.Major == sessionmgr.StatusMajorSession && ev.Status.Minor == sessionmgr.StatusMinorSessAuthURL {
			fmt.Fprintf(c.global.out, "Open this URL to authenticate: %s\n", ev.Status.Message)
			return
		}
		common.LogInfo("%s", ev.Status)
	case bus.EventLog:
		fmt.Fprintln(c.global.out, styleDim.Render(ev.Log.String()))
	case bus.EventAttention:
		common.LogDebug("Attention required: %s/%s %s", ev.Type, ev.Group, ev.Message)
	}
}

// cleanup disconnects a session that failed to start. The caller's
// context may already be cancelled.
func (c *cmdSessionStart) cleanup(sessions *bus.SessionProxy, path string) {
	ctx, cancel := context.WithTimeout(context.Background(), common.ConnectionTimeout)
	defer cancel()
	if err := sessions.Disconnect(ctx, path); err != nil {
		common.LogDebug("Failed to remove session %s: %v", path, err)
	}
}

// List.
type cmdSessionList struct {
	global  *cmdGlobal
	session *cmdSession
}

func (c *cmdSessionList) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "list"
	cmd.Aliases = []string{"ls"}
	cmd.Short = "List the sessions you can access"
	cmd.Args = cobra.NoArgs
	cmd.RunE = c.Run
	return cmd
}

func (c *cmdSessionList) Run(cmd *cobra.Command, args []string) error {
	ctx, cancel := c.global.clientContext(cmd)
	defer cancel()

	return c.session.with(ctx, func(ctx context.Context, p *bus.SessionProxy) error {
		paths, err := p.FetchAvailableSessions(ctx)
		if err != nil {
			return err
		}

		tw := newTable(c.global.out, "ID", "PROFILE", "OWNER", "STATE", "AGE", "STATUS")
		for _, path := range paths {
			props, _, err := p.Properties(ctx, path)
			if err != nil {
				common.LogDebug("Skipping %s: %v", path, err)
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
				shortPath(path), props.ConfigName, props.Owner, stateText(props.State),
				formatDuration(time.Since(props.Created)), props.Status)
		}
		return tw.Flush()
	})
}

// Stats.
type cmdSessionStats struct {
	global  *cmdGlobal
	session *cmdSession
}

func (c *cmdSessionStats) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "stats <session>"
	cmd.Short = "Show the traffic counters of a session"
	cmd.Args = cobra.ExactArgs(1)
	cmd.RunE = c.Run
	return cmd
}

func (c *cmdSessionStats) Run(cmd *cobra.Command, args []string) error {
	ctx, cancel := c.global.clientContext(cmd)
	defer cancel()

	return c.session.with(ctx, func(ctx context.Context, p *bus.SessionProxy) error {
		path, err := resolveSession(ctx, p, args[0])
		if err != nil {
			return err
		}
		stats, err := p.Statistics(ctx, path)
		if err != nil {
			return err
		}

		tw := newTable(c.global.out, "COUNTER", "VALUE")
		for _, st := range stats {
			fmt.Fprintf(tw, "%s\t%s\n", st.Name, statValue(st))
		}
		return tw.Flush()
	})
}

func statValue(st sessionmgr.Stat) string {
	if strings.Contains(st.Name, "BYTES") {
		return formatBytes(st.Value)
	}
	return fmt.Sprint(st.Value)
}

// Pause, resume, restart and disconnect.
type cmdSessionAction struct {
	global  *cmdGlobal
	session *cmdSession
	action  string

	flagReason string
}

func (c *cmdSessionAction) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = c.action + " <session>"
	switch c.action {
	case "pause":
		cmd.Short = "Pause a connected session"
		cmd.Flags().StringVar(&c.flagReason, "reason", "paused by user", "Reason reported to the session owner"+"``")
	case "resume":
		cmd.Short = "Resume a paused session"
	case "restart":
		cmd.Short = "Reconnect a session"
	case "disconnect":
		cmd.Short = "Disconnect and remove a session"
		cmd.Aliases = []string{"stop"}
	}
	cmd.Args = cobra.ExactArgs(1)
	cmd.RunE = c.Run
	return cmd
}

func (c *cmdSessionAction) Run(cmd *cobra.Command, args []string) error {
	ctx, cancel := c.global.clientContext(cmd)
	defer cancel()

	return c.session.with(ctx, func(ctx context.Context, p *bus.SessionProxy) error {
		path, err := resolveSession(ctx, p, args[0])
		if err != nil {
			return err
		}

		switch c.action {
		case "pause":
			err = p.Pause(ctx, path, c.flagReason)
		case "resume":
			err = p.Resume(ctx, path)
		case "restart":
			err = p.Restart(ctx, path)
		case "disconnect":
			return p.Disconnect(ctx, path)
		}
		if err != nil {
			return err
		}

		state, err := p.State(ctx, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.global.out, "%s %s\n", path, stateText(state))
		return nil
	})
}

// Log.
type cmdSessionLog struct {
	global  *cmdGlobal
	session *cmdSession

	flagVerbosity uint32
}

func (c *cmdSessionLog) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "log <session>"
	cmd.Short = "Follow the log and status of a session"
	cmd.Long = `Follow the log and status of a session until interrupted.`
	cmd.Args = cobra.ExactArgs(1)
	cmd.RunE = c.Run

	cmd.Flags().Uint32Var(&c.flagVerbosity, "verbosity", 0, "Change the log verbosity of the session (0-6)"+"``")
	return cmd
}

func (c *cmdSessionLog) Run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return c.session.with(ctx, func(ctx context.Context, p *bus.SessionProxy) error {
		path, err := resolveSession(ctx, p, args[0])
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("verbosity") {
			if err := p.SetLogVerbosity(ctx, path, c.flagVerbosity); err != nil {
				return err
			}
		}
		if err := p.SetReceiveLogEvents(ctx, path, true); err != nil {
			return err
		}

		err = p.Watch(ctx, path, func(ev bus.Event) {
			switch ev.Kind {
			case bus.EventLog:
				fmt.Fprintln(c.global.out, ev.Log)
			case bus.EventStatus:
				fmt.Fprintln(c.global.out, styleWarn.Render(ev.Status.String()))
			}
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}

// Grant and revoke.
type cmdSessionAccess struct {
	global  *cmdGlobal
	session *cmdSession
	revoke  bool
}

func (c *cmdSessionAccess) Command() *cobra.Command {
	cmd := &cobra.Command{}
	if c.revoke {
		cmd.Use = "revoke <session> <uid>"
		cmd.Short = "Remove a user from the access list of a session"
	} else {
		cmd.Use = "grant <session> <uid>"
		cmd.Short = "Add a user to the access list of a session"
	}
	cmd.Args = cobra.ExactArgs(2)
	cmd.RunE = c.Run
	return cmd
}

func (c *cmdSessionAccess) Run(cmd *cobra.Command, args []string) error {
	uid, err := parseUID(args[1])
	if err != nil {
		return err
	}

	ctx, cancel := c.global.clientContext(cmd)
	defer cancel()

	return c.session.with(ctx, func(ctx context.Context, p *bus.SessionProxy) error {
		path, err := resolveSession(ctx, p, args[0])
		if err != nil {
			return err
		}
		if c.revoke {
			return p.AccessRevoke(ctx, path, uid)
		}
		return p.AccessGrant(ctx, path, uid)
	})
}
