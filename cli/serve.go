package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yllada/vpn-sessiond/backend"
	"github.com/yllada/vpn-sessiond/bus"
	"github.com/yllada/vpn-sessiond/common"
	"github.com/yllada/vpn-sessiond/config"
	"github.com/yllada/vpn-sessiond/configmgr"
	"github.com/yllada/vpn-sessiond/identity"
	"github.com/yllada/vpn-sessiond/sessionmgr"
)

const rotationInterval = 10 * time.Minute

type cmdServe struct {
	global *cmdGlobal
}

func (c *cmdServe) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the configuration and session services",
		Long: `Run the configuration and session services on the message bus.

The daemon owns both bus names until it receives SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: c.Run,
	}
	return cmd
}

func (c *cmdServe) Run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(c.global.flagConfig)
	if err != nil {
		return err
	}
	if c.global.flagBus != "" {
		cfg.Bus = c.global.flagBus
	}

	level := common.ParseLogLevel(cfg.LogLevel)
	if c.global.flagDebug {
		level = common.LevelDebug
	}
	if err := common.InitLogger(common.LogConfig{
		Level:      level,
		EnableFile: cfg.LogDir != "",
		Dir:        cfg.LogDir,
	}); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = common.CloseLogger() }()

	kind, err := bus.ParseKind(cfg.Bus)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := startDaemon(ctx, cfg, kind)
	if err != nil {
		return err
	}
	common.LogInfo("%s ready on the %s bus", common.AppName, kind)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(rotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				common.GetLogger().CheckRotation()
			}
		}
	})
	g.Go(func() error {
		err := bus.WatchDepartures(gctx, d.conn, d.sessions.ForgetCaller)
		if err != nil && gctx.Err() == nil {
			common.LogWarn("Caller departures are no longer tracked: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		common.LogInfo("Shutting down")
		return d.shutdown()
	})
	return g.Wait()
}

// daemon holds everything serve starts.
type daemon struct {
	conn     *dbus.Conn
	registry *configmgr.Manager
	sessions *sessionmgr.Manager
	monitor  *sessionmgr.Monitor
	cfgSvc   *bus.ConfigurationService
	sessSvc  *bus.SessionService
}

func startDaemon(ctx context.Context, cfg *config.Config, kind bus.Kind) (*daemon, error) {
	conn, err := bus.Connect(ctx, kind)
	if err != nil {
		return nil, err
	}
	d := &daemon{conn: conn}

	resolver := identity.NewBusResolver(conn)

	var store configmgr.Store = configmgr.NewMemoryStore()
	if cfg.StateDB != "" {
		sqlStore, err := configmgr.OpenSQLiteStore(ctx, cfg.StateDB)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		store = sqlStore
	}

	d.registry, err = configmgr.NewManager(ctx, configmgr.Options{
		Resolver:          resolver,
		Store:             store,
		PrivilegedUID:     cfg.PrivilegedUID,
		AllowRootOverride: cfg.AllowRootOverride,
	})
	if err != nil {
		_ = store.Close()
		_ = conn.Close()
		return nil, err
	}

	callTimeout := bus.CallTimeout(cfg.ConnectTimeout)
	d.sessSvc = bus.NewSessionService(ctx, conn, callTimeout)
	d.sessions, err = sessionmgr.NewManager(sessionmgr.Options{
		Resolver:            resolver,
		Configs:             d.registry,
		Backends:            backend.NewFactory(backend.Options{Binary: cfg.OpenVPNBinary}),
		Signals:             d.sessSvc,
		AllowRootOverride:   cfg.AllowRootOverride,
		DefaultLogVerbosity: cfg.DefaultLogVerbosity,
		ConnectTimeout:      cfg.ConnectTimeout,
	})
	if err != nil {
		_ = d.registry.Close()
		_ = conn.Close()
		return nil, err
	}

	d.cfgSvc = bus.NewConfigurationService(ctx, conn, d.registry, callTimeout)
	if err := d.cfgSvc.Export(); err != nil {
		_ = d.shutdown()
		return nil, err
	}
	if err := d.sessSvc.Export(d.sessions); err != nil {
		_ = d.shutdown()
		return nil, err
	}
	for _, name := range []string{common.BusNameConfiguration, common.BusNameSessions} {
		if err := bus.RequestName(conn, name); err != nil {
			_ = d.shutdown()
			return nil, err
		}
	}

	monCfg := sessionmgr.DefaultMonitorConfig()
	if cfg.MonitorInterval > 0 {
		monCfg.Interval = cfg.MonitorInterval
	}
	d.monitor = sessionmgr.NewMonitor(d.sessions, monCfg)
	d.monitor.SetOnHealthChange(func(path string, oldState, newState sessionmgr.HealthState) {
		if newState == sessionmgr.HealthStalled {
			common.LogWarn("Session %s stopped moving traffic", path)
			return
		}
		common.LogDebug("Session %s health %s -> %s", path, oldState, newState)
	})
	d.monitor.Start()

	return d, nil
}

// shutdown tears the daemon down in reverse start order. Live sessions
// are disconnected by the session manager.
func (d *daemon) shutdown() error {
	if d.monitor != nil {
		d.monitor.Stop()
	}
	if d.sessSvc != nil {
		d.sessSvc.Unexport()
	}
	if d.cfgSvc != nil {
		d.cfgSvc.Unexport()
	}

	var firstErr error
	if d.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), common.ConnectionTimeout)
		defer cancel()
		if err := d.sessions.Close(ctx); err != nil {
			firstErr = err
		}
	}
	if d.registry != nil {
		if err := d.registry.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.conn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
