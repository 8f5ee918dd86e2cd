// Copyright (c) 2026

package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gpaulavicius/pgpool2/internal/config"
	"github.com/gpaulavicius/pgpool2/internal/failover"
	"github.com/gpaulavicius/pgpool2/internal/metrics"
	"github.com/gpaulavicius/pgpool2/internal/pglog"
	"github.com/gpaulavicius/pgpool2/internal/pool"
	"github.com/gpaulavicius/pgpool2/internal/registry"
	"github.com/gpaulavicius/pgpool2/internal/session"
	"github.com/gpaulavicius/pgpool2/internal/statefile"
)

var (
	configPath string
	logLevel string

	hl *pglog.Logger
)

// rootCmd is the top-level command: a PersistentPreRun that resolves
// logging before Run loads the config and does the real work.
var rootCmd = &cobra.Command{
	Use: "pgpool2",
	Short: "connection-pooling, load-balancing, failover-coordinating proxy for PostgreSQL",
	PersistentPreRun: func(c *cobra.Command, args []string) {
		hl = pglog.GetLoggerWithLevel(logLevel)
	},
	RunE: runMain,
}

// Execute is the package's entry point, called from main.go.
func Execute() {
	if err := setFlagsFromEnv(rootCmd.PersistentFlags(), "PGPOOL2"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		if hl != nil {
			hl.Fatalf("%v", err)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/pgpool2/pgpool2.json", "path to the JSON config document")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

func runMain(c *cobra.Command, args []string) error {
	cfg, extras, err := loadConfigFile(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := validateConfig(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		hl.Infow("received signal, shutting down", "signal", s.String())
		cancel()
	}()

	app, err := newApp(cfg, extras, hl)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Run(ctx)
}

// app bundles every long-running component one pgpool2 process wires
// up, following the pattern of one struct holding the daemon's live
// state across its main loop.
type app struct {
	cfg *config.Config
	log *pglog.Logger
	reg *registry.ClusterRegistry
	ci *registry.ConnInfoTable
	ln net.Listener
	ipc *ipcServer
	rec *metrics.Recorder
	store statefile.Store
	fc *failover.Consumer
	wd *watchdogStack
	workers []*session.Worker
}

func newApp(cfg *config.Config, extras *appExtras, log *pglog.Logger) (*app, error) {
	reg := registry.NewClusterRegistry(cfg)
	ci := registry.NewConnInfoTable()

	addr := cfg.ListenAddresses[0]
	if addr == "" || addr == "*" {
		addr = "0.0.0.0"
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("listening on frontend port: %w", err)
	}

	rec, err := metrics.New(extras.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	var store statefile.Store = statefile.NewFileStore(cfg.PIDFile, cfg.StatusFile)
	if len(extras.EtcdEndpoints) > 0 {
		store, err = statefile.NewEtcdMirror(store, extras.EtcdEndpoints, extras.EtcdStatusKey)
		if err != nil {
			return nil, fmt.Errorf("etcd mirror: %w", err)
		}
	}

	a := &app{
		cfg: cfg,
		log: log,
		reg: reg,
		ci: ci,
		ln: ln,
		rec: rec,
		store: store,
	}

	var engine failover.ConsensusEngine
	if cfg.WatchdogEnabled {
		a.wd, err = newWatchdogStack(cfg, reg, log, rec)
		if err != nil {
			return nil, err
		}
		engine = a.wd.engine
	} else {
		engine = noConsensusEngine{}
	}
	a.fc = failover.NewConsumer(reg, engine)

	a.ipc = newIPCServer(extras.IPCSocket, reg, cfg, log)

	for id := 0; id < cfg.MaxChildren; id++ {
		p := pool.New(id, cfg, reg, ci, pool.DefaultDialer, session.BackendAuthenticator{})
		w := session.NewWorker(id, cfg, reg, ci, ln, p, frontendAuthenticator(cfg), nil, log)
		a.workers = append(a.workers, w)
	}

	return a, nil
}

// frontendAuthenticator picks the client-facing auth method. Parsing
// pool_hba.conf's per-entry method table is out of scope; trust auth
// is the default, matching a pgpool.conf deployment that hasn't
// configured anything stricter.
func frontendAuthenticator(cfg *config.Config) session.FrontendAuthenticator {
	return session.TrustAuthenticator{}
}

// noConsensusEngine is the ConsensusEngine used when the watchdog is
// disabled: every failover request is unconditionally granted, since
// there is no peer set to build consensus across.
type noConsensusEngine struct{}

func (noConsensusEngine) Decide(ctx context.Context, kind registry.NodeOpKind, nodeIDs []int, flags registry.NodeOpFlags) (bool, error) {
	return true, nil
}

func (a *app) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, w := range a.workers {
		w := w
		g.Go(func() error {
			return w.Run(ctx)
		})
	}

	g.Go(func() error {
		a.fc.Run(ctx)
		return nil
	})

	g.Go(func() error {
		return a.ipc.Run(ctx)
	})

	if a.wd != nil {
		g.Go(func() error {
			return a.wd.Run(ctx)
		})
	}

	g.Go(func() error {
		return a.statusLoop(ctx)
	})

	a.log.Infow("pgpool2 started", "port", a.cfg.Port, "backends", len(a.cfg.Backends), "watchdog", a.cfg.WatchdogEnabled)
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// statusLoop periodically flushes the live registry state to the
// status file/etcd mirror and to metrics — "status file is
// authoritative" persistence, done on a timer rather than on every
// single status change since the registry doesn't expose a
// change-notification channel beyond StatusChanged's dirty flag.
func (a *app) statusLoop(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !a.reg.StatusChanged() {
				continue
			}
			snap := a.reg.Snapshot()
			statuses := make([]config.BackendStatus, len(snap.Backends))
			roles := make([]config.BackendRole, len(snap.Backends))
			descs := make([]config.BackendDescriptor, len(snap.Backends))
			for i, b := range snap.Backends {
				statuses[i] = b.Status
				roles[i] = b.Role
				descs[i] = b.Desc
				a.rec.BackendStatus(b.Desc.NodeID, b.Status.String())
			}
			s := statefile.SnapshotFromRegistry(snap.Generation, descs, statuses, roles)
			if err := a.store.WriteStatus(s); err != nil {
				a.log.Warnw("failed to write status snapshot", "err", err)
			}
			a.rec.ConnCounter(a.reg.ConnCount())
			a.rec.Switching(snap.Switching)
		}
	}
}

func (a *app) Close() {
	a.ln.Close()
	a.rec.Close()
	a.store.Close()
}
