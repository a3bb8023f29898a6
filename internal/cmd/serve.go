package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/taskmesh/internal/config"
	"github.com/Iron-Ham/taskmesh/internal/conflict"
	"github.com/Iron-Ham/taskmesh/internal/coordinator"
	"github.com/Iron-Ham/taskmesh/internal/correction"
	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/logging"
	"github.com/Iron-Ham/taskmesh/internal/mailbox"
	"github.com/Iron-Ham/taskmesh/internal/mcpserver"
	"github.com/Iron-Ham/taskmesh/internal/monitor"
	"github.com/Iron-Ham/taskmesh/internal/quality"
	"github.com/Iron-Ham/taskmesh/internal/store"
	"github.com/Iron-Ham/taskmesh/internal/transport"
	"github.com/Iron-Ham/taskmesh/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator",
	Long: `Run the coordinator until interrupted.

Workers connect over the configured transport: "local" keeps everything in
this process (use --local-workers to start some), "mailbox" exchanges JSONL
files under the data directory so separate 'taskmesh worker' processes can
join.

With --mcp the submission API is served as MCP tools on stdin/stdout and the
coordinator stops when the client disconnects.

Examples:
  # Coordinator with three in-process workers running make
  taskmesh serve --local-workers 3 --exec 'make -C "$TASKMESH_TASK_KIND"'

  # Coordinator for an MCP client, workers attach through mailboxes
  TASKMESH_TRANSPORT_KIND=mailbox taskmesh serve --mcp`,
	RunE: runServe,
}

var (
	serveMCP          bool
	serveMCPReadOnly  bool
	serveLocalWorkers int
	serveExec         string
	serveLogStderr    bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveMCP, "mcp", false, "Serve MCP tools over stdio")
	serveCmd.Flags().BoolVar(&serveMCPReadOnly, "mcp-read-only", false, "Only expose inspection tools over MCP")
	serveCmd.Flags().IntVar(&serveLocalWorkers, "local-workers", 0, "Start N in-process workers (local transport only)")
	serveCmd.Flags().StringVar(&serveExec, "exec", "", "Shell command local workers run for each task")
	serveCmd.Flags().BoolVar(&serveLogStderr, "log-stderr", false, "Log to stderr instead of the data directory")
}

// app is a running coordinator and everything it was built from.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	bus     *event.Bus
	hub     *transport.Hub
	tr      transport.Transport
	coord   *coordinator.Coordinator
	watcher *config.Watcher

	journal  *store.Journal
	recorder *store.Recorder
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if serveLocalWorkers > 0 && cfg.Transport.Kind != "local" {
		return fmt.Errorf("--local-workers needs the local transport (transport.kind is %q)", cfg.Transport.Kind)
	}
	if serveLocalWorkers > 0 && serveExec == "" {
		return fmt.Errorf("--local-workers needs --exec")
	}

	logDir := cfg.ResolveDataDir()
	if serveLogStderr {
		logDir = ""
	}
	logger, err := logging.NewLoggerWithRotation(logDir, cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.coord.Start(ctx); err != nil {
		return err
	}
	a.watcher.Start()

	g, gctx := errgroup.WithContext(ctx)
	for i := range serveLocalWorkers {
		w := a.localWorker(fmt.Sprintf("local-%d", i+1), serveExec)
		g.Go(func() error { return w.Run(gctx) })
	}

	if serveMCP {
		srv := a.mcp(serveMCPReadOnly)
		g.Go(func() error {
			defer stop()
			return srv.ServeStdio()
		})
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "taskmesh coordinator running (%s transport, %s strategy); logs in %s\n",
			cfg.Transport.Kind, a.coord.Strategy(), logDirLabel(logDir))
	}

	<-gctx.Done()
	logger.Info("shutting down")
	stopErr := a.coord.Stop()
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return stopErr
}

// newApp builds every component from cfg. Nothing runs until the
// coordinator is started.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: event.NewBus()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	switch cfg.Transport.Kind {
	case "mailbox":
		a.tr = mailbox.New(cfg.MailboxDir(),
			mailbox.WithLogger(logger),
			mailbox.WithPollInterval(cfg.Transport.PollInterval()),
		)
	default:
		a.hub = transport.NewHub(transport.WithLogger(logger))
		a.tr = a.hub.Endpoint(transport.CoordinatorChannel)
	}

	if cfg.Store.Enabled {
		j, err := store.Open(ctx, cfg.StorePath())
		if err != nil {
			return nil, err
		}
		a.journal = j
		a.recorder = store.NewRecorder(j, store.WithRecorderLogger(logger))
		a.recorder.Attach(a.bus)
	}

	resolver, err := newResolver(cfg.Conflict, logger)
	if err != nil {
		return nil, err
	}
	gateOpts := []quality.Option{quality.WithLogger(logger)}
	if cfg.Conflict.WorkspaceDir != "" {
		gateOpts = append(gateOpts, quality.WithRoot(cfg.Conflict.WorkspaceDir))
	}
	gate, err := quality.FromConfig(cfg.Quality, gateOpts...)
	if err != nil {
		return nil, err
	}
	corrector, err := correction.FromConfig(cfg.Correction, afero.NewOsFs(), correction.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	mon := monitor.FromConfig(cfg.Monitor, monitor.WithLogger(logger), monitor.WithBus(a.bus))

	opts := []coordinator.Option{
		coordinator.WithBus(a.bus),
		coordinator.WithLogger(logger),
		coordinator.WithResolver(resolver),
		coordinator.WithGate(gate),
		coordinator.WithMonitor(mon),
		coordinator.WithCorrector(corrector),
	}
	if cfg.Conflict.WatchWorkspaces {
		w, err := conflict.NewWatcher(logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, coordinator.WithWatcher(w))
	}
	a.coord, err = coordinator.New(cfg.Coordinator, a.tr, opts...)
	if err != nil {
		return nil, err
	}

	a.watcher = config.NewWatcher(cfg, func(err error) {
		logger.Warn("ignoring invalid configuration change", "error", err)
	})
	a.watcher.OnChange(func(next *config.Config) {
		if err := a.coord.ApplyConfig(next, viper.ConfigFileUsed()); err != nil {
			logger.Warn("applying configuration change", "error", err)
		}
	})

	ok = true
	return a, nil
}

func newResolver(cfg config.ConflictConfig, logger *logging.Logger) (*conflict.Resolver, error) {
	classifier, err := conflict.NewClassifier(cfg.SchemaPatterns, cfg.APIPatterns, cfg.DependencyPatterns)
	if err != nil {
		return nil, err
	}
	opts := []conflict.Option{
		conflict.WithLogger(logger),
		conflict.WithClassifier(classifier),
		conflict.WithThreshold(cfg.AutoResolveConfidenceThreshold),
	}
	if cfg.WorkspaceDir != "" {
		opts = append(opts, conflict.WithWorkspace(conflict.NewOSWorkspace(cfg.WorkspaceDir)))
		if cfg.GitBackups {
			opts = append(opts, conflict.WithGitBackups(cfg.WorkspaceDir))
		}
	}
	return conflict.New(opts...), nil
}

// localWorker creates an in-process worker on the hub that runs command
// for each task.
func (a *app) localWorker(id, command string) *worker.Worker {
	return worker.New(worker.Config{
		ID:                 id,
		Type:               "general",
		MaxConcurrentTasks: a.cfg.Coordinator.MaxConcurrentTasksPerWorker,
		Workspace:          a.cfg.Conflict.WorkspaceDir,
	},
		&worker.CommandHandler{Command: command, Dir: a.cfg.Conflict.WorkspaceDir},
		a.hub.Endpoint(id),
		worker.WithLogger(a.logger.WithWorker(id)),
		worker.WithSampler(monitor.NewHostSampler()),
	)
}

func (a *app) mcp(readOnly bool) *mcpserver.Server {
	opts := []mcpserver.Option{mcpserver.WithLogger(a.logger)}
	if readOnly {
		opts = append(opts, mcpserver.ReadOnly())
	}
	return mcpserver.New(a.coord, Version, opts...)
}

func (a *app) close() {
	if a.recorder != nil {
		a.recorder.Close()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("closing journal", "error", err)
		}
	}
	if a.tr != nil {
		_ = a.tr.Close()
	}
	if a.hub != nil {
		_ = a.hub.Close()
	}
}

func logDirLabel(dir string) string {
	if dir == "" {
		return "stderr"
	}
	return dir
}
