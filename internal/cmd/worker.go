package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/taskmesh/internal/config"
	"github.com/Iron-Ham/taskmesh/internal/logging"
	"github.com/Iron-Ham/taskmesh/internal/mailbox"
	"github.com/Iron-Ham/taskmesh/internal/monitor"
	"github.com/Iron-Ham/taskmesh/internal/transport"
	"github.com/Iron-Ham/taskmesh/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker <id>",
	Short: "Run a worker that executes tasks as shell commands",
	Long: `Run a worker that joins a coordinator through the mailbox transport and
executes every assigned task as a shell command.

The command sees the task through TASKMESH_TASK_ID, TASKMESH_TASK_TITLE,
TASKMESH_TASK_DESCRIPTION, TASKMESH_TASK_KIND, TASKMESH_TASK_PRIORITY and
TASKMESH_FILES_MODIFY/CREATE/DELETE. Exit 0 completes the task, exit 75
blocks it and anything else fails it.

Example:
  taskmesh worker api-1 --type backend --capability go --capability sql \
    --dir ~/src/app --exec './scripts/run-task.sh'`,
	Args: cobra.ExactArgs(1),
	RunE: runWorker,
}

var (
	workerType         string
	workerCapabilities []string
	workerMaxTasks     int
	workerExec         string
	workerDir          string
)

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringVar(&workerType, "type", "general", "Worker type matched against task kinds")
	workerCmd.Flags().StringSliceVar(&workerCapabilities, "capability", nil, "Capability the worker offers (repeatable)")
	workerCmd.Flags().IntVar(&workerMaxTasks, "max-tasks", 0, "Concurrent task limit (default: coordinator setting)")
	workerCmd.Flags().StringVar(&workerExec, "exec", "", "Shell command run for each task (required)")
	workerCmd.Flags().StringVar(&workerDir, "dir", ".", "Working directory of the command, watched for undeclared edits")
	_ = workerCmd.MarkFlagRequired("exec")
}

func runWorker(cmd *cobra.Command, args []string) error {
	id := args[0]
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Transport.Kind != "mailbox" {
		return fmt.Errorf("workers run in a separate process need the mailbox transport (transport.kind is %q)", cfg.Transport.Kind)
	}

	logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Logging.Level).WithWorker(id)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr := mailbox.New(cfg.MailboxDir(),
		mailbox.WithSender(id),
		mailbox.WithLogger(logger),
		mailbox.WithPollInterval(cfg.Transport.PollInterval()),
	)
	defer tr.Close()

	w := worker.New(worker.Config{
		ID:                 id,
		Type:               workerType,
		Capabilities:       workerCapabilities,
		MaxConcurrentTasks: workerMaxTasks,
		Workspace:          workerDir,
	},
		&worker.CommandHandler{Command: workerExec, Dir: workerDir},
		tr,
		worker.WithLogger(logger),
		worker.WithSampler(monitor.NewHostSampler()),
		worker.WithEventHandler(func(ev transport.SystemEvent) {
			logger.Warn("coordinator event", "type", ev.Type, "message", ev.Message)
		}),
	)
	return w.Run(ctx)
}
