package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Iron-Ham/taskmesh/internal/config"
	"github.com/Iron-Ham/taskmesh/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View coordinator logs",
	Long: `View and filter the coordinator's structured log.

Examples:
  # Show the last 50 entries
  taskmesh logs

  # Everything a worker logged in the last hour, as CSV
  taskmesh logs --worker api-1 --since 1h -n 0 --format csv

  # Follow warnings and errors
  taskmesh logs -f --level warn`,
	RunE: runLogs,
}

var (
	logsTail      int
	logsFollow    bool
	logsLevel     string
	logsSince     string
	logsComponent string
	logsWorker    string
	logsTask      string
	logsConflict  string
	logsGrep      string
	logsFormat    string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show entries since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsComponent, "component", "", "Only entries from this component")
	logsCmd.Flags().StringVar(&logsWorker, "worker", "", "Only entries about this worker")
	logsCmd.Flags().StringVar(&logsTask, "task", "", "Only entries about this task")
	logsCmd.Flags().StringVar(&logsConflict, "conflict", "", "Only entries about this conflict")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Only entries whose message contains this text")
	logsCmd.Flags().StringVar(&logsFormat, "format", "text", "Output format: text, json or csv")
}

var (
	logTimeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	logFieldStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	logLevelStyle = map[string]lipgloss.Style{
		logging.LevelDebug: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		logging.LevelInfo:  lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		logging.LevelWarn:  lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		logging.LevelError: lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
)

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logPath := filepath.Join(cfg.ResolveDataDir(), logging.LogFileName)

	filter, err := logsFilter(time.Now())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	color := logsFormat == "text" && isTerminal(out)

	if logsFollow {
		if logsFormat != "text" {
			return fmt.Errorf("--follow only supports the text format")
		}
		return followLogs(cmd.Context(), out, logPath, filter, color)
	}

	entries, err := logging.ReadEntries(logPath)
	if err != nil {
		return err
	}
	entries = logging.FilterEntries(entries, filter)
	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}
	if len(entries) == 0 && logsFormat == "text" {
		if _, statErr := os.Stat(logPath); os.IsNotExist(statErr) {
			fmt.Fprintf(out, "No log file at %s\n", logPath)
			return nil
		}
		fmt.Fprintln(out, "No matching log entries found.")
		return nil
	}
	if !color {
		return logging.WriteEntries(out, entries, logsFormat)
	}
	for _, e := range entries {
		fmt.Fprintln(out, formatLogEntry(e))
	}
	return nil
}

func logsFilter(now time.Time) (logging.Filter, error) {
	f := logging.Filter{
		Component:  logsComponent,
		WorkerID:   logsWorker,
		TaskID:     logsTask,
		ConflictID: logsConflict,
		Contains:   logsGrep,
	}
	if logsLevel != "" {
		f.MinLevel = logging.ParseLevel(logsLevel)
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return f, fmt.Errorf("invalid duration format: %w", err)
		}
		f.Since = now.Add(-d)
	}
	return f, nil
}

// followLogs prints matching entries as they are appended until ctx ends.
// A shrinking file means it was rotated and is read from the start again.
func followLogs(ctx context.Context, out io.Writer, logPath string, filter logging.Filter, color bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	fmt.Fprintf(out, "Following %s... (Ctrl+C to stop)\n\n", logPath)

	seen := -1
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		entries, err := logging.ReadEntries(logPath)
		if err != nil {
			return err
		}
		switch {
		case seen < 0:
			seen = len(entries)
		case len(entries) < seen:
			seen = 0
		}
		for _, e := range entries[seen:] {
			if !filter.Match(e) {
				continue
			}
			if color {
				fmt.Fprintln(out, formatLogEntry(e))
			} else if err := logging.WriteEntries(out, []logging.Entry{e}, "text"); err != nil {
				return err
			}
		}
		seen = len(entries)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// formatLogEntry renders one entry for a terminal.
func formatLogEntry(e logging.Entry) string {
	var sb strings.Builder
	sb.WriteString(logTimeStyle.Render("[" + e.Time.Format("15:04:05.000") + "]"))
	sb.WriteString(" ")
	level := strings.ToUpper(e.Level)
	if style, ok := logLevelStyle[level]; ok {
		sb.WriteString(style.Render(fmt.Sprintf("[%-5s]", level)))
	} else {
		sb.WriteString("[" + level + "]")
	}
	sb.WriteString(" ")
	sb.WriteString(e.Message)

	field := func(k, v string) {
		if v != "" {
			sb.WriteString(" " + logFieldStyle.Render(k+"=") + v)
		}
	}
	field("component", e.Component)
	field("worker", e.WorkerID)
	field("task", e.TaskID)
	field("conflict", e.ConflictID)

	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field(k, fmt.Sprintf("%v", e.Attrs[k]))
	}
	return sb.String()
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
