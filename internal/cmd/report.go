package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/taskmesh/internal/config"
	"github.com/Iron-Ham/taskmesh/internal/store"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize the event journal",
	Long: `Summarize what the coordinator recorded in its event journal.

Shows how many events of each type were recorded and the most recent ones.
Use --type to narrow the recent list (e.g. "conflict.*") and --subject to
follow a single task, worker, conflict or alert.`,
	RunE: runReport,
}

var (
	reportJSON    bool
	reportRecent  int
	reportType    string
	reportSubject string
	reportSince   string
)

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "Output the report as JSON")
	reportCmd.Flags().IntVarP(&reportRecent, "recent", "n", 20, "Number of recent events to list")
	reportCmd.Flags().StringVar(&reportType, "type", "", `Only list events of this type ("task.*" matches a family)`)
	reportCmd.Flags().StringVar(&reportSubject, "subject", "", "Only list events about this ID")
	reportCmd.Flags().StringVar(&reportSince, "since", "", "Only list events since duration ago (e.g., 24h)")
}

var (
	reportHeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("5"))
	reportTypeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	reportSubjectStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	reportMutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// journalReport is what the report command prints.
type journalReport struct {
	Path   string         `json:"path"`
	Total  int            `json:"total"`
	Counts map[string]int `json:"counts"`
	Recent []store.Entry  `json:"recent"`
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.Store.Enabled {
		return fmt.Errorf("the event journal is disabled (store.enabled is false)")
	}
	path := cfg.StorePath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(cmd.OutOrStdout(), "No journal at %s yet. Run 'taskmesh serve' first.\n", path)
		return nil
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	j, err := store.Open(ctx, path)
	if err != nil {
		return err
	}
	defer j.Close()

	filter := store.Filter{Type: reportType, Subject: reportSubject, Limit: reportRecent}
	if reportSince != "" {
		d, err := time.ParseDuration(reportSince)
		if err != nil {
			return fmt.Errorf("invalid duration format: %w", err)
		}
		filter.Since = time.Now().Add(-d)
	}
	r, err := buildReport(ctx, j, filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if reportJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	printReport(out, r, time.Now(), isTerminal(out))
	return nil
}

func buildReport(ctx context.Context, j *store.Journal, f store.Filter) (journalReport, error) {
	counts, err := j.Counts(ctx)
	if err != nil {
		return journalReport{}, err
	}
	r := journalReport{Path: j.Path(), Counts: counts}
	for _, n := range counts {
		r.Total += n
	}
	if f.Limit > 0 {
		if r.Recent, err = j.Query(ctx, f); err != nil {
			return journalReport{}, err
		}
	}
	return r, nil
}

func printReport(w io.Writer, r journalReport, now time.Time, styled bool) {
	render := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}

	fmt.Fprintln(w, render(reportHeaderStyle, "EVENT JOURNAL"))
	fmt.Fprintln(w, strings.Repeat("─", 50))
	fmt.Fprintf(w, "Path:   %s\n", r.Path)
	fmt.Fprintf(w, "Events: %s\n", humanize.Comma(int64(r.Total)))
	fmt.Fprintln(w)

	if len(r.Counts) > 0 {
		fmt.Fprintln(w, render(reportHeaderStyle, "BY TYPE"))
		fmt.Fprintln(w, strings.Repeat("─", 50))
		types := make([]string, 0, len(r.Counts))
		for t := range r.Counts {
			types = append(types, t)
		}
		sort.Slice(types, func(a, b int) bool {
			if r.Counts[types[a]] != r.Counts[types[b]] {
				return r.Counts[types[a]] > r.Counts[types[b]]
			}
			return types[a] < types[b]
		})
		for _, t := range types {
			fmt.Fprintf(w, "%-24s %8s\n", t, humanize.Comma(int64(r.Counts[t])))
		}
		fmt.Fprintln(w)
	}

	if len(r.Recent) > 0 {
		fmt.Fprintln(w, render(reportHeaderStyle, "RECENT"))
		fmt.Fprintln(w, strings.Repeat("─", 50))
		for i := len(r.Recent) - 1; i >= 0; i-- {
			e := r.Recent[i]
			line := fmt.Sprintf("%-16s %-24s", humanize.RelTime(e.OccurredAt, now, "ago", "from now"), render(reportTypeStyle, e.Type))
			if e.Subject != "" {
				line += " " + render(reportSubjectStyle, e.Subject)
			}
			fmt.Fprintln(w, line)
		}
		return
	}
	fmt.Fprintln(w, render(reportMutedStyle, "No matching events."))
}
