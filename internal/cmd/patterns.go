package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/taskmesh/internal/config"
	"github.com/Iron-Ham/taskmesh/internal/correction"
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect the error pattern table used for automatic correction",
	Long: `Inspect the error pattern table used for automatic correction.

The table is the built-in set overlaid with every file listed in
correction.pattern_files (YAML, or TOML for files ending in .toml).`,
	RunE: runPatternsList,
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the effective patterns",
	RunE:  runPatternsList,
}

var patternsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one pattern in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runPatternsShow,
}

var patternsValidateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check pattern files without loading them into a coordinator",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPatternsValidate,
}

var patternsMatchCmd = &cobra.Command{
	Use:   "match <message>",
	Short: "Show which pattern a failure message would match",
	Long: `Show which pattern a failure message would match, with its confidence
and the assessed risk of fixing it automatically.

Example:
  taskmesh patterns match "Cannot find module 'lodash'" --file package.json`,
	Args: cobra.ExactArgs(1),
	RunE: runPatternsMatch,
}

var (
	patternsMatchFiles []string
	patternsMatchEnv   string
)

func init() {
	rootCmd.AddCommand(patternsCmd)
	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsShowCmd)
	patternsCmd.AddCommand(patternsValidateCmd)
	patternsCmd.AddCommand(patternsMatchCmd)

	patternsMatchCmd.Flags().StringSliceVar(&patternsMatchFiles, "file", nil, "File involved in the failure (repeatable)")
	patternsMatchCmd.Flags().StringVar(&patternsMatchEnv, "env", "", "Environment the failure happened in (default: correction.environment)")
}

// patternFs is where pattern files are read from.
var patternFs = afero.NewOsFs()

func loadCorrector() (*correction.Corrector, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return correction.FromConfig(cfg.Correction, patternFs)
}

func runPatternsList(cmd *cobra.Command, args []string) error {
	c, err := loadCorrector()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tSEVERITY\tAUTO-FIX\tSTEPS")
	for _, p := range c.Patterns() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", p.ID, p.Category, p.Severity, yesNo(p.AutoFixable), len(p.Steps))
	}
	return tw.Flush()
}

func runPatternsShow(cmd *cobra.Command, args []string) error {
	c, err := loadCorrector()
	if err != nil {
		return err
	}
	for _, p := range c.Patterns() {
		if p.ID == args[0] {
			return writeYAML(cmd.OutOrStdout(), p)
		}
	}
	return fmt.Errorf("no pattern with id %q", args[0])
}

func runPatternsValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range args {
		ps, err := correction.LoadPatterns(patternFs, path)
		if err != nil {
			fmt.Fprintf(out, "FAIL %s\n     %v\n", path, err)
			failed++
			continue
		}
		fmt.Fprintf(out, "ok   %s (%d patterns)\n", path, len(ps))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d pattern files are invalid", failed, len(args))
	}
	return nil
}

func runPatternsMatch(cmd *cobra.Command, args []string) error {
	c, err := loadCorrector()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	p, score, ok := c.Match(correction.Failure{
		Message:     args[0],
		Files:       patternsMatchFiles,
		Environment: patternsMatchEnv,
	})
	if !ok {
		fmt.Fprintln(out, "No pattern matches; the failure would be escalated.")
		return nil
	}

	fmt.Fprintf(out, "Pattern:    %s (%s)\n", p.ID, p.Name)
	fmt.Fprintf(out, "Category:   %s\n", p.Category)
	fmt.Fprintf(out, "Severity:   %s\n", p.Severity)
	fmt.Fprintf(out, "Confidence: %d%%\n", score)
	fmt.Fprintf(out, "Auto-fix:   %s\n", yesNo(p.AutoFixable))

	risk := correction.AssessRisk(&p, patternsMatchFiles, patternsMatchEnv)
	fmt.Fprintf(out, "Risk:       %s\n", risk.Level)
	for _, concern := range risk.Concerns {
		fmt.Fprintf(out, "  - %s\n", concern)
	}
	if len(p.Steps) > 0 {
		fmt.Fprintln(out, "Steps:")
		for i, s := range p.Steps {
			fmt.Fprintf(out, "  %d. %s", i+1, s.Name)
			if len(s.Command) > 0 {
				fmt.Fprintf(out, ": %s", strings.Join(s.Command, " "))
			}
			fmt.Fprintln(out)
		}
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
