package cmd

import (
	"strings"

	"github.com/Iron-Ham/taskmesh/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set by the linker at release time.
var Version = "dev"

// envPrefix namespaces every configuration key read from the environment.
const envPrefix = "TASKMESH"

var rootCmd = &cobra.Command{
	Use:   "taskmesh",
	Short: "Hand out tasks to workers and check what comes back",
	Long: `taskmesh runs a coordinator that queues tasks by priority and hands
each one to the best-suited worker. Work that comes back is scored by the
quality gate before it counts as done. Overlapping file edits are merged or
escalated, and known failure patterns are fixed and retried automatically.

Start a coordinator with 'taskmesh serve' and attach workers with
'taskmesh worker'. The journal and log of a running or finished coordinator
are read with 'taskmesh report' and 'taskmesh logs'.

Settings come from the config file, then TASKMESH_* environment variables
(TASKMESH_QUALITY_MIN_SCORE sets quality.min_score), then flags.`,
	SilenceUsage: true,
}

// Execute parses the command line and runs the selected subcommand.
func Execute() error {
	rootCmd.Version = Version
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(loadSettings)

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to a config file (default "+config.ConfigFile()+")")
	flags.String("data-dir", "", "where logs, the journal and mailboxes live (overrides data_dir)")
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("data_dir", flags.Lookup("data-dir"))
}

// loadSettings layers defaults, the config file and the environment into
// the global viper instance that config.Load reads.
func loadSettings() {
	config.SetDefaults()

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path := viper.GetString("config"); path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}
	// No config file is fine; defaults and the environment still apply.
	_ = viper.ReadInConfig()
}
