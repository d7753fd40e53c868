package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/shmguard/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "shmguard",
	Short: "Shared-memory counter coordination harness",
	Long: `shmguard runs a fixed set of worker processes that increment one counter
in a shared memory region under a pair of file locks, and checks that the
coordination held: no lost updates, no two holders at once, and a ledger
that agrees with the counter.

A supervisor watches the workers, recovers stuck ones and reports the run
when every worker has exited.`,
	SilenceUsage: true,
}

// Execute runs the command selected by os.Args.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(loadConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to a YAML config (default "+config.ConfigFile()+")")
	_ = viper.BindPFlag("config", flags.Lookup("config"))
}

// loadConfig layers, lowest first: built-in defaults, the config file,
// SHMGUARD_* environment variables, then flags.
func loadConfig() {
	config.SetDefaults()

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // run.thread_count -> SHMGUARD_RUN_THREAD_COUNT
	viper.AutomaticEnv()

	path := viper.GetString("config")
	if path == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		for _, dir := range []string{config.ConfigDir(), "."} {
			viper.AddConfigPath(dir)
		}
	} else {
		viper.SetConfigFile(path)
	}
	// A missing file leaves the defaults in place.
	_ = viper.ReadInConfig()
}
