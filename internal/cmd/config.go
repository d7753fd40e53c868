package cmd

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/shmguard/internal/config"
	"github.com/Iron-Ham/shmguard/internal/errors"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify shmguard configuration",
	Long: `View or modify shmguard configuration.

Without arguments, displays the effective configuration: defaults, then the
config file, then SHMGUARD_* environment variables.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate the effective configuration or a config file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigValidate,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  shmguard config set run.thread_count 8
  shmguard config set watchdog.forced_unlock true
  shmguard config set fault.mode stall`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/shmguard/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to read configuration: %w", err)
	}
	out := cmd.OutOrStdout()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	var (
		source string
		errs   []config.ValidationError
	)
	if len(args) == 1 {
		source = args[0]
		var verrs config.ValidationErrors
		if _, err := config.LoadFile(source); err != nil && !errors.As(err, &verrs) {
			return err
		}
		errs = verrs
	} else {
		source = viper.ConfigFileUsed()
		if source == "" {
			source = "(defaults)"
		}
		var cfg config.Config
		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("failed to read configuration: %w", err)
		}
		errs = cfg.Validate()
	}

	out := cmd.OutOrStdout()
	if len(errs) == 0 {
		fmt.Fprintf(out, "%s: ok\n", source)
		return nil
	}
	fmt.Fprintf(out, "%s: %d problem(s)\n", source, len(errs))
	for _, e := range errs {
		fmt.Fprintf(out, "  - %s\n", e.Error())
	}
	return config.ValidationErrors(errs)
}

// typedValue parses raw the way the current value of key is typed.
func typedValue(key, raw string) (any, error) {
	switch viper.Get(key).(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s takes true or false, not %q", key, raw)
		}
		return b, nil
	case int, int64:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s takes an integer, not %q", key, raw)
		}
		return n, nil
	}
	return raw, nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := strings.ToLower(args[0])
	if key == "config" || !slices.Contains(viper.AllKeys(), key) {
		return fmt.Errorf("unknown configuration key %q (see 'shmguard config show')", key)
	}
	value, err := typedValue(key, args[1])
	if err != nil {
		return err
	}

	viper.Set(key, value)
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return errs
	}

	target := cmp.Or(viper.ConfigFileUsed(), config.ConfigFile())
	if err := writeConfig(&cfg, target); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s = %v (saved to %s)\n", key, value, target)
	return nil
}

func writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return cfg.WriteFile(path)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.ConfigFile()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists; edit it with 'shmguard config set'", path)
	}
	if err := writeConfig(config.Default(), path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote defaults to %s\n", path)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "active:\t%s\n", cmp.Or(viper.ConfigFileUsed(), "(none)"))
	fmt.Fprintf(w, "user file:\t%s\n", config.ConfigFile())
	fmt.Fprintf(w, "local file:\t./config.yaml\n")
	fmt.Fprintf(w, "environment:\t%s_<SECTION>_<KEY>\n", config.EnvPrefix)
	return w.Flush()
}
