package main

import (
	"fmt"

	"github.com/phrazzld/taskd/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configFile string
	v          *viper.Viper
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	cmd := &cobra.Command{
		Use:          "taskd",
		Short:        "taskd runs background tasks with retries, circuit breakers and a scheduler",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file path (default: ./config.yaml or /etc/taskd/config.yaml)")
	cmd.PersistentFlags().String("log-level", "", "log level: debug | info | warn | error")
	cmd.PersistentFlags().String("db-driver", "", "database driver: pgx | sqlite3")
	cmd.PersistentFlags().String("db-url", "", "database URL or SQLite file path")
	bindFlag(opts.v, "server.log_level", cmd.PersistentFlags(), "log-level")
	bindFlag(opts.v, "database.driver", cmd.PersistentFlags(), "db-driver")
	bindFlag(opts.v, "database.url", cmd.PersistentFlags(), "db-url")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newTokenCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// load reads the configuration. Precedence: flag > environment > file > default.
func (o *rootOptions) load() (*config.Config, error) {
	if o.configFile != "" {
		o.v.SetConfigFile(o.configFile)
	} else {
		o.v.SetConfigName("config")
		o.v.SetConfigType("yaml")
		o.v.AddConfigPath(".")
		o.v.AddConfigPath("/etc/taskd")
	}
	cfg, err := config.LoadFrom(o.v)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// bindFlag binds a flag to a config key. Unset flags fall through to the
// environment and config file.
func bindFlag(v *viper.Viper, key string, fs *pflag.FlagSet, flagName string) {
	if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q -> %q: %v", flagName, key, err))
	}
}
