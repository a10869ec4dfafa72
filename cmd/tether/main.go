package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/victorarias/tether/internal/config"
)

var version = "dev"

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tether",
		Short:        "Keeps a worker connected to the task server and relays page captures",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return config.Setup(viper.GetViper(), cfgFile)
		},
	}
	config.SetDefaults(viper.GetViper())

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.tether/config.yaml)")
	pf.String("data-dir", "", "directory for the database, sockets and logs")
	pf.String("store", config.StoreSQLite, "state store: sqlite | redis | memory")
	pf.String("db-path", "", "sqlite database path (default <data-dir>/tether.db)")
	pf.String("redis-addr", "localhost:6379", "redis address (host:port)")
	pf.String("redis-prefix", "tether:", "key prefix in redis")
	pf.String("controller-socket", "", "controller command socket (default <data-dir>/controller.sock)")
	pf.String("log-level", "info", "log level: debug | info")
	bindFlag(config.KeyDataDir, pf, "data-dir")
	bindFlag(config.KeyStore, pf, "store")
	bindFlag(config.KeyDBPath, pf, "db-path")
	bindFlag(config.KeyRedisAddr, pf, "redis-addr")
	bindFlag(config.KeyRedisPrefix, pf, "redis-prefix")
	bindFlag(config.KeySocketPath, pf, "controller-socket")
	bindFlag(config.KeyLogLevel, pf, "log-level")

	root.AddCommand(
		newControllerCmd(),
		newWorkerCmd(),
		newStatusCmd(),
		newLogsCmd(),
		newConfigCmd(),
		newRestartCmd(),
		newCaptureCmd(),
		newInterceptCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

// loadConfig resolves the effective configuration once flags are parsed.
func loadConfig() (config.Config, error) {
	return config.Load(viper.GetViper())
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}
