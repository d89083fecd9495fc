package cli

import (
	"context"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/motivemetrics/zerog/cmd/cli/fleet"
	"github.com/motivemetrics/zerog/cmd/cli/jobs"
	"github.com/motivemetrics/zerog/cmd/cli/serve"
	"github.com/motivemetrics/zerog/cmd/cliutil"
	"github.com/motivemetrics/zerog/pkg/config"
	"github.com/motivemetrics/zerog/pkg/registry"
)

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

// RegisterJobs records job classes to be served by both the supervisor and
// the worker child. Call before ExecuteContext.
func RegisterJobs(classes ...registry.Class) {
	cliutil.RegisterJobs(classes...)
}

var log = logging.Logger("zerog/cmd")

const zerogShortDescription = `
Zerog runs jobs leased from tube queues under a supervising server
`

const zerogLongDescription = `
Zerog is a distributed job-processing system. A server supervises a child
worker process that leases jobs from a tube queue, and a fleet of servers
is managed over the same broker.
`

var (
	cfgFile  string
	logLevel string
	rootCmd  = &cobra.Command{
		Use:   "zerog",
		Short: zerogShortDescription,
		Long:  zerogLongDescription,
	}
)

func init() {
	cobra.OnInitialize(initConfig, initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "logging level")

	rootCmd.PersistentFlags().String("service", "", "Service name shared by every server leasing from the same job tube")
	cobra.CheckErr(viper.BindPFlag(string(config.ServiceName), rootCmd.PersistentFlags().Lookup("service")))

	rootCmd.PersistentFlags().String("host", "", "Hostname reported in worker ids (defaults to the OS hostname)")
	cobra.CheckErr(viper.BindPFlag(string(config.ServiceHost), rootCmd.PersistentFlags().Lookup("host")))

	rootCmd.PersistentFlags().String("queue", "", "Queue backend: beanstalk, sqlite or postgres")
	cobra.CheckErr(viper.BindPFlag(string(config.QueueKind), rootCmd.PersistentFlags().Lookup("queue")))

	rootCmd.PersistentFlags().String("queue-address", "", "beanstalkd address (queue kind beanstalk)")
	cobra.CheckErr(viper.BindPFlag(string(config.QueueAddress), rootCmd.PersistentFlags().Lookup("queue-address")))

	rootCmd.PersistentFlags().String("queue-path", "", "Queue database file (queue kind sqlite)")
	cobra.CheckErr(viper.BindPFlag(string(config.QueuePath), rootCmd.PersistentFlags().Lookup("queue-path")))

	rootCmd.PersistentFlags().String("queue-dsn", "", "Queue connection string (queue kind postgres)")
	cobra.CheckErr(viper.BindPFlag(string(config.QueueDSN), rootCmd.PersistentFlags().Lookup("queue-dsn")))

	rootCmd.PersistentFlags().String("store", "", "Store backend: memory, sqlite or postgres")
	cobra.CheckErr(viper.BindPFlag(string(config.StoreKind), rootCmd.PersistentFlags().Lookup("store")))

	rootCmd.PersistentFlags().String("store-path", "", "Store database file (store kind sqlite)")
	cobra.CheckErr(viper.BindPFlag(string(config.StorePath), rootCmd.PersistentFlags().Lookup("store-path")))

	rootCmd.PersistentFlags().String("store-dsn", "", "Store connection string (store kind postgres)")
	cobra.CheckErr(viper.BindPFlag(string(config.StoreDSN), rootCmd.PersistentFlags().Lookup("store-dsn")))

	// register all commands and their subcommands
	rootCmd.AddCommand(serve.Cmd)
	rootCmd.AddCommand(serve.WorkerCmd)
	rootCmd.AddCommand(jobs.Cmd)
	rootCmd.AddCommand(fleet.Cmd)
	rootCmd.AddCommand(NewLogCmd())
}

func initConfig() {
	config.SetDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("ZEROG")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		cobra.CheckErr(viper.ReadInConfig())
	}
}

func initLogging() {
	if logLevel == "" {
		logLevel = viper.GetString(string(config.LogLevel))
	}
	if logLevel != "" {
		ll, err := logging.LevelFromString(logLevel)
		cobra.CheckErr(err)
		logging.SetAllLoggers(ll)
	}
}
