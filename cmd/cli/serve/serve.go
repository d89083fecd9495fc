package serve

import (
	"fmt"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap/zapcore"

	"github.com/motivemetrics/zerog/cmd/cliutil"
	"github.com/motivemetrics/zerog/pkg/config"
	"github.com/motivemetrics/zerog/pkg/fx/app"
	registryfx "github.com/motivemetrics/zerog/pkg/fx/registry"
	serverfx "github.com/motivemetrics/zerog/pkg/fx/server"
)

var log = logging.Logger("zerog/cmd/serve")

// ShutdownTimeout bounds how long a stopping server waits for its child to
// finish draining.
const ShutdownTimeout = 30 * time.Second

var Cmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the supervising server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	Cmd.Flags().Uint("port", 0, "Management API port")
	cobra.CheckErr(viper.BindPFlag(string(config.APIPort), Cmd.Flags().Lookup("port")))

	Cmd.Flags().String("api-host", "", "Management API listen host")
	cobra.CheckErr(viper.BindPFlag(string(config.APIHost), Cmd.Flags().Lookup("api-host")))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load[config.Server]()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// The worker child re-reads configuration through the environment, so
	// flag overrides given to this process reach it too.
	exportConfig(cfg)

	opts := []fx.Option{
		// if a panic occurs during operation, recover from it and exit
		// (somewhat) gracefully.
		fx.RecoverFromPanics(),

		// provide fx with our logger for its events logged at debug level.
		// any fx errors will still be logged at the error level.
		fx.WithLogger(func() fxevent.Logger {
			el := &fxevent.ZapLogger{Logger: log.Desugar()}
			el.UseLogLevel(zapcore.DebugLevel)
			return el
		}),

		fx.StopTimeout(ShutdownTimeout),

		app.Modules(cfg),
		fx.Supply(serverfx.SpawnArgs(spawnArgs())),
	}
	for _, class := range cliutil.JobClasses() {
		opts = append(opts, registryfx.Supply(class))
	}

	node := fx.New(opts...)

	// an error here means a missing dependency, i.e. a developer error
	if err := node.Err(); err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	// run the app; when an interrupt signal is sent to the process, this
	// method ends. errors encountered during shutdown surface in logs.
	node.Run()

	return nil
}

// spawnArgs are the extra arguments passed to the re-exec'd worker child.
func spawnArgs() []string {
	var args []string
	if f := viper.ConfigFileUsed(); f != "" {
		args = append(args, "--config", f)
	}
	return args
}

// exportConfig mirrors the effective settings into the environment, where
// the worker child's viper picks them up.
func exportConfig(cfg config.Server) {
	export := map[config.Key]string{
		config.ServiceName:  cfg.Service.Name,
		config.ServiceHost:  cfg.Service.Host,
		config.QueueKind:    cfg.Queue.Kind,
		config.QueueAddress: cfg.Queue.Address,
		config.QueuePath:    cfg.Queue.Path,
		config.QueueDSN:     cfg.Queue.DSN,
		config.StoreKind:    cfg.Store.Kind,
		config.StorePath:    cfg.Store.Path,
		config.StoreDSN:     cfg.Store.DSN,
		config.LogLevel:     cfg.LogLevel,
	}
	for key, value := range export {
		if value == "" {
			continue
		}
		name := "ZEROG_" + strings.ToUpper(strings.ReplaceAll(string(key), ".", "_"))
		if err := os.Setenv(name, value); err != nil {
			log.Warnf("exporting %s: %s", name, err)
		}
	}
}
