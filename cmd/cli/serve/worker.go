package serve

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/motivemetrics/zerog/cmd/cliutil"
	"github.com/motivemetrics/zerog/pkg/config"
	"github.com/motivemetrics/zerog/pkg/registry"
	"github.com/motivemetrics/zerog/pkg/server"
	"github.com/motivemetrics/zerog/pkg/worker"
)

// WorkerCmd is the hidden entrypoint the supervisor re-execs as its child.
// It speaks the pipe protocol on stdin/stdout, so nothing else may write to
// stdout in this process.
var WorkerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run the job-leasing child process (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load[config.Server]()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := cmd.Context()

	reg := registry.New()
	if err := reg.AddClasses(cliutil.JobClasses()...).Err(); err != nil {
		return fmt.Errorf("registering job classes: %w", err)
	}

	store, err := cliutil.OpenStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	q, err := cliutil.OpenQueue(ctx, cfg.Queue)
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}
	defer q.Close()

	w := worker.New(worker.Options{
		Tube:      server.JobTube(cfg.Service.Name),
		Registry:  reg,
		Store:     store,
		Queue:     q,
		In:        os.Stdin,
		Out:       os.Stdout,
		ParentPID: os.Getppid(),
		// Exit after each job; the supervisor respawns a fresh process.
		SuicideAfterJob: true,
	})

	return w.Run(ctx)
}
