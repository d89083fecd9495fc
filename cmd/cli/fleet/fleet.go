// Package fleet holds the commands that manage workers across hosts over
// the broker's control tubes.
package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/motivemetrics/zerog/cmd/cliutil"
	"github.com/motivemetrics/zerog/pkg/config"
	"github.com/motivemetrics/zerog/pkg/mgmt"
)

var Cmd = &cobra.Command{
	Use:   "fleet",
	Short: "Inspect and control workers across hosts",
}

func init() {
	Cmd.AddCommand(statusCmd)
	Cmd.AddCommand(newControlCmd("drain", "Stop workers from leasing new jobs", controlDrain))
	Cmd.AddCommand(newControlCmd("undrain", "Resume leasing on drained workers", controlUndrain))
	Cmd.AddCommand(newControlCmd("retire", "Permanently drain workers", controlRetire))
	Cmd.AddCommand(killJobCmd)
}

// withManager connects to the configured broker, runs fn, and tears the
// connection down again.
func withManager(cmd *cobra.Command, fn func(ctx context.Context, mgr *mgmt.Manager) error) error {
	cfg, err := config.Load[config.Server]()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := cmd.Context()
	q, err := cliutil.OpenQueue(ctx, cfg.Queue)
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}
	defer q.Close()

	mgr, err := mgmt.NewManager(ctx, q)
	if err != nil {
		return fmt.Errorf("attaching manager: %w", err)
	}
	defer mgr.Close(ctx)

	return fn(ctx, mgr)
}

// refresh asks every known worker for its status and collects the replies.
// Workers answer on their next poll, so wait out at least one poll interval.
func refresh(ctx context.Context, mgr *mgmt.Manager, wait time.Duration) error {
	if err := mgr.UpdateWorkers(ctx); err != nil {
		return err
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		if err := mgr.PollUpdates(ctx); err != nil {
			return err
		}
	}
	return nil
}

// targets resolves the --worker and --host flags into worker ids.
func targets(cmd *cobra.Command, mgr *mgmt.Manager) ([]string, error) {
	workers, err := cmd.Flags().GetStringSlice("worker")
	if err != nil {
		return nil, err
	}
	host, err := cmd.Flags().GetString("host")
	if err != nil {
		return nil, err
	}

	if host != "" {
		byHost := mgr.WorkersByHost()
		ids, ok := byHost[host]
		if !ok {
			return nil, fmt.Errorf("no workers on host %s", host)
		}
		workers = append(workers, ids...)
	}
	if len(workers) == 0 {
		return nil, fmt.Errorf("no targets: pass --worker or --host")
	}
	return workers, nil
}

func newControlCmd(use, short string, run func(ctx context.Context, mgr *mgmt.Manager, ids []string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd, func(ctx context.Context, mgr *mgmt.Manager) error {
				if err := refresh(ctx, mgr, statusWait); err != nil {
					return err
				}
				ids, err := targets(cmd, mgr)
				if err != nil {
					return err
				}
				if err := run(ctx, mgr, ids); err != nil {
					return err
				}
				cmd.Printf("sent %s to %d worker(s)\n", cmd.Use, len(ids))
				return nil
			})
		},
	}
	cmd.Flags().StringSlice("worker", nil, "Worker id to target. Pass multiple times for multiple workers.")
	cmd.Flags().String("host", "", "Target every worker on a host")
	return cmd
}

func controlDrain(ctx context.Context, mgr *mgmt.Manager, ids []string) error {
	return mgr.DrainWorkers(ctx, ids...)
}

func controlUndrain(ctx context.Context, mgr *mgmt.Manager, ids []string) error {
	return mgr.UndrainWorkers(ctx, ids...)
}

func controlRetire(ctx context.Context, mgr *mgmt.Manager, ids []string) error {
	return mgr.RetireWorkers(ctx, ids...)
}

var killJobCmd = &cobra.Command{
	Use:   "kill-job <worker-id> <uuid>",
	Short: "Kill the job running on a worker",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, mgr *mgmt.Manager) error {
			return mgr.KillJob(ctx, args[0], args[1])
		})
	},
}
