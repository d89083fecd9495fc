package fleet

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/spf13/cobra"

	"github.com/motivemetrics/zerog/cmd/cliutil/format"
	"github.com/motivemetrics/zerog/pkg/mgmt"
)

// statusWait is how long status collection listens for worker replies.
// Workers report on their next supervision tick, every 2s.
const statusWait = 5 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show every worker's state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("output", "table", "Output format: table or json")
	statusCmd.Flags().Duration("wait", statusWait, "How long to wait for worker replies")
}

// workerRow is one worker in the status listing.
type workerRow struct {
	WorkerID string `json:"workerId"`
	Host     string `json:"host"`
	PID      int    `json:"pid"`
	State    string `json:"state"`
	Job      string `json:"uuid,omitempty"`
	Retiring bool   `json:"retiring"`
	MemAvail uint64 `json:"memAvailable"`
}

type workerRows []workerRow

func (r workerRows) TableColumns() []table.Column {
	return []table.Column{
		{Title: "WORKER", Width: 48},
		{Title: "STATE", Width: 16},
		{Title: "JOB", Width: 38},
		{Title: "RETIRING", Width: 10},
		{Title: "MEM AVAIL", Width: 12},
	}
}

func (r workerRows) TableRows() []table.Row {
	rows := make([]table.Row, 0, len(r))
	for _, w := range r {
		rows = append(rows, table.Row{
			w.WorkerID,
			w.State,
			w.Job,
			fmt.Sprintf("%t", w.Retiring),
			fmt.Sprintf("%d MiB", w.MemAvail/(1024*1024)),
		})
	}
	return rows
}

func runStatus(cmd *cobra.Command, _ []string) error {
	outputStr, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	output, err := format.ParseOutputFormat(outputStr)
	if err != nil {
		return err
	}
	wait, err := cmd.Flags().GetDuration("wait")
	if err != nil {
		return err
	}

	return withManager(cmd, func(ctx context.Context, mgr *mgmt.Manager) error {
		if err := refresh(ctx, mgr, wait); err != nil {
			return err
		}

		workers := mgr.Workers()
		rows := make(workerRows, 0, len(workers))
		for id, status := range workers {
			row := workerRow{
				WorkerID: id,
				State:    status.State,
				Job:      status.RunningJobUUID,
				Retiring: status.Retiring,
				MemAvail: status.Mem.Available,
			}
			if wid, ok := mgmt.ParseWorkerID(id); ok {
				row.Host = wid.Host
				row.PID = wid.PID
			}
			rows = append(rows, row)
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].WorkerID < rows[j].WorkerID })

		return format.NewFormatter(output, cmd.OutOrStdout()).Format(rows)
	})
}
