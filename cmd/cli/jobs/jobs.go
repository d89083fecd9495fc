// Package jobs holds the commands that submit and inspect jobs through the
// management REST API.
package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/motivemetrics/zerog/cmd/cliutil"
	"github.com/motivemetrics/zerog/pkg/api"
)

var Cmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and inspect jobs",
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new job",
	Args:  cobra.NoArgs,
	RunE:  runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <uuid>",
	Short: "Show a job's progress and audit streams",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var dataCmd = &cobra.Command{
	Use:   "data <uuid>",
	Short: "Show a job's result data",
	Args:  cobra.ExactArgs(1),
	RunE:  runData,
}

func init() {
	Cmd.PersistentFlags().String("api", cliutil.DefaultAPIAddr, "Management API address")

	submitCmd.Flags().String("type", "", "Job type to run")
	cobra.CheckErr(submitCmd.MarkFlagRequired("type"))
	submitCmd.Flags().String("data", "{}", "Job document as JSON")
	submitCmd.Flags().Float64("delay", 0, "Seconds before the job becomes available")
	submitCmd.Flags().Float64("ttr", 0, "Lease time-to-run in seconds")

	Cmd.AddCommand(submitCmd)
	Cmd.AddCommand(statusCmd)
	Cmd.AddCommand(dataCmd)
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	jobType, err := cmd.Flags().GetString("type")
	if err != nil {
		return err
	}
	raw, err := cmd.Flags().GetString("data")
	if err != nil {
		return err
	}
	delay, err := cmd.Flags().GetFloat64("delay")
	if err != nil {
		return err
	}
	ttr, err := cmd.Flags().GetFloat64("ttr")
	if err != nil {
		return err
	}

	data := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return fmt.Errorf("parsing job data: %w", err)
	}
	if delay > 0 || ttr > 0 {
		data["queueKwargs"] = map[string]any{"delay": delay, "ttr": ttr}
	}

	client := api.NewClient(cliutil.MustGetAPIAddr(cmd))
	uuid, err := client.CreateJob(cmd.Context(), jobType, data)
	if err != nil {
		return err
	}

	cmd.Println(uuid)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := api.NewClient(cliutil.MustGetAPIAddr(cmd))
	info, err := client.Info(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, info)
}

func runData(cmd *cobra.Command, args []string) error {
	client := api.NewClient(cliutil.MustGetAPIAddr(cmd))
	data, err := client.Data(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, data)
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return nil
}
