package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/motivemetrics/zerog/cmd/cliutil"
	"github.com/motivemetrics/zerog/pkg/api"
)

func NewLogCmd() *cobra.Command {
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Manage logging subsystems and levels",
	}
	logCmd.PersistentFlags().String("api", cliutil.DefaultAPIAddr, "Management API address")

	logListCmd := &cobra.Command{
		Use:   "list",
		Short: "List all logging subsystems and their levels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := api.NewClient(cliutil.MustGetAPIAddr(cmd))
			levels, err := client.ListLogLevels(cmd.Context())
			if err != nil {
				return err
			}

			for subsystem, level := range levels {
				fmt.Printf("%-30s %s\n", subsystem, level)
			}

			return nil
		},
	}

	logSetLevelCmd := &cobra.Command{
		Use:   "set-level <level>",
		Short: "Set log level for a subsystem or all subsystems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := args[0]
			systems, err := cmd.Flags().GetStringSlice("system")
			if err != nil {
				return err
			}

			client := api.NewClient(cliutil.MustGetAPIAddr(cmd))

			if len(systems) == 0 {
				// If no systems are specified, get all of them and set the level
				levels, err := client.ListLogLevels(cmd.Context())
				if err != nil {
					return err
				}
				for subsystem := range levels {
					if err := client.SetLogLevel(cmd.Context(), subsystem, level); err != nil {
						return err
					}
				}
				return nil
			}

			for _, system := range systems {
				if err := client.SetLogLevel(cmd.Context(), system, level); err != nil {
					return err
				}
			}

			return nil
		},
	}

	logCmd.AddCommand(logListCmd)
	logCmd.AddCommand(logSetLevelCmd)
	logSetLevelCmd.Flags().StringSlice("system", []string{}, "Subsystem to target. Pass multiple times for multiple systems.")

	return logCmd
}
