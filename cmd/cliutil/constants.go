package cliutil

import "github.com/spf13/cobra"

// DefaultAPIAddr is where the management REST API listens by default.
const DefaultAPIAddr = "127.0.0.1:8379"

// MustGetAPIAddr reads the --api flag registered by management commands.
func MustGetAPIAddr(cmd *cobra.Command) string {
	addr, err := cmd.Flags().GetString("api")
	cobra.CheckErr(err)
	return addr
}
