package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "onco.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "onco",
		Short: "Onco: voice screening over chat",
		Long: "Onco talks to users over WhatsApp (or Discord/Slack), hands out one-time\n" +
			"recording links, and explains the screening result when it comes back.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newPairCmd())
	cmd.AddCommand(newDeliveryCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "onco %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// addConfigFlag registers the shared -c/--config flag.
func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfigPath, "path to onco config file")
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
