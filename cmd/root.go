package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ValentinKolb/pathkvs/cmd/perf"
	"github.com/ValentinKolb/pathkvs/cmd/serve"
	"github.com/ValentinKolb/pathkvs/cmd/shell"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "pathkvs",
		Short: "persistent transactional key-value store",
		Long: fmt.Sprintf(`pathkvs (v%s)

A persistent, transactional key-value store with serializable isolation.
Transactions commit lock-free via an atomic master pointer; every commit
is appended to a crash-safe history log.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of pathkvs",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pathkvs v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(shell.ShellCmd)
	RootCmd.AddCommand(perf.PerfCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
