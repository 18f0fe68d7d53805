// Command stackctl is the admin CLI for a running stackd daemon: it
// wraps the Admin RPC surface (pkg/httpapi) over plain HTTP/JSON, plus
// local project setup (config init, encrypted secrets) that doesn't need
// a running daemon at all.
//
// Grounded on the teacher's cmd/agentctl (subcommand-per-verb CLI
// dispatch) and cmd/maestro/interactive_bootstrap.go (term.ReadPassword
// interactive credential entry), reimplemented with spf13/cobra for
// subcommand help/usage generation rather than hand-rolled flag.FlagSet
// dispatch.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var serverAddr string

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "stackctl",
		Short:         "Admin CLI for the stackd orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&serverAddr, "server", envOr("STACKFORGE_ADDR", "http://localhost:8080"), "stackd admin API base URL")

	root.AddCommand(newConfigCommand())
	root.AddCommand(newSecretsCommand())
	root.AddCommand(newStacksCommand())
	root.AddCommand(newTeamsCommand())

	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
