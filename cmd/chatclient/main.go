// Command chatclient is a terminal client for a roomcast server.
//
//	chatclient token --user alice --secret <jwt secret>
//	chatclient connect --url ws://localhost:8080/ws --token <jwt> --room general
//
// In a session, lines are sent as chat. Commands: /join <room>, /leave,
// /more, /who, /quit.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MobasirSarkar/roomcast/internal/config"
)

func main() {
	config.LoadDotenv(".env")
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := newRootCmd(&cfg).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree over cfg, whose values from the
// environment become the flag defaults.
func newRootCmd(cfg *config.Client) *cobra.Command {
	root := &cobra.Command{
		Use:           "chatclient",
		Short:         "Terminal client for roomcast chat servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")

	root.AddCommand(newConnectCmd(cfg), newTokenCmd(cfg))
	return root
}
