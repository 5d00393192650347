// Package cli implements chatctl, the operator command line for launchchat.
package cli

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server string
	Token  string
	Format string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for chatctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "chatctl",
		Short: "chatctl - launchchat operator tool",
		Long:  "Mint development tokens, follow the live event stream, and query the chat API of a launchchat server.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Server, "server", "s", envOr("CHATCTL_SERVER", "http://localhost:8080"), "server base URL")
	cmd.PersistentFlags().StringVarP(&opts.Token, "token", "t", os.Getenv("CHATCTL_TOKEN"), "bearer token")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewListenCommand(opts))
	cmd.AddCommand(NewPostCommand(opts))
	cmd.AddCommand(NewOnlineCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))

	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
