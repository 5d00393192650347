package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/launchchat/internal/client"
)

func newAPIClient(rootOpts *RootOptions) (*client.Client, error) {
	if rootOpts.Token == "" {
		return nil, &ExitError{Code: ExitCommandError, Message: "a token is required (--token or CHATCTL_TOKEN)"}
	}
	return client.New(client.Options{BaseURL: rootOpts.Server, Token: rootOpts.Token}, client.Handlers{}), nil
}

// NewPostCommand creates the post command.
func NewPostCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "post <message>",
		Short:         "Send a chat message",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(rootOpts)
			if err != nil {
				return err
			}
			msg, err := c.Send(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return wrapRequestError("failed to send message", err)
			}

			p := &printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
			if p.format == "json" {
				return p.json(msg)
			}
			_, err = fmt.Fprintf(p.w, "sent #%d\n", msg.ID)
			return err
		},
	}
}

// NewOnlineCommand creates the online command.
func NewOnlineCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "online",
		Short:         "List users currently online",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(rootOpts)
			if err != nil {
				return err
			}
			users, err := c.OnlineUsers(cmd.Context())
			if err != nil {
				return wrapRequestError("failed to list online users", err)
			}

			p := &printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
			if p.format == "json" {
				return p.json(users)
			}
			if len(users) == 0 {
				p.notice("nobody is online")
				return nil
			}
			for _, u := range users {
				fmt.Fprintf(p.w, "%s %s\n", color.BlueString("●"), u.Username)
			}
			return nil
		},
	}
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:           "history",
		Short:         "Print recent chat messages, oldest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(rootOpts)
			if err != nil {
				return err
			}
			msgs, err := c.History(cmd.Context(), limit)
			if err != nil {
				return wrapRequestError("failed to load history", err)
			}

			p := &printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
			if p.format == "json" {
				return p.json(msgs)
			}
			for _, m := range msgs {
				p.message(m)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of messages")
	return cmd
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Show server counters (admin token required)",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(rootOpts)
			if err != nil {
				return err
			}
			s, err := c.Stats(cmd.Context())
			if err != nil {
				return wrapRequestError("failed to load stats", err)
			}

			p := &printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
			if p.format == "json" {
				return p.json(s)
			}
			fmt.Fprintf(p.w, "online users:     %d\n", s.OnlineUsers)
			fmt.Fprintf(p.w, "total messages:   %d\n", s.TotalMessages)
			fmt.Fprintf(p.w, "connections:      %d (%d authenticated)\n", s.Connections, s.AuthenticatedConnections)
			return nil
		},
	}
}
