package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/launchchat/internal/auth"
	"github.com/Tyrowin/launchchat/internal/client"
	"github.com/Tyrowin/launchchat/internal/logging"
)

// NewListenCommand creates the listen command.
func NewListenCommand(rootOpts *RootOptions) *cobra.Command {
	var history int
	var verbose bool

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Follow chat messages and presence changes",
		Long: `Open the event channel, authenticate, and print every message and
presence change until interrupted. Dropped connections are retried with
exponential backoff.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runListen(ctx, rootOpts, history, verbose, cmd)
		},
	}

	cmd.Flags().IntVar(&history, "history", 0, "print this many recent messages first")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log connection diagnostics to stderr")

	return cmd
}

func runListen(ctx context.Context, rootOpts *RootOptions, history int, verbose bool, cmd *cobra.Command) error {
	if rootOpts.Token == "" {
		return &ExitError{Code: ExitCommandError, Message: "a token is required (--token or CHATCTL_TOKEN)"}
	}

	log := logging.Discard()
	if verbose {
		log = logging.NewWithOutput(cmd.ErrOrStderr(), "debug", logging.FormatText)
	}
	p := &printer{format: rootOpts.Format, w: cmd.OutOrStdout()}

	c := client.New(client.Options{
		BaseURL: rootOpts.Server,
		Token:   rootOpts.Token,
		Log:     log,
	}, listenHandlers(p, log))

	if history > 0 {
		msgs, err := c.History(ctx, history)
		if err != nil {
			return wrapRequestError("failed to load history", err)
		}
		for _, m := range msgs {
			p.message(m)
		}
	}

	err := c.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, auth.ErrAuthenticationRejected):
		return &ExitError{Code: ExitFailure, Message: "server rejected the token", Err: err}
	default:
		return &ExitError{Code: ExitCommandError, Message: "listen stopped", Err: err}
	}
}

func listenHandlers(p *printer, log logrus.FieldLogger) client.Handlers {
	return client.Handlers{
		OnMessage:  p.message,
		OnPresence: p.presence,
		OnAuthenticated: func(id auth.Identity) {
			p.notice("connected as %s", id.Username)
		},
		OnError: p.failure,
		OnDisconnect: func(err error) {
			p.notice("disconnected, reconnecting...")
			log.WithError(err).Debug("Connection dropped")
		},
	}
}

