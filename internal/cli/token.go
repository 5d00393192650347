package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/launchchat/internal/auth"
	"github.com/Tyrowin/launchchat/internal/config"
)

type tokenOptions struct {
	id       string
	username string
	role     string
	ttl      time.Duration
	secret   string
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &tokenOptions{}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development access token",
		Long: `Sign an access token with the server's JWT_SECRET.

Production tokens come from the account service; this is for local
development and smoke tests.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.id, "id", "", "identity ID (required)")
	cmd.Flags().StringVar(&opts.username, "username", "", "display name (required)")
	cmd.Flags().StringVar(&opts.role, "role", string(auth.RoleUser), "role (user|admin)")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "signing secret (defaults to JWT_SECRET)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}

func runToken(rootOpts *RootOptions, opts *tokenOptions, cmd *cobra.Command) error {
	role := auth.Role(opts.role)
	if !role.Valid() {
		return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("unknown role %q", opts.role)}
	}

	secret := opts.secret
	if secret == "" {
		secret = config.Load().JWTSecret
	}
	issuer, err := auth.NewIssuer(secret, opts.ttl)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "cannot sign token", Err: err}
	}

	token, err := issuer.Issue(auth.Identity{ID: opts.id, Username: opts.username, Role: role})
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "cannot sign token", Err: err}
	}

	p := &printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
	if p.format == "json" {
		return p.json(map[string]string{"token": token})
	}
	_, err = fmt.Fprintln(p.w, token)
	return err
}
