package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/Tyrowin/launchchat/internal/client"
	"github.com/Tyrowin/launchchat/internal/hub"
	"github.com/Tyrowin/launchchat/internal/store"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // server rejected the request
	ExitCommandError = 2 // bad flags, missing token, unreachable server
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// wrapRequestError maps a client error to an exit code.
func wrapRequestError(what string, err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return &ExitError{Code: ExitFailure, Message: what, Err: err}
	}
	return &ExitError{Code: ExitCommandError, Message: what, Err: err}
}

// printer renders command results as colored text or JSON.
type printer struct {
	format string
	w      io.Writer
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) message(m store.Message) {
	if p.format == "json" {
		_ = p.json(m)
		return
	}
	fmt.Fprintf(p.w, "%s %s %s\n",
		color.GreenString(m.CreatedAt.Local().Format(time.TimeOnly)),
		color.CyanString(m.Username+":"),
		m.Body)
}

func (p *printer) presence(u hub.PresenceData, online bool) {
	if p.format == "json" {
		kind := hub.TypeUserOffline
		if online {
			kind = hub.TypeUserOnline
		}
		_ = p.json(hub.Event{Type: kind, Data: u})
		return
	}
	if online {
		fmt.Fprintf(p.w, "%s %s\n", color.BlueString("+"), color.BlueString("%s is online", u.Username))
	} else {
		fmt.Fprintf(p.w, "%s %s\n", color.YellowString("-"), color.YellowString("%s went offline", u.Username))
	}
}

func (p *printer) notice(format string, args ...any) {
	if p.format == "json" {
		return
	}
	fmt.Fprintln(p.w, color.MagentaString(format, args...))
}

func (p *printer) failure(msg string) {
	if p.format == "json" {
		_ = p.json(hub.ErrorEvent(msg))
		return
	}
	fmt.Fprintln(p.w, color.RedString("error: %s", msg))
}
