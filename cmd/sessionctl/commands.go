package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jrsteele09/go-session-client/gate"
	"github.com/jrsteele09/go-session-client/httpclient"
	sessionerrors "github.com/jrsteele09/go-session-client/internal/errors"
	"github.com/jrsteele09/go-session-client/session"
	"github.com/jrsteele09/go-session-client/token"
	"golang.org/x/term"
)

// ErrLoginRequired is returned by commands that need a session when there is
// none.
var ErrLoginRequired = errors.New("not signed in, run `sessionctl login`")

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, a *app, args []string, out io.Writer) error
}

var commands = []command{
	{name: "login", usage: "login [-email address]", run: runLogin},
	{name: "logout", usage: "logout", run: runLogout},
	{name: "status", usage: "status", run: runStatus},
	{name: "inspect", usage: "inspect [token]", run: runInspect},
	{name: "token", usage: "token", run: runToken},
	{name: "get", usage: "get <path>", run: runGet},
	{name: "proxy", usage: "proxy", run: runProxy},
}

func findCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: sessionctl <command> [arguments]")
	fmt.Fprintln(w)
	for _, c := range commands {
		fmt.Fprintf(w, "  %s\n", c.usage)
	}
}

// stdin is replaced in tests.
var stdin io.Reader = os.Stdin

func runLogin(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reader := bufio.NewReader(stdin)
	if *email == "" {
		fmt.Fprint(out, "Email: ")
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("[login] reading email: %w", err)
		}
		*email = strings.TrimSpace(line)
	}

	password, err := readPassword(reader, out)
	if err != nil {
		return err
	}

	a.restore(ctx)
	if err := a.controller.Login(ctx, *email, password); err != nil {
		return err
	}
	fmt.Fprintf(out, "Signed in as %s\n", a.controller.State().User.Email)
	return nil
}

func readPassword(reader *bufio.Reader, out io.Writer) (string, error) {
	fmt.Fprint(out, "Password: ")
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("[login] reading password: %w", err)
		}
		return string(b), nil
	}
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("[login] reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runLogout(ctx context.Context, a *app, _ []string, out io.Writer) error {
	a.restore(ctx)
	a.controller.Logout(ctx)
	fmt.Fprintln(out, "Signed out")
	return nil
}

func runStatus(ctx context.Context, a *app, _ []string, out io.Writer) error {
	st := a.restore(ctx)
	fmt.Fprintf(out, "status:    %s\n", st.Status)
	if st.User != nil {
		fmt.Fprintf(out, "user:      %s\n", describeUser(st.User))
	}
	if access, ok := a.store.AccessToken(ctx); ok {
		if in, err := token.Inspect(access, token.NowTimeFunc()); err == nil {
			fmt.Fprintf(out, "expires:   %s (%s)\n", in.ExpiresAt.Format(time.RFC3339), remaining(in))
		}
	}
	return nil
}

func describeUser(u *session.User) string {
	parts := []string{}
	if u.Email != "" {
		parts = append(parts, u.Email)
	}
	if u.Role != "" {
		parts = append(parts, "role "+u.Role)
	}
	if u.ID != "" {
		parts = append(parts, "id "+u.ID)
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, ", ")
}

func remaining(in *token.Inspection) string {
	if in.Expired {
		return "expired"
	}
	return in.Remaining.Round(time.Second).String() + " left"
}

func runInspect(ctx context.Context, a *app, args []string, out io.Writer) error {
	raw := ""
	if len(args) > 0 {
		raw = args[0]
	} else if access, ok := a.store.AccessToken(ctx); ok {
		raw = access
	}
	if raw == "" {
		return ErrLoginRequired
	}

	in, err := token.Inspect(raw, token.NowTimeFunc())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(in)
}

// runToken prints a valid access credential, refreshing it first if needed.
func runToken(ctx context.Context, a *app, _ []string, out io.Writer) error {
	tok, err := a.refresher.TokenSource(ctx).Token()
	if err != nil {
		if sessionerrors.KindOf(err) == sessionerrors.KindNoSession {
			return ErrLoginRequired
		}
		return err
	}
	fmt.Fprintln(out, tok.AccessToken)
	return nil
}

func runGet(ctx context.Context, a *app, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: sessionctl get <path>")
	}

	a.restore(ctx)
	if err := viewError(ctx, a.gate.Resolve(ctx)); err != nil {
		return err
	}

	raw, err := a.client.Request(ctx, args[0], httpclient.RequestOptions{Method: http.MethodGet}, true)
	if err != nil {
		return err
	}
	var pretty any
	if err := json.Unmarshal(raw, &pretty); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}

// noticeError carries the gate's notice and matches ErrSessionExpired.
type noticeError string

func (e noticeError) Error() string { return string(e) }
func (e noticeError) Unwrap() error { return sessionerrors.ErrSessionExpired }

// viewError is nil when view admits content.
func viewError(ctx context.Context, view gate.View) error {
	switch view.Kind {
	case gate.KindLoading:
		return fmt.Errorf("[get] session check did not finish: %w", ctx.Err())
	case gate.KindLogin:
		if view.Notice != "" {
			return noticeError(view.Notice)
		}
		return ErrLoginRequired
	}
	return nil
}
