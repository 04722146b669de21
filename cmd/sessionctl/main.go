package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-session-client/internal/config"
	sessionerrors "github.com/jrsteele09/go-session-client/internal/errors"
	"github.com/jrsteele09/go-session-client/internal/telemetry"
	"github.com/jrsteele09/go-session-client/proxy"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "sessionctl: %s\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, ErrLoginRequired):
		return 3
	case sessionerrors.KindOf(err) == sessionerrors.KindConfig:
		return 2
	case sessionerrors.KindOf(err) == sessionerrors.KindSessionExpired:
		return 3
	default:
		return 1
	}
}

func run(args []string, out io.Writer) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	if len(args) == 0 {
		usage(out)
		return errors.New("no command given")
	}
	cmd, ok := findCommand(args[0])
	if !ok {
		usage(out)
		return fmt.Errorf("unknown command %q", args[0])
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogger(cfg)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return cmd.run(ctx, a, args[1:], out)
}

// runProxy serves the local proxy until SIGINT or SIGTERM.
func runProxy(ctx context.Context, a *app, _ []string, out io.Writer) error {
	shutdownTelemetry := telemetry.Setup(a.cfg.AppName)
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	displayAppname(out, a.cfg.AppName)
	a.restore(ctx)

	server := &http.Server{
		Addr:              a.cfg.Proxy.Addr,
		Handler:           proxy.New(a.cfg, a.gate, a.controller, a.client, a.metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- listenAndServe(server) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	return shutdown(server)
}

func listenAndServe(server *http.Server) error {
	log.Info().Str("addr", server.Addr).Msg("Proxy listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	log.Info().Msg("Proxy stopped")
	return nil
}

func displayAppname(out io.Writer, appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	fmt.Fprintln(out, myFigure.String())
}
