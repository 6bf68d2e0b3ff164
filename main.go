package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/longg-net/longg/pkg/cmd"
	"github.com/longg-net/longg/pkg/errdefs"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	// Intercept SIGINT and SIGTERM so the node tears down its interface,
	// routes and NAT rules before exiting.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	if err := cmd.ExecuteContext(ctx); err != nil {
		slog.Error("Exiting", slog.Any("error", err))
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		// No-op unless the run command configured Sentry.
		sentry.CaptureException(err)
		sentry.Flush(5 * time.Second)
		cancel()
		os.Exit(errdefs.ExitCode(err))
	}
	cancel()
}
