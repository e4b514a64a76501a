package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"eventmap/internal/cli"
	appLog "eventmap/internal/log"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.SetVersionInfo(version, commit, date)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := cli.Execute(ctx, os.Args[1:]); err != nil {
		appLog.Error("eventmap failed", err)
		os.Exit(1)
	}
}
