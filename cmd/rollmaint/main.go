// Package main is the entry point for the rollmaint CLI.
//
// rollmaint performs rolling maintenance of paired hypervisor hosts and
// Kubernetes nodes: it validates cluster health, silences alerting, raises
// the storage safety flags, then drains, migrates, restarts and revalidates
// each pair in order before handing the cluster back.
//
// Commands: run, validate, status, version.
//
// For detailed usage information, run:
//
//	rollmaint --help
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rollmaint/rollmaint/cmd/rollmaint/commands"
	"github.com/rollmaint/rollmaint/cmd/rollmaint/handlers"
)

// Version information set by goreleaser at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)

	// First SIGINT/SIGTERM aborts the run at the next stage boundary;
	// a second one kills the process.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := commands.Root().ExecuteContext(ctx); err != nil {
		var exit *handlers.ExitError
		if errors.As(err, &exit) {
			if exit.Message != "" {
				fmt.Fprintln(os.Stderr, exit.Message)
			}
			os.Exit(exit.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
