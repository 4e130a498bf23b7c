package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/openfroyo/converge/cmd/converge/commands"
	"github.com/openfroyo/converge/pkg/emulator"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Manifests call the per-type links in bin/, which all point here.
	if emulator.IsEmulator(os.Args[0]) {
		os.Exit(emulator.Main(os.Args, os.Environ()))
	}

	// Cancelling the context kills running scripts and remote commands.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		telemetry.Default().WithError(err).Error("Command execution failed")
		stop()
		os.Exit(1)
	}
}
