// Package main checks a client machine's waypost setup against a tracker.
//
// It exits nonzero when any check fails, so it can gate CI jobs and
// container health probes.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/louisbranch/waypost/internal/platform/config"
	"github.com/louisbranch/waypost/internal/tools/doctor"
)

func main() {
	cfg, err := doctor.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := doctor.Run(ctx, cfg, os.Stdout); err != nil {
		config.Exitf("Error: %v", err)
	}
}
