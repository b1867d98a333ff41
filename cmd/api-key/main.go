// Package main mints a tracker API key against the local database.
//
// Run it once on a fresh install to bootstrap the first admin key; the
// secret prints to stdout as a WAYPOST_API_KEY assignment.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/louisbranch/waypost/internal/platform/config"
	"github.com/louisbranch/waypost/internal/tools/apikey"
)

func main() {
	cfg, err := apikey.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := apikey.Run(ctx, cfg, os.Stdout, os.Stderr); err != nil {
		config.Exitf("Error: %v", err)
	}
}
