// Package main runs one operator command against a debugger.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/louisbranch/rewind/internal/cmd/rewindctl"
	"github.com/louisbranch/rewind/internal/platform/config"
)

func main() {
	cfg, err := rewindctl.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("%v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rewindctl.Run(ctx, cfg, os.Stdout); err != nil {
		config.Exitf("rewindctl %s: %s", cfg.Command, rewindctl.FormatError(err, cfg.Locale))
	}
}
