// Package main prints a fresh secret for signing operator tokens.
package main

import (
	"flag"
	"os"

	"github.com/louisbranch/rewind/internal/platform/config"
	"github.com/louisbranch/rewind/internal/tools/authsecret"
)

func main() {
	cfg, err := authsecret.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := authsecret.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("generate secret: %v", err)
	}
}
