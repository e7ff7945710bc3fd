// Package rewind parses debugger service flags and launches the service.
package rewind

import (
	"context"
	"flag"

	entrypoint "github.com/louisbranch/rewind/internal/platform/cmd"
	"github.com/louisbranch/rewind/internal/platform/storage/blob"
	server "github.com/louisbranch/rewind/internal/services/debugger/app"
	"github.com/louisbranch/rewind/internal/services/debugger/auth"
)

// Config holds debugger command configuration.
type Config struct {
	HTTPAddr     string `env:"REWIND_HTTP_ADDR"     envDefault:"localhost:8090"`
	GRPCAddr     string `env:"REWIND_GRPC_ADDR"     envDefault:"localhost:8089"`
	TeamPath     string `env:"REWIND_TEAM"`
	ScorerScript string `env:"REWIND_SCORER_SCRIPT"`
	Archive      string `env:"REWIND_ARCHIVE"       envDefault:"default"`
	Restore      bool   `env:"REWIND_RESTORE"`
	Kickoff      bool   `env:"REWIND_KICKOFF"       envDefault:"true"`

	Blob blob.Config `envPrefix:"REWIND_BLOB_"`
	Auth auth.Config
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "operator HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "operator gRPC listen address")
	fs.StringVar(&cfg.TeamPath, "team", cfg.TeamPath, "team YAML file (empty runs the built-in demo)")
	fs.StringVar(&cfg.ScorerScript, "scorer", cfg.ScorerScript, "Lua scoring script overriding the team scorer")
	fs.StringVar(&cfg.Archive, "archive", cfg.Archive, "archive name used by save and restore")
	fs.BoolVar(&cfg.Restore, "restore", cfg.Restore, "restore the archive on startup")
	fs.BoolVar(&cfg.Kickoff, "kickoff", cfg.Kickoff, "queue the team start message on a fresh timeline")
	fs.StringVar(&cfg.Blob.Backend, "blob-backend", cfg.Blob.Backend, "blob store: memory, fs, sqlite, redis, s3 or gcs")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the debugger HTTP and gRPC APIs.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceDebugger, func(ctx context.Context) error {
		return server.Run(ctx, server.Config{
			HTTPAddr:     cfg.HTTPAddr,
			GRPCAddr:     cfg.GRPCAddr,
			TeamPath:     cfg.TeamPath,
			ScorerScript: cfg.ScorerScript,
			Archive:      cfg.Archive,
			Restore:      cfg.Restore,
			Kickoff:      cfg.Kickoff,
			Blob:         cfg.Blob,
			Auth:         cfg.Auth,
		})
	})
}
