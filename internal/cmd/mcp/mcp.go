// Package mcp parses MCP command flags and selects stdio or HTTP transport.
package mcp

import (
	"context"
	"flag"

	entrypoint "github.com/louisbranch/rewind/internal/platform/cmd"
	"github.com/louisbranch/rewind/internal/services/mcp/service"
)

// Config holds MCP command configuration.
type Config struct {
	Addr      string `env:"REWIND_ADDR"          envDefault:"localhost:8089"`
	Token     string `env:"REWIND_TOKEN"`
	Locale    string `env:"REWIND_LOCALE"`
	HTTPAddr  string `env:"REWIND_MCP_HTTP_ADDR" envDefault:"localhost:8091"`
	Transport string `env:"REWIND_MCP_TRANSPORT" envDefault:"stdio"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "debugger gRPC address")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "operator bearer token")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP server address (for HTTP transport)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "Transport type: stdio or http")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the MCP protocol adapter.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceMCP, func(ctx context.Context) error {
		return service.Run(ctx, service.Config{
			DebuggerAddr: cfg.Addr,
			Token:        cfg.Token,
			Locale:       cfg.Locale,
			Transport:    service.TransportKind(cfg.Transport),
			HTTPAddr:     cfg.HTTPAddr,
		})
	})
}
