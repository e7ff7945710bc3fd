package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/louisbranch/rewind/internal/platform/timeouts"
	"github.com/louisbranch/rewind/internal/services/debugger"
	"github.com/louisbranch/rewind/internal/services/debugger/client"
	"github.com/louisbranch/rewind/internal/services/mcp/domain"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	serverName    = "rewind MCP"
	serverVersion = "0.1.0"

	defaultHTTPAddr = "localhost:8091"
)

// TransportKind identifies the MCP transport implementation.
type TransportKind string

const (
	// TransportStdio uses standard input/output for MCP.
	TransportStdio TransportKind = "stdio"
	// TransportHTTP serves the streamable HTTP transport.
	TransportHTTP TransportKind = "http"
)

// Config configures the MCP server.
type Config struct {
	// DebuggerAddr is the debugger gRPC address.
	DebuggerAddr string
	// Token is the operator bearer token, required when the debugger has auth enabled.
	Token     string
	Locale    string
	Transport TransportKind
	// HTTPAddr is the listen address for TransportHTTP. Defaults to localhost:8091.
	HTTPAddr string
}

// Server hosts the MCP server.
type Server struct {
	mcpServer *mcp.Server
	closer    io.Closer
}

type tool struct {
	register func(*mcp.Server)
}

func bind[In, Out any](t *mcp.Tool, h mcp.ToolHandlerFor[In, Out]) tool {
	return tool{register: func(s *mcp.Server) { mcp.AddTool(s, t, h) }}
}

// New binds tools and resources over op. closer, when set, is closed with the
// server.
func New(op debugger.Operator, closer io.Closer) (*Server, error) {
	if op == nil {
		return nil, errors.New("debugger operator is required")
	}
	mcpServer := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)

	tools := []tool{
		bind(domain.StatusTool(), domain.StatusHandler(op)),
		bind(domain.StepTool(), domain.StepHandler(op)),
		bind(domain.DropNextTool(), domain.DropNextHandler(op)),
		bind(domain.LoopStartTool(), domain.LoopStartHandler(op)),
		bind(domain.LoopStopTool(), domain.LoopStopHandler(op)),
		bind(domain.QueueListTool(), domain.QueueListHandler(op)),
		bind(domain.HistoryListTool(), domain.HistoryListHandler(op)),
		bind(domain.QueueEditTool(), domain.QueueEditHandler(op)),
		bind(domain.RevertTool(), domain.RevertHandler(op)),
		bind(domain.CheckpointsListTool(), domain.CheckpointsListHandler(op)),
		bind(domain.SessionsListTool(), domain.SessionsListHandler(op)),
		bind(domain.ScoreGetTool(), domain.ScoreGetHandler(op)),
		bind(domain.MessagePublishTool(), domain.MessagePublishHandler(op)),
		bind(domain.MessageSendTool(), domain.MessageSendHandler(op)),
		bind(domain.AgentsListTool(), domain.AgentsListHandler(op)),
		bind(domain.AgentStateTool(), domain.AgentStateHandler(op)),
		bind(domain.TopicsListTool(), domain.TopicsListHandler(op)),
		bind(domain.MessageTypesListTool(), domain.MessageTypesListHandler(op)),
		bind(domain.TimelineSaveTool(), domain.TimelineSaveHandler(op)),
	}
	for _, t := range tools {
		t.register(mcpServer)
	}
	mcpServer.AddResource(domain.HistoryResource(), domain.HistoryResourceHandler(op))
	mcpServer.AddResource(domain.SessionsResource(), domain.SessionsResourceHandler(op))

	return &Server{mcpServer: mcpServer, closer: closer}, nil
}

// Run dials the debugger and serves MCP until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Transport == "" {
		cfg.Transport = TransportStdio
	}
	if cfg.Transport != TransportStdio && cfg.Transport != TransportHTTP {
		return fmt.Errorf("transport %q is not supported", cfg.Transport)
	}
	if strings.TrimSpace(cfg.DebuggerAddr) == "" {
		return errors.New("debugger address is required")
	}

	conn, err := client.Dial(ctx, client.Config{
		Addr:        cfg.DebuggerAddr,
		Token:       cfg.Token,
		Locale:      cfg.Locale,
		DialTimeout: timeouts.GRPCDial,
		CallTimeout: timeouts.GRPCRequest,
	})
	if err != nil {
		return fmt.Errorf("connect to debugger at %s: %w", cfg.DebuggerAddr, err)
	}
	server, err := New(conn, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	if cfg.Transport == TransportHTTP {
		return server.ServeHTTP(ctx, cfg.HTTPAddr)
	}
	return server.serveWithTransport(ctx, &mcp.StdioTransport{})
}

// Serve runs MCP over stdio.
func (s *Server) Serve(ctx context.Context) error {
	return s.serveWithTransport(ctx, &mcp.StdioTransport{})
}

// Close releases the debugger connection.
func (s *Server) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (s *Server) serveWithTransport(ctx context.Context, transport mcp.Transport) error {
	if s == nil || s.mcpServer == nil {
		return fmt.Errorf("MCP server is not configured")
	}
	err := s.mcpServer.Run(ctx, transport)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	closeErr := s.Close()
	if closeErr != nil {
		if err == nil {
			return fmt.Errorf("close debugger connection: %w", closeErr)
		}
		return fmt.Errorf("serve MCP: %v; close debugger connection: %w", err, closeErr)
	}
	if err != nil {
		return fmt.Errorf("serve MCP: %w", err)
	}
	return nil
}

// Handler returns the streamable HTTP handler for this server.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcpServer }, nil)
}

// ServeHTTP serves the streamable HTTP transport on addr until ctx is canceled.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		addr = defaultHTTPAddr
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.serveListener(ctx, listener)
}

func (s *Server) serveListener(ctx context.Context, listener net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", s.Handler())
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "OK")
	})
	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: timeouts.ReadHeader}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("mcp: serving streamable HTTP on %s", listener.Addr())
		serveErr <- httpServer.Serve(listener)
	}()

	var err error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		err = httpServer.Shutdown(shutdownCtx)
		if errors.Is(err, context.DeadlineExceeded) {
			// Streamable sessions may hold open event streams.
			err = httpServer.Close()
		}
	case err = <-serveErr:
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if closeErr := s.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("close debugger connection: %w", closeErr)
	}
	return err
}
