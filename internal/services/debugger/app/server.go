// Package server wires the debugger, its HTTP and gRPC transports, and the
// blob store behind them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/rewind/internal/platform/storage/blob"
	"github.com/louisbranch/rewind/internal/platform/timeouts"
	"github.com/louisbranch/rewind/internal/services/debugger"
	grpcapi "github.com/louisbranch/rewind/internal/services/debugger/api/grpc"
	httpapi "github.com/louisbranch/rewind/internal/services/debugger/api/http"
	"github.com/louisbranch/rewind/internal/services/debugger/auth"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/score"
	"github.com/louisbranch/rewind/internal/services/debugger/scenario"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// healthPrefix is left open so clients can probe before authenticating.
const healthPrefix = "/grpc.health.v1.Health/"

// Config defines the inputs for one debugger process.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	// TeamPath is a scenario YAML file. Empty uses the built-in demo team.
	TeamPath string
	// ScorerScript is a Lua scoring script that overrides the team's scorer.
	ScorerScript string
	Archive      string
	Restore      bool
	Kickoff      bool

	Blob blob.Config
	Auth auth.Config

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the debugger over HTTP and gRPC.
type Server struct {
	debugger        *debugger.Debugger
	blobs           blob.Store
	httpServer      *http.Server
	httpListener    net.Listener
	grpcServer      *grpc.Server
	grpcListener    net.Listener
	health          *health.Server
	shutdownTimeout time.Duration
}

// New builds the debugger and binds both listeners.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(cfg.GRPCAddr) == "" {
		return nil, errors.New("grpc address is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = timeouts.Shutdown
	}

	team, err := loadTeam(cfg.TeamPath)
	if err != nil {
		return nil, err
	}
	scorer, err := resolveScorer(team, cfg.ScorerScript)
	if err != nil {
		return nil, err
	}

	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	s := &Server{blobs: blobs, shutdownTimeout: cfg.ShutdownTimeout}

	s.debugger, err = debugger.New(ctx, debugger.Config{
		Team:    team,
		Scorer:  scorer,
		Blobs:   blobs,
		Archive: cfg.Archive,
		Restore: cfg.Restore,
		Kickoff: cfg.Kickoff,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("build debugger: %w", err)
	}

	authn := auth.New(cfg.Auth)
	if !authn.Enabled() {
		log.Printf("debugger: REWIND_AUTH_SECRET is empty, operator APIs are unauthenticated")
	}

	s.httpListener, err = net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}
	s.httpServer = &http.Server{
		Handler:           httpapi.NewHandler(s.debugger, s.debugger, authn),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	s.grpcListener, err = net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
	}
	opts := []grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}
	if authn.Enabled() {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(authn.UnaryInterceptor(grpcapi.ToStatus, healthPrefix)),
			grpc.ChainStreamInterceptor(authn.StreamInterceptor(grpcapi.ToStatus, healthPrefix)),
		)
	}
	s.grpcServer = grpc.NewServer(opts...)
	grpcapi.Register(s.grpcServer, grpcapi.NewService(s.debugger, s.debugger))
	s.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(grpcapi.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return s, nil
}

// Run builds a server and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	return s.Serve(ctx)
}

// HTTPAddr returns the bound HTTP address.
func (s *Server) HTTPAddr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC address.
func (s *Server) GRPCAddr() string {
	if s == nil || s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// Debugger returns the hosted debugger.
func (s *Server) Debugger() *debugger.Debugger {
	return s.debugger
}

// Serve runs both transports until ctx ends or one of them fails, then shuts
// both down and releases the debugger.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("debugger HTTP listening on %s", s.HTTPAddr())
		if err := s.httpServer.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("debugger gRPC listening on %s", s.GRPCAddr())
		if err := s.grpcServer.Serve(s.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		s.health.Shutdown()
		if err := s.debugger.Close(shutdownCtx); err != nil {
			log.Printf("debugger: stop runtime: %v", err)
		}
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("debugger: shutdown http server: %v", err)
		}
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			s.grpcServer.Stop()
		}
		return nil
	})
	return g.Wait()
}

// Close releases listeners, the debugger and the blob store.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.grpcListener != nil {
		_ = s.grpcListener.Close()
	}
	if s.httpListener != nil {
		_ = s.httpListener.Close()
	}
	if s.debugger != nil {
		if err := s.debugger.Close(context.Background()); err != nil {
			log.Printf("debugger: close: %v", err)
		}
	}
	if s.blobs != nil {
		if err := s.blobs.Close(); err != nil {
			log.Printf("debugger: close blob store: %v", err)
		}
		s.blobs = nil
	}
}

func loadTeam(path string) (*scenario.Team, error) {
	if strings.TrimSpace(path) == "" {
		return scenario.Demo()
	}
	team, err := scenario.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load team: %w", err)
	}
	return team, nil
}

func resolveScorer(team *scenario.Team, script string) (score.Scorer, error) {
	if strings.TrimSpace(script) != "" {
		s, err := score.LoadLuaScorer(script)
		if err != nil {
			return nil, fmt.Errorf("load scorer script: %w", err)
		}
		return s, nil
	}
	if strings.TrimSpace(team.Scorer) == "" {
		return nil, nil
	}
	s, err := score.Lookup(team.Scorer)
	if err != nil {
		return nil, fmt.Errorf("team %s: %w", team.Name, err)
	}
	return s, nil
}
