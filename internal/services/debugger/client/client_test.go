package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	"github.com/louisbranch/rewind/internal/services/debugger"
	grpcapi "github.com/louisbranch/rewind/internal/services/debugger/api/grpc"
	"github.com/louisbranch/rewind/internal/services/debugger/auth"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/score"
	"github.com/louisbranch/rewind/internal/services/debugger/scenario"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

type testServer struct {
	addr  string
	debug *debugger.Debugger
}

func startServer(t *testing.T, authn *auth.Authenticator) testServer {
	t.Helper()
	team, err := scenario.Demo()
	if err != nil {
		t.Fatalf("demo team: %v", err)
	}
	d, err := debugger.New(context.Background(), debugger.Config{Team: team, Scorer: score.HumanEval, Kickoff: true})
	if err != nil {
		t.Fatalf("new debugger: %v", err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var opts []grpc.ServerOption
	if authn != nil {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(authn.UnaryInterceptor(grpcapi.ToStatus, "/grpc.health.v1.Health/")),
			grpc.ChainStreamInterceptor(authn.StreamInterceptor(grpcapi.ToStatus, "/grpc.health.v1.Health/")),
		)
	}
	srv := grpc.NewServer(opts...)
	grpcapi.Register(srv, grpcapi.NewService(d, d))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, healthServer)
	healthServer.SetServingStatus(grpcapi.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	go func() { _ = srv.Serve(lis) }()

	t.Cleanup(func() {
		srv.Stop()
		_ = d.Close(context.Background())
	})
	return testServer{addr: lis.Addr().String(), debug: d}
}

func dialTest(t *testing.T, addr string, cfg Config) *Client {
	t.Helper()
	cfg.Addr = addr
	c, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRoundTrip(t *testing.T) {
	srv := startServer(t, nil)
	c := dialTest(t, srv.addr, Config{})
	ctx := context.Background()

	pending, err := c.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Message.Kind != envelope.KindBroadcast {
		t.Fatalf("pending = %+v, want the start broadcast", pending)
	}

	for {
		ok, err := c.Step(ctx)
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		if !ok {
			break
		}
	}

	history, err := c.History(ctx, `kind = "directed"`)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("directed = %d, want 4", len(history))
	}

	res, err := c.Score(ctx)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if res == nil || !res.Passed || res.FirstTimestamp == nil {
		t.Fatalf("score = %+v, want passed with a timestamp", res)
	}

	view, err := c.Revert(ctx, 0, nil)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if view.Cutoff != 0 || view.Discarded != 13 {
		t.Fatalf("revert = %+v, want cutoff 0 and 13 discarded", view)
	}

	sessions, err := c.Sessions(ctx)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if sessions.Current != 1 {
		t.Fatalf("current session = %d, want 1", sessions.Current)
	}

	entries, err := c.Checkpoints(ctx)
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	if len(entries) != 13 {
		t.Fatalf("checkpoints = %d, want 13", len(entries))
	}
}

func TestErrorsKeepTheirCode(t *testing.T) {
	srv := startServer(t, nil)
	c := dialTest(t, srv.addr, Config{Locale: "pt-BR"})
	ctx := context.Background()

	_, err := c.Revert(ctx, 99, nil)
	if got := apperrors.CodeOf(err); got != apperrors.CodeUnknownTimestamp {
		t.Fatalf("code = %s, want %s", got, apperrors.CodeUnknownTimestamp)
	}
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) || domainErr.Metadata["timestamp"] != "99" {
		t.Fatalf("err = %#v, want timestamp metadata", err)
	}

	err = c.EditPending(ctx, 5, envelope.Payload{Type: "Text"})
	if got := apperrors.CodeOf(err); got != apperrors.CodeIndexOutOfRange {
		t.Fatalf("code = %s, want %s", got, apperrors.CodeIndexOutOfRange)
	}

	_, err = c.AgentState(ctx, "")
	if got := apperrors.CodeOf(err); got != apperrors.CodeInvalidArgument {
		t.Fatalf("code = %s, want %s", got, apperrors.CodeInvalidArgument)
	}
}

func TestInspection(t *testing.T) {
	srv := startServer(t, nil)
	c := dialTest(t, srv.addr, Config{})
	ctx := context.Background()

	agents, err := c.Agents(ctx)
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	if len(agents) != 4 {
		t.Fatalf("agents = %d, want 4", len(agents))
	}
	topics, err := c.Topics(ctx)
	if err != nil {
		t.Fatalf("topics: %v", err)
	}
	if len(topics) != 1 || topics[0] != "group/default" {
		t.Fatalf("topics = %v, want [group/default]", topics)
	}
	types, err := c.MessageTypes(ctx)
	if err != nil {
		t.Fatalf("message types: %v", err)
	}
	if len(types) != 3 {
		t.Fatalf("message types = %d, want 3", len(types))
	}
	if err := c.Send(ctx, "writer", envelope.Payload{Type: scenario.TypeRequestToSpeak}); err != nil {
		t.Fatalf("send: %v", err)
	}
	status, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Unprocessed != 2 {
		t.Fatalf("unprocessed = %d, want 2", status.Unprocessed)
	}
}

func TestWatch(t *testing.T) {
	srv := startServer(t, nil)
	c := dialTest(t, srv.addr, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan debugger.FeedEvent, 4)
	errc := make(chan error, 1)
	go func() {
		errc <- c.Watch(ctx, func(ev debugger.FeedEvent) error {
			got <- ev
			if ev.Type == debugger.FeedRecorded {
				return errors.New("done")
			}
			return nil
		})
	}()

	select {
	case ev := <-got:
		if ev.Type != debugger.FeedReady {
			t.Fatalf("first event = %q, want %q", ev.Type, debugger.FeedReady)
		}
	case <-ctx.Done():
		t.Fatal("no ready event")
	}
	if _, err := c.Step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}
	select {
	case ev := <-got:
		if ev.Type != debugger.FeedRecorded || ev.Event == nil {
			t.Fatalf("event = %+v, want a recorded event", ev)
		}
	case <-ctx.Done():
		t.Fatal("no recorded event")
	}
	if err := <-errc; err == nil || err.Error() != "done" {
		t.Fatalf("watch = %v, want done", err)
	}
}

func TestAuth(t *testing.T) {
	authn := auth.New(auth.Config{Secret: "test-secret"})
	srv := startServer(t, authn)
	ctx := context.Background()

	anonymous := dialTest(t, srv.addr, Config{})
	_, err := anonymous.Status(ctx)
	if got := apperrors.CodeOf(err); got != apperrors.CodeUnauthenticated {
		t.Fatalf("code = %s, want %s", got, apperrors.CodeUnauthenticated)
	}

	token, err := authn.Mint("ada")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	operator := dialTest(t, srv.addr, Config{Token: token})
	if _, err := operator.Status(ctx); err != nil {
		t.Fatalf("status: %v", err)
	}
}

func TestDialRequiresAddress(t *testing.T) {
	if _, err := Dial(context.Background(), Config{}); err == nil {
		t.Fatal("expected error")
	}
}
