package service

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/rewind/internal/platform/storage/blob"
	"github.com/louisbranch/rewind/internal/platform/timeouts"
	"github.com/louisbranch/rewind/internal/services/debugger"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/score"
	"github.com/louisbranch/rewind/internal/services/debugger/scenario"
	"github.com/louisbranch/rewind/internal/services/mcp/domain"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type closeCounter struct{ closed int }

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func newDebugger(t *testing.T) *debugger.Debugger {
	t.Helper()
	team, err := scenario.Demo()
	if err != nil {
		t.Fatalf("demo team: %v", err)
	}
	d, err := debugger.New(context.Background(), debugger.Config{
		Team:    team,
		Scorer:  score.HumanEval,
		Blobs:   blob.NewMemoryStore(),
		Kickoff: true,
	})
	if err != nil {
		t.Fatalf("new debugger: %v", err)
	}
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func connectInMemory(t *testing.T, server *Server) (*mcp.ClientSession, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.serveWithTransport(ctx, serverTransport)
	}()

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "v0.0.1"}, nil)
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer connectCancel()
	session, err := client.Connect(connectCtx, clientTransport, nil)
	if err != nil {
		cancel()
		t.Fatalf("connect client: %v", err)
	}
	return session, cancel, serveErr
}

func TestServerListsToolsAndResources(t *testing.T) {
	server, err := New(newDebugger(t), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	session, cancel, _ := connectInMemory(t, server)
	defer cancel()
	defer session.Close()

	ctx := context.Background()
	tools, err := session.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"debugger_status", "step", "drop_next", "revert", "history_list", "queue_edit", "sessions_list", "score_get", "timeline_save"} {
		if !names[want] {
			t.Fatalf("tool %q missing from %v", want, names)
		}
	}
	if len(tools.Tools) != 19 {
		t.Fatalf("tools = %d, want 19", len(tools.Tools))
	}

	resources, err := session.ListResources(ctx, nil)
	if err != nil {
		t.Fatalf("list resources: %v", err)
	}
	if len(resources.Resources) != 2 {
		t.Fatalf("resources = %d, want 2", len(resources.Resources))
	}
}

func TestServerCallsTools(t *testing.T) {
	server, err := New(newDebugger(t), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	session, cancel, _ := connectInMemory(t, server)
	defer cancel()
	defer session.Close()

	ctx := context.Background()
	for i := 0; i < 13; i++ {
		res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "step", Arguments: map[string]any{}})
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if res.IsError {
			t.Fatalf("step %d returned a tool error: %+v", i, res.Content)
		}
		out, ok := res.StructuredContent.(map[string]any)
		if !ok || out["delivered"] != true {
			t.Fatalf("step %d output = %#v, want delivered", i, res.StructuredContent)
		}
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "history_list", Arguments: map[string]any{"filter": `kind = "reply"`}})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	out, _ := res.StructuredContent.(map[string]any)
	messages, _ := out["messages"].([]any)
	if len(messages) != 4 {
		t.Fatalf("replies = %d, want 4", len(messages))
	}

	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "revert", Arguments: map[string]any{"timestamp": 999}})
	if err != nil {
		t.Fatalf("revert call: %v", err)
	}
	if !res.IsError {
		t.Fatal("revert to unknown timestamp should be a tool error")
	}
	text, _ := res.Content[0].(*mcp.TextContent)
	if text == nil || !strings.Contains(text.Text, "UNKNOWN_TIMESTAMP") {
		t.Fatalf("revert error content = %+v, want UNKNOWN_TIMESTAMP", res.Content)
	}

	read, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: domain.HistoryResourceURI})
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if len(read.Contents) != 1 || !strings.Contains(read.Contents[0].Text, `"timestamp": 12`) {
		t.Fatalf("history resource missing the last delivery")
	}
}

func TestServeStopsOnCancelAndCloses(t *testing.T) {
	closer := &closeCounter{}
	server, err := New(newDebugger(t), closer)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	session, cancel, serveErr := connectInMemory(t, server)
	defer session.Close()

	cancel()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
	if closer.closed != 1 {
		t.Fatalf("closed = %d, want 1", closer.closed)
	}
}

func TestServeHTTP(t *testing.T) {
	server, err := New(newDebugger(t), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.serveListener(ctx, listener) }()

	base := "http://" + listener.Addr().String()
	resp, err := http.Get(base + "/up")
	if err != nil {
		cancel()
		t.Fatalf("get /up: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		cancel()
		t.Fatalf("/up = %d %q, want 200 OK", resp.StatusCode, body)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "v0.0.1"}, nil)
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer connectCancel()
	session, err := client.Connect(connectCtx, &mcp.StreamableClientTransport{Endpoint: base + "/mcp"}, nil)
	if err != nil {
		cancel()
		t.Fatalf("connect over HTTP: %v", err)
	}
	res, err := session.CallTool(connectCtx, &mcp.CallToolParams{Name: "debugger_status", Arguments: map[string]any{}})
	if err != nil {
		cancel()
		t.Fatalf("status over HTTP: %v", err)
	}
	out, _ := res.StructuredContent.(map[string]any)
	if out["unprocessed"] != float64(1) {
		cancel()
		t.Fatalf("status = %#v, want one queued message", res.StructuredContent)
	}
	_ = session.Close()

	cancel()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(timeouts.Shutdown + 2*time.Second):
		t.Fatal("HTTP server did not stop after cancel")
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	if err := Run(context.Background(), Config{Transport: "carrier-pigeon", DebuggerAddr: "x"}); err == nil {
		t.Fatal("expected unsupported transport error")
	}
	if err := Run(context.Background(), Config{}); err == nil {
		t.Fatal("expected missing address error")
	}
}

func TestNewRequiresOperator(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Fatal("expected error")
	}
}
