// Package client calls a remote debugger over gRPC.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	platformgrpc "github.com/louisbranch/rewind/internal/platform/grpc"
	"github.com/louisbranch/rewind/internal/platform/timeouts"
	"github.com/louisbranch/rewind/internal/services/debugger"
	grpcapi "github.com/louisbranch/rewind/internal/services/debugger/api/grpc"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/checkpoint"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/score"
	"github.com/louisbranch/rewind/internal/services/debugger/scenario"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Config describes how to reach the debugger.
type Config struct {
	Addr        string
	Token       string
	Locale      string
	DialTimeout time.Duration
	CallTimeout time.Duration
}

// Client implements debugger.Operator against a remote debugger.
type Client struct {
	conn        *gogrpc.ClientConn
	locale      string
	callTimeout time.Duration
}

var _ debugger.Operator = (*Client)(nil)

// Dial connects to the debugger and waits for it to report healthy.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("debugger address is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = timeouts.GRPCDial
	}
	opts := append(platformgrpc.DefaultClientDialOptions(), platformgrpc.WithBearerToken(cfg.Token)...)
	logf := func(format string, args ...any) {
		log.Printf("debugger %s", fmt.Sprintf(format, args...))
	}
	conn, err := platformgrpc.DialWithHealth(ctx, nil, addr, grpcapi.ServiceName, cfg.DialTimeout, logf, opts...)
	if err != nil {
		return nil, err
	}
	return New(conn, cfg), nil
}

// New wraps an existing connection.
func New(conn *gogrpc.ClientConn, cfg Config) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = timeouts.GRPCRequest
	}
	return &Client{conn: conn, locale: strings.TrimSpace(cfg.Locale), callTimeout: cfg.CallTimeout}
}

// Close closes the connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.locale == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "accept-language", c.locale)
}

func (c *Client) invoke(ctx context.Context, method string, req, result any) error {
	in, err := grpcapi.EncodeRequest(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.outgoing(ctx), c.callTimeout)
	defer cancel()
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, grpcapi.FullMethod(method), in, out); err != nil {
		return apperrors.FromGRPCStatus(err)
	}
	return grpcapi.DecodeResult(out, result)
}

func (c *Client) Status(ctx context.Context) (debugger.Status, error) {
	var out debugger.Status
	err := c.invoke(ctx, grpcapi.MethodStatus, nil, &out)
	return out, err
}

func (c *Client) Step(ctx context.Context) (bool, error) {
	var out bool
	err := c.invoke(ctx, grpcapi.MethodStep, nil, &out)
	return out, err
}

func (c *Client) DropNext(ctx context.Context) (bool, error) {
	var out bool
	err := c.invoke(ctx, grpcapi.MethodDropNext, nil, &out)
	return out, err
}

func (c *Client) StartLoop(ctx context.Context) error {
	return c.invoke(ctx, grpcapi.MethodStartLoop, nil, nil)
}

func (c *Client) StopLoop(ctx context.Context) error {
	return c.invoke(ctx, grpcapi.MethodStopLoop, nil, nil)
}

func (c *Client) Pending(ctx context.Context) ([]debugger.PendingMessage, error) {
	var out []debugger.PendingMessage
	err := c.invoke(ctx, grpcapi.MethodPending, nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, filter string) ([]envelope.Rendered, error) {
	var out []envelope.Rendered
	err := c.invoke(ctx, grpcapi.MethodHistory, grpcapi.HistoryRequest{Filter: filter}, &out)
	return out, err
}

func (c *Client) EditPending(ctx context.Context, index int, payload envelope.Payload) error {
	return c.invoke(ctx, grpcapi.MethodEditPending, grpcapi.EditPendingRequest{Index: index, Payload: payload}, nil)
}

func (c *Client) Revert(ctx context.Context, cutoff uint64, replacement *envelope.Payload) (debugger.RevertView, error) {
	var out debugger.RevertView
	err := c.invoke(ctx, grpcapi.MethodRevert, grpcapi.RevertRequest{Timestamp: cutoff, Payload: replacement}, &out)
	return out, err
}

func (c *Client) Checkpoints(ctx context.Context) ([]checkpoint.Entry, error) {
	var out []checkpoint.Entry
	err := c.invoke(ctx, grpcapi.MethodCheckpoints, nil, &out)
	return out, err
}

func (c *Client) Sessions(ctx context.Context) (debugger.SessionsView, error) {
	var out debugger.SessionsView
	err := c.invoke(ctx, grpcapi.MethodSessions, nil, &out)
	return out, err
}

func (c *Client) Score(ctx context.Context) (*score.Result, error) {
	var out *score.Result
	err := c.invoke(ctx, grpcapi.MethodScore, nil, &out)
	return out, err
}

func (c *Client) Publish(ctx context.Context, topic string, payload envelope.Payload) error {
	return c.invoke(ctx, grpcapi.MethodPublish, grpcapi.PublishRequest{Topic: topic, Payload: payload}, nil)
}

func (c *Client) Send(ctx context.Context, recipient string, payload envelope.Payload) error {
	return c.invoke(ctx, grpcapi.MethodSend, grpcapi.SendRequest{Recipient: recipient, Payload: payload}, nil)
}

func (c *Client) Agents(ctx context.Context) ([]debugger.AgentView, error) {
	var out []debugger.AgentView
	err := c.invoke(ctx, grpcapi.MethodAgents, nil, &out)
	return out, err
}

func (c *Client) AgentState(ctx context.Context, agent string) (debugger.AgentStateView, error) {
	var out debugger.AgentStateView
	err := c.invoke(ctx, grpcapi.MethodAgentState, grpcapi.AgentStateRequest{Agent: agent}, &out)
	return out, err
}

func (c *Client) Topics(ctx context.Context) ([]string, error) {
	var out []string
	err := c.invoke(ctx, grpcapi.MethodTopics, nil, &out)
	return out, err
}

func (c *Client) MessageTypes(ctx context.Context) ([]scenario.MessageType, error) {
	var out []scenario.MessageType
	err := c.invoke(ctx, grpcapi.MethodMessageTypes, nil, &out)
	return out, err
}

func (c *Client) Save(ctx context.Context) error {
	return c.invoke(ctx, grpcapi.MethodSave, nil, nil)
}

// Watch calls fn for every live feed event until ctx ends, the server closes
// the stream, or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(debugger.FeedEvent) error) error {
	desc := &gogrpc.StreamDesc{StreamName: grpcapi.MethodWatch, ServerStreams: true}
	stream, err := c.conn.NewStream(c.outgoing(ctx), desc, grpcapi.FullMethod(grpcapi.MethodWatch))
	if err != nil {
		return apperrors.FromGRPCStatus(err)
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return apperrors.FromGRPCStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return apperrors.FromGRPCStatus(err)
		}
		var ev debugger.FeedEvent
		if err := grpcapi.DecodeResult(msg, &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
