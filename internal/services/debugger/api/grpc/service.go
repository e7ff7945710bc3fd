package grpcapi

import (
	"context"
	"strings"

	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	"github.com/louisbranch/rewind/internal/platform/i18n/catalog"
	"github.com/louisbranch/rewind/internal/platform/requestctx"
	"github.com/louisbranch/rewind/internal/services/debugger"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "rewind.v1.DebuggerService"

// Method names.
const (
	MethodStatus       = "Status"
	MethodStep         = "Step"
	MethodDropNext     = "DropNext"
	MethodStartLoop    = "StartLoop"
	MethodStopLoop     = "StopLoop"
	MethodPending      = "Pending"
	MethodHistory      = "History"
	MethodEditPending  = "EditPending"
	MethodRevert       = "Revert"
	MethodCheckpoints  = "Checkpoints"
	MethodSessions     = "Sessions"
	MethodScore        = "Score"
	MethodPublish      = "Publish"
	MethodSend         = "Send"
	MethodAgents       = "Agents"
	MethodAgentState   = "AgentState"
	MethodTopics       = "Topics"
	MethodMessageTypes = "MessageTypes"
	MethodSave         = "Save"
	MethodWatch        = "Watch"
)

// FullMethod returns the gRPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Request documents.
type (
	HistoryRequest struct {
		Filter string `json:"filter,omitempty"`
	}
	EditPendingRequest struct {
		Index   int              `json:"index"`
		Payload envelope.Payload `json:"payload"`
	}
	RevertRequest struct {
		Timestamp uint64            `json:"timestamp"`
		Payload   *envelope.Payload `json:"payload,omitempty"`
	}
	PublishRequest struct {
		Topic   string           `json:"topic"`
		Payload envelope.Payload `json:"payload"`
	}
	SendRequest struct {
		Recipient string           `json:"recipient"`
		Payload   envelope.Payload `json:"payload"`
	}
	AgentStateRequest struct {
		Agent string `json:"agent"`
	}
)

// Feed is the live event source behind Watch.
type Feed interface {
	Subscribe() (<-chan debugger.FeedEvent, func())
}

// Service adapts a debugger.Operator to gRPC.
type Service struct {
	op   debugger.Operator
	feed Feed
}

// NewService builds the gRPC service. A nil feed disables Watch.
func NewService(op debugger.Operator, feed Feed) *Service {
	return &Service{op: op, feed: feed}
}

// Register adds the service to s.
func Register(s grpc.ServiceRegistrar, svc *Service) {
	s.RegisterService(&serviceDesc, svc)
}

type handlerFunc func(ctx context.Context, op debugger.Operator, req *structpb.Struct) (any, error)

type debuggerServer interface {
	call(ctx context.Context, req *structpb.Struct, fn handlerFunc) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*debuggerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, func(ctx context.Context, op debugger.Operator, _ *structpb.Struct) (any, error) {
			return op.Status(ctx)
		}),
		unary(MethodStep, func(ctx context.Context, op debugger.Operator, _ *structpb.Struct) (any, error) {
			return op.Step(ctx)
		}),
		unary(MethodDropNext, func(ctx context.Context, op debugger.Operator, _ *structpb.Struct) (any, error) {
			return op.DropNext(ctx)
		}),
		unary(MethodStartLoop, func(ctx context.Context, op debugger.Operator, _ *structpb.Struct) (any, error) {
			return nil, op.StartLoop(ctx)
		}),
		unary(MethodStopLoop, func(ctx context.Context, op debugger.Operator, _ *structpb.Struct) (any, error) {
			return nil, op.StopLoop(ctx)
		}),
		unary(MethodPending, func(ctx context.Context, op debugger.Operator, _ *structpb.Struct) (any, error) {
			return op.Pending(ctx)
		}),
		unary(MethodHistory, func(ctx context.Context, op debugger.Operator, in *structpb.Struct) (any, error) {
			var req HistoryRequest
			if err := decode(in, &req); err != nil {
				return nil, err
			}
			return op.History(ctx, req.Filter)
		}),
		unary(MethodEditPending, func(ctx context.Context, op debugger.Operator, in *structpb.Struct) (any, error) {
			var req EditPendingRequest
			if err := decode(in, &req); err != nil {
				return nil, err
			}
			return nil, op.EditPending(ctx, req.Index, req.Payload)
		}),
		unary(MethodRevert, func(ctx context.Context, op debugger.Operator, in *structpb.Struct) (any, error) {
			var req RevertRequest
			if err := decode(in, &req); err != nil {
				return nil, err
			}
			if _, ok := in.GetFields()["timestamp"]; !ok {
				return nil, invalidArgument("timestamp is required")
			}
			return op.Revert(ctx, req.Timestamp, req.Payload)
		}),
		unary(MethodCheckpoints, func(ctx context.Context, op debugger.Operator, _ *structpb.Struct) (any, error) {
			return op.Checkpoints(ctx)
		}),
		unary(MethodSessions, func(ctx context.Context, op debugger.Operator, _ *structpb.Struct) (any, error) {
			return op.Sessions(ctx)
		}),
		unary(MethodScore, func(ctx context.Context, op debugger.Operator, _ *structpb.Struct) (any, error) {
			return op.Score(ctx)
		}),
		unary(MethodPublish, func(ctx context.Context, op debugger.Operator, in *structpb.Struct) (any, error) {
			var req PublishRequest
			if err := decode(in, &req); err != nil {
				return nil, err
			}
			return nil, op.Publish(ctx, req.Topic, req.Payload)
		}),
		unary(MethodSend, func(ctx context.Context, op debugger.Operator, in *structpb.Struct) (any, error) {
			var req SendRequest
			if err := decode(in, &req); err != nil {
				return nil, err
			}
			return nil, op.Send(ctx, req.Recipient, req.Payload)
		}),
		unary(MethodAgents, func(ctx context.Context, op debugger.Operator, _ *structpb.Struct) (any, error) {
			return op.Agents(ctx)
		}),
		unary(MethodAgentState, func(ctx context.Context, op debugger.Operator, in *structpb.Struct) (any, error) {
			var req AgentStateRequest
			if err := decode(in, &req); err != nil {
				return nil, err
			}
			return op.AgentState(ctx, req.Agent)
		}),
		unary(MethodTopics, func(ctx context.Context, op debugger.Operator, _ *structpb.Struct) (any, error) {
			return op.Topics(ctx)
		}),
		unary(MethodMessageTypes, func(ctx context.Context, op debugger.Operator, _ *structpb.Struct) (any, error) {
			return op.MessageTypes(ctx)
		}),
		unary(MethodSave, func(ctx context.Context, op debugger.Operator, _ *structpb.Struct) (any, error) {
			return nil, op.Save(ctx)
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatch,
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "rewind/v1/debugger.proto",
}

func unary(method string, fn handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return srv.(debuggerServer).call(ctx, req.(*structpb.Struct), fn)
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func (s *Service) call(ctx context.Context, req *structpb.Struct, fn handlerFunc) (*structpb.Struct, error) {
	ctx = withLocale(ctx)
	out, err := fn(ctx, s.op, req)
	if err != nil {
		return nil, ToStatus(ctx, err)
	}
	res, err := EncodeResult(out)
	if err != nil {
		return nil, ToStatus(ctx, err)
	}
	return res, nil
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Service)
	ctx := withLocale(stream.Context())
	if s.feed == nil {
		return ToStatus(ctx, apperrors.New(apperrors.CodeNotFound, "live feed is not available"))
	}
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	events, cancel := s.feed.Subscribe()
	defer cancel()
	ready, err := EncodeResult(debugger.FeedEvent{Type: debugger.FeedReady})
	if err != nil {
		return ToStatus(ctx, err)
	}
	if err := stream.SendMsg(ready); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			msg, err := EncodeResult(ev)
			if err != nil {
				return ToStatus(ctx, err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// ToStatus converts err into a gRPC status localized for the request.
func ToStatus(ctx context.Context, err error) error {
	locale := requestctx.LocaleFromContext(ctx)
	if locale == "" {
		locale = catalog.Default().Resolve(localeFromMetadata(ctx))
	}
	return apperrors.ToGRPC(err, locale)
}

func withLocale(ctx context.Context) context.Context {
	if requestctx.LocaleFromContext(ctx) != "" {
		return ctx
	}
	return requestctx.WithLocale(ctx, catalog.Default().Resolve(localeFromMetadata(ctx)))
}

func localeFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("accept-language")
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func decode(in *structpb.Struct, v any) error {
	if err := DecodeRequest(in, v); err != nil {
		return invalidArgument(err.Error())
	}
	return nil
}

func invalidArgument(reason string) *apperrors.Error {
	return apperrors.WithMetadata(apperrors.CodeInvalidArgument, reason, map[string]string{"reason": reason})
}
