package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("revert: %w", WithMetadata(CodeUnknownTimestamp, "timestamp 9 not recorded", map[string]string{"timestamp": "9"}))
	if !stderrors.Is(err, New(CodeUnknownTimestamp, "")) {
		t.Fatal("expected errors.Is to match by code")
	}
	if stderrors.Is(err, New(CodeRuntimeBusy, "")) {
		t.Fatal("expected different code not to match")
	}
	if got := CodeOf(err); got != CodeUnknownTimestamp {
		t.Fatalf("code = %s, want %s", got, CodeUnknownTimestamp)
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("code = %s, want %s", got, CodeUnknown)
	}
}

func TestWrapUnwrapsCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(CodeStorageUnavailable, "save checkpoint", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
	if err.Error() != "save checkpoint" {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestCodeMappings(t *testing.T) {
	tests := []struct {
		code Code
		grpc codes.Code
		http int
	}{
		{CodeIndexOutOfRange, codes.InvalidArgument, http.StatusBadRequest},
		{CodeUnsupportedEnvelopeKind, codes.InvalidArgument, http.StatusBadRequest},
		{CodeUnknownTimestamp, codes.NotFound, http.StatusNotFound},
		{CodeUnknownAgent, codes.NotFound, http.StatusNotFound},
		{CodeMissingCheckpoint, codes.FailedPrecondition, http.StatusConflict},
		{CodeRuntimeBusy, codes.Aborted, http.StatusConflict},
		{CodeUnauthenticated, codes.Unauthenticated, http.StatusUnauthorized},
		{CodeStorageUnavailable, codes.Unavailable, http.StatusServiceUnavailable},
		{CodeUnknown, codes.Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.code.GRPCCode(); got != tt.grpc {
			t.Fatalf("%s grpc = %v, want %v", tt.code, got, tt.grpc)
		}
		if got := tt.code.HTTPStatus(); got != tt.http {
			t.Fatalf("%s http = %d, want %d", tt.code, got, tt.http)
		}
	}
}

func TestToGRPCStatusAttachesDetails(t *testing.T) {
	err := WithMetadata(CodeIndexOutOfRange, "index 5 out of range", map[string]string{"index": "5", "length": "2"})
	st, ok := status.FromError(err.ToGRPCStatus("pt-BR"))
	if !ok {
		t.Fatal("expected status error")
	}
	if st.Code() != codes.InvalidArgument {
		t.Fatalf("code = %v, want %v", st.Code(), codes.InvalidArgument)
	}
	var info *errdetails.ErrorInfo
	var localized *errdetails.LocalizedMessage
	for _, detail := range st.Details() {
		switch d := detail.(type) {
		case *errdetails.ErrorInfo:
			info = d
		case *errdetails.LocalizedMessage:
			localized = d
		}
	}
	if info == nil || info.GetReason() != string(CodeIndexOutOfRange) || info.GetDomain() != Domain {
		t.Fatalf("error info = %v", info)
	}
	if localized == nil || localized.GetMessage() != "A posição 5 está fora da fila (a fila tem 2 mensagens)." {
		t.Fatalf("localized = %v", localized)
	}
}

func TestGRPCRoundTrip(t *testing.T) {
	original := WithMetadata(CodeUnknownAgent, "agent echo/x not found", map[string]string{"agent": "echo/x"})
	back := FromGRPCStatus(ToGRPC(fmt.Errorf("wrapped: %w", original), "en-US"))

	if CodeOf(back) != CodeUnknownAgent {
		t.Fatalf("code = %s, want %s", CodeOf(back), CodeUnknownAgent)
	}
	var domainErr *Error
	if !stderrors.As(back, &domainErr) || domainErr.Metadata["agent"] != "echo/x" {
		t.Fatalf("metadata lost: %#v", back)
	}
}

func TestToGRPCPlainError(t *testing.T) {
	st, _ := status.FromError(ToGRPC(stderrors.New("boom"), "en-US"))
	if st.Code() != codes.Internal {
		t.Fatalf("code = %v, want %v", st.Code(), codes.Internal)
	}
	if ToGRPC(nil, "en-US") != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestFromGRPCStatusPassesThroughForeignErrors(t *testing.T) {
	plain := status.Error(codes.Unavailable, "connection refused")
	if got := FromGRPCStatus(plain); got != plain {
		t.Fatalf("got %v, want original", got)
	}
}
