// Package errors provides coded errors that map onto gRPC and HTTP statuses
// and render localized operator messages.
package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Request errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeUnauthenticated Code = "UNAUTHENTICATED"

	// Debugger errors
	CodeIndexOutOfRange         Code = "INDEX_OUT_OF_RANGE"
	CodeUnknownTimestamp        Code = "UNKNOWN_TIMESTAMP"
	CodeUnsupportedEnvelopeKind Code = "UNSUPPORTED_ENVELOPE_KIND"
	CodeMissingCheckpoint       Code = "MISSING_CHECKPOINT"
	CodeRuntimeBusy             Code = "RUNTIME_BUSY"
	CodeRuntimeStopped          Code = "RUNTIME_STOPPED"

	// Runtime errors
	CodeUnknownAgent Code = "UNKNOWN_AGENT"
	CodeNotFound     Code = "NOT_FOUND"

	// Storage errors
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeInvalidArgument,
		CodeIndexOutOfRange,
		CodeUnsupportedEnvelopeKind:
		return codes.InvalidArgument

	// NotFound - resource doesn't exist
	case CodeUnknownTimestamp,
		CodeUnknownAgent,
		CodeNotFound:
		return codes.NotFound

	// FailedPrecondition - state doesn't allow operation
	case CodeMissingCheckpoint,
		CodeRuntimeStopped:
		return codes.FailedPrecondition

	case CodeRuntimeBusy:
		return codes.Aborted

	case CodeUnauthenticated:
		return codes.Unauthenticated

	case CodeStorageUnavailable:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c.GRPCCode() {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition, codes.Aborted:
		return http.StatusConflict
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
