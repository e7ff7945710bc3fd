// Package grpcapi serves the debugger operator API over gRPC. The service is
// described by hand: every request and response is a google.protobuf.Struct
// carrying the same JSON documents the HTTP API uses.
package grpcapi

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// resultField holds the response document inside the Struct.
const resultField = "result"

// EncodeRequest converts a request document into a Struct.
func EncodeRequest(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("request must be a JSON object: %w", err)
	}
	return structpb.NewStruct(fields)
}

// DecodeRequest reads a request Struct into v.
func DecodeRequest(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// EncodeResult wraps any JSON value as {"result": v}.
func EncodeResult(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return structpb.NewStruct(map[string]any{resultField: value})
}

// DecodeResult reads the result of a response Struct into v. A nil v
// discards it.
func DecodeResult(s *structpb.Struct, v any) error {
	if v == nil {
		return nil
	}
	field, ok := s.GetFields()[resultField]
	if !ok {
		return fmt.Errorf("response has no %s field", resultField)
	}
	data, err := json.Marshal(field.AsInterface())
	if err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
