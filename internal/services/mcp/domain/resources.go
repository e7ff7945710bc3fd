package domain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/louisbranch/rewind/internal/services/debugger"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	// HistoryResourceURI serves the delivered history of the live session.
	HistoryResourceURI = "rewind://history"
	// SessionsResourceURI serves archived sessions and the live one.
	SessionsResourceURI = "rewind://sessions"
)

// HistoryResource describes the history resource.
func HistoryResource() *mcp.Resource {
	return &mcp.Resource{
		Name:        "history",
		Title:       "Delivered history",
		Description: "Messages delivered in the live session, in timestamp order",
		MIMEType:    "application/json",
		URI:         HistoryResourceURI,
	}
}

// SessionsResource describes the sessions resource.
func SessionsResource() *mcp.Resource {
	return &mcp.Resource{
		Name:        "sessions",
		Title:       "Sessions",
		Description: "Archived sessions followed by the live session, with scores",
		MIMEType:    "application/json",
		URI:         SessionsResourceURI,
	}
}

// HistoryResourceHandler reads the history resource.
func HistoryResourceHandler(op debugger.Operator) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		runCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		history, err := op.History(runCtx, "")
		if err != nil {
			return nil, toolError("history read", err)
		}
		return jsonResource(resourceURI(req, HistoryResourceURI), HistoryResult{Messages: messageViews(history)})
	}
}

// SessionsResourceHandler reads the sessions resource.
func SessionsResourceHandler(op debugger.Operator) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		runCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		view, err := op.Sessions(runCtx)
		if err != nil {
			return nil, toolError("sessions read", err)
		}
		payload := SessionsResult{Current: view.Current, Sessions: make([]Session, 0, len(view.Sessions))}
		for _, s := range view.Sessions {
			payload.Sessions = append(payload.Sessions, sessionView(s))
		}
		return jsonResource(resourceURI(req, SessionsResourceURI), payload)
	}
}

func resourceURI(req *mcp.ReadResourceRequest, fallback string) string {
	if req == nil || req.Params == nil || req.Params.URI == "" {
		return fallback
	}
	return req.Params.URI
}

func jsonResource(uri string, payload any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", uri, err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{URI: uri, MIMEType: "application/json", Text: string(data)}},
	}, nil
}
