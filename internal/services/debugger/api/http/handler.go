// Package httpapi serves the debugger operator API over JSON and streams the
// live feed over a websocket.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	"github.com/louisbranch/rewind/internal/platform/i18n/catalog"
	"github.com/louisbranch/rewind/internal/platform/requestctx"
	"github.com/louisbranch/rewind/internal/services/debugger"
	"github.com/louisbranch/rewind/internal/services/debugger/auth"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"golang.org/x/net/websocket"
)

const maxBodyBytes = 1 << 20

// Feed is the live event source behind /api/stream.
type Feed interface {
	Subscribe() (<-chan debugger.FeedEvent, func())
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code     apperrors.Code    `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type stepResponse struct {
	Delivered bool `json:"delivered"`
}

type editRequest struct {
	Payload envelope.Payload `json:"payload"`
}

type revertRequest struct {
	Timestamp *uint64           `json:"timestamp"`
	Payload   *envelope.Payload `json:"payload,omitempty"`
}

type publishRequest struct {
	Topic   string           `json:"topic"`
	Payload envelope.Payload `json:"payload"`
}

type sendRequest struct {
	Recipient string           `json:"recipient"`
	Payload   envelope.Payload `json:"payload"`
}

type handler struct {
	op   debugger.Operator
	feed Feed
}

// NewHandler builds the operator routes. A nil authenticator or one without a
// secret leaves the routes open.
func NewHandler(op debugger.Operator, feed Feed, authn *auth.Authenticator) http.Handler {
	h := &handler{op: op, feed: feed}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("POST /api/step", h.step)
	mux.HandleFunc("POST /api/drop", h.drop)
	mux.HandleFunc("POST /api/loop/start", h.startLoop)
	mux.HandleFunc("POST /api/loop/stop", h.stopLoop)
	mux.HandleFunc("GET /api/queue", h.pending)
	mux.HandleFunc("PUT /api/queue/{index}", h.editPending)
	mux.HandleFunc("GET /api/history", h.history)
	mux.HandleFunc("POST /api/revert", h.revert)
	mux.HandleFunc("GET /api/checkpoints", h.checkpoints)
	mux.HandleFunc("GET /api/sessions", h.sessions)
	mux.HandleFunc("GET /api/score", h.score)
	mux.HandleFunc("POST /api/publish", h.publish)
	mux.HandleFunc("POST /api/send", h.send)
	mux.HandleFunc("GET /api/agents", h.agents)
	mux.HandleFunc("GET /api/agents/{agent...}", h.agentState)
	mux.HandleFunc("GET /api/topics", h.topics)
	mux.HandleFunc("GET /api/message-types", h.messageTypes)
	mux.HandleFunc("POST /api/save", h.save)
	if feed != nil {
		mux.Handle("GET /api/stream", websocket.Handler(h.stream))
	}

	var root http.Handler = mux
	if authn.Enabled() {
		root = authn.Middleware(writeError, "/up")(mux)
	}
	return withLocale(root)
}

func withLocale(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		locale := catalog.Default().Resolve(r.Header.Get("Accept-Language"))
		next.ServeHTTP(w, r.WithContext(requestctx.WithLocale(r.Context(), locale)))
	})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	status, err := h.op.Status(r.Context())
	respond(w, r, status, err)
}

func (h *handler) step(w http.ResponseWriter, r *http.Request) {
	ok, err := h.op.Step(r.Context())
	respond(w, r, stepResponse{Delivered: ok}, err)
}

func (h *handler) drop(w http.ResponseWriter, r *http.Request) {
	ok, err := h.op.DropNext(r.Context())
	respond(w, r, stepResponse{Delivered: ok}, err)
}

func (h *handler) startLoop(w http.ResponseWriter, r *http.Request) {
	respondEmpty(w, r, h.op.StartLoop(r.Context()))
}

func (h *handler) stopLoop(w http.ResponseWriter, r *http.Request) {
	respondEmpty(w, r, h.op.StopLoop(r.Context()))
}

func (h *handler) pending(w http.ResponseWriter, r *http.Request) {
	items, err := h.op.Pending(r.Context())
	respond(w, r, items, err)
}

func (h *handler) editPending(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, r, invalidArgument("queue index must be an integer"))
		return
	}
	var req editRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	respondEmpty(w, r, h.op.EditPending(r.Context(), index, req.Payload))
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	events, err := h.op.History(r.Context(), r.URL.Query().Get("filter"))
	respond(w, r, events, err)
}

func (h *handler) revert(w http.ResponseWriter, r *http.Request) {
	var req revertRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Timestamp == nil {
		writeError(w, r, invalidArgument("timestamp is required"))
		return
	}
	view, err := h.op.Revert(r.Context(), *req.Timestamp, req.Payload)
	respond(w, r, view, err)
}

func (h *handler) checkpoints(w http.ResponseWriter, r *http.Request) {
	entries, err := h.op.Checkpoints(r.Context())
	respond(w, r, entries, err)
}

func (h *handler) sessions(w http.ResponseWriter, r *http.Request) {
	view, err := h.op.Sessions(r.Context())
	respond(w, r, view, err)
}

func (h *handler) score(w http.ResponseWriter, r *http.Request) {
	res, err := h.op.Score(r.Context())
	respond(w, r, res, err)
}

func (h *handler) publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	respondEmpty(w, r, h.op.Publish(r.Context(), req.Topic, req.Payload))
}

func (h *handler) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	respondEmpty(w, r, h.op.Send(r.Context(), req.Recipient, req.Payload))
}

func (h *handler) agents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.op.Agents(r.Context())
	respond(w, r, agents, err)
}

func (h *handler) agentState(w http.ResponseWriter, r *http.Request) {
	view, err := h.op.AgentState(r.Context(), r.PathValue("agent"))
	respond(w, r, view, err)
}

func (h *handler) topics(w http.ResponseWriter, r *http.Request) {
	topics, err := h.op.Topics(r.Context())
	respond(w, r, topics, err)
}

func (h *handler) messageTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.op.MessageTypes(r.Context())
	respond(w, r, types, err)
}

func (h *handler) save(w http.ResponseWriter, r *http.Request) {
	respondEmpty(w, r, h.op.Save(r.Context()))
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalidArgument("request body: " + err.Error())
	}
	return nil
}

func respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func respondEmpty(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("http: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	locale := requestctx.LocaleFromContext(r.Context())
	if locale == "" {
		locale = catalog.Default().Resolve(r.Header.Get("Accept-Language"))
	}
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) {
		log.Printf("http: %s %s: %v", r.Method, r.URL.Path, err)
		domainErr = apperrors.Wrap(apperrors.CodeUnknown, "", err)
	}
	writeJSON(w, domainErr.Code.HTTPStatus(), errorEnvelope{Error: errorBody{
		Code:     domainErr.Code,
		Message:  domainErr.Localize(locale),
		Metadata: domainErr.Metadata,
	}})
}

func invalidArgument(reason string) *apperrors.Error {
	return apperrors.WithMetadata(apperrors.CodeInvalidArgument, reason, map[string]string{"reason": reason})
}
