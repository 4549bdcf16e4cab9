package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pcbtool/internal/domain"
	"pcbtool/internal/usecase"
)

const (
	apiPrefix         = "/api/v1"
	correlationHeader = "X-Correlation-Id"
	userHeader        = "x-user-id"
	maxJSONBody       = 64 << 10
)

// Pipeline is the use case surface the transport drives.
type Pipeline interface {
	StartConversation(ctx context.Context, in usecase.StartInput) (*usecase.StageRun, error)
	GenerateCode(ctx context.Context, in usecase.StageInput) (*usecase.StageRun, error)
	GenerateSchematic(ctx context.Context, in usecase.StageInput) (*usecase.StageRun, error)
	GenerateGuide(ctx context.Context, in usecase.StageInput) (*usecase.StageRun, error)
	AnalyzeComponents(ctx context.Context, in usecase.StageInput, vendor string) (domain.Message, error)
	ListConversations(ctx context.Context, user string) ([]domain.Conversation, error)
	GetConversation(ctx context.Context, conversationID, user string) (domain.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID, user string) error
}

type Handler struct {
	pipeline    Pipeline
	defaultUser string
	log         zerolog.Logger
}

type Option func(*Handler)

// WithDefaultUser sets the identity used when a request carries no
// X-User-Id header.
func WithDefaultUser(user string) Option {
	return func(h *Handler) {
		h.defaultUser = strings.TrimSpace(user)
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(h *Handler) {
		h.log = log
	}
}

func NewHandler(p Pipeline, opts ...Option) (*Handler, error) {
	if p == nil {
		return nil, errors.New("handler: pipeline must not be nil")
	}
	h := &Handler{pipeline: p, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type stageRequest struct {
	AnalysisMessageID string `json:"analysis_message_id"`
	Vendor            string `json:"vendor,omitempty"`
}

type conversationsResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
}

// request is the per-invocation view of a Function URL event.
type request struct {
	event         events.LambdaFunctionURLRequest
	method        string
	segments      []string
	user          string
	correlationID string
	log           zerolog.Logger
}

func (r *request) header(name string) string {
	for k, v := range r.event.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func (r *request) body() ([]byte, error) {
	if !r.event.IsBase64Encoded {
		return []byte(r.event.Body), nil
	}
	return base64.StdEncoding.DecodeString(r.event.Body)
}

// Handle routes one Function URL invocation. Stream routes answer with an
// event-stream body once their stage has been resolved; everything else is
// a JSON response.
func (h *Handler) Handle(ctx context.Context, event events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	req := &request{event: event, method: strings.ToUpper(event.RequestContext.HTTP.Method)}
	req.correlationID = strings.TrimSpace(req.header(correlationHeader))
	if req.correlationID == "" {
		req.correlationID = uuid.NewString()
	}
	req.user = strings.TrimSpace(req.header(userHeader))
	if req.user == "" {
		req.user = h.defaultUser
	}

	path := event.RawPath
	if path == "" {
		path = event.RequestContext.HTTP.Path
	}
	req.log = h.log.With().
		Str("correlation_id", req.correlationID).
		Str("method", req.method).
		Str("path", path).
		Logger()
	ctx = req.log.WithContext(ctx)

	rest, ok := strings.CutPrefix(path, apiPrefix)
	if !ok {
		return h.notFound(req), nil
	}
	req.segments = splitPath(rest)

	resp := h.route(ctx, req)
	req.log.Info().Int("status", resp.StatusCode).Msg("request handled")
	return resp, nil
}

func splitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (h *Handler) route(ctx context.Context, req *request) *events.LambdaFunctionURLStreamingResponse {
	seg := req.segments
	if len(seg) == 0 || seg[0] != "conversations" {
		return h.notFound(req)
	}
	switch {
	case len(seg) == 1 && req.method == http.MethodGet:
		return h.listConversations(ctx, req)
	case len(seg) == 2 && seg[1] == "stream" && req.method == http.MethodPost:
		return h.startConversation(ctx, req)
	case len(seg) == 2 && req.method == http.MethodGet:
		return h.getConversation(ctx, req, seg[1])
	case len(seg) == 2 && req.method == http.MethodDelete:
		return h.deleteConversation(ctx, req, seg[1])
	case len(seg) == 3 && seg[2] == "analyze-components" && req.method == http.MethodPost:
		return h.analyzeComponents(ctx, req, seg[1])
	case len(seg) == 4 && seg[3] == "stream" && req.method == http.MethodPost:
		return h.stage(ctx, req, seg[1], seg[2])
	}
	return h.notFound(req)
}

func (h *Handler) listConversations(ctx context.Context, req *request) *events.LambdaFunctionURLStreamingResponse {
	convs, err := h.pipeline.ListConversations(ctx, req.user)
	if err != nil {
		return h.fromError(req, err)
	}
	return h.json(req, http.StatusOK, conversationsResponse{Conversations: convs})
}

func (h *Handler) getConversation(ctx context.Context, req *request, id string) *events.LambdaFunctionURLStreamingResponse {
	conv, err := h.pipeline.GetConversation(ctx, id, req.user)
	if err != nil {
		return h.fromError(req, err)
	}
	return h.json(req, http.StatusOK, conv)
}

func (h *Handler) deleteConversation(ctx context.Context, req *request, id string) *events.LambdaFunctionURLStreamingResponse {
	if err := h.pipeline.DeleteConversation(ctx, id, req.user); err != nil {
		return h.fromError(req, err)
	}
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: http.StatusNoContent,
		Headers:    map[string]string{correlationHeader: req.correlationID},
		Body:       strings.NewReader(""),
	}
}

func (h *Handler) analyzeComponents(ctx context.Context, req *request, id string) *events.LambdaFunctionURLStreamingResponse {
	body, errResp := h.stageRequest(req)
	if errResp != nil {
		return errResp
	}
	msg, err := h.pipeline.AnalyzeComponents(ctx, usecase.StageInput{
		ConversationID:  id,
		SourceMessageID: body.AnalysisMessageID,
		User:            req.user,
	}, body.Vendor)
	if err != nil {
		return h.fromError(req, err)
	}
	return h.json(req, http.StatusOK, msg)
}

func (h *Handler) stage(ctx context.Context, req *request, id, action string) *events.LambdaFunctionURLStreamingResponse {
	var prepare func(context.Context, usecase.StageInput) (*usecase.StageRun, error)
	switch action {
	case "generate-code":
		prepare = h.pipeline.GenerateCode
	case "generate-schematic":
		prepare = h.pipeline.GenerateSchematic
	case "generate-deployment-guide":
		prepare = h.pipeline.GenerateGuide
	default:
		return h.notFound(req)
	}

	body, errResp := h.stageRequest(req)
	if errResp != nil {
		return errResp
	}
	run, err := prepare(ctx, usecase.StageInput{
		ConversationID:  id,
		SourceMessageID: body.AnalysisMessageID,
		User:            req.user,
	})
	if err != nil {
		return h.fromError(req, err)
	}
	return h.stream(ctx, req, run)
}

func (h *Handler) stageRequest(req *request) (stageRequest, *events.LambdaFunctionURLStreamingResponse) {
	var out stageRequest
	raw, err := req.body()
	if err != nil {
		return out, h.errorJSON(req, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_body_encoding")
	}
	if len(raw) > maxJSONBody {
		return out, h.errorJSON(req, http.StatusBadRequest, usecase.ErrorInvalidInput, "body_too_large")
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, h.errorJSON(req, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_json")
	}
	out.AnalysisMessageID = strings.TrimSpace(out.AnalysisMessageID)
	return out, nil
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorMissingDocument:
		return http.StatusUnprocessableEntity
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorForbidden:
		return http.StatusForbidden
	case usecase.ErrorUploadFailed, usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fromError(req *request, err error) *events.LambdaFunctionURLStreamingResponse {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		req.log.Error().Err(err).Msg("unexpected error")
		return h.errorJSON(req, http.StatusInternalServerError, usecase.ErrorInternal, "")
	}
	status := statusFor(ue.Code)
	ev := req.log.Warn()
	if status >= http.StatusInternalServerError {
		ev = req.log.Error()
	}
	ev.Err(ue.Err).Str("code", string(ue.Code)).Str("reason", ue.Reason).Msg("request rejected")
	return h.errorJSON(req, status, ue.Code, ue.Reason)
}

func (h *Handler) notFound(req *request) *events.LambdaFunctionURLStreamingResponse {
	return h.errorJSON(req, http.StatusNotFound, usecase.ErrorNotFound, "route_not_found")
}

func (h *Handler) errorJSON(req *request, status int, code usecase.ErrorCode, reason string) *events.LambdaFunctionURLStreamingResponse {
	return h.json(req, status, errorResponse{Error: string(code), Reason: reason})
}

func (h *Handler) json(req *request, status int, v any) *events.LambdaFunctionURLStreamingResponse {
	b, err := json.Marshal(v)
	if err != nil {
		req.log.Error().Err(err).Msg("encode response")
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: req.correlationID,
		},
		Body: bytes.NewReader(b),
	}
}
