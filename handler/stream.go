package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"pcbtool/internal/domain"
	"pcbtool/internal/usecase"
)

const (
	textField  = "text_input"
	imageField = "image"
)

// sseSink writes each event's upstream payload as one "data:" frame.
type sseSink struct {
	w io.Writer
}

func (s sseSink) Send(ev domain.Event) error {
	payload := []byte(ev.Raw)
	if len(payload) == 0 {
		b, err := json.Marshal(map[string]string{"event": ev.Name})
		if err != nil {
			return err
		}
		payload = b
	}
	var buf bytes.Buffer
	buf.Grow(len(payload) + 8)
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	_, err := s.w.Write(buf.Bytes())
	return err
}

// stream hands run to a goroutine that feeds the response body. The runtime
// closes the read side when the caller goes away, which fails the next write
// and cancels the run.
func (h *Handler) stream(ctx context.Context, req *request, run *usecase.StageRun) *events.LambdaFunctionURLStreamingResponse {
	pr, pw := io.Pipe()
	log := req.log.With().Str("stage", string(run.Stage())).Str("conversation_id", run.ConversationID()).Logger()
	go func() {
		st := run.Stream(log.WithContext(ctx), sseSink{w: pw})
		log.Info().Str("state", string(st)).Msg("stream closed")
		_ = pw.Close()
	}()
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":      "text/event-stream",
			"Cache-Control":     "no-cache",
			"X-Conversation-Id": run.ConversationID(),
			correlationHeader:   req.correlationID,
		},
		Body: pr,
	}
}

func (h *Handler) startConversation(ctx context.Context, req *request) *events.LambdaFunctionURLStreamingResponse {
	in, err := parseStartForm(req)
	if err != nil {
		req.log.Warn().Err(err).Msg("invalid multipart body")
		return h.errorJSON(req, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_multipart")
	}
	in.User = req.user
	run, err := h.pipeline.StartConversation(ctx, in)
	if err != nil {
		return h.fromError(req, err)
	}
	return h.stream(ctx, req, run)
}

// parseStartForm reads text_input and image from a multipart body. The
// Function URL payload is already in memory, so the image part is kept as
// a byte slice.
func parseStartForm(req *request) (usecase.StartInput, error) {
	var in usecase.StartInput
	mediaType, params, err := mime.ParseMediaType(req.header("Content-Type"))
	if err != nil {
		return in, err
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return in, errors.New("expected a multipart body, got " + mediaType)
	}
	raw, err := req.body()
	if err != nil {
		return in, err
	}

	mr := multipart.NewReader(bytes.NewReader(raw), params["boundary"])
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return in, nil
		}
		if err != nil {
			return in, err
		}
		switch part.FormName() {
		case textField:
			b, err := io.ReadAll(part)
			if err != nil {
				return in, err
			}
			in.Text = string(b)
		case imageField:
			b, err := io.ReadAll(part)
			if err != nil {
				return in, err
			}
			// A file input left blank arrives as an unnamed empty part.
			if len(b) > 0 || part.FileName() != "" {
				in.Image = bytes.NewReader(b)
				in.ImageName = part.FileName()
			}
		}
		_ = part.Close()
	}
}
