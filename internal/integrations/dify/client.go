// Package dify talks to a Dify-compatible generation backend: synchronous
// file upload, and streaming workflow or chat-agent runs normalized into
// domain events.
package dify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"pcbtool/internal/domain"
)

const (
	uploadPath   = "/files/upload"
	workflowPath = "/workflows/run"
	chatPath     = "/chat-messages"

	defaultTimeout = 180 * time.Second
)

// TokenSource resolves the bearer token of an app by parameter name.
type TokenSource interface {
	Token(ctx context.Context, name string) (string, error)
}

// App is one backend application: its stream shape and the parameter that
// holds its API key.
type App struct {
	Shape      Shape
	TokenParam string
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("dify: unexpected status %d from %s: %s", e.StatusCode, e.Path, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Client struct {
	http   *resty.Client
	tokens TokenSource
}

type Option func(*resty.Client)

// WithTimeout bounds a whole call, including reading the event stream.
func WithTimeout(d time.Duration) Option {
	return func(c *resty.Client) {
		if d > 0 {
			c.SetTimeout(d)
		}
	}
}

func WithTransport(rt http.RoundTripper) Option {
	return func(c *resty.Client) {
		c.SetTransport(rt)
	}
}

func NewClient(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("dify: base url must not be empty")
	}
	if tokens == nil {
		return nil, errors.New("dify: token source must not be nil")
	}
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(defaultTimeout)
	for _, opt := range opts {
		opt(rc)
	}
	return &Client{http: rc, tokens: tokens}, nil
}

// Upload sends the local file at path on behalf of user and returns the
// backend file id.
func (c *Client) Upload(ctx context.Context, app App, path, user string) (string, error) {
	token, err := c.tokens.Token(ctx, app.TokenParam)
	if err != nil {
		return "", fmt.Errorf("dify: upload: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("dify: upload: %w", err)
	}
	defer func() { _ = f.Close() }()

	name := filepath.Base(path)
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var out struct {
		ID string `json:"id"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetMultipartField("file", name, contentType, f).
		SetFormData(map[string]string{"user": user}).
		SetResult(&out).
		Post(uploadPath)
	if err != nil {
		return "", fmt.Errorf("dify: upload: %w", err)
	}
	if resp.IsError() {
		return "", &HTTPStatusError{StatusCode: resp.StatusCode(), Path: uploadPath, Body: truncate(resp.String())}
	}
	if out.ID == "" {
		return "", errors.New("dify: upload: response has no file id")
	}
	return out.ID, nil
}

type runRequest struct {
	Inputs       map[string]any `json:"inputs"`
	Query        string         `json:"query,omitempty"`
	ResponseMode string         `json:"response_mode"`
	User         string         `json:"user"`
}

// open starts a streaming run and returns the raw event stream body.
func (c *Client) open(ctx context.Context, app App, req domain.GenerationRequest) (io.ReadCloser, error) {
	token, err := c.tokens.Token(ctx, app.TokenParam)
	if err != nil {
		return nil, fmt.Errorf("dify: %w", err)
	}
	path := workflowPath
	body := runRequest{Inputs: req.Inputs, ResponseMode: "streaming", User: req.User}
	if app.Shape == ShapeAgent {
		path = chatPath
		body.Query = req.Query
	}
	if body.Inputs == nil {
		body.Inputs = map[string]any{}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Accept", "text/event-stream").
		SetBody(body).
		SetDoNotParseResponse(true).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("dify: request %s: %w", path, err)
	}
	raw := resp.RawBody()
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(raw, 4096))
		_ = raw.Close()
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode(), Path: path, Body: string(buf)}
	}
	return raw, nil
}

// Streamer runs one App and implements the pipeline's generator contract.
type Streamer struct {
	client *Client
	app    App
}

func (c *Client) Streamer(app App) *Streamer {
	return &Streamer{client: c, app: app}
}

// Upload sends a file with the App's key so that its id is valid for runs
// of the same App.
func (s *Streamer) Upload(ctx context.Context, path, user string) (string, error) {
	return s.client.Upload(ctx, s.app, path, user)
}

// Stream returns a lazy event sequence for a single run. Each iteration
// issues a fresh call. The sequence ends after the first terminal event;
// transport failures surface as one error event. Breaking out of the loop
// closes the upstream connection.
func (s *Streamer) Stream(ctx context.Context, req domain.GenerationRequest) iter.Seq[domain.Event] {
	return func(yield func(domain.Event) bool) {
		body, err := s.client.open(ctx, s.app, req)
		if err != nil {
			yield(domain.ErrorEvent(err.Error()))
			return
		}
		defer func() { _ = body.Close() }()

		log := zerolog.Ctx(ctx)
		stopped := false
		err = scanData(body, func(payload []byte) bool {
			ev, err := decode(s.app.Shape, payload)
			if err != nil {
				// Passed through untouched; reducers ignore unnamed progress.
				log.Warn().Err(err).Str("line", truncate(string(payload))).Msg("forwarding undecodable stream line")
				ev = domain.Event{Kind: domain.EventProgress, Raw: bytes.Clone(payload)}
			}
			if !yield(ev) {
				stopped = true
				return false
			}
			if ev.Terminal() {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(domain.ErrorEvent("upstream stream interrupted: " + err.Error()))
		}
	}
}

func truncate(s string) string {
	const limit = 200
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
