// Package openai streams deployment guides from an OpenAI-compatible chat
// endpoint and narrates text through the speech endpoint.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"pcbtool/internal/domain"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"

	guideTemperature = 0.3
	guideTopP        = 0.7

	// speech endpoint input limit, in characters
	maxSpeechInput = 4096
)

// TokenSource resolves the API key by parameter name.
type TokenSource interface {
	Token(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Message    string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible client. The key is resolved per call
// through the TokenSource, which caches it.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	tokenParam string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if b := strings.TrimSpace(baseURL); b != "" {
			c.baseURL = strings.TrimRight(b, "/")
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(tokens TokenSource, tokenParam string, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("openai: token source must not be nil")
	}
	tokenParam = strings.TrimSpace(tokenParam)
	if tokenParam == "" {
		return nil, errors.New("openai: token parameter name must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 180 * time.Second},
		tokens:     tokens,
		tokenParam: tokenParam,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) api(ctx context.Context) (*goopenai.Client, error) {
	key, err := c.tokens.Token(ctx, c.tokenParam)
	if err != nil {
		return nil, fmt.Errorf("openai: resolve api key: %w", err)
	}
	cfg := goopenai.DefaultConfig(key)
	cfg.BaseURL = c.baseURL
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	}
	return goopenai.NewClientWithConfig(cfg), nil
}

// statusError normalizes go-openai failures so callers can read the upstream
// status through HTTPStatusCode.
func statusError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		msg := reqErr.HTTPStatus
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, Message: msg}
	}
	return err
}

// GuideStreamer generates free-text answers as an agent-shaped event stream.
type GuideStreamer struct {
	client *Client
	model  string
}

func (c *Client) GuideStreamer(model string) *GuideStreamer {
	return &GuideStreamer{client: c, model: model}
}

type agentWire struct {
	Event  string `json:"event"`
	Answer string `json:"answer,omitempty"`
}

func tokenEvent(text string) domain.Event {
	raw, _ := json.Marshal(agentWire{Event: "agent_message", Answer: text})
	return domain.Event{Kind: domain.EventToken, Name: "agent_message", Text: text, Raw: raw}
}

func endEvent() domain.Event {
	raw, _ := json.Marshal(agentWire{Event: "message_end"})
	return domain.Event{Kind: domain.EventFinished, Name: "message_end", Raw: raw}
}

// Stream sends req.Query as a single user message. Completion deltas are
// re-expressed as agent_message events followed by message_end. A stream that
// closes before any choice reports a finish reason ends with an error event.
func (g *GuideStreamer) Stream(ctx context.Context, req domain.GenerationRequest) iter.Seq[domain.Event] {
	return func(yield func(domain.Event) bool) {
		if g.model == "" {
			yield(domain.ErrorEvent("openai: model must not be empty"))
			return
		}
		api, err := g.client.api(ctx)
		if err != nil {
			yield(domain.ErrorEvent(err.Error()))
			return
		}
		stream, err := api.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
			Model: g.model,
			Messages: []goopenai.ChatCompletionMessage{
				{Role: goopenai.ChatMessageRoleUser, Content: req.Query},
			},
			Temperature: guideTemperature,
			TopP:        guideTopP,
			Stream:      true,
			User:        req.User,
		})
		if err != nil {
			yield(domain.ErrorEvent(fmt.Sprintf("openai: start stream: %v", statusError(err))))
			return
		}
		defer func() { _ = stream.Close() }()

		finishedSeen := false
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				if !finishedSeen {
					yield(domain.ErrorEvent("upstream stream ended before completion"))
					return
				}
				yield(endEvent())
				return
			}
			if err != nil {
				yield(domain.ErrorEvent("upstream stream interrupted: " + statusError(err).Error()))
				return
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					if !yield(tokenEvent(choice.Delta.Content)) {
						return
					}
				}
				if choice.FinishReason != "" {
					finishedSeen = true
				}
			}
		}
	}
}

// Speaker converts text to audio with a fixed model and voice.
type Speaker struct {
	client *Client
	model  string
	voice  string
}

func (c *Client) Speaker(model, voice string) *Speaker {
	return &Speaker{client: c, model: model, voice: voice}
}

// Speak returns MP3 audio for text. Input beyond the endpoint limit is cut
// at a rune boundary.
func (s *Speaker) Speak(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("openai: speech input must not be empty")
	}
	if r := []rune(text); len(r) > maxSpeechInput {
		text = string(r[:maxSpeechInput])
	}
	api, err := s.client.api(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := api.CreateSpeech(ctx, goopenai.CreateSpeechRequest{
		Model:          goopenai.SpeechModel(s.model),
		Input:          text,
		Voice:          goopenai.SpeechVoice(s.voice),
		ResponseFormat: goopenai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: create speech: %w", statusError(err))
	}
	defer func() { _ = resp.Close() }()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("openai: read speech: %w", err)
	}
	return audio, nil
}
