package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// tokenPayload is the JSON shape stored in SSM for every API token.
type tokenPayload struct {
	Token string `json:"token"`
}

// Tokens resolves API tokens stored as {"token":"..."} SecureStrings. A token
// is fetched on first use and reused for the process lifetime; failed
// fetches are not cached, so the next call tries again.
type Tokens struct {
	getter Getter

	mu    sync.RWMutex
	cache map[string]string
}

func NewTokens(getter Getter) (*Tokens, error) {
	if getter == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	return &Tokens{getter: getter, cache: make(map[string]string)}, nil
}

func (t *Tokens) Token(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: token parameter name is empty")
	}

	t.mu.RLock()
	tok, ok := t.cache[name]
	t.mu.RUnlock()
	if ok {
		return tok, nil
	}

	raw, err := t.getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch token: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal token %q as JSON: %w", name, err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("paramstore: token %q is empty", name)
	}

	t.mu.Lock()
	t.cache[name] = tp.Token
	t.mu.Unlock()
	return tp.Token, nil
}
