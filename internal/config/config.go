package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config is the environment-driven configuration of the Lambda function.
// Secrets are not part of it; they are read from Parameter Store under
// ParamPrefix.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"pcbtool"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`

	// Store
	StateTable string `env:"STATE_TABLE,notEmpty"`
	OwnerIndex string `env:"OWNER_INDEX" envDefault:"owner-index"`

	// Secrets
	ParamPrefix string `env:"PARAM_PREFIX,notEmpty"`

	// Generation backends
	DifyBaseURL     string        `env:"DIFY_BASE_URL" envDefault:"https://api.dify.ai/v1"`
	OpenAIBaseURL   string        `env:"OPENAI_API_BASE"`
	GuideModel      string        `env:"GUIDE_MODEL" envDefault:"deepseek-r1"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"180s"`
	MaxImageBytes   int64         `env:"MAX_IMAGE_BYTES" envDefault:"10485760"`

	// Narration; an empty bucket disables it.
	SpeechModel string `env:"SPEECH_MODEL" envDefault:"tts-1"`
	SpeechVoice string `env:"SPEECH_VOICE" envDefault:"alloy"`
	AudioBucket string `env:"AUDIO_BUCKET"`
	AudioPrefix string `env:"AUDIO_PREFIX" envDefault:"audio/"`

	DefaultUser string `env:"DEFAULT_USER"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load parses the process environment.
func Load() (*Config, error) {
	return parse(env.Options{})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	cfg.ParamPrefix = strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	cfg.AudioBucket = strings.TrimSpace(cfg.AudioBucket)
	cfg.DefaultUser = strings.TrimSpace(cfg.DefaultUser)
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if cfg.ParamPrefix == "" {
		return nil, errors.New("PARAM_PREFIX must not be only slashes")
	}
	if cfg.UpstreamTimeout <= 0 {
		return nil, fmt.Errorf("UPSTREAM_TIMEOUT must be positive, got %s", cfg.UpstreamTimeout)
	}
	if cfg.MaxImageBytes <= 0 {
		return nil, fmt.Errorf("MAX_IMAGE_BYTES must be positive, got %d", cfg.MaxImageBytes)
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return nil, fmt.Errorf("LOG_FORMAT must be json or console, got %q", cfg.LogFormat)
	}
	return cfg, nil
}

// NarrationEnabled reports whether guide narration has somewhere to go.
func (c *Config) NarrationEnabled() bool {
	return c.AudioBucket != ""
}

// Parameter names under ParamPrefix.
func (c *Config) WorkflowTokenParam() string { return c.ParamPrefix + "/dify/workflow-token" }
func (c *Config) AgentTokenParam() string { return c.ParamPrefix + "/dify/agent-token" }
func (c *Config) SchematicTokenParam() string { return c.ParamPrefix + "/dify/schematic-token" }
func (c *Config) OpenAITokenParam() string { return c.ParamPrefix + "/open-ai-token" }
