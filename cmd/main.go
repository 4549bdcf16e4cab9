package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"pcbtool/handler"
	"pcbtool/internal/audio"
	"pcbtool/internal/config"
	"pcbtool/internal/integrations/dify"
	"pcbtool/internal/integrations/openai"
	"pcbtool/internal/integrations/paramstore"
	"pcbtool/internal/logging"
	"pcbtool/internal/repository"
	"pcbtool/internal/telemetry"
	"pcbtool/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logging.New(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)

	shutdown, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS config")
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create SSM client")
	}
	tokens, err := paramstore.NewTokens(ssmClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create token cache")
	}

	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable, cfg.OwnerIndex)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create state client")
	}

	difyClient, err := dify.NewClient(cfg.DifyBaseURL, tokens, dify.WithTimeout(cfg.UpstreamTimeout))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create Dify client")
	}
	openaiClient, err := openai.NewClient(tokens, cfg.OpenAITokenParam(), openai.WithBaseURL(cfg.OpenAIBaseURL))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create OpenAI client")
	}

	var narrator usecase.Narrator
	if cfg.NarrationEnabled() {
		narrator = audio.NewNarrator(
			openaiClient.Speaker(cfg.SpeechModel, cfg.SpeechVoice),
			awss3.NewFromConfig(awsCfg),
			cfg.AudioBucket,
			cfg.AudioPrefix,
			log,
		)
	} else {
		log.Warn().Msg("AUDIO_BUCKET is not set; deployment guides will have no narration")
	}

	// ---- Use case ----
	pipeline, err := usecase.NewPipelineService(store, usecase.Generators{
		Analysis:  difyClient.Streamer(dify.App{Shape: dify.ShapeWorkflow, TokenParam: cfg.WorkflowTokenParam()}),
		Code:      difyClient.Streamer(dify.App{Shape: dify.ShapeAgent, TokenParam: cfg.AgentTokenParam()}),
		Schematic: difyClient.Streamer(dify.App{Shape: dify.ShapeWorkflow, TokenParam: cfg.SchematicTokenParam()}),
		Guide:     openaiClient.GuideStreamer(cfg.GuideModel),
	}, narrator, usecase.Options{
		UpstreamTimeout: cfg.UpstreamTimeout,
		MaxImageBytes:   cfg.MaxImageBytes,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create pipeline service")
	}

	// ---- Handler ----
	h, err := handler.NewHandler(pipeline, handler.WithDefaultUser(cfg.DefaultUser), handler.WithLogger(log))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create handler")
	}

	log.Info().
		Str("table", cfg.StateTable).
		Bool("narration", cfg.NarrationEnabled()).
		Dur("upstream_timeout", cfg.UpstreamTimeout).
		Msg("starting")

	lambda.StartWithOptions(h.Handle, lambda.WithEnableSIGTERM(func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = shutdown(flushCtx)
	}))
}
