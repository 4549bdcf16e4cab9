package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pcbtool/internal/bom"
	"pcbtool/internal/document"
	"pcbtool/internal/domain"
	"pcbtool/internal/relay"
	"pcbtool/internal/repository"
)

const (
	defaultUpstreamTimeout = 180 * time.Second
	defaultMaxImageBytes   = 10 << 20

	resultLanguage = "python"
	schematicKey   = "picpic"
)

// Generator starts one streaming generation call.
type Generator interface {
	Stream(ctx context.Context, req domain.GenerationRequest) iter.Seq[domain.Event]
}

// AnalysisGenerator is the first-stage generator, which also accepts files.
type AnalysisGenerator interface {
	Generator
	Upload(ctx context.Context, path, user string) (string, error)
}

type Narrator interface {
	Enabled() bool
	Narrate(ctx context.Context, conversationID, text string) (string, error)
}

type Store interface {
	CreateConversation(ctx context.Context, conv domain.Conversation, first domain.Message) error
	AppendMessage(ctx context.Context, msg domain.Message) error
	GetOwner(ctx context.Context, conversationID string) (string, error)
	GetMessage(ctx context.Context, conversationID, messageID string) (domain.Message, error)
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	ListConversations(ctx context.Context, owner string) ([]domain.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

type Generators struct {
	Analysis  AnalysisGenerator
	Code      Generator
	Schematic Generator
	Guide     Generator
}

type Options struct {
	UpstreamTimeout time.Duration
	MaxImageBytes   int64
}

type PipelineService struct {
	store         Store
	gens          Generators
	narrator      Narrator
	timeout       time.Duration
	maxImageBytes int64
	tracer        trace.Tracer
}

// StartInput is the first-stage request. At least one of Text and Image is
// required.
type StartInput struct {
	Text      string
	Image     io.Reader
	ImageName string
	User      string
}

// StageInput names the source message a later stage builds on.
type StageInput struct {
	ConversationID  string
	SourceMessageID string
	User            string
}

// NewPipelineService wires the orchestrator. narrator may be nil.
func NewPipelineService(store Store, gens Generators, narrator Narrator, opts Options) (*PipelineService, error) {
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if gens.Analysis == nil || gens.Code == nil || gens.Schematic == nil || gens.Guide == nil {
		return nil, errors.New("usecase: every stage generator must be set")
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = defaultUpstreamTimeout
	}
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = defaultMaxImageBytes
	}
	return &PipelineService{
		store:         store,
		gens:          gens,
		narrator:      narrator,
		timeout:       opts.UpstreamTimeout,
		maxImageBytes: opts.MaxImageBytes,
		tracer:        otel.Tracer("pcbtool/usecase"),
	}, nil
}

// StartConversation resolves and uploads the first-stage inputs. The returned
// run creates the conversation only if its stream completes.
func (s *PipelineService) StartConversation(ctx context.Context, in StartInput) (*StageRun, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" && in.Image == nil {
		return nil, newError(ErrorInvalidInput, "empty_request", nil)
	}
	user := strings.TrimSpace(in.User)
	if user == "" {
		return nil, newError(ErrorInvalidInput, "missing_user", nil)
	}

	inputs := map[string]any{}
	if in.Image != nil {
		fileID, err := s.uploadImage(ctx, in.Image, in.ImageName, user)
		if err != nil {
			return nil, err
		}
		inputs["image"] = map[string]any{
			"transfer_method": "local_file",
			"upload_file_id":  fileID,
			"type":            "image",
		}
	}
	prompt := text
	if prompt == "" {
		prompt = defaultImagePrompt
	}
	inputs["text_in"] = prompt

	conv := &domain.Conversation{
		ID:        newConversationID(),
		Owner:     user,
		Title:     conversationTitle(text),
		CreatedAt: now(),
	}
	run := s.newRun(domain.StageInitialAnalysis, s.gens.Analysis, conv.ID, &relay.WorkflowReducer{})
	run.conv = conv
	run.req = domain.GenerationRequest{Inputs: inputs, User: user}
	run.build = func(_ context.Context, final relay.Final) (domain.StageResult, error) {
		return domain.InitialAnalysis{Sections: final.Outputs}, nil
	}
	return run, nil
}

// uploadImage stages r in a temporary directory that is removed on every
// path out of this function.
func (s *PipelineService) uploadImage(ctx context.Context, r io.Reader, name, user string) (string, error) {
	dir, err := os.MkdirTemp("", "pcbtool-upload-*")
	if err != nil {
		return "", newError(ErrorInternal, "temp_dir_error", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "image"
	}
	path := filepath.Join(dir, base)
	f, err := os.Create(path)
	if err != nil {
		return "", newError(ErrorInternal, "temp_file_error", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, s.maxImageBytes+1))
	closeErr := f.Close()
	if err != nil {
		return "", newError(ErrorInvalidInput, "image_read_error", err)
	}
	if closeErr != nil {
		return "", newError(ErrorInternal, "temp_file_error", closeErr)
	}
	if n == 0 {
		return "", newError(ErrorInvalidInput, "empty_image", nil)
	}
	if n > s.maxImageBytes {
		return "", newError(ErrorInvalidInput, "image_too_large", nil)
	}

	fileID, err := s.gens.Analysis.Upload(ctx, path, user)
	if err != nil {
		status, ok := upstreamStatusCode(err)
		switch {
		case ok && (status == 413 || status == 415):
			return "", newError(ErrorInvalidInput, "image_rejected", err)
		case ok && status >= 500:
			return "", newError(ErrorUpstream, "upload_upstream_error", err)
		}
		return "", newError(ErrorUploadFailed, "upload_error", err)
	}
	return fileID, nil
}

// GenerateCode prepares the code stage from a message carrying a requirement
// document and a BOM with a CSV table.
func (s *PipelineService) GenerateCode(ctx context.Context, in StageInput) (*StageRun, error) {
	lineage, err := s.resolve(ctx, in, domain.SubdocRequirement, domain.SubdocBOM)
	if err != nil {
		return nil, err
	}
	table, ok := document.ExtractFenced(lineage.BOM, "csv")
	if !ok {
		return nil, newError(ErrorMissingDocument, "bom_without_csv", nil)
	}

	run := s.newRun(domain.StageCodeGeneration, s.gens.Code, in.ConversationID, &relay.AgentReducer{})
	run.req = domain.GenerationRequest{
		Inputs: map[string]any{
			"requirement_document": lineage.Requirement,
			"bom_list":             table,
		},
		Query: codeQuery,
		User:  in.User,
	}
	run.build = func(_ context.Context, final relay.Final) (domain.StageResult, error) {
		return domain.GeneratedCode{Language: resultLanguage, Code: final.Text, Lineage: lineage}, nil
	}
	return run, nil
}

func (s *PipelineService) GenerateSchematic(ctx context.Context, in StageInput) (*StageRun, error) {
	lineage, err := s.resolve(ctx, in, domain.SubdocRequirement, domain.SubdocBOM)
	if err != nil {
		return nil, err
	}

	run := s.newRun(domain.StageSchematic, s.gens.Schematic, in.ConversationID,
		&relay.WorkflowReducer{Required: []string{schematicKey}})
	run.req = domain.GenerationRequest{
		Inputs: map[string]any{
			"requirement": lineage.Requirement,
			"bom":         lineage.BOM,
		},
		User: in.User,
	}
	run.build = func(_ context.Context, final relay.Final) (domain.StageResult, error) {
		return domain.SchematicCode{Language: resultLanguage, Code: final.Outputs[schematicKey], Lineage: lineage}, nil
	}
	return run, nil
}

// GenerateGuide prepares the deployment guide stage. Narration, when
// configured, runs after the text completes and never fails the stage.
func (s *PipelineService) GenerateGuide(ctx context.Context, in StageInput) (*StageRun, error) {
	lineage, err := s.resolve(ctx, in, domain.SubdocRequirement, domain.SubdocBOM)
	if err != nil {
		return nil, err
	}

	run := s.newRun(domain.StageDeploymentGuide, s.gens.Guide, in.ConversationID, &relay.AgentReducer{})
	run.req = domain.GenerationRequest{
		Query: buildGuidePrompt(lineage.Requirement, lineage.BOM),
		User:  in.User,
	}
	run.build = func(ctx context.Context, final relay.Final) (domain.StageResult, error) {
		text := strings.TrimSpace(final.Text)
		return domain.DeploymentGuide{Text: text, AudioRef: s.narrate(ctx, in.ConversationID, text), Lineage: lineage}, nil
	}
	return run, nil
}

func (s *PipelineService) narrate(ctx context.Context, conversationID, text string) string {
	if s.narrator == nil || !s.narrator.Enabled() {
		return ""
	}
	ref, err := s.narrator.Narrate(ctx, conversationID, text)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("narration failed; guide saved without audio")
		return ""
	}
	return ref
}

// AnalyzeComponents prices the BOM of the source message and appends the
// result. It does not call any generator.
func (s *PipelineService) AnalyzeComponents(ctx context.Context, in StageInput, vendor string) (domain.Message, error) {
	lineage, err := s.resolve(ctx, in, domain.SubdocBOM)
	if err != nil {
		return domain.Message{}, err
	}

	analysis := bom.Analyze(lineage.BOM)
	items := analysis.Items
	vendor = strings.TrimSpace(vendor)
	if vendor != "" {
		items = bom.ApplyVendorPricing(items, vendor)
	}
	if items == nil {
		items = []domain.LineItem{}
	}

	msg := domain.Message{
		ID:             newMessageID(),
		ConversationID: in.ConversationID,
		Role:           domain.RoleAssistant,
		Result: domain.ComponentAnalysis{
			Status:         analysis.Status,
			Items:          items,
			Vendor:         vendor,
			PricingMissing: analysis.PricingMissing,
			Lineage:        lineage,
		},
		CreatedAt: now(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return domain.Message{}, storeError(err, "conversation")
	}
	zerolog.Ctx(ctx).Info().
		Str("conversation_id", in.ConversationID).
		Str("message_id", msg.ID).
		Int("items", len(items)).
		Str("total", bom.TotalCost(items).String()).
		Msg("component analysis saved")
	return msg, nil
}

// resolve checks ownership and lineage of the source message and returns the
// sub-documents it carries. Every kind in required must be present.
func (s *PipelineService) resolve(ctx context.Context, in StageInput, required ...domain.SubdocKind) (domain.Lineage, error) {
	if strings.TrimSpace(in.ConversationID) == "" || strings.TrimSpace(in.SourceMessageID) == "" {
		return domain.Lineage{}, newError(ErrorInvalidInput, "missing_source_message", nil)
	}
	if strings.TrimSpace(in.User) == "" {
		return domain.Lineage{}, newError(ErrorInvalidInput, "missing_user", nil)
	}
	owner, err := s.store.GetOwner(ctx, in.ConversationID)
	if err != nil {
		return domain.Lineage{}, storeError(err, "conversation")
	}
	if owner != in.User {
		return domain.Lineage{}, newError(ErrorForbidden, "not_conversation_owner", nil)
	}
	msg, err := s.store.GetMessage(ctx, in.ConversationID, in.SourceMessageID)
	if err != nil {
		return domain.Lineage{}, storeError(err, "message")
	}

	var lineage domain.Lineage
	lineage.Requirement, _ = msg.Result.Subdocument(domain.SubdocRequirement)
	lineage.BOM, _ = msg.Result.Subdocument(domain.SubdocBOM)
	for _, kind := range required {
		if _, ok := lineage.Subdocument(kind); !ok {
			return domain.Lineage{}, newError(ErrorMissingDocument, "missing_"+strings.ReplaceAll(strings.ToLower(kind.String()), " ", "_"),
				fmt.Errorf("message %s: %w", in.SourceMessageID, document.ErrSectionMissing))
		}
	}
	return lineage, nil
}

func storeError(err error, what string) *Error {
	if errors.Is(err, repository.ErrNotFound) {
		return newError(ErrorNotFound, what+"_not_found", err)
	}
	return newError(ErrorInternal, "dynamodb_"+what+"_error", err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr interface{ HTTPStatusCode() int }
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newConversationID = func() string {
	return uuid.NewString()
}

// Message ids are UUIDv7 so that they sort by creation time.
var newMessageID = func() string {
	return uuid.Must(uuid.NewV7()).String()
}

var now = func() time.Time {
	return time.Now().UTC()
}
