package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pcbtool/internal/domain"
	"pcbtool/internal/repository"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu        sync.Mutex
	convs     map[string]domain.Conversation
	appended  []domain.Message
	created   []domain.Message
	appendErr error
	deleted   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{convs: map[string]domain.Conversation{}}
}

func (f *fakeStore) seed(conv domain.Conversation) {
	f.convs[conv.ID] = conv
}

func (f *fakeStore) CreateConversation(_ context.Context, conv domain.Conversation, first domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.convs[conv.ID]; ok {
		return errors.New("conversation exists")
	}
	conv.Messages = []domain.Message{first}
	f.convs[conv.ID] = conv
	f.created = append(f.created, first)
	return nil
}

func (f *fakeStore) AppendMessage(_ context.Context, msg domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	conv, ok := f.convs[msg.ConversationID]
	if !ok {
		return fmt.Errorf("append: %w", repository.ErrNotFound)
	}
	conv.Messages = append(conv.Messages, msg)
	f.convs[msg.ConversationID] = conv
	f.appended = append(f.appended, msg)
	return nil
}

func (f *fakeStore) GetOwner(_ context.Context, id string) (string, error) {
	conv, ok := f.convs[id]
	if !ok {
		return "", fmt.Errorf("owner: %w", repository.ErrNotFound)
	}
	return conv.Owner, nil
}

func (f *fakeStore) GetMessage(_ context.Context, convID, msgID string) (domain.Message, error) {
	for _, m := range f.convs[convID].Messages {
		if m.ID == msgID {
			return m, nil
		}
	}
	return domain.Message{}, fmt.Errorf("message: %w", repository.ErrNotFound)
}

func (f *fakeStore) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	conv, ok := f.convs[id]
	if !ok {
		return domain.Conversation{}, fmt.Errorf("get: %w", repository.ErrNotFound)
	}
	return conv, nil
}

func (f *fakeStore) ListConversations(_ context.Context, owner string) ([]domain.Conversation, error) {
	var out []domain.Conversation
	for _, c := range f.convs {
		if c.Owner == owner {
			c.Messages = nil
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteConversation(_ context.Context, id string) error {
	delete(f.convs, id)
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeGen struct {
	events   []domain.Event
	calls    []domain.GenerationRequest
	upload   func(path string) (string, error)
	uploaded []string
	// stream overrides events when set.
	stream func(ctx context.Context) iter.Seq[domain.Event]
}

func (g *fakeGen) Stream(ctx context.Context, req domain.GenerationRequest) iter.Seq[domain.Event] {
	g.calls = append(g.calls, req)
	if g.stream != nil {
		return g.stream(ctx)
	}
	return func(yield func(domain.Event) bool) {
		for _, ev := range g.events {
			if !yield(ev) {
				return
			}
		}
	}
}

func (g *fakeGen) Upload(_ context.Context, path, _ string) (string, error) {
	g.uploaded = append(g.uploaded, path)
	if g.upload != nil {
		return g.upload(path)
	}
	return "file-1", nil
}

type fakeNarrator struct {
	ref string
	err error
	got string
}

func (n *fakeNarrator) Enabled() bool { return true }

func (n *fakeNarrator) Narrate(_ context.Context, _ string, text string) (string, error) {
	n.got = text
	return n.ref, n.err
}

type recordingSink struct {
	events []domain.Event
	err    error
}

func (s *recordingSink) Send(ev domain.Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) errorCount() int {
	n := 0
	for _, ev := range s.events {
		if ev.Kind == domain.EventError {
			n++
		}
	}
	return n
}

type fixture struct {
	store     *fakeStore
	analysis  *fakeGen
	code      *fakeGen
	schematic *fakeGen
	guide     *fakeGen
	narrator  *fakeNarrator
	svc       *PipelineService
}

const bomWithCSV = "Parts:\n```csv\ncomponent,price,qty\nR1,0.05,10\nC1,0.10,5\n```\n"

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:     newFakeStore(),
		analysis:  &fakeGen{},
		code:      &fakeGen{},
		schematic: &fakeGen{},
		guide:     &fakeGen{},
		narrator:  &fakeNarrator{ref: "s3://audio/guide.mp3"},
	}
	svc, err := NewPipelineService(f.store, Generators{
		Analysis:  f.analysis,
		Code:      f.code,
		Schematic: f.schematic,
		Guide:     f.guide,
	}, f.narrator, opts)
	require.NoError(t, err)
	f.svc = svc

	f.store.seed(domain.Conversation{
		ID:    "c1",
		Owner: "alice",
		Title: "blinker",
		Messages: []domain.Message{
			{
				ID: "m-analysis", ConversationID: "c1", Role: domain.RoleAssistant,
				Result: domain.InitialAnalysis{Sections: map[string]string{"需求文档": "blink an LED", "BOM文件": bomWithCSV}},
			},
			{
				ID: "m-no-bom", ConversationID: "c1", Role: domain.RoleAssistant,
				Result: domain.InitialAnalysis{Sections: map[string]string{"需求文档": "blink an LED"}},
			},
			{
				ID: "m-no-csv", ConversationID: "c1", Role: domain.RoleAssistant,
				Result: domain.InitialAnalysis{Sections: map[string]string{"需求文档": "blink an LED", "BOM文件": "one resistor"}},
			},
		},
	})
	return f
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	var ue *Error
	require.True(t, errors.As(err, &ue), "expected *usecase.Error, got %v", err)
	require.Equal(t, code, ue.Code)
}

func stageIn(msgID string) StageInput {
	return StageInput{ConversationID: "c1", SourceMessageID: msgID, User: "alice"}
}

func tok(s string) domain.Event {
	return domain.Event{Kind: domain.EventToken, Name: "agent_message", Text: s, Raw: json.RawMessage(`{"event":"agent_message"}`)}
}

var msgEnd = domain.Event{Kind: domain.EventFinished, Name: "message_end", Raw: json.RawMessage(`{"event":"message_end"}`)}

func init() {
	seq := 0
	newMessageID = func() string {
		seq++
		return fmt.Sprintf("msg-%03d", seq)
	}
	newConversationID = func() string { return "conv-new" }
	now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
}

// ---------------------------------------------------------------------------
// construction
// ---------------------------------------------------------------------------

func TestNewPipelineService_Validates(t *testing.T) {
	_, err := NewPipelineService(nil, Generators{}, nil, Options{})
	require.Error(t, err)
	_, err = NewPipelineService(newFakeStore(), Generators{Code: &fakeGen{}}, nil, Options{})
	require.Error(t, err)

	g := &fakeGen{}
	svc, err := NewPipelineService(newFakeStore(), Generators{Analysis: g, Code: g, Schematic: g, Guide: g}, nil, Options{})
	require.NoError(t, err)
	require.Equal(t, defaultUpstreamTimeout, svc.timeout)
	require.Equal(t, int64(defaultMaxImageBytes), svc.maxImageBytes)
}

// ---------------------------------------------------------------------------
// Resolving
// ---------------------------------------------------------------------------

func TestResolving_RejectsBeforeAnyUpstreamCall(t *testing.T) {
	tests := []struct {
		name string
		in   StageInput
		code ErrorCode
	}{
		{"missing bom", stageIn("m-no-bom"), ErrorMissingDocument},
		{"bom without csv table", stageIn("m-no-csv"), ErrorMissingDocument},
		{"unknown message", stageIn("nope"), ErrorNotFound},
		{"unknown conversation", StageInput{ConversationID: "ghost", SourceMessageID: "m-analysis", User: "alice"}, ErrorNotFound},
		{"someone else's conversation", StageInput{ConversationID: "c1", SourceMessageID: "m-analysis", User: "mallory"}, ErrorForbidden},
		{"no source message", StageInput{ConversationID: "c1", User: "alice"}, ErrorInvalidInput},
		{"no user", StageInput{ConversationID: "c1", SourceMessageID: "m-analysis"}, ErrorInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			run, err := f.svc.GenerateCode(context.Background(), tc.in)
			require.Nil(t, run)
			requireCode(t, err, tc.code)
			require.Empty(t, f.code.calls)
		})
	}
}

func TestResolving_SchematicAndGuideNeedBothDocuments(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.GenerateSchematic(context.Background(), stageIn("m-no-bom"))
	requireCode(t, err, ErrorMissingDocument)
	_, err = f.svc.GenerateGuide(context.Background(), stageIn("m-no-bom"))
	requireCode(t, err, ErrorMissingDocument)
	require.ErrorContains(t, err, "section missing")
	require.Empty(t, f.schematic.calls)
	require.Empty(t, f.guide.calls)
}

// ---------------------------------------------------------------------------
// Relaying and Persisting
// ---------------------------------------------------------------------------

func TestGenerateCode_PersistsOneMessageWithLineage(t *testing.T) {
	f := newFixture(t, Options{})
	f.code.events = []domain.Event{tok("import machine\n"), tok("led.on()"), msgEnd}

	run, err := f.svc.GenerateCode(context.Background(), stageIn("m-analysis"))
	require.NoError(t, err)
	require.Equal(t, StateInvoking, run.State())
	require.Equal(t, "c1", run.ConversationID())

	sink := &recordingSink{}
	require.Equal(t, StateDone, run.Stream(context.Background(), sink))

	require.Len(t, f.code.calls, 1)
	req := f.code.calls[0]
	require.Equal(t, codeQuery, req.Query)
	require.Equal(t, "alice", req.User)
	require.Equal(t, "blink an LED", req.Inputs["requirement_document"])
	require.Equal(t, "component,price,qty\nR1,0.05,10\nC1,0.10,5", req.Inputs["bom_list"])

	require.Len(t, f.store.appended, 1)
	got := f.store.appended[0].Result.(domain.GeneratedCode)
	require.Equal(t, "import machine\nled.on()", got.Code)
	require.Equal(t, "python", got.Language)
	require.Equal(t, domain.Lineage{Requirement: "blink an LED", BOM: bomWithCSV}, got.Lineage)

	require.Len(t, sink.events, 4)
	last := sink.events[3]
	require.Equal(t, "stage_completed", last.Name)
	var done struct {
		Event          string          `json:"event"`
		ConversationID string          `json:"conversation_id"`
		MessageID      string          `json:"message_id"`
		Message        json.RawMessage `json:"message"`
	}
	require.NoError(t, json.Unmarshal(last.Raw, &done))
	require.Equal(t, "stage_completed", done.Event)
	require.Equal(t, "c1", done.ConversationID)
	require.Equal(t, f.store.appended[0].ID, done.MessageID)
	require.Contains(t, string(done.Message), `"generated_code"`)
}

func TestStream_NeverReentersTerminalState(t *testing.T) {
	f := newFixture(t, Options{})
	f.code.events = []domain.Event{tok("x"), msgEnd}
	run, err := f.svc.GenerateCode(context.Background(), stageIn("m-analysis"))
	require.NoError(t, err)

	require.Equal(t, StateDone, run.Stream(context.Background(), &recordingSink{}))
	again := &recordingSink{}
	require.Equal(t, StateDone, run.Stream(context.Background(), again))
	require.Empty(t, again.events)
	require.Len(t, f.code.calls, 1)
	require.Len(t, f.store.appended, 1)
}

func TestStream_UnusableEndingPersistsNothing(t *testing.T) {
	f := newFixture(t, Options{})
	f.code.events = []domain.Event{tok("half an ans")}

	run, err := f.svc.GenerateCode(context.Background(), stageIn("m-analysis"))
	require.NoError(t, err)
	sink := &recordingSink{}
	require.Equal(t, StateFailed, run.Stream(context.Background(), sink))

	require.Empty(t, f.store.appended)
	require.Equal(t, 1, sink.errorCount())
	require.Equal(t, domain.EventError, sink.events[len(sink.events)-1].Kind)
}

func TestStream_UpstreamErrorPersistsNothing(t *testing.T) {
	f := newFixture(t, Options{})
	f.schematic.events = []domain.Event{
		{Kind: domain.EventStarted, Name: "workflow_started"},
		domain.ErrorEvent("quota exceeded"),
	}
	run, err := f.svc.GenerateSchematic(context.Background(), stageIn("m-analysis"))
	require.NoError(t, err)
	sink := &recordingSink{}
	require.Equal(t, StateFailed, run.Stream(context.Background(), sink))
	require.Empty(t, f.store.appended)
	require.Equal(t, 1, sink.errorCount())
	require.Len(t, sink.events, 2)
}

func TestSchematic_RequiresPicpicOutput(t *testing.T) {
	f := newFixture(t, Options{})
	f.schematic.events = []domain.Event{{Kind: domain.EventFinished, Name: "workflow_finished", Outputs: map[string]string{"other": "x"}}}
	run, err := f.svc.GenerateSchematic(context.Background(), stageIn("m-analysis"))
	require.NoError(t, err)
	sink := &recordingSink{}
	require.Equal(t, StateFailed, run.Stream(context.Background(), sink))
	require.Empty(t, f.store.appended)
	require.Equal(t, 1, sink.errorCount())
}

func TestSchematic_Success(t *testing.T) {
	f := newFixture(t, Options{})
	f.schematic.events = []domain.Event{{Kind: domain.EventFinished, Name: "workflow_finished", Outputs: map[string]string{"picpic": "draw()"}}}
	run, err := f.svc.GenerateSchematic(context.Background(), stageIn("m-analysis"))
	require.NoError(t, err)
	require.Equal(t, StateDone, run.Stream(context.Background(), &recordingSink{}))

	require.Equal(t, map[string]any{"requirement": "blink an LED", "bom": bomWithCSV}, f.schematic.calls[0].Inputs)
	got := f.store.appended[0].Result.(domain.SchematicCode)
	require.Equal(t, "draw()", got.Code)
	require.Equal(t, "blink an LED", got.Requirement)
}

func TestStream_CallerDisconnectPersistsNothing(t *testing.T) {
	f := newFixture(t, Options{})
	f.code.events = []domain.Event{tok("a"), tok("b"), msgEnd}
	run, err := f.svc.GenerateCode(context.Background(), stageIn("m-analysis"))
	require.NoError(t, err)

	sink := &recordingSink{err: errors.New("client closed")}
	require.Equal(t, StateFailed, run.Stream(context.Background(), sink))
	require.Empty(t, f.store.appended)
}

func TestStream_UpstreamTimeoutIsAnUpstreamError(t *testing.T) {
	f := newFixture(t, Options{UpstreamTimeout: 20 * time.Millisecond})
	f.code.stream = func(ctx context.Context) iter.Seq[domain.Event] {
		return func(yield func(domain.Event) bool) {
			if !yield(tok("slow")) {
				return
			}
			<-ctx.Done()
			yield(domain.ErrorEvent("upstream stream interrupted: " + ctx.Err().Error()))
		}
	}
	run, err := f.svc.GenerateCode(context.Background(), stageIn("m-analysis"))
	require.NoError(t, err)

	sink := &recordingSink{}
	require.Equal(t, StateFailed, run.Stream(context.Background(), sink))
	require.Empty(t, f.store.appended)
	require.Equal(t, 1, sink.errorCount())
	require.Contains(t, sink.events[len(sink.events)-1].Text, "deadline exceeded")
}

func TestStream_PersistFailureEndsWithError(t *testing.T) {
	f := newFixture(t, Options{})
	f.code.events = []domain.Event{tok("x"), msgEnd}
	run, err := f.svc.GenerateCode(context.Background(), stageIn("m-analysis"))
	require.NoError(t, err)

	f.store.appendErr = fmt.Errorf("append: %w", repository.ErrNotFound)
	sink := &recordingSink{}
	require.Equal(t, StateFailed, run.Stream(context.Background(), sink))
	last := sink.events[len(sink.events)-1]
	require.Equal(t, domain.EventError, last.Kind)
	require.Equal(t, "conversation no longer exists", last.Text)
	require.Equal(t, 1, sink.errorCount())
}

// ---------------------------------------------------------------------------
// first stage
// ---------------------------------------------------------------------------

func TestStartConversation_TextOnly(t *testing.T) {
	f := newFixture(t, Options{})
	f.analysis.events = []domain.Event{
		{Kind: domain.EventStarted, Name: "workflow_started"},
		{Kind: domain.EventFinished, Name: "workflow_finished", Outputs: map[string]string{"需求文档": "req", "BOM文件": "bom"}},
	}
	text := strings.Repeat("智能", 30) // 60 runes
	run, err := f.svc.StartConversation(context.Background(), StartInput{Text: text, User: "alice"})
	require.NoError(t, err)
	require.Equal(t, "conv-new", run.ConversationID())
	require.Empty(t, f.analysis.uploaded)

	require.Equal(t, StateDone, run.Stream(context.Background(), &recordingSink{}))
	require.Equal(t, map[string]any{"text_in": text}, f.analysis.calls[0].Inputs)

	conv := f.store.convs["conv-new"]
	require.Equal(t, "alice", conv.Owner)
	require.Equal(t, []rune(text)[:50], []rune(conv.Title))
	require.Len(t, conv.Messages, 1)
	require.Len(t, f.store.created, 1)
	got := conv.Messages[0].Result.(domain.InitialAnalysis)
	bomText, ok := got.Subdocument(domain.SubdocBOM)
	require.True(t, ok)
	require.Equal(t, "bom", bomText)
}

func TestStartConversation_FailedStreamCreatesNoConversation(t *testing.T) {
	f := newFixture(t, Options{})
	f.analysis.events = []domain.Event{{Kind: domain.EventFinished, Name: "workflow_finished", Outputs: map[string]string{}}}
	run, err := f.svc.StartConversation(context.Background(), StartInput{Text: "hi", User: "alice"})
	require.NoError(t, err)
	require.Equal(t, StateFailed, run.Stream(context.Background(), &recordingSink{}))
	_, exists := f.store.convs["conv-new"]
	require.False(t, exists)
}

func TestStartConversation_ImageUploadedFromScopedTempFile(t *testing.T) {
	f := newFixture(t, Options{})
	var seen []byte
	f.analysis.upload = func(path string) (string, error) {
		b, err := os.ReadFile(path)
		require.NoError(t, err)
		seen = b
		return "file-42", nil
	}

	run, err := f.svc.StartConversation(context.Background(), StartInput{
		Image:     bytes.NewReader([]byte("PNG")),
		ImageName: "../../board.png",
		User:      "alice",
	})
	require.NoError(t, err)
	require.Equal(t, "PNG", string(seen))
	require.Len(t, f.analysis.uploaded, 1)
	require.True(t, strings.HasSuffix(f.analysis.uploaded[0], "board.png"))
	_, statErr := os.Stat(f.analysis.uploaded[0])
	require.True(t, os.IsNotExist(statErr))

	f.analysis.events = []domain.Event{{Kind: domain.EventFinished, Outputs: map[string]string{"需求文档": "r"}}}
	require.Equal(t, StateDone, run.Stream(context.Background(), &recordingSink{}))
	inputs := f.analysis.calls[0].Inputs
	require.Equal(t, defaultImagePrompt, inputs["text_in"])
	require.Equal(t, map[string]any{"transfer_method": "local_file", "upload_file_id": "file-42", "type": "image"}, inputs["image"])
	require.Equal(t, defaultTitle, f.store.convs["conv-new"].Title)
}

func TestStartConversation_Rejections(t *testing.T) {
	f := newFixture(t, Options{MaxImageBytes: 4})

	_, err := f.svc.StartConversation(context.Background(), StartInput{User: "alice"})
	requireCode(t, err, ErrorInvalidInput)

	_, err = f.svc.StartConversation(context.Background(), StartInput{Text: "hi"})
	requireCode(t, err, ErrorInvalidInput)

	_, err = f.svc.StartConversation(context.Background(), StartInput{Image: bytes.NewReader([]byte("12345")), User: "alice"})
	requireCode(t, err, ErrorInvalidInput)
	require.Empty(t, f.analysis.uploaded)

	_, err = f.svc.StartConversation(context.Background(), StartInput{Image: bytes.NewReader(nil), User: "alice"})
	requireCode(t, err, ErrorInvalidInput)

	f.analysis.upload = func(string) (string, error) { return "", errors.New("connection refused") }
	_, err = f.svc.StartConversation(context.Background(), StartInput{Image: bytes.NewReader([]byte("PNG")), User: "alice"})
	requireCode(t, err, ErrorUploadFailed)
	_, statErr := os.Stat(f.analysis.uploaded[len(f.analysis.uploaded)-1])
	require.True(t, os.IsNotExist(statErr))
	require.Empty(t, f.analysis.calls)
}

type httpStatusErr struct{ code int }

func (e httpStatusErr) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e httpStatusErr) HTTPStatusCode() int { return e.code }

func TestStartConversation_RejectedImageIsClientError(t *testing.T) {
	f := newFixture(t, Options{})
	f.analysis.upload = func(string) (string, error) { return "", httpStatusErr{code: 415} }
	_, err := f.svc.StartConversation(context.Background(), StartInput{Image: bytes.NewReader([]byte("GIF")), User: "alice"})
	requireCode(t, err, ErrorInvalidInput)
}

func TestStartConversation_UploadServerErrorIsUpstream(t *testing.T) {
	f := newFixture(t, Options{})
	f.analysis.upload = func(string) (string, error) { return "", httpStatusErr{code: 503} }
	_, err := f.svc.StartConversation(context.Background(), StartInput{Image: bytes.NewReader([]byte("PNG")), User: "alice"})
	requireCode(t, err, ErrorUpstream)
	require.Empty(t, f.analysis.calls)

	f.analysis.upload = func(string) (string, error) { return "", httpStatusErr{code: 401} }
	_, err = f.svc.StartConversation(context.Background(), StartInput{Image: bytes.NewReader([]byte("PNG")), User: "alice"})
	requireCode(t, err, ErrorUploadFailed)
}

// ---------------------------------------------------------------------------
// deployment guide
// ---------------------------------------------------------------------------

func TestGenerateGuide_NarratesResult(t *testing.T) {
	f := newFixture(t, Options{})
	f.guide.events = []domain.Event{tok("  Step 1: flash.  "), msgEnd}
	run, err := f.svc.GenerateGuide(context.Background(), stageIn("m-analysis"))
	require.NoError(t, err)
	require.Equal(t, StateDone, run.Stream(context.Background(), &recordingSink{}))

	require.Contains(t, f.guide.calls[0].Query, "blink an LED")
	require.Contains(t, f.guide.calls[0].Query, "R1,0.05,10")
	got := f.store.appended[0].Result.(domain.DeploymentGuide)
	require.Equal(t, "Step 1: flash.", got.Text)
	require.Equal(t, "Step 1: flash.", f.narrator.got)
	require.Equal(t, "s3://audio/guide.mp3", got.AudioRef)
}

func TestGenerateGuide_NarrationFailureKeepsGuide(t *testing.T) {
	f := newFixture(t, Options{})
	f.narrator.err = errors.New("tts down")
	f.guide.events = []domain.Event{tok("guide"), msgEnd}
	run, err := f.svc.GenerateGuide(context.Background(), stageIn("m-analysis"))
	require.NoError(t, err)
	require.Equal(t, StateDone, run.Stream(context.Background(), &recordingSink{}))
	got := f.store.appended[0].Result.(domain.DeploymentGuide)
	require.Equal(t, "guide", got.Text)
	require.Empty(t, got.AudioRef)
}

// ---------------------------------------------------------------------------
// component analysis
// ---------------------------------------------------------------------------

func TestAnalyzeComponents(t *testing.T) {
	f := newFixture(t, Options{})
	msg, err := f.svc.AnalyzeComponents(context.Background(), stageIn("m-analysis"), "华秋商城")
	require.NoError(t, err)

	got := msg.Result.(domain.ComponentAnalysis)
	require.Len(t, got.Items, 2)
	require.Equal(t, "0.045", got.Items[0].UnitPrice.String())
	require.Equal(t, "华秋商城", got.Vendor)
	require.Equal(t, "blink an LED", got.Requirement)
	require.Equal(t, bomWithCSV, got.BOM)
	require.Len(t, f.store.appended, 1)
	require.Empty(t, f.analysis.calls)
}

func TestAnalyzeComponents_DegradedTableStillPersists(t *testing.T) {
	f := newFixture(t, Options{})
	msg, err := f.svc.AnalyzeComponents(context.Background(), stageIn("m-no-csv"), "")
	require.NoError(t, err)
	got := msg.Result.(domain.ComponentAnalysis)
	require.Equal(t, "No CSV data found in the provided BOM text.", got.Status)
	require.NotNil(t, got.Items)
	require.Empty(t, got.Items)

	_, err = f.svc.AnalyzeComponents(context.Background(), stageIn("m-no-bom"), "")
	requireCode(t, err, ErrorMissingDocument)
}

func TestAnalyzeComponents_StoreFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.appendErr = errors.New("throttled")
	_, err := f.svc.AnalyzeComponents(context.Background(), stageIn("m-analysis"), "")
	requireCode(t, err, ErrorInternal)
}
