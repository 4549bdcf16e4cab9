package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pcbtool/internal/domain"
	"pcbtool/internal/relay"
	"pcbtool/internal/repository"
)

// State is the position of a StageRun in its lifecycle. Runs returned by the
// service have already passed Resolving.
type State string

const (
	StateResolving  State = "resolving"
	StateInvoking   State = "invoking"
	StateRelaying   State = "relaying"
	StatePersisting State = "persisting"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// StageRun is one resolved stage invocation, ready to stream.
type StageRun struct {
	svc     *PipelineService
	stage   domain.Stage
	gen     Generator
	convID  string
	reducer relay.Reducer
	req     domain.GenerationRequest
	// conv is set when the run creates its conversation.
	conv  *domain.Conversation
	build func(ctx context.Context, final relay.Final) (domain.StageResult, error)

	mu    sync.Mutex
	state State
}

func (s *PipelineService) newRun(stage domain.Stage, gen Generator, convID string, reducer relay.Reducer) *StageRun {
	return &StageRun{
		svc:     s,
		stage:   stage,
		gen:     gen,
		convID:  convID,
		reducer: reducer,
		state:   StateInvoking,
	}
}

func (r *StageRun) Stage() domain.Stage { return r.stage }

func (r *StageRun) ConversationID() string { return r.convID }

func (r *StageRun) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// begin moves a fresh run into Relaying. It reports false if the run was
// already streamed.
func (r *StageRun) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateInvoking {
		return false
	}
	r.state = StateRelaying
	return true
}

func (r *StageRun) set(st State) {
	r.mu.Lock()
	r.state = st
	r.mu.Unlock()
}

type completedEvent struct {
	Event          string         `json:"event"`
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	Message        domain.Message `json:"message"`
}

// Stream invokes the generator, relays every event to sink and, on a usable
// result, persists exactly one message before sending a stage_completed
// event. A run streams at most once; later calls return its final state
// without touching sink.
func (r *StageRun) Stream(ctx context.Context, sink relay.Sink) State {
	if !r.begin() {
		return r.State()
	}

	ctx, span := r.svc.tracer.Start(ctx, "pipeline."+string(r.stage), trace.WithAttributes(
		attribute.String("pipeline.stage", string(r.stage)),
		attribute.String("pipeline.conversation_id", r.convID),
	))
	defer span.End()

	log := zerolog.Ctx(ctx).With().
		Str("stage", string(r.stage)).
		Str("conversation_id", r.convID).
		Logger()
	ctx = log.WithContext(ctx)
	sink = relay.WithLogging(sink, log)

	st := r.run(ctx, sink, span)
	r.set(st)
	span.SetAttributes(attribute.String("pipeline.state", string(st)))
	if st == StateFailed {
		span.SetStatus(codes.Error, "stage failed")
	}
	return st
}

func (r *StageRun) run(ctx context.Context, sink relay.Sink, span trace.Span) State {
	log := zerolog.Ctx(ctx)

	upstreamCtx, cancel := context.WithTimeout(ctx, r.svc.timeout)
	defer cancel()

	res := relay.Run(ctx, r.gen.Stream(upstreamCtx, r.req), r.reducer, sink)
	span.SetAttributes(attribute.Int("pipeline.events", res.Forwarded))
	switch res.Outcome {
	case relay.Cancelled:
		log.Info().Str("reason", res.Reason).Msg("caller went away; nothing persisted")
		return StateFailed
	case relay.Failed:
		log.Warn().Str("reason", res.Reason).Msg("stage failed; nothing persisted")
		return StateFailed
	}

	r.set(StatePersisting)
	result, err := r.build(ctx, res.Final)
	if err != nil {
		log.Error().Err(err).Msg("build stage result")
		_ = sink.Send(domain.ErrorEvent("failed to build stage result"))
		return StateFailed
	}
	msg := domain.Message{
		ID:             newMessageID(),
		ConversationID: r.convID,
		Role:           domain.RoleAssistant,
		Result:         result,
		CreatedAt:      now(),
	}
	if r.conv != nil {
		err = r.svc.store.CreateConversation(ctx, *r.conv, msg)
	} else {
		err = r.svc.store.AppendMessage(ctx, msg)
	}
	if err != nil {
		log.Error().Err(err).Msg("persist stage result")
		text := "failed to save stage result"
		if errors.Is(err, repository.ErrNotFound) {
			text = "conversation no longer exists"
		}
		_ = sink.Send(domain.ErrorEvent(text))
		return StateFailed
	}

	raw, err := json.Marshal(completedEvent{
		Event:          "stage_completed",
		ConversationID: r.convID,
		MessageID:      msg.ID,
		Message:        msg,
	})
	if err != nil {
		// The message is stored; the caller can still find it through history.
		log.Error().Err(err).Msg("encode stage_completed event")
		return StateDone
	}
	if err := sink.Send(domain.Event{Kind: domain.EventFinished, Name: "stage_completed", Raw: raw}); err != nil {
		log.Info().Err(err).Str("message_id", msg.ID).Msg("caller left before stage_completed")
	}
	return StateDone
}
