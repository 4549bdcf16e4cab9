// Package relay forwards a generation event sequence to the caller while
// reducing it into the stage's final output.
package relay

import (
	"context"
	"iter"
	"strings"

	"pcbtool/internal/domain"
)

// Sink is the caller's live channel. A Send error means the caller is gone.
type Sink interface {
	Send(ev domain.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev domain.Event) error

func (f SinkFunc) Send(ev domain.Event) error { return f(ev) }

// Final is the reduced output of a stream. Workflow streams fill Outputs,
// agent streams fill Text.
type Final struct {
	Outputs map[string]string
	Text    string
}

// Reducer derives a Final from the events it observes. Final reports false
// when no usable terminal payload was seen.
type Reducer interface {
	Observe(ev domain.Event)
	Final() (Final, bool)
}

type Outcome int

const (
	Completed Outcome = iota
	Failed
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "cancelled"
	}
}

// Result reports how a relay ended. Reason is set for Failed and Cancelled.
type Result struct {
	Outcome   Outcome
	Final     Final
	Reason    string
	Forwarded int
}

const unusableReason = "generation ended without a usable result"

// Run forwards every event of events to sink in arrival order and feeds it
// to r. Exactly one terminal error reaches the sink on failure: either the
// upstream error event itself or a synthetic one. When ctx is done or the
// sink rejects a write, Run stops reading and sends nothing further.
func Run(ctx context.Context, events iter.Seq[domain.Event], r Reducer, sink Sink) Result {
	var res Result
	for ev := range events {
		if err := ctx.Err(); err != nil {
			return Result{Outcome: Cancelled, Reason: err.Error(), Forwarded: res.Forwarded}
		}
		if err := sink.Send(ev); err != nil {
			return Result{Outcome: Cancelled, Reason: err.Error(), Forwarded: res.Forwarded}
		}
		res.Forwarded++
		if ev.Kind == domain.EventError {
			res.Outcome = Failed
			res.Reason = ev.Text
			return res
		}
		r.Observe(ev)
		if ev.Kind == domain.EventFinished {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{Outcome: Cancelled, Reason: err.Error(), Forwarded: res.Forwarded}
	}

	final, ok := r.Final()
	if !ok {
		res.Outcome = Failed
		res.Reason = unusableReason
		if err := sink.Send(domain.ErrorEvent(unusableReason)); err != nil {
			res.Outcome = Cancelled
			res.Reason = err.Error()
			return res
		}
		res.Forwarded++
		return res
	}
	res.Outcome = Completed
	res.Final = final
	return res
}

// WorkflowReducer captures the outputs of the finished event. Every key in
// Required must be present and non-blank for the outputs to be usable.
type WorkflowReducer struct {
	Required []string

	outputs  map[string]string
	finished bool
}

func (w *WorkflowReducer) Observe(ev domain.Event) {
	if ev.Kind == domain.EventFinished {
		w.finished = true
		w.outputs = ev.Outputs
	}
}

func (w *WorkflowReducer) Final() (Final, bool) {
	if !w.finished || len(w.outputs) == 0 {
		return Final{}, false
	}
	for _, key := range w.Required {
		if strings.TrimSpace(w.outputs[key]) == "" {
			return Final{}, false
		}
	}
	return Final{Outputs: w.outputs}, true
}

// AgentReducer concatenates token fragments until the finished event.
type AgentReducer struct {
	text     strings.Builder
	finished bool
}

func (a *AgentReducer) Observe(ev domain.Event) {
	switch ev.Kind {
	case domain.EventToken:
		if !a.finished {
			a.text.WriteString(ev.Text)
		}
	case domain.EventFinished:
		a.finished = true
	}
}

func (a *AgentReducer) Final() (Final, bool) {
	text := a.text.String()
	if !a.finished || strings.TrimSpace(text) == "" {
		return Final{}, false
	}
	return Final{Text: text}, true
}
