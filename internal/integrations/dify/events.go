package dify

import (
	"encoding/json"
	"fmt"

	"pcbtool/internal/document"
	"pcbtool/internal/domain"
)

// Shape selects how a backend app reports progress and its final result.
type Shape int

const (
	// ShapeWorkflow ends with one workflow_finished event carrying outputs.
	ShapeWorkflow Shape = iota
	// ShapeAgent streams answer fragments and ends with message_end.
	ShapeAgent
)

func (s Shape) String() string {
	if s == ShapeAgent {
		return "agent"
	}
	return "workflow"
}

type wireEvent struct {
	Event   string `json:"event"`
	Answer  string `json:"answer"`
	Message string `json:"message"`
	Data    struct {
		Title   string          `json:"title"`
		Status  string          `json:"status"`
		Error   string          `json:"error"`
		Outputs json.RawMessage `json:"outputs"`
	} `json:"data"`
}

// decode normalizes one upstream payload. The returned event owns a copy of
// payload.
func decode(shape Shape, payload []byte) (domain.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return domain.Event{}, fmt.Errorf("dify: decode event: %w", err)
	}
	ev := domain.Event{
		Kind: domain.EventProgress,
		Name: w.Event,
		Raw:  append(json.RawMessage(nil), payload...),
	}
	if w.Event == "error" {
		ev.Kind = domain.EventError
		ev.Text = w.Message
		return ev, nil
	}
	if shape == ShapeAgent {
		return decodeAgent(w, ev), nil
	}
	return decodeWorkflow(w, ev), nil
}

func decodeWorkflow(w wireEvent, ev domain.Event) domain.Event {
	switch w.Event {
	case "workflow_started":
		ev.Kind = domain.EventStarted
	case "node_started":
		ev.Text = w.Data.Title
	case "node_finished":
		ev.Text = w.Data.Status
	case "workflow_finished":
		// A failed run is reported in the error vocabulary, not as a
		// workflow_finished frame.
		if w.Data.Status == "failed" || w.Data.Status == "stopped" {
			text := "workflow " + w.Data.Status
			if w.Data.Error != "" {
				text += ": " + w.Data.Error
			}
			return domain.ErrorEvent(text)
		}
		outputs, err := document.Sections(w.Data.Outputs)
		if err != nil {
			return domain.ErrorEvent("workflow outputs: " + err.Error())
		}
		ev.Kind = domain.EventFinished
		ev.Outputs = outputs
	}
	return ev
}

func decodeAgent(w wireEvent, ev domain.Event) domain.Event {
	switch w.Event {
	case "message", "agent_message":
		ev.Kind = domain.EventToken
		ev.Text = w.Answer
	case "message_end":
		ev.Kind = domain.EventFinished
	}
	return ev
}
