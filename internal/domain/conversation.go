package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Conversation is one pipeline run owned by a single user. Its messages are
// kept in insertion order, which is also causal order.
type Conversation struct {
	ID        string
	Owner     string
	Title     string
	CreatedAt time.Time
	Messages  []Message
}

// Message is an immutable stage output. Later stages reference it by ID to
// pull the sub-documents they need out of Result.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Result         StageResult
	CreatedAt      time.Time
}

type messageJSON struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           Role            `json:"role"`
	Content        json.RawMessage `json:"content"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	content, err := EncodeStageResult(m.Result)
	if err != nil {
		return nil, fmt.Errorf("domain: encode message %s: %w", m.ID, err)
	}
	return json.Marshal(messageJSON{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Content:        content,
		CreatedAt:      m.CreatedAt,
	})
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	result, err := DecodeStageResult(raw.Content)
	if err != nil {
		return err
	}
	*m = Message{
		ID:             raw.ID,
		ConversationID: raw.ConversationID,
		Role:           raw.Role,
		Result:         result,
		CreatedAt:      raw.CreatedAt,
	}
	return nil
}

type conversationJSON struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages,omitempty"`
}

func (c Conversation) MarshalJSON() ([]byte, error) {
	return json.Marshal(conversationJSON(c))
}

func (c *Conversation) UnmarshalJSON(b []byte) error {
	var raw conversationJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*c = Conversation(raw)
	return nil
}
