package usecase

import (
	"context"
	"strings"

	"pcbtool/internal/domain"
)

// ListConversations returns the user's conversations, newest first.
func (s *PipelineService) ListConversations(ctx context.Context, user string) ([]domain.Conversation, error) {
	if strings.TrimSpace(user) == "" {
		return nil, newError(ErrorInvalidInput, "missing_user", nil)
	}
	convs, err := s.store.ListConversations(ctx, user)
	if err != nil {
		return nil, newError(ErrorInternal, "dynamodb_list_error", err)
	}
	return convs, nil
}

// GetConversation returns one of the user's conversations with its messages.
func (s *PipelineService) GetConversation(ctx context.Context, conversationID, user string) (domain.Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return domain.Conversation{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, storeError(err, "conversation")
	}
	if conv.Owner != user {
		return domain.Conversation{}, newError(ErrorForbidden, "not_conversation_owner", nil)
	}
	return conv, nil
}

// DeleteConversation removes one of the user's conversations and all of its
// messages.
func (s *PipelineService) DeleteConversation(ctx context.Context, conversationID, user string) error {
	if strings.TrimSpace(conversationID) == "" {
		return newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	owner, err := s.store.GetOwner(ctx, conversationID)
	if err != nil {
		return storeError(err, "conversation")
	}
	if owner != user {
		return newError(ErrorForbidden, "not_conversation_owner", nil)
	}
	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return storeError(err, "conversation")
	}
	return nil
}
