package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/xiaomayi-ant/test-frontend/pkg/chat/errors"
)

// NewMessage builds a message ready for AppendMessage
func NewMessage(conversationID, turnID, role string, content json.RawMessage) *Message {
	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        datatypes.JSON(content),
	}
	if turnID != "" {
		msg.TurnID = &turnID
	}
	return msg
}

// AppendMessage inserts a message. A message whose (turn, role) was already stored
// is skipped; created reports whether a row was written.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) (created bool, err error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(msg)
	if res.Error != nil {
		return false, apperrors.New(apperrors.ErrCodePersistenceFailed, "failed to append message", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListMessages returns a conversation's messages, oldest first
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var messages []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&messages).Error
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodePersistenceFailed, "failed to list messages", err)
	}
	return messages, nil
}

// FirstUserMessage returns the earliest user message, or nil when there is none
func (s *Store) FirstUserMessage(ctx context.Context, conversationID string) (*Message, error) {
	var msg Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND role = ?", conversationID, RoleUser).
		Order("created_at ASC").
		Order("id ASC").
		Take(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodePersistenceFailed, "failed to load first user message", err)
	}
	return &msg, nil
}
