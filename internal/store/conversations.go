package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	apperrors "github.com/xiaomayi-ant/test-frontend/pkg/chat/errors"
)

// Page size limits for ListConversations
const (
	DefaultTake = 30
	MaxTake     = 100
)

const cursorTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// ClampTake bounds a requested page size; zero or negative selects the default
func ClampTake(take int) int {
	switch {
	case take <= 0:
		return DefaultTake
	case take > MaxTake:
		return MaxTake
	}
	return take
}

// EncodeCursor renders the position after a conversation
func EncodeCursor(c Conversation) string {
	return c.UpdatedAt.UTC().Format(cursorTimeLayout) + "|" + c.ID
}

// DecodeCursor parses a cursor; ok is false for malformed input, which lists from the start
func DecodeCursor(cursor string) (updatedAt time.Time, id string, ok bool) {
	ts, id, found := strings.Cut(cursor, "|")
	if !found || ts == "" || id == "" {
		return time.Time{}, "", false
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", false
	}
	return updatedAt.UTC(), id, true
}

func notFound(id string) error {
	return apperrors.New(apperrors.ErrCodeNotFound, fmt.Sprintf("conversation %s not found", id), nil)
}

// CreateConversation inserts a conversation
func (s *Store) CreateConversation(ctx context.Context, title string, threadID *string) (*Conversation, error) {
	conv := &Conversation{
		ID:       uuid.NewString(),
		Title:    title,
		ThreadID: threadID,
	}
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConversationCreate, "failed to create conversation", err)
	}
	return conv, nil
}

// GetConversation loads one conversation
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConversationGet, "failed to load conversation", err)
	}
	return &conv, nil
}

// ListConversations returns a page of unarchived conversations, most recently updated
// first, and the cursor of the next page ("" when this is the last one).
func (s *Store) ListConversations(ctx context.Context, cursor string, take int) ([]Conversation, string, error) {
	take = ClampTake(take)

	query := s.db.WithContext(ctx).Model(&Conversation{}).Where("archived = ?", false)
	if updatedAt, id, ok := DecodeCursor(cursor); ok {
		query = query.Where("updated_at < ? OR (updated_at = ? AND id < ?)", updatedAt, updatedAt, id)
	}

	var items []Conversation
	err := query.Order("updated_at DESC").Order("id DESC").Limit(take + 1).Find(&items).Error
	if err != nil {
		return nil, "", apperrors.New(apperrors.ErrCodeConversationGet, "failed to list conversations", err)
	}

	next := ""
	if len(items) > take {
		next = EncodeCursor(items[take-1])
		items = items[:take]
	}
	return items, next, nil
}

// SetArchived archives or restores a conversation
func (s *Store) SetArchived(ctx context.Context, id string, archived bool) (*Conversation, error) {
	res := s.db.WithContext(ctx).Model(&Conversation{}).Where("id = ?", id).Update("archived", archived)
	if res.Error != nil {
		return nil, apperrors.New(apperrors.ErrCodeConversationGet, "failed to update conversation", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, notFound(id)
	}
	return s.GetConversation(ctx, id)
}

// DeleteConversation removes a conversation and all of its messages
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&Message{}).Error; err != nil {
			return apperrors.New(apperrors.ErrCodeConversationDelete, "failed to delete messages", err)
		}
		res := tx.Where("id = ?", id).Delete(&Conversation{})
		if res.Error != nil {
			return apperrors.New(apperrors.ErrCodeConversationDelete, "failed to delete conversation", res.Error)
		}
		if res.RowsAffected == 0 {
			return notFound(id)
		}
		return nil
	})
}

// ConversationUpdate describes the bookkeeping done around a turn
type ConversationUpdate struct {
	// ThreadID is recorded when set
	ThreadID string
	// Title replaces the title only while it is still the default or empty
	Title string
	// DefaultTitle is the placeholder title of new conversations
	DefaultTitle string
}

// TouchConversation bumps updatedAt and applies the update
func (s *Store) TouchConversation(ctx context.Context, id string, update ConversationUpdate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv Conversation
		err := tx.Select("id", "title").Where("id = ?", id).Take(&conv).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound(id)
		}
		if err != nil {
			return apperrors.New(apperrors.ErrCodePersistenceFailed, "failed to load conversation", err)
		}

		changes := map[string]any{"updated_at": Now()}
		if update.ThreadID != "" {
			changes["thread_id"] = update.ThreadID
		}
		if update.Title != "" && (conv.Title == "" || conv.Title == update.DefaultTitle) {
			changes["title"] = update.Title
		}

		if err := tx.Model(&Conversation{}).Where("id = ?", id).Updates(changes).Error; err != nil {
			return apperrors.New(apperrors.ErrCodePersistenceFailed, "failed to update conversation", err)
		}
		return nil
	})
}
