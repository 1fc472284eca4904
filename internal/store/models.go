package store

import (
	"time"

	"gorm.io/datatypes"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is a chat bound to one agent thread
type Conversation struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	Title     string    `json:"title" gorm:"size:200;not null"`
	ThreadID  *string   `json:"threadId" gorm:"size:128"`
	Archived  bool      `json:"archived" gorm:"not null;default:false;index"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"index"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Message is one persisted turn half. TurnID and Role together identify the write a
// relay performs once per turn, so replays are absorbed.
type Message struct {
	ID             string         `json:"id" gorm:"primaryKey;size:36"`
	ConversationID string         `json:"conversationId" gorm:"size:36;not null;index"`
	TurnID         *string        `json:"-" gorm:"size:64;uniqueIndex:idx_messages_turn_role"`
	Role           string         `json:"role" gorm:"size:16;not null;uniqueIndex:idx_messages_turn_role"`
	Content        datatypes.JSON `json:"content"`
	CreatedAt      time.Time      `json:"createdAt" gorm:"index"`
}

func (Message) TableName() string {
	return "messages"
}
