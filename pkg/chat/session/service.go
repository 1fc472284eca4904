package session

import (
	"context"
	"encoding/json"
	"io"
)

// Service defines the chat server API used by clients
type Service interface {
	CreateConversation(ctx context.Context, req *CreateConversationRequest) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, cursor string, take int) (*ConversationPage, error)
	SetArchived(ctx context.Context, id string, archived bool) (*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	ShareConversation(ctx context.Context, id string) (*ShareLink, error)
	ListMessages(ctx context.Context, conversationID string) ([]StoredMessage, error)

	CreateThread(ctx context.Context) (string, error)
	SendMessage(ctx context.Context, req *StreamRequest) (io.ReadCloser, error)
	VisionStream(ctx context.Context, image Upload, question string) (io.ReadCloser, error)

	UploadImage(ctx context.Context, upload Upload) (*ImageUpload, error)
	UploadFile(ctx context.Context, upload Upload, threadID string) (*FileUpload, error)
	DeleteFile(ctx context.Context, fileID, threadID string) error
	DocumentStatus(ctx context.Context, fileID string) (json.RawMessage, error)
}
