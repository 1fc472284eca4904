package session

import (
	"encoding/json"
	"io"
	"time"
)

// DefaultTitle is the title of a conversation before its first message names it
const DefaultTitle = "新聊天"

// Conversation is a persisted chat bound to one agent thread
type Conversation struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	ThreadID  *string    `json:"threadId"`
	Archived  bool       `json:"archived"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Thread returns the thread id, or "" when none has been provisioned
func (c *Conversation) Thread() string {
	if c == nil || c.ThreadID == nil {
		return ""
	}
	return *c.ThreadID
}

// ConversationSummary is one row of the conversation list
type ConversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConversationPage is a page of conversations, newest first
type ConversationPage struct {
	Items      []ConversationSummary `json:"items"`
	NextCursor *string               `json:"nextCursor"`
}

// CreateConversationRequest represents a request to create a new conversation
type CreateConversationRequest struct {
	Title    string `json:"title,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
}

// ConversationAction is a PATCH body
type ConversationAction struct {
	Action string `json:"action"`
}

const (
	ActionArchive   = "archive"
	ActionUnarchive = "unarchive"
)

// DeleteResult is returned by delete endpoints
type DeleteResult struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

// ShareLink is a public link to a conversation
type ShareLink struct {
	ShareURL string `json:"shareUrl"`
	Title    string `json:"title"`
	ID       string `json:"id"`
}

// StoredMessage is a message as persisted; Content is opaque JSON
type StoredMessage struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"createdAt"`
}

// MessageList wraps a conversation's messages, oldest first
type MessageList struct {
	Items []StoredMessage `json:"items"`
}

// Thread is the response of thread provisioning
type Thread struct {
	ThreadID string `json:"thread_id"`
}

// StreamRequest is the body of a chat turn
type StreamRequest struct {
	ConversationID string `json:"conversationId"`
	ThreadID       string `json:"threadId"`
	Messages       any    `json:"messages"`
}

// Upload is a file to send as multipart form data
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// ImageMeta is metadata the image service reports about a stored image
type ImageMeta struct {
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// ImageUpload is the image service's answer to an upload
type ImageUpload struct {
	ImageID  string     `json:"image_id"`
	URL      string     `json:"url"`
	ThumbURL string     `json:"thumb_url,omitempty"`
	Meta     *ImageMeta `json:"meta,omitempty"`
}

// FileUpload is the answer to a generic upload
type FileUpload struct {
	FileID      string `json:"fileId"`
	URL         string `json:"url"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Status      string `json:"status"`
}

// FileDeleteRequest is the body of a file removal
type FileDeleteRequest struct {
	ThreadID string `json:"threadId,omitempty"`
}

// ErrorResponse is the JSON error body used by every endpoint
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
