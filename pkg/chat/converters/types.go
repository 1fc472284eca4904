package converters

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonical event names understood by the conversation renderer
const (
	EventPartial  = "messages/partial"
	EventComplete = "messages/complete"
	// EventError is only produced locally, for a turn rejected before it reached the upstream
	EventError = "error"
)

// Roles used in canonical messages
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// LangChain message types as sent to and received from the agent service
const (
	MessageTypeHuman = "human"
	MessageTypeAI    = "ai"
	MessageTypeTool  = "tool"
)

// PartType constants
const (
	PartTypeText  = "text"
	PartTypeImage = "image"
)

// Part is one element of structured message content
type Part struct {
	Type  string    `json:"type"`
	Text  string    `json:"text,omitempty"`
	Image *ImageRef `json:"image,omitempty"`
}

// ImageRef points the agent at an uploaded image
type ImageRef struct {
	ImageID  string `json:"image_id"`
	URL      string `json:"url"`
	ThumbURL string `json:"thumb_url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size"`
}

// TextPart creates a text part
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// ImagePart creates an image reference part
func ImagePart(ref ImageRef) Part {
	return Part{Type: PartTypeImage, Image: &ref}
}

// Content is message content: either plain text or an ordered list of parts.
// It serializes as a JSON string or a JSON array accordingly.
type Content struct {
	Text  string
	Parts []Part
}

// TextContent wraps plain text
func TextContent(text string) Content {
	return Content{Text: text}
}

// PartsContent wraps structured parts
func PartsContent(parts ...Part) Content {
	if parts == nil {
		parts = []Part{}
	}
	return Content{Parts: parts}
}

// IsStructured reports whether the content is a parts list
func (c Content) IsStructured() bool {
	return c.Parts != nil
}

// AsParts returns the content as parts, wrapping plain text in a single text part
func (c Content) AsParts() []Part {
	if c.Parts != nil {
		return c.Parts
	}
	return []Part{TextPart(c.Text)}
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case data[0] == '"':
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*c = Content{Text: text}
		return nil
	case data[0] == '[':
		var parts []Part
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		*c = PartsContent(parts...)
		return nil
	default:
		return fmt.Errorf("content must be a string or an array of parts, got %q", data[0])
	}
}

// ChatMessage is a LangChain-style message sent to the agent service
type ChatMessage struct {
	ID      string  `json:"id,omitempty"`
	Type    string  `json:"type"`
	Content Content `json:"content"`
}

// HumanMessage creates a user message with plain text content
func HumanMessage(text string) ChatMessage {
	return ChatMessage{Type: MessageTypeHuman, Content: TextContent(text)}
}

// Message is a canonical message carried by a partial event
type Message struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Event is a canonical stream event. Partial events carry Messages; events passed
// through from the upstream keep their original Data.
type Event struct {
	Event    string
	Messages []Message
	Data     json.RawMessage
}

type wireEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{Event: e.Event}
	switch {
	case e.Messages != nil:
		w.Data = e.Messages
	case e.Data != nil:
		w.Data = e.Data
	default:
		w.Data = []Message{}
	}
	return json.Marshal(w)
}

// Text returns the content of the last message of a partial event
func (e Event) Text() string {
	if len(e.Messages) == 0 {
		return ""
	}
	return e.Messages[len(e.Messages)-1].Content
}

func partial(msgs ...Message) Event {
	return Event{Event: EventPartial, Messages: msgs}
}

func complete() Event {
	return Event{Event: EventComplete}
}

// ErrorEvent builds the local error event handed to a caller whose turn was rejected
func ErrorEvent(message string) Event {
	data, _ := json.Marshal(map[string]string{"error": message})
	return Event{Event: EventError, Data: data}
}
