package converters

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastUserMessage(t *testing.T) {
	messages := []json.RawMessage{
		json.RawMessage(`{"type":"human","content":"first"}`),
		json.RawMessage(`{"type":"ai","content":"reply"}`),
		json.RawMessage(`{"role":"USER","content":"second"}`),
		json.RawMessage(`{"role":"assistant","content":"again"}`),
	}

	last := LastUserMessage(messages)
	require.NotNil(t, last)
	assert.Equal(t, "second", MessageText(last))
	assert.Nil(t, LastUserMessage(messages[1:2]))
	assert.Nil(t, LastUserMessage(nil))
}

func TestContentText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "string", content: `"hello"`, want: "hello"},
		{name: "first text part", content: `[{"type":"image","image":{"image_id":"i"}},{"type":"text","text":"what is this?"}]`, want: "what is this?"},
		{name: "joined content fields", content: `[{"type":"x","content":"a"},{"type":"y","content":"b"}]`, want: "a b"},
		{name: "object text", content: `{"type":"text","text":"answer"}`, want: "answer"},
		{name: "object content", content: `{"content":"nested"}`, want: "nested"},
		{name: "number", content: `3`, want: ""},
		{name: "empty", content: ``, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ContentText(json.RawMessage(tt.content)))
		})
	}
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "short", Title("  short  ", 40))

	long := strings.Repeat("你好", 30)
	title := Title(long, 40)
	assert.Equal(t, 40, len([]rune(title)))
	assert.True(t, strings.HasPrefix(long, title))

	// decomposed e + combining acute is composed before counting
	assert.Equal(t, "\u00e9", Title("e\u0301", 1))
}

func TestContent_JSON(t *testing.T) {
	var text Content
	require.NoError(t, json.Unmarshal([]byte(`"plain"`), &text))
	assert.False(t, text.IsStructured())
	assert.Equal(t, []Part{TextPart("plain")}, text.AsParts())

	var parts Content
	require.NoError(t, json.Unmarshal([]byte(`[{"type":"image","image":{"image_id":"f1","url":"/u/f1.png","size":3}},{"type":"text","text":"q"}]`), &parts))
	require.True(t, parts.IsStructured())
	require.Len(t, parts.Parts, 2)
	assert.Equal(t, "f1", parts.Parts[0].Image.ImageID)

	out, err := json.Marshal(ChatMessage{Type: MessageTypeHuman, Content: parts})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"human","content":[{"type":"image","image":{"image_id":"f1","url":"/u/f1.png","size":3}},{"type":"text","text":"q"}]}`, string(out))

	var bad Content
	assert.Error(t, json.Unmarshal([]byte(`{"x":1}`), &bad))
}
