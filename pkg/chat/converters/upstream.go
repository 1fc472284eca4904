package converters

import (
	"bytes"
	"encoding/json"

	"github.com/openai/openai-go"

	"github.com/xiaomayi-ant/test-frontend/pkg/chat/sse"
)

// Upstream event names
const (
	UpstreamPartialAI  = "partial_ai"
	UpstreamToolResult = "tool_result"
	UpstreamMessage    = "message"
	UpstreamError      = "error"
	UpstreamDone       = "done"
	UpstreamComplete   = "complete"
	UpstreamChainEnd   = "on_chain_end"
	UpstreamToolEnd    = "on_tool_end"
)

// UpstreamKind tags a decoded upstream event
type UpstreamKind int

const (
	// KindIgnored events carry nothing translatable
	KindIgnored UpstreamKind = iota
	// KindPassthrough events are forwarded to the renderer unchanged
	KindPassthrough
	// KindCumulative carries the whole assistant text so far
	KindCumulative
	// KindToolResults carries tool output messages
	KindToolResults
	// KindDelta carries a text fragment to append
	KindDelta
	// KindStop is a chat-completion chunk with finish_reason "stop"
	KindStop
	// KindError carries an upstream error description
	KindError
	// KindDone ends the turn
	KindDone
	// KindChainEnd ends the turn, optionally with a final output
	KindChainEnd
	// KindToolEnd reports a finished tool invocation
	KindToolEnd
)

func (k UpstreamKind) String() string {
	switch k {
	case KindPassthrough:
		return "passthrough"
	case KindCumulative:
		return "cumulative"
	case KindToolResults:
		return "tool_results"
	case KindDelta:
		return "delta"
	case KindStop:
		return "stop"
	case KindError:
		return "error"
	case KindDone:
		return "done"
	case KindChainEnd:
		return "chain_end"
	case KindToolEnd:
		return "tool_end"
	default:
		return "ignored"
	}
}

// DefaultToolEndNotice is shown when a tool finishes without a message
const DefaultToolEndNotice = "Tool execution completed"

// UpstreamEvent is the decoded form of one upstream record
type UpstreamEvent struct {
	Kind UpstreamKind
	// ID is the upstream message id of a cumulative event, if any
	ID string
	// Text is the cumulative text, delta, error description, chain output or tool notice
	Text string
	// HasOutput is set on a chain end that carried an output
	HasOutput bool
	// Messages holds tool results, already mapped to the assistant role
	Messages []toolMessage
	Record   sse.Record
}

type toolMessage struct {
	ID      string
	Type    string
	Content string
}

type cumulativeEntry struct {
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content"`
}

type errorPayload struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

type chainEndPayload struct {
	Output json.RawMessage `json:"output"`
}

type toolEndPayload struct {
	Message string `json:"message"`
}

// DecodeUpstream classifies a record from the agent stream. Both the client-side
// translator and the server-side accumulator interpret events through it.
func DecodeUpstream(rec sse.Record) UpstreamEvent {
	ev := UpstreamEvent{Record: rec}
	data := bytes.TrimSpace(rec.Data)

	switch rec.Event {
	case UpstreamPartialAI:
		var entries []cumulativeEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return passthrough(ev, data)
		}
		ev.Kind = KindCumulative
		if len(entries) > 0 {
			ev.ID = entries[0].ID
			ev.Text = stringify(entries[0].Content)
		}
		return ev

	case UpstreamToolResult:
		var entries []map[string]any
		if err := json.Unmarshal(data, &entries); err != nil {
			return passthrough(ev, data)
		}
		ev.Kind = KindToolResults
		for _, entry := range entries {
			msg := toolMessage{}
			msg.ID, _ = entry["id"].(string)
			msg.Type, _ = entry["type"].(string)
			if msg.Type == "" {
				msg.Type, _ = entry["role"].(string)
			}
			if raw, err := json.Marshal(entry["content"]); err == nil {
				msg.Content = stringify(raw)
			}
			ev.Messages = append(ev.Messages, msg)
		}
		return ev

	case UpstreamMessage:
		var chunk openai.ChatCompletionChunk
		if err := json.Unmarshal(data, &chunk); err != nil || len(chunk.Choices) == 0 {
			return ev
		}
		choice := chunk.Choices[0]
		switch {
		case choice.Delta.Content != "":
			ev.Kind = KindDelta
			ev.Text = choice.Delta.Content
		case string(choice.FinishReason) == "stop":
			ev.Kind = KindStop
		}
		return ev

	case UpstreamError:
		ev.Kind = KindError
		ev.Text = errorText(data)
		return ev

	case UpstreamDone, UpstreamComplete:
		ev.Kind = KindDone
		return ev

	case UpstreamChainEnd:
		ev.Kind = KindChainEnd
		var payload chainEndPayload
		if err := json.Unmarshal(data, &payload); err == nil && !isFalsy(payload.Output) {
			ev.HasOutput = true
			ev.Text = stringify(payload.Output)
		}
		return ev

	case UpstreamToolEnd:
		ev.Kind = KindToolEnd
		ev.Text = DefaultToolEndNotice
		var payload toolEndPayload
		if err := json.Unmarshal(data, &payload); err == nil && payload.Message != "" {
			ev.Text = payload.Message
		}
		return ev
	}

	return passthrough(ev, data)
}

func passthrough(ev UpstreamEvent, data []byte) UpstreamEvent {
	if ev.Record.Event != "" && !isFalsy(data) {
		ev.Kind = KindPassthrough
	}
	return ev
}

func errorText(data []byte) string {
	var payload errorPayload
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Error != nil && payload.Error.Message != "" {
			return payload.Error.Message
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return text
	}
	return string(data)
}

// stringify renders a JSON value as display text: strings verbatim, anything else as JSON
func stringify(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err == nil {
		return compact.String()
	}
	return string(raw)
}

// isFalsy matches JSON values that carry nothing: absent, null, false, 0 or ""
func isFalsy(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	switch string(raw) {
	case "", "null", "false", "0", `""`:
		return true
	}
	return false
}
