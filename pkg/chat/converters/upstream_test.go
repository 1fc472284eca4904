package converters

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeUpstream(t *testing.T) {
	tests := []struct {
		name     string
		event    string
		data     string
		wantKind UpstreamKind
		wantText string
	}{
		{name: "cumulative", event: "partial_ai", data: `[{"id":"a","content":"abc"}]`, wantKind: KindCumulative, wantText: "abc"},
		{name: "cumulative empty list", event: "partial_ai", data: `[]`, wantKind: KindCumulative},
		{name: "cumulative not a list", event: "partial_ai", data: `{"content":"x"}`, wantKind: KindPassthrough},
		{name: "delta", event: "message", data: `{"id":"c","choices":[{"index":0,"delta":{"content":"d"}}]}`, wantKind: KindDelta, wantText: "d"},
		{name: "stop", event: "message", data: `{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`, wantKind: KindStop},
		{name: "message without choices", event: "message", data: `{"foo":1}`, wantKind: KindIgnored},
		{name: "error", event: "error", data: `{"message":"nope"}`, wantKind: KindError, wantText: "nope"},
		{name: "done", event: "done", data: `null`, wantKind: KindDone},
		{name: "complete", event: "complete", data: `[]`, wantKind: KindDone},
		{name: "chain end string output", event: "on_chain_end", data: `{"output":"final"}`, wantKind: KindChainEnd, wantText: "final"},
		{name: "chain end empty output", event: "on_chain_end", data: `{"output":""}`, wantKind: KindChainEnd},
		{name: "tool end", event: "on_tool_end", data: `{"message":"ok"}`, wantKind: KindToolEnd, wantText: "ok"},
		{name: "unknown", event: "metadata", data: `{"run_id":"1"}`, wantKind: KindPassthrough},
		{name: "unknown without data", event: "metadata", data: `null`, wantKind: KindIgnored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := DecodeUpstream(rec(tt.event, tt.data))
			assert.Equal(t, tt.wantKind, ev.Kind, "kind %s", ev.Kind)
			assert.Equal(t, tt.wantText, ev.Text)
		})
	}
}

func TestDecodeUpstream_ChainEndHasOutput(t *testing.T) {
	assert.True(t, DecodeUpstream(rec("on_chain_end", `{"output":{"a":1}}`)).HasOutput)
	assert.False(t, DecodeUpstream(rec("on_chain_end", `{}`)).HasOutput)
}
