package relay

import (
	"github.com/go-logr/logr"

	"github.com/xiaomayi-ant/test-frontend/pkg/chat/converters"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/sse"
)

// Accumulator rebuilds the assistant reply from mirrored agent bytes
type Accumulator struct {
	decoder *sse.Decoder
	text    string
}

// NewAccumulator creates a new Accumulator
func NewAccumulator(log logr.Logger) *Accumulator {
	return &Accumulator{decoder: sse.NewDecoder(sse.Options{Logger: log})}
}

// Feed consumes a chunk of the agent stream
func (a *Accumulator) Feed(chunk []byte) {
	for _, rec := range a.decoder.Feed(chunk) {
		ev := converters.DecodeUpstream(rec)
		switch ev.Kind {
		case converters.KindCumulative:
			if ev.Text != "" {
				a.text = ev.Text
			}
		case converters.KindDelta:
			a.text += ev.Text
		case converters.KindChainEnd:
			if ev.HasOutput {
				a.text = ev.Text
			}
		}
	}
}

// Text returns the reply accumulated so far
func (a *Accumulator) Text() string {
	return a.text
}
