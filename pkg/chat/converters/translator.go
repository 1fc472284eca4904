package converters

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/xiaomayi-ant/test-frontend/pkg/chat/sse"
)

// Texts shown to the user when the upstream gives nothing usable
const (
	PlaceholderText   = "Processing your request..."
	FailureText       = "Something went wrong while processing the response. Please try again."
	UpstreamErrorText = "Upstream error: "
)

// Turn translates one turn's upstream records into canonical events.
// It owns the turn's text accumulator; create a new Turn for every turn.
type Turn struct {
	id          string
	accumulated string
	hasContent  bool
	completed   bool
	failed      bool
	seq         int
	log         logr.Logger
	decode      func(sse.Record) UpstreamEvent
}

// NewTurn creates a new Turn
func NewTurn(log logr.Logger) *Turn {
	return &Turn{
		id:     "msg_" + uuid.NewString(),
		log:    log,
		decode: DecodeUpstream,
	}
}

// ID returns the turn-scoped message id used when the upstream supplies none
func (t *Turn) ID() string {
	return t.id
}

// Accumulated returns the assistant text collected so far
func (t *Turn) Accumulated() string {
	return t.accumulated
}

// Translate converts one record. It never panics; an internal failure yields a
// generic failure message and completes the turn.
func (t *Turn) Translate(rec sse.Record) (events []Event) {
	if t.failed {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			t.log.Error(fmt.Errorf("%v", r), "Stream translation failed", "event", rec.Event)
			t.failed = true
			events = []Event{partial(Message{ID: t.nextID("failure"), Role: RoleAssistant, Content: FailureText})}
			if !t.completed {
				t.completed = true
				events = append(events, complete())
			}
		}
	}()

	return t.translate(t.decode(rec))
}

func (t *Turn) translate(ev UpstreamEvent) []Event {
	switch ev.Kind {
	case KindCumulative:
		t.hasContent = true
		if ev.Text == "" {
			return nil
		}
		t.accumulated = ev.Text
		id := ev.ID
		if id == "" {
			id = t.id
		}
		return []Event{partial(Message{ID: id, Role: RoleAssistant, Content: t.accumulated})}

	case KindToolResults:
		t.hasContent = true
		msgs := make([]Message, 0, len(ev.Messages))
		for i, m := range ev.Messages {
			id := m.ID
			if id == "" {
				id = fmt.Sprintf("tool_%s_%d_%d", t.id, t.seq, i)
			}
			msgs = append(msgs, Message{ID: id, Role: roleOf(m.Type), Content: m.Content})
		}
		t.seq++
		return []Event{partial(msgs...)}

	case KindDelta:
		t.hasContent = true
		t.accumulated += ev.Text
		return []Event{partial(Message{ID: t.id, Role: RoleAssistant, Content: t.accumulated})}

	case KindError:
		t.hasContent = true
		return []Event{partial(Message{ID: t.nextID("error"), Role: RoleAssistant, Content: UpstreamErrorText + ev.Text})}

	case KindToolEnd:
		t.hasContent = true
		return []Event{partial(Message{ID: t.nextID("tool_end"), Role: RoleAssistant, Content: ev.Text})}

	case KindChainEnd:
		var events []Event
		if ev.HasOutput {
			t.hasContent = true
			events = append(events, partial(Message{ID: t.nextID("chain"), Role: RoleAssistant, Content: ev.Text}))
		}
		return append(events, t.finish()...)

	case KindStop, KindDone:
		return t.finish()

	case KindPassthrough:
		return []Event{{Event: ev.Record.Event, Data: ev.Record.Data}}
	}

	t.log.V(1).Info("Ignoring upstream event", "event", ev.Record.Event)
	return nil
}

// Finish is called once the upstream stream has ended. It guarantees the consumer
// sees some content and exactly one completion.
func (t *Turn) Finish() []Event {
	if t.failed || t.completed {
		return nil
	}
	return t.finish()
}

func (t *Turn) finish() []Event {
	if t.completed {
		return nil
	}
	var events []Event
	if !t.hasContent {
		t.hasContent = true
		events = append(events, partial(Message{ID: t.nextID("default"), Role: RoleAssistant, Content: PlaceholderText}))
	}
	t.completed = true
	return append(events, complete())
}

func (t *Turn) nextID(suffix string) string {
	t.seq++
	return fmt.Sprintf("%s_%s_%d", t.id, suffix, t.seq)
}

func roleOf(messageType string) string {
	switch messageType {
	case MessageTypeHuman, RoleUser:
		return RoleUser
	default:
		return RoleAssistant
	}
}

// Stream translates records until the channel closes or ctx is cancelled, then
// appends whatever Finish produces. The returned channel is closed at the end.
func (t *Turn) Stream(ctx context.Context, records <-chan sse.Record) <-chan Event {
	out := make(chan Event)

	go func() {
		defer close(out)

		send := func(events []Event) bool {
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		for {
			select {
			case rec, ok := <-records:
				if !ok {
					send(t.Finish())
					return
				}
				if !send(t.Translate(rec)) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
