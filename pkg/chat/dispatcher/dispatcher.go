// Package dispatcher runs chat turns: it resolves the conversation and thread, folds
// uploaded attachments into the outgoing message, and turns the relayed stream into
// canonical events. At most one turn runs at a time.
package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/xiaomayi-ant/test-frontend/pkg/chat/attachments"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/converters"
	apperrors "github.com/xiaomayi-ant/test-frontend/pkg/chat/errors"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/session"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/sse"
)

const (
	DefaultUploadWait   = 5 * time.Second
	DefaultRemovalDelay = time.Second

	// DuplicateTurnMessage is carried by the error event a rejected turn receives
	DuplicateTurnMessage = "a turn is already in progress; duplicate request skipped"
)

// State is the dispatcher's position in a turn
type State int32

const (
	StateIdle State = iota
	StateAwaitingThread
	StateAwaitingUploads
	StateDispatching
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateAwaitingThread:
		return "AwaitingThread"
	case StateAwaitingUploads:
		return "AwaitingUploads"
	case StateDispatching:
		return "Dispatching"
	case StateStreaming:
		return "Streaming"
	default:
		return "Idle"
	}
}

// Backend is the subset of the chat API a turn needs
type Backend interface {
	CreateConversation(ctx context.Context, req *session.CreateConversationRequest) (*session.Conversation, error)
	CreateThread(ctx context.Context) (string, error)
	SendMessage(ctx context.Context, req *session.StreamRequest) (io.ReadCloser, error)
	VisionStream(ctx context.Context, image session.Upload, question string) (io.ReadCloser, error)
}

// NavigateFunc is told about a conversation created on the fly
type NavigateFunc func(conversationID string)

// Config tunes a Dispatcher
type Config struct {
	// UploadWait bounds how long a turn waits for in-flight uploads
	UploadWait time.Duration
	// RemovalDelay is the grace period before sent attachments leave the composer
	RemovalDelay time.Duration
	// PublicBaseURL resolves relative attachment URLs into absolute ones
	PublicBaseURL string
}

// Dispatcher runs turns against a Backend
type Dispatcher struct {
	backend     Backend
	attachments *attachments.Coordinator
	config      Config
	navigate    NavigateFunc

	streaming atomic.Bool
	state     atomic.Int32

	mu             sync.Mutex
	conversationID string
	threadID       string

	log logr.Logger
}

// New creates a new Dispatcher
func New(backend Backend, coordinator *attachments.Coordinator, config Config, log logr.Logger) *Dispatcher {
	if config.UploadWait <= 0 {
		config.UploadWait = DefaultUploadWait
	}
	if config.RemovalDelay <= 0 {
		config.RemovalDelay = DefaultRemovalDelay
	}
	return &Dispatcher{
		backend:     backend,
		attachments: coordinator,
		config:      config,
		log:         log.WithName("dispatcher"),
	}
}

// OnNavigate registers the hook told about conversations created by a turn
func (d *Dispatcher) OnNavigate(fn NavigateFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navigate = fn
}

// SetConversation binds the dispatcher to an existing conversation and thread
func (d *Dispatcher) SetConversation(conversationID, threadID string) {
	d.mu.Lock()
	d.conversationID = conversationID
	d.threadID = threadID
	d.mu.Unlock()
	if threadID != "" && d.attachments != nil {
		d.attachments.SetThreadID(threadID)
	}
}

// Conversation returns the bound conversation and thread ids
func (d *Dispatcher) Conversation() (conversationID, threadID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conversationID, d.threadID
}

// State returns the current turn state
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Busy reports whether a turn is in progress
func (d *Dispatcher) Busy() bool {
	return d.streaming.Load()
}

func (d *Dispatcher) setState(s State) {
	d.state.Store(int32(s))
	d.log.V(1).Info("Turn state", "state", s.String())
}

func (d *Dispatcher) acquire() bool {
	return d.streaming.CompareAndSwap(false, true)
}

func (d *Dispatcher) release() {
	d.setState(StateIdle)
	d.streaming.Store(false)
}

func rejected() <-chan converters.Event {
	ch := make(chan converters.Event, 1)
	ch <- converters.ErrorEvent(DuplicateTurnMessage)
	close(ch)
	return ch
}

// Dispatch runs one turn for the conversation so far. A request arriving while a turn
// is running receives a stream holding a single error event. Errors are returned only
// for failures before the stream starts.
func (d *Dispatcher) Dispatch(ctx context.Context, messages []converters.ChatMessage) (<-chan converters.Event, error) {
	if !d.acquire() {
		d.log.Info("Duplicate turn rejected")
		return rejected(), nil
	}

	started := false
	defer func() {
		if !started {
			d.release()
		}
	}()

	// Step 1: resolve the conversation and its thread
	d.setState(StateAwaitingThread)
	conversationID, threadID, err := d.ensureThread(ctx)
	if err != nil {
		return nil, err
	}

	// Step 2: let in-flight uploads settle
	d.setState(StateAwaitingUploads)
	if d.attachments != nil && d.attachments.UploadInProgress() {
		if !d.attachments.WaitForUploads(ctx, d.config.UploadWait) {
			d.log.Info("Dispatching before all uploads finished", "wait", d.config.UploadWait)
		}
	}

	// Step 3: fold completed attachments into the last user message and send
	d.setState(StateDispatching)
	var completed []attachments.Attachment
	if d.attachments != nil {
		completed = d.attachments.Completed()
	}
	outgoing := Enhance(messages, completed, d.config.PublicBaseURL)

	body, err := d.backend.SendMessage(ctx, &session.StreamRequest{
		ConversationID: conversationID,
		ThreadID:       threadID,
		Messages:       outgoing,
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeUpstreamFailed, "failed to start turn", err)
	}

	if len(completed) > 0 {
		ids := make([]string, 0, len(completed))
		for _, a := range completed {
			ids = append(ids, a.ID)
		}
		d.attachments.RemoveAfter(ids, d.config.RemovalDelay)
	}

	// Step 4: stream
	started = true
	return d.stream(ctx, body, sse.Options{}), nil
}

// Vision asks a question about an image over the vision stream. It shares the turn guard.
func (d *Dispatcher) Vision(ctx context.Context, image attachments.File, question string) (<-chan converters.Event, error) {
	if !attachments.IsImage(image.ContentType) {
		return nil, apperrors.New(apperrors.ErrCodeUnsupportedType, "vision requires an image", nil)
	}
	if err := attachments.Validate(image.ContentType, image.Size); err != nil {
		return nil, err
	}
	if !d.acquire() {
		d.log.Info("Duplicate vision turn rejected")
		return rejected(), nil
	}

	started := false
	defer func() {
		if !started {
			d.release()
		}
	}()

	d.setState(StateDispatching)
	rc, err := image.Open()
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeUploadFailed, "failed to open image", err)
	}
	defer rc.Close()

	body, err := d.backend.VisionStream(ctx, session.Upload{
		Name:        image.Name,
		ContentType: image.ContentType,
		Size:        image.Size,
		Body:        rc,
	}, question)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeUpstreamFailed, "failed to start vision request", err)
	}

	started = true
	return d.stream(ctx, body, sse.Options{DefaultEvent: sse.EventMessage}), nil
}

func (d *Dispatcher) ensureThread(ctx context.Context) (string, string, error) {
	d.mu.Lock()
	conversationID, threadID, navigate := d.conversationID, d.threadID, d.navigate
	d.mu.Unlock()

	if conversationID == "" {
		req := &session.CreateConversationRequest{Title: session.DefaultTitle}
		if threadID == "" && d.attachments != nil {
			// uploads may already have provisioned the thread
			threadID = d.attachments.ThreadID()
		}
		req.ThreadID = threadID
		conv, err := d.backend.CreateConversation(ctx, req)
		if err != nil {
			return "", "", apperrors.New(apperrors.ErrCodeConversationCreate, "failed to create conversation", err)
		}
		conversationID = conv.ID
		if conv.Thread() != "" {
			threadID = conv.Thread()
		}
		d.log.Info("Created conversation", "conversationId", conversationID, "threadId", threadID)
		if navigate != nil {
			navigate(conversationID)
		}
	}

	if threadID == "" {
		id, err := d.backend.CreateThread(ctx)
		if err != nil {
			return "", "", apperrors.New(apperrors.ErrCodeUpstreamFailed, "failed to create thread", err)
		}
		threadID = id
	}

	d.SetConversation(conversationID, threadID)
	return conversationID, threadID, nil
}

func (d *Dispatcher) stream(ctx context.Context, body io.ReadCloser, opts sse.Options) <-chan converters.Event {
	d.setState(StateStreaming)
	opts.Logger = d.log.WithName("sse")

	records, errs := sse.Stream(ctx, body, opts)
	events := converters.NewTurn(d.log.WithName("translator")).Stream(ctx, withReadError(ctx, records, errs))

	out := make(chan converters.Event)
	go func() {
		defer close(out)
		defer d.release()
		defer body.Close()

		for ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// withReadError forwards records and, when the body failed mid-stream, appends an
// upstream error record so the turn ends with a visible failure.
func withReadError(ctx context.Context, records <-chan sse.Record, errs <-chan error) <-chan sse.Record {
	out := make(chan sse.Record)
	go func() {
		defer close(out)
		for rec := range records {
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
		err, ok := <-errs
		if !ok || err == nil {
			return
		}
		data, _ := json.Marshal(map[string]string{"message": err.Error()})
		select {
		case out <- sse.Record{Event: converters.UpstreamError, Data: data}:
		case <-ctx.Done():
		}
	}()
	return out
}

// Enhance returns messages with completed attachments prepended to the last message's
// content when that message is from the user. Images come first, then the other files,
// each group in attachment order.
func Enhance(messages []converters.ChatMessage, completed []attachments.Attachment, publicBaseURL string) []converters.ChatMessage {
	if len(completed) == 0 || len(messages) == 0 {
		return messages
	}
	last := messages[len(messages)-1]
	if last.Type != converters.MessageTypeHuman {
		return messages
	}

	var images, others []converters.Part
	for _, a := range completed {
		if attachments.IsImage(a.ContentType) {
			abs := resolveURL(publicBaseURL, a.RemoteURL)
			images = append(images, converters.ImagePart(converters.ImageRef{
				ImageID:  a.RemoteID,
				URL:      abs,
				ThumbURL: abs,
				MimeType: a.ContentType,
				Size:     a.Size,
			}))
			continue
		}
		others = append(others, converters.TextPart(attachments.Descriptor(a.Name, a.ContentType)))
	}

	parts := make([]converters.Part, 0, len(images)+len(others)+len(last.Content.AsParts()))
	parts = append(parts, images...)
	parts = append(parts, others...)
	parts = append(parts, last.Content.AsParts()...)

	out := make([]converters.ChatMessage, len(messages))
	copy(out, messages)
	last.Content = converters.PartsContent(parts...)
	out[len(out)-1] = last
	return out
}

func resolveURL(base, ref string) string {
	if ref == "" || base == "" {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil || refURL.IsAbs() {
		return ref
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}
