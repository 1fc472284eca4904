// Package relay streams chat turns from the agent service to clients and records them.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/xiaomayi-ant/test-frontend/internal/metrics"
	"github.com/xiaomayi-ant/test-frontend/internal/persist"
	"github.com/xiaomayi-ant/test-frontend/internal/store"
	"github.com/xiaomayi-ant/test-frontend/internal/upstream"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/converters"
	apperrors "github.com/xiaomayi-ant/test-frontend/pkg/chat/errors"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/session"
)

// Store is the subset of the conversation store used before the agent is called
type Store interface {
	AppendMessage(ctx context.Context, msg *store.Message) (bool, error)
	TouchConversation(ctx context.Context, id string, update store.ConversationUpdate) error
}

// Agent starts streamed runs
type Agent interface {
	RunStream(ctx context.Context, threadID string, messages json.RawMessage) (*http.Response, error)
}

// Enqueuer accepts background persistence jobs
type Enqueuer interface {
	Enqueue(job persist.Job) bool
}

// Handler serves POST /api/chat/stream
type Handler struct {
	store       Store
	agent       Agent
	queue       Enqueuer
	metrics     *metrics.Metrics
	idleTimeout time.Duration
}

// NewHandler creates a new Handler. idleTimeout 0 disables the idle watchdog.
func NewHandler(s Store, agent Agent, queue Enqueuer, m *metrics.Metrics, idleTimeout time.Duration) *Handler {
	return &Handler{
		store:       s,
		agent:       agent,
		queue:       queue,
		metrics:     m,
		idleTimeout: idleTimeout,
	}
}

type streamBody struct {
	ConversationID any             `json:"conversationId"`
	ThreadID       any             `json:"threadId"`
	Messages       json.RawMessage `json:"messages"`
}

// nonEmpty returns v when it is a non-empty string
func nonEmpty(v any) string {
	s, _ := v.(string)
	return s
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(session.ErrorResponse{Error: msg})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := ctrllog.FromContext(ctx).WithName("relay")

	var body streamBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	conversationID := nonEmpty(body.ConversationID)
	threadID := nonEmpty(body.ThreadID)
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "conversationId is required")
		return
	}
	if threadID == "" {
		writeError(w, http.StatusBadRequest, "threadId is required")
		return
	}

	messages := normalizeMessages(body.Messages)
	turnID := uuid.NewString()
	log = log.WithValues("conversationID", conversationID, "threadID", threadID, "turnID", turnID)

	h.recordUserMessage(ctx, log, conversationID, turnID, messages)

	started := time.Now()
	resp, err := h.agent.RunStream(ctx, threadID, messages)
	if err != nil {
		h.metrics.UpstreamFailed()
		h.metrics.TurnFinished(metrics.OutcomeUpstreamError, time.Since(started).Seconds())
		log.Error(err, "Agent stream failed to start")
		if apperrors.IsCode(err, apperrors.ErrCodeConfigMissing) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		status := upstream.StatusCode(err)
		if status == 0 {
			status = http.StatusBadGateway
		}
		writeError(w, http.StatusBadGateway, fmt.Sprintf("Upstream error %d", status))
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	text, outcome := h.mirror(ctx, log, w, resp)
	h.metrics.TurnFinished(outcome, time.Since(started).Seconds())
	if outcome != metrics.OutcomeCompleted {
		return
	}

	job := persist.Job{
		ConversationID: conversationID,
		ThreadID:       threadID,
		TurnID:         turnID,
		AssistantText:  text,
	}
	if !h.queue.Enqueue(job) {
		log.Info("Turn not recorded, persistence queue unavailable")
	}
}

// mirror copies the agent stream to w chunk by chunk and returns the accumulated reply
func (h *Handler) mirror(ctx context.Context, log logr.Logger, w http.ResponseWriter, resp *http.Response) (string, string) {
	rc := http.NewResponseController(w)
	acc := NewAccumulator(log)

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	chunks := readChunks(readCtx, resp.Body)

	idle := newIdleTimer(h.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			log.V(1).Info("Client went away, abandoning agent stream")
			return "", metrics.OutcomeCancelled

		case <-idle.C():
			h.metrics.UpstreamFailed()
			log.Info("Agent stream idle, abandoning it", "timeout", h.idleTimeout)
			return "", metrics.OutcomeIdleTimeout

		case c, ok := <-chunks:
			if !ok {
				if acc.Text() == "" {
					log.V(1).Info("Agent stream ended without assistant text")
				}
				return acc.Text(), metrics.OutcomeCompleted
			}
			if c.err != nil {
				h.metrics.UpstreamFailed()
				log.Error(c.err, "Agent stream read failed")
				return "", metrics.OutcomeUpstreamError
			}
			idle.Reset()

			if _, err := w.Write(c.data); err != nil {
				log.V(1).Info("Client write failed", "error", err.Error())
				return "", metrics.OutcomeCancelled
			}
			if err := rc.Flush(); err != nil {
				log.V(1).Info("Response does not support flushing", "error", err.Error())
			}
			h.metrics.Relayed(len(c.data))
			acc.Feed(c.data)
		}
	}
}

// recordUserMessage stores the turn's user message and refreshes the conversation.
// Failures are logged and never block the turn.
func (h *Handler) recordUserMessage(ctx context.Context, log logr.Logger, conversationID, turnID string, messages json.RawMessage) {
	var list []json.RawMessage
	if err := json.Unmarshal(messages, &list); err != nil {
		return
	}
	last := converters.LastUserMessage(list)
	if last == nil {
		return
	}

	msg := store.NewMessage(conversationID, turnID, store.RoleUser, last)
	if _, err := h.store.AppendMessage(ctx, msg); err != nil {
		log.Error(err, "Failed to persist user message")
		return
	}

	update := store.ConversationUpdate{DefaultTitle: session.DefaultTitle}
	update.Title = converters.Title(converters.MessageText(last), converters.TitleLength)
	if err := h.store.TouchConversation(ctx, conversationID, update); err != nil {
		log.Error(err, "Failed to update conversation after user message")
	}
}

// normalizeMessages returns the messages array, or [] for anything else
func normalizeMessages(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return json.RawMessage("[]")
	}
	return trimmed
}
