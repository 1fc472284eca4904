package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/xiaomayi-ant/test-frontend/internal/store"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/session"
)

type messageItem struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	log := ctrllog.FromContext(r.Context())

	// unparsable take falls back to the default
	take, _ := strconv.Atoi(r.URL.Query().Get("take"))
	items, next, err := s.opts.Store.ListConversations(r.Context(), r.URL.Query().Get("cursor"), take)
	if err != nil {
		fail(w, log, err, "")
		return
	}

	page := session.ConversationPage{Items: make([]session.ConversationSummary, 0, len(items))}
	for _, c := range items {
		page.Items = append(page.Items, session.ConversationSummary{ID: c.ID, Title: c.Title, UpdatedAt: c.UpdatedAt})
	}
	if next != "" {
		page.NextCursor = &next
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := ctrllog.FromContext(ctx)

	// a missing or malformed body means defaults
	var body struct {
		Title    any `json:"title"`
		ThreadID any `json:"threadId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	title, _ := body.Title.(string)
	title = strings.TrimSpace(title)
	if title == "" {
		title = session.DefaultTitle
	}

	var threadID *string
	if requested, _ := body.ThreadID.(string); requested != "" {
		threadID = &requested
	} else if thread, err := s.opts.Agent.CreateThread(ctx); err != nil {
		s.opts.Metrics.UpstreamFailed()
		log.Info("Thread provisioning failed, creating conversation without thread", "error", err.Error())
	} else {
		threadID = &thread
	}

	conv, err := s.opts.Store.CreateConversation(ctx, title, threadID)
	if err != nil {
		fail(w, log, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.opts.Store.GetConversation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		msg := ""
		if statusFor(err) == http.StatusNotFound {
			msg = "Not found"
		}
		fail(w, ctrllog.FromContext(r.Context()), err, msg)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handlePatchConversation(w http.ResponseWriter, r *http.Request) {
	var body session.ConversationAction
	_ = json.NewDecoder(r.Body).Decode(&body)

	var archived bool
	switch body.Action {
	case session.ActionArchive:
		archived = true
	case session.ActionUnarchive:
	default:
		writeError(w, http.StatusBadRequest, "Invalid action. Supported: archive, unarchive")
		return
	}

	conv, err := s.opts.Store.SetArchived(r.Context(), mux.Vars(r)["id"], archived)
	if err != nil {
		fail(w, ctrllog.FromContext(r.Context()), err, "")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.opts.Store.DeleteConversation(r.Context(), id); err != nil {
		fail(w, ctrllog.FromContext(r.Context()), err, "")
		return
	}
	writeJSON(w, http.StatusOK, session.DeleteResult{Success: true, ID: id})
}

func (s *Server) handleShareConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.opts.Store.GetConversation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		msg := ""
		if statusFor(err) == http.StatusNotFound {
			msg = "Conversation not found"
		}
		fail(w, ctrllog.FromContext(r.Context()), err, msg)
		return
	}
	if conv.Archived {
		writeError(w, http.StatusBadRequest, "Cannot share archived conversation")
		return
	}
	writeJSON(w, http.StatusOK, session.ShareLink{
		ShareURL: s.opts.PublicURL + "/chat/" + conv.ID,
		Title:    conv.Title,
		ID:       conv.ID,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "conversationId is required")
		return
	}

	messages, err := s.opts.Store.ListMessages(r.Context(), conversationID)
	if err != nil {
		fail(w, ctrllog.FromContext(r.Context()), err, "")
		return
	}

	items := make([]messageItem, 0, len(messages))
	for _, m := range messages {
		items = append(items, toMessageItem(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func toMessageItem(m store.Message) messageItem {
	content := json.RawMessage(m.Content)
	if len(content) == 0 {
		content = json.RawMessage("null")
	}
	return messageItem{ID: m.ID, Role: m.Role, Content: content, CreatedAt: m.CreatedAt}
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	thread, err := s.opts.Agent.CreateThread(r.Context())
	if err != nil {
		s.opts.Metrics.UpstreamFailed()
		fail(w, ctrllog.FromContext(r.Context()), err, "")
		return
	}
	writeJSON(w, http.StatusOK, session.Thread{ThreadID: thread})
}
