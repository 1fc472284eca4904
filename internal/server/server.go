// Package server wires the chat HTTP API.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/xiaomayi-ant/test-frontend/internal/backend"
	"github.com/xiaomayi-ant/test-frontend/internal/metrics"
	"github.com/xiaomayi-ant/test-frontend/internal/relay"
	"github.com/xiaomayi-ant/test-frontend/internal/storage"
	"github.com/xiaomayi-ant/test-frontend/internal/store"
)

// DefaultPublicURL prefixes share links when no public URL is configured
const DefaultPublicURL = "http://localhost:3000"

// Store is the conversation store used by the handlers
type Store interface {
	relay.Store
	CreateConversation(ctx context.Context, title string, threadID *string) (*store.Conversation, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context, cursor string, take int) ([]store.Conversation, string, error)
	SetArchived(ctx context.Context, id string, archived bool) (*store.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	ListMessages(ctx context.Context, conversationID string) ([]store.Message, error)
}

// Agent is the agent service as seen by the handlers
type Agent interface {
	relay.Agent
	CreateThread(ctx context.Context) (string, error)
}

// Options holds the server dependencies
type Options struct {
	Addr            string
	PublicURL       string
	Store           Store
	Agent           Agent
	Backend         *backend.Client
	Files           *storage.PathManager
	Queue           relay.Enqueuer
	Metrics         *metrics.Metrics
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Log             logr.Logger
}

// Server serves the chat API
type Server struct {
	opts   Options
	relay  *relay.Handler
	router *mux.Router
	log    logr.Logger
}

// New creates a new Server
func New(opts Options) *Server {
	if opts.PublicURL == "" {
		opts.PublicURL = DefaultPublicURL
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Backend == nil {
		opts.Backend = backend.NewClient("", nil)
	}
	if opts.Files == nil {
		opts.Files = storage.NewPathManager("", "")
	}

	s := &Server{
		opts:  opts,
		relay: relay.NewHandler(opts.Store, opts.Agent, opts.Queue, opts.Metrics, opts.IdleTimeout),
		log:   opts.Log.WithName("server"),
	}
	s.router = mux.NewRouter()
	s.setupRoutes()
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(withLogger(s.log))

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.opts.Metrics.Handler()).Methods(http.MethodGet)

	prefix := s.opts.Files.URLPrefix() + "/"
	s.router.PathPrefix(prefix).Handler(
		http.StripPrefix(prefix, http.FileServer(http.Dir(s.opts.Files.BasePath()))),
	).Methods(http.MethodGet, http.MethodHead)

	api := s.router.PathPrefix("/api").Subrouter()

	// Conversations
	api.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations", s.handleCreateConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}", s.handleGetConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", s.handlePatchConversation).Methods(http.MethodPatch)
	api.HandleFunc("/conversations/{id}", s.handleDeleteConversation).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{id}/share", s.handleShareConversation).Methods(http.MethodPost)
	api.HandleFunc("/messages", s.handleListMessages).Methods(http.MethodGet)

	// Turns
	api.HandleFunc("/threads", s.handleCreateThread).Methods(http.MethodPost)
	api.Handle("/chat/stream", s.relay).Methods(http.MethodPost)
	api.HandleFunc("/vision-qa", s.handleVision).Methods(http.MethodPost)
	api.HandleFunc("/vision-qa", preflight("POST, OPTIONS")).Methods(http.MethodOptions)

	// Files
	api.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/upload", preflight("POST, OPTIONS")).Methods(http.MethodOptions)
	api.HandleFunc("/images", s.handleImages).Methods(http.MethodPost)
	api.HandleFunc("/images", preflight("POST, OPTIONS")).Methods(http.MethodOptions)
	api.HandleFunc("/files/{fileId}", s.handleDeleteFile).Methods(http.MethodDelete)
	api.HandleFunc("/files/{fileId}", preflight("DELETE, OPTIONS")).Methods(http.MethodOptions)
	api.HandleFunc("/documents/status", s.handleDocumentStatus).Methods(http.MethodGet)
	api.HandleFunc("/documents/status", preflight("GET, OPTIONS")).Methods(http.MethodOptions)
}

// Build creates the HTTP server. Streaming routes need unbounded write time.
func (s *Server) Build() *http.Server {
	return &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Run serves until ctx ends, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := s.Build()
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutdown signal received, gracefully stopping")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}
