package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaomayi-ant/test-frontend/internal/backend"
	"github.com/xiaomayi-ant/test-frontend/internal/metrics"
	"github.com/xiaomayi-ant/test-frontend/internal/persist"
	"github.com/xiaomayi-ant/test-frontend/internal/storage"
	"github.com/xiaomayi-ant/test-frontend/internal/store"
	"github.com/xiaomayi-ant/test-frontend/internal/upstream"
	apperrors "github.com/xiaomayi-ant/test-frontend/pkg/chat/errors"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/session"
)

const agentReply = "event: partial_ai\ndata: [{\"id\":\"m1\",\"content\":\"Go is\"}]\n\n" +
	"event: partial_ai\ndata: [{\"id\":\"m1\",\"content\":\"Go is a language.\"}]\n\n" +
	"event: complete\ndata: []\n\n"

type testEnv struct {
	t       *testing.T
	server  *httptest.Server
	store   *store.Store
	queue   *persist.Queue
	files   *storage.PathManager
	threads atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{t: t}

	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/threads":
			_, _ = fmt.Fprintf(w, `{"thread_id":"thread-%d"}`, env.threads.Add(1))
		case strings.HasSuffix(r.URL.Path, "/runs/stream"):
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, agentReply)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(agent.Close)

	docs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/documents/upload":
			assert.Equal(t, "manuals", r.URL.Query().Get("category"))
			_, _ = io.WriteString(w, `{"fileId":"doc-1","status":"processing"}`)
		case "/api/documents/status":
			_, _ = io.WriteString(w, "still working")
		case "/api/images":
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"image_id":"img-1","url":"/images/img-1.png"}`)
		case "/api/vision-qa/stream":
			http.Error(w, "vision model offline", http.StatusServiceUnavailable)
		}
	}))
	t.Cleanup(docs.Close)

	s, err := store.Open("sqlite", filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	env.store = s

	log := testr.New(t)
	m := metrics.New()
	env.queue = persist.NewQueue(s, persist.Options{Workers: 1, InitialInterval: time.Millisecond}, m, log)
	env.queue.Start(context.Background())
	t.Cleanup(env.queue.Close)

	env.files = storage.NewPathManager(t.TempDir(), "/uploads")
	srv := New(Options{
		PublicURL:   "https://chat.example.com/",
		Store:       s,
		Agent:       upstream.NewClient(agent.URL, nil, agent.Client()),
		Backend:     backend.NewClient(docs.URL, docs.Client()),
		Files:       env.files,
		Queue:       env.queue,
		Metrics:     m,
		IdleTimeout: time.Second,
		Log:         log,
	})
	env.server = httptest.NewServer(srv.Handler())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) do(method, path string, body io.Reader, contentType string) *http.Response {
	e.t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, body)
	require.NoError(e.t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) doJSON(method, path, body string) *http.Response {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	return e.do(method, path, reader, "application/json")
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func multipartFile(t *testing.T, name, contentType string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestConversationTurn(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodPost, "/api/conversations", nil, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conv := decodeBody[session.Conversation](t, resp)
	assert.Equal(t, session.DefaultTitle, conv.Title)
	assert.Equal(t, "thread-1", conv.Thread())

	body := fmt.Sprintf(`{"conversationId":%q,"threadId":%q,"messages":[{"role":"user","content":"What is Go?"}]}`, conv.ID, conv.Thread())
	resp = env.doJSON(http.MethodPost, "/api/chat/stream", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	streamed, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, agentReply, string(streamed))

	// drain background persistence
	env.queue.Close()

	resp = env.doJSON(http.MethodGet, "/api/conversations/"+conv.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[session.Conversation](t, resp)
	assert.Equal(t, "What is Go?", got.Title)
	assert.Equal(t, "thread-1", got.Thread())

	resp = env.doJSON(http.MethodGet, "/api/messages?conversationId="+conv.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[session.MessageList](t, resp)
	require.Len(t, list.Items, 2)
	assert.Equal(t, "user", list.Items[0].Role)
	assert.JSONEq(t, `{"role":"user","content":"What is Go?"}`, string(list.Items[0].Content))
	assert.Equal(t, "assistant", list.Items[1].Role)
	assert.JSONEq(t, `{"type":"text","text":"Go is a language."}`, string(list.Items[1].Content))
}

func TestCreateConversation_RequestedThread(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doJSON(http.MethodPost, "/api/conversations", `{"title":"  Plans  ","threadId":"mine"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conv := decodeBody[session.Conversation](t, resp)
	assert.Equal(t, "Plans", conv.Title)
	assert.Equal(t, "mine", conv.Thread())
	assert.Equal(t, int32(0), env.threads.Load())
}

func TestListConversations(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		resp := env.doJSON(http.MethodPost, "/api/conversations", fmt.Sprintf(`{"title":"c%d","threadId":"t"}`, i))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		time.Sleep(2 * time.Millisecond)
	}

	page := decodeBody[session.ConversationPage](t, env.doJSON(http.MethodGet, "/api/conversations?take=2", ""))
	require.Len(t, page.Items, 2)
	assert.Equal(t, "c2", page.Items[0].Title)
	require.NotNil(t, page.NextCursor)

	rest := decodeBody[session.ConversationPage](t, env.doJSON(http.MethodGet, "/api/conversations?take=2&cursor="+url.QueryEscape(*page.NextCursor), ""))
	require.Len(t, rest.Items, 1)
	assert.Equal(t, "c0", rest.Items[0].Title)
	assert.Nil(t, rest.NextCursor)

	resp := env.doJSON(http.MethodGet, "/api/conversations?take=abc", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConversationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	conv := decodeBody[session.Conversation](t, env.doJSON(http.MethodPost, "/api/conversations", `{"title":"Keep"}`))

	resp := env.doJSON(http.MethodPatch, "/api/conversations/"+conv.ID, `{"action":"hide"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid action. Supported: archive, unarchive", decodeBody[session.ErrorResponse](t, resp).Error)

	resp = env.doJSON(http.MethodPost, "/api/conversations/"+conv.ID+"/share", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	link := decodeBody[session.ShareLink](t, resp)
	assert.Equal(t, "https://chat.example.com/chat/"+conv.ID, link.ShareURL)
	assert.Equal(t, "Keep", link.Title)

	resp = env.doJSON(http.MethodPatch, "/api/conversations/"+conv.ID, `{"action":"archive"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeBody[session.Conversation](t, resp).Archived)

	resp = env.doJSON(http.MethodPost, "/api/conversations/"+conv.ID+"/share", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Cannot share archived conversation", decodeBody[session.ErrorResponse](t, resp).Error)

	page := decodeBody[session.ConversationPage](t, env.doJSON(http.MethodGet, "/api/conversations", ""))
	assert.Empty(t, page.Items)

	resp = env.doJSON(http.MethodDelete, "/api/conversations/"+conv.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	deleted := decodeBody[session.DeleteResult](t, resp)
	assert.True(t, deleted.Success)
	assert.Equal(t, conv.ID, deleted.ID)

	resp = env.doJSON(http.MethodGet, "/api/conversations/"+conv.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Not found", decodeBody[session.ErrorResponse](t, resp).Error)

	resp = env.doJSON(http.MethodPost, "/api/conversations/"+conv.ID+"/share", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Conversation not found", decodeBody[session.ErrorResponse](t, resp).Error)

	resp = env.doJSON(http.MethodDelete, "/api/conversations/"+conv.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMessagesRequiresConversation(t *testing.T) {
	env := newTestEnv(t)
	resp := env.doJSON(http.MethodGet, "/api/messages", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "conversationId is required", decodeBody[session.ErrorResponse](t, resp).Error)
}

func TestCreateThread(t *testing.T) {
	env := newTestEnv(t)
	resp := env.doJSON(http.MethodPost, "/api/threads", "{}")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "thread-1", decodeBody[session.Thread](t, resp).ThreadID)
}

func TestUpload_StoresAndDeletesFile(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartFile(t, "notes.txt", "text/plain", []byte("remember the milk"), map[string]string{"threadId": "t1"})
	resp := env.do(http.MethodPost, "/api/upload", body, contentType)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	uploaded := decodeBody[session.FileUpload](t, resp)
	assert.Equal(t, "ready", uploaded.Status)
	assert.Equal(t, "notes.txt", uploaded.Name)
	assert.Equal(t, "text/plain", uploaded.ContentType)
	assert.Equal(t, int64(17), uploaded.Size)
	assert.True(t, strings.HasPrefix(uploaded.FileID, "file_"))

	resp = env.do(http.MethodGet, uploaded.URL, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "remember the milk", string(data))

	resp = env.doJSON(http.MethodDelete, "/api/files/"+uploaded.FileID, `{"threadId":"t1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decodeBody[session.DeleteResult](t, resp)
	assert.True(t, result.Success)
	assert.Equal(t, "File "+uploaded.FileID+" deleted successfully", result.Message)
	assert.False(t, env.files.Exists(uploaded.FileID))
}

func TestUpload_Validation(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartFile(t, "page.html", "text/html", []byte("<p>"), nil)
	resp := env.do(http.MethodPost, "/api/upload", body, contentType)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Unsupported file type: text/html", decodeBody[session.ErrorResponse](t, resp).Error)

	big := bytes.Repeat([]byte("a"), 10*1024*1024+1)
	body, contentType = multipartFile(t, "big.txt", "text/plain", big, nil)
	resp = env.do(http.MethodPost, "/api/upload", body, contentType)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "File size exceeds 10MB limit", decodeBody[session.ErrorResponse](t, resp).Error)

	resp = env.doJSON(http.MethodPost, "/api/upload", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "No file provided", decodeBody[session.ErrorResponse](t, resp).Error)
}

func TestUpload_ForwardsPDF(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartFile(t, "manual.pdf", "application/pdf", []byte("%PDF-1.7"), map[string]string{"category": "manuals"})
	resp := env.do(http.MethodPost, "/api/upload?mode=fast", body, contentType)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	assert.Equal(t, "doc-1", reply["fileId"])
}

func TestImagesProxy(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartFile(t, "cat.png", "image/png", []byte("\x89PNG"), nil)
	resp := env.do(http.MethodPost, "/api/images", body, contentType)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	img := decodeBody[session.ImageUpload](t, resp)
	assert.Equal(t, "img-1", img.ImageID)
}

func TestDocumentStatus(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doJSON(http.MethodGet, "/api/documents/status", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.doJSON(http.MethodGet, "/api/documents/status?fileId=doc-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"raw":"still working"}`, string(data))
}

func TestVisionPassesErrors(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartFile(t, "cat.png", "image/png", []byte("\x89PNG"), map[string]string{"question": "what?"})
	resp := env.do(http.MethodPost, "/api/vision-qa", body, contentType)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	data, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(data), "vision model offline")
}

func TestPreflight(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/upload", "/api/images", "/api/files/f1", "/api/documents/status", "/api/vision-qa"} {
		resp := env.do(http.MethodOptions, path, nil, "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode, path)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"), path)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doJSON(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", decodeBody[map[string]string](t, resp)["status"])

	resp = env.doJSON(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(data), "go_goroutines")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{apperrors.ErrCodeNotFound, http.StatusNotFound},
		{apperrors.ErrCodeValidation, http.StatusBadRequest},
		{apperrors.ErrCodeTooLarge, http.StatusBadRequest},
		{apperrors.ErrCodeMissingIdentifier, http.StatusBadRequest},
		{apperrors.ErrCodeUpstreamFailed, http.StatusBadGateway},
		{apperrors.ErrCodeUploadFailed, http.StatusBadGateway},
		{apperrors.ErrCodeConfigMissing, http.StatusInternalServerError},
		{apperrors.ErrCodePersistenceFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(apperrors.New(tt.code, "x", nil)), tt.code)
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("plain")))
}
