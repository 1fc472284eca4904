package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/xiaomayi-ant/test-frontend/pkg/chat/errors"
)

func newTestService(t *testing.T, handler http.HandlerFunc) *HTTPService {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPService(server.URL+"/", server.Client())
}

func TestHTTPService_CreateConversation(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/conversations", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req CreateConversationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultTitle, req.Title)

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"c1","title":"新聊天","threadId":"t1","updatedAt":"2025-01-02T03:04:05.000Z"}`)
	})

	conv, err := svc.CreateConversation(context.Background(), &CreateConversationRequest{Title: DefaultTitle})
	require.NoError(t, err)
	assert.Equal(t, "c1", conv.ID)
	assert.Equal(t, "t1", conv.Thread())
}

func TestHTTPService_ErrorMapping(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/conversations/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"Not found"}`)
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, "bad gateway")
		}
	})

	_, err := svc.GetConversation(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
	assert.Contains(t, err.Error(), "Not found")

	_, err = svc.SendMessage(context.Background(), &StreamRequest{ConversationID: "c", ThreadID: "t"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUpstreamFailed))
	assert.Contains(t, err.Error(), "unexpected status 502: bad gateway")
}

func TestHTTPService_ListConversations(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc|1", r.URL.Query().Get("cursor"))
		assert.Equal(t, "2", r.URL.Query().Get("take"))
		_, _ = io.WriteString(w, `{"items":[{"id":"a","title":"A","updatedAt":"2025-01-02T03:04:05Z"}],"nextCursor":null}`)
	})

	page, err := svc.ListConversations(context.Background(), "abc|1", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "A", page.Items[0].Title)
	assert.Nil(t, page.NextCursor)
}

func TestHTTPService_SetArchived(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		var action ConversationAction
		require.NoError(t, json.NewDecoder(r.Body).Decode(&action))
		assert.Equal(t, ActionArchive, action.Action)
		_, _ = io.WriteString(w, `{"id":"c1","title":"x","threadId":null,"archived":true,"updatedAt":"2025-01-02T03:04:05Z"}`)
	})

	conv, err := svc.SetArchived(context.Background(), "c1", true)
	require.NoError(t, err)
	assert.True(t, conv.Archived)
	assert.Empty(t, conv.Thread())
}

func TestHTTPService_CreateThread(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/threads", r.URL.Path)
		_, _ = io.WriteString(w, `{"thread_id":"t-42"}`)
	})

	thread, err := svc.CreateThread(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t-42", thread)

	empty := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})
	_, err = empty.CreateThread(context.Background())
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUpstreamFailed))
}

func TestHTTPService_SendMessage(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		var req StreamRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "c1", req.ConversationID)
		assert.Equal(t, "t1", req.ThreadID)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: complete\ndata: []\n\n")
	})

	body, err := svc.SendMessage(context.Background(), &StreamRequest{
		ConversationID: "c1",
		ThreadID:       "t1",
		Messages:       []map[string]string{{"role": "user", "content": "hi"}},
	})
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "event: complete\ndata: []\n\n", string(data))
}

func TestHTTPService_Uploads(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)

		switch r.URL.Path {
		case "/api/images":
			assert.Equal(t, "cat.png", header.Filename)
			assert.Equal(t, "image/png", header.Header.Get("Content-Type"))
			_, _ = io.WriteString(w, `{"image_id":"img1","url":"/images/img1.png","meta":{"mime":"image/png","size":4}}`)
		case "/api/upload":
			assert.Equal(t, "t9", r.FormValue("threadId"))
			assert.Equal(t, "notes", string(data))
			_, _ = io.WriteString(w, `{"fileId":"f1","url":"/uploads/f1/n.txt","name":"n.txt","contentType":"text/plain","size":5,"status":"ready"}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	img, err := svc.UploadImage(context.Background(), Upload{Name: "cat.png", ContentType: "image/png", Body: strings.NewReader("\x89PNG")})
	require.NoError(t, err)
	assert.Equal(t, "img1", img.ImageID)
	require.NotNil(t, img.Meta)
	assert.Equal(t, int64(4), img.Meta.Size)

	file, err := svc.UploadFile(context.Background(), Upload{Name: "n.txt", ContentType: "text/plain", Body: strings.NewReader("notes")}, "t9")
	require.NoError(t, err)
	assert.Equal(t, "f1", file.FileID)
	assert.Equal(t, "ready", file.Status)
}

func TestHTTPService_VisionStream(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/vision-qa", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, DefaultVisionQuestion, r.FormValue("question"))
		_, _, err := r.FormFile("image")
		require.NoError(t, err)
		_, _ = io.WriteString(w, "data: {}\n\n")
	})

	body, err := svc.VisionStream(context.Background(), Upload{Name: "a.jpg", ContentType: "image/jpeg", Body: strings.NewReader("jpg")}, "")
	require.NoError(t, err)
	body.Close()
}

func TestHTTPService_DeleteFileAndStatus(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete:
			assert.Equal(t, "/api/files/f1", r.URL.Path)
			var req FileDeleteRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "t1", req.ThreadID)
			_, _ = io.WriteString(w, `{"success":true,"message":"File f1 deleted successfully"}`)
		default:
			assert.Equal(t, "f1", r.URL.Query().Get("fileId"))
			_, _ = io.WriteString(w, `{"status":"indexed"}`)
		}
	})

	require.NoError(t, svc.DeleteFile(context.Background(), "f1", "t1"))

	status, err := svc.DocumentStatus(context.Background(), "f1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"indexed"}`, string(status))
}

func TestHTTPService_Messages(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "c1", r.URL.Query().Get("conversationId"))
		_, _ = io.WriteString(w, `{"items":[{"id":"m1","role":"user","content":{"role":"user","content":"hi"},"createdAt":"2025-01-02T03:04:05Z"}]}`)
	})

	items, err := svc.ListMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "user", items[0].Role)
	assert.JSONEq(t, `{"role":"user","content":"hi"}`, string(items[0].Content))
}
