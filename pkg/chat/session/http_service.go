package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	apperrors "github.com/xiaomayi-ant/test-frontend/pkg/chat/errors"
)

// DefaultVisionQuestion is asked when a vision request carries no question
const DefaultVisionQuestion = "Describe this image"

// HTTPService implements the Service interface against the chatbridge HTTP API
type HTTPService struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPService creates a new HTTPService
func NewHTTPService(baseURL string, httpClient *http.Client) *HTTPService {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPService{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (s *HTTPService) newRequest(ctx context.Context, method, path string, body any, code string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.New(code, "failed to marshal request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, apperrors.New(code, "failed to create request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends req and checks the status; the caller owns the returned body
func (s *HTTPService) do(req *http.Request, code string, ok ...int) (*http.Response, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.New(code, "failed to send request", err)
	}

	if len(ok) == 0 {
		ok = []int{http.StatusOK}
	}
	for _, status := range ok {
		if resp.StatusCode == status {
			return resp, nil
		}
	}

	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		code = apperrors.ErrCodeNotFound
	}
	return nil, apperrors.New(code, fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, errorMessage(body)), nil)
}

func errorMessage(body []byte) string {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return errResp.Error
	}
	return strings.TrimSpace(string(body))
}

func decode[T any](resp *http.Response, code string) (*T, error) {
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.New(code, "failed to decode response", err)
	}
	return &out, nil
}

func (s *HTTPService) CreateConversation(ctx context.Context, req *CreateConversationRequest) (*Conversation, error) {
	if req == nil {
		req = &CreateConversationRequest{}
	}
	httpReq, err := s.newRequest(ctx, http.MethodPost, "/api/conversations", req, apperrors.ErrCodeConversationCreate)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(httpReq, apperrors.ErrCodeConversationCreate, http.StatusOK, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	return decode[Conversation](resp, apperrors.ErrCodeConversationCreate)
}

func (s *HTTPService) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	httpReq, err := s.newRequest(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id), nil, apperrors.ErrCodeConversationGet)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(httpReq, apperrors.ErrCodeConversationGet)
	if err != nil {
		return nil, err
	}
	return decode[Conversation](resp, apperrors.ErrCodeConversationGet)
}

func (s *HTTPService) ListConversations(ctx context.Context, cursor string, take int) (*ConversationPage, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if take > 0 {
		query.Set("take", strconv.Itoa(take))
	}
	path := "/api/conversations"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	httpReq, err := s.newRequest(ctx, http.MethodGet, path, nil, apperrors.ErrCodeConversationGet)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(httpReq, apperrors.ErrCodeConversationGet)
	if err != nil {
		return nil, err
	}
	return decode[ConversationPage](resp, apperrors.ErrCodeConversationGet)
}

func (s *HTTPService) SetArchived(ctx context.Context, id string, archived bool) (*Conversation, error) {
	action := ActionUnarchive
	if archived {
		action = ActionArchive
	}
	httpReq, err := s.newRequest(ctx, http.MethodPatch, "/api/conversations/"+url.PathEscape(id),
		&ConversationAction{Action: action}, apperrors.ErrCodeConversationGet)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(httpReq, apperrors.ErrCodeConversationGet)
	if err != nil {
		return nil, err
	}
	return decode[Conversation](resp, apperrors.ErrCodeConversationGet)
}

func (s *HTTPService) DeleteConversation(ctx context.Context, id string) error {
	httpReq, err := s.newRequest(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(id), nil, apperrors.ErrCodeConversationDelete)
	if err != nil {
		return err
	}
	resp, err := s.do(httpReq, apperrors.ErrCodeConversationDelete)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (s *HTTPService) ShareConversation(ctx context.Context, id string) (*ShareLink, error) {
	path := "/api/conversations/" + url.PathEscape(id) + "/share"
	httpReq, err := s.newRequest(ctx, http.MethodPost, path, nil, apperrors.ErrCodeConversationGet)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(httpReq, apperrors.ErrCodeConversationGet)
	if err != nil {
		return nil, err
	}
	return decode[ShareLink](resp, apperrors.ErrCodeConversationGet)
}

func (s *HTTPService) ListMessages(ctx context.Context, conversationID string) ([]StoredMessage, error) {
	path := "/api/messages?conversationId=" + url.QueryEscape(conversationID)
	httpReq, err := s.newRequest(ctx, http.MethodGet, path, nil, apperrors.ErrCodeConversationGet)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(httpReq, apperrors.ErrCodeConversationGet)
	if err != nil {
		return nil, err
	}
	list, err := decode[MessageList](resp, apperrors.ErrCodeConversationGet)
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (s *HTTPService) CreateThread(ctx context.Context) (string, error) {
	httpReq, err := s.newRequest(ctx, http.MethodPost, "/api/threads", struct{}{}, apperrors.ErrCodeUpstreamFailed)
	if err != nil {
		return "", err
	}
	resp, err := s.do(httpReq, apperrors.ErrCodeUpstreamFailed, http.StatusOK, http.StatusCreated)
	if err != nil {
		return "", err
	}
	thread, err := decode[Thread](resp, apperrors.ErrCodeUpstreamFailed)
	if err != nil {
		return "", err
	}
	if thread.ThreadID == "" {
		return "", apperrors.New(apperrors.ErrCodeUpstreamFailed, "thread provisioning returned no thread id", nil)
	}
	return thread.ThreadID, nil
}

// SendMessage starts a turn and returns the raw SSE body
func (s *HTTPService) SendMessage(ctx context.Context, req *StreamRequest) (io.ReadCloser, error) {
	httpReq, err := s.newRequest(ctx, http.MethodPost, "/api/chat/stream", req, apperrors.ErrCodeUpstreamFailed)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := s.do(httpReq, apperrors.ErrCodeUpstreamFailed)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// VisionStream asks a question about an image and returns the raw SSE body
func (s *HTTPService) VisionStream(ctx context.Context, image Upload, question string) (io.ReadCloser, error) {
	if question == "" {
		question = DefaultVisionQuestion
	}
	body, contentType, err := multipartBody("image", image, map[string]string{"question": question})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeUploadFailed, "failed to encode image", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/vision-qa", body)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeUpstreamFailed, "failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := s.do(httpReq, apperrors.ErrCodeUpstreamFailed)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *HTTPService) UploadImage(ctx context.Context, upload Upload) (*ImageUpload, error) {
	body, contentType, err := multipartBody("file", upload, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeUploadFailed, "failed to encode image", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/images", body)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeUploadFailed, "failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	resp, err := s.do(httpReq, apperrors.ErrCodeUploadFailed, http.StatusOK, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	return decode[ImageUpload](resp, apperrors.ErrCodeUploadFailed)
}

func (s *HTTPService) UploadFile(ctx context.Context, upload Upload, threadID string) (*FileUpload, error) {
	body, contentType, err := multipartBody("file", upload, map[string]string{"threadId": threadID})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeUploadFailed, "failed to encode file", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/upload", body)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeUploadFailed, "failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	resp, err := s.do(httpReq, apperrors.ErrCodeUploadFailed, http.StatusOK, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	return decode[FileUpload](resp, apperrors.ErrCodeUploadFailed)
}

func (s *HTTPService) DeleteFile(ctx context.Context, fileID, threadID string) error {
	httpReq, err := s.newRequest(ctx, http.MethodDelete, "/api/files/"+url.PathEscape(fileID),
		&FileDeleteRequest{ThreadID: threadID}, apperrors.ErrCodeUploadFailed)
	if err != nil {
		return err
	}
	resp, err := s.do(httpReq, apperrors.ErrCodeUploadFailed)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (s *HTTPService) DocumentStatus(ctx context.Context, fileID string) (json.RawMessage, error) {
	path := "/api/documents/status?fileId=" + url.QueryEscape(fileID)
	httpReq, err := s.newRequest(ctx, http.MethodGet, path, nil, apperrors.ErrCodeUpstreamFailed)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(httpReq, apperrors.ErrCodeUpstreamFailed)
	if err != nil {
		return nil, err
	}
	raw, err := decode[json.RawMessage](resp, apperrors.ErrCodeUpstreamFailed)
	if err != nil {
		return nil, err
	}
	return *raw, nil
}

func multipartBody(field string, upload Upload, fields map[string]string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, upload.Name))
	if upload.ContentType != "" {
		header.Set("Content-Type", upload.ContentType)
	}
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, upload.Body); err != nil {
		return nil, "", err
	}

	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
