// Package backend proxies document, image and vision requests to the document service.
package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/xiaomayi-ant/test-frontend/pkg/chat/errors"
)

// MaxReplySize bounds buffered replies
const MaxReplySize = 8 << 20

// Reply is a buffered answer from the document service
type Reply struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// JSON returns the body when it is valid JSON, otherwise the text wrapped as {"raw": ...}
func (r *Reply) JSON() json.RawMessage {
	if json.Valid(r.Body) {
		return json.RawMessage(r.Body)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": string(r.Body)})
	return wrapped
}

// OK reports a 2xx status
func (r *Reply) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// Client forwards requests to the document service
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new Client
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
	}
}

// Configured reports whether a service URL is set
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	if c.baseURL == "" {
		return nil, apperrors.New(apperrors.ErrCodeConfigMissing, "document service URL is not configured", nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeUpstreamFailed, "failed to create request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeUpstreamFailed, "failed to reach document service", err)
	}
	return resp, nil
}

func (c *Client) buffered(ctx context.Context, method, path string, body io.Reader, contentType string) (*Reply, error) {
	resp, err := c.send(ctx, method, path, body, contentType)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxReplySize))
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeUpstreamFailed, "failed to read document service reply", err)
	}
	return &Reply{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

// UploadDocument forwards a multipart body unchanged to the document ingestion endpoint
func (c *Client) UploadDocument(ctx context.Context, body io.Reader, contentType, category, mode string) (*Reply, error) {
	query := url.Values{}
	if category != "" {
		query.Set("category", category)
	}
	if mode != "" {
		query.Set("mode", mode)
	}
	path := "/api/documents/upload"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.buffered(ctx, http.MethodPost, path, body, contentType)
}

// UploadImage forwards a multipart image upload
func (c *Client) UploadImage(ctx context.Context, body io.Reader, contentType string) (*Reply, error) {
	return c.buffered(ctx, http.MethodPost, "/api/images", body, contentType)
}

// DocumentStatus asks for the ingestion status of a document
func (c *Client) DocumentStatus(ctx context.Context, fileID string) (*Reply, error) {
	if fileID == "" {
		return nil, apperrors.New(apperrors.ErrCodeMissingIdentifier, "fileId is required", nil)
	}
	return c.buffered(ctx, http.MethodGet, "/api/documents/status?fileId="+url.QueryEscape(fileID), nil, "")
}

// VisionStream forwards a multipart vision question. The response is returned whatever
// its status; the caller owns the body.
func (c *Client) VisionStream(ctx context.Context, body io.Reader, contentType string) (*http.Response, error) {
	return c.send(ctx, http.MethodPost, "/api/vision-qa/stream", body, contentType)
}
