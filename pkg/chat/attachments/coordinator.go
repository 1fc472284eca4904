// Package attachments tracks files chosen for the next message through validation,
// upload and removal.
package attachments

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/xiaomayi-ant/test-frontend/pkg/chat/converters"
	apperrors "github.com/xiaomayi-ant/test-frontend/pkg/chat/errors"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/session"
)

const (
	// ReasonComposerSend marks an attachment waiting to be sent with the composer
	ReasonComposerSend = "composer-send"

	DefaultProgressInterval = 300 * time.Millisecond
	progressStep            = 25
	progressCeiling         = 95
)

// ErrInvalidTransition is returned when an operation would move an attachment's
// status backwards
var ErrInvalidTransition = apperrors.New(apperrors.ErrCodeValidation, "invalid attachment status transition", nil)

// StatusType enumerates attachment states
type StatusType string

const (
	StatusRequiresAction StatusType = "requires-action"
	StatusUploading      StatusType = "uploading"
	StatusComplete       StatusType = "complete"
)

// Status is the tagged attachment status
type Status struct {
	Type     StatusType `json:"type"`
	Reason   string     `json:"reason,omitempty"`
	Progress int        `json:"progress,omitempty"`
}

// Attachment is a file bound for the next message
type Attachment struct {
	ID          string
	Kind        string
	Name        string
	ContentType string
	Size        int64
	RemoteID    string
	RemoteURL   string
	ThumbURL    string
	Status      Status
	CreatedAt   time.Time
	// FileContent holds the text of a plain-text attachment once uploaded
	FileContent string
	// Content is what the composer shows once the upload completed
	Content []converters.Part

	file File
	done chan struct{}
}

// Uploader is the remote side of the coordinator
type Uploader interface {
	UploadImage(ctx context.Context, upload session.Upload) (*session.ImageUpload, error)
	UploadFile(ctx context.Context, upload session.Upload, threadID string) (*session.FileUpload, error)
	DeleteFile(ctx context.Context, fileID, threadID string) error
	CreateThread(ctx context.Context) (string, error)
}

// Coordinator owns the attachment collection. All mutations are serialized; readers
// get copies.
type Coordinator struct {
	uploader Uploader

	mu          sync.Mutex
	attachments []*Attachment
	threadID    string
	inFlight    int
	subscribers map[int]chan []Attachment
	nextSubID   int

	progressInterval time.Duration
	log              logr.Logger
}

// NewCoordinator creates a new Coordinator
func NewCoordinator(uploader Uploader, log logr.Logger) *Coordinator {
	return &Coordinator{
		uploader:         uploader,
		subscribers:      make(map[int]chan []Attachment),
		progressInterval: DefaultProgressInterval,
		log:              log.WithName("attachments"),
	}
}

// SetThreadID records the thread uploads are associated with
func (c *Coordinator) SetThreadID(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threadID = threadID
}

// ThreadID returns the current thread id
func (c *Coordinator) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// Add validates a file and registers it as pending
func (c *Coordinator) Add(file File) (Attachment, error) {
	if err := Validate(file.ContentType, file.Size); err != nil {
		return Attachment{}, err
	}
	if file.Open == nil {
		return Attachment{}, apperrors.New(apperrors.ErrCodeValidation, "file has no content", nil)
	}

	a := &Attachment{
		ID:          "file_" + uuid.NewString(),
		Kind:        KindOf(file.ContentType),
		Name:        file.Name,
		ContentType: file.ContentType,
		Size:        file.Size,
		Status:      Status{Type: StatusRequiresAction, Reason: ReasonComposerSend},
		CreatedAt:   time.Now(),
		file:        file,
	}

	c.mu.Lock()
	c.attachments = append(c.attachments, a)
	snapshot := c.publishLocked()
	c.mu.Unlock()

	c.log.V(1).Info("Attachment added", "id", a.ID, "name", a.Name, "count", len(snapshot))
	return a.copy(), nil
}

// Send uploads a pending attachment and returns its composer content. A failed
// upload leaves the attachment in requires-action with the failure as reason, from
// where Send may be retried.
func (c *Coordinator) Send(ctx context.Context, id string) ([]converters.Part, error) {
	c.mu.Lock()
	a := c.findLocked(id)
	if a == nil {
		c.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrCodeNotFound, fmt.Sprintf("attachment %s not found", id), nil)
	}
	switch a.Status.Type {
	case StatusComplete:
		content := slices.Clone(a.Content)
		c.mu.Unlock()
		return content, nil
	case StatusUploading:
		c.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	a.Status = Status{Type: StatusUploading, Progress: 0}
	a.done = make(chan struct{})
	c.inFlight++
	threadID := c.threadID
	file := a.file
	c.publishLocked()
	c.mu.Unlock()

	log := c.log.WithValues("attachment", id)

	stop := c.startProgress(id)
	content, remote, err := c.upload(ctx, file, threadID)
	stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	a = c.findLocked(id)
	c.inFlight--
	if a == nil {
		// removed while uploading
		return nil, apperrors.New(apperrors.ErrCodeNotFound, fmt.Sprintf("attachment %s removed during upload", id), err)
	}
	close(a.done)

	if err != nil {
		log.Error(err, "Attachment upload failed", "name", file.Name)
		a.Status = Status{Type: StatusRequiresAction, Reason: err.Error()}
		c.publishLocked()
		return nil, err
	}

	a.Status = Status{Type: StatusComplete}
	a.RemoteID = remote.id
	a.RemoteURL = remote.url
	a.ThumbURL = remote.thumbURL
	a.FileContent = remote.text
	a.Content = content
	c.publishLocked()

	log.V(1).Info("Attachment uploaded", "name", file.Name, "remoteId", remote.id)
	return slices.Clone(content), nil
}

type remoteFile struct {
	id       string
	url      string
	thumbURL string
	text     string
}

func (c *Coordinator) upload(ctx context.Context, file File, threadID string) ([]converters.Part, remoteFile, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, remoteFile{}, apperrors.New(apperrors.ErrCodeUploadFailed, "failed to open file", err)
	}
	data, err := io.ReadAll(io.LimitReader(rc, MaxSize+1))
	rc.Close()
	if err != nil {
		return nil, remoteFile{}, apperrors.New(apperrors.ErrCodeUploadFailed, "failed to read file", err)
	}
	if int64(len(data)) > MaxSize {
		return nil, remoteFile{}, apperrors.New(apperrors.ErrCodeTooLarge, "file size exceeds 10MB limit", nil)
	}

	upload := session.Upload{
		Name:        file.Name,
		ContentType: file.ContentType,
		Size:        int64(len(data)),
		Body:        bytesReader(data),
	}

	if IsImage(file.ContentType) {
		result, err := c.uploader.UploadImage(ctx, upload)
		if err != nil {
			return nil, remoteFile{}, apperrors.New(apperrors.ErrCodeUploadFailed, "image upload failed", err)
		}
		ref := converters.ImageRef{
			ImageID:  result.ImageID,
			URL:      result.URL,
			ThumbURL: result.ThumbURL,
			MimeType: file.ContentType,
			Size:     upload.Size,
		}
		if result.Meta != nil {
			if result.Meta.Mime != "" {
				ref.MimeType = result.Meta.Mime
			}
			if result.Meta.Size > 0 {
				ref.Size = result.Meta.Size
			}
		}
		return []converters.Part{converters.ImagePart(ref)},
			remoteFile{id: result.ImageID, url: result.URL, thumbURL: result.ThumbURL}, nil
	}

	if threadID == "" {
		threadID, err = c.uploader.CreateThread(ctx)
		if err != nil {
			return nil, remoteFile{}, apperrors.New(apperrors.ErrCodeUploadFailed, "failed to provision thread", err)
		}
		c.SetThreadID(threadID)
	}

	result, err := c.uploader.UploadFile(ctx, upload, threadID)
	if err != nil {
		return nil, remoteFile{}, apperrors.New(apperrors.ErrCodeUploadFailed, "upload failed", err)
	}
	remote := remoteFile{id: result.FileID, url: result.URL}
	if file.ContentType == "text/plain" {
		remote.text = string(data)
	}
	return []converters.Part{converters.TextPart(Descriptor(file.Name, file.ContentType))}, remote, nil
}

// Descriptor is the text part standing in for a non-image attachment
func Descriptor(name, contentType string) string {
	return fmt.Sprintf("File: %s (%s)", name, contentType)
}

// startProgress advances the synthetic progress of an uploading attachment until stopped
func (c *Coordinator) startProgress(id string) (stop func()) {
	ticker := time.NewTicker(c.progressInterval)
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				if a := c.findLocked(id); a != nil && a.Status.Type == StatusUploading {
					a.Status.Progress = min(a.Status.Progress+progressStep, progressCeiling)
					c.publishLocked()
				}
				c.mu.Unlock()
			case <-quit:
				return
			}
		}
	}()

	return func() {
		close(quit)
		wg.Wait()
	}
}

// Remove deletes an attachment remotely (best effort) and always locally
func (c *Coordinator) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	a := c.findLocked(id)
	if a == nil {
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeNotFound, fmt.Sprintf("attachment %s not found", id), nil)
	}
	fileID := a.RemoteID
	if fileID == "" {
		fileID = a.ID
	}
	threadID := c.threadID
	c.mu.Unlock()

	if err := c.uploader.DeleteFile(ctx, fileID, threadID); err != nil {
		c.log.Info("Remote attachment removal failed, removing locally", "id", id, "fileId", fileID, "error", err.Error())
	}

	c.removeLocal(id)
	return nil
}

// RemoveAfter drops the given attachments from local state once delay has passed
func (c *Coordinator) RemoveAfter(ids []string, delay time.Duration) *time.Timer {
	ids = slices.Clone(ids)
	return time.AfterFunc(delay, func() {
		c.removeLocal(ids...)
		c.log.V(1).Info("Removed sent attachments", "count", len(ids))
	})
}

func (c *Coordinator) removeLocal(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := len(c.attachments)
	c.attachments = slices.DeleteFunc(c.attachments, func(a *Attachment) bool {
		if !slices.Contains(ids, a.ID) {
			return false
		}
		if a.Status.Type == StatusUploading && a.done != nil {
			close(a.done)
		}
		return true
	})
	if len(c.attachments) != before {
		c.publishLocked()
	}
}

// Snapshot returns a copy of every attachment, in the order they were added
func (c *Coordinator) Snapshot() []Attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Completed returns copies of the attachments whose upload completed
func (c *Coordinator) Completed() []Attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Attachment
	for _, a := range c.attachments {
		if a.Status.Type == StatusComplete {
			out = append(out, a.copy())
		}
	}
	return out
}

// Get returns a copy of one attachment
func (c *Coordinator) Get(id string) (Attachment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a := c.findLocked(id); a != nil {
		return a.copy(), true
	}
	return Attachment{}, false
}

// UploadInProgress reports whether any upload is in flight
func (c *Coordinator) UploadInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight > 0
}

// WaitForUploads blocks until every in-flight upload has finished, max has elapsed or
// ctx is done. It reports whether all uploads finished.
func (c *Coordinator) WaitForUploads(ctx context.Context, max time.Duration) bool {
	c.mu.Lock()
	var pending []chan struct{}
	for _, a := range c.attachments {
		if a.Status.Type == StatusUploading && a.done != nil {
			pending = append(pending, a.done)
		}
	}
	c.mu.Unlock()

	if len(pending) == 0 {
		return true
	}

	timer := time.NewTimer(max)
	defer timer.Stop()
	for _, done := range pending {
		select {
		case <-done:
		case <-timer.C:
			c.log.Info("Gave up waiting for uploads", "pending", len(pending), "wait", max)
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Subscribe returns a channel receiving the latest snapshot after every change.
// Slow readers only ever see the most recent state. Call cancel to unsubscribe.
func (c *Coordinator) Subscribe() (<-chan []Attachment, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	ch := make(chan []Attachment, 1)
	c.subscribers[id] = ch
	ch <- c.snapshotLocked()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subscribers, id)
			close(ch)
		})
	}
}

func (c *Coordinator) publishLocked() []Attachment {
	snapshot := c.snapshotLocked()
	for _, ch := range c.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
	return snapshot
}

func (c *Coordinator) snapshotLocked() []Attachment {
	out := make([]Attachment, 0, len(c.attachments))
	for _, a := range c.attachments {
		out = append(out, a.copy())
	}
	return out
}

func (c *Coordinator) findLocked(id string) *Attachment {
	for _, a := range c.attachments {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (a *Attachment) copy() Attachment {
	out := *a
	out.Content = slices.Clone(a.Content)
	out.done = nil
	return out
}
