package attachments

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xiaomayi-ant/test-frontend/pkg/chat/converters"
	apperrors "github.com/xiaomayi-ant/test-frontend/pkg/chat/errors"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/session"
)

// MockUploader is a mock implementation of Uploader
type MockUploader struct {
	mock.Mock
}

func (m *MockUploader) UploadImage(ctx context.Context, upload session.Upload) (*session.ImageUpload, error) {
	args := m.Called(ctx, upload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.ImageUpload), args.Error(1)
}

func (m *MockUploader) UploadFile(ctx context.Context, upload session.Upload, threadID string) (*session.FileUpload, error) {
	args := m.Called(ctx, upload, threadID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.FileUpload), args.Error(1)
}

func (m *MockUploader) DeleteFile(ctx context.Context, fileID, threadID string) error {
	return m.Called(ctx, fileID, threadID).Error(0)
}

func (m *MockUploader) CreateThread(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func newTestCoordinator(t *testing.T, uploader Uploader) *Coordinator {
	c := NewCoordinator(uploader, testr.New(t))
	c.progressInterval = 5 * time.Millisecond
	return c
}

func TestCoordinator_AddValidation(t *testing.T) {
	c := newTestCoordinator(t, new(MockUploader))

	tests := []struct {
		name     string
		file     File
		wantCode string
		wantKind string
	}{
		{name: "png", file: FileFromBytes("a.png", "image/png", []byte("png")), wantKind: KindImage},
		{name: "pdf", file: FileFromBytes("a.pdf", "application/pdf", []byte("%PDF")), wantKind: KindDocument},
		{name: "text", file: FileFromBytes("a.txt", "text/plain", []byte("hi")), wantKind: KindFile},
		{name: "gif rejected", file: FileFromBytes("a.gif", "image/gif", []byte("gif")), wantCode: apperrors.ErrCodeUnsupportedType},
		{
			name:     "too large",
			file:     File{Name: "big.txt", ContentType: "text/plain", Size: MaxSize + 1, Open: func() (io.ReadCloser, error) { return nil, nil }},
			wantCode: apperrors.ErrCodeTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := c.Add(tt.file)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.True(t, apperrors.IsCode(err, tt.wantCode))
				assert.True(t, apperrors.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, a.Kind)
			assert.Equal(t, Status{Type: StatusRequiresAction, Reason: ReasonComposerSend}, a.Status)
			assert.True(t, strings.HasPrefix(a.ID, "file_"))
		})
	}

	assert.Len(t, c.Snapshot(), 3)
}

func TestCoordinator_SendImage(t *testing.T) {
	uploader := new(MockUploader)
	uploader.On("UploadImage", mock.Anything, mock.MatchedBy(func(u session.Upload) bool {
		return u.Name == "cat.png" && u.ContentType == "image/png"
	})).Return(&session.ImageUpload{
		ImageID:  "img-1",
		URL:      "/uploads/img-1.png",
		ThumbURL: "/uploads/img-1_thumb.png",
		Meta:     &session.ImageMeta{Mime: "image/png", Size: 2048},
	}, nil)

	c := newTestCoordinator(t, uploader)
	a, err := c.Add(FileFromBytes("cat.png", "image/png", []byte("pngdata")))
	require.NoError(t, err)

	content, err := c.Send(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, content, 1)
	assert.Equal(t, converters.PartTypeImage, content[0].Type)
	assert.Equal(t, converters.ImageRef{
		ImageID:  "img-1",
		URL:      "/uploads/img-1.png",
		ThumbURL: "/uploads/img-1_thumb.png",
		MimeType: "image/png",
		Size:     2048,
	}, *content[0].Image)

	got, ok := c.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, StatusComplete, got.Status.Type)
	assert.Equal(t, "img-1", got.RemoteID)
	assert.Len(t, c.Completed(), 1)
	assert.False(t, c.UploadInProgress())

	// sending again is a no-op
	again, err := c.Send(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, content, again)
	uploader.AssertNumberOfCalls(t, "UploadImage", 1)
}

func TestCoordinator_SendTextProvisionsThread(t *testing.T) {
	uploader := new(MockUploader)
	uploader.On("CreateThread", mock.Anything).Return("thread-9", nil).Once()
	uploader.On("UploadFile", mock.Anything, mock.Anything, "thread-9").
		Return(&session.FileUpload{FileID: "f-1", URL: "/uploads/f-1/notes.txt", Status: "ready"}, nil)

	c := newTestCoordinator(t, uploader)
	a, err := c.Add(FileFromBytes("notes.txt", "text/plain", []byte("remember the milk")))
	require.NoError(t, err)

	content, err := c.Send(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, []converters.Part{converters.TextPart("File: notes.txt (text/plain)")}, content)
	assert.Equal(t, "thread-9", c.ThreadID())

	got, _ := c.Get(a.ID)
	assert.Equal(t, "remember the milk", got.FileContent)
	assert.Equal(t, "f-1", got.RemoteID)
	uploader.AssertExpectations(t)
}

func TestCoordinator_FailureThenRetry(t *testing.T) {
	uploader := new(MockUploader)
	uploader.On("UploadFile", mock.Anything, mock.Anything, "thread-1").
		Return(nil, errors.New("backend unavailable")).Once()
	uploader.On("UploadFile", mock.Anything, mock.Anything, "thread-1").
		Return(&session.FileUpload{FileID: "f-2"}, nil).Once()

	c := newTestCoordinator(t, uploader)
	c.SetThreadID("thread-1")
	a, err := c.Add(FileFromBytes("doc.pdf", "application/pdf", []byte("%PDF-1.4")))
	require.NoError(t, err)

	_, err = c.Send(context.Background(), a.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUploadFailed))

	got, _ := c.Get(a.ID)
	assert.Equal(t, StatusRequiresAction, got.Status.Type)
	assert.Contains(t, got.Status.Reason, "backend unavailable")
	assert.Empty(t, c.Completed())

	_, err = c.Send(context.Background(), a.ID)
	require.NoError(t, err)
	got, _ = c.Get(a.ID)
	assert.Equal(t, StatusComplete, got.Status.Type)
	uploader.AssertExpectations(t)
}

func TestCoordinator_ProgressIsMonotonic(t *testing.T) {
	release := make(chan time.Time)
	uploader := new(MockUploader)
	uploader.On("UploadImage", mock.Anything, mock.Anything).
		WaitUntil(release).
		Return(&session.ImageUpload{ImageID: "img"}, nil)

	c := newTestCoordinator(t, uploader)
	updates, cancel := c.Subscribe()
	defer cancel()

	a, err := c.Add(FileFromBytes("a.png", "image/png", []byte("x")))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), a.ID)
		done <- err
	}()

	assert.Eventually(t, func() bool {
		got, _ := c.Get(a.ID)
		return got.Status.Type == StatusUploading && got.Status.Progress == progressCeiling
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.UploadInProgress())

	close(release)
	require.NoError(t, <-done)

	last := -1
	seenComplete := false
	for !seenComplete {
		select {
		case snapshot := <-updates:
			for _, s := range snapshot {
				if s.ID != a.ID {
					continue
				}
				switch s.Status.Type {
				case StatusUploading:
					assert.False(t, seenComplete)
					assert.GreaterOrEqual(t, s.Status.Progress, last)
					assert.Less(t, s.Status.Progress, 100)
					last = s.Status.Progress
				case StatusComplete:
					seenComplete = true
				}
			}
		case <-time.After(time.Second):
			t.Fatal("no completion update")
		}
	}
}

func TestCoordinator_WaitForUploads(t *testing.T) {
	release := make(chan time.Time)
	uploader := new(MockUploader)
	uploader.On("UploadImage", mock.Anything, mock.Anything).
		WaitUntil(release).
		Return(&session.ImageUpload{ImageID: "img"}, nil)

	c := newTestCoordinator(t, uploader)
	assert.True(t, c.WaitForUploads(context.Background(), time.Millisecond))

	a, err := c.Add(FileFromBytes("a.png", "image/png", []byte("x")))
	require.NoError(t, err)
	go func() { _, _ = c.Send(context.Background(), a.ID) }()

	require.Eventually(t, c.UploadInProgress, time.Second, time.Millisecond)
	assert.False(t, c.WaitForUploads(context.Background(), 20*time.Millisecond))

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	assert.True(t, c.WaitForUploads(context.Background(), 5*time.Second))
	assert.Len(t, c.Completed(), 1)
}

func TestCoordinator_Remove(t *testing.T) {
	uploader := new(MockUploader)
	uploader.On("UploadFile", mock.Anything, mock.Anything, "t1").Return(&session.FileUpload{FileID: "remote-1"}, nil)
	uploader.On("DeleteFile", mock.Anything, "remote-1", "t1").Return(errors.New("gone already"))

	c := newTestCoordinator(t, uploader)
	c.SetThreadID("t1")
	a, err := c.Add(FileFromBytes("a.txt", "text/plain", []byte("x")))
	require.NoError(t, err)
	_, err = c.Send(context.Background(), a.ID)
	require.NoError(t, err)

	// remote failure does not block local removal
	require.NoError(t, c.Remove(context.Background(), a.ID))
	assert.Empty(t, c.Snapshot())

	err = c.Remove(context.Background(), a.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
	uploader.AssertExpectations(t)
}

func TestCoordinator_RemoveAfter(t *testing.T) {
	c := newTestCoordinator(t, new(MockUploader))
	first, err := c.Add(FileFromBytes("a.txt", "text/plain", []byte("x")))
	require.NoError(t, err)
	second, err := c.Add(FileFromBytes("b.txt", "text/plain", []byte("y")))
	require.NoError(t, err)

	c.RemoveAfter([]string{first.ID}, 20*time.Millisecond)
	assert.Len(t, c.Snapshot(), 2)

	assert.Eventually(t, func() bool {
		snapshot := c.Snapshot()
		return len(snapshot) == 1 && snapshot[0].ID == second.ID
	}, time.Second, 5*time.Millisecond)
}

func TestFileFromPath(t *testing.T) {
	dir := t.TempDir()
	textPath := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(textPath, []byte("hello"), 0o600))

	f, err := FileFromPath(textPath)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", f.Name)
	assert.Equal(t, "text/plain", f.ContentType)
	assert.Equal(t, int64(5), f.Size)

	rc, err := f.Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	pngPath := filepath.Join(dir, "noext")
	require.NoError(t, os.WriteFile(pngPath, []byte("\x89PNG\r\n\x1a\n0000"), 0o600))
	f, err = FileFromPath(pngPath)
	require.NoError(t, err)
	assert.Equal(t, "image/png", f.ContentType)

	_, err = FileFromPath(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
