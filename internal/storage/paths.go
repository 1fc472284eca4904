// Package storage keeps uploaded files on local disk, one directory per file id.
package storage

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/xiaomayi-ant/test-frontend/pkg/chat/errors"
)

// DefaultURLPrefix is where the server mounts the upload directory
const DefaultURLPrefix = "/uploads"

// StoredFile describes a file written by Save
type StoredFile struct {
	FileID string
	Name   string
	Path   string
	URL    string
	Size   int64
}

// PathManager manages per-file upload directories
type PathManager struct {
	basePath  string
	urlPrefix string
	cache     map[string]string
	mu        sync.RWMutex
}

// NewPathManager creates a new PathManager
func NewPathManager(basePath, urlPrefix string) *PathManager {
	if basePath == "" {
		basePath = "uploads"
	}
	if urlPrefix == "" {
		urlPrefix = DefaultURLPrefix
	}
	return &PathManager{
		basePath:  basePath,
		urlPrefix: "/" + strings.Trim(urlPrefix, "/"),
		cache:     make(map[string]string),
	}
}

// BasePath returns the root upload directory
func (m *PathManager) BasePath() string {
	return m.basePath
}

// URLPrefix returns the public path the upload directory is served under
func (m *PathManager) URLPrefix() string {
	return m.urlPrefix
}

func validID(fileID string) error {
	if fileID == "" || fileID == "." || fileID == ".." || strings.ContainsAny(fileID, `/\`) {
		return apperrors.New(apperrors.ErrCodeMissingIdentifier, fmt.Sprintf("invalid file id %q", fileID), nil)
	}
	return nil
}

// safeName strips directories from a client supplied file name
func safeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}

// Initialize creates the directory for a file id and returns its path
func (m *PathManager) Initialize(fileID string) (string, error) {
	if err := validID(fileID); err != nil {
		return "", err
	}

	m.mu.RLock()
	if dir, ok := m.cache[fileID]; ok {
		m.mu.RUnlock()
		return dir, nil
	}
	m.mu.RUnlock()

	dir := filepath.Join(m.basePath, fileID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.New(apperrors.ErrCodeUploadFailed, "failed to create upload directory", err)
	}

	m.mu.Lock()
	m.cache[fileID] = dir
	m.mu.Unlock()

	return dir, nil
}

// Save writes r to <base>/<fileID>/<name>
func (m *PathManager) Save(fileID, name string, r io.Reader) (*StoredFile, error) {
	dir, err := m.Initialize(fileID)
	if err != nil {
		return nil, err
	}

	name = safeName(name)
	target := filepath.Join(dir, name)
	f, err := os.Create(target)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeUploadFailed, "failed to create upload file", err)
	}

	size, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = m.Remove(fileID)
		return nil, apperrors.New(apperrors.ErrCodeUploadFailed, "failed to write upload file", err)
	}

	return &StoredFile{
		FileID: fileID,
		Name:   name,
		Path:   target,
		URL:    m.URL(fileID, name),
		Size:   size,
	}, nil
}

// URL returns the public path of a stored file
func (m *PathManager) URL(fileID, name string) string {
	return path.Join(m.urlPrefix, url.PathEscape(fileID), url.PathEscape(name))
}

// Exists reports whether anything is stored under fileID
func (m *PathManager) Exists(fileID string) bool {
	if validID(fileID) != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(m.basePath, fileID))
	return err == nil && info.IsDir()
}

// Remove deletes everything stored under fileID. Removing an unknown id is not an error.
func (m *PathManager) Remove(fileID string) error {
	if err := validID(fileID); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.cache, fileID)
	m.mu.Unlock()

	err := os.RemoveAll(filepath.Join(m.basePath, fileID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.New(apperrors.ErrCodeUploadFailed, "failed to remove upload", err)
	}
	return nil
}
