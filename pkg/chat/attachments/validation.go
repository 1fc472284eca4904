package attachments

import (
	"fmt"
	"strings"

	apperrors "github.com/xiaomayi-ant/test-frontend/pkg/chat/errors"
)

// MaxSize is the largest accepted attachment
const MaxSize = 10 * 1024 * 1024

// AllowedTypes lists the accepted media types
var AllowedTypes = []string{"text/plain", "application/pdf", "image/jpeg", "image/png"}

// Attachment kinds
const (
	KindFile     = "file"
	KindImage    = "image"
	KindDocument = "document"
)

// Validate checks a file's media type and size against the upload policy
func Validate(contentType string, size int64) error {
	allowed := false
	for _, t := range AllowedTypes {
		if t == contentType {
			allowed = true
			break
		}
	}
	if !allowed {
		return apperrors.New(apperrors.ErrCodeUnsupportedType, fmt.Sprintf("unsupported file type: %s", contentType), nil)
	}
	if size > MaxSize {
		return apperrors.New(apperrors.ErrCodeTooLarge, "file size exceeds 10MB limit", nil)
	}
	return nil
}

// KindOf classifies a media type
func KindOf(contentType string) string {
	switch {
	case IsImage(contentType):
		return KindImage
	case contentType == "application/pdf":
		return KindDocument
	default:
		return KindFile
	}
}

// IsImage reports whether the media type is an image
func IsImage(contentType string) bool {
	return strings.HasPrefix(contentType, "image/")
}
