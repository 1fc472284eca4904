package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/xiaomayi-ant/test-frontend/internal/metrics"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/attachments"
	apperrors "github.com/xiaomayi-ant/test-frontend/pkg/chat/errors"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/session"
)

// maxFormSize bounds a buffered multipart body: one maximal file plus form overhead
const maxFormSize = attachments.MaxSize + 1<<20

// uploadStatusReady marks files that need no further processing
const uploadStatusReady = "ready"

// bufferedForm is a multipart body kept verbatim so it can be forwarded unchanged
type bufferedForm struct {
	raw         []byte
	contentType string
	form        *multipart.Form
}

func (f *bufferedForm) value(name string) string {
	if v := f.form.Value[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (f *bufferedForm) file(name string) *multipart.FileHeader {
	if files := f.form.File[name]; len(files) > 0 {
		return files[0]
	}
	return nil
}

func (f *bufferedForm) reader() io.Reader {
	return bytes.NewReader(f.raw)
}

var errFormTooLarge = errors.New("multipart body too large")

// readForm buffers and parses a multipart request body
func readForm(w http.ResponseWriter, r *http.Request) (*bufferedForm, error) {
	contentType := r.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return nil, fmt.Errorf("expected multipart form data, got %q", contentType)
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFormSize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errFormTooLarge
		}
		return nil, err
	}

	form, err := multipart.NewReader(bytes.NewReader(raw), params["boundary"]).ReadForm(maxFormSize)
	if err != nil {
		return nil, err
	}
	return &bufferedForm{raw: raw, contentType: contentType, form: form}, nil
}

// uploadMessage renders validation failures the way clients display them
func uploadMessage(err error, contentType string) string {
	switch {
	case apperrors.IsCode(err, apperrors.ErrCodeUnsupportedType):
		return "Unsupported file type: " + contentType
	case apperrors.IsCode(err, apperrors.ErrCodeTooLarge):
		return "File size exceeds 10MB limit"
	}
	return err.Error()
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := ctrllog.FromContext(ctx).WithName("upload")

	form, err := readForm(w, r)
	if errors.Is(err, errFormTooLarge) {
		s.opts.Metrics.Upload(attachments.KindFile, metrics.OutcomeFailed)
		writeError(w, http.StatusBadRequest, "File size exceeds 10MB limit")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer form.form.RemoveAll()

	header := form.file("file")
	if header == nil {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	contentType := header.Header.Get("Content-Type")
	kind := attachments.KindOf(contentType)
	if err := attachments.Validate(contentType, header.Size); err != nil {
		s.opts.Metrics.Upload(kind, metrics.OutcomeFailed)
		writeError(w, http.StatusBadRequest, uploadMessage(err, contentType))
		return
	}
	log = log.WithValues("name", header.Filename, "contentType", contentType, "size", header.Size, "threadID", form.value("threadId"))

	if kind == attachments.KindDocument {
		reply, err := s.opts.Backend.UploadDocument(ctx, form.reader(), form.contentType, form.value("category"), r.URL.Query().Get("mode"))
		if err != nil {
			s.opts.Metrics.Upload(kind, metrics.OutcomeFailed)
			log.Error(err, "Document proxy failed")
			writeJSON(w, http.StatusBadGateway, session.ErrorResponse{Error: "Proxy to backend failed", Details: err.Error()})
			return
		}
		s.opts.Metrics.Upload(kind, outcomeOf(reply.OK()))
		writeRawJSON(w, reply.StatusCode, reply.JSON())
		return
	}

	file, err := header.Open()
	if err != nil {
		s.opts.Metrics.Upload(kind, metrics.OutcomeFailed)
		fail(w, log, apperrors.New(apperrors.ErrCodeUploadFailed, "failed to read upload", err), "Upload failed")
		return
	}
	defer file.Close()

	fileID := "file_" + uuid.NewString()
	stored, err := s.opts.Files.Save(fileID, header.Filename, file)
	if err != nil {
		s.opts.Metrics.Upload(kind, metrics.OutcomeFailed)
		log.Error(err, "Failed to store upload")
		writeJSON(w, http.StatusInternalServerError, session.ErrorResponse{Error: "Upload failed", Details: err.Error()})
		return
	}

	s.opts.Metrics.Upload(kind, metrics.OutcomeSuccess)
	log.V(1).Info("Stored upload", "fileID", fileID)
	writeJSON(w, http.StatusOK, session.FileUpload{
		FileID:      fileID,
		URL:         stored.URL,
		Name:        stored.Name,
		ContentType: contentType,
		Size:        stored.Size,
		Status:      uploadStatusReady,
	})
}

func outcomeOf(ok bool) string {
	if ok {
		return metrics.OutcomeSuccess
	}
	return metrics.OutcomeFailed
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	log := ctrllog.FromContext(r.Context()).WithName("images")

	form, err := readForm(w, r)
	if err != nil || form.file("file") == nil {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer form.form.RemoveAll()

	reply, err := s.opts.Backend.UploadImage(r.Context(), form.reader(), form.contentType)
	if err != nil {
		s.opts.Metrics.Upload(attachments.KindImage, metrics.OutcomeFailed)
		log.Error(err, "Image proxy failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.opts.Metrics.Upload(attachments.KindImage, outcomeOf(reply.OK()))
	writeRawJSON(w, reply.StatusCode, reply.JSON())
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	log := ctrllog.FromContext(r.Context())
	fileID := mux.Vars(r)["fileId"]

	// the body is optional
	var body session.FileDeleteRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	if s.opts.Files.Exists(fileID) {
		if err := s.opts.Files.Remove(fileID); err != nil {
			log.Error(err, "Failed to remove upload", "fileID", fileID)
			writeJSON(w, http.StatusInternalServerError, session.ErrorResponse{Error: "Delete failed", Details: err.Error()})
			return
		}
	}
	log.V(1).Info("Deleted file", "fileID", fileID, "threadID", body.ThreadID)
	writeJSON(w, http.StatusOK, session.DeleteResult{
		Success: true,
		Message: fmt.Sprintf("File %s deleted successfully", fileID),
	})
}

func (s *Server) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	fileID := r.URL.Query().Get("fileId")
	if fileID == "" {
		writeError(w, http.StatusBadRequest, "No fileId provided")
		return
	}

	reply, err := s.opts.Backend.DocumentStatus(r.Context(), fileID)
	if err != nil {
		ctrllog.FromContext(r.Context()).Error(err, "Status query failed", "fileID", fileID)
		writeJSON(w, http.StatusInternalServerError, session.ErrorResponse{Error: "Status query failed", Details: err.Error()})
		return
	}
	writeRawJSON(w, reply.StatusCode, reply.JSON())
}

func (s *Server) handleVision(w http.ResponseWriter, r *http.Request) {
	log := ctrllog.FromContext(r.Context()).WithName("vision")

	resp, err := s.opts.Backend.VisionStream(r.Context(), r.Body, r.Header.Get("Content-Type"))
	if err != nil {
		log.Error(err, "Vision proxy failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": map[string]string{"message": err.Error()}})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "text/plain"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			_ = rc.Flush()
			s.opts.Metrics.Relayed(n)
		}
		if err != nil {
			if err != io.EOF {
				log.Error(err, "Vision stream read failed")
			}
			return
		}
	}
}
