package core

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reel/internal/apperr"
	"reel/internal/ui"
	"strings"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Status  int    `json:"status"`
	Message string `json:"message"`
	Part    *int   `json:"part,omitempty"`
}

// StatusResponse acknowledges writes.
type StatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type CombinedObject struct {
	Key   string `json:"key"`
	Size  int64  `json:"size"`
	ETag  string `json:"etag"`
	Parts int    `json:"parts"`
}

// PutResponse answers both single-shot and chunk PUTs. Chunk fields are
// omitted for single-shot uploads.
type PutResponse struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	Key        string          `json:"key"`
	UploadID   string          `json:"uploadId,omitempty"`
	PartNumber *int            `json:"partNumber,omitempty"`
	Combined   *CombinedObject `json:"combined,omitempty"`
}

// CombineRequest accepts numbers either as JSON numbers or numeric strings.
type CombineRequest struct {
	Key         string      `json:"key"`
	UploadID    string      `json:"uploadId"`
	ContentType string      `json:"contentType"`
	TotalChunks json.Number `json:"totalChunks"`
	TotalSize   json.Number `json:"totalSize,omitempty"`
}

type CombineResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Key     string `json:"key"`
	Size    int64  `json:"size"`
	ETag    string `json:"etag"`
	Parts   int    `json:"parts"`
}

type AbortRequest struct {
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
}

type UploadURLRequest struct {
	FileType string `json:"fileType"`
}

type UploadURLResponse struct {
	UploadURL    string `json:"uploadUrl"`
	Key          string `json:"key"`
	UploadID     string `json:"uploadId"`
	ExpiresIn    int64  `json:"expiresIn"`
	MaxFileSize  int64  `json:"maxFileSize"`
	MaxChunkSize int64  `json:"maxChunkSize"`
	ContentType  string `json:"contentType"`
}

// maxJSONBody bounds control-plane request bodies.
const maxJSONBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "err", err)
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.PayloadTooLarge(tooLarge.Limit)
		}
		return apperr.Validation("invalid JSON body")
	}
	return nil
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// writeError maps err onto its status and writes the JSON error body, or
// the not-found page for browsers.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.Status(err)

	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}

	if status == http.StatusNotFound && wantsHTML(r) {
		writeNotFoundPage(w, r)
		return
	}

	rs := ErrorResponse{
		Error:   true,
		Status:  status,
		Message: apperr.Message(err),
	}

	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Kind == apperr.KindMissingChunk {
		part := appErr.Part
		rs.Part = &part
	}

	writeJSON(w, status, rs)
}

func writeNotFoundPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html;charset=UTF-8")
	w.WriteHeader(http.StatusNotFound)

	page := ui.NotFoundPage("Video Not Found", "This video may have been removed or is no longer available.")
	if err := page.Render(r.Context(), w); err != nil {
		slog.Debug("Failed to render not found page", "err", err)
	}
}
