package core

import (
	"log/slog"
	"net/http"
	"reel/internal/apperr"
	"reel/internal/upload"
)

// handleCombine implements POST /combine.
func (s *Server) handleCombine(w http.ResponseWriter, r *http.Request) {
	var rq CombineRequest
	if err := decodeJSON(w, r, &rq); err != nil {
		writeError(w, r, err)
		return
	}

	if rq.Key == "" || rq.UploadID == "" || rq.ContentType == "" || rq.TotalChunks == "" {
		writeError(w, r, apperr.Validation("Missing required parameters"))
		return
	}

	totalChunks, err := rq.TotalChunks.Int64()
	if err != nil || totalChunks < 1 {
		writeError(w, r, apperr.Validation("totalChunks must be a positive integer"))
		return
	}

	req := upload.CombineRequest{
		Key:         rq.Key,
		UploadID:    rq.UploadID,
		ContentType: rq.ContentType,
		TotalParts:  int(totalChunks),
	}

	if rq.TotalSize != "" {
		totalSize, err := rq.TotalSize.Int64()
		if err != nil {
			writeError(w, r, apperr.Validation("totalSize must be an integer"))
			return
		}
		req.TotalSize = &totalSize
	}

	result, err := s.uploads.Combine(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	message := "Chunks combined successfully"
	if result.AlreadyCombined {
		message = "Upload already combined"
	}

	writeJSON(w, http.StatusOK, CombineResponse{
		Success: true,
		Message: message,
		Key:     result.Key,
		Size:    result.Size,
		ETag:    result.ETag,
		Parts:   result.Parts,
	})
}

// handleAbort implements POST /abort.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var rq AbortRequest
	if err := decodeJSON(w, r, &rq); err != nil {
		writeError(w, r, err)
		return
	}

	if rq.Key == "" || rq.UploadID == "" {
		writeError(w, r, apperr.Validation("Missing required parameters"))
		return
	}

	if err := s.uploads.Abort(r.Context(), rq.Key, rq.UploadID); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{Success: true, Message: "Upload aborted"})
}

// handleGetUploadURL implements POST /getUploadUrl. A valid bearer token is
// always required.
func (s *Server) handleGetUploadURL(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var rq UploadURLRequest
	if err := decodeJSON(w, r, &rq); err != nil {
		writeError(w, r, err)
		return
	}

	if rq.FileType == "" || !s.Config.Policy.AllowsContentType(rq.FileType) {
		writeError(w, r, apperr.Validation("Invalid file type"))
		return
	}

	begun, err := s.uploads.Begin(r.Context(), rq.FileType)
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("Issued upload URL", "key", begun.TargetKey, "upload_id", begun.UploadID, "subject", user.Subject)

	writeJSON(w, http.StatusOK, UploadURLResponse{
		UploadURL:    s.publicURL(r, begun.TargetKey),
		Key:          begun.TargetKey,
		UploadID:     begun.UploadID,
		ExpiresIn:    int64(begun.ExpiresIn.Seconds()),
		MaxFileSize:  s.Config.Policy.MaxUploadSize,
		MaxChunkSize: s.Config.Policy.MaxChunkSize,
		ContentType:  begun.ContentType,
	})
}
