package core

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reel/internal/apperr"
	"reel/internal/auth"
	"reel/internal/storage"
	"reel/internal/ui"
	"reel/internal/upload"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

var errFileNotFound = apperr.NotFound("File not found")

// keyFromRoute returns the object key of a public object route. Keys inside
// the chunk namespace are reported as absent.
func keyFromRoute(r *http.Request) (string, error) {
	key, err := objectKey(r, chi.URLParam(r, "*"))
	if err != nil {
		return "", err
	}

	if key == "" || upload.IsReservedKey(key) {
		return "", errFileNotFound
	}

	return key, nil
}

func quoteETag(etag string) string {
	return `"` + strings.Trim(etag, `"`) + `"`
}

// etagMatches implements the weak comparison used by If-None-Match.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}

	want := strings.Trim(etag, `"`)
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		candidate = strings.TrimPrefix(candidate, "W/")
		if strings.Trim(candidate, `"`) == want {
			return true
		}
	}
	return false
}

func (s *Server) writeObjectHeaders(w http.ResponseWriter, info storage.ObjectInfo) {
	h := w.Header()

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h.Set("Content-Type", contentType)
	h.Set("Accept-Ranges", "bytes")
	h.Set("ETag", quoteETag(info.ETag))
	h.Set("Cache-Control", s.Config.CacheControl)
	if !info.LastModified.IsZero() {
		h.Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	}
}

// serveObject writes the response for GET and HEAD. body is nil for HEAD.
// dropCacheHeaders keeps error responses from being cached or revalidated
// as the object.
func dropCacheHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Del("ETag")
	h.Del("Cache-Control")
	h.Del("Last-Modified")
}

func (s *Server) serveObject(w http.ResponseWriter, r *http.Request, info storage.ObjectInfo, body io.ReadSeeker) {
	s.writeObjectHeaders(w, info)

	if etagMatches(r.Header.Get("If-None-Match"), info.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	span, result := parseRange(r.Header.Get("Range"), info.Size)
	switch result {
	case rangeUnsatisfiable:
		dropCacheHeaders(w)
		w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(info.Size, 10))
		writeError(w, r, apperr.UnsatisfiableRange(info.Size))
		return

	case rangeSatisfiable:
		w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(span.start, 10)+"-"+strconv.FormatInt(span.end, 10)+"/"+strconv.FormatInt(info.Size, 10))
		w.Header().Set("Content-Length", strconv.FormatInt(span.length(), 10))

		if body == nil {
			w.WriteHeader(http.StatusPartialContent)
			return
		}

		if _, err := body.Seek(span.start, io.SeekStart); err != nil {
			w.Header().Del("Content-Range")
			w.Header().Del("Content-Length")
			dropCacheHeaders(w)
			writeError(w, r, apperr.Internal(err, "seek object"))
			return
		}

		w.WriteHeader(http.StatusPartialContent)
		if _, err := io.CopyN(w, body, span.length()); err != nil {
			slog.Debug("Range copy interrupted", "key", info.Key, "err", err)
		}

	default:
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		w.WriteHeader(http.StatusOK)

		if body == nil {
			return
		}

		if _, err := io.Copy(w, body); err != nil {
			slog.Debug("Object copy interrupted", "key", info.Key, "err", err)
		}
	}
}

// handleGetObject implements GET /{key} with single-range support.
func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRoute(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	obj, err := s.Config.Store.Get(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, errFileNotFound)
		return
	}
	if err != nil {
		writeError(w, r, apperr.Internal(err, "open object"))
		return
	}
	defer obj.Body.Close()

	s.serveObject(w, r, obj.Info, obj.Body)
}

// handleHeadObject implements HEAD /{key}.
func (s *Server) handleHeadObject(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRoute(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	info, err := s.Config.Store.Head(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, errFileNotFound)
		return
	}
	if err != nil {
		writeError(w, r, apperr.Internal(err, "stat object"))
		return
	}

	s.serveObject(w, r, info, nil)
}

// handlePutObject implements PUT /{key}. The X-Upload-Id, X-Part-Number and
// X-Total-Parts headers together turn the request into a chunk upload.
func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	key, err := objectKey(r, chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	uploadID := r.Header.Get("X-Upload-Id")
	partNumber := r.Header.Get("X-Part-Number")
	totalParts := r.Header.Get("X-Total-Parts")

	if uploadID != "" && partNumber != "" && totalParts != "" {
		s.putChunk(w, r, key, contentType, uploadID, partNumber, totalParts)
		return
	}

	limit := s.Config.Policy.MaxUploadSize
	body := limitBody(w, r, limit)

	_, err = s.uploads.PutObject(r.Context(), key, contentType, body, r.ContentLength)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, PutResponse{
		Success: true,
		Message: "File uploaded successfully",
		Key:     key,
	})
}

func (s *Server) putChunk(w http.ResponseWriter, r *http.Request, key, contentType, uploadID, partHeader, totalHeader string) {
	index, err := strconv.Atoi(partHeader)
	if err != nil {
		writeError(w, r, apperr.Validation("invalid X-Part-Number %q", partHeader))
		return
	}

	total, err := strconv.Atoi(totalHeader)
	if err != nil {
		writeError(w, r, apperr.Validation("invalid X-Total-Parts %q", totalHeader))
		return
	}

	body := limitBody(w, r, s.Config.Policy.MaxChunkSize)

	result, err := s.uploads.PutChunk(r.Context(), upload.ChunkRef{
		TargetKey:   key,
		UploadID:    uploadID,
		Index:       index,
		TotalParts:  total,
		ContentType: contentType,
	}, body, r.ContentLength)
	if err != nil {
		writeError(w, r, err)
		return
	}

	rs := PutResponse{
		Success:    true,
		Message:    "Chunk uploaded",
		Key:        key,
		UploadID:   uploadID,
		PartNumber: &result.PartNumber,
	}

	if c := result.Combined; c != nil {
		rs.Message = "All chunks uploaded and combined"
		rs.Combined = &CombinedObject{Key: c.Key, Size: c.Size, ETag: c.ETag, Parts: c.Parts}
	}

	writeJSON(w, http.StatusOK, rs)
}

// limitBody caps the request body at limit bytes. A non-positive limit
// leaves the body unbounded.
func limitBody(w http.ResponseWriter, r *http.Request, limit int64) io.Reader {
	if limit <= 0 {
		return r.Body
	}
	return http.MaxBytesReader(w, r.Body, limit)
}

// handleDeleteObject implements DELETE /{key}.
func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	key, err := objectKey(r, chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	if user, ok := auth.UserFrom(r.Context()); ok {
		slog.Info("Delete requested", "key", key, "subject", user.Subject)
	}

	if err := s.uploads.Delete(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{Success: true, Message: "File deleted successfully"})
}

// handleViewPage renders the player page for GET /v/{key}.
func (s *Server) handleViewPage(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRoute(r)
	if errors.Is(err, errFileNotFound) {
		writeNotFoundPage(w, r)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	info, err := s.Config.Store.Head(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		writeNotFoundPage(w, r)
		return
	}
	if err != nil {
		writeError(w, r, apperr.Internal(err, "stat object"))
		return
	}

	w.Header().Set("Content-Type", "text/html;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	page := ui.PlayerPage(ui.Player{
		Key:         key,
		Source:      s.publicURL(r, key),
		ContentType: info.ContentType,
		Size:        info.Size,
		Uploaded:    info.Metadata[upload.MetaUploaded],
	})
	if err := page.Render(r.Context(), w); err != nil {
		slog.Debug("Failed to render player page", "key", key, "err", err)
	}
}

// handleOptions answers OPTIONS requests that are not CORS preflights.
func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "GET, HEAD, PUT, POST, DELETE, OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
