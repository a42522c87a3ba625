package upload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reel/internal/apperr"
	"reel/internal/storage"
	"strconv"
	"time"
)

// Service bundles the upload components over one object store and one
// session store.
type Service struct {
	Policy      Policy
	Store       storage.ObjectStore
	Sessions    *Sessions
	Chunks      *ChunkStore
	Reassembler *Reassembler
	Janitor     *Janitor
}

func NewService(store storage.ObjectStore, sessions SessionStore, policy Policy) *Service {
	manager := NewSessions(sessions, policy)
	chunks := NewChunkStore(store)

	return &Service{
		Policy:      policy,
		Store:       store,
		Sessions:    manager,
		Chunks:      chunks,
		Reassembler: NewReassembler(manager, chunks, store, policy),
		Janitor:     NewJanitor(manager, chunks, store, policy),
	}
}

// SetClock replaces the time source of every component.
func (s *Service) SetClock(now func() time.Time) {
	s.Sessions.now = now
	s.Reassembler.now = now
	s.Janitor.now = now
}

// PutObject stores a single-shot upload. size is the declared length, or -1
// when unknown; the reader must already be bounded by MaxUploadSize.
func (s *Service) PutObject(ctx context.Context, key, contentType string, r io.Reader, size int64) (storage.ObjectInfo, error) {
	if err := ValidateKey(key); err != nil {
		return storage.ObjectInfo{}, err
	}

	if !s.Policy.AllowsContentType(contentType) {
		return storage.ObjectInfo{}, apperr.Validation("invalid content type %q", contentType)
	}

	if s.Policy.MaxUploadSize > 0 && size > s.Policy.MaxUploadSize {
		return storage.ObjectInfo{}, apperr.PayloadTooLarge(s.Policy.MaxUploadSize)
	}

	metadata := map[string]string{
		MetaUploaded: s.Sessions.now().UTC().Format(time.RFC3339),
	}
	if size >= 0 {
		metadata[MetaSize] = strconv.FormatInt(size, 10)
	}

	info, err := s.Store.Put(ctx, key, r, size, storage.PutOptions{
		ContentType: normalizeContentType(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return storage.ObjectInfo{}, classifyWriteError(err, "store object")
	}

	slog.Info("Stored object", "key", key, "size", info.Size, "content_type", info.ContentType)
	return info, nil
}

// ChunkResult acknowledges a staged part.
type ChunkResult struct {
	Key        string
	UploadID   string
	PartNumber int
	Size       int64

	// Combined is set when this PUT completed the upload and AutoCombine
	// published it.
	Combined *CombineResult
}

// PutChunk stages one part of a chunked upload. With AutoCombine enabled it
// then checks whether every part is present and, if so, combines.
func (s *Service) PutChunk(ctx context.Context, ref ChunkRef, r io.Reader, size int64) (ChunkResult, error) {
	if err := ValidateKey(ref.TargetKey); err != nil {
		return ChunkResult{}, err
	}

	if !s.Policy.AllowsContentType(ref.ContentType) {
		return ChunkResult{}, apperr.Validation("invalid content type %q", ref.ContentType)
	}

	if s.Policy.MaxChunkSize > 0 && size > s.Policy.MaxChunkSize {
		return ChunkResult{}, apperr.PayloadTooLarge(s.Policy.MaxChunkSize)
	}

	if ref.Index < 0 || ref.Index >= ref.TotalParts {
		return ChunkResult{}, apperr.Validation("part number %d out of range [0, %d)", ref.Index, ref.TotalParts)
	}

	session, err := s.Sessions.Register(ctx, ref.TargetKey, ref.UploadID, ref.ContentType, ref.TotalParts)
	if err != nil {
		return ChunkResult{}, err
	}

	if err := s.Sessions.requireWritable(session); err != nil {
		return ChunkResult{}, err
	}

	ref.ContentType = session.ContentType
	info, err := s.Chunks.PutChunk(ctx, ref, r, size)
	if err != nil {
		return ChunkResult{}, classifyWriteError(err, "store chunk")
	}

	// A combine may have claimed the session while the part was streaming.
	current, err := s.Sessions.Get(ctx, ref.UploadID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			s.discardLatePart(ctx, ref)
		}
		return ChunkResult{}, err
	}
	if current.State != StatePending {
		// A running combine drops its own parts.
		if current.State != StateCombining {
			s.discardLatePart(ctx, ref)
		}
		return ChunkResult{}, s.Sessions.requireWritable(current)
	}

	result := ChunkResult{
		Key:        ref.TargetKey,
		UploadID:   ref.UploadID,
		PartNumber: ref.Index,
		Size:       info.Size,
	}

	if !s.Policy.AutoCombine {
		return result, nil
	}

	complete, err := s.Chunks.HasAllParts(ctx, ref.TargetKey, ref.UploadID, ref.TotalParts)
	if err != nil {
		slog.Warn("Check upload completeness", "key", ref.TargetKey, "upload_id", ref.UploadID, "err", err)
		return result, nil
	}

	if !complete {
		return result, nil
	}

	combined, err := s.Reassembler.Combine(ctx, CombineRequest{
		Key:         ref.TargetKey,
		UploadID:    ref.UploadID,
		ContentType: session.ContentType,
		TotalParts:  ref.TotalParts,
	})

	// Another chunk PUT may have won the race; that is not this request's
	// failure.
	if apperr.KindOf(err) == apperr.KindConflict {
		return result, nil
	}
	if err != nil {
		return ChunkResult{}, err
	}

	result.Combined = &combined
	return result, nil
}

func (s *Service) Begin(ctx context.Context, contentType string) (BeginResult, error) {
	return s.Sessions.Begin(ctx, contentType)
}

func (s *Service) Combine(ctx context.Context, req CombineRequest) (CombineResult, error) {
	return s.Reassembler.Combine(ctx, req)
}

func (s *Service) Abort(ctx context.Context, key, uploadID string) error {
	return s.Janitor.Abort(ctx, key, uploadID)
}

func (s *Service) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return s.Janitor.Delete(ctx, key)
}

// discardLatePart removes a part that landed after its session stopped
// accepting writes.
func (s *Service) discardLatePart(ctx context.Context, ref ChunkRef) {
	if failures := s.Chunks.deleteKeys(context.WithoutCancel(ctx), []string{ref.Key()}); failures > 0 {
		slog.Warn("Late part left behind", "key", ref.TargetKey, "upload_id", ref.UploadID, "part", ref.Index)
	}
}

// classifyWriteError maps storage failures of a client-driven write onto the
// error taxonomy.
func classifyWriteError(err error, op string) error {
	var tooLarge *http.MaxBytesError
	switch {
	case apperr.KindOf(err) != apperr.KindInternal:
		return err
	case errors.As(err, &tooLarge):
		return apperr.PayloadTooLarge(tooLarge.Limit)
	case errors.Is(err, storage.ErrIncompleteBody):
		return apperr.Validation("request body does not match Content-Length")
	default:
		return apperr.Internal(err, op)
	}
}
