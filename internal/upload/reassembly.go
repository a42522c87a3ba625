package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reel/internal/apperr"
	"reel/internal/storage"
	"strconv"
	"time"
)

// Metadata keys recorded on combined objects.
const (
	MetaUploaded    = "uploaded"
	MetaUploadID    = "upload-id"
	MetaSize        = "size"
	MetaPartCount   = "part-count"
	MetaPublishedAt = "published-at"
)

type CombineRequest struct {
	Key         string
	UploadID    string
	ContentType string
	TotalParts  int

	// TotalSize is the size the client expects, if it declared one.
	TotalSize *int64
}

type CombineResult struct {
	Key         string
	UploadID    string
	ContentType string
	ETag        string
	Size        int64
	Parts       int

	// AlreadyCombined is set when another request published the object
	// first and this call returned its outcome.
	AlreadyCombined bool
}

// Reassembler concatenates the parts of an upload into one published
// object. At most one Combine per upload id ever publishes: the session is
// moved from pending to combining with a compare-and-set before any part is
// read, and every other caller observes the winner's outcome.
type Reassembler struct {
	sessions *Sessions
	chunks   *ChunkStore
	store    storage.ObjectStore
	policy   Policy
	now      func() time.Time
}

func NewReassembler(sessions *Sessions, chunks *ChunkStore, store storage.ObjectStore, policy Policy) *Reassembler {
	return &Reassembler{
		sessions: sessions,
		chunks:   chunks,
		store:    store,
		policy:   policy,
		now:      time.Now,
	}
}

func (r *Reassembler) validate(req CombineRequest) error {
	if req.Key == "" || req.UploadID == "" || req.ContentType == "" || req.TotalParts == 0 {
		return apperr.Validation("missing required parameters")
	}

	if err := ValidateKey(req.Key); err != nil {
		return err
	}

	if !r.policy.AllowsContentType(req.ContentType) {
		return apperr.Validation("invalid content type %q", req.ContentType)
	}

	if req.TotalSize != nil {
		if *req.TotalSize < 0 {
			return apperr.Validation("total size must not be negative")
		}
		if r.policy.MaxUploadSize > 0 && *req.TotalSize > r.policy.MaxUploadSize {
			return apperr.PayloadTooLarge(r.policy.MaxUploadSize)
		}
	}

	return nil
}

// Combine reassembles req.UploadID into req.Key.
func (r *Reassembler) Combine(ctx context.Context, req CombineRequest) (CombineResult, error) {
	if err := r.validate(req); err != nil {
		return CombineResult{}, err
	}

	session, err := r.sessions.Register(ctx, req.Key, req.UploadID, req.ContentType, req.TotalParts)
	if err != nil {
		return CombineResult{}, err
	}

	if session.State == StatePending && session.Expired(r.now()) {
		return CombineResult{}, apperr.Expired(fmt.Sprintf("upload %s expired", req.UploadID))
	}

	won, err := r.sessions.transition(ctx, req.UploadID, StatePending, StateCombining)
	if err != nil {
		return CombineResult{}, err
	}

	if !won {
		return r.outcome(ctx, req)
	}

	slog.Info("Combining upload", "key", req.Key, "upload_id", req.UploadID, "parts", req.TotalParts)

	result, published, err := r.assemble(ctx, req)
	if err != nil {
		r.abort(ctx, req, published)
		return CombineResult{}, err
	}

	// The object is published; a caller going away must not strand the
	// session in combining.
	r.finish(context.WithoutCancel(ctx), req)

	slog.Info("Combined upload", "key", req.Key, "upload_id", req.UploadID, "size", result.Size, "parts", result.Parts)
	return result, nil
}

// finish marks a published upload complete and then drops its parts.
func (r *Reassembler) finish(ctx context.Context, req CombineRequest) {
	ok, err := r.sessions.transition(ctx, req.UploadID, StateCombining, StateComplete)
	switch {
	case err != nil:
		slog.Error("Mark upload complete", "key", req.Key, "upload_id", req.UploadID, "err", err)
	case !ok:
		slog.Warn("Upload left combining state before completion", "key", req.Key, "upload_id", req.UploadID)
	}

	if failures := r.chunks.DeleteParts(ctx, req.Key, req.UploadID, req.TotalParts); failures > 0 {
		slog.Warn("Some parts were not removed after combine", "key", req.Key, "upload_id", req.UploadID, "failures", failures)
	}
}

// outcome reports what happened to an upload whose combine was claimed by
// someone else.
func (r *Reassembler) outcome(ctx context.Context, req CombineRequest) (CombineResult, error) {
	session, err := r.sessions.Get(ctx, req.UploadID)
	if err != nil {
		return CombineResult{}, err
	}

	if session.State != StateComplete {
		return CombineResult{}, r.sessions.requireWritable(session)
	}

	info, err := r.store.Head(ctx, req.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return CombineResult{}, apperr.Conflict("upload already combined")
	}
	if err != nil {
		return CombineResult{}, apperr.Internal(err, "stat combined object")
	}

	return CombineResult{
		Key:             req.Key,
		UploadID:        req.UploadID,
		ContentType:     info.ContentType,
		ETag:            info.ETag,
		Size:            info.Size,
		Parts:           session.TotalParts,
		AlreadyCombined: true,
	}, nil
}

// assemble performs steps 2 to 5 of a combine. published reports whether
// this attempt wrote an object at req.Key, so a failure after publishing can
// take it down again.
func (r *Reassembler) assemble(ctx context.Context, req CombineRequest) (result CombineResult, published bool, err error) {
	parts, err := r.chunks.StatParts(ctx, req.Key, req.UploadID, req.TotalParts)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindMissingChunk {
			return CombineResult{}, false, err
		}
		return CombineResult{}, false, apperr.Internal(err, "stat parts")
	}

	var expected int64
	for _, part := range parts {
		expected += part.Size
	}

	if r.policy.MaxUploadSize > 0 && expected > r.policy.MaxUploadSize {
		return CombineResult{}, false, apperr.PayloadTooLarge(r.policy.MaxUploadSize)
	}

	if req.TotalSize != nil && *req.TotalSize != expected {
		return CombineResult{}, false, apperr.SizeMismatch(*req.TotalSize, expected)
	}

	body := &partReader{
		ctx:       ctx,
		chunks:    r.chunks,
		targetKey: req.Key,
		uploadID:  req.UploadID,
		total:     req.TotalParts,
	}
	defer body.Close()

	now := r.now().UTC().Format(time.RFC3339)
	info, err := r.store.Put(ctx, req.Key, body, expected, storage.PutOptions{
		ContentType: normalizeContentType(req.ContentType),
		Metadata: map[string]string{
			MetaUploaded:    now,
			MetaUploadID:    req.UploadID,
			MetaSize:        strconv.FormatInt(expected, 10),
			MetaPartCount:   strconv.Itoa(req.TotalParts),
			MetaPublishedAt: now,
		},
	})

	if err != nil {
		switch {
		case apperr.KindOf(err) == apperr.KindMissingChunk:
			return CombineResult{}, false, err
		case errors.Is(err, storage.ErrIncompleteBody):
			return CombineResult{}, false, apperr.SizeMismatch(expected, body.read)
		default:
			return CombineResult{}, false, apperr.Internal(err, "publish combined object")
		}
	}

	if info.Size != expected {
		return CombineResult{}, true, apperr.SizeMismatch(expected, info.Size)
	}

	return CombineResult{
		Key:         req.Key,
		UploadID:    req.UploadID,
		ContentType: info.ContentType,
		ETag:        info.ETag,
		Size:        info.Size,
		Parts:       req.TotalParts,
	}, true, nil
}

// abort undoes a failed combine. Cleanup problems are logged and never
// replace the error that caused the abort.
func (r *Reassembler) abort(ctx context.Context, req CombineRequest, published bool) {
	ctx = context.WithoutCancel(ctx)

	// Failed goes first so a part landing during the purge removes itself.
	if ok, err := r.sessions.transition(ctx, req.UploadID, StateCombining, StateFailed); err != nil || !ok {
		slog.Warn("Mark upload failed", "key", req.Key, "upload_id", req.UploadID, "ok", ok, "err", err)
	}

	if _, err := r.chunks.Purge(ctx, req.Key, req.UploadID); err != nil {
		slog.Warn("Purge parts after failed combine", "key", req.Key, "upload_id", req.UploadID, "err", err)
	}

	if published {
		if err := r.store.Delete(ctx, req.Key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("Remove partially published object", "key", req.Key, "upload_id", req.UploadID, "err", err)
		}
	}
}

// partReader streams parts in index order, opening each one only when the
// previous one is exhausted.
type partReader struct {
	ctx       context.Context
	chunks    *ChunkStore
	targetKey string
	uploadID  string
	total     int
	next      int
	current   *storage.Object
	read      int64
}

func (p *partReader) Read(b []byte) (int, error) {
	for {
		if p.current == nil {
			if p.next >= p.total {
				return 0, io.EOF
			}

			obj, err := p.chunks.OpenPart(p.ctx, p.targetKey, p.uploadID, p.next)
			if err != nil {
				return 0, err
			}
			p.current = obj
			p.next++
		}

		n, err := p.current.Body.Read(b)
		p.read += int64(n)

		if errors.Is(err, io.EOF) {
			_ = p.current.Body.Close()
			p.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}

		return n, err
	}
}

func (p *partReader) Close() error {
	if p.current == nil {
		return nil
	}
	err := p.current.Body.Close()
	p.current = nil
	return err
}
