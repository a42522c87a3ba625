package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reel/internal/apperr"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ErrSessionNotFound is returned by a SessionStore for unknown upload ids.
var ErrSessionNotFound = errors.New("upload session not found")

type State string

const (
	StatePending   State = "pending"
	StateCombining State = "combining"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Session correlates an upload id with its target key and declared part
// count. TotalParts is zero until the first chunk (or a combine request)
// fixes it.
type Session struct {
	UploadID    string
	TargetKey   string
	ContentType string
	TotalParts  int
	State       State
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// SessionFilter selects sessions for the sweeper. Zero fields do not
// filter.
type SessionFilter struct {
	State         State
	UpdatedBefore time.Time
	ExpiresBefore time.Time
	Limit         int
}

func (f SessionFilter) matches(s Session) bool {
	if f.State != "" && s.State != f.State {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !s.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if !f.ExpiresBefore.IsZero() && !s.ExpiresAt.Before(f.ExpiresBefore) {
		return false
	}
	return true
}

// SessionStore persists upload sessions. Transition must be an atomic
// compare-and-set: it changes the state only when the current state equals
// from, and reports whether it did.
type SessionStore interface {
	// Register inserts s if no session with its id exists. If the stored
	// session has no part count yet and s declares one, it is fixed. The
	// stored session is returned either way.
	Register(ctx context.Context, s Session) (Session, error)

	Get(ctx context.Context, uploadID string) (Session, error)

	Transition(ctx context.Context, uploadID string, from, to State, now time.Time) (bool, error)

	List(ctx context.Context, filter SessionFilter) ([]Session, error)

	Delete(ctx context.Context, uploadID string) error
}

// BeginResult is returned to a client starting a chunked upload.
type BeginResult struct {
	UploadID    string
	TargetKey   string
	ContentType string
	ExpiresIn   time.Duration
}

// Sessions issues upload identifiers and tracks the sessions they name.
type Sessions struct {
	store  SessionStore
	policy Policy
	now    func() time.Time
}

func NewSessions(store SessionStore, policy Policy) *Sessions {
	return &Sessions{store: store, policy: policy, now: time.Now}
}

// NewTargetKey returns a collision-resistant key whose ULID component sorts
// by creation time.
func NewTargetKey() string {
	return TargetPrefix + ulid.Make().String()
}

// Begin opens a pending session for a new upload of contentType.
func (m *Sessions) Begin(ctx context.Context, contentType string) (BeginResult, error) {
	if !m.policy.AllowsContentType(contentType) {
		return BeginResult{}, apperr.Validation("invalid content type %q", contentType)
	}

	now := m.now().UTC()
	session := Session{
		UploadID:    uuid.NewString(),
		TargetKey:   NewTargetKey(),
		ContentType: normalizeContentType(contentType),
		State:       StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(m.policy.UploadTTL),
	}

	if _, err := m.store.Register(ctx, session); err != nil {
		return BeginResult{}, apperr.Internal(err, "create upload session")
	}

	slog.Info("Began upload", "upload_id", session.UploadID, "key", session.TargetKey, "content_type", session.ContentType)

	return BeginResult{
		UploadID:    session.UploadID,
		TargetKey:   session.TargetKey,
		ContentType: session.ContentType,
		ExpiresIn:   m.policy.UploadTTL,
	}, nil
}

// Register creates the session for uploadID if it does not exist yet, or
// joins the existing one. The declared target key, content type and part
// count must agree with what the session already recorded.
func (m *Sessions) Register(ctx context.Context, targetKey, uploadID, contentType string, totalParts int) (Session, error) {
	if err := ValidateUploadID(uploadID); err != nil {
		return Session{}, err
	}

	if err := m.policy.validatePartCount(totalParts); err != nil {
		return Session{}, err
	}

	now := m.now().UTC()
	stored, err := m.store.Register(ctx, Session{
		UploadID:    uploadID,
		TargetKey:   targetKey,
		ContentType: normalizeContentType(contentType),
		TotalParts:  totalParts,
		State:       StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(m.policy.UploadTTL),
	})
	if err != nil {
		return Session{}, apperr.Internal(err, "register upload session")
	}

	if stored.TargetKey != targetKey {
		return Session{}, apperr.Validation("upload %s belongs to a different key", uploadID)
	}

	if stored.ContentType != normalizeContentType(contentType) {
		return Session{}, apperr.Validation("content type %q does not match upload content type %q", contentType, stored.ContentType)
	}

	if stored.TotalParts != totalParts {
		return Session{}, apperr.Validation("total parts %d does not match previously declared %d", totalParts, stored.TotalParts)
	}

	return stored, nil
}

// Get returns the session or a NotFound error.
func (m *Sessions) Get(ctx context.Context, uploadID string) (Session, error) {
	s, err := m.store.Get(ctx, uploadID)
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, apperr.NotFound(fmt.Sprintf("upload %s not found", uploadID))
	}
	if err != nil {
		return Session{}, apperr.Internal(err, "load upload session")
	}
	return s, nil
}

// requireWritable rejects chunk writes and combines for sessions that can
// no longer accept them.
func (m *Sessions) requireWritable(s Session) error {
	switch s.State {
	case StateCombining:
		return apperr.Conflict("combine in progress")
	case StateComplete:
		return apperr.Conflict("upload already combined")
	case StateFailed:
		return apperr.Conflict("upload failed or was aborted")
	}

	if s.Expired(m.now()) {
		return apperr.Expired(fmt.Sprintf("upload %s expired", s.UploadID))
	}

	return nil
}

func (m *Sessions) transition(ctx context.Context, uploadID string, from, to State) (bool, error) {
	ok, err := m.store.Transition(ctx, uploadID, from, to, m.now().UTC())
	if err != nil {
		return false, apperr.Internal(err, fmt.Sprintf("transition upload %s from %s to %s", uploadID, from, to))
	}
	return ok, nil
}
