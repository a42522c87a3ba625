package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reel/internal/apperr"
	"reel/internal/storage"
	"time"
)

// sweepBatch bounds how many sessions a single sweep pass handles per
// category.
const sweepBatch = 500

// Janitor removes orphaned upload state: chunks left behind by deleted
// objects, aborted uploads, and sessions that were abandoned or whose
// combine died mid-way.
type Janitor struct {
	sessions *Sessions
	chunks   *ChunkStore
	store    storage.ObjectStore
	policy   Policy
	now      func() time.Time
}

func NewJanitor(sessions *Sessions, chunks *ChunkStore, store storage.ObjectStore, policy Policy) *Janitor {
	return &Janitor{
		sessions: sessions,
		chunks:   chunks,
		store:    store,
		policy:   policy,
		now:      time.Now,
	}
}

// Delete removes the object at key, then any chunks still recorded for the
// upload that produced it.
func (j *Janitor) Delete(ctx context.Context, key string) error {
	info, err := j.store.Head(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound("File not found")
	}
	if err != nil {
		return apperr.Internal(err, "stat object")
	}

	if err := j.store.Delete(ctx, key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("File not found")
		}
		return apperr.Internal(err, "delete object")
	}

	if uploadID := info.Metadata[MetaUploadID]; uploadID != "" && ValidateUploadID(uploadID) == nil {
		failures, err := j.chunks.Purge(ctx, key, uploadID)
		switch {
		case err != nil:
			slog.Warn("Purge chunks of deleted object", "key", key, "upload_id", uploadID, "err", err)
		case failures > 0:
			slog.Warn("Some chunks of deleted object were not removed", "key", key, "upload_id", uploadID, "failures", failures)
		}
	}

	slog.Info("Deleted object", "key", key)
	return nil
}

// Abort cancels a pending upload and removes its chunks. Aborting an
// upload that already failed only repeats the purge.
func (j *Janitor) Abort(ctx context.Context, key, uploadID string) error {
	if err := ValidateUploadID(uploadID); err != nil {
		return err
	}

	session, err := j.sessions.Get(ctx, uploadID)
	if err != nil {
		return err
	}

	if session.TargetKey != key {
		return apperr.Validation("upload %s belongs to a different key", uploadID)
	}

	switch session.State {
	case StateCombining:
		return apperr.Conflict("combine in progress")
	case StateComplete:
		return apperr.Conflict("upload already combined")
	case StatePending:
		won, err := j.sessions.transition(ctx, uploadID, StatePending, StateFailed)
		if err != nil {
			return err
		}
		if !won {
			// Lost to a combine or another abort; report the state that won.
			session, err = j.sessions.Get(ctx, uploadID)
			if err != nil {
				return err
			}
			if session.State != StateFailed {
				return j.sessions.requireWritable(session)
			}
		}
	}

	if _, err := j.chunks.Purge(ctx, key, uploadID); err != nil {
		return apperr.Internal(err, "purge chunks")
	}

	slog.Info("Aborted upload", "key", key, "upload_id", uploadID)
	return nil
}

// SweepReport counts what a sweep pass reclaimed.
type SweepReport struct {
	Expired   int
	Stalled   int
	Recovered int
	Reclaimed int
}

// Sweep fails expired pending uploads and stalled combines, purging their
// chunks, and drops terminal sessions past their retention.
func (j *Janitor) Sweep(ctx context.Context) (SweepReport, error) {
	now := j.now().UTC()
	var report SweepReport

	expired, err := j.sessions.store.List(ctx, SessionFilter{State: StatePending, ExpiresBefore: now, Limit: sweepBatch})
	if err != nil {
		return report, fmt.Errorf("list expired sessions: %w", err)
	}
	for _, s := range expired {
		if j.failAndPurge(ctx, s, StatePending) {
			report.Expired++
		}
	}

	if j.policy.CombineTimeout > 0 {
		stalled, err := j.sessions.store.List(ctx, SessionFilter{State: StateCombining, UpdatedBefore: now.Add(-j.policy.CombineTimeout), Limit: sweepBatch})
		if err != nil {
			return report, fmt.Errorf("list stalled sessions: %w", err)
		}
		for _, s := range stalled {
			if j.published(ctx, s) {
				if j.completeAndPurge(ctx, s) {
					report.Recovered++
				}
				continue
			}
			if j.failAndPurge(ctx, s, StateCombining) {
				report.Stalled++
			}
		}
	}

	if j.policy.SessionRetention > 0 {
		cutoff := now.Add(-j.policy.SessionRetention)
		for _, state := range []State{StateComplete, StateFailed} {
			old, err := j.sessions.store.List(ctx, SessionFilter{State: state, UpdatedBefore: cutoff, Limit: sweepBatch})
			if err != nil {
				return report, fmt.Errorf("list %s sessions: %w", state, err)
			}

			for _, s := range old {
				if _, err := j.chunks.Purge(ctx, s.TargetKey, s.UploadID); err != nil {
					slog.Warn("Purge residual chunks", "key", s.TargetKey, "upload_id", s.UploadID, "err", err)
					continue
				}
				if err := j.sessions.store.Delete(ctx, s.UploadID); err != nil {
					slog.Warn("Delete retired session", "upload_id", s.UploadID, "err", err)
					continue
				}
				report.Reclaimed++
			}
		}
	}

	return report, nil
}

// published reports whether the target key holds the object combined from
// s, which happens when a combine published but never recorded completion.
func (j *Janitor) published(ctx context.Context, s Session) bool {
	info, err := j.store.Head(ctx, s.TargetKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("Stat target of stalled upload", "key", s.TargetKey, "upload_id", s.UploadID, "err", err)
		}
		return false
	}
	return info.Metadata[MetaUploadID] == s.UploadID
}

func (j *Janitor) completeAndPurge(ctx context.Context, s Session) bool {
	won, err := j.sessions.transition(ctx, s.UploadID, StateCombining, StateComplete)
	if err != nil {
		slog.Warn("Complete published upload", "upload_id", s.UploadID, "err", err)
		return false
	}
	if !won {
		return false
	}

	if _, err := j.chunks.Purge(ctx, s.TargetKey, s.UploadID); err != nil {
		slog.Warn("Purge chunks of published upload", "key", s.TargetKey, "upload_id", s.UploadID, "err", err)
	}

	slog.Info("Completed published upload", "key", s.TargetKey, "upload_id", s.UploadID)
	return true
}

func (j *Janitor) failAndPurge(ctx context.Context, s Session, from State) bool {
	won, err := j.sessions.transition(ctx, s.UploadID, from, StateFailed)
	if err != nil {
		slog.Warn("Fail abandoned upload", "upload_id", s.UploadID, "err", err)
		return false
	}
	if !won {
		return false
	}

	if _, err := j.chunks.Purge(ctx, s.TargetKey, s.UploadID); err != nil {
		slog.Warn("Purge chunks of abandoned upload", "key", s.TargetKey, "upload_id", s.UploadID, "err", err)
	}

	slog.Info("Reclaimed abandoned upload", "key", s.TargetKey, "upload_id", s.UploadID, "state", from)
	return true
}

// Run sweeps every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := j.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Error("Sweep uploads", "err", err)
				continue
			}

			if report != (SweepReport{}) {
				slog.Info("Swept uploads", "expired", report.Expired, "stalled", report.Stalled, "recovered", report.Recovered, "reclaimed", report.Reclaimed)
			}
		}
	}
}
