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
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// fanOut bounds concurrent store calls issued for a single upload.
const fanOut = 8

// ChunkRef identifies one part of an upload.
type ChunkRef struct {
	TargetKey   string
	UploadID    string
	Index       int
	TotalParts  int
	ContentType string
}

func (c ChunkRef) Key() string {
	return ChunkKey(c.TargetKey, c.UploadID, c.Index)
}

// ChunkStore is a namespaced view over an ObjectStore holding in-flight
// upload parts.
type ChunkStore struct {
	store storage.ObjectStore
}

func NewChunkStore(store storage.ObjectStore) *ChunkStore {
	return &ChunkStore{store: store}
}

// PutChunk writes or overwrites one part. Re-sending the same part is safe;
// the last write wins. It never triggers reassembly.
func (c *ChunkStore) PutChunk(ctx context.Context, ref ChunkRef, r io.Reader, size int64) (storage.ObjectInfo, error) {
	if ref.Index < 0 || ref.Index >= ref.TotalParts {
		return storage.ObjectInfo{}, apperr.Validation("part number %d out of range [0, %d)", ref.Index, ref.TotalParts)
	}

	metadata := map[string]string{
		"upload-id":    ref.UploadID,
		"part-number":  strconv.Itoa(ref.Index),
		"total-parts":  strconv.Itoa(ref.TotalParts),
		"original-key": ref.TargetKey,
		"content-type": ref.ContentType,
	}
	if size >= 0 {
		metadata["size"] = strconv.FormatInt(size, 10)
	}

	info, err := c.store.Put(ctx, ref.Key(), r, size, storage.PutOptions{
		ContentType: "application/octet-stream",
		Metadata:    metadata,
	})
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("store part %d: %w", ref.Index, err)
	}
	return info, nil
}

// StatParts returns the metadata of every part in index order. The lowest
// missing index is reported as MissingChunk.
func (c *ChunkStore) StatParts(ctx context.Context, targetKey, uploadID string, totalParts int) ([]storage.ObjectInfo, error) {
	infos := make([]storage.ObjectInfo, totalParts)
	missing := make([]bool, totalParts)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(fanOut)
	for i := 0; i < totalParts; i++ {
		eg.Go(func() error {
			info, err := c.store.Head(egCtx, ChunkKey(targetKey, uploadID, i))
			if errors.Is(err, storage.ErrNotFound) {
				missing[i] = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("stat part %d: %w", i, err)
			}
			infos[i] = info
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	for i, gone := range missing {
		if gone {
			return nil, apperr.MissingChunk(i)
		}
	}

	return infos, nil
}

// HasAllParts reports whether every index in [0, totalParts) is present.
func (c *ChunkStore) HasAllParts(ctx context.Context, targetKey, uploadID string, totalParts int) (bool, error) {
	_, err := c.StatParts(ctx, targetKey, uploadID, totalParts)
	if apperr.KindOf(err) == apperr.KindMissingChunk {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// OpenPart opens one part for streaming.
func (c *ChunkStore) OpenPart(ctx context.Context, targetKey, uploadID string, index int) (*storage.Object, error) {
	obj, err := c.store.Get(ctx, ChunkKey(targetKey, uploadID, index))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.MissingChunk(index)
	}
	if err != nil {
		return nil, fmt.Errorf("open part %d: %w", index, err)
	}
	return obj, nil
}

// DeleteParts removes parts [0, totalParts) best-effort. Absent parts are
// ignored; other failures are logged and counted.
func (c *ChunkStore) DeleteParts(ctx context.Context, targetKey, uploadID string, totalParts int) int {
	keys := make([]string, totalParts)
	for i := range keys {
		keys[i] = ChunkKey(targetKey, uploadID, i)
	}
	return c.deleteKeys(ctx, keys)
}

// Purge removes every object under the upload's chunk prefix, including
// parts the session never declared.
func (c *ChunkStore) Purge(ctx context.Context, targetKey, uploadID string) (int, error) {
	infos, err := c.store.List(ctx, ChunkDir(targetKey, uploadID))
	if err != nil {
		return 0, fmt.Errorf("list parts: %w", err)
	}

	keys := make([]string, len(infos))
	for i, info := range infos {
		keys[i] = info.Key
	}
	return c.deleteKeys(ctx, keys), nil
}

func (c *ChunkStore) deleteKeys(ctx context.Context, keys []string) int {
	var failures atomic.Int64

	var eg errgroup.Group
	eg.SetLimit(fanOut)
	for _, key := range keys {
		eg.Go(func() error {
			err := c.store.Delete(ctx, key)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				slog.Warn("Failed to delete chunk", "key", key, "err", err)
				failures.Add(1)
			}
			return nil
		})
	}
	_ = eg.Wait()

	return int(failures.Load())
}
