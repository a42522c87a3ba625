package storage_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reel/internal/database"
	"reel/internal/storage"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newLocalStorage(t *testing.T) (*storage.LocalFileStorage, string) {
	t.Helper()

	dataDir := t.TempDir()
	db, err := database.Open(t.Context(), dataDir)
	require.NoError(t, err, "open metadata db")
	t.Cleanup(func() { _ = db.Close() })

	return storage.NewLocalFileStorage(dataDir, db), dataDir
}

func countBlobs(t *testing.T, dataDir string) int {
	t.Helper()

	count := 0
	err := filepath.WalkDir(filepath.Join(dataDir, "blobs"), func(path string, d os.DirEntry, err error) error {
		if errors.Is(err, os.ErrNotExist) {
			return filepath.SkipDir
		}
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	require.NoError(t, err, "walk blobs")
	return count
}

func TestLocalFileStoragePutAndGet(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)

	payload := []byte("hello local storage")
	sum := sha256.Sum256(payload)

	info, err := engine.Put(t.Context(), "videos/a.mp4", bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{
		ContentType: "video/mp4",
		Metadata:    map[string]string{"size": "19"},
	})
	require.NoError(t, err, "Put error")
	require.Equal(t, hex.EncodeToString(sum[:]), info.ETag, "etag should be the sha256 of the payload")
	require.Equal(t, int64(len(payload)), info.Size)

	obj, err := engine.Get(t.Context(), "videos/a.mp4")
	require.NoError(t, err, "Get error")
	defer obj.Body.Close()

	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.Equal(t, payload, got, "payload mismatch")
	require.Equal(t, "video/mp4", obj.Info.ContentType)
	require.Equal(t, "19", obj.Info.Metadata["size"])

	head, err := engine.Head(t.Context(), "videos/a.mp4")
	require.NoError(t, err, "Head error")
	require.Equal(t, info.ETag, head.ETag)
	require.Equal(t, info.Size, head.Size)
}

func TestLocalFileStorageGetIsSeekable(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)

	_, err := engine.Put(t.Context(), "k", strings.NewReader("0123456789"), -1, storage.PutOptions{})
	require.NoError(t, err)

	obj, err := engine.Get(t.Context(), "k")
	require.NoError(t, err)
	defer obj.Body.Close()

	_, err = obj.Body.Seek(4, io.SeekStart)
	require.NoError(t, err)

	buf := make([]byte, 3)
	_, err = io.ReadFull(obj.Body, buf)
	require.NoError(t, err)
	require.Equal(t, "456", string(buf))
}

func TestLocalFileStorageMissingKey(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)

	_, err := engine.Head(t.Context(), "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = engine.Get(t.Context(), "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)

	err = engine.Delete(t.Context(), "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLocalFileStorageReplaceRemovesOldBlob(t *testing.T) {
	t.Parallel()

	engine, dataDir := newLocalStorage(t)

	_, err := engine.Put(t.Context(), "k", strings.NewReader("first"), 5, storage.PutOptions{ContentType: "image/png"})
	require.NoError(t, err)
	_, err = engine.Put(t.Context(), "k", strings.NewReader("second!"), 7, storage.PutOptions{ContentType: "image/jpeg"})
	require.NoError(t, err)

	require.Equal(t, 1, countBlobs(t, dataDir), "replaced blob should be removed")

	obj, err := engine.Get(t.Context(), "k")
	require.NoError(t, err)
	defer obj.Body.Close()

	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.Equal(t, "second!", string(got))
	require.Equal(t, "image/jpeg", obj.Info.ContentType, "metadata should be replaced with the payload")
}

func TestLocalFileStorageIncompleteBodyPublishesNothing(t *testing.T) {
	t.Parallel()

	engine, dataDir := newLocalStorage(t)

	_, err := engine.Put(t.Context(), "k", strings.NewReader("short"), 100, storage.PutOptions{})
	require.ErrorIs(t, err, storage.ErrIncompleteBody)

	_, err = engine.Head(t.Context(), "k")
	require.ErrorIs(t, err, storage.ErrNotFound, "nothing should be published")
	require.Zero(t, countBlobs(t, dataDir))
}

func TestLocalFileStorageDeleteAndList(t *testing.T) {
	t.Parallel()

	engine, dataDir := newLocalStorage(t)

	for _, key := range []string{"chunks/a/u1/part0", "chunks/a/u1/part1", "chunks/a/u2/part0", "chunks/ab/u1/part0"} {
		_, err := engine.Put(t.Context(), key, strings.NewReader(key), -1, storage.PutOptions{})
		require.NoErrorf(t, err, "put %s", key)
	}

	listed, err := engine.List(t.Context(), "chunks/a/u1/")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, "chunks/a/u1/part0", listed[0].Key)
	require.Equal(t, "chunks/a/u1/part1", listed[1].Key)

	require.NoError(t, engine.Delete(t.Context(), "chunks/a/u1/part0"))
	listed, err = engine.List(t.Context(), "chunks/a/u1/")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, 3, countBlobs(t, dataDir))
}

func TestLocalFileStorageListTreatsPrefixLiterally(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalStorage(t)

	_, err := engine.Put(t.Context(), "a%b/1", strings.NewReader("x"), -1, storage.PutOptions{})
	require.NoError(t, err)
	_, err = engine.Put(t.Context(), "aXb/1", strings.NewReader("x"), -1, storage.PutOptions{})
	require.NoError(t, err)

	listed, err := engine.List(t.Context(), "a%b/")
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestLocalFileStorageConcurrentReplace(t *testing.T) {
	t.Parallel()

	engine, dataDir := newLocalStorage(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := strings.Repeat(string(rune('a'+i)), 64)
			_, errs[i] = engine.Put(t.Context(), "shared", strings.NewReader(payload), 64, storage.PutOptions{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoErrorf(t, err, "writer %d", i)
	}

	obj, err := engine.Get(t.Context(), "shared")
	require.NoError(t, err)
	defer obj.Body.Close()

	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.Len(t, got, 64)
	require.Equal(t, strings.Repeat(string(got[0]), 64), string(got), "payload must come from a single writer")
	require.Equal(t, 1, countBlobs(t, dataDir))
}

func TestMoveFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	require.NoError(t, storage.MoveFile(src, dst))

	_, err := os.Stat(src)
	require.True(t, os.IsNotExist(err), "source should be gone")

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
}

func TestBlobPathInvalidID(t *testing.T) {
	t.Parallel()

	_, err := storage.BlobPath(t.TempDir(), "a")
	require.Error(t, err, "expected error for too-short blob id")
}
