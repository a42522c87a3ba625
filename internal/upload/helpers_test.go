package upload_test

import (
	"bytes"
	"context"
	"io"
	"reel/internal/database"
	"reel/internal/storage"
	"reel/internal/upload"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingStore records how many times each key was written.
type countingStore struct {
	storage.ObjectStore

	mu   sync.Mutex
	puts map[string]int
}

func (c *countingStore) Put(ctx context.Context, key string, r io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	c.mu.Lock()
	c.puts[key]++
	c.mu.Unlock()
	return c.ObjectStore.Put(ctx, key, r, size, opts)
}

func (c *countingStore) Puts(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts[key]
}

// slowStore delays Put on non-chunk keys so concurrent combines overlap.
type slowStore struct {
	storage.ObjectStore
}

func (s *slowStore) Put(ctx context.Context, key string, r io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	if !upload.IsReservedKey(key) {
		time.Sleep(20 * time.Millisecond)
	}
	return s.ObjectStore.Put(ctx, key, r, size, opts)
}

type fixture struct {
	svc      *upload.Service
	store    *countingStore
	sessions *upload.SQLiteSessionStore
	clock    *testClock
}

func newFixture(t *testing.T, mutate ...func(*upload.Policy)) *fixture {
	t.Helper()

	dataDir := t.TempDir()
	db, err := database.Open(t.Context(), dataDir)
	require.NoError(t, err, "open metadata db")
	t.Cleanup(func() { _ = db.Close() })

	store := &countingStore{
		ObjectStore: &slowStore{ObjectStore: storage.NewLocalFileStorage(dataDir, db)},
		puts:        map[string]int{},
	}
	sessions := upload.NewSQLiteSessionStore(db)

	policy := upload.DefaultPolicy()
	for _, fn := range mutate {
		fn(&policy)
	}

	clock := newTestClock()
	svc := upload.NewService(store, sessions, policy)
	svc.SetClock(clock.Now)

	return &fixture{svc: svc, store: store, sessions: sessions, clock: clock}
}

func (f *fixture) putChunk(t *testing.T, key, uploadID string, index, total int, payload string) {
	t.Helper()

	_, err := f.svc.PutChunk(t.Context(), upload.ChunkRef{
		TargetKey:   key,
		UploadID:    uploadID,
		Index:       index,
		TotalParts:  total,
		ContentType: "video/mp4",
	}, bytes.NewReader([]byte(payload)), int64(len(payload)))
	require.NoError(t, err, "put chunk %d", index)
}

func (f *fixture) chunkCount(t *testing.T, key, uploadID string) int {
	t.Helper()

	infos, err := f.svc.Store.List(t.Context(), upload.ChunkDir(key, uploadID))
	require.NoError(t, err)
	return len(infos)
}

func (f *fixture) read(t *testing.T, key string) string {
	t.Helper()

	obj, err := f.svc.Store.Get(t.Context(), key)
	require.NoError(t, err, "get %s", key)
	defer obj.Body.Close()

	data, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) state(t *testing.T, uploadID string) upload.State {
	t.Helper()

	s, err := f.sessions.Get(t.Context(), uploadID)
	require.NoError(t, err)
	return s.State
}
