package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reel/internal/database"
	"time"

	"github.com/google/uuid"
)

// LocalFileStorage is an ObjectStore that keeps payloads on the local
// filesystem and object metadata in SQLite.
//
// Every Put writes a fresh blob file named by a random id, with the first two
// characters used as a subdirectory prefix. The object row is then pointed at
// the new blob in a single statement, so readers observe either the previous
// payload or the new one and never a partially written file. Blobs that are
// no longer referenced are unlinked after the row changes; readers that
// already hold the file open keep reading the old payload.
type LocalFileStorage struct {
	dataDir string
	db      *sql.DB
}

// NewLocalFileStorage creates a new LocalFileStorage rooted at dataDir that
// records metadata in db. The schema is expected to have been applied by
// database.Open.
func NewLocalFileStorage(dataDir string, db *sql.DB) *LocalFileStorage {
	return &LocalFileStorage{dataDir: dataDir, db: db}
}

// BlobPath computes the full filesystem path for the blob identified by id.
func BlobPath(directory string, id string) (string, error) {
	if len(id) < 2 {
		return "", fmt.Errorf("invalid blob id length: %d", len(id))
	}
	return filepath.Join(directory, "blobs", id[:2], id), nil
}

type objectRow struct {
	info ObjectInfo
	blob string
}

func (s *LocalFileStorage) lookup(ctx context.Context, key string) (objectRow, error) {
	var (
		row         objectRow
		contentType sql.NullString
		metadata    string
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT blob, hash, size, content_type, metadata, modified_at FROM objects WHERE key = ?`,
		key,
	).Scan(&row.blob, &row.info.ETag, &row.info.Size, &contentType, &metadata, &row.info.LastModified)

	if errors.Is(err, sql.ErrNoRows) {
		return objectRow{}, ErrNotFound
	}

	if err != nil {
		return objectRow{}, fmt.Errorf("lookup object %q: %w", key, err)
	}

	row.info.Key = key
	row.info.ContentType = contentType.String
	row.info.Metadata = map[string]string{}
	if err := json.Unmarshal([]byte(metadata), &row.info.Metadata); err != nil {
		return objectRow{}, fmt.Errorf("decode metadata for %q: %w", key, err)
	}

	return row, nil
}

func (s *LocalFileStorage) Head(ctx context.Context, key string) (ObjectInfo, error) {
	row, err := s.lookup(ctx, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	return row.info, nil
}

func (s *LocalFileStorage) Get(ctx context.Context, key string) (*Object, error) {

	// A concurrent replace may unlink the blob between the lookup and the
	// open. One retry picks up the new row.
	for attempt := 0; ; attempt++ {
		row, err := s.lookup(ctx, key)
		if err != nil {
			return nil, err
		}

		path, err := BlobPath(s.dataDir, row.blob)
		if err != nil {
			return nil, err
		}

		f, err := os.Open(path)
		if err == nil {
			return &Object{Info: row.info, Body: f}, nil
		}

		if !os.IsNotExist(err) || attempt > 0 {
			return nil, fmt.Errorf("open payload for %q: %w", key, err)
		}
	}
}

func (s *LocalFileStorage) Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) (ObjectInfo, error) {
	tmpDir := filepath.Join(s.dataDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return ObjectInfo{}, fmt.Errorf("create temp dir: %w", err)
	}

	tmp, err := os.CreateTemp(tmpDir, "put-*")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("create temp file: %w", err)
	}

	defer func() {
		// Best-effort cleanup; the file has normally been moved already.
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
			slog.Debug("Failed to remove temp payload", "path", tmp.Name(), "err", err)
		}
	}()

	// Stream the payload into the temp file while simultaneously hashing it.
	h := sha256.New()
	buf := make([]byte, 32*1024)
	written, err := io.CopyBuffer(tmp, io.TeeReader(r, h), buf)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return ObjectInfo{}, fmt.Errorf("write payload for %q: %w", key, err)
	}

	if size >= 0 && written != size {
		return ObjectInfo{}, fmt.Errorf("put %q: %w: declared %d, read %d", key, ErrIncompleteBody, size, written)
	}

	blob := uuid.NewString()
	blobPath, err := BlobPath(s.dataDir, blob)
	if err != nil {
		return ObjectInfo{}, err
	}

	if err := os.MkdirAll(filepath.Dir(blobPath), 0o755); err != nil {
		return ObjectInfo{}, fmt.Errorf("create blob dir: %w", err)
	}

	if err := MoveFile(tmp.Name(), blobPath); err != nil {
		return ObjectInfo{}, fmt.Errorf("move payload into place: %w", err)
	}

	metadata := CloneMetadata(opts.Metadata)
	encoded, err := json.Marshal(metadata)
	if err != nil {
		s.removeBlob(blob)
		return ObjectInfo{}, fmt.Errorf("encode metadata: %w", err)
	}

	var contentType any
	if opts.ContentType != "" {
		contentType = opts.ContentType
	}

	info := ObjectInfo{
		Key:          key,
		ContentType:  opts.ContentType,
		Size:         written,
		ETag:         hex.EncodeToString(h.Sum(nil)),
		LastModified: time.Now().UTC(),
		Metadata:     metadata,
	}

	var previous sql.NullString
	err = database.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT blob FROM objects WHERE key = ?`, key).Scan(&previous)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO objects(key, blob, hash, size, content_type, metadata, created_at, modified_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET
			 	blob=excluded.blob,
			 	hash=excluded.hash,
			 	size=excluded.size,
			 	content_type=excluded.content_type,
			 	metadata=excluded.metadata,
			 	modified_at=excluded.modified_at`,
			key, blob, info.ETag, info.Size, contentType, string(encoded), info.LastModified, info.LastModified,
		)
		return err
	})

	if err != nil {
		s.removeBlob(blob)
		return ObjectInfo{}, fmt.Errorf("upsert object metadata for %q: %w", key, err)
	}

	if previous.Valid {
		s.removeBlob(previous.String)
	}

	return info, nil
}

func (s *LocalFileStorage) Delete(ctx context.Context, key string) error {
	var blob string
	err := database.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT blob FROM objects WHERE key = ?`, key).Scan(&blob); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key)
		return err
	})

	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	if err != nil {
		return fmt.Errorf("delete object %q: %w", key, err)
	}

	s.removeBlob(blob)
	return nil
}

func (s *LocalFileStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, hash, size, content_type, metadata, modified_at FROM objects
		 WHERE substr(key, 1, length(?)) = ? ORDER BY key`,
		prefix, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list objects with prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var results []ObjectInfo
	for rows.Next() {
		var (
			info        ObjectInfo
			contentType sql.NullString
			metadata    string
		)

		if err := rows.Scan(&info.Key, &info.ETag, &info.Size, &contentType, &metadata, &info.LastModified); err != nil {
			return nil, fmt.Errorf("scan object row: %w", err)
		}

		info.ContentType = contentType.String
		info.Metadata = map[string]string{}
		if err := json.Unmarshal([]byte(metadata), &info.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %q: %w", info.Key, err)
		}

		results = append(results, info)
	}

	return results, rows.Err()
}

// removeBlob unlinks an unreferenced blob. Failures only leak disk space, so
// they are logged rather than returned.
func (s *LocalFileStorage) removeBlob(blob string) {
	path, err := BlobPath(s.dataDir, blob)
	if err != nil {
		slog.Debug("Invalid blob id", "blob", blob, "err", err)
		return
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove blob", "path", path, "err", err)
	}
}
