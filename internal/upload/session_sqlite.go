package upload

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reel/internal/database"
	"strings"
	"time"
)

// SQLiteSessionStore keeps sessions in the upload_sessions table of the
// metadata database.
type SQLiteSessionStore struct {
	db *sql.DB
}

func NewSQLiteSessionStore(db *sql.DB) *SQLiteSessionStore {
	return &SQLiteSessionStore{db: db}
}

const sessionColumns = `upload_id, target_key, content_type, total_parts, state, created_at, updated_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s     Session
		state string
	)
	err := row.Scan(&s.UploadID, &s.TargetKey, &s.ContentType, &s.TotalParts, &state, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt)
	s.State = State(state)
	return s, err
}

func (st *SQLiteSessionStore) Register(ctx context.Context, s Session) (Session, error) {
	var stored Session
	err := database.WithTransaction(ctx, st.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO upload_sessions(`+sessionColumns+`)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(upload_id) DO NOTHING`,
			s.UploadID, s.TargetKey, s.ContentType, s.TotalParts, string(s.State), s.CreatedAt, s.UpdatedAt, s.ExpiresAt,
		)
		if err != nil {
			return err
		}

		if s.TotalParts > 0 {
			_, err = tx.ExecContext(ctx,
				`UPDATE upload_sessions SET total_parts = ? WHERE upload_id = ? AND total_parts = 0`,
				s.TotalParts, s.UploadID,
			)
			if err != nil {
				return err
			}
		}

		stored, err = scanSession(tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM upload_sessions WHERE upload_id = ?`, s.UploadID))
		return err
	})

	if err != nil {
		return Session{}, fmt.Errorf("register session %s: %w", s.UploadID, err)
	}
	return stored, nil
}

func (st *SQLiteSessionStore) Get(ctx context.Context, uploadID string) (Session, error) {
	s, err := scanSession(st.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE upload_id = ?`, uploadID))

	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}

	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", uploadID, err)
	}
	return s, nil
}

// Transition is a single conditional UPDATE, which SQLite applies
// atomically; RowsAffected tells the caller whether it won.
func (st *SQLiteSessionStore) Transition(ctx context.Context, uploadID string, from, to State, now time.Time) (bool, error) {
	res, err := st.db.ExecContext(ctx,
		`UPDATE upload_sessions SET state = ?, updated_at = ? WHERE upload_id = ? AND state = ?`,
		string(to), now.UTC(), uploadID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("transition session %s: %w", uploadID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (st *SQLiteSessionStore) List(ctx context.Context, filter SessionFilter) ([]Session, error) {
	var (
		clauses []string
		args    []any
	)

	if filter.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(filter.State))
	}
	if !filter.UpdatedBefore.IsZero() {
		clauses = append(clauses, "updated_at < ?")
		args = append(args, filter.UpdatedBefore.UTC())
	}
	if !filter.ExpiresBefore.IsZero() {
		clauses = append(clauses, "expires_at < ?")
		args = append(args, filter.ExpiresBefore.UTC())
	}

	query := `SELECT ` + sessionColumns + ` FROM upload_sessions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := st.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (st *SQLiteSessionStore) Delete(ctx context.Context, uploadID string) error {
	if _, err := st.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("delete session %s: %w", uploadID, err)
	}
	return nil
}
