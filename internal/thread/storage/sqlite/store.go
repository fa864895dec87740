// Package sqlite provides a SQLite-backed thread storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	apperrors "github.com/louisbranch/kindling/internal/errors"
	"github.com/louisbranch/kindling/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/kindling/internal/thread"
	"github.com/louisbranch/kindling/internal/thread/storage/sqlite/migrations"
)

// Store persists thread records in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite thread store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateThread inserts one thread record with its member list.
func (s *Store) CreateThread(ctx context.Context, t thread.Thread) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	localID := strings.TrimSpace(t.LocalID)
	if localID == "" {
		return fmt.Errorf("thread local id is required")
	}
	creator := strings.TrimSpace(t.Creator)
	if creator == "" {
		return fmt.Errorf("thread creator is required")
	}
	if len(t.Members) == 0 {
		return fmt.Errorf("thread members are required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO threads (local_id, entity_id, type, creator, name, image_url, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		localID, t.ID, t.Type.Label(), creator, t.Name, t.ImageURL, toMillis(t.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return apperrors.Wrap(apperrors.CodeAlreadyExists, fmt.Sprintf("thread %s already exists", localID), err)
		}
		return fmt.Errorf("insert thread: %w", err)
	}

	for position, member := range t.Members {
		member = strings.TrimSpace(member)
		if member == "" {
			return fmt.Errorf("thread member id is required")
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO thread_members (thread_local_id, member_id, position)
VALUES (?, ?, ?)`,
			localID, member, position)
		if err != nil {
			return fmt.Errorf("insert thread member %s: %w", member, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// PersistThread updates the mutable fields of an existing record.
func (s *Store) PersistThread(ctx context.Context, t thread.Thread) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	localID := strings.TrimSpace(t.LocalID)
	if localID == "" {
		return fmt.Errorf("thread local id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE threads SET entity_id = ?, name = ?, image_url = ? WHERE local_id = ?`,
		t.ID, t.Name, t.ImageURL, localID)
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("thread %s not found", localID))
	}
	return nil
}

// FindThread returns the thread bound to the given conversation id.
func (s *Store) FindThread(ctx context.Context, id string) (thread.Thread, error) {
	if err := ctx.Err(); err != nil {
		return thread.Thread{}, err
	}
	if s == nil || s.sqlDB == nil {
		return thread.Thread{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return thread.Thread{}, apperrors.New(apperrors.CodeNotFound, "thread id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT local_id, entity_id, type, creator, name, image_url, created_at
FROM threads WHERE entity_id = ?`, id)
	return s.scanThread(ctx, row, id)
}

// FindThreadByLocalID returns the thread stored under the given local
// record key.
func (s *Store) FindThreadByLocalID(ctx context.Context, localID string) (thread.Thread, error) {
	if err := ctx.Err(); err != nil {
		return thread.Thread{}, err
	}
	if s == nil || s.sqlDB == nil {
		return thread.Thread{}, fmt.Errorf("storage is not configured")
	}
	localID = strings.TrimSpace(localID)
	if localID == "" {
		return thread.Thread{}, apperrors.New(apperrors.CodeNotFound, "thread local id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT local_id, entity_id, type, creator, name, image_url, created_at
FROM threads WHERE local_id = ?`, localID)
	return s.scanThread(ctx, row, localID)
}

// FindThreadByMembers returns the thread whose member set equals members
// exactly, ignoring order.
func (s *Store) FindThreadByMembers(ctx context.Context, members []string) (thread.Thread, error) {
	if err := ctx.Err(); err != nil {
		return thread.Thread{}, err
	}
	if s == nil || s.sqlDB == nil {
		return thread.Thread{}, fmt.Errorf("storage is not configured")
	}
	if len(members) == 0 {
		return thread.Thread{}, apperrors.New(apperrors.CodeNotFound, "member set is empty")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(members)), ",")
	args := make([]any, 0, len(members)+2)
	args = append(args, len(members))
	for _, member := range members {
		args = append(args, member)
	}
	args = append(args, len(members))

	// Exact set match: the thread has no members outside the set and
	// covers every member of the set.
	row := s.sqlDB.QueryRowContext(ctx, fmt.Sprintf(`
SELECT t.local_id, t.entity_id, t.type, t.creator, t.name, t.image_url, t.created_at
FROM threads t
JOIN thread_members m ON m.thread_local_id = t.local_id
GROUP BY t.local_id
HAVING COUNT(*) = ?
   AND SUM(CASE WHEN m.member_id IN (%s) THEN 1 ELSE 0 END) = ?
ORDER BY t.created_at
LIMIT 1`, placeholders), args...)
	return s.scanThread(ctx, row, strings.Join(members, ","))
}

func (s *Store) scanThread(ctx context.Context, row *sql.Row, lookup string) (thread.Thread, error) {
	var (
		record    thread.Thread
		typeLabel string
		createdAt int64
	)
	err := row.Scan(&record.LocalID, &record.ID, &typeLabel, &record.Creator, &record.Name, &record.ImageURL, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return thread.Thread{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("thread %s not found", lookup))
	}
	if err != nil {
		return thread.Thread{}, fmt.Errorf("scan thread: %w", err)
	}
	record.Type = thread.ParseType(typeLabel)
	record.CreatedAt = fromMillis(createdAt)

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT member_id FROM thread_members WHERE thread_local_id = ? ORDER BY position`, record.LocalID)
	if err != nil {
		return thread.Thread{}, fmt.Errorf("query thread members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return thread.Thread{}, fmt.Errorf("scan thread member: %w", err)
		}
		record.Members = append(record.Members, member)
	}
	if err := rows.Err(); err != nil {
		return thread.Thread{}, fmt.Errorf("iterate thread members: %w", err)
	}
	return record, nil
}

func isConstraintViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}
