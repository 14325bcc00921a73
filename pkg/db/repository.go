package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/fly-io/stagehand/pkg/errors"
)

// Several short-lived invocations may write at once; wait on the database
// lock instead of failing with SQLITE_BUSY.
const dsnPragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// Repository provides database operations for the update journal
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Debug("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath+dsnPragmas)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Debug("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

const releaseColumns = `id, version, channel, sha256, artifact_url, status,
		       staged_path, error_message, created_at, updated_at`

// Create inserts a new release record
func (r *Repository) Create(rel *Release) error {
	slog.Debug("database_create_release", "version", rel.Version, "status", rel.Status)

	query := `
		INSERT INTO releases (version, channel, sha256, artifact_url, status, staged_path, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		rel.Version, rel.Channel, rel.SHA256, rel.ArtifactURL,
		rel.Status, rel.StagedPath, rel.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "version", rel.Version, "error", err)
		return errors.Wrap(err, "failed to insert release")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	rel.ID = id

	slog.Debug("database_release_created", "version", rel.Version, "release_id", rel.ID)
	return nil
}

// GetByVersion retrieves a release by version. It returns nil, nil when
// the version was never attempted.
func (r *Repository) GetByVersion(version string) (*Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE version = ?`

	rel, err := scanRelease(r.db.QueryRow(query, version))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "version", version, "error", err)
		return nil, errors.Wrap(err, "failed to query release")
	}
	return rel, nil
}

// Update updates an existing release record
func (r *Repository) Update(rel *Release) error {
	slog.Debug("database_update_release", "release_id", rel.ID, "version", rel.Version, "status", rel.Status)

	query := `
		UPDATE releases
		SET channel = ?, sha256 = ?, artifact_url = ?, status = ?,
		    staged_path = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		rel.Channel, rel.SHA256, rel.ArtifactURL, rel.Status,
		rel.StagedPath, rel.ErrorMessage, rel.ID)
	if err != nil {
		slog.Error("database_update_failed", "release_id", rel.ID, "error", err)
		return errors.Wrap(err, "failed to update release")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("release not found: id=%d", rel.ID)
	}
	return nil
}

// UpdateStatus updates only the status of the release for version
func (r *Repository) UpdateStatus(version, status, errorMessage string) error {
	slog.Debug("database_update_status", "version", version, "status", status)

	query := `UPDATE releases SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE version = ?`
	if _, err := r.db.Exec(query, status, errorMessage, version); err != nil {
		slog.Error("database_status_update_failed", "version", version, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}
	return nil
}

// List retrieves all releases, newest first
func (r *Repository) List() ([]*Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases ORDER BY id DESC`
	rows, err := r.db.Query(query)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list releases")
	}
	defer rows.Close()

	var releases []*Release
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		releases = append(releases, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return releases, nil
}

// Delete deletes a release by version
func (r *Repository) Delete(version string) error {
	if _, err := r.db.Exec(`DELETE FROM releases WHERE version = ?`, version); err != nil {
		slog.Error("database_delete_failed", "version", version, "error", err)
		return errors.Wrap(err, "failed to delete release")
	}
	slog.Debug("database_release_deleted", "version", version)
	return nil
}

// RecordEvent appends a journal entry.
func (r *Repository) RecordEvent(ev *Event) error {
	query := `INSERT INTO events (kind, from_status, to_status, version, detail) VALUES (?, ?, ?, ?, ?)`
	result, err := r.db.Exec(query, ev.Kind, ev.FromStatus, ev.ToStatus, ev.Version, ev.Detail)
	if err != nil {
		slog.Error("database_event_insert_failed", "kind", ev.Kind, "error", err)
		return errors.Wrap(err, "failed to record event")
	}
	if id, err := result.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

// ListEvents returns up to limit events, newest first. limit <= 0 returns all.
func (r *Repository) ListEvents(limit int) ([]*Event, error) {
	query := `SELECT id, kind, from_status, to_status, version, detail, created_at FROM events ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		var from, to, version, detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Kind, &from, &to, &version, &detail, &ev.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		ev.FromStatus = from.String
		ev.ToStatus = to.String
		ev.Version = version.String
		ev.Detail = detail.String
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return events, nil
}

// AllocateAttemptID returns the next apply run id
func (r *Repository) AllocateAttemptID(ctx context.Context) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed_to_begin_transaction", "error", err)
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	// Bump first so the write lock is taken before the read.
	if _, err := tx.ExecContext(ctx, "UPDATE attempt_sequence SET next_attempt_id = next_attempt_id + 1 WHERE id = 1"); err != nil {
		return 0, errors.Wrap(err, "failed to update attempt sequence")
	}

	var next int64
	if err := tx.QueryRowContext(ctx, "SELECT next_attempt_id FROM attempt_sequence WHERE id = 1").Scan(&next); err != nil {
		return 0, errors.Wrap(err, "failed to query attempt sequence")
	}

	if err := tx.Commit(); err != nil {
		slog.Error("failed_to_commit_transaction", "error", err)
		return 0, errors.Wrap(err, "failed to commit transaction")
	}

	slog.Debug("allocated_attempt_id", "attempt_id", next-1)
	return next - 1, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRelease(s scanner) (*Release, error) {
	var rel Release
	var stagedPath, errorMessage sql.NullString
	err := s.Scan(
		&rel.ID, &rel.Version, &rel.Channel, &rel.SHA256, &rel.ArtifactURL, &rel.Status,
		&stagedPath, &errorMessage, &rel.CreatedAt, &rel.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rel.StagedPath = stagedPath.String
	rel.ErrorMessage = errorMessage.String
	return &rel, nil
}
