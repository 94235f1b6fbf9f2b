// Package storage provides the SQLite implementation of RecordStore.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/torii/kakunin/internal/models"
)

// SQLiteStore implements RecordStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. WAL mode and a busy
// timeout keep concurrent per-document writers from tripping over SQLITE_BUSY.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS processing_records (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		mime_type TEXT,
		type_hint TEXT,
		upload_method TEXT NOT NULL,
		state TEXT NOT NULL,
		failed_stage TEXT,
		failed_reason TEXT,
		validation_status TEXT NOT NULL,
		review_reasons TEXT,
		artifacts TEXT,
		coverage TEXT,
		release_decision TEXT NOT NULL,
		release_actor TEXT,
		release_comment TEXT,
		released_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_records_state ON processing_records(state);
	CREATE INDEX IF NOT EXISTS idx_records_created_at ON processing_records(created_at);

	CREATE TABLE IF NOT EXISTS source_documents (
		record_id TEXT PRIMARY KEY,
		content BLOB NOT NULL,
		FOREIGN KEY (record_id) REFERENCES processing_records(id) ON DELETE CASCADE
	);
	`
	_, err := db.Exec(schema)
	return err
}

// CreateRecord inserts a record.
func (s *SQLiteStore) CreateRecord(ctx context.Context, rec *models.ProcessingRecord) error {
	reviewJSON, artifactsJSON, coverageJSON, err := marshalRecordBlobs(rec)
	if err != nil {
		return err
	}

	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO processing_records
		 (id, filename, mime_type, type_hint, upload_method, state, failed_stage, failed_reason,
		  validation_status, review_reasons, artifacts, coverage,
		  release_decision, release_actor, release_comment, released_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Filename, rec.MIMEType, rec.TypeHint, rec.UploadMethod, rec.State,
		rec.FailedStage, rec.FailedReason, rec.ValidationStatus,
		reviewJSON, artifactsJSON, coverageJSON,
		rec.Release, rec.ReleaseActor, rec.ReleaseComment, rec.ReleasedAt,
		rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

// GetRecord returns a record by ID.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*models.ProcessingRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, filename, mime_type, type_hint, upload_method, state, failed_stage, failed_reason,
		        validation_status, review_reasons, artifacts, coverage,
		        release_decision, release_actor, release_comment, released_at, created_at, updated_at
		 FROM processing_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ID: id}
	}
	return rec, err
}

// UpdateRecord updates an existing record.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, rec *models.ProcessingRecord) error {
	reviewJSON, artifactsJSON, coverageJSON, err := marshalRecordBlobs(rec)
	if err != nil {
		return err
	}

	rec.UpdatedAt = time.Now()

	result, err := s.db.ExecContext(ctx,
		`UPDATE processing_records SET
		 state = ?, failed_stage = ?, failed_reason = ?, validation_status = ?,
		 review_reasons = ?, artifacts = ?, coverage = ?,
		 release_decision = ?, release_actor = ?, release_comment = ?, released_at = ?, updated_at = ?
		 WHERE id = ?`,
		rec.State, rec.FailedStage, rec.FailedReason, rec.ValidationStatus,
		reviewJSON, artifactsJSON, coverageJSON,
		rec.Release, rec.ReleaseActor, rec.ReleaseComment, rec.ReleasedAt, rec.UpdatedAt,
		rec.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return &NotFoundError{ID: rec.ID}
	}
	return nil
}

// DeleteRecord removes a record by ID.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM processing_records WHERE id = ?`, id)
	return err
}

// ListRecords returns records ordered by creation time, newest first.
// When state is non-empty, only records in that state are returned.
func (s *SQLiteStore) ListRecords(ctx context.Context, state models.ProcessingState, offset, limit int) ([]*models.ProcessingRecord, error) {
	query := `SELECT id, filename, mime_type, type_hint, upload_method, state, failed_stage, failed_reason,
	                 validation_status, review_reasons, artifacts, coverage,
	                 release_decision, release_actor, release_comment, released_at, created_at, updated_at
	          FROM processing_records`
	args := []interface{}{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*models.ProcessingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// PutSource stores the immutable source bytes for a record. A second write
// for the same record is rejected: source documents are never replaced.
func (s *SQLiteStore) PutSource(ctx context.Context, id string, content []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_documents (record_id, content) VALUES (?, ?)`, id, content)
	return err
}

// GetSource returns the source bytes for a record.
func (s *SQLiteStore) GetSource(ctx context.Context, id string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM source_documents WHERE record_id = ?`, id).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ID: id}
	}
	return content, err
}

// CountRecords returns the total number of records.
func (s *SQLiteStore) CountRecords(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processing_records`).Scan(&count)
	return count, err
}

// CountByState returns record counts grouped by state.
func (s *SQLiteStore) CountByState(ctx context.Context) (map[models.ProcessingState]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM processing_records GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.ProcessingState]int64)
	for rows.Next() {
		var state models.ProcessingState
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*models.ProcessingRecord, error) {
	var rec models.ProcessingRecord
	var reviewJSON, artifactsJSON, coverageJSON sql.NullString
	var failedStage, failedReason, actor, comment, mime, hint sql.NullString
	var releasedAt sql.NullTime

	err := row.Scan(&rec.ID, &rec.Filename, &mime, &hint, &rec.UploadMethod, &rec.State,
		&failedStage, &failedReason, &rec.ValidationStatus,
		&reviewJSON, &artifactsJSON, &coverageJSON,
		&rec.Release, &actor, &comment, &releasedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.MIMEType = mime.String
	rec.TypeHint = hint.String
	rec.FailedStage = failedStage.String
	rec.FailedReason = failedReason.String
	rec.ReleaseActor = actor.String
	rec.ReleaseComment = comment.String
	if releasedAt.Valid {
		t := releasedAt.Time
		rec.ReleasedAt = &t
	}
	if reviewJSON.String != "" {
		if err := json.Unmarshal([]byte(reviewJSON.String), &rec.ReviewReasons); err != nil {
			return nil, fmt.Errorf("failed to unmarshal review reasons: %w", err)
		}
	}
	if artifactsJSON.String != "" {
		if err := json.Unmarshal([]byte(artifactsJSON.String), &rec.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifacts: %w", err)
		}
	}
	if coverageJSON.String != "" {
		if err := json.Unmarshal([]byte(coverageJSON.String), &rec.Coverage); err != nil {
			return nil, fmt.Errorf("failed to unmarshal coverage: %w", err)
		}
	}
	return &rec, nil
}

func marshalRecordBlobs(rec *models.ProcessingRecord) (review, artifacts, coverage string, err error) {
	if rec.ReviewReasons != nil {
		b, err := json.Marshal(rec.ReviewReasons)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to marshal review reasons: %w", err)
		}
		review = string(b)
	}
	if rec.Artifacts != nil {
		b, err := json.Marshal(rec.Artifacts)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to marshal artifacts: %w", err)
		}
		artifacts = string(b)
	}
	if rec.Coverage != nil {
		b, err := json.Marshal(rec.Coverage)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to marshal coverage: %w", err)
		}
		coverage = string(b)
	}
	return review, artifacts, coverage, nil
}
