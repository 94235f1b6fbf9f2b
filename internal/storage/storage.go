// Package storage defines persistence for processing records and page images.
package storage

import (
	"context"
	"fmt"

	"github.com/torii/kakunin/internal/models"
)

// RecordStore defines processing-record persistence operations.
// The state machine is the only writer for a given record.
type RecordStore interface {
	CreateRecord(ctx context.Context, rec *models.ProcessingRecord) error
	GetRecord(ctx context.Context, id string) (*models.ProcessingRecord, error)
	UpdateRecord(ctx context.Context, rec *models.ProcessingRecord) error
	DeleteRecord(ctx context.Context, id string) error
	ListRecords(ctx context.Context, state models.ProcessingState, offset, limit int) ([]*models.ProcessingRecord, error)

	// Source document content, kept immutable alongside the record.
	PutSource(ctx context.Context, id string, content []byte) error
	GetSource(ctx context.Context, id string) ([]byte, error)

	CountRecords(ctx context.Context) (int64, error)
	CountByState(ctx context.Context) (map[models.ProcessingState]int64, error)

	Close() error
}

// NotFoundError is returned when a record does not exist.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("record not found: %s", e.ID)
}
