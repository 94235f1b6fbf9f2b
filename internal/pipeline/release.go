package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/torii/kakunin/internal/models"
)

// ReleaseConflictError is returned when a release decision is attempted on a
// record that is not ready for one. The record is left untouched.
type ReleaseConflictError struct {
	ID    string
	State models.ProcessingState
}

func (e *ReleaseConflictError) Error() string {
	return fmt.Sprintf("record %s is %s; release decisions require VALIDATED", e.ID, e.State)
}

// Approve records a reviewer's approval. The record must be VALIDATED; on
// success it moves to QM_APPROVED and is handed to the indexer, reaching
// INDEXED. A handoff failure leaves the record QM_APPROVED so indexing can
// be retried without repeating the review.
func (p *Pipeline) Approve(ctx context.Context, id, actor, comment string) (*models.ProcessingRecord, error) {
	unlock := p.lock(id)
	defer unlock()

	rec, err := p.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != models.StateValidated {
		return nil, &ReleaseConflictError{ID: id, State: rec.State}
	}
	if actor == "" {
		return nil, fmt.Errorf("release approval requires an actor")
	}

	now := time.Now()
	rec.Release = models.ReleaseApproved
	rec.ReleaseActor = actor
	rec.ReleaseComment = comment
	rec.ReleasedAt = &now
	rec.State = models.StateQMApproved
	if err := p.store.UpdateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist approval: %w", err)
	}
	p.logger.Info("record approved",
		zap.String("document_id", id),
		zap.String("actor", actor))

	if p.indexer == nil {
		return rec, nil
	}
	if err := p.indexer.Handoff(ctx, rec); err != nil {
		p.logger.Error("index handoff failed",
			zap.String("document_id", id), zap.Error(err))
		return rec, fmt.Errorf("approved but not indexed: %w", err)
	}
	rec.State = models.StateIndexed
	if err := p.store.UpdateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist indexed state: %w", err)
	}
	return rec, nil
}

// Reject records a reviewer's rejection. The record must be VALIDATED; it
// moves to QM_REJECTED, which is terminal.
func (p *Pipeline) Reject(ctx context.Context, id, actor, comment string) (*models.ProcessingRecord, error) {
	unlock := p.lock(id)
	defer unlock()

	rec, err := p.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != models.StateValidated {
		return nil, &ReleaseConflictError{ID: id, State: rec.State}
	}
	if actor == "" {
		return nil, fmt.Errorf("release rejection requires an actor")
	}

	now := time.Now()
	rec.Release = models.ReleaseRejected
	rec.ReleaseActor = actor
	rec.ReleaseComment = comment
	rec.ReleasedAt = &now
	rec.State = models.StateQMRejected
	if err := p.store.UpdateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist rejection: %w", err)
	}
	p.logger.Info("record rejected",
		zap.String("document_id", id),
		zap.String("actor", actor))
	return rec, nil
}
