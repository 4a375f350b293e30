package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/story-loom/pipeline/internal/models"
)

// FailedJobRepository handles failure audit rows
type FailedJobRepository struct {
	db *DB
}

// NewFailedJobRepository creates a new FailedJobRepository
func NewFailedJobRepository(db *DB) *FailedJobRepository {
	return &FailedJobRepository{db: db}
}

// Insert writes one failure row and returns it with id and timestamp set.
func (r *FailedJobRepository) Insert(ctx context.Context, row *models.FailedJob) (*models.FailedJob, error) {
	query := `
		INSERT INTO failed_jobs (job_id, error_code, error_message)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query, row.JobID, row.ErrorCode, truncateRunes(row.ErrorMessage, 2048)).
		Scan(&row.ID, &row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert failed job: %w", err)
	}
	return row, nil
}

// Resolve flags a failure row as handled by an operator.
func (r *FailedJobRepository) Resolve(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE failed_jobs SET resolved = TRUE WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("resolve failed job: %w", err)
	}
	return nil
}

// ListUnresolved returns open failure rows, oldest first.
func (r *FailedJobRepository) ListUnresolved(ctx context.Context, limit int) ([]*models.FailedJob, error) {
	query := `
		SELECT id, job_id, error_code, error_message, resolved, created_at
		FROM failed_jobs
		WHERE NOT resolved
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list unresolved failures: %w", err)
	}
	defer rows.Close()

	var out []*models.FailedJob
	for rows.Next() {
		row := &models.FailedJob{}
		var jobID uuid.NullUUID
		if err := rows.Scan(&row.ID, &jobID, &row.ErrorCode, &row.ErrorMessage, &row.Resolved, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failed job: %w", err)
		}
		if jobID.Valid {
			row.JobID = &jobID.UUID
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
