package database

import (
	"context"
	"fmt"
)

// AuditRepository records who asked for what through the dispatch surfaces
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Insert writes one audit row. Actor defaults to "system" when empty.
func (r *AuditRepository) Insert(ctx context.Context, actor, action, entityType, entityID string, detail map[string]any) error {
	if actor == "" {
		actor = "system"
	}
	detailJSON, err := marshalJSONB(detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}

	query := `
		INSERT INTO audit_logs (actor, action, entity_type, entity_id, detail)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := r.db.ExecContext(ctx, query, actor, action, entityType, entityID, detailJSON); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
