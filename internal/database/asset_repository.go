package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/story-loom/pipeline/internal/models"
)

const assetColumns = `id, story_id, page_id, kind, uri, format, duration_seconds, metadata, generating_job_id, created_at`

// AssetRepository handles media asset database operations
type AssetRepository struct {
	db *DB
}

// NewAssetRepository creates a new AssetRepository
func NewAssetRepository(db *DB) *AssetRepository {
	return &AssetRepository{db: db}
}

// InsertIfAbsent inserts an asset keyed by its generating job. A second call
// for the same generating job returns the already-stored row untouched.
func (r *AssetRepository) InsertIfAbsent(ctx context.Context, asset *models.MediaAsset) (*models.MediaAsset, error) {
	metadataJSON, err := marshalJSONB(asset.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal asset metadata: %w", err)
	}

	insert := `
		INSERT INTO media_assets (story_id, page_id, kind, uri, format, duration_seconds, metadata, generating_job_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (generating_job_id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, insert,
		asset.StoryID, asset.PageID, asset.Kind, asset.URI, asset.Format,
		asset.DurationSeconds, metadataJSON, asset.GeneratingJobID,
	); err != nil {
		return nil, fmt.Errorf("insert asset: %w", err)
	}

	return r.GetByGeneratingJob(ctx, asset.GeneratingJobID)
}

// GetByGeneratingJob retrieves the asset produced by a job, if any.
func (r *AssetRepository) GetByGeneratingJob(ctx context.Context, jobID uuid.UUID) (*models.MediaAsset, error) {
	query := `SELECT ` + assetColumns + ` FROM media_assets WHERE generating_job_id = $1`

	asset, err := scanAsset(r.db.QueryRowContext(ctx, query, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get asset by job: %w", err)
	}
	return asset, nil
}

// AttachToPage back-references the asset from its page row.
func (r *AssetRepository) AttachToPage(ctx context.Context, pageID uuid.UUID, kind string, assetID uuid.UUID) error {
	var query string
	switch kind {
	case models.MediaKindImage:
		query = `UPDATE story_pages SET image_asset_id = $2 WHERE id = $1`
	case models.MediaKindAudio:
		query = `UPDATE story_pages SET audio_asset_id = $2 WHERE id = $1`
	default:
		return fmt.Errorf("no page back-reference for asset kind %q", kind)
	}
	if _, err := r.db.ExecContext(ctx, query, pageID, assetID); err != nil {
		return fmt.Errorf("attach %s asset to page: %w", kind, err)
	}
	return nil
}

func scanAsset(row rowScanner) (*models.MediaAsset, error) {
	asset := &models.MediaAsset{}
	var pageID uuid.NullUUID
	var metadata []byte

	err := row.Scan(
		&asset.ID, &asset.StoryID, &pageID, &asset.Kind, &asset.URI,
		&asset.Format, &asset.DurationSeconds, &metadata,
		&asset.GeneratingJobID, &asset.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if pageID.Valid {
		asset.PageID = &pageID.UUID
	}
	if len(metadata) > 0 {
		if err := unmarshalJSONB(metadata, &asset.Metadata); err != nil {
			return nil, fmt.Errorf("decode asset metadata: %w", err)
		}
	}
	return asset, nil
}
