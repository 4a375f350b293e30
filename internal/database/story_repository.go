package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/story-loom/pipeline/internal/models"
)

// StoryRepository handles story database operations
type StoryRepository struct {
	db *DB
}

// NewStoryRepository creates a new StoryRepository
func NewStoryRepository(db *DB) *StoryRepository {
	return &StoryRepository{db: db}
}

// Get retrieves a story by id. Returns (nil, nil) when no such story exists.
func (r *StoryRepository) Get(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	query := `
		SELECT id, title_en, title_zh, theme, status, age_range, metadata, created_at, updated_at
		FROM stories WHERE id = $1
	`

	story := &models.Story{}
	var metadata []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&story.ID, &story.TitleEn, &story.TitleZh, &story.Theme,
		&story.Status, &story.AgeRange, &metadata,
		&story.CreatedAt, &story.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get story: %w", err)
	}

	if err := unmarshalJSONB(metadata, &story.Metadata); err != nil {
		return nil, fmt.Errorf("decode story metadata: %w", err)
	}
	return story, nil
}

// UpdateStatus moves a story through its lifecycle.
func (r *StoryRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := `UPDATE stories SET status = $2, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status); err != nil {
		return fmt.Errorf("update story status: %w", err)
	}
	return nil
}

// PageID resolves a page row by story and page number. Media handlers use it
// to attach asset back-references.
func (r *StoryRepository) PageID(ctx context.Context, storyID uuid.UUID, pageNumber int) (uuid.UUID, error) {
	query := `SELECT id FROM story_pages WHERE story_id = $1 AND page_number = $2`

	var id uuid.UUID
	err := r.db.QueryRowContext(ctx, query, storyID, pageNumber).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("page %d of story %s not found", pageNumber, storyID)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve page id: %w", err)
	}
	return id, nil
}

// Pages returns the ordered pages of a story.
func (r *StoryRepository) Pages(ctx context.Context, storyID uuid.UUID) ([]*models.StoryPage, error) {
	query := `
		SELECT id, story_id, page_number, text_en, text_zh, word_count, image_asset_id, audio_asset_id, created_at
		FROM story_pages
		WHERE story_id = $1
		ORDER BY page_number ASC
	`

	rows, err := r.db.QueryContext(ctx, query, storyID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var pages []*models.StoryPage
	for rows.Next() {
		page := &models.StoryPage{}
		var imageID, audioID uuid.NullUUID
		err := rows.Scan(
			&page.ID, &page.StoryID, &page.PageNumber, &page.TextEn, &page.TextZh,
			&page.WordCount, &imageID, &audioID, &page.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		if imageID.Valid {
			page.ImageAssetID = &imageID.UUID
		}
		if audioID.Valid {
			page.AudioAssetID = &audioID.UUID
		}
		pages = append(pages, page)
	}
	return pages, rows.Err()
}
