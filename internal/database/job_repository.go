package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/story-loom/pipeline/internal/models"
)

const jobColumns = `id, story_id, job_type, status, retry_count, payload, result_uri, failure_reason, created_at, started_at, finished_at`

// failureReasonMax bounds what FailJob stores; anything longer is truncated.
const failureReasonMax = 512

// rowScanner lets scanJob accept both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// JobRepository handles generation job database operations
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new JobRepository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts one pending job and returns it.
func (r *JobRepository) Create(ctx context.Context, storyID *uuid.UUID, jobType string, payload map[string]any) (*models.GenerationJob, error) {
	payloadJSON, err := marshalJSONB(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}

	query := `
		INSERT INTO generation_jobs (story_id, job_type, payload)
		VALUES ($1, $2, $3)
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRowContext(ctx, query, storyID, jobType, payloadJSON))
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Claim atomically transitions one pending job to processing and returns it.
// Returns (nil, nil) when the job does not exist or is not pending, so a
// second worker racing on the same id observes a miss, never a double claim.
func (r *JobRepository) Claim(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	query := `
		UPDATE generation_jobs
		SET status = 'processing', started_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Get retrieves a job by id. Returns (nil, nil) when no such job exists.
func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = $1`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Complete marks a job completed and stores its result pointer.
func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, resultURI string) error {
	query := `
		UPDATE generation_jobs
		SET status = 'completed', result_uri = $2, finished_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, resultURI); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Fail marks a job failed. The reason is truncated to 512 characters.
func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE generation_jobs
		SET status = 'failed', failure_reason = $2, finished_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, truncateRunes(reason, failureReasonMax)); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// IncrementRetry bumps the retry counter and returns the new value.
func (r *JobRepository) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		UPDATE generation_jobs
		SET retry_count = retry_count + 1
		WHERE id = $1
		RETURNING retry_count
	`
	var count int
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	return count, nil
}

// ListStalePending returns pending jobs created before now-olderThan, oldest
// first. The reconciler re-pushes their envelopes.
func (r *JobRepository) ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*models.GenerationJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM generation_jobs
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	cutoff := time.Now().Add(-olderThan)

	rows, err := r.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	defer rows.Close()

	var jobs []*models.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale pending: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MediaJobSeed describes one downstream media job to create inside a story
// bundle transaction.
type MediaJobSeed struct {
	JobType string
	Payload map[string]any
}

// StoryBundle is everything the persistence coordinator commits at once.
type StoryBundle struct {
	Story      *models.Story
	Pages      []*models.StoryPage
	Vocab      []*models.VocabEntry
	MediaSeeds []MediaJobSeed
}

// PersistStoryBundle writes the story, its pages, its vocab entries, and one
// pending job per media seed in a single transaction. Returns the created
// media job ids. Any failure rolls back the whole bundle.
func (r *JobRepository) PersistStoryBundle(ctx context.Context, bundle *StoryBundle) ([]uuid.UUID, error) {
	metadataJSON, err := marshalJSONB(bundle.Story.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal story metadata: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin bundle tx: %w", err)
	}
	defer tx.Rollback()

	storyQuery := `
		INSERT INTO stories (id, title_en, title_zh, theme, status, age_range, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			title_en = EXCLUDED.title_en,
			title_zh = EXCLUDED.title_zh,
			theme = EXCLUDED.theme,
			status = EXCLUDED.status,
			age_range = EXCLUDED.age_range,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
	`
	s := bundle.Story
	if _, err := tx.ExecContext(ctx, storyQuery, s.ID, s.TitleEn, s.TitleZh, s.Theme, s.Status, s.AgeRange, metadataJSON); err != nil {
		return nil, fmt.Errorf("insert story: %w", err)
	}

	pageQuery := `
		INSERT INTO story_pages (story_id, page_number, text_en, text_zh, word_count)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, p := range bundle.Pages {
		if _, err := tx.ExecContext(ctx, pageQuery, s.ID, p.PageNumber, p.TextEn, p.TextZh, p.WordCount); err != nil {
			return nil, fmt.Errorf("insert page %d: %w", p.PageNumber, err)
		}
	}

	vocabQuery := `
		INSERT INTO vocab_entries (story_id, word, part_of_speech, definition_en, definition_zh, example_sentence, example_translation, cefr_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, v := range bundle.Vocab {
		if _, err := tx.ExecContext(ctx, vocabQuery, s.ID, v.Word, v.PartOfSpeech, v.DefinitionEn, v.DefinitionZh, v.ExampleSentence, v.ExampleTranslation, v.CefrLevel); err != nil {
			return nil, fmt.Errorf("insert vocab %q: %w", v.Word, err)
		}
	}

	jobQuery := `
		INSERT INTO generation_jobs (story_id, job_type, payload)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	jobIDs := make([]uuid.UUID, 0, len(bundle.MediaSeeds))
	for _, seed := range bundle.MediaSeeds {
		payloadJSON, err := marshalJSONB(seed.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal media job payload: %w", err)
		}
		var id uuid.UUID
		if err := tx.QueryRowContext(ctx, jobQuery, s.ID, seed.JobType, payloadJSON).Scan(&id); err != nil {
			return nil, fmt.Errorf("insert %s job: %w", seed.JobType, err)
		}
		jobIDs = append(jobIDs, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bundle: %w", err)
	}
	return jobIDs, nil
}

func scanJob(row rowScanner) (*models.GenerationJob, error) {
	job := &models.GenerationJob{}
	var storyID uuid.NullUUID
	var payload []byte

	err := row.Scan(
		&job.ID, &storyID, &job.JobType, &job.Status, &job.RetryCount,
		&payload, &job.ResultURI, &job.FailureReason,
		&job.CreatedAt, &job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	if storyID.Valid {
		job.StoryID = &storyID.UUID
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, fmt.Errorf("decode job payload: %w", err)
		}
	}
	return job, nil
}

// marshalJSONB encodes a map for a JSONB column, writing {} for nil.
func marshalJSONB(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(m)
}

func unmarshalJSONB(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
