package database

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/story-loom/pipeline/internal/models"
)

// TestInsertIfAbsent_ReturnsExistingRow verifies that a retried media job
// cannot produce a second asset: the insert is keyed on generating_job_id and
// a repeat call hands back the original row untouched.
func TestInsertIfAbsent_ReturnsExistingRow(t *testing.T) {
	db := openTestDB(t)
	jobs := NewJobRepository(db)
	assets := NewAssetRepository(db)
	ctx := context.Background()

	storyID := seedStory(t, db)
	job, err := jobs.Create(ctx, &storyID, models.JobTypeImage, map[string]any{"pageNumber": 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	first, err := assets.InsertIfAbsent(ctx, &models.MediaAsset{
		StoryID:         storyID,
		Kind:            models.MediaKindImage,
		URI:             "s3://story-assets/stories/x/pages/1/image.png",
		Format:          "png",
		GeneratingJobID: job.ID,
	})
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if first == nil || first.ID == uuid.Nil {
		t.Fatalf("first insert returned %+v", first)
	}

	second, err := assets.InsertIfAbsent(ctx, &models.MediaAsset{
		StoryID:         storyID,
		Kind:            models.MediaKindImage,
		URI:             "s3://story-assets/stories/x/pages/1/other.png",
		Format:          "png",
		GeneratingJobID: job.ID,
	})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second insert created a new row: %s vs %s", second.ID, first.ID)
	}
	if second.URI != first.URI {
		t.Errorf("second insert overwrote uri: %q vs %q", second.URI, first.URI)
	}
}

func TestGetByGeneratingJob_Miss(t *testing.T) {
	db := openTestDB(t)
	jobs := NewJobRepository(db)
	assets := NewAssetRepository(db)
	ctx := context.Background()

	job, err := jobs.Create(ctx, nil, models.JobTypeAudio, nil)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	got, err := assets.GetByGeneratingJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get by job: %v", err)
	}
	if got != nil {
		t.Errorf("expected no asset for a job that produced none, got %+v", got)
	}
}
