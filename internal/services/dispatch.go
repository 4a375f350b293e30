// Package services holds the business logic between HTTP handlers and the
// repositories. The dispatch service is the only entry point that creates
// story_script jobs.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/story-loom/pipeline/internal/database"
	"github.com/story-loom/pipeline/internal/models"
	"github.com/story-loom/pipeline/internal/queue"
)

// ErrMissingTheme rejects dispatch requests without a theme. Handlers map it
// to a 400.
var ErrMissingTheme = errors.New("missing theme")

// jobCreator is the subset of job DB operations used by DispatchService.
type jobCreator interface {
	Create(ctx context.Context, storyID *uuid.UUID, jobType string, payload map[string]any) (*models.GenerationJob, error)
	Get(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error)
}

// auditWriter is the subset of audit DB operations used by DispatchService.
type auditWriter interface {
	Insert(ctx context.Context, actor, action, entityType, entityID string, detail map[string]any) error
}

// pusher announces new jobs on the queue. May be nil to skip announcing.
type pusher interface {
	Push(ctx context.Context, messages ...string) (int, error)
}

// DispatchService accepts generation requests and turns them into pending
// jobs. It never generates anything itself.
type DispatchService struct {
	jobs   jobCreator
	audits auditWriter
	queue  pusher
}

// NewDispatchService creates a DispatchService backed by the database.
func NewDispatchService(db *database.DB, q queue.Queue) *DispatchService {
	return &DispatchService{
		jobs:   database.NewJobRepository(db),
		audits: database.NewAuditRepository(db),
		queue:  q,
	}
}

// Dispatch validates the request, records a pending story_script job and
// announces it. The response carries ids only; all generation work happens
// asynchronously in the worker.
func (s *DispatchService) Dispatch(ctx context.Context, req *models.DispatchRequest) (*models.DispatchResponse, error) {
	if strings.TrimSpace(req.Theme) == "" {
		return nil, ErrMissingTheme
	}

	storyRef := strings.TrimSpace(req.StoryID)
	if storyRef == "" {
		storyRef = uuid.NewString()
	}

	// Non-UUID refs travel in the payload only; the jobs table column is
	// a UUID and the persistence step mints the canonical id later.
	var storyID *uuid.UUID
	if id, err := uuid.Parse(storyRef); err == nil {
		storyID = &id
	}

	payload := map[string]any{
		"type":    models.JobTypeStoryScript,
		"storyId": storyRef,
		"theme":   req.Theme,
	}
	if req.Tone != "" {
		payload["tone"] = req.Tone
	}
	if req.AgeRange != "" {
		payload["ageRange"] = req.AgeRange
	}
	if req.ScheduledAt != "" {
		payload["scheduledAt"] = req.ScheduledAt
	}
	if req.InitiatedBy != "" {
		payload["initiatedBy"] = req.InitiatedBy
	}

	job, err := s.jobs.Create(ctx, storyID, models.JobTypeStoryScript, payload)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("job_id", job.ID.String()).
		Str("story_ref", storyRef).
		Str("theme", req.Theme).
		Msg("Story script job dispatched")

	// Announcing is best-effort: the job row is already committed and the
	// reconciler re-pushes anything that goes stale.
	if s.queue != nil {
		if _, err := s.queue.Push(ctx, queue.NewEnvelope(job.ID.String())); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("Could not announce dispatched job")
		}
	}

	s.audit(ctx, req.InitiatedBy, job.ID, storyRef, req.Theme)

	return &models.DispatchResponse{
		OK:      true,
		StoryID: storyRef,
		JobIDs:  []string{job.ID.String()},
	}, nil
}

// JobStatus returns the public view of one job.
func (s *DispatchService) JobStatus(ctx context.Context, jobID uuid.UUID) (*models.JobStatusResponse, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return job.StatusResponse(), nil
}

func (s *DispatchService) audit(ctx context.Context, actor string, jobID uuid.UUID, storyRef, theme string) {
	if s.audits == nil {
		return
	}
	if actor == "" {
		actor = "api"
	}
	detail := map[string]any{"storyRef": storyRef, "theme": theme}
	if err := s.audits.Insert(ctx, actor, "dispatch.story_script", "generation_job", jobID.String(), detail); err != nil {
		log.Warn().Err(err).Msg("Could not write dispatch audit entry")
	}
}
