// Package scheduler turns weekly_schedule rows into story requests. A single
// cron entry fires per SCHEDULER_SPEC; each firing dispatches every active row
// for the current weekday that has not been dispatched yet that day.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/story-loom/pipeline/internal/models"
)

// scheduleStore is the subset of schedule DB operations the scheduler needs.
type scheduleStore interface {
	DueToday(ctx context.Context, weekday int) ([]*models.WeeklySchedule, error)
	MarkDispatched(ctx context.Context, id uuid.UUID) error
}

// storyDispatcher creates story_script jobs. The scheduler goes through the
// same service the HTTP API uses, so audit rows and queue announcements come
// for free.
type storyDispatcher interface {
	Dispatch(ctx context.Context, req *models.DispatchRequest) (*models.DispatchResponse, error)
}

// Scheduler owns the cron loop.
type Scheduler struct {
	schedules scheduleStore
	dispatch  storyDispatcher
	spec      string
	cron      *cron.Cron
	now       func() time.Time
}

// New creates a Scheduler firing on the given cron spec.
func New(schedules scheduleStore, dispatch storyDispatcher, spec string) *Scheduler {
	return &Scheduler{
		schedules: schedules,
		dispatch:  dispatch,
		spec:      spec,
		cron:      cron.New(),
		now:       time.Now,
	}
}

// Start registers the cron entry and begins firing.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("invalid scheduler spec %q: %w", s.spec, err)
	}
	s.cron.Start()
	log.Info().Str("spec", s.spec).Msg("Scheduler started")
	return nil
}

// Stop halts the cron loop and waits for an in-progress firing to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("Scheduler stopped")
}

// RunOnce dispatches every schedule row due today and returns how many story
// requests it created. DueToday excludes rows already stamped today, so an
// extra firing (or a restart) on the same day is harmless.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	weekday := int(s.now().Weekday())
	due, err := s.schedules.DueToday(ctx, weekday)
	if err != nil {
		log.Error().Err(err).Msg("Could not list due schedules")
		return 0
	}
	if len(due) == 0 {
		log.Debug().Int("weekday", weekday).Msg("No schedules due")
		return 0
	}

	dispatched := 0
	for _, entry := range due {
		resp, err := s.dispatch.Dispatch(ctx, &models.DispatchRequest{
			Theme:       entry.Theme,
			Tone:        entry.Tone,
			AgeRange:    entry.AgeRange,
			InitiatedBy: "scheduler",
		})
		if err != nil {
			log.Error().
				Err(err).
				Str("schedule_id", entry.ID.String()).
				Str("theme", entry.Theme).
				Msg("Scheduled dispatch failed")
			continue
		}
		// Dispatch succeeded; an unstamped row simply stays eligible for
		// the next firing.
		if err := s.schedules.MarkDispatched(ctx, entry.ID); err != nil {
			log.Warn().Err(err).Str("schedule_id", entry.ID.String()).Msg("Could not stamp schedule row")
		}
		log.Info().
			Str("schedule_id", entry.ID.String()).
			Str("story_id", resp.StoryID).
			Str("theme", entry.Theme).
			Msg("Scheduled story dispatched")
		dispatched++
	}
	return dispatched
}
