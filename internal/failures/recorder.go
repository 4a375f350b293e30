// Package failures is the single sink for unrecoverable errors. Every
// permanent failure in the pipeline lands here exactly once, producing one
// failed_jobs row and, when configured, one Slack notification.
package failures

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"github.com/story-loom/pipeline/internal/ai"
	"github.com/story-loom/pipeline/internal/models"
)

// Store is the slice of the failure table the recorder needs.
type Store interface {
	Insert(ctx context.Context, row *models.FailedJob) (*models.FailedJob, error)
}

// Context describes where a failure happened. Stage doubles as the error
// code on the stored row.
type Context struct {
	JobID    *uuid.UUID
	StoryRef string
	Stage    string
	Attempt  int
	Extra    map[string]any
}

type Recorder struct {
	store      Store
	webhookURL string
	maxRetries int
}

func NewRecorder(store Store, webhookURL string, maxRetries int) *Recorder {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Recorder{store: store, webhookURL: webhookURL, maxRetries: maxRetries}
}

// RecordFailure writes one failure row and fires the optional notification.
// The caller keeps ownership of the original error; this never wraps or
// swallows it.
func (r *Recorder) RecordFailure(ctx context.Context, fc Context, cause error) (*models.FailedJob, error) {
	message := describe(fc, cause)
	row, err := r.store.Insert(ctx, &models.FailedJob{
		JobID:        fc.JobID,
		ErrorCode:    fc.Stage,
		ErrorMessage: message,
	})
	if err != nil {
		log.Error().Err(err).Str("stage", fc.Stage).Msg("Could not write failure row")
		return nil, fmt.Errorf("record failure: %w", err)
	}
	log.Error().
		Err(cause).
		Str("stage", fc.Stage).
		Int("attempt", fc.Attempt).
		Str("failure_id", row.ID.String()).
		Msg("Recorded generation failure")
	r.notify(fc, message)
	return row, nil
}

// ShouldRetry applies the retry policy: another attempt is worth it only
// below the ceiling, and only for errors that are not known-permanent.
// Provider errors are judged by status; anything carrying "Abort" is final;
// errors without a status (validation, network) stay retriable because the
// model may comply on the next attempt.
func (r *Recorder) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= r.maxRetries {
		return false
	}
	if strings.Contains(err.Error(), "Abort") {
		return false
	}
	if status := ai.HTTPStatus(err); status != 0 {
		return status >= 500 || status == http.StatusTooManyRequests
	}
	return true
}

func describe(fc Context, cause error) string {
	detail := fmt.Sprintf("stage=%s attempt=%d", fc.Stage, fc.Attempt)
	if fc.StoryRef != "" {
		detail += " story=" + fc.StoryRef
	}
	if len(fc.Extra) > 0 {
		if extras, err := json.Marshal(fc.Extra); err == nil {
			detail += " extra=" + string(extras)
		}
	}
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	return detail + ": " + msg
}

// notify posts to the Slack webhook without blocking the caller. Delivery is
// best-effort: a lost notification is a logging problem, not a pipeline one.
func (r *Recorder) notify(fc Context, message string) {
	if r.webhookURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := slack.PostWebhookContext(ctx, r.webhookURL, &slack.WebhookMessage{
			Text: fmt.Sprintf("Story generation failure in stage *%s*\n```%s```", fc.Stage, message),
		})
		if err != nil {
			log.Warn().Err(err).Str("stage", fc.Stage).Msg("Slack notification failed")
		}
	}()
}
