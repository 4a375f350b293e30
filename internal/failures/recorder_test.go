package failures

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/story-loom/pipeline/internal/ai"
	"github.com/story-loom/pipeline/internal/models"
)

type fakeStore struct {
	rows []*models.FailedJob
	err  error
}

func (s *fakeStore) Insert(ctx context.Context, row *models.FailedJob) (*models.FailedJob, error) {
	if s.err != nil {
		return nil, s.err
	}
	stored := *row
	stored.ID = uuid.New()
	stored.CreatedAt = time.Now()
	s.rows = append(s.rows, &stored)
	return &stored, nil
}

func TestRecordFailureWritesRow(t *testing.T) {
	store := &fakeStore{}
	rec := NewRecorder(store, "", 3)

	jobID := uuid.New()
	row, err := rec.RecordFailure(context.Background(), Context{
		JobID:    &jobID,
		StoryRef: "story-9",
		Stage:    "translation",
		Attempt:  2,
	}, errors.New("boom"))
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if len(store.rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(store.rows))
	}
	if row.ErrorCode != "translation" {
		t.Errorf("expected stage as error code, got %q", row.ErrorCode)
	}
	if row.JobID == nil || *row.JobID != jobID {
		t.Errorf("expected job id on row, got %v", row.JobID)
	}
	for _, want := range []string{"stage=translation", "attempt=2", "story=story-9", "boom"} {
		if !strings.Contains(row.ErrorMessage, want) {
			t.Errorf("error message missing %q: %s", want, row.ErrorMessage)
		}
	}
}

func TestRecordFailureIncludesExtras(t *testing.T) {
	store := &fakeStore{}
	rec := NewRecorder(store, "", 3)

	row, err := rec.RecordFailure(context.Background(), Context{
		Stage:   "upstash_push",
		Attempt: 1,
		Extra:   map[string]any{"pushedJobCount": 2},
	}, errors.New("connection refused"))
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if !strings.Contains(row.ErrorMessage, `"pushedJobCount":2`) {
		t.Errorf("expected pushedJobCount in message, got %s", row.ErrorMessage)
	}
}

func TestRecordFailureSurfacesStoreError(t *testing.T) {
	rec := NewRecorder(&fakeStore{err: errors.New("db down")}, "", 3)
	if _, err := rec.RecordFailure(context.Background(), Context{Stage: "persistence"}, errors.New("x")); err == nil {
		t.Fatal("expected error when store insert fails")
	}
}

func TestRecordFailureNotifiesWebhook(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		received <- string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := NewRecorder(&fakeStore{}, srv.URL, 3)
	if _, err := rec.RecordFailure(context.Background(), Context{Stage: "image", Attempt: 3}, errors.New("provider down")); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	select {
	case body := <-received:
		if !strings.Contains(body, "image") || !strings.Contains(body, "provider down") {
			t.Errorf("webhook payload missing failure details: %s", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never called")
	}
}

func TestRecordFailureSurvivesWebhookOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	rec := NewRecorder(&fakeStore{}, srv.URL, 3)
	row, err := rec.RecordFailure(context.Background(), Context{Stage: "audio"}, errors.New("x"))
	if err != nil || row == nil {
		t.Fatalf("expected failure row despite webhook outage, got %v, %v", row, err)
	}
}

func TestShouldRetry(t *testing.T) {
	rec := NewRecorder(&fakeStore{}, "", 3)

	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"server error below ceiling", &ai.APIError{StatusCode: 500}, 1, true},
		{"rate limit below ceiling", &ai.APIError{StatusCode: 429}, 2, true},
		{"client error", &ai.APIError{StatusCode: 400}, 1, false},
		{"wrapped server error", fmt.Errorf("call failed: %w", &ai.APIError{StatusCode: 503}), 1, true},
		{"at ceiling", &ai.APIError{StatusCode: 500}, 3, false},
		{"above ceiling", &ai.APIError{StatusCode: 500}, 5, false},
		{"validation error is transient", errors.New("model output failed schema check"), 1, true},
		{"abort is final", errors.New("AbortError: user cancelled"), 1, false},
		{"nil error", nil, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rec.ShouldRetry(tt.err, tt.attempt); got != tt.want {
				t.Errorf("ShouldRetry(%v, %d) = %v, want %v", tt.err, tt.attempt, got, tt.want)
			}
		})
	}
}
