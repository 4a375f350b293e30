package models

import (
	"time"

	"github.com/google/uuid"
)

// Story statuses.
const (
	StoryStatusDraft      = "draft"
	StoryStatusScheduled  = "scheduled"
	StoryStatusProcessing = "processing"
	StoryStatusPublished  = "published"
	StoryStatusFailed     = "failed"
)

// Job statuses.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Job types.
const (
	JobTypeStoryScript = "story_script"
	JobTypeTranslation = "translation"
	JobTypeVocabulary  = "vocabulary"
	JobTypeImage       = "image"
	JobTypeAudio       = "audio"
	JobTypeVideo       = "video"
)

// Media kinds.
const (
	MediaKindImage = "image"
	MediaKindAudio = "audio"
	MediaKindVideo = "video"
)

// Story is the aggregate root. Pages, vocab entries, jobs and assets all hang
// off it and are removed with it.
type Story struct {
	ID        uuid.UUID      `json:"id"`
	TitleEn   string         `json:"title_en"`
	TitleZh   string         `json:"title_zh"`
	Theme     string         `json:"theme"`
	Status    string         `json:"status"` // draft, scheduled, processing, published, failed
	AgeRange  string         `json:"age_range"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// StoryPage is one of exactly ten ordered pages of a story. Text fields are
// immutable after insertion; only the asset back-references change.
type StoryPage struct {
	ID           uuid.UUID  `json:"id"`
	StoryID      uuid.UUID  `json:"story_id"`
	PageNumber   int        `json:"page_number"` // 1..10, unique within story
	TextEn       string     `json:"text_en"`
	TextZh       string     `json:"text_zh"`
	WordCount    int        `json:"word_count"`
	ImageAssetID *uuid.UUID `json:"image_asset_id,omitempty"`
	AudioAssetID *uuid.UUID `json:"audio_asset_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// VocabEntry is one of exactly ten vocabulary items extracted per story.
type VocabEntry struct {
	ID                 uuid.UUID `json:"id"`
	StoryID            uuid.UUID `json:"story_id"`
	Word               string    `json:"word"`
	PartOfSpeech       string    `json:"part_of_speech"`
	DefinitionEn       string    `json:"definition_en"`
	DefinitionZh       string    `json:"definition_zh"`
	ExampleSentence    string    `json:"example_sentence"`
	ExampleTranslation string    `json:"example_translation"`
	CefrLevel          *string   `json:"cefr_level,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// GenerationJob is the unit of asynchronous work. Only ClaimJob moves a row
// into processing, and it does so atomically.
type GenerationJob struct {
	ID            uuid.UUID      `json:"id"`
	StoryID       *uuid.UUID     `json:"story_id,omitempty"`
	JobType       string         `json:"job_type"` // story_script, translation, vocabulary, image, audio, video
	Status        string         `json:"status"`   // pending, processing, completed, failed
	RetryCount    int            `json:"retry_count"`
	Payload       map[string]any `json:"payload,omitempty"`
	ResultURI     *string        `json:"result_uri,omitempty"`
	FailureReason *string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

// MediaAsset is a produced artifact. At most one asset exists per generating
// job; insertion is idempotent on that key.
type MediaAsset struct {
	ID              uuid.UUID      `json:"id"`
	StoryID         uuid.UUID      `json:"story_id"`
	PageID          *uuid.UUID     `json:"page_id,omitempty"`
	Kind            string         `json:"kind"` // image, audio, video
	URI             string         `json:"uri"`
	Format          string         `json:"format"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	GeneratingJobID uuid.UUID      `json:"generating_job_id"`
	CreatedAt       time.Time      `json:"created_at"`
}

// FailedJob is the audit row for a permanent failure or a coordination
// failure outside a specific job (stage persistence or upstash_push).
type FailedJob struct {
	ID           uuid.UUID  `json:"id"`
	JobID        *uuid.UUID `json:"job_id,omitempty"`
	ErrorCode    string     `json:"error_code"`
	ErrorMessage string     `json:"error_message"`
	Resolved     bool       `json:"resolved"`
	CreatedAt    time.Time  `json:"created_at"`
}

// WeeklySchedule drives the scheduler binary: one story per active row on its
// weekday.
type WeeklySchedule struct {
	ID               uuid.UUID  `json:"id"`
	DayOfWeek        int        `json:"day_of_week"` // 0=Sunday .. 6=Saturday
	Theme            string     `json:"theme"`
	Tone             string     `json:"tone"`
	AgeRange         string     `json:"age_range"`
	Active           bool       `json:"active"`
	LastDispatchedAt *time.Time `json:"last_dispatched_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// AuditLog records who asked for what through the dispatch surfaces.
type AuditLog struct {
	ID         uuid.UUID      `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// User exists for the optional API-key middleware on the dispatch API.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	DisplayName  *string   `json:"display_name,omitempty"`
	Role         string    `json:"role"` // admin, editor, service
	APIKeyPrefix string    `json:"-"`
	APIKeyHash   string    `json:"-"`
	Status       string    `json:"status"` // active, disabled
	CreatedAt    time.Time `json:"created_at"`
}

// DispatchRequest is the body of POST /generation/story-script. Field names
// follow the public wire contract, not the storage schema.
type DispatchRequest struct {
	StoryID     string `json:"storyId,omitempty"`
	Theme       string `json:"theme"`
	Tone        string `json:"tone,omitempty"`
	AgeRange    string `json:"ageRange,omitempty"`
	ScheduledAt string `json:"scheduledAt,omitempty"`
	InitiatedBy string `json:"initiatedBy,omitempty"`
}

// DispatchResponse is the synchronous answer: ids only, work proceeds async.
type DispatchResponse struct {
	OK      bool     `json:"ok"`
	StoryID string   `json:"storyId"`
	JobIDs  []string `json:"jobIds"`
}

// JobStatusResponse is the shape of GET /generation/jobs/{id} and of each
// websocket watch frame.
type JobStatusResponse struct {
	JobID         uuid.UUID  `json:"jobId"`
	StoryID       *uuid.UUID `json:"storyId,omitempty"`
	JobType       string     `json:"jobType"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retryCount"`
	ResultURI     *string    `json:"resultUri,omitempty"`
	FailureReason *string    `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

// StatusResponse converts a job row to its public representation.
func (j *GenerationJob) StatusResponse() *JobStatusResponse {
	return &JobStatusResponse{
		JobID:         j.ID,
		StoryID:       j.StoryID,
		JobType:       j.JobType,
		Status:        j.Status,
		RetryCount:    j.RetryCount,
		ResultURI:     j.ResultURI,
		FailureReason: j.FailureReason,
		CreatedAt:     j.CreatedAt,
		FinishedAt:    j.FinishedAt,
	}
}
