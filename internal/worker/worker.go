// Package worker runs the queue-driven job loop. It claims jobs, routes them
// to the stage handlers and settles the outcome. The database is the source
// of truth throughout; the queue is only a wake-up signal.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/story-loom/pipeline/internal/config"
	"github.com/story-loom/pipeline/internal/database"
	"github.com/story-loom/pipeline/internal/events"
	"github.com/story-loom/pipeline/internal/failures"
	"github.com/story-loom/pipeline/internal/media"
	"github.com/story-loom/pipeline/internal/models"
	"github.com/story-loom/pipeline/internal/orchestrator"
	"github.com/story-loom/pipeline/internal/persist"
	"github.com/story-loom/pipeline/internal/prompts"
	"github.com/story-loom/pipeline/internal/queue"
	"github.com/story-loom/pipeline/internal/storage"
)

const (
	drainTimeout   = 30 * time.Second
	capacityPause  = 100 * time.Millisecond
	errorPause     = time.Second
	jobTimeout     = 10 * time.Minute
	reconcileBatch = 100

	invalidRowShape = "invalid_job_row_shape"
)

var errUnknownJobType = errors.New("unknown job type")

// jobStore is the subset of job DB operations the worker needs.
type jobStore interface {
	Claim(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error)
	Complete(ctx context.Context, id uuid.UUID, resultURI string) error
	Fail(ctx context.Context, id uuid.UUID, reason string) error
	IncrementRetry(ctx context.Context, id uuid.UUID) (int, error)
	ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*models.GenerationJob, error)
}

type assetStore interface {
	InsertIfAbsent(ctx context.Context, asset *models.MediaAsset) (*models.MediaAsset, error)
	AttachToPage(ctx context.Context, pageID uuid.UUID, kind string, assetID uuid.UUID) error
}

type storyStore interface {
	PageID(ctx context.Context, storyID uuid.UUID, pageNumber int) (uuid.UUID, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}

type storyRunner interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

type bundlePersister interface {
	Persist(ctx context.Context, p persist.Params) ([]string, error)
}

type mediaGenerator interface {
	GenerateImage(ctx context.Context, prompt, size string) (*media.Asset, error)
	GenerateAudio(ctx context.Context, text, voice string) (*media.Asset, error)
}

type videoComposer interface {
	Compose(ctx context.Context, in media.ComposeInput) (string, error)
}

type blobUploader interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string, contentLength int64) (string, error)
}

type failurePolicy interface {
	RecordFailure(ctx context.Context, fc failures.Context, cause error) (*models.FailedJob, error)
	ShouldRetry(err error, attempt int) bool
}

type popQueue interface {
	Pop(ctx context.Context, timeout time.Duration) (string, error)
	Push(ctx context.Context, messages ...string) (int, error)
}

// Worker holds one poll loop plus its stage handlers.
type Worker struct {
	queue       popQueue
	jobs        jobStore
	assets      assetStore
	stories     storyStore
	runner      storyRunner
	coordinator bundlePersister
	generator   mediaGenerator
	composer    videoComposer
	uploader    blobUploader
	recorder    failurePolicy
	events      *events.Producer

	concurrency    int
	popTimeout     time.Duration
	reconcileEvery time.Duration
	staleAfter     time.Duration

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// New wires a worker from its concrete dependencies.
func New(
	cfg *config.Config,
	q queue.Queue,
	db *database.DB,
	runner *orchestrator.Orchestrator,
	coordinator *persist.Coordinator,
	generator *media.Generator,
	composer *media.Composer,
	uploader storage.Uploader,
	recorder *failures.Recorder,
	producer *events.Producer,
) *Worker {
	return &Worker{
		queue:          q,
		jobs:           database.NewJobRepository(db),
		assets:         database.NewAssetRepository(db),
		stories:        database.NewStoryRepository(db),
		runner:         runner,
		coordinator:    coordinator,
		generator:      generator,
		composer:       composer,
		uploader:       uploader,
		recorder:       recorder,
		events:         producer,
		concurrency:    cfg.WorkerConcurrency,
		popTimeout:     cfg.WorkerPollInterval,
		reconcileEvery: cfg.ReconcileInterval,
		staleAfter:     cfg.ReconcileStaleAfter,
		running:        make(map[string]struct{}),
	}
}

// Run polls until ctx is cancelled, then drains in-flight handlers for up to
// 30 seconds. Handlers run on their own context so a shutdown signal stops
// the polling first and the work second.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().
		Int("concurrency", w.concurrency).
		Dur("poll_timeout", w.popTimeout).
		Msg("Worker loop started")

	hctx, hcancel := context.WithCancel(context.Background())
	defer hcancel()

	go w.reconcile(ctx)

	for ctx.Err() == nil {
		if w.inFlight() >= w.concurrency {
			pause(ctx, capacityPause)
			continue
		}

		msg, err := w.queue.Pop(ctx, w.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error().Err(err).Msg("Queue pop failed")
			pause(ctx, errorPause)
			continue
		}
		if msg == "" {
			continue
		}

		env, err := queue.ParseEnvelope(msg)
		if err != nil {
			log.Warn().Err(err).Msg("Discarding malformed queue message")
			continue
		}
		if !w.markRunning(env.JobID) {
			log.Debug().Str("job_id", env.JobID).Msg("Job already in flight")
			continue
		}

		w.wg.Add(1)
		go func(id string) {
			defer w.wg.Done()
			defer w.clearRunning(id)
			jctx, cancel := context.WithTimeout(hctx, jobTimeout)
			defer cancel()
			w.handle(jctx, id)
		}(env.JobID)
	}

	log.Info().Int("in_flight", w.inFlight()).Msg("Worker stopping, draining in-flight jobs")
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("Worker drained")
	case <-time.After(drainTimeout):
		log.Warn().Msg("Drain deadline passed, aborting in-flight jobs")
		hcancel()
	}
	return nil
}

// handle processes one claimed job end to end.
func (w *Worker) handle(ctx context.Context, rawID string) {
	jobID, err := uuid.Parse(rawID)
	if err != nil {
		log.Warn().Str("job_id", rawID).Msg("Queue message carried a non-UUID job id")
		return
	}

	job, err := w.jobs.Claim(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", rawID).Msg("Claim failed")
		return
	}
	if job == nil {
		// Another worker took it, or it is not pending anymore.
		log.Info().Str("job_id", rawID).Msg("Job not claimable, skipping")
		return
	}

	started := time.Now()
	log.Info().
		Str("job_id", rawID).
		Str("job_type", job.JobType).
		Int("retry_count", job.RetryCount).
		Msg("Job claimed")

	if defect := validate(job); defect != "" {
		log.Warn().Str("job_id", rawID).Str("defect", defect).Msg("Claimed row failed shape validation")
		w.fail(ctx, job, invalidRowShape)
		return
	}

	resultURI, err := w.route(ctx, job)
	if err != nil {
		w.settleFailure(ctx, job, err)
		return
	}

	if err := w.jobs.Complete(ctx, job.ID, resultURI); err != nil {
		log.Error().Err(err).Str("job_id", rawID).Msg("Could not mark job completed")
		return
	}
	w.events.JobCompleted(ctx, job.ID, job.JobType)
	log.Info().
		Str("job_id", rawID).
		Str("job_type", job.JobType).
		Str("result_uri", resultURI).
		Dur("elapsed", time.Since(started)).
		Msg("Job completed")
}

func (w *Worker) route(ctx context.Context, job *models.GenerationJob) (string, error) {
	switch job.JobType {
	case models.JobTypeStoryScript:
		return w.handleStoryScript(ctx, job)
	case models.JobTypeImage:
		return w.handleImage(ctx, job)
	case models.JobTypeAudio:
		return w.handleAudio(ctx, job)
	case models.JobTypeVideo:
		return w.handleVideo(ctx, job)
	default:
		return "", fmt.Errorf("%w: %s", errUnknownJobType, job.JobType)
	}
}

func (w *Worker) handleStoryScript(ctx context.Context, job *models.GenerationJob) (string, error) {
	storyRef := payloadString(job.Payload, "storyId")
	if storyRef == "" && job.StoryID != nil {
		storyRef = job.StoryID.String()
	}
	theme := payloadString(job.Payload, "theme")
	ageRange := payloadString(job.Payload, "ageRange")
	if ageRange == "" {
		ageRange = prompts.DefaultAgeRange
	}

	res, err := w.runner.Run(ctx, orchestrator.Request{
		StoryRef: storyRef,
		Theme:    theme,
		Tone:     payloadString(job.Payload, "tone"),
		AgeRange: ageRange,
		JobID:    &job.ID,
		Attempt:  job.RetryCount + 1,
	})
	if err != nil {
		return "", err
	}

	mediaJobIDs, err := w.coordinator.Persist(ctx, persist.Params{
		StoryRef:    storyRef,
		Theme:       theme,
		AgeRange:    ageRange,
		JobID:       &job.ID,
		Story:       res.Story,
		Translation: res.Translation,
		Vocabulary:  res.Vocabulary,
	})
	if err != nil {
		return "", err
	}

	w.events.StoryPersisted(ctx, storyRef, len(mediaJobIDs))
	return "story://" + storyRef, nil
}

func (w *Worker) handleImage(ctx context.Context, job *models.GenerationJob) (string, error) {
	pageNumber := payloadInt(job.Payload, "pageNumber")
	artifact, err := w.generator.GenerateImage(ctx, illustrationPrompt(payloadString(job.Payload, "textEn")), "")
	if err != nil {
		return "", err
	}
	key := storage.PageImageKey(job.StoryID.String(), pageNumber)
	return w.saveAsset(ctx, job, models.MediaKindImage, pageNumber, artifact, key)
}

func (w *Worker) handleAudio(ctx context.Context, job *models.GenerationJob) (string, error) {
	pageNumber := payloadInt(job.Payload, "pageNumber")
	text := narrationText(payloadString(job.Payload, "textEn"), payloadString(job.Payload, "textZh"))
	artifact, err := w.generator.GenerateAudio(ctx, text, payloadString(job.Payload, "voice"))
	if err != nil {
		return "", err
	}
	key := storage.PageAudioKey(job.StoryID.String(), pageNumber)
	return w.saveAsset(ctx, job, models.MediaKindAudio, pageNumber, artifact, key)
}

func (w *Worker) handleVideo(ctx context.Context, job *models.GenerationJob) (string, error) {
	localPath, err := w.composer.Compose(ctx, media.ComposeInput{
		ImageURIs:        payloadStrings(job.Payload, "imageUris"),
		AudioURI:         payloadString(job.Payload, "audioUri"),
		PerPageDurations: payloadFloats(job.Payload, "perPageDurations"),
		FPS:              payloadInt(job.Payload, "fps"),
	})
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(filepath.Dir(localPath))

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open composed video: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat composed video: %w", err)
	}

	uri, err := w.uploader.Upload(ctx, storage.StoryVideoKey(job.StoryID.String()), f, "video/mp4", info.Size())
	if err != nil {
		return "", fmt.Errorf("upload video: %w", err)
	}

	if _, err := w.assets.InsertIfAbsent(ctx, &models.MediaAsset{
		StoryID:         *job.StoryID,
		Kind:            models.MediaKindVideo,
		URI:             uri,
		Format:          "mp4",
		GeneratingJobID: job.ID,
	}); err != nil {
		return "", err
	}

	// The composed video is the last artifact of a story.
	if err := w.stories.UpdateStatus(ctx, *job.StoryID, models.StoryStatusPublished); err != nil {
		log.Warn().Err(err).Str("story_id", job.StoryID.String()).Msg("Could not mark story published")
	}
	return uri, nil
}

// saveAsset uploads inline artifact bytes when present, records the asset row
// and back-references it from its page.
func (w *Worker) saveAsset(ctx context.Context, job *models.GenerationJob, kind string, pageNumber int, artifact *media.Asset, key string) (string, error) {
	uri := artifact.URI
	if artifact.Data != nil {
		var err error
		uri, err = w.uploader.Upload(ctx, key, artifact.Data, artifact.MimeType, artifact.Size)
		if err != nil {
			return "", fmt.Errorf("upload %s: %w", kind, err)
		}
	}

	row := &models.MediaAsset{
		StoryID:         *job.StoryID,
		Kind:            kind,
		URI:             uri,
		Format:          artifact.Format,
		Metadata:        artifact.Metadata,
		GeneratingJobID: job.ID,
	}
	if artifact.Duration > 0 {
		d := artifact.Duration
		row.DurationSeconds = &d
	}
	if pageNumber > 0 {
		pageID, err := w.stories.PageID(ctx, *job.StoryID, pageNumber)
		if err != nil {
			return "", fmt.Errorf("locate page %d: %w", pageNumber, err)
		}
		row.PageID = &pageID
	}

	// On a duplicate claim the insert is a no-op and the stored row wins.
	saved, err := w.assets.InsertIfAbsent(ctx, row)
	if err != nil {
		return "", err
	}
	if saved.PageID != nil {
		if err := w.assets.AttachToPage(ctx, *saved.PageID, kind, saved.ID); err != nil {
			return "", err
		}
	}
	return saved.URI, nil
}

// settleFailure applies the retry policy to a handler error.
func (w *Worker) settleFailure(ctx context.Context, job *models.GenerationJob, cause error) {
	if errors.Is(cause, errUnknownJobType) {
		log.Error().Str("job_id", job.ID.String()).Str("job_type", job.JobType).Msg("No handler for job type")
		w.fail(ctx, job, cause.Error())
		return
	}

	count, err := w.jobs.IncrementRetry(ctx, job.ID)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID.String()).Msg("Could not increment retry count")
		count = job.RetryCount + 1
	}

	if w.recorder.ShouldRetry(cause, count) {
		log.Warn().Err(cause).Str("job_id", job.ID.String()).Int("attempt", count).Msg("Job failed, eligible for retry")
		w.fail(ctx, job, "temporary_error:"+cause.Error())
		return
	}

	log.Error().Err(cause).Str("job_id", job.ID.String()).Int("attempt", count).Msg("Job failed permanently")
	w.fail(ctx, job, "permanent_error:"+cause.Error())

	fc := failures.Context{
		JobID:    &job.ID,
		StoryRef: storyRefOf(job),
		Stage:    job.JobType,
		Attempt:  count,
	}
	if _, rerr := w.recorder.RecordFailure(ctx, fc, cause); rerr != nil {
		log.Error().Err(rerr).Str("job_id", job.ID.String()).Msg("Could not record permanent failure")
	}
	w.events.JobFailed(ctx, job.ID, job.JobType, cause.Error())
}

func (w *Worker) fail(ctx context.Context, job *models.GenerationJob, reason string) {
	if err := w.jobs.Fail(ctx, job.ID, reason); err != nil {
		log.Error().Err(err).Str("job_id", job.ID.String()).Msg("Could not mark job failed")
	}
}

// reconcile periodically re-announces pending jobs whose envelope was lost.
// The jobs table stays authoritative; pushing twice is harmless because Claim
// is atomic.
func (w *Worker) reconcile(ctx context.Context) {
	if w.reconcileEvery <= 0 {
		return
	}
	log.Info().
		Dur("interval", w.reconcileEvery).
		Dur("stale_after", w.staleAfter).
		Msg("Reconciler started")

	ticker := time.NewTicker(w.reconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reconcileOnce(ctx)
		}
	}
}

func (w *Worker) reconcileOnce(ctx context.Context) {
	stale, err := w.jobs.ListStalePending(ctx, w.staleAfter, reconcileBatch)
	if err != nil {
		log.Error().Err(err).Msg("Reconciler could not list stale jobs")
		return
	}
	var messages []string
	for _, job := range stale {
		if w.isRunning(job.ID.String()) {
			continue
		}
		messages = append(messages, queue.NewEnvelope(job.ID.String()))
	}
	if len(messages) == 0 {
		return
	}
	if _, err := w.queue.Push(ctx, messages...); err != nil {
		log.Error().Err(err).Int("jobs", len(messages)).Msg("Reconciler push failed")
		return
	}
	log.Info().Int("jobs", len(messages)).Msg("Reconciler re-announced stale pending jobs")
}

// validate checks that a claimed row carries what its handler will need.
func validate(job *models.GenerationJob) string {
	switch job.JobType {
	case models.JobTypeStoryScript:
		if payloadString(job.Payload, "theme") == "" {
			return "missing theme"
		}
	case models.JobTypeImage, models.JobTypeAudio:
		if job.StoryID == nil {
			return "missing story id"
		}
		if payloadInt(job.Payload, "pageNumber") < 1 {
			return "missing page number"
		}
		if payloadString(job.Payload, "textEn") == "" {
			return "missing page text"
		}
	case models.JobTypeVideo:
		if job.StoryID == nil {
			return "missing story id"
		}
		if len(payloadStrings(job.Payload, "imageUris")) == 0 {
			return "missing image uris"
		}
	}
	return ""
}

func (w *Worker) inFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

func (w *Worker) markRunning(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.running[id]; ok {
		return false
	}
	w.running[id] = struct{}{}
	return true
}

func (w *Worker) clearRunning(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.running, id)
}

func (w *Worker) isRunning(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.running[id]
	return ok
}

func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// illustrationPrompt frames a page text as an image brief. The fixed style
// words keep the pages of one story visually consistent.
func illustrationPrompt(textEn string) string {
	return "Children's picture book illustration, soft watercolor style, warm colors, " +
		"friendly rounded characters, no text or lettering. Scene: " + textEn
}

// narrationText is the bilingual read-aloud script: English first, then the
// Mandarin rendering of the same page.
func narrationText(textEn, textZh string) string {
	if textZh == "" {
		return textEn
	}
	return textEn + "\n\n" + textZh
}

func storyRefOf(job *models.GenerationJob) string {
	if ref := payloadString(job.Payload, "storyId"); ref != "" {
		return ref
	}
	if job.StoryID != nil {
		return job.StoryID.String()
	}
	return ""
}

func payloadString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

// payloadInt tolerates both float64 (JSONB round trip) and int (in-process).
func payloadInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func payloadStrings(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func payloadFloats(m map[string]any, key string) []float64 {
	switch v := m[key].(type) {
	case []float64:
		return v
	case []any:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			if f, ok := item.(float64); ok {
				out = append(out, f)
			}
		}
		return out
	}
	return nil
}
