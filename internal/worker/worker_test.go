package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/story-loom/pipeline/internal/assemble"
	"github.com/story-loom/pipeline/internal/failures"
	"github.com/story-loom/pipeline/internal/media"
	"github.com/story-loom/pipeline/internal/models"
	"github.com/story-loom/pipeline/internal/orchestrator"
	"github.com/story-loom/pipeline/internal/persist"
	"github.com/story-loom/pipeline/internal/queue"
)

type fakeJobStore struct {
	mu        sync.Mutex
	claimJob  *models.GenerationJob
	claimErr  error
	claims    []uuid.UUID
	completed map[uuid.UUID]string
	failed    map[uuid.UUID]string
	retryNext int
	retryErr  error
	retries   int
	stale     []*models.GenerationJob
	staleErr  error
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		completed: make(map[uuid.UUID]string),
		failed:    make(map[uuid.UUID]string),
	}
}

func (f *fakeJobStore) Claim(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, id)
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if f.claimJob == nil || f.claimJob.ID != id {
		return nil, nil
	}
	job := *f.claimJob
	job.Status = models.JobStatusProcessing
	return &job, nil
}

func (f *fakeJobStore) Complete(ctx context.Context, id uuid.UUID, resultURI string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[id] = resultURI
	return nil
}

func (f *fakeJobStore) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = reason
	return nil
}

func (f *fakeJobStore) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
	if f.retryErr != nil {
		return 0, f.retryErr
	}
	return f.retryNext, nil
}

func (f *fakeJobStore) ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*models.GenerationJob, error) {
	return f.stale, f.staleErr
}

func (f *fakeJobStore) completedURI(id uuid.UUID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uri, ok := f.completed[id]
	return uri, ok
}

func (f *fakeJobStore) failedReason(id uuid.UUID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reason, ok := f.failed[id]
	return reason, ok
}

type fakeWorkQueue struct {
	mu       sync.Mutex
	messages []string
	pushed   []string
	pushErr  error
}

func (f *fakeWorkQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	f.mu.Lock()
	if len(f.messages) > 0 {
		msg := f.messages[0]
		f.messages = f.messages[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(timeout):
	}
	return "", nil
}

func (f *fakeWorkQueue) Push(ctx context.Context, messages ...string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, messages...)
	if f.pushErr != nil {
		return 0, f.pushErr
	}
	return len(messages), nil
}

type fakeRunner struct {
	req    orchestrator.Request
	result *orchestrator.Result
	err    error
	calls  int
}

func (f *fakeRunner) Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error) {
	f.calls++
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeCoordinator struct {
	params persist.Params
	ids    []string
	err    error
	calls  int
}

func (f *fakeCoordinator) Persist(ctx context.Context, p persist.Params) ([]string, error) {
	f.calls++
	f.params = p
	if f.err != nil {
		return nil, f.err
	}
	return f.ids, nil
}

type fakeGenerator struct {
	imagePrompt string
	imageSize   string
	imageAsset  *media.Asset
	imageErr    error
	imageCalls  int

	audioText  string
	audioVoice string
	audioAsset *media.Asset
	audioErr   error
	audioCalls int
}

func (f *fakeGenerator) GenerateImage(ctx context.Context, prompt, size string) (*media.Asset, error) {
	f.imageCalls++
	f.imagePrompt = prompt
	f.imageSize = size
	return f.imageAsset, f.imageErr
}

func (f *fakeGenerator) GenerateAudio(ctx context.Context, text, voice string) (*media.Asset, error) {
	f.audioCalls++
	f.audioText = text
	f.audioVoice = voice
	return f.audioAsset, f.audioErr
}

type fakeComposer struct {
	in    media.ComposeInput
	path  string
	err   error
	calls int
}

func (f *fakeComposer) Compose(ctx context.Context, in media.ComposeInput) (string, error) {
	f.calls++
	f.in = in
	return f.path, f.err
}

type fakeUploader struct {
	key         string
	contentType string
	size        int64
	data        []byte
	err         error
	calls       int
}

func (f *fakeUploader) Upload(ctx context.Context, key string, data io.Reader, contentType string, contentLength int64) (string, error) {
	f.calls++
	f.key = key
	f.contentType = contentType
	f.size = contentLength
	f.data, _ = io.ReadAll(data)
	if f.err != nil {
		return "", f.err
	}
	return "uploaded://" + key, nil
}

type fakeAssets struct {
	inserted     *models.MediaAsset
	insertErr    error
	attachedPage uuid.UUID
	attachedKind string
	attachedID   uuid.UUID
	attachErr    error
	attachCalls  int
}

func (f *fakeAssets) InsertIfAbsent(ctx context.Context, asset *models.MediaAsset) (*models.MediaAsset, error) {
	f.inserted = asset
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	out := *asset
	out.ID = uuid.New()
	return &out, nil
}

func (f *fakeAssets) AttachToPage(ctx context.Context, pageID uuid.UUID, kind string, assetID uuid.UUID) error {
	f.attachCalls++
	f.attachedPage = pageID
	f.attachedKind = kind
	f.attachedID = assetID
	return f.attachErr
}

type fakeStories struct {
	pageID      uuid.UUID
	pageErr     error
	pageStory   uuid.UUID
	pageNumber  int
	status      string
	statusStory uuid.UUID
}

func (f *fakeStories) PageID(ctx context.Context, storyID uuid.UUID, pageNumber int) (uuid.UUID, error) {
	f.pageStory = storyID
	f.pageNumber = pageNumber
	if f.pageErr != nil {
		return uuid.Nil, f.pageErr
	}
	return f.pageID, nil
}

func (f *fakeStories) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	f.statusStory = id
	f.status = status
	return nil
}

type fakePolicy struct {
	retry    bool
	contexts []failures.Context
	causes   []error
}

func (f *fakePolicy) RecordFailure(ctx context.Context, fc failures.Context, cause error) (*models.FailedJob, error) {
	f.contexts = append(f.contexts, fc)
	f.causes = append(f.causes, cause)
	return &models.FailedJob{ID: uuid.New()}, nil
}

func (f *fakePolicy) ShouldRetry(err error, attempt int) bool { return f.retry }

type workerFixtures struct {
	queue       *fakeWorkQueue
	jobs        *fakeJobStore
	assets      *fakeAssets
	stories     *fakeStories
	runner      *fakeRunner
	coordinator *fakeCoordinator
	generator   *fakeGenerator
	composer    *fakeComposer
	uploader    *fakeUploader
	policy      *fakePolicy
}

func newTestWorker() (*Worker, *workerFixtures) {
	fx := &workerFixtures{
		queue:       &fakeWorkQueue{},
		jobs:        newFakeJobStore(),
		assets:      &fakeAssets{},
		stories:     &fakeStories{pageID: uuid.New()},
		runner:      &fakeRunner{},
		coordinator: &fakeCoordinator{},
		generator:   &fakeGenerator{},
		composer:    &fakeComposer{},
		uploader:    &fakeUploader{},
		policy:      &fakePolicy{retry: true},
	}
	w := &Worker{
		queue:       fx.queue,
		jobs:        fx.jobs,
		assets:      fx.assets,
		stories:     fx.stories,
		runner:      fx.runner,
		coordinator: fx.coordinator,
		generator:   fx.generator,
		composer:    fx.composer,
		uploader:    fx.uploader,
		recorder:    fx.policy,
		concurrency: 2,
		popTimeout:  5 * time.Millisecond,
		staleAfter:  time.Minute,
		running:     make(map[string]struct{}),
	}
	return w, fx
}

func storyScriptJob() *models.GenerationJob {
	storyID := uuid.New()
	return &models.GenerationJob{
		ID:      uuid.New(),
		StoryID: &storyID,
		JobType: models.JobTypeStoryScript,
		Status:  models.JobStatusPending,
		Payload: map[string]any{
			"type":    "story_script",
			"storyId": storyID.String(),
			"theme":   "courage",
			"tone":    "gentle",
		},
	}
}

func imageJob() *models.GenerationJob {
	storyID := uuid.New()
	return &models.GenerationJob{
		ID:      uuid.New(),
		StoryID: &storyID,
		JobType: models.JobTypeImage,
		Status:  models.JobStatusPending,
		Payload: map[string]any{
			"type":       "image",
			"storyId":    storyID.String(),
			"pageNumber": float64(3),
			"textEn":     "A bear waves hello.",
		},
	}
}

func audioJob() *models.GenerationJob {
	storyID := uuid.New()
	return &models.GenerationJob{
		ID:      uuid.New(),
		StoryID: &storyID,
		JobType: models.JobTypeAudio,
		Status:  models.JobStatusPending,
		Payload: map[string]any{
			"type":       "audio",
			"storyId":    storyID.String(),
			"pageNumber": float64(2),
			"textEn":     "Hello, little bear.",
			"textZh":     "你好，小熊。",
		},
	}
}

func videoJob() *models.GenerationJob {
	storyID := uuid.New()
	return &models.GenerationJob{
		ID:      uuid.New(),
		StoryID: &storyID,
		JobType: models.JobTypeVideo,
		Status:  models.JobStatusPending,
		Payload: map[string]any{
			"type":             "video",
			"storyId":          storyID.String(),
			"imageUris":        []any{"file:///tmp/a.png", "file:///tmp/b.png"},
			"audioUri":         "file:///tmp/story.wav",
			"perPageDurations": []any{2.5, 3.0},
		},
	}
}

func pipelineResult() *orchestrator.Result {
	return &orchestrator.Result{
		Story: &assemble.StoryDraft{
			TitleEn: "The Kind Fox",
			Pages:   []assemble.StoryPageDraft{{PageNumber: 1, TextEn: "A fox smiles."}},
		},
		Translation: &assemble.TranslationDraft{TitleZh: "善良的狐狸"},
		Vocabulary:  &assemble.VocabularyDraft{},
	}
}

func TestHandleStoryScriptCompletes(t *testing.T) {
	w, fx := newTestWorker()
	job := storyScriptJob()
	fx.jobs.claimJob = job
	fx.runner.result = pipelineResult()
	fx.coordinator.ids = []string{"a", "b"}

	w.handle(context.Background(), job.ID.String())

	if fx.runner.calls != 1 {
		t.Fatalf("runner calls = %d", fx.runner.calls)
	}
	req := fx.runner.req
	if req.Theme != "courage" || req.Tone != "gentle" {
		t.Errorf("request = %+v", req)
	}
	if req.StoryRef != job.StoryID.String() {
		t.Errorf("story ref = %q", req.StoryRef)
	}
	if req.AgeRange != "0-6" {
		t.Errorf("age range = %q, want the default", req.AgeRange)
	}
	if req.JobID == nil || *req.JobID != job.ID || req.Attempt != 1 {
		t.Errorf("job context = %+v", req)
	}

	if fx.coordinator.calls != 1 {
		t.Fatalf("coordinator calls = %d", fx.coordinator.calls)
	}
	if fx.coordinator.params.Story != fx.runner.result.Story {
		t.Error("coordinator did not receive the orchestrated story")
	}
	if fx.coordinator.params.Theme != "courage" || fx.coordinator.params.AgeRange != "0-6" {
		t.Errorf("coordinator params = %+v", fx.coordinator.params)
	}

	uri, ok := fx.jobs.completedURI(job.ID)
	if !ok || uri != "story://"+job.StoryID.String() {
		t.Errorf("completed uri = %q, ok = %v", uri, ok)
	}
	if _, failed := fx.jobs.failedReason(job.ID); failed {
		t.Error("job also marked failed")
	}
}

func TestHandleClaimMiss(t *testing.T) {
	w, fx := newTestWorker()

	w.handle(context.Background(), uuid.NewString())

	if fx.runner.calls != 0 || fx.generator.imageCalls != 0 {
		t.Error("handlers ran for an unclaimable job")
	}
	if len(fx.jobs.completed) != 0 || len(fx.jobs.failed) != 0 {
		t.Error("job status touched for an unclaimable job")
	}
}

func TestHandleInvalidShape(t *testing.T) {
	w, fx := newTestWorker()
	job := imageJob()
	delete(job.Payload, "textEn")
	fx.jobs.claimJob = job

	w.handle(context.Background(), job.ID.String())

	reason, ok := fx.jobs.failedReason(job.ID)
	if !ok || reason != "invalid_job_row_shape" {
		t.Errorf("failure reason = %q, ok = %v", reason, ok)
	}
	if fx.generator.imageCalls != 0 {
		t.Error("handler ran despite shape mismatch")
	}
	if fx.jobs.retries != 0 {
		t.Error("shape mismatch should not consume a retry")
	}
}

func TestHandleUnknownJobType(t *testing.T) {
	w, fx := newTestWorker()
	job := storyScriptJob()
	job.JobType = "subtitles"
	fx.jobs.claimJob = job

	w.handle(context.Background(), job.ID.String())

	reason, ok := fx.jobs.failedReason(job.ID)
	if !ok || reason != "unknown job type: subtitles" {
		t.Errorf("failure reason = %q, ok = %v", reason, ok)
	}
	if fx.jobs.retries != 0 {
		t.Error("unknown type should be terminal, not retried")
	}
	if len(fx.policy.contexts) != 0 {
		t.Error("unknown type recorded as failure row")
	}
}

func TestHandleTemporaryFailure(t *testing.T) {
	w, fx := newTestWorker()
	job := storyScriptJob()
	fx.jobs.claimJob = job
	fx.runner.err = errors.New("transient glitch")
	fx.jobs.retryNext = 1
	fx.policy.retry = true

	w.handle(context.Background(), job.ID.String())

	reason, _ := fx.jobs.failedReason(job.ID)
	if reason != "temporary_error:transient glitch" {
		t.Errorf("failure reason = %q", reason)
	}
	if len(fx.policy.contexts) != 0 {
		t.Error("temporary failure must not write a failure row")
	}
}

func TestHandlePermanentFailure(t *testing.T) {
	w, fx := newTestWorker()
	job := storyScriptJob()
	fx.jobs.claimJob = job
	fx.runner.err = errors.New("quota exhausted")
	fx.jobs.retryNext = 3
	fx.policy.retry = false

	w.handle(context.Background(), job.ID.String())

	reason, _ := fx.jobs.failedReason(job.ID)
	if reason != "permanent_error:quota exhausted" {
		t.Errorf("failure reason = %q", reason)
	}
	if len(fx.policy.contexts) != 1 {
		t.Fatalf("failure rows = %d, want 1", len(fx.policy.contexts))
	}
	fc := fx.policy.contexts[0]
	if fc.Stage != models.JobTypeStoryScript || fc.Attempt != 3 {
		t.Errorf("failure context = %+v", fc)
	}
	if fc.JobID == nil || *fc.JobID != job.ID {
		t.Errorf("failure job id = %v", fc.JobID)
	}
	if fc.StoryRef != job.StoryID.String() {
		t.Errorf("failure story ref = %q", fc.StoryRef)
	}
}

func TestHandleImageUploadsAndAttaches(t *testing.T) {
	w, fx := newTestWorker()
	job := imageJob()
	fx.jobs.claimJob = job
	png := []byte("\x89PNG fake bytes")
	fx.generator.imageAsset = &media.Asset{
		Data:     bytes.NewReader(png),
		Size:     int64(len(png)),
		Format:   "png",
		MimeType: "image/png",
		Metadata: map[string]any{"model": "test"},
	}

	w.handle(context.Background(), job.ID.String())

	if !strings.Contains(fx.generator.imagePrompt, "A bear waves hello.") {
		t.Errorf("prompt = %q", fx.generator.imagePrompt)
	}
	if !strings.Contains(fx.generator.imagePrompt, "picture book illustration") {
		t.Errorf("prompt missing style brief: %q", fx.generator.imagePrompt)
	}

	wantKey := "stories/" + job.StoryID.String() + "/pages/3/image.png"
	if fx.uploader.key != wantKey {
		t.Errorf("upload key = %q, want %q", fx.uploader.key, wantKey)
	}
	if fx.uploader.contentType != "image/png" || !bytes.Equal(fx.uploader.data, png) {
		t.Errorf("upload = %q %q", fx.uploader.contentType, fx.uploader.data)
	}

	row := fx.assets.inserted
	if row == nil {
		t.Fatal("no asset row inserted")
	}
	if row.Kind != models.MediaKindImage || row.StoryID != *job.StoryID || row.GeneratingJobID != job.ID {
		t.Errorf("asset row = %+v", row)
	}
	if row.PageID == nil || *row.PageID != fx.stories.pageID {
		t.Errorf("asset page id = %v, want %s", row.PageID, fx.stories.pageID)
	}
	if row.URI != "uploaded://"+wantKey {
		t.Errorf("asset uri = %q", row.URI)
	}

	if fx.assets.attachCalls != 1 || fx.assets.attachedKind != models.MediaKindImage || fx.assets.attachedPage != fx.stories.pageID {
		t.Errorf("attach = %d %q %s", fx.assets.attachCalls, fx.assets.attachedKind, fx.assets.attachedPage)
	}

	uri, _ := fx.jobs.completedURI(job.ID)
	if uri != "uploaded://"+wantKey {
		t.Errorf("completed uri = %q", uri)
	}
}

func TestHandleImagePlaceholderSkipsUpload(t *testing.T) {
	w, fx := newTestWorker()
	job := imageJob()
	fx.jobs.claimJob = job
	fx.generator.imageAsset = &media.Asset{
		URI:    "https://placehold.co/1024x1024/png?text=A+bear",
		Format: "png",
	}

	w.handle(context.Background(), job.ID.String())

	if fx.uploader.calls != 0 {
		t.Error("placeholder artifact should not be uploaded")
	}
	if fx.assets.inserted == nil || fx.assets.inserted.URI != fx.generator.imageAsset.URI {
		t.Errorf("asset row = %+v", fx.assets.inserted)
	}
	uri, _ := fx.jobs.completedURI(job.ID)
	if uri != fx.generator.imageAsset.URI {
		t.Errorf("completed uri = %q", uri)
	}
}

func TestHandleAudioBilingualNarration(t *testing.T) {
	w, fx := newTestWorker()
	job := audioJob()
	fx.jobs.claimJob = job
	wav := []byte("RIFF fake wav")
	fx.generator.audioAsset = &media.Asset{
		Data:     bytes.NewReader(wav),
		Size:     int64(len(wav)),
		Format:   "wav",
		MimeType: "audio/wav",
		Duration: 4.2,
	}

	w.handle(context.Background(), job.ID.String())

	if fx.generator.audioText != "Hello, little bear.\n\n你好，小熊。" {
		t.Errorf("narration = %q", fx.generator.audioText)
	}

	wantKey := "stories/" + job.StoryID.String() + "/pages/2/audio.wav"
	if fx.uploader.key != wantKey {
		t.Errorf("upload key = %q", fx.uploader.key)
	}

	row := fx.assets.inserted
	if row.Kind != models.MediaKindAudio {
		t.Errorf("asset kind = %q", row.Kind)
	}
	if row.DurationSeconds == nil || *row.DurationSeconds != 4.2 {
		t.Errorf("duration = %v", row.DurationSeconds)
	}
	if fx.assets.attachedKind != models.MediaKindAudio {
		t.Errorf("attached kind = %q", fx.assets.attachedKind)
	}
}

func TestHandleVideoComposesUploadsAndPublishes(t *testing.T) {
	w, fx := newTestWorker()
	job := videoJob()
	fx.jobs.claimJob = job

	workDir := filepath.Join(t.TempDir(), "compose")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatal(err)
	}
	localPath := filepath.Join(workDir, "story.mp4")
	if err := os.WriteFile(localPath, []byte("MP4DATA"), 0o644); err != nil {
		t.Fatal(err)
	}
	fx.composer.path = localPath

	w.handle(context.Background(), job.ID.String())

	in := fx.composer.in
	if len(in.ImageURIs) != 2 || in.ImageURIs[0] != "file:///tmp/a.png" {
		t.Errorf("compose images = %v", in.ImageURIs)
	}
	if in.AudioURI != "file:///tmp/story.wav" {
		t.Errorf("compose audio = %q", in.AudioURI)
	}
	if len(in.PerPageDurations) != 2 || in.PerPageDurations[0] != 2.5 {
		t.Errorf("compose durations = %v", in.PerPageDurations)
	}

	wantKey := "stories/" + job.StoryID.String() + "/video.mp4"
	if fx.uploader.key != wantKey || string(fx.uploader.data) != "MP4DATA" {
		t.Errorf("upload = %q %q", fx.uploader.key, fx.uploader.data)
	}
	if fx.uploader.contentType != "video/mp4" || fx.uploader.size != int64(len("MP4DATA")) {
		t.Errorf("upload meta = %q %d", fx.uploader.contentType, fx.uploader.size)
	}

	if fx.assets.inserted.Kind != models.MediaKindVideo || fx.assets.inserted.PageID != nil {
		t.Errorf("asset row = %+v", fx.assets.inserted)
	}
	if fx.stories.status != models.StoryStatusPublished || fx.stories.statusStory != *job.StoryID {
		t.Errorf("story status = %q for %s", fx.stories.status, fx.stories.statusStory)
	}

	uri, _ := fx.jobs.completedURI(job.ID)
	if uri != "uploaded://"+wantKey {
		t.Errorf("completed uri = %q", uri)
	}

	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Errorf("compose workspace not cleaned up: %v", err)
	}
}

func TestRunProcessesQueueAndDrains(t *testing.T) {
	w, fx := newTestWorker()
	job := storyScriptJob()
	fx.jobs.claimJob = job
	fx.runner.result = pipelineResult()
	fx.queue.messages = []string{
		queue.NewEnvelope(job.ID.String()),
		"not an envelope",
		queue.NewEnvelope(uuid.NewString()), // claim miss
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := fx.jobs.completedURI(job.ID); ok {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("job never completed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if w.inFlight() != 0 {
		t.Errorf("in flight after drain = %d", w.inFlight())
	}
}

func TestReconcileOncePushesStaleEnvelopes(t *testing.T) {
	w, fx := newTestWorker()
	inFlight := storyScriptJob()
	stale := storyScriptJob()
	fx.jobs.stale = []*models.GenerationJob{inFlight, stale}
	w.markRunning(inFlight.ID.String())

	w.reconcileOnce(context.Background())

	if len(fx.queue.pushed) != 1 {
		t.Fatalf("pushed %d envelopes, want 1 (in-flight job skipped)", len(fx.queue.pushed))
	}
	env, err := queue.ParseEnvelope(fx.queue.pushed[0])
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if env.JobID != stale.ID.String() {
		t.Errorf("re-announced %s, want %s", env.JobID, stale.ID)
	}
}

func TestMarkRunningBlocksReentry(t *testing.T) {
	w, _ := newTestWorker()
	if !w.markRunning("job-1") {
		t.Fatal("first mark failed")
	}
	if w.markRunning("job-1") {
		t.Fatal("re-entered an in-flight job")
	}
	w.clearRunning("job-1")
	if !w.markRunning("job-1") {
		t.Fatal("mark after clear failed")
	}
}

func TestValidateShapes(t *testing.T) {
	storyID := uuid.New()
	tests := []struct {
		name string
		job  *models.GenerationJob
		want string
	}{
		{"story script ok", storyScriptJob(), ""},
		{"image ok", imageJob(), ""},
		{"audio ok", audioJob(), ""},
		{"video ok", videoJob(), ""},
		{
			"story script without theme",
			&models.GenerationJob{JobType: models.JobTypeStoryScript, Payload: map[string]any{"storyId": "x"}},
			"missing theme",
		},
		{
			"image without page number",
			&models.GenerationJob{JobType: models.JobTypeImage, StoryID: &storyID, Payload: map[string]any{"textEn": "hi"}},
			"missing page number",
		},
		{
			"image without story id",
			&models.GenerationJob{JobType: models.JobTypeImage, Payload: map[string]any{"pageNumber": float64(1), "textEn": "hi"}},
			"missing story id",
		},
		{
			"audio without text",
			&models.GenerationJob{JobType: models.JobTypeAudio, StoryID: &storyID, Payload: map[string]any{"pageNumber": float64(1)}},
			"missing page text",
		},
		{
			"video without images",
			&models.GenerationJob{JobType: models.JobTypeVideo, StoryID: &storyID, Payload: map[string]any{}},
			"missing image uris",
		},
		{
			"unknown type passes shape check",
			&models.GenerationJob{JobType: "subtitles", Payload: map[string]any{}},
			"",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validate(tt.job); got != tt.want {
				t.Errorf("validate = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPayloadHelpers(t *testing.T) {
	m := map[string]any{
		"f":     float64(7),
		"i":     5,
		"s":     " padded ",
		"list":  []any{"a", 3, "b"},
		"nums":  []any{1.5, "x", 2.0},
		"empty": "",
	}
	if payloadInt(m, "f") != 7 || payloadInt(m, "i") != 5 || payloadInt(m, "missing") != 0 {
		t.Error("payloadInt")
	}
	if payloadString(m, "s") != "padded" || payloadString(m, "missing") != "" {
		t.Error("payloadString")
	}
	got := payloadStrings(m, "list")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("payloadStrings = %v", got)
	}
	nums := payloadFloats(m, "nums")
	if len(nums) != 2 || nums[0] != 1.5 || nums[1] != 2.0 {
		t.Errorf("payloadFloats = %v", nums)
	}
}
