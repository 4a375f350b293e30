package persist

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/story-loom/pipeline/internal/assemble"
	"github.com/story-loom/pipeline/internal/database"
	"github.com/story-loom/pipeline/internal/failures"
	"github.com/story-loom/pipeline/internal/models"
	"github.com/story-loom/pipeline/internal/queue"
)

type fakeBundleStore struct {
	bundle *database.StoryBundle
	ids    []uuid.UUID
	err    error
	calls  int
}

func (f *fakeBundleStore) PersistStoryBundle(ctx context.Context, bundle *database.StoryBundle) ([]uuid.UUID, error) {
	f.calls++
	f.bundle = bundle
	if f.err != nil {
		return nil, f.err
	}
	f.ids = make([]uuid.UUID, len(bundle.MediaSeeds))
	for i := range f.ids {
		f.ids[i] = uuid.New()
	}
	return f.ids, nil
}

type fakePusher struct {
	calls   int
	batches [][]string
	err     error
	partial int
}

func (f *fakePusher) Push(ctx context.Context, messages ...string) (int, error) {
	f.calls++
	batch := make([]string, len(messages))
	copy(batch, messages)
	f.batches = append(f.batches, batch)
	if f.err != nil {
		return f.partial, f.err
	}
	return len(messages), nil
}

type fakeRecorder struct {
	contexts []failures.Context
	causes   []error
}

func (f *fakeRecorder) RecordFailure(ctx context.Context, fc failures.Context, cause error) (*models.FailedJob, error) {
	f.contexts = append(f.contexts, fc)
	f.causes = append(f.causes, cause)
	return &models.FailedJob{ID: uuid.New()}, nil
}

func storyDraft(pages int) *assemble.StoryDraft {
	d := &assemble.StoryDraft{TitleEn: "The Brave Snail", SynopsisEn: "A snail finds courage."}
	for i := 1; i <= pages; i++ {
		d.Pages = append(d.Pages, assemble.StoryPageDraft{
			PageNumber: i,
			TextEn:     fmt.Sprintf("Page %d of the snail story.", i),
			SummaryEn:  fmt.Sprintf("Snail scene %d.", i),
		})
	}
	return d
}

func translationDraft(pages int) *assemble.TranslationDraft {
	d := &assemble.TranslationDraft{TitleZh: "勇敢的蝸牛", SynopsisZh: "蝸牛找到勇氣。"}
	for i := 1; i <= pages; i++ {
		d.Pages = append(d.Pages, assemble.TranslationPageDraft{
			PageNumber: i,
			TextZh:     fmt.Sprintf("蝸牛故事第%d頁。", i),
		})
	}
	return d
}

func vocabDraft() *assemble.VocabularyDraft {
	return &assemble.VocabularyDraft{Entries: []assemble.VocabEntryDraft{
		{
			Word:               "brave",
			PartOfSpeech:       "adjective",
			DefinitionEn:       "not afraid",
			DefinitionZh:       "勇敢的",
			ExampleSentence:    "The snail is brave.",
			ExampleTranslation: "蝸牛很勇敢。",
			CefrLevel:          "A1",
		},
		{
			Word:         "snail",
			PartOfSpeech: "noun",
			DefinitionEn: "a small animal with a shell",
			DefinitionZh: "蝸牛",
		},
	}}
}

func testParams(ref string, pages int) Params {
	return Params{
		StoryRef:    ref,
		Theme:       "courage",
		AgeRange:    "0-6",
		Story:       storyDraft(pages),
		Translation: translationDraft(pages),
		Vocabulary:  vocabDraft(),
	}
}

func TestPersistCommitsBundleAndPushesOnce(t *testing.T) {
	store := &fakeBundleStore{}
	pusher := &fakePusher{}
	rec := &fakeRecorder{}
	c := NewCoordinator(store, pusher, rec, false)

	storyID := uuid.New()
	ids, err := c.Persist(context.Background(), testParams(storyID.String(), 2))
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if store.calls != 1 {
		t.Fatalf("store calls = %d, want 1", store.calls)
	}
	if len(ids) != 4 {
		t.Fatalf("job ids = %d, want 4 (image+audio per page)", len(ids))
	}
	for i, id := range ids {
		if id != store.ids[i].String() {
			t.Errorf("id[%d] = %s, want %s", i, id, store.ids[i])
		}
	}

	if pusher.calls != 1 {
		t.Fatalf("push calls = %d, want a single batched push", pusher.calls)
	}
	batch := pusher.batches[0]
	if len(batch) != 4 {
		t.Fatalf("pushed messages = %d, want 4", len(batch))
	}
	for i, msg := range batch {
		env, err := queue.ParseEnvelope(msg)
		if err != nil {
			t.Fatalf("envelope %d: %v", i, err)
		}
		if env.JobID != ids[i] {
			t.Errorf("envelope %d job id = %s, want %s", i, env.JobID, ids[i])
		}
	}
	if len(rec.contexts) != 0 {
		t.Errorf("recorded %d failures on the happy path", len(rec.contexts))
	}
}

func TestPersistBundleShape(t *testing.T) {
	store := &fakeBundleStore{}
	c := NewCoordinator(store, &fakePusher{}, &fakeRecorder{}, false)

	storyID := uuid.New()
	if _, err := c.Persist(context.Background(), testParams(storyID.String(), 2)); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	b := store.bundle
	if b.Story.ID != storyID {
		t.Errorf("story id = %s, want %s (UUID refs kept)", b.Story.ID, storyID)
	}
	if b.Story.Status != models.StoryStatusProcessing {
		t.Errorf("status = %q, want processing", b.Story.Status)
	}
	if b.Story.TitleZh != "勇敢的蝸牛" {
		t.Errorf("title_zh = %q", b.Story.TitleZh)
	}
	if b.Story.Metadata["synopsisEn"] != "A snail finds courage." {
		t.Errorf("metadata synopsisEn = %v", b.Story.Metadata["synopsisEn"])
	}
	if b.Story.Metadata["synopsisZh"] != "蝸牛找到勇氣。" {
		t.Errorf("metadata synopsisZh = %v", b.Story.Metadata["synopsisZh"])
	}
	if _, ok := b.Story.Metadata["originalStoryId"]; ok {
		t.Error("originalStoryId set for a ref that was already a UUID")
	}

	if len(b.Pages) != 2 {
		t.Fatalf("pages = %d", len(b.Pages))
	}
	p1 := b.Pages[0]
	if p1.PageNumber != 1 || p1.TextEn != "Page 1 of the snail story." || p1.TextZh != "蝸牛故事第1頁。" {
		t.Errorf("page 1 = %+v", p1)
	}
	if p1.WordCount != 6 {
		t.Errorf("page 1 word count = %d, want 6", p1.WordCount)
	}

	if len(b.Vocab) != 2 {
		t.Fatalf("vocab = %d", len(b.Vocab))
	}
	if b.Vocab[0].CefrLevel == nil || *b.Vocab[0].CefrLevel != "A1" {
		t.Errorf("vocab[0] cefr = %v, want A1", b.Vocab[0].CefrLevel)
	}
	if b.Vocab[1].CefrLevel != nil {
		t.Errorf("vocab[1] cefr = %v, want nil for empty level", *b.Vocab[1].CefrLevel)
	}

	if len(b.MediaSeeds) != 4 {
		t.Fatalf("media seeds = %d", len(b.MediaSeeds))
	}
	wantTypes := []string{models.JobTypeImage, models.JobTypeAudio, models.JobTypeImage, models.JobTypeAudio}
	for i, seed := range b.MediaSeeds {
		if seed.JobType != wantTypes[i] {
			t.Errorf("seed %d type = %q, want %q", i, seed.JobType, wantTypes[i])
		}
		if seed.Payload["type"] != seed.JobType {
			t.Errorf("seed %d payload type = %v", i, seed.Payload["type"])
		}
		if seed.Payload["storyId"] != storyID.String() {
			t.Errorf("seed %d storyId = %v", i, seed.Payload["storyId"])
		}
	}
	if b.MediaSeeds[1].Payload["pageNumber"] != 1 || b.MediaSeeds[1].Payload["textZh"] != "蝸牛故事第1頁。" {
		t.Errorf("audio seed payload = %v", b.MediaSeeds[1].Payload)
	}
	if _, ok := b.MediaSeeds[0].Payload["textZh"]; ok {
		t.Error("image seed carries textZh")
	}
}

func TestPersistMintsIDForNonUUIDRef(t *testing.T) {
	store := &fakeBundleStore{}
	c := NewCoordinator(store, &fakePusher{}, &fakeRecorder{}, false)

	if _, err := c.Persist(context.Background(), testParams("story-local-7", 1)); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if store.bundle.Story.ID == uuid.Nil {
		t.Fatal("no canonical id minted")
	}
	if got := store.bundle.Story.Metadata["originalStoryId"]; got != "story-local-7" {
		t.Errorf("originalStoryId = %v, want story-local-7", got)
	}
}

func TestPersistTitleZhFallsBackToEnglish(t *testing.T) {
	store := &fakeBundleStore{}
	c := NewCoordinator(store, &fakePusher{}, &fakeRecorder{}, false)

	p := testParams(uuid.NewString(), 1)
	p.Translation.TitleZh = ""
	if _, err := c.Persist(context.Background(), p); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if store.bundle.Story.TitleZh != "The Brave Snail" {
		t.Errorf("title_zh = %q, want English fallback", store.bundle.Story.TitleZh)
	}
}

func TestPersistStoreFailureRecordsAndRaises(t *testing.T) {
	boom := errors.New("pq: deadlock detected")
	store := &fakeBundleStore{err: boom}
	pusher := &fakePusher{}
	rec := &fakeRecorder{}
	c := NewCoordinator(store, pusher, rec, false)

	jobID := uuid.New()
	p := testParams(uuid.NewString(), 1)
	p.JobID = &jobID
	_, err := c.Persist(context.Background(), p)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the store error unchanged", err)
	}
	if pusher.calls != 0 {
		t.Error("pushed to queue after a failed commit")
	}
	if len(rec.contexts) != 1 {
		t.Fatalf("recorded %d failures, want 1", len(rec.contexts))
	}
	fc := rec.contexts[0]
	if fc.Stage != "persistence" {
		t.Errorf("stage = %q, want persistence", fc.Stage)
	}
	if fc.JobID == nil || *fc.JobID != jobID {
		t.Errorf("failure job id = %v, want %s", fc.JobID, jobID)
	}
	if !errors.Is(rec.causes[0], boom) {
		t.Errorf("recorded cause = %v", rec.causes[0])
	}
}

func TestPersistPushFailureDoesNotFailOperation(t *testing.T) {
	store := &fakeBundleStore{}
	pusher := &fakePusher{err: errors.New("queue not configured"), partial: 1}
	rec := &fakeRecorder{}
	c := NewCoordinator(store, pusher, rec, false)

	ids, err := c.Persist(context.Background(), testParams(uuid.NewString(), 2))
	if err != nil {
		t.Fatalf("Persist should survive a push failure, got %v", err)
	}
	if len(ids) != 4 {
		t.Fatalf("job ids = %d, want 4", len(ids))
	}
	if len(rec.contexts) != 1 {
		t.Fatalf("recorded %d failures, want 1", len(rec.contexts))
	}
	fc := rec.contexts[0]
	if fc.Stage != "upstash_push" {
		t.Errorf("stage = %q, want upstash_push", fc.Stage)
	}
	if fc.Extra["pushedJobCount"] != 1 {
		t.Errorf("pushedJobCount = %v, want 1", fc.Extra["pushedJobCount"])
	}
}

func TestPersistSkipModeMakesNoCalls(t *testing.T) {
	store := &fakeBundleStore{}
	pusher := &fakePusher{}
	c := NewCoordinator(store, pusher, &fakeRecorder{}, true)

	ids, err := c.Persist(context.Background(), testParams("ref-42", 3))
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	want := []string{
		"ref-42-image-1", "ref-42-audio-1",
		"ref-42-image-2", "ref-42-audio-2",
		"ref-42-image-3", "ref-42-audio-3",
	}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
	if store.calls != 0 || pusher.calls != 0 {
		t.Errorf("skip mode touched store (%d) or queue (%d)", store.calls, pusher.calls)
	}
}

func TestPersistRejectsIncompleteResult(t *testing.T) {
	store := &fakeBundleStore{}
	rec := &fakeRecorder{}
	c := NewCoordinator(store, &fakePusher{}, rec, false)

	p := testParams(uuid.NewString(), 1)
	p.Translation = nil
	if _, err := c.Persist(context.Background(), p); err == nil {
		t.Fatal("expected error for missing translation")
	}
	if store.calls != 0 {
		t.Error("store called with incomplete result")
	}
	if len(rec.contexts) != 1 || rec.contexts[0].Stage != "persistence" {
		t.Errorf("failure contexts = %+v", rec.contexts)
	}
}
