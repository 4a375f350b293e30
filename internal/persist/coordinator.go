// Package persist is the sole writer of completed text-pipeline output. One
// call commits the story, pages, vocabulary and pending media jobs in a
// single transaction, then announces the new jobs on the queue.
package persist

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/story-loom/pipeline/internal/assemble"
	"github.com/story-loom/pipeline/internal/database"
	"github.com/story-loom/pipeline/internal/failures"
	"github.com/story-loom/pipeline/internal/models"
	"github.com/story-loom/pipeline/internal/queue"
)

// BundleStore is the transactional slice of the job store used here.
type BundleStore interface {
	PersistStoryBundle(ctx context.Context, bundle *database.StoryBundle) ([]uuid.UUID, error)
}

// Pusher is the queue side; only push is needed after a commit.
type Pusher interface {
	Push(ctx context.Context, messages ...string) (int, error)
}

type FailureRecorder interface {
	RecordFailure(ctx context.Context, fc failures.Context, cause error) (*models.FailedJob, error)
}

type Coordinator struct {
	store    BundleStore
	queue    Pusher
	recorder FailureRecorder
	skip     bool
}

// NewCoordinator wires the coordinator. skip short-circuits all I/O for
// development runs.
func NewCoordinator(store BundleStore, queue Pusher, recorder FailureRecorder, skip bool) *Coordinator {
	return &Coordinator{store: store, queue: queue, recorder: recorder, skip: skip}
}

// Params is one completed text pipeline ready to be persisted.
type Params struct {
	StoryRef    string
	Theme       string
	AgeRange    string
	JobID       *uuid.UUID
	Story       *assemble.StoryDraft
	Translation *assemble.TranslationDraft
	Vocabulary  *assemble.VocabularyDraft
}

// Persist commits everything and returns the created media job ids. The
// database work is atomic; the queue push that follows is best-effort, since
// committed pending jobs can always be re-enqueued.
func (c *Coordinator) Persist(ctx context.Context, p Params) ([]string, error) {
	if p.Story == nil || p.Translation == nil || p.Vocabulary == nil {
		err := fmt.Errorf("persist: incomplete pipeline result for %q", p.StoryRef)
		c.record(ctx, p, "persistence", err, nil)
		return nil, err
	}

	if c.skip {
		ids := syntheticIDs(p.StoryRef, p.Story)
		log.Info().Str("story_ref", p.StoryRef).Int("jobs", len(ids)).Msg("Persistence skipped, returning synthetic ids")
		return ids, nil
	}

	bundle := buildBundle(p)
	jobIDs, err := c.store.PersistStoryBundle(ctx, bundle)
	if err != nil {
		c.record(ctx, p, "persistence", err, nil)
		return nil, err
	}
	log.Info().
		Str("story_id", bundle.Story.ID.String()).
		Int("pages", len(bundle.Pages)).
		Int("vocab", len(bundle.Vocab)).
		Int("media_jobs", len(jobIDs)).
		Msg("Story bundle committed")

	envelopes := make([]string, len(jobIDs))
	out := make([]string, len(jobIDs))
	for i, id := range jobIDs {
		envelopes[i] = queue.NewEnvelope(id.String())
		out[i] = id.String()
	}
	if pushed, err := c.queue.Push(ctx, envelopes...); err != nil {
		// Jobs are committed; losing the announcement only delays them.
		log.Error().Err(err).Int("pushed", pushed).Int("total", len(envelopes)).Msg("Queue push failed after commit")
		c.record(ctx, p, "upstash_push", err, map[string]any{"pushedJobCount": pushed})
	}
	return out, nil
}

func buildBundle(p Params) *database.StoryBundle {
	storyID, originalRef := canonicalStoryID(p.StoryRef)

	metadata := map[string]any{
		"synopsisEn": p.Story.SynopsisEn,
		"synopsisZh": p.Translation.SynopsisZh,
	}
	if originalRef != "" {
		metadata["originalStoryId"] = originalRef
	}

	titleZh := p.Translation.TitleZh
	if titleZh == "" {
		titleZh = p.Story.TitleEn
	}

	zhByPage := make(map[int]string, len(p.Translation.Pages))
	for _, tp := range p.Translation.Pages {
		zhByPage[tp.PageNumber] = tp.TextZh
	}

	bundle := &database.StoryBundle{
		Story: &models.Story{
			ID:       storyID,
			TitleEn:  p.Story.TitleEn,
			TitleZh:  titleZh,
			Theme:    p.Theme,
			Status:   models.StoryStatusProcessing,
			AgeRange: p.AgeRange,
			Metadata: metadata,
		},
	}

	for _, pg := range p.Story.Pages {
		textZh := zhByPage[pg.PageNumber]
		bundle.Pages = append(bundle.Pages, &models.StoryPage{
			StoryID:    storyID,
			PageNumber: pg.PageNumber,
			TextEn:     pg.TextEn,
			TextZh:     textZh,
			WordCount:  len(strings.Fields(pg.TextEn)),
		})
		bundle.MediaSeeds = append(bundle.MediaSeeds,
			database.MediaJobSeed{
				JobType: models.JobTypeImage,
				Payload: map[string]any{
					"type":       models.JobTypeImage,
					"storyId":    storyID.String(),
					"pageNumber": pg.PageNumber,
					"textEn":     pg.TextEn,
				},
			},
			database.MediaJobSeed{
				JobType: models.JobTypeAudio,
				Payload: map[string]any{
					"type":       models.JobTypeAudio,
					"storyId":    storyID.String(),
					"pageNumber": pg.PageNumber,
					"textEn":     pg.TextEn,
					"textZh":     textZh,
				},
			},
		)
	}

	for _, v := range p.Vocabulary.Entries {
		entry := &models.VocabEntry{
			StoryID:            storyID,
			Word:               v.Word,
			PartOfSpeech:       v.PartOfSpeech,
			DefinitionEn:       v.DefinitionEn,
			DefinitionZh:       v.DefinitionZh,
			ExampleSentence:    v.ExampleSentence,
			ExampleTranslation: v.ExampleTranslation,
		}
		if v.CefrLevel != "" {
			level := v.CefrLevel
			entry.CefrLevel = &level
		}
		bundle.Vocab = append(bundle.Vocab, entry)
	}

	return bundle
}

// canonicalStoryID keeps UUID refs as-is; anything else gets a fresh UUID,
// with the original ref preserved in story metadata.
func canonicalStoryID(ref string) (uuid.UUID, string) {
	if id, err := uuid.Parse(ref); err == nil {
		return id, ""
	}
	return uuid.New(), ref
}

// syntheticIDs mirrors the media jobs a real run would create: per page, in
// page order, image before audio.
func syntheticIDs(storyRef string, story *assemble.StoryDraft) []string {
	ids := make([]string, 0, len(story.Pages)*2)
	for _, pg := range story.Pages {
		ids = append(ids,
			fmt.Sprintf("%s-image-%d", storyRef, pg.PageNumber),
			fmt.Sprintf("%s-audio-%d", storyRef, pg.PageNumber),
		)
	}
	return ids
}

func (c *Coordinator) record(ctx context.Context, p Params, stage string, cause error, extra map[string]any) {
	if c.recorder == nil {
		return
	}
	fc := failures.Context{
		JobID:    p.JobID,
		StoryRef: p.StoryRef,
		Stage:    stage,
		Extra:    extra,
	}
	if _, err := c.recorder.RecordFailure(ctx, fc, cause); err != nil {
		log.Warn().Err(err).Str("stage", stage).Msg("Could not record persistence failure")
	}
}
