// Package orchestrator sequences the three text-generation stages for one
// story request. It owns no persistence: results go back to the caller, and
// only the persistence coordinator writes them anywhere.
package orchestrator

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/story-loom/pipeline/internal/ai"
	"github.com/story-loom/pipeline/internal/assemble"
	"github.com/story-loom/pipeline/internal/failures"
	"github.com/story-loom/pipeline/internal/models"
	"github.com/story-loom/pipeline/internal/prompts"
)

const (
	// Story generation wants variety; translation and vocabulary want
	// fidelity to the text they were handed.
	storyTemperature       = 0.8
	translationTemperature = 0.2
	vocabularyTemperature  = 0.2
)

// Request is one story-script job's input.
type Request struct {
	StoryRef string
	Theme    string
	Tone     string
	AgeRange string
	JobID    *uuid.UUID
	Attempt  int
}

// Result carries the three validated drafts plus per-stage token usage.
type Result struct {
	Story       *assemble.StoryDraft       `json:"story"`
	Translation *assemble.TranslationDraft `json:"translation"`
	Vocabulary  *assemble.VocabularyDraft  `json:"vocabulary"`
	Usages      Usages                     `json:"usages"`
}

type Usages struct {
	Story       ai.Usage `json:"story"`
	Translation ai.Usage `json:"translation"`
	Vocabulary  ai.Usage `json:"vocabulary"`
}

// FailureRecorder is the slice of the error recorder the orchestrator uses.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, fc failures.Context, cause error) (*models.FailedJob, error)
}

type Orchestrator struct {
	client   ai.Client
	recorder FailureRecorder
}

func New(client ai.Client, recorder FailureRecorder) *Orchestrator {
	return &Orchestrator{client: client, recorder: recorder}
}

// Run executes story, translation and vocabulary in order. A stage that
// fails is recorded with its stage name and the error is returned unchanged,
// so the worker's retry policy sees the original cause. Earlier stages are
// never re-run here.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	res := &Result{}

	story, usage, err := o.storyStage(ctx, req)
	if err != nil {
		return nil, o.fail(ctx, req, "story", err)
	}
	res.Story = story
	res.Usages.Story = usage

	translation, usage, err := o.translationStage(ctx, story)
	if err != nil {
		return nil, o.fail(ctx, req, "translation", err)
	}
	res.Translation = translation
	res.Usages.Translation = usage

	vocabulary, usage, err := o.vocabularyStage(ctx, story, translation)
	if err != nil {
		return nil, o.fail(ctx, req, "vocabulary", err)
	}
	res.Vocabulary = vocabulary
	res.Usages.Vocabulary = usage

	log.Info().
		Str("story_ref", req.StoryRef).
		Int("total_tokens", res.Usages.Story.TotalTokens+res.Usages.Translation.TotalTokens+res.Usages.Vocabulary.TotalTokens).
		Msg("Text pipeline finished")
	return res, nil
}

func (o *Orchestrator) storyStage(ctx context.Context, req Request) (*assemble.StoryDraft, ai.Usage, error) {
	msgs, err := prompts.Story(req.Theme, req.Tone, req.AgeRange)
	if err != nil {
		return nil, ai.Usage{}, err
	}
	comp, err := o.client.CreateChatCompletion(ctx, ai.ChatParams{
		Messages:       msgs,
		Temperature:    storyTemperature,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, ai.Usage{}, err
	}
	draft, err := assemble.Story(comp.Data)
	if err != nil {
		return nil, ai.Usage{}, err
	}
	return draft, comp.Usage, nil
}

func (o *Orchestrator) translationStage(ctx context.Context, story *assemble.StoryDraft) (*assemble.TranslationDraft, ai.Usage, error) {
	msgs, err := prompts.Translation(story.TitleEn, story.SynopsisEn, pagesOf(story, nil))
	if err != nil {
		return nil, ai.Usage{}, err
	}
	comp, err := o.client.CreateChatCompletion(ctx, ai.ChatParams{
		Messages:       msgs,
		Temperature:    translationTemperature,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, ai.Usage{}, err
	}
	draft, err := assemble.Translation(comp.Data)
	if err != nil {
		return nil, ai.Usage{}, err
	}
	return draft, comp.Usage, nil
}

func (o *Orchestrator) vocabularyStage(ctx context.Context, story *assemble.StoryDraft, translation *assemble.TranslationDraft) (*assemble.VocabularyDraft, ai.Usage, error) {
	msgs, err := prompts.Vocabulary(pagesOf(story, translation))
	if err != nil {
		return nil, ai.Usage{}, err
	}
	comp, err := o.client.CreateChatCompletion(ctx, ai.ChatParams{
		Messages:       msgs,
		Temperature:    vocabularyTemperature,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, ai.Usage{}, err
	}
	draft, err := assemble.Vocabulary(comp.Data)
	if err != nil {
		return nil, ai.Usage{}, err
	}
	return draft, comp.Usage, nil
}

// pagesOf pairs story pages with their translations by page number. With a
// nil translation the pages stay English-only.
func pagesOf(story *assemble.StoryDraft, translation *assemble.TranslationDraft) []prompts.PageText {
	zh := map[int]string{}
	if translation != nil {
		for _, p := range translation.Pages {
			zh[p.PageNumber] = p.TextZh
		}
	}
	pages := make([]prompts.PageText, len(story.Pages))
	for i, p := range story.Pages {
		pages[i] = prompts.PageText{Number: p.PageNumber, TextEn: p.TextEn, TextZh: zh[p.PageNumber]}
	}
	return pages
}

func (o *Orchestrator) fail(ctx context.Context, req Request, stage string, cause error) error {
	log.Error().Err(cause).Str("stage", stage).Str("story_ref", req.StoryRef).Msg("Text pipeline stage failed")
	if o.recorder != nil {
		fc := failures.Context{
			JobID:    req.JobID,
			StoryRef: req.StoryRef,
			Stage:    stage,
			Attempt:  req.Attempt,
		}
		if _, err := o.recorder.RecordFailure(ctx, fc, cause); err != nil {
			log.Warn().Err(err).Msg("Could not record stage failure")
		}
	}
	return cause
}
