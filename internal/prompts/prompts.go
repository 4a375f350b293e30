// Package prompts builds the chat messages for the three generation stages.
// The snake_case JSON shapes promised to the model here are exactly what the
// assembler validates against on the way back in.
package prompts

import (
	"encoding/json"
	"fmt"

	lcprompts "github.com/tmc/langchaingo/prompts"

	"github.com/story-loom/pipeline/internal/ai"
)

const (
	// StoryPageCount is the fixed page count every story must come back with.
	StoryPageCount = 10
	// VocabEntryCount is the fixed number of vocabulary entries per story.
	VocabEntryCount = 10

	// DefaultAgeRange is assumed when a request does not name one.
	DefaultAgeRange = "0-6"

	// ModelRefusal is the exact escape-hatch value the model is told to emit
	// when it cannot produce valid JSON.
	ModelRefusal = "unable_to_produce_json"
)

// jsonOnly is appended to every system prompt so each stage carries the same
// output contract.
const jsonOnly = ` Respond with exactly one JSON object on a single line, newlines escaped, no prose and no Markdown. ` +
	`If you cannot produce valid JSON, respond with exactly {"error":"unable_to_produce_json"} and nothing else.`

const storySystem = `You write illustrated short stories for children aged 0 to 6. ` +
	`Stories are warm, simple and safe: no violence, no fear, no adult themes, no brand names. ` +
	`Use short sentences and concrete words a toddler can follow.` + jsonOnly

const translationSystem = `You translate children's stories from English to Traditional Chinese (Taiwan). ` +
	`Keep the text natural for reading aloud to children aged 0 to 6, never violent or adult.` + jsonOnly

const vocabularySystem = `You pick learning vocabulary from children's stories for ages 0 to 6. ` +
	`Choose concrete, everyday words a young child can point at or act out; keep every sentence age-appropriate.` + jsonOnly

var storyTemplate = lcprompts.PromptTemplate{
	Template: `Write a children's story about {{.theme}}.
{{if .tone}}Tone: {{.tone}}.
{{end}}Age range: {{.ageRange}} years.

Return one JSON object with exactly this shape:
{"title_en": "...", "synopsis_en": "...", "pages": [{"page_number": 1, "text_en": "...", "summary_en": "..."}]}

Rules:
- pages has exactly 10 items, page_number 1 through 10 in order.
- text_en is one or two short sentences a toddler can follow.
- summary_en is one plain sentence describing the scene for an illustrator.`,
	InputVariables: []string{"theme", "tone", "ageRange"},
	TemplateFormat: lcprompts.TemplateFormatGoTemplate,
}

var translationTemplate = lcprompts.PromptTemplate{
	Template: `Translate this children's story to Traditional Chinese (zh-TW):

{{.storyJson}}

Return one JSON object with exactly this shape:
{"title_zh": "...", "synopsis_zh": "...", "pages": [{"page_number": 1, "text_zh": "...", "notes_zh": "..."}]}

Rules:
- One entry per source page; keep every page_number unchanged.
- text_zh reads naturally when spoken aloud to children aged 0 to 6.
- notes_zh may flag wordplay that does not carry over; use "" when there is nothing to note.`,
	InputVariables: []string{"storyJson"},
	TemplateFormat: lcprompts.TemplateFormatGoTemplate,
}

var vocabularyTemplate = lcprompts.PromptTemplate{
	Template: `Pick learning vocabulary from this bilingual children's story:

{{.pagesJson}}

Return one JSON object with exactly this shape:
{"entries": [{"word": "...", "part_of_speech": "...", "definition_en": "...", "definition_zh": "...", "example_sentence": "...", "example_translation": "...", "cefr_level": "..."}]}

Rules:
- Exactly 10 entries, each word taken from the story text.
- definition_en is one simple sentence a parent can read aloud; definition_zh is its Traditional Chinese counterpart.
- example_sentence uses the word in a new short sentence; example_translation is that sentence in Traditional Chinese.
- cefr_level is one of "pre-A1", "A1", "A2" when known, else "".`,
	InputVariables: []string{"pagesJson"},
	TemplateFormat: lcprompts.TemplateFormatGoTemplate,
}

// PageText is one page of source material for the translation and vocabulary
// stages. TextZh is empty until the translation stage has run.
type PageText struct {
	Number int
	TextEn string
	TextZh string
}

// Story builds the messages for the story-script call.
func Story(theme, tone, ageRange string) ([]ai.Message, error) {
	if ageRange == "" {
		ageRange = DefaultAgeRange
	}
	user, err := storyTemplate.Format(map[string]any{
		"theme":    theme,
		"tone":     tone,
		"ageRange": ageRange,
	})
	if err != nil {
		return nil, fmt.Errorf("format story prompt: %w", err)
	}
	return withSystem(storySystem, user), nil
}

// Translation builds the messages for the zh-TW translation call. The story
// is embedded as the same snake_case document shape the model produced it in.
func Translation(titleEn, synopsisEn string, pages []PageText) ([]ai.Message, error) {
	doc, err := json.MarshalIndent(struct {
		TitleEn    string     `json:"title_en"`
		SynopsisEn string     `json:"synopsis_en"`
		Pages      []wirePage `json:"pages"`
	}{TitleEn: titleEn, SynopsisEn: synopsisEn, Pages: wirePages(pages, false)}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode story for translation: %w", err)
	}
	user, err := translationTemplate.Format(map[string]any{"storyJson": string(doc)})
	if err != nil {
		return nil, fmt.Errorf("format translation prompt: %w", err)
	}
	return withSystem(translationSystem, user), nil
}

// Vocabulary builds the messages for the vocabulary-extraction call from the
// bilingual page texts.
func Vocabulary(pages []PageText) ([]ai.Message, error) {
	doc, err := json.MarshalIndent(wirePages(pages, true), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode pages for vocabulary: %w", err)
	}
	user, err := vocabularyTemplate.Format(map[string]any{"pagesJson": string(doc)})
	if err != nil {
		return nil, fmt.Errorf("format vocabulary prompt: %w", err)
	}
	return withSystem(vocabularySystem, user), nil
}

type wirePage struct {
	PageNumber int     `json:"page_number"`
	TextEn     string  `json:"text_en"`
	TextZh     *string `json:"text_zh,omitempty"`
}

func wirePages(pages []PageText, bilingual bool) []wirePage {
	out := make([]wirePage, len(pages))
	for i, p := range pages {
		out[i] = wirePage{PageNumber: p.Number, TextEn: p.TextEn}
		if bilingual {
			zh := p.TextZh
			out[i].TextZh = &zh
		}
	}
	return out
}

func withSystem(system, user string) []ai.Message {
	return []ai.Message{
		{Role: ai.RoleSystem, Content: system},
		{Role: ai.RoleUser, Content: user},
	}
}
