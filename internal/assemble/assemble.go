// Package assemble turns raw model output into validated internal records.
// Decoding is deliberately tolerant (models wrap JSON in fences, leave
// trailing commas, emit bare arrays); validation is strict. This package is
// also the boundary where the model's snake_case naming becomes camelCase.
package assemble

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/story-loom/pipeline/internal/prompts"
)

var (
	// ErrRefusal is returned when the model used its escape hatch instead of
	// producing the requested document.
	ErrRefusal = errors.New("model declined to produce json")
	// ErrUnparsable is returned when every repair strategy failed.
	ErrUnparsable = errors.New("no json found in model output")
	// ErrSchema is returned when decoded JSON does not match the stage shape.
	ErrSchema = errors.New("model output failed schema check")
)

// StoryDraft is the validated output of the story stage.
type StoryDraft struct {
	TitleEn    string           `json:"titleEn"`
	SynopsisEn string           `json:"synopsisEn"`
	Pages      []StoryPageDraft `json:"pages"`
}

type StoryPageDraft struct {
	PageNumber int    `json:"pageNumber"`
	TextEn     string `json:"textEn"`
	SummaryEn  string `json:"summaryEn"`
}

// TranslationDraft is the validated output of the translation stage. TitleZh
// may be empty; the persistence layer falls back to the English title.
type TranslationDraft struct {
	TitleZh    string                 `json:"titleZh"`
	SynopsisZh string                 `json:"synopsisZh"`
	Pages      []TranslationPageDraft `json:"pages"`
}

type TranslationPageDraft struct {
	PageNumber int    `json:"pageNumber"`
	TextZh     string `json:"textZh"`
	NotesZh    string `json:"notesZh"`
}

// VocabularyDraft is the validated output of the vocabulary stage.
type VocabularyDraft struct {
	Entries []VocabEntryDraft `json:"entries"`
}

type VocabEntryDraft struct {
	Word               string `json:"word"`
	PartOfSpeech       string `json:"partOfSpeech"`
	DefinitionEn       string `json:"definitionEn"`
	DefinitionZh       string `json:"definitionZh"`
	ExampleSentence    string `json:"exampleSentence"`
	ExampleTranslation string `json:"exampleTranslation"`
	CefrLevel          string `json:"cefrLevel"`
}

type storyWire struct {
	TitleEn    string `json:"title_en"`
	SynopsisEn string `json:"synopsis_en"`
	Pages      []struct {
		PageNumber int    `json:"page_number"`
		TextEn     string `json:"text_en"`
		SummaryEn  string `json:"summary_en"`
	} `json:"pages"`
}

type translationWire struct {
	TitleZh    string `json:"title_zh"`
	SynopsisZh string `json:"synopsis_zh"`
	Pages      []struct {
		PageNumber int    `json:"page_number"`
		TextZh     string `json:"text_zh"`
		NotesZh    string `json:"notes_zh"`
	} `json:"pages"`
}

type vocabularyWire struct {
	Entries []struct {
		Word               string `json:"word"`
		PartOfSpeech       string `json:"part_of_speech"`
		DefinitionEn       string `json:"definition_en"`
		DefinitionZh       string `json:"definition_zh"`
		ExampleSentence    string `json:"example_sentence"`
		ExampleTranslation string `json:"example_translation"`
		CefrLevel          string `json:"cefr_level"`
	} `json:"entries"`
}

// Story validates the story stage payload: exactly 10 pages numbered 1..10
// with non-empty English text.
func Story(data any) (*StoryDraft, error) {
	raw, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	var wire storyWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: story: %v", ErrSchema, err)
	}
	if strings.TrimSpace(wire.TitleEn) == "" {
		return nil, fmt.Errorf("%w: story: missing title_en", ErrSchema)
	}
	if len(wire.Pages) != prompts.StoryPageCount {
		return nil, fmt.Errorf("%w: story: expected %d pages, got %d", ErrSchema, prompts.StoryPageCount, len(wire.Pages))
	}
	draft := &StoryDraft{
		TitleEn:    wire.TitleEn,
		SynopsisEn: wire.SynopsisEn,
		Pages:      make([]StoryPageDraft, len(wire.Pages)),
	}
	seen := make(map[int]bool, len(wire.Pages))
	for i, p := range wire.Pages {
		if p.PageNumber < 1 || p.PageNumber > prompts.StoryPageCount {
			return nil, fmt.Errorf("%w: story: page_number %d out of range", ErrSchema, p.PageNumber)
		}
		if seen[p.PageNumber] {
			return nil, fmt.Errorf("%w: story: duplicate page_number %d", ErrSchema, p.PageNumber)
		}
		seen[p.PageNumber] = true
		if strings.TrimSpace(p.TextEn) == "" {
			return nil, fmt.Errorf("%w: story: page %d has empty text_en", ErrSchema, p.PageNumber)
		}
		draft.Pages[i] = StoryPageDraft{PageNumber: p.PageNumber, TextEn: p.TextEn, SummaryEn: p.SummaryEn}
	}
	sort.Slice(draft.Pages, func(i, j int) bool { return draft.Pages[i].PageNumber < draft.Pages[j].PageNumber })
	return draft, nil
}

// Translation validates the translation stage payload. Length is not
// enforced, but every page present must carry non-empty translated text and a
// page number that can be matched back to a source page.
func Translation(data any) (*TranslationDraft, error) {
	raw, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	var wire translationWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: translation: %v", ErrSchema, err)
	}
	draft := &TranslationDraft{
		TitleZh:    wire.TitleZh,
		SynopsisZh: wire.SynopsisZh,
		Pages:      make([]TranslationPageDraft, len(wire.Pages)),
	}
	seen := make(map[int]bool, len(wire.Pages))
	for i, p := range wire.Pages {
		if p.PageNumber < 1 || p.PageNumber > prompts.StoryPageCount {
			return nil, fmt.Errorf("%w: translation: page_number %d out of range", ErrSchema, p.PageNumber)
		}
		if seen[p.PageNumber] {
			return nil, fmt.Errorf("%w: translation: duplicate page_number %d", ErrSchema, p.PageNumber)
		}
		seen[p.PageNumber] = true
		if strings.TrimSpace(p.TextZh) == "" {
			return nil, fmt.Errorf("%w: translation: page %d has empty text_zh", ErrSchema, p.PageNumber)
		}
		draft.Pages[i] = TranslationPageDraft{PageNumber: p.PageNumber, TextZh: p.TextZh, NotesZh: p.NotesZh}
	}
	sort.Slice(draft.Pages, func(i, j int) bool { return draft.Pages[i].PageNumber < draft.Pages[j].PageNumber })
	return draft, nil
}

// Vocabulary validates the vocabulary stage payload: exactly 10 entries with
// non-empty headwords and English definitions.
func Vocabulary(data any) (*VocabularyDraft, error) {
	raw, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	var wire vocabularyWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: vocabulary: %v", ErrSchema, err)
	}
	if len(wire.Entries) != prompts.VocabEntryCount {
		return nil, fmt.Errorf("%w: vocabulary: expected %d entries, got %d", ErrSchema, prompts.VocabEntryCount, len(wire.Entries))
	}
	draft := &VocabularyDraft{Entries: make([]VocabEntryDraft, len(wire.Entries))}
	for i, e := range wire.Entries {
		if strings.TrimSpace(e.Word) == "" {
			return nil, fmt.Errorf("%w: vocabulary: entry %d has empty word", ErrSchema, i+1)
		}
		if strings.TrimSpace(e.DefinitionEn) == "" {
			return nil, fmt.Errorf("%w: vocabulary: entry %q has empty definition_en", ErrSchema, e.Word)
		}
		draft.Entries[i] = VocabEntryDraft{
			Word:               e.Word,
			PartOfSpeech:       e.PartOfSpeech,
			DefinitionEn:       e.DefinitionEn,
			DefinitionZh:       e.DefinitionZh,
			ExampleSentence:    e.ExampleSentence,
			ExampleTranslation: e.ExampleTranslation,
			CefrLevel:          e.CefrLevel,
		}
	}
	return draft, nil
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// decodeObject normalizes raw model output into the bytes of one JSON
// object. Strings go through the repair pipeline; structured values are
// re-encoded as-is. A top-level array is wrapped as {"entries": [...]}.
func decodeObject(data any) ([]byte, error) {
	var raw []byte
	switch v := data.(type) {
	case nil:
		return nil, fmt.Errorf("%w: empty payload", ErrUnparsable)
	case string:
		repaired, err := repair(v)
		if err != nil {
			return nil, err
		}
		raw = repaired
	case []byte:
		repaired, err := repair(string(v))
		if err != nil {
			return nil, err
		}
		raw = repaired
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: re-encode structured payload: %v", ErrUnparsable, err)
		}
		raw = wrapArray(encoded)
	}
	var refusal struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(raw, &refusal); err == nil && refusal.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrRefusal, *refusal.Error)
	}
	return raw, nil
}

// repair applies the documented repair strategies in order: fence strip,
// strict parse, balanced-object scan with a trailing-comma fix, and finally a
// bare-array scan wrapped as an entries object.
func repair(s string) ([]byte, error) {
	s = stripFences(s)
	if json.Valid([]byte(s)) {
		return wrapArray([]byte(s)), nil
	}
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		end := matchBalanced(s, i, '{', '}')
		if end < 0 {
			continue
		}
		if fixed, ok := parseCandidate(s[i : end+1]); ok {
			return fixed, nil
		}
	}
	for i := 0; i < len(s); i++ {
		if s[i] != '[' {
			continue
		}
		end := matchBalanced(s, i, '[', ']')
		if end < 0 {
			continue
		}
		if fixed, ok := parseCandidate(s[i : end+1]); ok {
			return wrapArray(fixed), nil
		}
	}
	return nil, ErrUnparsable
}

func parseCandidate(cand string) ([]byte, bool) {
	if json.Valid([]byte(cand)) {
		return []byte(cand), true
	}
	fixed := trailingCommaRe.ReplaceAllString(cand, "$1")
	if json.Valid([]byte(fixed)) {
		return []byte(fixed), true
	}
	return nil, false
}

func wrapArray(raw []byte) []byte {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "[") {
		return []byte(trimmed)
	}
	return []byte(`{"entries":` + trimmed + `}`)
}

func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:]
	} else {
		t = strings.TrimPrefix(t, "```")
		t = strings.TrimPrefix(t, "json")
	}
	t = strings.TrimSpace(t)
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}

// matchBalanced returns the index of the close bracket matching s[start],
// skipping brackets inside string literals, or -1 when unbalanced.
func matchBalanced(s string, start int, open, close byte) int {
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
