package gen

import (
	"sort"
	"strings"

	"github.com/draftforge/draftforge/event"
)

// analyzeSection answers SECTION_PARSED with an enriched
// STRUCTURE_ANALYZED carrying a shallow structural analysis of the
// section: content type heuristic, complexity, key concepts, reading
// time and paragraph count.
func (w *Worker) analyzeSection(e event.Event, p *event.SectionParsedPayload) []event.Event {
	section := p.Section
	words := event.WordCount(section.Content)

	analysis := &event.StructureAnalysis{
		ContentType:        contentTypeOf(section),
		Complexity:         complexityOf(section, words),
		KeyConcepts:        keyConcepts(section.Content, 5),
		ReadingTimeSeconds: words * 60 / readingWordsPerMinute,
		ParagraphCount:     len(section.Paragraphs),
	}

	structure := event.Structure{
		Title:    p.Chapter.Title,
		Chapters: []event.Chapter{p.Chapter},
		Analysis: analysis,
	}
	return []event.Event{
		event.Derive(e, event.TypeStructureAnalyzed, &event.StructureAnalyzedPayload{
			Structure: structure,
		}),
	}
}

// contentTypeOf classifies a section by its dominant block types.
func contentTypeOf(section event.Section) string {
	var code, list, quote int
	for _, par := range section.Paragraphs {
		switch par.Type {
		case event.ParagraphCode:
			code++
		case event.ParagraphList:
			list++
		case event.ParagraphQuote:
			quote++
		}
	}
	total := len(section.Paragraphs)
	switch {
	case total == 0:
		return "empty"
	case code*2 >= total:
		return "tutorial"
	case list*2 >= total:
		return "reference"
	case quote*2 >= total:
		return "commentary"
	default:
		return "narrative"
	}
}

// complexityOf grades a section by volume and block mix.
func complexityOf(section event.Section, words int) string {
	hasCode := false
	for _, par := range section.Paragraphs {
		if par.Type == event.ParagraphCode {
			hasCode = true
			break
		}
	}
	switch {
	case words > 600 || (hasCode && words > 300):
		return "advanced"
	case words > 200 || hasCode:
		return "intermediate"
	default:
		return "beginner"
	}
}

// difficulty grades a whole chapter for its metadata record.
func difficulty(totalWords, totalParagraphs int) string {
	switch {
	case totalWords > 2000 || totalParagraphs > 30:
		return "advanced"
	case totalWords > 600 || totalParagraphs > 10:
		return "intermediate"
	default:
		return "beginner"
	}
}

// stopWords are excluded from key-concept extraction.
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "from": true, "are": true, "was": true, "were": true,
	"have": true, "has": true, "had": true, "not": true, "but": true,
	"its": true, "can": true, "will": true, "you": true, "your": true,
	"into": true, "when": true, "then": true, "than": true, "each": true,
	"also": true, "all": true, "any": true, "some": true, "more": true,
}

// keyConcepts returns up to limit of the most frequent non-stopword terms
// of at least four letters, most frequent first; ties break
// alphabetically so the result is deterministic.
func keyConcepts(text string, limit int) []string {
	counts := make(map[string]int)
	for _, raw := range strings.Fields(strings.ToLower(text)) {
		word := strings.Trim(raw, ".,;:!?()[]{}\"'`*#->")
		if len(word) < 4 || stopWords[word] {
			continue
		}
		counts[word]++
	}

	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > limit {
		terms = terms[:limit]
	}
	return terms
}
