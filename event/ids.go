package event

import (
	"fmt"
	"strings"
)

// Deterministic id derivation. The same logical unit always produces the
// same id within a workflow, which makes aggregation idempotent and keeps
// retried sink writes keyed to one artifact.

const slugMax = 30

// Slug lowercases s and collapses every non-alphanumeric run into a single
// underscore, trimmed to slugMax runes.
func Slug(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > slugMax {
		out = out[:slugMax]
		out = strings.Trim(out, "_")
	}
	if out == "" {
		out = "untitled"
	}
	return out
}

// ChapterID derives the stable id of a chapter from its heading level and
// title.
func ChapterID(level int, title string) string {
	return fmt.Sprintf("chapter_%d_%s", level, Slug(title))
}

// SectionID derives the stable id of a section from its chapter index,
// its own index, and its title.
func SectionID(chapterIndex, sectionIndex int, title string) string {
	return fmt.Sprintf("section_%d_%d_%s", chapterIndex, sectionIndex, Slug(title))
}

// ParagraphID derives the stable id of a paragraph from the chapter,
// section and paragraph indices.
func ParagraphID(chapterIndex, sectionIndex, paragraphIndex int) string {
	return fmt.Sprintf("paragraph_%d_%d_%d", chapterIndex, sectionIndex, paragraphIndex)
}

// ContentID derives the stable id of a content item from its kind and the
// paragraph it was generated from.
func ContentID(kind Kind, paragraphID string) string {
	return fmt.Sprintf("content_%s_%s", kind, paragraphID)
}
