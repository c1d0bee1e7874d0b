package model

import (
	"strings"
	"unicode/utf8"
)

// KnowledgeBudget is the maximum number of characters of knowledge text
// folded into an inline system instruction.
const KnowledgeBudget = 20000

// TruncationMarker is appended verbatim when a document is cut to fit the
// budget.
const TruncationMarker = "[... remaining knowledge truncated ...]"

// BuildSystemInstruction assembles the inline system instruction from the
// agent prompt and the knowledge documents, in order. Each document is
// appended in full while it fits within KnowledgeBudget; the first document
// that does not fit is cut to the remaining budget, TruncationMarker is
// appended, and assembly stops.
func BuildSystemInstruction(prompt string, docs []KnowledgeDoc) string {
	var b strings.Builder
	b.WriteString(prompt)

	if len(docs) == 0 {
		return b.String()
	}

	b.WriteString("\n\nBackground knowledge:\n")

	total := 0
	for _, doc := range docs {
		text := doc.Text
		if doc.Title != "" {
			text = doc.Title + "\n" + text
		}
		if total+len(text) <= KnowledgeBudget {
			b.WriteString(text)
			b.WriteString("\n")
			total += len(text)
			continue
		}

		// Back the cut off to a rune boundary so a multi-byte character at
		// the budget edge is dropped whole, not split.
		remaining := KnowledgeBudget - total
		for remaining > 0 && !utf8.RuneStart(text[remaining]) {
			remaining--
		}
		if remaining > 0 {
			b.WriteString(text[:remaining])
		}
		b.WriteString(TruncationMarker)
		break
	}

	return b.String()
}
