package domain

import (
	"fmt"
	"strings"
)

// NoEvidenceMarker is emitted in place of evidence when retrieval matched
// nothing, so the language model can decline instead of fabricating.
const NoEvidenceMarker = "[no matching product information]"

// Filters narrows retrieval candidates by product metadata.
type Filters struct {
	Category    string
	InStockOnly bool
}

// Matches reports whether the metadata satisfies the filters.
func (f Filters) Matches(m Metadata) bool {
	if f.Category != "" && f.Category != m.Category {
		return false
	}
	if f.InStockOnly && !m.InStock {
		return false
	}
	return true
}

// Evidence is one ranked retrieval hit. Ephemeral, scoped to a single query.
type Evidence struct {
	Chunk Chunk
	Score float64
}

// GroundedPrompt is the assembled language model payload: factuality
// instruction, cited evidence, bounded history, and the user query.
type GroundedPrompt struct {
	Instruction string
	Evidence    []Evidence
	History     []Turn
	Query       string
}

// HasEvidence reports whether any retrieved evidence survived assembly.
func (p GroundedPrompt) HasEvidence() bool { return len(p.Evidence) > 0 }

// Render flattens the prompt into the completion input string.
func (p GroundedPrompt) Render() string {
	var b strings.Builder
	b.WriteString(p.Instruction)
	b.WriteString("\n\n")
	b.WriteString(p.RenderEvidence())
	if len(p.History) > 0 {
		b.WriteString("\n\nConversation so far:\n")
		for _, t := range p.History {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
		}
	}
	b.WriteString("\nuser: ")
	b.WriteString(p.Query)
	return b.String()
}

// RenderEvidence flattens the evidence section with SKU citations, or the
// no-evidence marker when nothing was retrieved.
func (p GroundedPrompt) RenderEvidence() string {
	if len(p.Evidence) == 0 {
		return NoEvidenceMarker
	}
	var b strings.Builder
	b.WriteString("Product information:\n")
	for _, ev := range p.Evidence {
		fmt.Fprintf(&b, "- [%s] %s\n", ev.Chunk.Metadata.SKU, ev.Chunk.Text)
	}
	return b.String()
}
