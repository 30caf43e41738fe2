// Package sources turns retrieval results into a deduplicated citation list
// and the inline context block handed to the model.
package sources

import (
	"fmt"
	"strings"

	"github.com/54b3r/kbai-go/internal/rag"
)

// unknownLabel is used when a chunk carries no usable provenance.
const unknownLabel = "unknown"

// blockSeparator sits between rendered context blocks.
const blockSeparator = "\n\n---\n\n"

// Source is one cited document, numbered in first-seen order.
type Source struct {
	// Index is the 1-based citation number.
	Index int `json:"index"`

	// Label is "[fileName](sourceUrl)", fileName, or "unknown".
	Label string `json:"label"`
}

// Citation is a URL reference returned by a web-search-augmented model.
type Citation struct {
	// URL is the cited page.
	URL string

	// Title is the page title, empty when the provider gave none.
	Title string
}

// NameLookup resolves a document id to its original file name. It returns
// "" when the id is unknown.
type NameLookup func(documentID string) string

// Build deduplicates results into sources and renders the context block.
//
// The dedup key of a chunk is the first non-empty of documentId, sourceUrl,
// fileName, or the literal "unknown". Every result is rendered into the
// context, duplicates included, numbered by its position in results.
func Build(results []rag.RetrievalResult, lookup NameLookup) ([]Source, string) {
	var (
		srcs   []Source
		seen   = make(map[string]struct{}, len(results))
		blocks = make([]string, 0, len(results))
	)
	for i, r := range results {
		meta := r.Chunk.Metadata
		docID := meta.DocumentID()
		fileName := meta.FileName()
		if fileName == "" && docID != "" && lookup != nil {
			fileName = lookup(docID)
		}
		sourceURL := meta.SourceURL()

		key := firstNonEmpty(docID, sourceURL, fileName, unknownLabel)
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			srcs = append(srcs, Source{Index: len(srcs) + 1, Label: label(fileName, sourceURL)})
		}

		name := firstNonEmpty(fileName, docID, unknownLabel)
		blocks = append(blocks, fmt.Sprintf("Source %d (score=%.4f): %s\n\n%s", i+1, r.Score, name, r.Chunk.Content))
	}
	return srcs, strings.Join(blocks, blockSeparator)
}

// FormatSection renders the trailing "Sources:" section appended to an
// answer, or "" when there are no sources.
func FormatSection(srcs []Source) string {
	if len(srcs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nSources:")
	for _, s := range srcs {
		fmt.Fprintf(&b, "\n- Source %d: %s", s.Index, s.Label)
	}
	return b.String()
}

// FromCitations converts web citations into numbered sources. Citations
// must already be deduplicated by URL.
func FromCitations(cites []Citation) []Source {
	out := make([]Source, 0, len(cites))
	for i, c := range cites {
		title := c.Title
		if title == "" {
			title = c.URL
		}
		out = append(out, Source{Index: i + 1, Label: label(title, c.URL)})
	}
	return out
}

// label renders the citation label for a document.
func label(fileName, sourceURL string) string {
	switch {
	case fileName != "" && sourceURL != "":
		return fmt.Sprintf("[%s](%s)", fileName, sourceURL)
	case fileName != "":
		return fileName
	default:
		return unknownLabel
	}
}

// firstNonEmpty returns the first argument that is not "".
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
