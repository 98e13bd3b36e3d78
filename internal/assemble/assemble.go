// Package assemble turns a ranked list of ExtractedItems into the two
// per-run output artifacts: a canonical JSON document with deterministic
// key order, and a short Markdown rendering capped at 400 words with every
// item annotated by its evidence_id.
//
// Both outputs are produced by a pure function of the item list. No I/O and
// no business logic happen here; assembly only rearranges what earlier
// stages already decided.
package assemble

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/corp/inboxdigest/internal/digestmodel"
)

// Meta carries the run-level fields that accompany a digest but are not
// themselves ExtractedItems.
type Meta struct {
	SchemaVersion string
	DigestDate    string
	TraceID       string
}

// kindOrder fixes the section order in both outputs, most-actionable first,
// so two runs over identical input always render identically.
var kindOrder = []digestmodel.ItemKind{
	digestmodel.KindAction,
	digestmodel.KindQuestion,
	digestmodel.KindDeadline,
	digestmodel.KindRisk,
	digestmodel.KindMention,
	digestmodel.KindFYI,
}

// Assemble builds the Digest document and its Markdown rendering from a
// ranked item list. Items are expected to already be in their final order;
// Assemble groups them into sections by Kind without re-sorting within a
// kind, preserving the ranker's decision.
func Assemble(items []digestmodel.ExtractedItem, meta Meta) (digestmodel.Digest, string) {
	sections := make(map[digestmodel.ItemKind][]digestmodel.ExtractedItem, len(kindOrder))
	for _, it := range items {
		sections[it.Kind] = append(sections[it.Kind], it)
	}
	doc := digestmodel.Digest{
		SchemaVersion: meta.SchemaVersion,
		DigestDate:    meta.DigestDate,
		TraceID:       meta.TraceID,
		Sections:      sections,
	}
	return doc, renderMarkdown(doc)
}

// MarshalCanonicalJSON encodes doc as UTF-8 JSON with lexicographically
// sorted object keys at every level and no trailing whitespace, so two runs
// over identical input produce byte-identical documents: map iteration
// order is otherwise unspecified in Go, so this re-marshals through a
// generic ordered representation rather than relying on encoding/json's
// map handling.
func MarshalCanonicalJSON(doc digestmodel.Digest) ([]byte, error) {
	raw, err := json.Marshal(digestDocument{
		SchemaVersion: doc.SchemaVersion,
		DigestDate:    doc.DigestDate,
		TraceID:       doc.TraceID,
		Sections:      sectionsAsSortedMap(doc.Sections),
	})
	if err != nil {
		return nil, fmt.Errorf("assemble: marshal digest: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("assemble: re-decode digest: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeSorted(&buf, generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

type digestDocument struct {
	SchemaVersion string                                   `json:"schema_version"`
	DigestDate    string                                    `json:"digest_date"`
	TraceID       string                                    `json:"trace_id"`
	Sections      map[string][]digestmodel.ExtractedItem    `json:"sections"`
}

func sectionsAsSortedMap(sections map[digestmodel.ItemKind][]digestmodel.ExtractedItem) map[string][]digestmodel.ExtractedItem {
	out := make(map[string][]digestmodel.ExtractedItem, len(sections))
	for k, v := range sections {
		out[string(k)] = v
	}
	return out
}

// encodeSorted writes v as JSON with object keys sorted ascending at every
// nesting level.
func encodeSorted(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeSorted(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeSorted(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

const maxRenderWords = 400

// renderMarkdown builds the short human-readable rendering: one heading per
// kind, one bullet per item, each bullet annotated with its evidence_id,
// trimmed to maxRenderWords if assembling every item would exceed it.
func renderMarkdown(doc digestmodel.Digest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Digest for %s\n\n", doc.DigestDate)

	words := countWords(b.String())
	for _, kind := range kindOrder {
		items := doc.Sections[kind]
		if len(items) == 0 {
			continue
		}
		heading := fmt.Sprintf("## %s\n\n", sectionTitle(kind))
		if words+countWords(heading) > maxRenderWords {
			break
		}
		b.WriteString(heading)
		words += countWords(heading)

		for _, it := range items {
			line := renderItemLine(it)
			if words+countWords(line) > maxRenderWords {
				return b.String()
			}
			b.WriteString(line)
			words += countWords(line)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func sectionTitle(k digestmodel.ItemKind) string {
	switch k {
	case digestmodel.KindAction:
		return "Actions"
	case digestmodel.KindQuestion:
		return "Questions"
	case digestmodel.KindDeadline:
		return "Deadlines"
	case digestmodel.KindRisk:
		return "Risks"
	case digestmodel.KindMention:
		return "Mentions"
	default:
		return "FYI"
	}
}

func renderItemLine(it digestmodel.ExtractedItem) string {
	due := ""
	if it.Due != nil {
		due = fmt.Sprintf(" (due %s)", it.Due.Format("2006-01-02"))
	}
	return fmt.Sprintf("- %s%s [evidence:%s]\n", strings.TrimSpace(it.Text), due, it.EvidenceID)
}

func countWords(s string) int {
	return len(strings.Fields(s))
}
