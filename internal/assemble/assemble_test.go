package assemble

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/corp/inboxdigest/internal/digestmodel"
)

func TestAssemble_GroupsItemsByKindInFixedOrder(t *testing.T) {
	items := []digestmodel.ExtractedItem{
		{Kind: digestmodel.KindFYI, Text: "fyi item", EvidenceID: "e1"},
		{Kind: digestmodel.KindAction, Text: "action item", EvidenceID: "e2"},
	}
	doc, md := Assemble(items, Meta{SchemaVersion: "v2", DigestDate: "2026-07-29", TraceID: "t1"})

	if len(doc.Sections[digestmodel.KindAction]) != 1 || len(doc.Sections[digestmodel.KindFYI]) != 1 {
		t.Fatalf("expected one item per kind, got %+v", doc.Sections)
	}
	actionIdx := strings.Index(md, "## Actions")
	fyiIdx := strings.Index(md, "## FYI")
	if actionIdx < 0 || fyiIdx < 0 || actionIdx > fyiIdx {
		t.Fatalf("expected Actions section before FYI section, got:\n%s", md)
	}
}

func TestAssemble_PreservesWithinKindOrder(t *testing.T) {
	items := []digestmodel.ExtractedItem{
		{Kind: digestmodel.KindAction, Text: "first", EvidenceID: "e1"},
		{Kind: digestmodel.KindAction, Text: "second", EvidenceID: "e2"},
	}
	_, md := Assemble(items, Meta{DigestDate: "2026-07-29"})
	if strings.Index(md, "first") > strings.Index(md, "second") {
		t.Fatalf("expected ranked order preserved within a section, got:\n%s", md)
	}
}

func TestAssemble_MarkdownAnnotatesEvidenceID(t *testing.T) {
	items := []digestmodel.ExtractedItem{
		{Kind: digestmodel.KindAction, Text: "do the thing", EvidenceID: "abc123"},
	}
	_, md := Assemble(items, Meta{DigestDate: "2026-07-29"})
	if !strings.Contains(md, "[evidence:abc123]") {
		t.Fatalf("expected evidence id annotation in markdown, got:\n%s", md)
	}
}

func TestAssemble_MarkdownIncludesDueDate(t *testing.T) {
	due := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	items := []digestmodel.ExtractedItem{
		{Kind: digestmodel.KindDeadline, Text: "submit report", EvidenceID: "e1", Due: &due},
	}
	_, md := Assemble(items, Meta{DigestDate: "2026-07-29"})
	if !strings.Contains(md, "(due 2026-08-01)") {
		t.Fatalf("expected due date rendering, got:\n%s", md)
	}
}

func TestAssemble_MarkdownCapsAt400Words(t *testing.T) {
	items := make([]digestmodel.ExtractedItem, 0, 200)
	for i := 0; i < 200; i++ {
		items = append(items, digestmodel.ExtractedItem{
			Kind:       digestmodel.KindFYI,
			Text:       "a reasonably long fyi line with several words in it",
			EvidenceID: "e",
		})
	}
	_, md := Assemble(items, Meta{DigestDate: "2026-07-29"})
	if words := len(strings.Fields(md)); words > maxRenderWords {
		t.Fatalf("markdown rendering exceeded the word cap: got %d words, want <= %d", words, maxRenderWords)
	}
}

func TestAssemble_EmptyItemsProducesHeaderOnly(t *testing.T) {
	_, md := Assemble(nil, Meta{DigestDate: "2026-07-29"})
	if !strings.Contains(md, "Digest for 2026-07-29") {
		t.Fatalf("expected a header even with no items, got:\n%s", md)
	}
}

func TestMarshalCanonicalJSON_KeysAreSortedAtEveryLevel(t *testing.T) {
	items := []digestmodel.ExtractedItem{
		{Kind: digestmodel.KindAction, Text: "act", EvidenceID: "e1"},
	}
	doc, _ := Assemble(items, Meta{SchemaVersion: "v2", DigestDate: "2026-07-29", TraceID: "t1"})

	raw, err := MarshalCanonicalJSON(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(raw)
	// Top-level keys must appear in lexicographic order: digest_date, schema_version, sections, trace_id.
	idxDigestDate := strings.Index(s, `"digest_date"`)
	idxSchema := strings.Index(s, `"schema_version"`)
	idxSections := strings.Index(s, `"sections"`)
	idxTrace := strings.Index(s, `"trace_id"`)
	if !(idxDigestDate < idxSchema && idxSchema < idxSections && idxSections < idxTrace) {
		t.Fatalf("expected sorted top-level keys, got:\n%s", s)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("expected valid JSON, got error: %v\n%s", err, s)
	}
}

func TestMarshalCanonicalJSON_Deterministic(t *testing.T) {
	items := []digestmodel.ExtractedItem{
		{Kind: digestmodel.KindAction, Text: "a", EvidenceID: "e1"},
		{Kind: digestmodel.KindFYI, Text: "b", EvidenceID: "e2"},
	}
	doc, _ := Assemble(items, Meta{SchemaVersion: "v2", DigestDate: "2026-07-29", TraceID: "t1"})

	first, err := MarshalCanonicalJSON(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := MarshalCanonicalJSON(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("expected two marshals of the same document to be byte-identical")
	}
}
