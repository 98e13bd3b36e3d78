// Package citation turns an extracted item's evidence back into a
// (msg_id, start, end, preview, checksum) tuple and proves it did not drift
// from the normalized body it was built against.
//
// The fuzzy-match fallback collapses whitespace runs to a single space in
// both body and evidence before searching, keeping a position index so a
// match found in collapsed space maps back to an offset in the original
// text_body.
package citation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/corp/inboxdigest/internal/digestmodel"
)

const maxPreviewLen = 200

// ErrorKind classifies a citation invariant violation.
type ErrorKind string

const (
	ErrSpanOutOfRange  ErrorKind = "span_out_of_range"
	ErrPreviewMismatch ErrorKind = "preview_mismatch"
	ErrPreviewTooLong  ErrorKind = "preview_too_long"
	ErrChecksumMismatch ErrorKind = "checksum_mismatch"
	ErrContentNotFound  ErrorKind = "content_not_found"
	ErrChunkOffsetDrift ErrorKind = "chunk_offset_drift"
	ErrBodyMutated      ErrorKind = "body_mutated"
)

// ValidationError reports one violated invariant.
type ValidationError struct {
	Kind ErrorKind
	Msg  string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

// BuildResult is the outcome of locating a span of evidence in a
// NormalizedMessage's text_body.
type BuildResult struct {
	Citation     digestmodel.Citation
	FuzzyMatched bool
	FuzzDistance int
}

// Build locates content (typically chunk.Content, or the exact text an
// extracted item quoted) inside nm.TextBody and returns the Citation
// proving it. It tries an exact substring search first; on failure it falls
// back to whitespace-collapsed fuzzy matching. Build returns
// ErrContentNotFound when neither search locates the content.
func Build(content string, nm digestmodel.NormalizedMessage) (BuildResult, error) {
	if idx := strings.Index(nm.TextBody, content); idx >= 0 {
		return newResult(nm, idx, idx+len(content), false, 0), nil
	}

	start, end, dist, ok := fuzzyLocate(nm.TextBody, content)
	if !ok {
		return BuildResult{}, &ValidationError{
			Kind: ErrContentNotFound,
			Msg:  fmt.Sprintf("msg %s: content not found in text_body, exact or fuzzy", nm.MsgID),
		}
	}
	return newResult(nm, start, end, true, dist), nil
}

func newResult(nm digestmodel.NormalizedMessage, start, end int, fuzzy bool, dist int) BuildResult {
	previewEnd := end
	if previewEnd > start+maxPreviewLen {
		previewEnd = start + maxPreviewLen
	}
	return BuildResult{
		Citation: digestmodel.Citation{
			MsgID:    nm.MsgID,
			Start:    start,
			End:      previewEnd,
			Preview:  nm.TextBody[start:previewEnd],
			Checksum: nm.Checksum,
		},
		FuzzyMatched: fuzzy,
		FuzzDistance: dist,
	}
}

// fuzzyLocate collapses runs of whitespace in both body and content down to
// a single space, searches for content in the collapsed body, and maps the
// match back to an offset range in the original (uncollapsed) body.
func fuzzyLocate(body, content string) (start, end, dist int, ok bool) {
	collapsedBody, index := collapseWithIndex(body)
	collapsedContent := strings.Join(strings.Fields(content), " ")
	if collapsedContent == "" {
		return 0, 0, 0, false
	}

	pos := strings.Index(collapsedBody, collapsedContent)
	if pos < 0 {
		return 0, 0, 0, false
	}
	collapsedEnd := pos + len(collapsedContent)
	if collapsedEnd > len(index) {
		collapsedEnd = len(index)
	}

	start = index[pos]
	if collapsedEnd == len(index) {
		end = len(body)
	} else {
		end = index[collapsedEnd]
	}
	dist = levenshtein(collapsedContent, collapsedBody[pos:pos+len(collapsedContent)])
	return start, end, dist, true
}

// collapseWithIndex collapses whitespace runs to a single space and
// returns, for every byte position i in the returned string, the original
// byte offset in s that produced it (len(index) == len(out), plus one
// trailing entry equal to len(s) for an end-of-string lookup).
func collapseWithIndex(s string) (out string, index []int) {
	var b strings.Builder
	lastSpace := false
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !lastSpace {
				b.WriteByte(' ')
				index = append(index, i)
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		for k := 0; k < utf8.RuneLen(r); k++ {
			index = append(index, i+k)
		}
		lastSpace = false
	}
	index = append(index, len(s))
	return b.String(), index
}

func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			curr[j] = m
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// Validate re-proves all five body invariants a citation depends on: the
// NormalizedMessage's own checksum is still self-consistent, the
// EvidenceChunk it was built from (if any) still satisfies its offset
// invariant, and the Citation's span, preview, and checksum all hold against
// nm.TextBody. In strict mode Validate returns on the first violation; in
// lax mode it accumulates every violation it finds.
func Validate(c digestmodel.Citation, chunk *digestmodel.EvidenceChunk, nm digestmodel.NormalizedMessage, strict bool) []*ValidationError {
	var errs []*ValidationError
	fail := func(kind ErrorKind, msg string) bool {
		errs = append(errs, &ValidationError{Kind: kind, Msg: msg})
		return strict
	}

	if digestmodel.Checksum(nm.TextBody) != nm.Checksum {
		if fail(ErrBodyMutated, fmt.Sprintf("msg %s: text_body no longer matches its own checksum", nm.MsgID)) {
			return errs
		}
	}

	if chunk != nil {
		if chunk.StartInBody < 0 || chunk.EndInBody > len(nm.TextBody) || chunk.StartInBody > chunk.EndInBody {
			if fail(ErrChunkOffsetDrift, fmt.Sprintf("chunk %s: offsets out of range", chunk.EvidenceID)) {
				return errs
			}
		} else if nm.TextBody[chunk.StartInBody:chunk.EndInBody] != chunk.Content {
			if fail(ErrChunkOffsetDrift, fmt.Sprintf("chunk %s: text_body[start:end] no longer equals content", chunk.EvidenceID)) {
				return errs
			}
		}
	}

	if c.Start < 0 || c.Start >= c.End || c.End > len(nm.TextBody) {
		if fail(ErrSpanOutOfRange, fmt.Sprintf("citation span [%d:%d) out of range for body of length %d", c.Start, c.End, len(nm.TextBody))) {
			return errs
		}
		// Further slicing would panic; stop here regardless of mode.
		return errs
	}

	if len(c.Preview) > maxPreviewLen {
		if fail(ErrPreviewTooLong, fmt.Sprintf("preview is %d bytes, exceeds %d", len(c.Preview), maxPreviewLen)) {
			return errs
		}
	}

	if nm.TextBody[c.Start:c.End] != c.Preview {
		if fail(ErrPreviewMismatch, "text_body[start:end] does not equal preview") {
			return errs
		}
	}

	if c.Checksum != nm.Checksum {
		if fail(ErrChecksumMismatch, "citation checksum does not match the normalized message checksum") {
			return errs
		}
	}

	return errs
}
