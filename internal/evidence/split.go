package evidence

import (
	"regexp"
	"sort"
	"strings"

	"github.com/corp/inboxdigest/internal/digestmodel"
)

// Options configures the evidence splitter.
type Options struct {
	MaxTokensPerParagraph int // re-split threshold, default 512
	MaxChunksPerMessage   int // default 12
	MaxTokensPerRunBatch  int // default 3000, applied across the selected set
}

// DefaultOptions returns the splitter's default settings.
func DefaultOptions() Options {
	return Options{MaxTokensPerParagraph: 512, MaxChunksPerMessage: 12, MaxTokensPerRunBatch: 3000}
}

type span struct{ start, end int }

var (
	paraSepRe    = regexp.MustCompile(`\n[ \t]*\n`)
	sentenceEndRe = regexp.MustCompile(`[.!?]+[\s]+`)
)

// Split produces token-bounded chunks of nm.TextBody with stable IDs,
// splitting first by paragraph then, for any paragraph over
// opt.MaxTokensPerParagraph tokens, by sentence. Chunks are capped to
// opt.MaxChunksPerMessage by merging adjacent spans. Every returned chunk
// satisfies digestmodel's invariant: TextBody[Start:End] == Content.
func Split(nm digestmodel.NormalizedMessage, opt Options) []digestmodel.EvidenceChunk {
	if opt.MaxTokensPerParagraph <= 0 {
		opt = DefaultOptions()
	}
	text := nm.TextBody
	if strings.TrimSpace(text) == "" {
		return nil
	}

	spans := paragraphSpans(text)
	var refined []span
	for _, p := range spans {
		if EstimateTokens(text[p.start:p.end]) > opt.MaxTokensPerParagraph {
			refined = append(refined, sentenceSpans(text, p)...)
		} else {
			refined = append(refined, p)
		}
	}
	refined = trimEmptySpans(text, refined)

	maxChunks := opt.MaxChunksPerMessage
	if maxChunks <= 0 {
		maxChunks = 12
	}
	for len(refined) > maxChunks {
		refined = mergeSmallest(refined)
	}

	out := make([]digestmodel.EvidenceChunk, 0, len(refined))
	for i, s := range refined {
		content := text[s.start:s.end]
		out = append(out, digestmodel.EvidenceChunk{
			EvidenceID:  digestmodel.EvidenceID(nm.MsgID, i, content),
			MsgID:       nm.MsgID,
			ChunkIndex:  i,
			Content:     content,
			StartInBody: s.start,
			EndInBody:   s.end,
			TokenCount:  EstimateTokens(content),
			Metadata: digestmodel.ChunkMetadata{
				To:             nm.To,
				Cc:             nm.Cc,
				Sender:         nm.Sender,
				Subject:        nm.Subject,
				HasAttachments: nm.HasAttachments,
				ReceivedAt:     nm.ReceivedAt,
			},
		})
	}
	return out
}

func paragraphSpans(text string) []span {
	var out []span
	start := 0
	for _, m := range paraSepRe.FindAllStringIndex(text, -1) {
		out = append(out, span{start: start, end: m[0]})
		start = m[1]
	}
	out = append(out, span{start: start, end: len(text)})
	return out
}

func sentenceSpans(text string, p span) []span {
	sub := text[p.start:p.end]
	var out []span
	start := 0
	for _, m := range sentenceEndRe.FindAllStringIndex(sub, -1) {
		out = append(out, span{start: p.start + start, end: p.start + m[1]})
		start = m[1]
	}
	out = append(out, span{start: p.start + start, end: p.end})
	return trimEmptySpans(text, out)
}

func trimEmptySpans(text string, spans []span) []span {
	out := spans[:0:0]
	for _, s := range spans {
		if s.start >= s.end {
			continue
		}
		if strings.TrimSpace(text[s.start:s.end]) == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

// mergeSmallest merges the two adjacent spans whose combined length is
// smallest, keeping spans contiguous and in document order.
func mergeSmallest(spans []span) []span {
	if len(spans) < 2 {
		return spans
	}
	bestIdx := 0
	bestLen := spans[1].end - spans[0].start
	for i := 0; i < len(spans)-1; i++ {
		l := spans[i+1].end - spans[i].start
		if l < bestLen {
			bestLen = l
			bestIdx = i
		}
	}
	merged := span{start: spans[bestIdx].start, end: spans[bestIdx+1].end}
	out := make([]span, 0, len(spans)-1)
	out = append(out, spans[:bestIdx]...)
	out = append(out, merged)
	out = append(out, spans[bestIdx+2:]...)
	return out
}

// SelectWithinBudget applies the per-run-batch token cap across a selected
// set of chunks (possibly spanning many messages). When the set fits, it is
// returned unchanged and in its original order. When over budget, chunks are
// scored by a cheap relevance heuristic (a minimal subset of the action
// extractor's cues, applied without the logistic step) and the highest-
// scoring chunks are kept until the budget is met, re-sorted back into
// (msg_id, chunk_index) order for determinism.
func SelectWithinBudget(chunks []digestmodel.EvidenceChunk, maxTokens int) []digestmodel.EvidenceChunk {
	if maxTokens <= 0 {
		maxTokens = 3000
	}
	total := 0
	for _, c := range chunks {
		total += c.TokenCount
	}
	if total <= maxTokens {
		return chunks
	}

	type scored struct {
		c     digestmodel.EvidenceChunk
		score float64
	}
	ranked := make([]scored, 0, len(chunks))
	for _, c := range chunks {
		ranked = append(ranked, scored{c: c, score: quickRelevance(c.Content)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].c.EvidenceID < ranked[j].c.EvidenceID
	})

	budget := maxTokens
	kept := make([]digestmodel.EvidenceChunk, 0, len(chunks))
	for _, r := range ranked {
		if r.c.TokenCount > budget {
			continue
		}
		kept = append(kept, r.c)
		budget -= r.c.TokenCount
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].MsgID != kept[j].MsgID {
			return kept[i].MsgID < kept[j].MsgID
		}
		return kept[i].ChunkIndex < kept[j].ChunkIndex
	})
	return kept
}

var (
	quickImperativeRe = regexp.MustCompile(`(?i)(please|could you|can you|review|approve|submit|provide|сделай|проверь|подготовь|согласуй|утверди|нужно|прошу|срочно)`)
	quickDeadlineRe   = regexp.MustCompile(`(?i)(by|before|eod|asap|до|не позднее|сегодня|завтра)`)
	quickQuestionRe   = regexp.MustCompile(`\?`)
)

// quickRelevance is a cheap, non-logistic stand-in for the action
// extractor's scoring used only to decide which chunks survive a budget
// trim; the full extractor still runs on whatever survives.
func quickRelevance(content string) float64 {
	score := 0.0
	if quickImperativeRe.MatchString(content) {
		score += 1.0
	}
	if quickDeadlineRe.MatchString(content) {
		score += 0.6
	}
	if quickQuestionRe.MatchString(content) {
		score += 0.5
	}
	return score
}
