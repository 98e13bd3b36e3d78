// Package clean is the body cleaner: it strips quoted replies, signatures,
// disclaimers, and auto-responses from an HTML-stripped message body while
// recording every removed block's pre-cleaning offsets, type, and
// confidence, so the citation builder can always trust that cleaned-text
// offsets are exact.
//
// The bilingual (RU/EN) pattern families are table-driven and compiled once
// per run rather than per message.
package clean

import (
	"regexp"
	"strings"

	"github.com/corp/inboxdigest/internal/digestmodel"
)

// Options configures cleaning behavior.
type Options struct {
	Enabled               bool
	KeepTopQuoteHead      bool
	MaxTopQuoteParagraphs int
	MaxTopQuoteLines      int
	MaxQuoteRemovalLength int
	WhitelistPatterns     []string
	BlacklistPatterns     []string
	TrackRemovedSpans     bool
}

// DefaultOptions returns the cleaner's default settings.
func DefaultOptions() Options {
	return Options{
		Enabled:               true,
		MaxQuoteRemovalLength: 10000,
		TrackRemovedSpans:     true,
	}
}

// Result is the output contract of Clean: the cleaned text plus the ordered
// removed-span log in pre-cleaning coordinates, and a count of any
// whitelist/blacklist patterns that failed to compile (surfaced so the
// caller can increment an extractor_errors-style counter without aborting).
type Result struct {
	CleanedText  string
	RemovedSpans []digestmodel.RemovedSpan
	PatternErrors int
}

type line struct {
	start, end int // byte offsets into the input text, end exclusive, newline excluded
	text       string
}

func splitLines(text string) []line {
	var out []line
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			out = append(out, line{start: start, end: i, text: text[start:i]})
			start = i + 1
		}
	}
	out = append(out, line{start: start, end: len(text), text: text[start:]})
	return out
}

var (
	quoteMarkerRe  = regexp.MustCompile(`^\s*>`)
	origMsgHdrRe   = regexp.MustCompile(`(?i)^-{3,}\s*(original message|исходное сообщение)\s*-{3,}$`)
	quoteHeaderRe  = regexp.MustCompile(`(?i)^\s*(от|кому|отправлено|тема|from|to|sent|subject)\s*:\s`)
	onWroteRe      = regexp.MustCompile(`(?i)^\s*on\s.+\swrote:\s*$`)
	sigDelimRe     = regexp.MustCompile(`^--\s?$`)
	sigPhraseRe    = regexp.MustCompile(`(?i)^\s*(с уважением|sent from my (iphone|ipad|android|mobile device|blackberry))\b`)
	disclaimerRe   = regexp.MustCompile(`(?i)(confidential|this (e-?mail|message) (and any|is intended)|please consider the environment|unsubscribe|конфиденциальн|не является публичной офертой)`)
	autoResponseRe = regexp.MustCompile(`(?i)(out of office|автоответ|автоматическое уведомление|automatic reply)`)
)

// Clean applies the body cleaner to HTML-stripped text and returns the
// cleaned text plus removed-span log. isAutoSubmitted comes from the
// originating Message's header-derived flag.
func Clean(text string, isAutoSubmitted bool, opt Options) Result {
	if !opt.Enabled {
		return Result{CleanedText: text}
	}
	whitelist, errs1 := compilePatterns(opt.WhitelistPatterns)
	blacklist, errs2 := compilePatterns(opt.BlacklistPatterns)
	res := Result{PatternErrors: errs1 + errs2}

	lines := splitLines(text)
	kept := make([]bool, len(lines))
	for i := range kept {
		kept[i] = true
	}

	maxLen := opt.MaxQuoteRemovalLength
	if maxLen <= 0 {
		maxLen = 10000
	}

	removeRange := func(from, to int, typ digestmodel.RemovedSpanType, confidence float64) bool {
		if from < 0 || to > len(lines) || from >= to {
			return false
		}
		if matchesAny(lines[from:to], whitelist) {
			return false
		}
		blockLen := lines[to-1].end - lines[from].start
		if blockLen > maxLen {
			return false
		}
		for i := from; i < to; i++ {
			kept[i] = false
		}
		if opt.TrackRemovedSpans {
			res.RemovedSpans = append(res.RemovedSpans, digestmodel.RemovedSpan{
				Start:      lines[from].start,
				End:        lines[to-1].end,
				Type:       typ,
				Content:    text[lines[from].start:lines[to-1].end],
				Confidence: confidence,
			})
		}
		return true
	}

	// Auto-response: header flag or a strong textual marker near the top.
	if isAutoSubmitted || autoResponseNearTop(lines) {
		removeRange(0, len(lines), digestmodel.RemovedAutoResponse, 0.95)
	}

	// Quoted replies: first quote-start line cuts the rest of the message.
	quoteStart := -1
	for i, ln := range lines {
		if !kept[i] {
			continue
		}
		t := ln.text
		if quoteMarkerRe.MatchString(t) || origMsgHdrRe.MatchString(t) || quoteHeaderRe.MatchString(t) || onWroteRe.MatchString(t) {
			quoteStart = i
			break
		}
	}
	if quoteStart >= 0 {
		head := quoteStart
		if opt.KeepTopQuoteHead {
			head = topQuoteHeadEnd(lines, quoteStart, opt.MaxTopQuoteParagraphs, opt.MaxTopQuoteLines)
		}
		if head < len(lines) {
			removeRange(head, len(lines), digestmodel.RemovedQuoted, 0.9)
		}
	}

	// Signature: "--" delimiter or a known sign-off phrase cuts to the end
	// of whatever remains.
	for i, ln := range lines {
		if !kept[i] {
			continue
		}
		if sigDelimRe.MatchString(ln.text) || sigPhraseRe.MatchString(ln.text) {
			removeRange(i, len(lines), digestmodel.RemovedSignature, 0.85)
			break
		}
	}

	// Disclaimers and blacklist-forced removal operate paragraph-by-paragraph
	// over whatever text remains.
	for _, para := range paragraphs(lines, kept) {
		text := joinLines(lines, para.from, para.to)
		if disclaimerRe.MatchString(text) {
			removeRange(para.from, para.to, digestmodel.RemovedDisclaimer, 0.8)
			continue
		}
		if matchesAny(lines[para.from:para.to], blacklist) {
			removeRange(para.from, para.to, digestmodel.RemovedDisclaimer, 0.6)
		}
	}

	var b strings.Builder
	for i, ln := range lines {
		if !kept[i] {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(ln.text)
	}
	res.CleanedText = strings.TrimSpace(b.String())
	return res
}

func autoResponseNearTop(lines []line) bool {
	limit := 5
	if len(lines) < limit {
		limit = len(lines)
	}
	for i := 0; i < limit; i++ {
		if autoResponseRe.MatchString(lines[i].text) {
			return true
		}
	}
	return false
}

// topQuoteHeadEnd returns the line index at which the retained head of the
// outermost quote ends, bounded by both a paragraph count and a line count
// cap (whichever is configured and smaller wins).
func topQuoteHeadEnd(lines []line, quoteStart int, maxParagraphs, maxLines int) int {
	if maxParagraphs <= 0 {
		maxParagraphs = 1 << 30
	}
	if maxLines <= 0 {
		maxLines = 1 << 30
	}
	paragraphs := 0
	i := quoteStart
	linesUsed := 0
	inParagraph := false
	for i < len(lines) && linesUsed < maxLines && paragraphs < maxParagraphs {
		if strings.TrimSpace(lines[i].text) == "" {
			if inParagraph {
				paragraphs++
				inParagraph = false
				if paragraphs >= maxParagraphs {
					i++
					break
				}
			}
			i++
			linesUsed++
			continue
		}
		inParagraph = true
		i++
		linesUsed++
	}
	if inParagraph && paragraphs < maxParagraphs {
		paragraphs++
	}
	return i
}

type paragraphRange struct{ from, to int }

// paragraphs groups the currently-kept lines into contiguous non-blank runs.
func paragraphs(lines []line, kept []bool) []paragraphRange {
	var out []paragraphRange
	start := -1
	for i := 0; i <= len(lines); i++ {
		isBlankOrRemoved := i == len(lines) || !kept[i] || strings.TrimSpace(lines[i].text) == ""
		if !isBlankOrRemoved {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, paragraphRange{from: start, to: i})
			start = -1
		}
	}
	return out
}

func joinLines(lines []line, from, to int) string {
	var b strings.Builder
	for i := from; i < to; i++ {
		b.WriteString(lines[i].text)
		b.WriteString("\n")
	}
	return b.String()
}

func matchesAny(ls []line, patterns []*regexp.Regexp) bool {
	for _, ln := range ls {
		for _, p := range patterns {
			if p.MatchString(ln.text) {
				return true
			}
		}
	}
	return false
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, int) {
	var out []*regexp.Regexp
	errs := 0
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			errs++
			continue
		}
		out = append(out, re)
	}
	return out, errs
}

// CountPatternErrors reports how many of the configured whitelist/blacklist
// patterns fail to compile. The count is a property of the Options, not of
// any message, so callers can record it once per run instead of per body.
func CountPatternErrors(opt Options) int {
	_, errs1 := compilePatterns(opt.WhitelistPatterns)
	_, errs2 := compilePatterns(opt.BlacklistPatterns)
	return errs1 + errs2
}
