// Package action is the rule-based bilingual (RU/EN) action, question,
// mention, deadline, and risk extractor. Each pattern family contributes a
// boolean feature; the features feed a logistic score that becomes the
// item's confidence.
package action

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/corp/inboxdigest/internal/digestmodel"
)

// Weights are the logistic regression coefficients for the extractor.
type Weights struct {
	HasUserMention  float64
	HasImperative   float64
	HasActionMarker float64
	IsQuestion      float64
	HasDeadline     float64
	SenderRank      float64
}

// DefaultWeights returns the extractor's default feature weights.
func DefaultWeights() Weights {
	return Weights{HasUserMention: 1.5, HasImperative: 1.2, HasActionMarker: 1.0, IsQuestion: 0.8, HasDeadline: 0.6, SenderRank: 0.5}
}

// DefaultBias is the extractor's default logistic bias.
const DefaultBias = 1.5


// Options configures one extraction run.
type Options struct {
	Weights Weights
	Bias    float64

	// UserAliases are names/aliases the inbox owner is known by, used for
	// has_user_mention and the `mention` fallback kind.
	UserAliases []string

	// ExtraPatterns/SuppressPatterns let a deployment extend or mute cues
	// without recompiling; malformed entries are skipped and counted rather
	// than aborting the run.
	ExtraPatterns    []string
	SuppressPatterns []string
}

func (o Options) weights() Weights {
	if o.Weights == (Weights{}) {
		return DefaultWeights()
	}
	return o.Weights
}

func (o Options) bias() float64 {
	if o.Bias == 0 {
		return DefaultBias
	}
	return o.Bias
}

// Go's regexp \b is an ASCII-only word boundary (RE2 semantics), so it never
// fires around Cyrillic letters. ruWord builds a boundary by hand using an
// explicit non-Cyrillic-letter class on either side instead; enWord keeps
// the ordinary ASCII \b for the Latin-script alternatives.
func ruWord(tokens ...string) *regexp.Regexp {
	alt := strings.Join(tokens, "|")
	return regexp.MustCompile(`(?i)(?:^|[^а-яёА-ЯЁ])(?:` + alt + `)(?:[^а-яёА-ЯЁ]|$)`)
}

func enWord(tokens ...string) *regexp.Regexp {
	alt := strings.Join(tokens, "|")
	return regexp.MustCompile(`(?i)\b(?:` + alt + `)\b`)
}

var (
	imperativeRuRe = ruWord("сделай(?:те)?", "проверь(?:те)?", "подготовь(?:те)?", "согласуй(?:те)?", "утверди(?:те)?")
	imperativeEnRe = enWord("please", "could you", "can you", "review", "approve", "sign off", "submit", "provide")

	actionMarkerRuRe = ruWord("нужно", "необходимо", "прошу", "срочно")
	actionMarkerEnRe = enWord("need to", "must", "should", "asap")

	deadlineRuRe = ruWord("до", "к", "не позднее", "понедельник", "вторник", "сред[ауы]", "четверг", "пятниц[ауы]",
		"суббот[ауы]", "воскресень[ея]", "сегодня", "завтра", "послезавтра")
	deadlineEnRe = enWord("by", "before", "eod", "end of day", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday")
	explicitDeadlineDateRe = regexp.MustCompile(`\d{1,2}[./]\d{1,2}`)

	questionInterrogRuRe = ruWord("когда", "где", "как", "почему", "можешь")
	questionInterrogEnRe = enWord("why", "when", "how", "can you", "could you")

	riskCueRuRe = ruWord("блок", "инцидент", "проблема")
	riskCueEnRe = enWord("risk", "blocked", "incident")
)

func hasImperativeCue(content string) bool {
	return imperativeRuRe.MatchString(content) || imperativeEnRe.MatchString(content)
}

func hasActionMarkerCue(content string) bool {
	return actionMarkerRuRe.MatchString(content) || actionMarkerEnRe.MatchString(content)
}

func hasDeadlineCue(content string) bool {
	return deadlineRuRe.MatchString(content) || deadlineEnRe.MatchString(content) || explicitDeadlineDateRe.MatchString(content)
}

func hasQuestionCue(content string) bool {
	return questionInterrogRuRe.MatchString(content) || questionInterrogEnRe.MatchString(content)
}

func hasRiskCue(content string) bool {
	return riskCueRuRe.MatchString(content) || riskCueEnRe.MatchString(content)
}

// firstImperativeMatch returns the raw matched imperative verb text, trying
// the Russian table before the English one, for canonicalVerb lookup.
func firstImperativeMatch(content string) string {
	if m := imperativeRuRe.FindString(content); m != "" {
		return trimBoundary(m)
	}
	return trimBoundary(imperativeEnRe.FindString(content))
}

// trimBoundary strips the non-letter boundary characters that ruWord/enWord
// consume as part of their hand-rolled word boundary, so callers see just
// the matched word.
func trimBoundary(s string) string {
	return strings.TrimFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
}

// Result is one extracted candidate, not yet cited (the citation builder
// fills in Citations).
type Result struct {
	Item digestmodel.ExtractedItem
}

// Extract runs the rule-based extractor over one evidence chunk. senderRank
// is a precomputed [0,1] importance score for the chunk's sender (from
// ranker.important_senders-style configuration). It returns ok=false when no
// pattern family fired for this chunk; not every chunk yields an item.
func Extract(chunk digestmodel.EvidenceChunk, senderRank float64, opt Options) (Result, bool, int) {
	extra, errs1 := compilePatterns(opt.ExtraPatterns)
	suppress, errs2 := compilePatterns(opt.SuppressPatterns)
	errs := errs1 + errs2

	content := chunk.Content
	if matchesAny(content, suppress) {
		return Result{}, false, errs
	}

	hasMention := hasUserMention(content, opt.UserAliases)
	hasImperative := hasImperativeCue(content) || matchesAny(content, extra)
	hasActionMarker := hasActionMarkerCue(content)
	isQuestion := strings.Contains(strings.TrimRight(content, " \t\n"), "?") || hasQuestionCue(content)
	hasDeadline := hasDeadlineCue(content)
	hasRisk := hasRiskCue(content)

	// A chunk only becomes a candidate when at least one pattern family
	// fired; confidence (below) scores how strong the signal is but does
	// not by itself gate whether an item is emitted.
	if !(hasMention || hasImperative || hasActionMarker || isQuestion || hasDeadline || hasRisk) {
		return Result{}, false, errs
	}

	w := opt.weights()
	z := w.HasUserMention*boolF(hasMention) +
		w.HasImperative*boolF(hasImperative) +
		w.HasActionMarker*boolF(hasActionMarker) +
		w.IsQuestion*boolF(isQuestion) +
		w.HasDeadline*boolF(hasDeadline) +
		w.SenderRank*senderRank -
		opt.bias()
	confidence := sigmoid(z)

	kind := classify(hasMention, hasImperative, hasActionMarker, isQuestion, hasDeadline, content)
	var due *time.Time
	if kind == digestmodel.KindAction || kind == digestmodel.KindDeadline {
		due = parseDue(content, chunk.Metadata.ReceivedAt)
	}

	item := digestmodel.ExtractedItem{
		Kind:       kind,
		Text:       strings.TrimSpace(content),
		Verb:       canonicalVerb(firstImperativeMatch(content)),
		Who:        firstAliasMatch(content, opt.UserAliases),
		Due:        due,
		Confidence: confidence,
		EvidenceID: chunk.EvidenceID,
	}
	return Result{Item: item}, true, errs
}

func classify(hasMention, hasImperative, hasActionMarker, isQuestion, hasDeadline bool, content string) digestmodel.ItemKind {
	switch {
	case isQuestion:
		return digestmodel.KindQuestion
	case hasImperative || hasActionMarker:
		return digestmodel.KindAction
	case hasMention:
		return digestmodel.KindMention
	case hasDeadline:
		return digestmodel.KindDeadline
	case hasRiskCue(content):
		return digestmodel.KindRisk
	default:
		return digestmodel.KindFYI
	}
}

func boolF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

func hasUserMention(content string, aliases []string) bool {
	lc := strings.ToLower(content)
	for _, a := range aliases {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if strings.Contains(lc, a) {
			return true
		}
	}
	return false
}

func firstAliasMatch(content string, aliases []string) string {
	lc := strings.ToLower(content)
	for _, a := range aliases {
		if strings.Contains(lc, strings.ToLower(a)) {
			return a
		}
	}
	return ""
}

// verbCanon maps conjugated imperative forms onto a single canonical verb,
// so downstream consumers see "согласовать" regardless of whether the
// message used "согласуй" or "согласуйте".
var verbCanon = map[string]string{
	"согласуй": "согласовать", "согласуйте": "согласовать",
	"сделай": "сделать", "сделайте": "сделать",
	"проверь": "проверить", "проверьте": "проверить",
	"подготовь": "подготовить", "подготовьте": "подготовить",
	"утверди": "утвердить", "утвердите": "утвердить",
	"approve": "approve", "review": "review", "submit": "submit",
	"provide": "provide", "sign off": "sign off",
}

func canonicalVerb(raw string) string {
	lc := strings.ToLower(strings.TrimSpace(raw))
	if v, ok := verbCanon[lc]; ok {
		return v
	}
	return lc
}

func matchesAny(content string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(content) {
			return true
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

var weekdays = map[string]time.Weekday{
	"monday": time.Monday, "понедельник": time.Monday,
	"tuesday": time.Tuesday, "вторник": time.Tuesday,
	"wednesday": time.Wednesday, "среда": time.Wednesday, "среду": time.Wednesday, "среды": time.Wednesday,
	"thursday": time.Thursday, "четверг": time.Thursday,
	"friday": time.Friday, "пятница": time.Friday, "пятницу": time.Friday, "пятницы": time.Friday,
	"saturday": time.Saturday, "суббота": time.Saturday, "субботу": time.Saturday, "субботы": time.Saturday,
	"sunday": time.Sunday, "воскресенье": time.Sunday, "воскресенья": time.Sunday,
}

var explicitDateRe = regexp.MustCompile(`\b(\d{1,2})[./](\d{1,2})\b`)

// parseDue resolves a deadline cue in content to an absolute date relative
// to receivedAt using the bilingual deadline cue list above.
func parseDue(content string, receivedAt time.Time) *time.Time {
	lc := strings.ToLower(content)
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	base := time.Date(receivedAt.Year(), receivedAt.Month(), receivedAt.Day(), 0, 0, 0, 0, time.UTC)

	switch {
	case strings.Contains(lc, "сегодня") || strings.Contains(lc, "eod") || strings.Contains(lc, "end of day"):
		t := base
		return &t
	case strings.Contains(lc, "завтра") && !strings.Contains(lc, "послезавтра"):
		t := base.AddDate(0, 0, 1)
		return &t
	case strings.Contains(lc, "послезавтра"):
		t := base.AddDate(0, 0, 2)
		return &t
	}

	for name, wd := range weekdays {
		if strings.Contains(lc, name) {
			days := (int(wd) - int(base.Weekday()) + 7) % 7
			if days == 0 {
				days = 7
			}
			t := base.AddDate(0, 0, days)
			return &t
		}
	}

	if m := explicitDateRe.FindStringSubmatch(content); m != nil {
		day, errD := strconv.Atoi(m[1])
		month, errM := strconv.Atoi(m[2])
		if errD == nil && errM == nil && day >= 1 && day <= 31 && month >= 1 && month <= 12 {
			t := time.Date(base.Year(), time.Month(month), day, 0, 0, 0, 0, time.UTC)
			return &t
		}
	}
	return nil
}
