// Package rank scores each extracted item against ten weighted actionability
// features and reorders the digest accordingly, with a deterministic
// tie-break so identical inputs always produce identical output order.
package rank

import (
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/corp/inboxdigest/internal/digestmodel"
)

// Weights are the per-feature coefficients. Defaults sum to 1.0.
type Weights struct {
	UserInTo         float64
	UserInCc         float64
	HasAction        float64
	HasMention       float64
	HasDueDate       float64
	SenderImportance float64
	ThreadLength     float64
	Recency          float64
	HasAttachments   float64
	HasProjectTag    float64
}

// DefaultWeights mirrors the default rank feature weights.
func DefaultWeights() Weights {
	return Weights{
		UserInTo: 0.15, UserInCc: 0.05, HasAction: 0.20, HasMention: 0.10,
		HasDueDate: 0.15, SenderImportance: 0.10, ThreadLength: 0.05,
		Recency: 0.10, HasAttachments: 0.05, HasProjectTag: 0.05,
	}
}

// Options configures one ranking pass.
type Options struct {
	Enabled          bool
	Weights          Weights
	UserAddresses    []string // the inbox owner's addresses/aliases, for user_in_to/user_in_cc
	ImportantSenders []string // exact addresses or "prefix*" patterns
	ProjectTags      []string // substrings/tags that mark a project-scoped item
	Now              time.Time
}

func (o Options) weights() Weights {
	if o.Weights == (Weights{}) {
		return DefaultWeights()
	}
	return o.Weights
}

// Features holds the ten raw feature values computed for one item before
// weighting, exposed for testing monotonicity and gold-set tuning.
type Features struct {
	UserInTo         float64
	UserInCc         float64
	HasAction        float64
	HasMention       float64
	HasDueDate       float64
	SenderImportance float64
	ThreadLength     float64
	Recency          float64
	HasAttachments   float64
	HasProjectTag    float64
}

// Score applies Weights to Features, clamped to [0,1].
func Score(f Features, w Weights) float64 {
	s := w.UserInTo*f.UserInTo + w.UserInCc*f.UserInCc + w.HasAction*f.HasAction +
		w.HasMention*f.HasMention + w.HasDueDate*f.HasDueDate + w.SenderImportance*f.SenderImportance +
		w.ThreadLength*f.ThreadLength + w.Recency*f.Recency + w.HasAttachments*f.HasAttachments +
		w.HasProjectTag*f.HasProjectTag
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// ComputeFeatures derives the ten features for one item from its evidence
// chunk metadata and thread context. threadLength is the number of messages
// in the item's conversation; opt.UserAddresses identifies the inbox
// owner for the in-To/in-Cc features.
func ComputeFeatures(item digestmodel.ExtractedItem, meta digestmodel.ChunkMetadata, threadLength int, opt Options) Features {
	now := opt.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Features{
		UserInTo:         addressIn(meta.To, opt.UserAddresses),
		UserInCc:         addressIn(meta.Cc, opt.UserAddresses),
		HasAction:        boolF(item.Kind == digestmodel.KindAction),
		HasMention:       boolF(item.Kind == digestmodel.KindMention),
		HasDueDate:       boolF(item.Due != nil),
		SenderImportance: senderImportance(meta.Sender, opt.ImportantSenders),
		ThreadLength:     clampScale(float64(threadLength), 10),
		Recency:          recencyDecay(meta.ReceivedAt, now),
		HasAttachments:   boolF(meta.HasAttachments),
		HasProjectTag:    boolF(hasProjectTag(item.Text, opt.ProjectTags)),
	}
}

func boolF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// addressIn reports whether any of addrs matches one of the given address
// patterns (exact address or "prefix*" wildcard), used as a 0/1 feature.
func addressIn(addrs []string, patterns []string) float64 {
	for _, a := range addrs {
		if matchesSenderPattern(a, patterns) {
			return 1
		}
	}
	return 0
}

func senderImportance(sender string, patterns []string) float64 {
	return SenderImportance(sender, patterns)
}

// SenderImportance scores a sender address against the important-sender
// patterns (exact match or "prefix*"), returning 1 for a match and 0
// otherwise. Exported so the action extractor's sender_rank feature and the
// ranking pass share one importance signal.
func SenderImportance(sender string, patterns []string) float64 {
	if matchesSenderPattern(sender, patterns) {
		return 1
	}
	return 0
}

func matchesSenderPattern(addr string, patterns []string) bool {
	addr = canonicalizeAddr(addr)
	if addr == "" {
		return false
	}
	for _, p := range patterns {
		p = canonicalizeAddr(p)
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(addr, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if addr == p {
			return true
		}
	}
	return false
}

// canonicalizeAddr lowercases and trims a sender/pattern string and, for the
// domain part of an address, normalizes it to its ASCII (punycode) form via
// idna so that a unicode-rendered domain (e.g. a homograph or IDN mailbox)
// compares equal to its ASCII form in important-sender patterns. The local
// part and any trailing "*" wildcard are left untouched.
func canonicalizeAddr(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return s
	}
	wildcard := strings.HasSuffix(s, "*")
	if wildcard {
		s = strings.TrimSuffix(s, "*")
	}
	at := strings.LastIndex(s, "@")
	if at >= 0 && at < len(s)-1 {
		local, domain := s[:at+1], s[at+1:]
		if ascii, err := idna.Lookup.ToASCII(domain); err == nil {
			domain = ascii
		}
		s = local + domain
	}
	if wildcard {
		s += "*"
	}
	return s
}

func clampScale(v, max float64) float64 {
	if v > max {
		v = max
	}
	if v < 0 {
		v = 0
	}
	return v / max
}

// recencyDecay returns 1.0 at 0 hours old, decaying exponentially to ~0 at
// 48 hours, per the exp-decay recency feature definition.
func recencyDecay(receivedAt, now time.Time) float64 {
	if receivedAt.IsZero() {
		return 0
	}
	hours := now.Sub(receivedAt).Hours()
	if hours < 0 {
		hours = 0
	}
	const halfLifeHours = 16.0 // tuned so 48h decays to ~0.05
	return math.Exp(-hours / halfLifeHours)
}

func hasProjectTag(text string, tags []string) bool {
	lc := strings.ToLower(text)
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" && strings.Contains(lc, tag) {
			return true
		}
	}
	return false
}

// Rank scores and reorders items in place order, returning a new slice.
// Each entry in metas/threadLengths corresponds by index to items. When
// opt.Enabled is false, items are returned unchanged (LLM order preserved)
// with RankScore left nil.
func Rank(items []digestmodel.ExtractedItem, metas []digestmodel.ChunkMetadata, threadLengths []int, opt Options) []digestmodel.ExtractedItem {
	out := make([]digestmodel.ExtractedItem, len(items))
	copy(out, items)
	if !opt.Enabled {
		return out
	}

	w := opt.weights()
	receivedAt := make(map[string]time.Time, len(out))
	for i := range out {
		meta := digestmodel.ChunkMetadata{}
		if i < len(metas) {
			meta = metas[i]
		}
		tl := 0
		if i < len(threadLengths) {
			tl = threadLengths[i]
		}
		f := ComputeFeatures(out[i], meta, tl, opt)
		score := Score(f, w)
		out[i].RankScore = &score
		receivedAt[out[i].EvidenceID] = meta.ReceivedAt
	}

	sort.SliceStable(out, func(i, j int) bool {
		si, sj := *out[i].RankScore, *out[j].RankScore
		if si != sj {
			return si > sj
		}
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		ri, rj := receivedAt[out[i].EvidenceID], receivedAt[out[j].EvidenceID]
		if !ri.Equal(rj) {
			return ri.After(rj)
		}
		return out[i].EvidenceID < out[j].EvidenceID
	})
	return out
}
