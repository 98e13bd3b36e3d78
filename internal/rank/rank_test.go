package rank

import (
	"testing"
	"time"

	"github.com/corp/inboxdigest/internal/digestmodel"
)

func TestRank_DisabledPreservesOrderAndLeavesScoreNil(t *testing.T) {
	items := []digestmodel.ExtractedItem{
		{EvidenceID: "b", Kind: digestmodel.KindFYI},
		{EvidenceID: "a", Kind: digestmodel.KindAction},
	}
	out := Rank(items, nil, nil, Options{Enabled: false})
	if out[0].EvidenceID != "b" || out[1].EvidenceID != "a" {
		t.Fatalf("expected original order preserved, got %+v", out)
	}
	for _, it := range out {
		if it.RankScore != nil {
			t.Fatalf("expected rank_score unset when disabled, got %v", *it.RankScore)
		}
	}
}

func TestRank_ActionItemOutranksFYI(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	items := []digestmodel.ExtractedItem{
		{EvidenceID: "fyi1", Kind: digestmodel.KindFYI, Confidence: 0.5},
		{EvidenceID: "act1", Kind: digestmodel.KindAction, Confidence: 0.9},
	}
	metas := []digestmodel.ChunkMetadata{
		{ReceivedAt: now},
		{ReceivedAt: now},
	}
	out := Rank(items, metas, []int{1, 1}, Options{Enabled: true, Now: now})
	if out[0].EvidenceID != "act1" {
		t.Fatalf("expected action item ranked first, got %+v", out)
	}
	if out[0].RankScore == nil || *out[0].RankScore <= *out[1].RankScore {
		t.Fatalf("expected higher rank_score for action item")
	}
}

func TestRank_TieBreaksByConfidenceThenRecencyThenEvidenceID(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	items := []digestmodel.ExtractedItem{
		{EvidenceID: "z", Kind: digestmodel.KindFYI, Confidence: 0.5},
		{EvidenceID: "a", Kind: digestmodel.KindFYI, Confidence: 0.9},
	}
	metas := []digestmodel.ChunkMetadata{{ReceivedAt: now}, {ReceivedAt: now}}
	out := Rank(items, metas, []int{0, 0}, Options{Enabled: true, Now: now})
	if out[0].EvidenceID != "a" {
		t.Fatalf("expected higher-confidence item first on tie, got %+v", out)
	}

	// Recency weight zero keeps scores tied, so received_at decides.
	flat := Options{Enabled: true, Now: now, Weights: Weights{HasAction: 0.2}}
	sameConf := []digestmodel.ExtractedItem{
		{EvidenceID: "old", Kind: digestmodel.KindFYI, Confidence: 0.5},
		{EvidenceID: "new", Kind: digestmodel.KindFYI, Confidence: 0.5},
	}
	out = Rank(sameConf, []digestmodel.ChunkMetadata{{ReceivedAt: now.Add(-2 * time.Hour)}, {ReceivedAt: now}}, []int{0, 0}, flat)
	if out[0].EvidenceID != "new" {
		t.Fatalf("expected more recent item first on score and confidence tie, got %+v", out)
	}

	sameAll := []digestmodel.ExtractedItem{
		{EvidenceID: "z", Kind: digestmodel.KindFYI, Confidence: 0.5},
		{EvidenceID: "a", Kind: digestmodel.KindFYI, Confidence: 0.5},
	}
	out = Rank(sameAll, metas, []int{0, 0}, Options{Enabled: true, Now: now})
	if out[0].EvidenceID != "a" {
		t.Fatalf("expected lower evidence_id first on full tie, got %+v", out)
	}
}

func TestScore_MonotonicIncreaseInAnyFeatureNeverDecreasesScore(t *testing.T) {
	w := DefaultWeights()
	base := Features{}
	baseScore := Score(base, w)
	bumped := base
	bumped.HasAction = 1
	if Score(bumped, w) < baseScore {
		t.Fatal("increasing has_action decreased the score")
	}
	bumped2 := bumped
	bumped2.Recency = 1
	if Score(bumped2, w) < Score(bumped, w) {
		t.Fatal("increasing recency decreased the score")
	}
}

func TestScore_ClampedToUnitInterval(t *testing.T) {
	w := Weights{UserInTo: 2, UserInCc: 2, HasAction: 2, HasMention: 2, HasDueDate: 2,
		SenderImportance: 2, ThreadLength: 2, Recency: 2, HasAttachments: 2, HasProjectTag: 2}
	f := Features{UserInTo: 1, UserInCc: 1, HasAction: 1, HasMention: 1, HasDueDate: 1,
		SenderImportance: 1, ThreadLength: 1, Recency: 1, HasAttachments: 1, HasProjectTag: 1}
	if s := Score(f, w); s != 1 {
		t.Fatalf("expected clamp to 1.0, got %f", s)
	}
}

func TestRecencyDecay_ZeroHoursIsOne(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	if d := recencyDecay(now, now); d != 1 {
		t.Fatalf("expected decay 1.0 at 0h, got %f", d)
	}
}

func TestRecencyDecay_DecaysTowardZeroBy48Hours(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	received := now.Add(-48 * time.Hour)
	if d := recencyDecay(received, now); d > 0.1 {
		t.Fatalf("expected decay near 0 at 48h, got %f", d)
	}
}

func TestComputeFeatures_UserInToMatchesOwnerNotImportantSenders(t *testing.T) {
	meta := digestmodel.ChunkMetadata{
		To: []string{"alice@corp.example"},
		Cc: []string{"bob@corp.example"},
	}
	opt := Options{
		UserAddresses:    []string{"alice@corp.example"},
		ImportantSenders: []string{"boss@*"},
	}
	f := ComputeFeatures(digestmodel.ExtractedItem{}, meta, 1, opt)
	if f.UserInTo != 1 {
		t.Fatal("expected user_in_to=1 when the owner is a To recipient")
	}
	if f.UserInCc != 0 {
		t.Fatal("expected user_in_cc=0 when only someone else is Cc'd")
	}
}

func TestMatchesSenderPattern_PrefixWildcard(t *testing.T) {
	if !matchesSenderPattern("boss@corp.example", []string{"boss@*"}) {
		t.Fatal("expected prefix wildcard to match")
	}
	if matchesSenderPattern("intern@corp.example", []string{"boss@*"}) {
		t.Fatal("expected non-matching address to be rejected")
	}
}

func TestMatchesSenderPattern_IDNDomainNormalizes(t *testing.T) {
	if !matchesSenderPattern("boss@xn--ls8h.example", []string{"boss@xn--ls8h.example"}) {
		t.Fatal("expected identical punycode domains to match")
	}
	if !matchesSenderPattern("boss@xn--ls8h.example", []string{"BOSS@xn--ls8h.EXAMPLE"}) {
		t.Fatal("expected case-insensitive domain match to still hold after canonicalization")
	}
}
