package runctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/corp/inboxdigest/internal/action"
	"github.com/corp/inboxdigest/internal/assemble"
	"github.com/corp/inboxdigest/internal/citation"
	"github.com/corp/inboxdigest/internal/clean"
	"github.com/corp/inboxdigest/internal/dconfig"
	"github.com/corp/inboxdigest/internal/digesterr"
	"github.com/corp/inboxdigest/internal/digestmodel"
	"github.com/corp/inboxdigest/internal/evidence"
	"github.com/corp/inboxdigest/internal/llmgateway"
	"github.com/corp/inboxdigest/internal/mailfetch"
	"github.com/corp/inboxdigest/internal/normalize"
	"github.com/corp/inboxdigest/internal/observability"
	"github.com/corp/inboxdigest/internal/rank"
	"github.com/corp/inboxdigest/internal/thread"
)

// SchemaVersion is the digest document's schema tag: v2, the
// tagged-union-of-kinds contract with required citations/evidence_id. v1 is
// a legacy read path only and is never produced here.
const SchemaVersion = "v2"

// Controller drives one complete run of the extract-verify-rank pipeline,
// owning the state machine, the watermark, and the idempotency check. It
// fans normalization out over RunNormalizePool and places at most one
// gateway call per run.
type Controller struct {
	Cfg       dconfig.Config
	Fetcher   mailfetch.Fetcher
	Watermark WatermarkStore
	Gateway   *llmgateway.Gateway // nil ⇒ extractive-only mode, no LLM calls
	Metrics   *observability.Metrics
	Logger    zerolog.Logger

	// ArtifactDir is where digest-YYYY-MM-DD.{json,md} are written; empty
	// disables persistence (tests exercise Run without touching disk).
	ArtifactDir string
}

// Result is everything one Run produced, before it is persisted.
type Result struct {
	Digest       digestmodel.Digest
	Markdown     string
	State        State
	TracedErrors []error
}

// RunOptions parameterizes one invocation.
type RunOptions struct {
	TraceID    string
	DigestDate string    // YYYY-MM-DD
	Now        time.Time // injected clock for determinism
	Force      bool
}

// artifactBuiltAt reports when (if ever) this digest_date's artifact was
// last built, by stat'ing its JSON file; zero time means "never".
func (c *Controller) artifactBuiltAt(digestDate string) time.Time {
	if c.ArtifactDir == "" {
		return time.Time{}
	}
	info, err := os.Stat(c.jsonPath(digestDate))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func (c *Controller) jsonPath(digestDate string) string {
	return filepath.Join(c.ArtifactDir, fmt.Sprintf("digest-%s.json", digestDate))
}

func (c *Controller) mdPath(digestDate string) string {
	return filepath.Join(c.ArtifactDir, fmt.Sprintf("digest-%s.md", digestDate))
}

func (c *Controller) manifestPath(digestDate string) string {
	return filepath.Join(c.ArtifactDir, fmt.Sprintf("digest-%s.manifest.json", digestDate))
}

func (c *Controller) donePath(digestDate string) string {
	return filepath.Join(c.Cfg.StateDir, "runs", digestDate+".done")
}

// Run executes one idempotent pass: skip if a fresh artifact already
// exists (unless forced), otherwise fetch → normalize → thread → split →
// extract → cite → rank → assemble, then persist both artifacts and the
// watermark atomically. On any failure or cancellation, no artifact is
// written and the watermark is not advanced.
func (c *Controller) Run(ctx context.Context, opt RunOptions) (Result, error) {
	start := opt.Now
	if start.IsZero() {
		start = time.Now()
	}

	if ShouldSkip(c.artifactBuiltAt(opt.DigestDate), start, opt.Force) {
		c.log(opt, StateIdle, "run skipped: artifact within T-48h rebuild window")
		return Result{State: StateDone}, nil
	}

	// The whole pass runs under a 300s wall-clock budget.
	ctx, cancel := context.WithTimeout(ctx, 300*time.Second)
	defer cancel()

	state := StateIdle
	transition := func(to State) error {
		if err := Transition(state, to); err != nil {
			return err
		}
		state = to
		return nil
	}
	fail := func(stage State, err error) (Result, error) {
		_ = transition(StateFailed)
		if c.Metrics != nil {
			c.Metrics.ObserveRun(time.Since(start), "failed")
		}
		c.log(opt, stage, "run failed: "+err.Error())
		return Result{State: StateFailed}, err
	}

	// FETCHING
	if err := transition(StateFetching); err != nil {
		return fail(state, err)
	}
	messages, wm, err := c.fetch(ctx, opt)
	if err != nil {
		return fail(StateFetching, err)
	}

	// NORMALIZING: thread-level filtering first (service traffic out, deep
	// threads down-sampled), then HTML-strip + clean for every surviving
	// message, fanned out over the bounded worker pool.
	if err := transition(StateNormalizing); err != nil {
		return fail(state, err)
	}
	threads := thread.Build(messages, thread.Options{MaxMessagesPerThread: 20})
	threadLen := make(map[string]int, len(threads))
	var kept []digestmodel.Message
	for _, t := range threads {
		threadLen[t.ConversationID] = len(t.Messages)
		kept = append(kept, t.Messages...)
	}
	if c.Metrics != nil {
		for range kept {
			c.Metrics.ObserveEmail("ok")
		}
		for i := len(kept); i < len(messages); i++ {
			c.Metrics.ObserveEmail("skipped")
		}
	}
	if n := clean.CountPatternErrors(c.cleanOptions()); n > 0 && c.Metrics != nil {
		c.Metrics.ExtractorErrors.Add(int64(n))
	}
	normalized, err := c.normalizeAll(ctx, kept)
	if err != nil {
		return fail(StateNormalizing, err)
	}

	// EXTRACTING: evidence split plus the rule-based extractor.
	if err := transition(StateExtracting); err != nil {
		return fail(state, err)
	}
	var allChunks []digestmodel.EvidenceChunk
	byMsgID := make(map[string]digestmodel.NormalizedMessage, len(normalized))
	for _, nm := range normalized {
		byMsgID[nm.MsgID] = nm
		allChunks = append(allChunks, evidence.Split(nm, evidence.DefaultOptions())...)
	}
	selected := evidence.SelectWithinBudget(allChunks, c.Cfg.LLM.MaxTokensPerRun)

	degraded := false
	if len(selected) < len(allChunks) {
		degraded = true
	}
	selectedTokens := 0
	for _, ch := range selected {
		selectedTokens += ch.TokenCount
	}
	if c.Cfg.LLM.CostLimitPerRun > 0 && llmgateway.EstimateCost(selectedTokens, 0) > c.Cfg.LLM.CostLimitPerRun {
		degraded = true
		c.log(opt, StateExtracting, "llm call skipped: estimated cost exceeds cost_limit_per_run, extractive-only mode")
	}

	var items []digestmodel.ExtractedItem
	var metas []digestmodel.ChunkMetadata
	var threadLens []int
	extractorErrors := 0
	for _, chunk := range selected {
		senderRank := rank.SenderImportance(chunk.Metadata.Sender, c.Cfg.Ranker.ImportantSenders)
		res, ok, errs := action.Extract(chunk, senderRank, action.Options{UserAliases: aliasesFor(c.Cfg)})
		extractorErrors += errs
		if !ok {
			continue
		}
		items = append(items, res.Item)
		metas = append(metas, chunk.Metadata)
		nm := byMsgID[chunk.MsgID]
		threadLens = append(threadLens, threadLen[nm.ConversationID])
	}
	if c.Metrics != nil && extractorErrors > 0 {
		c.Metrics.ExtractorErrors.Add(int64(extractorErrors))
	}

	// LLM_CALLING: one batched enrichment call over the selected chunks.
	// A nil Gateway or an already-degraded (over-budget) selection both
	// skip straight to the extractive-only items the rule-based extractor
	// already built. A schema violation surviving the one corrective retry,
	// auth/config failures, and cancellation fail the run (a cancelled run
	// must not write artifacts); transient network, rate limit, and budget
	// errors instead degrade to extractive-only, since the gateway already
	// exhausted its local retry budget for those before returning.
	if err := transition(StateLLMCalling); err != nil {
		return fail(state, err)
	}
	if c.Gateway != nil && !degraded && len(selected) > 0 {
		aliases := aliasesFor(c.Cfg)
		messages := llmgateway.BuildPromptV2(selected, aliases)
		var redactionTokens []string
		for _, ch := range selected {
			redactionTokens = append(redactionTokens, llmgateway.ExtractRedactionTokens(ch.Content)...)
		}
		callStart := time.Now()
		resp, usage, err := c.Gateway.CallForItems(ctx, messages, redactionTokens)
		if c.Metrics != nil {
			c.Metrics.ObserveLLMCall(time.Since(callStart), usage.PromptTokens, usage.CompletionTokens)
		}
		if err != nil {
			var de *digesterr.Error
			if errors.As(err, &de) && (de.Kind == digesterr.SchemaViolation || de.Kind == digesterr.Cancelled || digesterr.Fatal(de.Kind)) {
				return fail(StateLLMCalling, err)
			}
			c.log(opt, StateLLMCalling, "llm enrichment degraded to extractive-only: "+err.Error())
		} else {
			if usage.Attempts > 1 && c.Metrics != nil {
				c.Metrics.MarkRunRetry()
			}
			items, metas, threadLens = mergeLLMItems(items, metas, threadLens, resp.Items, selected, byMsgID, threadLen)
		}
	}

	// CITING
	if err := transition(StateCiting); err != nil {
		return fail(state, err)
	}
	chunkByEvidenceID := make(map[string]digestmodel.EvidenceChunk, len(selected))
	for _, ch := range selected {
		chunkByEvidenceID[ch.EvidenceID] = ch
	}

	cited := make([]digestmodel.ExtractedItem, 0, len(items))
	for _, it := range items {
		chunk, ok := chunkByEvidenceID[it.EvidenceID]
		if !ok {
			continue
		}
		nm, ok := byMsgID[chunk.MsgID]
		if !ok {
			continue
		}
		// Built from the chunk's own content, not the (possibly LLM-rewritten)
		// item text: the citation must prove the evidence chunk's verbatim
		// origin in the normalized body.
		buildRes, err := citation.Build(chunk.Content, nm)
		if err != nil {
			if c.Metrics != nil {
				c.Metrics.ObserveCitationFailure(string(citation.ErrContentNotFound))
			}
			continue
		}
		errs := citation.Validate(buildRes.Citation, &chunk, nm, c.Cfg.Strict)
		if len(errs) > 0 {
			if c.Cfg.Strict {
				return fail(StateCiting, digesterr.Wrap(digesterr.DataIntegrity, errs[0]))
			}
			for _, e := range errs {
				if c.Metrics != nil {
					c.Metrics.ObserveCitationFailure(string(e.Kind))
				}
			}
			continue
		}
		it.Citations = []digestmodel.Citation{buildRes.Citation}
		cited = append(cited, it)
	}

	// RANKING
	if err := transition(StateRanking); err != nil {
		return fail(state, err)
	}
	citedMetas := make([]digestmodel.ChunkMetadata, 0, len(cited))
	citedThreadLens := make([]int, 0, len(cited))
	for _, it := range cited {
		for j, orig := range items {
			if orig.EvidenceID == it.EvidenceID {
				citedMetas = append(citedMetas, metas[j])
				citedThreadLens = append(citedThreadLens, threadLens[j])
				break
			}
		}
	}
	rankOpt := rank.Options{
		Enabled: c.Cfg.Ranker.Enabled,
		Weights: rank.Weights{
			UserInTo: c.Cfg.Ranker.Weights.UserInTo, UserInCc: c.Cfg.Ranker.Weights.UserInCc,
			HasAction: c.Cfg.Ranker.Weights.HasAction, HasMention: c.Cfg.Ranker.Weights.HasMention,
			HasDueDate: c.Cfg.Ranker.Weights.HasDueDate, SenderImportance: c.Cfg.Ranker.Weights.SenderImportance,
			ThreadLength: c.Cfg.Ranker.Weights.ThreadLength, Recency: c.Cfg.Ranker.Weights.Recency,
			HasAttachments: c.Cfg.Ranker.Weights.HasAttachments, HasProjectTag: c.Cfg.Ranker.Weights.HasProjectTag,
		},
		UserAddresses:    aliasesFor(c.Cfg),
		ImportantSenders: c.Cfg.Ranker.ImportantSenders,
		Now:              start,
	}
	ranked := rank.Rank(cited, citedMetas, citedThreadLens, rankOpt)
	if c.Metrics != nil {
		c.Metrics.SetRankingEnabled(rankOpt.Enabled)
		c.Metrics.SetTop10ActionsShare(top10ActionsShare(ranked))
		for _, it := range ranked {
			c.Metrics.ObserveAction(string(it.Kind), len(it.Citations), it.RankScore)
		}
	}

	// ASSEMBLING
	if err := transition(StateAssembling); err != nil {
		return fail(state, err)
	}
	doc, md := assemble.Assemble(ranked, assemble.Meta{
		SchemaVersion: SchemaVersion,
		DigestDate:    opt.DigestDate,
		TraceID:       opt.TraceID,
	})

	llmCalled := c.Gateway != nil && !degraded && len(selected) > 0
	if err := c.persist(doc, md, opt.DigestDate, assemble.Manifest{
		Model:        llmModelName(c.Gateway),
		LLMBaseURL:   c.Cfg.LLM.BaseURL,
		MessageCount: len(messages),
		ChunkCount:   len(selected),
		ItemCount:    len(ranked),
		LLMCalled:    llmCalled,
		LLMCache:     c.Gateway != nil && c.Gateway.CacheEnabled(),
		GeneratedAt:  start,
	}); err != nil {
		return fail(StateAssembling, err)
	}
	if c.Watermark != nil && wm != nil {
		newWM := digestmodel.Watermark{Token: wm, UpdatedAt: start}
		if err := c.Watermark.Save(c.Cfg.UserID, newWM); err != nil {
			return fail(StateAssembling, digesterr.Wrap(digesterr.DataIntegrity, err))
		}
	}

	if err := transition(StateDone); err != nil {
		return fail(state, err)
	}
	status := "ok"
	if c.Metrics != nil {
		c.Metrics.ObserveRun(time.Since(start), status)
	}
	return Result{Digest: doc, Markdown: md, State: StateDone}, nil
}

func llmModelName(g *llmgateway.Gateway) string {
	if g == nil {
		return ""
	}
	return g.ModelName()
}

func aliasesFor(cfg dconfig.Config) []string {
	if cfg.UserID == "" {
		return nil
	}
	return []string{cfg.UserID}
}

// mergeLLMItems folds the gateway's classification over the selected chunks
// into the rule-based candidate list: an LLM item whose evidence_id matches
// an existing candidate overrides that candidate's kind/text/verb/who/due/
// confidence (the LLM's judgment wins once it has spoken); an LLM item for a
// chunk the rules never flagged is appended as a new candidate, with its
// metadata and thread length looked up from the chunk it cites. An LLM item
// citing an evidence_id outside the selected set (hallucinated) is dropped.
func mergeLLMItems(items []digestmodel.ExtractedItem, metas []digestmodel.ChunkMetadata, threadLens []int,
	llmItems []llmgateway.Item, selected []digestmodel.EvidenceChunk, byMsgID map[string]digestmodel.NormalizedMessage,
	threadLen map[string]int) ([]digestmodel.ExtractedItem, []digestmodel.ChunkMetadata, []int) {

	chunkByEvidenceID := make(map[string]digestmodel.EvidenceChunk, len(selected))
	for _, ch := range selected {
		chunkByEvidenceID[ch.EvidenceID] = ch
	}

	indexByEvidenceID := make(map[string]int, len(items))
	for i, it := range items {
		indexByEvidenceID[it.EvidenceID] = i
	}

	for _, li := range llmItems {
		chunk, known := chunkByEvidenceID[li.EvidenceID]
		if !known {
			continue
		}
		enriched := li.ToExtractedItem()
		if i, ok := indexByEvidenceID[li.EvidenceID]; ok {
			items[i].Kind = enriched.Kind
			items[i].Text = enriched.Text
			items[i].Verb = enriched.Verb
			items[i].Who = enriched.Who
			items[i].Due = enriched.Due
			items[i].Confidence = enriched.Confidence
			continue
		}
		items = append(items, enriched)
		metas = append(metas, chunk.Metadata)
		nm := byMsgID[chunk.MsgID]
		threadLens = append(threadLens, threadLen[nm.ConversationID])
		indexByEvidenceID[li.EvidenceID] = len(items) - 1
	}
	return items, metas, threadLens
}

func top10ActionsShare(items []digestmodel.ExtractedItem) float64 {
	n := len(items)
	if n > 10 {
		n = 10
	}
	if n == 0 {
		return 0
	}
	actionable := 0
	for _, it := range items[:n] {
		if it.Kind == digestmodel.KindAction || it.Kind == digestmodel.KindQuestion || it.Kind == digestmodel.KindDeadline {
			actionable++
		}
	}
	return float64(actionable) / float64(n)
}

// fetch loads the current watermark and pulls new messages, falling back to
// a full sweep (lookback_hours × 3, deduplicated) if the watermark is
// unreadable or the incremental fetch fails with a retryable error.
func (c *Controller) fetch(ctx context.Context, opt RunOptions) ([]digestmodel.Message, []byte, error) {
	var token []byte
	if c.Watermark != nil {
		wm, ok, err := c.Watermark.Load(c.Cfg.UserID)
		if err != nil {
			return c.fullSweep(ctx, opt)
		}
		if ok {
			token = wm.Token
		}
	}
	msgs, err := c.Fetcher.FetchSince(ctx, token)
	if err != nil {
		if digesterr.Retryable(classifyFetchErr(err)) {
			return c.fullSweep(ctx, opt)
		}
		return nil, nil, digesterr.Wrap(digesterr.TransientNetwork, err)
	}
	return msgs, c.Fetcher.Advance(msgs), nil
}

func (c *Controller) fullSweep(ctx context.Context, opt RunOptions) ([]digestmodel.Message, []byte, error) {
	since := opt.Now.Add(-time.Duration(c.Cfg.EWS.LookbackHours) * 3 * time.Hour)
	msgs, err := c.Fetcher.FullSweep(ctx, since)
	if err != nil {
		return nil, nil, digesterr.Wrap(digesterr.TransientNetwork, err)
	}
	msgs = mailfetch.DedupeByMsgIDChangekey(msgs)
	return msgs, c.Fetcher.Advance(msgs), nil
}

func classifyFetchErr(err error) digesterr.Kind {
	if err == mailfetch.ErrRetryable {
		return digesterr.TransientNetwork
	}
	return digesterr.ConfigError
}

func (c *Controller) cleanOptions() clean.Options {
	return clean.Options{
		Enabled:               c.Cfg.EmailCleaner.Enabled,
		KeepTopQuoteHead:      c.Cfg.EmailCleaner.KeepTopQuoteHead,
		MaxTopQuoteParagraphs: c.Cfg.EmailCleaner.MaxTopQuoteParagraphs,
		MaxTopQuoteLines:      c.Cfg.EmailCleaner.MaxTopQuoteLines,
		MaxQuoteRemovalLength: c.Cfg.EmailCleaner.MaxQuoteRemovalLength,
		WhitelistPatterns:     c.Cfg.EmailCleaner.WhitelistPatterns,
		BlacklistPatterns:     c.Cfg.EmailCleaner.BlacklistPatterns,
		TrackRemovedSpans:     c.Cfg.EmailCleaner.TrackRemovedSpans,
	}
}

// normalizeAll strips HTML and cleans each message body, fanned out
// per-message over the bounded worker pool: both steps are CPU-bound and
// stateless, so they parallelize safely.
func (c *Controller) normalizeAll(ctx context.Context, messages []digestmodel.Message) ([]digestmodel.NormalizedMessage, error) {
	cleanOpt := c.cleanOptions()
	out, err := RunNormalizePool(ctx, len(messages), DefaultWorkerPoolSize, func(_ context.Context, i int) (digestmodel.NormalizedMessage, error) {
		m := messages[i]
		plain := m.RawBody
		if m.IsHTML {
			plain = normalize.Text(m.RawBody)
		}
		res := clean.Clean(plain, m.IsAutoSubmitted, cleanOpt)
		return digestmodel.NewNormalizedMessage(m, res.CleanedText, res.RemovedSpans), nil
	})
	if err != nil {
		return nil, digesterr.Wrap(digesterr.DataIntegrity, err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MsgID < out[j].MsgID })
	return out, nil
}

// persist writes both output artifacts plus the reproducibility manifest
// atomically (temp file + rename, the same idiom watermark.go uses) and a
// run marker under state_dir.
func (c *Controller) persist(doc digestmodel.Digest, md string, digestDate string, manifest assemble.Manifest) error {
	if c.ArtifactDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.ArtifactDir, 0o755); err != nil {
		return err
	}
	jsonBytes, err := assemble.MarshalCanonicalJSON(doc)
	if err != nil {
		return err
	}
	if err := writeAtomic(c.jsonPath(digestDate), jsonBytes); err != nil {
		return err
	}
	if err := writeAtomic(c.mdPath(digestDate), []byte(md)); err != nil {
		return err
	}
	manifestBytes, err := assemble.MarshalManifestJSON(assemble.BuildManifest(manifest, jsonBytes))
	if err != nil {
		return err
	}
	if err := writeAtomic(c.manifestPath(digestDate), manifestBytes); err != nil {
		return err
	}
	if c.Cfg.StateDir == "" {
		return nil
	}
	runsDir := filepath.Join(c.Cfg.StateDir, "runs")
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return err
	}
	marker, err := json.Marshal(struct {
		JSONPath string `json:"json_path"`
		MDPath   string `json:"md_path"`
	}{c.jsonPath(digestDate), c.mdPath(digestDate)})
	if err != nil {
		return err
	}
	return writeAtomic(c.donePath(digestDate), marker)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %q: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

func (c *Controller) log(opt RunOptions, stage State, msg string) {
	l := c.Logger.With().Str("trace_id", opt.TraceID).Str("digest_date", opt.DigestDate).Str("stage", string(stage)).Logger()
	l.Info().Msg(msg)
}
