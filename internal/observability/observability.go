// Package observability provides the structured logging setup and the
// runtime metrics registry shared by every pipeline stage.
//
// Every log line carries trace_id, digest_date, and stage. Metrics are
// sync/atomic counters plus mutex-guarded latency histograms, with both a
// JSON-serializable Snapshot and a Prometheus-style text exposition for a
// scrape endpoint.
package observability

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// NewLogger configures a zerolog.Logger for the CLI entrypoint:
// human-readable console output on a TTY, newline-delimited JSON otherwise.
// verbose raises the level to debug.
func NewLogger(w io.Writer, verbose bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	var out io.Writer = w
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// RunContext is the fixed set of fields every log line in one run must
// carry. Payloads (message bodies, credentials, tokens) are never logged
// here or anywhere downstream; only lengths and counts are.
type RunContext struct {
	TraceID    string
	DigestDate string
}

// Scoped returns a logger pre-populated with trace_id and digest_date; call
// .With().Str("stage", ...) (or use WithStage) at each stage boundary.
func (rc RunContext) Scoped(l zerolog.Logger) zerolog.Logger {
	return l.With().Str("trace_id", rc.TraceID).Str("digest_date", rc.DigestDate).Logger()
}

// WithStage returns a logger annotated with the current pipeline stage name,
// matching runctl.State values (e.g. "NORMALIZING", "LLM_CALLING").
func WithStage(l zerolog.Logger, stage string) zerolog.Logger {
	return l.With().Str("stage", stage).Logger()
}

// Metrics holds every series the pipeline reports. The zero value is ready
// to use; prefer New() for an explicit start time.
type Metrics struct {
	DigestBuildSeconds summary
	LLMLatencyMs       histogram
	LLMTokensInTotal   atomic.Int64
	LLMTokensOutTotal  atomic.Int64

	EmailsOK       atomic.Int64
	EmailsSkipped  atomic.Int64
	EmailsFailed   atomic.Int64

	RunsOK     atomic.Int64
	RunsRetry  atomic.Int64
	RunsFailed atomic.Int64

	CitationFailuresByType sync.Map // string -> *atomic.Int64
	CitationsPerItem       histogram
	RankScore              histogram

	ExtractorErrors atomic.Int64
	ActionsByType   sync.Map // string -> *atomic.Int64

	Top10ActionsShare atomic.Value // float64
	RankingEnabled    atomic.Bool

	startTime time.Time
}

// New returns a Metrics with its start time recorded.
func New() *Metrics { return &Metrics{startTime: time.Now()} }

// ObserveRun records one run's wall-clock duration and outcome.
func (m *Metrics) ObserveRun(d time.Duration, status string) {
	m.DigestBuildSeconds.record(d.Seconds())
	switch status {
	case "ok":
		m.RunsOK.Add(1)
	case "retry":
		m.RunsRetry.Add(1)
	case "failed":
		m.RunsFailed.Add(1)
	}
}

// ObserveLLMCall records one gateway round-trip's latency and token usage.
func (m *Metrics) ObserveLLMCall(latency time.Duration, tokensIn, tokensOut int) {
	m.LLMLatencyMs.record(float64(latency.Microseconds()) / 1000.0)
	m.LLMTokensInTotal.Add(int64(tokensIn))
	m.LLMTokensOutTotal.Add(int64(tokensOut))
}

// ObserveEmail bumps emails_total{status}.
func (m *Metrics) ObserveEmail(status string) {
	switch status {
	case "ok":
		m.EmailsOK.Add(1)
	case "skipped":
		m.EmailsSkipped.Add(1)
	default:
		m.EmailsFailed.Add(1)
	}
}

// ObserveCitationFailure bumps citation_validation_failures_total{failure_type}.
func (m *Metrics) ObserveCitationFailure(failureType string) {
	bumpNamed(&m.CitationFailuresByType, failureType)
}

// ObserveAction bumps actions_found_total{action_type} and records the
// item's rank score and per-item citation count.
func (m *Metrics) ObserveAction(actionType string, citationCount int, rankScore *float64) {
	bumpNamed(&m.ActionsByType, actionType)
	m.CitationsPerItem.record(float64(citationCount))
	if rankScore != nil {
		m.RankScore.record(*rankScore)
	}
}

// SetTop10ActionsShare sets the top10_actions_share gauge.
func (m *Metrics) SetTop10ActionsShare(v float64) { m.Top10ActionsShare.Store(v) }

// SetRankingEnabled sets the ranking_enabled gauge.
func (m *Metrics) SetRankingEnabled(v bool) { m.RankingEnabled.Store(v) }

// MarkRunRetry bumps runs_total{status="retry"} without touching the
// duration summary, for a run that needed (and recovered from) an LLM
// gateway corrective retry without itself finishing yet.
func (m *Metrics) MarkRunRetry() { m.RunsRetry.Add(1) }

func bumpNamed(m *sync.Map, name string) {
	v, _ := m.LoadOrStore(name, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// Snapshot is a point-in-time, JSON-serializable view of the metrics: the
// counters, the gauges, the build-seconds quantiles and the LLM latency
// mean. The citations-per-item and rank-score histograms are recorded on
// Metrics but are not part of it. WriteText renders the same view in Prometheus text-exposition form for
// the scrape endpoint; neither path pins a metrics client library.
type Snapshot struct {
	DigestBuildSecondsP50 float64            `json:"digest_build_seconds_p50"`
	DigestBuildSecondsP90 float64            `json:"digest_build_seconds_p90"`
	LLMLatencyMsMean      float64            `json:"llm_latency_ms_mean"`
	LLMTokensInTotal      int64              `json:"llm_tokens_in_total"`
	LLMTokensOutTotal     int64              `json:"llm_tokens_out_total"`
	EmailsTotal           map[string]int64   `json:"emails_total"`
	RunsTotal             map[string]int64   `json:"runs_total"`
	CitationFailures      map[string]int64   `json:"citation_validation_failures_total"`
	ActionsFound          map[string]int64   `json:"actions_found_total"`
	ExtractorErrors       int64              `json:"extractor_errors"`
	Top10ActionsShare     float64            `json:"top10_actions_share"`
	RankingEnabled        bool               `json:"ranking_enabled"`
	UptimeSeconds         float64            `json:"uptime_seconds"`
}

// Snapshot captures the current metric values.
func (m *Metrics) Snapshot() Snapshot {
	share, _ := m.Top10ActionsShare.Load().(float64)
	return Snapshot{
		DigestBuildSecondsP50: m.DigestBuildSeconds.quantile(0.5),
		DigestBuildSecondsP90: m.DigestBuildSeconds.quantile(0.9),
		LLMLatencyMsMean:      m.LLMLatencyMs.mean(),
		LLMTokensInTotal:      m.LLMTokensInTotal.Load(),
		LLMTokensOutTotal:     m.LLMTokensOutTotal.Load(),
		EmailsTotal: map[string]int64{
			"ok": m.EmailsOK.Load(), "skipped": m.EmailsSkipped.Load(), "failed": m.EmailsFailed.Load(),
		},
		RunsTotal: map[string]int64{
			"ok": m.RunsOK.Load(), "retry": m.RunsRetry.Load(), "failed": m.RunsFailed.Load(),
		},
		CitationFailures:  snapshotNamed(&m.CitationFailuresByType),
		ActionsFound:      snapshotNamed(&m.ActionsByType),
		ExtractorErrors:   m.ExtractorErrors.Load(),
		Top10ActionsShare: share,
		RankingEnabled:    m.RankingEnabled.Load(),
		UptimeSeconds:     time.Since(m.startTime).Seconds(),
	}
}

func snapshotNamed(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

// histogram is a minimal mutex-guarded sample accumulator with a
// sorted-sample quantile for the build-seconds summary.
type histogram struct {
	mu      sync.Mutex
	samples []float64
	sum     float64
}

func (h *histogram) record(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, v)
	h.sum += v
}

func (h *histogram) mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) == 0 {
		return 0
	}
	return h.sum / float64(len(h.samples))
}

type summary = histogram

func (h *histogram) quantile(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.samples)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), h.samples...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(q*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// WriteText renders every Snapshot field in Prometheus text-exposition
// format; the citations-per-item and rank-score histograms are not rendered.
func (m *Metrics) WriteText(w io.Writer) {
	s := m.Snapshot()
	fmt.Fprintf(w, "digest_build_seconds{quantile=\"0.5\"} %g\n", s.DigestBuildSecondsP50)
	fmt.Fprintf(w, "digest_build_seconds{quantile=\"0.9\"} %g\n", s.DigestBuildSecondsP90)
	fmt.Fprintf(w, "llm_latency_ms_mean %g\n", s.LLMLatencyMsMean)
	fmt.Fprintf(w, "llm_tokens_in_total %d\n", s.LLMTokensInTotal)
	fmt.Fprintf(w, "llm_tokens_out_total %d\n", s.LLMTokensOutTotal)
	writeLabeled(w, "emails_total", "status", s.EmailsTotal)
	writeLabeled(w, "runs_total", "status", s.RunsTotal)
	writeLabeled(w, "citation_validation_failures_total", "failure_type", s.CitationFailures)
	writeLabeled(w, "actions_found_total", "action_type", s.ActionsFound)
	fmt.Fprintf(w, "extractor_errors_total %d\n", s.ExtractorErrors)
	fmt.Fprintf(w, "top10_actions_share %g\n", s.Top10ActionsShare)
	enabled := 0
	if s.RankingEnabled {
		enabled = 1
	}
	fmt.Fprintf(w, "ranking_enabled %d\n", enabled)
	fmt.Fprintf(w, "uptime_seconds %g\n", s.UptimeSeconds)
}

// writeLabeled emits one labeled series per map entry in sorted label order,
// so two scrapes of identical state render identically.
func writeLabeled(w io.Writer, name, label string, values map[string]int64) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
}

// Handler serves the text exposition, for mounting on a scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m.WriteText(w)
	})
}
