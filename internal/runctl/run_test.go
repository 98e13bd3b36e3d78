package runctl

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/corp/inboxdigest/internal/dconfig"
	"github.com/corp/inboxdigest/internal/digestmodel"
	"github.com/corp/inboxdigest/internal/llmgateway"
	"github.com/corp/inboxdigest/internal/mailfetch"
	"github.com/corp/inboxdigest/internal/observability"
)

// evidenceIDEchoClient is a fake llmgateway.Client that reads the first
// "evidence_id: ..." line out of the user prompt and echoes it back as a
// single reclassified item, so tests can prove the gateway's output actually
// reaches the assembled digest without needing to replicate the real
// evidence-id hash to construct a fixture response up front.
type evidenceIDEchoClient struct {
	kind  string
	calls int
}

func (c *evidenceIDEchoClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	c.calls++
	var evidenceID string
	for _, m := range req.Messages {
		if idx := strings.Index(m.Content, "evidence_id: "); idx >= 0 {
			rest := m.Content[idx+len("evidence_id: "):]
			if end := strings.IndexAny(rest, "\n"); end >= 0 {
				evidenceID = rest[:end]
			} else {
				evidenceID = rest
			}
			break
		}
	}
	body := fmt.Sprintf(`{"items":[{"evidence_id":%q,"kind":%q,"text":"llm classified","verb":"","who":"","due":"","confidence":0.77}]}`, evidenceID, c.kind)
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: body}}},
	}, nil
}

func baseTestConfig(t *testing.T, stateDir, outDir string) dconfig.Config {
	t.Helper()
	cfg := dconfig.Defaults()
	cfg.UserID = "alice@corp.example"
	cfg.StateDir = stateDir
	cfg.OutputDir = outDir
	return cfg
}

func TestController_Run_ExtractiveOnlyProducesDigestWithCitations(t *testing.T) {
	stateDir := t.TempDir()
	outDir := t.TempDir()
	cfg := baseTestConfig(t, stateDir, outDir)

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	msg := digestmodel.Message{
		MsgID:          "m1",
		ConversationID: "conv1",
		ReceivedAt:     now.Add(-time.Hour),
		Sender:         "boss@corp.example",
		To:             []string{"alice@corp.example"},
		Subject:        "Report",
		RawBody:        "Please send the quarterly report by Friday.",
		IsHTML:         false,
		Changekey:      "ck1",
	}
	fetcher := &mailfetch.FixtureFetcher{Messages: []digestmodel.Message{msg}}

	c := &Controller{
		Cfg:         cfg,
		Fetcher:     fetcher,
		Watermark:   &JSONFileWatermarkStore{Dir: stateDir},
		Metrics:     observability.New(),
		ArtifactDir: outDir,
	}

	result, err := c.Run(context.Background(), RunOptions{
		TraceID:    "trace-1",
		DigestDate: "2026-07-29",
		Now:        now,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != StateDone {
		t.Fatalf("expected StateDone, got %v", result.State)
	}

	jsonPath := filepath.Join(outDir, "digest-2026-07-29.json")
	if _, err := os.Stat(jsonPath); err != nil {
		t.Fatalf("expected json artifact to be written: %v", err)
	}
	mdPath := filepath.Join(outDir, "digest-2026-07-29.md")
	if _, err := os.Stat(mdPath); err != nil {
		t.Fatalf("expected markdown artifact to be written: %v", err)
	}

	donePath := filepath.Join(stateDir, "runs", "2026-07-29.done")
	if _, err := os.Stat(donePath); err != nil {
		t.Fatalf("expected a done marker: %v", err)
	}

	wm, ok, err := c.Watermark.Load(cfg.UserID)
	if err != nil || !ok {
		t.Fatalf("expected a watermark to have been saved, ok=%v err=%v", ok, err)
	}
	if len(wm.Token) == 0 {
		t.Fatal("expected a non-empty watermark token")
	}
}

func TestController_Run_SkipsWithinRebuildWindowUnlessForced(t *testing.T) {
	stateDir := t.TempDir()
	outDir := t.TempDir()
	cfg := baseTestConfig(t, stateDir, outDir)

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	msg := digestmodel.Message{
		MsgID: "m1", ConversationID: "conv1", ReceivedAt: now.Add(-time.Hour),
		Sender: "boss@corp.example", RawBody: "Please reply by tomorrow.",
		Changekey: "ck1",
	}
	fetcher := &mailfetch.FixtureFetcher{Messages: []digestmodel.Message{msg}}
	c := &Controller{
		Cfg: cfg, Fetcher: fetcher,
		Watermark: &JSONFileWatermarkStore{Dir: stateDir}, ArtifactDir: outDir,
	}

	if _, err := c.Run(context.Background(), RunOptions{TraceID: "t1", DigestDate: "2026-07-29", Now: now}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	soon := now.Add(time.Hour)
	result, err := c.Run(context.Background(), RunOptions{TraceID: "t2", DigestDate: "2026-07-29", Now: soon})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result.State != StateDone {
		t.Fatalf("expected a skipped run to still report StateDone, got %v", result.State)
	}

	forced, err := c.Run(context.Background(), RunOptions{TraceID: "t3", DigestDate: "2026-07-29", Now: soon, Force: true})
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if forced.State != StateDone {
		t.Fatalf("expected forced run to complete, got %v", forced.State)
	}
}

func TestController_Run_StrictModeSucceedsWhenCitationsValidate(t *testing.T) {
	stateDir := t.TempDir()
	outDir := t.TempDir()
	cfg := baseTestConfig(t, stateDir, outDir)
	cfg.Strict = true

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	msg := digestmodel.Message{
		MsgID: "m1", ConversationID: "conv1", ReceivedAt: now.Add(-time.Hour),
		Sender: "boss@corp.example", RawBody: "Please send the report by Friday.",
		Changekey: "ck1",
	}
	fetcher := &mailfetch.FixtureFetcher{Messages: []digestmodel.Message{msg}}
	c := &Controller{
		Cfg: cfg, Fetcher: fetcher,
		Watermark: &JSONFileWatermarkStore{Dir: stateDir}, ArtifactDir: outDir,
	}

	_, err := c.Run(context.Background(), RunOptions{TraceID: "t1", DigestDate: "2026-07-29", Now: now})
	if err != nil {
		t.Fatalf("expected a clean extraction to succeed under strict mode, got %v", err)
	}
}

func TestController_Run_EmptyInboxProducesEmptyDigest(t *testing.T) {
	stateDir := t.TempDir()
	outDir := t.TempDir()
	cfg := baseTestConfig(t, stateDir, outDir)

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	fetcher := &mailfetch.FixtureFetcher{}
	c := &Controller{
		Cfg: cfg, Fetcher: fetcher,
		Watermark: &JSONFileWatermarkStore{Dir: stateDir}, ArtifactDir: outDir,
	}

	result, err := c.Run(context.Background(), RunOptions{TraceID: "t1", DigestDate: "2026-07-29", Now: now})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State != StateDone {
		t.Fatalf("expected StateDone for an empty inbox, got %v", result.State)
	}
}

func TestController_Run_LLMEnrichmentOverridesRuleBasedKind(t *testing.T) {
	stateDir := t.TempDir()
	outDir := t.TempDir()
	cfg := baseTestConfig(t, stateDir, outDir)

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	msg := digestmodel.Message{
		MsgID: "m1", ConversationID: "conv1", ReceivedAt: now.Add(-time.Hour),
		Sender: "boss@corp.example", RawBody: "Please approve the budget by Friday.",
		Changekey: "ck1",
	}
	fetcher := &mailfetch.FixtureFetcher{Messages: []digestmodel.Message{msg}}
	fakeClient := &evidenceIDEchoClient{kind: "risk"}
	gateway := llmgateway.New(fakeClient, llmgateway.Options{Model: "test-model"})

	c := &Controller{
		Cfg: cfg, Fetcher: fetcher, Gateway: gateway,
		Watermark: &JSONFileWatermarkStore{Dir: stateDir}, ArtifactDir: outDir,
		Metrics: observability.New(),
	}

	result, err := c.Run(context.Background(), RunOptions{TraceID: "t1", DigestDate: "2026-07-29", Now: now})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if fakeClient.calls == 0 {
		t.Fatal("expected the gateway client to have been called")
	}
	items := result.Digest.Sections[digestmodel.KindRisk]
	if len(items) != 1 {
		t.Fatalf("expected the LLM's risk reclassification to win, got sections: %+v", result.Digest.Sections)
	}
	if len(items[0].Citations) != 1 {
		t.Fatalf("expected the reclassified item to still carry a valid citation, got %+v", items[0])
	}
}

func TestController_Run_LLMSchemaViolationFailsRun(t *testing.T) {
	stateDir := t.TempDir()
	outDir := t.TempDir()
	cfg := baseTestConfig(t, stateDir, outDir)

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	msg := digestmodel.Message{
		MsgID: "m1", ConversationID: "conv1", ReceivedAt: now.Add(-time.Hour),
		Sender: "boss@corp.example", RawBody: "Please approve the budget by Friday.",
		Changekey: "ck1",
	}
	fetcher := &mailfetch.FixtureFetcher{Messages: []digestmodel.Message{msg}}
	badClient := &alwaysBadJSONClient{}
	gateway := llmgateway.New(badClient, llmgateway.Options{Model: "test-model"})

	c := &Controller{
		Cfg: cfg, Fetcher: fetcher, Gateway: gateway,
		Watermark: &JSONFileWatermarkStore{Dir: stateDir}, ArtifactDir: outDir,
		Metrics: observability.New(),
	}

	_, err := c.Run(context.Background(), RunOptions{TraceID: "t1", DigestDate: "2026-07-29", Now: now})
	if err == nil {
		t.Fatal("expected a schema-violation failure to fail the run")
	}
}

type alwaysBadJSONClient struct{}

func (c *alwaysBadJSONClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "not json at all"}}},
	}, nil
}

func TestController_Run_SameInboxTwiceProducesByteIdenticalJSON(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	msgs := []digestmodel.Message{
		{MsgID: "m1", ConversationID: "conv1", ReceivedAt: now.Add(-time.Hour), Sender: "boss@corp.example",
			RawBody: "Please send the quarterly report by Friday.", Changekey: "ck1"},
		{MsgID: "m2", ConversationID: "conv2", ReceivedAt: now.Add(-2 * time.Hour), Sender: "carol@corp.example",
			RawBody: "FYI the new policy is attached.", Changekey: "ck2"},
	}

	run := func() []byte {
		stateDir := t.TempDir()
		outDir := t.TempDir()
		cfg := baseTestConfig(t, stateDir, outDir)
		c := &Controller{
			Cfg: cfg, Fetcher: &mailfetch.FixtureFetcher{Messages: msgs},
			Watermark: &JSONFileWatermarkStore{Dir: stateDir}, ArtifactDir: outDir,
		}
		if _, err := c.Run(context.Background(), RunOptions{TraceID: "t1", DigestDate: "2026-07-29", Now: now}); err != nil {
			t.Fatalf("run: %v", err)
		}
		b, err := os.ReadFile(filepath.Join(outDir, "digest-2026-07-29.json"))
		if err != nil {
			t.Fatalf("read artifact: %v", err)
		}
		return b
	}

	first := run()
	second := run()
	if !bytes.Equal(first, second) {
		t.Fatalf("expected byte-identical digests across two runs over the same inbox, got:\n%s\nvs\n%s", first, second)
	}
}
