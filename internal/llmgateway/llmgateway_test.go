package llmgateway

import (
	"context"
	"errors"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/corp/inboxdigest/internal/cache"
	"github.com/corp/inboxdigest/internal/digesterr"
)

type fakeClient struct {
	responses []openai.ChatCompletionResponse
	errs      []error
	calls     int
}

func (f *fakeClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return openai.ChatCompletionResponse{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return f.responses[len(f.responses)-1], nil
}

func okResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
	}
}

func TestCall_SucceedsFirstTry(t *testing.T) {
	fc := &fakeClient{responses: []openai.ChatCompletionResponse{okResponse(`{"items":[]}`)}}
	g := New(fc, Options{Model: "m"})
	raw, usage, err := g.Call(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"items":[]}` {
		t.Fatalf("unexpected raw response: %s", raw)
	}
	if usage.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", usage.Attempts)
	}
}

func TestCall_SchemaViolationTriggersCorrectiveRetry(t *testing.T) {
	fc := &fakeClient{responses: []openai.ChatCompletionResponse{
		okResponse("not json"),
		okResponse(`{"items":[]}`),
	}}
	g := New(fc, Options{Model: "m"})
	raw, usage, err := g.Call(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"items":[]}` {
		t.Fatalf("unexpected raw response after corrective retry: %s", raw)
	}
	if usage.Attempts != 2 {
		t.Fatalf("expected 2 attempts (initial + corrective), got %d", usage.Attempts)
	}
}

func TestCall_SchemaViolationFailsAfterOneCorrectiveRetry(t *testing.T) {
	fc := &fakeClient{responses: []openai.ChatCompletionResponse{
		okResponse("not json"),
		okResponse("still not json"),
	}}
	g := New(fc, Options{Model: "m"})
	_, _, err := g.Call(context.Background(), nil, nil)
	if err == nil {
		t.Fatal("expected an error after corrective retry fails")
	}
	var de *digesterr.Error
	if !errors.As(err, &de) || de.Kind != digesterr.SchemaViolation {
		t.Fatalf("expected SchemaViolation, got %v", err)
	}
}

func TestCall_RejectsExpandedRedactionToken(t *testing.T) {
	fc := &fakeClient{responses: []openai.ChatCompletionResponse{okResponse(`{"items":["no token here"]}`)}}
	g := New(fc, Options{Model: "m"})
	_, _, err := g.Call(context.Background(), nil, []string{"[[REDACT:EMAIL]]"})
	if err == nil {
		t.Fatal("expected an error when a redaction token is missing from the response")
	}
	var de *digesterr.Error
	if !errors.As(err, &de) || de.Kind != digesterr.DataIntegrity {
		t.Fatalf("expected DataIntegrity, got %v", err)
	}
}

func TestCall_RetriesTransientNetworkThenSucceeds(t *testing.T) {
	fc := &fakeClient{
		errs:      []error{errors.New("connection reset"), nil},
		responses: []openai.ChatCompletionResponse{{}, okResponse(`{"items":[]}`)},
	}
	g := New(fc, Options{Model: "m", MaxNetworkRetries: 2})
	_, usage, err := g.Call(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if usage.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", usage.Attempts)
	}
}

func TestCall_GivesUpAfterMaxNetworkRetries(t *testing.T) {
	fc := &fakeClient{errs: []error{errors.New("e1"), errors.New("e2"), errors.New("e3"), errors.New("e4")}}
	g := New(fc, Options{Model: "m", MaxNetworkRetries: 2})
	_, _, err := g.Call(context.Background(), nil, nil)
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	var de *digesterr.Error
	if !errors.As(err, &de) || de.Kind != digesterr.TransientNetwork {
		t.Fatalf("expected TransientNetwork, got %v", err)
	}
}

func TestCall_CachedResponseSkipsClient(t *testing.T) {
	fc := &fakeClient{responses: []openai.ChatCompletionResponse{okResponse(`{"items":[]}`)}}
	g := New(fc, Options{Model: "m"}).WithCache(&cache.LLMCache{Dir: t.TempDir()})

	msgs := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}}
	if _, _, err := g.Call(context.Background(), msgs, nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if fc.calls != 1 {
		t.Fatalf("expected 1 underlying call, got %d", fc.calls)
	}

	raw, _, err := g.Call(context.Background(), msgs, nil)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if fc.calls != 1 {
		t.Fatalf("expected the second call to be served from cache with no new client call, got %d calls", fc.calls)
	}
	if string(raw) != `{"items":[]}` {
		t.Fatalf("unexpected cached response: %s", raw)
	}
}

func TestCall_CacheMissOnDifferentPrompt(t *testing.T) {
	fc := &fakeClient{responses: []openai.ChatCompletionResponse{okResponse(`{"items":[]}`), okResponse(`{"items":["x"]}`)}}
	g := New(fc, Options{Model: "m"}).WithCache(&cache.LLMCache{Dir: t.TempDir()})

	msgsA := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "a"}}
	msgsB := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "b"}}
	if _, _, err := g.Call(context.Background(), msgsA, nil); err != nil {
		t.Fatalf("call a: %v", err)
	}
	if _, _, err := g.Call(context.Background(), msgsB, nil); err != nil {
		t.Fatalf("call b: %v", err)
	}
	if fc.calls != 2 {
		t.Fatalf("expected a distinct prompt to miss the cache, got %d calls", fc.calls)
	}
}

func TestCall_OversizedPromptRejectedBeforeSend(t *testing.T) {
	fc := &fakeClient{responses: []openai.ChatCompletionResponse{okResponse(`{"items":[]}`)}}
	g := New(fc, Options{Model: "tiny-1k"})
	msgs := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: strings.Repeat("word ", 2000)}}
	_, _, err := g.Call(context.Background(), msgs, nil)
	if err == nil {
		t.Fatal("expected a budget error for a prompt larger than the model context")
	}
	var de *digesterr.Error
	if !errors.As(err, &de) || de.Kind != digesterr.BudgetExceeded {
		t.Fatalf("expected BudgetExceeded, got %v", err)
	}
	if fc.calls != 0 {
		t.Fatalf("expected no client call for an oversized prompt, got %d", fc.calls)
	}
}

func TestExtractRedactionTokens(t *testing.T) {
	toks := ExtractRedactionTokens("Contact [[REDACT:EMAIL]] or [[REDACT:PHONE]] for details.")
	if len(toks) != 2 || toks[0] != "[[REDACT:EMAIL]]" || toks[1] != "[[REDACT:PHONE]]" {
		t.Fatalf("unexpected tokens: %v", toks)
	}
}
