// Package llmgateway is the client for the external LLM gateway that turns
// selected evidence chunks into classified digest items.
//
// It wraps github.com/sashabaranov/go-openai's ChatCompletionRequest/
// Response types so any OpenAI-compatible endpoint (including an on-prem
// gateway reached via a custom base URL) can be called the same way, adds
// token-bucket request-rate limiting, retry with backoff, a one-shot
// corrective retry for malformed responses, and an optional on-disk
// response cache keyed by model+prompt digest, so a second run over an
// unchanged inbox window makes zero gateway calls.
package llmgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/corp/inboxdigest/internal/budget"
	"github.com/corp/inboxdigest/internal/cache"
	"github.com/corp/inboxdigest/internal/digesterr"
)

// Client abstracts the chat-completion call so tests can substitute a fake
// without standing up an HTTP server.
type Client interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// SchemaVersion selects the response contract a call is decoded against.
// v2 is the default; v1 is kept as a legacy read path only.
type SchemaVersion string

const (
	SchemaV1 SchemaVersion = "v1"
	SchemaV2 SchemaVersion = "v2"
)

// Options configures one Gateway.
type Options struct {
	Model             string
	TimeoutPerCall    time.Duration // default 45s
	RequestsPerMinute int           // 0 disables rate limiting
	MaxNetworkRetries int           // default 2
	MaxRateRetries    int           // default 2
	Schema            SchemaVersion // default v2
}

func (o Options) withDefaults() Options {
	if o.TimeoutPerCall <= 0 {
		o.TimeoutPerCall = 45 * time.Second
	}
	if o.MaxNetworkRetries <= 0 {
		o.MaxNetworkRetries = 2
	}
	if o.MaxRateRetries <= 0 {
		o.MaxRateRetries = 2
	}
	if o.Schema == "" {
		o.Schema = SchemaV2
	}
	return o
}

// Gateway wraps a Client with the retry, rate-limit, redaction-integrity,
// and budget rules an LLM gateway call must follow.
type Gateway struct {
	client  Client
	opt     Options
	limiter *rate.Limiter
	cache   *cache.LLMCache
}

// New builds a Gateway. A zero RequestsPerMinute disables local rate
// limiting (the gateway itself may still reject with 429).
func New(client Client, opt Options) *Gateway {
	opt = opt.withDefaults()
	g := &Gateway{client: client, opt: opt}
	if opt.RequestsPerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(float64(opt.RequestsPerMinute)/60.0), opt.RequestsPerMinute)
	}
	return g
}

// WithCache attaches an on-disk response cache; a nil cache leaves caching
// disabled. Call results are keyed by model + the verbatim message slice
// (encoded as JSON), so an unchanged prompt on a later run is served from
// disk with zero attempts and zero token usage.
func (g *Gateway) WithCache(c *cache.LLMCache) *Gateway {
	g.cache = c
	return g
}

// CacheEnabled reports whether a response cache is attached, for the
// reproducibility manifest's llm_cache field.
func (g *Gateway) CacheEnabled() bool { return g.cache != nil }

// ModelName returns the model this Gateway was configured to call, for the
// reproducibility manifest.
func (g *Gateway) ModelName() string { return g.opt.Model }

// Usage reports token accounting for a single call, including unsuccessful
// attempts, so callers can maintain a tokens-sent ledger across retries.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	Attempts         int
}

// httpStatusError lets the retry loop distinguish 429/5xx from other
// transport failures without depending on a particular HTTP client.
type httpStatusError struct {
	status int
	err    error
}

func (e *httpStatusError) Error() string { return e.err.Error() }
func (e *httpStatusError) Unwrap() error { return e.err }

// StatusOf extracts an HTTP status code from an error returned by Client,
// if the underlying transport attached one. Adapters wrapping a non-openai
// HTTP client should return errors satisfying this to get 429/5xx retries.
func StatusOf(err error) (int, bool) {
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.status, true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode, true
	}
	return 0, false
}

// WrapStatus lets a custom Client implementation attach an HTTP status to
// an error so the gateway's retry policy can classify it.
func WrapStatus(status int, err error) error { return &httpStatusError{status: status, err: err} }

// responseReserveTokens is the generation room held back from the model's
// context window when sizing a request.
const responseReserveTokens = 1024

// Call sends one chat-completion request, applying the retry policy:
// transient network errors get up to MaxNetworkRetries exponential-backoff
// retries; 429/5xx get up to MaxRateRetries backoff+jitter retries (429
// additionally waits on the local rate limiter); a schema violation gets
// exactly one corrective retry with a "strict JSON only" reinforcement
// appended, then the run fails. redactionTokens lists every [[REDACT:TYPE]]
// token present in the request content; the call is rejected if any is
// missing from the response (the gateway is assumed to perform masking;
// the client's job is only to refuse an expansion).
func (g *Gateway) Call(ctx context.Context, messages []openai.ChatCompletionMessage, redactionTokens []string) (json.RawMessage, Usage, error) {
	usage := Usage{}
	req := openai.ChatCompletionRequest{
		Model:       g.opt.Model,
		Messages:    messages,
		Temperature: 0.1,
		N:           1,
	}

	var parts []string
	for _, m := range messages {
		parts = append(parts, m.Content)
	}
	if !budget.FitsInContext(g.opt.Model, responseReserveTokens, budget.EstimatePromptTokens("", "", parts)) {
		return nil, usage, digesterr.New(digesterr.BudgetExceeded,
			fmt.Sprintf("request does not fit %s's context window", g.opt.Model))
	}

	var cacheKey string
	if g.cache != nil {
		promptJSON, _ := json.Marshal(messages)
		cacheKey = cache.KeyFrom(g.opt.Model, string(promptJSON))
		if hit, ok, err := g.cache.Get(ctx, cacheKey); err == nil && ok {
			if cerr := checkRedactionTokensPreserved(hit, redactionTokens); cerr == nil {
				return json.RawMessage(hit), usage, nil
			}
		}
	}

	raw, attempts, tokUsage, err := g.callWithRetry(ctx, req)
	usage.Attempts += attempts
	usage.PromptTokens += tokUsage.PromptTokens
	usage.CompletionTokens += tokUsage.CompletionTokens
	if err != nil {
		return nil, usage, err
	}
	if !json.Valid(raw) {
		raw, attempts, tokUsage, err = g.correctiveRetry(ctx, req)
		usage.Attempts += attempts
		usage.PromptTokens += tokUsage.PromptTokens
		usage.CompletionTokens += tokUsage.CompletionTokens
		if err != nil {
			return nil, usage, err
		}
	}
	if err := checkRedactionTokensPreserved(raw, redactionTokens); err != nil {
		return nil, usage, err
	}
	if g.cache != nil && cacheKey != "" {
		_ = g.cache.Save(ctx, cacheKey, raw)
	}
	return raw, usage, nil
}

// tokenUsage is the per-call token accounting callWithRetry extracts from a
// successful response, kept separate from the exported Usage (which also
// tracks Attempts across the corrective-retry layer Call owns).
type tokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

func (g *Gateway) callWithRetry(ctx context.Context, req openai.ChatCompletionRequest) (json.RawMessage, int, tokenUsage, error) {
	networkTries, rateTries := 0, 0
	attempts := 0
	for {
		attempts++
		ctxCall, cancel := context.WithTimeout(ctx, g.opt.TimeoutPerCall)
		resp, err := g.client.CreateChatCompletion(ctxCall, req)
		cancel()
		if err == nil {
			tu := tokenUsage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens}
			if len(resp.Choices) == 0 {
				return nil, attempts, tu, digesterr.New(digesterr.SchemaViolation, "llm response had no choices")
			}
			return json.RawMessage(resp.Choices[0].Message.Content), attempts, tu, nil
		}

		if status, ok := StatusOf(err); ok && (status == 429 || status >= 500) {
			if rateTries >= g.opt.MaxRateRetries {
				return nil, attempts, tokenUsage{}, digesterr.Wrap(digesterr.RemoteRateLimit, err)
			}
			if status == 429 && g.limiter != nil {
				if werr := g.limiter.Wait(ctx); werr != nil {
					return nil, attempts, tokenUsage{}, digesterr.Wrap(digesterr.Cancelled, werr)
				}
			}
			if serr := sleepBackoffJitter(ctx, rateTries); serr != nil {
				return nil, attempts, tokenUsage{}, digesterr.Wrap(digesterr.Cancelled, serr)
			}
			rateTries++
			continue
		}

		if ctx.Err() != nil {
			return nil, attempts, tokenUsage{}, digesterr.Wrap(digesterr.Cancelled, ctx.Err())
		}
		if networkTries >= g.opt.MaxNetworkRetries {
			return nil, attempts, tokenUsage{}, digesterr.Wrap(digesterr.TransientNetwork, err)
		}
		if serr := sleepBackoff(ctx, networkTries); serr != nil {
			return nil, attempts, tokenUsage{}, digesterr.Wrap(digesterr.Cancelled, serr)
		}
		networkTries++
	}
}

func (g *Gateway) correctiveRetry(ctx context.Context, req openai.ChatCompletionRequest) (json.RawMessage, int, tokenUsage, error) {
	reinforced := req
	reinforced.Messages = append(append([]openai.ChatCompletionMessage{}, req.Messages...),
		openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "Your previous response was not valid JSON. Return strict JSON only, matching the requested schema, with no surrounding prose.",
		})
	raw, attempts, tu, err := g.callWithRetry(ctx, reinforced)
	if err != nil {
		return nil, attempts, tu, err
	}
	if !json.Valid(raw) {
		return nil, attempts, tu, digesterr.New(digesterr.SchemaViolation, "llm response still not valid JSON after corrective retry")
	}
	return raw, attempts, tu, nil
}

func sleepBackoff(ctx context.Context, attempt int) error {
	d := time.Duration(math.Pow(2, float64(attempt))) * 200 * time.Millisecond
	return sleepCtx(ctx, d)
}

func sleepBackoffJitter(ctx context.Context, attempt int) error {
	base := math.Pow(2, float64(attempt)) * 200
	jitter := rand.Float64() * base
	return sleepCtx(ctx, time.Duration(base+jitter)*time.Millisecond)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// checkRedactionTokensPreserved refuses a response that dropped or expanded
// any [[REDACT:TYPE]] token the request carried, per the PII masking design
// note: the gateway masks and de-masks, the client only polices the seam.
func checkRedactionTokensPreserved(raw json.RawMessage, tokens []string) error {
	body := string(raw)
	for _, tok := range tokens {
		if !strings.Contains(body, tok) {
			return digesterr.New(digesterr.DataIntegrity, fmt.Sprintf("response no longer contains redaction token %q", tok))
		}
	}
	return nil
}

// ExtractRedactionTokens finds every [[REDACT:TYPE]]-shaped token in s.
func ExtractRedactionTokens(s string) []string {
	var out []string
	for {
		start := strings.Index(s, "[[REDACT:")
		if start < 0 {
			break
		}
		end := strings.Index(s[start:], "]]")
		if end < 0 {
			break
		}
		out = append(out, s[start:start+end+2])
		s = s[start+end+2:]
	}
	return out
}
