package llmgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/corp/inboxdigest/internal/digesterr"
	"github.com/corp/inboxdigest/internal/digestmodel"
)

// Item is one element of a v2 digest response, decoded from the gateway's
// JSON and not yet a digestmodel.ExtractedItem (it carries only what the
// model is asked to contribute; evidence_id ties it back to the chunk the
// citation builder will prove it against).
type Item struct {
	EvidenceID string  `json:"evidence_id"`
	Kind       string  `json:"kind"`
	Text       string  `json:"text"`
	Verb       string  `json:"verb"`
	Who        string  `json:"who"`
	Due        string  `json:"due"` // RFC3339 date or empty
	Confidence float64 `json:"confidence"`
}

// ResponseV2 is the v2 prompt version's response contract: a tagged union
// of item kinds with a required evidence_id per item. v1 is a legacy read
// path only; this client never produces it.
type ResponseV2 struct {
	Items []Item `json:"items"`
}

var validKinds = map[string]digestmodel.ItemKind{
	"action": digestmodel.KindAction, "question": digestmodel.KindQuestion,
	"mention": digestmodel.KindMention, "deadline": digestmodel.KindDeadline,
	"risk": digestmodel.KindRisk, "fyi": digestmodel.KindFYI,
}

// DecodeV2 parses and shape-validates raw against the v2 schema: every item
// must carry a non-empty evidence_id, a kind from the fixed enum, and a
// confidence in [0,1]. A violation of any of these is reported as a
// SchemaViolation so the caller can drive the one corrective retry, distinct
// from the plain JSON-syntax check Gateway.Call already performs.
func DecodeV2(raw json.RawMessage) (ResponseV2, error) {
	var resp ResponseV2
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ResponseV2{}, digesterr.Wrap(digesterr.SchemaViolation, err)
	}
	for i, it := range resp.Items {
		if strings.TrimSpace(it.EvidenceID) == "" {
			return ResponseV2{}, digesterr.New(digesterr.SchemaViolation, fmt.Sprintf("item %d: missing evidence_id", i))
		}
		if _, ok := validKinds[it.Kind]; !ok {
			return ResponseV2{}, digesterr.New(digesterr.SchemaViolation, fmt.Sprintf("item %d: invalid kind %q", i, it.Kind))
		}
		if it.Confidence < 0 || it.Confidence > 1 {
			return ResponseV2{}, digesterr.New(digesterr.SchemaViolation, fmt.Sprintf("item %d: confidence %v out of [0,1]", i, it.Confidence))
		}
	}
	return resp, nil
}

// ToExtractedItem converts a decoded Item into a digestmodel.ExtractedItem,
// parsing Due if present. Citations are left empty; the citation builder
// fills them in.
func (it Item) ToExtractedItem() digestmodel.ExtractedItem {
	var due *time.Time
	if strings.TrimSpace(it.Due) != "" {
		if t, err := time.Parse(time.RFC3339, it.Due); err == nil {
			due = &t
		} else if t, err := time.Parse("2006-01-02", it.Due); err == nil {
			due = &t
		}
	}
	return digestmodel.ExtractedItem{
		Kind:       validKinds[it.Kind],
		Text:       it.Text,
		Verb:       it.Verb,
		Who:        it.Who,
		Due:        due,
		Confidence: it.Confidence,
		EvidenceID: it.EvidenceID,
	}
}

// BuildPromptV2 builds the system+user chat messages for one enrichment call
// over a batch of evidence chunks: a fixed system instruction plus a user
// message enumerating each chunk tagged by its evidence_id, so the response
// can be joined back to the chunk it classifies.
func BuildPromptV2(chunks []digestmodel.EvidenceChunk, userAliases []string) []openai.ChatCompletionMessage {
	system := "You are a careful corporate-inbox triage assistant. Classify each evidence chunk you are given " +
		"into exactly one of: action, question, mention, deadline, risk, fyi. Use ONLY the text given; never invent " +
		"content. Preserve any [[REDACT:TYPE]] tokens exactly as given; never reveal or guess what they stand for. " +
		"Return strict JSON only, matching this shape, with no surrounding prose: " +
		`{"items":[{"evidence_id":"...","kind":"action|question|mention|deadline|risk|fyi","text":"...","verb":"...","who":"...","due":"YYYY-MM-DD or empty","confidence":0.0}]}`

	var sb strings.Builder
	sb.WriteString("Classify the following evidence chunks from a corporate mailbox digest run.\n")
	if len(userAliases) > 0 {
		sb.WriteString("The mailbox owner is addressed as: ")
		sb.WriteString(strings.Join(userAliases, ", "))
		sb.WriteString("\n")
	}
	sb.WriteString("Emit at most one item per evidence_id that actually warrants the owner's attention; skip pure noise.\n\n")
	for _, c := range chunks {
		sb.WriteString("evidence_id: ")
		sb.WriteString(c.EvidenceID)
		sb.WriteString("\nsender: ")
		sb.WriteString(c.Metadata.Sender)
		sb.WriteString("\nsubject: ")
		sb.WriteString(c.Metadata.Subject)
		sb.WriteString("\ncontent:\n")
		sb.WriteString(c.Content)
		sb.WriteString("\n---\n")
	}

	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, Content: sb.String()},
	}
}

// EstimatedCostPerToken is a conservative blended $/token estimate used only
// to enforce cost_limit_per_run before a call is sent. The cost cap is a
// config-level guard, not a metered bill from the gateway; a deployment with
// real per-model pricing passes its own rate to EstimateCost instead.
const EstimatedCostPerToken = 0.000005

// EstimateCost estimates the USD cost of sending tokenCount tokens using
// costPerToken, or EstimatedCostPerToken if costPerToken is zero.
func EstimateCost(tokenCount int, costPerToken float64) float64 {
	if costPerToken <= 0 {
		costPerToken = EstimatedCostPerToken
	}
	return float64(tokenCount) * costPerToken
}

// CallForItems wraps Call with v2 schema-shape validation: a response that
// parses as JSON but fails shape validation (missing evidence_id, unknown
// kind, out-of-range confidence) gets the same "strict JSON only" corrective
// retry Call already applies to plain syntax errors: one round-trip, no
// more. A second shape failure fails the call.
func (g *Gateway) CallForItems(ctx context.Context, messages []openai.ChatCompletionMessage, redactionTokens []string) (ResponseV2, Usage, error) {
	raw, usage, err := g.Call(ctx, messages, redactionTokens)
	if err != nil {
		return ResponseV2{}, usage, err
	}
	resp, derr := DecodeV2(raw)
	if derr == nil {
		return resp, usage, nil
	}

	reinforced := append(append([]openai.ChatCompletionMessage{}, messages...), openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleSystem,
		Content: "Your previous response did not match the required schema (missing evidence_id, an invalid kind, or an " +
			"out-of-range confidence). Return strict JSON only, matching the requested schema exactly.",
	})
	raw2, usage2, err := g.Call(ctx, reinforced, redactionTokens)
	usage.Attempts += usage2.Attempts
	usage.PromptTokens += usage2.PromptTokens
	usage.CompletionTokens += usage2.CompletionTokens
	if err != nil {
		return ResponseV2{}, usage, err
	}
	resp, derr = DecodeV2(raw2)
	if derr != nil {
		return ResponseV2{}, usage, derr
	}
	return resp, usage, nil
}
