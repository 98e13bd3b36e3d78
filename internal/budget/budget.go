// Package budget is the single token-accounting rule the pipeline shares:
// the evidence splitter sizes chunks with it, the run controller enforces
// max_tokens_per_run with it, and the gateway client checks a request
// against the model's context window with it before sending. Keeping one
// estimator here means every stage agrees on what "3,000 tokens" means.
package budget

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// EstimateTokensFromChars converts a character count into an estimated token
// count using a conservative ~4 chars/token heuristic, rounded up. The
// result is always at least 1 when charCount > 0.
func EstimateTokensFromChars(charCount int) int {
	if charCount <= 0 {
		return 0
	}
	return int(math.Ceil(float64(charCount) / 4.0))
}

// EstimateTokens returns the estimated token count of s.
func EstimateTokens(s string) int {
	return EstimateTokensFromChars(len(s))
}

// EstimatePromptTokens estimates the total size of a chat request: the
// system instruction, the user message, and any additional message parts.
func EstimatePromptTokens(system, user string, parts []string) int {
	total := EstimateTokens(system) + EstimateTokens(user)
	for _, p := range parts {
		total += EstimateTokens(p)
	}
	return total
}

// modelContext maps known model identifiers to their context window, in
// tokens. Unlisted models fall through to the size-suffix heuristic below,
// then to a conservative default.
var modelContext = map[string]int{
	"gpt-4o":        128_000,
	"gpt-4o-mini":   128_000,
	"gpt-4-turbo":   128_000,
	"gpt-3.5-turbo": 16_384,
}

const defaultContextTokens = 8192

var contextSuffixRe = regexp.MustCompile(`(\d+)(k|m)$`)

// ModelContextTokens returns the context window for modelName. Gateway
// deployments often expose models under local names; a "-128k"/"-1m" style
// suffix in the name is honored so an unlisted alias still sizes correctly.
func ModelContextTokens(modelName string) int {
	name := strings.ToLower(strings.TrimSpace(modelName))
	if name == "" {
		return defaultContextTokens
	}
	if v, ok := modelContext[name]; ok {
		return v
	}
	if m := contextSuffixRe.FindStringSubmatch(name); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			mult := 1_000
			if m[2] == "m" {
				mult = 1_000_000
			}
			return n * mult
		}
	}
	return defaultContextTokens
}

// Headroom is the safety margin subtracted from a model's context window to
// absorb tokenizer variance and message framing overhead: 5% of the window,
// with a 512-token floor.
func Headroom(modelName string) int {
	window := ModelContextTokens(modelName)
	h := int(math.Ceil(float64(window) * 0.05))
	if h < 512 {
		return 512
	}
	return h
}

// RemainingContext reports how many input tokens are left in modelName's
// context window after reserving reservedForOutput for generation and
// accounting for promptTokens already spent. Never negative.
func RemainingContext(modelName string, reservedForOutput, promptTokens int) int {
	if reservedForOutput < 0 {
		reservedForOutput = 0
	}
	remaining := ModelContextTokens(modelName) - reservedForOutput - promptTokens
	if remaining < 0 {
		return 0
	}
	return remaining
}

// FitsInContext reports whether a prompt of promptTokens fits modelName's
// context window with reservedForOutput tokens of generation room plus the
// Headroom safety margin.
func FitsInContext(modelName string, reservedForOutput, promptTokens int) bool {
	return RemainingContext(modelName, reservedForOutput+Headroom(modelName), promptTokens) > 0
}
