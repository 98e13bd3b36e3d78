// Package evidence splits a NormalizedMessage's cleaned body into
// token-bounded, stably-identified chunks and selects a subset under a
// per-run token budget.
package evidence

import "github.com/corp/inboxdigest/internal/budget"

// EstimateTokens returns a conservative token estimate for s, delegating to
// budget.EstimateTokens so the splitter, the run controller, and the LLM
// gateway client agree on one token-counting rule.
func EstimateTokens(s string) int {
	return budget.EstimateTokens(s)
}
