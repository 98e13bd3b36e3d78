package budget

import "testing"

func TestEstimateTokensFromChars(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{0, 0},
		{1, 1},
		{3, 1},
		{4, 1},
		{5, 2},
		{400, 100},
	}
	for _, c := range cases {
		if got := EstimateTokensFromChars(c.in); got != c.want {
			t.Fatalf("EstimateTokensFromChars(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestEstimatePromptTokens(t *testing.T) {
	got := EstimatePromptTokens("system", "user message", []string{"abc", "defg"})
	// 6 chars -> 2, 12 -> 3, 3 -> 1, 4 -> 1
	if got != 7 {
		t.Fatalf("EstimatePromptTokens() = %d, want 7", got)
	}
}

func TestModelContextTokens(t *testing.T) {
	if ModelContextTokens("") != 8192 {
		t.Fatal("empty model should use the conservative default")
	}
	if ModelContextTokens("gpt-4o") != 128_000 {
		t.Fatal("gpt-4o should resolve from the known-model table")
	}
	if ModelContextTokens("GPT-4O-MINI") != 128_000 {
		t.Fatal("model lookup should be case-insensitive")
	}
	if ModelContextTokens("corp-gateway-32k") != 32_000 {
		t.Fatal("a -32k alias suffix should size the window")
	}
	if ModelContextTokens("corp-gateway-1m") != 1_000_000 {
		t.Fatal("a -1m alias suffix should size the window")
	}
	if ModelContextTokens("mystery-model") != 8192 {
		t.Fatal("unknown model should fall back to the default")
	}
}

func TestRemainingContextClampsAtZero(t *testing.T) {
	window := ModelContextTokens("gpt-4o")
	if rem := RemainingContext("gpt-4o", 2000, window/2); rem <= 0 {
		t.Fatalf("expected positive remaining budget, got %d", rem)
	}
	if rem := RemainingContext("gpt-4o", 1, window); rem != 0 {
		t.Fatalf("expected remaining budget clamped to 0, got %d", rem)
	}
}

func TestFitsInContextAccountsForHeadroom(t *testing.T) {
	window := ModelContextTokens("gpt-3.5-turbo")
	if !FitsInContext("gpt-3.5-turbo", 1000, window/2) {
		t.Fatal("a half-window prompt should fit")
	}
	// A prompt that leaves less than the headroom margin must be rejected
	// even though it technically fits the raw window.
	if FitsInContext("gpt-3.5-turbo", 1000, window-1000) {
		t.Fatal("a prompt inside the headroom margin should not fit")
	}
}
