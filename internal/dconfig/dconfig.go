// Package dconfig loads the digest pipeline's configuration through a
// three-layer precedence: built-in defaults, then an optional YAML file,
// then environment variables as the final override. Library code never does
// its own environment-variable lookups outside this package; the resolved
// Config record is passed down explicitly.
package dconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// EWS holds the mailbox-fetcher-facing options (the fetcher itself lives
// outside this repo; these bound how the run controller drives it).
type EWS struct {
	LookbackHours int `yaml:"lookback_hours"`
	PageSize      int `yaml:"page_size"`
}

// EmailCleaner holds the body cleaner's tunables.
type EmailCleaner struct {
	Enabled              bool     `yaml:"enabled"`
	KeepTopQuoteHead     bool     `yaml:"keep_top_quote_head"`
	MaxTopQuoteParagraphs int     `yaml:"max_top_quote_paragraphs"`
	MaxTopQuoteLines     int      `yaml:"max_top_quote_lines"`
	MaxQuoteRemovalLength int     `yaml:"max_quote_removal_length"`
	WhitelistPatterns    []string `yaml:"whitelist_patterns"`
	BlacklistPatterns    []string `yaml:"blacklist_patterns"`
	TrackRemovedSpans    bool     `yaml:"track_removed_spans"`
}

// LLM holds the gateway client's tunables.
type LLM struct {
	Model          string  `yaml:"model"`
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"-"` // never persisted to YAML; env/flag only
	TimeoutSeconds int     `yaml:"timeout_s"`
	MaxTokensPerRun int    `yaml:"max_tokens_per_run"`
	CostLimitPerRun float64 `yaml:"cost_limit_per_run"`
}

// RankerWeights mirrors rank.Weights for YAML/env round-tripping.
type RankerWeights struct {
	UserInTo         float64 `yaml:"user_in_to"`
	UserInCc         float64 `yaml:"user_in_cc"`
	HasAction        float64 `yaml:"has_action"`
	HasMention       float64 `yaml:"has_mention"`
	HasDueDate       float64 `yaml:"has_due_date"`
	SenderImportance float64 `yaml:"sender_importance"`
	ThreadLength     float64 `yaml:"thread_length"`
	Recency          float64 `yaml:"recency"`
	HasAttachments   float64 `yaml:"has_attachments"`
	HasProjectTag    float64 `yaml:"has_project_tag"`
}

// Ranker holds the actionability ranker's tunables.
type Ranker struct {
	Enabled          bool          `yaml:"enabled"`
	Weights          RankerWeights `yaml:"weights"`
	ImportantSenders []string      `yaml:"important_senders"`
}

// TimeWindow selects how a digest_date's boundaries are computed.
type TimeWindow string

const (
	WindowCalendarDay TimeWindow = "calendar_day"
	WindowRolling24h  TimeWindow = "rolling_24h"
)

// Time holds the user-timezone/window tunables.
type Time struct {
	UserTimezone string     `yaml:"user_timezone"`
	Window       TimeWindow `yaml:"window"`
}

// Cache holds retention limits for the on-disk LLM response cache
// (internal/cache.LLMCache). A run prunes the cache against these limits
// before it starts fetching, so the cache directory cannot grow without
// bound across many runs.
type Cache struct {
	MaxAgeDays int   `yaml:"max_age_days"`
	MaxBytes   int64 `yaml:"max_bytes"`
	MaxCount   int   `yaml:"max_count"`
}

// Config is the fully-resolved, immutable configuration record passed into
// the run controller and down through every component, never a global.
type Config struct {
	UserID  string `yaml:"-"`
	StateDir string `yaml:"state_dir"`
	OutputDir string `yaml:"output_dir"`
	Strict   bool   `yaml:"strict"` // citation validation mode

	EWS          EWS          `yaml:"ews"`
	EmailCleaner EmailCleaner `yaml:"email_cleaner"`
	LLM          LLM          `yaml:"llm"`
	Ranker       Ranker       `yaml:"ranker"`
	Time         Time         `yaml:"time"`
	Cache        Cache        `yaml:"cache"`

	Verbose bool `yaml:"-"`
	Force   bool `yaml:"-"`
}

// Defaults returns the built-in configuration, the first and lowest-
// precedence layer.
func Defaults() Config {
	return Config{
		StateDir:  "state",
		OutputDir: "out",
		Strict:    false,
		EWS:       EWS{LookbackHours: 24, PageSize: 100},
		EmailCleaner: EmailCleaner{
			Enabled:               true,
			KeepTopQuoteHead:      false,
			MaxTopQuoteParagraphs: 2,
			MaxTopQuoteLines:      20,
			MaxQuoteRemovalLength: 10000,
			TrackRemovedSpans:     true,
		},
		LLM: LLM{
			Model:           "gpt-4o-mini",
			TimeoutSeconds:  45,
			MaxTokensPerRun: 3000,
			CostLimitPerRun: 1.0,
		},
		Ranker: Ranker{
			Enabled: true,
			Weights: RankerWeights{
				UserInTo: 0.15, UserInCc: 0.05, HasAction: 0.20, HasMention: 0.10,
				HasDueDate: 0.15, SenderImportance: 0.10, ThreadLength: 0.05,
				Recency: 0.10, HasAttachments: 0.05, HasProjectTag: 0.05,
			},
		},
		Time:  Time{UserTimezone: "UTC", Window: WindowCalendarDay},
		Cache: Cache{MaxAgeDays: 30, MaxBytes: 512 * 1024 * 1024, MaxCount: 50000},
	}
}

// LoadFile merges a YAML file at path onto cfg by decoding into the
// existing struct: fields absent from the file keep whatever cfg already
// carried. A missing file is not an error (the file layer is optional).
func LoadFile(cfg Config, path string) (Config, error) {
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("dconfig: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("dconfig: parse %q: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg, the final and highest-
// precedence layer. The user id and the LLM base URL are overridden only
// when left at their zero value, so an explicit file/flag value for those
// wins over an ambient environment variable; every other variable read here,
// the LLM API key included, overrides the existing value whenever it is set.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("DIGEST_USER_ID"); v != "" && cfg.UserID == "" {
		cfg.UserID = v
	}
	if v := os.Getenv("DIGEST_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("DIGEST_OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" && cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("DIGEST_EWS_LOOKBACK_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EWS.LookbackHours = n
		}
	}
	if v := os.Getenv("DIGEST_RANKER_ENABLED"); v != "" {
		cfg.Ranker.Enabled = parseBool(v, cfg.Ranker.Enabled)
	}
	if v := os.Getenv("DIGEST_STRICT"); v != "" {
		cfg.Strict = parseBool(v, cfg.Strict)
	}
	return cfg
}

func parseBool(v string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// Validate reports a fatal configuration problem if cfg cannot drive a
// run: a missing user identity, a non-positive LLM timeout or lookback
// window, or a time.window other than the two supported values.
func Validate(cfg Config) error {
	if cfg.UserID == "" {
		return fmt.Errorf("dconfig: user_id is required")
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		return fmt.Errorf("dconfig: llm.timeout_s must be positive, got %d", cfg.LLM.TimeoutSeconds)
	}
	if cfg.EWS.LookbackHours <= 0 {
		return fmt.Errorf("dconfig: ews.lookback_hours must be positive, got %d", cfg.EWS.LookbackHours)
	}
	if cfg.Time.Window != WindowCalendarDay && cfg.Time.Window != WindowRolling24h {
		return fmt.Errorf("dconfig: time.window must be %q or %q, got %q", WindowCalendarDay, WindowRolling24h, cfg.Time.Window)
	}
	return nil
}

// LLMTimeout returns the configured per-call timeout as a time.Duration.
func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}
