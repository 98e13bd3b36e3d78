// Command digestbuild runs one pass of the inbox digest pipeline for a
// single user: parse flags, load layered config, build a gateway client,
// run, map failures to exit codes.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/corp/inboxdigest/internal/cache"
	"github.com/corp/inboxdigest/internal/citation"
	"github.com/corp/inboxdigest/internal/dconfig"
	"github.com/corp/inboxdigest/internal/llmgateway"
	"github.com/corp/inboxdigest/internal/mailfetch"
	"github.com/corp/inboxdigest/internal/observability"
	"github.com/corp/inboxdigest/internal/runctl"
)

func main() {
	var (
		configPath  string
		userID      string
		digestDate  string
		force       bool
		strict      bool
		verbose     bool
		metricsAddr string
	)

	flag.StringVar(&configPath, "config", "", "Path to YAML configuration file")
	flag.StringVar(&userID, "user", os.Getenv("DIGEST_USER_ID"), "Mailbox user id to build a digest for")
	flag.StringVar(&digestDate, "date", time.Now().UTC().Format("2006-01-02"), "Digest date (YYYY-MM-DD)")
	flag.BoolVar(&force, "force", false, "Rebuild even if an artifact exists within the 48h window")
	flag.BoolVar(&strict, "strict", false, "Abort the run on the first citation invariant violation")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Optional address to serve the metrics scrape endpoint on while the run executes (e.g. :9090)")
	flag.Parse()

	logger := observability.NewLogger(os.Stderr, verbose)

	cfg := dconfig.Defaults()
	cfg.UserID = userID
	cfg.Strict = strict
	cfg.Verbose = verbose
	cfg.Force = force

	cfg, err := dconfig.LoadFile(cfg, configPath)
	if err != nil {
		logger.Error().Err(err).Msg("config load failed")
		os.Exit(1)
	}
	cfg = dconfig.ApplyEnv(cfg)

	if err := dconfig.Validate(cfg); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	if err := run(context.Background(), cfg, digestDate, metricsAddr, logger); err != nil {
		logger.Error().Err(err).Msg("run failed")
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps the abstract error taxonomy to exit codes: 0 success,
// 1 fatal runtime error, 2 citation validation failed in strict mode.
func exitCodeFor(err error) int {
	var ve *citation.ValidationError
	if errors.As(err, &ve) {
		return 2
	}
	return 1
}

// run wires the external collaborators (mailbox fetcher, LLM gateway
// transport, persistent state) and drives one Controller.Run pass. The
// mailbox transport lives outside this repo; a deployment swaps its EWS
// adapter in for the mailfetch.FixtureFetcher at this single call site.
func run(ctx context.Context, cfg dconfig.Config, digestDate, metricsAddr string, logger zerolog.Logger) error {
	metrics := observability.New()
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn().Err(err).Msg("metrics endpoint stopped")
			}
		}()
		defer srv.Close()
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return err
	}
	wmPath := filepath.Join(cfg.StateDir, "watermark.db")
	wmStore, err := runctl.NewBboltWatermarkStore(wmPath)
	var watermark runctl.WatermarkStore
	if err != nil {
		logger.Warn().Err(err).Msg("bbolt watermark store unavailable, falling back to JSON file store")
		watermark = &runctl.JSONFileWatermarkStore{Dir: cfg.StateDir}
	} else {
		defer wmStore.Close()
		watermark = wmStore
	}

	llmCacheDir := filepath.Join(cfg.StateDir, "llmcache")
	pruneLLMCache(llmCacheDir, cfg, logger)

	var gateway *llmgateway.Gateway
	if cfg.LLM.APIKey != "" || cfg.LLM.BaseURL != "" {
		transportCfg := openai.DefaultConfig(cfg.LLM.APIKey)
		if cfg.LLM.BaseURL != "" {
			transportCfg.BaseURL = cfg.LLM.BaseURL
		}
		client := openai.NewClientWithConfig(transportCfg)
		gateway = llmgateway.New(client, llmgateway.Options{
			Model:          cfg.LLM.Model,
			TimeoutPerCall: cfg.LLMTimeout(),
		})
		gateway = gateway.WithCache(&cache.LLMCache{Dir: llmCacheDir})
	}

	controller := &runctl.Controller{
		Cfg:         cfg,
		Fetcher:     &mailfetch.FixtureFetcher{},
		Watermark:   watermark,
		Gateway:     gateway,
		Metrics:     metrics,
		Logger:      logger,
		ArtifactDir: cfg.OutputDir,
	}

	traceID := digestDate + "-" + cfg.UserID
	_, err = controller.Run(ctx, runctl.RunOptions{
		TraceID:    traceID,
		DigestDate: digestDate,
		Now:        time.Now().UTC(),
		Force:      cfg.Force,
	})
	return err
}

// pruneLLMCache enforces the configured age/size/count retention limits on
// the LLM response cache before a run starts, so the cache directory stays
// bounded no matter how many runs accumulate.
func pruneLLMCache(dir string, cfg dconfig.Config, logger zerolog.Logger) {
	if cfg.Cache.MaxAgeDays > 0 {
		if n, err := cache.PurgeLLMCacheByAge(dir, time.Duration(cfg.Cache.MaxAgeDays)*24*time.Hour); err != nil {
			logger.Warn().Err(err).Msg("llm cache age purge failed")
		} else if n > 0 {
			logger.Info().Int("removed", n).Msg("llm cache entries purged by age")
		}
	}
	if cfg.Cache.MaxBytes > 0 || cfg.Cache.MaxCount > 0 {
		if n, err := cache.EnforceLLMCacheLimits(dir, cfg.Cache.MaxBytes, cfg.Cache.MaxCount); err != nil {
			logger.Warn().Err(err).Msg("llm cache limit enforcement failed")
		} else if n > 0 {
			logger.Info().Int("removed", n).Msg("llm cache entries evicted for size/count limits")
		}
	}
}
