// Package cache is the on-disk response cache for the LLM gateway client,
// plus the retention maintenance the CLI runs before each pass. Entries are
// single JSON files keyed by a sha256 digest of model+prompt, so a repeat
// run over an unchanged inbox window is served entirely from disk.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// LLMCache stores gateway responses keyed by a model+prompt digest.
type LLMCache struct {
	Dir string
	// StrictPerms enforces 0700 on the cache directory and 0600 on entry
	// files, for deployments where cached responses must not be readable
	// by other local users.
	StrictPerms bool
}

// KeyFrom builds a cache key from the model name and the verbatim prompt.
func KeyFrom(model, prompt string) string {
	h := sha256.Sum256([]byte(model + "\n\n" + prompt))
	return hex.EncodeToString(h[:])
}

func (c *LLMCache) ensureDir() error {
	if c == nil || c.Dir == "" {
		return errors.New("cache dir not configured")
	}
	perm := os.FileMode(0o755)
	if c.StrictPerms {
		perm = 0o700
	}
	if err := os.MkdirAll(c.Dir, perm); err != nil {
		return err
	}
	if c.StrictPerms {
		if info, err := os.Stat(c.Dir); err == nil && info.Mode()&0o777 != 0o700 {
			_ = os.Chmod(c.Dir, 0o700)
		}
	}
	return nil
}

func (c *LLMCache) pathFor(key string) string {
	return filepath.Join(c.Dir, key+".json")
}

// Get returns the cached response for key, if present. A hit refreshes the
// entry's mtime so the LRU eviction in EnforceLLMCacheLimits sees it as
// recently used.
func (c *LLMCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := c.ensureDir(); err != nil {
		return nil, false, err
	}
	p := c.pathFor(key)
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, false, nil
	}
	now := time.Now()
	_ = os.Chtimes(p, now, now)
	return b, true, nil
}

// Save writes a response under key, through a temp file plus rename so a
// crash mid-write never leaves a truncated entry a later Get would serve.
func (c *LLMCache) Save(_ context.Context, key string, data []byte) error {
	if err := c.ensureDir(); err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if c.StrictPerms {
		mode = 0o600
	}
	final := c.pathFor(key)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}
