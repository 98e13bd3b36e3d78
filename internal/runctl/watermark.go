package runctl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/corp/inboxdigest/internal/digestmodel"
)

// WatermarkStore persists the opaque sync watermark, one record per user
// id. Implementations must be safe for the controller's single
// writer, concurrent-reader usage.
type WatermarkStore interface {
	Load(userID string) (digestmodel.Watermark, bool, error)
	Save(userID string, wm digestmodel.Watermark) error
	Close() error
}

const watermarkBucket = "watermarks"

// BboltWatermarkStore is the default WatermarkStore, backed by an embedded
// bbolt database file under state_dir, holding one JSON-encoded watermark
// record per user.
type BboltWatermarkStore struct {
	db *bolt.DB
}

// NewBboltWatermarkStore opens (or creates) the bbolt database at path and
// ensures its bucket exists.
func NewBboltWatermarkStore(path string) (*BboltWatermarkStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open watermark store %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(watermarkBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create watermark bucket: %w", err)
	}
	return &BboltWatermarkStore{db: db}, nil
}

func (s *BboltWatermarkStore) Load(userID string) (digestmodel.Watermark, bool, error) {
	var wm digestmodel.Watermark
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(watermarkBucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(userID))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &wm); err != nil {
			return fmt.Errorf("decode watermark for %s: %w", userID, err)
		}
		found = true
		return nil
	})
	return wm, found, err
}

func (s *BboltWatermarkStore) Save(userID string, wm digestmodel.Watermark) error {
	data, err := json.Marshal(wm)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(watermarkBucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", watermarkBucket)
		}
		return b.Put([]byte(userID), data)
	})
}

func (s *BboltWatermarkStore) Close() error { return s.db.Close() }

// JSONFileWatermarkStore is the fallback WatermarkStore for environments
// without a usable bbolt file (e.g. a read-only test sandbox), one JSON
// file per user under Dir. Writes go through a .tmp file plus os.Rename so
// a crash mid-write never leaves a torn watermark behind.
type JSONFileWatermarkStore struct {
	Dir string
}

func (s *JSONFileWatermarkStore) path(userID string) string {
	return filepath.Join(s.Dir, userID+".watermark.json")
}

func (s *JSONFileWatermarkStore) Load(userID string) (digestmodel.Watermark, bool, error) {
	var wm digestmodel.Watermark
	b, err := os.ReadFile(s.path(userID))
	if os.IsNotExist(err) {
		return wm, false, nil
	}
	if err != nil {
		return wm, false, err
	}
	if err := json.Unmarshal(b, &wm); err != nil {
		return wm, false, fmt.Errorf("decode watermark for %s: %w", userID, err)
	}
	return wm, true, nil
}

func (s *JSONFileWatermarkStore) Save(userID string, wm digestmodel.Watermark) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(wm, "", "  ")
	if err != nil {
		return err
	}
	final := s.path(userID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write watermark tmp file: %w", err)
	}
	return os.Rename(tmp, final)
}

func (s *JSONFileWatermarkStore) Close() error { return nil }

// RebuildWindow is the minimum age an existing artifact must reach before a
// rebuild is attempted without force.
const RebuildWindow = 48 * time.Hour

// ShouldSkip reports whether an existing artifact younger than RebuildWindow
// should prevent a rebuild, per the idempotent-run rule.
func ShouldSkip(artifactBuiltAt time.Time, now time.Time, force bool) bool {
	if force {
		return false
	}
	if artifactBuiltAt.IsZero() {
		return false
	}
	return now.Sub(artifactBuiltAt) < RebuildWindow
}
