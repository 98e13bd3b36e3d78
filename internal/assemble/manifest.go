package assemble

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Manifest is the reproducibility sidecar written next to every digest
// artifact: enough detail about a run's inputs to explain why a digest
// looks the way it does, without re-embedding the mailbox content itself.
type Manifest struct {
	Model          string    `json:"model"`
	LLMBaseURL     string    `json:"llm_base_url"`
	MessageCount   int       `json:"message_count"`
	ChunkCount     int       `json:"chunk_count"`
	ItemCount      int       `json:"item_count"`
	LLMCalled      bool      `json:"llm_called"`
	LLMCache       bool      `json:"llm_cache"`
	DigestChecksum string    `json:"digest_checksum"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// BuildManifest fills in DigestChecksum from the canonical JSON bytes of
// the digest the manifest accompanies, so an operator can verify the
// artifact on disk is the one this manifest describes.
func BuildManifest(m Manifest, digestJSON []byte) Manifest {
	sum := sha256.Sum256(digestJSON)
	m.DigestChecksum = hex.EncodeToString(sum[:])
	return m
}

// MarshalManifestJSON encodes m as indented JSON for a human-readable
// sidecar file.
func MarshalManifestJSON(m Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
