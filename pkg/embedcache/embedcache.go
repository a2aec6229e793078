// Package embedcache implements an embedding-based novelty check: fetch
// a vector embedding for a candidate description and compare it by
// cosine similarity against previously accepted descriptions. Fetched
// embeddings are kept in an on-disk persistent cache keyed by a hash of
// the input text, so repeated novelty checks across ideation rounds
// don't re-fetch the same embedding.
package embedcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultModel = "nomic-embed-text"
	defaultURL   = "http://localhost:11434"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Cache fetches text embeddings from an Ollama-compatible /api/embed
// endpoint and caches them on disk, keyed by a SHA-256 of the input
// text. All lookups fail open: any network or decode error is treated
// as "no embedding available", never an error the caller must handle.
type Cache struct {
	Model string
	URL   string

	httpClient *http.Client
	path       string

	mu      sync.Mutex
	entries map[string][]float64
	dirty   bool
}

// New constructs a Cache using EMBEDDING_MODEL/OLLAMA_URL env vars when
// set, falling back to nomic-embed-text / localhost:11434.
func New() *Cache {
	return &Cache{
		Model:      envOr("EMBEDDING_MODEL", defaultModel),
		URL:        envOr("OLLAMA_URL", defaultURL),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		entries:    map[string][]float64{},
	}
}

// SetCacheFile points the cache at an on-disk JSON file and loads any
// entries already there. A missing file is not an error.
func (c *Cache) SetCacheFile(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read embedding cache: %w", err)
	}
	var loaded map[string][]float64
	if err := json.Unmarshal(data, &loaded); err != nil {
		// A corrupted cache file is not fatal: start fresh, matching
		// the fail-open posture of the rest of this package.
		return nil
	}
	c.entries = loaded
	return nil
}

// Save persists the cache to its configured file, if any, using an
// atomic temp-file-then-rename write so a concurrent reader never sees
// a half-written cache.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == "" || !c.dirty {
		return nil
	}

	data, err := json.Marshal(c.entries)
	if err != nil {
		return fmt.Errorf("marshal embedding cache: %w", err)
	}

	dir := filepath.Dir(c.path)
	tmpName := fmt.Sprintf(".%s.tmp.%d.%s", filepath.Base(c.path), os.Getpid(), uuid.NewString())
	tmpPath := filepath.Join(dir, tmpName)
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write embedding cache: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename embedding cache into place: %w", err)
	}
	c.dirty = false
	return nil
}

func hashKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// GetEmbedding returns the embedding vector for text, serving from the
// on-disk cache when present. A nil slice with a non-nil error means
// nothing could be fetched; callers that need fail-open behavior should
// use IsNovel/CheckNovelty instead of calling this directly.
func (c *Cache) GetEmbedding(ctx context.Context, text string) ([]float64, error) {
	key := hashKey(text)

	c.mu.Lock()
	if v, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	body, err := json.Marshal(embedRequest{Model: c.Model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding request returned status %d", resp.StatusCode)
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(decoded.Embeddings) == 0 {
		return nil, fmt.Errorf("embed response contained no vectors")
	}

	vec := decoded.Embeddings[0]
	c.mu.Lock()
	c.entries[key] = vec
	c.dirty = true
	c.mu.Unlock()

	return vec, nil
}

// CosineSimilarity computes the cosine similarity of two embedding
// vectors, returning 0 for empty, mismatched-length, or zero-norm
// inputs.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CheckNovelty reports whether text is sufficiently dissimilar from
// every entry in existing (similarity strictly below threshold), and
// the highest similarity observed. Any embedding failure for text
// itself fails open: (true, 0.0), matching check_novelty's "can't
// check, assume novel" behavior. Failures fetching an individual
// existing embedding just skip that comparison rather than aborting
// the whole check.
func (c *Cache) CheckNovelty(ctx context.Context, text string, existing []string, threshold float64) (bool, float64) {
	newEmb, err := c.GetEmbedding(ctx, text)
	if err != nil || len(newEmb) == 0 {
		return true, 0.0
	}

	maxSim := 0.0
	for _, e := range existing {
		emb, err := c.GetEmbedding(ctx, e)
		if err != nil || len(emb) == 0 {
			continue
		}
		if sim := CosineSimilarity(newEmb, emb); sim > maxSim {
			maxSim = sim
		}
	}

	return maxSim < threshold, maxSim
}
