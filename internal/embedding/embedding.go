// Package embedding turns capability and intent text into 384-dimensional
// unit-normalized vectors. The core depends only on the Provider interface;
// DefaultProvider exists so the mesh works with zero external inference
// dependency (real providers live in the out-of-scope adapter layer, see
// internal/provider).
package embedding

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru"
	"github.com/zeebo/blake3"
	"golang.org/x/text/unicode/norm"
	"gonum.org/v1/gonum/floats"

	"github.com/latticemesh/meshnode/internal/capability"
	"github.com/latticemesh/meshnode/internal/meshmetrics"
)

const Dimensions = 384

// Provider produces a deterministic, unit-normalized embedding for text.
type Provider interface {
	Embed(ctx context.Context, text string) (capability.Vector, error)
}

// Cache wraps a Provider with a bounded LRU keyed on the normalized input
// text, so repeated gossip announcements of the same capability description
// don't re-embed on every cycle.
type Cache struct {
	inner   Provider
	lru     *lru.Cache
	metrics *meshmetrics.Metrics
}

// SetMetrics wires the node's metrics registry so embedding failures are
// counted. Call before concurrent use.
func (c *Cache) SetMetrics(m *meshmetrics.Metrics) {
	c.metrics = m
}

// NewCache wraps provider with an LRU of the given capacity (0 = default 2048).
func NewCache(provider Provider, capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = 2048
	}
	c, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("embedding: create cache: %w", err)
	}
	return &Cache{inner: provider, lru: c}, nil
}

// Embed returns the cached vector for text if present, otherwise computes,
// caches, and returns it.
func (c *Cache) Embed(ctx context.Context, text string) (capability.Vector, error) {
	key := norm.NFC.String(text)
	if v, ok := c.lru.Get(key); ok {
		return v.(capability.Vector), nil
	}
	vec, err := c.inner.Embed(ctx, key)
	if err != nil {
		if c.metrics != nil {
			c.metrics.EmbeddingFailuresTotal.Inc()
		}
		return capability.Vector{}, err
	}
	c.lru.Add(key, vec)
	return vec, nil
}

// DefaultProvider is a deterministic hashing embedding: it shingles the
// input text, takes one 32-byte BLAKE3 digest per shingle, folds that
// digest across all 384 dimensions, and sums the folded digests before
// L2-normalizing.
// It is not semantically meaningful in the way a trained embedding model
// is, but it is deterministic, fast, dependency-free, and satisfies every
// invariant the core requires (finite, unit-length, same text -> same
// vector).
type DefaultProvider struct{}

// Embed implements Provider.
func (DefaultProvider) Embed(_ context.Context, text string) (capability.Vector, error) {
	var vec capability.Vector
	if text == "" {
		return vec, fmt.Errorf("embedding: empty text")
	}

	shingles := shingle(norm.NFC.String(text), 3)
	if len(shingles) == 0 {
		shingles = []string{text}
	}

	acc := make([]float64, Dimensions)
	for _, sh := range shingles {
		h := blake3.Sum256([]byte(sh))
		for i := 0; i < Dimensions; i++ {
			// Fold 32 hash bytes across 384 dimensions using an offset
			// derived from the dimension index, then center to [-1, 1].
			b := h[(i+i/32)%32]
			acc[i] += float64(b)/127.5 - 1.0
		}
	}

	mag := floats.Norm(acc, 2)
	if mag == 0 || math.IsNaN(mag) || math.IsInf(mag, 0) {
		return vec, fmt.Errorf("embedding: degenerate vector for text %q", text)
	}
	for i := 0; i < Dimensions; i++ {
		vec[i] = float32(acc[i] / mag)
	}
	if !IsValid(vec) {
		return capability.Vector{}, fmt.Errorf("embedding: produced invalid vector")
	}
	return vec, nil
}

// shingle splits s into overlapping word n-grams of size n (degrades to
// single words when s has n or fewer words).
func shingle(s string, n int) []string {
	words := splitWords(s)
	if len(words) <= n {
		return words
	}
	out := make([]string, 0, len(words)-n+1)
	for i := 0; i+n <= len(words); i++ {
		var b []byte
		for j := 0; j < n; j++ {
			if j > 0 {
				b = append(b, ' ')
			}
			b = append(b, words[i+j]...)
		}
		out = append(out, string(b))
	}
	return out
}

func splitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			if start >= 0 {
				words = append(words, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, s[start:])
	}
	return words
}

// IsValid reports whether v is finite and unit-length within tolerance.
// The zero vector is never considered valid, per the routing invariant that
// a zero-vector is never routed.
func IsValid(v capability.Vector) bool {
	sumSq := 0.0
	for _, f := range v {
		x := float64(f)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
		sumSq += x * x
	}
	if sumSq == 0 {
		return false
	}
	n := math.Sqrt(sumSq)
	return math.Abs(n-1.0) < 1e-5
}

// Dot returns the cosine similarity between two unit vectors, i.e. their
// dot product.
func Dot(a, b capability.Vector) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// idHash returns a stable short digest of arbitrary bytes: the first 8
// bytes of their BLAKE3 hash, little-endian. It is package-private and has
// no callers outside this file.
func idHash(data []byte) uint64 {
	h := blake3.Sum256(data)
	return binary.LittleEndian.Uint64(h[:8])
}
