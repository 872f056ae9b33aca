// Package embedding implements a deterministic text embedding encoder
// (C3). No ML or embedding library exists anywhere in the retrieved
// example pack, so this uses a hash-based feature-hashing scheme built on
// the standard library's hash/fnv: each whitespace token is hashed into
// one of N buckets and accumulated with a sign derived from a second hash,
// the classic "hashing trick" used when no learned embedding model is
// available. FNV-1a's offset basis and prime are fixed constants, so the
// resulting vector space is the same for every process and every
// restart of a worker, not just within one process's lifetime. This is a
// deliberate standard-library fallback, not an approximation of a
// specific teacher file.
package embedding

import (
	"hash/fnv"
	"math"
	"strings"
	"sync"
)

// Encoder produces fixed-dimension embeddings for moderation text. It is a
// process-wide singleton so that every caller hashes tokens the same way
// and produces directly comparable vectors, across processes and restarts.
type Encoder struct {
	dims int
}

var (
	once     sync.Once
	instance *Encoder
)

// Get returns the process-wide Encoder, creating it with the given
// dimensionality on first call. Subsequent calls ignore dims.
func Get(dims int) *Encoder {
	once.Do(func() {
		if dims <= 0 {
			dims = 1024
		}
		instance = &Encoder{dims: dims}
	})
	return instance
}

// Embed returns a deterministic, L2-normalized embedding for text. Equal
// text always hashes to the same vector, in this process or any other.
func (e *Encoder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)

	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h1 := fnv.New64a()
		h1.Write([]byte(tok))
		bucket := h1.Sum64() % uint64(e.dims)

		h2 := fnv.New64a()
		h2.Write([]byte(tok))
		h2.Write([]byte("\x00sign"))
		sign := float32(1)
		if h2.Sum64()%2 == 0 {
			sign = -1
		}
		vec[bucket] += sign
	}

	normalize(vec)
	return vec
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range vec {
		vec[i] /= norm
	}
}
