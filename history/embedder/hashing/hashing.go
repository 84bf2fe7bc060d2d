// Package hashing provides a local, deterministic embedder based on feature
// hashing. It needs no model files and gives lexical (not deep semantic)
// similarity: texts sharing words or word fragments score higher.
package hashing

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimensions is the vector size used when none is configured.
const DefaultDimensions = 512

// Embedder hashes word and character trigram features into a fixed-size vector.
type Embedder struct {
	dimensions int
}

// New creates a hashing embedder. dims <= 0 uses DefaultDimensions.
func New(dims int) *Embedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Embedder{dimensions: dims}
}

// Embed creates a deterministic, unit-length embedding from text.
// Text without any word characters yields the zero vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	embedding := make([]float32, e.dimensions)
	for _, word := range tokenize(text) {
		// Whole words weigh more than their fragments.
		e.add(embedding, "w:"+word, 2)

		padded := "#" + word + "#"
		runes := []rune(padded)
		for i := 0; i+3 <= len(runes); i++ {
			e.add(embedding, "g:"+string(runes[i:i+3]), 1)
		}
	}

	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// add hashes a feature into a bucket with a hash-derived sign.
func (e *Embedder) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()

	bucket := int(sum % uint64(e.dimensions))
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[bucket] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}

	if norm == 0 {
		return vec
	}

	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}

	return vec
}
