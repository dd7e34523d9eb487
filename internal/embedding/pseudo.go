package embedding

import (
	"context"
	"math"
)

// Pseudo is a deterministic, offline embedding provider used when the real
// provider is unreachable. Each character contributes a position-rotated
// value to one vector slot, and the result is normalized to unit magnitude,
// so identical texts always map to identical vectors and similar texts land
// near each other. Search quality degrades; availability does not.
type Pseudo struct {
	dims int
}

// NewPseudo creates a pseudo-embedding provider.
func NewPseudo(dims int) *Pseudo {
	if dims <= 0 {
		dims = 1536
	}
	return &Pseudo{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *Pseudo) Dimensions() int {
	return p.dims
}

// Embed computes the deterministic pseudo-embedding of text.
func (p *Pseudo) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float64, p.dims)
	for i, r := range text {
		// Rotate the code point by its position so "ab" and "ba" diverge.
		rotated := float64((int(r)+i)%257) / 257.0
		vec[i%p.dims] += math.Sin(rotated*2*math.Pi) + rotated
	}

	var mag float64
	for _, v := range vec {
		mag += v * v
	}
	mag = math.Sqrt(mag)

	out := make([]float32, p.dims)
	if mag == 0 {
		// Empty text gets a fixed unit vector.
		out[0] = 1
		return out, nil
	}
	for i, v := range vec {
		out[i] = float32(v / mag)
	}
	return out, nil
}

// EmbedBatch computes pseudo-embeddings for each text.
func (p *Pseudo) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}
