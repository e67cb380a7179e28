// Package mock provides a test double for the embeddings.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/attunehq/attune/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
// If Vector is nil, a zero vector of Dim length is returned.
type Provider struct {
	mu sync.Mutex

	// Vector is returned by Embed and repeated by EmbedBatch.
	Vector []float32

	// Err, if non-nil, is returned by Embed and EmbedBatch.
	Err error

	// Dim is returned by Dimensions. Defaults to 1536 when zero.
	Dim int

	// Model is returned by ModelID.
	Model string

	// EmbedCalls records the texts passed to Embed in order.
	EmbedCalls []string

	// EmbedBatchCalls records the slices passed to EmbedBatch in order.
	EmbedBatchCalls [][]string
}

var _ embeddings.Provider = (*Provider)(nil)

// Embed records the call and returns Vector, Err.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vector(), nil
}

// EmbedBatch records the call and returns len(texts) copies of Vector.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, cp)
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = p.vector()
	}
	return out, nil
}

// Dimensions returns Dim, defaulting to 1536.
func (p *Provider) Dimensions() int {
	if p.Dim == 0 {
		return 1536
	}
	return p.Dim
}

// ModelID returns Model.
func (p *Provider) ModelID() string { return p.Model }

func (p *Provider) vector() []float32 {
	if p.Vector != nil {
		v := make([]float32, len(p.Vector))
		copy(v, p.Vector)
		return v
	}
	return make([]float32, p.Dimensions())
}
