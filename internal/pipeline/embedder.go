package pipeline

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/book-expert/voice-bundle-service/internal/core"
)

// DefaultEmbeddingSize is the element count of digest embeddings.
const DefaultEmbeddingSize = 256

// DigestEmbedder derives a placeholder embedding from the SHA-256 digest of the
// audio. Element i is (digest[i%32]/255 - 0.5) * 2, so values lie in [-1, 1].
type DigestEmbedder struct {
	size int
}

// NewDigestEmbedder creates an embedder producing size elements.
func NewDigestEmbedder(size int) *DigestEmbedder {
	if size <= 0 {
		size = DefaultEmbeddingSize
	}

	return &DigestEmbedder{size: size}
}

// Embed hashes pcm into a float32 vector.
func (e *DigestEmbedder) Embed(_ context.Context, pcm []byte) (core.Embedding, error) {
	if len(pcm) == 0 {
		return core.Embedding{}, fmt.Errorf("%w: %w", core.ErrEmbedding, ErrEmptyAudio)
	}

	digest := sha256.Sum256(pcm)
	vector := make([]float32, e.size)

	for i := range vector {
		vector[i] = (float32(digest[i%len(digest)])/255 - 0.5) * 2
	}

	return core.Embedding{Vector: vector, Format: core.EmbeddingFormatFloat32}, nil
}
