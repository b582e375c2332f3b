// Package core defines the core business logic and interfaces for the voice bundle service.
package core

import (
	"context"
	"encoding/binary"
	"math"
)

// EmbeddingFormatFloat32 is the only element format the service encodes.
const EmbeddingFormatFloat32 = "float32"

// ObjectStore defines the interface for interacting with a key-value blob store.
// Keys are slash separated paths. Download and Delete return an error wrapping
// ErrNotFound when the key does not exist.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Normalizer converts arbitrary input audio into canonical 16 kHz mono PCM_S16LE WAV.
type Normalizer interface {
	Normalize(ctx context.Context, audio []byte, mimeType string) ([]byte, error)
}

// Embedding is a fixed-dimension feature vector describing a voice.
type Embedding struct {
	Vector []float32
	Format string
}

// Size returns the element count of the embedding.
func (e Embedding) Size() int {
	return len(e.Vector)
}

// Bytes encodes the vector as little-endian float32 values.
func (e Embedding) Bytes() []byte {
	const bytesPerElement = 4

	out := make([]byte, len(e.Vector)*bytesPerElement)
	for i, value := range e.Vector {
		binary.LittleEndian.PutUint32(out[i*bytesPerElement:], math.Float32bits(value))
	}

	return out
}

// Embedder derives an embedding from normalized audio. Implementations must be
// deterministic for identical input.
type Embedder interface {
	Embed(ctx context.Context, pcm []byte) (Embedding, error)
}

// VoiceSettings tunes a single provider synthesis call.
type VoiceSettings struct {
	ModelID         string
	Stability       float64
	SimilarityBoost float64
}

// SpeechProvider is an external text-to-speech service able to synthesize with a
// named voice and to register transient voices from reference audio.
type SpeechProvider interface {
	Speak(ctx context.Context, voiceID, text string, settings VoiceSettings) ([]byte, error)
	RegisterVoice(ctx context.Context, reference []byte, name string) (string, error)
	DeleteVoice(ctx context.Context, voiceID string) error
}
