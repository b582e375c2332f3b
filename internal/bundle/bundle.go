// Package bundle assembles and decodes voice model bundles: the embedding, the
// config and meta descriptors and an optional preview clip stored under one URI.
package bundle

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/book-expert/voice-bundle-service/internal/audio"
	"github.com/book-expert/voice-bundle-service/internal/core"
)

// Part filenames. They are part of the wire format and case-sensitive.
const (
	PartEmbedding = "embedding.bin"
	PartConfig    = "config.json"
	PartMeta      = "meta.json"
	PartPreview   = "preview.wav"
)

// ModelVersion tags bundles produced by this assembler.
const ModelVersion = "1.0.0"

// PartNames lists every known part in the stable order used for content hashing
// and writes. config.json is last so that its presence marks a fully written bundle.
func PartNames() []string {
	return []string{PartEmbedding, PartMeta, PartPreview, PartConfig}
}

// RequiredParts lists the parts a bundle cannot be valid without.
func RequiredParts() []string {
	return []string{PartEmbedding, PartConfig}
}

// IsKnownPart reports whether name is one of the fixed part filenames.
func IsKnownPart(name string) bool {
	return slices.Contains(PartNames(), name)
}

// Config is the config.json descriptor.
type Config struct {
	ModelVersion    string `json:"modelVersion"`
	SampleRate      int    `json:"sampleRate"`
	Channels        int    `json:"channels"`
	Format          string `json:"format,omitempty"`
	Codec           string `json:"codec,omitempty"`
	EmbeddingSize   int    `json:"embeddingSize"`
	EmbeddingFormat string `json:"embeddingFormat"`
}

// Meta is the meta.json descriptor.
type Meta struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Owner        string `json:"owner"`
	VoiceID      string `json:"voiceId"`
	CreatedAt    int64  `json:"createdAt"`
	ModelVersion string `json:"modelVersion,omitempty"`
}

// Params is the input of Assemble.
type Params struct {
	Owner           string
	ObjectID        string
	Name            string
	Description     string
	NormalizedAudio []byte
	Embedding       *core.Embedding
	Config          *Config
	// PreviewWindow is the preview length in bytes; zero disables the preview.
	PreviewWindow int
	Now           func() time.Time
}

// Bundle is an assembled voice model.
type Bundle struct {
	Embedding []byte
	Config    Config
	Meta      *Meta
	Preview   []byte
}

// DefaultConfig returns the descriptor of a canonical-format bundle whose
// embedding is described by emb.
func DefaultConfig(emb core.Embedding) *Config {
	return &Config{
		ModelVersion:    ModelVersion,
		SampleRate:      audio.TargetSampleRate,
		Channels:        audio.TargetChannels,
		Format:          audio.TargetContainer,
		Codec:           audio.TargetCodec,
		EmbeddingSize:   emb.Size(),
		EmbeddingFormat: emb.Format,
	}
}

// Assemble validates the inputs and packages them into a Bundle. A missing
// embedding or config, or a config that disagrees with the embedding, fails with
// core.ErrBundleAssembly.
func Assemble(params Params) (*Bundle, error) {
	if params.Embedding == nil || params.Embedding.Size() == 0 {
		return nil, fmt.Errorf("%w: embedding is required", core.ErrBundleAssembly)
	}

	if params.Config == nil {
		return nil, fmt.Errorf("%w: config is required", core.ErrBundleAssembly)
	}

	if params.Owner == "" || params.ObjectID == "" || params.Name == "" {
		return nil, fmt.Errorf("%w: name, owner and object id are required", core.ErrBundleAssembly)
	}

	cfg := *params.Config

	err := checkEmbeddingMatches(cfg, params.Embedding.Format, params.Embedding.Size())
	if err != nil {
		return nil, err
	}

	err = audio.Format{
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		BitDepth:   audio.TargetBitDepth,
		Codec:      audio.TargetCodec,
	}.Validate()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrBundleAssembly, err)
	}

	now := time.Now
	if params.Now != nil {
		now = params.Now
	}

	var preview []byte

	if params.PreviewWindow > 0 {
		preview, err = audio.ExtractPreview(params.NormalizedAudio, params.PreviewWindow)
		if err != nil {
			return nil, fmt.Errorf("%w: preview extraction: %w", core.ErrBundleAssembly, err)
		}
	}

	return &Bundle{
		Embedding: params.Embedding.Bytes(),
		Config:    cfg,
		Meta: &Meta{
			Name:         params.Name,
			Description:  params.Description,
			Owner:        params.Owner,
			VoiceID:      params.ObjectID,
			CreatedAt:    now().UnixMilli(),
			ModelVersion: cfg.ModelVersion,
		},
		Preview: preview,
	}, nil
}

// Parts serializes the bundle into its named parts.
func (b *Bundle) Parts() (map[string][]byte, error) {
	configData, err := json.MarshalIndent(b.Config, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	parts := map[string][]byte{
		PartEmbedding: b.Embedding,
		PartConfig:    configData,
	}

	if b.Meta != nil {
		metaData, metaErr := json.MarshalIndent(b.Meta, "", "  ")
		if metaErr != nil {
			return nil, fmt.Errorf("failed to marshal meta: %w", metaErr)
		}

		parts[PartMeta] = metaData
	}

	if len(b.Preview) > 0 {
		parts[PartPreview] = b.Preview
	}

	return parts, nil
}

// FromParts decodes a bundle read back from storage. embedding.bin and
// config.json are required (core.ErrModelIncomplete otherwise); meta.json and
// preview.wav may be absent. The embedding is treated as opaque bytes.
func FromParts(parts map[string][]byte) (*Bundle, error) {
	for _, name := range RequiredParts() {
		if _, ok := parts[name]; !ok {
			return nil, fmt.Errorf("%w: missing %s", core.ErrModelIncomplete, name)
		}
	}

	var cfg Config

	err := parseJSON(parts[PartConfig], &cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: config.json: %w", core.ErrModelIncomplete, err)
	}

	decoded := &Bundle{
		Embedding: parts[PartEmbedding],
		Config:    cfg,
		Preview:   parts[PartPreview],
	}

	if metaData, ok := parts[PartMeta]; ok {
		var meta Meta

		// A damaged meta.json is treated like a missing one.
		if parseJSON(metaData, &meta) == nil {
			decoded.Meta = &meta
		}
	}

	return decoded, nil
}

// ParseMeta decodes a meta.json part.
func ParseMeta(data []byte) (*Meta, error) {
	var meta Meta

	err := parseJSON(data, &meta)
	if err != nil {
		return nil, err
	}

	return &meta, nil
}

func checkEmbeddingMatches(cfg Config, format string, size int) error {
	if cfg.EmbeddingFormat != core.EmbeddingFormatFloat32 {
		return fmt.Errorf("%w: unsupported embedding format %q", core.ErrBundleAssembly, cfg.EmbeddingFormat)
	}

	if cfg.EmbeddingFormat != format {
		return fmt.Errorf("%w: config embeddingFormat %q does not match embedding format %q",
			core.ErrBundleAssembly, cfg.EmbeddingFormat, format)
	}

	if cfg.EmbeddingSize != size {
		return fmt.Errorf("%w: config embeddingSize %d does not match embedding length %d",
			core.ErrBundleAssembly, cfg.EmbeddingSize, size)
	}

	return nil
}
