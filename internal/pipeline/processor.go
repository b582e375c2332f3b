package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-bundle-service/internal/audio"
	"github.com/book-expert/voice-bundle-service/internal/bundle"
	"github.com/book-expert/voice-bundle-service/internal/core"
	"github.com/book-expert/voice-bundle-service/internal/gateway"
	"github.com/book-expert/voice-bundle-service/internal/metrics"
	"github.com/book-expert/voice-bundle-service/internal/storageuri"
	"github.com/google/uuid"
)

// DefaultPreviewSeconds is the length of the preview clip.
const DefaultPreviewSeconds = 5

// BundleWriter stores the parts of a bundle. *gateway.Gateway implements it.
type BundleWriter interface {
	Put(ctx context.Context, account, namespace, objectID string, parts map[string][]byte) (*gateway.PutResult, error)
}

// Request is one recording to turn into a bundle.
type Request struct {
	Owner       string
	ObjectID    string
	Name        string
	Description string
	Audio       []byte
	MimeType    string
}

// Result describes the stored bundle.
type Result struct {
	URI       string         `json:"uri"`
	ContentID string         `json:"cid"`
	TotalSize int            `json:"size"`
	Config    *bundle.Config `json:"config"`
	Meta      *bundle.Meta   `json:"meta"`
	// Transcoded is false when the recording was stored as uploaded.
	Transcoded bool `json:"transcoded"`
}

// Options tunes a Processor.
type Options struct {
	Namespace      string
	PreviewSeconds int
	Now            func() time.Time
}

// Processor runs the bundle pipeline.
type Processor struct {
	normalizer core.Normalizer
	fallback   core.Normalizer
	embedder   core.Embedder
	writer     BundleWriter
	log        *logger.Logger
	metrics    *metrics.Metrics
	opts       Options
}

// NewProcessor creates a Processor. A transcoder failure is retried once
// through PassthroughNormalizer.
func NewProcessor(
	normalizer core.Normalizer,
	embedder core.Embedder,
	writer BundleWriter,
	log *logger.Logger,
	m *metrics.Metrics,
	opts Options,
) *Processor {
	if opts.Namespace == "" {
		opts.Namespace = storageuri.NamespaceVoices
	}

	if opts.PreviewSeconds < 0 {
		opts.PreviewSeconds = 0
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Processor{
		normalizer: normalizer,
		fallback:   PassthroughNormalizer{},
		embedder:   embedder,
		writer:     writer,
		log:        log,
		metrics:    m,
		opts:       opts,
	}
}

// Process normalizes, embeds and assembles the recording and writes the bundle
// under shelby://<owner>/<namespace>/<objectId>. An empty ObjectID gets a uuid.
func (p *Processor) Process(ctx context.Context, req Request) (result *Result, err error) {
	start := time.Now()

	defer func() {
		p.metrics.RecordPipelineRun(string(core.Classify(err)), time.Since(start).Seconds())
	}()

	if len(req.Audio) == 0 {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, ErrEmptyAudio)
	}

	if req.Owner == "" || req.Name == "" {
		return nil, fmt.Errorf("%w: owner and name are required", core.ErrValidation)
	}

	if req.ObjectID == "" {
		req.ObjectID = uuid.NewString()
	}

	// Reject a bad address before spending time on transcoding.
	_, err = storageuri.Build(req.Owner, p.opts.Namespace, req.ObjectID)
	if err != nil {
		return nil, err
	}

	normalized, transcoded, err := p.normalize(ctx, req)
	if err != nil {
		return nil, err
	}

	embedding, err := p.embedder.Embed(ctx, normalized)
	if err != nil {
		return nil, err
	}

	assembled, err := bundle.Assemble(bundle.Params{
		Owner:           req.Owner,
		ObjectID:        req.ObjectID,
		Name:            req.Name,
		Description:     req.Description,
		NormalizedAudio: normalized,
		Embedding:       &embedding,
		Config:          bundle.DefaultConfig(embedding),
		PreviewWindow:   audio.PreviewWindow(audio.TargetSampleRate, audio.TargetBitDepth/8, p.opts.PreviewSeconds),
		Now:             p.opts.Now,
	})
	if err != nil {
		return nil, err
	}

	parts, err := assembled.Parts()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrBundleAssembly, err)
	}

	stored, err := p.writer.Put(ctx, req.Owner, p.opts.Namespace, req.ObjectID, parts)
	if err != nil {
		return nil, err
	}

	p.log.Info("Voice model '%s' stored at %s in %s", req.Name, stored.URI, time.Since(start))

	return &Result{
		URI:        stored.URI,
		ContentID:  stored.ContentID,
		TotalSize:  stored.TotalSize,
		Config:     &assembled.Config,
		Meta:       assembled.Meta,
		Transcoded: transcoded,
	}, nil
}

func (p *Processor) normalize(ctx context.Context, req Request) ([]byte, bool, error) {
	normalized, err := p.normalizer.Normalize(ctx, req.Audio, req.MimeType)
	if err == nil {
		_, passthrough := p.normalizer.(PassthroughNormalizer)

		return normalized, !passthrough, nil
	}

	if !errors.Is(err, core.ErrNormalization) {
		return nil, false, err
	}

	p.log.Warn("Normalization of '%s' failed, storing the upload as is: %v", req.Name, err)
	p.metrics.RecordNormalizationFallback()

	normalized, err = p.fallback.Normalize(ctx, req.Audio, req.MimeType)
	if err != nil {
		return nil, false, err
	}

	return normalized, false, nil
}
