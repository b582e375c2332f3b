// Package synthesis resolves a model reference to synthesized speech.
//
// Gateway-addressed references (shelby://...) are access checked and loaded
// from the storage gateway; the bundle's preview clip, when present, becomes a
// transient provider voice with the provider's default voice as fallback.
// Provider-scoped references (eleven:<voiceId>) go straight to the provider.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-bundle-service/internal/bundle"
	"github.com/book-expert/voice-bundle-service/internal/core"
	"github.com/book-expert/voice-bundle-service/internal/metrics"
	"github.com/book-expert/voice-bundle-service/internal/storageuri"
	"github.com/book-expert/voice-bundle-service/internal/text"
	"github.com/google/uuid"
)

// Routes used in results and metrics.
const (
	RouteGateway  = "gateway"
	RouteProvider = "provider"
)

// DefaultProviderPrefix marks provider-scoped references such as "eleven:abc".
const DefaultProviderPrefix = "eleven"

// ContentTypeMPEG is the media type of provider audio.
const ContentTypeMPEG = "audio/mpeg"

// BundleLoader reads a stored bundle. *gateway.Gateway implements it.
type BundleLoader interface {
	LoadBundle(ctx context.Context, uri storageuri.URI) (*bundle.Bundle, error)
}

// Authorizer decides read access. *access.Verifier implements it.
type Authorizer interface {
	Authorize(ctx context.Context, rawURI, requester string) error
}

// Settings are the provider parameters of each strategy.
type Settings struct {
	ProviderPrefix         string
	DefaultVoiceID         string
	ModelID                string
	Stability              float64
	SimilarityBoost        float64
	DefaultSimilarityBoost float64
}

// Request is one synthesis call.
type Request struct {
	ModelRef  string `json:"modelUri"`
	Text      string `json:"text"`
	Requester string `json:"requesterAccount,omitempty"`
}

// Result carries the audio and how it was produced.
type Result struct {
	Audio       []byte
	ContentType string
	Route       string
	Strategy    string
}

// Dispatcher routes synthesis requests.
type Dispatcher struct {
	provider   core.SpeechProvider
	loader     BundleLoader
	authorizer Authorizer
	sanitizer  *text.Sanitizer
	settings   Settings
	log        *logger.Logger
	metrics    *metrics.Metrics
}

// NewDispatcher creates a Dispatcher. A nil sanitizer uses text defaults.
func NewDispatcher(
	provider core.SpeechProvider,
	loader BundleLoader,
	authorizer Authorizer,
	sanitizer *text.Sanitizer,
	settings Settings,
	log *logger.Logger,
	m *metrics.Metrics,
) *Dispatcher {
	if settings.ProviderPrefix == "" {
		settings.ProviderPrefix = DefaultProviderPrefix
	}

	if sanitizer == nil {
		sanitizer = text.NewSanitizer(0)
	}

	return &Dispatcher{
		provider:   provider,
		loader:     loader,
		authorizer: authorizer,
		sanitizer:  sanitizer,
		settings:   settings,
		log:        log,
		metrics:    m,
	}
}

// Synthesize resolves req.ModelRef and returns audio. Unknown reference
// schemes fail with core.ErrUnsupportedReference before any network call.
func (d *Dispatcher) Synthesize(ctx context.Context, req Request) (result *Result, err error) {
	start := time.Now()
	route := "unsupported"

	defer func() {
		d.metrics.RecordSynthesis(route, string(core.Classify(err)), time.Since(start).Seconds())
	}()

	switch {
	case strings.HasPrefix(req.ModelRef, storageuri.Prefix):
		route = RouteGateway

		return d.synthesizeFromBundle(ctx, req)
	case strings.HasPrefix(req.ModelRef, d.settings.ProviderPrefix+":"):
		route = RouteProvider

		return d.synthesizeWithProviderVoice(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %q", core.ErrUnsupportedReference, req.ModelRef)
	}
}

func (d *Dispatcher) synthesizeFromBundle(ctx context.Context, req Request) (*Result, error) {
	uri, err := storageuri.Parse(req.ModelRef)
	if err != nil {
		return nil, err
	}

	if req.Requester == "" {
		return nil, fmt.Errorf("%w: requester account is required for %s", core.ErrValidation, uri)
	}

	cleaned, err := d.sanitizer.Sanitize(req.Text)
	if err != nil {
		return nil, err
	}

	err = d.authorizer.Authorize(ctx, uri.String(), req.Requester)
	if err != nil {
		return nil, err
	}

	model, err := d.loader.LoadBundle(ctx, uri)
	if err != nil {
		return nil, err
	}

	strategies := make([]Strategy, 0, 2)

	if len(model.Preview) > 0 {
		strategies = append(strategies, transientVoice{
			provider:  d.provider,
			reference: model.Preview,
			voiceName: transientVoiceName(uri, model.Meta),
			settings:  d.voiceSettings(d.settings.SimilarityBoost),
			log:       d.log,
		})
	}

	strategies = append(strategies, namedVoice{
		name:     StrategyDefaultVoice,
		provider: d.provider,
		voiceID:  d.settings.DefaultVoiceID,
		settings: d.voiceSettings(d.settings.DefaultSimilarityBoost),
	})

	return d.run(ctx, RouteGateway, cleaned, strategies...)
}

func (d *Dispatcher) synthesizeWithProviderVoice(ctx context.Context, req Request) (*Result, error) {
	voiceID := strings.TrimPrefix(req.ModelRef, d.settings.ProviderPrefix+":")
	if voiceID == "" {
		return nil, fmt.Errorf("%w: %q has no voice id", core.ErrValidation, req.ModelRef)
	}

	cleaned, err := d.sanitizer.Sanitize(req.Text)
	if err != nil {
		return nil, err
	}

	result, err := d.run(ctx, RouteProvider, cleaned, namedVoice{
		name:     StrategyProviderVoice,
		provider: d.provider,
		voiceID:  voiceID,
		settings: d.voiceSettings(d.settings.SimilarityBoost),
	})
	if errors.Is(err, core.ErrProviderResourceNotFound) {
		// The reference names the provider voice itself.
		return nil, fmt.Errorf("%w: %w", core.ErrNotFound, err)
	}

	return result, err
}

func (d *Dispatcher) run(ctx context.Context, route, cleaned string, strategies ...Strategy) (*Result, error) {
	audioData, strategy, err := NewChain(d.log, d.metrics, strategies...).Run(ctx, cleaned)
	if err != nil {
		return nil, err
	}

	d.log.Info("Synthesized %d characters via %s/%s (%d bytes)", len(cleaned), route, strategy, len(audioData))

	return &Result{
		Audio:       audioData,
		ContentType: ContentTypeMPEG,
		Route:       route,
		Strategy:    strategy,
	}, nil
}

func (d *Dispatcher) voiceSettings(similarity float64) core.VoiceSettings {
	return core.VoiceSettings{
		ModelID:         d.settings.ModelID,
		Stability:       d.settings.Stability,
		SimilarityBoost: similarity,
	}
}

func transientVoiceName(uri storageuri.URI, meta *bundle.Meta) string {
	name := uri.ObjectID
	if meta != nil && meta.Name != "" {
		name = meta.Name
	}

	return fmt.Sprintf("shelby-%s-%s", name, uuid.NewString()[:8])
}
