package synthesis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-bundle-service/internal/core"
	"github.com/book-expert/voice-bundle-service/internal/metrics"
)

// Strategy names.
const (
	StrategyTransientVoice = "transient_voice"
	StrategyDefaultVoice   = "default_voice"
	StrategyProviderVoice  = "provider_voice"
)

const voiceCleanupTimeout = 10 * time.Second

// Strategy is one way of producing audio for a text.
type Strategy interface {
	Name() string
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Chain tries strategies in order. The first one that returns audio wins and
// later strategies are never attempted.
type Chain struct {
	strategies []Strategy
	log        *logger.Logger
	metrics    *metrics.Metrics
}

// NewChain creates a Chain.
func NewChain(log *logger.Logger, m *metrics.Metrics, strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies, log: log, metrics: m}
}

// Run returns the audio of the first successful strategy and its name. When
// every strategy fails the error wraps core.ErrSynthesis and each failure.
func (c *Chain) Run(ctx context.Context, text string) ([]byte, string, error) {
	failures := make([]error, 0, len(c.strategies))

	for _, strategy := range c.strategies {
		err := ctx.Err()
		if err != nil {
			failures = append(failures, err)

			break
		}

		audioData, err := strategy.Synthesize(ctx, text)
		if err == nil && len(audioData) > 0 {
			c.metrics.RecordStrategyAttempt(strategy.Name(), true)

			return audioData, strategy.Name(), nil
		}

		if err == nil {
			err = errEmptyStrategyAudio
		}

		c.metrics.RecordStrategyAttempt(strategy.Name(), false)
		c.log.Warn("Synthesis strategy %s failed: %v", strategy.Name(), err)

		failures = append(failures, fmt.Errorf("%s: %w", strategy.Name(), err))
	}

	if len(failures) == 0 {
		return nil, "", fmt.Errorf("%w: no strategy configured", core.ErrSynthesis)
	}

	return nil, "", fmt.Errorf("%w: %w", core.ErrSynthesis, errors.Join(failures...))
}

var errEmptyStrategyAudio = errors.New("strategy returned no audio")

// namedVoice speaks with a voice the provider already knows.
type namedVoice struct {
	name     string
	provider core.SpeechProvider
	voiceID  string
	settings core.VoiceSettings
}

func (n namedVoice) Name() string { return n.name }

func (n namedVoice) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return n.provider.Speak(ctx, n.voiceID, text, n.settings)
}

// transientVoice registers a voice from reference audio, speaks with it and
// deletes it again. Deletion failures are logged, never returned.
type transientVoice struct {
	provider  core.SpeechProvider
	reference []byte
	voiceName string
	settings  core.VoiceSettings
	log       *logger.Logger
}

func (t transientVoice) Name() string { return StrategyTransientVoice }

func (t transientVoice) Synthesize(ctx context.Context, text string) ([]byte, error) {
	voiceID, err := t.provider.RegisterVoice(ctx, t.reference, t.voiceName)
	if err != nil {
		return nil, fmt.Errorf("register transient voice: %w", err)
	}

	defer t.cleanup(ctx, voiceID)

	audioData, err := t.provider.Speak(ctx, voiceID, text, t.settings)
	if err != nil {
		return nil, fmt.Errorf("speak with transient voice %s: %w", voiceID, err)
	}

	return audioData, nil
}

func (t transientVoice) cleanup(ctx context.Context, voiceID string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), voiceCleanupTimeout)
	defer cancel()

	err := t.provider.DeleteVoice(cleanupCtx, voiceID)
	if err != nil {
		t.log.Warn("Failed to delete transient voice %s: %v", voiceID, err)
	}
}
